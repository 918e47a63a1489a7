package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pders01/stow/internal/config"
	"github.com/pders01/stow/internal/debuglog"
	"github.com/pders01/stow/internal/plugins"
	"github.com/pders01/stow/internal/plugins/builtin"
	"github.com/pders01/stow/internal/savedlist"
	"github.com/pders01/stow/internal/validation"
)

const catPage = `<html><head><title>Cat</title></head><body>
<p>Cats have whiskers and retractable claws.</p>
<img src="/img/thumb/a/ab/Cat.jpg/220px-Cat.jpg">
</body></html>`

type origin struct {
	srv  *httptest.Server
	hits atomic.Int32
}

func newOrigin(t *testing.T) *origin {
	t.Helper()
	o := &origin{}
	o.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.hits.Add(1)
		switch {
		case r.URL.Path == "/api/rest_v1/page/mobile-html/Cat":
			w.Header().Set("Content-Type", "text/html")
			io.WriteString(w, catPage) //nolint:errcheck
		case strings.HasPrefix(r.URL.Path, "/api/rest_v1/page/mobile-html/"):
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprintf(w, "<html><head><title>%s</title></head><body>plain</body></html>", r.URL.Path) //nolint:errcheck
		case strings.HasSuffix(r.URL.Path, "px-Cat.jpg"):
			w.Header().Set("Content-Type", "image/jpeg")
			io.WriteString(w, "jpeg:"+r.URL.Path) //nolint:errcheck
		case r.URL.Path == "/feed.xml":
			w.Header().Set("Content-Type", "application/rss+xml")
			fmt.Fprintf(w, `<?xml version="1.0"?><rss version="2.0"><channel><title>t</title>
<item><title>A</title><link>%[1]s/articles/a</link></item>
<item><title>B</title><link>%[1]s/articles/b</link></item>
</channel></rss>`, "https://example.org") //nolint:errcheck
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(o.srv.Close)
	return o
}

func openEngine(t *testing.T, o *origin, dir string) *Engine {
	t.Helper()
	cfg := config.TestConfigIn(dir)

	registry := plugins.NewRegistry(cfg.Fetch.Scheme)
	registry.Register(&builtin.WikiPlugin{HostFormat: o.srv.Listener.Addr().String()})

	e, err := Open(cfg,
		WithRegistry(registry),
		WithPathValidator(validation.NewPermissivePathValidator()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func syncCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestEngine_SyncThenServeOffline(t *testing.T) {
	o := newOrigin(t)
	e := openEngine(t, o, t.TempDir())

	saved, err := e.Toggle("enwiki:Cat")
	require.NoError(t, err)
	require.True(t, saved)

	p, err := e.Sync(syncCtx(t))
	require.NoError(t, err)
	assert.Equal(t, 2, p.Total)
	assert.Equal(t, 2, p.Completed)
	assert.Zero(t, p.Failed)

	entry, ok := e.List.Get("enwiki:Cat")
	require.True(t, ok)
	assert.Equal(t, savedlist.StateComplete, entry.State)

	results, err := e.Search("whiskers", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "enwiki:Cat", results[0].EntryKey)

	// everything below must come from the cache
	o.srv.Close()

	page, err := e.Interceptor.ServePage(context.Background(), "enwiki:Cat", 0)
	require.NoError(t, err)
	imageKey := o.srv.Listener.Addr().String() + "/img/thumb/a/ab/Cat.jpg"
	local := e.Interceptor.LocalURL(imageKey, 320)
	assert.Contains(t, string(page.Body), local)

	img, err := e.Interceptor.Serve(context.Background(), local)
	require.NoError(t, err)
	assert.Equal(t, 220, img.Width)
	assert.Equal(t, "image/jpeg", img.ContentType)

	st, err := e.Status()
	require.NoError(t, err)
	assert.Equal(t, 2, st.Resources)
	assert.Positive(t, st.CacheBytes)
	assert.Equal(t, 1, st.IndexedDocs)
	assert.Equal(t, p.RunID, st.LastRunID)
	assert.False(t, st.LastSync.IsZero())
}

func TestEngine_SecondSyncSkipsCompleteEntries(t *testing.T) {
	o := newOrigin(t)
	e := openEngine(t, o, t.TempDir())

	_, err := e.Toggle("enwiki:Cat")
	require.NoError(t, err)
	_, err = e.Sync(syncCtx(t))
	require.NoError(t, err)
	hits := o.hits.Load()

	p, err := e.Sync(syncCtx(t))
	require.NoError(t, err)
	assert.Zero(t, p.Total)
	assert.Equal(t, hits, o.hits.Load())
}

func TestEngine_RemoveEvictsAndUnindexes(t *testing.T) {
	o := newOrigin(t)
	e := openEngine(t, o, t.TempDir())

	_, err := e.Toggle("enwiki:Cat")
	require.NoError(t, err)
	_, err = e.Sync(syncCtx(t))
	require.NoError(t, err)

	saved, err := e.Toggle("enwiki:Cat")
	require.NoError(t, err)
	assert.False(t, saved)

	st, err := e.Status()
	require.NoError(t, err)
	assert.Empty(t, st.Entries)
	assert.Zero(t, st.Resources)
	assert.Zero(t, st.IndexedDocs)
}

func TestEngine_EnqueuesEntriesAddedWhileRunning(t *testing.T) {
	o := newOrigin(t)
	e := openEngine(t, o, t.TempDir())
	ctx := syncCtx(t)

	require.NoError(t, e.Start(ctx))
	defer e.Stop()

	_, err := e.Toggle("enwiki:Cat")
	require.NoError(t, err)
	require.NoError(t, e.Orchestrator.Wait(ctx))

	entry, ok := e.List.Get("enwiki:Cat")
	require.True(t, ok)
	assert.Equal(t, savedlist.StateComplete, entry.State)
}

func TestEngine_Import(t *testing.T) {
	o := newOrigin(t)
	e := openEngine(t, o, t.TempDir())

	added, err := e.Import(context.Background(), o.srv.URL+"/feed.xml")
	require.NoError(t, err)
	assert.Equal(t, []string{"example.org/articles/a", "example.org/articles/b"}, added)

	added, err = e.Import(context.Background(), o.srv.URL+"/feed.xml")
	require.NoError(t, err)
	assert.Empty(t, added, "a second import must not toggle entries off")
	assert.Equal(t, 2, e.List.Len())
}

func TestEngine_ListSurvivesReopen(t *testing.T) {
	o := newOrigin(t)
	dir := t.TempDir()

	e := openEngine(t, o, dir)
	_, err := e.Toggle("enwiki:Cat")
	require.NoError(t, err)
	_, err = e.Sync(syncCtx(t))
	require.NoError(t, err)
	require.NoError(t, e.Close())

	e = openEngine(t, o, dir)
	entry, ok := e.List.Get("enwiki:Cat")
	require.True(t, ok)
	assert.Equal(t, savedlist.StateComplete, entry.State)

	n, err := e.Index.DocCount()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEngine_HTTPServer(t *testing.T) {
	o := newOrigin(t)
	e := openEngine(t, o, t.TempDir())

	_, err := e.Toggle("enwiki:Cat")
	require.NoError(t, err)
	_, err = e.Sync(syncCtx(t))
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	e.Server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, e.Interceptor.PageURL("enwiki:Cat"), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cache", rec.Header().Get("X-Stow-Source"))
	assert.Contains(t, rec.Body.String(), "whiskers")

	rec = httptest.NewRecorder()
	e.Server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `stow_jobs_completed_total{outcome="ok"} 2`)
}

func TestEngine_StatusLogsCorruptLastSync(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "stow.log")
	require.NoError(t, debuglog.Setup(debuglog.LevelWarn, logPath))
	t.Cleanup(func() { _ = debuglog.Setup(debuglog.LevelOff) })

	e := openEngine(t, newOrigin(t), t.TempDir())
	require.NoError(t, e.db.SetMeta(metaLastSync, "yesterday-ish"))

	st, err := e.Status()
	require.NoError(t, err)
	assert.True(t, st.LastSync.IsZero())

	require.NoError(t, debuglog.Close())
	logged, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(logged), "yesterday-ish")
}

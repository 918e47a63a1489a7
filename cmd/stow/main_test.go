package main

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupHome points HOME and the data directory at a temp dir and silences
// logging.
func setupHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("STOW_LOG_LEVEL", "off")
	return home
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "stow dev")
	assert.Contains(t, out, "Offline content sync")
	assert.Contains(t, out, "github.com/pders01/stow")

	out, err = run(t, "--version")
	require.NoError(t, err)
	assert.Equal(t, "stow dev\n", out)
}

func TestGenerateConfigCommand(t *testing.T) {
	home := setupHome(t)

	out, err := run(t, "config", "generate")
	require.NoError(t, err)
	configFile := filepath.Join(home, ".config", "stow", "config.toml")
	assert.Contains(t, out, configFile)

	data, err := os.ReadFile(configFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "workers")

	custom := filepath.Join(home, "custom.toml")
	_, err = run(t, "config", "generate", "--path", custom)
	require.NoError(t, err)
	assert.FileExists(t, custom)
}

func TestSaveListRemove(t *testing.T) {
	home := setupHome(t)
	data := filepath.Join(home, "data")

	out, err := run(t, "--data-dir", data, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "no saved entries")

	out, err = run(t, "--data-dir", data, "save", "enwiki:Cat", "enwiki:Dog")
	require.NoError(t, err)
	assert.Equal(t, "saved enwiki:Cat\nsaved enwiki:Dog\n", out)

	out, err = run(t, "--data-dir", data, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "enwiki:Cat")
	assert.Contains(t, out, "enwiki:Dog")

	out, err = run(t, "--data-dir", data, "save", "enwiki:Cat")
	require.NoError(t, err)
	assert.Equal(t, "removed enwiki:Cat\n", out)

	_, err = run(t, "--data-dir", data, "rm", "enwiki:Dog")
	require.NoError(t, err)

	out, err = run(t, "--data-dir", data, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "entries:   0")
	assert.Contains(t, out, "last sync: never")
}

func TestClearRequiresConfirmation(t *testing.T) {
	home := setupHome(t)
	data := filepath.Join(home, "data")

	_, err := run(t, "--data-dir", data, "save", "enwiki:Cat")
	require.NoError(t, err)

	_, err = run(t, "--data-dir", data, "clear")
	assert.Error(t, err)

	out, err := run(t, "--data-dir", data, "clear", "--yes")
	require.NoError(t, err)
	assert.Equal(t, "removed 1 entries\n", out)
}

func TestSyncSearchOpen(t *testing.T) {
	home := setupHome(t)
	t.Setenv("STOW_FETCH_ALLOW_PRIVATE", "true")
	t.Setenv("STOW_FETCH_SCHEME", "http")
	t.Setenv("STOW_FETCH_INITIAL_BACKOFF", "1ms")
	data := filepath.Join(home, "data")

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/page":
			w.Header().Set("Content-Type", "text/html")
			io.WriteString(w, `<html><head><title>Whiskers</title></head><body><p>All about whiskers.</p><img src="/img/a.png"></body></html>`) //nolint:errcheck
		case "/img/a.png":
			w.Header().Set("Content-Type", "image/png")
			io.WriteString(w, "\x89PNG\r\n\x1a\nfake") //nolint:errcheck
		default:
			http.NotFound(w, r)
		}
	}))
	defer origin.Close()

	page := origin.URL + "/page"
	_, err := run(t, "--data-dir", data, "save", page)
	require.NoError(t, err)

	out, err := run(t, "--data-dir", data, "sync", "--no-tui")
	require.NoError(t, err)
	assert.Contains(t, out, "Synced 2/2 jobs")
	assert.Contains(t, out, "1 complete")

	out, err = run(t, "--data-dir", data, "search", "whiskers")
	require.NoError(t, err)
	assert.Contains(t, out, "Whiskers (")

	out, err = run(t, "--data-dir", data, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "2 resources")
	assert.NotContains(t, out, "never")

	out, err = run(t, "--data-dir", data, "open", "--print", page)
	require.NoError(t, err)
	assert.Contains(t, out, "/local/page/")

	out, err = run(t, "--data-dir", data, "open", "--print", "--resource", origin.URL+"/img/a.png")
	require.NoError(t, err)
	assert.True(t, strings.Contains(out, filepath.Join(data, "cache")), "expected a cache path, got %q", out)

	_, err = run(t, "--data-dir", data, "open", "--print", "enwiki:Unsaved")
	assert.Error(t, err)

	out, err = run(t, "--data-dir", data, "sync", "--no-tui")
	require.NoError(t, err)
	assert.Contains(t, out, "Nothing to sync")
}

// Package engine assembles the saved list, cache, orchestrator, interceptor
// and search index from a config and wires them together.
package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/pders01/stow/internal/cache"
	"github.com/pders01/stow/internal/config"
	"github.com/pders01/stow/internal/debuglog"
	"github.com/pders01/stow/internal/download"
	"github.com/pders01/stow/internal/feedimport"
	"github.com/pders01/stow/internal/fetch"
	"github.com/pders01/stow/internal/interceptor"
	"github.com/pders01/stow/internal/metrics"
	"github.com/pders01/stow/internal/plugins"
	"github.com/pders01/stow/internal/plugins/builtin"
	"github.com/pders01/stow/internal/savedlist"
	"github.com/pders01/stow/internal/search"
	"github.com/pders01/stow/internal/storage"
	"github.com/pders01/stow/internal/validation"
)

const (
	metaLastSync  = "last_sync"
	metaLastRunID = "last_run_id"
)

type Engine struct {
	cfg *config.Config
	db  *storage.Store

	Cache        *cache.Store
	List         *savedlist.List
	Registry     *plugins.Registry
	Fetcher      fetch.Getter
	Metrics      *metrics.Metrics
	Orchestrator *download.Orchestrator
	Interceptor  *interceptor.Interceptor
	Server       *interceptor.Server
	Index        *search.Index
	Importer     *feedimport.Importer

	closeOnce sync.Once
	closeErr  error
}

type options struct {
	registry *plugins.Registry
	getter   fetch.Getter
	paths    *validation.PathValidator
}

type Option func(*options)

// WithRegistry replaces the built-in plugin registry.
func WithRegistry(r *plugins.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithGetter replaces the HTTP fetcher.
func WithGetter(g fetch.Getter) Option {
	return func(o *options) { o.getter = g }
}

// WithPathValidator replaces the validator storage paths are checked with.
func WithPathValidator(v *validation.PathValidator) Option {
	return func(o *options) { o.paths = v }
}

// Open builds every component from cfg. Nothing runs until Start or Serve.
func Open(cfg *config.Config, opts ...Option) (*Engine, error) {
	o := options{paths: validation.NewPathValidator()}
	for _, opt := range opts {
		opt(&o)
	}

	dbPath, err := o.paths.File(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("database path: %w", err)
	}
	cacheDir, err := o.paths.Dir(cfg.Storage.CacheDir, true)
	if err != nil {
		return nil, fmt.Errorf("cache directory: %w", err)
	}
	indexPath, err := o.paths.Clean(cfg.Storage.SearchIndex)
	if err != nil {
		return nil, fmt.Errorf("search index path: %w", err)
	}
	if _, err := o.paths.Dir(filepath.Dir(indexPath), true); err != nil {
		return nil, fmt.Errorf("search index path: %w", err)
	}

	db, err := storage.NewStore(dbPath, cfg.Storage.Timeout)
	if err != nil {
		return nil, err
	}
	e := &Engine{cfg: cfg, db: db}

	ok := false
	defer func() {
		if !ok {
			e.closeAll()
		}
	}()

	e.Cache, err = cache.New(db, cacheDir)
	if err != nil {
		return nil, err
	}
	e.Index, err = search.Open(indexPath)
	if err != nil {
		return nil, err
	}
	e.List, err = savedlist.New(db, savedlist.WithEvictor(e.Cache))
	if err != nil {
		return nil, fmt.Errorf("loading saved list: %w", err)
	}

	e.Registry = o.registry
	if e.Registry == nil {
		e.Registry = plugins.NewRegistry(cfg.Fetch.Scheme)
		builtin.Register(e.Registry)
	}
	e.Fetcher = o.getter
	if e.Fetcher == nil {
		e.Fetcher = fetch.NewFetcher(cfg)
	}

	origins := validation.NewOriginValidator()
	if cfg.Fetch.AllowPrivate {
		origins = validation.NewPermissiveOriginValidator()
	}

	e.Metrics = metrics.New(nil)
	e.Orchestrator = download.New(e.List, e.Cache, e.Fetcher, e.Registry, cfg,
		download.WithIndexer(e.Index),
		download.WithMetrics(e.Metrics),
		download.WithOriginValidator(origins),
	)
	e.Interceptor = interceptor.New(e.Cache, e.Fetcher, cfg,
		interceptor.WithResolver(e.Registry),
		interceptor.WithMetrics(e.Metrics),
		interceptor.WithOriginValidator(origins),
	)
	e.Server = interceptor.NewServer(e.Interceptor, cfg.Server.Addr, e.Metrics)
	e.Importer = feedimport.New(e.Fetcher, origins)

	e.List.Observe(savedlist.Observer{
		EntryAdded:   e.entryAdded,
		EntryRemoved: e.entryRemoved,
	})

	ok = true
	return e, nil
}

func (e *Engine) entryAdded(entry savedlist.Entry) {
	if !e.Orchestrator.Running() {
		return
	}
	if err := e.Orchestrator.Enqueue(entry.Key); err != nil && !errors.Is(err, download.ErrStopped) {
		debuglog.WithFields(map[string]any{"entry": entry.Key}).Warnf("enqueue: %v", err)
	}
}

// entryRemoved runs before the cache evictor, so every job that could still
// record the entry as an owner has finished by the time it returns.
func (e *Engine) entryRemoved(entry savedlist.Entry) {
	e.Orchestrator.Cancel(entry.Key)
	if err := e.Index.Delete(entry.Key); err != nil {
		debuglog.WithFields(map[string]any{"entry": entry.Key}).Warnf("unindex: %v", err)
	}
}

// Config is the configuration the engine was opened with.
func (e *Engine) Config() *config.Config {
	return e.cfg
}

// Start begins a sync run over every unfinished entry.
func (e *Engine) Start(ctx context.Context) error {
	return e.Orchestrator.Start(ctx)
}

// Stop ends the current run. Unfinished entries go back to pending.
func (e *Engine) Stop() {
	e.Orchestrator.Stop()
}

// Sync runs the orchestrator until it goes idle or ctx is done, then stops
// it and records the run.
func (e *Engine) Sync(ctx context.Context) (download.Progress, error) {
	if err := e.Start(ctx); err != nil {
		return download.Progress{}, err
	}
	waitErr := e.Orchestrator.Wait(ctx)
	p := e.Orchestrator.Progress()
	e.Stop()
	if waitErr != nil {
		return p, waitErr
	}
	return p, e.RecordRun(p)
}

// RecordRun stores the time and ID of a finished run.
func (e *Engine) RecordRun(p download.Progress) error {
	if err := e.db.SetMeta(metaLastSync, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	return e.db.SetMeta(metaLastRunID, p.RunID)
}

// Serve runs the local server until ctx is done.
func (e *Engine) Serve(ctx context.Context, ready func(addr string)) error {
	return e.Server.Serve(ctx, ready)
}

// Toggle saves raw, or removes it when already saved. It reports whether
// the entry is saved afterwards.
func (e *Engine) Toggle(raw string) (bool, error) {
	return e.List.Add(raw)
}

// Import adds every item of a feed that is not saved yet and returns the
// keys it added.
func (e *Engine) Import(ctx context.Context, feedURL string) ([]string, error) {
	keys, err := e.Importer.Import(ctx, feedURL)
	if err != nil {
		return nil, err
	}
	var added []string
	for _, key := range keys {
		if e.List.Contains(key) {
			continue
		}
		if _, err := e.List.Add(key); err != nil {
			return added, err
		}
		added = append(added, key)
	}
	return added, nil
}

// Search queries the full-text index of synced documents.
func (e *Engine) Search(query string, limit int) ([]*search.Result, error) {
	return e.Index.Search(query, limit)
}

// Status summarises the list, cache and index.
type Status struct {
	Entries     []savedlist.Entry
	Resources   int
	CacheBytes  int64
	IndexedDocs int
	LastSync    time.Time
	LastRunID   string
}

func (e *Engine) Status() (*Status, error) {
	st := &Status{Entries: e.List.List()}

	var err error
	st.Resources, st.CacheBytes, err = e.Cache.Stats()
	if err != nil {
		return nil, err
	}
	st.IndexedDocs, err = e.Index.DocCount()
	if err != nil {
		return nil, err
	}

	if v, err := e.db.GetMeta(metaLastSync); err == nil {
		if st.LastSync, err = time.Parse(time.RFC3339, v); err != nil {
			debuglog.Warnf("engine: stored %s %q is not a timestamp: %v", metaLastSync, v, err)
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	if v, err := e.db.GetMeta(metaLastRunID); err == nil {
		st.LastRunID = v
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	return st, nil
}

// Close stops any run, flushes the list and closes every store.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		if e.Orchestrator != nil {
			e.Orchestrator.Stop()
		}
		e.closeErr = e.closeAll()
	})
	return e.closeErr
}

func (e *Engine) closeAll() error {
	var errs []error
	if e.List != nil {
		if err := e.List.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing saved list: %w", err))
		}
	}
	if e.Index != nil {
		if err := e.Index.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing search index: %w", err))
		}
	}
	if e.db != nil {
		if err := e.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing database: %w", err))
		}
	}
	return errors.Join(errs...)
}

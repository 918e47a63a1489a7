// Package cache persists fetched documents and image variants. Bytes are
// kept in files under a cache directory; metadata, variant listings and
// owner sets live in the bbolt database.
package cache

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pders01/stow/internal/debuglog"
	"github.com/pders01/stow/internal/failure"
	"github.com/pders01/stow/internal/resource"
	"github.com/pders01/stow/internal/storage"
)

const shardCount = 64

// Record is one cached variant of a resource.
type Record struct {
	Key            string
	Width          int
	Bytes          []byte
	ContentType    string
	ETag           string
	Size           int64
	RetrievedAt    time.Time
	LastAccessedAt time.Time
	Path           string
}

type Store struct {
	db     *storage.Store
	dir    string
	now    func() time.Time
	shards [shardCount]sync.RWMutex
}

type Option func(*Store)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(db *storage.Store, dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}
	s := &Store{db: db, dir: dir, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) lock(key string) *sync.RWMutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &s.shards[h.Sum32()%shardCount]
}

// LocalPath is where the bytes for key at width are kept. The path is stable
// and can be handed to a renderer directly.
func (s *Store) LocalPath(key string, width int) string {
	name := resource.FileName(key, width)
	return filepath.Join(s.dir, name[:2], name)
}

// Put writes or replaces the variant (key, width).
func (s *Store) Put(key string, width int, data []byte, contentType string) error {
	return s.PutRecord(&Record{Key: key, Width: width, Bytes: data, ContentType: contentType})
}

// PutRecord is Put with the validator fields kept alongside the bytes.
func (s *Store) PutRecord(rec *Record) error {
	if rec.Key == "" {
		return failure.Storage("cache.put", "", resource.ErrEmptyKey)
	}
	if rec.Width < 0 {
		return failure.Storage("cache.put", rec.Key, fmt.Errorf("negative width %d", rec.Width))
	}

	l := s.lock(rec.Key)
	l.Lock()
	defer l.Unlock()

	path := s.LocalPath(rec.Key, rec.Width)
	if err := writeFileAtomic(path, rec.Bytes); err != nil {
		return failure.Storage("cache.put", rec.Key, err)
	}

	now := s.now()
	meta := &storage.ResourceMeta{
		Key:            rec.Key,
		Width:          rec.Width,
		ContentType:    rec.ContentType,
		ETag:           rec.ETag,
		FileName:       filepath.Base(path),
		Size:           int64(len(rec.Bytes)),
		RetrievedAt:    now,
		LastAccessedAt: now,
	}
	if err := s.db.PutResource(meta); err != nil {
		return failure.Storage("cache.put", rec.Key, err)
	}

	debuglog.Debugf("cache: stored %s (%d bytes)", resource.Ref{Key: rec.Key, Width: rec.Width}, meta.Size)
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".put-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// Get returns the exact variant (key, width) and records the access.
func (s *Store) Get(key string, width int) (*Record, bool, error) {
	l := s.lock(key)
	l.RLock()
	defer l.RUnlock()

	meta, err := s.db.GetResource(key, width)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, failure.Storage("cache.get", key, err)
	}
	return s.load(meta)
}

// Lookup returns the metadata for (key, width) without reading bytes or
// touching the access time.
func (s *Store) Lookup(key string, width int) (*Record, bool, error) {
	l := s.lock(key)
	l.RLock()
	defer l.RUnlock()

	meta, err := s.db.GetResource(key, width)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, failure.Storage("cache.lookup", key, err)
	}
	return s.record(meta), true, nil
}

// BestVariant picks the stored variant of key that best serves desired
// width. It never fetches.
func (s *Store) BestVariant(key string, desired int) (*Record, bool, error) {
	l := s.lock(key)
	l.RLock()
	defer l.RUnlock()

	variants, err := s.db.Variants(key)
	if err != nil {
		return nil, false, failure.Storage("cache.best_variant", key, err)
	}
	meta := chooseVariant(variants, desired)
	if meta == nil {
		return nil, false, nil
	}
	return s.load(meta)
}

// chooseVariant expects variants ordered by width. Width 0 is the original.
// The smallest sized variant at least as wide as desired wins; then the
// original; then the widest sized variant below desired.
func chooseVariant(variants []*storage.ResourceMeta, desired int) *storage.ResourceMeta {
	if len(variants) == 0 {
		return nil
	}

	var original, below *storage.ResourceMeta
	for _, v := range variants {
		if v.Width == 0 {
			original = v
			continue
		}
		if desired > 0 && v.Width >= desired {
			return v
		}
		below = v
	}
	if original != nil {
		return original
	}
	return below
}

func (s *Store) record(meta *storage.ResourceMeta) *Record {
	return &Record{
		Key:            meta.Key,
		Width:          meta.Width,
		ContentType:    meta.ContentType,
		ETag:           meta.ETag,
		Size:           meta.Size,
		RetrievedAt:    meta.RetrievedAt,
		LastAccessedAt: meta.LastAccessedAt,
		Path:           filepath.Join(s.dir, meta.FileName[:2], meta.FileName),
	}
}

// load reads the bytes behind meta. Callers hold the shard read lock.
func (s *Store) load(meta *storage.ResourceMeta) (*Record, bool, error) {
	rec := s.record(meta)
	data, err := os.ReadFile(rec.Path)
	if errors.Is(err, os.ErrNotExist) {
		debuglog.Warnf("cache: metadata for %s points at missing file %s", meta.Key, rec.Path)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, failure.Storage("cache.read", meta.Key, err)
	}
	rec.Bytes = data

	now := s.now()
	if err := s.db.TouchResource(meta.Key, meta.Width, now); err != nil {
		debuglog.Warnf("cache: touching %s: %v", meta.Key, err)
	} else {
		rec.LastAccessedAt = now
	}
	return rec, true, nil
}

// Delete removes one variant. Missing variants are not an error.
func (s *Store) Delete(key string, width int) error {
	l := s.lock(key)
	l.Lock()
	defer l.Unlock()

	meta, err := s.db.DeleteResource(key, width)
	if err != nil {
		return failure.Storage("cache.delete", key, err)
	}
	if meta != nil {
		s.removeFiles([]*storage.ResourceMeta{meta})
	}
	return nil
}

// DeleteAll removes every variant of key.
func (s *Store) DeleteAll(key string) error {
	l := s.lock(key)
	l.Lock()
	defer l.Unlock()

	deleted, err := s.db.DeleteVariants(key)
	if err != nil {
		return failure.Storage("cache.delete_all", key, err)
	}
	s.removeFiles(deleted)
	return nil
}

func (s *Store) removeFiles(metas []*storage.ResourceMeta) {
	for _, m := range metas {
		path := filepath.Join(s.dir, m.FileName[:2], m.FileName)
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			debuglog.Warnf("cache: removing %s: %v", path, err)
		}
	}
}

// AddOwner records that the saved entry owner references key.
func (s *Store) AddOwner(key, owner string) error {
	if err := s.db.AddOwner(key, owner); err != nil {
		return failure.Storage("cache.add_owner", key, err)
	}
	return nil
}

func (s *Store) Owners(key string) ([]string, error) {
	owners, err := s.db.Owners(key)
	if err != nil {
		return nil, failure.Storage("cache.owners", key, err)
	}
	return owners, nil
}

// ReleaseOwner drops owner from every owner set and evicts all variants of
// the keys nobody references any more. It returns the evicted keys.
func (s *Store) ReleaseOwner(owner string) ([]string, error) {
	orphans, err := s.db.ReleaseOwner(owner)
	if err != nil {
		return nil, failure.Storage("cache.release", owner, err)
	}

	var evicted []string
	for _, key := range orphans {
		l := s.lock(key)
		l.Lock()
		deleted, err := s.db.DeleteIfOrphaned(key)
		if err == nil {
			s.removeFiles(deleted)
		}
		l.Unlock()
		if err != nil {
			return evicted, failure.Storage("cache.evict", key, err)
		}
		if len(deleted) > 0 {
			evicted = append(evicted, key)
		}
	}

	if len(evicted) > 0 {
		debuglog.Debugf("cache: released %s, evicted %d resources", owner, len(evicted))
	}
	return evicted, nil
}

// Stats reports the number of stored variants and their total size.
func (s *Store) Stats() (int, int64, error) {
	count, size, err := s.db.ResourceStats()
	if err != nil {
		return 0, 0, failure.Storage("cache.stats", "", err)
	}
	return count, size, nil
}

package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	entriesBucket   = []byte("entries")
	resourcesBucket = []byte("resources")
	ownersBucket    = []byte("owners")
	ownedBucket     = []byte("owned")
	metaBucket      = []byte("meta")

	entryListKey = []byte("list")
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

const sep = "\x00"

type Store struct {
	db *bolt.DB
}

func NewStore(dbPath string, timeout time.Duration) (*Store, error) {
	if timeout <= 0 {
		timeout = 1 * time.Second
	}
	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{entriesBucket, resourcesBucket, ownersBucket, ownedBucket, metaBucket} {
			if _, createErr := tx.CreateBucketIfNotExists(bucket); createErr != nil {
				return createErr
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SaveEntries replaces the persisted saved-entry list. Order is preserved.
func (s *Store) SaveEntries(rows []EntryRow) error {
	data, err := json.Marshal(rows)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(entriesBucket).Put(entryListKey, data)
	})
}

func (s *Store) LoadEntries() ([]EntryRow, error) {
	var rows []EntryRow
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(entriesBucket).Get(entryListKey)
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &rows)
	})
	return rows, err
}

// resourceID orders variants of a key next to each other, narrowest first.
func resourceID(key string, width int) []byte {
	return []byte(fmt.Sprintf("%s%s%08d", key, sep, width))
}

func resourcePrefix(key string) []byte {
	return []byte(key + sep)
}

func (s *Store) PutResource(meta *ResourceMeta) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		return tx.Bucket(resourcesBucket).Put(resourceID(meta.Key, meta.Width), data)
	})
}

func (s *Store) GetResource(key string, width int) (*ResourceMeta, error) {
	var meta ResourceMeta
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(resourcesBucket).Get(resourceID(key, width))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &meta)
	})
	if err != nil {
		return nil, err
	}
	return &meta, nil
}

// Variants returns every stored variant of key ordered by width.
func (s *Store) Variants(key string) ([]*ResourceMeta, error) {
	var variants []*ResourceMeta
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		variants, err = scanVariants(tx.Bucket(resourcesBucket), key)
		return err
	})
	return variants, err
}

func scanVariants(b *bolt.Bucket, key string) ([]*ResourceMeta, error) {
	var variants []*ResourceMeta
	prefix := resourcePrefix(key)
	c := b.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		var meta ResourceMeta
		if err := json.Unmarshal(v, &meta); err != nil {
			return nil, err
		}
		variants = append(variants, &meta)
	}
	return variants, nil
}

// TouchResource records an access without rewriting anything else.
func (s *Store) TouchResource(key string, width int, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(resourcesBucket)
		id := resourceID(key, width)
		data := b.Get(id)
		if data == nil {
			return ErrNotFound
		}

		var meta ResourceMeta
		if err := json.Unmarshal(data, &meta); err != nil {
			return err
		}
		meta.LastAccessedAt = at

		data, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		return b.Put(id, data)
	})
}

// DeleteResource removes one variant and returns its metadata so the caller
// can remove the file.
func (s *Store) DeleteResource(key string, width int) (*ResourceMeta, error) {
	var meta *ResourceMeta
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(resourcesBucket)
		id := resourceID(key, width)
		data := b.Get(id)
		if data == nil {
			return nil
		}
		meta = &ResourceMeta{}
		if err := json.Unmarshal(data, meta); err != nil {
			return err
		}
		return b.Delete(id)
	})
	return meta, err
}

// DeleteVariants removes every variant of key.
func (s *Store) DeleteVariants(key string) ([]*ResourceMeta, error) {
	var deleted []*ResourceMeta
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		deleted, err = deleteVariants(tx, key)
		return err
	})
	return deleted, err
}

func deleteVariants(tx *bolt.Tx, key string) ([]*ResourceMeta, error) {
	b := tx.Bucket(resourcesBucket)
	variants, err := scanVariants(b, key)
	if err != nil {
		return nil, err
	}
	for _, v := range variants {
		if err := b.Delete(resourceID(v.Key, v.Width)); err != nil {
			return nil, err
		}
	}
	return variants, nil
}

// AddOwner records that owner references key.
func (s *Store) AddOwner(key, owner string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(ownersBucket).Put([]byte(key+sep+owner), nil); err != nil {
			return err
		}
		return tx.Bucket(ownedBucket).Put([]byte(owner+sep+key), nil)
	})
}

func (s *Store) Owners(key string) ([]string, error) {
	var owners []string
	err := s.db.View(func(tx *bolt.Tx) error {
		owners = suffixes(tx.Bucket(ownersBucket), key)
		return nil
	})
	return owners, err
}

func suffixes(b *bolt.Bucket, prefix string) []string {
	var out []string
	p := []byte(prefix + sep)
	c := b.Cursor()
	for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
		out = append(out, string(k[len(p):]))
	}
	return out
}

// ReleaseOwner drops owner from every owner set and returns the keys whose
// owner set became empty.
func (s *Store) ReleaseOwner(owner string) ([]string, error) {
	var orphans []string
	err := s.db.Update(func(tx *bolt.Tx) error {
		owners := tx.Bucket(ownersBucket)
		owned := tx.Bucket(ownedBucket)

		for _, key := range suffixes(owned, owner) {
			if err := owned.Delete([]byte(owner + sep + key)); err != nil {
				return err
			}
			if err := owners.Delete([]byte(key + sep + owner)); err != nil {
				return err
			}
			if len(suffixes(owners, key)) == 0 {
				orphans = append(orphans, key)
			}
		}
		return nil
	})
	return orphans, err
}

// DeleteIfOrphaned removes every variant of key when nothing owns it. The
// check and the delete share one transaction.
func (s *Store) DeleteIfOrphaned(key string) ([]*ResourceMeta, error) {
	var deleted []*ResourceMeta
	err := s.db.Update(func(tx *bolt.Tx) error {
		if len(suffixes(tx.Bucket(ownersBucket), key)) > 0 {
			return nil
		}
		var err error
		deleted, err = deleteVariants(tx, key)
		return err
	})
	return deleted, err
}

// ResourceStats sums every stored variant.
func (s *Store) ResourceStats() (count int, size int64, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(resourcesBucket).ForEach(func(_ []byte, v []byte) error {
			var meta ResourceMeta
			if err := json.Unmarshal(v, &meta); err != nil {
				return nil
			}
			count++
			size += meta.Size
			return nil
		})
	})
	return count, size, err
}

func (s *Store) SetMeta(key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(metaBucket).Put([]byte(key), []byte(value))
	})
}

func (s *Store) GetMeta(key string) (string, error) {
	var value string
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(metaBucket).Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}
		value = string(data)
		return nil
	})
	return value, err
}

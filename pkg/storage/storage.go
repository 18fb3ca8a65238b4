package storage

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/quarry/pkg/metrics"
)

// Environment is one bbolt-backed database file holding a fixed set of
// named buckets. Exactly one write transaction may be open at a time;
// read transactions never block and never are blocked.
type Environment struct {
	db   *bolt.DB
	path string
}

// Open opens (creating if necessary) the environment at path and ensures
// every bucket in buckets exists.
func Open(path string, buckets []string) (*Environment, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("storage: creating parent dir for %s: %w", path, err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("storage: opening environment %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("storage: creating bucket %q: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Environment{db: db, path: path}, nil
}

// Close closes the underlying database file.
func (e *Environment) Close() error {
	return e.db.Close()
}

// Path returns the on-disk path of this environment.
func (e *Environment) Path() string {
	return e.path
}

// Update runs fn within the environment's single write transaction. The
// transaction commits if fn returns nil, or aborts (discarding all
// mutations) if fn returns an error.
func (e *Environment) Update(fn func(*Txn) error) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.WriteTxnDuration, filepath.Base(e.path))
	return e.db.Update(func(tx *bolt.Tx) error {
		return fn(&Txn{tx: tx, writable: true})
	})
}

// View runs fn within a read-only snapshot transaction taken at the moment
// View is called. It never blocks a concurrent writer.
func (e *Environment) View(fn func(*Txn) error) error {
	return e.db.View(func(tx *bolt.Tx) error {
		return fn(&Txn{tx: tx, writable: false})
	})
}

// Snapshot writes a consistent, point-in-time copy of the environment to
// dstPath, for use by the dump/snapshot component (C10).
func (e *Environment) Snapshot(dstPath string) error {
	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return fmt.Errorf("storage: creating snapshot dir: %w", err)
	}
	return e.db.View(func(tx *bolt.Tx) error {
		return tx.CopyFile(dstPath, 0o600)
	})
}

// Txn is a transaction against an Environment, either writable or
// read-only. It hands out Buckets scoped to itself.
type Txn struct {
	tx       *bolt.Tx
	writable bool
}

// Writable reports whether mutating calls on buckets from this Txn succeed.
func (t *Txn) Writable() bool { return t.writable }

// Bucket returns the named logical database, or an error if it was not
// declared when the Environment was opened.
func (t *Txn) Bucket(name string) (*Bucket, error) {
	b := t.tx.Bucket([]byte(name))
	if b == nil {
		return nil, fmt.Errorf("storage: no such bucket %q", name)
	}
	return &Bucket{b: b, writable: t.writable}, nil
}

// Bucket is a single logical database (spec.md's "sub-database") scoped to
// one transaction.
type Bucket struct {
	b             *bolt.Bucket
	writable      bool
	lastAppendKey []byte
}

// Get returns the value for key, or nil if key is absent. The returned
// slice is only valid for the lifetime of the enclosing transaction;
// callers that retain it past the transaction must copy it.
func (bk *Bucket) Get(key []byte) []byte {
	return bk.b.Get(key)
}

// GetCopy is Get but returns an owned copy, safe to use after the
// transaction closes.
func (bk *Bucket) GetCopy(key []byte) []byte {
	v := bk.b.Get(key)
	if v == nil {
		return nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out
}

// Put inserts or overwrites key with val.
func (bk *Bucket) Put(key, val []byte) error {
	if !bk.writable {
		return fmt.Errorf("storage: Put on a read-only transaction")
	}
	return bk.b.Put(key, val)
}

// Delete removes key, if present. Deleting an absent key is a no-op.
func (bk *Bucket) Delete(key []byte) error {
	if !bk.writable {
		return fmt.Errorf("storage: Delete on a read-only transaction")
	}
	return bk.b.Delete(key)
}

// Append inserts key/val, requiring key to strictly increase over the last
// key appended through this Bucket handle. Used by the index builder to
// bulk-load a freshly-sorted stream into an empty sub-database. The write
// itself is an ordinary bbolt Put; Append adds only the ordering check.
func (bk *Bucket) Append(key, val []byte) error {
	if !bk.writable {
		return fmt.Errorf("storage: Append on a read-only transaction")
	}
	if bk.lastAppendKey != nil && bytes.Compare(key, bk.lastAppendKey) <= 0 {
		return fmt.Errorf("storage: Append requires strictly increasing keys, got %x after %x", key, bk.lastAppendKey)
	}
	if err := bk.b.Put(key, val); err != nil {
		return err
	}
	bk.lastAppendKey = append(bk.lastAppendKey[:0], key...)
	return nil
}

// ForEach visits every key/value pair in ascending key order.
func (bk *Bucket) ForEach(fn func(k, v []byte) error) error {
	return bk.b.ForEach(fn)
}

// PrefixForEach visits every key/value pair whose key has the given prefix,
// in ascending key order.
func (bk *Bucket) PrefixForEach(prefix []byte, fn func(k, v []byte) error) error {
	c := bk.b.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

// RangeForEach visits every key/value pair with start <= key < end (end may
// be nil to mean "no upper bound"), in ascending key order.
func (bk *Bucket) RangeForEach(start, end []byte, fn func(k, v []byte) error) error {
	c := bk.b.Cursor()
	for k, v := c.Seek(start); k != nil && (end == nil || bytes.Compare(k, end) < 0); k, v = c.Next() {
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

// Stats reports the number of key/value pairs currently in the bucket.
func (bk *Bucket) Stats() int {
	return bk.b.Stats().KeyN
}

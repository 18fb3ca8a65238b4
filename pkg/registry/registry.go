package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/quarry/pkg/apperr"
	"github.com/cuemby/quarry/pkg/storage"
	"github.com/cuemby/quarry/pkg/types"
)

const bucketIndexes = "indexes"

// IndexBuckets are the logical databases every index environment holds,
// per spec.md §3.
var IndexBuckets = []string{"main", "word_docids", "docid_word_positions", "word_pair_proximity_docids", "documents"}

var uidPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Registry is the index registry (C5).
type Registry struct {
	meta    *storage.Environment
	dataDir string

	mu      sync.Mutex
	handles map[string]*storage.Environment
}

// Open opens the registry's own metadata environment at metaPath; index
// environments themselves are created lazily under dataDir.
func Open(metaPath, dataDir string) (*Registry, error) {
	meta, err := storage.Open(metaPath, []string{bucketIndexes})
	if err != nil {
		return nil, err
	}
	return &Registry{meta: meta, dataDir: dataDir, handles: make(map[string]*storage.Environment)}, nil
}

// Close closes the metadata environment and every open index environment.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, env := range r.handles {
		_ = env.Close()
	}
	return r.meta.Close()
}

func validateUID(uid string) error {
	if uid == "" || !uidPattern.MatchString(uid) {
		return apperr.New(apperr.KindInvalidRequest, apperr.CodeInvalidIndexUID,
			fmt.Sprintf("index uid %q must be alphanumeric with - or _", uid))
	}
	return nil
}

// Create registers a new index and opens its backing environment.
func (r *Registry) Create(uid string, primaryKey *string) (*types.IndexMeta, error) {
	if err := validateUID(uid); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	meta := &types.IndexMeta{
		UID:        uid,
		Dir:        uuid.New().String(),
		PrimaryKey: primaryKey,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	err := r.meta.Update(func(tx *storage.Txn) error {
		b, err := tx.Bucket(bucketIndexes)
		if err != nil {
			return err
		}
		if b.Get([]byte(uid)) != nil {
			return apperr.New(apperr.KindInvalidRequest, apperr.CodeIndexAlreadyExists,
				fmt.Sprintf("index %q already exists", uid))
		}
		raw, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		return b.Put([]byte(uid), raw)
	})
	if err != nil {
		return nil, err
	}
	if _, err := r.OpenEnvironment(uid); err != nil {
		return nil, err
	}
	return meta, nil
}

// Get returns the metadata for a registered index.
func (r *Registry) Get(uid string) (*types.IndexMeta, error) {
	var meta *types.IndexMeta
	err := r.meta.View(func(tx *storage.Txn) error {
		b, err := tx.Bucket(bucketIndexes)
		if err != nil {
			return err
		}
		raw := b.Get([]byte(uid))
		if raw == nil {
			return apperr.New(apperr.KindInvalidRequest, apperr.CodeIndexNotFound, fmt.Sprintf("index %q not found", uid))
		}
		meta = &types.IndexMeta{}
		return json.Unmarshal(raw, meta)
	})
	if err != nil {
		return nil, err
	}
	return meta, nil
}

// List returns every registered index's metadata.
func (r *Registry) List() ([]*types.IndexMeta, error) {
	var metas []*types.IndexMeta
	err := r.meta.View(func(tx *storage.Txn) error {
		b, err := tx.Bucket(bucketIndexes)
		if err != nil {
			return err
		}
		return b.ForEach(func(_, v []byte) error {
			m := &types.IndexMeta{}
			if err := json.Unmarshal(v, m); err != nil {
				return err
			}
			metas = append(metas, m)
			return nil
		})
	})
	return metas, err
}

// Count reports the number of registered indexes, for the metrics collector.
func (r *Registry) Count() (int, error) {
	metas, err := r.List()
	if err != nil {
		return 0, err
	}
	return len(metas), nil
}

// Snapshot writes a consistent, point-in-time copy of the registry's own
// metadata environment to dstPath. Each index's data lives in its own
// environment; snapshot those individually via SnapshotIndex.
func (r *Registry) Snapshot(dstPath string) error { return r.meta.Snapshot(dstPath) }

// SnapshotIndex writes a consistent copy of one index's backing
// environment to dstPath, opening it via the same cached handle Get and
// OpenEnvironment use.
func (r *Registry) SnapshotIndex(uid, dstPath string) error {
	env, err := r.OpenEnvironment(uid)
	if err != nil {
		return err
	}
	return env.Snapshot(dstPath)
}

// UpdatePrimaryKey sets an index's primary key. It succeeds only on an
// index that has none yet and otherwise fails with
// index_primary_key_already_exists, whether or not the index holds any
// documents; neither this method nor the scheduler's index-update handler
// looks at the document count.
func (r *Registry) UpdatePrimaryKey(uid string, primaryKey string) (*types.IndexMeta, error) {
	var meta *types.IndexMeta
	err := r.meta.Update(func(tx *storage.Txn) error {
		b, err := tx.Bucket(bucketIndexes)
		if err != nil {
			return err
		}
		raw := b.Get([]byte(uid))
		if raw == nil {
			return apperr.New(apperr.KindInvalidRequest, apperr.CodeIndexNotFound, fmt.Sprintf("index %q not found", uid))
		}
		meta = &types.IndexMeta{}
		if err := json.Unmarshal(raw, meta); err != nil {
			return err
		}
		if meta.PrimaryKey != nil {
			return apperr.New(apperr.KindInvalidRequest, apperr.CodePrimaryKeyAlreadyExists,
				fmt.Sprintf("index %q already has a primary key", uid))
		}
		meta.PrimaryKey = &primaryKey
		meta.UpdatedAt = time.Now().UTC()
		raw, err = json.Marshal(meta)
		if err != nil {
			return err
		}
		return b.Put([]byte(uid), raw)
	})
	if err != nil {
		return nil, err
	}
	return meta, nil
}

// Swap exchanges the backing directories of two registered indexes, so each
// uid keeps its identity while pointing at the other's data, per the
// IndexSwap task kind.
func (r *Registry) Swap(a, b string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.meta.Update(func(tx *storage.Txn) error {
		bucket, err := tx.Bucket(bucketIndexes)
		if err != nil {
			return err
		}

		rawA := bucket.Get([]byte(a))
		rawB := bucket.Get([]byte(b))
		if rawA == nil {
			return apperr.New(apperr.KindInvalidRequest, apperr.CodeIndexNotFound, fmt.Sprintf("index %q not found", a))
		}
		if rawB == nil {
			return apperr.New(apperr.KindInvalidRequest, apperr.CodeIndexNotFound, fmt.Sprintf("index %q not found", b))
		}

		metaA, metaB := &types.IndexMeta{}, &types.IndexMeta{}
		if err := json.Unmarshal(rawA, metaA); err != nil {
			return err
		}
		if err := json.Unmarshal(rawB, metaB); err != nil {
			return err
		}

		metaA.Dir, metaB.Dir = metaB.Dir, metaA.Dir
		now := time.Now().UTC()
		metaA.UpdatedAt, metaB.UpdatedAt = now, now

		for name, m := range map[string]*types.IndexMeta{a: metaA, b: metaB} {
			raw, err := json.Marshal(m)
			if err != nil {
				return err
			}
			if err := bucket.Put([]byte(name), raw); err != nil {
				return err
			}
		}

		// Close and drop any cached environment handles so the next Open call
		// reopens the (now swapped) directory.
		for _, dir := range []string{metaA.Dir, metaB.Dir} {
			if env, ok := r.handles[dir]; ok {
				_ = env.Close()
				delete(r.handles, dir)
			}
		}
		return nil
	})
}

// Delete unregisters an index, closes its backing environment handle, and
// removes its backing directory from disk, per spec.md §3's "Deleted removes
// the backing directory".
func (r *Registry) Delete(uid string) error {
	meta, err := r.Get(uid)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if env, ok := r.handles[meta.Dir]; ok {
		_ = env.Close()
		delete(r.handles, meta.Dir)
	}
	r.mu.Unlock()

	if err := r.meta.Update(func(tx *storage.Txn) error {
		b, err := tx.Bucket(bucketIndexes)
		if err != nil {
			return err
		}
		return b.Delete([]byte(uid))
	}); err != nil {
		return err
	}

	if err := os.RemoveAll(filepath.Join(r.dataDir, meta.Dir)); err != nil {
		return apperr.Internal("removing index directory", err)
	}
	return nil
}

// OpenEnvironment lazily opens (and caches) the storage.Environment backing
// a registered index.
func (r *Registry) OpenEnvironment(uid string) (*storage.Environment, error) {
	meta, err := r.Get(uid)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if env, ok := r.handles[meta.Dir]; ok {
		return env, nil
	}

	path := filepath.Join(r.dataDir, meta.Dir, "data.db")
	env, err := storage.Open(path, IndexBuckets)
	if err != nil {
		return nil, err
	}
	r.handles[meta.Dir] = env
	return env, nil
}

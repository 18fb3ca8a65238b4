package filestore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const snapshotSubdir = "updates/updates_files"

const tmpPrefix = "tmp-"

// Store is a directory of update payload files, named by content UUID once
// persisted.
type Store struct {
	path string
}

// New opens (creating if necessary) a Store rooted at path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("filestore: creating %s: %w", path, err)
	}
	return &Store{path: path}, nil
}

// Update is a payload file being written. Write to it, then call Persist to
// make it visible under its final UUID, or Discard to drop it.
type Update struct {
	store   *Store
	uuid    uuid.UUID
	tmp     *os.File
	tmpPath string
}

// NewUpdate allocates a fresh UUID and a temp file to stage its payload in.
func (s *Store) NewUpdate() (uuid.UUID, *Update, error) {
	return s.newUpdate(uuid.New())
}

// NewUpdateWithUUID is NewUpdate but with a caller-supplied UUID, used when
// the task queue has already assigned the content UUID to a task.
func (s *Store) NewUpdateWithUUID(id uuid.UUID) (*Update, error) {
	_, u, err := s.newUpdate(id)
	return u, err
}

func (s *Store) newUpdate(id uuid.UUID) (uuid.UUID, *Update, error) {
	tmp, err := os.CreateTemp(s.path, tmpPrefix+"*")
	if err != nil {
		return uuid.Nil, nil, fmt.Errorf("filestore: creating temp file: %w", err)
	}
	return id, &Update{store: s, uuid: id, tmp: tmp, tmpPath: tmp.Name()}, nil
}

// UUID returns the content UUID this update will be persisted under.
func (u *Update) UUID() uuid.UUID { return u.uuid }

// Write appends to the staged payload.
func (u *Update) Write(p []byte) (int, error) {
	return u.tmp.Write(p)
}

// Persist closes the temp file and atomically renames it to its final,
// UUID-named path, making it visible to GetUpdate.
func (u *Update) Persist() error {
	if err := u.tmp.Close(); err != nil {
		return fmt.Errorf("filestore: closing staged file: %w", err)
	}
	dst := u.store.updatePath(u.uuid)
	if err := os.Rename(u.tmpPath, dst); err != nil {
		return fmt.Errorf("filestore: persisting %s: %w", u.uuid, err)
	}
	return nil
}

// Discard closes and removes the temp file without persisting it.
func (u *Update) Discard() error {
	_ = u.tmp.Close()
	return os.Remove(u.tmpPath)
}

func (s *Store) updatePath(id uuid.UUID) string {
	return filepath.Join(s.path, id.String())
}

// UpdatePath returns the path an update would live at, whether or not it has
// been persisted yet.
func (s *Store) UpdatePath(id uuid.UUID) string {
	return s.updatePath(id)
}

// GetUpdate opens the persisted payload file for id.
func (s *Store) GetUpdate(id uuid.UUID) (*os.File, error) {
	f, err := os.Open(s.updatePath(id))
	if err != nil {
		return nil, fmt.Errorf("filestore: opening %s: %w", id, err)
	}
	return f, nil
}

// Size reports the on-disk size of a persisted update.
func (s *Store) Size(id uuid.UUID) (int64, error) {
	fi, err := os.Stat(s.updatePath(id))
	if err != nil {
		return 0, fmt.Errorf("filestore: statting %s: %w", id, err)
	}
	return fi.Size(), nil
}

// TotalSize sums the size of every persisted update in the store.
func (s *Store) TotalSize() (int64, error) {
	ids, err := s.AllUUIDs()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, id := range ids {
		sz, err := s.Size(id)
		if err != nil {
			return 0, err
		}
		total += sz
	}
	return total, nil
}

// Delete removes a persisted update. Deleting one that does not exist is an
// error, mirroring the underlying os.Remove.
func (s *Store) Delete(id uuid.UUID) error {
	if err := os.Remove(s.updatePath(id)); err != nil {
		return fmt.Errorf("filestore: deleting %s: %w", id, err)
	}
	return nil
}

// Snapshot copies the update payload for id into dstDir/updates/updates_files,
// for inclusion in a dump or snapshot archive (C10).
func (s *Store) Snapshot(id uuid.UUID, dstDir string) error {
	dst := filepath.Join(dstDir, snapshotSubdir)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return fmt.Errorf("filestore: creating snapshot dir: %w", err)
	}

	src, err := os.Open(s.updatePath(id))
	if err != nil {
		return fmt.Errorf("filestore: opening %s for snapshot: %w", id, err)
	}
	defer src.Close()

	out, err := os.Create(filepath.Join(dst, id.String()))
	if err != nil {
		return fmt.Errorf("filestore: creating snapshot copy of %s: %w", id, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, src); err != nil {
		return fmt.Errorf("filestore: copying %s into snapshot: %w", id, err)
	}
	return out.Close()
}

// AllUUIDs lists every persisted update's UUID, skipping any leftover
// unpersisted temp files.
func (s *Store) AllUUIDs() ([]uuid.UUID, error) {
	entries, err := os.ReadDir(s.path)
	if err != nil {
		return nil, fmt.Errorf("filestore: reading %s: %w", s.path, err)
	}

	ids := make([]uuid.UUID, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), tmpPrefix) {
			continue
		}
		id, err := uuid.Parse(e.Name())
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Prune removes staged-but-never-persisted temp files older than ttl, left
// behind by a process that crashed between NewUpdate and Persist/Discard.
func (s *Store) Prune(ttl time.Duration) (int, error) {
	entries, err := os.ReadDir(s.path)
	if err != nil {
		return 0, fmt.Errorf("filestore: reading %s: %w", s.path, err)
	}

	cutoff := time.Now().Add(-ttl)
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), tmpPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(s.path, e.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

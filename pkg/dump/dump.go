// Package dump implements the dump/snapshot component (C10): producing a
// consistent, point-in-time, on-disk export of the registry, task log, key
// store, every index's data, and staged update payloads.
//
// Both CreateDump and CreateSnapshot assemble the same set of files from a
// reader snapshot of each environment (spec.md's guarantee that the export
// is "consistent" with no write lock held across the whole operation); they
// differ only in the archive's name prefix, matching the two task kinds
// (DumpCreation, SnapshotCreation) that can trigger one.
package dump

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/quarry/pkg/apperr"
	"github.com/cuemby/quarry/pkg/auth"
	"github.com/cuemby/quarry/pkg/filestore"
	"github.com/cuemby/quarry/pkg/log"
	"github.com/cuemby/quarry/pkg/queue"
	"github.com/cuemby/quarry/pkg/registry"
)

// Dumper builds dumps and snapshots out of a running instance's stores.
// It holds no lock of its own: each store's Snapshot method takes its own
// consistent read transaction.
type Dumper struct {
	registry *registry.Registry
	queue    *queue.Queue
	auth     *auth.Store
	files    *filestore.Store

	outDir  string
	tempDir string

	logger zerolog.Logger
}

// New builds a Dumper that writes finished archives to outDir, staging
// their contents under tempDir first.
func New(reg *registry.Registry, q *queue.Queue, authStore *auth.Store, files *filestore.Store, outDir, tempDir string) *Dumper {
	return &Dumper{
		registry: reg,
		queue:    q,
		auth:     authStore,
		files:    files,
		outDir:   outDir,
		tempDir:  tempDir,
		logger:   log.WithComponent("dump"),
	}
}

// CreateDump produces a portable export: the registry, task log, key store
// and every index's data, plus every staged update payload, under a
// "dump-<timestamp>.tar.gz" archive in the dumper's output directory.
func (d *Dumper) CreateDump() (string, error) {
	return d.create("dump")
}

// CreateSnapshot produces the same content as CreateDump, named
// "snapshot-<timestamp>.tar.gz". Kept as a distinct entry point because the
// two are triggered by distinct task kinds (spec.md's DumpCreation and
// SnapshotCreation) even though this implementation shares one code path.
func (d *Dumper) CreateSnapshot() (string, error) {
	return d.create("snapshot")
}

func (d *Dumper) create(prefix string) (string, error) {
	stamp := time.Now().UTC().Format("20060102-150405")
	name := fmt.Sprintf("%s-%s", prefix, stamp)

	staging, err := os.MkdirTemp(d.tempDir, name+"-")
	if err != nil {
		return "", apperr.Internal("creating dump staging directory", err)
	}
	defer os.RemoveAll(staging)

	if err := d.stage(staging); err != nil {
		return "", err
	}

	if err := os.MkdirAll(d.outDir, 0o755); err != nil {
		return "", apperr.Internal("creating dump output directory", err)
	}
	archivePath := filepath.Join(d.outDir, name+".tar.gz")
	if err := writeArchive(archivePath, staging); err != nil {
		return "", err
	}

	d.logger.Info().Str("path", archivePath).Msg("dump created")
	return archivePath, nil
}

// stage copies a consistent snapshot of every store into dir, laid out the
// way restore would expect to find it back:
//
//	registry.db            registry metadata (index uids, primary keys)
//	tasks.db                the task log
//	keys.db                 API keys
//	indexes/<uid>/data.db    one environment per registered index
//	updates/updates_files/*  staged (not yet GC'd) update payloads
func (d *Dumper) stage(dir string) error {
	if err := d.registry.Snapshot(filepath.Join(dir, "registry.db")); err != nil {
		return apperr.Internal("snapshotting registry", err)
	}
	if err := d.queue.Snapshot(filepath.Join(dir, "tasks.db")); err != nil {
		return apperr.Internal("snapshotting task log", err)
	}
	if d.auth != nil {
		if err := d.auth.Snapshot(filepath.Join(dir, "keys.db")); err != nil {
			return apperr.Internal("snapshotting key store", err)
		}
	}

	metas, err := d.registry.List()
	if err != nil {
		return apperr.Internal("listing indexes for dump", err)
	}
	for _, meta := range metas {
		dst := filepath.Join(dir, "indexes", meta.UID, "data.db")
		if err := d.registry.SnapshotIndex(meta.UID, dst); err != nil {
			return apperr.Internal(fmt.Sprintf("snapshotting index %q", meta.UID), err)
		}
	}

	if d.files != nil {
		ids, err := d.files.AllUUIDs()
		if err != nil {
			return apperr.Internal("listing staged update payloads", err)
		}
		for _, id := range ids {
			if err := d.files.Snapshot(id, dir); err != nil {
				return apperr.Internal(fmt.Sprintf("snapshotting update payload %s", id), err)
			}
		}
	}

	return nil
}

// writeArchive tars and gzips every file under srcDir into dstPath,
// preserving srcDir-relative paths.
func writeArchive(dstPath, srcDir string) error {
	out, err := os.Create(dstPath)
	if err != nil {
		return apperr.Internal("creating archive file", err)
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	walkErr := filepath.Walk(srcDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if walkErr != nil {
		return apperr.Internal("archiving dump contents", walkErr)
	}

	if err := tw.Close(); err != nil {
		return apperr.Internal("finalizing tar stream", err)
	}
	return gz.Close()
}

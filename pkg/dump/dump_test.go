package dump

import (
	"archive/tar"
	"compress/gzip"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/quarry/pkg/auth"
	"github.com/cuemby/quarry/pkg/filestore"
	"github.com/cuemby/quarry/pkg/queue"
	"github.com/cuemby/quarry/pkg/registry"
)

func strPtr(s string) *string { return &s }

func archiveEntries(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	defer gz.Close()

	var names []string
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err != nil {
			break
		}
		names = append(names, hdr.Name)
	}
	return names
}

func TestCreateDumpIncludesEveryStore(t *testing.T) {
	dir := t.TempDir()

	reg, err := registry.Open(filepath.Join(dir, "registry.db"), filepath.Join(dir, "indexes"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	_, err = reg.Create("movies", strPtr("id"))
	require.NoError(t, err)

	q, err := queue.Open(filepath.Join(dir, "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	authStore, err := auth.Open(filepath.Join(dir, "auth.db"), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = authStore.Close() })

	files, err := filestore.New(filepath.Join(dir, "updates"))
	require.NoError(t, err)
	_, upd, err := files.NewUpdate()
	require.NoError(t, err)
	_, err = upd.Write([]byte(`[{"id":"1"}]`))
	require.NoError(t, err)
	require.NoError(t, upd.Persist())

	d := New(reg, q, authStore, files, filepath.Join(dir, "dumps"), t.TempDir())

	path, err := d.CreateDump()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(filepath.Base(path), "dump-"))
	assert.True(t, strings.HasSuffix(path, ".tar.gz"))

	names := archiveEntries(t, path)
	assert.Contains(t, names, "registry.db")
	assert.Contains(t, names, "tasks.db")
	assert.Contains(t, names, "keys.db")
	assert.Contains(t, names, filepath.ToSlash(filepath.Join("indexes", "movies", "data.db")))

	hasUpdatePayload := false
	for _, n := range names {
		if strings.Contains(n, "updates_files") {
			hasUpdatePayload = true
		}
	}
	assert.True(t, hasUpdatePayload)
}

func TestCreateSnapshotUsesSnapshotPrefix(t *testing.T) {
	dir := t.TempDir()

	reg, err := registry.Open(filepath.Join(dir, "registry.db"), filepath.Join(dir, "indexes"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	q, err := queue.Open(filepath.Join(dir, "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	authStore, err := auth.Open(filepath.Join(dir, "auth.db"), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = authStore.Close() })

	files, err := filestore.New(filepath.Join(dir, "updates"))
	require.NoError(t, err)

	d := New(reg, q, authStore, files, filepath.Join(dir, "dumps"), t.TempDir())

	path, err := d.CreateSnapshot()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(filepath.Base(path), "snapshot-"))
}

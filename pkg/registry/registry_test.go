package registry

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/quarry/pkg/apperr"
)

func openTestRegistry(t *testing.T) *Registry {
	t.Helper()
	dir := t.TempDir()
	r, err := Open(filepath.Join(dir, "registry.db"), filepath.Join(dir, "indexes"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestCreateAndGet(t *testing.T) {
	r := openTestRegistry(t)

	meta, err := r.Create("movies", nil)
	require.NoError(t, err)
	assert.Equal(t, "movies", meta.UID)
	assert.NotEmpty(t, meta.Dir)

	got, err := r.Get("movies")
	require.NoError(t, err)
	assert.Equal(t, meta.Dir, got.Dir)
}

func TestCreateRejectsInvalidUID(t *testing.T) {
	r := openTestRegistry(t)
	_, err := r.Create("bad uid!", nil)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeInvalidIndexUID))
}

func TestCreateDuplicateFails(t *testing.T) {
	r := openTestRegistry(t)
	_, err := r.Create("movies", nil)
	require.NoError(t, err)

	_, err = r.Create("movies", nil)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeIndexAlreadyExists))
}

func TestGetMissingFails(t *testing.T) {
	r := openTestRegistry(t)
	_, err := r.Get("missing")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeIndexNotFound))
}

func TestOpenEnvironmentCachesHandle(t *testing.T) {
	r := openTestRegistry(t)
	_, err := r.Create("movies", nil)
	require.NoError(t, err)

	env1, err := r.OpenEnvironment("movies")
	require.NoError(t, err)
	env2, err := r.OpenEnvironment("movies")
	require.NoError(t, err)
	assert.Same(t, env1, env2)
}

func TestSwapExchangesDirectories(t *testing.T) {
	r := openTestRegistry(t)
	a, err := r.Create("a", nil)
	require.NoError(t, err)
	b, err := r.Create("b", nil)
	require.NoError(t, err)

	require.NoError(t, r.Swap("a", "b"))

	newA, err := r.Get("a")
	require.NoError(t, err)
	newB, err := r.Get("b")
	require.NoError(t, err)

	assert.Equal(t, b.Dir, newA.Dir)
	assert.Equal(t, a.Dir, newB.Dir)
}

func TestUpdatePrimaryKeyOnlyOnce(t *testing.T) {
	r := openTestRegistry(t)
	_, err := r.Create("movies", nil)
	require.NoError(t, err)

	updated, err := r.UpdatePrimaryKey("movies", "id")
	require.NoError(t, err)
	require.NotNil(t, updated.PrimaryKey)
	assert.Equal(t, "id", *updated.PrimaryKey)

	_, err = r.UpdatePrimaryKey("movies", "other")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodePrimaryKeyAlreadyExists))
}

func TestDeleteUnregistersIndex(t *testing.T) {
	r := openTestRegistry(t)
	_, err := r.Create("movies", nil)
	require.NoError(t, err)

	require.NoError(t, r.Delete("movies"))
	_, err = r.Get("movies")
	assert.Error(t, err)
}

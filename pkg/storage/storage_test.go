package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestEnv(t *testing.T) *Environment {
	t.Helper()
	dir := t.TempDir()
	env, err := Open(filepath.Join(dir, "test.db"), []string{"widgets"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.Close() })
	return env
}

func TestPutGet(t *testing.T) {
	env := openTestEnv(t)

	err := env.Update(func(tx *Txn) error {
		b, err := tx.Bucket("widgets")
		require.NoError(t, err)
		return b.Put([]byte("a"), []byte("1"))
	})
	require.NoError(t, err)

	err = env.View(func(tx *Txn) error {
		b, err := tx.Bucket("widgets")
		require.NoError(t, err)
		assert.Equal(t, []byte("1"), b.Get([]byte("a")))
		return nil
	})
	require.NoError(t, err)
}

func TestWriteOnReadOnlyTxnFails(t *testing.T) {
	env := openTestEnv(t)

	err := env.View(func(tx *Txn) error {
		b, err := tx.Bucket("widgets")
		require.NoError(t, err)
		return b.Put([]byte("a"), []byte("1"))
	})
	assert.Error(t, err)
}

func TestAppendRequiresIncreasingKeys(t *testing.T) {
	env := openTestEnv(t)

	err := env.Update(func(tx *Txn) error {
		b, err := tx.Bucket("widgets")
		require.NoError(t, err)
		require.NoError(t, b.Append([]byte("a"), []byte("1")))
		require.NoError(t, b.Append([]byte("b"), []byte("2")))
		return b.Append([]byte("a"), []byte("3"))
	})
	assert.Error(t, err)
}

func TestPrefixForEach(t *testing.T) {
	env := openTestEnv(t)

	err := env.Update(func(tx *Txn) error {
		b, err := tx.Bucket("widgets")
		require.NoError(t, err)
		for _, k := range []string{"word:apple", "word:banana", "doc:1"} {
			if err := b.Put([]byte(k), []byte("v")); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	var seen []string
	err = env.View(func(tx *Txn) error {
		b, err := tx.Bucket("widgets")
		require.NoError(t, err)
		return b.PrefixForEach([]byte("word:"), func(k, v []byte) error {
			seen = append(seen, string(k))
			return nil
		})
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"word:apple", "word:banana"}, seen)
}

func TestSnapshotProducesReadableCopy(t *testing.T) {
	env := openTestEnv(t)
	require.NoError(t, env.Update(func(tx *Txn) error {
		b, err := tx.Bucket("widgets")
		require.NoError(t, err)
		return b.Put([]byte("a"), []byte("1"))
	}))

	dst := filepath.Join(t.TempDir(), "copy.db")
	require.NoError(t, env.Snapshot(dst))

	copyEnv, err := Open(dst, []string{"widgets"})
	require.NoError(t, err)
	defer copyEnv.Close()

	err = copyEnv.View(func(tx *Txn) error {
		b, err := tx.Bucket("widgets")
		require.NoError(t, err)
		assert.Equal(t, []byte("1"), b.Get([]byte("a")))
		return nil
	})
	require.NoError(t, err)
}

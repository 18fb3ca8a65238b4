package engine

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/quarry/pkg/auth"
	"github.com/cuemby/quarry/pkg/types"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(Config{DataDir: t.TempDir(), NumWorkers: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func waitForTerminal(t *testing.T, e *Engine, uid uint64) *types.Task {
	t.Helper()
	var task *types.Task
	require.Eventually(t, func() bool {
		got, err := e.GetTask(uid)
		require.NoError(t, err)
		task = got
		return task.Status == types.TaskSucceeded || task.Status == types.TaskFailed || task.Status == types.TaskCanceled
	}, 5*time.Second, 10*time.Millisecond)
	return task
}

func TestEngineDocumentImportLifecycle(t *testing.T) {
	e := newTestEngine(t)
	e.Start()

	task, err := e.EnqueueDocumentImport("movies", types.MethodReplace, types.FormatJSON, nil,
		strings.NewReader(`[{"id":"1","title":"red fox"},{"id":"2","title":"blue sky"}]`))
	require.NoError(t, err)

	got := waitForTerminal(t, e, task.UID)
	assert.Equal(t, types.TaskSucceeded, got.Status)

	raw, err := json.Marshal(got.Details)
	require.NoError(t, err)
	var details types.DocumentImportDetails
	require.NoError(t, json.Unmarshal(raw, &details))
	assert.Equal(t, 2, details.IndexedDocuments)

	idx, err := e.GetIndex("movies")
	require.NoError(t, err)
	require.NotNil(t, idx.PrimaryKey)
	assert.Equal(t, "id", *idx.PrimaryKey)
}

func TestEngineDocumentImportRejectsOversizedPayload(t *testing.T) {
	e, err := New(Config{DataDir: t.TempDir(), NumWorkers: 1, MaxPayloadSize: 4})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	_, err = e.EnqueueDocumentImport("movies", types.MethodReplace, types.FormatJSON, nil,
		strings.NewReader(`[{"id":"1","title":"red fox"}]`))
	require.Error(t, err)
}

func TestEngineIndexDeletionRemovesIndex(t *testing.T) {
	dataDir := t.TempDir()
	e, err := New(Config{DataDir: dataDir, NumWorkers: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	e.Start()

	create, err := e.EnqueueIndexCreation("movies", strPtr("id"))
	require.NoError(t, err)
	waitForTerminal(t, e, create.UID)

	meta, err := e.GetIndex("movies")
	require.NoError(t, err)
	indexDir := filepath.Join(dataDir, "indexes", meta.Dir)
	require.DirExists(t, indexDir)

	del, err := e.EnqueueIndexDeletion("movies")
	require.NoError(t, err)
	got := waitForTerminal(t, e, del.UID)
	assert.Equal(t, types.TaskSucceeded, got.Status)

	assert.NoDirExists(t, indexDir)

	_, err = e.GetIndex("movies")
	assert.Error(t, err)
}

func TestEngineAPIKeyLifecycleRequiresMasterKey(t *testing.T) {
	e, err := New(Config{DataDir: t.TempDir(), NumWorkers: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	_, err = e.CreateAPIKey(defaultCreateParams())
	require.Error(t, err)
}

func TestEngineAPIKeyLifecycleWithMasterKey(t *testing.T) {
	e, err := New(Config{DataDir: t.TempDir(), NumWorkers: 1, MasterKey: "master-secret"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	count, err := e.APIKeyCount()
	require.NoError(t, err)
	assert.Equal(t, 2, count) // the two default keys seeded on first run

	key, err := e.CreateAPIKey(defaultCreateParams())
	require.NoError(t, err)

	fetched, err := e.GetAPIKey(key.UID)
	require.NoError(t, err)
	assert.Equal(t, key.Key, fetched.Key)

	assert.True(t, e.Authorize("master-secret", types.ActionSearch, "movies"))
}

func TestEngineStatsProviderMethods(t *testing.T) {
	e := newTestEngine(t)
	e.Start()

	task, err := e.EnqueueIndexCreation("movies", strPtr("id"))
	require.NoError(t, err)
	waitForTerminal(t, e, task.UID)

	counts, err := e.TaskCountsByStatus()
	require.NoError(t, err)
	assert.Equal(t, 1, counts[types.TaskSucceeded])

	idxCount, err := e.IndexCount()
	require.NoError(t, err)
	assert.Equal(t, 1, idxCount)
}

func strPtr(s string) *string { return &s }

func defaultCreateParams() auth.CreateParams {
	return auth.CreateParams{
		Name:    strPtr("test key"),
		Actions: []types.APIKeyAction{types.ActionSearch},
		Indexes: []string{"*"},
	}
}

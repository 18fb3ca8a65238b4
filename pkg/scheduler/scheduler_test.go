package scheduler

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/quarry/pkg/filestore"
	"github.com/cuemby/quarry/pkg/queue"
	"github.com/cuemby/quarry/pkg/registry"
	"github.com/cuemby/quarry/pkg/types"
)

func strPtr(s string) *string { return &s }

type testHarness struct {
	queue    *queue.Queue
	registry *registry.Registry
	files    *filestore.Store
	sched    *Scheduler
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	dir := t.TempDir()

	q, err := queue.Open(filepath.Join(dir, "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	reg, err := registry.Open(filepath.Join(dir, "registry.db"), filepath.Join(dir, "indexes"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	files, err := filestore.New(filepath.Join(dir, "updates"))
	require.NoError(t, err)

	sched := New(q, reg, files, nil, 1, 64<<20, t.TempDir())

	return &testHarness{queue: q, registry: reg, files: files, sched: sched}
}

// stageImport writes payload to a fresh staged update file and registers a
// DocumentImport task against uid, returning the enqueued task.
func (h *testHarness) stageImport(t *testing.T, uid string, payload string, pk *string) *types.Task {
	t.Helper()
	id, upd, err := h.files.NewUpdate()
	require.NoError(t, err)
	_, err = upd.Write([]byte(payload))
	require.NoError(t, err)
	require.NoError(t, upd.Persist())

	task, err := h.queue.Register(queue.TaskView{
		Kind:     types.KindDocumentImport,
		IndexUID: strPtr(uid),
		Details: types.DocumentImportDetails{
			Method:      types.MethodReplace,
			Format:      types.FormatJSON,
			PrimaryKey:  pk,
			ContentUUID: id.String(),
		},
	})
	require.NoError(t, err)
	return task
}

func (h *testHarness) stageClear(t *testing.T, uid string) *types.Task {
	t.Helper()
	task, err := h.queue.Register(queue.TaskView{
		Kind:     types.KindDocumentClear,
		IndexUID: strPtr(uid),
		Details:  types.DocumentDeletionDetails{},
	})
	require.NoError(t, err)
	return task
}

func TestCompatibleGroupsByIndexAndFamily(t *testing.T) {
	movies := &types.Task{Kind: types.KindDocumentImport, IndexUID: strPtr("movies")}
	moviesDeletion := &types.Task{Kind: types.KindDocumentDeletion, IndexUID: strPtr("movies")}
	books := &types.Task{Kind: types.KindDocumentImport, IndexUID: strPtr("books")}
	settings := &types.Task{Kind: types.KindSettingsUpdate, IndexUID: strPtr("movies")}
	creation := &types.Task{Kind: types.KindIndexCreation, IndexUID: strPtr("movies")}

	assert.True(t, compatible(movies, moviesDeletion))
	assert.False(t, compatible(movies, books))
	assert.False(t, compatible(movies, settings))
	assert.False(t, compatible(creation, creation))
}

func TestExecuteBatchImportsAndAutoCreatesIndex(t *testing.T) {
	h := newHarness(t)
	task := h.stageImport(t, "movies", `[{"id":"1","title":"red fox"},{"id":"2","title":"blue sky"}]`, strPtr("id"))

	require.NoError(t, h.sched.executeBatch([]*types.Task{task}))

	got, err := h.queue.Get(task.UID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskSucceeded, got.Status)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.FinishedAt)

	details, err := decodeDetails[types.DocumentImportDetails](got.Details)
	require.NoError(t, err)
	assert.Equal(t, 2, details.IndexedDocuments)

	meta, err := h.registry.Get("movies")
	require.NoError(t, err)
	require.NotNil(t, meta.PrimaryKey)
	assert.Equal(t, "id", *meta.PrimaryKey)
}

func TestExecuteBatchLearnsPrimaryKeyWhenNotDeclared(t *testing.T) {
	h := newHarness(t)
	task := h.stageImport(t, "movies", `[{"id":"1","title":"red fox"}]`, nil)

	require.NoError(t, h.sched.executeBatch([]*types.Task{task}))

	meta, err := h.registry.Get("movies")
	require.NoError(t, err)
	require.NotNil(t, meta.PrimaryKey)
	assert.Equal(t, "id", *meta.PrimaryKey)
}

func TestExecuteBatchDocumentClearAbsorbsEarlierTasks(t *testing.T) {
	h := newHarness(t)
	_, err := h.registry.Create("movies", strPtr("id"))
	require.NoError(t, err)

	earlier := h.stageImport(t, "movies", `[{"id":"1","title":"red fox"}]`, strPtr("id"))
	clear := h.stageClear(t, "movies")
	later := h.stageImport(t, "movies", `[{"id":"2","title":"blue sky"}]`, strPtr("id"))

	require.NoError(t, h.sched.executeBatch([]*types.Task{earlier, clear, later}))

	gotEarlier, err := h.queue.Get(earlier.UID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskSucceeded, gotEarlier.Status)
	earlierDetails, err := decodeDetails[types.DocumentImportDetails](gotEarlier.Details)
	require.NoError(t, err)
	assert.Equal(t, 0, earlierDetails.IndexedDocuments)

	gotClear, err := h.queue.Get(clear.UID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskSucceeded, gotClear.Status)

	gotLater, err := h.queue.Get(later.UID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskSucceeded, gotLater.Status)
	laterDetails, err := decodeDetails[types.DocumentImportDetails](gotLater.Details)
	require.NoError(t, err)
	assert.Equal(t, 1, laterDetails.IndexedDocuments)
}

func TestExecuteBatchDocumentLevelFailureDoesNotAbortRestOfBatch(t *testing.T) {
	h := newHarness(t)
	_, err := h.registry.Create("movies", strPtr("id"))
	require.NoError(t, err)

	// An id that is neither a string nor an integer fails document-id
	// normalization, a document-level (KindInvalidRequest) error.
	bad := h.stageImport(t, "movies", `[{"id":{"nested":true},"title":"bad id"}]`, strPtr("id"))
	good := h.stageImport(t, "movies", `[{"id":"2","title":"blue sky"}]`, strPtr("id"))

	require.NoError(t, h.sched.executeBatch([]*types.Task{bad, good}))

	gotBad, err := h.queue.Get(bad.UID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskFailed, gotBad.Status)
	require.NotNil(t, gotBad.Error)

	gotGood, err := h.queue.Get(good.UID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskSucceeded, gotGood.Status)
}

func TestExecuteBatchFatalFailureFailsEveryTaskInBatch(t *testing.T) {
	h := newHarness(t)
	_, err := h.registry.Create("movies", strPtr("id"))
	require.NoError(t, err)

	// A ContentUUID that was never staged in the file store: opening it
	// fails with an I/O error, which is batch-fatal rather than
	// document-level.
	fatal, err := h.queue.Register(queue.TaskView{
		Kind:     types.KindDocumentImport,
		IndexUID: strPtr("movies"),
		Details: types.DocumentImportDetails{
			Method:      types.MethodReplace,
			Format:      types.FormatJSON,
			PrimaryKey:  strPtr("id"),
			ContentUUID: uuid.New().String(),
		},
	})
	require.NoError(t, err)
	sibling := h.stageImport(t, "movies", `[{"id":"2","title":"blue sky"}]`, strPtr("id"))

	err = h.sched.executeBatch([]*types.Task{fatal, sibling})
	require.Error(t, err)

	gotFatal, err := h.queue.Get(fatal.UID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskFailed, gotFatal.Status)

	gotSibling, err := h.queue.Get(sibling.UID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskFailed, gotSibling.Status)
}

func TestExecuteBatchSettingsUpdateMergesPatch(t *testing.T) {
	h := newHarness(t)
	_, err := h.registry.Create("movies", strPtr("id"))
	require.NoError(t, err)

	task, err := h.queue.Register(queue.TaskView{
		Kind:     types.KindSettingsUpdate,
		IndexUID: strPtr("movies"),
		Details: types.SettingsUpdateDetails{
			Patch: map[string]any{"rankingRules": []any{"words", "typo"}},
		},
	})
	require.NoError(t, err)

	require.NoError(t, h.sched.executeBatch([]*types.Task{task}))

	got, err := h.queue.Get(task.UID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskSucceeded, got.Status)
}

func TestExecuteBatchIndexDeletionSingleton(t *testing.T) {
	h := newHarness(t)
	_, err := h.registry.Create("movies", strPtr("id"))
	require.NoError(t, err)

	task, err := h.queue.Register(queue.TaskView{
		Kind:     types.KindIndexDeletion,
		IndexUID: strPtr("movies"),
	})
	require.NoError(t, err)

	require.NoError(t, h.sched.executeBatch([]*types.Task{task}))

	got, err := h.queue.Get(task.UID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskSucceeded, got.Status)

	_, err = h.registry.Get("movies")
	assert.Error(t, err)
}

func TestExecuteBatchDumpCreationWithoutDumpsConfigured(t *testing.T) {
	h := newHarness(t)
	task, err := h.queue.Register(queue.TaskView{Kind: types.KindDumpCreation})
	require.NoError(t, err)

	require.Error(t, h.sched.executeBatch([]*types.Task{task}))

	got, err := h.queue.Get(task.UID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskFailed, got.Status)
}

package queue

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/quarry/pkg/types"
)

func openTestQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func strPtr(s string) *string { return &s }

func TestRegisterAssignsDenseUIDs(t *testing.T) {
	q := openTestQueue(t)

	t1, err := q.Register(TaskView{Kind: types.KindIndexCreation, IndexUID: strPtr("movies")})
	require.NoError(t, err)
	t2, err := q.Register(TaskView{Kind: types.KindDocumentImport, IndexUID: strPtr("movies")})
	require.NoError(t, err)

	assert.Equal(t, uint64(0), t1.UID)
	assert.Equal(t, uint64(1), t2.UID)
	assert.Equal(t, types.TaskEnqueued, t1.Status)
}

func TestGetReturnsRegisteredTask(t *testing.T) {
	q := openTestQueue(t)
	created, err := q.Register(TaskView{Kind: types.KindIndexCreation, IndexUID: strPtr("movies")})
	require.NoError(t, err)

	got, err := q.Get(created.UID)
	require.NoError(t, err)
	assert.Equal(t, created.UID, got.UID)
	assert.Equal(t, created.Kind, got.Kind)
}

func TestListFiltersByStatusAndKind(t *testing.T) {
	q := openTestQueue(t)
	a, err := q.Register(TaskView{Kind: types.KindIndexCreation, IndexUID: strPtr("movies")})
	require.NoError(t, err)
	b, err := q.Register(TaskView{Kind: types.KindDocumentImport, IndexUID: strPtr("movies")})
	require.NoError(t, err)

	b.Status = types.TaskProcessing
	require.NoError(t, q.UpdateTask(b))

	tasks, total, err := q.List(types.TaskFilter{Statuses: []types.TaskStatus{types.TaskEnqueued}}, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, tasks, 1)
	assert.Equal(t, a.UID, tasks[0].UID)

	tasks, total, err = q.List(types.TaskFilter{Kinds: []types.TaskKind{types.KindDocumentImport}}, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, tasks, 1)
	assert.Equal(t, b.UID, tasks[0].UID)
}

func TestListOrdersDescendingAndPaginates(t *testing.T) {
	q := openTestQueue(t)
	var uids []uint64
	for i := 0; i < 5; i++ {
		task, err := q.Register(TaskView{Kind: types.KindIndexCreation, IndexUID: strPtr("movies")})
		require.NoError(t, err)
		uids = append(uids, task.UID)
	}

	tasks, total, err := q.List(types.TaskFilter{}, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, tasks, 2)
	assert.Equal(t, uids[4], tasks[0].UID)
	assert.Equal(t, uids[3], tasks[1].UID)
}

func TestUpdateTaskMovesStatusIndex(t *testing.T) {
	q := openTestQueue(t)
	task, err := q.Register(TaskView{Kind: types.KindIndexCreation, IndexUID: strPtr("movies")})
	require.NoError(t, err)

	task.Status = types.TaskSucceeded
	require.NoError(t, q.UpdateTask(task))

	enqueued, _, err := q.List(types.TaskFilter{Statuses: []types.TaskStatus{types.TaskEnqueued}}, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, enqueued)

	succeeded, _, err := q.List(types.TaskFilter{Statuses: []types.TaskStatus{types.TaskSucceeded}}, 0, 10)
	require.NoError(t, err)
	require.Len(t, succeeded, 1)
	assert.Equal(t, task.UID, succeeded[0].UID)
}

func TestCancelOnlyAffectsEnqueuedOrProcessing(t *testing.T) {
	q := openTestQueue(t)
	enq, err := q.Register(TaskView{Kind: types.KindIndexCreation, IndexUID: strPtr("movies")})
	require.NoError(t, err)
	done, err := q.Register(TaskView{Kind: types.KindIndexCreation, IndexUID: strPtr("movies")})
	require.NoError(t, err)
	done.Status = types.TaskSucceeded
	require.NoError(t, q.UpdateTask(done))

	count, err := q.Cancel(types.TaskFilter{}, 99)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	got, err := q.Get(enq.UID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskCanceled, got.Status)
	require.NotNil(t, got.CanceledBy)
	assert.Equal(t, uint64(99), *got.CanceledBy)

	stillDone, err := q.Get(done.UID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskSucceeded, stillDone.Status)
}

func TestDeleteOnlyRemovesTerminalTasks(t *testing.T) {
	q := openTestQueue(t)
	enq, err := q.Register(TaskView{Kind: types.KindIndexCreation, IndexUID: strPtr("movies")})
	require.NoError(t, err)
	done, err := q.Register(TaskView{Kind: types.KindIndexCreation, IndexUID: strPtr("movies")})
	require.NoError(t, err)
	done.Status = types.TaskFailed
	require.NoError(t, q.UpdateTask(done))

	var onDeletedCalls int
	count, err := q.Delete(types.TaskFilter{}, func(t *types.Task) error {
		onDeletedCalls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, 1, onDeletedCalls)

	_, err = q.Get(done.UID)
	assert.Error(t, err)

	_, err = q.Get(enq.UID)
	assert.NoError(t, err)
}

func TestCountsByStatus(t *testing.T) {
	q := openTestQueue(t)
	_, err := q.Register(TaskView{Kind: types.KindIndexCreation, IndexUID: strPtr("movies")})
	require.NoError(t, err)
	task2, err := q.Register(TaskView{Kind: types.KindIndexCreation, IndexUID: strPtr("movies")})
	require.NoError(t, err)
	task2.Status = types.TaskSucceeded
	require.NoError(t, q.UpdateTask(task2))

	counts, err := q.CountsByStatus()
	require.NoError(t, err)
	assert.Equal(t, 1, counts[types.TaskEnqueued])
	assert.Equal(t, 1, counts[types.TaskSucceeded])
}

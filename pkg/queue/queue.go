package queue

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/cuemby/quarry/pkg/apperr"
	"github.com/cuemby/quarry/pkg/storage"
	"github.com/cuemby/quarry/pkg/types"
)

const (
	bucketAllTasks = "all_tasks"
	bucketStatus   = "status_idx"
	bucketKind     = "kind_idx"
	bucketIndex    = "index_idx"
	bucketTime     = "time_idx"
	bucketMeta     = "meta"

	metaKeyNextUID = "next_uid"
)

var buckets = []string{bucketAllTasks, bucketStatus, bucketKind, bucketIndex, bucketTime, bucketMeta}

// Queue is the task queue (C4).
type Queue struct {
	env *storage.Environment
}

// Open opens (creating if necessary) the task queue at path.
func Open(path string) (*Queue, error) {
	env, err := storage.Open(path, buckets)
	if err != nil {
		return nil, err
	}
	return &Queue{env: env}, nil
}

// Close closes the underlying environment.
func (q *Queue) Close() error { return q.env.Close() }

// Snapshot writes a consistent, point-in-time copy of the task log to
// dstPath, for the dump/snapshot component (C10).
func (q *Queue) Snapshot(dstPath string) error { return q.env.Snapshot(dstPath) }

// TaskView is the caller-supplied shape for Register: everything about a
// task that's known before it's been assigned a uid.
type TaskView struct {
	Kind     types.TaskKind
	IndexUID *string
	Details  any
}

func uidKey(uid uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uid)
	return k
}

func timeKey(unixNano int64, uid uint64) []byte {
	k := make([]byte, 16)
	binary.BigEndian.PutUint64(k[:8], uint64(unixNano))
	binary.BigEndian.PutUint64(k[8:], uid)
	return k
}

// Register assigns the next uid, writes the task row, and updates every
// secondary index, all within one write transaction.
func (q *Queue) Register(view TaskView) (*types.Task, error) {
	var task *types.Task
	err := q.env.Update(func(tx *storage.Txn) error {
		meta, err := tx.Bucket(bucketMeta)
		if err != nil {
			return err
		}
		uid := nextUID(meta)

		now := time.Now().UTC()
		task = &types.Task{
			UID:        uid,
			IndexUID:   view.IndexUID,
			Kind:       view.Kind,
			Status:     types.TaskEnqueued,
			EnqueuedAt: now,
			Details:    view.Details,
		}

		if err := putTask(tx, task); err != nil {
			return err
		}
		if err := addToIndex(tx, bucketStatus, string(task.Status), uid); err != nil {
			return err
		}
		if err := addToIndex(tx, bucketKind, string(task.Kind), uid); err != nil {
			return err
		}
		if task.IndexUID != nil {
			if err := addToIndex(tx, bucketIndex, *task.IndexUID, uid); err != nil {
				return err
			}
		}

		timeB, err := tx.Bucket(bucketTime)
		if err != nil {
			return err
		}
		if err := timeB.Append(timeKey(now.UnixNano(), uid), nil); err != nil {
			return err
		}

		return putNextUID(meta, uid+1)
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

func nextUID(meta *storage.Bucket) uint64 {
	raw := meta.Get([]byte(metaKeyNextUID))
	if raw == nil {
		return 0
	}
	return binary.BigEndian.Uint64(raw)
}

func putNextUID(meta *storage.Bucket, uid uint64) error {
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, uid)
	return meta.Put([]byte(metaKeyNextUID), v)
}

func putTask(tx *storage.Txn, t *types.Task) error {
	b, err := tx.Bucket(bucketAllTasks)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("queue: marshaling task %d: %w", t.UID, err)
	}
	return b.Put(uidKey(t.UID), raw)
}

// Get returns the task with the given uid.
func (q *Queue) Get(uid uint64) (*types.Task, error) {
	var t *types.Task
	err := q.env.View(func(tx *storage.Txn) error {
		b, err := tx.Bucket(bucketAllTasks)
		if err != nil {
			return err
		}
		raw := b.Get(uidKey(uid))
		if raw == nil {
			return apperr.New(apperr.KindInvalidRequest, "task_not_found", fmt.Sprintf("task %d not found", uid))
		}
		t = &types.Task{}
		return json.Unmarshal(raw, t)
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// List intersects the secondary-index bitmaps matching filter (status, kind,
// index uid, time range), paginates the result by uid descending, and
// returns the total match count before pagination was applied.
func (q *Queue) List(filter types.TaskFilter, offset, limit int) ([]*types.Task, int, error) {
	var tasks []*types.Task
	var total int

	err := q.env.View(func(tx *storage.Txn) error {
		matched, err := q.matchingUIDs(tx, filter)
		if err != nil {
			return err
		}

		uids := matched.ToArray()
		sort.Sort(sort.Reverse(uint64Slice(uids)))
		total = len(uids)

		if offset >= total {
			return nil
		}
		end := offset + limit
		if limit <= 0 || end > total {
			end = total
		}

		b, err := tx.Bucket(bucketAllTasks)
		if err != nil {
			return err
		}
		for _, uid := range uids[offset:end] {
			raw := b.Get(uidKey(uid))
			if raw == nil {
				continue
			}
			t := &types.Task{}
			if err := json.Unmarshal(raw, t); err != nil {
				return err
			}
			tasks = append(tasks, t)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return tasks, total, nil
}

type uint64Slice []uint64

func (s uint64Slice) Len() int           { return len(s) }
func (s uint64Slice) Less(i, j int) bool { return s[i] < s[j] }
func (s uint64Slice) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }

// matchingUIDs intersects status ∩ kind ∩ index ∩ time-range ∩ from, per
// spec.md's prescribed evaluation order.
func (q *Queue) matchingUIDs(tx *storage.Txn, filter types.TaskFilter) (*roaring64.Bitmap, error) {
	result, err := allUIDs(tx)
	if err != nil {
		return nil, err
	}

	if len(filter.Statuses) > 0 {
		keys := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			keys[i] = string(s)
		}
		bm, err := unionIndex(tx, bucketStatus, keys)
		if err != nil {
			return nil, err
		}
		result.And(bm)
	}

	if len(filter.Kinds) > 0 {
		keys := make([]string, len(filter.Kinds))
		for i, k := range filter.Kinds {
			keys[i] = string(k)
		}
		bm, err := unionIndex(tx, bucketKind, keys)
		if err != nil {
			return nil, err
		}
		result.And(bm)
	}

	if len(filter.IndexUIDs) > 0 {
		bm, err := unionIndex(tx, bucketIndex, filter.IndexUIDs)
		if err != nil {
			return nil, err
		}
		result.And(bm)
	}

	if filter.BeforeEnqueuedAt != nil || filter.AfterEnqueuedAt != nil {
		bm, err := uidsInTimeRange(tx, filter.AfterEnqueuedAt, filter.BeforeEnqueuedAt)
		if err != nil {
			return nil, err
		}
		result.And(bm)
	}

	if len(filter.UIDs) > 0 {
		only := roaring64.New()
		for _, uid := range filter.UIDs {
			only.Add(uid)
		}
		result.And(only)
	}

	if filter.From != nil {
		upTo := roaring64.New()
		for _, uid := range result.ToArray() {
			if uid <= *filter.From {
				upTo.Add(uid)
			}
		}
		result = upTo
	}

	return result, nil
}

func allUIDs(tx *storage.Txn) (*roaring64.Bitmap, error) {
	b, err := tx.Bucket(bucketAllTasks)
	if err != nil {
		return nil, err
	}
	bm := roaring64.New()
	err = b.ForEach(func(k, _ []byte) error {
		bm.Add(binary.BigEndian.Uint64(k))
		return nil
	})
	return bm, err
}

func addToIndex(tx *storage.Txn, bucket, key string, uid uint64) error {
	b, err := tx.Bucket(bucket)
	if err != nil {
		return err
	}
	bm, err := loadBitmap(b, key)
	if err != nil {
		return err
	}
	bm.Add(uid)
	return storeBitmap(b, key, bm)
}

func removeFromIndex(tx *storage.Txn, bucket, key string, uid uint64) error {
	b, err := tx.Bucket(bucket)
	if err != nil {
		return err
	}
	bm, err := loadBitmap(b, key)
	if err != nil {
		return err
	}
	bm.Remove(uid)
	return storeBitmap(b, key, bm)
}

func unionIndex(tx *storage.Txn, bucket string, keys []string) (*roaring64.Bitmap, error) {
	b, err := tx.Bucket(bucket)
	if err != nil {
		return nil, err
	}
	result := roaring64.New()
	for _, key := range keys {
		bm, err := loadBitmap(b, key)
		if err != nil {
			return nil, err
		}
		result.Or(bm)
	}
	return result, nil
}

func loadBitmap(b *storage.Bucket, key string) (*roaring64.Bitmap, error) {
	raw := b.Get([]byte(key))
	bm := roaring64.New()
	if raw == nil {
		return bm, nil
	}
	if err := bm.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("queue: decoding bitmap for %q: %w", key, err)
	}
	return bm, nil
}

func storeBitmap(b *storage.Bucket, key string, bm *roaring64.Bitmap) error {
	raw, err := bm.MarshalBinary()
	if err != nil {
		return fmt.Errorf("queue: encoding bitmap for %q: %w", key, err)
	}
	return b.Put([]byte(key), raw)
}

// uidsInTimeRange scans the ordered time index for [after, before) and
// returns the uids found, using storage's cursor-based RangeForEach rather
// than a full bucket scan.
func uidsInTimeRange(tx *storage.Txn, after, before *time.Time) (*roaring64.Bitmap, error) {
	b, err := tx.Bucket(bucketTime)
	if err != nil {
		return nil, err
	}

	var start []byte
	if after != nil {
		start = timeKey(after.UnixNano(), 0)
	}
	var end []byte
	if before != nil {
		end = timeKey(before.UnixNano(), 0)
	}

	bm := roaring64.New()
	scan := func(k, _ []byte) error {
		bm.Add(binary.BigEndian.Uint64(k[8:]))
		return nil
	}
	if start == nil {
		return bm, b.RangeForEach([]byte{}, end, scan)
	}
	return bm, b.RangeForEach(start, end, scan)
}

// UpdateTask rewrites a task row and adjusts the status index for exactly
// one status transition. Called only by the scheduler loop.
func (q *Queue) UpdateTask(t *types.Task) error {
	return q.env.Update(func(tx *storage.Txn) error {
		b, err := tx.Bucket(bucketAllTasks)
		if err != nil {
			return err
		}
		raw := b.Get(uidKey(t.UID))
		if raw == nil {
			return apperr.New(apperr.KindInvalidRequest, "task_not_found", fmt.Sprintf("task %d not found", t.UID))
		}
		old := &types.Task{}
		if err := json.Unmarshal(raw, old); err != nil {
			return err
		}

		if old.Status != t.Status {
			if err := removeFromIndex(tx, bucketStatus, string(old.Status), t.UID); err != nil {
				return err
			}
			if err := addToIndex(tx, bucketStatus, string(t.Status), t.UID); err != nil {
				return err
			}
		}
		return putTask(tx, t)
	})
}

// Cancel transitions every Enqueued or Processing task matching filter to
// Canceled, recording byUID as the canceling task, and returns the count
// affected.
func (q *Queue) Cancel(filter types.TaskFilter, byUID uint64) (int, error) {
	count := 0
	err := q.env.Update(func(tx *storage.Txn) error {
		matched, err := q.matchingUIDs(tx, filter)
		if err != nil {
			return err
		}
		cancelable, err := unionIndex(tx, bucketStatus, []string{string(types.TaskEnqueued), string(types.TaskProcessing)})
		if err != nil {
			return err
		}
		matched.And(cancelable)

		b, err := tx.Bucket(bucketAllTasks)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		for _, uid := range matched.ToArray() {
			raw := b.Get(uidKey(uid))
			if raw == nil {
				continue
			}
			t := &types.Task{}
			if err := json.Unmarshal(raw, t); err != nil {
				return err
			}

			if err := removeFromIndex(tx, bucketStatus, string(t.Status), uid); err != nil {
				return err
			}
			t.Status = types.TaskCanceled
			t.CanceledBy = &byUID
			t.FinishedAt = &now
			if err := addToIndex(tx, bucketStatus, string(t.Status), uid); err != nil {
				return err
			}
			if err := putTask(tx, t); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	return count, err
}

// Delete removes every terminal-status task matching filter, along with its
// secondary-index entries. onDeleted, if non-nil, is invoked for each
// removed task so the caller can clean up anything it references (e.g. a
// staged update file), before the transaction commits.
func (q *Queue) Delete(filter types.TaskFilter, onDeleted func(*types.Task) error) (int, error) {
	count := 0
	err := q.env.Update(func(tx *storage.Txn) error {
		matched, err := q.matchingUIDs(tx, filter)
		if err != nil {
			return err
		}

		allTasks, err := tx.Bucket(bucketAllTasks)
		if err != nil {
			return err
		}
		timeB, err := tx.Bucket(bucketTime)
		if err != nil {
			return err
		}

		for _, uid := range matched.ToArray() {
			raw := allTasks.Get(uidKey(uid))
			if raw == nil {
				continue
			}
			t := &types.Task{}
			if err := json.Unmarshal(raw, t); err != nil {
				return err
			}
			if !t.Status.Terminal() {
				continue
			}

			if onDeleted != nil {
				if err := onDeleted(t); err != nil {
					return err
				}
			}

			if err := removeFromIndex(tx, bucketStatus, string(t.Status), uid); err != nil {
				return err
			}
			if err := removeFromIndex(tx, bucketKind, string(t.Kind), uid); err != nil {
				return err
			}
			if t.IndexUID != nil {
				if err := removeFromIndex(tx, bucketIndex, *t.IndexUID, uid); err != nil {
					return err
				}
			}
			if err := timeB.Delete(timeKey(t.EnqueuedAt.UnixNano(), uid)); err != nil {
				return err
			}
			if err := allTasks.Delete(uidKey(uid)); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	return count, err
}

// EnqueuedAscending returns up to max Enqueued tasks in ascending uid
// order (oldest first), the order the scheduler loop selects a batch's
// anchor task and its extension candidates from.
func (q *Queue) EnqueuedAscending(max int) ([]*types.Task, error) {
	var tasks []*types.Task
	err := q.env.View(func(tx *storage.Txn) error {
		b, err := tx.Bucket(bucketStatus)
		if err != nil {
			return err
		}
		bm, err := loadBitmap(b, string(types.TaskEnqueued))
		if err != nil {
			return err
		}
		uids := bm.ToArray() // roaring64 iterates in ascending order

		allTasks, err := tx.Bucket(bucketAllTasks)
		if err != nil {
			return err
		}
		for _, uid := range uids {
			if max > 0 && len(tasks) >= max {
				break
			}
			raw := allTasks.Get(uidKey(uid))
			if raw == nil {
				continue
			}
			t := &types.Task{}
			if err := json.Unmarshal(raw, t); err != nil {
				return err
			}
			tasks = append(tasks, t)
		}
		return nil
	})
	return tasks, err
}

// CountsByStatus reports how many tasks are currently in each status, for
// the metrics collector.
func (q *Queue) CountsByStatus() (map[types.TaskStatus]int, error) {
	counts := make(map[types.TaskStatus]int)
	err := q.env.View(func(tx *storage.Txn) error {
		for _, status := range []types.TaskStatus{
			types.TaskEnqueued, types.TaskProcessing, types.TaskSucceeded, types.TaskFailed, types.TaskCanceled,
		} {
			b, err := tx.Bucket(bucketStatus)
			if err != nil {
				return err
			}
			bm, err := loadBitmap(b, string(status))
			if err != nil {
				return err
			}
			counts[status] = int(bm.GetCardinality())
		}
		return nil
	})
	return counts, err
}

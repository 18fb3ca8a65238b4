/*
Package queue is the task queue (spec component C4): a storage.Environment
holding one JSON-encoded Task per uid in the all_tasks bucket, plus three
roaring-bitmap secondary indexes (by status, by kind, by index uid) and an
ordered time index. list/cancel/delete start from every uid key in
all_tasks and narrow that set by intersecting the matching bitmaps; the
task rows themselves are decoded only for the uids that remain.

Registration, status transitions and secondary-index maintenance all happen
inside a single bbolt write transaction, so a reader never observes a task
row without its indexes reflecting the same status, or vice versa.
*/
package queue

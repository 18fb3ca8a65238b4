/*
Package filestore is the update file store (spec component C2): it holds the
raw payload bytes of enqueued document-import tasks on disk, keyed by the
task's content UUID, until the scheduler's transform stage (C6) consumes them.

A Store is a single directory. NewUpdate creates a temp file inside it and
hands back an *Update; the caller writes the payload, then calls Persist to
atomically rename the temp file to its final UUID-named path. A file that is
never persisted (the task was rejected, or the process crashed first) is
simply an orphaned temp file, cleaned up by Prune.
*/
package filestore

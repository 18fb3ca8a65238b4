/*
Package scheduler implements the scheduler loop (spec component C9): the
single long-lived writer that dequeues batchable tasks from pkg/queue,
dispatches them to the transform stage (pkg/transform), index builder
(pkg/indexbuilder), the index registry (pkg/registry) or a handful of
queue-level operations, and commits their outcome back to the queue.

It runs on a ticker floor so it notices work even if a wakeup is missed,
and on a buffered wakeup channel so a freshly enqueued task doesn't have to
wait out the floor.
*/
package scheduler

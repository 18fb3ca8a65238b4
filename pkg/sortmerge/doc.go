/*
Package sortmerge is an external sort-merge primitive for building sorted,
deduplicated key/value streams larger than memory: callers Insert pairs in
any order; once the in-memory buffer crosses a size budget it is sorted and
spilled to a temp file as a "run"; Reader performs a k-way merge across
every run (container/heap, ordered by key) and, whenever two or more runs
contribute the same key, resolves the collision with a caller-supplied
MergeFunc before yielding a single entry.

This plays the role grenad's Sorter/Merger play in the original
implementation (see original_source/src/update/index_documents/mod.rs),
which Go's standard library and the example pack have no equivalent for —
it is implemented here directly on top of os.CreateTemp and container/heap.
*/
package sortmerge

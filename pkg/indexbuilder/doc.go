/*
Package indexbuilder implements the index builder (C7) and deletion builder
(C8): it takes a transform.Output and folds it into an index environment's
inverted structures, and it removes a set of docids from those same
structures when documents are replaced or explicitly deleted.

Build partitions the sorted documents stream across a worker pool (the
"Store" stage), has each worker emit per-category partial results, then
merges those partial results into the bucket layout pkg/registry declares:
main (scalar aggregates), word_docids, docid_word_positions,
word_pair_proximity_docids, documents.
*/
package indexbuilder

/*
Package storage is the storage engine facade (spec component C1): it wraps
an embedded ordered key-value store (bbolt) and exposes named, typed
sub-databases with single-writer ACID transactions and many concurrent
MVCC readers.

An Environment is one bbolt file on disk — one per logical domain (the task
queue, the auth store, or one index's own environment). Within an
Environment, named Buckets hold the logical databases spec.md §3 describes
(main, word_docids, docid_word_positions, word_pair_proximity_docids,
documents, all_tasks, keys, ...). Exactly one write transaction can be open
against an Environment at a time; read transactions snapshot the database at
the moment they're opened and never block on, or are blocked by, writers.

Append mirrors LMDB's ordered bulk-insert mode: bbolt does not reject
out-of-order Put calls the way heed/LMDB's append cursor does, so Bucket
tracks the last key written via Append and returns an error itself if a
subsequent key does not strictly increase. This is what the index builder's
merge stage (C7) relies on when writing a freshly-sorted stream into an
empty sub-database.
*/
package storage

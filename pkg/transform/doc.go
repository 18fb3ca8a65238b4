/*
Package transform is the transform stage (spec component C6): it parses a
document payload (JSON, NDJSON or CSV), resolves the primary key, maps each
document's external id to an internal docid, and emits a sorted,
deduplicated stream of field-id-encoded document records keyed by docid —
the input the index builder (C7) consumes.

Within one payload, a later occurrence of the same external id overwrites
the earlier one (Replace) or is merged field-by-field with it (Update);
both resolutions happen inside the external sorter's merge function. The
payload itself is parsed into memory in full before any record is staged;
it is not read as a stream.
*/
package transform

/*
Package registry is the index registry (spec component C5): it maps a
user-visible index uid to its backing storage.Environment, lazily opening
environments on first access and caching the handle for the process
lifetime. A small environment of its own (separate from any index's data)
holds each index's IndexMeta record, so create/update/swap/delete can
mutate the registry without a lock on the indexes themselves.
*/
package registry

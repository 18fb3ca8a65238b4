// Package types holds the data model shared by the registry, queue, auth
// and indexing packages, so that none of them need to import each other
// just to pass a Task or an IndexMeta around.
package types

package scheduler

import "github.com/cuemby/quarry/pkg/types"

// family identifies a batchable group of task kinds, per spec.md §4.5 step 2.
type family int

const (
	familyDocument family = iota
	familySettings
	familySingleton
)

func kindFamily(k types.TaskKind) family {
	switch k {
	case types.KindDocumentImport, types.KindDocumentDeletion, types.KindDocumentClear:
		return familyDocument
	case types.KindSettingsUpdate:
		return familySettings
	default:
		return familySingleton
	}
}

// compatible reports whether candidate may join a batch anchored by anchor:
// same index uid and same non-singleton family. Singleton-family tasks
// never batch with anything, including another instance of themselves.
func compatible(anchor, candidate *types.Task) bool {
	af, cf := kindFamily(anchor.Kind), kindFamily(candidate.Kind)
	if af == familySingleton || cf == familySingleton {
		return false
	}
	if af != cf {
		return false
	}
	return indexUIDOf(anchor) == indexUIDOf(candidate)
}

func indexUIDOf(t *types.Task) string {
	if t.IndexUID == nil {
		return ""
	}
	return *t.IndexUID
}

package transform

import "sync"

// FieldsIDMap is the dense, append-only u16 field-name → field-id mapping
// spec.md §3 attaches to an index's main sub-database. It never reassigns
// or reuses an id once a name has been seen.
type FieldsIDMap struct {
	mu      sync.Mutex
	nameToID map[string]uint16
	names    []string
}

// NewFieldsIDMap builds an empty map, or resumes from a previously
// persisted name list (its index in the slice is its id).
func NewFieldsIDMap(existing []string) *FieldsIDMap {
	m := &FieldsIDMap{nameToID: make(map[string]uint16, len(existing))}
	for _, name := range existing {
		m.names = append(m.names, name)
		m.nameToID[name] = uint16(len(m.names) - 1)
	}
	return m
}

// IDOrInsert returns name's id, assigning the next dense id if name hasn't
// been seen before.
func (m *FieldsIDMap) IDOrInsert(name string) uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.nameToID[name]; ok {
		return id
	}
	id := uint16(len(m.names))
	m.names = append(m.names, name)
	m.nameToID[name] = id
	return id
}

// Name returns the field name for id, or "" if id was never assigned.
func (m *FieldsIDMap) Name(id uint16) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(id) >= len(m.names) {
		return ""
	}
	return m.names[id]
}

// Names returns every field name in id order, for persistence.
func (m *FieldsIDMap) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.names))
	copy(out, m.names)
	return out
}

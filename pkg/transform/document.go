package transform

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Document is a parsed document prior to field-id encoding.
type Document map[string]any

// EncodeDocument serializes doc as a sequence of (fieldID, json-value)
// pairs in field-name sorted order, registering any field not yet seen in
// fm. This is the "indexed-by-field-id binary record" spec.md §4.6 step 5
// describes.
func EncodeDocument(fm *FieldsIDMap, doc Document) ([]byte, error) {
	names := make([]string, 0, len(doc))
	for name := range doc {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	for _, name := range names {
		id := fm.IDOrInsert(name)
		val, err := json.Marshal(doc[name])
		if err != nil {
			return nil, fmt.Errorf("transform: encoding field %q: %w", name, err)
		}
		var idBuf [2]byte
		binary.BigEndian.PutUint16(idBuf[:], id)
		buf.Write(idBuf[:])

		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(val)))
		buf.Write(lenBuf[:])
		buf.Write(val)
	}
	return buf.Bytes(), nil
}

// DecodeDocument is EncodeDocument's inverse.
func DecodeDocument(fm *FieldsIDMap, data []byte) (Document, error) {
	doc := make(Document)
	for len(data) > 0 {
		if len(data) < 6 {
			return nil, fmt.Errorf("transform: truncated document record")
		}
		id := binary.BigEndian.Uint16(data[:2])
		size := binary.BigEndian.Uint32(data[2:6])
		data = data[6:]
		if uint32(len(data)) < size {
			return nil, fmt.Errorf("transform: truncated field value")
		}
		raw := data[:size]
		data = data[size:]

		var val any
		if err := json.Unmarshal(raw, &val); err != nil {
			return nil, fmt.Errorf("transform: decoding field %d: %w", id, err)
		}
		doc[fm.Name(id)] = val
	}
	return doc, nil
}

// MergeUpdate combines multiple encoded records for the same docid,
// field-wise, in the order given, later values overwriting earlier ones
// (Update semantics): last-non-null per field.
func MergeUpdate(fm *FieldsIDMap) func(key []byte, values [][]byte) ([]byte, error) {
	return func(_ []byte, values [][]byte) ([]byte, error) {
		merged := make(Document)
		for _, v := range values {
			doc, err := DecodeDocument(fm, v)
			if err != nil {
				return nil, err
			}
			for name, val := range doc {
				if val != nil {
					merged[name] = val
				}
			}
		}
		return EncodeDocument(fm, merged)
	}
}

// MergeReplace keeps only the last encoded record for a docid (Replace
// semantics: a later occurrence fully overwrites the earlier one).
func MergeReplace(_ []byte, values [][]byte) ([]byte, error) {
	return values[len(values)-1], nil
}

var documentIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// normalizeDocumentID converts a raw primary-key value to its canonical
// string form and validates it per spec.md §4.6 step 3.
func normalizeDocumentID(v any) (string, error) {
	switch t := v.(type) {
	case string:
		if !documentIDPattern.MatchString(t) {
			return "", fmt.Errorf("invalid")
		}
		return t, nil
	case float64:
		if t != float64(int64(t)) {
			return "", fmt.Errorf("invalid")
		}
		return fmt.Sprintf("%d", int64(t)), nil
	default:
		return "", fmt.Errorf("invalid")
	}
}

// isIDLikeFieldName reports whether name is a plausible primary-key
// candidate: its name ends in "id", case-insensitively.
func isIDLikeFieldName(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), "id")
}

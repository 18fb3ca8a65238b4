package indexbuilder

import (
	"strconv"
	"strings"
	"unicode"
)

// tokenize splits a field's textual representation into lowercased words,
// the unit word_docids and word_pair_proximity_docids are indexed on.
func tokenize(v any) []string {
	s, ok := stringify(v)
	if !ok {
		return nil
	}
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	words := make([]string, 0, len(fields))
	for _, f := range fields {
		words = append(words, strings.ToLower(f))
	}
	return words
}

// stringify reduces a decoded JSON value to the text it should contribute
// to the word index. Numbers and booleans are indexed as their literal
// text; nested objects/arrays are not indexed (no field path to attach
// positions to).
func stringify(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10), true
		}
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		return "", false
	}
}

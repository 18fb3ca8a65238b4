package transform

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"

	"github.com/cuemby/quarry/pkg/apperr"
	"github.com/cuemby/quarry/pkg/types"
)

// parseDocuments reads every document out of r according to format,
// reporting malformed input as a malformed_payload error carrying the
// byte or line position, per spec.md §4.6 step 1.
func parseDocuments(r io.Reader, format types.PayloadFormat) ([]Document, error) {
	switch format {
	case types.FormatJSON:
		return parseJSON(r)
	case types.FormatNDJSON:
		return parseNDJSON(r)
	case types.FormatCSV:
		return parseCSV(r)
	default:
		return nil, apperr.New(apperr.KindInvalidRequest, apperr.CodeBadRequest, fmt.Sprintf("unknown payload format %q", format))
	}
}

func parseJSON(r io.Reader) ([]Document, error) {
	var raw []Document
	dec := json.NewDecoder(r)
	if err := dec.Decode(&raw); err != nil {
		if se, ok := err.(*json.SyntaxError); ok {
			return nil, malformedPayload(fmt.Sprintf("byte offset %d", se.Offset))
		}
		return nil, malformedPayload(err.Error())
	}
	return raw, nil
}

func parseNDJSON(r io.Reader) ([]Document, error) {
	var docs []Document
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}
		var doc Document
		if err := json.Unmarshal(text, &doc); err != nil {
			return nil, malformedPayload(fmt.Sprintf("line %d: %s", line, err))
		}
		docs = append(docs, doc)
	}
	if err := scanner.Err(); err != nil {
		return nil, malformedPayload(err.Error())
	}
	return docs, nil
}

func parseCSV(r io.Reader) ([]Document, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, malformedPayload(err.Error())
	}

	var docs []Document
	rowNum := 1
	for {
		rowNum++
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, malformedPayload(fmt.Sprintf("row %d: %s", rowNum, err))
		}
		doc := make(Document, len(header))
		for i, col := range header {
			if i < len(row) {
				doc[col] = row[i]
			}
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func malformedPayload(detail string) error {
	return apperr.New(apperr.KindInvalidRequest, apperr.CodeMalformedPayload,
		fmt.Sprintf("payload is malformed: %s", detail))
}

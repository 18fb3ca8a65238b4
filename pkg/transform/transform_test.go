package transform

import (
	"io"
	"strings"
	"testing"

	roaring "github.com/RoaringBitmap/roaring/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/quarry/pkg/apperr"
	"github.com/cuemby/quarry/pkg/types"
)

func baseInput(payload string) Input {
	return Input{
		Reader:              strings.NewReader(payload),
		Format:              types.FormatJSON,
		Method:              types.MethodReplace,
		Autogenerate:        true,
		FieldsIDMap:         NewFieldsIDMap(nil),
		UsersIDsDocumentIDs: map[string]uint32{},
		FreeDocIDs:          roaring.New(),
	}
}

func drain(t *testing.T, out *Output) []Document {
	t.Helper()
	defer out.Documents.Close()
	var docs []Document
	for {
		_, v, err := out.Documents.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		doc, err := DecodeDocument(out.FieldsIDMap, v)
		require.NoError(t, err)
		docs = append(docs, doc)
	}
	return docs
}

func TestRunExplicitPrimaryKeyAssignsDenseDocIDs(t *testing.T) {
	in := baseInput(`[{"productId":"a","name":"Widget"},{"productId":"b","name":"Gadget"}]`)
	pk := "productId"
	in.ExplicitPrimaryKey = &pk

	out, err := Run(in)
	require.NoError(t, err)
	assert.Equal(t, "productId", out.PrimaryKey)
	assert.Equal(t, 2, out.DocumentsCount)
	assert.Equal(t, uint64(2), out.NewDocumentIDs.GetCardinality())
	assert.Equal(t, uint64(0), out.ReplacedDocumentIDs.GetCardinality())
	assert.Equal(t, uint32(0), out.UsersIDsDocumentIDs["a"])
	assert.Equal(t, uint32(1), out.UsersIDsDocumentIDs["b"])
	out.Documents.Close()
}

func TestRunInfersSinglePrimaryKeyCandidate(t *testing.T) {
	in := baseInput(`[{"movieId":"1","title":"Arrival"}]`)
	out, err := Run(in)
	require.NoError(t, err)
	assert.Equal(t, "movieId", out.PrimaryKey)
	out.Documents.Close()
}

func TestRunAmbiguousPrimaryKeyFails(t *testing.T) {
	in := baseInput(`[{"movieId":"1","userId":"2"}]`)
	_, err := Run(in)
	require.Error(t, err)
	ae, ok := err.(*apperr.Error)
	require.True(t, ok)
	assert.Equal(t, apperr.CodePrimaryKeyMultipleCandidates, ae.Code)
}

func TestRunNoPrimaryKeyCandidateFails(t *testing.T) {
	in := baseInput(`[{"title":"Arrival"}]`)
	_, err := Run(in)
	require.Error(t, err)
	ae, ok := err.(*apperr.Error)
	require.True(t, ok)
	assert.Equal(t, apperr.CodePrimaryKeyNoCandidate, ae.Code)
}

func TestRunAutogeneratesMissingID(t *testing.T) {
	in := baseInput(`[{"id":null,"title":"Arrival"}]`)
	out, err := Run(in)
	require.NoError(t, err)
	assert.Len(t, out.UsersIDsDocumentIDs, 1)
	out.Documents.Close()
}

func TestRunMissingIDWithoutAutogenerateFails(t *testing.T) {
	in := baseInput(`[{"id":null,"title":"Arrival"}]`)
	in.Autogenerate = false
	_, err := Run(in)
	require.Error(t, err)
	ae, ok := err.(*apperr.Error)
	require.True(t, ok)
	assert.Equal(t, apperr.CodeMissingDocumentID, ae.Code)
}

func TestRunInvalidIDFails(t *testing.T) {
	in := baseInput(`[{"id":"has a space","title":"Arrival"}]`)
	_, err := Run(in)
	require.Error(t, err)
	ae, ok := err.(*apperr.Error)
	require.True(t, ok)
	assert.Equal(t, apperr.CodeInvalidDocumentID, ae.Code)
}

func TestRunSecondOccurrenceIsReplace(t *testing.T) {
	in := baseInput(`[{"id":"1","name":"first"},{"id":"1","name":"second"}]`)
	out, err := Run(in)
	require.NoError(t, err)
	docs := drain(t, out)
	require.Len(t, docs, 1)
	assert.Equal(t, "second", docs[0]["name"])
}

func TestRunUpdateMergesFieldsAcrossOccurrences(t *testing.T) {
	in := baseInput(`[{"id":"1","name":"first","tag":"x"},{"id":"1","name":"second"}]`)
	in.Method = types.MethodUpdate
	out, err := Run(in)
	require.NoError(t, err)
	docs := drain(t, out)
	require.Len(t, docs, 1)
	assert.Equal(t, "second", docs[0]["name"])
	assert.Equal(t, "x", docs[0]["tag"])
}

func TestRunReusesExistingUsersIDsMappingAsReplace(t *testing.T) {
	in := baseInput(`[{"id":"1","name":"updated"}]`)
	in.UsersIDsDocumentIDs = map[string]uint32{"1": 7}
	in.NextDocID = 8

	out, err := Run(in)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), out.NewDocumentIDs.GetCardinality())
	assert.Equal(t, uint64(1), out.ReplacedDocumentIDs.GetCardinality())
	assert.True(t, out.ReplacedDocumentIDs.Contains(7))
	out.Documents.Close()
}

func TestRunReusesFreeDocIDsBeforeAllocatingNew(t *testing.T) {
	in := baseInput(`[{"id":"a"},{"id":"b"}]`)
	free := roaring.New()
	free.Add(3)
	in.FreeDocIDs = free
	in.NextDocID = 10

	out, err := Run(in)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), out.UsersIDsDocumentIDs["a"])
	assert.Equal(t, uint32(10), out.UsersIDsDocumentIDs["b"])
	assert.Equal(t, uint32(11), out.NextDocID)
	assert.True(t, out.FreeDocIDs.IsEmpty())
	out.Documents.Close()
}

func TestRunCSVPayload(t *testing.T) {
	in := baseInput("")
	in.Format = types.FormatCSV
	in.Reader = strings.NewReader("id,name\n1,Widget\n2,Gadget\n")

	out, err := Run(in)
	require.NoError(t, err)
	assert.Equal(t, 2, out.DocumentsCount)
	out.Documents.Close()
}

func TestRunMalformedJSONFails(t *testing.T) {
	in := baseInput(`[{"id":"1"`)
	_, err := Run(in)
	require.Error(t, err)
	ae, ok := err.(*apperr.Error)
	require.True(t, ok)
	assert.Equal(t, apperr.CodeMalformedPayload, ae.Code)
}

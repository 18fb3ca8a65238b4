package transform

import (
	"encoding/binary"
	"io"

	roaring "github.com/RoaringBitmap/roaring/v2"
	"github.com/google/uuid"

	"github.com/cuemby/quarry/pkg/apperr"
	"github.com/cuemby/quarry/pkg/metrics"
	"github.com/cuemby/quarry/pkg/sortmerge"
	"github.com/cuemby/quarry/pkg/types"
)

// DefaultSortMemory bounds how much the stage buffers before spilling a
// sorted run to disk.
const DefaultSortMemory = 64 << 20

// Input is everything the transform stage needs to turn one payload into a
// sorted, docid-keyed document stream.
type Input struct {
	Reader             io.Reader
	Format             types.PayloadFormat
	Method             types.ImportMethod
	ExplicitPrimaryKey *string
	ExistingPrimaryKey *string
	Autogenerate       bool

	FieldsIDMap         *FieldsIDMap
	UsersIDsDocumentIDs map[string]uint32
	FreeDocIDs          *roaring.Bitmap
	NextDocID           uint32

	MaxMemory int
	TempDir   string
}

// Output is spec.md §4.6's TransformOutput.
type Output struct {
	PrimaryKey          string
	FieldsIDMap         *FieldsIDMap
	UsersIDsDocumentIDs map[string]uint32
	NewDocumentIDs      *roaring.Bitmap
	ReplacedDocumentIDs *roaring.Bitmap
	DocumentsCount      int
	Documents           *sortmerge.Reader // sorted by docid; caller must Close()

	NextDocID  uint32
	FreeDocIDs *roaring.Bitmap
}

func docIDKey(docid uint32) []byte {
	k := make([]byte, 4)
	binary.BigEndian.PutUint32(k, docid)
	return k
}

// Run executes spec.md §4.6's algorithm end to end.
func Run(in Input) (*Output, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.TransformDuration)

	docs, err := parseDocuments(in.Reader, in.Format)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, apperr.New(apperr.KindInvalidRequest, apperr.CodeMissingPayload, "payload contains no documents")
	}

	primaryKey, err := resolvePrimaryKey(in, docs)
	if err != nil {
		return nil, err
	}

	fm := in.FieldsIDMap
	usersIDs := make(map[string]uint32, len(in.UsersIDsDocumentIDs))
	for k, v := range in.UsersIDsDocumentIDs {
		usersIDs[k] = v
	}
	freeDocIDs := in.FreeDocIDs.Clone()
	nextDocID := in.NextDocID
	newIDs := roaring.New()
	replacedIDs := roaring.New()

	maxMemory := in.MaxMemory
	if maxMemory <= 0 {
		maxMemory = DefaultSortMemory
	}
	mergeFn := MergeReplace
	if in.Method == types.MethodUpdate {
		mergeFn = MergeUpdate(fm)
	}
	sorter := sortmerge.NewWithTempDir(maxMemory, in.TempDir, mergeFn)

	for _, doc := range docs {
		externalID, err := resolveDocumentID(doc, primaryKey, in.Autogenerate)
		if err != nil {
			return nil, err
		}

		docid, isNew := allocateDocID(usersIDs, freeDocIDs, &nextDocID, externalID)
		if isNew {
			newIDs.Add(docid)
		} else {
			replacedIDs.Add(docid)
		}

		doc[primaryKey] = externalID
		encoded, err := EncodeDocument(fm, doc)
		if err != nil {
			return nil, apperr.Internal("encoding document record", err)
		}
		if err := sorter.Insert(docIDKey(docid), encoded); err != nil {
			return nil, apperr.Internal("staging document record", err)
		}
	}

	reader, err := sorter.Reader()
	if err != nil {
		return nil, apperr.Internal("opening sorted document stream", err)
	}

	return &Output{
		PrimaryKey:          primaryKey,
		FieldsIDMap:         fm,
		UsersIDsDocumentIDs: usersIDs,
		NewDocumentIDs:      newIDs,
		ReplacedDocumentIDs: replacedIDs,
		DocumentsCount:      len(docs),
		Documents:           reader,
		NextDocID:           nextDocID,
		FreeDocIDs:          freeDocIDs,
	}, nil
}

func resolvePrimaryKey(in Input, docs []Document) (string, error) {
	if in.ExplicitPrimaryKey != nil {
		return *in.ExplicitPrimaryKey, nil
	}
	if in.ExistingPrimaryKey != nil {
		return *in.ExistingPrimaryKey, nil
	}

	var candidates []string
	for name := range docs[0] {
		if isIDLikeFieldName(name) {
			candidates = append(candidates, name)
		}
	}
	switch len(candidates) {
	case 0:
		return "", apperr.New(apperr.KindInvalidRequest, apperr.CodePrimaryKeyNoCandidate,
			"could not infer a primary key: no field name ends in \"id\"")
	case 1:
		return candidates[0], nil
	default:
		return "", apperr.New(apperr.KindInvalidRequest, apperr.CodePrimaryKeyMultipleCandidates,
			"could not infer a primary key: multiple candidate fields found")
	}
}

func resolveDocumentID(doc Document, primaryKey string, autogenerate bool) (string, error) {
	raw, ok := doc[primaryKey]
	if !ok || raw == nil {
		if autogenerate {
			return uuid.New().String(), nil
		}
		return "", apperr.New(apperr.KindInvalidRequest, apperr.CodeMissingDocumentID,
			"document does not have a "+primaryKey+" attribute")
	}
	id, err := normalizeDocumentID(raw)
	if err != nil {
		return "", apperr.New(apperr.KindInvalidRequest, apperr.CodeInvalidDocumentID,
			"document identifier must be alphanumeric (plus - and _) or an integer")
	}
	return id, nil
}

// allocateDocID reuses the docid already mapped to externalID if one
// exists (reporting it as a replace), or allocates one from the free list,
// falling back to the next never-used id.
func allocateDocID(usersIDs map[string]uint32, freeDocIDs *roaring.Bitmap, nextDocID *uint32, externalID string) (uint32, bool) {
	if docid, ok := usersIDs[externalID]; ok {
		return docid, false
	}

	var docid uint32
	if !freeDocIDs.IsEmpty() {
		docid = freeDocIDs.Minimum()
		freeDocIDs.Remove(docid)
	} else {
		docid = *nextDocID
		*nextDocID++
	}
	usersIDs[externalID] = docid
	return docid, true
}

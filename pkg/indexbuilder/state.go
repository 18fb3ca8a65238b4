package indexbuilder

import (
	"encoding/binary"
	"encoding/json"

	roaring "github.com/RoaringBitmap/roaring/v2"

	"github.com/cuemby/quarry/pkg/apperr"
	"github.com/cuemby/quarry/pkg/storage"
	"github.com/cuemby/quarry/pkg/transform"
)

// MainState is an index's main bucket decoded into the shape transform.Run
// and Build need to carry docid allocation and field identity forward
// across batches and process restarts.
type MainState struct {
	PrimaryKey          string
	FieldsIDMap         *transform.FieldsIDMap
	UsersIDsDocumentIDs map[string]uint32
	DocumentsIDs        *roaring.Bitmap
	FreeDocIDs          *roaring.Bitmap
	NextDocID           uint32
}

// ReadMainState loads an index's current allocation and field state from
// its main bucket. Every field defaults to its zero value on a fresh
// index (empty maps/bitmaps, NextDocID 0), so callers can treat a
// never-indexed environment the same as one read back after a restart.
func ReadMainState(tx *storage.Txn) (*MainState, error) {
	bucket, err := tx.Bucket(bucketMain)
	if err != nil {
		return nil, err
	}

	state := &MainState{
		UsersIDsDocumentIDs: make(map[string]uint32),
		DocumentsIDs:        roaring.New(),
		FreeDocIDs:          roaring.New(),
	}

	if raw := bucket.GetCopy([]byte(mainKeyPrimaryKey)); raw != nil {
		state.PrimaryKey = string(raw)
	}

	var names []string
	if raw := bucket.GetCopy([]byte(mainKeyFieldsIDsMap)); raw != nil {
		if err := json.Unmarshal(raw, &names); err != nil {
			return nil, apperr.Internal("decoding main.fields_ids_map", err)
		}
	}
	state.FieldsIDMap = transform.NewFieldsIDMap(names)

	if raw := bucket.GetCopy([]byte(mainKeyUsersIDsDocumentIDs)); raw != nil {
		if err := json.Unmarshal(raw, &state.UsersIDsDocumentIDs); err != nil {
			return nil, apperr.Internal("decoding main.users_ids_documents_ids", err)
		}
	}

	if raw := bucket.GetCopy([]byte(mainKeyDocumentsIDs)); raw != nil {
		if err := state.DocumentsIDs.UnmarshalBinary(raw); err != nil {
			return nil, apperr.Internal("decoding main.documents_ids", err)
		}
	}

	if raw := bucket.GetCopy([]byte(mainKeyFreeDocIDs)); raw != nil {
		if err := state.FreeDocIDs.UnmarshalBinary(raw); err != nil {
			return nil, apperr.Internal("decoding main.free_docids", err)
		}
	}

	if raw := bucket.GetCopy([]byte(mainKeyNextDocID)); raw != nil && len(raw) == 4 {
		state.NextDocID = binary.BigEndian.Uint32(raw)
	}

	return state, nil
}

package indexbuilder

import (
	"encoding/binary"
	"encoding/json"
	"sort"

	roaring "github.com/RoaringBitmap/roaring/v2"

	"github.com/cuemby/quarry/pkg/apperr"
	"github.com/cuemby/quarry/pkg/storage"
)

// DeleteDocuments implements the deletion builder (C8): it removes every
// docid in ids from an index environment's inverted structures, all within
// tx. Build calls this itself for replaced docids; callers handle explicit
// DocumentDeletion/DocumentClear tasks the same way.
func DeleteDocuments(tx *storage.Txn, ids *roaring.Bitmap) error {
	if ids.IsEmpty() {
		return nil
	}

	mainBucket, err := tx.Bucket(bucketMain)
	if err != nil {
		return err
	}
	if err := removeFromDocumentsIDs(mainBucket, ids); err != nil {
		return err
	}
	if err := removeFromUsersIDsDocumentIDs(mainBucket, ids); err != nil {
		return err
	}
	if err := addToFreeDocIDs(mainBucket, ids); err != nil {
		return err
	}

	affectedWords, err := removeDocidWordPositions(tx, ids)
	if err != nil {
		return err
	}

	wordBucket, err := tx.Bucket(bucketWordDocids)
	if err != nil {
		return err
	}
	if err := subtractFromBitmapBucket(wordBucket, affectedWords, ids); err != nil {
		return err
	}

	pairBucket, err := tx.Bucket(bucketWordPairProximity)
	if err != nil {
		return err
	}
	if err := subtractAllFromBitmapBucket(pairBucket, ids); err != nil {
		return err
	}

	docsBucket, err := tx.Bucket(bucketDocuments)
	if err != nil {
		return err
	}
	it := ids.Iterator()
	for it.HasNext() {
		docid := it.Next()
		key := make([]byte, 4)
		binary.BigEndian.PutUint32(key, docid)
		if err := docsBucket.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

func removeFromDocumentsIDs(bucket *storage.Bucket, ids *roaring.Bitmap) error {
	documentsIDs := roaring.New()
	if existing := bucket.GetCopy([]byte(mainKeyDocumentsIDs)); existing != nil {
		if err := documentsIDs.UnmarshalBinary(existing); err != nil {
			return apperr.Internal("decoding main.documents_ids", err)
		}
	}
	documentsIDs.AndNot(ids)
	encoded, err := documentsIDs.MarshalBinary()
	if err != nil {
		return apperr.Internal("encoding main.documents_ids", err)
	}
	return bucket.Put([]byte(mainKeyDocumentsIDs), encoded)
}

func removeFromUsersIDsDocumentIDs(bucket *storage.Bucket, ids *roaring.Bitmap) error {
	existing := bucket.GetCopy([]byte(mainKeyUsersIDsDocumentIDs))
	if existing == nil {
		return nil
	}
	var usersIDs map[string]uint32
	if err := json.Unmarshal(existing, &usersIDs); err != nil {
		return apperr.Internal("decoding users-ids map", err)
	}
	for externalID, docid := range usersIDs {
		if ids.Contains(docid) {
			delete(usersIDs, externalID)
		}
	}
	encoded, err := json.Marshal(usersIDs)
	if err != nil {
		return apperr.Internal("encoding users-ids map", err)
	}
	return bucket.Put([]byte(mainKeyUsersIDsDocumentIDs), encoded)
}

// addToFreeDocIDs unions ids into main.free_docids so a future transform.Run
// can reuse these docid slots instead of burning new ones from next_docid.
func addToFreeDocIDs(bucket *storage.Bucket, ids *roaring.Bitmap) error {
	free := roaring.New()
	if existing := bucket.GetCopy([]byte(mainKeyFreeDocIDs)); existing != nil {
		if err := free.UnmarshalBinary(existing); err != nil {
			return apperr.Internal("decoding main.free_docids", err)
		}
	}
	free.Or(ids)
	encoded, err := free.MarshalBinary()
	if err != nil {
		return apperr.Internal("encoding main.free_docids", err)
	}
	return bucket.Put([]byte(mainKeyFreeDocIDs), encoded)
}

// removeDocidWordPositions deletes every docid_word_positions row whose key
// is prefixed by one of ids' docids, returning the distinct set of words
// those rows mentioned (spec.md §4.8 step 2).
func removeDocidWordPositions(tx *storage.Txn, ids *roaring.Bitmap) (map[string]bool, error) {
	posBucket, err := tx.Bucket(bucketDocidWordPositions)
	if err != nil {
		return nil, err
	}

	affected := make(map[string]bool)
	var it = ids.Iterator()
	for it.HasNext() {
		docid := it.Next()
		prefix := make([]byte, 4)
		binary.BigEndian.PutUint32(prefix, docid)

		var toDelete [][]byte
		if err := posBucket.PrefixForEach(prefix, func(k, _ []byte) error {
			word := string(k[4:])
			affected[word] = true
			toDelete = append(toDelete, append([]byte(nil), k...))
			return nil
		}); err != nil {
			return nil, err
		}
		for _, k := range toDelete {
			if err := posBucket.Delete(k); err != nil {
				return nil, err
			}
		}
	}
	return affected, nil
}

func subtractFromBitmapBucket(bucket *storage.Bucket, words map[string]bool, ids *roaring.Bitmap) error {
	keys := make([]string, 0, len(words))
	for w := range words {
		keys = append(keys, w)
	}
	sort.Strings(keys)
	for _, word := range keys {
		key := []byte(word)
		existing := bucket.GetCopy(key)
		if existing == nil {
			continue
		}
		bm := roaring.New()
		if err := bm.UnmarshalBinary(existing); err != nil {
			return apperr.Internal("decoding word_docids bitmap", err)
		}
		bm.AndNot(ids)
		if bm.IsEmpty() {
			if err := bucket.Delete(key); err != nil {
				return err
			}
			continue
		}
		encoded, err := bm.MarshalBinary()
		if err != nil {
			return apperr.Internal("encoding word_docids bitmap", err)
		}
		if err := bucket.Put(key, encoded); err != nil {
			return err
		}
	}
	return nil
}

// subtractAllFromBitmapBucket walks every key in bucket (word pairs aren't
// indexed by docid, so there's no prefix to restrict the scan to, per
// spec.md §4.8 step 4) and subtracts ids from any bitmap that intersects.
func subtractAllFromBitmapBucket(bucket *storage.Bucket, ids *roaring.Bitmap) error {
	var toDelete [][]byte
	var toPut = make(map[string][]byte)
	if err := bucket.ForEach(func(k, v []byte) error {
		bm := roaring.New()
		if err := bm.UnmarshalBinary(v); err != nil {
			return apperr.Internal("decoding word_pair_proximity_docids bitmap", err)
		}
		if !bm.Intersects(ids) {
			return nil
		}
		bm.AndNot(ids)
		key := append([]byte(nil), k...)
		if bm.IsEmpty() {
			toDelete = append(toDelete, key)
			return nil
		}
		encoded, err := bm.MarshalBinary()
		if err != nil {
			return apperr.Internal("encoding word_pair_proximity_docids bitmap", err)
		}
		toPut[string(key)] = encoded
		return nil
	}); err != nil {
		return err
	}
	for k, v := range toPut {
		if err := bucket.Put([]byte(k), v); err != nil {
			return err
		}
	}
	for _, k := range toDelete {
		if err := bucket.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

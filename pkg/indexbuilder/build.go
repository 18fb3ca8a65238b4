package indexbuilder

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"runtime"
	"sort"
	"sync"

	roaring "github.com/RoaringBitmap/roaring/v2"

	"github.com/cuemby/quarry/pkg/apperr"
	"github.com/cuemby/quarry/pkg/metrics"
	"github.com/cuemby/quarry/pkg/storage"
	"github.com/cuemby/quarry/pkg/transform"
)

// Bucket names, matching pkg/registry.IndexBuckets.
const (
	bucketMain               = "main"
	bucketWordDocids         = "word_docids"
	bucketDocidWordPositions = "docid_word_positions"
	bucketWordPairProximity  = "word_pair_proximity_docids"
	bucketDocuments          = "documents"
)

const (
	mainKeyDocumentsIDs        = "documents_ids"
	mainKeyPrimaryKey          = "primary_key"
	mainKeyFieldsIDsMap        = "fields_ids_map"
	mainKeyUsersIDsDocumentIDs = "users_ids_documents_ids"
	mainKeyNextDocID           = "next_docid"
	mainKeyFreeDocIDs          = "free_docids"

	// proximityMaxDistance bounds how far apart two words in the same
	// document may sit and still contribute a word_pair_proximity entry.
	proximityMaxDistance = 8

	wordPairSeparator = "\x1f"
)

// Report summarizes what one Build call did, for task details.
type Report struct {
	DocumentsIndexed int
	DocumentsDeleted int
}

type docRecord struct {
	docid   uint32
	encoded []byte
}

// docidKey is docid_word_positions' composite key: 4-byte BE docid then
// the word bytes.
func docidKey(docid uint32, word string) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], docid)
	return string(b[:]) + word
}

func positionsToBytes(positions []uint32) []byte {
	out := make([]byte, 4*len(positions))
	for i, p := range positions {
		binary.BigEndian.PutUint32(out[i*4:], p)
	}
	return out
}

func bytesToPositions(b []byte) []uint32 {
	out := make([]uint32, len(b)/4)
	for i := range out {
		out[i] = binary.BigEndian.Uint32(b[i*4:])
	}
	return out
}

// storeResult is one worker's Store-stage output over its chunk of the
// sorted documents stream (spec.md §4.7 step 3).
type storeResult struct {
	documentsIDs     *roaring.Bitmap
	wordDocids       map[string]*roaring.Bitmap
	docidWordPos     map[string][]uint32 // key: docidKey(docid, word)
	wordPairDocids   map[string]*roaring.Bitmap
	documents        []docRecord
}

func newStoreResult() *storeResult {
	return &storeResult{
		documentsIDs:   roaring.New(),
		wordDocids:     make(map[string]*roaring.Bitmap),
		docidWordPos:   make(map[string][]uint32),
		wordPairDocids: make(map[string]*roaring.Bitmap),
	}
}

// storeChunk is the Store stage: it tokenizes every string/number/bool
// field of each document in the chunk, recording which words occur in
// which docid, at which positions, and which word pairs co-occur within
// proximityMaxDistance of each other.
func storeChunk(fm *transform.FieldsIDMap, chunk []docRecord) (*storeResult, error) {
	res := newStoreResult()
	for _, rec := range chunk {
		res.documentsIDs.Add(rec.docid)
		res.documents = append(res.documents, rec)

		doc, err := transform.DecodeDocument(fm, rec.encoded)
		if err != nil {
			return nil, apperr.Internal("decoding document record during indexing", err)
		}

		type occurrence struct {
			word string
			pos  uint32
		}
		var occurrences []occurrence
		pos := uint32(0)
		for _, fieldName := range sortedKeys(doc) {
			for _, word := range tokenize(doc[fieldName]) {
				occurrences = append(occurrences, occurrence{word: word, pos: pos})
				key := docidKey(rec.docid, word)
				res.docidWordPos[key] = append(res.docidWordPos[key], pos)

				bm, ok := res.wordDocids[word]
				if !ok {
					bm = roaring.New()
					res.wordDocids[word] = bm
				}
				bm.Add(rec.docid)
				pos++
			}
		}

		for i := 0; i < len(occurrences); i++ {
			for j := i + 1; j < len(occurrences); j++ {
				if occurrences[j].pos-occurrences[i].pos > proximityMaxDistance {
					break
				}
				if occurrences[i].word == occurrences[j].word {
					continue
				}
				pairKey := occurrences[i].word + wordPairSeparator + occurrences[j].word
				bm, ok := res.wordPairDocids[pairKey]
				if !ok {
					bm = roaring.New()
					res.wordPairDocids[pairKey] = bm
				}
				bm.Add(rec.docid)
			}
		}
	}
	return res, nil
}

func sortedKeys(doc transform.Document) []string {
	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Build implements the index builder (C7). tx must be a writable
// transaction against the target index's environment. numWorkers <= 0
// defaults to runtime.NumCPU().
func Build(tx *storage.Txn, out *transform.Output, numWorkers int) (*Report, error) {
	if !out.ReplacedDocumentIDs.IsEmpty() {
		if err := DeleteDocuments(tx, out.ReplacedDocumentIDs); err != nil {
			return nil, err
		}
	}

	records, err := drainReader(out.Documents)
	if err != nil {
		return nil, err
	}

	merged, err := storeAndMerge(out.FieldsIDMap, records, numWorkers)
	if err != nil {
		return nil, err
	}

	if err := writeMerged(tx, out, merged); err != nil {
		return nil, err
	}

	return &Report{
		DocumentsIndexed: len(records),
		DocumentsDeleted: int(out.ReplacedDocumentIDs.GetCardinality()),
	}, nil
}

func drainReader(reader interface {
	Next() ([]byte, []byte, error)
}) ([]docRecord, error) {
	var records []docRecord
	for {
		k, v, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, apperr.Internal("reading sorted document stream", err)
		}
		records = append(records, docRecord{docid: binary.BigEndian.Uint32(k), encoded: append([]byte(nil), v...)})
	}
	return records, nil
}

// storeAndMerge runs the Store stage across numWorkers goroutines, each
// over a contiguous, disjoint slice of records (disjoint because records
// arrive sorted by docid), then merges their partial results. Each worker
// sends its whole partial result through one bounded channel (capacity 3),
// and the calling goroutine merges every category (main, word_docids,
// word_pair_proximity, docid_word_positions and documents) as results
// arrive; no category is merged on a separate goroutine.
func storeAndMerge(fm *transform.FieldsIDMap, records []docRecord, numWorkers int) (*storeResult, error) {
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	if numWorkers < 1 {
		numWorkers = 1
	}
	if len(records) == 0 {
		return newStoreResult(), nil
	}
	if numWorkers > len(records) {
		numWorkers = len(records)
	}

	chunkSize := (len(records) + numWorkers - 1) / numWorkers
	resultsCh := make(chan *storeResult, 3)
	errCh := make(chan error, numWorkers)
	var wg sync.WaitGroup

	for i := 0; i < len(records); i += chunkSize {
		end := i + chunkSize
		if end > len(records) {
			end = len(records)
		}
		chunk := records[i:end]
		wg.Add(1)
		go func(chunk []docRecord) {
			defer wg.Done()
			res, err := storeChunk(fm, chunk)
			if err != nil {
				errCh <- err
				return
			}
			resultsCh <- res
		}(chunk)
	}

	go func() {
		wg.Wait()
		close(resultsCh)
		close(errCh)
	}()

	merged := newStoreResult()
	for res := range resultsCh {
		mergeInto(merged, res)
	}
	for err := range errCh {
		if err != nil {
			return nil, err
		}
	}
	return merged, nil
}

func mergeInto(dst, src *storeResult) {
	dst.documentsIDs.Or(src.documentsIDs)
	dst.documents = append(dst.documents, src.documents...)
	for word, bm := range src.wordDocids {
		if existing, ok := dst.wordDocids[word]; ok {
			existing.Or(bm)
		} else {
			dst.wordDocids[word] = bm
		}
	}
	for key, positions := range src.docidWordPos {
		dst.docidWordPos[key] = append(dst.docidWordPos[key], positions...)
	}
	for pair, bm := range src.wordPairDocids {
		if existing, ok := dst.wordPairDocids[pair]; ok {
			existing.Or(bm)
		} else {
			dst.wordPairDocids[pair] = bm
		}
	}
}

// writeMerged persists the merged Store-stage output into the index
// environment's buckets, appending into empty buckets and doing a
// read-merge-write into non-empty ones (spec.md §4.7 step 5).
func writeMerged(tx *storage.Txn, out *transform.Output, merged *storeResult) error {
	docsBucket, err := tx.Bucket(bucketDocuments)
	if err != nil {
		return err
	}
	wasEmpty := docsBucket.Stats() == 0

	docsTimer := metrics.NewTimer()
	sort.Slice(merged.documents, func(i, j int) bool { return merged.documents[i].docid < merged.documents[j].docid })
	for _, rec := range merged.documents {
		key := make([]byte, 4)
		binary.BigEndian.PutUint32(key, rec.docid)
		if wasEmpty {
			if err := docsBucket.Append(key, rec.encoded); err != nil {
				return apperr.Internal("appending document record", err)
			}
		} else {
			if err := docsBucket.Put(key, rec.encoded); err != nil {
				return apperr.Internal("writing document record", err)
			}
		}
	}
	docsTimer.ObserveDurationVec(metrics.MergeDuration, bucketDocuments)

	wordBucket, err := tx.Bucket(bucketWordDocids)
	if err != nil {
		return err
	}
	wordTimer := metrics.NewTimer()
	if err := writeBitmapBucket(wordBucket, merged.wordDocids); err != nil {
		return err
	}
	wordTimer.ObserveDurationVec(metrics.MergeDuration, bucketWordDocids)

	pairBucket, err := tx.Bucket(bucketWordPairProximity)
	if err != nil {
		return err
	}
	pairTimer := metrics.NewTimer()
	if err := writeBitmapBucket(pairBucket, merged.wordPairDocids); err != nil {
		return err
	}
	pairTimer.ObserveDurationVec(metrics.MergeDuration, bucketWordPairProximity)

	posBucket, err := tx.Bucket(bucketDocidWordPositions)
	if err != nil {
		return err
	}
	posWasEmpty := posBucket.Stats() == 0
	posKeys := make([]string, 0, len(merged.docidWordPos))
	for k := range merged.docidWordPos {
		posKeys = append(posKeys, k)
	}
	sort.Strings(posKeys)
	posTimer := metrics.NewTimer()
	for _, k := range posKeys {
		positions := merged.docidWordPos[k]
		val := positionsToBytes(positions)
		keyBytes := []byte(k)
		if posWasEmpty {
			if err := posBucket.Append(keyBytes, val); err != nil {
				return apperr.Internal("appending docid_word_positions record", err)
			}
		} else {
			existing := posBucket.GetCopy(keyBytes)
			if existing != nil {
				combined := append(bytesToPositions(existing), positions...)
				sort.Slice(combined, func(i, j int) bool { return combined[i] < combined[j] })
				val = positionsToBytes(combined)
			}
			if err := posBucket.Put(keyBytes, val); err != nil {
				return apperr.Internal("writing docid_word_positions record", err)
			}
		}
	}
	posTimer.ObserveDurationVec(metrics.MergeDuration, bucketDocidWordPositions)

	mainBucket, err := tx.Bucket(bucketMain)
	if err != nil {
		return err
	}
	return writeMainBucket(mainBucket, out, merged.documentsIDs)
}

func writeBitmapBucket(bucket *storage.Bucket, data map[string]*roaring.Bitmap) error {
	wasEmpty := bucket.Stats() == 0
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		bm := data[k]
		if !wasEmpty {
			if existing := bucket.GetCopy([]byte(k)); existing != nil {
				old := roaring.New()
				if err := old.UnmarshalBinary(existing); err != nil {
					return apperr.Internal("decoding stored bitmap", err)
				}
				bm = bm.Clone()
				bm.Or(old)
			}
		}
		encoded, err := bm.MarshalBinary()
		if err != nil {
			return apperr.Internal("encoding bitmap", err)
		}
		if wasEmpty {
			if err := bucket.Append([]byte(k), encoded); err != nil {
				return apperr.Internal("appending bitmap record", err)
			}
		} else {
			if err := bucket.Put([]byte(k), encoded); err != nil {
				return apperr.Internal("writing bitmap record", err)
			}
		}
	}
	return nil
}

func writeMainBucket(bucket *storage.Bucket, out *transform.Output, newDocumentsIDs *roaring.Bitmap) error {
	documentsIDs := roaring.New()
	if existing := bucket.GetCopy([]byte(mainKeyDocumentsIDs)); existing != nil {
		if err := documentsIDs.UnmarshalBinary(existing); err != nil {
			return apperr.Internal("decoding main.documents_ids", err)
		}
	}
	documentsIDs.Or(newDocumentsIDs)
	encoded, err := documentsIDs.MarshalBinary()
	if err != nil {
		return apperr.Internal("encoding main.documents_ids", err)
	}
	if err := bucket.Put([]byte(mainKeyDocumentsIDs), encoded); err != nil {
		return err
	}

	if bucket.GetCopy([]byte(mainKeyPrimaryKey)) == nil {
		if err := bucket.Put([]byte(mainKeyPrimaryKey), []byte(out.PrimaryKey)); err != nil {
			return err
		}
	}

	fieldsJSON, err := json.Marshal(out.FieldsIDMap.Names())
	if err != nil {
		return apperr.Internal("encoding fields-id map", err)
	}
	if err := bucket.Put([]byte(mainKeyFieldsIDsMap), fieldsJSON); err != nil {
		return err
	}

	usersJSON, err := json.Marshal(out.UsersIDsDocumentIDs)
	if err != nil {
		return apperr.Internal("encoding users-ids map", err)
	}
	if err := bucket.Put([]byte(mainKeyUsersIDsDocumentIDs), usersJSON); err != nil {
		return err
	}

	nextDocIDBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(nextDocIDBytes, out.NextDocID)
	if err := bucket.Put([]byte(mainKeyNextDocID), nextDocIDBytes); err != nil {
		return err
	}

	freeEncoded, err := out.FreeDocIDs.MarshalBinary()
	if err != nil {
		return apperr.Internal("encoding free_docids", err)
	}
	return bucket.Put([]byte(mainKeyFreeDocIDs), freeEncoded)
}

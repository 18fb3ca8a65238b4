package indexbuilder

import (
	"encoding/json"

	"github.com/cuemby/quarry/pkg/apperr"
	"github.com/cuemby/quarry/pkg/storage"
)

const mainKeySettings = "settings"

// ReadSettings decodes an index's settings map from its main bucket,
// returning an empty map for an index that has never had a settings patch
// applied.
func ReadSettings(tx *storage.Txn) (map[string]any, error) {
	bucket, err := tx.Bucket(bucketMain)
	if err != nil {
		return nil, err
	}
	settings := make(map[string]any)
	if raw := bucket.GetCopy([]byte(mainKeySettings)); raw != nil {
		if err := json.Unmarshal(raw, &settings); err != nil {
			return nil, apperr.Internal("decoding main.settings", err)
		}
	}
	return settings, nil
}

// ApplySettingsPatch merges patch into the index's stored settings (or
// deletes the named keys if isDeletion) and persists the result. Unlike a
// document field, an indexing-relevant settings change (e.g. a new
// searchable/filterable attribute list) would normally trigger a full
// re-index of affected fields; scoped out here since no ranking or
// attribute-aware query path exists to observe the difference.
func ApplySettingsPatch(tx *storage.Txn, patch map[string]any, isDeletion bool) (map[string]any, error) {
	settings, err := ReadSettings(tx)
	if err != nil {
		return nil, err
	}
	if isDeletion {
		for k := range patch {
			delete(settings, k)
		}
	} else {
		for k, v := range patch {
			settings[k] = v
		}
	}

	bucket, err := tx.Bucket(bucketMain)
	if err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(settings)
	if err != nil {
		return nil, apperr.Internal("encoding main.settings", err)
	}
	if err := bucket.Put([]byte(mainKeySettings), encoded); err != nil {
		return nil, err
	}
	return settings, nil
}

package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/quarry/pkg/apperr"
	"github.com/cuemby/quarry/pkg/storage"
	"github.com/cuemby/quarry/pkg/types"
)

// BucketKeys is the sub-database API keys are stored in, one JSON row per uid.
const BucketKeys = "keys"

var indexUIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Store is the auth store (C3): API key CRUD plus token authorization.
type Store struct {
	env       *storage.Environment
	masterKey string
}

// Open opens the auth store at path. If masterKey is non-empty and the
// store has no keys yet, the two default keys are created.
func Open(path, masterKey string) (*Store, error) {
	env, err := storage.Open(path, []string{BucketKeys})
	if err != nil {
		return nil, err
	}
	s := &Store{env: env, masterKey: masterKey}
	if masterKey != "" {
		if err := s.ensureDefaultKeys(); err != nil {
			env.Close()
			return nil, err
		}
	}
	return s, nil
}

// Close closes the underlying environment.
func (s *Store) Close() error { return s.env.Close() }

// Snapshot writes a consistent, point-in-time copy of the key store to
// dstPath, for the dump/snapshot component (C10).
func (s *Store) Snapshot(dstPath string) error { return s.env.Snapshot(dstPath) }

func (s *Store) ensureDefaultKeys() error {
	keys, err := s.list()
	if err != nil {
		return err
	}
	if len(keys) > 0 {
		return nil
	}

	searchName := "Default Search API Key"
	adminName := "Default Admin API Key"
	defaults := []CreateParams{
		{Name: &searchName, Actions: []types.APIKeyAction{types.ActionSearch}, Indexes: []string{"*"}},
		{Name: &adminName, Actions: []types.APIKeyAction{types.ActionAll}, Indexes: []string{"*"}},
	}
	for _, p := range defaults {
		if _, err := s.Create(p); err != nil {
			return err
		}
	}
	return nil
}

// derive computes key = hex(HMAC_SHA256(masterKey, uid)).
func (s *Store) derive(id uuid.UUID) string {
	mac := hmac.New(sha256.New, []byte(s.masterKey))
	mac.Write([]byte(id.String()))
	return hex.EncodeToString(mac.Sum(nil))
}

// CreateParams holds the mutable fields accepted by Create.
type CreateParams struct {
	UID         *uuid.UUID
	Name        *string
	Description *string
	Actions     []types.APIKeyAction
	Indexes     []string
	ExpiresAt   *time.Time
}

// Create validates and persists a new API key, returning it with its
// derived token populated.
func (s *Store) Create(p CreateParams) (*types.APIKey, error) {
	if s.masterKey == "" {
		return nil, apperr.New(apperr.KindAuth, apperr.CodeMissingMasterKey,
			"a master key must be set in order to manage API keys")
	}
	if err := validateActions(p.Actions); err != nil {
		return nil, err
	}
	if err := validateIndexes(p.Indexes); err != nil {
		return nil, err
	}
	if p.ExpiresAt != nil && !p.ExpiresAt.After(time.Now()) {
		return nil, apperr.New(apperr.KindInvalidRequest, apperr.CodeInvalidAPIKeyExpiresAt,
			"expiresAt must be null or a date in the future")
	}

	id := uuid.New()
	if p.UID != nil {
		id = *p.UID
	}

	now := time.Now().UTC()
	key := &types.APIKey{
		UID:         id.String(),
		Key:         s.derive(id),
		Name:        p.Name,
		Description: p.Description,
		Actions:     p.Actions,
		Indexes:     p.Indexes,
		ExpiresAt:   p.ExpiresAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := s.env.Update(func(tx *storage.Txn) error {
		b, err := tx.Bucket(BucketKeys)
		if err != nil {
			return err
		}
		if b.Get([]byte(id.String())) != nil {
			return apperr.New(apperr.KindInvalidRequest, apperr.CodeAPIKeyAlreadyExists,
				"a key with this uid already exists")
		}
		raw, err := json.Marshal(key)
		if err != nil {
			return err
		}
		return b.Put([]byte(id.String()), raw)
	})
	if err != nil {
		return nil, err
	}
	return key, nil
}

// Get resolves idOrKey as either a uid or a derived token.
func (s *Store) Get(idOrKey string) (*types.APIKey, error) {
	if id, err := uuid.Parse(idOrKey); err == nil {
		k, err := s.getByUID(id)
		if err == nil {
			return k, nil
		}
	}
	return s.getByToken(idOrKey)
}

func (s *Store) getByUID(id uuid.UUID) (*types.APIKey, error) {
	var key *types.APIKey
	err := s.env.View(func(tx *storage.Txn) error {
		b, err := tx.Bucket(BucketKeys)
		if err != nil {
			return err
		}
		raw := b.Get([]byte(id.String()))
		if raw == nil {
			return apperr.New(apperr.KindInvalidRequest, apperr.CodeAPIKeyNotFound, "API key not found")
		}
		key = &types.APIKey{}
		return json.Unmarshal(raw, key)
	})
	if err != nil {
		return nil, err
	}
	return key, nil
}

func (s *Store) getByToken(token string) (*types.APIKey, error) {
	keys, err := s.list()
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		if k.Key == token {
			return k, nil
		}
	}
	return nil, apperr.New(apperr.KindInvalidRequest, apperr.CodeAPIKeyNotFound, "API key not found")
}

// List returns every key, ordered by created_at descending, with offset and
// limit applied. It returns the total count before pagination.
func (s *Store) List(offset, limit int) ([]*types.APIKey, int, error) {
	keys, err := s.list()
	if err != nil {
		return nil, 0, err
	}
	total := len(keys)

	if offset >= total {
		return []*types.APIKey{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return keys[offset:end], total, nil
}

func (s *Store) list() ([]*types.APIKey, error) {
	var keys []*types.APIKey
	err := s.env.View(func(tx *storage.Txn) error {
		b, err := tx.Bucket(BucketKeys)
		if err != nil {
			return err
		}
		return b.ForEach(func(_, v []byte) error {
			k := &types.APIKey{}
			if err := json.Unmarshal(v, k); err != nil {
				return err
			}
			keys = append(keys, k)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].CreatedAt.After(keys[j].CreatedAt) })
	return keys, nil
}

// PatchParams holds the only two fields Patch allows changing. Present holds
// the full set of top-level field names the caller tried to patch, so that
// attempts to touch any other field can be rejected as immutable.
type PatchParams struct {
	Name        *string
	Description *string
	Present     []string
}

var mutableFields = map[string]bool{"name": true, "description": true}

// Patch updates a key's name and/or description. Any other field present in
// the patch request fails with immutable_api_key_<field>.
func (s *Store) Patch(idOrKey string, p PatchParams) (*types.APIKey, error) {
	for _, field := range p.Present {
		if !mutableFields[field] {
			return nil, apperr.ImmutableField(field)
		}
	}

	existing, err := s.Get(idOrKey)
	if err != nil {
		return nil, err
	}
	id, err := uuid.Parse(existing.UID)
	if err != nil {
		return nil, apperr.Internal("stored API key has an invalid uid", err)
	}

	if p.Name != nil {
		existing.Name = p.Name
	}
	if p.Description != nil {
		existing.Description = p.Description
	}
	existing.UpdatedAt = time.Now().UTC()

	err = s.env.Update(func(tx *storage.Txn) error {
		b, err := tx.Bucket(BucketKeys)
		if err != nil {
			return err
		}
		raw, err := json.Marshal(existing)
		if err != nil {
			return err
		}
		return b.Put([]byte(id.String()), raw)
	})
	if err != nil {
		return nil, err
	}
	return existing, nil
}

// Delete hard-deletes a key by uid or token.
func (s *Store) Delete(idOrKey string) error {
	existing, err := s.Get(idOrKey)
	if err != nil {
		return err
	}
	return s.env.Update(func(tx *storage.Txn) error {
		b, err := tx.Bucket(BucketKeys)
		if err != nil {
			return err
		}
		return b.Delete([]byte(existing.UID))
	})
}

// Authorize reports whether token grants action on index. The master key
// always authorizes everything; a derived key must not be expired and must
// cover both the action and the index (wildcards included).
func (s *Store) Authorize(token string, action types.APIKeyAction, index string) bool {
	if s.masterKey != "" && token == s.masterKey {
		return true
	}
	key, err := s.getByToken(token)
	if err != nil {
		return false
	}
	if key.Expired(time.Now()) {
		return false
	}
	return actionAllowed(key.Actions, action) && indexAllowed(key.Indexes, index)
}

func actionAllowed(granted []types.APIKeyAction, want types.APIKeyAction) bool {
	for _, g := range granted {
		if g == types.ActionAll || g == want {
			return true
		}
		if strings.HasSuffix(string(g), ".*") {
			prefix := strings.TrimSuffix(string(g), "*")
			if strings.HasPrefix(string(want), prefix) {
				return true
			}
		}
	}
	return false
}

func indexAllowed(granted []string, index string) bool {
	for _, g := range granted {
		if g == "*" || g == index {
			return true
		}
	}
	return false
}

func validateActions(actions []types.APIKeyAction) error {
	if len(actions) == 0 {
		return apperr.New(apperr.KindInvalidRequest, apperr.CodeInvalidAPIKeyActions, "actions must not be empty")
	}
	for _, a := range actions {
		if !types.ValidActions[a] {
			return apperr.New(apperr.KindInvalidRequest, apperr.CodeInvalidAPIKeyActions,
				"unknown action \""+string(a)+"\"")
		}
	}
	return nil
}

func validateIndexes(indexes []string) error {
	if len(indexes) == 0 {
		return apperr.New(apperr.KindInvalidRequest, apperr.CodeInvalidAPIKeyIndexes, "indexes must not be empty")
	}
	for _, idx := range indexes {
		if idx == "*" {
			continue
		}
		if !indexUIDPattern.MatchString(idx) {
			return apperr.New(apperr.KindInvalidRequest, apperr.CodeInvalidAPIKeyIndexes,
				"invalid index uid \""+idx+"\"")
		}
	}
	return nil
}

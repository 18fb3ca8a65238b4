package auth

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/quarry/pkg/apperr"
	"github.com/cuemby/quarry/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "auth.db"), "MASTER_KEY")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenCreatesDefaultKeys(t *testing.T) {
	s := openTestStore(t)

	keys, total, err := s.List(0, 100)
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	names := map[string]bool{}
	for _, k := range keys {
		names[*k.Name] = true
	}
	assert.True(t, names["Default Search API Key"])
	assert.True(t, names["Default Admin API Key"])
}

func TestCreateWithoutMasterKeyFails(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "auth.db"), "")
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Create(CreateParams{Actions: []types.APIKeyAction{types.ActionSearch}, Indexes: []string{"*"}})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeMissingMasterKey))
}

func TestCreateDerivesKeyDeterministically(t *testing.T) {
	s := openTestStore(t)
	id := uuid.New()

	key, err := s.Create(CreateParams{
		UID:     &id,
		Actions: []types.APIKeyAction{types.ActionSearch},
		Indexes: []string{"movies"},
	})
	require.NoError(t, err)
	assert.Equal(t, id.String(), key.UID)
	assert.Equal(t, s.derive(id), key.Key)
	assert.NotEmpty(t, key.Key)
}

func TestCreateRejectsInvalidActionsAndIndexes(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Create(CreateParams{Actions: []types.APIKeyAction{"not-a-real-action"}, Indexes: []string{"*"}})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeInvalidAPIKeyActions))

	_, err = s.Create(CreateParams{Actions: []types.APIKeyAction{types.ActionSearch}, Indexes: []string{"bad index!"}})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeInvalidAPIKeyIndexes))
}

func TestCreateRejectsPastExpiry(t *testing.T) {
	s := openTestStore(t)
	past := time.Now().Add(-time.Hour)

	_, err := s.Create(CreateParams{
		Actions:   []types.APIKeyAction{types.ActionSearch},
		Indexes:   []string{"*"},
		ExpiresAt: &past,
	})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeInvalidAPIKeyExpiresAt))
}

func TestCreateDuplicateUIDFails(t *testing.T) {
	s := openTestStore(t)
	id := uuid.New()
	params := CreateParams{UID: &id, Actions: []types.APIKeyAction{types.ActionSearch}, Indexes: []string{"*"}}

	_, err := s.Create(params)
	require.NoError(t, err)

	_, err = s.Create(params)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeAPIKeyAlreadyExists))
}

func TestGetByUIDAndByToken(t *testing.T) {
	s := openTestStore(t)
	id := uuid.New()
	created, err := s.Create(CreateParams{UID: &id, Actions: []types.APIKeyAction{types.ActionSearch}, Indexes: []string{"*"}})
	require.NoError(t, err)

	byUID, err := s.Get(id.String())
	require.NoError(t, err)
	assert.Equal(t, created.Key, byUID.Key)

	byToken, err := s.Get(created.Key)
	require.NoError(t, err)
	assert.Equal(t, created.UID, byToken.UID)
}

func TestGetNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get(uuid.New().String())
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeAPIKeyNotFound))
}

func TestPatchOnlyAllowsNameAndDescription(t *testing.T) {
	s := openTestStore(t)
	id := uuid.New()
	created, err := s.Create(CreateParams{UID: &id, Actions: []types.APIKeyAction{types.ActionSearch}, Indexes: []string{"*"}})
	require.NoError(t, err)

	newName := "renamed"
	patched, err := s.Patch(id.String(), PatchParams{Name: &newName, Present: []string{"name"}})
	require.NoError(t, err)
	assert.Equal(t, "renamed", *patched.Name)
	assert.True(t, patched.UpdatedAt.After(created.UpdatedAt) || patched.UpdatedAt.Equal(created.UpdatedAt))

	_, err = s.Patch(id.String(), PatchParams{Present: []string{"actions"}})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, "immutable_api_key_actions"))
}

func TestDeleteRemovesKey(t *testing.T) {
	s := openTestStore(t)
	id := uuid.New()
	_, err := s.Create(CreateParams{UID: &id, Actions: []types.APIKeyAction{types.ActionSearch}, Indexes: []string{"*"}})
	require.NoError(t, err)

	require.NoError(t, s.Delete(id.String()))
	_, err = s.Get(id.String())
	assert.Error(t, err)
}

func TestAuthorizeMasterKeyGrantsEverything(t *testing.T) {
	s := openTestStore(t)
	assert.True(t, s.Authorize("MASTER_KEY", types.ActionAll, "anything"))
}

func TestAuthorizeWildcardActionAndIndex(t *testing.T) {
	s := openTestStore(t)
	id := uuid.New()
	key, err := s.Create(CreateParams{
		UID:     &id,
		Actions: []types.APIKeyAction{"documents.*"},
		Indexes: []string{"*"},
	})
	require.NoError(t, err)

	assert.True(t, s.Authorize(key.Key, types.ActionDocumentsAdd, "movies"))
	assert.False(t, s.Authorize(key.Key, types.ActionIndexesCreate, "movies"))
}

func TestAuthorizeRejectsExpiredKey(t *testing.T) {
	s := openTestStore(t)
	id := uuid.New()
	future := time.Now().Add(time.Hour)
	key, err := s.Create(CreateParams{
		UID:       &id,
		Actions:   []types.APIKeyAction{types.ActionAll},
		Indexes:   []string{"*"},
		ExpiresAt: &future,
	})
	require.NoError(t, err)

	// simulate expiry by checking Expired logic directly, since ExpiresAt
	// must be in the future to pass Create's own validation
	expired := *key
	past := time.Now().Add(-time.Hour)
	expired.ExpiresAt = &past
	assert.True(t, expired.Expired(time.Now()))
}

func TestAuthorizeRejectsUnknownToken(t *testing.T) {
	s := openTestStore(t)
	assert.False(t, s.Authorize("not-a-real-token", types.ActionSearch, "movies"))
}

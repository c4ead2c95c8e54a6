package identity

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "identity.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCreateAndListActiveUsers(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cred := Credential{AccessToken: "at", RefreshToken: "rt", Expiry: time.Now().Add(time.Hour)}
	u, err := store.CreateUser(ctx, "alice@example.com", cred)
	require.NoError(t, err)
	require.NotEmpty(t, u.ID)

	users, err := store.ListActiveUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "alice@example.com", users[0].Email)
	assert.Equal(t, "at", users[0].Credential.AccessToken)
	assert.Equal(t, "rt", users[0].Credential.RefreshToken)
	assert.Nil(t, users[0].LastChatSync)
	assert.Nil(t, users[0].LastMailSync)
}

func TestPersistCredential(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	u, err := store.CreateUser(ctx, "bob@example.com", Credential{AccessToken: "old", RefreshToken: "rt"})
	require.NoError(t, err)

	newExpiry := time.Now().Add(30 * time.Minute).UTC().Truncate(time.Second)
	require.NoError(t, store.PersistCredential(ctx, u.ID, Credential{
		AccessToken: "new", RefreshToken: "rt2", Expiry: newExpiry,
	}))

	users, err := store.ListActiveUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "new", users[0].Credential.AccessToken)
	assert.Equal(t, "rt2", users[0].Credential.RefreshToken)
}

func TestRecordSyncOutcomeUpdatesLastSyncOnSuccessOnly(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	u, err := store.CreateUser(ctx, "carol@example.com", Credential{})
	require.NoError(t, err)

	require.NoError(t, store.RecordSyncOutcome(ctx, Attempt{
		UserID: u.ID, Source: SourceMail, Status: StatusError, Detail: "boom",
	}))

	users, err := store.ListActiveUsers(ctx)
	require.NoError(t, err)
	assert.Nil(t, users[0].LastMailSync)

	require.NoError(t, store.RecordSyncOutcome(ctx, Attempt{
		UserID: u.ID, Source: SourceMail, Status: StatusSuccess, ItemCount: 7,
	}))

	users, err = store.ListActiveUsers(ctx)
	require.NoError(t, err)
	require.NotNil(t, users[0].LastMailSync)
	assert.Nil(t, users[0].LastChatSync)

	attempts, err := store.ListAttempts(ctx, u.ID, 10)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, StatusSuccess, attempts[0].Status)
	assert.Equal(t, 7, attempts[0].ItemCount)
	assert.Equal(t, StatusError, attempts[1].Status)
}

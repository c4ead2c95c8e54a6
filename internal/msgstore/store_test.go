package msgstore

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
	store, err := Open(filepath.Join(t.TempDir(), "messages.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleBatch(userID string) []Message {
	base := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)
	return []Message{
		{UserID: userID, Source: "chat", ProviderMessageID: "m1", SpaceID: "spaces/a", Sender: "users/1", Text: "hi", Timestamp: base},
		{UserID: userID, Source: "chat", ProviderMessageID: "m2", SpaceID: "spaces/a", Sender: "users/2", Text: "hello", Timestamp: base.Add(time.Minute)},
		{UserID: userID, Source: "chat", ProviderMessageID: "m3", SpaceID: "spaces/a", Sender: "users/1", Text: "again", Timestamp: base.Add(2 * time.Minute)},
	}
}

func TestUpsertAbsorbsDuplicates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	batch := sampleBatch("u1")
	n, err := store.UpsertMessages(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// Feeding the same batch again yields zero new inserts and no error.
	n, err = store.UpsertMessages(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	var count int
	require.NoError(t, store.DB.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count))
	assert.Equal(t, 3, count)
}

func TestHasAnyDataAndLatestTimestamp(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ok, err := store.HasAnyData(ctx, "u1", "chat")
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = store.LatestTimestamp(ctx, "u1", "chat")
	require.NoError(t, err)

	_, err = store.UpsertMessages(ctx, sampleBatch("u1"))
	require.NoError(t, err)

	ok, err = store.HasAnyData(ctx, "u1", "chat")
	require.NoError(t, err)
	assert.True(t, ok)

	// Sources are independent.
	ok, err = store.HasAnyData(ctx, "u1", "mail")
	require.NoError(t, err)
	assert.False(t, ok)

	latest, found, err := store.LatestTimestamp(ctx, "u1", "chat")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, latest.Equal(time.Date(2026, 4, 2, 9, 2, 0, 0, time.UTC)))
}

func TestOutboxLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.UpsertMessages(ctx, sampleBatch("u1"))
	require.NoError(t, err)

	pending, err := store.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, "user.u1.message.collected", pending[0].Subject)
	assert.Equal(t, "msg.collected|chat|m1", pending[0].MsgID)

	// Publish one, retry another with backoff.
	require.NoError(t, store.MarkPublished(ctx, pending[0].ID))
	require.NoError(t, store.MarkOutboxRetry(ctx, pending[1].ID, time.Hour))

	pending, err = store.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "msg.collected|chat|m3", pending[0].MsgID)

	// Duplicate upsert must not enqueue duplicate events.
	_, err = store.UpsertMessages(ctx, sampleBatch("u1"))
	require.NoError(t, err)
	var total int
	require.NoError(t, store.DB.QueryRow(`SELECT COUNT(*) FROM outbox`).Scan(&total))
	assert.Equal(t, 3, total)
}

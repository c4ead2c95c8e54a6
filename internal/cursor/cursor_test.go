package cursor

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
	store, err := Open(filepath.Join(t.TempDir(), "cursors.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestWatermarkAbsentInitially(t *testing.T) {
	store := newTestStore(t)

	_, ok, err := store.Watermark(context.Background(), "u1", "chat", "spaces/a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAdvanceIsMonotonicAndIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	t1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	// Forward order: t1 then t2 yields t2.
	require.NoError(t, store.Advance(ctx, "u1", "chat", "spaces/a", t1))
	require.NoError(t, store.Advance(ctx, "u1", "chat", "spaces/a", t2))
	wm, ok, err := store.Watermark(ctx, "u1", "chat", "spaces/a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, wm.Equal(t2))

	// Reverse order: advancing to an older timestamp never rewinds.
	require.NoError(t, store.Advance(ctx, "u1", "chat", "spaces/a", t1))
	wm, _, err = store.Watermark(ctx, "u1", "chat", "spaces/a")
	require.NoError(t, err)
	assert.True(t, wm.Equal(t2))

	// Redundant advance to the same timestamp is a no-op.
	require.NoError(t, store.Advance(ctx, "u1", "chat", "spaces/a", t2))
	wm, _, err = store.Watermark(ctx, "u1", "chat", "spaces/a")
	require.NoError(t, err)
	assert.True(t, wm.Equal(t2))
}

func TestCursorsAreKeyedPerSpace(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	t1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.Advance(ctx, "u1", "chat", "spaces/a", t1))

	_, ok, err := store.Watermark(ctx, "u1", "chat", "spaces/b")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = store.Watermark(ctx, "u1", "mail", "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHadNewItemsFlag(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Flag on a missing cursor row reads as false, writes are lost.
	had, err := store.HadNewItems(ctx, "u1", "chat", "spaces/a")
	require.NoError(t, err)
	assert.False(t, had)

	require.NoError(t, store.Advance(ctx, "u1", "chat", "spaces/a", time.Now()))
	require.NoError(t, store.SetHadNewItems(ctx, "u1", "chat", "spaces/a", true))

	had, err = store.HadNewItems(ctx, "u1", "chat", "spaces/a")
	require.NoError(t, err)
	assert.True(t, had)
}

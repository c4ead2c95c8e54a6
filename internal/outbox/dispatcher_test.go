package outbox

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/commsync-dev/commsync/internal/msgstore"
)

type fakeSink struct {
	mu        sync.Mutex
	published []string
	failIDs   map[string]bool
}

func (f *fakeSink) Publish(subject string, payload []byte, msgID string) error {
	if f.failIDs[msgID] {
		return errors.New("nats: timeout")
	}
	f.mu.Lock()
	f.published = append(f.published, msgID)
	f.mu.Unlock()
	return nil
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func openStoreWithMessages(t *testing.T, msgs []msgstore.Message) *msgstore.Store {
	t.Helper()
	store, err := msgstore.Open(filepath.Join(t.TempDir(), "messages.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	inserted, err := store.UpsertMessages(context.Background(), msgs)
	require.NoError(t, err)
	require.Equal(t, len(msgs), inserted)
	return store
}

func testMessages(n int) []msgstore.Message {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	msgs := make([]msgstore.Message, 0, n)
	for i := 0; i < n; i++ {
		msgs = append(msgs, msgstore.Message{
			UserID:            "user-1",
			Source:            "mail",
			ProviderMessageID: string(rune('a' + i)),
			Timestamp:         base.Add(time.Duration(i) * time.Minute),
		})
	}
	return msgs
}

func TestDrainOncePublishesAndMarks(t *testing.T) {
	store := openStoreWithMessages(t, testMessages(3))
	sink := &fakeSink{}
	d := New(store, sink, zap.NewNop())
	ctx := context.Background()

	n, err := d.drainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Len(t, sink.published, 3)

	// Everything published: the outbox is empty now.
	pending, err := store.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDrainOnceSchedulesRetryOnFailure(t *testing.T) {
	store := openStoreWithMessages(t, testMessages(2))
	ctx := context.Background()

	pending, err := store.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	sink := &fakeSink{failIDs: map[string]bool{pending[0].MsgID: true}}
	d := New(store, sink, zap.NewNop())

	n, err := d.drainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, sink.published, 1)

	// The failed entry is deferred, not dropped.
	due, err := store.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, due, "retry should not be due immediately")
}

func TestRunStopsOnCancel(t *testing.T) {
	store := openStoreWithMessages(t, testMessages(1))
	sink := &fakeSink{}
	d := New(store, sink, zap.NewNop())
	d.PollInterval = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

package retry

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
)

func newTestExecutor() *Executor {
	return New(time.Millisecond, zap.NewNop())
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := newTestExecutor().Do(context.Background(), func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesTransientThenSucceeds(t *testing.T) {
	calls := 0
	err := newTestExecutor().Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return &googleapi.Error{Code: http.StatusTooManyRequests}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoExhaustsAfterThreeAttempts(t *testing.T) {
	calls := 0
	err := newTestExecutor().Do(context.Background(), func() error {
		calls++
		return &googleapi.Error{Code: http.StatusServiceUnavailable}
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAttemptsExhausted)
	assert.Equal(t, 3, calls)
}

func TestDoPermanentErrorPropagatesImmediately(t *testing.T) {
	calls := 0
	permanent := errors.New("invalid argument")
	err := newTestExecutor().Do(context.Background(), func() error {
		calls++
		return permanent
	})
	require.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestDoStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	exec := New(time.Minute, zap.NewNop())
	done := make(chan error, 1)
	go func() {
		done <- exec.Do(ctx, func() error {
			return &googleapi.Error{Code: http.StatusTooManyRequests}
		})
	}()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("executor did not observe cancellation")
	}
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(&googleapi.Error{Code: 429}))
	assert.True(t, IsTransient(&googleapi.Error{Code: 503}))
	assert.True(t, IsTransient(errors.New("userRateLimitExceeded: rate limit hit")))
	assert.False(t, IsTransient(&googleapi.Error{Code: 404}))
	assert.False(t, IsTransient(errors.New("invalid_grant")))
	assert.False(t, IsTransient(nil))
}

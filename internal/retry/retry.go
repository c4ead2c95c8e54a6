// Package retry wraps single remote calls with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
)

// ErrAttemptsExhausted wraps the last transient error once the attempt cap
// is reached. Call sites treat it as a permanent failure.
var ErrAttemptsExhausted = errors.New("retry attempts exhausted")

const defaultMaxAttempts = 3

// Executor retries transient provider failures. It is stateless: no retry
// state is shared between calls.
type Executor struct {
	Base        time.Duration
	MaxAttempts int
	IsTransient func(error) bool
	Logger      *zap.Logger
}

// New returns an executor with the default schedule: base backoff doubling
// per attempt, 3 attempts total.
func New(base time.Duration, logger *zap.Logger) *Executor {
	return &Executor{
		Base:        base,
		MaxAttempts: defaultMaxAttempts,
		IsTransient: IsTransient,
		Logger:      logger,
	}
}

// Do runs op, retrying on transient errors with backoff base*2^(n-1) after
// attempt n. Non-transient errors propagate immediately. The sleep honours
// ctx cancellation.
func (e *Executor) Do(ctx context.Context, op func() error) error {
	maxAttempts := e.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	classify := e.IsTransient
	if classify == nil {
		classify = IsTransient
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !classify(lastErr) {
			return lastErr
		}
		if attempt == maxAttempts {
			break
		}

		wait := e.Base << (attempt - 1)
		if e.Logger != nil {
			e.Logger.Warn("transient error, backing off",
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait),
				zap.Error(lastErr))
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("%w after %d attempts: %v", ErrAttemptsExhausted, maxAttempts, lastErr)
}

// IsTransient classifies provider failures that are likely to succeed on
// retry: rate limiting and temporary unavailability.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return transientStatus(gerr.Code)
	}

	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) && rerr.Response != nil {
		return transientStatus(rerr.Response.StatusCode)
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"rate limit", "ratelimitexceeded", "quota exceeded", "temporarily unavailable", "service unavailable", "backend error"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func transientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable:
		return true
	}
	return false
}

// Package synclog records per-user, per-source sync outcomes: a durable
// attempt row in the identity database plus a mirrored structured log line.
package synclog

import (
	"context"

	"go.uber.org/zap"

	"github.com/commsync-dev/commsync/internal/identity"
)

// Recorder writes sync attempt outcomes. Recording is best-effort with
// respect to the engine: a failed write is logged but never fails the
// sync cycle that produced it.
type Recorder struct {
	Store  *identity.Store
	Logger *zap.Logger
}

func New(store *identity.Store, logger *zap.Logger) *Recorder {
	return &Recorder{Store: store, Logger: logger}
}

// Success records a completed sync scope. A zero itemCount is still a
// success: the provider was consulted and had nothing new.
func (r *Recorder) Success(ctx context.Context, userID string, source identity.Source, itemCount int) {
	r.Logger.Info("sync scope succeeded",
		zap.String("user_id", userID),
		zap.String("source", string(source)),
		zap.Int("item_count", itemCount))

	err := r.Store.RecordSyncOutcome(ctx, identity.Attempt{
		UserID:    userID,
		Source:    source,
		Status:    identity.StatusSuccess,
		ItemCount: itemCount,
	})
	if err != nil {
		r.Logger.Error("failed to record sync success", zap.Error(err))
	}
}

// Failure records a failed sync scope. itemCount carries whatever was
// stored before the failure, so partial progress stays visible.
func (r *Recorder) Failure(ctx context.Context, userID string, source identity.Source, itemCount int, cause error) {
	r.Logger.Error("sync scope failed",
		zap.String("user_id", userID),
		zap.String("source", string(source)),
		zap.Int("item_count", itemCount),
		zap.Error(cause))

	detail := ""
	if cause != nil {
		detail = cause.Error()
	}

	err := r.Store.RecordSyncOutcome(ctx, identity.Attempt{
		UserID:    userID,
		Source:    source,
		Status:    identity.StatusError,
		ItemCount: itemCount,
		Detail:    detail,
	})
	if err != nil {
		r.Logger.Error("failed to record sync failure", zap.Error(err))
	}
}

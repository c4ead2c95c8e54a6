// Package orchestrator drives the periodic sync engine: one cycle walks
// every active user and runs their chat and mail collection in sequence,
// with failures isolated per user and per source.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/commsync-dev/commsync/internal/auth"
	"github.com/commsync-dev/commsync/internal/collector"
	"github.com/commsync-dev/commsync/internal/identity"
	"github.com/commsync-dev/commsync/internal/synclog"
)

// ErrCycleInProgress is returned when a cycle is requested while an
// earlier one is still running. Overlapping cycles are never started.
var ErrCycleInProgress = errors.New("sync cycle already in progress")

// APIFactory builds per-user provider clients from a valid credential.
type APIFactory struct {
	Chat func(ctx context.Context, cred identity.Credential) (collector.ChatAPI, error)
	Mail func(ctx context.Context, cred identity.Credential) (collector.MailAPI, error)
}

// Status is a snapshot of the engine's recent activity.
type Status struct {
	Running        bool       `json:"running"`
	LastCycleStart *time.Time `json:"last_cycle_start,omitempty"`
	LastCycleEnd   *time.Time `json:"last_cycle_end,omitempty"`
	LastUserCount  int        `json:"last_user_count"`
	LastErrorCount int        `json:"last_error_count"`
	CyclesRun      uint64     `json:"cycles_run"`
}

// Orchestrator owns the sync loop. All fields must be set before the
// first cycle; they are not mutated afterwards.
type Orchestrator struct {
	Users        *identity.Store
	Refresher    *auth.Refresher
	Chat         *collector.ChatCollector
	Mail         *collector.MailCollector
	Recorder     *synclog.Recorder
	Factory      APIFactory
	Interval     time.Duration
	InitialDelay time.Duration
	Logger       *zap.Logger

	running atomic.Bool

	mu     sync.Mutex
	status Status
}

// RunCycle executes one full sync cycle. If a cycle is already running it
// returns ErrCycleInProgress without touching any state.
func (o *Orchestrator) RunCycle(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		return ErrCycleInProgress
	}
	defer o.running.Store(false)

	return o.runCycle(ctx)
}

// Trigger claims the cycle slot and runs the cycle in the background.
// The in-progress check is synchronous so callers can report a conflict
// immediately.
func (o *Orchestrator) Trigger(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		return ErrCycleInProgress
	}
	go func() {
		defer o.running.Store(false)
		if err := o.runCycle(ctx); err != nil {
			o.Logger.Error("triggered sync cycle failed", zap.Error(err))
		}
	}()
	return nil
}

func (o *Orchestrator) runCycle(ctx context.Context) error {
	start := time.Now().UTC()
	o.mu.Lock()
	o.status.Running = true
	o.status.LastCycleStart = &start
	o.mu.Unlock()

	users, err := o.Users.ListActiveUsers(ctx)
	if err != nil {
		o.finishCycle(0, 1)
		return fmt.Errorf("list active users: %w", err)
	}

	o.Logger.Info("sync cycle started", zap.Int("users", len(users)))

	errCount := 0
	for _, user := range users {
		if ctx.Err() != nil {
			break
		}
		if !o.syncUser(ctx, user) {
			errCount++
		}
	}

	o.finishCycle(len(users), errCount)
	o.Logger.Info("sync cycle finished",
		zap.Int("users", len(users)),
		zap.Int("users_with_errors", errCount),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

func (o *Orchestrator) finishCycle(users, errCount int) {
	end := time.Now().UTC()
	o.mu.Lock()
	o.status.Running = false
	o.status.LastCycleEnd = &end
	o.status.LastUserCount = users
	o.status.LastErrorCount = errCount
	o.status.CyclesRun++
	o.mu.Unlock()
}

// syncUser runs the user's scopes in order: credential refresh, chat,
// mail. It reports whether the user completed without any scope failing.
// A panic in provider or collector code is contained to this user.
func (o *Orchestrator) syncUser(ctx context.Context, user identity.User) (ok bool) {
	ok = true
	defer func() {
		if r := recover(); r != nil {
			ok = false
			o.Logger.Error("panic during user sync",
				zap.String("user_id", user.ID),
				zap.Any("panic", r))
		}
	}()

	cred, changed, err := o.Refresher.EnsureValid(ctx, user.Credential)
	if err != nil {
		// No usable token: neither source can run this cycle.
		o.Recorder.Failure(ctx, user.ID, identity.SourceChat, 0, err)
		o.Recorder.Failure(ctx, user.ID, identity.SourceMail, 0, err)
		return false
	}
	if changed {
		if err := o.Users.PersistCredential(ctx, user.ID, cred); err != nil {
			o.Logger.Error("failed to persist refreshed credential",
				zap.String("user_id", user.ID), zap.Error(err))
		}
	}

	if !o.syncChat(ctx, user.ID, cred) {
		ok = false
	}
	if !o.syncMail(ctx, user, cred) {
		ok = false
	}
	return ok
}

func (o *Orchestrator) syncChat(ctx context.Context, userID string, cred identity.Credential) bool {
	api, err := o.Factory.Chat(ctx, cred)
	if err != nil {
		o.Recorder.Failure(ctx, userID, identity.SourceChat, 0, err)
		return false
	}

	result, err := o.Chat.Collect(ctx, userID, api)
	if err != nil {
		o.Recorder.Failure(ctx, userID, identity.SourceChat, result.Stored, err)
		return false
	}
	o.Recorder.Success(ctx, userID, identity.SourceChat, result.Stored)
	return true
}

func (o *Orchestrator) syncMail(ctx context.Context, user identity.User, cred identity.Credential) bool {
	api, err := o.Factory.Mail(ctx, cred)
	if err != nil {
		o.Recorder.Failure(ctx, user.ID, identity.SourceMail, 0, err)
		return false
	}

	user.Credential = cred
	result, err := o.Mail.Collect(ctx, user, api)
	if err != nil {
		o.Recorder.Failure(ctx, user.ID, identity.SourceMail, result.Stored, err)
		return false
	}
	o.Recorder.Success(ctx, user.ID, identity.SourceMail, result.Stored)
	return true
}

// Status returns a snapshot of the engine state.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.status
	s.Running = o.running.Load()
	return s
}

// Schedule blocks, running cycles on a fixed interval after an initial
// delay, until ctx is cancelled. Cancellation stops further ticks; a cycle
// in flight runs to completion so cursors never outrun stored items.
func (o *Orchestrator) Schedule(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(o.InitialDelay):
	}

	cycleCtx := context.WithoutCancel(ctx)

	if err := o.RunCycle(cycleCtx); err != nil && !errors.Is(err, ErrCycleInProgress) {
		o.Logger.Error("sync cycle failed", zap.Error(err))
	}

	ticker := time.NewTicker(o.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := o.RunCycle(cycleCtx)
			switch {
			case errors.Is(err, ErrCycleInProgress):
				o.Logger.Warn("skipping tick, previous cycle still running")
			case err != nil:
				o.Logger.Error("sync cycle failed", zap.Error(err))
			}
		}
	}
}

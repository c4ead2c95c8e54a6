package collector

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/commsync-dev/commsync/internal/cursor"
	"github.com/commsync-dev/commsync/internal/identity"
	"github.com/commsync-dev/commsync/internal/msgstore"
	"github.com/commsync-dev/commsync/internal/retry"
)

// MailCollector fetches new mail for one user. First collection pulls a
// bounded recent window; later collections only ask for messages after
// the last known timestamp.
type MailCollector struct {
	Store          *msgstore.Store
	Cursors        *cursor.Store
	Exec           *retry.Executor
	InitialMax     int64
	IncrementalMax int64
	InitialWindow  time.Duration
	FallbackWindow time.Duration
	Pause          time.Duration
	Logger         *zap.Logger
}

// Collect runs one mail pass for the user. Individual message fetches
// that keep failing are skipped rather than failing the whole pass.
func (c *MailCollector) Collect(ctx context.Context, user identity.User, api MailAPI) (Result, error) {
	var result Result

	hasAny, err := c.Store.HasAnyData(ctx, user.ID, string(identity.SourceMail))
	if err != nil {
		return result, err
	}

	watermark := c.watermark(ctx, user)
	query, budget := c.plan(hasAny, watermark)

	c.Logger.Debug("mail collection plan",
		zap.String("user_id", user.ID),
		zap.String("query", query),
		zap.Int64("budget", budget))

	ids, err := c.listIDs(ctx, api, query, budget)
	if err != nil {
		return result, err
	}
	if len(ids) == 0 {
		return result, nil
	}

	messages := make([]MailMessage, 0, len(ids))
	for _, id := range ids {
		var detail *MailMessage
		err := c.Exec.Do(ctx, func() error {
			var err error
			detail, err = api.GetMessageDetail(ctx, id)
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			c.Logger.Warn("skipping unfetchable mail message",
				zap.String("user_id", user.ID),
				zap.String("message_id", id),
				zap.Error(err))
			continue
		}
		messages = append(messages, *detail)
		c.pause(ctx)
	}

	// Newest first, so readers of the store see recent mail immediately.
	sort.Slice(messages, func(i, j int) bool {
		return messages[i].InternalDate.After(messages[j].InternalDate)
	})

	batch := make([]msgstore.Message, 0, len(messages))
	var maxSeen time.Time
	for _, m := range messages {
		if m.ID == "" || m.InternalDate.IsZero() {
			c.Logger.Warn("skipping malformed mail item",
				zap.String("user_id", user.ID),
				zap.String("message_id", m.ID))
			continue
		}
		batch = append(batch, msgstore.Message{
			UserID:            user.ID,
			Source:            string(identity.SourceMail),
			ProviderMessageID: m.ID,
			ThreadID:          m.ThreadID,
			Sender:            m.From,
			Text:              m.Body,
			Timestamp:         m.InternalDate,
			Raw:               m.Raw,
		})
		if m.InternalDate.After(maxSeen) {
			maxSeen = m.InternalDate
		}
	}

	if len(batch) > 0 {
		inserted, err := c.Store.UpsertMessages(ctx, batch)
		if err != nil {
			return result, err
		}
		result.Stored = inserted

		if err := c.Cursors.Advance(ctx, user.ID, string(identity.SourceMail), "", maxSeen); err != nil {
			return result, err
		}
	}

	if err := c.Cursors.SetHadNewItems(ctx, user.ID, string(identity.SourceMail), "", result.Stored > 0); err != nil {
		c.Logger.Warn("failed to record had_new_items", zap.Error(err))
	}

	return result, nil
}

// watermark resolves the incremental lower bound: cursor store first, then
// the user record's last mail sync, else nil.
func (c *MailCollector) watermark(ctx context.Context, user identity.User) *time.Time {
	if wm, ok, err := c.Cursors.Watermark(ctx, user.ID, string(identity.SourceMail), ""); err == nil && ok {
		return &wm
	}
	if user.LastMailSync != nil {
		return user.LastMailSync
	}
	return nil
}

// plan picks the query and page budget for this pass.
func (c *MailCollector) plan(hasAny bool, watermark *time.Time) (string, int64) {
	if !hasAny {
		return mailQuery(false, nil, c.InitialWindow, c.FallbackWindow), c.InitialMax
	}
	return mailQuery(true, watermark, c.InitialWindow, c.FallbackWindow), c.IncrementalMax
}

// mailQuery builds the provider search query. An unknown watermark on a
// populated mailbox re-scans a short recent window rather than everything.
func mailQuery(hasAny bool, watermark *time.Time, initialWindow, fallbackWindow time.Duration) string {
	if !hasAny {
		return fmt.Sprintf("newer_than:%dd", durationDays(initialWindow))
	}
	if watermark != nil {
		return fmt.Sprintf("after:%s", watermark.UTC().Format("2006/01/02"))
	}
	return fmt.Sprintf("newer_than:%dd", durationDays(fallbackWindow))
}

func durationDays(d time.Duration) int {
	days := int(d.Hours() / 24)
	if days < 1 {
		days = 1
	}
	return days
}

// listIDs pages through the id listing until exhausted or the budget is hit.
func (c *MailCollector) listIDs(ctx context.Context, api MailAPI, query string, budget int64) ([]string, error) {
	var (
		ids       []string
		pageToken string
	)
	for {
		remaining := budget - int64(len(ids))
		if remaining <= 0 {
			break
		}

		var (
			page []string
			next string
		)
		err := c.Exec.Do(ctx, func() error {
			var err error
			page, next, err = api.ListMessageIDs(ctx, query, remaining, pageToken)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("list message ids: %w", err)
		}

		ids = append(ids, page...)
		if next == "" {
			break
		}
		pageToken = next
		c.pause(ctx)
	}
	return ids, nil
}

func (c *MailCollector) pause(ctx context.Context) {
	if c.Pause <= 0 {
		return
	}
	timer := time.NewTimer(c.Pause)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

package collector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/commsync-dev/commsync/internal/cursor"
	"github.com/commsync-dev/commsync/internal/identity"
	"github.com/commsync-dev/commsync/internal/msgstore"
	"github.com/commsync-dev/commsync/internal/retry"
)

// ChatCollector fetches new chat messages for one user across all known
// spaces, advancing each space's watermark only after its items are
// durably stored.
type ChatCollector struct {
	Store    *msgstore.Store
	Cursors  *cursor.Store
	Exec     *retry.Executor
	PageSize int64
	Pause    time.Duration
	Logger   *zap.Logger
}

// Collect runs one chat pass for the user. A failing space aborts only
// that space; the cumulative stored count is reported either way, with an
// aggregated error when any space failed.
func (c *ChatCollector) Collect(ctx context.Context, userID string, api ChatAPI) (Result, error) {
	var (
		result    Result
		spaceErrs []error
	)

	pageToken := ""
	for {
		var (
			spaces []Space
			next   string
		)
		err := c.Exec.Do(ctx, func() error {
			var err error
			spaces, next, err = api.ListSpaces(ctx, pageToken)
			return err
		})
		if err != nil {
			return result, fmt.Errorf("list spaces: %w", err)
		}

		for _, space := range spaces {
			stored, err := c.collectSpace(ctx, userID, api, space)
			result.Stored += stored
			if err != nil {
				c.Logger.Error("space collection failed",
					zap.String("user_id", userID),
					zap.String("space_id", space.ID),
					zap.Error(err))
				spaceErrs = append(spaceErrs, fmt.Errorf("space %s: %w", space.ID, err))
				continue
			}
		}

		if next == "" {
			break
		}
		pageToken = next
		c.pause(ctx)
	}

	return result, errors.Join(spaceErrs...)
}

// collectSpace pages through one space's new messages in ascending time
// order, storing each page before moving the watermark past it.
func (c *ChatCollector) collectSpace(ctx context.Context, userID string, api ChatAPI, space Space) (int, error) {
	watermark, haveCursor, err := c.Cursors.Watermark(ctx, userID, string(identity.SourceChat), space.ID)
	if err != nil {
		return 0, err
	}
	firstEncounter := false
	if !haveCursor {
		// Cursor file may have been lost: fall back to the store's own
		// latest-timestamp query before treating this as a new space.
		latest, found, err := c.Store.LatestSpaceTimestamp(ctx, userID, space.ID)
		if err != nil {
			return 0, err
		}
		if found {
			watermark = latest
		} else {
			firstEncounter = true
		}
	}

	var (
		stored    int
		maxSeen   time.Time
		pageToken string
	)

	for {
		var (
			items []ChatMessage
			next  string
		)
		err := c.Exec.Do(ctx, func() error {
			var err error
			items, next, err = api.ListMessages(ctx, space.ID, watermark, c.PageSize, pageToken)
			return err
		})
		if err != nil {
			return stored, err
		}

		batch := make([]msgstore.Message, 0, len(items))
		for _, item := range items {
			if item.ID == "" || item.CreateTime.IsZero() {
				c.Logger.Warn("skipping malformed chat item",
					zap.String("user_id", userID),
					zap.String("space_id", space.ID),
					zap.String("item_id", item.ID))
				continue
			}
			batch = append(batch, msgstore.Message{
				UserID:            userID,
				Source:            string(identity.SourceChat),
				ProviderMessageID: item.ID,
				SpaceID:           space.ID,
				ThreadID:          item.ThreadID,
				Sender:            item.Sender,
				Text:              item.Text,
				Timestamp:         item.CreateTime,
				Raw:               item.Raw,
			})
			if item.CreateTime.After(maxSeen) {
				maxSeen = item.CreateTime
			}
		}

		if len(batch) > 0 {
			inserted, err := c.Store.UpsertMessages(ctx, batch)
			if err != nil {
				return stored, err
			}
			stored += inserted

			// Items are durably stored; safe to move the watermark.
			if err := c.Cursors.Advance(ctx, userID, string(identity.SourceChat), space.ID, maxSeen); err != nil {
				return stored, err
			}
		}

		if next == "" {
			break
		}
		if firstEncounter {
			// Unknown space: bound the initial collection to one page
			// instead of walking unbounded history.
			break
		}
		pageToken = next
		c.pause(ctx)
	}

	if err := c.Cursors.SetHadNewItems(ctx, userID, string(identity.SourceChat), space.ID, stored > 0); err != nil {
		c.Logger.Warn("failed to record had_new_items", zap.Error(err))
	}

	return stored, nil
}

func (c *ChatCollector) pause(ctx context.Context) {
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

// Package msgstore is the durable store for collected chat and mail
// messages. Uniqueness on (user, source, provider message id) absorbs
// duplicate delivery from at-least-once retries; each genuinely new row
// also enqueues a collected-message event in the outbox for fan-out.
package msgstore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// Message is a collected item in storage form. Raw retains the original
// provider payload for forward compatibility.
type Message struct {
	UserID            string
	Source            string
	ProviderMessageID string
	SpaceID           string
	ThreadID          string
	Sender            string
	Text              string
	Timestamp         time.Time
	Raw               []byte
}

// OutboxMessage is a pending event awaiting publication.
type OutboxMessage struct {
	ID      int64
	Subject string
	Payload []byte
	MsgID   string
}

type Store struct {
	DB *sql.DB
}

// Open opens or creates the message database.
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{DB: db}, nil
}

func (s *Store) Close() error {
	return s.DB.Close()
}

// UpsertMessages stores a batch, silently ignoring duplicates, and returns
// the number of rows actually inserted. Every inserted row enqueues an
// outbox event inside the same transaction.
func (s *Store) UpsertMessages(ctx context.Context, msgs []Message) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}

	now := time.Now().Unix()
	inserted := 0
	for _, m := range msgs {
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO messages
			(user_id, source, provider_message_id, space_id, thread_id, sender, text, message_ts, raw_payload, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, m.UserID, m.Source, m.ProviderMessageID, m.SpaceID, m.ThreadID,
			m.Sender, m.Text, m.Timestamp.UnixNano(), m.Raw, now)
		if err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("failed to insert message: %w", err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("failed to read rows affected: %w", err)
		}
		if n == 0 {
			continue // duplicate, absorbed
		}
		inserted++

		if err := enqueueCollectedEvent(ctx, tx, m, now); err != nil {
			_ = tx.Rollback()
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit batch: %w", err)
	}
	return inserted, nil
}

func enqueueCollectedEvent(ctx context.Context, tx *sql.Tx, m Message, now int64) error {
	event := map[string]interface{}{
		"event_id":            uuid.NewString(),
		"ts":                  now,
		"user_id":             m.UserID,
		"source":              m.Source,
		"provider_message_id": m.ProviderMessageID,
		"space_id":            m.SpaceID,
		"thread_id":           m.ThreadID,
		"sender":              m.Sender,
		"message_ts":          m.Timestamp.UnixNano(),
	}
	payload, _ := json.Marshal(event)

	subject := fmt.Sprintf("user.%s.message.collected", m.UserID)
	msgID := fmt.Sprintf("msg.collected|%s|%s", m.Source, m.ProviderMessageID)

	_, err := tx.ExecContext(ctx, `
		INSERT INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, now, subject, "message.collected", payload, msgID, now)
	if err != nil {
		return fmt.Errorf("failed to insert outbox entry: %w", err)
	}
	return nil
}

// HasAnyData reports whether at least one item was ever stored for the
// user and source. Distinguishes initial backfill from incremental sync.
func (s *Store) HasAnyData(ctx context.Context, userID, source string) (bool, error) {
	var one int
	err := s.DB.QueryRowContext(ctx, `
		SELECT 1 FROM messages WHERE user_id = ? AND source = ? LIMIT 1
	`, userID, source).Scan(&one)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("failed to check data presence: %w", err)
	}
	return true, nil
}

// LatestTimestamp returns the newest stored message timestamp for the user
// and source. Fallback lower bound when the cursor store has no entry.
func (s *Store) LatestTimestamp(ctx context.Context, userID, source string) (time.Time, bool, error) {
	var nanos sql.NullInt64
	err := s.DB.QueryRowContext(ctx, `
		SELECT MAX(message_ts) FROM messages WHERE user_id = ? AND source = ?
	`, userID, source).Scan(&nanos)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to query latest timestamp: %w", err)
	}
	if !nanos.Valid {
		return time.Time{}, false, nil
	}
	return time.Unix(0, nanos.Int64).UTC(), true, nil
}

// LatestSpaceTimestamp is the per-space variant, used when the cursor
// store has no entry for a chat space that already has stored items.
func (s *Store) LatestSpaceTimestamp(ctx context.Context, userID, spaceID string) (time.Time, bool, error) {
	var nanos sql.NullInt64
	err := s.DB.QueryRowContext(ctx, `
		SELECT MAX(message_ts) FROM messages WHERE user_id = ? AND source = 'chat' AND space_id = ?
	`, userID, spaceID).Scan(&nanos)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to query latest space timestamp: %w", err)
	}
	if !nanos.Valid {
		return time.Time{}, false, nil
	}
	return time.Unix(0, nanos.Int64).UTC(), true, nil
}

// DequeueOutbox fetches unpublished messages that are due for delivery.
func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]OutboxMessage, error) {
	now := time.Now().Unix()

	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, subject, payload, msg_id
		FROM outbox
		WHERE published_at IS NULL
		  AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var messages []OutboxMessage
	for rows.Next() {
		var msg OutboxMessage
		if err := rows.Scan(&msg.ID, &msg.Subject, &msg.Payload, &msg.MsgID); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

// MarkPublished marks an outbox message as delivered.
func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE outbox SET published_at = ? WHERE id = ?
	`, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark published: %w", err)
	}
	return nil
}

// MarkOutboxRetry bumps the retry count and pushes the next attempt out.
func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE outbox
		SET retries = retries + 1,
		    next_attempt_at = ?
		WHERE id = ?
	`, time.Now().Add(backoff).Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark retry: %w", err)
	}
	return nil
}

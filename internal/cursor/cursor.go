// Package cursor persists per (user, source, space) sync watermarks. The
// cursor database is intentionally separate from the message store: losing
// it degrades the engine to the store's own latest-timestamp query, never
// to data loss.
package cursor

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

// Open opens or creates the cursor database.
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS cursors (
			user_id TEXT NOT NULL,
			source TEXT NOT NULL,
			space_id TEXT NOT NULL DEFAULT '',
			watermark INTEGER NOT NULL,
			had_new_items INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (user_id, source, space_id)
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Watermark returns the stored watermark for the key, or ok=false when no
// cursor exists yet (initial collection, no lower bound).
func (s *Store) Watermark(ctx context.Context, userID, source, spaceID string) (time.Time, bool, error) {
	var nanos int64
	err := s.db.QueryRowContext(ctx, `
		SELECT watermark FROM cursors WHERE user_id = ? AND source = ? AND space_id = ?
	`, userID, source, spaceID).Scan(&nanos)
	if err != nil {
		if err == sql.ErrNoRows {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("failed to load cursor: %w", err)
	}
	return time.Unix(0, nanos).UTC(), true, nil
}

// Advance moves the watermark forward, never backward. Safe to call
// redundantly: an equal or older timestamp is a no-op, so retried callers
// cannot rewind the cursor.
func (s *Store) Advance(ctx context.Context, userID, source, spaceID string, ts time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cursors (user_id, source, space_id, watermark, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, source, space_id) DO UPDATE SET
			watermark = MAX(watermark, excluded.watermark),
			updated_at = excluded.updated_at
	`, userID, source, spaceID, ts.UnixNano(), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to advance cursor: %w", err)
	}
	return nil
}

// SetHadNewItems records whether the last cycle yielded new items for a
// chat space. Observability only; correctness never depends on it.
func (s *Store) SetHadNewItems(ctx context.Context, userID, source, spaceID string, hadNew bool) error {
	val := 0
	if hadNew {
		val = 1
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE cursors SET had_new_items = ?, updated_at = ?
		WHERE user_id = ? AND source = ? AND space_id = ?
	`, val, time.Now().Unix(), userID, source, spaceID)
	if err != nil {
		return fmt.Errorf("failed to set had_new_items: %w", err)
	}
	return nil
}

// HadNewItems reads the observability flag back.
func (s *Store) HadNewItems(ctx context.Context, userID, source, spaceID string) (bool, error) {
	var val int
	err := s.db.QueryRowContext(ctx, `
		SELECT had_new_items FROM cursors WHERE user_id = ? AND source = ? AND space_id = ?
	`, userID, source, spaceID).Scan(&val)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("failed to read had_new_items: %w", err)
	}
	return val == 1, nil
}

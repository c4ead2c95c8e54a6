// Package identity is the store for users, their OAuth credentials and the
// append-only history of collection attempts.
package identity

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

type Store struct {
	db *sql.DB
}

// Open opens (or creates) the identity database.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT UNIQUE NOT NULL,
			access_token TEXT NOT NULL DEFAULT '',
			refresh_token TEXT NOT NULL DEFAULT '',
			token_expiry TIMESTAMP,
			last_chat_sync TIMESTAMP,
			last_mail_sync TIMESTAMP,
			active INTEGER NOT NULL DEFAULT 1,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS sync_attempts (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			source TEXT NOT NULL,
			status TEXT NOT NULL,
			item_count INTEGER NOT NULL DEFAULT 0,
			detail TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_attempts_user_source
			ON sync_attempts(user_id, source, created_at);
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

// CreateUser registers a user with its initial credential. Called by the
// external authorization surface on first connect.
func (s *Store) CreateUser(ctx context.Context, email string, cred Credential) (*User, error) {
	user := &User{
		ID:         uuid.NewString(),
		Email:      email,
		Credential: cred,
		Active:     true,
		CreatedAt:  time.Now().UTC(),
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, access_token, refresh_token, token_expiry, active, created_at)
		VALUES (?, ?, ?, ?, ?, 1, ?)
	`, user.ID, user.Email, cred.AccessToken, cred.RefreshToken, cred.Expiry, user.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	return user, nil
}

// ListActiveUsers returns every user the orchestrator should process,
// oldest first so long-standing accounts are not starved by new signups.
func (s *Store) ListActiveUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, email, access_token, refresh_token, token_expiry,
		       last_chat_sync, last_mail_sync, active, created_at
		FROM users
		WHERE active = 1
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var (
			u        User
			expiry   sql.NullTime
			chatSync sql.NullTime
			mailSync sql.NullTime
		)
		if err := rows.Scan(&u.ID, &u.Email, &u.Credential.AccessToken, &u.Credential.RefreshToken,
			&expiry, &chatSync, &mailSync, &u.Active, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		if expiry.Valid {
			u.Credential.Expiry = expiry.Time
		}
		if chatSync.Valid {
			t := chatSync.Time
			u.LastChatSync = &t
		}
		if mailSync.Valid {
			t := mailSync.Time
			u.LastMailSync = &t
		}
		users = append(users, u)
	}

	return users, rows.Err()
}

// PersistCredential stores a refreshed credential so subsequent cycles
// reuse it.
func (s *Store) PersistCredential(ctx context.Context, userID string, cred Credential) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET access_token = ?, refresh_token = ?, token_expiry = ? WHERE id = ?
	`, cred.AccessToken, cred.RefreshToken, cred.Expiry, userID)
	if err != nil {
		return fmt.Errorf("failed to persist credential: %w", err)
	}
	return nil
}

// RecordSyncOutcome appends a sync attempt record. On success it also
// advances the user's last-sync marker for the source.
func (s *Store) RecordSyncOutcome(ctx context.Context, attempt Attempt) error {
	if attempt.ID == "" {
		attempt.ID = uuid.NewString()
	}
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sync_attempts (id, user_id, source, status, item_count, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, attempt.ID, attempt.UserID, string(attempt.Source), string(attempt.Status),
		attempt.ItemCount, attempt.Detail, attempt.CreatedAt)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to insert attempt: %w", err)
	}

	if attempt.Status == StatusSuccess {
		column := "last_chat_sync"
		if attempt.Source == SourceMail {
			column = "last_mail_sync"
		}
		_, err = tx.ExecContext(ctx,
			fmt.Sprintf(`UPDATE users SET %s = ? WHERE id = ?`, column),
			attempt.CreatedAt, attempt.UserID)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to update last sync: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit attempt: %w", err)
	}
	return nil
}

// ListAttempts returns the most recent attempt records for a user, newest
// first. Used by the status surface.
func (s *Store) ListAttempts(ctx context.Context, userID string, limit int) ([]Attempt, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, source, status, item_count, detail, created_at
		FROM sync_attempts
		WHERE user_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query attempts: %w", err)
	}
	defer rows.Close()

	var attempts []Attempt
	for rows.Next() {
		var a Attempt
		if err := rows.Scan(&a.ID, &a.UserID, &a.Source, &a.Status, &a.ItemCount, &a.Detail, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		attempts = append(attempts, a)
	}

	return attempts, rows.Err()
}

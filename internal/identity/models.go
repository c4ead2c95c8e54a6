package identity

import (
	"time"
)

// Source identifies a collection source for a user.
type Source string

const (
	SourceChat Source = "chat"
	SourceMail Source = "mail"
)

// Credential is a user's OAuth credential bundle. The refresh token is
// long-lived and may be absent from a refresh response; it is never
// overwritten with an empty value.
type Credential struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// User is an account the engine collects for. Credential fields are
// mutated by the token refresher; last-sync markers by the sync logger.
type User struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	Credential   Credential `json:"-"`
	LastChatSync *time.Time `json:"last_chat_sync,omitempty"`
	LastMailSync *time.Time `json:"last_mail_sync,omitempty"`
	Active       bool       `json:"active"`
	CreatedAt    time.Time  `json:"created_at"`
}

// AttemptStatus is the outcome of one (user, source) collection attempt.
type AttemptStatus string

const (
	StatusSuccess AttemptStatus = "success"
	StatusError   AttemptStatus = "error"
)

// Attempt is an append-only record of a collection attempt.
type Attempt struct {
	ID        string        `json:"id"`
	UserID    string        `json:"user_id"`
	Source    Source        `json:"source"`
	Status    AttemptStatus `json:"status"`
	ItemCount int           `json:"item_count"`
	Detail    string        `json:"detail,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

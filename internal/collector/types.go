// Package collector drives per-user, per-source incremental collection.
package collector

import (
	"context"
	"time"
)

// Space is a chat conversation space.
type Space struct {
	ID          string
	DisplayName string
}

// ChatMessage is a normalized chat item as fetched from the provider.
type ChatMessage struct {
	ID         string
	SpaceID    string
	ThreadID   string
	Sender     string
	Text       string
	CreateTime time.Time
	Raw        []byte
}

// MailMessage is a normalized mail item with full detail.
type MailMessage struct {
	ID           string
	ThreadID     string
	From         string
	Subject      string
	Snippet      string
	Body         string
	InternalDate time.Time
	Raw          []byte
}

// ChatAPI is the remote chat provider surface the collector needs.
type ChatAPI interface {
	ListSpaces(ctx context.Context, pageToken string) ([]Space, string, error)
	ListMessages(ctx context.Context, spaceID string, after time.Time, pageSize int64, pageToken string) ([]ChatMessage, string, error)
}

// MailAPI is the remote mail provider surface the collector needs. Listing
// returns lightweight ids; detail is fetched per item.
type MailAPI interface {
	ListMessageIDs(ctx context.Context, query string, maxResults int64, pageToken string) ([]string, string, error)
	GetMessageDetail(ctx context.Context, id string) (*MailMessage, error)
}

// Result is the outcome of one source collection pass for one user.
type Result struct {
	Stored int
}

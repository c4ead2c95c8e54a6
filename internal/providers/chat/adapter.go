package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/chat/v1"
	"google.golang.org/api/option"

	"github.com/commsync-dev/commsync/internal/collector"
	"github.com/commsync-dev/commsync/internal/identity"
)

// Adapter implements collector.ChatAPI for Google Chat.
type Adapter struct {
	svc *chat.Service
}

// New creates a Chat adapter authorized with the user's credential.
func New(ctx context.Context, cred identity.Credential) (*Adapter, error) {
	oauth2Token := &oauth2.Token{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		Expiry:       cred.Expiry,
	}

	config := &oauth2.Config{
		Scopes: []string{chat.ChatMessagesReadonlyScope, chat.ChatSpacesReadonlyScope},
	}

	httpClient := config.Client(ctx, oauth2Token)

	svc, err := chat.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create Chat service: %w", err)
	}

	return &Adapter{svc: svc}, nil
}

// ListSpaces returns one page of the user's spaces.
func (a *Adapter) ListSpaces(ctx context.Context, pageToken string) ([]collector.Space, string, error) {
	call := a.svc.Spaces.List().PageSize(100).Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	resp, err := call.Do()
	if err != nil {
		return nil, "", fmt.Errorf("failed to list spaces: %w", err)
	}

	spaces := make([]collector.Space, 0, len(resp.Spaces))
	for _, s := range resp.Spaces {
		spaces = append(spaces, collector.Space{
			ID:          s.Name,
			DisplayName: s.DisplayName,
		})
	}

	return spaces, resp.NextPageToken, nil
}

// ListMessages returns one page of a space's messages created strictly
// after the given instant, oldest first. A zero after means no lower bound.
func (a *Adapter) ListMessages(ctx context.Context, spaceID string, after time.Time, pageSize int64, pageToken string) ([]collector.ChatMessage, string, error) {
	call := a.svc.Spaces.Messages.List(spaceID).
		OrderBy("createTime ASC").
		PageSize(pageSize).
		Context(ctx)
	if !after.IsZero() {
		call = call.Filter(fmt.Sprintf(`createTime > "%s"`, after.UTC().Format(time.RFC3339Nano)))
	}
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	resp, err := call.Do()
	if err != nil {
		return nil, "", fmt.Errorf("failed to list messages for %s: %w", spaceID, err)
	}

	messages := make([]collector.ChatMessage, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		messages = append(messages, normalize(m, spaceID))
	}

	return messages, resp.NextPageToken, nil
}

// normalize converts a Chat message to the collector shape. An unparsable
// create time yields a zero timestamp; the collector skips those items.
func normalize(m *chat.Message, spaceID string) collector.ChatMessage {
	var created time.Time
	if t, err := time.Parse(time.RFC3339, m.CreateTime); err == nil {
		created = t
	}

	sender := ""
	if m.Sender != nil {
		sender = m.Sender.Name
	}
	threadID := ""
	if m.Thread != nil {
		threadID = m.Thread.Name
	}

	raw, _ := json.Marshal(m)

	return collector.ChatMessage{
		ID:         m.Name,
		SpaceID:    spaceID,
		ThreadID:   threadID,
		Sender:     sender,
		Text:       m.Text,
		CreateTime: created,
		Raw:        raw,
	}
}

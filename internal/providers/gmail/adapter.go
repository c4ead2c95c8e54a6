package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/commsync-dev/commsync/internal/collector"
	"github.com/commsync-dev/commsync/internal/identity"
)

// Adapter implements collector.MailAPI for Gmail.
type Adapter struct {
	svc *gmail.Service
}

// New creates a Gmail adapter authorized with the user's credential.
func New(ctx context.Context, cred identity.Credential) (*Adapter, error) {
	oauth2Token := &oauth2.Token{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		Expiry:       cred.Expiry,
	}

	config := &oauth2.Config{
		Scopes: []string{gmail.GmailReadonlyScope},
	}

	httpClient := config.Client(ctx, oauth2Token)

	svc, err := gmail.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}

	return &Adapter{svc: svc}, nil
}

// ListMessageIDs returns one page of message ids matching the query.
func (a *Adapter) ListMessageIDs(ctx context.Context, query string, maxResults int64, pageToken string) ([]string, string, error) {
	call := a.svc.Users.Messages.List("me").
		Q(query).
		MaxResults(maxResults).
		IncludeSpamTrash(false).
		Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	resp, err := call.Do()
	if err != nil {
		return nil, "", fmt.Errorf("failed to list messages: %w", err)
	}

	ids := make([]string, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		ids = append(ids, m.Id)
	}

	return ids, resp.NextPageToken, nil
}

// GetMessageDetail fetches a full message and normalizes it.
func (a *Adapter) GetMessageDetail(ctx context.Context, id string) (*collector.MailMessage, error) {
	msg, err := a.svc.Users.Messages.Get("me", id).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", id, err)
	}

	headers := headerMap(msg.Payload)
	raw, _ := json.Marshal(msg)

	return &collector.MailMessage{
		ID:           msg.Id,
		ThreadID:     msg.ThreadId,
		From:         headers["From"],
		Subject:      headers["Subject"],
		Snippet:      msg.Snippet,
		Body:         extractBody(msg.Payload),
		InternalDate: time.UnixMilli(msg.InternalDate),
		Raw:          raw,
	}, nil
}

func headerMap(payload *gmail.MessagePart) map[string]string {
	m := make(map[string]string)
	if payload == nil {
		return m
	}
	for _, h := range payload.Headers {
		m[h.Name] = h.Value
	}
	return m
}

// extractBody returns the plain-text body, recursing through multipart
// messages and falling back to HTML.
func extractBody(payload *gmail.MessagePart) string {
	if payload == nil {
		return ""
	}

	if payload.Body != nil && payload.Body.Data != "" {
		if decoded, err := decodeBase64URL(payload.Body.Data); err == nil {
			return decoded
		}
	}

	for _, part := range payload.Parts {
		if part.MimeType == "text/plain" && part.Body != nil && part.Body.Data != "" {
			if decoded, err := decodeBase64URL(part.Body.Data); err == nil {
				return decoded
			}
		}
		if len(part.Parts) > 0 {
			if body := extractBody(part); body != "" {
				return body
			}
		}
	}

	for _, part := range payload.Parts {
		if part.MimeType == "text/html" && part.Body != nil && part.Body.Data != "" {
			if decoded, err := decodeBase64URL(part.Body.Data); err == nil {
				return decoded
			}
		}
	}

	return ""
}

// decodeBase64URL handles Gmail's URL-safe base64, padded or not.
func decodeBase64URL(data string) (string, error) {
	if decoded, err := base64.RawURLEncoding.DecodeString(data); err == nil {
		return string(decoded), nil
	}
	decoded, err := base64.URLEncoding.DecodeString(data)
	if err != nil {
		return "", err
	}
	return string(decoded), nil
}

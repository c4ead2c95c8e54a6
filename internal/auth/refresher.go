// Package auth keeps per-user OAuth credentials valid and guards the
// control API.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/commsync-dev/commsync/internal/identity"
	"github.com/commsync-dev/commsync/internal/retry"
)

// ErrRefreshFailed marks a permanent refresh failure (revoked or invalid
// refresh token). The orchestrator records it and skips the user's sources
// for the cycle.
var ErrRefreshFailed = errors.New("credential refresh failed")

// Refresher ensures an access token is valid before provider calls.
type Refresher struct {
	Config       *oauth2.Config
	SafetyMargin time.Duration
	Exec         *retry.Executor
	Logger       *zap.Logger
}

func NewRefresher(clientID, clientSecret string, safetyMargin time.Duration, exec *retry.Executor, logger *zap.Logger) *Refresher {
	return &Refresher{
		Config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     google.Endpoint,
		},
		SafetyMargin: safetyMargin,
		Exec:         exec,
		Logger:       logger,
	}
}

// EnsureValid returns a credential valid for at least the safety margin.
// When the current token still has margin left it is returned unchanged
// (refreshed == false). The refresh-token exchange is a remote call and
// goes through the retry executor; exhausting retries or a permanent
// provider rejection yields ErrRefreshFailed.
func (r *Refresher) EnsureValid(ctx context.Context, cred identity.Credential) (identity.Credential, bool, error) {
	if !cred.Expiry.IsZero() && time.Until(cred.Expiry) > r.SafetyMargin {
		return cred, false, nil
	}
	if cred.RefreshToken == "" {
		return cred, false, fmt.Errorf("%w: no refresh token", ErrRefreshFailed)
	}

	src := r.Config.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken})

	var tok *oauth2.Token
	err := r.Exec.Do(ctx, func() error {
		var err error
		tok, err = src.Token()
		return err
	})
	if err != nil {
		return cred, false, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}

	updated := identity.Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: cred.RefreshToken,
		Expiry:       tok.Expiry,
	}
	// Rotate only when the provider actually issued a new refresh token.
	if tok.RefreshToken != "" {
		updated.RefreshToken = tok.RefreshToken
	}

	r.Logger.Info("credential refreshed", zap.Time("expiry", updated.Expiry))
	return updated, true, nil
}

// Package gateway is the conversational front door: per-user FSM sessions
// keyed by external identity, token renewal against the Auth service, and
// serialised handling of each user's messages.
package gateway

import (
	"context"
	"errors"
	"time"
)

// ErrSessionNotFound is returned by stores for unknown external ids.
var ErrSessionNotFound = errors.New("gateway: session not found")

// StateMainMenu is the FSM home state. Cancellation always lands here.
const StateMainMenu = "main_menu"

type (
	// SessionContext is the authenticated context carried by a session.
	SessionContext struct {
		AccessToken string
		TokenExpiry time.Time
		UserID      string
		Role        string
		Tenant      string
	}

	// Session is one user's conversational state. Version increments on
	// every observable mutation so concurrent readers can detect staleness.
	Session struct {
		ExternalID   string
		State        string
		Payload      map[string]any
		Context      SessionContext
		Language     string
		Username     string
		FirstName    string
		LastName     string
		Version      int64
		LastActivity time.Time
		ExpiresAt    time.Time
		Active       bool
	}

	// SessionStore persists conversational sessions, unique per external
	// id.
	SessionStore interface {
		Get(ctx context.Context, externalID string) (Session, error)
		Put(ctx context.Context, s Session) error
		// SweepExpired deactivates sessions past expiry.
		SweepExpired(ctx context.Context, now time.Time) (int, error)
		CountActive(ctx context.Context) (int, error)
	}

	// Token is an access token issued by the Auth service.
	Token struct {
		Access    string
		ExpiresAt time.Time
		UserID    string
		Role      string
		Tenant    string
	}

	// AuthClient obtains and renews user tokens. The gateway is the only
	// peer allowed to prove external identity to the Auth service.
	AuthClient interface {
		LoginExternal(ctx context.Context, externalID string) (Token, error)
	}
)

// IsExpired reports whether the session is past expiry at the given time.
func (s Session) IsExpired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// TokenNeedsRenewal reports whether the access token is missing or inside
// the renewal window.
func (s Session) TokenNeedsRenewal(now time.Time, window time.Duration) bool {
	if s.Context.AccessToken == "" {
		return true
	}
	return s.Context.TokenExpiry.Sub(now) < window
}

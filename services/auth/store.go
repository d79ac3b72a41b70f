// Package auth is the credential and session core: password verification
// with lockout, TOTP and backup-code MFA, and the session lifecycle every
// other service trusts for user identity.
package auth

import (
	"context"
	"errors"
	"time"
)

// Store sentinel errors. Store implementations return these; the service
// converts them into the taxonomy at its boundary so callers never learn
// which lookup failed.
var (
	ErrCredentialNotFound = errors.New("auth: credential not found")
	ErrSessionNotFound    = errors.New("auth: session not found")
	ErrUserNotFound       = errors.New("auth: user not found")
)

type (
	// Credential is one user's authentication material.
	Credential struct {
		UserID string
		// PasswordHash is a bcrypt hash; cost and salt ride inside it so
		// parameter upgrades roll out hash by hash.
		PasswordHash   string
		FailedAttempts int
		LockUntil      time.Time
		MFAEnabled     bool
		// TOTPSecret is sealed with AES-GCM; never stored or logged raw.
		TOTPSecret []byte
		// BackupCodeHashes hold bcrypt hashes of unused one-time codes.
		// Consumed codes are removed, so replays cannot verify.
		BackupCodeHashes []string
		ForceChange      bool
		LastLogin        time.Time
		PasswordSetAt    time.Time
	}

	// Session is one authenticated presence.
	Session struct {
		ID               string
		UserID           string
		ExternalID       string
		AccessToken      string
		RefreshToken     string
		CreatedAt        time.Time
		ExpiresAt        time.Time
		RefreshExpiresAt time.Time
		LastActivity     time.Time
		Fingerprint      string
		IP               string
		UserAgent        string
		Active           bool
	}

	// User is the slice of the user directory the auth service needs.
	User struct {
		ID         string
		ExternalID string
		Role       string
		// Tenant scopes the user to one property-management estate.
		Tenant string
		Active bool
	}

	// CredentialStore persists credentials, unique per user.
	CredentialStore interface {
		Get(ctx context.Context, userID string) (Credential, error)
		Put(ctx context.Context, cred Credential) error
	}

	// SessionStore persists sessions. Inactive sessions are never returned
	// by the lookup methods.
	SessionStore interface {
		Create(ctx context.Context, s Session) error
		Get(ctx context.Context, id string) (Session, error)
		GetByAccessToken(ctx context.Context, token string) (Session, error)
		GetByRefreshToken(ctx context.Context, token string) (Session, error)
		// ListActiveByUser returns the user's active sessions ordered by
		// last activity, oldest first.
		ListActiveByUser(ctx context.Context, userID string) ([]Session, error)
		Update(ctx context.Context, s Session) error
		// DeactivateAllForUser deactivates every active session of the
		// user except the given id (empty deactivates all). Returns how
		// many were deactivated.
		DeactivateAllForUser(ctx context.Context, userID, exceptID string) (int, error)
		// SweepExpired marks sessions past expiry inactive.
		SweepExpired(ctx context.Context, now time.Time) (int, error)
		CountActive(ctx context.Context) (int, error)
	}

	// Directory resolves users. Owned by the User service; the auth
	// service consumes it through a client.
	Directory interface {
		UserByID(ctx context.Context, id string) (User, error)
		UserByExternalID(ctx context.Context, externalID string) (User, error)
	}
)

// IsLocked reports whether the credential is locked at the given time.
func (c Credential) IsLocked(now time.Time) bool {
	return !c.LockUntil.IsZero() && now.Before(c.LockUntil)
}

// IsExpired reports whether the session is past expiry at the given time.
func (s Session) IsExpired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

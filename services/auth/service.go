package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"goa.design/clue/log"

	"github.com/a-afanasyev/Infrasafe-bot-sub006/httpapi"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/config"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/events"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/fault"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/workpool"
)

// tokenBytes sizes session ids and tokens: 256 bits of entropy each.
const tokenBytes = 32

type (
	// Publisher is the slice of the event fabric the service emits through.
	Publisher interface {
		Publish(ctx context.Context, kind string, payload map[string]any, correlationID string) (events.Envelope, error)
	}

	// SessionMeta carries the client attributes recorded on a session.
	SessionMeta struct {
		Fingerprint string
		IP          string
		UserAgent   string
	}

	// LoginResult is a successful authentication.
	LoginResult struct {
		Session             Session
		MFARequired         bool
		ForcePasswordChange bool
	}

	// Service implements the credential and session core.
	Service struct {
		credentials CredentialStore
		sessions    SessionStore
		directory   Directory
		events      Publisher
		hasher      *workpool.Pool
		box         *secretBox
		policy      config.Auth
		now         func() time.Time
	}

	// Options configures the Service.
	Options struct {
		Credentials CredentialStore
		Sessions    SessionStore
		Directory   Directory
		// Events is optional; without it no lifecycle events are emitted.
		Events Publisher
		// Hasher bounds bcrypt work. Defaults to a GOMAXPROCS-sized pool.
		Hasher *workpool.Pool
		// EncryptionPassphrase seals TOTP secrets.
		EncryptionPassphrase string
		Policy               config.Auth
		// Now overrides the clock, used by tests.
		Now func() time.Time
	}
)

// New returns a Service.
func New(opts Options) (*Service, error) {
	if opts.Credentials == nil {
		return nil, errors.New("credential store is required")
	}
	if opts.Sessions == nil {
		return nil, errors.New("session store is required")
	}
	if opts.Directory == nil {
		return nil, errors.New("directory is required")
	}
	box, err := newSecretBox(opts.EncryptionPassphrase)
	if err != nil {
		return nil, err
	}
	hasher := opts.Hasher
	if hasher == nil {
		hasher = workpool.New(0)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	if opts.Policy.MaxSessionsPerUser < 1 {
		return nil, errors.New("max sessions per user must be positive")
	}
	return &Service{
		credentials: opts.Credentials,
		sessions:    opts.Sessions,
		directory:   opts.Directory,
		events:      opts.Events,
		hasher:      hasher,
		box:         box,
		policy:      opts.Policy,
		now:         now,
	}, nil
}

// LoginWithPassword verifies the password and opens a session.
func (s *Service) LoginWithPassword(ctx context.Context, userID, password string, meta SessionMeta) (LoginResult, error) {
	verdict, err := s.VerifyPassword(ctx, userID, password)
	if err != nil {
		return LoginResult{}, err
	}
	user, err := s.directory.UserByID(ctx, userID)
	if err != nil {
		return LoginResult{}, s.directoryFault(err)
	}
	sess, err := s.openSession(ctx, user, meta)
	if err != nil {
		return LoginResult{}, err
	}
	return LoginResult{
		Session:             sess,
		MFARequired:         verdict.MFARequired,
		ForcePasswordChange: verdict.ForcePasswordChange,
	}, nil
}

// LoginWithExternalID opens a session for a user identified by an external
// identity (e.g. a messenger id). Callers must be authenticated peers; the
// gateway is the only service that proves external identity.
func (s *Service) LoginWithExternalID(ctx context.Context, externalID string, meta SessionMeta) (LoginResult, error) {
	if externalID == "" {
		return LoginResult{}, fault.New(fault.KindValidation, "external id is required")
	}
	user, err := s.directory.UserByExternalID(ctx, externalID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return LoginResult{}, fault.New(fault.KindUnauthorized, "invalid credentials")
		}
		return LoginResult{}, s.directoryFault(err)
	}
	if !user.Active {
		return LoginResult{}, fault.New(fault.KindUnauthorized, "invalid credentials")
	}
	sess, err := s.openSession(ctx, user, meta)
	if err != nil {
		return LoginResult{}, err
	}
	res := LoginResult{Session: sess}
	if cred, err := s.credentials.Get(ctx, user.ID); err == nil {
		res.MFARequired = cred.MFAEnabled
		res.ForcePasswordChange = cred.ForceChange
	}
	return res, nil
}

// Refresh exchanges a valid refresh token for a new token pair. The old
// tokens stop working the moment the new ones are stored.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if refreshToken == "" {
		return Session{}, fault.New(fault.KindValidation, "refresh token is required")
	}
	sess, err := s.sessions.GetByRefreshToken(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return Session{}, fault.New(fault.KindUnauthorized, "invalid refresh token")
		}
		return Session{}, s.storeFault(err)
	}
	now := s.now().UTC()
	if !sess.Active || sess.RefreshToken != refreshToken {
		return Session{}, fault.New(fault.KindUnauthorized, "invalid refresh token")
	}
	if now.After(sess.RefreshExpiresAt) {
		sess.Active = false
		_ = s.sessions.Update(ctx, sess)
		return Session{}, fault.New(fault.KindUnauthorized, "invalid refresh token")
	}

	sess.AccessToken = newToken()
	sess.RefreshToken = newToken()
	sess.ExpiresAt = now.Add(s.policy.SessionExpire)
	sess.RefreshExpiresAt = now.Add(s.policy.RefreshExpire)
	sess.LastActivity = now
	if err := s.sessions.Update(ctx, sess); err != nil {
		return Session{}, s.storeFault(err)
	}
	return sess, nil
}

// ValidateToken resolves an access token to a user identity, updating the
// session's activity and extending expiry when it is close. Implements
// httpapi.TokenValidator.
func (s *Service) ValidateToken(ctx context.Context, token string) (httpapi.UserIdentity, error) {
	sess, err := s.activeSessionByToken(ctx, token)
	if err != nil {
		return httpapi.UserIdentity{}, err
	}
	now := s.now().UTC()
	sess.LastActivity = now
	// Sliding extension: sessions in active use stay alive.
	if renewal := s.policy.SessionExpire / 4; sess.ExpiresAt.Sub(now) < renewal {
		sess.ExpiresAt = now.Add(s.policy.SessionExpire)
	}
	if err := s.sessions.Update(ctx, sess); err != nil {
		return httpapi.UserIdentity{}, s.storeFault(err)
	}
	var role, tenant string
	if user, err := s.directory.UserByID(ctx, sess.UserID); err == nil {
		role = user.Role
		tenant = user.Tenant
	}
	return httpapi.UserIdentity{UserID: sess.UserID, SessionID: sess.ID, Role: role, Tenant: tenant}, nil
}

// Logout deactivates the session presenting the token. With all set, every
// session of the user is deactivated except the presenting one when
// keepCurrent is set.
func (s *Service) Logout(ctx context.Context, token string, all, keepCurrent bool) error {
	sess, err := s.activeSessionByToken(ctx, token)
	if err != nil {
		return err
	}
	if all {
		except := ""
		if keepCurrent {
			except = sess.ID
		}
		if _, err := s.sessions.DeactivateAllForUser(ctx, sess.UserID, except); err != nil {
			return s.storeFault(err)
		}
		return nil
	}
	sess.Active = false
	if err := s.sessions.Update(ctx, sess); err != nil {
		return s.storeFault(err)
	}
	return nil
}

// DeactivateAllUserSessions force-logs-out a user, optionally sparing one
// session. Used by admin tooling and the password-change flow.
func (s *Service) DeactivateAllUserSessions(ctx context.Context, userID, exceptID string) (int, error) {
	n, err := s.sessions.DeactivateAllForUser(ctx, userID, exceptID)
	if err != nil {
		return 0, s.storeFault(err)
	}
	return n, nil
}

// SweepExpiredSessions marks sessions past expiry inactive. Runs from the
// background sweeper.
func (s *Service) SweepExpiredSessions(ctx context.Context) (int, error) {
	n, err := s.sessions.SweepExpired(ctx, s.now().UTC())
	if err != nil {
		return 0, s.storeFault(err)
	}
	return n, nil
}

// ActiveSessionCount reports the active-session gauge value.
func (s *Service) ActiveSessionCount(ctx context.Context) (int, error) {
	return s.sessions.CountActive(ctx)
}

func (s *Service) openSession(ctx context.Context, user User, meta SessionMeta) (Session, error) {
	now := s.now().UTC()
	sess := Session{
		ID:               newToken(),
		UserID:           user.ID,
		ExternalID:       user.ExternalID,
		AccessToken:      newToken(),
		RefreshToken:     newToken(),
		CreatedAt:        now,
		ExpiresAt:        now.Add(s.policy.SessionExpire),
		RefreshExpiresAt: now.Add(s.policy.RefreshExpire),
		LastActivity:     now,
		Fingerprint:      meta.Fingerprint,
		IP:               meta.IP,
		UserAgent:        meta.UserAgent,
		Active:           true,
	}
	if err := s.enforceSessionCap(ctx, user.ID); err != nil {
		return Session{}, err
	}
	// Session ids collide only if the RNG misbehaves; one retry covers the
	// store's unique constraint anyway.
	for attempt := 0; ; attempt++ {
		err := s.sessions.Create(ctx, sess)
		if err == nil {
			return sess, nil
		}
		if fault.IsKind(err, fault.KindConflict) && attempt < 2 {
			sess.ID = newToken()
			sess.AccessToken = newToken()
			sess.RefreshToken = newToken()
			continue
		}
		return Session{}, s.storeFault(err)
	}
}

// enforceSessionCap trims the oldest-activity sessions so the new one fits
// under the per-user cap.
func (s *Service) enforceSessionCap(ctx context.Context, userID string) error {
	active, err := s.sessions.ListActiveByUser(ctx, userID)
	if err != nil {
		return s.storeFault(err)
	}
	excess := len(active) - s.policy.MaxSessionsPerUser + 1
	for i := 0; i < excess && i < len(active); i++ {
		old := active[i]
		old.Active = false
		if err := s.sessions.Update(ctx, old); err != nil {
			return s.storeFault(err)
		}
	}
	return nil
}

func (s *Service) activeSessionByToken(ctx context.Context, token string) (Session, error) {
	if token == "" {
		return Session{}, fault.New(fault.KindUnauthorized, "invalid token")
	}
	sess, err := s.sessions.GetByAccessToken(ctx, token)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return Session{}, fault.New(fault.KindUnauthorized, "invalid token")
		}
		return Session{}, s.storeFault(err)
	}
	if !sess.Active {
		return Session{}, fault.New(fault.KindUnauthorized, "invalid token")
	}
	if sess.IsExpired(s.now().UTC()) {
		sess.Active = false
		_ = s.sessions.Update(ctx, sess)
		return Session{}, fault.New(fault.KindUnauthorized, "invalid token")
	}
	return sess, nil
}

// storeFault classifies store failures: credentials and sessions fail
// closed, so an unreachable store is an unavailability, never a bypass.
func (s *Service) storeFault(err error) error {
	if f := fault.KindOf(err); f == fault.KindUnavailable || f == fault.KindTimeout || f == fault.KindConflict {
		return err
	}
	return fault.Wrap(fault.KindUnavailable, err, "auth store")
}

func (s *Service) directoryFault(err error) error {
	if errors.Is(err, ErrUserNotFound) {
		return fault.New(fault.KindUnauthorized, "invalid credentials")
	}
	return fault.Wrap(fault.KindUnavailable, err, "user service unavailable")
}

func (s *Service) emit(ctx context.Context, kind string, payload map[string]any) {
	if s.events == nil {
		return
	}
	if _, err := s.events.Publish(ctx, kind, payload, ""); err != nil {
		log.Error(ctx, fmt.Errorf("emit %s: %w", kind, err))
	}
}

func newToken() string {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("auth: read random: %v", err))
	}
	return hex.EncodeToString(b)
}

package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/fault"
)

type (
	// Options configures the Service.
	Options struct {
		Sessions SessionStore
		Auth     AuthClient
		FSM      *FSM
		// SessionTTL is how long a session stays alive without activity.
		SessionTTL time.Duration
		// TokenRenewalWindow triggers renewal when the access token is
		// closer than this to expiry.
		TokenRenewalWindow time.Duration
		// Now overrides the clock, used by tests.
		Now func() time.Time
	}

	// Service drives the conversational FSM.
	Service struct {
		sessions SessionStore
		auth     AuthClient
		fsm      *FSM
		locks    *keyedMutex
		ttl      time.Duration
		renewal  time.Duration
		now      func() time.Time
	}
)

// New returns a Service.
func New(opts Options) (*Service, error) {
	if opts.Sessions == nil {
		return nil, errors.New("session store is required")
	}
	if opts.Auth == nil {
		return nil, errors.New("auth client is required")
	}
	if opts.FSM == nil {
		return nil, errors.New("fsm is required")
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 24 * time.Hour
	}
	if opts.TokenRenewalWindow <= 0 {
		opts.TokenRenewalWindow = 5 * time.Minute
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		sessions: opts.Sessions,
		auth:     opts.Auth,
		fsm:      opts.FSM,
		locks:    newKeyedMutex(),
		ttl:      opts.SessionTTL,
		renewal:  opts.TokenRenewalWindow,
		now:      now,
	}, nil
}

// HandleMessage runs one inbound message through the FSM. All messages of
// one external id are serialised; messages of different users proceed in
// parallel.
func (s *Service) HandleMessage(ctx context.Context, msg Message) (Reply, error) {
	if msg.ExternalID == "" {
		return Reply{}, fault.New(fault.KindValidation, "external id is required")
	}
	s.locks.Lock(msg.ExternalID)
	defer s.locks.Unlock(msg.ExternalID)

	sess, err := s.loadOrCreate(ctx, msg)
	if err != nil {
		return Reply{}, err
	}
	if err := s.renewToken(ctx, &sess); err != nil {
		return Reply{}, err
	}

	handler, ok := s.fsm.Lookup(sess.State)
	if !ok {
		// Unknown states can only come from old deployments; recover to
		// the main menu instead of bricking the session.
		sess.State = StateMainMenu
		sess.Version++
		handler, ok = s.fsm.Lookup(sess.State)
		if !ok {
			return Reply{}, fault.New(fault.KindInternal, "no main menu handler registered")
		}
	}
	if check, ok := s.fsm.Check(sess.State); ok {
		if cerr := check(sess.Payload); cerr != nil {
			// Schema drift: the stored payload no longer decodes for this
			// state. Restart the conversation rather than dispatch on it.
			sess.State = StateMainMenu
			sess.Payload = nil
			sess.Version++
			handler, ok = s.fsm.Lookup(sess.State)
			if !ok {
				return Reply{}, fault.New(fault.KindInternal, "no main menu handler registered")
			}
		}
	}

	turn := &Turn{Session: &sess, Message: msg}
	reply, err := handler(ctx, turn)
	if err != nil {
		return Reply{}, err
	}
	s.applyTurn(&sess, turn)

	if err := s.sessions.Put(ctx, sess); err != nil {
		return Reply{}, fault.Wrap(fault.KindUnavailable, err, "gateway session store")
	}
	return reply, nil
}

// Session returns the user's session.
func (s *Service) Session(ctx context.Context, externalID string) (Session, error) {
	sess, err := s.sessions.Get(ctx, externalID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return Session{}, fault.Errorf(fault.KindNotFound, "no session for %s", externalID)
		}
		return Session{}, fault.Wrap(fault.KindUnavailable, err, "gateway session store")
	}
	return sess, nil
}

// SweepExpiredSessions deactivates sessions past expiry. Runs from the
// background sweeper.
func (s *Service) SweepExpiredSessions(ctx context.Context) (int, error) {
	n, err := s.sessions.SweepExpired(ctx, s.now().UTC())
	if err != nil {
		return 0, fault.Wrap(fault.KindUnavailable, err, "gateway session store")
	}
	return n, nil
}

// ActiveSessionCount reports the active-session gauge value.
func (s *Service) ActiveSessionCount(ctx context.Context) (int, error) {
	return s.sessions.CountActive(ctx)
}

func (s *Service) loadOrCreate(ctx context.Context, msg Message) (Session, error) {
	now := s.now().UTC()
	sess, err := s.sessions.Get(ctx, msg.ExternalID)
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return Session{
			ExternalID:   msg.ExternalID,
			State:        StateMainMenu,
			Language:     msg.Language,
			Username:     msg.Username,
			FirstName:    msg.FirstName,
			LastName:     msg.LastName,
			Version:      1,
			LastActivity: now,
			ExpiresAt:    now.Add(s.ttl),
			Active:       true,
		}, nil
	case err != nil:
		return Session{}, fault.Wrap(fault.KindUnavailable, err, "gateway session store")
	}

	if !sess.Active || sess.IsExpired(now) {
		// Expired presence restarts the conversation but keeps the record.
		sess.State = StateMainMenu
		sess.Payload = nil
		sess.Context = SessionContext{}
		sess.Active = true
		sess.Version++
	}

	if msg.Language != "" && msg.Language != sess.Language {
		sess.Language = msg.Language
		sess.Version++
	}
	sess.Username = msg.Username
	sess.FirstName = msg.FirstName
	sess.LastName = msg.LastName
	sess.LastActivity = now
	sess.ExpiresAt = now.Add(s.ttl)
	return sess, nil
}

// renewToken obtains a fresh access token when the session has none or it
// is close to expiry. Re-authentication is a visible mutation.
func (s *Service) renewToken(ctx context.Context, sess *Session) error {
	now := s.now().UTC()
	if !sess.TokenNeedsRenewal(now, s.renewal) {
		return nil
	}
	tok, err := s.auth.LoginExternal(ctx, sess.ExternalID)
	if err != nil {
		return fault.Wrap(fault.KindUnavailable, err, "auth service")
	}
	sess.Context.AccessToken = tok.Access
	sess.Context.TokenExpiry = tok.ExpiresAt
	sess.Context.UserID = tok.UserID
	sess.Context.Role = tok.Role
	sess.Context.Tenant = tok.Tenant
	sess.Version++
	return nil
}

// applyTurn commits the handler's transition decision. State changes and
// cancellation bump the version.
func (s *Service) applyTurn(sess *Session, turn *Turn) {
	switch {
	case turn.cancelled:
		sess.State = StateMainMenu
		sess.Payload = nil
		sess.Version++
	case turn.nextSet && turn.next != sess.State:
		sess.State = turn.next
		sess.Version++
	}
}

// Package inmem provides in-memory auth stores for tests and single-node
// development runs.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/a-afanasyev/Infrasafe-bot-sub006/services/auth"
)

type (
	// CredentialStore keeps credentials in a map.
	CredentialStore struct {
		mu    sync.RWMutex
		creds map[string]auth.Credential
	}

	// SessionStore keeps sessions in a map with token indexes.
	SessionStore struct {
		mu       sync.RWMutex
		sessions map[string]auth.Session
		byAccess map[string]string
		byRefr   map[string]string
	}

	// Directory is a fixed user set.
	Directory struct {
		mu    sync.RWMutex
		byID  map[string]auth.User
		byExt map[string]auth.User
	}
)

// NewCredentialStore returns an empty CredentialStore.
func NewCredentialStore() *CredentialStore {
	return &CredentialStore{creds: make(map[string]auth.Credential)}
}

// Get implements auth.CredentialStore.
func (s *CredentialStore) Get(_ context.Context, userID string) (auth.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, ok := s.creds[userID]
	if !ok {
		return auth.Credential{}, auth.ErrCredentialNotFound
	}
	return cred, nil
}

// Put implements auth.CredentialStore.
func (s *CredentialStore) Put(_ context.Context, cred auth.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[cred.UserID] = cred
	return nil
}

// NewSessionStore returns an empty SessionStore.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[string]auth.Session),
		byAccess: make(map[string]string),
		byRefr:   make(map[string]string),
	}
}

// Create implements auth.SessionStore.
func (s *SessionStore) Create(_ context.Context, sess auth.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(sess)
	return nil
}

// Get implements auth.SessionStore.
func (s *SessionStore) Get(_ context.Context, id string) (auth.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok || !sess.Active {
		return auth.Session{}, auth.ErrSessionNotFound
	}
	return sess, nil
}

// GetByAccessToken implements auth.SessionStore.
func (s *SessionStore) GetByAccessToken(_ context.Context, token string) (auth.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byToken(s.byAccess, token)
}

// GetByRefreshToken implements auth.SessionStore.
func (s *SessionStore) GetByRefreshToken(_ context.Context, token string) (auth.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byToken(s.byRefr, token)
}

// ListActiveByUser implements auth.SessionStore.
func (s *SessionStore) ListActiveByUser(_ context.Context, userID string) ([]auth.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []auth.Session
	for _, sess := range s.sessions {
		if sess.UserID == userID && sess.Active {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivity.Before(out[j].LastActivity) })
	return out, nil
}

// Update implements auth.SessionStore.
func (s *SessionStore) Update(_ context.Context, sess auth.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.sessions[sess.ID]
	if !ok {
		return auth.ErrSessionNotFound
	}
	delete(s.byAccess, old.AccessToken)
	delete(s.byRefr, old.RefreshToken)
	s.put(sess)
	return nil
}

// DeactivateAllForUser implements auth.SessionStore.
func (s *SessionStore) DeactivateAllForUser(_ context.Context, userID, exceptID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, sess := range s.sessions {
		if sess.UserID != userID || !sess.Active || id == exceptID {
			continue
		}
		sess.Active = false
		s.sessions[id] = sess
		n++
	}
	return n, nil
}

// SweepExpired implements auth.SessionStore.
func (s *SessionStore) SweepExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, sess := range s.sessions {
		if sess.Active && now.After(sess.ExpiresAt) {
			sess.Active = false
			s.sessions[id] = sess
			n++
		}
	}
	return n, nil
}

// CountActive implements auth.SessionStore.
func (s *SessionStore) CountActive(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, sess := range s.sessions {
		if sess.Active {
			n++
		}
	}
	return n, nil
}

func (s *SessionStore) put(sess auth.Session) {
	s.sessions[sess.ID] = sess
	s.byAccess[sess.AccessToken] = sess.ID
	s.byRefr[sess.RefreshToken] = sess.ID
}

func (s *SessionStore) byToken(index map[string]string, token string) (auth.Session, error) {
	id, ok := index[token]
	if !ok {
		return auth.Session{}, auth.ErrSessionNotFound
	}
	sess, ok := s.sessions[id]
	if !ok {
		return auth.Session{}, auth.ErrSessionNotFound
	}
	return sess, nil
}

// NewDirectory returns a Directory preloaded with users.
func NewDirectory(users ...auth.User) *Directory {
	d := &Directory{byID: make(map[string]auth.User), byExt: make(map[string]auth.User)}
	for _, u := range users {
		d.Add(u)
	}
	return d
}

// Add registers a user.
func (d *Directory) Add(u auth.User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byID[u.ID] = u
	if u.ExternalID != "" {
		d.byExt[u.ExternalID] = u
	}
}

// UserByID implements auth.Directory.
func (d *Directory) UserByID(_ context.Context, id string) (auth.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.byID[id]
	if !ok {
		return auth.User{}, auth.ErrUserNotFound
	}
	return u, nil
}

// UserByExternalID implements auth.Directory.
func (d *Directory) UserByExternalID(_ context.Context, externalID string) (auth.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.byExt[externalID]
	if !ok {
		return auth.User{}, auth.ErrUserNotFound
	}
	return u, nil
}

// Package inmem provides an in-memory conversational session store.
package inmem

import (
	"context"
	"sync"
	"time"

	"github.com/a-afanasyev/Infrasafe-bot-sub006/services/gateway"
)

// SessionStore keeps sessions in a map keyed by external id.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]gateway.Session
}

// NewSessionStore returns an empty SessionStore.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]gateway.Session)}
}

// Get implements gateway.SessionStore.
func (s *SessionStore) Get(_ context.Context, externalID string) (gateway.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[externalID]
	if !ok {
		return gateway.Session{}, gateway.ErrSessionNotFound
	}
	return sess, nil
}

// Put implements gateway.SessionStore.
func (s *SessionStore) Put(_ context.Context, sess gateway.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ExternalID] = sess
	return nil
}

// SweepExpired implements gateway.SessionStore.
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

// CountActive implements gateway.SessionStore.
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

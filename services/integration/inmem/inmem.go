// Package inmem provides an in-memory intake store.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/fault"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/services/integration"
)

// IntakeStore keeps intakes in maps with a per-source idempotency index.
type IntakeStore struct {
	mu      sync.Mutex
	byID    map[string]integration.Intake
	byKey   map[string]string
	ordered []string
}

// NewIntakeStore returns an empty IntakeStore.
func NewIntakeStore() *IntakeStore {
	return &IntakeStore{byID: make(map[string]integration.Intake), byKey: make(map[string]string)}
}

// Insert implements integration.IntakeStore.
func (s *IntakeStore) Insert(_ context.Context, in integration.Intake) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := in.Source + "\x00" + in.IdempotencyKey
	if _, dup := s.byKey[key]; dup {
		return fault.Errorf(fault.KindConflict, "intake with key %s already exists", in.IdempotencyKey)
	}
	s.byID[in.ID] = in
	s.byKey[key] = in.ID
	s.ordered = append(s.ordered, in.ID)
	return nil
}

// GetByKey implements integration.IntakeStore.
func (s *IntakeStore) GetByKey(_ context.Context, source, key string) (integration.Intake, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byKey[source+"\x00"+key]
	if !ok {
		return integration.Intake{}, integration.ErrIntakeNotFound
	}
	return s.byID[id], nil
}

// Update implements integration.IntakeStore.
func (s *IntakeStore) Update(_ context.Context, in integration.Intake) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[in.ID]; !ok {
		return integration.ErrIntakeNotFound
	}
	s.byID[in.ID] = in
	return nil
}

// ListRetryable implements integration.IntakeStore.
func (s *IntakeStore) ListRetryable(_ context.Context, now time.Time, limit int) ([]integration.Intake, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []integration.Intake
	for _, id := range s.ordered {
		in := s.byID[id]
		if in.Status == integration.IntakeFailed && !in.NextAttempt.IsZero() && !now.Before(in.NextAttempt) {
			out = append(out, in)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextAttempt.Before(out[j].NextAttempt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

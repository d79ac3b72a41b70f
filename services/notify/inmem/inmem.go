// Package inmem provides an in-memory notification log store.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/a-afanasyev/Infrasafe-bot-sub006/services/notify"
)

// LogStore keeps delivery logs in a map.
type LogStore struct {
	mu      sync.Mutex
	logs    map[string]notify.Log
	ordered []string
}

// NewLogStore returns an empty LogStore.
func NewLogStore() *LogStore {
	return &LogStore{logs: make(map[string]notify.Log)}
}

// Insert implements notify.LogStore.
func (s *LogStore) Insert(_ context.Context, l notify.Log) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[l.ID] = l
	s.ordered = append(s.ordered, l.ID)
	return nil
}

// Update implements notify.LogStore.
func (s *LogStore) Update(_ context.Context, l notify.Log) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.logs[l.ID]; !ok {
		return notify.ErrLogNotFound
	}
	s.logs[l.ID] = l
	return nil
}

// Get implements notify.LogStore.
func (s *LogStore) Get(_ context.Context, id string) (notify.Log, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[id]
	if !ok {
		return notify.Log{}, notify.ErrLogNotFound
	}
	return l, nil
}

// WasSent implements notify.LogStore.
func (s *LogStore) WasSent(_ context.Context, correlationID, channel, recipient string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.logs {
		if l.Status == notify.StatusSent &&
			l.CorrelationID == correlationID &&
			l.Channel == channel &&
			l.Recipient == recipient {
			return true, nil
		}
	}
	return false, nil
}

// ListRetryable implements notify.LogStore.
func (s *LogStore) ListRetryable(_ context.Context, now time.Time, limit int) ([]notify.Log, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []notify.Log
	for _, id := range s.ordered {
		l := s.logs[id]
		if l.Status == notify.StatusRetry && !l.NextAttempt.IsZero() && !now.Before(l.NextAttempt) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextAttempt.Before(out[j].NextAttempt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// All returns every log row, used by tests.
func (s *LogStore) All() []notify.Log {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]notify.Log, 0, len(s.ordered))
	for _, id := range s.ordered {
		out = append(out, s.logs[id])
	}
	return out
}

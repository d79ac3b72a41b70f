// Package inmem provides an in-memory media metadata store.
package inmem

import (
	"context"
	"sync"

	"github.com/a-afanasyev/Infrasafe-bot-sub006/services/media"
)

// MetaStore keeps upload metadata in a map.
type MetaStore struct {
	mu      sync.Mutex
	items   map[string]media.Media
	ordered []string
}

// NewMetaStore returns an empty MetaStore.
func NewMetaStore() *MetaStore {
	return &MetaStore{items: make(map[string]media.Media)}
}

// Insert implements media.MetaStore.
func (s *MetaStore) Insert(_ context.Context, m media.Media) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[m.ID] = m
	s.ordered = append(s.ordered, m.ID)
	return nil
}

// Get implements media.MetaStore.
func (s *MetaStore) Get(_ context.Context, id string) (media.Media, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.items[id]
	if !ok {
		return media.Media{}, media.ErrMediaNotFound
	}
	return m, nil
}

// ListByRequest implements media.MetaStore.
func (s *MetaStore) ListByRequest(_ context.Context, requestNumber string) ([]media.Media, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []media.Media
	for _, id := range s.ordered {
		if m := s.items[id]; m.RequestNumber == requestNumber {
			out = append(out, m)
		}
	}
	return out, nil
}

// Len returns the number of stored rows, used by tests.
func (s *MetaStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

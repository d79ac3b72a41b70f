// Package inmem provides in-memory request stores for tests and single-node
// development runs.
package inmem

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/fault"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/services/request"
)

type (
	// OrderStore keeps work orders in a map keyed by number.
	OrderStore struct {
		mu     sync.RWMutex
		orders map[string]request.WorkOrder
	}

	// AssignmentStore keeps assignment records per order.
	AssignmentStore struct {
		mu      sync.Mutex
		byOrder map[string][]request.AssignmentRecord
	}

	// Directory is a fixed executor pool. Failing simulates an unreachable
	// User service.
	Directory struct {
		mu        sync.RWMutex
		executors map[string]request.Executor
		failing   bool
	}

	// Sequences reserves request numbers under a unique constraint,
	// implementing reqnum.Fallback.
	Sequences struct {
		mu       sync.Mutex
		reserved map[string]struct{}
		perDate  map[string]int
	}
)

// NewOrderStore returns an empty OrderStore.
func NewOrderStore() *OrderStore {
	return &OrderStore{orders: make(map[string]request.WorkOrder)}
}

// Insert implements request.OrderStore.
func (s *OrderStore) Insert(_ context.Context, o request.WorkOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.orders[o.Number]; dup {
		return fault.Errorf(fault.KindConflict, "work order %s already exists", o.Number)
	}
	s.orders[o.Number] = o
	return nil
}

// Get implements request.OrderStore.
func (s *OrderStore) Get(_ context.Context, number string) (request.WorkOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[number]
	if !ok {
		return request.WorkOrder{}, request.ErrOrderNotFound
	}
	return o, nil
}

// Update implements request.OrderStore.
func (s *OrderStore) Update(_ context.Context, o request.WorkOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[o.Number]; !ok {
		return request.ErrOrderNotFound
	}
	s.orders[o.Number] = o
	return nil
}

// ListByStatus implements request.OrderStore.
func (s *OrderStore) ListByStatus(_ context.Context, status request.Status) ([]request.WorkOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []request.WorkOrder
	for _, o := range s.orders {
		if o.Status == status {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

// CountByDate implements request.OrderStore.
func (s *OrderStore) CountByDate(_ context.Context, date string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for number := range s.orders {
		if strings.HasPrefix(number, date+"-") {
			n++
		}
	}
	return n, nil
}

// NewAssignmentStore returns an empty AssignmentStore.
func NewAssignmentStore() *AssignmentStore {
	return &AssignmentStore{byOrder: make(map[string][]request.AssignmentRecord)}
}

// Swap implements request.AssignmentStore: the prior active record is
// deactivated and the new one inserted under one lock.
func (s *AssignmentStore) Swap(_ context.Context, rec request.AssignmentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.byOrder[rec.OrderNumber]
	for i := range recs {
		recs[i].Active = false
	}
	s.byOrder[rec.OrderNumber] = append(recs, rec)
	return nil
}

// ActiveByOrder implements request.AssignmentStore.
func (s *AssignmentStore) ActiveByOrder(_ context.Context, number string) (request.AssignmentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.byOrder[number] {
		if rec.Active {
			return rec, nil
		}
	}
	return request.AssignmentRecord{}, request.ErrAssignmentNotFound
}

// ListByOrder implements request.AssignmentStore, newest first.
func (s *AssignmentStore) ListByOrder(_ context.Context, number string) ([]request.AssignmentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.byOrder[number]
	out := make([]request.AssignmentRecord, len(recs))
	for i, rec := range recs {
		out[len(recs)-1-i] = rec
	}
	return out, nil
}

// NewDirectory returns a Directory preloaded with executors.
func NewDirectory(executors ...request.Executor) *Directory {
	d := &Directory{executors: make(map[string]request.Executor)}
	for _, x := range executors {
		d.executors[x.ID] = x
	}
	return d
}

// SetFailing makes every lookup fail, simulating an unreachable User
// service.
func (d *Directory) SetFailing(failing bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failing = failing
}

// Put upserts an executor profile.
func (d *Directory) Put(x request.Executor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.executors[x.ID] = x
}

// Executors implements request.Directory. The pool is every active
// executor; scoring decides relevance.
func (d *Directory) Executors(_ context.Context, _ string) ([]request.Executor, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.failing {
		return nil, fault.New(fault.KindUnavailable, "user service unreachable")
	}
	out := make([]request.Executor, 0, len(d.executors))
	for _, x := range d.executors {
		if x.Active {
			out = append(out, x)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Executor implements request.Directory.
func (d *Directory) Executor(_ context.Context, id string) (request.Executor, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.failing {
		return request.Executor{}, fault.New(fault.KindUnavailable, "user service unreachable")
	}
	x, ok := d.executors[id]
	if !ok {
		return request.Executor{}, fault.Errorf(fault.KindNotFound, "executor %s not found", id)
	}
	return x, nil
}

// NewSequences returns an empty Sequences.
func NewSequences() *Sequences {
	return &Sequences{reserved: make(map[string]struct{}), perDate: make(map[string]int)}
}

// NextCandidate implements reqnum.Fallback.
func (s *Sequences) NextCandidate(_ context.Context, date string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.perDate[date] + 1, nil
}

// Reserve implements reqnum.Fallback.
func (s *Sequences) Reserve(_ context.Context, date string, seq int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := fmt.Sprintf("%s-%03d", date, seq)
	if _, taken := s.reserved[key]; taken {
		return fault.Errorf(fault.KindConflict, "request number %s already reserved", key)
	}
	s.reserved[key] = struct{}{}
	if seq > s.perDate[date] {
		s.perDate[date] = seq
	}
	return nil
}

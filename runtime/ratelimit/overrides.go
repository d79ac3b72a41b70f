package ratelimit

import (
	"context"
	"strconv"
	"sync"

	"goa.design/pulse/rmap"
)

type (
	// OverrideMap is the subset of rmap.Map used to propagate limit
	// overrides across processes. Keys are "<scope>/<window>", values the
	// decimal limit.
	OverrideMap interface {
		Map() map[string]string
		Subscribe() <-chan rmap.EventKind
	}

	rmapOverrides struct {
		m *rmap.Map
	}

	// overrideWatcher mirrors the replicated override map into a local
	// lookup table so admission checks never block on the map.
	overrideWatcher struct {
		mu     sync.RWMutex
		limits map[string]int
	}
)

// Overrides adapts a replicated map for use as the limiter's override source.
func Overrides(m *rmap.Map) OverrideMap {
	if m == nil {
		return nil
	}
	return &rmapOverrides{m: m}
}

func (o *rmapOverrides) Map() map[string]string { return o.m.Map() }

func (o *rmapOverrides) Subscribe() <-chan rmap.EventKind { return o.m.Subscribe() }

// SetOverride publishes a cluster-wide limit override. A non-positive limit
// is rejected by readers, effectively clearing the override.
func SetOverride(ctx context.Context, m *rmap.Map, scope, window string, limit int) error {
	_, err := m.Set(ctx, overrideKey(scope, window), strconv.Itoa(limit))
	return err
}

func newOverrideWatcher(ctx context.Context, m OverrideMap) *overrideWatcher {
	w := &overrideWatcher{limits: make(map[string]int)}
	w.reload(m.Map())
	ch := m.Subscribe()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				w.reload(m.Map())
			}
		}
	}()
	return w
}

func (w *overrideWatcher) reload(snapshot map[string]string) {
	limits := make(map[string]int, len(snapshot))
	for k, v := range snapshot {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			continue
		}
		limits[k] = n
	}
	w.mu.Lock()
	w.limits = limits
	w.mu.Unlock()
}

func (w *overrideWatcher) limitFor(scope, window string, fallback int) int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if n, ok := w.limits[overrideKey(scope, window)]; ok {
		return n
	}
	return fallback
}

func overrideKey(scope, window string) string {
	return scope + "/" + window
}

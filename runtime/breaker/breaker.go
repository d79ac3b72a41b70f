// Package breaker guards calls to downstream dependencies with named
// circuit breakers. A breaker trips after a configured number of
// consecutive classified failures, stays open for a timeout, then admits a
// single probe: success closes it, failure reopens it. Business errors pass
// through without counting against the breaker.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/fault"
)

const (
	defaultFailureThreshold = 5
	defaultOpenTimeout      = 30 * time.Second
)

// ErrOpen reports a call rejected because the breaker is open (or because
// the half-open probe slot is taken). Callers receive it wrapped in an
// unavailability fault.
var ErrOpen = errors.New("breaker open")

// State is the breaker state, numbered for direct use as a gauge value.
type State int

const (
	Closed   State = 0
	Open     State = 1
	HalfOpen State = 2
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

type (
	// Classifier reports whether an error counts against the breaker.
	Classifier func(error) bool

	// Settings configures one named breaker.
	Settings struct {
		// FailureThreshold is the number of consecutive classified
		// failures that trip the breaker.
		FailureThreshold uint32
		// OpenTimeout is how long the breaker stays open before admitting
		// a probe.
		OpenTimeout time.Duration
		// Classify decides which errors count as failures. Defaults to
		// InfrastructureErrors.
		Classify Classifier
	}

	// Options configures a Registry.
	Options struct {
		// Defaults apply to breakers with no per-name settings.
		Defaults Settings
		// PerName overrides settings for specific breaker names.
		PerName map[string]Settings
		// OnStateChange observes every transition, keyed by breaker name.
		OnStateChange func(name string, from, to State)
	}

	// Registry creates and caches breakers by name so every caller guarding
	// the same dependency shares one breaker.
	Registry struct {
		mu       sync.RWMutex
		breakers map[string]*gobreaker.CircuitBreaker
		opts     Options
	}
)

// InfrastructureErrors is the default classifier: unavailability, timeouts
// and unclassified errors count; domain faults do not.
func InfrastructureErrors(err error) bool {
	switch fault.KindOf(err) {
	case fault.KindUnavailable, fault.KindTimeout, fault.KindInternal:
		return true
	default:
		return false
	}
}

// NewRegistry returns an empty Registry.
func NewRegistry(opts Options) *Registry {
	return &Registry{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		opts:     opts,
	}
}

// Do runs fn under the named breaker. When the breaker rejects the call the
// returned error is an unavailability fault wrapping ErrOpen and fn is
// never invoked.
func (r *Registry) Do(ctx context.Context, name string, fn func(context.Context) error) error {
	_, err := r.get(name).Execute(func() (any, error) {
		return nil, fn(ctx)
	})
	return r.convert(name, err)
}

// Call runs fn under the named breaker and returns its value.
func Call[T any](ctx context.Context, r *Registry, name string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	v, err := r.get(name).Execute(func() (any, error) {
		return fn(ctx)
	})
	if err != nil {
		return zero, r.convert(name, err)
	}
	out, ok := v.(T)
	if !ok {
		return zero, fault.Errorf(fault.KindInternal, "breaker %s: unexpected result type", name)
	}
	return out, nil
}

// State reports the current state of the named breaker. Unknown names read
// as closed since a breaker that never saw traffic cannot be open.
func (r *Registry) State(name string) State {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()
	if !ok {
		return Closed
	}
	return fromGobreaker(cb.State())
}

// States snapshots all known breakers, for metrics export.
func (r *Registry) States() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]State, len(r.breakers))
	for name, cb := range r.breakers {
		out[name] = fromGobreaker(cb.State())
	}
	return out
}

// IsOpen reports whether err is a breaker rejection.
func IsOpen(err error) bool {
	return errors.Is(err, ErrOpen)
}

func (r *Registry) get(name string) *gobreaker.CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	st := r.opts.Defaults
	if per, ok := r.opts.PerName[name]; ok {
		st = per
	}
	if st.FailureThreshold == 0 {
		st.FailureThreshold = defaultFailureThreshold
	}
	if st.OpenTimeout <= 0 {
		st.OpenTimeout = defaultOpenTimeout
	}
	classify := st.Classify
	if classify == nil {
		classify = InfrastructureErrors
	}

	threshold := st.FailureThreshold
	onChange := r.opts.OnStateChange
	cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: name,
		// Admit exactly one probe while half-open.
		MaxRequests: 1,
		Timeout:     st.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !classify(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if onChange != nil {
				onChange(name, fromGobreaker(from), fromGobreaker(to))
			}
		},
	})
	r.breakers[name] = cb
	return cb
}

func (r *Registry) convert(name string, err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fault.Wrap(fault.KindUnavailable, ErrOpen, "%s is unavailable", name)
	}
	return err
}

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return Open
	case gobreaker.StateHalfOpen:
		return HalfOpen
	default:
		return Closed
	}
}

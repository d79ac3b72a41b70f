// Package health aggregates dependency probes into the platform's
// tri-state readiness report: healthy, degraded when an optional dependency
// or breaker is unwell, error when a critical dependency is unreachable.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"goa.design/clue/health"

	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/breaker"
)

// Status is the aggregate readiness of a service.
type Status string

const (
	Healthy  Status = "healthy"
	Degraded Status = "degraded"
	Error    Status = "error"
)

type (
	// Check is the outcome of one dependency probe.
	Check struct {
		Name     string `json:"name"`
		Healthy  bool   `json:"healthy"`
		Critical bool   `json:"critical"`
		Error    string `json:"error,omitempty"`
	}

	// Report is the detailed readiness payload.
	Report struct {
		Status   Status                   `json:"status"`
		Service  string                   `json:"service"`
		Version  string                   `json:"version"`
		Uptime   int64                    `json:"uptime_seconds"`
		Checks   []Check                  `json:"checks"`
		Breakers map[string]breaker.State `json:"breakers,omitempty"`
	}

	// Aggregator owns the probe set of one service.
	Aggregator struct {
		service string
		version string
		started time.Time

		mu       sync.RWMutex
		critical []health.Pinger
		optional []health.Pinger
		breakers *breaker.Registry
	}
)

// New returns an Aggregator for the named service.
func New(service, version string) *Aggregator {
	return &Aggregator{service: service, version: version, started: time.Now()}
}

// RegisterCritical adds a probe whose failure makes the service unready.
func (a *Aggregator) RegisterCritical(p health.Pinger) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.critical = append(a.critical, p)
}

// Register adds a probe whose failure only degrades the service.
func (a *Aggregator) Register(p health.Pinger) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.optional = append(a.optional, p)
}

// WatchBreakers includes breaker states in reports; any open breaker
// degrades the service.
func (a *Aggregator) WatchBreakers(r *breaker.Registry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.breakers = r
}

// Report probes every dependency and aggregates the outcome.
func (a *Aggregator) Report(ctx context.Context) Report {
	a.mu.RLock()
	critical := append([]health.Pinger(nil), a.critical...)
	optional := append([]health.Pinger(nil), a.optional...)
	breakers := a.breakers
	a.mu.RUnlock()

	rep := Report{
		Status:  Healthy,
		Service: a.service,
		Version: a.version,
		Uptime:  int64(time.Since(a.started).Seconds()),
	}
	for _, p := range critical {
		c := probe(ctx, p, true)
		rep.Checks = append(rep.Checks, c)
		if !c.Healthy {
			rep.Status = Error
		}
	}
	for _, p := range optional {
		c := probe(ctx, p, false)
		rep.Checks = append(rep.Checks, c)
		if !c.Healthy && rep.Status == Healthy {
			rep.Status = Degraded
		}
	}
	if breakers != nil {
		rep.Breakers = breakers.States()
		for _, s := range rep.Breakers {
			if s != breaker.Closed && rep.Status == Healthy {
				rep.Status = Degraded
			}
		}
	}
	return rep
}

// LivenessHandler answers liveness only: the process is up.
func (a *Aggregator) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok", "service": a.service})
	}
}

// ReadinessHandler serves the detailed report. Readiness failures answer
// 503 so load balancers stop routing; degraded stays 200.
func (a *Aggregator) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rep := a.Report(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if rep.Status == Error {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(rep)
	}
}

func probe(ctx context.Context, p health.Pinger, critical bool) Check {
	c := Check{Name: p.Name(), Healthy: true, Critical: critical}
	if err := p.Ping(ctx); err != nil {
		c.Healthy = false
		c.Error = err.Error()
	}
	return c
}

// Package background runs the platform's periodic workers: session
// sweepers, webhook retry scans and lock cleanup. Each worker ticks on a
// jittered interval so replicas do not synchronize, and stops when its
// context is done.
package background

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"goa.design/clue/log"
)

type (
	// Task is one periodic unit of work. Errors are logged, not fatal: the
	// worker keeps ticking.
	Task func(ctx context.Context) error

	// Worker describes one periodic job.
	Worker struct {
		// Name identifies the worker in logs.
		Name string
		// Interval is the base tick period.
		Interval time.Duration
		// Jitter randomizes each tick by up to the given fraction of
		// Interval in either direction. Defaults to 0.1.
		Jitter float64
		// Immediate runs the task once at start instead of waiting a full
		// interval.
		Immediate bool
		Task      Task
	}

	// Runner owns a set of workers and their shutdown.
	Runner struct {
		mu      sync.Mutex
		workers []Worker
		wg      sync.WaitGroup
		started bool
	}
)

// NewRunner returns an empty Runner.
func NewRunner() *Runner { return &Runner{} }

// Add registers a worker. Must be called before Start.
func (r *Runner) Add(w Worker) error {
	if w.Name == "" {
		return errors.New("worker name is required")
	}
	if w.Interval <= 0 {
		return errors.New("worker interval must be positive")
	}
	if w.Task == nil {
		return errors.New("worker task is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return errors.New("runner already started")
	}
	r.workers = append(r.workers, w)
	return nil
}

// Start launches every registered worker. It returns immediately; workers
// stop when ctx is done.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	r.started = true
	workers := r.workers
	r.mu.Unlock()
	for _, w := range workers {
		r.wg.Add(1)
		go r.run(ctx, w)
	}
}

// Wait blocks until every worker has stopped.
func (r *Runner) Wait() { r.wg.Wait() }

func (r *Runner) run(ctx context.Context, w Worker) {
	defer r.wg.Done()
	jitter := w.Jitter
	if jitter <= 0 {
		jitter = 0.1
	}
	if w.Immediate {
		r.tick(ctx, w)
	}
	timer := time.NewTimer(jittered(w.Interval, jitter))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			r.tick(ctx, w)
			timer.Reset(jittered(w.Interval, jitter))
		}
	}
}

func (r *Runner) tick(ctx context.Context, w Worker) {
	if ctx.Err() != nil {
		return
	}
	if err := w.Task(ctx); err != nil && ctx.Err() == nil {
		log.Error(ctx, err, log.KV{K: "worker", V: w.Name})
	}
}

func jittered(base time.Duration, jitter float64) time.Duration {
	d := float64(base) * (1 + jitter*(rand.Float64()*2-1))
	if d < 0 {
		return 0
	}
	return time.Duration(d)
}

// Package workpool bounds CPU-heavy work such as password hashing so it
// cannot starve network handling. Submissions acquire a semaphore slot,
// run on the caller's goroutine, and honor context cancellation while
// waiting for a slot.
package workpool

import (
	"context"
	"errors"
	"runtime"

	"golang.org/x/sync/semaphore"
)

// Pool is a bounded slot pool for CPU-bound work.
type Pool struct {
	sem  *semaphore.Weighted
	size int64
}

// New returns a Pool with the given number of slots. A non-positive size
// defaults to GOMAXPROCS.
func New(size int) *Pool {
	if size <= 0 {
		size = runtime.GOMAXPROCS(0)
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size)), size: int64(size)}
}

// Do runs fn once a slot is available. It returns the context error when the
// caller gives up before a slot frees.
func (p *Pool) Do(ctx context.Context, fn func() error) error {
	if fn == nil {
		return errors.New("workpool: fn is required")
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	return fn()
}

// Run runs fn once a slot is available and returns its value.
func Run[T any](ctx context.Context, p *Pool, fn func() (T, error)) (T, error) {
	var out T
	err := p.Do(ctx, func() error {
		var err error
		out, err = fn()
		return err
	})
	return out, err
}

// Size reports the configured slot count, for the pool-size gauge.
func (p *Pool) Size() int { return int(p.size) }

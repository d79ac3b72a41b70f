// Package reqnum allocates human-readable work-order numbers in the form
// YYMMDD-NNN. The sequence restarts at 001 at local midnight of the
// configured timezone. The substrate counter is the canonical allocator; a
// store-backed reservation sequence is a recovery path used only when the
// substrate is unreachable.
package reqnum

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/fault"
)

const (
	// counterTTL outlives the day it counts so clock skew between replicas
	// cannot resurrect an expired sequence mid-day.
	counterTTL = 48 * time.Hour
	// maxSequence is the last number a day can hold.
	maxSequence = 999
	// maxFallbackAttempts bounds conflict retries on the recovery path.
	maxFallbackAttempts = 10

	dateLayout = "060102"
)

// Pattern is the shape every generated number must match.
var Pattern = regexp.MustCompile(`^\d{6}-\d{3}$`)

// ErrOverflow reports a day that exhausted its 999 numbers. Callers must
// reject the creation; the error is never retried.
var ErrOverflow = errors.New("daily request number capacity exhausted")

type (
	// Counter is the substrate operation the allocator relies on. Satisfied
	// by kv.Client.
	Counter interface {
		IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)
	}

	// Fallback reserves numbers in the relational store when the substrate
	// is down. Reserve returns a conflict fault when the number is taken.
	Fallback interface {
		// NextCandidate returns the first sequence number to try for the
		// date, typically count-within-date + 1.
		NextCandidate(ctx context.Context, date string) (int, error)
		// Reserve claims date-seq under a unique constraint.
		Reserve(ctx context.Context, date string, seq int) error
	}

	// Allocator hands out collision-free numbers.
	Allocator struct {
		counter  Counter
		fallback Fallback
		loc      *time.Location
		now      func() time.Time
	}

	// Options configures an Allocator.
	Options struct {
		Counter Counter
		// Fallback is optional; without it substrate failures surface as
		// unavailability.
		Fallback Fallback
		// Location anchors the daily reset. Defaults to UTC.
		Location *time.Location
		// Now overrides the clock, used by tests.
		Now func() time.Time
	}
)

// New returns an Allocator.
func New(opts Options) (*Allocator, error) {
	if opts.Counter == nil {
		return nil, errors.New("counter is required")
	}
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Allocator{
		counter:  opts.Counter,
		fallback: opts.Fallback,
		loc:      loc,
		now:      now,
	}, nil
}

// Generate allocates the next number for the current local date. Numbers are
// never reused, even when the owning work-order is later deleted.
func (a *Allocator) Generate(ctx context.Context) (string, error) {
	date := a.now().In(a.loc).Format(dateLayout)

	seq, err := a.counter.IncrWithTTL(ctx, counterKey(date), counterTTL)
	if err != nil {
		kind := fault.KindOf(err)
		if a.fallback == nil || (kind != fault.KindUnavailable && kind != fault.KindTimeout) {
			return "", fmt.Errorf("allocate request number: %w", err)
		}
		return a.generateFallback(ctx, date)
	}
	return a.format(date, int(seq))
}

// generateFallback reserves a number through the store: count within the
// date, then insert under the unique constraint, advancing on conflicts up
// to a bounded number of attempts.
func (a *Allocator) generateFallback(ctx context.Context, date string) (string, error) {
	seq, err := a.fallback.NextCandidate(ctx, date)
	if err != nil {
		return "", fmt.Errorf("request number fallback: %w", err)
	}
	for attempt := 0; attempt < maxFallbackAttempts; attempt++ {
		if seq > maxSequence {
			return "", fault.Wrap(fault.KindValidation, ErrOverflow, "date %s", date)
		}
		err := a.fallback.Reserve(ctx, date, seq)
		if err == nil {
			return a.format(date, seq)
		}
		if !fault.IsKind(err, fault.KindConflict) {
			return "", fmt.Errorf("request number fallback: %w", err)
		}
		seq++
	}
	return "", fault.Errorf(fault.KindConflict, "request number fallback exhausted %d attempts", maxFallbackAttempts)
}

func (a *Allocator) format(date string, seq int) (string, error) {
	if seq > maxSequence {
		return "", fault.Wrap(fault.KindValidation, ErrOverflow, "date %s", date)
	}
	n := fmt.Sprintf("%s-%03d", date, seq)
	if !Pattern.MatchString(n) {
		return "", fault.Errorf(fault.KindInternal, "generated malformed request number %q", n)
	}
	return n, nil
}

// Valid reports whether s is a well-formed request number.
func Valid(s string) bool { return Pattern.MatchString(s) }

func counterKey(date string) string { return "reqnum:" + date }

// Package backoff implements bounded exponential backoff with jitter for
// background retry loops: webhook reprocessing, notification redelivery and
// peer calls that are worth a second attempt.
package backoff

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/fault"
)

type (
	// Config configures retry behavior.
	Config struct {
		// MaxAttempts is the total number of attempts including the first.
		// Zero or one means no retries.
		MaxAttempts int
		// InitialBackoff is the delay before the first retry.
		InitialBackoff time.Duration
		// MaxBackoff caps the delay between retries.
		MaxBackoff time.Duration
		// Multiplier grows the delay after each retry; 2.0 doubles it.
		Multiplier float64
		// Jitter randomizes each delay by up to the given fraction in either
		// direction; 0.1 means ±10%.
		Jitter float64
	}

	// ExhaustedError reports that every attempt failed.
	ExhaustedError struct {
		Attempts      int
		TotalDuration time.Duration
		LastError     error
	}
)

// DefaultConfig is the platform default retry policy.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.1,
	}
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts over %v: %v", e.Attempts, e.TotalDuration, e.LastError)
}

func (e *ExhaustedError) Unwrap() error { return e.LastError }

// IsRetryable reports whether an error is worth another attempt: substrate or
// peer unavailability and timeouts are; domain faults and cancellation are
// not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	switch fault.KindOf(err) {
	case fault.KindUnavailable, fault.KindTimeout:
		return true
	default:
		return false
	}
}

// Do runs fn until it succeeds, returns a non-retryable error, the context is
// done, or attempts are exhausted.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsRetryable(err) {
			return err
		}
		if attempt >= cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cfg.Delay(attempt)):
		}
	}
	return &ExhaustedError{
		Attempts:      cfg.MaxAttempts,
		TotalDuration: time.Since(start),
		LastError:     lastErr,
	}
}

// Delay computes the jittered delay to wait after the given attempt (1-based).
func (cfg Config) Delay(attempt int) time.Duration {
	multiplier := cfg.Multiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}
	d := float64(cfg.InitialBackoff) * math.Pow(multiplier, float64(attempt-1))
	if cfg.MaxBackoff > 0 && d > float64(cfg.MaxBackoff) {
		d = float64(cfg.MaxBackoff)
	}
	if cfg.Jitter > 0 {
		d += d * cfg.Jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(d)
}

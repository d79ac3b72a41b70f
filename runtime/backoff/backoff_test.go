package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/fault"
)

func TestDoStopsOnNonRetryable(t *testing.T) {
	calls := 0
	err := Do(context.Background(), DefaultConfig(), func(context.Context) error {
		calls++
		return fault.New(fault.KindValidation, "bad payload")
	})
	require.True(t, fault.IsKind(err, fault.KindValidation))
	require.Equal(t, 1, calls)
}

func TestDoRetriesUnavailable(t *testing.T) {
	cfg := Config{MaxAttempts: 3, InitialBackoff: time.Millisecond, Multiplier: 2}
	calls := 0
	err := Do(context.Background(), cfg, func(context.Context) error {
		calls++
		if calls < 3 {
			return fault.New(fault.KindUnavailable, "peer down")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestDoExhaustsAndWrapsLastError(t *testing.T) {
	cfg := Config{MaxAttempts: 2, InitialBackoff: time.Millisecond}
	cause := fault.New(fault.KindTimeout, "slow peer")
	err := Do(context.Background(), cfg, func(context.Context) error { return cause })

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, 2, exhausted.Attempts)
	require.ErrorIs(t, err, cause)
	// The taxonomy kind survives the wrapping so callers still classify it.
	require.True(t, fault.IsKind(err, fault.KindTimeout))
}

func TestDoHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxAttempts: 10, InitialBackoff: time.Hour}
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := Do(ctx, cfg, func(context.Context) error {
		calls++
		return fault.New(fault.KindUnavailable, "down")
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, calls)
}

func TestDelayGrowthAndCap(t *testing.T) {
	cfg := Config{InitialBackoff: 100 * time.Millisecond, MaxBackoff: 300 * time.Millisecond, Multiplier: 2}
	require.Equal(t, 100*time.Millisecond, cfg.Delay(1))
	require.Equal(t, 200*time.Millisecond, cfg.Delay(2))
	require.Equal(t, 300*time.Millisecond, cfg.Delay(3))
	require.Equal(t, 300*time.Millisecond, cfg.Delay(10))
}

func TestDelayJitterStaysBounded(t *testing.T) {
	cfg := Config{InitialBackoff: 100 * time.Millisecond, Multiplier: 2, Jitter: 0.1}
	for i := 0; i < 100; i++ {
		d := cfg.Delay(1)
		require.GreaterOrEqual(t, d, 90*time.Millisecond)
		require.LessOrEqual(t, d, 110*time.Millisecond)
	}
}

func TestIsRetryable(t *testing.T) {
	require.False(t, IsRetryable(nil))
	require.False(t, IsRetryable(errors.New("boom")))
	require.False(t, IsRetryable(context.Canceled))
	require.True(t, IsRetryable(fault.New(fault.KindUnavailable, "down")))
	require.True(t, IsRetryable(fault.New(fault.KindTimeout, "slow")))
	require.False(t, IsRetryable(fault.New(fault.KindConflict, "dup")))
}

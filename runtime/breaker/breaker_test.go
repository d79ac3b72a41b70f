package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/fault"
)

var errDown = errors.New("connection refused")

func TestTripsAfterConsecutiveFailures(t *testing.T) {
	r := NewRegistry(Options{Defaults: Settings{FailureThreshold: 3, OpenTimeout: time.Minute}})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := r.Do(ctx, "ml-scoring", func(context.Context) error { return errDown })
		require.ErrorIs(t, err, errDown)
	}
	assert.Equal(t, Open, r.State("ml-scoring"))

	called := false
	err := r.Do(ctx, "ml-scoring", func(context.Context) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.True(t, IsOpen(err))
	assert.Equal(t, fault.KindUnavailable, fault.KindOf(err))
	assert.False(t, called, "an open breaker must not invoke the call")
}

func TestBusinessErrorsDoNotTrip(t *testing.T) {
	r := NewRegistry(Options{Defaults: Settings{FailureThreshold: 2, OpenTimeout: time.Minute}})
	ctx := context.Background()

	notFound := fault.New(fault.KindNotFound, "no such request")
	for i := 0; i < 10; i++ {
		err := r.Do(ctx, "store", func(context.Context) error { return notFound })
		require.ErrorIs(t, err, notFound, "business errors pass through unchanged")
	}
	assert.Equal(t, Closed, r.State("store"))
}

func TestSuccessResetsConsecutiveCount(t *testing.T) {
	r := NewRegistry(Options{Defaults: Settings{FailureThreshold: 3, OpenTimeout: time.Minute}})
	ctx := context.Background()

	fail := func(context.Context) error { return errDown }
	ok := func(context.Context) error { return nil }

	require.Error(t, r.Do(ctx, "smtp", fail))
	require.Error(t, r.Do(ctx, "smtp", fail))
	require.NoError(t, r.Do(ctx, "smtp", ok))
	require.Error(t, r.Do(ctx, "smtp", fail))
	require.Error(t, r.Do(ctx, "smtp", fail))
	assert.Equal(t, Closed, r.State("smtp"), "non-consecutive failures must not trip")

	require.Error(t, r.Do(ctx, "smtp", fail))
	assert.Equal(t, Open, r.State("smtp"))
}

func TestHalfOpenProbeClosesOnSuccess(t *testing.T) {
	r := NewRegistry(Options{Defaults: Settings{FailureThreshold: 1, OpenTimeout: 50 * time.Millisecond}})
	ctx := context.Background()

	require.Error(t, r.Do(ctx, "sms", func(context.Context) error { return errDown }))
	require.Equal(t, Open, r.State("sms"))

	time.Sleep(60 * time.Millisecond)

	require.NoError(t, r.Do(ctx, "sms", func(context.Context) error { return nil }))
	assert.Equal(t, Closed, r.State("sms"))
}

func TestHalfOpenProbeFailureReopens(t *testing.T) {
	r := NewRegistry(Options{Defaults: Settings{FailureThreshold: 1, OpenTimeout: 50 * time.Millisecond}})
	ctx := context.Background()

	require.Error(t, r.Do(ctx, "sms", func(context.Context) error { return errDown }))
	time.Sleep(60 * time.Millisecond)

	require.Error(t, r.Do(ctx, "sms", func(context.Context) error { return errDown }))
	assert.Equal(t, Open, r.State("sms"))

	err := r.Do(ctx, "sms", func(context.Context) error { return nil })
	assert.True(t, IsOpen(err), "a failed probe reopens the breaker")
}

func TestHalfOpenAdmitsSingleProbe(t *testing.T) {
	r := NewRegistry(Options{Defaults: Settings{FailureThreshold: 1, OpenTimeout: 50 * time.Millisecond}})
	ctx := context.Background()

	require.Error(t, r.Do(ctx, "email", func(context.Context) error { return errDown }))
	time.Sleep(60 * time.Millisecond)

	probeStarted := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = r.Do(ctx, "email", func(context.Context) error {
			close(probeStarted)
			<-release
			return nil
		})
	}()
	<-probeStarted

	secondCalled := false
	err := r.Do(ctx, "email", func(context.Context) error {
		secondCalled = true
		return nil
	})
	require.Error(t, err)
	assert.True(t, IsOpen(err))
	assert.False(t, secondCalled, "only one probe may run while half-open")

	close(release)
	wg.Wait()
	assert.Equal(t, Closed, r.State("email"))
}

func TestStateChangeHookObservesTransitions(t *testing.T) {
	type transition struct{ from, to State }
	var (
		mu          sync.Mutex
		transitions []transition
	)
	r := NewRegistry(Options{
		Defaults: Settings{FailureThreshold: 1, OpenTimeout: 50 * time.Millisecond},
		OnStateChange: func(name string, from, to State) {
			mu.Lock()
			transitions = append(transitions, transition{from, to})
			mu.Unlock()
		},
	})
	ctx := context.Background()

	require.Error(t, r.Do(ctx, "dep", func(context.Context) error { return errDown }))
	time.Sleep(60 * time.Millisecond)
	require.NoError(t, r.Do(ctx, "dep", func(context.Context) error { return nil }))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []transition{
		{Closed, Open},
		{Open, HalfOpen},
		{HalfOpen, Closed},
	}, transitions)
}

func TestPerNameSettingsOverrideDefaults(t *testing.T) {
	r := NewRegistry(Options{
		Defaults: Settings{FailureThreshold: 10, OpenTimeout: time.Minute},
		PerName: map[string]Settings{
			"fragile": {FailureThreshold: 1, OpenTimeout: time.Minute},
		},
	})
	ctx := context.Background()

	require.Error(t, r.Do(ctx, "fragile", func(context.Context) error { return errDown }))
	assert.Equal(t, Open, r.State("fragile"))

	require.Error(t, r.Do(ctx, "sturdy", func(context.Context) error { return errDown }))
	assert.Equal(t, Closed, r.State("sturdy"))
}

func TestCallReturnsTypedValue(t *testing.T) {
	r := NewRegistry(Options{})
	got, err := Call(context.Background(), r, "scoring", func(context.Context) (float64, error) {
		return 0.85, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 0.85, got)
}

func TestStatesSnapshot(t *testing.T) {
	r := NewRegistry(Options{Defaults: Settings{FailureThreshold: 1, OpenTimeout: time.Minute}})
	ctx := context.Background()

	require.NoError(t, r.Do(ctx, "healthy", func(context.Context) error { return nil }))
	require.Error(t, r.Do(ctx, "broken", func(context.Context) error { return errDown }))

	states := r.States()
	assert.Equal(t, Closed, states["healthy"])
	assert.Equal(t, Open, states["broken"])
	assert.Equal(t, Closed, r.State("never-seen"))
}

package reqnum

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/fault"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/kv"
)

func newTestAllocator(t *testing.T, opts Options) *Allocator {
	t.Helper()
	if opts.Counter == nil {
		mr := miniredis.RunT(t)
		c, err := kv.New(kv.Options{Redis: redis.NewClient(&redis.Options{Addr: mr.Addr()})})
		require.NoError(t, err)
		t.Cleanup(func() { _ = c.Close() })
		opts.Counter = c
	}
	a, err := New(opts)
	require.NoError(t, err)
	return a
}

func TestGenerateSequencesWithinDay(t *testing.T) {
	now := time.Date(2025, 9, 27, 12, 0, 0, 0, time.UTC)
	a := newTestAllocator(t, Options{Now: func() time.Time { return now }})

	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		n, err := a.Generate(ctx)
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("250927-%03d", i), n)
		require.True(t, Valid(n))
	}
}

func TestGenerateConcurrentAllocationsAreDistinctAndGapless(t *testing.T) {
	now := time.Date(2025, 9, 27, 12, 0, 0, 0, time.UTC)
	a := newTestAllocator(t, Options{Now: func() time.Time { return now }})

	const n = 200
	results := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := a.Generate(context.Background())
			require.NoError(t, err)
			results[i] = v
		}(i)
	}
	wg.Wait()

	sort.Strings(results)
	for i, v := range results {
		require.Equal(t, fmt.Sprintf("250927-%03d", i+1), v)
	}
}

func TestGenerateRestartsAtDayBoundary(t *testing.T) {
	now := time.Date(2025, 9, 27, 23, 59, 59, 0, time.UTC)
	a := newTestAllocator(t, Options{Now: func() time.Time { return now }})

	ctx := context.Background()
	n, err := a.Generate(ctx)
	require.NoError(t, err)
	require.Equal(t, "250927-001", n)

	now = now.Add(time.Second)
	n, err = a.Generate(ctx)
	require.NoError(t, err)
	require.Equal(t, "250928-001", n)
}

func TestGenerateHonorsTimezone(t *testing.T) {
	// 23:30 in UTC is already the next day in Yekaterinburg (UTC+5).
	loc, err := time.LoadLocation("Asia/Yekaterinburg")
	require.NoError(t, err)
	now := time.Date(2025, 9, 27, 23, 30, 0, 0, time.UTC)
	a := newTestAllocator(t, Options{Location: loc, Now: func() time.Time { return now }})

	n, err := a.Generate(context.Background())
	require.NoError(t, err)
	require.Equal(t, "250928-001", n)
}

func TestGenerateOverflowIsTypedAndFinal(t *testing.T) {
	now := time.Date(2025, 9, 27, 12, 0, 0, 0, time.UTC)
	counter := &fakeCounter{n: maxSequence - 1}
	a := newTestAllocator(t, Options{Counter: counter, Now: func() time.Time { return now }})

	ctx := context.Background()
	_, err := a.Generate(ctx)
	require.NoError(t, err) // 999 itself is still legal

	_, err = a.Generate(ctx)
	require.ErrorIs(t, err, ErrOverflow)
	require.True(t, fault.IsKind(err, fault.KindValidation))
}

func TestGenerateFallsBackWhenSubstrateUnavailable(t *testing.T) {
	now := time.Date(2025, 9, 27, 12, 0, 0, 0, time.UTC)
	fb := &fakeFallback{taken: map[string]bool{"250927-001": true, "250927-002": true}, count: 2}
	a := newTestAllocator(t, Options{
		Counter:  &fakeCounter{err: fault.New(fault.KindUnavailable, "substrate down")},
		Fallback: fb,
		Now:      func() time.Time { return now },
	})

	n, err := a.Generate(context.Background())
	require.NoError(t, err)
	require.Equal(t, "250927-003", n)
}

func TestGenerateFallbackRetriesConflicts(t *testing.T) {
	now := time.Date(2025, 9, 27, 12, 0, 0, 0, time.UTC)
	// The candidate count lags the reservations, forcing conflicts.
	fb := &fakeFallback{taken: map[string]bool{"250927-001": true, "250927-002": true}, count: 0}
	a := newTestAllocator(t, Options{
		Counter:  &fakeCounter{err: fault.New(fault.KindUnavailable, "substrate down")},
		Fallback: fb,
		Now:      func() time.Time { return now },
	})

	n, err := a.Generate(context.Background())
	require.NoError(t, err)
	require.Equal(t, "250927-003", n)
}

func TestGenerateWithoutFallbackSurfacesUnavailability(t *testing.T) {
	a := newTestAllocator(t, Options{Counter: &fakeCounter{err: fault.New(fault.KindUnavailable, "substrate down")}})
	_, err := a.Generate(context.Background())
	require.True(t, fault.IsKind(err, fault.KindUnavailable))
}

type fakeCounter struct {
	mu  sync.Mutex
	n   int64
	err error
}

func (f *fakeCounter) IncrWithTTL(context.Context, string, time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.n++
	return f.n, nil
}

type fakeFallback struct {
	mu    sync.Mutex
	taken map[string]bool
	count int
}

func (f *fakeFallback) NextCandidate(_ context.Context, _ string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count + 1, nil
}

func (f *fakeFallback) Reserve(_ context.Context, date string, seq int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fmt.Sprintf("%s-%03d", date, seq)
	if f.taken[key] {
		return fault.Errorf(fault.KindConflict, "number %s taken", key)
	}
	f.taken[key] = true
	f.count++
	return nil
}

package fault

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestKindSurvivesWrapping(t *testing.T) {
	inner := New(KindConflict, "request number taken")
	wrapped := fmt.Errorf("allocate: %w", fmt.Errorf("store: %w", inner))

	require.True(t, IsKind(wrapped, KindConflict))
	require.Equal(t, KindConflict, KindOf(wrapped))
}

func TestIsMatchesByKind(t *testing.T) {
	err := Errorf(KindUnavailable, "substrate unreachable: %s", "dial tcp")
	require.True(t, errors.Is(err, New(KindUnavailable, "")))
	require.False(t, errors.Is(err, New(KindTimeout, "")))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("duplicate key")
	err := Wrap(KindConflict, cause, "insert intake")

	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "insert intake")
	require.Contains(t, err.Error(), "duplicate key")
}

func TestRateLimitedCarriesRetryAfter(t *testing.T) {
	err := RateLimited(42 * time.Second)

	var f *Fault
	require.ErrorAs(t, error(err), &f)
	require.Equal(t, KindRateLimited, f.Kind)
	require.Equal(t, 42*time.Second, f.RetryAfter)
}

func TestLockedCarriesUnlockTime(t *testing.T) {
	until := time.Now().Add(15 * time.Minute).UTC()
	err := Locked(until)

	var f *Fault
	require.ErrorAs(t, error(err), &f)
	require.Equal(t, until, f.LockedUntil)
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[Kind]int{
		KindValidation:   http.StatusUnprocessableEntity,
		KindUnauthorized: http.StatusUnauthorized,
		KindForbidden:    http.StatusForbidden,
		KindLocked:       http.StatusForbidden,
		KindNotFound:     http.StatusNotFound,
		KindRateLimited:  http.StatusTooManyRequests,
		KindConflict:     http.StatusConflict,
		KindUnavailable:  http.StatusServiceUnavailable,
		KindTimeout:      http.StatusServiceUnavailable,
		KindInternal:     http.StatusInternalServerError,
	}
	for kind, want := range cases {
		require.Equal(t, want, HTTPStatus(New(kind, "x")), "kind %s", kind)
	}
}

func TestUnclassifiedErrorIsInternal(t *testing.T) {
	require.Equal(t, KindInternal, KindOf(errors.New("boom")))
	require.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("boom")))
}

func TestContextErrorsAreTimeouts(t *testing.T) {
	require.Equal(t, KindTimeout, KindOf(context.DeadlineExceeded))
	require.Equal(t, KindTimeout, KindOf(fmt.Errorf("kv eval: %w", context.Canceled)))
	// An explicit Fault wins over the context sentinel underneath.
	require.Equal(t, KindUnavailable, KindOf(Wrap(KindUnavailable, context.DeadlineExceeded, "dial")))
}

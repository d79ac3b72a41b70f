package integration_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/backoff"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/breaker"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/fault"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/services/integration"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/services/integration/inmem"
)

type countingHandler struct {
	mu    sync.Mutex
	calls int
	fail  int
}

func (h *countingHandler) handle(_ context.Context, _ integration.Intake, _ []byte) (json.RawMessage, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	if h.calls <= h.fail {
		return nil, errors.New("downstream hiccup")
	}
	return json.RawMessage(`{"ok":true}`), nil
}

func (h *countingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

const testSecret = "whsec_test"

func newService(t *testing.T, h *countingHandler, clk *clock) (*integration.Service, *inmem.IntakeStore) {
	t.Helper()
	store := inmem.NewIntakeStore()
	svc, err := integration.New(integration.Options{
		Store: store,
		Sources: []integration.Source{{
			Name:        "stripe",
			Policy:      integration.StripePolicy{Secret: []byte(testSecret), Now: clk.now},
			Handler:     h.handle,
			MaxAttempts: 3,
		}},
		Retry: backoff.Config{MaxAttempts: 3, InitialBackoff: time.Minute, MaxBackoff: 10 * time.Minute, Multiplier: 2},
		Now:   clk.now,
	})
	require.NoError(t, err)
	return svc, store
}

func signedHeaders(body []byte, at time.Time) map[string]string {
	return map[string]string{
		integration.StripeSignatureHeader: integration.SignStripe([]byte(testSecret), body, at),
	}
}

func TestIngestHappyPath(t *testing.T) {
	clk := &clock{t: time.Date(2025, 10, 3, 9, 0, 0, 0, time.UTC)}
	h := &countingHandler{}
	svc, _ := newService(t, h, clk)

	body := []byte(`{"id":"evt_1","type":"payment.succeeded"}`)
	res, err := svc.Ingest(context.Background(), "stripe", "payment.succeeded", signedHeaders(body, clk.now()), body)
	require.NoError(t, err)
	require.Equal(t, integration.IntakeCompleted, res.Status)
	require.JSONEq(t, `{"ok":true}`, string(res.Response))
	require.Equal(t, 1, h.count())
}

func TestIngestRejectsBadSignature(t *testing.T) {
	clk := &clock{t: time.Date(2025, 10, 3, 9, 0, 0, 0, time.UTC)}
	h := &countingHandler{}
	svc, _ := newService(t, h, clk)

	body := []byte(`{"id":"evt_2"}`)
	headers := map[string]string{
		integration.StripeSignatureHeader: integration.SignStripe([]byte("wrong-secret"), body, clk.now()),
	}
	_, err := svc.Ingest(context.Background(), "stripe", "", headers, body)
	require.True(t, fault.IsKind(err, fault.KindUnauthorized))
	require.Zero(t, h.count())

	// Stale timestamps are replays.
	headers = signedHeaders(body, clk.now().Add(-10*time.Minute))
	_, err = svc.Ingest(context.Background(), "stripe", "", headers, body)
	require.True(t, fault.IsKind(err, fault.KindUnauthorized))
}

func TestReplayReturnsPriorResult(t *testing.T) {
	clk := &clock{t: time.Date(2025, 10, 3, 9, 0, 0, 0, time.UTC)}
	h := &countingHandler{}
	svc, _ := newService(t, h, clk)

	body := []byte(`{"id":"evt_3","type":"invoice.paid"}`)
	headers := signedHeaders(body, clk.now())

	first, err := svc.Ingest(context.Background(), "stripe", "invoice.paid", headers, body)
	require.NoError(t, err)
	second, err := svc.Ingest(context.Background(), "stripe", "invoice.paid", headers, body)
	require.NoError(t, err)

	require.Equal(t, first.IntakeID, second.IntakeID)
	require.Equal(t, string(first.Response), string(second.Response))
	require.True(t, second.Replay)
	require.Equal(t, 1, h.count(), "handler must run at most once per completed intake")
}

func TestFailedIntakeRetriesWithBackoff(t *testing.T) {
	clk := &clock{t: time.Date(2025, 10, 3, 9, 0, 0, 0, time.UTC)}
	h := &countingHandler{fail: 2}
	svc, store := newService(t, h, clk)
	ctx := context.Background()

	body := []byte(`{"id":"evt_4"}`)
	res, err := svc.Ingest(ctx, "stripe", "", signedHeaders(body, clk.now()), body)
	require.NoError(t, err)
	require.Equal(t, integration.IntakeFailed, res.Status)

	// Not due yet.
	n, err := svc.RetryDue(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	// Second attempt fails again, third succeeds.
	clk.advance(2 * time.Minute)
	n, err = svc.RetryDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	clk.advance(5 * time.Minute)
	n, err = svc.RetryDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 3, h.count())

	in, err := store.GetByKey(ctx, "stripe", "evt_4")
	require.NoError(t, err)
	require.Equal(t, integration.IntakeCompleted, in.Status)
	require.Equal(t, 3, in.Attempts)
}

func TestRetryReplaysRecordedBody(t *testing.T) {
	clk := &clock{t: time.Date(2025, 10, 3, 9, 0, 0, 0, time.UTC)}
	store := inmem.NewIntakeStore()
	calls := 0
	// The handler needs the payload, so the retry must replay the body
	// recorded at intake.
	echo := func(_ context.Context, _ integration.Intake, body []byte) (json.RawMessage, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("downstream hiccup")
		}
		if len(body) == 0 {
			return nil, errors.New("missing body")
		}
		return json.RawMessage(body), nil
	}
	svc, err := integration.New(integration.Options{
		Store: store,
		Sources: []integration.Source{{
			Name:        "stripe",
			Policy:      integration.StripePolicy{Secret: []byte(testSecret), Now: clk.now},
			Handler:     echo,
			MaxAttempts: 3,
		}},
		Retry: backoff.Config{MaxAttempts: 3, InitialBackoff: time.Minute, MaxBackoff: 10 * time.Minute, Multiplier: 2},
		Now:   clk.now,
	})
	require.NoError(t, err)
	ctx := context.Background()

	body := []byte(`{"id":"evt_replay","amount":7}`)
	res, err := svc.Ingest(ctx, "stripe", "", signedHeaders(body, clk.now()), body)
	require.NoError(t, err)
	require.Equal(t, integration.IntakeFailed, res.Status)

	clk.advance(2 * time.Minute)
	n, err := svc.RetryDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	in, err := store.GetByKey(ctx, "stripe", "evt_replay")
	require.NoError(t, err)
	require.Equal(t, integration.IntakeCompleted, in.Status)
	require.JSONEq(t, string(body), string(in.Response))
	// Completed intakes drop the recorded body.
	require.Nil(t, in.Body)
}

func TestSourceBreakerFailsFast(t *testing.T) {
	clk := &clock{t: time.Date(2025, 10, 3, 9, 0, 0, 0, time.UTC)}
	h := &countingHandler{fail: 100}
	store := inmem.NewIntakeStore()
	svc, err := integration.New(integration.Options{
		Store: store,
		Sources: []integration.Source{{
			Name:        "stripe",
			Policy:      integration.StripePolicy{Secret: []byte(testSecret), Now: clk.now},
			Handler:     h.handle,
			MaxAttempts: 3,
		}},
		Breakers: breaker.NewRegistry(breaker.Options{
			PerName: map[string]breaker.Settings{
				"webhook-stripe": {FailureThreshold: 1, OpenTimeout: time.Minute},
			},
		}),
		Retry: backoff.Config{MaxAttempts: 3, InitialBackoff: time.Minute, MaxBackoff: 10 * time.Minute, Multiplier: 2},
		Now:   clk.now,
	})
	require.NoError(t, err)
	ctx := context.Background()

	// First failure trips the breaker.
	body := []byte(`{"id":"evt_trip"}`)
	res, err := svc.Ingest(ctx, "stripe", "", signedHeaders(body, clk.now()), body)
	require.NoError(t, err)
	require.Equal(t, integration.IntakeFailed, res.Status)
	require.Equal(t, 1, h.count())

	// The open breaker rejects the next intake without invoking the
	// handler; the intake still fails and schedules a retry.
	body = []byte(`{"id":"evt_rejected"}`)
	res, err = svc.Ingest(ctx, "stripe", "", signedHeaders(body, clk.now()), body)
	require.NoError(t, err)
	require.Equal(t, integration.IntakeFailed, res.Status)
	require.Equal(t, 1, h.count())

	in, err := store.GetByKey(ctx, "stripe", "evt_rejected")
	require.NoError(t, err)
	require.False(t, in.NextAttempt.IsZero())
}

func TestRetriesStopAtMaxAttempts(t *testing.T) {
	clk := &clock{t: time.Date(2025, 10, 3, 9, 0, 0, 0, time.UTC)}
	h := &countingHandler{fail: 100}
	svc, store := newService(t, h, clk)
	ctx := context.Background()

	body := []byte(`{"id":"evt_5"}`)
	_, err := svc.Ingest(ctx, "stripe", "", signedHeaders(body, clk.now()), body)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		clk.advance(time.Hour)
		_, err := svc.RetryDue(ctx)
		require.NoError(t, err)
	}
	require.Equal(t, 3, h.count(), "attempts are bounded by the source limit")

	in, err := store.GetByKey(ctx, "stripe", "evt_5")
	require.NoError(t, err)
	require.Equal(t, integration.IntakeFailed, in.Status)
	require.True(t, in.NextAttempt.IsZero())
}

func TestIdempotencyKeyFallsBackToBodyHash(t *testing.T) {
	clk := &clock{t: time.Date(2025, 10, 3, 9, 0, 0, 0, time.UTC)}
	h := &countingHandler{}
	svc, _ := newService(t, h, clk)
	ctx := context.Background()

	body := []byte(`{"type":"no id here"}`)
	headers := signedHeaders(body, clk.now())
	first, err := svc.Ingest(ctx, "stripe", "", headers, body)
	require.NoError(t, err)
	second, err := svc.Ingest(ctx, "stripe", "", headers, body)
	require.NoError(t, err)
	require.Equal(t, first.IntakeID, second.IntakeID)
	require.Equal(t, 1, h.count())
}

func TestHexHMACPolicy(t *testing.T) {
	p := integration.HexHMACPolicy{Header: "X-Webhook-Signature", Secret: []byte("s3cret")}
	body := []byte(`{"hello":"world"}`)

	err := p.Verify(map[string]string{}, body)
	require.True(t, fault.IsKind(err, fault.KindUnauthorized))

	// A valid signature round-trips.
	valid := integration.HexHMACPolicy{Header: "X-Webhook-Signature", Secret: []byte("s3cret")}
	sig := hexHMAC(t, []byte("s3cret"), body)
	require.NoError(t, valid.Verify(map[string]string{"X-Webhook-Signature": sig}, body))

	// Any body change flips verification.
	err = valid.Verify(map[string]string{"X-Webhook-Signature": sig}, []byte(`{"hello":"world!"}`))
	require.True(t, fault.IsKind(err, fault.KindUnauthorized))
}

func hexHMAC(t *testing.T, secret, body []byte) string {
	t.Helper()
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

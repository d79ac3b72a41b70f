package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/fault"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/kv"
)

func newTestFabric(t *testing.T) (kv.Client, *Publisher) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := kv.New(kv.Options{Redis: redis.NewClient(&redis.Options{Addr: mr.Addr()})})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	p, err := NewPublisher(PublisherOptions{
		KV:       c,
		Registry: StandardRegistry(),
		Source:   "request",
	})
	require.NoError(t, err)
	return c, p
}

func TestRegistryRejectsInvalidDefinitions(t *testing.T) {
	r := NewRegistry()
	require.Error(t, r.Register(Definition{Version: 1}))
	require.Error(t, r.Register(Definition{Kind: "x"}))
	require.Error(t, r.Register(Definition{Kind: "x", Version: 1, Fields: []Field{{Name: "kind", Type: "string"}}}))

	require.NoError(t, r.Register(Definition{Kind: "x", Version: 1}))
	require.Error(t, r.Register(Definition{Kind: "x", Version: 2}), "duplicate kind")
}

func TestValidateEnforcesSchema(t *testing.T) {
	r := StandardRegistry()

	err := r.Validate(KindRequestCreated, map[string]any{
		"request_number": "250927-001",
		"applicant_id":   "u-1",
		"category":       "plumbing",
		"urgency":        3,
	})
	require.NoError(t, err)

	// Missing required field.
	err = r.Validate(KindRequestCreated, map[string]any{"request_number": "250927-001"})
	require.True(t, fault.IsKind(err, fault.KindValidation))

	// Wrong type.
	err = r.Validate(KindRequestCreated, map[string]any{
		"request_number": "250927-001",
		"applicant_id":   "u-1",
		"category":       "plumbing",
		"urgency":        "high",
	})
	require.True(t, fault.IsKind(err, fault.KindValidation))

	// Unknown field.
	err = r.Validate(KindRequestCancelled, map[string]any{
		"request_number": "250927-001",
		"reason":         "duplicate",
		"mystery":        true,
	})
	require.True(t, fault.IsKind(err, fault.KindValidation))

	// Unknown kind.
	err = r.Validate("request.exploded", map[string]any{})
	require.True(t, fault.IsKind(err, fault.KindValidation))
}

func TestPublishAppendsAndNotifies(t *testing.T) {
	c, p := newTestFabric(t)
	ctx := context.Background()

	sub, err := NewSubscriber(SubscriberOptions{KV: c, Kinds: []string{KindRequestCancelled}})
	require.NoError(t, err)
	listenCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	deliveries, err := sub.Listen(listenCtx)
	require.NoError(t, err)

	env, err := p.Publish(ctx, KindRequestCancelled, map[string]any{
		"request_number": "250927-001",
		"reason":         "applicant withdrew",
	}, "corr-1")
	require.NoError(t, err)
	require.NotEmpty(t, env.EventID)
	require.Equal(t, 1, env.Version)
	require.Equal(t, "request", env.Source)

	// Live notification carries the same envelope.
	select {
	case got := <-deliveries:
		assert.Equal(t, env.EventID, got.EventID)
		assert.Equal(t, "applicant withdrew", got.Payload["reason"])
		assert.Equal(t, "corr-1", got.CorrelationID)
	case <-time.After(2 * time.Second):
		t.Fatal("no live delivery")
	}

	// The stream holds the envelope for replay.
	var replayed []Envelope
	require.NoError(t, sub.Replay(ctx, KindRequestCancelled, "-", func(_ context.Context, e Envelope) error {
		replayed = append(replayed, e)
		return nil
	}))
	require.Len(t, replayed, 1)
	assert.Equal(t, env.EventID, replayed[0].EventID)
}

func TestPublishRejectsInvalidPayloadWithoutSideEffects(t *testing.T) {
	c, p := newTestFabric(t)
	ctx := context.Background()

	_, err := p.Publish(ctx, KindRequestCancelled, map[string]any{"reason": 42}, "")
	require.True(t, fault.IsKind(err, fault.KindValidation))

	entries, err := c.Range(ctx, StreamName(KindRequestCancelled), "-", "+", 0)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestPublishBatchValidatesUpFront(t *testing.T) {
	c, p := newTestFabric(t)
	ctx := context.Background()

	_, err := p.PublishBatch(ctx, []BatchEvent{
		{Kind: KindRequestCancelled, Payload: map[string]any{"request_number": "250927-001", "reason": "a"}},
		{Kind: KindRequestCancelled, Payload: map[string]any{"bogus": true}},
	})
	require.True(t, fault.IsKind(err, fault.KindValidation))

	entries, err := c.Range(ctx, StreamName(KindRequestCancelled), "-", "+", 0)
	require.NoError(t, err)
	require.Empty(t, entries, "a batch with an invalid entry publishes nothing")

	envs, err := p.PublishBatch(ctx, []BatchEvent{
		{Kind: KindRequestCancelled, Payload: map[string]any{"request_number": "250927-001", "reason": "a"}},
		{Kind: KindRequestCancelled, Payload: map[string]any{"request_number": "250927-002", "reason": "b"}},
	})
	require.NoError(t, err)
	require.Len(t, envs, 2)
}

func TestWireRoundTrip(t *testing.T) {
	env := Envelope{
		EventID:       "e-1",
		Kind:          KindRequestCreated,
		Version:       1,
		Timestamp:     time.Date(2025, 9, 27, 10, 0, 0, 0, time.UTC),
		Source:        "request",
		CorrelationID: "corr-9",
		Payload: map[string]any{
			"request_number": "250927-001",
			"applicant_id":   "u-1",
			"category":       "plumbing",
			"urgency":        float64(3),
		},
	}
	wire, err := env.MarshalWire()
	require.NoError(t, err)

	got, err := UnmarshalWire(wire)
	require.NoError(t, err)
	assert.Equal(t, env, got)
}

func TestUnmarshalWireRejectsMissingIdentity(t *testing.T) {
	_, err := UnmarshalWire([]byte(`{"kind":"request.created"}`))
	require.True(t, fault.IsKind(err, fault.KindValidation))
	_, err = UnmarshalWire([]byte(`not json`))
	require.True(t, fault.IsKind(err, fault.KindValidation))
}

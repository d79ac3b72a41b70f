package notify_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/events"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/services/notify"
)

type fakeSubscription struct {
	envs []events.Envelope
}

func (f *fakeSubscription) Run(ctx context.Context, handler events.Handler) error {
	for _, env := range f.envs {
		_ = handler(ctx, env)
	}
	return nil
}

type fakeEnqueuer struct {
	queued []notify.Notification
	err    error
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, n notify.Notification) error {
	f.queued = append(f.queued, n)
	return f.err
}

func TestDispatcherRoutesEvents(t *testing.T) {
	sub := &fakeSubscription{envs: []events.Envelope{
		{Kind: "request.assigned", CorrelationID: "250927-001", Payload: map[string]any{
			"request_number": "250927-001",
			"executor_id":    "exec-1",
		}},
		{Kind: "request.created", CorrelationID: "250927-002"},
	}}
	sink := &fakeEnqueuer{}

	d, err := notify.NewDispatcher(notify.DispatcherOptions{
		Subscription: sub,
		Sink:         sink,
		Routes: map[string]notify.Route{
			"request.assigned": func(env events.Envelope) []notify.Notification {
				executor, _ := env.Payload["executor_id"].(string)
				return []notify.Notification{{
					Kind: "request.assigned", Channel: notify.ChannelMessenger, Recipient: executor,
					Payload: map[string]string{"number": env.CorrelationID},
				}}
			},
		},
	})
	require.NoError(t, err)
	require.NoError(t, d.Run(context.Background()))

	require.Len(t, sink.queued, 1, "kinds without a route are ignored")
	require.Equal(t, "exec-1", sink.queued[0].Recipient)
	require.Equal(t, "250927-001", sink.queued[0].CorrelationID, "correlation id is inherited from the envelope")
}

func TestDispatcherReportsEnqueueFailure(t *testing.T) {
	sink := &fakeEnqueuer{err: errors.New("queue down")}
	sub := &fakeSubscription{envs: []events.Envelope{{Kind: "request.assigned"}}}
	d, err := notify.NewDispatcher(notify.DispatcherOptions{
		Subscription: sub,
		Sink:         sink,
		Routes: map[string]notify.Route{
			"request.assigned": func(events.Envelope) []notify.Notification {
				return []notify.Notification{{Kind: "k", Channel: notify.ChannelSMS, Recipient: "r"}}
			},
		},
	})
	require.NoError(t, err)
	require.NoError(t, d.Run(context.Background()), "enqueue failures are logged by the subscriber, not fatal")
	require.Len(t, sink.queued, 1)
}

package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "github.com/a-afanasyev/Infrasafe-bot-sub006/features/queue/pulse/clients/pulse"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/services/notify"
)

type fakeStream struct {
	mu    sync.Mutex
	added [][]byte
	sink  *fakeSink
}

func (s *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	if event != eventName {
		return "", errors.New("unexpected event name " + event)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.added = append(s.added, payload)
	return "1-0", nil
}

func (s *fakeStream) NewSink(context.Context, string, ...streamopts.Sink) (clientspulse.Sink, error) {
	return s.sink, nil
}

func (s *fakeStream) Destroy(context.Context) error { return nil }

type fakeSink struct {
	ch    chan *streaming.Event
	mu    sync.Mutex
	acked []string
}

func (s *fakeSink) Subscribe() <-chan *streaming.Event { return s.ch }

func (s *fakeSink) Ack(_ context.Context, evt *streaming.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked = append(s.acked, evt.ID)
	return nil
}

func (s *fakeSink) Close(context.Context) {}

type fakeClient struct {
	stream *fakeStream
}

func (c *fakeClient) Stream(name string, _ ...streamopts.Stream) (clientspulse.Stream, error) {
	if name != StreamName {
		return nil, errors.New("unexpected stream " + name)
	}
	return c.stream, nil
}

func (c *fakeClient) Close(context.Context) error { return nil }

type fakeDeliverer struct {
	mu        sync.Mutex
	delivered []notify.Notification
	err       error
}

func (d *fakeDeliverer) Deliver(_ context.Context, n notify.Notification) (notify.Log, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delivered = append(d.delivered, n)
	return notify.Log{Status: notify.StatusSent}, d.err
}

func (d *fakeDeliverer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.delivered)
}

func TestEnqueuePublishesEnvelope(t *testing.T) {
	stream := &fakeStream{}
	q, err := NewQueue(&fakeClient{stream: stream})
	require.NoError(t, err)

	n := notify.Notification{
		Kind: "request.assigned", Channel: notify.ChannelMessenger, Recipient: "111",
		Payload:       map[string]string{"executor": "Ivan"},
		CorrelationID: "250927-001",
	}
	require.NoError(t, q.Enqueue(context.Background(), n))

	require.Len(t, stream.added, 1)
	var env envelope
	require.NoError(t, json.Unmarshal(stream.added[0], &env))
	require.Equal(t, n, env.Notification)
	require.False(t, env.EnqueuedAt.IsZero())
}

func TestEnqueueRejectsIncompleteNotification(t *testing.T) {
	q, err := NewQueue(&fakeClient{stream: &fakeStream{}})
	require.NoError(t, err)
	err = q.Enqueue(context.Background(), notify.Notification{Kind: "k"})
	require.Error(t, err)
}

func TestWorkerDeliversAndAcks(t *testing.T) {
	sink := &fakeSink{ch: make(chan *streaming.Event, 2)}
	stream := &fakeStream{sink: sink}
	deliverer := &fakeDeliverer{}

	w, err := NewWorker(WorkerOptions{
		Client:    &fakeClient{stream: stream},
		Deliverer: deliverer,
	})
	require.NoError(t, err)

	payload, err := json.Marshal(envelope{Notification: notify.Notification{
		Kind: "request.assigned", Channel: notify.ChannelMessenger, Recipient: "111",
	}})
	require.NoError(t, err)
	sink.ch <- &streaming.Event{ID: "1-0", EventName: eventName, Payload: payload}
	close(sink.ch)

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after channel close")
	}

	require.Equal(t, 1, deliverer.count())
	require.Equal(t, []string{"1-0"}, sink.acked)
}

func TestWorkerAcksUndecodablePayload(t *testing.T) {
	sink := &fakeSink{ch: make(chan *streaming.Event, 1)}
	stream := &fakeStream{sink: sink}
	deliverer := &fakeDeliverer{}

	w, err := NewWorker(WorkerOptions{
		Client:    &fakeClient{stream: stream},
		Deliverer: deliverer,
	})
	require.NoError(t, err)

	sink.ch <- &streaming.Event{ID: "1-0", EventName: eventName, Payload: []byte("{not json")}
	close(sink.ch)

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after channel close")
	}

	require.Zero(t, deliverer.count())
	require.Equal(t, []string{"1-0"}, sink.acked, "poison messages are acked, not redelivered")
}

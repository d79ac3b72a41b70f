// Package pulse implements the durable notification delivery queue on
// goa.design/pulse streams. Producers enqueue notifications; the worker
// consumes them through a consumer group and hands each one to the delivery
// pipeline, which owns retries and the audit log.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"goa.design/clue/log"

	clientspulse "github.com/a-afanasyev/Infrasafe-bot-sub006/features/queue/pulse/clients/pulse"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/services/notify"
)

const (
	// StreamName is the Pulse stream carrying queued notifications.
	StreamName = "notify/outbox"
	// defaultSinkName identifies the worker consumer group.
	defaultSinkName = "notify_worker"

	eventName = "notification"
)

type (
	// Queue publishes notifications to the outbox stream.
	Queue struct {
		client clientspulse.Client
	}

	// Deliverer is the slice of the notification pipeline the worker
	// drives.
	Deliverer interface {
		Deliver(ctx context.Context, n notify.Notification) (notify.Log, error)
	}

	// WorkerOptions configures a queue worker.
	WorkerOptions struct {
		Client    clientspulse.Client
		Deliverer Deliverer
		// SinkName identifies the consumer group. Defaults to
		// "notify_worker"; workers sharing a name share the backlog.
		SinkName string
	}

	// Worker consumes the outbox stream and delivers each notification.
	Worker struct {
		client    clientspulse.Client
		deliverer Deliverer
		sinkName  string
	}

	// envelope wraps a notification for transmission over the stream.
	envelope struct {
		Notification notify.Notification `json:"notification"`
		EnqueuedAt   time.Time           `json:"enqueued_at"`
	}
)

// NewQueue returns a producer for the outbox stream.
func NewQueue(client clientspulse.Client) (*Queue, error) {
	if client == nil {
		return nil, errors.New("pulse client is required")
	}
	return &Queue{client: client}, nil
}

// Enqueue publishes one notification. Delivery happens asynchronously in
// the worker; the returned error covers only the publish.
func (q *Queue) Enqueue(ctx context.Context, n notify.Notification) error {
	if n.Kind == "" || n.Channel == "" || n.Recipient == "" {
		return errors.New("kind, channel and recipient are required")
	}
	handle, err := q.client.Stream(StreamName)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(envelope{Notification: n, EnqueuedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	if _, err := handle.Add(ctx, eventName, payload); err != nil {
		return fmt.Errorf("enqueue notification: %w", err)
	}
	return nil
}

// NewWorker returns a consumer for the outbox stream.
func NewWorker(opts WorkerOptions) (*Worker, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	if opts.Deliverer == nil {
		return nil, errors.New("deliverer is required")
	}
	sinkName := opts.SinkName
	if sinkName == "" {
		sinkName = defaultSinkName
	}
	return &Worker{
		client:    opts.Client,
		deliverer: opts.Deliverer,
		sinkName:  sinkName,
	}, nil
}

// Run consumes the outbox until ctx is done. Each message is acked after
// Deliver returns: the pipeline records failures in its own log and owns
// redelivery, so the queue never re-processes a consumed message.
func (w *Worker) Run(ctx context.Context) error {
	handle, err := w.client.Stream(StreamName)
	if err != nil {
		return err
	}
	sink, err := handle.NewSink(ctx, w.sinkName)
	if err != nil {
		return err
	}
	defer sink.Close(context.Background())

	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal(evt.Payload, &env); err != nil {
				log.Error(ctx, fmt.Errorf("decode queued notification: %w", err))
			} else if _, err := w.deliverer.Deliver(ctx, env.Notification); err != nil {
				log.Error(ctx, fmt.Errorf("deliver queued notification: %w", err))
			}
			if err := sink.Ack(ctx, evt); err != nil {
				log.Error(ctx, fmt.Errorf("ack queued notification: %w", err))
			}
		}
	}
}

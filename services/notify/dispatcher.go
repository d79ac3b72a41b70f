package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/events"
)

type (
	// Route maps one event envelope onto the notifications it triggers.
	// Returning nil means the event notifies nobody.
	Route func(env events.Envelope) []Notification

	// Enqueuer hands notifications to the delivery side: the durable queue
	// in production, the pipeline directly in single-process deployments.
	Enqueuer interface {
		Enqueue(ctx context.Context, n Notification) error
	}

	// Subscription is the slice of the event fabric the dispatcher
	// consumes.
	Subscription interface {
		Run(ctx context.Context, handler events.Handler) error
	}

	// DispatcherOptions configures a Dispatcher.
	DispatcherOptions struct {
		Subscription Subscription
		Sink         Enqueuer
		// Routes keys event kinds to their fan-out. Kinds without a route
		// are ignored.
		Routes map[string]Route
	}

	// Dispatcher turns platform events into queued notifications.
	Dispatcher struct {
		sub    Subscription
		sink   Enqueuer
		routes map[string]Route
	}
)

// NewDispatcher returns a Dispatcher.
func NewDispatcher(opts DispatcherOptions) (*Dispatcher, error) {
	if opts.Subscription == nil {
		return nil, errors.New("subscription is required")
	}
	if opts.Sink == nil {
		return nil, errors.New("sink is required")
	}
	if len(opts.Routes) == 0 {
		return nil, errors.New("at least one route is required")
	}
	return &Dispatcher{sub: opts.Subscription, sink: opts.Sink, routes: opts.Routes}, nil
}

// Run consumes events until ctx is done. Delivery is at-least-once; the
// pipeline's sent-row dedupe absorbs redelivered events.
func (d *Dispatcher) Run(ctx context.Context) error {
	return d.sub.Run(ctx, d.handle)
}

func (d *Dispatcher) handle(ctx context.Context, env events.Envelope) error {
	route, ok := d.routes[env.Kind]
	if !ok {
		return nil
	}
	var errs []error
	for _, n := range route(env) {
		if n.CorrelationID == "" {
			n.CorrelationID = env.CorrelationID
		}
		if err := d.sink.Enqueue(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("enqueue %s for %s: %w", n.Kind, n.Recipient, err))
		}
	}
	return errors.Join(errs...)
}

package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type (
	// Appender is the substrate operation the publisher relies on.
	// Satisfied by kv.Client.
	Appender interface {
		AppendAndPublish(ctx context.Context, stream string, maxLen int64, values map[string]any, channel, payload string) (string, error)
	}

	// Publisher emits validated events to the fabric.
	Publisher struct {
		kv       Appender
		registry *Registry
		source   string
		now      func() time.Time
		newID    func() string
	}

	// PublisherOptions configures a Publisher.
	PublisherOptions struct {
		KV       Appender
		Registry *Registry
		// Source names the emitting service, stamped on every envelope.
		Source string
		// Now overrides the clock, used by tests.
		Now func() time.Time
		// NewID overrides event id allocation, used by tests.
		NewID func() string
	}
)

// NewPublisher returns a Publisher.
func NewPublisher(opts PublisherOptions) (*Publisher, error) {
	if opts.KV == nil {
		return nil, errors.New("kv appender is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if opts.Source == "" {
		return nil, errors.New("source service is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	return &Publisher{
		kv:       opts.KV,
		registry: opts.Registry,
		source:   opts.Source,
		now:      now,
		newID:    newID,
	}, nil
}

// Publish validates payload against kind's schema and emits it: one stream
// append plus one channel notification, coupled in a substrate transaction.
// When the substrate has acknowledged the append but the live notification
// is lost, subscribers recover by replaying the stream.
func (p *Publisher) Publish(ctx context.Context, kind string, payload map[string]any, correlationID string) (Envelope, error) {
	env, wire, err := p.compose(kind, payload, correlationID)
	if err != nil {
		return Envelope{}, err
	}
	if _, err := p.kv.AppendAndPublish(ctx,
		StreamName(kind), StreamMaxLen,
		map[string]any{"envelope": string(wire)},
		ChannelName(kind), string(wire),
	); err != nil {
		return Envelope{}, fmt.Errorf("publish %s: %w", kind, err)
	}
	return env, nil
}

// PublishBatch emits a sequence of events with per-event guarantees. The
// first failure stops the batch; already-published events stay published.
// It returns the envelopes emitted so far.
func (p *Publisher) PublishBatch(ctx context.Context, batch []BatchEvent) ([]Envelope, error) {
	out := make([]Envelope, 0, len(batch))
	// Validate everything up front so a malformed tail entry cannot leave a
	// half-published batch behind.
	for _, b := range batch {
		if err := p.registry.Validate(b.Kind, b.Payload); err != nil {
			return nil, err
		}
	}
	for _, b := range batch {
		env, err := p.Publish(ctx, b.Kind, b.Payload, b.CorrelationID)
		if err != nil {
			return out, err
		}
		out = append(out, env)
	}
	return out, nil
}

// BatchEvent is one entry of a batch publish.
type BatchEvent struct {
	Kind          string
	Payload       map[string]any
	CorrelationID string
}

func (p *Publisher) compose(kind string, payload map[string]any, correlationID string) (Envelope, []byte, error) {
	def, ok := p.registry.Definition(kind)
	if !ok {
		return Envelope{}, nil, p.registry.Validate(kind, payload)
	}
	if err := p.registry.Validate(kind, payload); err != nil {
		return Envelope{}, nil, err
	}
	env := Envelope{
		EventID:       p.newID(),
		Kind:          kind,
		Version:       def.Version,
		Timestamp:     p.now().UTC(),
		Source:        p.source,
		CorrelationID: correlationID,
		Payload:       payload,
	}
	wire, err := env.MarshalWire()
	if err != nil {
		return Envelope{}, nil, fmt.Errorf("serialize %s: %w", kind, err)
	}
	return env, wire, nil
}

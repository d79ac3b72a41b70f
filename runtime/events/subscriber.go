package events

import (
	"context"
	"errors"
	"fmt"

	"goa.design/clue/log"

	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/kv"
)

type (
	// Handler processes one delivered event. Errors are logged; delivery is
	// at-least-once and handlers must be idempotent.
	Handler func(ctx context.Context, env Envelope) error

	// Subscriber consumes live events for a set of kinds and can replay a
	// kind's stream to catch up after missed notifications.
	Subscriber struct {
		kv     kv.Client
		kinds  []string
		buffer int
	}

	// SubscriberOptions configures a Subscriber.
	SubscriberOptions struct {
		KV    kv.Client
		Kinds []string
		// Buffer is the delivery channel capacity. Defaults to 64.
		Buffer int
	}
)

// NewSubscriber returns a Subscriber for the given kinds.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.KV == nil {
		return nil, errors.New("kv client is required")
	}
	if len(opts.Kinds) == 0 {
		return nil, errors.New("at least one kind is required")
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	return &Subscriber{kv: opts.KV, kinds: opts.Kinds, buffer: buffer}, nil
}

// Listen subscribes to the kinds' channels and returns a channel of decoded
// envelopes. The channel closes when ctx is done or the subscription fails;
// malformed deliveries are logged and skipped.
func (s *Subscriber) Listen(ctx context.Context) (<-chan Envelope, error) {
	channels := make([]string, len(s.kinds))
	for i, k := range s.kinds {
		channels[i] = ChannelName(k)
	}
	sub, err := s.kv.Subscribe(ctx, channels...)
	if err != nil {
		return nil, fmt.Errorf("subscribe events: %w", err)
	}
	out := make(chan Envelope, s.buffer)
	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()
		for {
			msg, err := sub.Receive(ctx)
			if err != nil {
				if ctx.Err() == nil {
					log.Error(ctx, err, log.KV{K: "op", V: "events.receive"})
				}
				return
			}
			env, err := UnmarshalWire([]byte(msg.Payload))
			if err != nil {
				log.Error(ctx, err, log.KV{K: "channel", V: msg.Channel})
				continue
			}
			select {
			case out <- env:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Run consumes live events and dispatches each to handler until ctx is done.
func (s *Subscriber) Run(ctx context.Context, handler Handler) error {
	deliveries, err := s.Listen(ctx)
	if err != nil {
		return err
	}
	for env := range deliveries {
		if err := handler(ctx, env); err != nil {
			log.Error(ctx, err, log.KV{K: "kind", V: env.Kind}, log.KV{K: "event_id", V: env.EventID})
		}
	}
	return ctx.Err()
}

// Replay reads a kind's stream from the given stream id (exclusive when
// fromID is a previously-seen id; "-" or empty reads from the start) and
// dispatches each entry to handler in append order.
func (s *Subscriber) Replay(ctx context.Context, kind, fromID string, handler Handler) error {
	entries, err := s.kv.Range(ctx, StreamName(kind), fromID, "+", 0)
	if err != nil {
		return fmt.Errorf("replay %s: %w", kind, err)
	}
	for _, entry := range entries {
		raw, _ := entry.Values["envelope"].(string)
		env, err := UnmarshalWire([]byte(raw))
		if err != nil {
			log.Error(ctx, err, log.KV{K: "stream", V: StreamName(kind)}, log.KV{K: "entry", V: entry.ID})
			continue
		}
		if err := handler(ctx, env); err != nil {
			return fmt.Errorf("replay %s at %s: %w", kind, entry.ID, err)
		}
	}
	return nil
}

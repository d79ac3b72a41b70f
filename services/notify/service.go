package notify

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"goa.design/clue/log"

	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/backoff"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/breaker"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/events"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/fault"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/metrics"
)

// retryBatch bounds how many due rows one retry pass picks up.
const retryBatch = 100

type (
	// Notification is one delivery request.
	Notification struct {
		Kind          string            `json:"kind"`
		Channel       string            `json:"channel"`
		Recipient     string            `json:"recipient"`
		Language      string            `json:"language,omitempty"`
		Payload       map[string]string `json:"payload,omitempty"`
		Origin        string            `json:"origin,omitempty"`
		CorrelationID string            `json:"correlation_id,omitempty"`
	}

	// Adapter delivers rendered messages over one channel. Permanent
	// failures (blocked recipient, invalid address) are validation or
	// forbidden faults; transient ones are unavailability or timeouts.
	Adapter interface {
		Name() string
		Send(ctx context.Context, recipient string, msg Rendered) error
	}

	// Publisher is the slice of the event fabric the service emits through.
	Publisher interface {
		Publish(ctx context.Context, kind string, payload map[string]any, correlationID string) (events.Envelope, error)
	}

	// Service runs the delivery pipeline.
	Service struct {
		logs      LogStore
		templates *TemplateRegistry
		adapters  map[string]Adapter
		breakers  *breaker.Registry
		events    Publisher
		metrics   *metrics.Metrics
		retry     backoff.Config
		now       func() time.Time
	}

	// Options configures the Service.
	Options struct {
		Logs      LogStore
		Templates *TemplateRegistry
		// Adapters are the enabled channels. A notification for a channel
		// with no adapter is skipped, not failed.
		Adapters []Adapter
		Breakers *breaker.Registry
		Events   Publisher
		Metrics  *metrics.Metrics
		// Retry shapes the redelivery backoff schedule. Zero selects
		// backoff.DefaultConfig.
		Retry backoff.Config
		// Now overrides the clock, used by tests.
		Now func() time.Time
	}
)

// New returns a Service.
func New(opts Options) (*Service, error) {
	if opts.Logs == nil {
		return nil, errors.New("log store is required")
	}
	if opts.Templates == nil {
		return nil, errors.New("template registry is required")
	}
	if opts.Breakers == nil {
		return nil, errors.New("breaker registry is required")
	}
	adapters := make(map[string]Adapter, len(opts.Adapters))
	for _, a := range opts.Adapters {
		adapters[a.Name()] = a
	}
	retry := opts.Retry
	if retry.MaxAttempts == 0 {
		retry = backoff.DefaultConfig()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		logs:      opts.Logs,
		templates: opts.Templates,
		adapters:  adapters,
		breakers:  opts.Breakers,
		events:    opts.Events,
		metrics:   opts.Metrics,
		retry:     retry,
		now:       now,
	}, nil
}

// Deliver renders and dispatches one notification, recording the outcome.
// A (correlation_id, channel, recipient) triple already marked sent is
// skipped.
func (s *Service) Deliver(ctx context.Context, n Notification) (Log, error) {
	if n.Kind == "" || n.Channel == "" || n.Recipient == "" {
		return Log{}, fault.New(fault.KindValidation, "kind, channel and recipient are required")
	}

	if n.CorrelationID != "" {
		sent, err := s.logs.WasSent(ctx, n.CorrelationID, n.Channel, n.Recipient)
		if err != nil {
			return Log{}, s.storeFault(err)
		}
		if sent {
			return s.record(ctx, n, Rendered{}, StatusSkipped, "duplicate delivery")
		}
	}

	tmpl, err := s.templates.Lookup(n.Kind, n.Channel, n.Language)
	if err != nil {
		return Log{}, err
	}
	msg, err := tmpl.Render(n.Payload)
	if err != nil {
		return Log{}, err
	}

	adapter, enabled := s.adapters[n.Channel]
	if !enabled {
		return s.record(ctx, n, msg, StatusSkipped, "channel disabled")
	}

	entry, err := s.record(ctx, n, msg, StatusPending, "")
	if err != nil {
		return Log{}, err
	}
	return s.dispatch(ctx, adapter, entry)
}

// RetryDue redelivers retry rows whose next attempt is due. Runs from the
// background runner.
func (s *Service) RetryDue(ctx context.Context) (int, error) {
	due, err := s.logs.ListRetryable(ctx, s.now().UTC(), retryBatch)
	if err != nil {
		return 0, s.storeFault(err)
	}
	n := 0
	for _, entry := range due {
		adapter, enabled := s.adapters[entry.Channel]
		if !enabled {
			entry.Status = StatusSkipped
			entry.LastError = "channel disabled"
			entry.NextAttempt = time.Time{}
			entry.UpdatedAt = s.now().UTC()
			if err := s.logs.Update(ctx, entry); err != nil {
				return n, s.storeFault(err)
			}
			continue
		}
		if _, err := s.dispatch(ctx, adapter, entry); err != nil {
			log.Error(ctx, fmt.Errorf("redeliver notification %s: %w", entry.ID, err))
			continue
		}
		n++
	}
	return n, nil
}

// dispatch sends one logged notification through its channel breaker and
// persists the outcome.
func (s *Service) dispatch(ctx context.Context, adapter Adapter, entry Log) (Log, error) {
	entry.Attempts++
	msg := Rendered{Title: entry.Title, Body: entry.Body}
	err := s.breakers.Do(ctx, "notify-"+adapter.Name(), func(ctx context.Context) error {
		return adapter.Send(ctx, entry.Recipient, msg)
	})

	now := s.now().UTC()
	entry.UpdatedAt = now
	switch {
	case err == nil:
		entry.Status = StatusSent
		entry.LastError = ""
		entry.NextAttempt = time.Time{}
	case isPermanent(err):
		entry.Status = StatusFailed
		entry.LastError = err.Error()
		entry.NextAttempt = time.Time{}
	case entry.Attempts < s.retry.MaxAttempts:
		entry.Status = StatusRetry
		entry.LastError = err.Error()
		entry.NextAttempt = now.Add(s.retry.Delay(entry.Attempts))
	default:
		entry.Status = StatusFailed
		entry.LastError = err.Error()
		entry.NextAttempt = time.Time{}
	}

	if uerr := s.logs.Update(ctx, entry); uerr != nil {
		return Log{}, s.storeFault(uerr)
	}
	if s.metrics != nil {
		s.metrics.CountDelivery(entry.Channel, string(entry.Status))
	}
	if entry.Status == StatusSent {
		s.emit(ctx, entry)
	}
	return entry, nil
}

// record inserts a log row in the given status.
func (s *Service) record(ctx context.Context, n Notification, msg Rendered, status LogStatus, reason string) (Log, error) {
	now := s.now().UTC()
	entry := Log{
		ID:            newLogID(),
		Kind:          n.Kind,
		Channel:       n.Channel,
		Recipient:     n.Recipient,
		Origin:        n.Origin,
		CorrelationID: n.CorrelationID,
		Status:        status,
		LastError:     reason,
		Title:         msg.Title,
		Body:          msg.Body,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.logs.Insert(ctx, entry); err != nil {
		return Log{}, s.storeFault(err)
	}
	if status == StatusSkipped && s.metrics != nil {
		s.metrics.CountDelivery(entry.Channel, string(status))
	}
	return entry, nil
}

// isPermanent classifies failures that must not be retried.
func isPermanent(err error) bool {
	switch fault.KindOf(err) {
	case fault.KindValidation, fault.KindForbidden, fault.KindNotFound:
		return true
	default:
		return false
	}
}

func (s *Service) emit(ctx context.Context, entry Log) {
	if s.events == nil {
		return
	}
	_, err := s.events.Publish(ctx, events.KindNotificationSent, map[string]any{
		"channel":           entry.Channel,
		"recipient":         entry.Recipient,
		"notification_kind": entry.Kind,
	}, entry.CorrelationID)
	if err != nil {
		log.Error(ctx, fmt.Errorf("emit %s: %w", events.KindNotificationSent, err))
	}
}

func (s *Service) storeFault(err error) error {
	if f := fault.KindOf(err); f != "" && f != fault.KindInternal {
		return err
	}
	return fault.Wrap(fault.KindUnavailable, err, "notification log store")
}

func newLogID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("notify: read random: %v", err))
	}
	return hex.EncodeToString(b)
}

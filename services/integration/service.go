package integration

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"goa.design/clue/log"

	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/backoff"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/breaker"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/events"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/fault"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/telemetry"
)

// retryBatch bounds how many due intakes one retry pass picks up.
const retryBatch = 50

type (
	// Publisher is the slice of the event fabric the service emits through.
	Publisher interface {
		Publish(ctx context.Context, kind string, payload map[string]any, correlationID string) (events.Envelope, error)
	}

	// Result is the externally-observable outcome of one ingest call.
	Result struct {
		IntakeID string          `json:"intake_id"`
		Status   IntakeStatus    `json:"status"`
		Response json.RawMessage `json:"response,omitempty"`
		// Replay marks responses served from a prior completed intake.
		Replay bool `json:"replay,omitempty"`
	}

	// Service processes inbound webhooks.
	Service struct {
		store    IntakeStore
		sources  map[string]Source
		events   Publisher
		breakers *breaker.Registry
		retry    backoff.Config
		now      func() time.Time
	}

	// Options configures the Service.
	Options struct {
		Store   IntakeStore
		Sources []Source
		Events  Publisher
		// Breakers guards handler processing with one breaker per source.
		// Optional.
		Breakers *breaker.Registry
		// Retry shapes the failed-intake backoff schedule. Zero selects
		// backoff.DefaultConfig.
		Retry backoff.Config
		// Now overrides the clock, used by tests.
		Now func() time.Time
	}
)

// New returns a Service.
func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("intake store is required")
	}
	if len(opts.Sources) == 0 {
		return nil, errors.New("at least one source is required")
	}
	sources := make(map[string]Source, len(opts.Sources))
	for _, src := range opts.Sources {
		if src.Name == "" || src.Handler == nil {
			return nil, fmt.Errorf("source %q: name and handler are required", src.Name)
		}
		if src.MaxAttempts <= 0 {
			src.MaxAttempts = 3
		}
		sources[src.Name] = src
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
		store:    opts.Store,
		sources:  sources,
		events:   opts.Events,
		breakers: opts.Breakers,
		retry:    retry,
		now:      now,
	}, nil
}

// Ingest records and processes one inbound call. Replays of a completed
// idempotency key return the stored result without touching the handler.
func (s *Service) Ingest(ctx context.Context, sourceName, declaredKind string, headers map[string]string, body []byte) (Result, error) {
	src, ok := s.sources[sourceName]
	if !ok {
		return Result{}, fault.Errorf(fault.KindNotFound, "unknown webhook source %q", sourceName)
	}
	if src.Policy != nil {
		if err := src.Policy.Verify(headers, body); err != nil {
			return Result{}, err
		}
	}

	key := idempotencyKey(body)
	if prior, err := s.store.GetByKey(ctx, src.Name, key); err == nil {
		if prior.Status == IntakeCompleted {
			return Result{IntakeID: prior.ID, Status: prior.Status, Response: prior.Response, Replay: true}, nil
		}
		// A non-completed duplicate is still in flight or awaiting retry.
		return Result{IntakeID: prior.ID, Status: prior.Status}, nil
	} else if !errors.Is(err, ErrIntakeNotFound) {
		return Result{}, s.storeFault(err)
	}

	now := s.now().UTC()
	in := Intake{
		ID:             newIntakeID(),
		Source:         src.Name,
		DeclaredKind:   declaredKind,
		IdempotencyKey: key,
		Headers:        headers,
		BodyHash:       hashBody(body),
		Body:           body,
		Status:         IntakeReceived,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.Insert(ctx, in); err != nil {
		if fault.IsKind(err, fault.KindConflict) {
			// Lost the insert race; serve the winner's record.
			prior, gerr := s.store.GetByKey(ctx, src.Name, key)
			if gerr != nil {
				return Result{}, s.storeFault(gerr)
			}
			return Result{IntakeID: prior.ID, Status: prior.Status, Response: prior.Response, Replay: prior.Status == IntakeCompleted}, nil
		}
		return Result{}, s.storeFault(err)
	}
	s.emit(ctx, in)

	return s.process(ctx, src, in, body)
}

// RetryDue reprocesses failed intakes whose next attempt is due. Runs from
// the background runner. Handlers receive the body recorded at intake.
func (s *Service) RetryDue(ctx context.Context) (int, error) {
	due, err := s.store.ListRetryable(ctx, s.now().UTC(), retryBatch)
	if err != nil {
		return 0, s.storeFault(err)
	}
	n := 0
	for _, in := range due {
		src, ok := s.sources[in.Source]
		if !ok {
			continue
		}
		if _, err := s.process(ctx, src, in, in.Body); err != nil {
			log.Error(ctx, fmt.Errorf("retry intake %s: %w", in.ID, err))
			continue
		}
		n++
	}
	return n, nil
}

// process flips the intake to processing, invokes the handler once and
// persists the outcome.
func (s *Service) process(ctx context.Context, src Source, in Intake, body []byte) (Result, error) {
	now := s.now().UTC()
	in.Status = IntakeProcessing
	in.Attempts++
	in.UpdatedAt = now
	if err := s.store.Update(ctx, in); err != nil {
		return Result{}, s.storeFault(err)
	}

	var resp json.RawMessage
	invoke := func(ctx context.Context) error {
		return telemetry.Span(ctx, "webhook.process", func(ctx context.Context) error {
			var herr error
			resp, herr = src.Handler(ctx, in, body)
			return herr
		}, attribute.String("source", src.Name), attribute.String("intake_id", in.ID))
	}
	var err error
	if s.breakers != nil {
		err = s.breakers.Do(ctx, "webhook-"+src.Name, invoke)
	} else {
		err = invoke(ctx)
	}
	now = s.now().UTC()
	if err != nil {
		in.LastError = err.Error()
		in.Status = IntakeFailed
		in.UpdatedAt = now
		if in.Attempts < src.MaxAttempts {
			in.NextAttempt = now.Add(s.retry.Delay(in.Attempts))
		} else {
			in.NextAttempt = time.Time{}
		}
		if uerr := s.store.Update(ctx, in); uerr != nil {
			return Result{}, s.storeFault(uerr)
		}
		return Result{IntakeID: in.ID, Status: in.Status}, nil
	}

	in.Status = IntakeCompleted
	in.Response = resp
	in.LastError = ""
	in.NextAttempt = time.Time{}
	// The body is only needed for retries.
	in.Body = nil
	in.UpdatedAt = now
	if err := s.store.Update(ctx, in); err != nil {
		return Result{}, s.storeFault(err)
	}
	return Result{IntakeID: in.ID, Status: in.Status, Response: resp}, nil
}

// idempotencyKey is the payload's event id when present, otherwise the
// body hash.
func idempotencyKey(body []byte) string {
	var probe struct {
		ID      string `json:"id"`
		EventID string `json:"event_id"`
	}
	if err := json.Unmarshal(body, &probe); err == nil {
		if probe.ID != "" {
			return probe.ID
		}
		if probe.EventID != "" {
			return probe.EventID
		}
	}
	return hashBody(body)
}

func hashBody(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func (s *Service) emit(ctx context.Context, in Intake) {
	if s.events == nil {
		return
	}
	_, err := s.events.Publish(ctx, events.KindWebhookReceived, map[string]any{
		"intake_id":     in.ID,
		"source":        in.Source,
		"declared_kind": in.DeclaredKind,
	}, in.IdempotencyKey)
	if err != nil {
		log.Error(ctx, fmt.Errorf("emit %s: %w", events.KindWebhookReceived, err))
	}
}

func (s *Service) storeFault(err error) error {
	if f := fault.KindOf(err); f != "" && f != fault.KindInternal {
		return err
	}
	return fault.Wrap(fault.KindUnavailable, err, "intake store")
}

func newIntakeID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("integration: read random: %v", err))
	}
	return hex.EncodeToString(b)
}

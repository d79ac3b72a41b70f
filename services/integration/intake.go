// Package integration is the webhook ingress: signature-verified intake of
// third-party callbacks with idempotent processing and bounded retries.
package integration

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Store sentinel errors.
var (
	ErrIntakeNotFound = errors.New("integration: intake not found")
)

// IntakeStatus is the processing state of one recorded inbound call.
type IntakeStatus string

const (
	IntakeReceived   IntakeStatus = "received"
	IntakeProcessing IntakeStatus = "processing"
	IntakeCompleted  IntakeStatus = "completed"
	IntakeFailed     IntakeStatus = "failed"
)

type (
	// Intake is one recorded inbound webhook call. Completed intakes are
	// immutable: replays return the stored response.
	Intake struct {
		ID           string
		Source       string
		DeclaredKind string
		// IdempotencyKey is the event id from the payload, or the body
		// hash when the payload carries none. Unique per source.
		IdempotencyKey string
		Headers        map[string]string
		BodyHash       string
		// Body is the raw payload, kept while the intake may still be
		// retried and cleared on completion.
		Body []byte
		Status         IntakeStatus
		Attempts       int
		LastError      string
		Response       json.RawMessage
		NextAttempt    time.Time
		CreatedAt      time.Time
		UpdatedAt      time.Time
	}

	// IntakeStore persists intakes. Insert must enforce the per-source
	// idempotency-key unique constraint with a conflict fault.
	IntakeStore interface {
		Insert(ctx context.Context, in Intake) error
		GetByKey(ctx context.Context, source, key string) (Intake, error)
		Update(ctx context.Context, in Intake) error
		// ListRetryable returns failed intakes whose next attempt is due.
		ListRetryable(ctx context.Context, now time.Time, limit int) ([]Intake, error)
	}

	// Handler processes one verified intake and returns the response
	// payload stored with the completed record.
	Handler func(ctx context.Context, in Intake, body []byte) (json.RawMessage, error)

	// Source describes one webhook origin.
	Source struct {
		Name string
		// Policy verifies inbound signatures. Nil means the source does
		// not sign its calls.
		Policy SigningPolicy
		// Handler is invoked at most once per completed intake.
		Handler Handler
		// MaxAttempts bounds retries of failed processing.
		MaxAttempts int
	}
)

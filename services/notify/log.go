package notify

import (
	"context"
	"errors"
	"time"
)

// ErrLogNotFound is returned by stores for unknown log ids.
var ErrLogNotFound = errors.New("notify: log entry not found")

// LogStatus is the delivery state of one notification.
type LogStatus string

const (
	StatusPending LogStatus = "pending"
	StatusSent    LogStatus = "sent"
	StatusRetry   LogStatus = "retry"
	StatusFailed  LogStatus = "failed"
	StatusSkipped LogStatus = "skipped"
)

type (
	// Log is one row of the delivery audit trail.
	Log struct {
		ID            string
		Kind          string
		Channel       string
		Recipient     string
		Origin        string
		CorrelationID string
		Status        LogStatus
		Attempts      int
		LastError     string
		Title         string
		Body          string
		NextAttempt   time.Time
		CreatedAt     time.Time
		UpdatedAt     time.Time
	}

	// LogStore persists delivery logs.
	LogStore interface {
		Insert(ctx context.Context, l Log) error
		Update(ctx context.Context, l Log) error
		Get(ctx context.Context, id string) (Log, error)
		// WasSent reports whether a sent row exists for the dedupe triple.
		WasSent(ctx context.Context, correlationID, channel, recipient string) (bool, error)
		// ListRetryable returns retry rows whose next attempt is due.
		ListRetryable(ctx context.Context, now time.Time, limit int) ([]Log, error)
	}
)

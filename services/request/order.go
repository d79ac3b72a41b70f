// Package request owns work orders: the state machine over their lifecycle,
// human request numbers, and the assignment engine that picks executors.
package request

import (
	"context"
	"errors"
	"time"

	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/fault"
)

// Store sentinel errors.
var (
	ErrOrderNotFound      = errors.New("request: work order not found")
	ErrAssignmentNotFound = errors.New("request: assignment not found")
)

// Status is a work-order lifecycle state.
type Status string

const (
	StatusNew        Status = "new"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// AssignmentType records how a dispatch decision was made.
type AssignmentType string

const (
	AssignManual AssignmentType = "manual"
	AssignAuto   AssignmentType = "auto"
	AssignBulk   AssignmentType = "bulk"
)

// transitions is the permitted state machine. Reverse edges (assigned to
// new, in_progress to assigned) exist only through the re-assignment path,
// which is why they are absent here.
var transitions = map[Status][]Status{
	StatusNew:        {StatusAssigned, StatusCancelled},
	StatusAssigned:   {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusCancelled},
}

// CanTransition reports whether from -> to is a legal direct transition.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type (
	// Comment is a note attached to a work order.
	Comment struct {
		AuthorID string
		Text     string
		At       time.Time
	}

	// WorkOrder is one unit of repair work. Number is the immutable human
	// id in YYMMDD-NNN form and the primary key.
	WorkOrder struct {
		Number      string
		ApplicantID string
		Category    string
		// Urgency is ordinal 1 (lowest) to 5 (highest).
		Urgency     int
		Description string
		Address     string
		Latitude    *float64
		Longitude   *float64
		Status      Status
		// ExecutorID is set only through an assignment.
		ExecutorID       string
		Comments         []Comment
		MediaIDs         []string
		Rating           int
		CompletionReport string
		CancelReason     string
		CreatedAt        time.Time
		UpdatedAt        time.Time
		CompletedAt      time.Time
	}

	// AssignmentRecord is the immutable audit of one dispatch decision.
	AssignmentRecord struct {
		ID          string
		OrderNumber string
		ExecutorID  string
		AssignerID  string
		Reason      string
		Type        AssignmentType
		// Breakdown holds the per-factor scores of the chosen candidate.
		// Empty for manual assignments.
		Breakdown  *CandidateScore
		Alternates []CandidateScore
		At         time.Time
		Active     bool
	}

	// OrderStore persists work orders.
	OrderStore interface {
		Insert(ctx context.Context, o WorkOrder) error
		Get(ctx context.Context, number string) (WorkOrder, error)
		Update(ctx context.Context, o WorkOrder) error
		ListByStatus(ctx context.Context, status Status) ([]WorkOrder, error)
		// CountByDate counts orders whose number carries the given YYMMDD
		// date, backing the request-number fallback path.
		CountByDate(ctx context.Context, date string) (int, error)
	}

	// AssignmentStore persists assignment records. Swap must deactivate the
	// order's active record and insert the new one in one transaction so at
	// most one record per order is ever active.
	AssignmentStore interface {
		Swap(ctx context.Context, rec AssignmentRecord) error
		ActiveByOrder(ctx context.Context, number string) (AssignmentRecord, error)
		ListByOrder(ctx context.Context, number string) ([]AssignmentRecord, error)
	}
)

// transitionFault is the typed error for illegal state changes.
func transitionFault(from, to Status) error {
	return fault.Errorf(fault.KindValidation, "illegal transition %s -> %s", from, to)
}

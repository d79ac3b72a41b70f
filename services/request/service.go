package request

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"goa.design/clue/log"

	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/events"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/fault"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/reqnum"
)

type (
	// Publisher is the slice of the event fabric the service emits through.
	Publisher interface {
		Publish(ctx context.Context, kind string, payload map[string]any, correlationID string) (events.Envelope, error)
	}

	// NewOrder is the input to Create.
	NewOrder struct {
		ApplicantID string
		Category    string
		Urgency     int
		Description string
		Address     string
		Latitude    *float64
		Longitude   *float64
	}

	// Service implements work-order operations.
	Service struct {
		orders      OrderStore
		assignments AssignmentStore
		directory   Directory
		allocator   *reqnum.Allocator
		engine      *Engine
		events      Publisher
		now         func() time.Time
	}

	// Options configures the Service.
	Options struct {
		Orders      OrderStore
		Assignments AssignmentStore
		Directory   Directory
		Allocator   *reqnum.Allocator
		// Engine defaults to NewEngine(DefaultWeights, DefaultFloor).
		Engine *Engine
		Events Publisher
		Now    func() time.Time
	}
)

// New returns a Service.
func New(opts Options) (*Service, error) {
	if opts.Orders == nil {
		return nil, errors.New("order store is required")
	}
	if opts.Assignments == nil {
		return nil, errors.New("assignment store is required")
	}
	if opts.Directory == nil {
		return nil, errors.New("executor directory is required")
	}
	if opts.Allocator == nil {
		return nil, errors.New("request number allocator is required")
	}
	engine := opts.Engine
	if engine == nil {
		engine = NewEngine(Weights{}, 0)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		orders:      opts.Orders,
		assignments: opts.Assignments,
		directory:   opts.Directory,
		allocator:   opts.Allocator,
		engine:      engine,
		events:      opts.Events,
		now:         now,
	}, nil
}

// Create allocates a request number and inserts the work order in status
// new. Number allocation overflow rejects the creation.
func (s *Service) Create(ctx context.Context, in NewOrder) (WorkOrder, error) {
	if err := validateNewOrder(in); err != nil {
		return WorkOrder{}, err
	}
	number, err := s.allocator.Generate(ctx)
	if err != nil {
		return WorkOrder{}, err
	}
	now := s.now().UTC()
	o := WorkOrder{
		Number:      number,
		ApplicantID: in.ApplicantID,
		Category:    in.Category,
		Urgency:     in.Urgency,
		Description: in.Description,
		Address:     in.Address,
		Latitude:    in.Latitude,
		Longitude:   in.Longitude,
		Status:      StatusNew,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.orders.Insert(ctx, o); err != nil {
		return WorkOrder{}, s.storeFault(err)
	}
	s.emit(ctx, events.KindRequestCreated, map[string]any{
		"request_number": o.Number,
		"applicant_id":   o.ApplicantID,
		"category":       o.Category,
		"urgency":        o.Urgency,
		"address":        o.Address,
	}, o.Number)
	return o, nil
}

// Get returns one work order by number.
func (s *Service) Get(ctx context.Context, number string) (WorkOrder, error) {
	o, err := s.orders.Get(ctx, number)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			return WorkOrder{}, fault.Errorf(fault.KindNotFound, "work order %s not found", number)
		}
		return WorkOrder{}, s.storeFault(err)
	}
	return o, nil
}

// ListByStatus returns all work orders in a status.
func (s *Service) ListByStatus(ctx context.Context, status Status) ([]WorkOrder, error) {
	out, err := s.orders.ListByStatus(ctx, status)
	if err != nil {
		return nil, s.storeFault(err)
	}
	return out, nil
}

// AutoAssign runs the engine over the category's executor pool and assigns
// the winner. An unreachable directory blocks the assignment.
func (s *Service) AutoAssign(ctx context.Context, number, assignerID string) (AssignmentRecord, error) {
	o, err := s.Get(ctx, number)
	if err != nil {
		return AssignmentRecord{}, err
	}
	pool, err := s.directory.Executors(ctx, o.Category)
	if err != nil {
		return AssignmentRecord{}, fault.Wrap(fault.KindUnavailable, err, "user service unavailable")
	}
	winner, alternates, err := s.engine.Pick(o.Category, pool)
	if err != nil {
		return AssignmentRecord{}, err
	}
	return s.assign(ctx, o, AssignmentRecord{
		ExecutorID: winner.ExecutorID,
		AssignerID: assignerID,
		Reason:     "auto assignment",
		Type:       AssignAuto,
		Breakdown:  &winner,
		Alternates: alternates,
	})
}

// ManualAssign assigns a chosen executor after a feasibility check.
func (s *Service) ManualAssign(ctx context.Context, number, executorID, assignerID, reason string) (AssignmentRecord, error) {
	o, err := s.Get(ctx, number)
	if err != nil {
		return AssignmentRecord{}, err
	}
	x, err := s.directory.Executor(ctx, executorID)
	if err != nil {
		return AssignmentRecord{}, fault.Wrap(fault.KindUnavailable, err, "user service unavailable")
	}
	if err := feasible(o.Category, x); err != nil {
		return AssignmentRecord{}, err
	}
	return s.assign(ctx, o, AssignmentRecord{
		ExecutorID: executorID,
		AssignerID: assignerID,
		Reason:     reason,
		Type:       AssignManual,
	})
}

// Start moves an assigned order to in_progress. Only the assigned executor
// may start the work.
func (s *Service) Start(ctx context.Context, number, executorID string) (WorkOrder, error) {
	o, err := s.Get(ctx, number)
	if err != nil {
		return WorkOrder{}, err
	}
	if o.ExecutorID != executorID {
		return WorkOrder{}, fault.New(fault.KindForbidden, "work order is assigned to another executor")
	}
	return s.transition(ctx, o, StatusInProgress, executorID, func(*WorkOrder) error { return nil })
}

// Complete finishes an in-progress order. The completion report must be
// non-empty.
func (s *Service) Complete(ctx context.Context, number, executorID, report string) (WorkOrder, error) {
	if strings.TrimSpace(report) == "" {
		return WorkOrder{}, fault.New(fault.KindValidation, "completion report is required")
	}
	o, err := s.Get(ctx, number)
	if err != nil {
		return WorkOrder{}, err
	}
	if o.ExecutorID != executorID {
		return WorkOrder{}, fault.New(fault.KindForbidden, "work order is assigned to another executor")
	}
	o, err = s.transition(ctx, o, StatusCompleted, executorID, func(o *WorkOrder) error {
		o.CompletionReport = report
		o.CompletedAt = s.now().UTC()
		return nil
	})
	if err != nil {
		return WorkOrder{}, err
	}
	s.emit(ctx, events.KindRequestCompleted, map[string]any{
		"request_number":    o.Number,
		"executor_id":       o.ExecutorID,
		"applicant_id":      o.ApplicantID,
		"completion_report": o.CompletionReport,
	}, o.Number)
	return o, nil
}

// Cancel cancels an order with a recorded reason.
func (s *Service) Cancel(ctx context.Context, number, actorID, reason string) (WorkOrder, error) {
	if strings.TrimSpace(reason) == "" {
		return WorkOrder{}, fault.New(fault.KindValidation, "cancellation reason is required")
	}
	o, err := s.Get(ctx, number)
	if err != nil {
		return WorkOrder{}, err
	}
	o, err = s.transition(ctx, o, StatusCancelled, actorID, func(o *WorkOrder) error {
		o.CancelReason = reason
		return nil
	})
	if err != nil {
		return WorkOrder{}, err
	}
	s.emit(ctx, events.KindRequestCancelled, map[string]any{
		"request_number": o.Number,
		"applicant_id":   o.ApplicantID,
		"reason":         reason,
	}, o.Number)
	return o, nil
}

// AddComment appends a comment.
func (s *Service) AddComment(ctx context.Context, number, authorID, text string) (WorkOrder, error) {
	if strings.TrimSpace(text) == "" {
		return WorkOrder{}, fault.New(fault.KindValidation, "comment text is required")
	}
	o, err := s.Get(ctx, number)
	if err != nil {
		return WorkOrder{}, err
	}
	o.Comments = append(o.Comments, Comment{AuthorID: authorID, Text: text, At: s.now().UTC()})
	o.UpdatedAt = s.now().UTC()
	if err := s.orders.Update(ctx, o); err != nil {
		return WorkOrder{}, s.storeFault(err)
	}
	return o, nil
}

// Rate records the applicant's rating on a completed order.
func (s *Service) Rate(ctx context.Context, number, applicantID string, rating int) (WorkOrder, error) {
	if rating < 1 || rating > 5 {
		return WorkOrder{}, fault.New(fault.KindValidation, "rating must be between 1 and 5")
	}
	o, err := s.Get(ctx, number)
	if err != nil {
		return WorkOrder{}, err
	}
	if o.ApplicantID != applicantID {
		return WorkOrder{}, fault.New(fault.KindForbidden, "only the applicant may rate the work order")
	}
	if o.Status != StatusCompleted {
		return WorkOrder{}, fault.New(fault.KindValidation, "only completed work orders can be rated")
	}
	o.Rating = rating
	o.UpdatedAt = s.now().UTC()
	if err := s.orders.Update(ctx, o); err != nil {
		return WorkOrder{}, s.storeFault(err)
	}
	return o, nil
}

// Assignments lists the order's assignment history, newest first.
func (s *Service) Assignments(ctx context.Context, number string) ([]AssignmentRecord, error) {
	recs, err := s.assignments.ListByOrder(ctx, number)
	if err != nil {
		return nil, s.storeFault(err)
	}
	return recs, nil
}

// assign swaps the active assignment record and moves the order to
// assigned. Re-assignment of assigned and in_progress orders goes through
// the same path: the prior record is deactivated in the same transaction.
func (s *Service) assign(ctx context.Context, o WorkOrder, rec AssignmentRecord) (AssignmentRecord, error) {
	switch o.Status {
	case StatusNew, StatusAssigned, StatusInProgress:
	default:
		return AssignmentRecord{}, transitionFault(o.Status, StatusAssigned)
	}
	rec.ID = newID()
	rec.OrderNumber = o.Number
	rec.At = s.now().UTC()
	rec.Active = true
	if err := s.assignments.Swap(ctx, rec); err != nil {
		return AssignmentRecord{}, s.storeFault(err)
	}

	from := o.Status
	o.Status = StatusAssigned
	o.ExecutorID = rec.ExecutorID
	o.UpdatedAt = rec.At
	if err := s.orders.Update(ctx, o); err != nil {
		return AssignmentRecord{}, s.storeFault(err)
	}

	payload := map[string]any{
		"request_number":  o.Number,
		"executor_id":     rec.ExecutorID,
		"assigner_id":     rec.AssignerID,
		"assignment_type": string(rec.Type),
	}
	if rec.Breakdown != nil {
		payload["score"] = rec.Breakdown.Total
	}
	s.emit(ctx, events.KindRequestAssigned, payload, o.Number)
	if from != StatusNew {
		s.emit(ctx, events.KindRequestStatusChanged, map[string]any{
			"request_number": o.Number,
			"from_status":    string(from),
			"to_status":      string(StatusAssigned),
			"actor_id":       rec.AssignerID,
		}, o.Number)
	}
	return rec, nil
}

func (s *Service) transition(ctx context.Context, o WorkOrder, to Status, actorID string, mutate func(*WorkOrder) error) (WorkOrder, error) {
	if !CanTransition(o.Status, to) {
		return WorkOrder{}, transitionFault(o.Status, to)
	}
	from := o.Status
	o.Status = to
	o.UpdatedAt = s.now().UTC()
	if err := mutate(&o); err != nil {
		return WorkOrder{}, err
	}
	if err := s.orders.Update(ctx, o); err != nil {
		return WorkOrder{}, s.storeFault(err)
	}
	s.emit(ctx, events.KindRequestStatusChanged, map[string]any{
		"request_number": o.Number,
		"from_status":    string(from),
		"to_status":      string(to),
		"actor_id":       actorID,
	}, o.Number)
	return o, nil
}

// feasible enforces the manual-assignment preconditions.
func feasible(category string, x Executor) error {
	if !x.Active {
		return fault.Errorf(fault.KindValidation, "executor %s is not active", x.ID)
	}
	if x.Capacity <= 0 || x.ActiveWork >= x.Capacity {
		return fault.Errorf(fault.KindValidation, "executor %s is at capacity", x.ID)
	}
	if category == "" {
		return nil
	}
	for _, spec := range x.Specializations {
		if spec == category || spec == generalSpecialization {
			return nil
		}
	}
	return fault.Errorf(fault.KindValidation, "executor %s has no specialization for %s", x.ID, category)
}

func validateNewOrder(in NewOrder) error {
	switch {
	case in.ApplicantID == "":
		return fault.New(fault.KindValidation, "applicant id is required")
	case strings.TrimSpace(in.Category) == "":
		return fault.New(fault.KindValidation, "category is required")
	case in.Urgency < 1 || in.Urgency > 5:
		return fault.New(fault.KindValidation, "urgency must be between 1 and 5")
	case strings.TrimSpace(in.Description) == "":
		return fault.New(fault.KindValidation, "description is required")
	case strings.TrimSpace(in.Address) == "":
		return fault.New(fault.KindValidation, "address is required")
	}
	return nil
}

func (s *Service) storeFault(err error) error {
	if f := fault.KindOf(err); f != "" && f != fault.KindInternal {
		return err
	}
	return fault.Wrap(fault.KindUnavailable, err, "request store")
}

func (s *Service) emit(ctx context.Context, kind string, payload map[string]any, correlationID string) {
	if s.events == nil {
		return
	}
	if _, err := s.events.Publish(ctx, kind, payload, correlationID); err != nil {
		log.Error(ctx, fmt.Errorf("emit %s: %w", kind, err))
	}
}

func newID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("request: read random: %v", err))
	}
	return hex.EncodeToString(b)
}

package mongo

import (
	"context"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/fault"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/services/request"
)

type (
	// OrderStore implements request.OrderStore.
	OrderStore struct {
		c *Client
	}

	// AssignmentStore implements request.AssignmentStore. Swap runs in a
	// driver transaction so at most one record per order is ever active.
	AssignmentStore struct {
		c *Client
	}

	orderDocument struct {
		Number      string  `bson:"_id"`
		Date        string  `bson:"date"`
		ApplicantID string  `bson:"applicant_id"`
		Category    string  `bson:"category"`
		Urgency     int     `bson:"urgency"`
		Description string  `bson:"description"`
		Address     string  `bson:"address,omitempty"`
		Latitude    *float64 `bson:"latitude,omitempty"`
		Longitude   *float64 `bson:"longitude,omitempty"`
		Status      string  `bson:"status"`
		ExecutorID  string  `bson:"executor_id,omitempty"`
		Comments    []commentDocument `bson:"comments,omitempty"`
		MediaIDs    []string `bson:"media_ids,omitempty"`
		Rating      int      `bson:"rating,omitempty"`
		CompletionReport string    `bson:"completion_report,omitempty"`
		CancelReason     string    `bson:"cancel_reason,omitempty"`
		CreatedAt        time.Time `bson:"created_at"`
		UpdatedAt        time.Time `bson:"updated_at"`
		CompletedAt      time.Time `bson:"completed_at,omitempty"`
	}

	commentDocument struct {
		AuthorID string    `bson:"author_id"`
		Text     string    `bson:"text"`
		At       time.Time `bson:"at"`
	}

	assignmentDocument struct {
		ID          string              `bson:"_id"`
		OrderNumber string              `bson:"order_number"`
		ExecutorID  string              `bson:"executor_id"`
		AssignerID  string              `bson:"assigner_id,omitempty"`
		Reason      string              `bson:"reason,omitempty"`
		Type        string              `bson:"type"`
		Breakdown   *scoreDocument      `bson:"breakdown,omitempty"`
		Alternates  []scoreDocument     `bson:"alternates,omitempty"`
		At          time.Time           `bson:"at"`
		Active      bool                `bson:"active"`
	}

	scoreDocument struct {
		ExecutorID     string  `bson:"executor_id"`
		Total          float64 `bson:"total"`
		Specialization float64 `bson:"specialization"`
		Efficiency     float64 `bson:"efficiency"`
		Workload       float64 `bson:"workload"`
		Availability   float64 `bson:"availability"`
		SpecMatch      bool    `bson:"spec_match"`
	}
)

// Orders returns the work-order store.
func (c *Client) Orders() *OrderStore { return &OrderStore{c: c} }

// Assignments returns the assignment store.
func (c *Client) Assignments() *AssignmentStore { return &AssignmentStore{c: c} }

// Insert implements request.OrderStore.
func (s *OrderStore) Insert(ctx context.Context, o request.WorkOrder) error {
	ctx, cancel := s.c.withTimeout(ctx)
	defer cancel()

	_, err := s.c.db.Collection(collOrders).InsertOne(ctx, orderToDocument(o))
	if isDup(err) {
		return fault.Errorf(fault.KindConflict, "work order %s already exists", o.Number)
	}
	return err
}

// Get implements request.OrderStore.
func (s *OrderStore) Get(ctx context.Context, number string) (request.WorkOrder, error) {
	ctx, cancel := s.c.withTimeout(ctx)
	defer cancel()

	var doc orderDocument
	err := s.c.db.Collection(collOrders).FindOne(ctx, bson.M{"_id": number}).Decode(&doc)
	if err != nil {
		if isNoDocuments(err) {
			return request.WorkOrder{}, request.ErrOrderNotFound
		}
		return request.WorkOrder{}, err
	}
	return orderFromDocument(doc), nil
}

// Update implements request.OrderStore.
func (s *OrderStore) Update(ctx context.Context, o request.WorkOrder) error {
	ctx, cancel := s.c.withTimeout(ctx)
	defer cancel()

	res, err := s.c.db.Collection(collOrders).
		ReplaceOne(ctx, bson.M{"_id": o.Number}, orderToDocument(o))
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return request.ErrOrderNotFound
	}
	return nil
}

// ListByStatus implements request.OrderStore.
func (s *OrderStore) ListByStatus(ctx context.Context, status request.Status) ([]request.WorkOrder, error) {
	ctx, cancel := s.c.withTimeout(ctx)
	defer cancel()

	cur, err := s.c.db.Collection(collOrders).Find(ctx,
		bson.M{"status": string(status)},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}),
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()

	var docs []orderDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]request.WorkOrder, len(docs))
	for i, doc := range docs {
		out[i] = orderFromDocument(doc)
	}
	return out, nil
}

// CountByDate implements request.OrderStore.
func (s *OrderStore) CountByDate(ctx context.Context, date string) (int, error) {
	ctx, cancel := s.c.withTimeout(ctx)
	defer cancel()

	n, err := s.c.db.Collection(collOrders).CountDocuments(ctx, bson.M{"date": date})
	return int(n), err
}

// Swap implements request.AssignmentStore.
func (s *AssignmentStore) Swap(ctx context.Context, rec request.AssignmentRecord) error {
	ctx, cancel := s.c.withTimeout(ctx)
	defer cancel()

	coll := s.c.db.Collection(collAssignments)
	session, err := s.c.mongo.StartSession()
	if err != nil {
		return err
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongodriver.SessionContext) (any, error) {
		if _, err := coll.UpdateMany(sc,
			bson.M{"order_number": rec.OrderNumber, "active": true},
			bson.M{"$set": bson.M{"active": false}},
		); err != nil {
			return nil, err
		}
		return coll.InsertOne(sc, assignmentToDocument(rec))
	})
	return err
}

// ActiveByOrder implements request.AssignmentStore.
func (s *AssignmentStore) ActiveByOrder(ctx context.Context, number string) (request.AssignmentRecord, error) {
	ctx, cancel := s.c.withTimeout(ctx)
	defer cancel()

	var doc assignmentDocument
	err := s.c.db.Collection(collAssignments).
		FindOne(ctx, bson.M{"order_number": number, "active": true}).Decode(&doc)
	if err != nil {
		if isNoDocuments(err) {
			return request.AssignmentRecord{}, request.ErrAssignmentNotFound
		}
		return request.AssignmentRecord{}, err
	}
	return assignmentFromDocument(doc), nil
}

// ListByOrder implements request.AssignmentStore.
func (s *AssignmentStore) ListByOrder(ctx context.Context, number string) ([]request.AssignmentRecord, error) {
	ctx, cancel := s.c.withTimeout(ctx)
	defer cancel()

	cur, err := s.c.db.Collection(collAssignments).Find(ctx,
		bson.M{"order_number": number},
		options.Find().SetSort(bson.D{{Key: "at", Value: 1}}),
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()

	var docs []assignmentDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]request.AssignmentRecord, len(docs))
	for i, doc := range docs {
		out[i] = assignmentFromDocument(doc)
	}
	return out, nil
}

func orderToDocument(o request.WorkOrder) orderDocument {
	comments := make([]commentDocument, len(o.Comments))
	for i, c := range o.Comments {
		comments[i] = commentDocument{AuthorID: c.AuthorID, Text: c.Text, At: c.At}
	}
	date, _, _ := strings.Cut(o.Number, "-")
	return orderDocument{
		Number:           o.Number,
		Date:             date,
		ApplicantID:      o.ApplicantID,
		Category:         o.Category,
		Urgency:          o.Urgency,
		Description:      o.Description,
		Address:          o.Address,
		Latitude:         o.Latitude,
		Longitude:        o.Longitude,
		Status:           string(o.Status),
		ExecutorID:       o.ExecutorID,
		Comments:         comments,
		MediaIDs:         o.MediaIDs,
		Rating:           o.Rating,
		CompletionReport: o.CompletionReport,
		CancelReason:     o.CancelReason,
		CreatedAt:        o.CreatedAt,
		UpdatedAt:        o.UpdatedAt,
		CompletedAt:      o.CompletedAt,
	}
}

func orderFromDocument(doc orderDocument) request.WorkOrder {
	comments := make([]request.Comment, len(doc.Comments))
	for i, c := range doc.Comments {
		comments[i] = request.Comment{AuthorID: c.AuthorID, Text: c.Text, At: c.At}
	}
	return request.WorkOrder{
		Number:           doc.Number,
		ApplicantID:      doc.ApplicantID,
		Category:         doc.Category,
		Urgency:          doc.Urgency,
		Description:      doc.Description,
		Address:          doc.Address,
		Latitude:         doc.Latitude,
		Longitude:        doc.Longitude,
		Status:           request.Status(doc.Status),
		ExecutorID:       doc.ExecutorID,
		Comments:         comments,
		MediaIDs:         doc.MediaIDs,
		Rating:           doc.Rating,
		CompletionReport: doc.CompletionReport,
		CancelReason:     doc.CancelReason,
		CreatedAt:        doc.CreatedAt,
		UpdatedAt:        doc.UpdatedAt,
		CompletedAt:      doc.CompletedAt,
	}
}

func assignmentToDocument(rec request.AssignmentRecord) assignmentDocument {
	doc := assignmentDocument{
		ID:          rec.ID,
		OrderNumber: rec.OrderNumber,
		ExecutorID:  rec.ExecutorID,
		AssignerID:  rec.AssignerID,
		Reason:      rec.Reason,
		Type:        string(rec.Type),
		At:          rec.At,
		Active:      rec.Active,
	}
	if rec.Breakdown != nil {
		b := scoreToDocument(*rec.Breakdown)
		doc.Breakdown = &b
	}
	doc.Alternates = make([]scoreDocument, len(rec.Alternates))
	for i, a := range rec.Alternates {
		doc.Alternates[i] = scoreToDocument(a)
	}
	return doc
}

func assignmentFromDocument(doc assignmentDocument) request.AssignmentRecord {
	rec := request.AssignmentRecord{
		ID:          doc.ID,
		OrderNumber: doc.OrderNumber,
		ExecutorID:  doc.ExecutorID,
		AssignerID:  doc.AssignerID,
		Reason:      doc.Reason,
		Type:        request.AssignmentType(doc.Type),
		At:          doc.At,
		Active:      doc.Active,
	}
	if doc.Breakdown != nil {
		b := scoreFromDocument(*doc.Breakdown)
		rec.Breakdown = &b
	}
	rec.Alternates = make([]request.CandidateScore, len(doc.Alternates))
	for i, a := range doc.Alternates {
		rec.Alternates[i] = scoreFromDocument(a)
	}
	return rec
}

func scoreToDocument(s request.CandidateScore) scoreDocument {
	return scoreDocument{
		ExecutorID:     s.ExecutorID,
		Total:          s.Total,
		Specialization: s.Specialization,
		Efficiency:     s.Efficiency,
		Workload:       s.Workload,
		Availability:   s.Availability,
		SpecMatch:      s.SpecMatch,
	}
}

func scoreFromDocument(doc scoreDocument) request.CandidateScore {
	return request.CandidateScore{
		ExecutorID:     doc.ExecutorID,
		Total:          doc.Total,
		Specialization: doc.Specialization,
		Efficiency:     doc.Efficiency,
		Workload:       doc.Workload,
		Availability:   doc.Availability,
		SpecMatch:      doc.SpecMatch,
	}
}

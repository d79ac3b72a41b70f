package mongo

import (
	"context"
	"encoding/json"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/fault"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/services/integration"
)

type (
	// IntakeStore implements integration.IntakeStore. The unique index on
	// (source, idempotency_key) backs the insert conflict contract.
	IntakeStore struct {
		c *Client
	}

	intakeDocument struct {
		ID             string            `bson:"_id"`
		Source         string            `bson:"source"`
		DeclaredKind   string            `bson:"declared_kind,omitempty"`
		IdempotencyKey string            `bson:"idempotency_key"`
		Headers        map[string]string `bson:"headers,omitempty"`
		BodyHash       string            `bson:"body_hash"`
		Body           []byte            `bson:"body,omitempty"`
		Status         string            `bson:"status"`
		Attempts       int               `bson:"attempts"`
		LastError      string            `bson:"last_error,omitempty"`
		Response       []byte            `bson:"response,omitempty"`
		NextAttempt    time.Time         `bson:"next_attempt,omitempty"`
		CreatedAt      time.Time         `bson:"created_at"`
		UpdatedAt      time.Time         `bson:"updated_at"`
	}
)

// Intakes returns the webhook intake store.
func (c *Client) Intakes() *IntakeStore { return &IntakeStore{c: c} }

// Insert implements integration.IntakeStore.
func (s *IntakeStore) Insert(ctx context.Context, in integration.Intake) error {
	ctx, cancel := s.c.withTimeout(ctx)
	defer cancel()

	_, err := s.c.db.Collection(collIntakes).InsertOne(ctx, intakeToDocument(in))
	if isDup(err) {
		return fault.Errorf(fault.KindConflict, "intake with key %s already exists", in.IdempotencyKey)
	}
	return err
}

// GetByKey implements integration.IntakeStore.
func (s *IntakeStore) GetByKey(ctx context.Context, source, key string) (integration.Intake, error) {
	ctx, cancel := s.c.withTimeout(ctx)
	defer cancel()

	var doc intakeDocument
	err := s.c.db.Collection(collIntakes).
		FindOne(ctx, bson.M{"source": source, "idempotency_key": key}).Decode(&doc)
	if err != nil {
		if isNoDocuments(err) {
			return integration.Intake{}, integration.ErrIntakeNotFound
		}
		return integration.Intake{}, err
	}
	return intakeFromDocument(doc), nil
}

// Update implements integration.IntakeStore.
func (s *IntakeStore) Update(ctx context.Context, in integration.Intake) error {
	ctx, cancel := s.c.withTimeout(ctx)
	defer cancel()

	res, err := s.c.db.Collection(collIntakes).
		ReplaceOne(ctx, bson.M{"_id": in.ID}, intakeToDocument(in))
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return integration.ErrIntakeNotFound
	}
	return nil
}

// ListRetryable implements integration.IntakeStore.
func (s *IntakeStore) ListRetryable(ctx context.Context, now time.Time, limit int) ([]integration.Intake, error) {
	ctx, cancel := s.c.withTimeout(ctx)
	defer cancel()

	cur, err := s.c.db.Collection(collIntakes).Find(ctx,
		bson.M{
			"status":       string(integration.IntakeFailed),
			"next_attempt": bson.M{"$gt": time.Time{}, "$lte": now.UTC()},
		},
		options.Find().
			SetSort(bson.D{{Key: "next_attempt", Value: 1}}).
			SetLimit(int64(limit)),
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()

	var docs []intakeDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]integration.Intake, len(docs))
	for i, doc := range docs {
		out[i] = intakeFromDocument(doc)
	}
	return out, nil
}

func intakeToDocument(in integration.Intake) intakeDocument {
	return intakeDocument{
		ID:             in.ID,
		Source:         in.Source,
		DeclaredKind:   in.DeclaredKind,
		IdempotencyKey: in.IdempotencyKey,
		Headers:        in.Headers,
		BodyHash:       in.BodyHash,
		Body:           in.Body,
		Status:         string(in.Status),
		Attempts:       in.Attempts,
		LastError:      in.LastError,
		Response:       in.Response,
		NextAttempt:    in.NextAttempt,
		CreatedAt:      in.CreatedAt,
		UpdatedAt:      in.UpdatedAt,
	}
}

func intakeFromDocument(doc intakeDocument) integration.Intake {
	return integration.Intake{
		ID:             doc.ID,
		Source:         doc.Source,
		DeclaredKind:   doc.DeclaredKind,
		IdempotencyKey: doc.IdempotencyKey,
		Headers:        doc.Headers,
		BodyHash:       doc.BodyHash,
		Body:           doc.Body,
		Status:         integration.IntakeStatus(doc.Status),
		Attempts:       doc.Attempts,
		LastError:      doc.LastError,
		Response:       json.RawMessage(doc.Response),
		NextAttempt:    doc.NextAttempt,
		CreatedAt:      doc.CreatedAt,
		UpdatedAt:      doc.UpdatedAt,
	}
}

package mongo

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/fault"
)

type (
	// SequenceStore implements reqnum.Fallback: it reserves request
	// numbers under the _id unique constraint when the counter substrate
	// is down.
	SequenceStore struct {
		c *Client
	}

	sequenceDocument struct {
		ID   string `bson:"_id"`
		Date string `bson:"date"`
		Seq  int    `bson:"seq"`
	}
)

// Sequences returns the request-number reservation store.
func (c *Client) Sequences() *SequenceStore { return &SequenceStore{c: c} }

// NextCandidate implements reqnum.Fallback.
func (s *SequenceStore) NextCandidate(ctx context.Context, date string) (int, error) {
	ctx, cancel := s.c.withTimeout(ctx)
	defer cancel()

	n, err := s.c.db.Collection(collSequences).CountDocuments(ctx, bson.M{"date": date})
	if err != nil {
		return 0, err
	}
	return int(n) + 1, nil
}

// Reserve implements reqnum.Fallback.
func (s *SequenceStore) Reserve(ctx context.Context, date string, seq int) error {
	ctx, cancel := s.c.withTimeout(ctx)
	defer cancel()

	key := fmt.Sprintf("%s-%03d", date, seq)
	_, err := s.c.db.Collection(collSequences).InsertOne(ctx, sequenceDocument{
		ID:   key,
		Date: date,
		Seq:  seq,
	})
	if isDup(err) {
		return fault.Errorf(fault.KindConflict, "request number %s already reserved", key)
	}
	return err
}

package mongo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/a-afanasyev/Infrasafe-bot-sub006/services/notify"
)

type (
	// NotifyLogStore implements notify.LogStore.
	NotifyLogStore struct {
		c *Client
	}

	notifyLogDocument struct {
		ID            string    `bson:"_id"`
		Kind          string    `bson:"kind"`
		Channel       string    `bson:"channel"`
		Recipient     string    `bson:"recipient"`
		Origin        string    `bson:"origin,omitempty"`
		CorrelationID string    `bson:"correlation_id,omitempty"`
		Status        string    `bson:"status"`
		Attempts      int       `bson:"attempts"`
		LastError     string    `bson:"last_error,omitempty"`
		Title         string    `bson:"title,omitempty"`
		Body          string    `bson:"body,omitempty"`
		NextAttempt   time.Time `bson:"next_attempt,omitempty"`
		CreatedAt     time.Time `bson:"created_at"`
		UpdatedAt     time.Time `bson:"updated_at"`
	}
)

// NotifyLogs returns the notification log store.
func (c *Client) NotifyLogs() *NotifyLogStore { return &NotifyLogStore{c: c} }

// Insert implements notify.LogStore.
func (s *NotifyLogStore) Insert(ctx context.Context, l notify.Log) error {
	ctx, cancel := s.c.withTimeout(ctx)
	defer cancel()

	_, err := s.c.db.Collection(collNotifyLogs).InsertOne(ctx, notifyLogToDocument(l))
	return err
}

// Update implements notify.LogStore.
func (s *NotifyLogStore) Update(ctx context.Context, l notify.Log) error {
	ctx, cancel := s.c.withTimeout(ctx)
	defer cancel()

	res, err := s.c.db.Collection(collNotifyLogs).
		ReplaceOne(ctx, bson.M{"_id": l.ID}, notifyLogToDocument(l))
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return notify.ErrLogNotFound
	}
	return nil
}

// Get implements notify.LogStore.
func (s *NotifyLogStore) Get(ctx context.Context, id string) (notify.Log, error) {
	ctx, cancel := s.c.withTimeout(ctx)
	defer cancel()

	var doc notifyLogDocument
	err := s.c.db.Collection(collNotifyLogs).FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if isNoDocuments(err) {
			return notify.Log{}, notify.ErrLogNotFound
		}
		return notify.Log{}, err
	}
	return notifyLogFromDocument(doc), nil
}

// WasSent implements notify.LogStore.
func (s *NotifyLogStore) WasSent(ctx context.Context, correlationID, channel, recipient string) (bool, error) {
	ctx, cancel := s.c.withTimeout(ctx)
	defer cancel()

	n, err := s.c.db.Collection(collNotifyLogs).CountDocuments(ctx, bson.M{
		"correlation_id": correlationID,
		"channel":        channel,
		"recipient":      recipient,
		"status":         string(notify.StatusSent),
	}, options.Count().SetLimit(1))
	return n > 0, err
}

// ListRetryable implements notify.LogStore.
func (s *NotifyLogStore) ListRetryable(ctx context.Context, now time.Time, limit int) ([]notify.Log, error) {
	ctx, cancel := s.c.withTimeout(ctx)
	defer cancel()

	cur, err := s.c.db.Collection(collNotifyLogs).Find(ctx,
		bson.M{
			"status":       string(notify.StatusRetry),
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

	var docs []notifyLogDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]notify.Log, len(docs))
	for i, doc := range docs {
		out[i] = notifyLogFromDocument(doc)
	}
	return out, nil
}

func notifyLogToDocument(l notify.Log) notifyLogDocument {
	return notifyLogDocument{
		ID:            l.ID,
		Kind:          l.Kind,
		Channel:       l.Channel,
		Recipient:     l.Recipient,
		Origin:        l.Origin,
		CorrelationID: l.CorrelationID,
		Status:        string(l.Status),
		Attempts:      l.Attempts,
		LastError:     l.LastError,
		Title:         l.Title,
		Body:          l.Body,
		NextAttempt:   l.NextAttempt,
		CreatedAt:     l.CreatedAt,
		UpdatedAt:     l.UpdatedAt,
	}
}

func notifyLogFromDocument(doc notifyLogDocument) notify.Log {
	return notify.Log{
		ID:            doc.ID,
		Kind:          doc.Kind,
		Channel:       doc.Channel,
		Recipient:     doc.Recipient,
		Origin:        doc.Origin,
		CorrelationID: doc.CorrelationID,
		Status:        notify.LogStatus(doc.Status),
		Attempts:      doc.Attempts,
		LastError:     doc.LastError,
		Title:         doc.Title,
		Body:          doc.Body,
		NextAttempt:   doc.NextAttempt,
		CreatedAt:     doc.CreatedAt,
		UpdatedAt:     doc.UpdatedAt,
	}
}

package mongo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/a-afanasyev/Infrasafe-bot-sub006/services/gateway"
)

type (
	// BotSessionStore implements gateway.SessionStore.
	BotSessionStore struct {
		c *Client
	}

	botSessionDocument struct {
		ExternalID   string         `bson:"_id"`
		State        string         `bson:"state"`
		Payload      map[string]any `bson:"payload,omitempty"`
		AccessToken  string         `bson:"access_token,omitempty"`
		TokenExpiry  time.Time      `bson:"token_expiry,omitempty"`
		UserID       string         `bson:"user_id,omitempty"`
		Role         string         `bson:"role,omitempty"`
		Tenant       string         `bson:"tenant,omitempty"`
		Language     string         `bson:"language,omitempty"`
		Username     string         `bson:"username,omitempty"`
		FirstName    string         `bson:"first_name,omitempty"`
		LastName     string         `bson:"last_name,omitempty"`
		Version      int64          `bson:"version"`
		LastActivity time.Time      `bson:"last_activity"`
		ExpiresAt    time.Time      `bson:"expires_at"`
		Active       bool           `bson:"active"`
	}
)

// BotSessions returns the conversational session store.
func (c *Client) BotSessions() *BotSessionStore { return &BotSessionStore{c: c} }

// Get implements gateway.SessionStore.
func (s *BotSessionStore) Get(ctx context.Context, externalID string) (gateway.Session, error) {
	ctx, cancel := s.c.withTimeout(ctx)
	defer cancel()

	var doc botSessionDocument
	err := s.c.db.Collection(collBotSessions).FindOne(ctx, bson.M{"_id": externalID}).Decode(&doc)
	if err != nil {
		if isNoDocuments(err) {
			return gateway.Session{}, gateway.ErrSessionNotFound
		}
		return gateway.Session{}, err
	}
	return botSessionFromDocument(doc), nil
}

// Put implements gateway.SessionStore.
func (s *BotSessionStore) Put(ctx context.Context, sess gateway.Session) error {
	ctx, cancel := s.c.withTimeout(ctx)
	defer cancel()

	_, err := s.c.db.Collection(collBotSessions).ReplaceOne(ctx,
		bson.M{"_id": sess.ExternalID},
		botSessionToDocument(sess),
		options.Replace().SetUpsert(true),
	)
	return err
}

// SweepExpired implements gateway.SessionStore.
func (s *BotSessionStore) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	ctx, cancel := s.c.withTimeout(ctx)
	defer cancel()

	res, err := s.c.db.Collection(collBotSessions).UpdateMany(ctx,
		bson.M{"active": true, "expires_at": bson.M{"$lt": now.UTC()}},
		bson.M{"$set": bson.M{"active": false}, "$inc": bson.M{"version": 1}},
	)
	if err != nil {
		return 0, err
	}
	return int(res.ModifiedCount), nil
}

// CountActive implements gateway.SessionStore.
func (s *BotSessionStore) CountActive(ctx context.Context) (int, error) {
	ctx, cancel := s.c.withTimeout(ctx)
	defer cancel()

	n, err := s.c.db.Collection(collBotSessions).CountDocuments(ctx, bson.M{"active": true})
	return int(n), err
}

func botSessionToDocument(sess gateway.Session) botSessionDocument {
	return botSessionDocument{
		ExternalID:   sess.ExternalID,
		State:        sess.State,
		Payload:      sess.Payload,
		AccessToken:  sess.Context.AccessToken,
		TokenExpiry:  sess.Context.TokenExpiry,
		UserID:       sess.Context.UserID,
		Role:         sess.Context.Role,
		Tenant:       sess.Context.Tenant,
		Language:     sess.Language,
		Username:     sess.Username,
		FirstName:    sess.FirstName,
		LastName:     sess.LastName,
		Version:      sess.Version,
		LastActivity: sess.LastActivity,
		ExpiresAt:    sess.ExpiresAt,
		Active:       sess.Active,
	}
}

func botSessionFromDocument(doc botSessionDocument) gateway.Session {
	return gateway.Session{
		ExternalID: doc.ExternalID,
		State:      doc.State,
		Payload:    doc.Payload,
		Context: gateway.SessionContext{
			AccessToken: doc.AccessToken,
			TokenExpiry: doc.TokenExpiry,
			UserID:      doc.UserID,
			Role:        doc.Role,
			Tenant:      doc.Tenant,
		},
		Language:     doc.Language,
		Username:     doc.Username,
		FirstName:    doc.FirstName,
		LastName:     doc.LastName,
		Version:      doc.Version,
		LastActivity: doc.LastActivity,
		ExpiresAt:    doc.ExpiresAt,
		Active:       doc.Active,
	}
}

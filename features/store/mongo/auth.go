package mongo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/a-afanasyev/Infrasafe-bot-sub006/services/auth"
)

type (
	// CredentialStore implements auth.CredentialStore.
	CredentialStore struct {
		c *Client
	}

	// SessionStore implements auth.SessionStore.
	SessionStore struct {
		c *Client
	}

	credentialDocument struct {
		UserID           string    `bson:"_id"`
		PasswordHash     string    `bson:"password_hash,omitempty"`
		FailedAttempts   int       `bson:"failed_attempts,omitempty"`
		LockUntil        time.Time `bson:"lock_until,omitempty"`
		MFAEnabled       bool      `bson:"mfa_enabled,omitempty"`
		TOTPSecret       []byte    `bson:"totp_secret,omitempty"`
		BackupCodeHashes []string  `bson:"backup_code_hashes,omitempty"`
		ForceChange      bool      `bson:"force_change,omitempty"`
		LastLogin        time.Time `bson:"last_login,omitempty"`
		PasswordSetAt    time.Time `bson:"password_set_at,omitempty"`
	}

	sessionDocument struct {
		ID               string    `bson:"_id"`
		UserID           string    `bson:"user_id"`
		ExternalID       string    `bson:"external_id,omitempty"`
		AccessToken      string    `bson:"access_token"`
		RefreshToken     string    `bson:"refresh_token"`
		CreatedAt        time.Time `bson:"created_at"`
		ExpiresAt        time.Time `bson:"expires_at"`
		RefreshExpiresAt time.Time `bson:"refresh_expires_at"`
		LastActivity     time.Time `bson:"last_activity"`
		Fingerprint      string    `bson:"fingerprint,omitempty"`
		IP               string    `bson:"ip,omitempty"`
		UserAgent        string    `bson:"user_agent,omitempty"`
		Active           bool      `bson:"active"`
	}
)

// Credentials returns the credential store.
func (c *Client) Credentials() *CredentialStore { return &CredentialStore{c: c} }

// Sessions returns the auth session store.
func (c *Client) Sessions() *SessionStore { return &SessionStore{c: c} }

// Get implements auth.CredentialStore.
func (s *CredentialStore) Get(ctx context.Context, userID string) (auth.Credential, error) {
	ctx, cancel := s.c.withTimeout(ctx)
	defer cancel()

	var doc credentialDocument
	err := s.c.db.Collection(collCredentials).FindOne(ctx, bson.M{"_id": userID}).Decode(&doc)
	if err != nil {
		if isNoDocuments(err) {
			return auth.Credential{}, auth.ErrCredentialNotFound
		}
		return auth.Credential{}, err
	}
	return credentialFromDocument(doc), nil
}

// Put implements auth.CredentialStore.
func (s *CredentialStore) Put(ctx context.Context, cred auth.Credential) error {
	ctx, cancel := s.c.withTimeout(ctx)
	defer cancel()

	doc := credentialToDocument(cred)
	_, err := s.c.db.Collection(collCredentials).
		ReplaceOne(ctx, bson.M{"_id": cred.UserID}, doc, options.Replace().SetUpsert(true))
	return err
}

// Create implements auth.SessionStore.
func (s *SessionStore) Create(ctx context.Context, sess auth.Session) error {
	ctx, cancel := s.c.withTimeout(ctx)
	defer cancel()

	_, err := s.c.db.Collection(collSessions).InsertOne(ctx, sessionToDocument(sess))
	return err
}

// Get implements auth.SessionStore.
func (s *SessionStore) Get(ctx context.Context, id string) (auth.Session, error) {
	return s.findOne(ctx, bson.M{"_id": id, "active": true})
}

// GetByAccessToken implements auth.SessionStore.
func (s *SessionStore) GetByAccessToken(ctx context.Context, token string) (auth.Session, error) {
	return s.findOne(ctx, bson.M{"access_token": token, "active": true})
}

// GetByRefreshToken implements auth.SessionStore.
func (s *SessionStore) GetByRefreshToken(ctx context.Context, token string) (auth.Session, error) {
	return s.findOne(ctx, bson.M{"refresh_token": token, "active": true})
}

// ListActiveByUser implements auth.SessionStore.
func (s *SessionStore) ListActiveByUser(ctx context.Context, userID string) ([]auth.Session, error) {
	ctx, cancel := s.c.withTimeout(ctx)
	defer cancel()

	cur, err := s.c.db.Collection(collSessions).Find(ctx,
		bson.M{"user_id": userID, "active": true},
		options.Find().SetSort(bson.D{{Key: "last_activity", Value: 1}}),
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()

	var docs []sessionDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]auth.Session, len(docs))
	for i, doc := range docs {
		out[i] = sessionFromDocument(doc)
	}
	return out, nil
}

// Update implements auth.SessionStore.
func (s *SessionStore) Update(ctx context.Context, sess auth.Session) error {
	ctx, cancel := s.c.withTimeout(ctx)
	defer cancel()

	res, err := s.c.db.Collection(collSessions).
		ReplaceOne(ctx, bson.M{"_id": sess.ID}, sessionToDocument(sess))
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return auth.ErrSessionNotFound
	}
	return nil
}

// DeactivateAllForUser implements auth.SessionStore.
func (s *SessionStore) DeactivateAllForUser(ctx context.Context, userID, exceptID string) (int, error) {
	ctx, cancel := s.c.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"user_id": userID, "active": true}
	if exceptID != "" {
		filter["_id"] = bson.M{"$ne": exceptID}
	}
	res, err := s.c.db.Collection(collSessions).
		UpdateMany(ctx, filter, bson.M{"$set": bson.M{"active": false}})
	if err != nil {
		return 0, err
	}
	return int(res.ModifiedCount), nil
}

// SweepExpired implements auth.SessionStore.
func (s *SessionStore) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	ctx, cancel := s.c.withTimeout(ctx)
	defer cancel()

	res, err := s.c.db.Collection(collSessions).UpdateMany(ctx,
		bson.M{"active": true, "expires_at": bson.M{"$lt": now.UTC()}},
		bson.M{"$set": bson.M{"active": false}},
	)
	if err != nil {
		return 0, err
	}
	return int(res.ModifiedCount), nil
}

// CountActive implements auth.SessionStore.
func (s *SessionStore) CountActive(ctx context.Context) (int, error) {
	ctx, cancel := s.c.withTimeout(ctx)
	defer cancel()

	n, err := s.c.db.Collection(collSessions).CountDocuments(ctx, bson.M{"active": true})
	return int(n), err
}

func (s *SessionStore) findOne(ctx context.Context, filter bson.M) (auth.Session, error) {
	ctx, cancel := s.c.withTimeout(ctx)
	defer cancel()

	var doc sessionDocument
	err := s.c.db.Collection(collSessions).FindOne(ctx, filter).Decode(&doc)
	if err != nil {
		if isNoDocuments(err) {
			return auth.Session{}, auth.ErrSessionNotFound
		}
		return auth.Session{}, err
	}
	return sessionFromDocument(doc), nil
}

func credentialToDocument(cred auth.Credential) credentialDocument {
	return credentialDocument{
		UserID:           cred.UserID,
		PasswordHash:     cred.PasswordHash,
		FailedAttempts:   cred.FailedAttempts,
		LockUntil:        cred.LockUntil,
		MFAEnabled:       cred.MFAEnabled,
		TOTPSecret:       cred.TOTPSecret,
		BackupCodeHashes: cred.BackupCodeHashes,
		ForceChange:      cred.ForceChange,
		LastLogin:        cred.LastLogin,
		PasswordSetAt:    cred.PasswordSetAt,
	}
}

func credentialFromDocument(doc credentialDocument) auth.Credential {
	return auth.Credential{
		UserID:           doc.UserID,
		PasswordHash:     doc.PasswordHash,
		FailedAttempts:   doc.FailedAttempts,
		LockUntil:        doc.LockUntil,
		MFAEnabled:       doc.MFAEnabled,
		TOTPSecret:       doc.TOTPSecret,
		BackupCodeHashes: doc.BackupCodeHashes,
		ForceChange:      doc.ForceChange,
		LastLogin:        doc.LastLogin,
		PasswordSetAt:    doc.PasswordSetAt,
	}
}

func sessionToDocument(sess auth.Session) sessionDocument {
	return sessionDocument{
		ID:               sess.ID,
		UserID:           sess.UserID,
		ExternalID:       sess.ExternalID,
		AccessToken:      sess.AccessToken,
		RefreshToken:     sess.RefreshToken,
		CreatedAt:        sess.CreatedAt,
		ExpiresAt:        sess.ExpiresAt,
		RefreshExpiresAt: sess.RefreshExpiresAt,
		LastActivity:     sess.LastActivity,
		Fingerprint:      sess.Fingerprint,
		IP:               sess.IP,
		UserAgent:        sess.UserAgent,
		Active:           sess.Active,
	}
}

func sessionFromDocument(doc sessionDocument) auth.Session {
	return auth.Session{
		ID:               doc.ID,
		UserID:           doc.UserID,
		ExternalID:       doc.ExternalID,
		AccessToken:      doc.AccessToken,
		RefreshToken:     doc.RefreshToken,
		CreatedAt:        doc.CreatedAt,
		ExpiresAt:        doc.ExpiresAt,
		RefreshExpiresAt: doc.RefreshExpiresAt,
		LastActivity:     doc.LastActivity,
		Fingerprint:      doc.Fingerprint,
		IP:               doc.IP,
		UserAgent:        doc.UserAgent,
		Active:           doc.Active,
	}
}

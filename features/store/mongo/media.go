package mongo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/a-afanasyev/Infrasafe-bot-sub006/services/media"
)

type (
	// MediaMetaStore implements media.MetaStore.
	MediaMetaStore struct {
		c *Client
	}

	mediaDocument struct {
		ID            string    `bson:"_id"`
		RequestNumber string    `bson:"request_number,omitempty"`
		Filename      string    `bson:"filename,omitempty"`
		DeclaredType  string    `bson:"declared_type,omitempty"`
		DetectedType  string    `bson:"detected_type"`
		SizeBytes     int64     `bson:"size_bytes"`
		UploaderID    string    `bson:"uploader_id,omitempty"`
		CreatedAt     time.Time `bson:"created_at"`
	}
)

// MediaMeta returns the upload metadata store.
func (c *Client) MediaMeta() *MediaMetaStore { return &MediaMetaStore{c: c} }

// Insert implements media.MetaStore.
func (s *MediaMetaStore) Insert(ctx context.Context, m media.Media) error {
	ctx, cancel := s.c.withTimeout(ctx)
	defer cancel()

	_, err := s.c.db.Collection(collMedia).InsertOne(ctx, mediaToDocument(m))
	return err
}

// Get implements media.MetaStore.
func (s *MediaMetaStore) Get(ctx context.Context, id string) (media.Media, error) {
	ctx, cancel := s.c.withTimeout(ctx)
	defer cancel()

	var doc mediaDocument
	err := s.c.db.Collection(collMedia).FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if isNoDocuments(err) {
			return media.Media{}, media.ErrMediaNotFound
		}
		return media.Media{}, err
	}
	return mediaFromDocument(doc), nil
}

// ListByRequest implements media.MetaStore.
func (s *MediaMetaStore) ListByRequest(ctx context.Context, requestNumber string) ([]media.Media, error) {
	ctx, cancel := s.c.withTimeout(ctx)
	defer cancel()

	cur, err := s.c.db.Collection(collMedia).Find(ctx,
		bson.M{"request_number": requestNumber},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}),
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()

	var docs []mediaDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]media.Media, len(docs))
	for i, doc := range docs {
		out[i] = mediaFromDocument(doc)
	}
	return out, nil
}

func mediaToDocument(m media.Media) mediaDocument {
	return mediaDocument{
		ID:            m.ID,
		RequestNumber: m.RequestNumber,
		Filename:      m.Filename,
		DeclaredType:  m.DeclaredType,
		DetectedType:  m.DetectedType,
		SizeBytes:     m.SizeBytes,
		UploaderID:    m.UploaderID,
		CreatedAt:     m.CreatedAt,
	}
}

func mediaFromDocument(doc mediaDocument) media.Media {
	return media.Media{
		ID:            doc.ID,
		RequestNumber: doc.RequestNumber,
		Filename:      doc.Filename,
		DeclaredType:  doc.DeclaredType,
		DetectedType:  doc.DetectedType,
		SizeBytes:     doc.SizeBytes,
		UploaderID:    doc.UploaderID,
		CreatedAt:     doc.CreatedAt,
	}
}

// Package media is the streaming upload core: bounded-memory chunked
// intake to a temp file, magic-byte type detection, size and type policy,
// and durable storage of accepted files.
package media

import (
	"context"
	"errors"
	"time"
)

// ErrMediaNotFound is returned by stores for unknown media ids.
var ErrMediaNotFound = errors.New("media: not found")

// Size tiers, used to pick the rate-limit scope of an upload.
const (
	TierSmall  = "small"
	TierMedium = "medium"
	TierLarge  = "large"
)

type (
	// Media is the stored metadata of one accepted upload.
	Media struct {
		ID string
		// RequestNumber links the upload to a work order, when present.
		RequestNumber string
		Filename      string
		DeclaredType  string
		// DetectedType is the sniffed content type; policy decisions use
		// it, not the declared one.
		DetectedType string
		SizeBytes    int64
		UploaderID   string
		CreatedAt    time.Time
	}

	// MetaStore persists upload metadata.
	MetaStore interface {
		Insert(ctx context.Context, m Media) error
		Get(ctx context.Context, id string) (Media, error)
		ListByRequest(ctx context.Context, requestNumber string) ([]Media, error)
	}
)

// Tier buckets a declared size into a rate-limit tier.
func Tier(sizeBytes int64) string {
	switch {
	case sizeBytes <= 1<<20:
		return TierSmall
	case sizeBytes <= 10<<20:
		return TierMedium
	default:
		return TierLarge
	}
}

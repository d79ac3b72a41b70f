package media

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"goa.design/clue/log"

	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/events"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/fault"
)

const (
	// chunkSize is the streaming read granularity.
	chunkSize = 8 * 1024
	// sniffLen is how many leading bytes type detection looks at.
	sniffLen = 512
)

type (
	// Publisher is the slice of the event fabric the service emits through.
	Publisher interface {
		Publish(ctx context.Context, kind string, payload map[string]any, correlationID string) (events.Envelope, error)
	}

	// Upload is the input to Accept.
	Upload struct {
		Body          io.Reader
		Filename      string
		DeclaredType  string
		RequestNumber string
		UploaderID    string
	}

	// Service accepts streaming uploads.
	Service struct {
		meta     MetaStore
		tempDir  string
		storeDir string
		maxBytes int64
		allowed  map[string]bool
		events   Publisher
		now      func() time.Time
	}

	// Options configures the Service.
	Options struct {
		Meta MetaStore
		// TempDir receives in-flight uploads; StoreDir keeps accepted
		// files. Both must exist.
		TempDir  string
		StoreDir string
		// MaxBytes aborts any upload that exceeds it mid-stream.
		MaxBytes int64
		// AllowedTypes is the closed set of accepted detected types.
		AllowedTypes []string
		Events       Publisher
		// Now overrides the clock, used by tests.
		Now func() time.Time
	}
)

// New returns a Service.
func New(opts Options) (*Service, error) {
	if opts.Meta == nil {
		return nil, errors.New("meta store is required")
	}
	if opts.TempDir == "" || opts.StoreDir == "" {
		return nil, errors.New("temp and store directories are required")
	}
	if opts.MaxBytes <= 0 {
		return nil, errors.New("max upload size must be positive")
	}
	if len(opts.AllowedTypes) == 0 {
		return nil, errors.New("at least one allowed type is required")
	}
	allowed := make(map[string]bool, len(opts.AllowedTypes))
	for _, t := range opts.AllowedTypes {
		allowed[t] = true
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		meta:     opts.Meta,
		tempDir:  opts.TempDir,
		storeDir: opts.StoreDir,
		maxBytes: opts.MaxBytes,
		allowed:  allowed,
		events:   opts.Events,
		now:      now,
	}, nil
}

// Accept streams one upload to disk. The size cap is enforced per chunk so
// an oversized body aborts before it is fully buffered; the temp file never
// survives, whichever way the call exits.
func (s *Service) Accept(ctx context.Context, up Upload) (m Media, err error) {
	if up.Body == nil {
		return Media{}, fault.New(fault.KindValidation, "upload body is required")
	}

	tmp, err := os.CreateTemp(s.tempDir, "upload-*")
	if err != nil {
		return Media{}, fault.Wrap(fault.KindUnavailable, err, "create temp file")
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		tmp.Close()
		if !committed {
			os.Remove(tmpName)
		}
	}()

	var (
		total int64
		head  = make([]byte, 0, sniffLen)
		buf   = make([]byte, chunkSize)
	)
	for {
		if err := ctx.Err(); err != nil {
			return Media{}, fault.Wrap(fault.KindTimeout, err, "upload cancelled")
		}
		n, rerr := up.Body.Read(buf)
		if n > 0 {
			total += int64(n)
			if total > s.maxBytes {
				return Media{}, fault.Errorf(fault.KindValidation, "upload exceeds %d bytes", s.maxBytes)
			}
			if len(head) < sniffLen {
				head = append(head, buf[:min(n, sniffLen-len(head))]...)
			}
			if _, werr := tmp.Write(buf[:n]); werr != nil {
				return Media{}, fault.Wrap(fault.KindUnavailable, werr, "write upload chunk")
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return Media{}, fault.Wrap(fault.KindValidation, rerr, "read upload stream")
		}
	}
	if total == 0 {
		return Media{}, fault.New(fault.KindValidation, "upload is empty")
	}

	detected := http.DetectContentType(head)
	if up.DeclaredType != "" && up.DeclaredType != detected {
		log.Printf(ctx, "upload declared %q but detected %q, using detected", up.DeclaredType, detected)
	}
	if !s.allowed[detected] {
		return Media{}, fault.Errorf(fault.KindValidation, "content type %s is not allowed", detected)
	}

	if err := tmp.Sync(); err != nil {
		return Media{}, fault.Wrap(fault.KindUnavailable, err, "flush upload")
	}
	if err := tmp.Close(); err != nil {
		return Media{}, fault.Wrap(fault.KindUnavailable, err, "close upload")
	}

	m = Media{
		ID:            newMediaID(),
		RequestNumber: up.RequestNumber,
		Filename:      up.Filename,
		DeclaredType:  up.DeclaredType,
		DetectedType:  detected,
		SizeBytes:     total,
		UploaderID:    up.UploaderID,
		CreatedAt:     s.now().UTC(),
	}
	final := filepath.Join(s.storeDir, m.ID)
	if err := os.Rename(tmpName, final); err != nil {
		return Media{}, fault.Wrap(fault.KindUnavailable, err, "store upload")
	}
	committed = true

	if err := s.meta.Insert(ctx, m); err != nil {
		os.Remove(final)
		return Media{}, fault.Wrap(fault.KindUnavailable, err, "media meta store")
	}
	s.emit(ctx, m)
	return m, nil
}

// Open returns the stored file for a media id. Callers close the reader.
func (s *Service) Open(ctx context.Context, id string) (Media, io.ReadCloser, error) {
	m, err := s.meta.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrMediaNotFound) {
			return Media{}, nil, fault.Errorf(fault.KindNotFound, "media %s not found", id)
		}
		return Media{}, nil, fault.Wrap(fault.KindUnavailable, err, "media meta store")
	}
	f, err := os.Open(filepath.Join(s.storeDir, m.ID))
	if err != nil {
		return Media{}, nil, fault.Wrap(fault.KindUnavailable, err, "open stored media")
	}
	return m, f, nil
}

// ListByRequest returns the uploads linked to a work order.
func (s *Service) ListByRequest(ctx context.Context, requestNumber string) ([]Media, error) {
	out, err := s.meta.ListByRequest(ctx, requestNumber)
	if err != nil {
		return nil, fault.Wrap(fault.KindUnavailable, err, "media meta store")
	}
	return out, nil
}

func (s *Service) emit(ctx context.Context, m Media) {
	if s.events == nil {
		return
	}
	payload := map[string]any{
		"media_id":     m.ID,
		"content_type": m.DetectedType,
		"size_bytes":   m.SizeBytes,
	}
	if m.RequestNumber != "" {
		payload["request_number"] = m.RequestNumber
	}
	if _, err := s.events.Publish(ctx, events.KindMediaUploaded, payload, m.RequestNumber); err != nil {
		log.Error(ctx, fmt.Errorf("emit %s: %w", events.KindMediaUploaded, err))
	}
}

func newMediaID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("media: read random: %v", err))
	}
	return hex.EncodeToString(b)
}

package media

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/a-afanasyev/Infrasafe-bot-sub006/httpapi"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/fault"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/metrics"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/ratelimit"
)

type (
	// HTTPOptions wires the upload surface.
	HTTPOptions struct {
		Service *Service
		Users   httpapi.TokenValidator
		// Limiter backs the size-tiered upload scopes. Optional.
		Limiter *ratelimit.Limiter
		Metrics *metrics.Metrics
	}

	// HTTPHandler serves the upload and download endpoints.
	HTTPHandler struct {
		svc     *Service
		users   httpapi.TokenValidator
		limiter *ratelimit.Limiter
		metrics *metrics.Metrics
	}
)

// NewHTTPHandler returns the handler.
func NewHTTPHandler(opts HTTPOptions) *HTTPHandler {
	return &HTTPHandler{
		svc:     opts.Service,
		users:   opts.Users,
		limiter: opts.Limiter,
		metrics: opts.Metrics,
	}
}

// Mount attaches the media routes. All of them require a user session; the
// upload route additionally passes a rate-limit scope picked from the
// declared size, so large uploads draw from a tighter budget.
func (h *HTTPHandler) Mount(g chi.Router) {
	g.Group(func(r chi.Router) {
		r.Use(httpapi.UserAuth(h.users))
		r.Post("/", h.upload)
		r.Get("/{id}", h.download)
		r.Get("/", h.list)
	})
}

func (h *HTTPHandler) upload(w http.ResponseWriter, r *http.Request) {
	user, _ := httpapi.UserIdentityFrom(r.Context())

	if h.limiter != nil {
		scope := "upload:" + Tier(r.ContentLength)
		d, err := h.limiter.Allow(r.Context(), scope, user.UserID)
		if err != nil {
			httpapi.Error(w, r, err)
			return
		}
		if d.FailedOpen && h.metrics != nil {
			h.metrics.CountFailOpen(scope)
		}
		if !d.Allowed {
			if h.metrics != nil {
				h.metrics.CountRateLimited(scope)
			}
			httpapi.Error(w, r, fault.RateLimited(d.RetryAfter))
			return
		}
	}

	m, err := h.svc.Accept(r.Context(), Upload{
		Body:          r.Body,
		Filename:      r.Header.Get("X-Upload-Filename"),
		DeclaredType:  r.Header.Get("Content-Type"),
		RequestNumber: r.URL.Query().Get("request_number"),
		UploaderID:    user.UserID,
	})
	if err != nil {
		httpapi.Error(w, r, err)
		return
	}
	httpapi.JSON(w, http.StatusCreated, mediaView(m))
}

func (h *HTTPHandler) download(w http.ResponseWriter, r *http.Request) {
	m, body, err := h.svc.Open(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpapi.Error(w, r, err)
		return
	}
	defer body.Close()
	w.Header().Set("Content-Type", m.DetectedType)
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, body)
}

func (h *HTTPHandler) list(w http.ResponseWriter, r *http.Request) {
	number := r.URL.Query().Get("request_number")
	if number == "" {
		httpapi.Error(w, r, fault.New(fault.KindValidation, "request_number is required"))
		return
	}
	items, err := h.svc.ListByRequest(r.Context(), number)
	if err != nil {
		httpapi.Error(w, r, err)
		return
	}
	views := make([]map[string]any, len(items))
	for i, m := range items {
		views[i] = mediaView(m)
	}
	httpapi.JSON(w, http.StatusOK, map[string]any{"media": views})
}

func mediaView(m Media) map[string]any {
	return map[string]any{
		"id":             m.ID,
		"request_number": m.RequestNumber,
		"filename":       m.Filename,
		"content_type":   m.DetectedType,
		"size_bytes":     m.SizeBytes,
		"created_at":     m.CreatedAt,
	}
}

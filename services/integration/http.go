package integration

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/a-afanasyev/Infrasafe-bot-sub006/httpapi"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/fault"
)

type (
	// HTTPOptions wires the webhook ingress surface.
	HTTPOptions struct {
		Service *Service
		// MaxPayloadBytes bounds inbound bodies. Zero selects 10 MiB.
		MaxPayloadBytes int64
		// RequireHTTPS rejects plaintext calls. Production deployments
		// keep it on.
		RequireHTTPS bool
	}

	// HTTPHandler serves the webhook endpoints.
	HTTPHandler struct {
		svc          *Service
		maxPayload   int64
		requireHTTPS bool
	}
)

// NewHTTPHandler returns the handler.
func NewHTTPHandler(opts HTTPOptions) *HTTPHandler {
	maxPayload := opts.MaxPayloadBytes
	if maxPayload <= 0 {
		maxPayload = 10 << 20
	}
	return &HTTPHandler{svc: opts.Service, maxPayload: maxPayload, requireHTTPS: opts.RequireHTTPS}
}

// Mount attaches the webhook routes.
func (h *HTTPHandler) Mount(g chi.Router) {
	g.Group(func(r chi.Router) {
		r.Use(httpapi.RequireHTTPS(h.requireHTTPS))
		r.Post("/{source}", h.ingest)
	})
}

func (h *HTTPHandler) ingest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, h.maxPayload+1))
	if err != nil {
		httpapi.Error(w, r, fault.Wrap(fault.KindValidation, err, "read webhook body"))
		return
	}
	if int64(len(body)) > h.maxPayload {
		httpapi.Error(w, r, fault.New(fault.KindValidation, "webhook payload too large"))
		return
	}

	headers := make(map[string]string, len(r.Header))
	for name := range r.Header {
		headers[name] = r.Header.Get(name)
	}
	res, err := h.svc.Ingest(r.Context(),
		chi.URLParam(r, "source"),
		r.Header.Get("X-Webhook-Kind"),
		headers, body)
	if err != nil {
		httpapi.Error(w, r, err)
		return
	}
	httpapi.JSON(w, http.StatusOK, res)
}

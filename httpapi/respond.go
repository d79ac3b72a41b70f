// Package httpapi hosts the HTTP surface shared by every service: the
// middleware chain (metrics, rate limiting, logging, auth, in that order),
// the fault-to-status mapping and the server lifecycle.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"goa.design/clue/log"

	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/fault"
)

// errorBody is the wire form of a failed request. Messages are the
// caller-safe fault messages; internals are logged, never returned.
type errorBody struct {
	Error       string `json:"error"`
	Message     string `json:"message"`
	RetryAfter  int64  `json:"retry_after_seconds,omitempty"`
	LockedUntil string `json:"locked_until,omitempty"`
}

// JSON writes a JSON response with the given status.
func JSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// Error maps err to the taxonomy status code and writes the safe body.
// Unclassified errors surface as a generic 500 with no detail.
func Error(w http.ResponseWriter, r *http.Request, err error) {
	status := fault.HTTPStatus(err)
	body := errorBody{Error: string(fault.KindOf(err)), Message: "internal error"}

	var f *fault.Fault
	if errors.As(err, &f) {
		body.Message = f.Message
		if f.RetryAfter > 0 {
			secs := int64(f.RetryAfter.Round(time.Second).Seconds())
			if secs < 1 {
				secs = 1
			}
			body.RetryAfter = secs
			w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
		}
		if !f.LockedUntil.IsZero() {
			body.LockedUntil = f.LockedUntil.UTC().Format(time.RFC3339)
		}
	}
	if status >= http.StatusInternalServerError {
		log.Error(r.Context(), err, log.KV{K: "path", V: r.URL.Path})
		body.Message = "internal error"
	}
	JSON(w, status, body)
}

// Decode parses a JSON request body into dst. Malformed bodies surface as
// validation faults, which Error maps to 400.
func Decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fault.Wrap(fault.KindValidation, err, "malformed JSON body")
	}
	return nil
}

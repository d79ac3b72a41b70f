package httpapi

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"goa.design/clue/log"

	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/fault"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/metrics"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/ratelimit"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/trust"
)

type ctxKey int

const (
	serviceIdentityKey ctxKey = iota
	userIdentityKey
)

// maxSignedBodyBytes bounds how much body the signature verifier buffers.
const maxSignedBodyBytes = 10 << 20

// UserIdentity is the authenticated end user attached to a request by the
// bearer-token middleware.
type UserIdentity struct {
	UserID    string
	SessionID string
	Role      string
	Tenant    string
}

// TokenValidator checks an end-user access token. Only the Auth service
// implements it directly; other services validate through an Auth client.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (UserIdentity, error)
}

// ServiceIdentityFrom returns the peer identity set by ServiceAuth.
func ServiceIdentityFrom(ctx context.Context) (trust.Identity, bool) {
	id, ok := ctx.Value(serviceIdentityKey).(trust.Identity)
	return id, ok
}

// UserIdentityFrom returns the user identity set by UserAuth.
func UserIdentityFrom(ctx context.Context) (UserIdentity, bool) {
	id, ok := ctx.Value(userIdentityKey).(UserIdentity)
	return id, ok
}

// Instrument records request counts and durations. It runs first in the
// chain so rate-limited and unauthenticated requests are still measured.
func Instrument(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			route := chi.RouteContext(r.Context()).RoutePattern()
			if route == "" {
				route = "unmatched"
			}
			m.ObserveHTTP(r.Method, route, ww.status, time.Since(start))
		})
	}
}

// RateLimit enforces the named limiter scope per caller. The subject is the
// authenticated user when present, the peer service name on signed calls,
// and the client IP otherwise. Denials answer 429 with Retry-After.
func RateLimit(l *ratelimit.Limiter, m *metrics.Metrics, scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d, err := l.Allow(r.Context(), scope, subject(r))
			if err != nil {
				Error(w, r, err)
				return
			}
			if d.FailedOpen && m != nil {
				m.CountFailOpen(scope)
			}
			if !d.Allowed {
				if m != nil {
					m.CountRateLimited(scope)
				}
				Error(w, r, fault.RateLimited(d.RetryAfter))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Logging attaches the service logger to request contexts and logs each
// request. It wraps clue's HTTP middleware.
func Logging(logCtx context.Context) func(http.Handler) http.Handler {
	return log.HTTP(logCtx)
}

// ServiceAuth authenticates peer services by static key or signed request
// and attaches the identity. Endpoints declare required permissions;
// missing ones answer 403.
func ServiceAuth(a *trust.Authenticator, perms ...trust.Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			name := r.Header.Get(trust.HeaderServiceName)
			var (
				id  trust.Identity
				err error
			)
			if sig := r.Header.Get(trust.HeaderSignature); sig != "" {
				var body []byte
				body, err = io.ReadAll(io.LimitReader(r.Body, maxSignedBodyBytes))
				if err != nil {
					Error(w, r, fault.Wrap(fault.KindValidation, err, "read request body"))
					return
				}
				r.Body = io.NopCloser(bytes.NewReader(body))
				id, err = a.VerifySigned(name, r.Method, r.URL.Path, r.Header.Get(trust.HeaderTimestamp), body, sig)
			} else {
				id, err = a.VerifyKey(name, r.Header.Get(trust.HeaderAPIKey))
			}
			if err != nil {
				Error(w, r, err)
				return
			}
			if err := id.Require(perms...); err != nil {
				Error(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), serviceIdentityKey, id)))
		})
	}
}

// UserAuth authenticates end users by bearer token and attaches the user
// identity.
func UserAuth(v TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				Error(w, r, fault.New(fault.KindUnauthorized, "missing bearer token"))
				return
			}
			id, err := v.ValidateToken(r.Context(), token)
			if err != nil {
				Error(w, r, err)
				return
			}
			ctx := context.WithValue(r.Context(), userIdentityKey, id)
			ctx = log.With(ctx, log.KV{K: "user_id", V: id.UserID})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireHTTPS rejects plaintext requests unless the deployment opted out.
// Termination proxies are honored via X-Forwarded-Proto.
func RequireHTTPS(required bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if required && r.TLS == nil && !strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
				Error(w, r, fault.New(fault.KindValidation, "HTTPS is required"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func subject(r *http.Request) string {
	if id, ok := UserIdentityFrom(r.Context()); ok {
		return "user:" + id.UserID
	}
	if name := r.Header.Get(trust.HeaderServiceName); name != "" {
		return "svc:" + name
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	return h[len(prefix):], true
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

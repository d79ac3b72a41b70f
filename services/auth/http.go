package auth

import (
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/a-afanasyev/Infrasafe-bot-sub006/httpapi"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/fault"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/metrics"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/ratelimit"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/trust"
)

type (
	// HTTPOptions wires the auth HTTP surface.
	HTTPOptions struct {
		Service  *Service
		Services *trust.Authenticator
		// Limiter applies the login scope to credential endpoints. Optional.
		Limiter *ratelimit.Limiter
		Metrics *metrics.Metrics
	}

	// HTTPHandler serves the auth endpoints.
	HTTPHandler struct {
		svc      *Service
		services *trust.Authenticator
		limiter  *ratelimit.Limiter
		metrics  *metrics.Metrics
	}

	loginRequest struct {
		UserID   string `json:"user_id"`
		Password string `json:"password"`
	}

	externalLoginRequest struct {
		ExternalID  string `json:"external_id"`
		Fingerprint string `json:"fingerprint,omitempty"`
	}

	refreshRequest struct {
		RefreshToken string `json:"refresh_token"`
	}

	validateRequest struct {
		Token string `json:"token"`
	}

	changePasswordRequest struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}

	mfaEnrollRequest struct {
		AccountName string `json:"account_name"`
	}

	mfaCodeRequest struct {
		Code string `json:"code"`
	}

	sessionResponse struct {
		SessionID           string `json:"session_id"`
		AccessToken         string `json:"access_token"`
		RefreshToken        string `json:"refresh_token"`
		ExpiresAt           string `json:"expires_at"`
		RefreshExpiresAt    string `json:"refresh_expires_at"`
		MFARequired         bool   `json:"mfa_required,omitempty"`
		ForcePasswordChange bool   `json:"force_password_change,omitempty"`
	}
)

// NewHTTPHandler returns the handler.
func NewHTTPHandler(opts HTTPOptions) *HTTPHandler {
	return &HTTPHandler{
		svc:      opts.Service,
		services: opts.Services,
		limiter:  opts.Limiter,
		metrics:  opts.Metrics,
	}
}

// Mount attaches the auth routes to a sub-router. Credential endpoints sit
// behind the login rate-limit scope; session-management endpoints require a
// valid user token; token validation is a peer-service endpoint.
func (h *HTTPHandler) Mount(g chi.Router) {
	g.Group(func(r chi.Router) {
		if h.limiter != nil {
			r.Use(httpapi.RateLimit(h.limiter, h.metrics, "login"))
		}
		r.Post("/login", h.login)
		r.Post("/refresh", h.refresh)
	})

	g.Group(func(r chi.Router) {
		r.Use(httpapi.ServiceAuth(h.services, trust.PermValidateTokens))
		r.Post("/sessions/external", h.externalLogin)
		r.Post("/validate", h.validate)
	})

	g.Group(func(r chi.Router) {
		r.Use(httpapi.UserAuth(h.svc))
		r.Post("/logout", h.logout)
		r.Post("/password", h.changePassword)
		r.Post("/mfa/enroll", h.mfaEnroll)
		r.Post("/mfa/confirm", h.mfaConfirm)
		r.Post("/mfa/verify", h.mfaVerify)
		r.Post("/mfa/backup-codes", h.mfaRegenerate)
		r.Delete("/mfa", h.mfaDisable)
	})
}

func (h *HTTPHandler) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := httpapi.Decode(r, &req); err != nil {
		httpapi.Error(w, r, err)
		return
	}
	if req.UserID == "" || req.Password == "" {
		httpapi.Error(w, r, fault.New(fault.KindValidation, "user_id and password are required"))
		return
	}
	res, err := h.svc.LoginWithPassword(r.Context(), req.UserID, req.Password, metaFrom(r))
	if err != nil {
		httpapi.Error(w, r, err)
		return
	}
	httpapi.JSON(w, http.StatusOK, toSessionResponse(res))
}

func (h *HTTPHandler) externalLogin(w http.ResponseWriter, r *http.Request) {
	var req externalLoginRequest
	if err := httpapi.Decode(r, &req); err != nil {
		httpapi.Error(w, r, err)
		return
	}
	meta := metaFrom(r)
	meta.Fingerprint = req.Fingerprint
	res, err := h.svc.LoginWithExternalID(r.Context(), req.ExternalID, meta)
	if err != nil {
		httpapi.Error(w, r, err)
		return
	}
	httpapi.JSON(w, http.StatusOK, toSessionResponse(res))
}

func (h *HTTPHandler) refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := httpapi.Decode(r, &req); err != nil {
		httpapi.Error(w, r, err)
		return
	}
	sess, err := h.svc.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		httpapi.Error(w, r, err)
		return
	}
	httpapi.JSON(w, http.StatusOK, toSessionResponse(LoginResult{Session: sess}))
}

func (h *HTTPHandler) validate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := httpapi.Decode(r, &req); err != nil {
		httpapi.Error(w, r, err)
		return
	}
	id, err := h.svc.ValidateToken(r.Context(), req.Token)
	if err != nil {
		httpapi.Error(w, r, err)
		return
	}
	httpapi.JSON(w, http.StatusOK, map[string]string{
		"user_id":    id.UserID,
		"session_id": id.SessionID,
		"role":       id.Role,
		"tenant":     id.Tenant,
	})
}

func (h *HTTPHandler) logout(w http.ResponseWriter, r *http.Request) {
	all := r.URL.Query().Get("all") == "true"
	keep := r.URL.Query().Get("keep_current") == "true"
	if err := h.svc.Logout(r.Context(), bearerToken(r), all, keep); err != nil {
		httpapi.Error(w, r, err)
		return
	}
	httpapi.JSON(w, http.StatusOK, map[string]bool{"logged_out": true})
}

func (h *HTTPHandler) changePassword(w http.ResponseWriter, r *http.Request) {
	id, _ := httpapi.UserIdentityFrom(r.Context())
	var req changePasswordRequest
	if err := httpapi.Decode(r, &req); err != nil {
		httpapi.Error(w, r, err)
		return
	}
	if err := h.svc.ChangePassword(r.Context(), id.UserID, req.CurrentPassword, req.NewPassword); err != nil {
		httpapi.Error(w, r, err)
		return
	}
	// Changing the password invalidates every other session.
	revoked, err := h.svc.DeactivateAllUserSessions(r.Context(), id.UserID, id.SessionID)
	if err != nil {
		httpapi.Error(w, r, err)
		return
	}
	httpapi.JSON(w, http.StatusOK, map[string]any{"changed": true, "sessions_revoked": revoked})
}

func (h *HTTPHandler) mfaEnroll(w http.ResponseWriter, r *http.Request) {
	id, _ := httpapi.UserIdentityFrom(r.Context())
	var req mfaEnrollRequest
	if err := httpapi.Decode(r, &req); err != nil {
		httpapi.Error(w, r, err)
		return
	}
	name := req.AccountName
	if name == "" {
		name = id.UserID
	}
	enr, err := h.svc.BeginMFAEnrollment(r.Context(), id.UserID, name)
	if err != nil {
		httpapi.Error(w, r, err)
		return
	}
	httpapi.JSON(w, http.StatusOK, map[string]string{"secret": enr.Secret, "url": enr.URL})
}

func (h *HTTPHandler) mfaConfirm(w http.ResponseWriter, r *http.Request) {
	id, _ := httpapi.UserIdentityFrom(r.Context())
	var req mfaCodeRequest
	if err := httpapi.Decode(r, &req); err != nil {
		httpapi.Error(w, r, err)
		return
	}
	codes, err := h.svc.ConfirmMFAEnrollment(r.Context(), id.UserID, req.Code)
	if err != nil {
		httpapi.Error(w, r, err)
		return
	}
	httpapi.JSON(w, http.StatusOK, map[string]any{"enabled": true, "backup_codes": codes})
}

func (h *HTTPHandler) mfaVerify(w http.ResponseWriter, r *http.Request) {
	id, _ := httpapi.UserIdentityFrom(r.Context())
	var req mfaCodeRequest
	if err := httpapi.Decode(r, &req); err != nil {
		httpapi.Error(w, r, err)
		return
	}
	if err := h.svc.VerifyMFA(r.Context(), id.UserID, req.Code); err != nil {
		httpapi.Error(w, r, err)
		return
	}
	httpapi.JSON(w, http.StatusOK, map[string]bool{"verified": true})
}

func (h *HTTPHandler) mfaRegenerate(w http.ResponseWriter, r *http.Request) {
	id, _ := httpapi.UserIdentityFrom(r.Context())
	codes, err := h.svc.RegenerateBackupCodes(r.Context(), id.UserID)
	if err != nil {
		httpapi.Error(w, r, err)
		return
	}
	httpapi.JSON(w, http.StatusOK, map[string]any{"backup_codes": codes})
}

func (h *HTTPHandler) mfaDisable(w http.ResponseWriter, r *http.Request) {
	id, _ := httpapi.UserIdentityFrom(r.Context())
	if err := h.svc.DisableMFA(r.Context(), id.UserID); err != nil {
		httpapi.Error(w, r, err)
		return
	}
	httpapi.JSON(w, http.StatusOK, map[string]bool{"disabled": true})
}

func toSessionResponse(res LoginResult) sessionResponse {
	s := res.Session
	return sessionResponse{
		SessionID:           s.ID,
		AccessToken:         s.AccessToken,
		RefreshToken:        s.RefreshToken,
		ExpiresAt:           s.ExpiresAt.UTC().Format(time.RFC3339),
		RefreshExpiresAt:    s.RefreshExpiresAt.UTC().Format(time.RFC3339),
		MFARequired:         res.MFARequired,
		ForcePasswordChange: res.ForcePasswordChange,
	}
}

func metaFrom(r *http.Request) SessionMeta {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return SessionMeta{IP: host, UserAgent: r.UserAgent()}
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	v := r.Header.Get("Authorization")
	if len(v) > len(prefix) && v[:len(prefix)] == prefix {
		return v[len(prefix):]
	}
	return ""
}

package auth_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/a-afanasyev/Infrasafe-bot-sub006/services/auth"
)

func newAuthRouter(h *harness) http.Handler {
	router := chi.NewRouter()
	handler := auth.NewHTTPHandler(auth.HTTPOptions{Service: h.svc})
	router.Route("/auth", handler.Mount)
	return router
}

func TestHTTPLoginReturnsSession(t *testing.T) {
	h := newHarness(t)
	router := newAuthRouter(h)

	req := httptest.NewRequest(http.MethodPost, "/auth/login",
		strings.NewReader(`{"user_id":"u-1","password":"correct1horse"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var res struct {
		SessionID        string `json:"session_id"`
		AccessToken      string `json:"access_token"`
		RefreshToken     string `json:"refresh_token"`
		ExpiresAt        string `json:"expires_at"`
		RefreshExpiresAt string `json:"refresh_expires_at"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.NotEmpty(t, res.SessionID)
	require.NotEmpty(t, res.AccessToken)
	require.NotEmpty(t, res.RefreshToken)

	expires, err := time.Parse(time.RFC3339, res.ExpiresAt)
	require.NoError(t, err)
	require.Equal(t, h.clk.now().Add(24*time.Hour), expires)
	_, err = time.Parse(time.RFC3339, res.RefreshExpiresAt)
	require.NoError(t, err)
}

func TestHTTPLoginRejectsMalformedBody(t *testing.T) {
	h := newHarness(t)
	router := newAuthRouter(h)

	req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(`{"user_id":`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "validation", body.Error)
}

func TestHTTPRefreshRotatesTokens(t *testing.T) {
	h := newHarness(t)
	router := newAuthRouter(h)

	login := httptest.NewRequest(http.MethodPost, "/auth/login",
		strings.NewReader(`{"user_id":"u-1","password":"correct1horse"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, login)
	require.Equal(t, http.StatusOK, rec.Code)

	var first struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))

	refresh := httptest.NewRequest(http.MethodPost, "/auth/refresh",
		strings.NewReader(`{"refresh_token":"`+first.RefreshToken+`"}`))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, refresh)
	require.Equal(t, http.StatusOK, rec.Code)

	var second struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &second))
	require.NotEmpty(t, second.AccessToken)
	require.NotEqual(t, first.AccessToken, second.AccessToken)
	require.NotEqual(t, first.RefreshToken, second.RefreshToken)
}

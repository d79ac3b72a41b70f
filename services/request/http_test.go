package request_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/a-afanasyev/Infrasafe-bot-sub006/httpapi"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/services/request"
)

type staticValidator struct {
	id httpapi.UserIdentity
}

func (v staticValidator) ValidateToken(_ context.Context, _ string) (httpapi.UserIdentity, error) {
	return v.id, nil
}

func newRequestRouter(h *harness) http.Handler {
	router := chi.NewRouter()
	handler := request.NewHTTPHandler(request.HTTPOptions{
		Service: h.svc,
		Users:   staticValidator{id: httpapi.UserIdentity{UserID: "u-1", Role: "applicant"}},
	})
	router.Route("/requests", handler.Mount)
	return router
}

func TestHTTPCreateReturnsOrder(t *testing.T) {
	h := newHarness(t)
	router := newRequestRouter(h)

	req := httptest.NewRequest(http.MethodPost, "/requests",
		strings.NewReader(`{"category":"plumbing","urgency":3,"description":"leaking radiator","address":"Block 4, apt 12"}`))
	req.Header.Set("Authorization", "Bearer token")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var o request.WorkOrder
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &o))
	require.Equal(t, "250927-001", o.Number)
	require.Equal(t, "u-1", o.ApplicantID)
	require.Equal(t, request.StatusNew, o.Status)
}

func TestHTTPCreateRejectsMalformedBody(t *testing.T) {
	h := newHarness(t)
	router := newRequestRouter(h)

	req := httptest.NewRequest(http.MethodPost, "/requests", strings.NewReader(`{"category":`))
	req.Header.Set("Authorization", "Bearer token")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "validation", body.Error)
}

func TestHTTPGetUnknownNumberIs404(t *testing.T) {
	h := newHarness(t)
	router := newRequestRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/requests/250927-999", nil)
	req.Header.Set("Authorization", "Bearer token")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

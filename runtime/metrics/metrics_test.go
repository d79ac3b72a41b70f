package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/breaker"
)

func TestServiceInfoGauge(t *testing.T) {
	m := New("auth", "1.4.0", "staging")
	body := scrape(t, m)
	assert.Contains(t, body, `infrasafe_service_info{environment="staging",service="auth",version="1.4.0"} 1`)
}

func TestObserveHTTPCountsByClass(t *testing.T) {
	m := New("auth", "dev", "test")
	m.ObserveHTTP("POST", "/api/v1/auth/login", 401, 3*time.Millisecond)
	m.ObserveHTTP("POST", "/api/v1/auth/login", 200, 5*time.Millisecond)
	m.ObserveHTTP("POST", "/api/v1/auth/login", 200, 7*time.Millisecond)

	require.Equal(t, float64(2), testutil.ToFloat64(
		m.httpRequests.WithLabelValues("POST", "/api/v1/auth/login", "2xx")))
	require.Equal(t, float64(1), testutil.ToFloat64(
		m.httpRequests.WithLabelValues("POST", "/api/v1/auth/login", "4xx")))
}

func TestBreakerGaugeTracksTransitions(t *testing.T) {
	m := New("notify", "dev", "test")
	m.ObserveBreakerChange("email", breaker.Closed, breaker.Open)
	require.Equal(t, float64(1), testutil.ToFloat64(m.breakerState.WithLabelValues("email")))

	m.ObserveBreakerChange("email", breaker.Open, breaker.HalfOpen)
	require.Equal(t, float64(2), testutil.ToFloat64(m.breakerState.WithLabelValues("email")))

	m.ObserveBreakerChange("email", breaker.HalfOpen, breaker.Closed)
	require.Equal(t, float64(0), testutil.ToFloat64(m.breakerState.WithLabelValues("email")))
}

func TestCountersAndGauges(t *testing.T) {
	m := New("gateway", "dev", "test")
	m.CountUpdate("command")
	m.CountUpdate("command")
	m.CountUpdate("callback")
	m.SetActiveSessions(7)
	m.SetPoolSize("kv", "total", 10)
	m.CountEvent("request.created", nil)
	m.CountEvent("request.created", assert.AnError)
	m.CountDelivery("email", "sent")

	require.Equal(t, float64(2), testutil.ToFloat64(m.messages.WithLabelValues("command")))
	require.Equal(t, float64(7), testutil.ToFloat64(m.activeSessions))
	require.Equal(t, float64(10), testutil.ToFloat64(m.poolSize.WithLabelValues("kv", "total")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.eventsPublished.WithLabelValues("request.created", "ok")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.eventsPublished.WithLabelValues("request.created", "error")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.deliveries.WithLabelValues("email", "sent")))
}

func TestTwoInstancesDoNotCollide(t *testing.T) {
	// Each process owns its registry, so parallel tests must not panic on
	// duplicate registration.
	require.NotPanics(t, func() {
		_ = New("a", "dev", "test")
		_ = New("a", "dev", "test")
	})
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	require.True(t, strings.Contains(body, "infrasafe_"))
	return body
}

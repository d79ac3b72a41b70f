package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/breaker"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/fault"
)

type fakePinger struct {
	name string
	err  error
}

func (f fakePinger) Name() string                  { return f.name }
func (f fakePinger) Ping(context.Context) error    { return f.err }

func TestAllHealthy(t *testing.T) {
	a := New("request", "1.0.0")
	a.RegisterCritical(fakePinger{name: "kv-redis"})
	a.Register(fakePinger{name: "user-service"})

	rep := a.Report(context.Background())
	require.Equal(t, Healthy, rep.Status)
	require.Len(t, rep.Checks, 2)
}

func TestOptionalFailureDegrades(t *testing.T) {
	a := New("request", "1.0.0")
	a.RegisterCritical(fakePinger{name: "kv-redis"})
	a.Register(fakePinger{name: "user-service", err: errors.New("connection refused")})

	rep := a.Report(context.Background())
	require.Equal(t, Degraded, rep.Status)
}

func TestCriticalFailureIsError(t *testing.T) {
	a := New("request", "1.0.0")
	a.RegisterCritical(fakePinger{name: "kv-redis", err: errors.New("dial tcp")})
	a.Register(fakePinger{name: "user-service", err: errors.New("also down")})

	rep := a.Report(context.Background())
	require.Equal(t, Error, rep.Status)
}

func TestOpenBreakerDegrades(t *testing.T) {
	reg := breaker.NewRegistry(breaker.Options{
		Defaults: breaker.Settings{FailureThreshold: 1, OpenTimeout: time.Minute},
	})
	ctx := context.Background()
	_ = reg.Do(ctx, "email", func(context.Context) error {
		return fault.New(fault.KindUnavailable, "smtp down")
	})

	a := New("notify", "1.0.0")
	a.RegisterCritical(fakePinger{name: "kv-redis"})
	a.WatchBreakers(reg)

	rep := a.Report(ctx)
	require.Equal(t, Degraded, rep.Status)
	require.Equal(t, breaker.Open, rep.Breakers["email"])
}

func TestReadinessHandlerStatusCodes(t *testing.T) {
	a := New("auth", "1.0.0")
	a.RegisterCritical(fakePinger{name: "kv-redis", err: errors.New("down")})

	rec := httptest.NewRecorder()
	a.ReadinessHandler()(rec, httptest.NewRequest("GET", "/ready", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var rep Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rep))
	assert.Equal(t, Error, rep.Status)
	assert.Equal(t, "auth", rep.Service)
}

func TestLivenessIgnoresDependencies(t *testing.T) {
	a := New("auth", "1.0.0")
	a.RegisterCritical(fakePinger{name: "kv-redis", err: errors.New("down")})

	rec := httptest.NewRecorder()
	a.LivenessHandler()(rec, httptest.NewRequest("GET", "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

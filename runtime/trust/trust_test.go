package trust

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/config"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/fault"
)

func newTestAuthenticator(t *testing.T, now time.Time, audit *[]AuditEvent) *Authenticator {
	t.Helper()
	a, err := NewAuthenticator(Options{
		Trust: config.Trust{
			ServiceKeys:    map[string]string{"request": "key-request"},
			ServiceSecrets: map[string]string{"gateway": "secret-gateway"},
		},
		OnAudit: func(e AuditEvent) {
			if audit != nil {
				*audit = append(*audit, e)
			}
		},
		Now: func() time.Time { return now },
	})
	require.NoError(t, err)
	return a
}

func TestVerifyKey(t *testing.T) {
	var audit []AuditEvent
	a := newTestAuthenticator(t, time.Now(), &audit)

	id, err := a.VerifyKey("request", "key-request")
	require.NoError(t, err)
	require.Equal(t, "request", id.Service)
	require.True(t, id.Has(PermNotify))
	require.False(t, id.Has(PermAssign))

	_, err = a.VerifyKey("request", "wrong")
	require.True(t, fault.IsKind(err, fault.KindUnauthorized))

	// Unknown names fail before key comparison and are audited.
	_, err = a.VerifyKey("intruder", "key-request")
	require.True(t, fault.IsKind(err, fault.KindUnauthorized))

	require.Len(t, audit, 3)
	require.True(t, audit[0].Allowed)
	require.False(t, audit[1].Allowed)
	require.Equal(t, "unknown service name", audit[2].Reason)
}

func TestVerifySignedRoundTrip(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	a := newTestAuthenticator(t, now, nil)

	body := []byte(`{"request_number":"250927-001"}`)
	ts := strconv.FormatInt(now.Unix(), 10)
	sig := Sign("POST", "/api/v1/requests", ts, body, []byte("secret-gateway"))

	id, err := a.VerifySigned("gateway", "POST", "/api/v1/requests", ts, body, sig)
	require.NoError(t, err)
	require.Equal(t, "gateway", id.Service)
}

func TestVerifySignedRejectsTampering(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	a := newTestAuthenticator(t, now, nil)

	body := []byte(`{"k":"v"}`)
	ts := strconv.FormatInt(now.Unix(), 10)
	sig := Sign("POST", "/p", ts, body, []byte("secret-gateway"))

	cases := map[string]func() (string, string, string, []byte, string){
		"method":    func() (string, string, string, []byte, string) { return "GET", "/p", ts, body, sig },
		"path":      func() (string, string, string, []byte, string) { return "POST", "/q", ts, body, sig },
		"timestamp": func() (string, string, string, []byte, string) { return "POST", "/p", ts + "1", body, sig },
		"body":      func() (string, string, string, []byte, string) { return "POST", "/p", ts, []byte(`{"k":"w"}`), sig },
		"signature": func() (string, string, string, []byte, string) { return "POST", "/p", ts, body, sig[:len(sig)-1] + "0" },
	}
	for name, tc := range cases {
		method, path, timestamp, b, s := tc()
		_, err := a.VerifySigned("gateway", method, path, timestamp, b, s)
		require.Error(t, err, "mutated %s must not verify", name)
		require.True(t, fault.IsKind(err, fault.KindUnauthorized))
	}
}

func TestVerifySignedReplayWindow(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	a := newTestAuthenticator(t, now, nil)
	body := []byte("x")

	// 300s of skew in either direction is admitted, 301s is not.
	for _, offset := range []time.Duration{-MaxClockSkew, MaxClockSkew} {
		ts := strconv.FormatInt(now.Add(offset).Unix(), 10)
		sig := Sign("GET", "/", ts, body, []byte("secret-gateway"))
		_, err := a.VerifySigned("gateway", "GET", "/", ts, body, sig)
		require.NoError(t, err, "offset %s", offset)
	}
	for _, offset := range []time.Duration{-MaxClockSkew - time.Second, MaxClockSkew + time.Second} {
		ts := strconv.FormatInt(now.Add(offset).Unix(), 10)
		sig := Sign("GET", "/", ts, body, []byte("secret-gateway"))
		_, err := a.VerifySigned("gateway", "GET", "/", ts, body, sig)
		require.Error(t, err, "offset %s", offset)
	}
}

func TestVerifySignedWrongSecret(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	a := newTestAuthenticator(t, now, nil)
	ts := strconv.FormatInt(now.Unix(), 10)
	sig := Sign("GET", "/", ts, nil, []byte("other-secret"))
	_, err := a.VerifySigned("gateway", "GET", "/", ts, nil, sig)
	require.True(t, fault.IsKind(err, fault.KindUnauthorized))
}

func TestRequirePermissions(t *testing.T) {
	id := Identity{Service: "notify", Permissions: Known["notify"]}
	require.NoError(t, id.Require())
	require.NoError(t, id.Require(PermReadUsers))
	err := id.Require(PermAssign)
	require.True(t, fault.IsKind(err, fault.KindForbidden))
}

func TestUnknownConfiguredServiceFailsFast(t *testing.T) {
	_, err := NewAuthenticator(Options{Trust: config.Trust{
		ServiceKeys: map[string]string{"mystery": "k"},
	}})
	require.Error(t, err)
}

// Package trust authenticates service-to-service calls. Peers present either
// a static API key or an HMAC signature over a canonical request string; both
// are checked in constant time against a fixed allowlist of service names.
// User access tokens are never validated here: only the Auth service may do
// that, and peers obtain user identity through it.
package trust

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/config"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/fault"
)

// MaxClockSkew bounds |now - signed timestamp| for replay protection.
const MaxClockSkew = 300 * time.Second

// Header names carried on peer-to-peer calls.
const (
	HeaderServiceName = "X-Service-Name"
	HeaderAPIKey      = "X-Service-API-Key"
	HeaderSignature   = "X-Service-Signature"
	HeaderTimestamp   = "X-Service-Timestamp"
)

// Permission names an action a peer service may perform.
type Permission string

const (
	PermReadUsers      Permission = "users:read"
	PermReadRequests   Permission = "requests:read"
	PermWriteRequests  Permission = "requests:write"
	PermAssign         Permission = "requests:assign"
	PermNotify         Permission = "notifications:send"
	PermPublishEvents  Permission = "events:publish"
	PermValidateTokens Permission = "tokens:validate"
	PermUploadMedia    Permission = "media:upload"
)

// Known is the closed set of service names admitted to the cluster, mapped to
// the permissions each may exercise. Unknown names fail authentication before
// any key comparison.
var Known = map[string][]Permission{
	"auth":        {PermReadUsers, PermPublishEvents},
	"user":        {PermValidateTokens, PermPublishEvents},
	"request":     {PermReadUsers, PermValidateTokens, PermNotify, PermPublishEvents},
	"gateway":     {PermValidateTokens, PermReadRequests, PermWriteRequests, PermUploadMedia, PermPublishEvents},
	"integration": {PermReadRequests, PermPublishEvents},
	"dispatch":    {PermReadUsers, PermReadRequests, PermAssign, PermPublishEvents},
	"notify":      {PermReadUsers, PermPublishEvents},
	"media":       {PermReadRequests, PermPublishEvents},
}

type (
	// Identity is an authenticated peer service.
	Identity struct {
		Service     string
		Permissions []Permission
	}

	// AuditEvent records an authentication outcome for the audit trail.
	// It never carries key material.
	AuditEvent struct {
		Service string
		Method  string // "api_key" or "signature"
		Allowed bool
		Reason  string
		At      time.Time
	}

	// Authenticator validates peer credentials against configured key
	// material.
	Authenticator struct {
		keys    map[string]string
		secrets map[string]string
		onAudit func(AuditEvent)
		now     func() time.Time
	}

	// Options configures an Authenticator.
	Options struct {
		// Trust supplies the per-service API keys and HMAC secrets.
		Trust config.Trust
		// OnAudit observes every authentication outcome. Optional.
		OnAudit func(AuditEvent)
		// Now overrides the clock, used by tests.
		Now func() time.Time
	}
)

// NewAuthenticator returns an Authenticator over the configured key material.
// Configured names outside Known are rejected at construction so a typo in
// deployment config fails fast instead of silently never matching.
func NewAuthenticator(opts Options) (*Authenticator, error) {
	for name := range opts.Trust.ServiceKeys {
		if _, ok := Known[name]; !ok {
			return nil, fmt.Errorf("service key configured for unknown service %q", name)
		}
	}
	for name := range opts.Trust.ServiceSecrets {
		if _, ok := Known[name]; !ok {
			return nil, fmt.Errorf("hmac secret configured for unknown service %q", name)
		}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Authenticator{
		keys:    opts.Trust.ServiceKeys,
		secrets: opts.Trust.ServiceSecrets,
		onAudit: opts.OnAudit,
		now:     now,
	}, nil
}

// VerifyKey authenticates a peer by static API key.
func (a *Authenticator) VerifyKey(name, key string) (Identity, error) {
	perms, ok := Known[name]
	if !ok {
		return a.deny(name, "api_key", "unknown service name")
	}
	want, ok := a.keys[name]
	if !ok || key == "" {
		return a.deny(name, "api_key", "no key material")
	}
	if subtle.ConstantTimeCompare([]byte(want), []byte(key)) != 1 {
		return a.deny(name, "api_key", "key mismatch")
	}
	a.audit(name, "api_key", true, "")
	return Identity{Service: name, Permissions: perms}, nil
}

// VerifySigned authenticates a peer by request signature. timestamp is the
// raw header value: Unix seconds as produced by Sign.
func (a *Authenticator) VerifySigned(name, method, path, timestamp string, body []byte, signature string) (Identity, error) {
	perms, ok := Known[name]
	if !ok {
		return a.deny(name, "signature", "unknown service name")
	}
	secret, ok := a.secrets[name]
	if !ok || signature == "" {
		return a.deny(name, "signature", "no key material")
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return a.deny(name, "signature", "malformed timestamp")
	}
	if d := a.now().Unix() - ts; d > int64(MaxClockSkew.Seconds()) || d < -int64(MaxClockSkew.Seconds()) {
		return a.deny(name, "signature", "timestamp outside skew window")
	}
	want := Sign(method, path, timestamp, body, []byte(secret))
	if subtle.ConstantTimeCompare([]byte(want), []byte(signature)) != 1 {
		return a.deny(name, "signature", "signature mismatch")
	}
	a.audit(name, "signature", true, "")
	return Identity{Service: name, Permissions: perms}, nil
}

// Has reports whether the identity carries the permission.
func (id Identity) Has(p Permission) bool {
	for _, got := range id.Permissions {
		if got == p {
			return true
		}
	}
	return false
}

// Require returns a forbidden fault when the identity lacks any of the
// required permissions. An empty requirement only demands a valid identity.
func (id Identity) Require(perms ...Permission) error {
	for _, p := range perms {
		if !id.Has(p) {
			return fault.Errorf(fault.KindForbidden, "service %s lacks permission %s", id.Service, p)
		}
	}
	return nil
}

// Sign computes the request signature: hex HMAC-SHA256 over the canonical
// string METHOD\nPATH\nTIMESTAMP\nSHA-256(body hex). The timestamp is Unix
// seconds in decimal.
func Sign(method, path, timestamp string, body []byte, secret []byte) string {
	bodyHash := sha256.Sum256(body)
	canonical := strings.Join([]string{
		strings.ToUpper(method),
		path,
		timestamp,
		hex.EncodeToString(bodyHash[:]),
	}, "\n")
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignNow signs a request with the current time, returning the signature and
// the timestamp header value to send with it.
func SignNow(method, path string, body []byte, secret []byte) (signature, timestamp string) {
	timestamp = strconv.FormatInt(time.Now().Unix(), 10)
	return Sign(method, path, timestamp, body, secret), timestamp
}

func (a *Authenticator) deny(name, method, reason string) (Identity, error) {
	a.audit(name, method, false, reason)
	return Identity{}, fault.New(fault.KindUnauthorized, "service authentication failed")
}

func (a *Authenticator) audit(name, method string, allowed bool, reason string) {
	if a.onAudit == nil {
		return
	}
	a.onAudit(AuditEvent{
		Service: name,
		Method:  method,
		Allowed: allowed,
		Reason:  reason,
		At:      a.now().UTC(),
	})
}

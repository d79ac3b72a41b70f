package integration

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/fault"
)

type (
	// SigningPolicy verifies the signature of one inbound call.
	SigningPolicy interface {
		Verify(headers map[string]string, body []byte) error
	}

	// StripePolicy verifies Stripe-style signatures: the header carries
	// `t=<unix>,v1=<hex>` and the MAC covers `<t>.<body>`.
	StripePolicy struct {
		Secret []byte
		// Tolerance bounds |now - t|. Defaults to 5 minutes.
		Tolerance time.Duration
		// Now overrides the clock, used by tests.
		Now func() time.Time
	}

	// HexHMACPolicy verifies a plain hex HMAC-SHA256 over the raw body,
	// carried in a single header.
	HexHMACPolicy struct {
		Header string
		Secret []byte
	}
)

// StripeSignatureHeader is the header StripePolicy reads.
const StripeSignatureHeader = "X-Stripe-Signature"

// Verify implements SigningPolicy.
func (p StripePolicy) Verify(headers map[string]string, body []byte) error {
	raw := headers[StripeSignatureHeader]
	if raw == "" {
		return fault.New(fault.KindUnauthorized, "missing webhook signature")
	}
	var ts string
	var sigs []string
	for _, part := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			sigs = append(sigs, v)
		}
	}
	if ts == "" || len(sigs) == 0 {
		return fault.New(fault.KindUnauthorized, "malformed webhook signature")
	}
	t, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fault.New(fault.KindUnauthorized, "malformed webhook signature timestamp")
	}
	tolerance := p.Tolerance
	if tolerance <= 0 {
		tolerance = 5 * time.Minute
	}
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	if d := now().Unix() - t; d > int64(tolerance.Seconds()) || d < -int64(tolerance.Seconds()) {
		return fault.New(fault.KindUnauthorized, "webhook signature timestamp outside tolerance")
	}

	mac := hmac.New(sha256.New, p.Secret)
	fmt.Fprintf(mac, "%s.%s", ts, body)
	want := hex.EncodeToString(mac.Sum(nil))
	for _, sig := range sigs {
		if subtle.ConstantTimeCompare([]byte(want), []byte(sig)) == 1 {
			return nil
		}
	}
	return fault.New(fault.KindUnauthorized, "webhook signature mismatch")
}

// SignStripe produces a StripePolicy-compatible header value, used by tests
// and by outbound simulators.
func SignStripe(secret, body []byte, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%s.%s", ts, body)
	return fmt.Sprintf("t=%s,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

// Verify implements SigningPolicy.
func (p HexHMACPolicy) Verify(headers map[string]string, body []byte) error {
	sig := headers[p.Header]
	if sig == "" {
		return fault.New(fault.KindUnauthorized, "missing webhook signature")
	}
	mac := hmac.New(sha256.New, p.Secret)
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	if subtle.ConstantTimeCompare([]byte(want), []byte(sig)) != 1 {
		return fault.New(fault.KindUnauthorized, "webhook signature mismatch")
	}
	return nil
}

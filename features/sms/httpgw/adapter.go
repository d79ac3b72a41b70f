// Package httpgw is the SMS channel: a delivery adapter for the
// notification pipeline that posts to an HTTP SMS gateway.
package httpgw

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/fault"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/services/notify"
)

type (
	// Options configures the adapter.
	Options struct {
		// Endpoint receives one POST per message.
		Endpoint string
		// APIKey authenticates the gateway calls.
		APIKey string
		// Client overrides the HTTP client, used by tests. Nil selects a
		// client with a 10s timeout.
		Client *http.Client
	}

	// Adapter delivers notifications over SMS. Recipients are phone
	// numbers in the gateway's expected format.
	Adapter struct {
		endpoint string
		apiKey   string
		client   *http.Client
	}

	smsRequest struct {
		To   string `json:"to"`
		Text string `json:"text"`
	}
)

// NewAdapter returns an Adapter.
func NewAdapter(opts Options) (*Adapter, error) {
	if opts.Endpoint == "" {
		return nil, errors.New("gateway endpoint is required")
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Adapter{endpoint: opts.Endpoint, apiKey: opts.APIKey, client: client}, nil
}

// Name implements notify.Adapter.
func (a *Adapter) Name() string { return notify.ChannelSMS }

// Send implements notify.Adapter. SMS has no title; only the body goes
// out. Gateway rejections of the number are permanent, everything else is
// transient.
func (a *Adapter) Send(ctx context.Context, recipient string, msg notify.Rendered) error {
	body, err := json.Marshal(smsRequest{To: recipient, Text: msg.Body})
	if err != nil {
		return fault.Wrap(fault.KindInternal, err, "encode sms request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return fault.Wrap(fault.KindInternal, err, "build sms request")
	}
	req.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	res, err := a.client.Do(req)
	if err != nil {
		return fault.Wrap(fault.KindUnavailable, err, "sms gateway")
	}
	defer func() {
		_, _ = io.Copy(io.Discard, res.Body)
		_ = res.Body.Close()
	}()

	switch {
	case res.StatusCode < 300:
		return nil
	case res.StatusCode == http.StatusBadRequest, res.StatusCode == http.StatusUnprocessableEntity:
		return fault.Errorf(fault.KindValidation, "sms gateway rejected recipient %s", recipient)
	case res.StatusCode == http.StatusUnauthorized, res.StatusCode == http.StatusForbidden:
		return fault.Errorf(fault.KindForbidden, "sms gateway refused the credentials")
	case res.StatusCode == http.StatusTooManyRequests:
		return fault.Errorf(fault.KindRateLimited, "sms gateway throttled the sender")
	default:
		return fault.Errorf(fault.KindUnavailable, "sms gateway answered %d", res.StatusCode)
	}
}

// Package smtp is the email channel: a delivery adapter for the
// notification pipeline backed by an SMTP relay.
package smtp

import (
	"context"
	"errors"

	"github.com/wneessen/go-mail"

	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/fault"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/services/notify"
)

type (
	// Options configures the adapter.
	Options struct {
		Host     string
		Port     int
		Username string
		Password string
		// From is the sender address on every message.
		From string
		// StartTLS negotiates TLS on the relay connection. Production
		// relays keep it on.
		StartTLS bool
	}

	// dialer is the slice of the mail client the adapter uses.
	dialer interface {
		DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
	}

	// Adapter delivers notifications over email. Recipients are addresses.
	Adapter struct {
		client dialer
		from   string
	}
)

// NewAdapter builds the SMTP client and returns the adapter.
func NewAdapter(opts Options) (*Adapter, error) {
	if opts.Host == "" {
		return nil, errors.New("smtp host is required")
	}
	if opts.From == "" {
		return nil, errors.New("sender address is required")
	}
	clientOpts := []mail.Option{
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(opts.Username),
		mail.WithPassword(opts.Password),
	}
	if opts.Port > 0 {
		clientOpts = append(clientOpts, mail.WithPort(opts.Port))
	}
	if opts.StartTLS {
		clientOpts = append(clientOpts, mail.WithTLSPolicy(mail.TLSMandatory))
	} else {
		clientOpts = append(clientOpts, mail.WithTLSPolicy(mail.TLSOpportunistic))
	}
	client, err := mail.NewClient(opts.Host, clientOpts...)
	if err != nil {
		return nil, err
	}
	return &Adapter{client: client, from: opts.From}, nil
}

// Name implements notify.Adapter.
func (a *Adapter) Name() string { return notify.ChannelEmail }

// Send implements notify.Adapter. A malformed address is a permanent
// failure; relay trouble is transient.
func (a *Adapter) Send(ctx context.Context, recipient string, msg notify.Rendered) error {
	m := mail.NewMsg()
	if err := m.From(a.from); err != nil {
		return fault.Wrap(fault.KindInternal, err, "sender address rejected")
	}
	if err := m.To(recipient); err != nil {
		return fault.Wrap(fault.KindValidation, err, "recipient address rejected")
	}
	m.Subject(msg.Title)
	m.SetBodyString(mail.TypeTextPlain, msg.Body)

	if err := a.client.DialAndSendWithContext(ctx, m); err != nil {
		return fault.Wrap(fault.KindUnavailable, err, "smtp relay")
	}
	return nil
}

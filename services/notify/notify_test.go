package notify_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/backoff"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/breaker"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/fault"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/services/notify"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/services/notify/inmem"
)

func TestTemplateRender(t *testing.T) {
	tmpl := notify.Template{
		Kind: "request.assigned", Channel: notify.ChannelMessenger, Language: "en",
		Title: "Request {number}",
		Body:  `Executor {executor} accepted.\nArrival: {eta}`,
	}

	msg, err := tmpl.Render(map[string]string{"number": "250927-001", "executor": "Ivan", "eta": "14:00"})
	require.NoError(t, err)
	require.Equal(t, "Request 250927-001", msg.Title)
	require.Equal(t, "Executor Ivan accepted.\nArrival: 14:00", msg.Body)
}

func TestTemplateRenderMissingPlaceholder(t *testing.T) {
	tmpl := notify.Template{
		Kind: "k", Channel: notify.ChannelEmail, Language: "en",
		Body: "Hello {name}, request {number}",
	}
	_, err := tmpl.Render(map[string]string{"name": "Ann"})
	require.True(t, fault.IsKind(err, fault.KindValidation))
	require.Contains(t, err.Error(), "number")
}

func TestTemplateRegistryFallbackLanguage(t *testing.T) {
	reg := notify.NewTemplateRegistry("en")
	reg.MustAdd(notify.Template{Kind: "k", Channel: notify.ChannelSMS, Language: "en", Body: "english"})

	tmpl, err := reg.Lookup("k", notify.ChannelSMS, "de")
	require.NoError(t, err)
	require.Equal(t, "en", tmpl.Language)

	_, err = reg.Lookup("other", notify.ChannelSMS, "de")
	require.True(t, fault.IsKind(err, fault.KindNotFound))
}

type fakeAdapter struct {
	mu    sync.Mutex
	name  string
	sent  []string
	fails []error
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Send(_ context.Context, recipient string, _ notify.Rendered) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.fails) > 0 {
		err := f.fails[0]
		f.fails = f.fails[1:]
		return err
	}
	f.sent = append(f.sent, recipient)
	return nil
}

func (f *fakeAdapter) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func standardTemplates() *notify.TemplateRegistry {
	reg := notify.NewTemplateRegistry("en")
	reg.MustAdd(
		notify.Template{Kind: "request.assigned", Channel: notify.ChannelMessenger, Language: "en", Body: "assigned to {executor}"},
		notify.Template{Kind: "request.assigned", Channel: notify.ChannelEmail, Language: "en", Title: "Assigned", Body: "assigned to {executor}"},
		notify.Template{Kind: "request.assigned", Channel: notify.ChannelSMS, Language: "en", Body: "assigned"},
	)
	return reg
}

func newService(t *testing.T, clk *clock, adapters ...notify.Adapter) (*notify.Service, *inmem.LogStore) {
	t.Helper()
	store := inmem.NewLogStore()
	svc, err := notify.New(notify.Options{
		Logs:      store,
		Templates: standardTemplates(),
		Adapters:  adapters,
		Breakers:  breaker.NewRegistry(breaker.Options{}),
		Retry:     backoff.Config{MaxAttempts: 3, InitialBackoff: time.Minute, MaxBackoff: time.Hour, Multiplier: 2},
		Now:       clk.now,
	})
	require.NoError(t, err)
	return svc, store
}

func TestDeliverHappyPath(t *testing.T) {
	clk := &clock{t: time.Date(2025, 10, 4, 8, 0, 0, 0, time.UTC)}
	tg := &fakeAdapter{name: notify.ChannelMessenger}
	svc, _ := newService(t, clk, tg)

	entry, err := svc.Deliver(context.Background(), notify.Notification{
		Kind: "request.assigned", Channel: notify.ChannelMessenger, Recipient: "111",
		Payload:       map[string]string{"executor": "Ivan"},
		CorrelationID: "250927-001",
	})
	require.NoError(t, err)
	require.Equal(t, notify.StatusSent, entry.Status)
	require.Equal(t, "assigned to Ivan", entry.Body)
	require.Equal(t, 1, tg.sentCount())
}

func TestDeliverDedupesSentTriple(t *testing.T) {
	clk := &clock{t: time.Date(2025, 10, 4, 8, 0, 0, 0, time.UTC)}
	tg := &fakeAdapter{name: notify.ChannelMessenger}
	svc, _ := newService(t, clk, tg)
	n := notify.Notification{
		Kind: "request.assigned", Channel: notify.ChannelMessenger, Recipient: "111",
		Payload:       map[string]string{"executor": "Ivan"},
		CorrelationID: "250927-001",
	}

	_, err := svc.Deliver(context.Background(), n)
	require.NoError(t, err)
	entry, err := svc.Deliver(context.Background(), n)
	require.NoError(t, err)
	require.Equal(t, notify.StatusSkipped, entry.Status)
	require.Equal(t, 1, tg.sentCount())
}

func TestDeliverDisabledChannelSkips(t *testing.T) {
	clk := &clock{t: time.Date(2025, 10, 4, 8, 0, 0, 0, time.UTC)}
	svc, _ := newService(t, clk) // no adapters enabled

	entry, err := svc.Deliver(context.Background(), notify.Notification{
		Kind: "request.assigned", Channel: notify.ChannelEmail, Recipient: "a@b.c",
		Payload: map[string]string{"executor": "Ivan"},
	})
	require.NoError(t, err)
	require.Equal(t, notify.StatusSkipped, entry.Status)
}

func TestDeliverPermanentFailure(t *testing.T) {
	clk := &clock{t: time.Date(2025, 10, 4, 8, 0, 0, 0, time.UTC)}
	tg := &fakeAdapter{
		name:  notify.ChannelMessenger,
		fails: []error{fault.New(fault.KindForbidden, "recipient blocked the bot")},
	}
	svc, _ := newService(t, clk, tg)

	entry, err := svc.Deliver(context.Background(), notify.Notification{
		Kind: "request.assigned", Channel: notify.ChannelMessenger, Recipient: "111",
		Payload: map[string]string{"executor": "Ivan"},
	})
	require.NoError(t, err)
	require.Equal(t, notify.StatusFailed, entry.Status)
	require.True(t, entry.NextAttempt.IsZero(), "permanent failures are not retried")
}

func TestDeliverTransientFailureRetries(t *testing.T) {
	clk := &clock{t: time.Date(2025, 10, 4, 8, 0, 0, 0, time.UTC)}
	tg := &fakeAdapter{
		name:  notify.ChannelMessenger,
		fails: []error{fault.New(fault.KindUnavailable, "gateway 502")},
	}
	svc, store := newService(t, clk, tg)

	entry, err := svc.Deliver(context.Background(), notify.Notification{
		Kind: "request.assigned", Channel: notify.ChannelMessenger, Recipient: "111",
		Payload:       map[string]string{"executor": "Ivan"},
		CorrelationID: "250927-001",
	})
	require.NoError(t, err)
	require.Equal(t, notify.StatusRetry, entry.Status)
	require.False(t, entry.NextAttempt.IsZero())

	// Redelivery succeeds once the adapter recovers.
	clk.advance(2 * time.Minute)
	n, err := svc.RetryDue(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := store.Get(context.Background(), entry.ID)
	require.NoError(t, err)
	require.Equal(t, notify.StatusSent, got.Status)
	require.Equal(t, 2, got.Attempts)
	require.Equal(t, 1, tg.sentCount())
}

func TestRetriesExhaustToFailed(t *testing.T) {
	clk := &clock{t: time.Date(2025, 10, 4, 8, 0, 0, 0, time.UTC)}
	tg := &fakeAdapter{
		name: notify.ChannelMessenger,
		fails: []error{
			fault.New(fault.KindUnavailable, "down"),
			fault.New(fault.KindUnavailable, "down"),
			fault.New(fault.KindUnavailable, "down"),
		},
	}
	svc, store := newService(t, clk, tg)

	entry, err := svc.Deliver(context.Background(), notify.Notification{
		Kind: "request.assigned", Channel: notify.ChannelMessenger, Recipient: "111",
		Payload: map[string]string{"executor": "Ivan"},
	})
	require.NoError(t, err)
	require.Equal(t, notify.StatusRetry, entry.Status)

	for i := 0; i < 3; i++ {
		clk.advance(time.Hour)
		_, err := svc.RetryDue(context.Background())
		require.NoError(t, err)
	}

	got, err := store.Get(context.Background(), entry.ID)
	require.NoError(t, err)
	require.Equal(t, notify.StatusFailed, got.Status)
	require.Equal(t, 3, got.Attempts)
	require.Zero(t, tg.sentCount())
}

package telegram

import (
	"context"
	"errors"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/fault"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/services/notify"
)

type fakeSender struct {
	sent []tgbotapi.Chattable
	err  error
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.sent = append(f.sent, c)
	return tgbotapi.Message{}, f.err
}

func TestSendComposesMessage(t *testing.T) {
	bot := &fakeSender{}
	a := &Adapter{bot: bot}

	err := a.Send(context.Background(), "12345", notify.Rendered{Title: "Assigned", Body: "Executor Ivan"})
	require.NoError(t, err)
	require.Len(t, bot.sent, 1)

	msg, ok := bot.sent[0].(tgbotapi.MessageConfig)
	require.True(t, ok)
	require.Equal(t, int64(12345), msg.ChatID)
	require.Equal(t, "Assigned\n\nExecutor Ivan", msg.Text)
}

func TestSendPacingHonorsContext(t *testing.T) {
	a := &Adapter{bot: &fakeSender{}, pace: rate.NewLimiter(rate.Every(time.Hour), 1)}
	require.NoError(t, a.Send(context.Background(), "1", notify.Rendered{Body: "first"}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := a.Send(ctx, "1", notify.Rendered{Body: "second"})
	require.True(t, fault.IsKind(err, fault.KindTimeout), "an exhausted pacer must not block past the context")
}

func TestSendMirrorsDeliveredMessages(t *testing.T) {
	bot := &fakeSender{}
	a := &Adapter{bot: bot, mirror: 999}

	err := a.Send(context.Background(), "12345", notify.Rendered{Body: "hi"})
	require.NoError(t, err)
	require.Len(t, bot.sent, 2)

	mirror, ok := bot.sent[1].(tgbotapi.MessageConfig)
	require.True(t, ok)
	require.Equal(t, int64(999), mirror.ChatID)
	require.Equal(t, "hi", mirror.Text)
}

func TestSendMirrorFailureDoesNotFailDelivery(t *testing.T) {
	bot := &failingMirrorSender{mirror: 999}
	a := &Adapter{bot: bot, mirror: 999}

	err := a.Send(context.Background(), "12345", notify.Rendered{Body: "hi"})
	require.NoError(t, err, "the mirror copy is best effort")
	require.Equal(t, 1, bot.delivered)
}

// failingMirrorSender delivers to the recipient but errors on the mirror
// chat.
type failingMirrorSender struct {
	mirror    int64
	delivered int
}

func (f *failingMirrorSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	msg, ok := c.(tgbotapi.MessageConfig)
	if ok && msg.ChatID == f.mirror {
		return tgbotapi.Message{}, &tgbotapi.Error{Code: 403, Message: "Forbidden"}
	}
	f.delivered++
	return tgbotapi.Message{}, nil
}

func TestSendRejectsNonNumericRecipient(t *testing.T) {
	a := &Adapter{bot: &fakeSender{}}
	err := a.Send(context.Background(), "not-a-chat", notify.Rendered{Body: "hi"})
	require.True(t, fault.IsKind(err, fault.KindValidation))
}

func TestSendClassifiesBlockedRecipient(t *testing.T) {
	bot := &fakeSender{err: &tgbotapi.Error{Code: 403, Message: "Forbidden: bot was blocked by the user"}}
	a := &Adapter{bot: bot}

	err := a.Send(context.Background(), "12345", notify.Rendered{Body: "hi"})
	require.True(t, fault.IsKind(err, fault.KindForbidden), "blocked recipients must not be retried")
}

func TestSendClassifiesThrottling(t *testing.T) {
	bot := &fakeSender{err: &tgbotapi.Error{Code: 429, Message: "Too Many Requests"}}
	a := &Adapter{bot: bot}

	err := a.Send(context.Background(), "12345", notify.Rendered{Body: "hi"})
	require.True(t, fault.IsKind(err, fault.KindRateLimited))
}

func TestSendClassifiesOutage(t *testing.T) {
	bot := &fakeSender{err: errors.New("connection reset")}
	a := &Adapter{bot: bot}

	err := a.Send(context.Background(), "12345", notify.Rendered{Body: "hi"})
	require.True(t, fault.IsKind(err, fault.KindUnavailable))
}

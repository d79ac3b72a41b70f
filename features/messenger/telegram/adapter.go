// Package telegram is the Telegram channel: a delivery adapter for the
// notification pipeline and a long-polling listener that feeds inbound
// messages to the conversational gateway.
package telegram

import (
	"context"
	"errors"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"goa.design/clue/log"
	"golang.org/x/time/rate"

	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/fault"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/services/notify"
)

// sendRate paces outbound messages under the Bot API's global ceiling of
// roughly 30 messages per second.
const sendRate = 25

// sender is the slice of the bot API the adapter uses.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Adapter delivers notifications over Telegram. Recipients are chat ids.
type Adapter struct {
	bot    sender
	mirror int64
	pace   *rate.Limiter
}

// NewAdapter returns an Adapter on the given bot. A non-zero mirror chat
// receives a best-effort copy of every delivered message.
func NewAdapter(bot *tgbotapi.BotAPI, mirrorChatID int64) *Adapter {
	return &Adapter{bot: bot, mirror: mirrorChatID, pace: rate.NewLimiter(sendRate, sendRate)}
}

// Name implements notify.Adapter.
func (a *Adapter) Name() string { return notify.ChannelMessenger }

// Send implements notify.Adapter. A recipient who blocked the bot is a
// permanent failure; Telegram-side throttling and outages are transient.
func (a *Adapter) Send(ctx context.Context, recipient string, msg notify.Rendered) error {
	chatID, err := strconv.ParseInt(recipient, 10, 64)
	if err != nil {
		return fault.Errorf(fault.KindValidation, "recipient %q is not a chat id", recipient)
	}
	if a.pace != nil {
		if err := a.pace.Wait(ctx); err != nil {
			return fault.Wrap(fault.KindTimeout, err, "pacing telegram send")
		}
	}
	text := msg.Body
	if msg.Title != "" {
		text = msg.Title + "\n\n" + msg.Body
	}
	if _, err := a.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		return classify(err)
	}
	if a.mirror != 0 && a.mirror != chatID {
		if _, err := a.bot.Send(tgbotapi.NewMessage(a.mirror, text)); err != nil {
			log.Error(ctx, classify(err), log.KV{K: "mirror_chat", V: a.mirror})
		}
	}
	return nil
}

// classify maps Telegram API errors onto the fault taxonomy.
func classify(err error) error {
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		return fault.Wrap(fault.KindUnavailable, err, "telegram send")
	}
	switch apiErr.Code {
	case 403:
		return fault.Wrap(fault.KindForbidden, err, "recipient blocked the bot")
	case 400:
		return fault.Wrap(fault.KindValidation, err, "telegram rejected the message")
	case 429:
		return fault.Wrap(fault.KindRateLimited, err, "telegram throttled the bot")
	default:
		return fault.Wrap(fault.KindUnavailable, err, "telegram send")
	}
}

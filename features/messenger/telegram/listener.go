package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"goa.design/clue/log"

	"github.com/a-afanasyev/Infrasafe-bot-sub006/services/gateway"
)

type (
	// Conversation is the slice of the gateway the listener drives.
	Conversation interface {
		HandleMessage(ctx context.Context, msg gateway.Message) (gateway.Reply, error)
	}

	// ListenerOptions configures the update loop.
	ListenerOptions struct {
		Bot     *tgbotapi.BotAPI
		Gateway Conversation
		// UpdateTimeout is the long-poll timeout in seconds. Zero selects
		// 30.
		UpdateTimeout int
	}

	// Listener long-polls Telegram for updates and routes each message
	// through the gateway, sending the reply back to the chat.
	Listener struct {
		bot     *tgbotapi.BotAPI
		gw      Conversation
		timeout int
	}
)

// NewListener returns a Listener.
func NewListener(opts ListenerOptions) (*Listener, error) {
	if opts.Bot == nil {
		return nil, errors.New("bot is required")
	}
	if opts.Gateway == nil {
		return nil, errors.New("gateway is required")
	}
	timeout := opts.UpdateTimeout
	if timeout <= 0 {
		timeout = 30
	}
	return &Listener{bot: opts.Bot, gw: opts.Gateway, timeout: timeout}, nil
}

// Run consumes updates until ctx is done.
func (l *Listener) Run(ctx context.Context) error {
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = l.timeout
	updates := l.bot.GetUpdatesChan(cfg)
	defer l.bot.StopReceivingUpdates()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil {
				continue
			}
			l.handle(ctx, update.Message)
		}
	}
}

func (l *Listener) handle(ctx context.Context, m *tgbotapi.Message) {
	msg := messageFrom(m)
	reply, err := l.gw.HandleMessage(ctx, msg)
	if err != nil {
		log.Error(ctx, fmt.Errorf("handle message from %s: %w", msg.ExternalID, err))
		reply = gateway.Reply{Text: "Something went wrong, please try again."}
	}
	if reply.Text == "" {
		return
	}
	out := tgbotapi.NewMessage(m.Chat.ID, reply.Text)
	if reply.Markup != "" {
		out.ParseMode = reply.Markup
	}
	if len(reply.Keyboard) > 0 {
		out.ReplyMarkup = keyboardFrom(reply.Keyboard)
	}
	if _, err := l.bot.Send(out); err != nil {
		log.Error(ctx, fmt.Errorf("send reply to %s: %w", msg.ExternalID, err))
	}
}

// messageFrom maps a Telegram message onto the gateway's shape. The sender
// id, not the chat id, is the external identity.
func messageFrom(m *tgbotapi.Message) gateway.Message {
	msg := gateway.Message{
		ExternalID: strconv.FormatInt(m.From.ID, 10),
		Username:   m.From.UserName,
		FirstName:  m.From.FirstName,
		LastName:   m.From.LastName,
		Language:   m.From.LanguageCode,
		Text:       m.Text,
	}
	if m.IsCommand() {
		msg.Command = m.Command()
		msg.Text = strings.TrimSpace(m.CommandArguments())
	}
	return msg
}

func keyboardFrom(rows [][]string) tgbotapi.ReplyKeyboardMarkup {
	keyboard := make([][]tgbotapi.KeyboardButton, len(rows))
	for i, row := range rows {
		buttons := make([]tgbotapi.KeyboardButton, len(row))
		for j, label := range row {
			buttons[j] = tgbotapi.NewKeyboardButton(label)
		}
		keyboard[i] = buttons
	}
	markup := tgbotapi.NewReplyKeyboard(keyboard...)
	markup.ResizeKeyboard = true
	return markup
}

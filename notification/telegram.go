// Package notification delivers human-facing events (opens, closes,
// protection pauses, errors) to external channels.
package notification

import (
	"fmt"
	"time"

	tb "gopkg.in/tucnak/telebot.v2"

	"github.com/raykavin/sarbridge/core"
)

const pollingTimeout = 10 * time.Second

// Telegram implements core.NotifierWithStart: notify-only delivery to a
// fixed chat plus a /status command for the operator.
type Telegram struct {
	client *tb.Bot
	chatID int64
	log    core.Logger
	status func() string
}

// Option configures a Telegram instance.
type Option func(*Telegram)

// WithStatusProvider installs the text returned by the /status command.
func WithStatusProvider(fn func() string) Option {
	return func(t *Telegram) { t.status = fn }
}

// NewTelegram creates the bot client. Delivery starts with Start().
func NewTelegram(token string, chatID int64, log core.Logger, options ...Option) (*Telegram, error) {
	client, err := tb.NewBot(tb.Settings{
		Token:  token,
		Poller: &tb.LongPoller{Timeout: pollingTimeout},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram init: %w", err)
	}

	t := &Telegram{
		client: client,
		chatID: chatID,
		log:    log,
	}
	for _, option := range options {
		option(t)
	}

	client.Handle("/status", func(m *tb.Message) {
		if m.Chat.ID != t.chatID {
			return
		}
		text := "running"
		if t.status != nil {
			text = t.status()
		}
		if _, err := client.Send(m.Chat, text); err != nil {
			log.WithError(err).Error("telegram status reply failed")
		}
	})

	return t, nil
}

// Start runs the polling loop. Blocks; run it in its own goroutine.
func (t *Telegram) Start() {
	t.log.Info("telegram notifier started")
	t.client.Start()
}

// Notify implements core.Notifier.
func (t *Telegram) Notify(message string) {
	_, err := t.client.Send(&tb.Chat{ID: t.chatID}, message)
	if err != nil {
		t.log.WithError(err).Error("telegram send failed")
	}
}

// OnError implements core.Notifier.
func (t *Telegram) OnError(err error) {
	t.Notify(fmt.Sprintf("ERROR: %s", err))
}

// Package telegram adapts Bot API updates to dispatcher commands and
// dispatcher replies back to Bot API messages. All business decisions live
// in the dispatcher; this package only parses, delivers and formats markup.
package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	coreconfig "imeibot/core/config"
	"imeibot/core/logger"
	"imeibot/internal/dispatcher"
	"imeibot/internal/reply"
)

const (
	btnCheck   = "🔍 Check IMEI"
	btnBalance = "💳 Balance"
	btnHelp    = "❓ Help"

	pickUnique    = "pick"
	handleTimeout = 60 * time.Second
)

// Bot binds a telebot instance to the dispatcher.
type Bot struct {
	bot *tele.Bot
	cfg *coreconfig.Config
	d   *dispatcher.Dispatcher
}

// New builds the bot with the configured poller and tuned HTTP client, and
// registers middleware and handlers.
func New(cfg *coreconfig.Config, d *dispatcher.Dispatcher) (*Bot, error) {
	bot, err := tele.NewBot(tele.Settings{
		Token:     cfg.Telegram.Token,
		Poller:    BuildPoller(cfg.Telegram, cfg.Webhook),
		Client:    BuildHTTPClient(),
		ParseMode: tele.ModeHTML,
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: bot initialization failed: %w", err)
	}

	b := &Bot{bot: bot, cfg: cfg, d: d}
	b.register()
	return b, nil
}

func (b *Bot) register() {
	b.bot.Use(recoverMiddleware, loggingMiddleware)
	if ms := b.cfg.Telegram.RateLimitIntervalMS; ms > 0 {
		b.bot.Use(rateLimitMiddleware(time.Duration(ms) * time.Millisecond))
	}

	b.bot.Handle(tele.OnText, b.onText)
	b.bot.Handle(&tele.Btn{Unique: pickUnique}, b.onPick)
}

// Run starts polling until ctx is cancelled. In longpoll mode any previously
// registered webhook is deleted first, otherwise the Bot API refuses to
// serve updates.
func (b *Bot) Run(ctx context.Context) error {
	if b.cfg.Telegram.RunMode == coreconfig.RunModeLongpoll {
		if err := deleteWebhook(b.cfg.Telegram.Token); err != nil {
			logger.TG.Warn("failed to delete webhook",
				slog.String("event", "tg.delete_webhook"),
				slog.String("err", err.Error()),
			)
		}
	}

	logger.TG.Info("bot starting",
		slog.String("event", "tg.start"),
		slog.String("mode", b.cfg.Telegram.RunMode),
	)

	done := make(chan struct{})
	go func() {
		b.bot.Start()
		close(done)
	}()

	select {
	case <-ctx.Done():
		b.bot.Stop()
		<-done
		return nil
	case <-done:
		return nil
	}
}

// Send delivers one plain broadcast message; it satisfies broadcast.Sender.
func (b *Bot) Send(chatID int64, text string) error {
	_, err := b.bot.Send(tele.ChatID(chatID), text, tele.ModeHTML)
	return err
}

func (b *Bot) onText(c tele.Context) error {
	text := c.Text()

	// Persistent keyboard buttons are plain text on the wire.
	var cmd dispatcher.Command
	switch text {
	case btnCheck:
		cmd = dispatcher.Check{}
	case btnBalance:
		cmd = dispatcher.ShowBalance{}
	case btnHelp:
		cmd = dispatcher.Help{}
	default:
		cmd = dispatcher.ParseCommand(text)
	}
	return b.dispatch(c, cmd)
}

func (b *Bot) onPick(c tele.Context) error {
	defer func() {
		_ = c.Respond()
	}()
	return b.dispatch(c, dispatcher.Select{Key: c.Data()})
}

func (b *Bot) dispatch(c tele.Context, cmd dispatcher.Command) error {
	sender := c.Sender()
	if sender == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()
	if rid, ok := c.Get("rid").(string); ok {
		ctx = logger.WithRID(ctx, rid)
	}

	r := b.d.Handle(ctx, dispatcher.Profile{
		ID:        sender.ID,
		Username:  sender.Username,
		FirstName: sender.FirstName,
		LastName:  sender.LastName,
	}, cmd)
	return b.send(c, r)
}

func (b *Bot) send(c tele.Context, r reply.Reply) error {
	opts := &tele.SendOptions{ParseMode: tele.ModeHTML}
	switch r.Markup {
	case reply.MarkupMainMenu:
		opts.ReplyMarkup = mainMenu()
	case reply.MarkupOptions:
		opts.ReplyMarkup = inlineOptions(r.Options)
	}
	return c.Send(r.Text, opts)
}

func mainMenu() *tele.ReplyMarkup {
	menu := &tele.ReplyMarkup{ResizeKeyboard: true}
	menu.Reply(
		menu.Row(menu.Text(btnCheck)),
		menu.Row(menu.Text(btnBalance), menu.Text(btnHelp)),
	)
	return menu
}

func inlineOptions(options []reply.Option) *tele.ReplyMarkup {
	rm := &tele.ReplyMarkup{}
	rows := make([]tele.Row, 0, len(options))
	for _, o := range options {
		rows = append(rows, rm.Row(rm.Data(o.Label, pickUnique, o.Key)))
	}
	rm.Inline(rows...)
	return rm
}

// deleteWebhook drops a previously registered webhook so long polling can
// take over. Pending updates are kept.
func deleteWebhook(token string) error {
	if strings.TrimSpace(token) == "" {
		return fmt.Errorf("empty token")
	}
	url := fmt.Sprintf("https://api.telegram.org/bot%s/deleteWebhook", token)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader("drop_pending_updates=false"))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("deleteWebhook status: %s", resp.Status)
	}
	return nil
}

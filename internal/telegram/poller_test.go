package telegram

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	coreconfig "imeibot/core/config"
	"imeibot/internal/reply"
)

func TestBuildPoller_Webhook(t *testing.T) {
	p := BuildPoller(
		coreconfig.TelegramConfig{RunMode: coreconfig.RunModeWebhook},
		coreconfig.WebhookConfig{Listen: "0.0.0.0", Port: 8443, URL: "https://bot.example.com/hook"},
	)
	wh, ok := p.(*tele.Webhook)
	require.True(t, ok)
	assert.Equal(t, "0.0.0.0:8443", wh.Listen)
	assert.Equal(t, "https://bot.example.com/hook", wh.Endpoint.PublicURL)
}

func TestBuildPoller_LongpollDefaultTimeout(t *testing.T) {
	p := BuildPoller(coreconfig.TelegramConfig{RunMode: coreconfig.RunModeLongpoll}, coreconfig.WebhookConfig{})
	lp, ok := p.(*tele.LongPoller)
	require.True(t, ok)
	assert.Equal(t, 10*time.Second, lp.Timeout)

	p = BuildPoller(coreconfig.TelegramConfig{RunMode: coreconfig.RunModeLongpoll, LongPollTimeoutSeconds: 30}, coreconfig.WebhookConfig{})
	lp = p.(*tele.LongPoller)
	assert.Equal(t, 30*time.Second, lp.Timeout)
}

func TestInlineOptions(t *testing.T) {
	rm := inlineOptions([]reply.Option{
		{Key: "Apple", Label: "Apple"},
		{Key: "21", Label: "Full Check - $1.50"},
	})
	require.Len(t, rm.InlineKeyboard, 2)
	require.Len(t, rm.InlineKeyboard[0], 1)
	assert.Equal(t, "Apple", rm.InlineKeyboard[0][0].Text)
	assert.Contains(t, rm.InlineKeyboard[0][0].Data, "Apple")
}

func TestMainMenu(t *testing.T) {
	menu := mainMenu()
	require.Len(t, menu.ReplyKeyboard, 2)
	assert.Equal(t, btnCheck, menu.ReplyKeyboard[0][0].Text)
	assert.True(t, menu.ResizeKeyboard)
}

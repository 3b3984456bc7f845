// Package reply renders every user-facing message of the bot. All functions
// are pure: they take domain values and return HTML-formatted text, leaving
// delivery to the transport layer.
package reply

import (
	"fmt"
	"html"
	"strings"

	"github.com/shopspring/decimal"

	"imeibot/internal/catalog"
	"imeibot/internal/checker"
	"imeibot/internal/ledger"
)

const detailLimit = 1500

// Markup tells the transport which keyboard to attach to a reply.
type Markup int

const (
	// MarkupNone sends plain text.
	MarkupNone Markup = iota
	// MarkupMainMenu attaches the persistent reply keyboard.
	MarkupMainMenu
	// MarkupOptions attaches an inline keyboard built from Options.
	MarkupOptions
)

// Option is one inline keyboard button: Key goes into the callback payload,
// Label is what the user sees.
type Option struct {
	Key   string
	Label string
}

// Reply is a fully rendered outbound message.
type Reply struct {
	Text    string
	Markup  Markup
	Options []Option
}

func text(s string) Reply                { return Reply{Text: s} }
func menu(s string) Reply                { return Reply{Text: s, Markup: MarkupMainMenu} }
func options(s string, o []Option) Reply { return Reply{Text: s, Markup: MarkupOptions, Options: o} }

// Welcome greets a user on /start.
func Welcome(firstName string) Reply {
	name := html.EscapeString(firstName)
	if name == "" {
		name = "there"
	}
	return menu(fmt.Sprintf(
		"👋 Hi, <b>%s</b>!\n\n"+
			"I check IMEI numbers against paid lookup services.\n"+
			"Pick 🔍 <b>Check IMEI</b> to start, or 💳 <b>Balance</b> to see your funds.\n\n"+
			"Type /help for the full command list.",
		name,
	))
}

// Help lists available commands; admins see the management set too.
func Help(isOwner bool) Reply {
	var b strings.Builder
	b.WriteString("📖 <b>Commands</b>\n")
	b.WriteString("━━━━━━━━━━━━━━━━━━━━\n")
	b.WriteString("/start - main menu\n")
	b.WriteString("/check - run an IMEI lookup\n")
	b.WriteString("/balance - show your balance\n")
	b.WriteString("/account - account summary\n")
	b.WriteString("/cancel - abandon the current lookup\n")
	b.WriteString("/ping - liveness check\n")
	if isOwner {
		b.WriteString("\n🔧 <b>Admin</b>\n")
		b.WriteString("/addbalance &lt;user_id&gt; &lt;amount&gt;\n")
		b.WriteString("/addservice &lt;id&gt; &lt;price&gt; &lt;category&gt; &lt;title&gt;\n")
		b.WriteString("/removeservice &lt;id&gt;\n")
		b.WriteString("/listservices\n")
		b.WriteString("/listusers\n")
		b.WriteString("/stats\n")
		b.WriteString("/broadcast &lt;message&gt;\n")
		b.WriteString("/autopinger_start /autopinger_stop /autopinger_status\n")
	}
	return text(b.String())
}

// Pong answers /ping.
func Pong() Reply { return text("🏓 pong") }

// Cancelled confirms /cancel.
func Cancelled() Reply { return menu("✖️ Lookup cancelled.") }

// Balance shows the user's current funds.
func Balance(balance decimal.Decimal) Reply {
	return text(fmt.Sprintf("💳 <b>Balance:</b> $%s", balance.StringFixed(2)))
}

// Account is the /account summary: identity, balance and recent lookups.
func Account(userID int64, balance decimal.Decimal, recent []ledger.QueryRecord) Reply {
	var b strings.Builder
	b.WriteString("👤 <b>Account</b>\n")
	b.WriteString("━━━━━━━━━━━━━━━━━━━━\n")
	b.WriteString(fmt.Sprintf("🆔 <b>ID:</b> <code>%d</code>\n", userID))
	b.WriteString(fmt.Sprintf("💳 <b>Balance:</b> $%s\n", balance.StringFixed(2)))
	if len(recent) > 0 {
		b.WriteString("\n🕓 <b>Recent lookups:</b>\n")
		for _, q := range recent {
			mark := "✅"
			if !q.Success {
				mark = "❌"
			}
			b.WriteString(fmt.Sprintf("%s %s · ...%s · $%s\n",
				mark, html.EscapeString(q.ServiceTitle), q.IMEITail, q.Price.StringFixed(2)))
		}
	}
	return text(b.String())
}

// Categories asks the user to pick a service category.
func Categories(categories []string) Reply {
	if len(categories) == 0 {
		return menu("😕 No services are configured yet. Please try again later.")
	}
	opts := make([]Option, 0, len(categories))
	for _, c := range categories {
		opts = append(opts, Option{Key: c, Label: html.EscapeString(c)})
	}
	return options("🗂 <b>Pick a category:</b>", opts)
}

// Services asks the user to pick a priced service within a category.
func Services(services []catalog.Service) Reply {
	if len(services) == 0 {
		return menu("😕 No services in this category.")
	}
	opts := make([]Option, 0, len(services))
	for _, s := range services {
		opts = append(opts, Option{
			Key:   s.ID,
			Label: fmt.Sprintf("%s - $%s", s.Title, s.Price.StringFixed(2)),
		})
	}
	return options("🔍 <b>Pick a service:</b>", opts)
}

// AskIdentifier prompts for the IMEI after a service is chosen.
func AskIdentifier(svc catalog.Service) Reply {
	return text(fmt.Sprintf(
		"📟 <b>%s</b> ($%s)\n\nSend me the 15-digit IMEI. Dial <code>*#06#</code> on the phone to find it.",
		html.EscapeString(svc.Title), svc.Price.StringFixed(2),
	))
}

// Processing acknowledges the lookup while the provider call is in flight.
func Processing(svc catalog.Service) Reply {
	return text(fmt.Sprintf("⏳ Running <b>%s</b>... this can take a few seconds.", html.EscapeString(svc.Title)))
}

// LookupResult renders a completed provider lookup together with the user's
// balance after the charge.
func LookupResult(res checker.Result, svc catalog.Service, balanceLeft decimal.Decimal) Reply {
	var b strings.Builder
	b.WriteString("📱 <b>IMEI Lookup</b>\n")
	b.WriteString("━━━━━━━━━━━━━━━━━━━━\n")
	b.WriteString(fmt.Sprintf("🔍 <b>Service:</b> %s\n", html.EscapeString(svc.Title)))
	b.WriteString(fmt.Sprintf("📟 <b>IMEI:</b> <code>%s</code>\n", html.EscapeString(res.Identifier)))

	if res.Status == checker.StatusNotFound {
		b.WriteString("⚡ <b>Status:</b> no record found\n")
	} else {
		b.WriteString("⚡ <b>Status:</b> found\n")
	}
	b.WriteString(fmt.Sprintf("💰 <b>Charged:</b> $%s\n", svc.Price.StringFixed(2)))
	b.WriteString(fmt.Sprintf("💳 <b>Balance left:</b> $%s\n", balanceLeft.StringFixed(2)))

	if detail := CleanDetail(res.Detail); detail != "" && res.Status == checker.StatusFound {
		b.WriteString("\n📋 <b>Details:</b>\n<pre>")
		if len(detail) > detailLimit {
			b.WriteString(html.EscapeString(detail[:detailLimit]))
			b.WriteString("</pre>\n<i>... (result truncated)</i>")
		} else {
			b.WriteString(html.EscapeString(detail))
			b.WriteString("</pre>")
		}
	}
	return menu(b.String())
}

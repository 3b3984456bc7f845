package reply

import (
	"fmt"
	"html"
	"strings"

	"github.com/shopspring/decimal"

	"imeibot/internal/autopinger"
	"imeibot/internal/catalog"
	"imeibot/internal/ledger"
)

// Usage explains an admin command's argument shape after a bad invocation.
func Usage(usage string) Reply {
	return text(fmt.Sprintf("⚠️ Usage: <code>%s</code>", html.EscapeString(usage)))
}

// BalanceAdded confirms a manual credit.
func BalanceAdded(userID int64, amount, newBalance decimal.Decimal) Reply {
	return text(fmt.Sprintf(
		"✅ Credited <b>$%s</b> to <code>%d</code>. New balance: <b>$%s</b>.",
		amount.StringFixed(2), userID, newBalance.StringFixed(2),
	))
}

// ServiceAdded confirms a catalog insert.
func ServiceAdded(svc catalog.Service) Reply {
	return text(fmt.Sprintf(
		"✅ Added <b>%s</b> (<code>%s</code>, %s) at $%s.",
		html.EscapeString(svc.Title), html.EscapeString(svc.ID),
		html.EscapeString(svc.Category), svc.Price.StringFixed(2),
	))
}

// ServiceRemoved confirms a catalog delete.
func ServiceRemoved(id string) Reply {
	return text(fmt.Sprintf("🗑 Removed service <code>%s</code>.", html.EscapeString(id)))
}

// ServiceList renders the full catalog for the admin.
func ServiceList(services []catalog.Service) Reply {
	if len(services) == 0 {
		return text("📭 The catalog is empty.")
	}
	var b strings.Builder
	b.WriteString("🗂 <b>Services</b>\n")
	b.WriteString("━━━━━━━━━━━━━━━━━━━━\n")
	for _, s := range services {
		b.WriteString(fmt.Sprintf("<code>%s</code> · %s · %s · $%s\n",
			html.EscapeString(s.ID), html.EscapeString(s.Category),
			html.EscapeString(s.Title), s.Price.StringFixed(2)))
	}
	return text(b.String())
}

// UserList renders registered users for the admin.
func UserList(users []ledger.User) Reply {
	if len(users) == 0 {
		return text("📭 No users yet.")
	}
	var b strings.Builder
	b.WriteString("👥 <b>Users</b>\n")
	b.WriteString("━━━━━━━━━━━━━━━━━━━━\n")
	for _, u := range users {
		name := u.Username.String
		if name == "" {
			name = strings.TrimSpace(u.FirstName.String + " " + u.LastName.String)
		}
		if name == "" {
			name = "unknown"
		}
		b.WriteString(fmt.Sprintf("<code>%d</code> · %s · $%s\n",
			u.ID, html.EscapeString(name), u.Balance.StringFixed(2)))
	}
	return text(b.String())
}

// Stats is the /stats summary.
func Stats(users, queries, services int64, totalBalance decimal.Decimal) Reply {
	return text(fmt.Sprintf(
		"📊 <b>Stats</b>\n"+
			"━━━━━━━━━━━━━━━━━━━━\n"+
			"👥 <b>Users:</b> %d\n"+
			"🔍 <b>Lookups:</b> %d\n"+
			"🗂 <b>Services:</b> %d\n"+
			"💰 <b>Total balance:</b> $%s",
		users, queries, services, totalBalance.StringFixed(2),
	))
}

// BroadcastQueued confirms how many recipients a broadcast was fanned out to.
func BroadcastQueued(recipients int) Reply {
	return text(fmt.Sprintf("📣 Broadcast queued for <b>%d</b> users.", recipients))
}

// PingerStatus renders the keep-alive loop snapshot.
func PingerStatus(st autopinger.Status) Reply {
	var b strings.Builder
	b.WriteString("📡 <b>Autopinger</b>\n")
	b.WriteString("━━━━━━━━━━━━━━━━━━━━\n")
	b.WriteString(fmt.Sprintf("⚙️ <b>Enabled:</b> %v\n", st.Enabled))
	b.WriteString(fmt.Sprintf("▶️ <b>Running:</b> %v\n", st.Running))
	if st.URL != "" {
		b.WriteString(fmt.Sprintf("🌐 <b>URL:</b> %s\n", html.EscapeString(st.URL)))
	}
	b.WriteString(fmt.Sprintf("⏲ <b>Interval:</b> %s\n", st.Interval))
	b.WriteString(fmt.Sprintf("✅ <b>Pings:</b> %d\n", st.PingCount))
	b.WriteString(fmt.Sprintf("❌ <b>Failures:</b> %d\n", st.FailureCount))
	if !st.LastPing.IsZero() {
		b.WriteString(fmt.Sprintf("🕓 <b>Last ping:</b> %s\n", st.LastPing.Format("2006-01-02 15:04:05 MST")))
	}
	if st.LastError != "" {
		b.WriteString(fmt.Sprintf("⚠️ <b>Last error:</b> %s\n", html.EscapeString(st.LastError)))
	}
	return text(b.String())
}

// PingerStarted acknowledges the admin start toggle.
func PingerStarted() Reply { return text("📡 Autopinger started.") }

// PingerStopped acknowledges the admin stop toggle.
func PingerStopped() Reply { return text("📡 Autopinger stopped.") }

package reply

import (
	"errors"
	"html"
	"regexp"
	"strings"

	"imeibot/internal/catalog"
	"imeibot/internal/checker"
	"imeibot/internal/imei"
	"imeibot/internal/ledger"
)

var (
	tagRe = regexp.MustCompile(`<[^>]*>`)
	brRe  = regexp.MustCompile(`(?i)<br\s*/?>`)
)

// Failure renders any domain error as a user-facing message. Unrecognized
// errors get a generic apology so internals never leak into chat.
func Failure(err error) Reply {
	var provErr *checker.ProviderError
	switch {
	case errors.Is(err, imei.ErrLength):
		return text("❌ That doesn't look like an IMEI. I need exactly <b>15 digits</b>. Dial <code>*#06#</code> to find it.")
	case errors.Is(err, imei.ErrChecksum):
		return text("❌ The check digit doesn't match. Please re-read the IMEI and try again.")
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return menu("💸 <b>Insufficient balance</b> for this service. Top up and try again.")
	case errors.Is(err, catalog.ErrNotFound):
		return menu("😕 That service is no longer available. Pick another one.")
	case errors.Is(err, catalog.ErrDuplicateID):
		return text("⚠️ A service with that ID already exists.")
	case errors.Is(err, catalog.ErrInvalidPrice):
		return text("⚠️ The price must be greater than zero.")
	case errors.As(err, &provErr):
		return providerFailure(provErr)
	}
	return menu("❌ Something went wrong. You were not charged. Please try again.")
}

// Unauthorized is the only reply non-admins get for admin commands.
func Unauthorized() Reply {
	return text("🚫 This command is for the bot administrator.")
}

// Unknown answers commands the bot does not recognize.
func Unknown() Reply {
	return menu("🤔 I don't know that command. Type /help to see what I can do.")
}

func providerFailure(err *checker.ProviderError) Reply {
	switch err.Kind {
	case checker.FailTimeout:
		return menu("⏱ The lookup service took too long to answer. <b>You were refunded.</b> Please try again in a minute.")
	case checker.FailRateLimited:
		return menu("🚦 The lookup service is throttling requests. <b>You were refunded.</b> Please try again shortly.")
	case checker.FailAuth:
		return menu("🔐 The lookup service rejected our credentials. <b>You were refunded.</b> The administrator has been notified.")
	case checker.FailUnreachable:
		return menu("📡 The lookup service is unreachable right now. <b>You were refunded.</b> Please try again later.")
	default:
		return menu("❓ The lookup service sent an answer I couldn't read. <b>You were refunded.</b> Please try again.")
	}
}

// CleanDetail turns the provider's HTML result blob into plain text suitable
// for a <pre> block: <br> variants become newlines, remaining tags are
// stripped, entities decoded, blank lines dropped.
func CleanDetail(raw string) string {
	if raw == "" {
		return ""
	}
	s := html.UnescapeString(raw)
	s = strings.ReplaceAll(s, `<br>`, "\n")
	s = brRe.ReplaceAllString(s, "\n")
	s = tagRe.ReplaceAllString(s, "")

	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			lines = append(lines, trimmed)
		}
	}
	return strings.Join(lines, "\n")
}

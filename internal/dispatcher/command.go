package dispatcher

import (
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Command is a closed set of things a user can ask the bot to do. The
// transport layer produces Commands; Handle consumes them with an exhaustive
// type switch. New variants must be added here, not smuggled in as strings.
type Command interface{ isCommand() }

// Start opens the main menu.
type Start struct{}

// Help lists commands.
type Help struct{}

// Ping is the liveness command.
type Ping struct{}

// Cancel abandons any in-flight lookup conversation.
type Cancel struct{}

// Check begins the lookup conversation.
type Check struct{}

// ShowBalance shows the user's funds.
type ShowBalance struct{}

// ShowAccount shows the account summary.
type ShowAccount struct{}

// Select is an inline keyboard pick; Key is a category name or service ID
// depending on the conversation state.
type Select struct{ Key string }

// Input is free text, meaningful only while a lookup awaits an identifier.
type Input struct{ Text string }

// AddBalance credits a user (admin).
type AddBalance struct {
	UserID int64
	Amount decimal.Decimal
}

// AddService inserts a catalog entry (admin).
type AddService struct {
	ID       string
	Price    decimal.Decimal
	Category string
	Title    string
}

// RemoveService deletes a catalog entry (admin).
type RemoveService struct{ ID string }

// ListServices dumps the catalog (admin).
type ListServices struct{}

// ListUsers dumps registered users (admin).
type ListUsers struct{}

// ShowStats shows aggregate counters (admin).
type ShowStats struct{}

// Broadcast fans a message out to every active user (admin).
type Broadcast struct{ Message string }

// PingerStart starts the keep-alive loop (admin).
type PingerStart struct{}

// PingerStop stops the keep-alive loop (admin).
type PingerStop struct{}

// PingerStatus reports the keep-alive loop state (admin).
type PingerStatus struct{}

// BadUsage is produced by ParseCommand when a known command has malformed
// arguments; Usage is the correct shape.
type BadUsage struct{ Usage string }

// Unknown is any slash command the bot does not recognize.
type Unknown struct{ Raw string }

func (Start) isCommand()         {}
func (Help) isCommand()          {}
func (Ping) isCommand()          {}
func (Cancel) isCommand()        {}
func (Check) isCommand()         {}
func (ShowBalance) isCommand()   {}
func (ShowAccount) isCommand()   {}
func (Select) isCommand()        {}
func (Input) isCommand()         {}
func (AddBalance) isCommand()    {}
func (AddService) isCommand()    {}
func (RemoveService) isCommand() {}
func (ListServices) isCommand()  {}
func (ListUsers) isCommand()     {}
func (ShowStats) isCommand()     {}
func (Broadcast) isCommand()     {}
func (PingerStart) isCommand()   {}
func (PingerStop) isCommand()    {}
func (PingerStatus) isCommand()  {}
func (BadUsage) isCommand()      {}
func (Unknown) isCommand()       {}

// ParseCommand turns a raw message text into a Command. Slash commands may
// carry a @botname suffix; anything that is not a slash command becomes
// Input and is interpreted by the conversation state.
func ParseCommand(raw string) Command {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "/") {
		return Input{Text: raw}
	}

	fields := strings.Fields(raw)
	name := strings.TrimPrefix(fields[0], "/")
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	args := fields[1:]

	switch strings.ToLower(name) {
	case "start":
		return Start{}
	case "help":
		return Help{}
	case "ping":
		return Ping{}
	case "cancel":
		return Cancel{}
	case "check":
		return Check{}
	case "balance":
		return ShowBalance{}
	case "account":
		return ShowAccount{}
	case "addbalance":
		return parseAddBalance(args)
	case "addservice":
		return parseAddService(args)
	case "removeservice":
		if len(args) != 1 {
			return BadUsage{Usage: "/removeservice <id>"}
		}
		return RemoveService{ID: args[0]}
	case "listservices":
		return ListServices{}
	case "listusers":
		return ListUsers{}
	case "stats":
		return ShowStats{}
	case "broadcast":
		if len(args) == 0 {
			return BadUsage{Usage: "/broadcast <message>"}
		}
		return Broadcast{Message: strings.Join(args, " ")}
	case "autopinger_start":
		return PingerStart{}
	case "autopinger_stop":
		return PingerStop{}
	case "autopinger_status":
		return PingerStatus{}
	}
	return Unknown{Raw: raw}
}

func parseAddBalance(args []string) Command {
	const usage = "/addbalance <user_id> <amount>"
	if len(args) != 2 {
		return BadUsage{Usage: usage}
	}
	userID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return BadUsage{Usage: usage}
	}
	amount, err := decimal.NewFromString(args[1])
	if err != nil || !amount.IsPositive() {
		return BadUsage{Usage: usage}
	}
	return AddBalance{UserID: userID, Amount: amount}
}

func parseAddService(args []string) Command {
	const usage = "/addservice <id> <price> <category> <title>"
	if len(args) < 4 {
		return BadUsage{Usage: usage}
	}
	price, err := decimal.NewFromString(args[1])
	if err != nil || !price.IsPositive() {
		return BadUsage{Usage: usage}
	}
	return AddService{
		ID:       args[0],
		Price:    price,
		Category: args[2],
		Title:    strings.Join(args[3:], " "),
	}
}

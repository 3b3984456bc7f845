// Package dispatcher turns parsed commands into replies. It owns the
// per-user conversation state and the debit/lookup/settle money flow; the
// transport layer only parses updates and delivers replies.
package dispatcher

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"imeibot/core/logger"
	"imeibot/internal/autopinger"
	"imeibot/internal/catalog"
	"imeibot/internal/checker"
	"imeibot/internal/imei"
	"imeibot/internal/ledger"
	"imeibot/internal/metrics"
	"imeibot/internal/reply"
)

// Ledger is the balance and audit surface the dispatcher needs.
type Ledger interface {
	Touch(ctx context.Context, id int64, username, firstName, lastName string) (ledger.User, error)
	Balance(ctx context.Context, id int64) (decimal.Decimal, error)
	Debit(ctx context.Context, id int64, amount decimal.Decimal, ref string) (decimal.Decimal, error)
	Credit(ctx context.Context, id int64, amount decimal.Decimal) (decimal.Decimal, error)
	Settle(ctx context.Context, ref string) error
	Refund(ctx context.Context, ref string) (decimal.Decimal, error)
	RecordQuery(ctx context.Context, id int64, serviceTitle string, price decimal.Decimal, imei string, success bool) error
	RecentQueries(ctx context.Context, id int64, limit int) ([]ledger.QueryRecord, error)
	CountUsers(ctx context.Context) (int64, error)
	CountQueries(ctx context.Context) (int64, error)
	TotalBalance(ctx context.Context) (decimal.Decimal, error)
	ListUserIDs(ctx context.Context) ([]int64, error)
	ListUsers(ctx context.Context) ([]ledger.User, error)
}

// Catalog is the priced service directory.
type Catalog interface {
	Get(ctx context.Context, id string) (catalog.Service, error)
	List(ctx context.Context) ([]catalog.Service, error)
	ListByCategory(ctx context.Context, category string) ([]catalog.Service, error)
	Categories(ctx context.Context) ([]string, error)
	Add(ctx context.Context, id, title string, price decimal.Decimal, category string) error
	Remove(ctx context.Context, id string) error
	Count(ctx context.Context) (int64, error)
}

// Checker performs the paid provider lookup.
type Checker interface {
	Lookup(ctx context.Context, identifier, serviceID string) (checker.Result, error)
}

// Pinger controls the keep-alive loop.
type Pinger interface {
	Start()
	Stop()
	Status() autopinger.Status
}

// Broadcaster queues outbound messages for asynchronous delivery. Enqueue
// reports false when the queue is full.
type Broadcaster interface {
	Enqueue(chatID int64, text string) bool
}

// Notifier pushes an out-of-band message to a chat ahead of the command's
// final reply. The Telegram adapter implements it with a plain send.
type Notifier interface {
	Send(chatID int64, text string) error
}

// Profile identifies the sender of an update.
type Profile struct {
	ID        int64
	Username  string
	FirstName string
	LastName  string
}

// Dispatcher routes commands. Handle is safe for arbitrary concurrent
// callers; commands from one user never interleave.
type Dispatcher struct {
	ownerID     int64
	ledger      Ledger
	catalog     Catalog
	checker     Checker
	pinger      Pinger
	broadcaster Broadcaster
	notifier    Notifier

	sessions *sessionManager
	lanes    *laneSet
}

// New wires a Dispatcher from its collaborators.
func New(ownerID int64, l Ledger, c Catalog, ch Checker, p Pinger, b Broadcaster, n Notifier) *Dispatcher {
	return &Dispatcher{
		ownerID:     ownerID,
		ledger:      l,
		catalog:     c,
		checker:     ch,
		pinger:      p,
		broadcaster: b,
		notifier:    n,
		sessions:    newSessionManager(),
		lanes:       newLaneSet(),
	}
}

// Handle executes one command for one user and returns the reply to deliver.
func (d *Dispatcher) Handle(ctx context.Context, from Profile, cmd Command) reply.Reply {
	lane := d.lanes.acquire(from.ID)
	lane.Lock()
	defer lane.Unlock()

	if _, err := d.ledger.Touch(ctx, from.ID, from.Username, from.FirstName, from.LastName); err != nil {
		logger.Ctx(ctx, logger.Bot).Warn("profile touch failed",
			slog.String("event", "bot.touch.fail"),
			slog.Int64("user_id", from.ID),
			slog.String("error", err.Error()),
		)
	}
	metrics.CommandsTotal.WithLabelValues(commandName(cmd)).Inc()

	switch c := cmd.(type) {
	case Start:
		d.sessions.clear(from.ID)
		return reply.Welcome(from.FirstName)
	case Help:
		return reply.Help(d.isOwner(from.ID))
	case Ping:
		return reply.Pong()
	case Cancel:
		d.sessions.clear(from.ID)
		return reply.Cancelled()
	case Check:
		return d.beginLookup(ctx, from.ID)
	case ShowBalance:
		bal, err := d.ledger.Balance(ctx, from.ID)
		if err != nil {
			return d.internalError(ctx, from.ID, err)
		}
		return reply.Balance(bal)
	case ShowAccount:
		return d.account(ctx, from.ID)
	case Select:
		return d.handleSelect(ctx, from.ID, c.Key)
	case Input:
		return d.handleInput(ctx, from.ID, c.Text)
	case BadUsage:
		if !d.isOwner(from.ID) {
			return reply.Unauthorized()
		}
		return reply.Usage(c.Usage)
	case AddBalance:
		return d.admin(ctx, from.ID, func() reply.Reply { return d.addBalance(ctx, c) })
	case AddService:
		return d.admin(ctx, from.ID, func() reply.Reply { return d.addService(ctx, c) })
	case RemoveService:
		return d.admin(ctx, from.ID, func() reply.Reply { return d.removeService(ctx, c) })
	case ListServices:
		return d.admin(ctx, from.ID, func() reply.Reply { return d.listServices(ctx) })
	case ListUsers:
		return d.admin(ctx, from.ID, func() reply.Reply { return d.listUsers(ctx) })
	case ShowStats:
		return d.admin(ctx, from.ID, func() reply.Reply { return d.stats(ctx) })
	case Broadcast:
		return d.admin(ctx, from.ID, func() reply.Reply { return d.broadcast(ctx, c.Message) })
	case PingerStart:
		return d.admin(ctx, from.ID, func() reply.Reply {
			d.pinger.Start()
			// Start is a no-op when the loop is disabled; report what
			// actually happened rather than assuming.
			if st := d.pinger.Status(); !st.Running {
				return reply.PingerStatus(st)
			}
			return reply.PingerStarted()
		})
	case PingerStop:
		return d.admin(ctx, from.ID, func() reply.Reply {
			d.pinger.Stop()
			return reply.PingerStopped()
		})
	case PingerStatus:
		return d.admin(ctx, from.ID, func() reply.Reply { return reply.PingerStatus(d.pinger.Status()) })
	case Unknown:
		return reply.Unknown()
	}
	return reply.Unknown()
}

func (d *Dispatcher) isOwner(userID int64) bool {
	return d.ownerID != 0 && userID == d.ownerID
}

// admin runs fn only for the configured owner; everyone else gets the same
// refusal with no state change.
func (d *Dispatcher) admin(ctx context.Context, userID int64, fn func() reply.Reply) reply.Reply {
	if !d.isOwner(userID) {
		logger.Ctx(ctx, logger.Bot).Warn("unauthorized admin command",
			slog.String("event", "bot.admin.denied"),
			slog.Int64("user_id", userID),
		)
		return reply.Unauthorized()
	}
	return fn()
}

func (d *Dispatcher) internalError(ctx context.Context, userID int64, err error) reply.Reply {
	logger.Ctx(ctx, logger.Bot).Error("command failed",
		slog.String("event", "bot.command.fail"),
		slog.Int64("user_id", userID),
		slog.String("error", err.Error()),
	)
	return reply.Failure(err)
}

func (d *Dispatcher) account(ctx context.Context, userID int64) reply.Reply {
	bal, err := d.ledger.Balance(ctx, userID)
	if err != nil {
		return d.internalError(ctx, userID, err)
	}
	recent, err := d.ledger.RecentQueries(ctx, userID, 5)
	if err != nil {
		return d.internalError(ctx, userID, err)
	}
	return reply.Account(userID, bal, recent)
}

// beginLookup starts the conversation: category first, then service, then
// the identifier itself.
func (d *Dispatcher) beginLookup(ctx context.Context, userID int64) reply.Reply {
	categories, err := d.catalog.Categories(ctx)
	if err != nil {
		return d.internalError(ctx, userID, err)
	}
	if len(categories) == 0 {
		d.sessions.clear(userID)
		return reply.Categories(nil)
	}
	d.sessions.set(userID, session{state: StateAwaitingCategory})
	return reply.Categories(categories)
}

func (d *Dispatcher) handleSelect(ctx context.Context, userID int64, key string) reply.Reply {
	s := d.sessions.get(userID)
	switch s.state {
	case StateAwaitingCategory:
		services, err := d.catalog.ListByCategory(ctx, key)
		if err != nil {
			return d.internalError(ctx, userID, err)
		}
		if len(services) == 0 {
			return reply.Services(nil)
		}
		d.sessions.set(userID, session{state: StateAwaitingService, category: key})
		return reply.Services(services)
	case StateAwaitingService:
		svc, err := d.catalog.Get(ctx, key)
		if err != nil {
			if errors.Is(err, catalog.ErrNotFound) {
				d.sessions.clear(userID)
			}
			return d.internalError(ctx, userID, err)
		}
		d.sessions.set(userID, session{state: StateAwaitingIdentifier, category: s.category, serviceID: svc.ID})
		return reply.AskIdentifier(svc)
	}
	return reply.Unknown()
}

func (d *Dispatcher) handleInput(ctx context.Context, userID int64, text string) reply.Reply {
	s := d.sessions.get(userID)
	if s.state != StateAwaitingIdentifier {
		return reply.Unknown()
	}
	return d.runLookup(ctx, userID, s, text)
}

// runLookup is the money path: validate, debit with a pending entry, call
// the provider, then settle or refund. A provider failure always refunds the
// exact debited amount before the user sees the error.
func (d *Dispatcher) runLookup(ctx context.Context, userID int64, s session, raw string) reply.Reply {
	identifier, err := imei.Validate(raw)
	if err != nil {
		// Bad input costs nothing and the conversation stays open.
		return reply.Failure(err)
	}

	svc, err := d.catalog.Get(ctx, s.serviceID)
	if err != nil {
		d.sessions.clear(userID)
		return d.internalError(ctx, userID, err)
	}

	d.sessions.set(userID, session{state: StateProcessing, category: s.category, serviceID: s.serviceID})
	defer d.sessions.clear(userID)

	// Let the user know the paid call is in flight before money moves.
	d.notify(ctx, userID, reply.Processing(svc))

	ref := newRef(userID)
	balanceLeft, err := d.ledger.Debit(ctx, userID, svc.Price, ref)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			return reply.Failure(err)
		}
		return d.internalError(ctx, userID, err)
	}
	metrics.DebitsTotal.Inc()

	start := time.Now()
	res, err := d.checker.Lookup(ctx, identifier, svc.ID)
	metrics.LookupDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return d.compensate(ctx, userID, svc, identifier, ref, err)
	}
	metrics.LookupsTotal.WithLabelValues(string(res.Status)).Inc()

	if err := d.ledger.Settle(ctx, ref); err != nil {
		// The pending entry stays behind for the recovery sweep; the user
		// already paid and got an answer, so only log it.
		logger.Ctx(ctx, logger.Bot).Error("settle failed",
			slog.String("event", "bot.settle.fail"),
			slog.String("ref", ref),
			slog.String("error", err.Error()),
		)
	}
	if err := d.ledger.RecordQuery(ctx, userID, svc.Title, svc.Price, identifier, res.Status == checker.StatusFound); err != nil {
		logger.Ctx(ctx, logger.Bot).Warn("query log failed",
			slog.String("event", "bot.querylog.fail"),
			slog.String("error", err.Error()),
		)
	}
	return reply.LookupResult(res, svc, balanceLeft)
}

// compensate refunds the pending debit after a provider failure.
func (d *Dispatcher) compensate(ctx context.Context, userID int64, svc catalog.Service, identifier, ref string, lookupErr error) reply.Reply {
	outcome := "error"
	var provErr *checker.ProviderError
	if errors.As(lookupErr, &provErr) {
		outcome = string(provErr.Kind)
	}
	metrics.LookupsTotal.WithLabelValues(outcome).Inc()

	if _, err := d.ledger.Refund(ctx, ref); err != nil {
		// Refund failure leaves the pending entry for the recovery sweep.
		logger.Ctx(ctx, logger.Bot).Error("refund failed",
			slog.String("event", "bot.refund.fail"),
			slog.String("ref", ref),
			slog.String("error", err.Error()),
		)
	} else {
		metrics.RefundsTotal.Inc()
	}

	if err := d.ledger.RecordQuery(ctx, userID, svc.Title, svc.Price, identifier, false); err != nil {
		logger.Ctx(ctx, logger.Bot).Warn("query log failed",
			slog.String("event", "bot.querylog.fail"),
			slog.String("error", err.Error()),
		)
	}

	logger.Ctx(ctx, logger.Bot).Warn("lookup failed, refunded",
		slog.String("event", "bot.lookup.refunded"),
		slog.Int64("user_id", userID),
		slog.String("service_id", svc.ID),
		slog.String("outcome", outcome),
	)
	return reply.Failure(lookupErr)
}

// notify delivers the interim ack; delivery trouble never blocks the lookup.
func (d *Dispatcher) notify(ctx context.Context, chatID int64, r reply.Reply) {
	if d.notifier == nil {
		return
	}
	if err := d.notifier.Send(chatID, r.Text); err != nil {
		logger.Ctx(ctx, logger.Bot).Warn("interim notice failed",
			slog.String("event", "bot.notify.fail"),
			slog.Int64("chat_id", chatID),
			slog.String("error", err.Error()),
		)
	}
}

func (d *Dispatcher) addBalance(ctx context.Context, c AddBalance) reply.Reply {
	newBalance, err := d.ledger.Credit(ctx, c.UserID, c.Amount)
	if err != nil {
		return d.internalError(ctx, c.UserID, err)
	}
	logger.Ctx(ctx, logger.Bot).Info("balance credited",
		slog.String("event", "bot.credit"),
		slog.Int64("user_id", c.UserID),
		slog.String("amount", c.Amount.String()),
	)
	return reply.BalanceAdded(c.UserID, c.Amount, newBalance)
}

func (d *Dispatcher) addService(ctx context.Context, c AddService) reply.Reply {
	if err := d.catalog.Add(ctx, c.ID, c.Title, c.Price, c.Category); err != nil {
		return reply.Failure(err)
	}
	return reply.ServiceAdded(catalog.Service{ID: c.ID, Title: c.Title, Price: c.Price, Category: c.Category})
}

func (d *Dispatcher) removeService(ctx context.Context, c RemoveService) reply.Reply {
	if err := d.catalog.Remove(ctx, c.ID); err != nil {
		return reply.Failure(err)
	}
	return reply.ServiceRemoved(c.ID)
}

func (d *Dispatcher) listServices(ctx context.Context) reply.Reply {
	services, err := d.catalog.List(ctx)
	if err != nil {
		return reply.Failure(err)
	}
	return reply.ServiceList(services)
}

func (d *Dispatcher) listUsers(ctx context.Context) reply.Reply {
	users, err := d.ledger.ListUsers(ctx)
	if err != nil {
		return reply.Failure(err)
	}
	return reply.UserList(users)
}

func (d *Dispatcher) stats(ctx context.Context) reply.Reply {
	users, err := d.ledger.CountUsers(ctx)
	if err != nil {
		return reply.Failure(err)
	}
	queries, err := d.ledger.CountQueries(ctx)
	if err != nil {
		return reply.Failure(err)
	}
	services, err := d.catalog.Count(ctx)
	if err != nil {
		return reply.Failure(err)
	}
	total, err := d.ledger.TotalBalance(ctx)
	if err != nil {
		return reply.Failure(err)
	}
	return reply.Stats(users, queries, services, total)
}

func (d *Dispatcher) broadcast(ctx context.Context, message string) reply.Reply {
	ids, err := d.ledger.ListUserIDs(ctx)
	if err != nil {
		return reply.Failure(err)
	}
	queued := 0
	for _, id := range ids {
		if d.broadcaster.Enqueue(id, message) {
			queued++
		} else {
			metrics.BroadcastsTotal.WithLabelValues("dropped").Inc()
		}
	}
	logger.Ctx(ctx, logger.Bot).Info("broadcast queued",
		slog.String("event", "bot.broadcast"),
		slog.Int("recipients", queued),
		slog.Int("total", len(ids)),
	)
	return reply.BroadcastQueued(queued)
}

// newRef builds a unique debit reference, prefixed with the user ID for
// traceability in the ledger table.
func newRef(userID int64) string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("%d-%d", userID, time.Now().UnixNano())
	}
	return fmt.Sprintf("%d-%s", userID, hex.EncodeToString(b[:]))
}

func commandName(cmd Command) string {
	switch cmd.(type) {
	case Start:
		return "start"
	case Help:
		return "help"
	case Ping:
		return "ping"
	case Cancel:
		return "cancel"
	case Check:
		return "check"
	case ShowBalance:
		return "balance"
	case ShowAccount:
		return "account"
	case Select:
		return "select"
	case Input:
		return "input"
	case AddBalance:
		return "addbalance"
	case AddService:
		return "addservice"
	case RemoveService:
		return "removeservice"
	case ListServices:
		return "listservices"
	case ListUsers:
		return "listusers"
	case ShowStats:
		return "stats"
	case Broadcast:
		return "broadcast"
	case PingerStart:
		return "autopinger_start"
	case PingerStop:
		return "autopinger_stop"
	case PingerStatus:
		return "autopinger_status"
	case BadUsage:
		return "bad_usage"
	}
	return "unknown"
}

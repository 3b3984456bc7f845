package dispatcher

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imeibot/internal/autopinger"
	"imeibot/internal/catalog"
	"imeibot/internal/checker"
	"imeibot/internal/ledger"
	"imeibot/internal/reply"
)

const (
	ownerID   = int64(1000)
	userID    = int64(42)
	validIMEI = "490154203237518"
)

type fakeLedger struct {
	mu       sync.Mutex
	balances map[int64]decimal.Decimal
	pending  map[string]pendingEntry // ref -> debit awaiting settle/refund
	settled  []string
	refunded []string
	queries  []bool
}

type pendingEntry struct {
	userID int64
	amount decimal.Decimal
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		balances: make(map[int64]decimal.Decimal),
		pending:  make(map[string]pendingEntry),
	}
}

func (f *fakeLedger) Touch(_ context.Context, id int64, _, _, _ string) (ledger.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.balances[id]; !ok {
		f.balances[id] = decimal.Zero
	}
	return ledger.User{ID: id, Balance: f.balances[id]}, nil
}

func (f *fakeLedger) Balance(_ context.Context, id int64) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[id], nil
}

func (f *fakeLedger) Debit(_ context.Context, id int64, amount decimal.Decimal, ref string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	bal := f.balances[id]
	if bal.LessThan(amount) {
		return decimal.Zero, ledger.ErrInsufficientFunds
	}
	bal = bal.Sub(amount)
	f.balances[id] = bal
	f.pending[ref] = pendingEntry{userID: id, amount: amount}
	return bal, nil
}

func (f *fakeLedger) Credit(_ context.Context, id int64, amount decimal.Decimal) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	bal := f.balances[id].Add(amount)
	f.balances[id] = bal
	return bal, nil
}

func (f *fakeLedger) Settle(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.pending[ref]; !ok {
		return ledger.ErrUnknownRef
	}
	delete(f.pending, ref)
	f.settled = append(f.settled, ref)
	return nil
}

func (f *fakeLedger) Refund(_ context.Context, ref string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.pending[ref]
	if !ok {
		return decimal.Zero, ledger.ErrUnknownRef
	}
	delete(f.pending, ref)
	f.refunded = append(f.refunded, ref)
	bal := f.balances[entry.userID].Add(entry.amount)
	f.balances[entry.userID] = bal
	return bal, nil
}

func (f *fakeLedger) RecordQuery(_ context.Context, _ int64, _ string, _ decimal.Decimal, _ string, success bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, success)
	return nil
}

func (f *fakeLedger) RecentQueries(context.Context, int64, int) ([]ledger.QueryRecord, error) {
	return nil, nil
}
func (f *fakeLedger) CountUsers(context.Context) (int64, error)   { return int64(len(f.balances)), nil }
func (f *fakeLedger) CountQueries(context.Context) (int64, error) { return int64(len(f.queries)), nil }
func (f *fakeLedger) TotalBalance(context.Context) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := decimal.Zero
	for _, b := range f.balances {
		total = total.Add(b)
	}
	return total, nil
}

func (f *fakeLedger) ListUserIDs(context.Context) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]int64, 0, len(f.balances))
	for id := range f.balances {
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *fakeLedger) ListUsers(context.Context) ([]ledger.User, error) { return nil, nil }

type fakeCatalog struct {
	mu       sync.Mutex
	services map[string]catalog.Service
}

func newFakeCatalog() *fakeCatalog {
	price := decimal.RequireFromString("1.50")
	return &fakeCatalog{services: map[string]catalog.Service{
		"21": {ID: "21", Title: "Full Check", Price: price, Category: "Apple"},
	}}
}

func (f *fakeCatalog) Get(_ context.Context, id string) (catalog.Service, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	svc, ok := f.services[id]
	if !ok {
		return catalog.Service{}, catalog.ErrNotFound
	}
	return svc, nil
}

func (f *fakeCatalog) List(context.Context) ([]catalog.Service, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]catalog.Service, 0, len(f.services))
	for _, s := range f.services {
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeCatalog) ListByCategory(_ context.Context, category string) ([]catalog.Service, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []catalog.Service
	for _, s := range f.services {
		if s.Category == category {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeCatalog) Categories(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for _, s := range f.services {
		if !seen[s.Category] {
			seen[s.Category] = true
			out = append(out, s.Category)
		}
	}
	return out, nil
}

func (f *fakeCatalog) Add(_ context.Context, id, title string, price decimal.Decimal, category string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.services[id]; ok {
		return catalog.ErrDuplicateID
	}
	f.services[id] = catalog.Service{ID: id, Title: title, Price: price, Category: category}
	return nil
}

func (f *fakeCatalog) Remove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.services[id]; !ok {
		return catalog.ErrNotFound
	}
	delete(f.services, id)
	return nil
}

func (f *fakeCatalog) Count(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.services)), nil
}

type fakeChecker struct {
	mu     sync.Mutex
	calls  int
	result checker.Result
	err    error
}

func (f *fakeChecker) Lookup(_ context.Context, identifier, _ string) (checker.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return checker.Result{}, f.err
	}
	res := f.result
	res.Identifier = identifier
	return res, nil
}

type fakePinger struct{ disabled, started, stopped bool }

func (f *fakePinger) Start() {
	if !f.disabled {
		f.started = true
	}
}

func (f *fakePinger) Stop() { f.stopped = true }

func (f *fakePinger) Status() autopinger.Status {
	return autopinger.Status{Enabled: !f.disabled, Running: f.started}
}

type fakeBroadcaster struct {
	mu   sync.Mutex
	sent []int64
}

func (f *fakeBroadcaster) Enqueue(chatID int64, _ string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, chatID)
	return true
}

type fakeNotifier struct {
	mu    sync.Mutex
	texts []string
}

func (f *fakeNotifier) Send(_ int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeNotifier) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

type fixture struct {
	d       *Dispatcher
	ledger  *fakeLedger
	catalog *fakeCatalog
	checker *fakeChecker
	pinger  *fakePinger
	bcast   *fakeBroadcaster
	notices *fakeNotifier
}

func newFixture() *fixture {
	f := &fixture{
		ledger:  newFakeLedger(),
		catalog: newFakeCatalog(),
		checker: &fakeChecker{result: checker.Result{Status: checker.StatusFound, Detail: "Model: Pixel 6"}},
		pinger:  &fakePinger{},
		bcast:   &fakeBroadcaster{},
		notices: &fakeNotifier{},
	}
	f.d = New(ownerID, f.ledger, f.catalog, f.checker, f.pinger, f.bcast, f.notices)
	return f
}

func user() Profile  { return Profile{ID: userID, FirstName: "Test"} }
func owner() Profile { return Profile{ID: ownerID, FirstName: "Owner"} }

// walk the conversation up to the identifier prompt.
func (f *fixture) startLookup(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	r := f.d.Handle(ctx, user(), Check{})
	require.Equal(t, reply.MarkupOptions, r.Markup)
	r = f.d.Handle(ctx, user(), Select{Key: "Apple"})
	require.Equal(t, reply.MarkupOptions, r.Markup)
	r = f.d.Handle(ctx, user(), Select{Key: "21"})
	require.Contains(t, r.Text, "15-digit")
}

func TestHandle_LookupHappyPath(t *testing.T) {
	f := newFixture()
	f.ledger.balances[userID] = decimal.RequireFromString("5.00")

	f.startLookup(t)
	r := f.d.Handle(context.Background(), user(), Input{Text: validIMEI})

	assert.Contains(t, r.Text, "Full Check")
	assert.Contains(t, r.Text, "$3.50") // 5.00 - 1.50
	assert.Contains(t, r.Text, "Pixel 6")
	assert.Len(t, f.ledger.settled, 1)
	assert.Empty(t, f.ledger.refunded)
	assert.Empty(t, f.ledger.pending)
	assert.Equal(t, []bool{true}, f.ledger.queries)
	assert.True(t, decimal.RequireFromString("3.50").Equal(f.ledger.balances[userID]))
}

func TestHandle_LookupSendsInterimNotice(t *testing.T) {
	f := newFixture()
	f.ledger.balances[userID] = decimal.RequireFromString("5.00")

	f.startLookup(t)
	require.Empty(t, f.notices.sent(), "no notice before the identifier arrives")

	f.d.Handle(context.Background(), user(), Input{Text: validIMEI})

	sent := f.notices.sent()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0], "Full Check")
}

func TestHandle_ProviderFailureRefundsExactly(t *testing.T) {
	f := newFixture()
	f.ledger.balances[userID] = decimal.RequireFromString("5.00")
	f.checker.err = &checker.ProviderError{Kind: checker.FailUnreachable}

	f.startLookup(t)
	r := f.d.Handle(context.Background(), user(), Input{Text: validIMEI})

	assert.Contains(t, r.Text, "refunded")
	assert.Len(t, f.ledger.refunded, 1)
	assert.Empty(t, f.ledger.settled)
	assert.Empty(t, f.ledger.pending)
	assert.True(t, decimal.RequireFromString("5.00").Equal(f.ledger.balances[userID]), "balance must be restored exactly")
	assert.Equal(t, []bool{false}, f.ledger.queries)
}

func TestHandle_InsufficientFundsSkipsProvider(t *testing.T) {
	f := newFixture()
	f.ledger.balances[userID] = decimal.RequireFromString("0.10")

	f.startLookup(t)
	r := f.d.Handle(context.Background(), user(), Input{Text: validIMEI})

	assert.Contains(t, r.Text, "Insufficient balance")
	assert.Equal(t, 0, f.checker.calls)
	assert.True(t, decimal.RequireFromString("0.10").Equal(f.ledger.balances[userID]))
}

func TestHandle_InvalidIdentifierCostsNothing(t *testing.T) {
	f := newFixture()
	f.ledger.balances[userID] = decimal.RequireFromString("5.00")

	f.startLookup(t)
	ctx := context.Background()

	r := f.d.Handle(ctx, user(), Input{Text: "12345"})
	assert.Contains(t, r.Text, "15 digits")
	assert.Equal(t, 0, f.checker.calls)
	assert.Empty(t, f.notices.sent(), "bad input gets no interim notice")
	assert.True(t, decimal.RequireFromString("5.00").Equal(f.ledger.balances[userID]))

	// The conversation stays open: a corrected identifier still works.
	r = f.d.Handle(ctx, user(), Input{Text: validIMEI})
	assert.Contains(t, r.Text, "Full Check")
	assert.Equal(t, 1, f.checker.calls)
}

func TestHandle_InputWhileIdleIsUnknown(t *testing.T) {
	f := newFixture()
	r := f.d.Handle(context.Background(), user(), Input{Text: validIMEI})
	assert.Contains(t, r.Text, "/help")
	assert.Equal(t, 0, f.checker.calls)
}

func TestHandle_CancelResetsConversation(t *testing.T) {
	f := newFixture()
	f.ledger.balances[userID] = decimal.RequireFromString("5.00")
	f.startLookup(t)

	ctx := context.Background()
	f.d.Handle(ctx, user(), Cancel{})
	r := f.d.Handle(ctx, user(), Input{Text: validIMEI})
	assert.Equal(t, 0, f.checker.calls)
	assert.Contains(t, r.Text, "/help")
}

func TestHandle_AdminCommandsRequireOwner(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	cmds := []Command{
		AddBalance{UserID: userID, Amount: decimal.New(1, 0)},
		AddService{ID: "x", Price: decimal.New(1, 0), Category: "c", Title: "t"},
		RemoveService{ID: "21"},
		ListServices{},
		ListUsers{},
		ShowStats{},
		Broadcast{Message: "hi"},
		PingerStart{},
		PingerStop{},
		PingerStatus{},
	}
	for _, cmd := range cmds {
		r := f.d.Handle(ctx, user(), cmd)
		assert.Contains(t, r.Text, "administrator", "command %T must be gated", cmd)
	}
	// Nothing changed under the non-admin's feet.
	assert.False(t, f.pinger.started)
	assert.Empty(t, f.bcast.sent)
	count, _ := f.catalog.Count(ctx)
	assert.Equal(t, int64(1), count)
}

func TestHandle_AdminAddBalanceAndService(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	r := f.d.Handle(ctx, owner(), AddBalance{UserID: userID, Amount: decimal.RequireFromString("10.00")})
	assert.Contains(t, r.Text, "$10.00")
	assert.True(t, decimal.RequireFromString("10.00").Equal(f.ledger.balances[userID]))

	r = f.d.Handle(ctx, owner(), AddService{ID: "99", Price: decimal.New(2, 0), Category: "Android", Title: "Blacklist"})
	assert.Contains(t, r.Text, "Blacklist")

	r = f.d.Handle(ctx, owner(), AddService{ID: "99", Price: decimal.New(2, 0), Category: "Android", Title: "Blacklist"})
	assert.Contains(t, r.Text, "already exists")
}

func TestHandle_Broadcast(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	// Seed two users by letting them talk to the bot.
	f.d.Handle(ctx, user(), Ping{})
	f.d.Handle(ctx, Profile{ID: 43}, Ping{})

	r := f.d.Handle(ctx, owner(), Broadcast{Message: "maintenance at noon"})
	assert.Contains(t, r.Text, "3") // both users plus the owner
	assert.Len(t, f.bcast.sent, 3)
}

func TestHandle_PingerControls(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	r := f.d.Handle(ctx, owner(), PingerStart{})
	assert.True(t, f.pinger.started)
	assert.Contains(t, r.Text, "started")

	r = f.d.Handle(ctx, owner(), PingerStatus{})
	assert.Contains(t, r.Text, "Running")

	f.d.Handle(ctx, owner(), PingerStop{})
	assert.True(t, f.pinger.stopped)
}

func TestHandle_PingerStartReportsDisabledLoop(t *testing.T) {
	f := newFixture()
	f.pinger.disabled = true

	r := f.d.Handle(context.Background(), owner(), PingerStart{})

	assert.NotContains(t, r.Text, "started")
	assert.Contains(t, r.Text, "Enabled:</b> false")
	assert.Contains(t, r.Text, "Running:</b> false")
}

func TestHandle_SameUserCommandsAreSerialized(t *testing.T) {
	f := newFixture()
	f.ledger.balances[userID] = decimal.RequireFromString("100.00")
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.d.Handle(ctx, user(), ShowBalance{})
		}()
	}
	wg.Wait()
	// No assertion beyond the race detector: concurrent same-user commands
	// must not corrupt session or ledger state.
	bal, err := f.ledger.Balance(ctx, userID)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("100.00").Equal(bal))
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		raw  string
		want Command
	}{
		{"/start", Start{}},
		{"/help@imeibot", Help{}},
		{"/ping", Ping{}},
		{"/balance", ShowBalance{}},
		{"/addbalance 42 5.00", AddBalance{UserID: 42, Amount: decimal.RequireFromString("5.00")}},
		{"/addbalance 42", BadUsage{Usage: "/addbalance <user_id> <amount>"}},
		{"/addbalance 42 -1", BadUsage{Usage: "/addbalance <user_id> <amount>"}},
		{"/addservice 21 1.50 Apple Full Check", AddService{ID: "21", Price: decimal.RequireFromString("1.50"), Category: "Apple", Title: "Full Check"}},
		{"/removeservice 21", RemoveService{ID: "21"}},
		{"/broadcast hello world", Broadcast{Message: "hello world"}},
		{"/autopinger_status", PingerStatus{}},
		{"/frobnicate", Unknown{Raw: "/frobnicate"}},
		{"490154203237518", Input{Text: "490154203237518"}},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got := ParseCommand(tt.raw)
			if want, ok := tt.want.(AddBalance); ok {
				g := got.(AddBalance)
				assert.Equal(t, want.UserID, g.UserID)
				assert.True(t, want.Amount.Equal(g.Amount))
				return
			}
			if want, ok := tt.want.(AddService); ok {
				g := got.(AddService)
				assert.True(t, want.Price.Equal(g.Price))
				g.Price = want.Price
				assert.Equal(t, want, g)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

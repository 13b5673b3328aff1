package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"printbridge/cloud"
	"printbridge/logger"
	"printbridge/printer"
)

type claimCall struct {
	jobType string
	keys    cloud.ClaimKeys
}

type completeCall struct {
	jobID   string
	success bool
	errMsg  string
}

type fakeClaims struct {
	mu        sync.Mutex
	deny      map[string]bool
	claims    []claimCall
	completes []completeCall
}

func (f *fakeClaims) Claim(_ context.Context, jobType string, keys cloud.ClaimKeys, _ int) cloud.ClaimResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claims = append(f.claims, claimCall{jobType, keys})
	if f.deny[jobType] {
		return cloud.ClaimResult{Success: false, Reason: "already_claimed"}
	}
	return cloud.ClaimResult{Success: true, JobID: "job-" + jobType}
}

func (f *fakeClaims) Complete(_ context.Context, jobID string, success bool, errMsg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completes = append(f.completes, completeCall{jobID, success, errMsg})
}

func (f *fakeClaims) Heartbeat(context.Context, cloud.HeartbeatInfo) error { return nil }

func (f *fakeClaims) claimCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.claims)
}

func (f *fakeClaims) lastComplete() (completeCall, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.completes) == 0 {
		return completeCall{}, false
	}
	return f.completes[len(f.completes)-1], true
}

type fakeFetcher struct {
	mu           sync.Mutex
	stations     []cloud.StationTicketPayload
	kitchenErr   error
	fetchedKinds []string
}

func (f *fakeFetcher) record(kind string) {
	f.mu.Lock()
	f.fetchedKinds = append(f.fetchedKinds, kind)
	f.mu.Unlock()
}

func (f *fakeFetcher) kinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.fetchedKinds...)
}

func (f *fakeFetcher) FetchKitchenTicket(context.Context, string) ([]byte, error) {
	f.record("kitchen")
	if f.kitchenErr != nil {
		return nil, f.kitchenErr
	}
	return []byte("kitchen"), nil
}

func (f *fakeFetcher) FetchCustomerTicket(context.Context, string) ([]byte, error) {
	f.record("customer")
	return []byte("customer"), nil
}

func (f *fakeFetcher) FetchAdditionTicket(_ context.Context, _, groupID string) ([]byte, error) {
	f.record("addition:" + groupID)
	return []byte("addition " + groupID), nil
}

func (f *fakeFetcher) FetchCashReport(context.Context, string) ([]byte, error) {
	f.record("report")
	return []byte("report"), nil
}

func (f *fakeFetcher) FetchStationTickets(context.Context, string) ([]cloud.StationTicketPayload, error) {
	f.record("stations")
	return f.stations, nil
}

type printCall struct {
	op      string
	role    printer.Role
	payload string
}

type fakePrinters struct {
	mu          sync.Mutex
	calls       []printCall
	failRole    printer.Role
	drawer      bool
	assignments map[printer.Role]bool
}

func (f *fakePrinters) PrintByRole(role printer.Role, data []byte, _ string) printer.PrintResult {
	f.mu.Lock()
	f.calls = append(f.calls, printCall{"print", role, string(data)})
	f.mu.Unlock()
	if role == f.failRole && f.failRole != "" {
		return printer.PrintResult{Success: false, Error: "printer offline", Retryable: true}
	}
	return printer.PrintResult{Success: true, PrinterID: "p1"}
}

func (f *fakePrinters) PrintStationTickets(tickets []printer.StationTicket) []printer.PrintResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	var results []printer.PrintResult
	for _, t := range tickets {
		f.calls = append(f.calls, printCall{"station:" + t.StationID, printer.RoleStation, string(t.Payload)})
		results = append(results, printer.PrintResult{Success: true, StationID: t.StationID})
	}
	return results
}

func (f *fakePrinters) OpenCashDrawer(role printer.Role) bool {
	f.mu.Lock()
	f.calls = append(f.calls, printCall{"drawer", role, ""})
	f.mu.Unlock()
	return true
}

func (f *fakePrinters) CashDrawerEnabled(printer.Role) bool { return f.drawer }

func (f *fakePrinters) HasAssignment(role printer.Role, _ string) bool {
	return f.assignments[role]
}

func (f *fakePrinters) StatusSummary() string { return "ready" }

func (f *fakePrinters) callList() []printCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]printCall(nil), f.calls...)
}

type fakeAlerts struct {
	mu     sync.Mutex
	alerts []cloud.AlertRow
}

func (f *fakeAlerts) BroadcastAlert(a cloud.AlertRow) {
	f.mu.Lock()
	f.alerts = append(f.alerts, a)
	f.mu.Unlock()
}

func (f *fakeAlerts) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.alerts)
}

type fakeFeed struct {
	events chan cloud.ChangeEvent
	status chan string
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{events: make(chan cloud.ChangeEvent, 16), status: make(chan string, 4)}
}

func (f *fakeFeed) Events() <-chan cloud.ChangeEvent { return f.events }
func (f *fakeFeed) Status() <-chan string            { return f.status }

type fakePoller struct {
	mu     sync.Mutex
	orders []cloud.Order
	polls  int
}

func (f *fakePoller) PollOrders(context.Context, time.Time) ([]cloud.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	return append([]cloud.Order(nil), f.orders...), nil
}

func (f *fakePoller) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

type testEnv struct {
	p        *Pipeline
	claims   *fakeClaims
	fetcher  *fakeFetcher
	printers *fakePrinters
	alerts   *fakeAlerts
	feed     *fakeFeed
	poller   *fakePoller
	cancel   context.CancelFunc
}

func newTestPipeline(t *testing.T) *testEnv {
	t.Helper()

	log := logger.New(logger.ERROR, "", 10)
	log.SetConsoleOutput(false)

	env := &testEnv{
		claims:   &fakeClaims{deny: make(map[string]bool)},
		fetcher:  &fakeFetcher{},
		printers: &fakePrinters{assignments: make(map[printer.Role]bool)},
		alerts:   &fakeAlerts{},
		feed:     newFakeFeed(),
		poller:   &fakePoller{},
	}

	p := New(env.claims, env.fetcher, env.printers, env.alerts, env.feed, env.poller, log)
	p.SubscribeTimeout = 50 * time.Millisecond
	p.PollInterval = 20 * time.Millisecond
	p.PollOverlap = 100 * time.Millisecond
	p.HeartbeatInterval = time.Hour
	p.DrainTimeout = time.Second
	env.p = p

	ctx, cancel := context.WithCancel(context.Background())
	env.cancel = cancel
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Error("pipeline never stopped")
		}
	})
	return env
}

func (e *testEnv) subscribe() {
	e.feed.status <- cloud.StatusSubscribed
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func orderInsert(t *testing.T, order cloud.Order) cloud.ChangeEvent {
	t.Helper()
	return cloud.ChangeEvent{Table: cloud.TableOrders, Type: cloud.EventInsert, New: rawRow(t, order)}
}

func TestOrderSplitsToStations(t *testing.T) {
	t.Parallel()

	env := newTestPipeline(t)
	env.fetcher.stations = []cloud.StationTicketPayload{
		{StationID: "s-grill", Payload: []byte("grill")},
		{StationID: "s-cold", Copies: 2, Payload: []byte("cold")},
	}
	env.subscribe()

	env.feed.events <- orderInsert(t, cloud.Order{ID: "o1", Table: "7"})

	waitFor(t, "station prints", func() bool { return len(env.printers.callList()) >= 2 })

	calls := env.printers.callList()
	if calls[0].op != "station:s-grill" || calls[1].op != "station:s-cold" {
		t.Errorf("station calls: %+v", calls)
	}

	waitFor(t, "completion", func() bool {
		c, ok := env.claims.lastComplete()
		return ok && c.success
	})

	// The combined kitchen ticket must not also print.
	for _, kind := range env.fetcher.kinds() {
		if kind == "kitchen" {
			t.Error("combined ticket fetched despite station split")
		}
	}
}

func TestOrderFallsBackToCombinedTicket(t *testing.T) {
	t.Parallel()

	env := newTestPipeline(t)
	env.subscribe()

	env.feed.events <- orderInsert(t, cloud.Order{ID: "o1"})

	waitFor(t, "kitchen print", func() bool {
		for _, c := range env.printers.callList() {
			if c.op == "print" && c.role == printer.RoleKitchenDefault {
				return true
			}
		}
		return false
	})
}

func TestLostClaimSkipsJob(t *testing.T) {
	t.Parallel()

	env := newTestPipeline(t)
	env.claims.deny[cloud.JobKitchenOrder] = true
	env.subscribe()

	env.feed.events <- orderInsert(t, cloud.Order{ID: "o1"})

	waitFor(t, "claim attempt", func() bool { return env.claims.claimCount() >= 1 })

	// Give the handler time to misbehave if it were going to.
	time.Sleep(50 * time.Millisecond)

	if kinds := env.fetcher.kinds(); len(kinds) != 0 {
		t.Errorf("lost claim must not fetch: %v", kinds)
	}
	if calls := env.printers.callList(); len(calls) != 0 {
		t.Errorf("lost claim must not print: %+v", calls)
	}
	if _, ok := env.claims.lastComplete(); ok {
		t.Error("lost claim must not be completed")
	}
}

func TestAdditionPartialOverlap(t *testing.T) {
	t.Parallel()

	env := newTestPipeline(t)
	env.subscribe()

	old := cloud.Order{ID: "o1", Items: []cloud.OrderItem{
		{ID: "i1", IsAddition: true, AdditionGroupID: "g1"},
	}}
	updated := cloud.Order{ID: "o1", Items: []cloud.OrderItem{
		{ID: "i1", IsAddition: true, AdditionGroupID: "g1"},
		{ID: "i2", IsAddition: true, AdditionGroupID: "g2"},
	}}
	env.feed.events <- cloud.ChangeEvent{
		Table: cloud.TableOrders,
		Type:  cloud.EventUpdate,
		New:   rawRow(t, updated),
		Old:   rawRow(t, old),
	}

	waitFor(t, "addition print", func() bool {
		for _, kind := range env.fetcher.kinds() {
			if kind == "addition:g2" {
				return true
			}
		}
		return false
	})

	for _, kind := range env.fetcher.kinds() {
		if kind == "addition:g1" {
			t.Error("pre-existing group must not reprint")
		}
	}
}

func TestCustomerTicketOpensDrawerAfterPrint(t *testing.T) {
	t.Parallel()

	env := newTestPipeline(t)
	env.printers.drawer = true
	env.subscribe()

	env.feed.events <- cloud.ChangeEvent{
		Table: cloud.TableTickets,
		Type:  cloud.EventInsert,
		New: rawRow(t, cloud.Ticket{
			ID: "t1", OrderID: "o1", TicketType: "customer",
			PrintRequestedAt: "2026-03-01T10:00:00Z",
		}),
	}

	waitFor(t, "drawer kick", func() bool {
		for _, c := range env.printers.callList() {
			if c.op == "drawer" {
				return true
			}
		}
		return false
	})

	calls := env.printers.callList()
	if len(calls) != 2 || calls[0].op != "print" || calls[1].op != "drawer" {
		t.Errorf("drawer must follow the receipt: %+v", calls)
	}
	if calls[0].role != printer.RoleCustomerTicket {
		t.Errorf("receipt role = %s", calls[0].role)
	}
}

func TestFailedCustomerPrintSkipsDrawer(t *testing.T) {
	t.Parallel()

	env := newTestPipeline(t)
	env.printers.drawer = true
	env.printers.failRole = printer.RoleCustomerTicket
	env.subscribe()

	env.feed.events <- cloud.ChangeEvent{
		Table: cloud.TableTickets,
		Type:  cloud.EventInsert,
		New: rawRow(t, cloud.Ticket{
			ID: "t1", OrderID: "o1", TicketType: "customer",
			PrintRequestedAt: "2026-03-01T10:00:00Z",
		}),
	}

	waitFor(t, "failed completion", func() bool {
		c, ok := env.claims.lastComplete()
		return ok && !c.success
	})

	for _, c := range env.printers.callList() {
		if c.op == "drawer" {
			t.Error("drawer must not open after a failed receipt")
		}
	}
}

func TestPollingFallbackExactlyOnce(t *testing.T) {
	t.Parallel()

	env := newTestPipeline(t)
	// Never subscribe; the pipeline must fall back to polling.
	env.poller.orders = []cloud.Order{{ID: "o1"}}

	waitFor(t, "repeated polls", func() bool { return env.poller.pollCount() >= 3 })
	waitFor(t, "order processed", func() bool { return env.claims.claimCount() >= 1 })

	// Overlapping polls keep returning the same order; the memo must keep it
	// to a single claim.
	time.Sleep(100 * time.Millisecond)
	if n := env.claims.claimCount(); n != 1 {
		t.Errorf("order claimed %d times across overlapping polls", n)
	}
	if env.p.Mode() != ModePolling {
		t.Errorf("mode = %s", env.p.Mode())
	}
}

func TestFeedLossEntersPollingAndRecovers(t *testing.T) {
	t.Parallel()

	env := newTestPipeline(t)
	env.subscribe()
	waitFor(t, "realtime mode", func() bool { return env.p.Mode() == ModeRealtime })

	before := env.poller.pollCount()
	env.feed.status <- cloud.StatusChannelError
	waitFor(t, "polling mode", func() bool { return env.p.Mode() == ModePolling })
	waitFor(t, "polls resume", func() bool { return env.poller.pollCount() > before })

	env.feed.status <- cloud.StatusSubscribed
	waitFor(t, "realtime recovery", func() bool { return env.p.Mode() == ModeRealtime })
}

func TestCashReportFiscalFallback(t *testing.T) {
	t.Parallel()

	env := newTestPipeline(t)
	env.printers.assignments[printer.RoleCustomerTicket] = true
	env.subscribe()

	env.feed.events <- cloud.ChangeEvent{
		Table: cloud.TableCashReports,
		Type:  cloud.EventInsert,
		New:   rawRow(t, cloud.CashReport{ID: "r1", PrintRequestedAt: "2026-03-01T22:00:00Z"}),
	}

	waitFor(t, "report print", func() bool { return len(env.printers.callList()) >= 1 })

	calls := env.printers.callList()
	if calls[0].role != printer.RoleCustomerTicket {
		t.Errorf("report without fiscal assignment should use customer_ticket, got %s", calls[0].role)
	}
}

func TestAlertBypassesPrinting(t *testing.T) {
	t.Parallel()

	env := newTestPipeline(t)
	env.subscribe()

	env.feed.events <- cloud.ChangeEvent{
		Table: cloud.TableAlerts,
		Type:  cloud.EventInsert,
		New:   rawRow(t, cloud.AlertRow{ID: "a1", Type: "waiter_called", Message: "Table 5", Priority: "high"}),
	}

	waitFor(t, "alert broadcast", func() bool { return env.alerts.count() == 1 })

	if env.claims.claimCount() != 0 {
		t.Error("alerts must not be claimed")
	}
	if len(env.printers.callList()) != 0 {
		t.Error("alerts must not print")
	}
}

func TestAlertsWithoutIDAreNotDeduped(t *testing.T) {
	t.Parallel()

	env := newTestPipeline(t)
	env.subscribe()

	// Two distinct alerts arriving without a row id must both reach the
	// wearables; only id-bearing duplicates are suppressed.
	env.feed.events <- cloud.ChangeEvent{
		Table: cloud.TableAlerts,
		Type:  cloud.EventInsert,
		New:   rawRow(t, cloud.AlertRow{Type: "waiter_called", Message: "Table 5", Priority: "high"}),
	}
	env.feed.events <- cloud.ChangeEvent{
		Table: cloud.TableAlerts,
		Type:  cloud.EventInsert,
		New:   rawRow(t, cloud.AlertRow{Type: "bill_ready", Message: "Table 7", Priority: "medium"}),
	}

	waitFor(t, "both alerts broadcast", func() bool { return env.alerts.count() == 2 })

	env.feed.events <- cloud.ChangeEvent{
		Table: cloud.TableAlerts,
		Type:  cloud.EventInsert,
		New:   rawRow(t, cloud.AlertRow{ID: "a1", Type: "waiter_called", Message: "Table 5", Priority: "high"}),
	}
	env.feed.events <- cloud.ChangeEvent{
		Table: cloud.TableAlerts,
		Type:  cloud.EventInsert,
		New:   rawRow(t, cloud.AlertRow{ID: "a1", Type: "waiter_called", Message: "Table 5", Priority: "high"}),
	}

	waitFor(t, "id-bearing alert broadcast", func() bool { return env.alerts.count() >= 3 })
	time.Sleep(50 * time.Millisecond)
	if got := env.alerts.count(); got != 3 {
		t.Errorf("duplicate alert id must be suppressed, got %d broadcasts", got)
	}
}

func TestDuplicateRowIsIdempotent(t *testing.T) {
	t.Parallel()

	env := newTestPipeline(t)
	env.subscribe()

	order := cloud.Order{ID: "o1"}
	env.feed.events <- orderInsert(t, order)
	env.feed.events <- orderInsert(t, order)

	waitFor(t, "order claim", func() bool { return env.claims.claimCount() >= 1 })
	time.Sleep(50 * time.Millisecond)

	if n := env.claims.claimCount(); n != 1 {
		t.Errorf("duplicate rows caused %d claims", n)
	}
}

func TestRenderFailureCompletesWithError(t *testing.T) {
	t.Parallel()

	env := newTestPipeline(t)
	env.fetcher.kitchenErr = errors.New("renderer down")
	env.subscribe()

	env.feed.events <- orderInsert(t, cloud.Order{ID: "o1"})

	waitFor(t, "failed completion", func() bool {
		c, ok := env.claims.lastComplete()
		return ok && !c.success && c.errMsg != ""
	})

	if len(env.printers.callList()) != 0 {
		t.Error("failed render must not print")
	}
}

package pipeline

import (
	"context"
	"strings"
	"sync"
	"time"

	"printbridge/cloud"
	"printbridge/logger"
	"printbridge/printer"
)

// Connection modes reported in heartbeats.
const (
	ModeRealtime = "realtime"
	ModePolling  = "polling"
)

// Default timings. Tests shrink these through the Pipeline fields.
const (
	defaultSubscribeTimeout  = 15 * time.Second
	defaultPollInterval      = 3 * time.Second
	defaultPollOverlap       = 5 * time.Second
	defaultHeartbeatInterval = 60 * time.Second
	defaultDrainTimeout      = 10 * time.Second
)

// ClaimClient claims and completes print jobs and reports liveness.
type ClaimClient interface {
	Claim(ctx context.Context, jobType string, keys cloud.ClaimKeys, ttlSeconds int) cloud.ClaimResult
	Complete(ctx context.Context, jobID string, success bool, errorMessage string)
	Heartbeat(ctx context.Context, info cloud.HeartbeatInfo) error
}

// PayloadFetcher renders print payloads for claimed jobs.
type PayloadFetcher interface {
	FetchKitchenTicket(ctx context.Context, orderID string) ([]byte, error)
	FetchCustomerTicket(ctx context.Context, orderID string) ([]byte, error)
	FetchAdditionTicket(ctx context.Context, orderID, additionGroupID string) ([]byte, error)
	FetchCashReport(ctx context.Context, reportID string) ([]byte, error)
	FetchStationTickets(ctx context.Context, orderID string) ([]cloud.StationTicketPayload, error)
}

// PrinterRouter dispatches payloads to printers by role.
type PrinterRouter interface {
	PrintByRole(role printer.Role, data []byte, stationID string) printer.PrintResult
	PrintStationTickets(tickets []printer.StationTicket) []printer.PrintResult
	OpenCashDrawer(role printer.Role) bool
	CashDrawerEnabled(role printer.Role) bool
	HasAssignment(role printer.Role, stationID string) bool
	StatusSummary() string
}

// AlertSink receives alerts for local fan-out.
type AlertSink interface {
	BroadcastAlert(alert cloud.AlertRow)
}

// ChangeFeed delivers row changes and subscription state.
type ChangeFeed interface {
	Events() <-chan cloud.ChangeEvent
	Status() <-chan string
}

// OrderPoller is the degraded-mode fallback query.
type OrderPoller interface {
	PollOrders(ctx context.Context, since time.Time) ([]cloud.Order, error)
}

// Pipeline consumes the change feed (or polls when the feed is down), claims
// each job exactly once across daemons, and routes rendered payloads to the
// printer registry. Alerts bypass printing and go to the notifier sink.
type Pipeline struct {
	Claims   ClaimClient
	Fetcher  PayloadFetcher
	Printers PrinterRouter
	Alerts   AlertSink
	Feed     ChangeFeed
	Poller   OrderPoller
	Log      *logger.Logger

	Version string

	// Heartbeats reports liveness to the dashboard; restaurants can opt out
	// through the stored syncWithDashboard flag.
	Heartbeats bool

	SubscribeTimeout  time.Duration
	PollInterval      time.Duration
	PollOverlap       time.Duration
	HeartbeatInterval time.Duration
	DrainTimeout      time.Duration
	ClaimTTL          int

	memo      *memo
	startedAt time.Time

	mu              sync.Mutex
	mode            string
	lastPoll        time.Time
	ordersProcessed int64
	lastOrderTime   time.Time

	wg sync.WaitGroup
}

// New builds a pipeline with default timings.
func New(claims ClaimClient, fetcher PayloadFetcher, printers PrinterRouter, alerts AlertSink, feed ChangeFeed, poller OrderPoller, log *logger.Logger) *Pipeline {
	return &Pipeline{
		Claims:            claims,
		Fetcher:           fetcher,
		Printers:          printers,
		Alerts:            alerts,
		Feed:              feed,
		Poller:            poller,
		Log:               log,
		Heartbeats:        true,
		SubscribeTimeout:  defaultSubscribeTimeout,
		PollInterval:      defaultPollInterval,
		PollOverlap:       defaultPollOverlap,
		HeartbeatInterval: defaultHeartbeatInterval,
		DrainTimeout:      defaultDrainTimeout,
		ClaimTTL:          cloud.DefaultClaimTTL,
		memo:              newMemo(),
		mode:              ModePolling,
	}
}

// Mode returns the current connection mode.
func (p *Pipeline) Mode() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode
}

// Stats returns the processed-order counter and the time of the last one.
func (p *Pipeline) Stats() (int64, time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ordersProcessed, p.lastOrderTime
}

// Run drives the pipeline until ctx is cancelled, then drains in-flight jobs.
func (p *Pipeline) Run(ctx context.Context) {
	p.startedAt = time.Now()
	p.setMode(ModePolling)
	p.setLastPoll(time.Now())

	// Give the realtime subscription a window to come up before falling back
	// to polling.
	subscribed := p.awaitSubscription(ctx)
	if subscribed {
		p.setMode(ModeRealtime)
		p.Log.Info("Change feed subscribed, realtime mode active")
	} else {
		p.Log.Warn("Change feed did not subscribe in time, polling mode active",
			"timeout", p.SubscribeTimeout.String())
	}

	pollTicker := time.NewTicker(p.PollInterval)
	defer pollTicker.Stop()
	heartbeatTicker := time.NewTicker(p.HeartbeatInterval)
	defer heartbeatTicker.Stop()

	p.sendHeartbeat(ctx)

	events := p.Feed.Events()
	for {
		select {
		case <-ctx.Done():
			p.drain()
			return

		case change, ok := <-events:
			if !ok {
				// Feed shut down; a nil channel blocks forever and polling
				// carries the load.
				events = nil
				continue
			}
			p.handleChange(ctx, change)

		case status := <-p.Feed.Status():
			p.handleStatus(status)

		case <-pollTicker.C:
			if p.Mode() == ModePolling {
				p.poll(ctx)
			}

		case <-heartbeatTicker.C:
			p.sendHeartbeat(ctx)
		}
	}
}

// awaitSubscription waits up to SubscribeTimeout for the feed to report
// SUBSCRIBED, handling events that arrive in the meantime.
func (p *Pipeline) awaitSubscription(ctx context.Context) bool {
	timer := time.NewTimer(p.SubscribeTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return false
		case status := <-p.Feed.Status():
			if status == cloud.StatusSubscribed {
				return true
			}
		case change, ok := <-p.Feed.Events():
			if !ok {
				continue
			}
			p.handleChange(ctx, change)
		}
	}
}

func (p *Pipeline) handleStatus(status string) {
	switch status {
	case cloud.StatusSubscribed:
		if p.Mode() != ModeRealtime {
			p.Log.Info("Change feed recovered, leaving polling mode")
		}
		p.setMode(ModeRealtime)
	case cloud.StatusChannelError, cloud.StatusTimedOut, cloud.StatusClosed:
		if p.Mode() != ModePolling {
			p.Log.Warn("Change feed lost, entering polling mode", "signal", status)
			p.setLastPoll(time.Now())
		}
		p.setMode(ModePolling)
	}
}

// handleChange classifies a raw change and dispatches the resulting events.
// Dedup keys are marked here, before the job goroutine starts, so a
// duplicate row arriving moments later is already suppressed.
func (p *Pipeline) handleChange(ctx context.Context, change cloud.ChangeEvent) {
	events, err := Classify(change)
	if err != nil {
		p.Log.Warn("Dropping unclassifiable change", "table", change.Table, "error", err)
		return
	}

	for _, ev := range events {
		p.dispatch(ctx, ev)
	}
}

func (p *Pipeline) dispatch(ctx context.Context, ev Event) {
	if ev.Kind == EventAlertRaised {
		// Alerts are local fan-out only; no claim, no printing. The row id
		// is optional upstream, and an id-less alert has nothing to dedup
		// on, so it always goes out.
		if ev.Alert.ID != "" && !p.memo.MarkIfNew(alertKey(ev.Alert.ID)) {
			p.Log.Debug("Suppressing duplicate alert", "alert_id", ev.Alert.ID)
			return
		}
		p.Alerts.BroadcastAlert(ev.Alert)
		return
	}

	var key string
	switch ev.Kind {
	case EventOrderCreated:
		key = orderKey(ev.Order.ID)
	case EventAdditionAdded:
		key = additionKey(ev.Order.ID, ev.AdditionGroupID)
	case EventCustomerTicketRequested:
		key = ticketKey(ev.Ticket.OrderID, ev.Ticket.ID, ev.Ticket.PrintRequestedAt)
	case EventCashReportRequested:
		key = reportKey(ev.Report.ID, ev.Report.PrintRequestedAt)
	}

	if key == "" || !p.memo.MarkIfNew(key) {
		p.Log.Debug("Suppressing duplicate event", "kind", ev.Kind.String(), "key", key)
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.process(ctx, ev)
	}()
}

// process claims, fetches, and prints one job.
func (p *Pipeline) process(ctx context.Context, ev Event) {
	switch ev.Kind {
	case EventOrderCreated:
		p.processOrder(ctx, ev.Order)
	case EventAdditionAdded:
		p.processAddition(ctx, ev.Order, ev.AdditionGroupID)
	case EventCustomerTicketRequested:
		p.processCustomerTicket(ctx, ev.Ticket)
	case EventCashReportRequested:
		p.processCashReport(ctx, ev.Report)
	}
}

func (p *Pipeline) processOrder(ctx context.Context, order cloud.Order) {
	claim := p.Claims.Claim(ctx, cloud.JobKitchenOrder, cloud.ClaimKeys{OrderID: order.ID}, p.ClaimTTL)
	if !claim.Success {
		p.Log.Debug("Kitchen order claimed elsewhere", "order_id", order.ID, "reason", claim.Reason)
		return
	}

	ok, errMsg := p.printKitchenOrder(ctx, order.ID)
	p.Claims.Complete(ctx, claim.JobID, ok, errMsg)

	if ok {
		p.countOrder()
		p.Log.Info("Kitchen order printed", "order_id", order.ID, "table", order.Table)
	} else {
		p.Log.Error("Kitchen order print failed", "order_id", order.ID, "error", errMsg)
	}
}

// printKitchenOrder prefers the per-station split; when no stations are
// configured it prints the single combined kitchen ticket.
func (p *Pipeline) printKitchenOrder(ctx context.Context, orderID string) (bool, string) {
	stations, err := p.Fetcher.FetchStationTickets(ctx, orderID)
	if err != nil {
		p.Log.Warn("Station split fetch failed, falling back to combined ticket",
			"order_id", orderID, "error", err)
	}

	if len(stations) > 0 {
		tickets := make([]printer.StationTicket, 0, len(stations))
		for _, s := range stations {
			tickets = append(tickets, printer.StationTicket{
				StationID:   s.StationID,
				StationName: s.StationName,
				Copies:      s.Copies,
				Payload:     s.Payload,
			})
		}

		results := p.Printers.PrintStationTickets(tickets)
		var failures []string
		for _, res := range results {
			if !res.Success {
				failures = append(failures, res.StationID+": "+res.Error)
			}
		}
		if len(failures) > 0 {
			return false, "station tickets failed: " + strings.Join(failures, "; ")
		}
		return true, ""
	}

	payload, err := p.Fetcher.FetchKitchenTicket(ctx, orderID)
	if err != nil {
		return false, "render failed: " + err.Error()
	}

	res := p.Printers.PrintByRole(printer.RoleKitchenDefault, payload, "")
	if !res.Success {
		return false, res.Error
	}
	return true, ""
}

func (p *Pipeline) processAddition(ctx context.Context, order cloud.Order, groupID string) {
	keys := cloud.ClaimKeys{OrderID: order.ID, AdditionGroupID: groupID}
	claim := p.Claims.Claim(ctx, cloud.JobAddition, keys, p.ClaimTTL)
	if !claim.Success {
		p.Log.Debug("Addition claimed elsewhere", "order_id", order.ID, "group", groupID)
		return
	}

	payload, err := p.Fetcher.FetchAdditionTicket(ctx, order.ID, groupID)
	if err != nil {
		p.Claims.Complete(ctx, claim.JobID, false, "render failed: "+err.Error())
		p.Log.Error("Addition render failed", "order_id", order.ID, "group", groupID, "error", err)
		return
	}

	res := p.Printers.PrintByRole(printer.RoleKitchenDefault, payload, "")
	p.Claims.Complete(ctx, claim.JobID, res.Success, res.Error)

	if res.Success {
		p.countOrder()
		p.Log.Info("Addition ticket printed", "order_id", order.ID, "group", groupID)
	} else {
		p.Log.Error("Addition print failed", "order_id", order.ID, "group", groupID, "error", res.Error)
	}
}

func (p *Pipeline) processCustomerTicket(ctx context.Context, ticket cloud.Ticket) {
	keys := cloud.ClaimKeys{OrderID: ticket.OrderID, TicketID: ticket.ID}
	claim := p.Claims.Claim(ctx, cloud.JobCustomerTicket, keys, p.ClaimTTL)
	if !claim.Success {
		p.Log.Debug("Customer ticket claimed elsewhere", "ticket_id", ticket.ID)
		return
	}

	payload, err := p.Fetcher.FetchCustomerTicket(ctx, ticket.OrderID)
	if err != nil {
		p.Claims.Complete(ctx, claim.JobID, false, "render failed: "+err.Error())
		p.Log.Error("Customer ticket render failed", "ticket_id", ticket.ID, "error", err)
		return
	}

	res := p.Printers.PrintByRole(printer.RoleCustomerTicket, payload, "")
	p.Claims.Complete(ctx, claim.JobID, res.Success, res.Error)

	if !res.Success {
		p.Log.Error("Customer ticket print failed", "ticket_id", ticket.ID, "error", res.Error)
		return
	}

	p.Log.Info("Customer ticket printed", "ticket_id", ticket.ID, "order_id", ticket.OrderID)

	// The drawer opens only after the receipt is out.
	if p.Printers.CashDrawerEnabled(printer.RoleCustomerTicket) {
		if !p.Printers.OpenCashDrawer(printer.RoleCustomerTicket) {
			p.Log.Warn("Cash drawer kick failed", "ticket_id", ticket.ID)
		}
	}
}

func (p *Pipeline) processCashReport(ctx context.Context, report cloud.CashReport) {
	claim := p.Claims.Claim(ctx, cloud.JobCashReport, cloud.ClaimKeys{ReportID: report.ID}, p.ClaimTTL)
	if !claim.Success {
		p.Log.Debug("Cash report claimed elsewhere", "report_id", report.ID)
		return
	}

	payload, err := p.Fetcher.FetchCashReport(ctx, report.ID)
	if err != nil {
		p.Claims.Complete(ctx, claim.JobID, false, "render failed: "+err.Error())
		p.Log.Error("Cash report render failed", "report_id", report.ID, "error", err)
		return
	}

	role := printer.RoleFiscal
	if !p.Printers.HasAssignment(role, "") && p.Printers.HasAssignment(printer.RoleCustomerTicket, "") {
		role = printer.RoleCustomerTicket
	}

	res := p.Printers.PrintByRole(role, payload, "")
	p.Claims.Complete(ctx, claim.JobID, res.Success, res.Error)

	if res.Success {
		p.Log.Info("Cash report printed", "report_id", report.ID, "role", string(role))
	} else {
		p.Log.Error("Cash report print failed", "report_id", report.ID, "error", res.Error)
	}
}

// poll fetches orders since the last poll minus an overlap window; the memo
// suppresses anything already handled.
func (p *Pipeline) poll(ctx context.Context) {
	p.mu.Lock()
	since := p.lastPoll.Add(-p.PollOverlap)
	p.mu.Unlock()

	orders, err := p.Poller.PollOrders(ctx, since)
	if err != nil {
		p.Log.WarnRateLimited("order-poll", 30*time.Second, "Order poll failed", "error", err)
		return
	}
	p.setLastPoll(time.Now())

	for _, order := range orders {
		p.dispatch(ctx, Event{Kind: EventOrderCreated, Order: order})
	}
}

func (p *Pipeline) sendHeartbeat(ctx context.Context) {
	if !p.Heartbeats {
		return
	}
	info := cloud.HeartbeatInfo{
		Status:        "online",
		PrinterStatus: p.Printers.StatusSummary(),
		Version:       p.Version,
		UptimeSeconds: int64(time.Since(p.startedAt).Seconds()),
		Mode:          p.Mode(),
	}
	if err := p.Claims.Heartbeat(ctx, info); err != nil {
		p.Log.WarnRateLimited("heartbeat", 5*time.Minute, "Heartbeat failed", "error", err)
	}
}

// drain waits for in-flight jobs, bounded by DrainTimeout.
func (p *Pipeline) drain() {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.Log.Info("Pipeline drained cleanly")
	case <-time.After(p.DrainTimeout):
		p.Log.Warn("Pipeline drain timed out, abandoning in-flight jobs")
	}
}

func (p *Pipeline) setMode(mode string) {
	p.mu.Lock()
	p.mode = mode
	p.mu.Unlock()
}

func (p *Pipeline) setLastPoll(t time.Time) {
	p.mu.Lock()
	p.lastPoll = t
	p.mu.Unlock()
}

func (p *Pipeline) countOrder() {
	p.mu.Lock()
	p.ordersProcessed++
	p.lastOrderTime = time.Now()
	p.mu.Unlock()
}

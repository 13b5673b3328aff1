package printer

import (
	"fmt"
	"sync"
	"time"

	"printbridge/logger"
)

// Role is a logical print destination, independent of physical printers.
type Role string

const (
	RoleCustomerTicket Role = "customer_ticket"
	RoleKitchenDefault Role = "kitchen_default"
	RoleFiscal         Role = "fiscal"
	RoleStation        Role = "station"
)

// ValidRole reports whether r is one of the known roles.
func ValidRole(r Role) bool {
	switch r {
	case RoleCustomerTicket, RoleKitchenDefault, RoleFiscal, RoleStation:
		return true
	}
	return false
}

// DrawerKick is the ESC/POS pulse that opens an attached cash drawer.
var DrawerKick = []byte{0x1B, 0x70, 0x00, 0x19, 0xFA}

// Assignment binds a role (and, for station roles, a station id) to a printer.
type Assignment struct {
	Role              Role   `json:"role"`
	PrinterID         string `json:"printer_id"`
	StationID         string `json:"station_id,omitempty"`
	StationName       string `json:"station_name,omitempty"`
	Copies            int    `json:"copies,omitempty"`
	CashDrawerEnabled bool   `json:"cash_drawer_enabled,omitempty"`
}

// StationTicket is one per-station split of a kitchen order.
type StationTicket struct {
	StationID   string
	StationName string
	Copies      int
	Payload     []byte
}

// PrintResult reports the outcome of one print dispatch.
type PrintResult struct {
	Success     bool
	PrinterID   string
	PrinterName string
	StationID   string
	Error       string
	Retryable   bool
}

type writeJob struct {
	data   []byte
	result chan bool
}

type printerEntry struct {
	desc      Descriptor
	transport Transport
	jobs      chan writeJob
	quit      chan struct{}
}

// Registry is the single source of truth for configured printers and role
// routing. Writes to one printer are serialized FIFO through a bounded
// per-printer queue; writes to different printers proceed in parallel.
type Registry struct {
	mu          sync.RWMutex
	printers    map[string]*printerEntry
	order       []string
	assignments []Assignment
	statuses    map[string]string
	log         *logger.Logger
	snmp        *SNMPProbe

	// NewTransport builds transports for registered descriptors.
	// Overridable for tests.
	NewTransport func(Descriptor, *logger.Logger) (Transport, error)

	queueDepth    int
	submitTimeout time.Duration
}

// NewRegistry creates an empty registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		printers:      make(map[string]*printerEntry),
		statuses:      make(map[string]string),
		log:           log,
		NewTransport:  NewTransport,
		queueDepth:    16,
		submitTimeout: 2 * time.Second,
	}
}

// SetSNMPProbe enables the advisory SNMP status probe for network printers.
func (r *Registry) SetSNMPProbe(probe *SNMPProbe) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snmp = probe
}

// Register adds a printer, replacing any previous registration with the same
// id. The registration order determines the default printer.
func (r *Registry) Register(desc Descriptor) error {
	transport, err := r.NewTransport(desc, r.log)
	if err != nil {
		return err
	}

	entry := &printerEntry{
		desc:      desc,
		transport: transport,
		jobs:      make(chan writeJob, r.queueDepth),
		quit:      make(chan struct{}),
	}

	r.mu.Lock()
	if old, exists := r.printers[desc.ID]; exists {
		close(old.quit)
	} else {
		r.order = append(r.order, desc.ID)
	}
	r.printers[desc.ID] = entry
	r.statuses[desc.ID] = StatusDisconnected
	r.mu.Unlock()

	go r.runWriter(desc.ID, entry)

	r.log.Info("Printer registered", "id", desc.ID, "name", desc.Name, "transport", transport.Describe())
	return nil
}

// Unregister removes a printer and purges all role assignments pointing at
// it. Removing an unknown id is a no-op.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	entry, exists := r.printers[id]
	if exists {
		delete(r.printers, id)
		delete(r.statuses, id)
		for i, pid := range r.order {
			if pid == id {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
		kept := r.assignments[:0]
		for _, a := range r.assignments {
			if a.PrinterID != id {
				kept = append(kept, a)
			}
		}
		r.assignments = kept
	}
	r.mu.Unlock()

	if exists {
		close(entry.quit)
		r.log.Info("Printer unregistered", "id", id)
	}
}

// SetAssignments replaces the full assignment set atomically. Copy counts
// below 1 are normalized to 1.
func (r *Registry) SetAssignments(assignments []Assignment) {
	normalized := make([]Assignment, len(assignments))
	copy(normalized, assignments)
	for i := range normalized {
		if normalized[i].Copies < 1 {
			normalized[i].Copies = 1
		}
	}

	r.mu.Lock()
	r.assignments = normalized
	r.mu.Unlock()
}

// Assignments returns a copy of the current assignment set.
func (r *Registry) Assignments() []Assignment {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Assignment, len(r.assignments))
	copy(out, r.assignments)
	return out
}

// Printers returns the configured descriptors with their last observed status,
// in registration order.
func (r *Registry) Printers() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.order))
	for _, id := range r.order {
		if entry, ok := r.printers[id]; ok {
			desc := entry.desc
			desc.Status = r.statuses[id]
			out = append(out, desc)
		}
	}
	return out
}

// Count returns the number of registered printers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.printers)
}

func (r *Registry) runWriter(id string, entry *printerEntry) {
	for {
		select {
		case <-entry.quit:
			return
		case job := <-entry.jobs:
			ok := entry.transport.Write(job.data)
			r.mu.Lock()
			if _, exists := r.printers[id]; exists {
				if ok {
					r.statuses[id] = StatusReady
				} else {
					r.statuses[id] = StatusError
				}
			}
			r.mu.Unlock()
			job.result <- ok
		}
	}
}

// submit enqueues one write and waits for its outcome. A full queue after the
// submit timeout is reported as a retryable failure.
func (r *Registry) submit(id string, data []byte) (ok bool, retryable bool) {
	r.mu.RLock()
	entry, exists := r.printers[id]
	r.mu.RUnlock()
	if !exists {
		return false, false
	}

	job := writeJob{data: data, result: make(chan bool, 1)}
	timer := time.NewTimer(r.submitTimeout)
	defer timer.Stop()

	select {
	case entry.jobs <- job:
	case <-entry.quit:
		return false, false
	case <-timer.C:
		r.log.Warn("Printer queue full, dropping job", "id", id)
		return false, true
	}

	select {
	case ok := <-job.result:
		return ok, !ok
	case <-entry.quit:
		return false, false
	}
}

// findAssignment returns the first assignment matching role (and station id
// for station roles). Callers hold at least a read lock.
func (r *Registry) findAssignment(role Role, stationID string) *Assignment {
	for i := range r.assignments {
		a := &r.assignments[i]
		if a.Role != role {
			continue
		}
		if role == RoleStation && a.StationID != stationID {
			continue
		}
		return a
	}
	return nil
}

// resolve picks the printer for a role following the routing order:
// exact (station, station_id) → kitchen_default (station misses only) →
// exact role → default printer → failure.
func (r *Registry) resolve(role Role, stationID string) (id string, assignment *Assignment, err error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	candidates := []Role{role}
	if role == RoleStation {
		candidates = append(candidates, RoleKitchenDefault)
	}

	for _, c := range candidates {
		sid := ""
		if c == RoleStation {
			sid = stationID
		}
		if a := r.findAssignment(c, sid); a != nil {
			if _, known := r.printers[a.PrinterID]; known {
				cp := *a
				return a.PrinterID, &cp, nil
			}
			// Assignment points at a printer that is gone; keep falling
			// through to the default.
		}
	}

	if len(r.order) > 0 {
		return r.order[0], nil, nil
	}

	return "", nil, fmt.Errorf("no printer available for role %q", role)
}

// HasAssignment reports whether an explicit assignment exists for the role
// (and station id for station roles) referencing a known printer.
func (r *Registry) HasAssignment(role Role, stationID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a := r.findAssignment(role, stationID)
	if a == nil {
		return false
	}
	_, known := r.printers[a.PrinterID]
	return known
}

// CashDrawerEnabled reports whether the role's assignment has the drawer
// side-effect enabled.
func (r *Registry) CashDrawerEnabled(role Role) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a := r.findAssignment(role, "")
	return a != nil && a.CashDrawerEnabled
}

// PrintByRole resolves the printer for a role and writes the payload,
// honoring the assignment's copy count.
func (r *Registry) PrintByRole(role Role, data []byte, stationID string) PrintResult {
	return r.PrintCopies(role, data, stationID, 0)
}

// PrintCopies is PrintByRole with an explicit copy count. The caller's count
// replaces the assignment's count rather than multiplying it; a count below 1
// falls back to the assignment.
func (r *Registry) PrintCopies(role Role, data []byte, stationID string, copies int) PrintResult {
	id, assignment, err := r.resolve(role, stationID)
	if err != nil {
		return PrintResult{Success: false, Error: err.Error(), Retryable: true}
	}

	r.mu.RLock()
	name := ""
	if entry, ok := r.printers[id]; ok {
		name = entry.desc.Name
	}
	r.mu.RUnlock()

	if copies < 1 {
		copies = 1
		if assignment != nil && assignment.Copies > 0 {
			copies = assignment.Copies
		}
	}

	result := PrintResult{Success: true, PrinterID: id, PrinterName: name, StationID: stationID}
	for i := 0; i < copies; i++ {
		ok, retryable := r.submit(id, data)
		if !ok {
			result.Success = false
			result.Retryable = retryable
			result.Error = fmt.Sprintf("write failed on printer %s (copy %d/%d)", id, i+1, copies)
			break
		}
	}
	return result
}

// PrintStationTickets dispatches each station split to its assigned printer,
// returning one result per printed copy.
func (r *Registry) PrintStationTickets(tickets []StationTicket) []PrintResult {
	var results []PrintResult
	for _, ticket := range tickets {
		id, assignment, err := r.resolve(RoleStation, ticket.StationID)
		if err != nil {
			results = append(results, PrintResult{
				Success:   false,
				StationID: ticket.StationID,
				Error:     err.Error(),
				Retryable: true,
			})
			continue
		}

		r.mu.RLock()
		name := ""
		if entry, ok := r.printers[id]; ok {
			name = entry.desc.Name
		}
		r.mu.RUnlock()

		copies := ticket.Copies
		if copies < 1 {
			copies = 1
			if assignment != nil && assignment.Copies > 0 {
				copies = assignment.Copies
			}
		}

		for i := 0; i < copies; i++ {
			ok, retryable := r.submit(id, ticket.Payload)
			res := PrintResult{
				Success:     ok,
				PrinterID:   id,
				PrinterName: name,
				StationID:   ticket.StationID,
				Retryable:   !ok && retryable,
			}
			if !ok {
				res.Error = fmt.Sprintf("write failed on printer %s (copy %d/%d)", id, i+1, copies)
			}
			results = append(results, res)
		}
	}
	return results
}

// OpenCashDrawer sends the drawer kick pulse to the printer resolved for the
// role.
func (r *Registry) OpenCashDrawer(role Role) bool {
	id, _, err := r.resolve(role, "")
	if err != nil {
		r.log.Warn("No printer available for cash drawer", "role", role)
		return false
	}
	ok, _ := r.submit(id, DrawerKick)
	return ok
}

// TestPrinter checks reachability of one printer and refreshes its status.
// Network printers additionally get an advisory SNMP status probe.
func (r *Registry) TestPrinter(id string) bool {
	r.mu.RLock()
	entry, exists := r.printers[id]
	probe := r.snmp
	r.mu.RUnlock()
	if !exists {
		return false
	}

	ok := entry.transport.Test()

	if ok && probe != nil && entry.desc.Kind == KindNetwork {
		if status, answered := probe.ProbeStatus(entry.desc.Host); answered {
			r.log.Debug("SNMP printer status", "id", id, "status", status)
		}
	}

	r.mu.Lock()
	if _, still := r.printers[id]; still {
		if ok {
			r.statuses[id] = StatusReady
		} else {
			r.statuses[id] = StatusDisconnected
		}
	}
	r.mu.Unlock()

	return ok
}

// TestAll tests every registered printer.
func (r *Registry) TestAll() map[string]bool {
	r.mu.RLock()
	ids := make([]string, len(r.order))
	copy(ids, r.order)
	r.mu.RUnlock()

	results := make(map[string]bool, len(ids))
	for _, id := range ids {
		results[id] = r.TestPrinter(id)
	}
	return results
}

// TestPage prints a short diagnostic page on one printer.
func (r *Registry) TestPage(id string) PrintResult {
	r.mu.RLock()
	entry, exists := r.printers[id]
	r.mu.RUnlock()
	if !exists {
		return PrintResult{Success: false, Error: fmt.Sprintf("unknown printer %q", id)}
	}

	page := buildTestPage(entry.desc.Name)
	ok, retryable := r.submit(id, page)
	res := PrintResult{Success: ok, PrinterID: id, PrinterName: entry.desc.Name, Retryable: !ok && retryable}
	if !ok {
		res.Error = "test page write failed"
	}
	return res
}

func buildTestPage(name string) []byte {
	var page []byte
	page = append(page, 0x1B, 0x40) // initialize
	page = append(page, []byte("PrintBridge test page\n")...)
	page = append(page, []byte(name+"\n")...)
	page = append(page, []byte(time.Now().Format(time.RFC3339)+"\n")...)
	page = append(page, 0x1B, 0x64, 0x04) // feed 4 lines
	page = append(page, 0x1D, 0x56, 0x00) // full cut
	return page
}

// Statuses returns the last observed status per printer id.
func (r *Registry) Statuses() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.statuses))
	for id, s := range r.statuses {
		out[id] = s
	}
	return out
}

// StatusSummary condenses printer state for heartbeats: "ready" when all
// printers are ready, "error" when any has failed, "no_printers" when none
// are configured.
func (r *Registry) StatusSummary() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.printers) == 0 {
		return "no_printers"
	}
	summary := "ready"
	for _, s := range r.statuses {
		if s == StatusError {
			return "error"
		}
		if s == StatusDisconnected {
			summary = "degraded"
		}
	}
	return summary
}

// RoleAvailability reports, per role, whether a print to it would resolve to
// some printer.
func (r *Registry) RoleAvailability() map[string]bool {
	out := make(map[string]bool, 4)
	for _, role := range []Role{RoleCustomerTicket, RoleKitchenDefault, RoleFiscal, RoleStation} {
		_, _, err := r.resolve(role, "")
		out[string(role)] = err == nil
	}
	return out
}

// Close stops all per-printer writers.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, entry := range r.printers {
		close(entry.quit)
		delete(r.printers, id)
	}
	r.order = nil
}

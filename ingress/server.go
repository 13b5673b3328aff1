// Package ingress exposes the daemon's local HTTP API: discovery for POS
// terminals on the LAN, direct print submission, and cash drawer control.
package ingress

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"printbridge/logger"
	"printbridge/notifier"
	"printbridge/printer"
)

// DefaultPort is the local API port.
const DefaultPort = 3333

// PrintRegistry is the subset of the printer registry the ingress needs.
type PrintRegistry interface {
	PrintCopies(role printer.Role, data []byte, stationID string, copies int) printer.PrintResult
	PrintStationTickets(tickets []printer.StationTicket) []printer.PrintResult
	OpenCashDrawer(role printer.Role) bool
	HasAssignment(role printer.Role, stationID string) bool
	Count() int
	StatusSummary() string
	RoleAvailability() map[string]bool
	Statuses() map[string]string
}

// DeviceLister exposes registered wearables for the status surface.
type DeviceLister interface {
	Devices() []notifier.DeviceInfo
}

// PipelineStats exposes pipeline counters for the status surface.
type PipelineStats interface {
	Mode() string
	Stats() (int64, time.Time)
}

// Server is the local ingress HTTP server.
type Server struct {
	Port         int
	DeviceID     string
	RestaurantID string
	Version      string
	StartedAt    time.Time

	Registry PrintRegistry
	Notifier DeviceLister
	Pipeline PipelineStats
	Log      *logger.Logger

	server *http.Server
}

// NewServer builds an ingress server (DefaultPort when port is 0).
func NewServer(port int, deviceID, restaurantID, version string, registry PrintRegistry, log *logger.Logger) *Server {
	if port == 0 {
		port = DefaultPort
	}
	return &Server{
		Port:         port,
		DeviceID:     deviceID,
		RestaurantID: restaurantID,
		Version:      version,
		StartedAt:    time.Now(),
		Registry:     registry,
		Log:          log,
	}
}

// Handler returns the route mux, exposed separately so tests can drive it
// without a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/discovery", s.handleDiscovery)
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/print", s.handlePrint)
	mux.HandleFunc("/api/print/station-tickets", s.handleStationTickets)
	mux.HandleFunc("/api/cash-drawer/open", s.handleCashDrawer)
	return mux
}

// Start begins serving on the configured port.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.Port))
	if err != nil {
		return fmt.Errorf("ingress listen failed: %w", err)
	}

	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.Log.Error("Ingress server stopped", "error", err)
		}
	}()

	s.Log.Info("Ingress listening", "port", s.Port)
	return nil
}

// Stop shuts the server down.
func (s *Server) Stop() {
	if s.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.server.Shutdown(ctx)
}

// printMetadata identifies the tenant and the job for auditing.
type printMetadata struct {
	OrderID         string `json:"order_id,omitempty"`
	TicketID        string `json:"ticket_id,omitempty"`
	RestaurantID    string `json:"restaurant_id"`
	DeviceID        string `json:"device_id"`
	JobID           string `json:"job_id,omitempty"`
	AdditionGroupID string `json:"addition_group_id,omitempty"`
}

// printRequest is a direct print submission from a POS terminal.
type printRequest struct {
	EscposBase64   string        `json:"escpos_base64"`
	JobType        string        `json:"job_type"`
	Role           string        `json:"role,omitempty"`
	StationID      string        `json:"station_id,omitempty"`
	Copies         int           `json:"copies,omitempty"`
	OpenCashDrawer bool          `json:"open_cash_drawer,omitempty"`
	Metadata       printMetadata `json:"metadata"`
}

type stationTicketRequest struct {
	Tickets []struct {
		StationID    string `json:"station_id"`
		StationName  string `json:"station_name,omitempty"`
		Copies       int    `json:"copies,omitempty"`
		EscposBase64 string `json:"escpos_base64"`
	} `json:"tickets"`
	Metadata printMetadata `json:"metadata"`
}

// printResponse is the uniform result envelope. Retryable tells the caller
// whether resubmitting the same request can succeed.
type printResponse struct {
	Success     bool   `json:"success"`
	PrintedAt   string `json:"printed_at,omitempty"`
	PrinterName string `json:"printer_name,omitempty"`
	Error       string `json:"error,omitempty"`
	Retryable   bool   `json:"retryable"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) fail(w http.ResponseWriter, status int, msg string, retryable bool) {
	s.writeJSON(w, status, printResponse{Success: false, Error: msg, Retryable: retryable})
}

// checkTenant rejects requests for another restaurant. An empty restaurant id
// in the request is a malformed submission, not a mismatch.
func (s *Server) checkTenant(w http.ResponseWriter, meta printMetadata) bool {
	if meta.RestaurantID == "" {
		s.fail(w, http.StatusBadRequest, "restaurant_id is required", false)
		return false
	}
	if meta.RestaurantID != s.RestaurantID {
		s.Log.Warn("Rejecting print for foreign tenant",
			"got", meta.RestaurantID, "device", meta.DeviceID)
		s.fail(w, http.StatusForbidden, "restaurant_id does not match this bridge", false)
		return false
	}
	return true
}

func (s *Server) requireRegistry(w http.ResponseWriter) bool {
	if s.Registry == nil || s.Registry.Count() == 0 {
		s.fail(w, http.StatusServiceUnavailable, "no printers configured", true)
		return false
	}
	return true
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	mode := "multi-printer"
	count := 0
	status := "no_printers"
	availability := map[string]bool{}
	if s.Registry != nil {
		count = s.Registry.Count()
		status = s.Registry.StatusSummary()
		availability = s.Registry.RoleAvailability()
	}
	if count <= 1 {
		mode = "legacy"
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"service":           "printbridge",
		"device_id":         s.DeviceID,
		"restaurant_id":     s.RestaurantID,
		"version":           s.Version,
		"mode":              mode,
		"printer_status":    status,
		"printer_count":     count,
		"role_availability": availability,
		"capabilities": map[string]bool{
			"cash_drawer":     true,
			"station_routing": true,
			"multi_printer":   true,
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": int64(time.Since(s.StartedAt).Seconds()),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := map[string]interface{}{
		"device_id":      s.DeviceID,
		"restaurant_id":  s.RestaurantID,
		"version":        s.Version,
		"uptime_seconds": int64(time.Since(s.StartedAt).Seconds()),
	}
	if s.Registry != nil {
		resp["printer_status"] = s.Registry.StatusSummary()
		resp["printers"] = s.Registry.Statuses()
	}
	if s.Notifier != nil {
		resp["devices"] = s.Notifier.Devices()
	}
	if s.Pipeline != nil {
		processed, last := s.Pipeline.Stats()
		resp["connection_mode"] = s.Pipeline.Mode()
		resp["orders_processed"] = processed
		if !last.IsZero() {
			resp["last_order_at"] = last.UTC().Format(time.RFC3339)
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// roleForJob maps a job type to a print role, falling back when the preferred
// role has no assignment.
func (s *Server) roleForJob(jobType, explicitRole string) printer.Role {
	if explicitRole != "" && printer.ValidRole(printer.Role(explicitRole)) {
		return printer.Role(explicitRole)
	}

	switch jobType {
	case "customer_ticket", "receipt":
		return printer.RoleCustomerTicket
	case "cash_report", "fiscal":
		role := printer.RoleFiscal
		if !s.Registry.HasAssignment(role, "") && s.Registry.HasAssignment(printer.RoleCustomerTicket, "") {
			role = printer.RoleCustomerTicket
		}
		return role
	case "station_ticket":
		return printer.RoleStation
	default:
		return printer.RoleKitchenDefault
	}
}

func (s *Server) handlePrint(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.requireRegistry(w) {
		return
	}

	var req printRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, http.StatusBadRequest, "invalid JSON body", false)
		return
	}
	if req.EscposBase64 == "" {
		s.fail(w, http.StatusBadRequest, "escpos_base64 is required", false)
		return
	}
	if !s.checkTenant(w, req.Metadata) {
		return
	}

	payload, err := base64.StdEncoding.DecodeString(req.EscposBase64)
	if err != nil {
		s.fail(w, http.StatusBadRequest, "escpos_base64 is not valid base64", false)
		return
	}

	role := s.roleForJob(req.JobType, req.Role)

	// An explicit request count replaces the assignment's count; it must not
	// multiply with it.
	last := s.Registry.PrintCopies(role, payload, req.StationID, req.Copies)

	if !last.Success {
		s.Log.Warn("Local print failed", "job_type", req.JobType, "role", string(role), "error", last.Error)
		status := http.StatusInternalServerError
		if last.Retryable {
			status = http.StatusServiceUnavailable
		}
		s.writeJSON(w, status, printResponse{
			Success: false, Error: last.Error, Retryable: last.Retryable,
		})
		return
	}

	if req.OpenCashDrawer {
		if !s.Registry.OpenCashDrawer(role) {
			s.Log.Warn("Cash drawer kick failed after local print", "role", string(role))
		}
	}

	s.Log.Info("Local print completed", "job_type", req.JobType, "role", string(role),
		"printer", last.PrinterName, "device", req.Metadata.DeviceID)
	s.writeJSON(w, http.StatusOK, printResponse{
		Success:     true,
		PrintedAt:   time.Now().UTC().Format(time.RFC3339),
		PrinterName: last.PrinterName,
	})
}

func (s *Server) handleStationTickets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.requireRegistry(w) {
		return
	}

	var req stationTicketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, http.StatusBadRequest, "invalid JSON body", false)
		return
	}
	if len(req.Tickets) == 0 {
		s.fail(w, http.StatusBadRequest, "tickets is required", false)
		return
	}
	if !s.checkTenant(w, req.Metadata) {
		return
	}

	tickets := make([]printer.StationTicket, 0, len(req.Tickets))
	for _, t := range req.Tickets {
		if t.StationID == "" || t.EscposBase64 == "" {
			s.fail(w, http.StatusBadRequest, "every ticket needs station_id and escpos_base64", false)
			return
		}
		payload, err := base64.StdEncoding.DecodeString(t.EscposBase64)
		if err != nil {
			s.fail(w, http.StatusBadRequest, "ticket payload is not valid base64", false)
			return
		}
		tickets = append(tickets, printer.StationTicket{
			StationID:   t.StationID,
			StationName: t.StationName,
			Copies:      t.Copies,
			Payload:     payload,
		})
	}

	results := s.Registry.PrintStationTickets(tickets)
	allOK := true
	retryable := false
	var firstErr string
	perStation := make([]map[string]interface{}, 0, len(results))
	for _, res := range results {
		if !res.Success {
			allOK = false
			retryable = retryable || res.Retryable
			if firstErr == "" {
				firstErr = res.Error
			}
		}
		perStation = append(perStation, map[string]interface{}{
			"station_id": res.StationID,
			"success":    res.Success,
			"printer":    res.PrinterName,
			"error":      res.Error,
		})
	}

	status := http.StatusOK
	if !allOK {
		status = http.StatusInternalServerError
		if retryable {
			status = http.StatusServiceUnavailable
		}
	}
	s.writeJSON(w, status, map[string]interface{}{
		"success":    allOK,
		"printed_at": time.Now().UTC().Format(time.RFC3339),
		"results":    perStation,
		"error":      firstErr,
		"retryable":  retryable,
	})
}

func (s *Server) handleCashDrawer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.requireRegistry(w) {
		return
	}

	var req struct {
		Role string `json:"role,omitempty"`
	}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}

	role := printer.RoleCustomerTicket
	if req.Role != "" && printer.ValidRole(printer.Role(req.Role)) {
		role = printer.Role(req.Role)
	}

	if !s.Registry.OpenCashDrawer(role) {
		s.fail(w, http.StatusServiceUnavailable, "cash drawer kick failed", true)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

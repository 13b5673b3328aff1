package cloud

import (
	"context"
	"fmt"
	"net/url"
	"time"
)

// Job kinds used as claim keys and in completion reports.
const (
	JobKitchenOrder   = "kitchen_order"
	JobAddition       = "addition"
	JobCustomerTicket = "customer_ticket"
	JobCashReport     = "cash_report"
	JobStationTicket  = "station_ticket"
)

// DefaultClaimTTL is how long the backend holds an uncompleted claim before
// another daemon may take it over.
const DefaultClaimTTL = 30

// ClaimKeys are the entity identifiers a claim is scoped to. Unused keys stay
// empty and are omitted on the wire.
type ClaimKeys struct {
	OrderID         string `json:"order_id,omitempty"`
	TicketID        string `json:"ticket_id,omitempty"`
	ReportID        string `json:"report_id,omitempty"`
	AdditionGroupID string `json:"addition_group_id,omitempty"`
}

// ClaimResult is the backend's answer to a claim attempt.
type ClaimResult struct {
	Success bool   `json:"success"`
	JobID   string `json:"job_id,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// HeartbeatInfo is the periodic liveness report upserted per device.
type HeartbeatInfo struct {
	Status        string `json:"status"`
	PrinterStatus string `json:"printer_status"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Mode          string `json:"connection_mode"`
}

// Claim invokes the server-side claim_print_job procedure, reserving
// (jobType, keys) for this device for ttlSeconds. Any transport error is
// reported as an unsuccessful claim: skipping a print is preferable to
// double-printing.
func (c *Client) Claim(ctx context.Context, jobType string, keys ClaimKeys, ttlSeconds int) ClaimResult {
	if ttlSeconds <= 0 {
		ttlSeconds = DefaultClaimTTL
	}

	req := struct {
		TenantID   string `json:"tenant_id"`
		JobType    string `json:"job_type"`
		DeviceID   string `json:"device_id"`
		TTLSeconds int    `json:"ttl_seconds"`
		ClaimKeys
	}{
		TenantID:   c.TenantID,
		JobType:    jobType,
		DeviceID:   c.DeviceID,
		TTLSeconds: ttlSeconds,
		ClaimKeys:  keys,
	}

	var result ClaimResult
	err := c.doJSON(ctx, "POST", c.restURL("/rpc/claim_print_job"), req, &result, c.restHeaders())
	if err != nil {
		c.Log.Warn("Claim RPC failed, skipping job", "job_type", jobType, "error", err)
		return ClaimResult{Success: false, Reason: "rpc_error"}
	}

	return result
}

// Complete invokes complete_print_job. Transport errors are logged and
// swallowed: the claim TTL will expire it server-side regardless.
func (c *Client) Complete(ctx context.Context, jobID string, success bool, errorMessage string) {
	req := struct {
		JobID        string `json:"job_id"`
		DeviceID     string `json:"device_id"`
		Success      bool   `json:"success"`
		ErrorMessage string `json:"error_message,omitempty"`
	}{
		JobID:        jobID,
		DeviceID:     c.DeviceID,
		Success:      success,
		ErrorMessage: errorMessage,
	}

	if err := c.doJSON(ctx, "POST", c.restURL("/rpc/complete_print_job"), req, nil, c.restHeaders()); err != nil {
		c.Log.Warn("Complete RPC failed", "job_id", jobID, "error", err)
	}
}

// Heartbeat upserts the device row in the heartbeat table.
func (c *Client) Heartbeat(ctx context.Context, info HeartbeatInfo) error {
	req := struct {
		DeviceID   string `json:"device_id"`
		TenantID   string `json:"restaurant_id"`
		LastSeenAt string `json:"last_seen_at"`
		HeartbeatInfo
	}{
		DeviceID:      c.DeviceID,
		TenantID:      c.TenantID,
		LastSeenAt:    time.Now().UTC().Format(time.RFC3339),
		HeartbeatInfo: info,
	}

	headers := c.restHeaders()
	headers["Prefer"] = "resolution=merge-duplicates"

	if err := c.doJSON(ctx, "POST", c.restURL("/printer_heartbeats"), req, nil, headers); err != nil {
		return fmt.Errorf("heartbeat upsert failed: %w", err)
	}
	return nil
}

// PollOrders queries orders for the tenant created at or after since, oldest
// first. Used in degraded (polling) mode.
func (c *Client) PollOrders(ctx context.Context, since time.Time) ([]Order, error) {
	q := url.Values{}
	q.Set("select", "*")
	q.Set("restaurant_id", "eq."+c.TenantID)
	q.Set("created_at", "gte."+since.UTC().Format(time.RFC3339))
	q.Set("order", "created_at.asc")

	var orders []Order
	err := c.doJSON(ctx, "GET", c.restURL("/orders")+"?"+q.Encode(), nil, &orders, c.restHeaders())
	if err != nil {
		return nil, fmt.Errorf("order poll failed: %w", err)
	}
	return orders, nil
}

package cloud

import "encoding/json"

// Row shapes delivered by the change-feed and the polling queries. Fields the
// bridge does not consume are omitted.

// OrderItem is one line of an order; addition lines are grouped by
// AdditionGroupID when a guest orders more after the initial ticket.
type OrderItem struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	IsAddition      bool   `json:"is_addition"`
	AdditionGroupID string `json:"addition_group_id"`
}

// Order is a restaurant order row.
type Order struct {
	ID           string      `json:"id"`
	RestaurantID string      `json:"restaurant_id"`
	Table        string      `json:"table_number"`
	Status       string      `json:"status"`
	CreatedAt    string      `json:"created_at"`
	Items        []OrderItem `json:"items"`
}

// Ticket is an order-ticket row (customer receipts).
type Ticket struct {
	ID               string `json:"id"`
	OrderID          string `json:"order_id"`
	RestaurantID     string `json:"restaurant_id"`
	TicketType       string `json:"ticket_type"`
	PrintRequestedAt string `json:"print_requested_at"`
}

// CashReport is a cash-report row; PrintRequestedAt is set when a print has
// been requested from the dashboard.
type CashReport struct {
	ID               string `json:"id"`
	RestaurantID     string `json:"restaurant_id"`
	PrintRequestedAt string `json:"print_requested_at"`
}

// AlertRow is an alert-notification row destined for the wearable fan-out.
type AlertRow struct {
	ID           string `json:"id"`
	RestaurantID string `json:"restaurant_id"`
	Table        string `json:"table_number"`
	Type         string `json:"type"`
	Message      string `json:"message"`
	Priority     string `json:"priority"`
	CreatedAt    string `json:"created_at"`
}

// Change-feed table names.
const (
	TableOrders      = "orders"
	TableTickets     = "order_tickets"
	TableCashReports = "cash_reports"
	TableAlerts      = "alert_notifications"
)

// Change-feed event types.
const (
	EventInsert = "INSERT"
	EventUpdate = "UPDATE"
	EventDelete = "DELETE"
)

// ChangeEvent is one row-level change delivered by the feed. New and Old hold
// the raw row payloads; consumers decode them by table.
type ChangeEvent struct {
	Table string
	Type  string
	New   json.RawMessage
	Old   json.RawMessage
}

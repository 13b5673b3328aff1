// Package pipeline turns cloud change-feed rows into print jobs: it
// classifies raw row changes into typed events, deduplicates them, claims
// each job against the backend, fetches the rendered payload, and routes it
// to the right printer.
package pipeline

import (
	"encoding/json"
	"fmt"

	"printbridge/cloud"
)

// DefaultAdditionGroup labels addition items created before group ids
// existed.
const DefaultAdditionGroup = "default"

// Event is a typed pipeline event. Exactly one of the payload fields is set,
// matching Kind.
type Event struct {
	Kind            EventKind
	Order           cloud.Order
	Ticket          cloud.Ticket
	Report          cloud.CashReport
	Alert           cloud.AlertRow
	AdditionGroupID string
}

// EventKind enumerates the pipeline's event types.
type EventKind int

const (
	// EventOrderCreated fires on a new order row.
	EventOrderCreated EventKind = iota
	// EventAdditionAdded fires when an order update introduces a new
	// addition group.
	EventAdditionAdded
	// EventCustomerTicketRequested fires when a customer ticket's print is
	// requested.
	EventCustomerTicketRequested
	// EventCashReportRequested fires when a cash report's print is requested.
	EventCashReportRequested
	// EventAlertRaised fires on a new alert row destined for the wearables.
	EventAlertRaised
)

func (k EventKind) String() string {
	switch k {
	case EventOrderCreated:
		return "order_created"
	case EventAdditionAdded:
		return "addition_added"
	case EventCustomerTicketRequested:
		return "customer_ticket_requested"
	case EventCashReportRequested:
		return "cash_report_requested"
	case EventAlertRaised:
		return "alert_raised"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Classify maps one raw change to zero or more typed events. Deletes are
// never actionable: a row removed upstream has nothing left to print.
func Classify(ev cloud.ChangeEvent) ([]Event, error) {
	if ev.Type == cloud.EventDelete {
		return nil, nil
	}

	switch ev.Table {
	case cloud.TableOrders:
		return classifyOrder(ev)
	case cloud.TableTickets:
		return classifyTicket(ev)
	case cloud.TableCashReports:
		return classifyCashReport(ev)
	case cloud.TableAlerts:
		return classifyAlert(ev)
	default:
		return nil, nil
	}
}

func classifyOrder(ev cloud.ChangeEvent) ([]Event, error) {
	var order cloud.Order
	if err := json.Unmarshal(ev.New, &order); err != nil {
		return nil, fmt.Errorf("failed to decode order row: %w", err)
	}

	if ev.Type == cloud.EventInsert {
		return []Event{{Kind: EventOrderCreated, Order: order}}, nil
	}

	// On update, the only print trigger is a new addition group appearing.
	var old cloud.Order
	if len(ev.Old) > 0 {
		if err := json.Unmarshal(ev.Old, &old); err != nil {
			return nil, fmt.Errorf("failed to decode previous order row: %w", err)
		}
	}

	known := additionGroups(old)
	var events []Event
	for _, group := range additionGroupOrder(order) {
		if !known[group] {
			events = append(events, Event{
				Kind:            EventAdditionAdded,
				Order:           order,
				AdditionGroupID: group,
			})
		}
	}
	return events, nil
}

func classifyTicket(ev cloud.ChangeEvent) ([]Event, error) {
	var ticket cloud.Ticket
	if err := json.Unmarshal(ev.New, &ticket); err != nil {
		return nil, fmt.Errorf("failed to decode ticket row: %w", err)
	}

	if ticket.TicketType != "customer" {
		return nil, nil
	}

	// Inserts always print. Updates are reprints and only count when a
	// request timestamp is present and moved; anything else is bookkeeping
	// noise.
	if ev.Type == cloud.EventUpdate {
		if ticket.PrintRequestedAt == "" {
			return nil, nil
		}
		if len(ev.Old) > 0 {
			var old cloud.Ticket
			if err := json.Unmarshal(ev.Old, &old); err == nil && old.PrintRequestedAt == ticket.PrintRequestedAt {
				return nil, nil
			}
		}
	}

	return []Event{{Kind: EventCustomerTicketRequested, Ticket: ticket}}, nil
}

func classifyCashReport(ev cloud.ChangeEvent) ([]Event, error) {
	var report cloud.CashReport
	if err := json.Unmarshal(ev.New, &report); err != nil {
		return nil, fmt.Errorf("failed to decode cash report row: %w", err)
	}

	if report.PrintRequestedAt == "" {
		return nil, nil
	}

	if ev.Type == cloud.EventUpdate && len(ev.Old) > 0 {
		var old cloud.CashReport
		if err := json.Unmarshal(ev.Old, &old); err == nil && old.PrintRequestedAt == report.PrintRequestedAt {
			return nil, nil
		}
	}

	return []Event{{Kind: EventCashReportRequested, Report: report}}, nil
}

// Alert types the wearable bridge forwards; everything else on the alert
// table is for other consumers.
var forwardedAlertTypes = map[string]bool{
	"waiter_called":     true,
	"bill_ready":        true,
	"payment_confirmed": true,
}

func classifyAlert(ev cloud.ChangeEvent) ([]Event, error) {
	if ev.Type != cloud.EventInsert {
		return nil, nil
	}

	var alert cloud.AlertRow
	if err := json.Unmarshal(ev.New, &alert); err != nil {
		return nil, fmt.Errorf("failed to decode alert row: %w", err)
	}
	if !forwardedAlertTypes[alert.Type] {
		return nil, nil
	}
	return []Event{{Kind: EventAlertRaised, Alert: alert}}, nil
}

// additionGroups collects the set of addition group ids in an order. Items
// flagged as additions without a group id land in the default group.
func additionGroups(order cloud.Order) map[string]bool {
	groups := make(map[string]bool)
	for _, item := range order.Items {
		if !item.IsAddition {
			continue
		}
		group := item.AdditionGroupID
		if group == "" {
			group = DefaultAdditionGroup
		}
		groups[group] = true
	}
	return groups
}

// additionGroupOrder returns the addition groups in first-appearance order so
// tickets print in the order guests added them.
func additionGroupOrder(order cloud.Order) []string {
	seen := make(map[string]bool)
	var groups []string
	for _, item := range order.Items {
		if !item.IsAddition {
			continue
		}
		group := item.AdditionGroupID
		if group == "" {
			group = DefaultAdditionGroup
		}
		if !seen[group] {
			seen[group] = true
			groups = append(groups, group)
		}
	}
	return groups
}

// Memo keys. Composite keys include the request timestamp where a reprint
// with a new timestamp must not be suppressed.

func orderKey(orderID string) string {
	return "order:" + orderID
}

func additionKey(orderID, groupID string) string {
	return "addition:" + orderID + ":" + groupID
}

func ticketKey(orderID, ticketID, requestedAt string) string {
	return "ticket:" + orderID + ":" + ticketID + ":" + requestedAt
}

func reportKey(reportID, requestedAt string) string {
	return "report:" + reportID + ":" + requestedAt
}

func alertKey(alertID string) string {
	return "alert:" + alertID
}

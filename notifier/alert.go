// Package notifier fans alerts out to wearable devices on the local network
// over websockets. Devices register with an id, receive every alert for the
// restaurant, and are evicted when they stop responding.
package notifier

import (
	"time"
	"unicode/utf8"

	"printbridge/cloud"
)

// Alert priorities, lowest to highest. Urgent alerts are never dropped by
// queue overflow.
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// MaxMessageBytes caps the alert message forwarded to devices; wearable
// screens cannot show more anyway.
const MaxMessageBytes = 256

// Alert is one notification delivered to every registered device.
type Alert struct {
	ID        string `json:"id"`
	Table     string `json:"table"`
	Type      string `json:"alert"`
	Message   string `json:"message"`
	Priority  string `json:"priority"`
	Timestamp string `json:"timestamp"`
}

// notificationMsg is the wire form sent to devices.
type notificationMsg struct {
	Type string `json:"type"`
	Alert
}

// AlertFromRow converts a cloud alert row to the local wire model, clamping
// the priority and truncating the message.
func AlertFromRow(row cloud.AlertRow) Alert {
	ts := row.CreatedAt
	if ts == "" {
		ts = time.Now().UTC().Format(time.RFC3339)
	}
	return Alert{
		ID:        row.ID,
		Table:     row.Table,
		Type:      row.Type,
		Message:   truncateMessage(row.Message),
		Priority:  normalizePriority(row.Priority),
		Timestamp: ts,
	}
}

// Urgent reports whether the alert must survive queue overflow.
func (a Alert) Urgent() bool { return a.Priority == PriorityUrgent }

func normalizePriority(p string) string {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return p
	default:
		return PriorityMedium
	}
}

// truncateMessage cuts msg to MaxMessageBytes without splitting a UTF-8
// sequence.
func truncateMessage(msg string) string {
	if len(msg) <= MaxMessageBytes {
		return msg
	}
	cut := MaxMessageBytes
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}

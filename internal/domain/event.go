package domain

import (
	"context"
	"time"
)

// EventType names a monitorable occurrence.
type EventType string

const (
	EventLedgerDrift       EventType = "ledger_drift"
	EventKillSwitchChanged EventType = "kill_switch_changed"
	EventOrderExecuted     EventType = "order_executed"
	EventOrderRejected     EventType = "order_rejected"
	EventPositionClosed    EventType = "position_closed"
	EventMessageRetained   EventType = "message_retained"
)

// Severity grades an event for logging and alert routing.
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// Event is published to operators whenever something notable happens,
// in particular when the ledger diverges from the broker.
type Event struct {
	Type       EventType      `json:"type"`
	Severity   Severity       `json:"severity"`
	Ticket     uint64         `json:"ticket,omitempty"`
	Symbol     string         `json:"symbol,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
	Err        string         `json:"error,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// EventRecorder accepts events. Implementations never fail the caller.
type EventRecorder interface {
	Record(ctx context.Context, evt Event)
}

// QueueMessage is one inbound command delivery.
type QueueMessage struct {
	ID            string
	ReceiptHandle string
	Body          []byte
	ReceiveCount  int
}

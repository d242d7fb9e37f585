package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PositionStore is the position side of the ledger. Every write bumps
// Version; writes against a stale Version fail with ErrConflict. Only OPEN
// records are reachable through FindOpen.
type PositionStore interface {
	// Save creates the record when p.Version is zero, otherwise replaces it
	// if the stored version still equals p.Version. The returned copy
	// carries the new version.
	Save(ctx context.Context, p Position) (Position, error)
	FindByBrokerTicket(ctx context.Context, ticket uint64) (Position, error)
	FindOpen(ctx context.Context, symbol string) ([]Position, error)
	FindClosed(ctx context.Context, symbol string, limit int) ([]Position, error)
	UpdateStatus(ctx context.Context, ticket uint64, status PositionStatus, close *CloseFields) error
	Delete(ctx context.Context, ticket uint64) error
}

// OrderStore persists orders.
type OrderStore interface {
	SaveOrder(ctx context.Context, o Order) error
	FindOrder(ctx context.Context, ticketID string) (Order, error)
}

// KillSwitchStore reads and overwrites the singleton interlock record.
type KillSwitchStore interface {
	GetKillSwitch(ctx context.Context) (KillSwitch, error)
	PutKillSwitch(ctx context.Context, ks KillSwitch) error
}

// Ledger bundles the stores a backend provides.
type Ledger interface {
	PositionStore
	OrderStore
	KillSwitchStore
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

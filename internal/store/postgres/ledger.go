package postgres

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/orderbridge/internal/domain"
)

// Ledger combines the position, order and kill-switch stores.
type Ledger struct {
	*PositionStore
	*OrderStore
	*KillSwitchStore
}

// NewLedger creates a Ledger sharing one pool.
func NewLedger(pool *pgxpool.Pool) *Ledger {
	return &Ledger{
		PositionStore:   NewPositionStore(pool),
		OrderStore:      NewOrderStore(pool),
		KillSwitchStore: NewKillSwitchStore(pool),
	}
}

var (
	_ domain.Ledger     = (*Ledger)(nil)
	_ domain.AuditStore = (*AuditStore)(nil)
)

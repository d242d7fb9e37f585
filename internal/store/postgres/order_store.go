package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/orderbridge/internal/domain"
)

// OrderStore implements domain.OrderStore using PostgreSQL.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore creates a new OrderStore backed by the given connection pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

// SaveOrder upserts an order keyed by its ticket id.
func (s *OrderStore) SaveOrder(ctx context.Context, o domain.Order) error {
	if o.TicketID == "" || !o.Consistent() {
		return fmt.Errorf("postgres: save order %q: %w", o.TicketID, domain.ErrInvalidOrder)
	}
	var brokerTicket *int64
	if o.BrokerTicket != 0 {
		t := int64(o.BrokerTicket)
		brokerTicket = &t
	}

	const query = `
		INSERT INTO orders (
			ticket_id, symbol, lot_size, order_type, action, status,
			mt5_ticket, entry_price, take_profit, stop_loss, comment,
			created_at, executed_at, updated_at
		) VALUES (
			$1, $2, $3::numeric, $4, $5, $6,
			$7, $8::numeric, $9::numeric, $10::numeric, $11,
			$12, $13, NOW()
		)
		ON CONFLICT (ticket_id) DO UPDATE SET
			status      = EXCLUDED.status,
			mt5_ticket  = EXCLUDED.mt5_ticket,
			executed_at = EXCLUDED.executed_at,
			updated_at  = NOW()`

	_, err := s.pool.Exec(ctx, query,
		o.TicketID, o.Symbol, o.LotSize.String(), string(o.Type), string(o.Action), string(o.Status),
		brokerTicket, nullableString(o.EntryPrice), nullableString(o.TakeProfit), nullableString(o.StopLoss), o.Comment,
		o.CreatedAt.UTC(), o.ExecutedAt,
	)
	if err != nil {
		return unavailable("save order", err)
	}
	return nil
}

// FindOrder retrieves an order by ticket id.
func (s *OrderStore) FindOrder(ctx context.Context, ticketID string) (domain.Order, error) {
	const query = `
		SELECT ticket_id, symbol, lot_size::text, order_type, action, status,
			mt5_ticket, entry_price::text, take_profit::text, stop_loss::text, comment,
			created_at, executed_at
		FROM orders WHERE ticket_id = $1`

	var (
		o                        domain.Order
		lot, typ, action, status string
		brokerTicket             *int64
		entry, tp, sl            *string
		executedAt               *time.Time
	)
	err := s.pool.QueryRow(ctx, query, ticketID).Scan(
		&o.TicketID, &o.Symbol, &lot, &typ, &action, &status,
		&brokerTicket, &entry, &tp, &sl, &o.Comment,
		&o.CreatedAt, &executedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, domain.ErrNotFound
		}
		return domain.Order{}, unavailable("get order", err)
	}

	o.Type = domain.OrderType(typ)
	o.Action = domain.Side(action)
	o.Status = domain.OrderStatus(status)
	o.CreatedAt = o.CreatedAt.UTC()
	if brokerTicket != nil {
		o.BrokerTicket = uint64(*brokerTicket)
	}
	if executedAt != nil {
		t := executedAt.UTC()
		o.ExecutedAt = &t
	}
	if o.LotSize, err = decimal.NewFromString(lot); err != nil {
		return domain.Order{}, fmt.Errorf("postgres: decode order %q lot_size: %w", ticketID, err)
	}
	if o.EntryPrice, err = parseNullable(entry); err != nil {
		return domain.Order{}, fmt.Errorf("postgres: decode order %q entry_price: %w", ticketID, err)
	}
	if o.TakeProfit, err = parseNullable(tp); err != nil {
		return domain.Order{}, fmt.Errorf("postgres: decode order %q take_profit: %w", ticketID, err)
	}
	if o.StopLoss, err = parseNullable(sl); err != nil {
		return domain.Order{}, fmt.Errorf("postgres: decode order %q stop_loss: %w", ticketID, err)
	}
	return o, nil
}

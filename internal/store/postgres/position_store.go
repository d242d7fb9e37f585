package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/orderbridge/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `broker_ticket, position_id, symbol, side,
	volume::text, entry_price::text, current_price::text,
	stop_loss::text, take_profit::text, unrealized_pnl::text,
	realized_pnl::text, swap::text, status, magic_number, comment,
	opened_at, closed_at, version`

// positionRow is the textual scan target; decimals are parsed afterwards.
type positionRow struct {
	ticket                   int64
	positionID, symbol, side string
	volume, entry, current   string
	stopLoss, takeProfit     *string
	unrealized               string
	realized                 *string
	swap, status             string
	magic                    int64
	comment                  string
	openedAt                 time.Time
	closedAt                 *time.Time
	version                  int64
}

func (r *positionRow) dest() []any {
	return []any{
		&r.ticket, &r.positionID, &r.symbol, &r.side,
		&r.volume, &r.entry, &r.current,
		&r.stopLoss, &r.takeProfit, &r.unrealized,
		&r.realized, &r.swap, &r.status, &r.magic, &r.comment,
		&r.openedAt, &r.closedAt, &r.version,
	}
}

func (r *positionRow) toDomain() (domain.Position, error) {
	p := domain.Position{
		PositionID:   r.positionID,
		BrokerTicket: uint64(r.ticket),
		Symbol:       r.symbol,
		Side:         domain.Side(r.side),
		Status:       domain.PositionStatus(r.status),
		MagicNumber:  r.magic,
		Comment:      r.comment,
		OpenedAt:     r.openedAt.UTC(),
		Version:      r.version,
	}
	if r.closedAt != nil {
		t := r.closedAt.UTC()
		p.ClosedAt = &t
	}

	var err error
	for _, f := range []struct {
		raw string
		dst *decimal.Decimal
	}{
		{r.volume, &p.Volume},
		{r.entry, &p.EntryPrice},
		{r.current, &p.CurrentPrice},
		{r.unrealized, &p.UnrealizedPnL},
		{r.swap, &p.Swap},
	} {
		if *f.dst, err = decimal.NewFromString(f.raw); err != nil {
			return domain.Position{}, fmt.Errorf("postgres: decode position %d: %w", r.ticket, err)
		}
	}
	if p.StopLoss, err = parseNullable(r.stopLoss); err != nil {
		return domain.Position{}, fmt.Errorf("postgres: decode position %d stop_loss: %w", r.ticket, err)
	}
	if p.TakeProfit, err = parseNullable(r.takeProfit); err != nil {
		return domain.Position{}, fmt.Errorf("postgres: decode position %d take_profit: %w", r.ticket, err)
	}
	if p.RealizedPnL, err = parseNullable(r.realized); err != nil {
		return domain.Position{}, fmt.Errorf("postgres: decode position %d realized_pnl: %w", r.ticket, err)
	}
	return p, nil
}

func scanPositionRows(rows pgx.Rows) ([]domain.Position, error) {
	var positions []domain.Position
	for rows.Next() {
		var r positionRow
		if err := rows.Scan(r.dest()...); err != nil {
			return nil, err
		}
		p, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// Save inserts the position when p.Version is zero, otherwise replaces it
// only if the stored version still equals p.Version.
func (s *PositionStore) Save(ctx context.Context, p domain.Position) (domain.Position, error) {
	if p.BrokerTicket == 0 {
		return domain.Position{}, fmt.Errorf("postgres: save position: %w", domain.ErrInvalidPosition)
	}
	next := p.Clone()
	if next.PositionID == "" {
		next.PositionID = uuid.NewString()
	}
	next.Version = p.Version + 1
	storedTimes(&next)

	args := []any{
		int64(next.BrokerTicket), next.PositionID, next.Symbol, string(next.Side),
		next.Volume.String(), next.EntryPrice.String(), next.CurrentPrice.String(),
		nullableString(next.StopLoss), nullableString(next.TakeProfit), next.UnrealizedPnL.String(),
		nullableString(next.RealizedPnL), next.Swap.String(), string(next.Status),
		next.MagicNumber, next.Comment, next.OpenedAt, next.ClosedAt, next.Version,
	}

	if p.Version == 0 {
		const insert = `
			INSERT INTO positions (
				broker_ticket, position_id, symbol, side,
				volume, entry_price, current_price,
				stop_loss, take_profit, unrealized_pnl,
				realized_pnl, swap, status, magic_number, comment,
				opened_at, closed_at, version, updated_at
			) VALUES (
				$1, $2, $3, $4,
				$5::numeric, $6::numeric, $7::numeric,
				$8::numeric, $9::numeric, $10::numeric,
				$11::numeric, $12::numeric, $13, $14, $15,
				$16, $17, $18, NOW()
			)
			ON CONFLICT (broker_ticket) DO NOTHING`
		tag, err := s.pool.Exec(ctx, insert, args...)
		if err != nil {
			return domain.Position{}, unavailable("create position", err)
		}
		if tag.RowsAffected() == 0 {
			return domain.Position{}, fmt.Errorf("postgres: create position %d: %w", p.BrokerTicket, domain.ErrConflict)
		}
		return next, nil
	}

	const update = `
		UPDATE positions SET
			position_id    = $2,
			symbol         = $3,
			side           = $4,
			volume         = $5::numeric,
			entry_price    = $6::numeric,
			current_price  = $7::numeric,
			stop_loss      = $8::numeric,
			take_profit    = $9::numeric,
			unrealized_pnl = $10::numeric,
			realized_pnl   = $11::numeric,
			swap           = $12::numeric,
			status         = $13,
			magic_number   = $14,
			comment        = $15,
			opened_at      = $16,
			closed_at      = $17,
			version        = $18,
			updated_at     = NOW()
		WHERE broker_ticket = $1 AND version = $19`
	tag, err := s.pool.Exec(ctx, update, append(args, p.Version)...)
	if err != nil {
		return domain.Position{}, unavailable("update position", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.Position{}, s.missOrConflict(ctx, p.BrokerTicket, p.Version)
	}
	return next, nil
}

// missOrConflict explains a conditional write that matched no row.
func (s *PositionStore) missOrConflict(ctx context.Context, ticket uint64, version int64) error {
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM positions WHERE broker_ticket = $1)`, int64(ticket),
	).Scan(&exists); err != nil {
		return unavailable("check position", err)
	}
	if !exists {
		return fmt.Errorf("postgres: save position %d: %w", ticket, domain.ErrNotFound)
	}
	return fmt.Errorf("postgres: save position %d at version %d: %w", ticket, version, domain.ErrConflict)
}

// FindByBrokerTicket retrieves a single position.
func (s *PositionStore) FindByBrokerTicket(ctx context.Context, ticket uint64) (domain.Position, error) {
	var r positionRow
	err := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE broker_ticket = $1`, int64(ticket),
	).Scan(r.dest()...)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, unavailable("get position", err)
	}
	return r.toDomain()
}

// FindOpen returns OPEN positions ordered by symbol then open time.
func (s *PositionStore) FindOpen(ctx context.Context, symbol string) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE status = 'OPEN' AND ($1 = '' OR symbol = $1)
		 ORDER BY symbol, opened_at`, symbol)
	if err != nil {
		return nil, unavailable("find open positions", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan open positions: %w", err)
	}
	return positions, nil
}

// FindClosed returns CLOSED positions, most recently closed first.
func (s *PositionStore) FindClosed(ctx context.Context, symbol string, limit int) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions
		WHERE status = 'CLOSED' AND ($1 = '' OR symbol = $1)
		ORDER BY closed_at DESC`
	args := []any{symbol}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, unavailable("find closed positions", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan closed positions: %w", err)
	}
	return positions, nil
}

// UpdateStatus applies a status transition conditioned on the version read.
func (s *PositionStore) UpdateStatus(ctx context.Context, ticket uint64, status domain.PositionStatus, close *domain.CloseFields) error {
	cur, err := s.FindByBrokerTicket(ctx, ticket)
	if err != nil {
		return fmt.Errorf("postgres: update status %d: %w", ticket, err)
	}
	next, err := cur.Transition(status, close)
	if err != nil {
		return fmt.Errorf("postgres: update status %d: %w", ticket, err)
	}
	storedTimes(&next)

	const query = `
		UPDATE positions SET
			status        = $2,
			closed_at     = $3,
			realized_pnl  = $4::numeric,
			current_price = $5::numeric,
			version       = version + 1,
			updated_at    = NOW()
		WHERE broker_ticket = $1 AND version = $6`
	tag, err := s.pool.Exec(ctx, query,
		int64(ticket), string(next.Status), next.ClosedAt,
		nullableString(next.RealizedPnL), next.CurrentPrice.String(), cur.Version,
	)
	if err != nil {
		return unavailable("update status", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update status %d at version %d: %w", ticket, cur.Version, domain.ErrConflict)
	}
	return nil
}

// Delete removes a position row.
func (s *PositionStore) Delete(ctx context.Context, ticket uint64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM positions WHERE broker_ticket = $1`, int64(ticket))
	if err != nil {
		return unavailable("delete position", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: delete position %d: %w", ticket, domain.ErrNotFound)
	}
	return nil
}

// storedTimes rounds p's timestamps to the microsecond TIMESTAMPTZ keeps.
func storedTimes(p *domain.Position) {
	p.OpenedAt = p.OpenedAt.UTC().Truncate(time.Microsecond)
	if p.ClosedAt != nil {
		c := p.ClosedAt.UTC().Truncate(time.Microsecond)
		p.ClosedAt = &c
	}
}

func nullableString(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func parseNullable(raw *string) (*decimal.Decimal, error) {
	if raw == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*raw)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

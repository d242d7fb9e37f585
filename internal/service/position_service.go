package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/orderbridge/internal/domain"
)

// CloseCode classifies why a close did not happen.
type CloseCode string

const (
	CloseKillSwitchEngaged CloseCode = "kill_switch_engaged"
	ClosePositionNotFound  CloseCode = "position_not_found"
	CloseInvalidPrice      CloseCode = "invalid_price"
	CloseInvalidVolume     CloseCode = "invalid_volume"
	CloseBrokerUnreachable CloseCode = "broker_unreachable"
	CloseBrokerRejected    CloseCode = "broker_rejected"
)

// CloseError is returned by PositionService.Close. Receipt is set for
// broker rejections.
type CloseError struct {
	Code    CloseCode
	Ticket  uint64
	Receipt *domain.TradeReceipt
	Err     error
}

func (e *CloseError) Error() string {
	msg := fmt.Sprintf("close %d: %s", e.Ticket, e.Code)
	if e.Receipt != nil {
		msg += fmt.Sprintf(" (retcode %d: %s)", e.Receipt.RetCode, e.Receipt.Message)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CloseError) Unwrap() error { return e.Err }

// PositionService reads live positions from the broker and closes them,
// reconciling the ledger afterwards. The broker is the source of truth; a
// ledger write that fails after the broker accepted a close is recorded as
// a ledger_drift event and never fails the close.
type PositionService struct {
	broker  domain.BrokerGateway
	ledger  domain.PositionStore
	gate    Gate
	events  domain.EventRecorder
	account domain.AccountContext
	logger  *slog.Logger
	now     func() time.Time
}

// NewPositionService creates a PositionService with all required dependencies.
func NewPositionService(
	broker domain.BrokerGateway,
	ledger domain.PositionStore,
	gate Gate,
	events domain.EventRecorder,
	account domain.AccountContext,
	logger *slog.Logger,
) *PositionService {
	return &PositionService{
		broker:  broker,
		ledger:  ledger,
		gate:    gate,
		events:  events,
		account: account,
		logger:  logger.With(slog.String("component", "position_service")),
		now:     time.Now,
	}
}

// GetPosition returns the live broker position in ledger shape, or nil when
// the broker does not hold ticket.
func (s *PositionService) GetPosition(ctx context.Context, ticket uint64) (*domain.Position, error) {
	snap, err := s.broker.Position(ctx, ticket)
	if err != nil {
		return nil, fmt.Errorf("position_service: get position %d: %w", ticket, err)
	}
	if snap == nil {
		return nil, nil
	}
	p := domain.PositionFromSnapshot(*snap)
	return &p, nil
}

// Close offsets volume of the position, or all of it when volume is nil.
func (s *PositionService) Close(ctx context.Context, ticket uint64, volume *decimal.Decimal) error {
	if s.gate.IsEngaged(ctx) {
		return &CloseError{Code: CloseKillSwitchEngaged, Ticket: ticket}
	}

	snap, err := s.broker.Position(ctx, ticket)
	if err != nil {
		return &CloseError{Code: CloseBrokerUnreachable, Ticket: ticket, Err: err}
	}
	if snap == nil {
		return &CloseError{Code: ClosePositionNotFound, Ticket: ticket}
	}

	closeVolume := snap.Volume
	if volume != nil {
		if !volume.IsPositive() || volume.GreaterThan(snap.Volume) {
			return &CloseError{
				Code:   CloseInvalidVolume,
				Ticket: ticket,
				Err:    fmt.Errorf("requested %s of %s held", volume, snap.Volume),
			}
		}
		closeVolume = *volume
	}

	// BUY is closed by selling at bid, SELL by buying at ask.
	quote, err := s.broker.Quote(ctx, snap.Symbol)
	if err != nil {
		return &CloseError{Code: CloseInvalidPrice, Ticket: ticket, Err: err}
	}
	price := quote.Bid
	if snap.Side == domain.SideSell {
		price = quote.Ask
	}
	if !price.IsPositive() {
		return &CloseError{
			Code:   CloseInvalidPrice,
			Ticket: ticket,
			Err:    fmt.Errorf("no usable %s quote for %s", snap.Side.Opposite(), snap.Symbol),
		}
	}

	domain.MarkBrokerTouched(ctx)
	receipt, err := s.broker.ClosePosition(ctx, domain.CloseRequest{
		Ticket:    ticket,
		Symbol:    snap.Symbol,
		Side:      snap.Side.Opposite(),
		Volume:    closeVolume,
		Price:     price,
		Deviation: s.account.Deviation,
		Magic:     s.account.Magic,
		Comment:   "close",
	})
	if err != nil {
		return &CloseError{Code: CloseBrokerUnreachable, Ticket: ticket, Err: err}
	}
	if !receipt.Accepted {
		return &CloseError{Code: CloseBrokerRejected, Ticket: ticket, Receipt: receipt}
	}

	full := closeVolume.Equal(snap.Volume)
	s.logger.InfoContext(ctx, "position closed at broker",
		slog.Uint64("ticket", ticket),
		slog.String("symbol", snap.Symbol),
		slog.String("volume", closeVolume.String()),
		slog.String("price", price.String()),
		slog.Bool("partial", !full),
	)

	s.reconcile(ctx, *snap, closeVolume, price, full)

	detail := map[string]any{
		"volume":  closeVolume.String(),
		"price":   price.String(),
		"partial": !full,
		"retcode": receipt.RetCode,
	}
	if full {
		detail["realized_pnl"] = snap.Profit.String()
	}
	s.events.Record(ctx, domain.Event{
		Type:       domain.EventPositionClosed,
		Severity:   domain.SeverityInfo,
		Ticket:     ticket,
		Symbol:     snap.Symbol,
		Detail:     detail,
		OccurredAt: s.now().UTC(),
	})
	return nil
}

// reconcile brings the ledger in line with a close the broker accepted.
func (s *PositionService) reconcile(ctx context.Context, snap domain.PositionSnapshot, volume, price decimal.Decimal, full bool) {
	if _, err := s.ledger.FindByBrokerTicket(ctx, snap.Ticket); err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			// favour forward progress: try the create anyway
			s.logger.WarnContext(ctx, "ledger lookup failed before first-sight create",
				slog.Uint64("ticket", snap.Ticket),
				slog.String("error", err.Error()),
			)
		}
		if _, err := s.ledger.Save(ctx, domain.PositionFromSnapshot(snap)); err != nil && !errors.Is(err, domain.ErrConflict) {
			s.drift(ctx, snap, "first_sight_create", err)
			return
		}
	}

	if full {
		err := s.ledger.UpdateStatus(ctx, snap.Ticket, domain.PositionStatusClosed, &domain.CloseFields{
			ClosedAt:     s.now().UTC(),
			RealizedPnL:  snap.Profit,
			CurrentPrice: &price,
		})
		if err != nil {
			s.drift(ctx, snap, "close", err)
		}
		return
	}

	rec, err := s.ledger.FindByBrokerTicket(ctx, snap.Ticket)
	if err != nil {
		s.drift(ctx, snap, "partial_close_read", err)
		return
	}
	rec.Volume = snap.Volume.Sub(volume)
	rec.CurrentPrice = price
	if _, err := s.ledger.Save(ctx, rec); err != nil {
		s.drift(ctx, snap, "partial_close", err)
	}
}

func (s *PositionService) drift(ctx context.Context, snap domain.PositionSnapshot, op string, err error) {
	s.logger.ErrorContext(ctx, "ledger write failed after broker close",
		slog.Uint64("ticket", snap.Ticket),
		slog.String("op", op),
		slog.String("error", err.Error()),
	)
	s.events.Record(ctx, domain.Event{
		Type:       domain.EventLedgerDrift,
		Severity:   domain.SeverityError,
		Ticket:     snap.Ticket,
		Symbol:     snap.Symbol,
		Detail:     map[string]any{"source": "close", "op": op},
		Err:        err.Error(),
		OccurredAt: s.now().UTC(),
	})
}

// ListOpen returns ledger positions that are still open.
func (s *PositionService) ListOpen(ctx context.Context, symbol string) ([]domain.Position, error) {
	positions, err := s.ledger.FindOpen(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("position_service: list open %q: %w", symbol, err)
	}
	return positions, nil
}

// ListClosed returns closed ledger positions, newest first.
func (s *PositionService) ListClosed(ctx context.Context, symbol string, limit int) ([]domain.Position, error) {
	positions, err := s.ledger.FindClosed(ctx, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("position_service: list closed %q: %w", symbol, err)
	}
	return positions, nil
}

// LedgerPosition returns the ledger record for ticket.
func (s *PositionService) LedgerPosition(ctx context.Context, ticket uint64) (domain.Position, error) {
	p, err := s.ledger.FindByBrokerTicket(ctx, ticket)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_service: ledger position %d: %w", ticket, err)
	}
	return p, nil
}

// Package executor turns validated order requests into broker trades and
// records the outcome in the ledger.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/orderbridge/internal/domain"
	"github.com/alanyoungcy/orderbridge/internal/validation"
)

// Code classifies why an order was not executed.
type Code string

const (
	CodeQuoteUnavailable       Code = "quote_unavailable"
	CodeMissingRequiredPrice   Code = "missing_required_price"
	CodeUnsupportedOrderType   Code = "unsupported_order_type"
	CodeBrokerUnreachable      Code = "broker_unreachable"
	CodeBrokerRejected         Code = "broker_rejected"
	CodeValidationFailed       Code = "validation_failed"
	CodeConstraintsUnavailable Code = "constraints_unavailable"
)

// ExecutionError is returned by Execute. Err holds the validation rejection
// or the underlying broker error; Receipt is set for broker rejections.
type ExecutionError struct {
	Code    Code
	Receipt *domain.TradeReceipt
	Err     error
}

func (e *ExecutionError) Error() string {
	msg := "execute: " + string(e.Code)
	if e.Receipt != nil {
		msg += fmt.Sprintf(" (retcode %d: %s)", e.Receipt.RetCode, e.Receipt.Message)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// ExecutionReceipt describes a trade the broker answered. Success is false
// only for rejected trades, which are returned together with an
// ExecutionError.
type ExecutionReceipt struct {
	Success      bool
	TicketID     string
	BrokerTicket uint64
	Kind         domain.OrderKind
	FillPrice    decimal.Decimal
	Volume       decimal.Decimal
	RetCode      int
	Message      string
	Request      domain.TradeRequest
}

// Ledger is the part of the ledger the executor writes.
type Ledger interface {
	domain.OrderStore
	Save(ctx context.Context, p domain.Position) (domain.Position, error)
}

// Executor submits MARKET and PENDING orders.
type Executor struct {
	broker domain.BrokerGateway
	ledger Ledger
	events domain.EventRecorder
	logger *slog.Logger
	now    func() time.Time
}

// New creates an Executor.
func New(broker domain.BrokerGateway, ledger Ledger, events domain.EventRecorder, logger *slog.Logger) *Executor {
	return &Executor{
		broker: broker,
		ledger: ledger,
		events: events,
		logger: logger.With(slog.String("component", "executor")),
		now:    time.Now,
	}
}

// Execute prices, validates and submits req on the account acct.
func (e *Executor) Execute(ctx context.Context, req domain.OrderRequest, acct domain.AccountContext) (*ExecutionReceipt, error) {
	if req.TicketID == "" {
		req.TicketID = uuid.NewString()
	}

	var (
		trade domain.TradeRequest
		err   error
	)
	switch req.Type {
	case domain.OrderTypeMarket:
		trade, err = e.marketTrade(ctx, req, acct)
	case domain.OrderTypePending:
		trade, err = e.pendingTrade(ctx, req, acct)
	default:
		err = &ExecutionError{Code: CodeUnsupportedOrderType, Err: fmt.Errorf("order type %q", req.Type)}
	}
	if err != nil {
		return nil, err
	}

	log := e.logger.With(
		slog.String("ticket_id", req.TicketID),
		slog.String("symbol", req.Symbol),
		slog.String("kind", string(trade.Kind)),
	)

	domain.MarkBrokerTouched(ctx)
	receipt, err := e.broker.SubmitOrder(ctx, trade)
	if err != nil {
		return nil, &ExecutionError{Code: CodeBrokerUnreachable, Err: err}
	}

	out := &ExecutionReceipt{
		Success:      receipt.Accepted,
		TicketID:     req.TicketID,
		BrokerTicket: receipt.OrderTicket,
		Kind:         trade.Kind,
		FillPrice:    receipt.Price,
		Volume:       receipt.Volume,
		RetCode:      receipt.RetCode,
		Message:      receipt.Message,
		Request:      receipt.Request,
	}
	if !receipt.Accepted {
		log.WarnContext(ctx, "order rejected by broker",
			slog.Int("retcode", receipt.RetCode),
			slog.String("message", receipt.Message),
		)
		e.events.Record(ctx, domain.Event{
			Type:     domain.EventOrderRejected,
			Severity: domain.SeverityWarn,
			Symbol:   req.Symbol,
			Detail: map[string]any{
				"ticket_id": req.TicketID,
				"retcode":   receipt.RetCode,
				"message":   receipt.Message,
			},
			OccurredAt: e.now().UTC(),
		})
		return out, &ExecutionError{Code: CodeBrokerRejected, Receipt: receipt}
	}

	if out.FillPrice.IsZero() {
		out.FillPrice = trade.Price
	}
	if out.Volume.IsZero() {
		out.Volume = trade.Volume
	}

	log.InfoContext(ctx, "order executed",
		slog.Uint64("broker_ticket", out.BrokerTicket),
		slog.String("price", out.FillPrice.String()),
		slog.String("volume", out.Volume.String()),
		slog.Int("retcode", out.RetCode),
	)

	e.record(ctx, req, trade, out, acct)

	e.events.Record(ctx, domain.Event{
		Type:     domain.EventOrderExecuted,
		Severity: domain.SeverityInfo,
		Ticket:   out.BrokerTicket,
		Symbol:   req.Symbol,
		Detail: map[string]any{
			"ticket_id": req.TicketID,
			"kind":      string(trade.Kind),
			"price":     out.FillPrice.String(),
			"volume":    out.Volume.String(),
		},
		OccurredAt: e.now().UTC(),
	})
	return out, nil
}

func (e *Executor) marketTrade(ctx context.Context, req domain.OrderRequest, acct domain.AccountContext) (domain.TradeRequest, error) {
	if !req.Action.Valid() {
		return domain.TradeRequest{}, unsupportedAction(req.Action)
	}
	quote, err := e.broker.Quote(ctx, req.Symbol)
	if err != nil {
		return domain.TradeRequest{}, quoteError(err)
	}

	if !quote.Bid.IsPositive() || !quote.Ask.IsPositive() {
		return domain.TradeRequest{}, &ExecutionError{
			Code: CodeQuoteUnavailable,
			Err:  fmt.Errorf("incomplete quote for %s: bid %s ask %s", req.Symbol, quote.Bid, quote.Ask),
		}
	}
	price, kind := quote.Ask, domain.OrderKindBuy
	if req.Action == domain.SideSell {
		price, kind = quote.Bid, domain.OrderKindSell
	}

	levels, err := e.validate(ctx, req, price)
	if err != nil {
		return domain.TradeRequest{}, err
	}

	return domain.TradeRequest{
		Action:     domain.TradeActionDeal,
		Symbol:     req.Symbol,
		Volume:     req.LotSize,
		Kind:       kind,
		Price:      price,
		StopLoss:   levels.StopLoss,
		TakeProfit: levels.TakeProfit,
		Deviation:  acct.Deviation,
		Magic:      acct.Magic,
		Comment:    req.Comment,
		Fill:       domain.FillIOC,
	}, nil
}

func (e *Executor) pendingTrade(ctx context.Context, req domain.OrderRequest, acct domain.AccountContext) (domain.TradeRequest, error) {
	required := []struct {
		name  string
		value *decimal.Decimal
	}{
		{"entry_price", req.EntryPrice},
		{"tp_price", req.TakeProfit},
		{"sl_price", req.StopLoss},
	}
	for _, r := range required {
		if !present(r.value) {
			return domain.TradeRequest{}, &ExecutionError{
				Code: CodeMissingRequiredPrice,
				Err:  fmt.Errorf("%s is required for pending orders", r.name),
			}
		}
	}
	if !req.Action.Valid() {
		return domain.TradeRequest{}, unsupportedAction(req.Action)
	}
	entry := *req.EntryPrice

	quote, err := e.broker.Quote(ctx, req.Symbol)
	if err != nil {
		return domain.TradeRequest{}, quoteError(err)
	}
	kind, err := classifyPending(req.Action, entry, quote)
	if err != nil {
		return domain.TradeRequest{}, err
	}

	levels, err := e.validate(ctx, req, entry)
	if err != nil {
		return domain.TradeRequest{}, err
	}

	return domain.TradeRequest{
		Action:     domain.TradeActionPending,
		Symbol:     req.Symbol,
		Volume:     req.LotSize,
		Kind:       kind,
		Price:      entry,
		StopLoss:   levels.StopLoss,
		TakeProfit: levels.TakeProfit,
		Magic:      acct.Magic,
		Comment:    req.Comment,
		Fill:       domain.FillReturn,
	}, nil
}

// classifyPending picks LIMIT or STOP by where entry sits against the
// current quote: ask for BUY, bid for SELL. An entry equal to the quote is
// a STOP order.
func classifyPending(action domain.Side, entry decimal.Decimal, q domain.Quote) (domain.OrderKind, error) {
	ref := q.Ask
	if action == domain.SideSell {
		ref = q.Bid
	}
	if !ref.IsPositive() {
		return "", &ExecutionError{
			Code: CodeQuoteUnavailable,
			Err:  fmt.Errorf("no %s quote for %s", action, q.Symbol),
		}
	}

	if action == domain.SideBuy {
		if entry.LessThan(ref) {
			return domain.OrderKindBuyLimit, nil
		}
		return domain.OrderKindBuyStop, nil
	}
	if entry.GreaterThan(ref) {
		return domain.OrderKindSellLimit, nil
	}
	return domain.OrderKindSellStop, nil
}

// validate checks TP/SL against reference. Constraints are only fetched
// when a level is present.
func (e *Executor) validate(ctx context.Context, req domain.OrderRequest, reference decimal.Decimal) (validation.StopLevels, error) {
	var c domain.SymbolConstraints
	if present(req.TakeProfit) || present(req.StopLoss) {
		var err error
		c, err = e.broker.SymbolConstraints(ctx, req.Symbol)
		if err != nil {
			if errors.Is(err, domain.ErrBrokerUnreachable) {
				return validation.StopLevels{}, &ExecutionError{Code: CodeBrokerUnreachable, Err: err}
			}
			return validation.StopLevels{}, &ExecutionError{Code: CodeConstraintsUnavailable, Err: err}
		}
	}

	levels, err := validation.ValidateStopLevels(req.Action, reference, req.TakeProfit, req.StopLoss, c)
	if err != nil {
		return validation.StopLevels{}, &ExecutionError{Code: CodeValidationFailed, Err: err}
	}
	return levels, nil
}

// record writes the order and, for market fills, the opened position.
// Failures are drift, never a failed execution.
func (e *Executor) record(ctx context.Context, req domain.OrderRequest, trade domain.TradeRequest, out *ExecutionReceipt, acct domain.AccountContext) {
	now := e.now().UTC()

	order := domain.Order{
		TicketID:   req.TicketID,
		Symbol:     req.Symbol,
		LotSize:    req.LotSize,
		Type:       req.Type,
		Action:     req.Action,
		Status:     domain.OrderStatusPending,
		EntryPrice: req.EntryPrice,
		TakeProfit: req.TakeProfit,
		StopLoss:   req.StopLoss,
		Comment:    req.Comment,
		CreatedAt:  now,
	}
	if req.Type == domain.OrderTypeMarket {
		fill := out.FillPrice
		order.EntryPrice = &fill
	}
	order.MarkOpen(out.BrokerTicket, now)
	if err := e.ledger.SaveOrder(ctx, order); err != nil {
		e.drift(ctx, req, out.BrokerTicket, "save_order", err)
	}

	if req.Type != domain.OrderTypeMarket {
		return
	}
	pos := domain.Position{
		BrokerTicket: out.BrokerTicket,
		Symbol:       req.Symbol,
		Side:         req.Action,
		Volume:       out.Volume,
		EntryPrice:   out.FillPrice,
		CurrentPrice: out.FillPrice,
		StopLoss:     nonZero(trade.StopLoss),
		TakeProfit:   nonZero(trade.TakeProfit),
		Status:       domain.PositionStatusOpen,
		MagicNumber:  acct.Magic,
		Comment:      req.Comment,
		OpenedAt:     now,
	}
	if _, err := e.ledger.Save(ctx, pos); err != nil && !errors.Is(err, domain.ErrConflict) {
		e.drift(ctx, req, out.BrokerTicket, "save_position", err)
	}
}

func (e *Executor) drift(ctx context.Context, req domain.OrderRequest, ticket uint64, op string, err error) {
	e.logger.ErrorContext(ctx, "ledger write failed after broker execution",
		slog.String("ticket_id", req.TicketID),
		slog.Uint64("broker_ticket", ticket),
		slog.String("op", op),
		slog.String("error", err.Error()),
	)
	e.events.Record(ctx, domain.Event{
		Type:       domain.EventLedgerDrift,
		Severity:   domain.SeverityError,
		Ticket:     ticket,
		Symbol:     req.Symbol,
		Detail:     map[string]any{"source": "execute", "op": op, "ticket_id": req.TicketID},
		Err:        err.Error(),
		OccurredAt: e.now().UTC(),
	})
}

func unsupportedAction(action domain.Side) error {
	return &ExecutionError{
		Code: CodeValidationFailed,
		Err:  &validation.Rejection{Reason: validation.ReasonUnsupportedAction, Detail: string(action)},
	}
}

func quoteError(err error) error {
	if errors.Is(err, domain.ErrBrokerUnreachable) {
		return &ExecutionError{Code: CodeBrokerUnreachable, Err: err}
	}
	return &ExecutionError{Code: CodeQuoteUnavailable, Err: err}
}

func present(v *decimal.Decimal) bool {
	return v != nil && !v.IsZero()
}

func nonZero(d decimal.Decimal) *decimal.Decimal {
	if d.IsZero() {
		return nil
	}
	return &d
}

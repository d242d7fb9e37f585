package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/orderbridge/internal/domain"
)

// PositionService defines the methods that the position handler requires.
type PositionService interface {
	ListOpen(ctx context.Context, symbol string) ([]domain.Position, error)
	ListClosed(ctx context.Context, symbol string, limit int) ([]domain.Position, error)
	LedgerPosition(ctx context.Context, ticket uint64) (domain.Position, error)
	GetPosition(ctx context.Context, ticket uint64) (*domain.Position, error)
}

// PositionHandler serves position-related HTTP endpoints.
type PositionHandler struct {
	positions PositionService
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler with the given service and logger.
func NewPositionHandler(positions PositionService, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		logger:    logHandler(logger, "positions"),
	}
}

type positionJSON struct {
	PositionID    string           `json:"position_id,omitempty"`
	BrokerTicket  uint64           `json:"mt5_ticket"`
	Symbol        string           `json:"symbol"`
	Side          domain.Side      `json:"side"`
	Volume        decimal.Decimal  `json:"volume"`
	EntryPrice    decimal.Decimal  `json:"entry_price"`
	CurrentPrice  decimal.Decimal  `json:"current_price"`
	StopLoss      *decimal.Decimal `json:"sl_price,omitempty"`
	TakeProfit    *decimal.Decimal `json:"tp_price,omitempty"`
	UnrealizedPnL decimal.Decimal  `json:"unrealized_pnl"`
	RealizedPnL   *decimal.Decimal `json:"realized_pnl,omitempty"`
	Swap          decimal.Decimal  `json:"swap"`
	Status        string           `json:"status"`
	MagicNumber   int64            `json:"magic_number"`
	Comment       string           `json:"comment,omitempty"`
	OpenedAt      time.Time        `json:"opened_at"`
	ClosedAt      *time.Time       `json:"closed_at,omitempty"`
	Version       int64            `json:"version,omitempty"`
}

func toJSON(p domain.Position) positionJSON {
	return positionJSON{
		PositionID:    p.PositionID,
		BrokerTicket:  p.BrokerTicket,
		Symbol:        p.Symbol,
		Side:          p.Side,
		Volume:        p.Volume,
		EntryPrice:    p.EntryPrice,
		CurrentPrice:  p.CurrentPrice,
		StopLoss:      p.StopLoss,
		TakeProfit:    p.TakeProfit,
		UnrealizedPnL: p.UnrealizedPnL,
		RealizedPnL:   p.RealizedPnL,
		Swap:          p.Swap,
		Status:        string(p.Status),
		MagicNumber:   p.MagicNumber,
		Comment:       p.Comment,
		OpenedAt:      p.OpenedAt,
		ClosedAt:      p.ClosedAt,
		Version:       p.Version,
	}
}

func toJSONList(ps []domain.Position) []positionJSON {
	out := make([]positionJSON, 0, len(ps))
	for _, p := range ps {
		out = append(out, toJSON(p))
	}
	return out
}

// listPositionsResponse wraps the list positions response.
type listPositionsResponse struct {
	Positions []positionJSON `json:"positions"`
}

// positionResponse pairs the ledger record with the live broker view.
type positionResponse struct {
	Ledger *positionJSON `json:"ledger"`
	Live   *positionJSON `json:"live"`
}

// ListOpen returns open ledger positions, optionally for one symbol.
// GET /api/positions?symbol=USDJPY
func (h *PositionHandler) ListOpen(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	positions, err := h.positions.ListOpen(r.Context(), symbol)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list open positions failed",
			slog.String("symbol", symbol),
			slog.String("error", err.Error()),
		)
		writeError(w, statusFor(err), "failed to list positions")
		return
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: toJSONList(positions)})
}

// ListClosed returns closed ledger positions, newest first.
// GET /api/positions/closed?symbol=USDJPY&limit=50
func (h *PositionHandler) ListClosed(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	positions, err := h.positions.ListClosed(r.Context(), symbol, parseLimit(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list closed positions failed",
			slog.String("symbol", symbol),
			slog.String("error", err.Error()),
		)
		writeError(w, statusFor(err), "failed to list positions")
		return
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: toJSONList(positions)})
}

// GetPosition returns the ledger record and the live broker view of one
// ticket. Either side may be null; both missing is a 404. The live view
// needs a connected broker session and is omitted when it is unavailable.
// GET /api/positions/{ticket}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	ticket, ok := parseTicket(r, "ticket")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid ticket")
		return
	}

	var resp positionResponse
	rec, err := h.positions.LedgerPosition(r.Context(), ticket)
	switch {
	case err == nil:
		v := toJSON(rec)
		resp.Ledger = &v
	case !errors.Is(err, domain.ErrNotFound):
		h.logger.ErrorContext(r.Context(), "ledger position read failed",
			slog.Uint64("ticket", ticket),
			slog.String("error", err.Error()),
		)
		writeError(w, statusFor(err), "failed to read position")
		return
	}

	live, err := h.positions.GetPosition(r.Context(), ticket)
	if err != nil {
		h.logger.DebugContext(r.Context(), "live position unavailable",
			slog.Uint64("ticket", ticket),
			slog.String("error", err.Error()),
		)
	} else if live != nil {
		v := toJSON(*live)
		resp.Live = &v
	}

	if resp.Ledger == nil && resp.Live == nil {
		writeError(w, http.StatusNotFound, "position not found")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

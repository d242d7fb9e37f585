package domain

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// PositionStatus tracks whether a position is open or closed.
type PositionStatus string

const (
	PositionStatusOpen   PositionStatus = "OPEN"
	PositionStatusClosed PositionStatus = "CLOSED"
)

// OpenPositionsIndex is the partition value carried only by OPEN records.
const OpenPositionsIndex = "OPEN_POSITIONS"

// Position mirrors a broker-side holding in the ledger.
type Position struct {
	PositionID    string
	BrokerTicket  uint64
	Symbol        string
	Side          Side
	Volume        decimal.Decimal
	EntryPrice    decimal.Decimal
	CurrentPrice  decimal.Decimal
	StopLoss      *decimal.Decimal
	TakeProfit    *decimal.Decimal
	UnrealizedPnL decimal.Decimal
	RealizedPnL   *decimal.Decimal // set once, at close
	Swap          decimal.Decimal
	Status        PositionStatus
	MagicNumber   int64
	Comment       string
	OpenedAt      time.Time
	ClosedAt      *time.Time
	Version       int64
}

// IndexSortKey is the open-positions index sort value: symbol, then open time.
func (p Position) IndexSortKey() string {
	return p.Symbol + "#" + p.OpenedAt.UTC().Format(time.RFC3339Nano)
}

// Open reports whether the position is still held.
func (p Position) Open() bool {
	return p.Status == PositionStatusOpen
}

// CloseFields are written together with the transition to CLOSED.
type CloseFields struct {
	ClosedAt     time.Time
	RealizedPnL  decimal.Decimal
	CurrentPrice *decimal.Decimal
}

// ApplyClose moves p to CLOSED using f. It does not touch Version.
func (p *Position) ApplyClose(f CloseFields) {
	p.Status = PositionStatusClosed
	closedAt := f.ClosedAt.UTC()
	p.ClosedAt = &closedAt
	pnl := f.RealizedPnL
	p.RealizedPnL = &pnl
	if f.CurrentPrice != nil {
		p.CurrentPrice = *f.CurrentPrice
	}
}

// PositionFromSnapshot builds the canonical ledger shape of a live broker
// position. The caller assigns PositionID and Version.
func PositionFromSnapshot(s PositionSnapshot) Position {
	return Position{
		BrokerTicket:  s.Ticket,
		Symbol:        s.Symbol,
		Side:          s.Side,
		Volume:        s.Volume,
		EntryPrice:    s.PriceOpen,
		CurrentPrice:  s.PriceCurrent,
		StopLoss:      optionalPrice(s.StopLoss),
		TakeProfit:    optionalPrice(s.TakeProfit),
		UnrealizedPnL: s.Profit,
		Swap:          s.Swap,
		Status:        PositionStatusOpen,
		MagicNumber:   s.Magic,
		Comment:       s.Comment,
		OpenedAt:      s.OpenedAt.UTC(),
	}
}

// optionalPrice maps the broker's zero-as-absent convention to nil.
func optionalPrice(d decimal.Decimal) *decimal.Decimal {
	if d.IsZero() {
		return nil
	}
	return &d
}

// Clone returns a copy that shares no pointers with p.
func (p Position) Clone() Position {
	out := p
	if p.StopLoss != nil {
		v := *p.StopLoss
		out.StopLoss = &v
	}
	if p.TakeProfit != nil {
		v := *p.TakeProfit
		out.TakeProfit = &v
	}
	if p.RealizedPnL != nil {
		v := *p.RealizedPnL
		out.RealizedPnL = &v
	}
	if p.ClosedAt != nil {
		v := *p.ClosedAt
		out.ClosedAt = &v
	}
	return out
}

// Transition returns the record after a status change. Closing requires
// close fields and happens once; a closed position cannot reopen. A second
// close reports ErrConflict since another writer got there first.
func (p Position) Transition(status PositionStatus, close *CloseFields) (Position, error) {
	next := p.Clone()
	switch status {
	case PositionStatusClosed:
		if close == nil {
			return Position{}, fmt.Errorf("close fields required: %w", ErrInvalidPosition)
		}
		if !p.Open() {
			return Position{}, fmt.Errorf("already closed: %w", ErrConflict)
		}
		next.ApplyClose(*close)
	case PositionStatusOpen:
		if !p.Open() {
			return Position{}, fmt.Errorf("cannot reopen closed position: %w", ErrInvalidPosition)
		}
	default:
		return Position{}, fmt.Errorf("unknown status %q: %w", status, ErrInvalidPosition)
	}
	return next, nil
}

// SortByClosedDesc orders positions by close time, newest first.
func SortByClosedDesc(ps []Position) {
	sort.Slice(ps, func(i, j int) bool {
		ci, cj := ps[i].ClosedAt, ps[j].ClosedAt
		switch {
		case ci == nil:
			return false
		case cj == nil:
			return true
		}
		return ci.After(*cj)
	})
}

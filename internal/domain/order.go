package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order or position.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether s is BUY or SELL.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Opposite returns the side that offsets s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType distinguishes immediate executions from resting orders.
type OrderType string

const (
	OrderTypeMarket  OrderType = "MARKET"
	OrderTypePending OrderType = "PENDING"
)

// OrderStatus tracks the order lifecycle.
type OrderStatus string

const (
	OrderStatusPending OrderStatus = "PENDING"
	OrderStatusOpen    OrderStatus = "OPEN"
	OrderStatusClosed  OrderStatus = "CLOSED"
)

// Order is a submitted trade instruction as recorded in the ledger.
type Order struct {
	TicketID     string
	Symbol       string
	LotSize      decimal.Decimal
	Type         OrderType
	Action       Side
	Status       OrderStatus
	BrokerTicket uint64 // zero until the broker accepts the order
	EntryPrice   *decimal.Decimal
	TakeProfit   *decimal.Decimal
	StopLoss     *decimal.Decimal
	Comment      string
	CreatedAt    time.Time
	ExecutedAt   *time.Time
}

// MarkOpen records broker acceptance of the order.
func (o *Order) MarkOpen(brokerTicket uint64, at time.Time) {
	o.Status = OrderStatusOpen
	o.BrokerTicket = brokerTicket
	t := at.UTC()
	o.ExecutedAt = &t
}

// Consistent reports whether the broker ticket agrees with the status:
// a ticket is present exactly when the order is OPEN or CLOSED.
func (o Order) Consistent() bool {
	executed := o.Status == OrderStatusOpen || o.Status == OrderStatusClosed
	return executed == (o.BrokerTicket != 0)
}

// OrderRequest is a validated instruction to open exposure at the broker.
type OrderRequest struct {
	TicketID   string
	Symbol     string
	Type       OrderType
	Action     Side
	LotSize    decimal.Decimal
	EntryPrice *decimal.Decimal
	TakeProfit *decimal.Decimal
	StopLoss   *decimal.Decimal
	Comment    string
}

// AccountContext carries the per-account parameters applied to every
// broker request.
type AccountContext struct {
	Login     uint64
	Magic     int64
	Deviation int // max slippage in points for market deals
}

package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Credentials identify a broker trading account.
type Credentials struct {
	Login    uint64
	Password string
	Server   string
}

// Quote is the current top of book for a symbol.
type Quote struct {
	Symbol string
	Bid    decimal.Decimal
	Ask    decimal.Decimal
	Time   time.Time
}

// SymbolConstraints are the broker rules that bound price parameters.
type SymbolConstraints struct {
	Symbol                string          `json:"symbol"`
	PointSize             decimal.Decimal `json:"point_size"`
	MinStopDistancePoints int64           `json:"min_stop_distance_points"`
	Digits                int32           `json:"digits"`
}

// MinStopDistance is the minimum TP/SL distance expressed in price units.
func (c SymbolConstraints) MinStopDistance() decimal.Decimal {
	return c.PointSize.Mul(decimal.NewFromInt(c.MinStopDistancePoints))
}

// TradeAction selects between an immediate deal and a resting order.
type TradeAction string

const (
	TradeActionDeal    TradeAction = "DEAL"
	TradeActionPending TradeAction = "PENDING"
)

// OrderKind is the broker-level order type.
type OrderKind string

const (
	OrderKindBuy       OrderKind = "BUY"
	OrderKindSell      OrderKind = "SELL"
	OrderKindBuyLimit  OrderKind = "BUY_LIMIT"
	OrderKindSellLimit OrderKind = "SELL_LIMIT"
	OrderKindBuyStop   OrderKind = "BUY_STOP"
	OrderKindSellStop  OrderKind = "SELL_STOP"
)

// FillPolicy is the broker fill mode.
type FillPolicy string

const (
	FillIOC FillPolicy = "IOC"
	FillFOK FillPolicy = "FOK"
	// FillReturn leaves the unfilled remainder resting; used for pending
	// orders.
	FillReturn FillPolicy = "RETURN"
)

// TradeRequest is submitted to the broker. Zero TP/SL means not set.
type TradeRequest struct {
	Action     TradeAction     `json:"action"`
	Symbol     string          `json:"symbol"`
	Volume     decimal.Decimal `json:"volume"`
	Kind       OrderKind       `json:"kind"`
	Price      decimal.Decimal `json:"price"`
	StopLoss   decimal.Decimal `json:"sl"`
	TakeProfit decimal.Decimal `json:"tp"`
	Deviation  int             `json:"deviation"`
	Magic      int64           `json:"magic"`
	Comment    string          `json:"comment"`
	Fill       FillPolicy      `json:"fill"`
	Position   uint64          `json:"position,omitempty"` // set when closing
}

// TradeReceipt is the broker's answer to a trade request.
type TradeReceipt struct {
	Accepted    bool            `json:"accepted"`
	RetCode     int             `json:"retcode"`
	Message     string          `json:"message"`
	OrderTicket uint64          `json:"order"`
	DealTicket  uint64          `json:"deal"`
	Price       decimal.Decimal `json:"price"`
	Volume      decimal.Decimal `json:"volume"`
	Request     TradeRequest    `json:"request"`
}

// PositionSnapshot is a live broker position. Zero TP/SL means not set.
type PositionSnapshot struct {
	Ticket       uint64
	Symbol       string
	Side         Side
	Volume       decimal.Decimal
	PriceOpen    decimal.Decimal
	PriceCurrent decimal.Decimal
	StopLoss     decimal.Decimal
	TakeProfit   decimal.Decimal
	Profit       decimal.Decimal
	Swap         decimal.Decimal
	Magic        int64
	Comment      string
	OpenedAt     time.Time
}

// CloseRequest asks the broker to offset (part of) an open position.
type CloseRequest struct {
	Ticket    uint64
	Symbol    string
	Side      Side // side of the offsetting deal
	Volume    decimal.Decimal
	Price     decimal.Decimal
	Deviation int
	Magic     int64
	Comment   string
}

// BrokerGateway is the capability surface of the trading terminal. A call
// that gets no answer from the terminal fails with ErrBrokerUnreachable.
// A nil position with a nil error means the broker does not hold it.
type BrokerGateway interface {
	Connect(ctx context.Context, creds Credentials) error
	Quote(ctx context.Context, symbol string) (Quote, error)
	SymbolConstraints(ctx context.Context, symbol string) (SymbolConstraints, error)
	SubmitOrder(ctx context.Context, req TradeRequest) (*TradeReceipt, error)
	Position(ctx context.Context, ticket uint64) (*PositionSnapshot, error)
	ClosePosition(ctx context.Context, req CloseRequest) (*TradeReceipt, error)
}

// CredentialsProvider resolves the account the dispatcher trades on.
type CredentialsProvider interface {
	Credentials(ctx context.Context) (Credentials, error)
}

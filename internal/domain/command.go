package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// OrderCommand is one parsed inbound instruction: MarketCommand,
// PendingCommand or CloseCommand.
type OrderCommand interface {
	isOrderCommand()
}

// MarketCommand opens exposure at the current quote.
type MarketCommand struct {
	OrderRequest
}

// PendingCommand rests an order at an explicit entry price (IFOCO).
type PendingCommand struct {
	OrderRequest
}

// CloseCommand offsets an existing broker position. A nil Volume closes it
// entirely.
type CloseCommand struct {
	Ticket  uint64
	Volume  *decimal.Decimal
	Comment string
}

func (MarketCommand) isOrderCommand()  {}
func (PendingCommand) isOrderCommand() {}
func (CloseCommand) isOrderCommand()   {}

// ParseError reports a message body that cannot become a command.
type ParseError struct {
	Field  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse command: %s: %s", e.Field, e.Reason)
}

type rawCommand struct {
	OrderAction string      `json:"order_action"`
	OrderType   string      `json:"order_type"`
	Symbol      string      `json:"symbol"`
	LotSize     jsonDecimal `json:"lot_size"`
	EntryPrice  jsonDecimal `json:"entry_price"`
	TPPrice     jsonDecimal `json:"tp_price"`
	SLPrice     jsonDecimal `json:"sl_price"`
	Comment     string      `json:"comment"`
	MT5Ticket   jsonTicket  `json:"mt5_ticket"`
}

// ParseCommand decodes an inbound queue body. Numeric fields may arrive as
// JSON numbers or strings.
func ParseCommand(body []byte) (OrderCommand, error) {
	var raw rawCommand
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &ParseError{Field: "body", Reason: err.Error()}
	}

	action := strings.ToUpper(strings.TrimSpace(raw.OrderAction))
	switch action {
	case "CLOSE":
		if raw.MT5Ticket == 0 {
			return nil, &ParseError{Field: "mt5_ticket", Reason: "required for CLOSE"}
		}
		if raw.LotSize.v != nil && !raw.LotSize.v.IsPositive() {
			return nil, &ParseError{Field: "lot_size", Reason: "partial close volume must be > 0"}
		}
		return CloseCommand{
			Ticket:  uint64(raw.MT5Ticket),
			Volume:  raw.LotSize.v,
			Comment: raw.Comment,
		}, nil
	case string(SideBuy), string(SideSell):
	case "":
		return nil, &ParseError{Field: "order_action", Reason: "missing"}
	default:
		return nil, &ParseError{Field: "order_action", Reason: fmt.Sprintf("unknown action %q", raw.OrderAction)}
	}

	symbol := strings.TrimSpace(raw.Symbol)
	if symbol == "" {
		return nil, &ParseError{Field: "symbol", Reason: "missing"}
	}
	if raw.LotSize.v == nil || !raw.LotSize.v.IsPositive() {
		return nil, &ParseError{Field: "lot_size", Reason: "must be > 0"}
	}

	req := OrderRequest{
		Symbol:     symbol,
		Action:     Side(action),
		LotSize:    *raw.LotSize.v,
		EntryPrice: raw.EntryPrice.v,
		TakeProfit: raw.TPPrice.v,
		StopLoss:   raw.SLPrice.v,
		Comment:    raw.Comment,
	}

	switch strings.ToUpper(strings.TrimSpace(raw.OrderType)) {
	case "", string(OrderTypeMarket):
		req.Type = OrderTypeMarket
		return MarketCommand{OrderRequest: req}, nil
	case "IFOCO", string(OrderTypePending):
		req.Type = OrderTypePending
		return PendingCommand{OrderRequest: req}, nil
	default:
		return nil, &ParseError{Field: "order_type", Reason: fmt.Sprintf("unknown order type %q", raw.OrderType)}
	}
}

// jsonDecimal accepts a number, a numeric string, an empty string or null.
type jsonDecimal struct {
	v *decimal.Decimal
}

func (j *jsonDecimal) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("invalid decimal %q", s)
	}
	j.v = &d
	return nil
}

// jsonTicket accepts a positive integer as a number or string.
type jsonTicket uint64

func (t *jsonTicket) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		return nil
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid ticket %q", s)
	}
	*t = jsonTicket(n)
	return nil
}

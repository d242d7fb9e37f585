package dynamo

import (
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/orderbridge/internal/domain"
)

const (
	attrPK     = "pk"
	attrSK     = "sk"
	attrGSI1PK = "gsi1_pk"
	attrGSI1SK = "gsi1_sk"

	skPosition   = "POSITION"
	skOrder      = "ORDER"
	pkConfig     = "CONFIG"
	skKillSwitch = "KILL_SWITCH"

	entityPosition = "position"
	entityOrder    = "order"
	entityAudit    = "audit"

	tableWaitTimeout = 2 * time.Minute
)

func positionPK(ticket uint64) string { return "POSITION#" + strconv.FormatUint(ticket, 10) }
func orderPK(ticketID string) string  { return "ORDER#" + ticketID }
func auditPK(t time.Time) string      { return "AUDIT#" + t.UTC().Format("2006-01-02") }

func key(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrPK: &types.AttributeValueMemberS{Value: pk},
		attrSK: &types.AttributeValueMemberS{Value: sk},
	}
}

func str(s string) types.AttributeValue { return &types.AttributeValueMemberS{Value: s} }

func num(n int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func timestamp(t time.Time) types.AttributeValue {
	return str(t.UTC().Format(time.RFC3339Nano))
}

// Decimals are stored as their exact string form; float attributes would
// lose precision on prices like 150.00012345678901234.
type positionItem struct {
	PK            string     `dynamodbav:"pk"`
	SK            string     `dynamodbav:"sk"`
	GSI1PK        string     `dynamodbav:"gsi1_pk,omitempty"`
	GSI1SK        string     `dynamodbav:"gsi1_sk,omitempty"`
	Entity        string     `dynamodbav:"entity_type"`
	PositionID    string     `dynamodbav:"position_id"`
	BrokerTicket  uint64     `dynamodbav:"broker_ticket"`
	Symbol        string     `dynamodbav:"symbol"`
	Side          string     `dynamodbav:"side"`
	Volume        string     `dynamodbav:"volume"`
	EntryPrice    string     `dynamodbav:"entry_price"`
	CurrentPrice  string     `dynamodbav:"current_price"`
	StopLoss      *string    `dynamodbav:"stop_loss,omitempty"`
	TakeProfit    *string    `dynamodbav:"take_profit,omitempty"`
	UnrealizedPnL string     `dynamodbav:"unrealized_pnl"`
	RealizedPnL   *string    `dynamodbav:"realized_pnl,omitempty"`
	Swap          string     `dynamodbav:"swap"`
	Status        string     `dynamodbav:"status"`
	MagicNumber   int64      `dynamodbav:"magic_number"`
	Comment       string     `dynamodbav:"comment,omitempty"`
	OpenedAt      time.Time  `dynamodbav:"opened_at"`
	ClosedAt      *time.Time `dynamodbav:"closed_at,omitempty"`
	UpdatedAt     time.Time  `dynamodbav:"updated_at"`
	Version       int64      `dynamodbav:"version"`
}

func toPositionItem(p domain.Position, now time.Time) positionItem {
	it := positionItem{
		PK:            positionPK(p.BrokerTicket),
		SK:            skPosition,
		Entity:        entityPosition,
		PositionID:    p.PositionID,
		BrokerTicket:  p.BrokerTicket,
		Symbol:        p.Symbol,
		Side:          string(p.Side),
		Volume:        p.Volume.String(),
		EntryPrice:    p.EntryPrice.String(),
		CurrentPrice:  p.CurrentPrice.String(),
		StopLoss:      decimalString(p.StopLoss),
		TakeProfit:    decimalString(p.TakeProfit),
		UnrealizedPnL: p.UnrealizedPnL.String(),
		RealizedPnL:   decimalString(p.RealizedPnL),
		Swap:          p.Swap.String(),
		Status:        string(p.Status),
		MagicNumber:   p.MagicNumber,
		Comment:       p.Comment,
		OpenedAt:      p.OpenedAt.UTC(),
		ClosedAt:      p.ClosedAt,
		UpdatedAt:     now.UTC(),
		Version:       p.Version,
	}
	if p.Open() {
		it.GSI1PK = domain.OpenPositionsIndex
		it.GSI1SK = p.IndexSortKey()
	}
	return it
}

func (it positionItem) toDomain() (domain.Position, error) {
	p := domain.Position{
		PositionID:   it.PositionID,
		BrokerTicket: it.BrokerTicket,
		Symbol:       it.Symbol,
		Side:         domain.Side(it.Side),
		Status:       domain.PositionStatus(it.Status),
		MagicNumber:  it.MagicNumber,
		Comment:      it.Comment,
		OpenedAt:     it.OpenedAt.UTC(),
		ClosedAt:     it.ClosedAt,
		Version:      it.Version,
	}
	var err error
	fields := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"volume", it.Volume, &p.Volume},
		{"entry_price", it.EntryPrice, &p.EntryPrice},
		{"current_price", it.CurrentPrice, &p.CurrentPrice},
		{"unrealized_pnl", it.UnrealizedPnL, &p.UnrealizedPnL},
		{"swap", it.Swap, &p.Swap},
	}
	for _, f := range fields {
		if *f.dst, err = parseDecimal(f.name, f.raw); err != nil {
			return domain.Position{}, err
		}
	}
	if p.StopLoss, err = parseOptional("stop_loss", it.StopLoss); err != nil {
		return domain.Position{}, err
	}
	if p.TakeProfit, err = parseOptional("take_profit", it.TakeProfit); err != nil {
		return domain.Position{}, err
	}
	if p.RealizedPnL, err = parseOptional("realized_pnl", it.RealizedPnL); err != nil {
		return domain.Position{}, err
	}
	return p, nil
}

type orderItem struct {
	PK           string     `dynamodbav:"pk"`
	SK           string     `dynamodbav:"sk"`
	Entity       string     `dynamodbav:"entity_type"`
	TicketID     string     `dynamodbav:"ticket_id"`
	Symbol       string     `dynamodbav:"symbol"`
	LotSize      string     `dynamodbav:"lot_size"`
	Type         string     `dynamodbav:"order_type"`
	Action       string     `dynamodbav:"action"`
	Status       string     `dynamodbav:"status"`
	BrokerTicket uint64     `dynamodbav:"mt5_ticket,omitempty"`
	EntryPrice   *string    `dynamodbav:"entry_price,omitempty"`
	TakeProfit   *string    `dynamodbav:"take_profit,omitempty"`
	StopLoss     *string    `dynamodbav:"stop_loss,omitempty"`
	Comment      string     `dynamodbav:"comment,omitempty"`
	CreatedAt    time.Time  `dynamodbav:"created_at"`
	ExecutedAt   *time.Time `dynamodbav:"executed_at,omitempty"`
}

func toOrderItem(o domain.Order) orderItem {
	return orderItem{
		PK:           orderPK(o.TicketID),
		SK:           skOrder,
		Entity:       entityOrder,
		TicketID:     o.TicketID,
		Symbol:       o.Symbol,
		LotSize:      o.LotSize.String(),
		Type:         string(o.Type),
		Action:       string(o.Action),
		Status:       string(o.Status),
		BrokerTicket: o.BrokerTicket,
		EntryPrice:   decimalString(o.EntryPrice),
		TakeProfit:   decimalString(o.TakeProfit),
		StopLoss:     decimalString(o.StopLoss),
		Comment:      o.Comment,
		CreatedAt:    o.CreatedAt.UTC(),
		ExecutedAt:   o.ExecutedAt,
	}
}

func (it orderItem) toDomain() (domain.Order, error) {
	o := domain.Order{
		TicketID:     it.TicketID,
		Symbol:       it.Symbol,
		Type:         domain.OrderType(it.Type),
		Action:       domain.Side(it.Action),
		Status:       domain.OrderStatus(it.Status),
		BrokerTicket: it.BrokerTicket,
		Comment:      it.Comment,
		CreatedAt:    it.CreatedAt.UTC(),
		ExecutedAt:   it.ExecutedAt,
	}
	var err error
	if o.LotSize, err = parseDecimal("lot_size", it.LotSize); err != nil {
		return domain.Order{}, err
	}
	if o.EntryPrice, err = parseOptional("entry_price", it.EntryPrice); err != nil {
		return domain.Order{}, err
	}
	if o.TakeProfit, err = parseOptional("take_profit", it.TakeProfit); err != nil {
		return domain.Order{}, err
	}
	if o.StopLoss, err = parseOptional("stop_loss", it.StopLoss); err != nil {
		return domain.Order{}, err
	}
	return o, nil
}

type killSwitchItem struct {
	PK          string    `dynamodbav:"pk"`
	SK          string    `dynamodbav:"sk"`
	Status      string    `dynamodbav:"status"`
	LastUpdated time.Time `dynamodbav:"last_updated"`
	Reason      string    `dynamodbav:"reason"`
	UpdatedBy   string    `dynamodbav:"updated_by"`
}

type auditItem struct {
	PK        string         `dynamodbav:"pk"`
	SK        string         `dynamodbav:"sk"`
	Entity    string         `dynamodbav:"entity_type"`
	Event     string         `dynamodbav:"event"`
	Detail    map[string]any `dynamodbav:"detail"`
	CreatedAt time.Time      `dynamodbav:"created_at"`
}

func decimalString(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func parseDecimal(field, raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("decode %s %q: %w", field, raw, err)
	}
	return d, nil
}

func parseOptional(field string, raw *string) (*decimal.Decimal, error) {
	if raw == nil {
		return nil, nil
	}
	d, err := parseDecimal(field, *raw)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

package executor

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/orderbridge/internal/broker/brokertest"
	"github.com/alanyoungcy/orderbridge/internal/domain"
	"github.com/alanyoungcy/orderbridge/internal/store/memory"
	"github.com/alanyoungcy/orderbridge/internal/validation"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func ptr(s string) *decimal.Decimal {
	v := dec(s)
	return &v
}

type captured struct {
	mu     sync.Mutex
	events []domain.Event
}

func (c *captured) Record(_ context.Context, evt domain.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *captured) count(t domain.EventType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

type failingOrders struct {
	*memory.Store
}

func (failingOrders) SaveOrder(context.Context, domain.Order) error {
	return domain.ErrStoreUnavailable
}

var acct = domain.AccountContext{Login: 5001, Magic: 9001, Deviation: 20}

type fixture struct {
	gw     *brokertest.Gateway
	store  *memory.Store
	events *captured
	exec   *Executor
}

func newFixture() fixture {
	gw := brokertest.New()
	gw.Quotes["USDJPY"] = domain.Quote{Symbol: "USDJPY", Bid: dec("150.000"), Ask: dec("150.020")}
	gw.Constraints["USDJPY"] = domain.SymbolConstraints{Symbol: "USDJPY", PointSize: dec("0.001"), MinStopDistancePoints: 100, Digits: 3}
	store := memory.New()
	events := &captured{}
	return fixture{
		gw:     gw,
		store:  store,
		events: events,
		exec:   New(gw, store, events, slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
}

func code(t *testing.T, err error) Code {
	t.Helper()
	var ee *ExecutionError
	require.ErrorAs(t, err, &ee)
	return ee.Code
}

func TestMarketBuyUsesAskAndRecordsLedger(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	rec, err := f.exec.Execute(ctx, domain.OrderRequest{
		TicketID: "t-1", Symbol: "USDJPY", Type: domain.OrderTypeMarket, Action: domain.SideBuy,
		LotSize: dec("0.10"), TakeProfit: ptr("150.500"), StopLoss: ptr("149.500"),
	}, acct)
	require.NoError(t, err)
	require.True(t, rec.Success)
	assert.Equal(t, domain.OrderKindBuy, rec.Kind)
	assert.Equal(t, "150.02", rec.FillPrice.String())

	require.Len(t, f.gw.Submitted, 1)
	sent := f.gw.Submitted[0]
	assert.Equal(t, domain.TradeActionDeal, sent.Action)
	assert.Equal(t, domain.FillIOC, sent.Fill)
	assert.Equal(t, 20, sent.Deviation)
	assert.Equal(t, int64(9001), sent.Magic)
	assert.Equal(t, "149.5", sent.StopLoss.String())

	order, err := f.store.FindOrder(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusOpen, order.Status)
	assert.Equal(t, rec.BrokerTicket, order.BrokerTicket)

	pos, err := f.store.FindByBrokerTicket(ctx, rec.BrokerTicket)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusOpen, pos.Status)
	assert.Equal(t, "0.1", pos.Volume.String())
	open, err := f.store.FindOpen(ctx, "USDJPY")
	require.NoError(t, err)
	assert.Len(t, open, 1)

	assert.Equal(t, 1, f.events.count(domain.EventOrderExecuted))
}

func TestMarketSellUsesBidWithoutStops(t *testing.T) {
	f := newFixture()
	delete(f.gw.Constraints, "USDJPY")

	rec, err := f.exec.Execute(context.Background(), domain.OrderRequest{
		Symbol: "USDJPY", Type: domain.OrderTypeMarket, Action: domain.SideSell, LotSize: dec("1"),
	}, acct)
	require.NoError(t, err)
	assert.NotEmpty(t, rec.TicketID, "ticket id is generated")
	assert.Equal(t, "150", f.gw.Submitted[0].Price.String())
	assert.True(t, f.gw.Submitted[0].StopLoss.IsZero())
	assert.Zero(t, f.gw.Calls("SymbolConstraints"), "no stops, no constraint lookup")
}

func TestMarketQuoteUnavailable(t *testing.T) {
	f := newFixture()
	f.gw.Quotes["USDJPY"] = domain.Quote{Symbol: "USDJPY", Bid: dec("150")}

	_, err := f.exec.Execute(context.Background(), domain.OrderRequest{
		Symbol: "USDJPY", Type: domain.OrderTypeMarket, Action: domain.SideBuy, LotSize: dec("1"),
	}, acct)
	assert.Equal(t, CodeQuoteUnavailable, code(t, err))

	// a sell needs only the bid, but a one-sided quote is still no quote
	_, err = f.exec.Execute(context.Background(), domain.OrderRequest{
		Symbol: "USDJPY", Type: domain.OrderTypeMarket, Action: domain.SideSell, LotSize: dec("1"),
	}, acct)
	assert.Equal(t, CodeQuoteUnavailable, code(t, err))
	assert.Zero(t, f.gw.Calls("SubmitOrder"))

	f.gw.Fail("Quote", domain.ErrBrokerUnreachable)
	_, err = f.exec.Execute(context.Background(), domain.OrderRequest{
		Symbol: "USDJPY", Type: domain.OrderTypeMarket, Action: domain.SideBuy, LotSize: dec("1"),
	}, acct)
	assert.Equal(t, CodeBrokerUnreachable, code(t, err))
}

func TestMarketValidationFailure(t *testing.T) {
	f := newFixture()

	_, err := f.exec.Execute(context.Background(), domain.OrderRequest{
		Symbol: "USDJPY", Type: domain.OrderTypeMarket, Action: domain.SideBuy,
		LotSize: dec("1"), StopLoss: ptr("149.950"),
	}, acct)
	assert.Equal(t, CodeValidationFailed, code(t, err))
	var rej *validation.Rejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, validation.ReasonSLTooClose, rej.Reason)
	assert.Zero(t, f.gw.Calls("SubmitOrder"))

	f.gw.Fail("SymbolConstraints", domain.ErrNotFound)
	_, err = f.exec.Execute(context.Background(), domain.OrderRequest{
		Symbol: "USDJPY", Type: domain.OrderTypeMarket, Action: domain.SideBuy,
		LotSize: dec("1"), StopLoss: ptr("149"),
	}, acct)
	assert.Equal(t, CodeConstraintsUnavailable, code(t, err))
}

func TestPendingClassification(t *testing.T) {
	tests := []struct {
		name   string
		action domain.Side
		entry  string
		tp, sl string
		want   domain.OrderKind
	}{
		{"buy below ask", domain.SideBuy, "149.000", "150.000", "148.000", domain.OrderKindBuyLimit},
		{"buy above ask", domain.SideBuy, "151.000", "152.000", "150.500", domain.OrderKindBuyStop},
		{"buy at ask", domain.SideBuy, "150.020", "151.000", "149.000", domain.OrderKindBuyStop},
		{"sell above bid", domain.SideSell, "151.000", "150.000", "152.000", domain.OrderKindSellLimit},
		{"sell below bid", domain.SideSell, "149.000", "148.000", "150.500", domain.OrderKindSellStop},
		{"sell at bid", domain.SideSell, "150.000", "149.000", "151.000", domain.OrderKindSellStop},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture()
			rec, err := f.exec.Execute(ctx, domain.OrderRequest{
				TicketID: "p", Symbol: "USDJPY", Type: domain.OrderTypePending, Action: tt.action,
				LotSize: dec("0.5"), EntryPrice: ptr(tt.entry), TakeProfit: ptr(tt.tp), StopLoss: ptr(tt.sl),
			}, acct)
			require.NoError(t, err)
			assert.Equal(t, tt.want, rec.Kind)
			sent := f.gw.Submitted[0]
			assert.Equal(t, domain.TradeActionPending, sent.Action)
			assert.Equal(t, domain.FillReturn, sent.Fill)
			assert.True(t, sent.Price.Equal(dec(tt.entry)))

			order, err := f.store.FindOrder(ctx, "p")
			require.NoError(t, err)
			assert.Equal(t, domain.OrderStatusOpen, order.Status)
			open, err := f.store.FindOpen(ctx, "")
			require.NoError(t, err)
			assert.Empty(t, open, "pending orders do not open positions")
		})
	}
}

func TestPendingRequiresPrices(t *testing.T) {
	f := newFixture()
	_, err := f.exec.Execute(context.Background(), domain.OrderRequest{
		Symbol: "USDJPY", Type: domain.OrderTypePending, Action: domain.SideBuy,
		LotSize: dec("1"), EntryPrice: ptr("149"), TakeProfit: ptr("150"),
	}, acct)
	assert.Equal(t, CodeMissingRequiredPrice, code(t, err))
	assert.Zero(t, f.gw.TotalCalls())
}

func TestPendingValidatesAgainstEntry(t *testing.T) {
	f := newFixture()
	// sl is below the quote but above the entry
	_, err := f.exec.Execute(context.Background(), domain.OrderRequest{
		Symbol: "USDJPY", Type: domain.OrderTypePending, Action: domain.SideBuy,
		LotSize: dec("1"), EntryPrice: ptr("148.000"), TakeProfit: ptr("149.000"), StopLoss: ptr("149.500"),
	}, acct)
	assert.Equal(t, CodeValidationFailed, code(t, err))
	assert.Zero(t, f.gw.Calls("SubmitOrder"))
}

func TestUnsupportedOrderType(t *testing.T) {
	f := newFixture()
	_, err := f.exec.Execute(context.Background(), domain.OrderRequest{
		Symbol: "USDJPY", Type: "TRAILING", Action: domain.SideBuy, LotSize: dec("1"),
	}, acct)
	assert.Equal(t, CodeUnsupportedOrderType, code(t, err))
	assert.Zero(t, f.gw.TotalCalls())

	_, err = f.exec.Execute(context.Background(), domain.OrderRequest{
		Symbol: "USDJPY", Type: domain.OrderTypeMarket, Action: "HOLD", LotSize: dec("1"),
	}, acct)
	assert.Equal(t, CodeValidationFailed, code(t, err))
	assert.Zero(t, f.gw.TotalCalls())
}

func TestBrokerRejectionReturnsReceipt(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.gw.SubmitReceipt = &domain.TradeReceipt{RetCode: 10019, Message: "no money"}

	rec, err := f.exec.Execute(ctx, domain.OrderRequest{
		TicketID: "r", Symbol: "USDJPY", Type: domain.OrderTypeMarket, Action: domain.SideBuy, LotSize: dec("1"),
	}, acct)
	assert.Equal(t, CodeBrokerRejected, code(t, err))
	require.NotNil(t, rec)
	assert.False(t, rec.Success)
	assert.Equal(t, 10019, rec.RetCode)
	assert.Equal(t, "USDJPY", rec.Request.Symbol)

	_, err = f.store.FindOrder(ctx, "r")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, 1, f.events.count(domain.EventOrderRejected))
}

func TestBrokerUnreachable(t *testing.T) {
	f := newFixture()
	f.gw.Fail("SubmitOrder", domain.ErrBrokerUnreachable)

	rec, err := f.exec.Execute(context.Background(), domain.OrderRequest{
		Symbol: "USDJPY", Type: domain.OrderTypeMarket, Action: domain.SideBuy, LotSize: dec("1"),
	}, acct)
	assert.Nil(t, rec)
	assert.Equal(t, CodeBrokerUnreachable, code(t, err))
	assert.ErrorIs(t, err, domain.ErrBrokerUnreachable)
}

func TestLedgerFailureDoesNotFailExecution(t *testing.T) {
	f := newFixture()
	f.exec.ledger = failingOrders{Store: f.store}

	rec, err := f.exec.Execute(context.Background(), domain.OrderRequest{
		Symbol: "USDJPY", Type: domain.OrderTypeMarket, Action: domain.SideBuy, LotSize: dec("1"),
	}, acct)
	require.NoError(t, err)
	assert.True(t, rec.Success)
	assert.Equal(t, 1, f.events.count(domain.EventLedgerDrift))
	assert.Equal(t, 1, f.events.count(domain.EventOrderExecuted))
}

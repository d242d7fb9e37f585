package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/orderbridge/internal/broker/brokertest"
	"github.com/alanyoungcy/orderbridge/internal/domain"
	"github.com/alanyoungcy/orderbridge/internal/store/memory"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type captured struct {
	mu     sync.Mutex
	events []domain.Event
}

func (c *captured) Record(_ context.Context, evt domain.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *captured) ofType(t domain.EventType) []domain.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []domain.Event
	for _, e := range c.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type staticGate bool

func (g staticGate) IsEngaged(context.Context) bool { return bool(g) }

type brokenKillSwitch struct{}

func (brokenKillSwitch) GetKillSwitch(context.Context) (domain.KillSwitch, error) {
	return domain.KillSwitch{}, domain.ErrStoreUnavailable
}

func (brokenKillSwitch) PutKillSwitch(context.Context, domain.KillSwitch) error {
	return domain.ErrStoreUnavailable
}

func TestKillSwitchFailsClosed(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	rec := &captured{}
	ks := NewKillSwitchService(store, rec, discard())

	assert.True(t, ks.IsEngaged(ctx), "missing record blocks trading")

	require.NoError(t, store.PutKillSwitch(ctx, domain.KillSwitch{Status: "off"}))
	assert.True(t, ks.IsEngaged(ctx), "only the literal OFF allows trading")

	require.NoError(t, store.PutKillSwitch(ctx, domain.KillSwitch{Status: "MAINTENANCE"}))
	assert.True(t, ks.IsEngaged(ctx))

	require.NoError(t, store.PutKillSwitch(ctx, domain.KillSwitch{Status: domain.KillSwitchOff}))
	assert.False(t, ks.IsEngaged(ctx))

	broken := NewKillSwitchService(brokenKillSwitch{}, rec, discard())
	assert.True(t, broken.IsEngaged(ctx), "unreadable store blocks trading")
	view, err := broken.Status(ctx)
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.True(t, view.Engaged)
}

func TestKillSwitchEngageDisengage(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	rec := &captured{}
	ks := NewKillSwitchService(store, rec, discard())
	at := time.Date(2026, 4, 1, 9, 30, 0, 0, time.UTC)
	ks.now = func() time.Time { return at }

	view, err := ks.Status(ctx)
	require.NoError(t, err)
	assert.True(t, view.Engaged)

	require.NoError(t, ks.Disengage(ctx, "market open", "ops"))
	view, err = ks.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, KillSwitchView{Engaged: false, Reason: "market open", Actor: "ops", LastUpdated: at}, view)

	require.NoError(t, ks.Engage(ctx, "drawdown", "risk-bot"))
	assert.True(t, ks.IsEngaged(ctx))
	stored, err := store.GetKillSwitch(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.KillSwitchOn, stored.Status)
	assert.Equal(t, "risk-bot", stored.UpdatedBy)

	events := rec.ofType(domain.EventKillSwitchChanged)
	require.Len(t, events, 2)
	assert.Equal(t, "OFF", events[0].Detail["status"])
	assert.Equal(t, domain.SeverityWarn, events[1].Severity)

	assert.Error(t, ks.Engage(ctx, "no actor", "  "))
	assert.Error(t, NewKillSwitchService(brokenKillSwitch{}, rec, discard()).Engage(ctx, "x", "ops"))
}

// flakyLedger fails selected ledger calls.
type flakyLedger struct {
	*memory.Store
	findErr   error
	saveErr   error
	updateErr error
}

func (f *flakyLedger) FindByBrokerTicket(ctx context.Context, ticket uint64) (domain.Position, error) {
	if f.findErr != nil {
		return domain.Position{}, f.findErr
	}
	return f.Store.FindByBrokerTicket(ctx, ticket)
}

func (f *flakyLedger) Save(ctx context.Context, p domain.Position) (domain.Position, error) {
	if f.saveErr != nil {
		return domain.Position{}, f.saveErr
	}
	return f.Store.Save(ctx, p)
}

func (f *flakyLedger) UpdateStatus(ctx context.Context, ticket uint64, status domain.PositionStatus, close *domain.CloseFields) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	return f.Store.UpdateStatus(ctx, ticket, status, close)
}

type closerFixture struct {
	gw     *brokertest.Gateway
	ledger *flakyLedger
	events *captured
	svc    *PositionService
}

func newCloser(engaged bool) closerFixture {
	gw := brokertest.New()
	gw.Quotes["USDJPY"] = domain.Quote{Symbol: "USDJPY", Bid: dec("150.010"), Ask: dec("150.030")}
	gw.AddPosition(domain.PositionSnapshot{
		Ticket: 777, Symbol: "USDJPY", Side: domain.SideBuy, Volume: dec("0.30"),
		PriceOpen: dec("149.500"), PriceCurrent: dec("150.010"), Profit: dec("102.55"),
		Magic: 9001,
	})
	ledger := &flakyLedger{Store: memory.New()}
	events := &captured{}
	svc := NewPositionService(gw, ledger, staticGate(engaged), events,
		domain.AccountContext{Login: 5001, Magic: 9001, Deviation: 20}, discard())
	return closerFixture{gw: gw, ledger: ledger, events: events, svc: svc}
}

func closeCode(t *testing.T, err error) CloseCode {
	t.Helper()
	var ce *CloseError
	require.ErrorAs(t, err, &ce)
	return ce.Code
}

func TestCloseBlockedByKillSwitch(t *testing.T) {
	f := newCloser(true)
	err := f.svc.Close(context.Background(), 777, nil)
	assert.Equal(t, CloseKillSwitchEngaged, closeCode(t, err))
	assert.Zero(t, f.gw.TotalCalls(), "broker must not be contacted")
}

func TestCloseUnknownTicket(t *testing.T) {
	f := newCloser(false)
	err := f.svc.Close(context.Background(), 1, nil)
	assert.Equal(t, ClosePositionNotFound, closeCode(t, err))
	assert.Zero(t, f.gw.Calls("ClosePosition"))
}

func TestCloseFullBuyCreatesAndClosesLedgerRecord(t *testing.T) {
	ctx := context.Background()
	f := newCloser(false)

	require.NoError(t, f.svc.Close(ctx, 777, nil))

	require.Len(t, f.gw.Closed, 1)
	req := f.gw.Closed[0]
	assert.Equal(t, domain.SideSell, req.Side)
	assert.Equal(t, "150.01", req.Price.String(), "BUY closes at bid")
	assert.Equal(t, "0.3", req.Volume.String())
	assert.Equal(t, 20, req.Deviation)

	rec, err := f.ledger.FindByBrokerTicket(ctx, 777)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusClosed, rec.Status)
	require.NotNil(t, rec.RealizedPnL)
	assert.Equal(t, "102.55", rec.RealizedPnL.String())
	require.NotNil(t, rec.ClosedAt)
	assert.Equal(t, int64(2), rec.Version, "first-sight create then close")

	open, err := f.svc.ListOpen(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, open)
	closed, err := f.svc.ListClosed(ctx, "USDJPY", 10)
	require.NoError(t, err)
	assert.Len(t, closed, 1)

	assert.Len(t, f.events.ofType(domain.EventPositionClosed), 1)
	assert.Empty(t, f.events.ofType(domain.EventLedgerDrift))
}

func TestCloseSellUsesAsk(t *testing.T) {
	f := newCloser(false)
	f.gw.AddPosition(domain.PositionSnapshot{Ticket: 778, Symbol: "USDJPY", Side: domain.SideSell, Volume: dec("1")})

	require.NoError(t, f.svc.Close(context.Background(), 778, nil))
	require.Len(t, f.gw.Closed, 1)
	assert.Equal(t, domain.SideBuy, f.gw.Closed[0].Side)
	assert.Equal(t, "150.03", f.gw.Closed[0].Price.String())
}

func TestCloseExistingLedgerRecord(t *testing.T) {
	ctx := context.Background()
	f := newCloser(false)
	snap, err := f.gw.Position(ctx, 777)
	require.NoError(t, err)
	_, err = f.ledger.Save(ctx, domain.PositionFromSnapshot(*snap))
	require.NoError(t, err)

	require.NoError(t, f.svc.Close(ctx, 777, nil))
	rec, err := f.ledger.FindByBrokerTicket(ctx, 777)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusClosed, rec.Status)
	assert.Equal(t, int64(2), rec.Version)
}

func TestCloseInvalidPrice(t *testing.T) {
	f := newCloser(false)
	f.gw.Quotes["USDJPY"] = domain.Quote{Symbol: "USDJPY", Ask: dec("150.03")}

	err := f.svc.Close(context.Background(), 777, nil)
	assert.Equal(t, CloseInvalidPrice, closeCode(t, err))
	assert.Zero(t, f.gw.Calls("ClosePosition"))

	f.gw.Fail("Quote", domain.ErrBrokerUnreachable)
	err = f.svc.Close(context.Background(), 777, nil)
	assert.Equal(t, CloseInvalidPrice, closeCode(t, err))
	assert.Zero(t, f.gw.Calls("ClosePosition"))
}

func TestCloseInvalidVolume(t *testing.T) {
	f := newCloser(false)
	for _, v := range []string{"0", "-0.1", "0.31"} {
		vol := dec(v)
		err := f.svc.Close(context.Background(), 777, &vol)
		assert.Equal(t, CloseInvalidVolume, closeCode(t, err), v)
	}
	assert.Zero(t, f.gw.Calls("ClosePosition"))
}

func TestClosePartialKeepsPositionOpen(t *testing.T) {
	ctx := context.Background()
	f := newCloser(false)
	vol := dec("0.10")

	require.NoError(t, f.svc.Close(ctx, 777, &vol))

	rec, err := f.ledger.FindByBrokerTicket(ctx, 777)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusOpen, rec.Status)
	assert.Equal(t, "0.2", rec.Volume.String())
	assert.Nil(t, rec.RealizedPnL, "realized pnl is written at the final close only")

	live, err := f.svc.GetPosition(ctx, 777)
	require.NoError(t, err)
	require.NotNil(t, live)
	assert.Equal(t, "0.2", live.Volume.String())

	require.NoError(t, f.svc.Close(ctx, 777, nil))
	rec, err = f.ledger.FindByBrokerTicket(ctx, 777)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusClosed, rec.Status)
}

func TestCloseBrokerOutcomes(t *testing.T) {
	f := newCloser(false)
	f.gw.CloseReceipt = &domain.TradeReceipt{RetCode: 10019, Message: "no money"}

	err := f.svc.Close(context.Background(), 777, nil)
	var ce *CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, CloseBrokerRejected, ce.Code)
	require.NotNil(t, ce.Receipt)
	assert.Equal(t, 10019, ce.Receipt.RetCode)
	_, err = f.ledger.FindByBrokerTicket(context.Background(), 777)
	assert.ErrorIs(t, err, domain.ErrNotFound, "rejected close leaves the ledger alone")

	f.gw.Fail("ClosePosition", domain.ErrBrokerUnreachable)
	err = f.svc.Close(context.Background(), 777, nil)
	assert.Equal(t, CloseBrokerUnreachable, closeCode(t, err))
	assert.ErrorIs(t, err, domain.ErrBrokerUnreachable)

	f.gw.Fail("Position", domain.ErrBrokerUnreachable)
	err = f.svc.Close(context.Background(), 777, nil)
	assert.Equal(t, CloseBrokerUnreachable, closeCode(t, err))
}

func TestCloseLedgerFailureIsDriftNotError(t *testing.T) {
	ctx := context.Background()
	f := newCloser(false)
	f.ledger.updateErr = domain.ErrStoreUnavailable

	require.NoError(t, f.svc.Close(ctx, 777, nil))
	drift := f.events.ofType(domain.EventLedgerDrift)
	require.Len(t, drift, 1)
	assert.Equal(t, uint64(777), drift[0].Ticket)
	assert.Equal(t, domain.SeverityError, drift[0].Severity)
	assert.Len(t, f.events.ofType(domain.EventPositionClosed), 1)
}

func TestCloseLookupFailureStillCreates(t *testing.T) {
	ctx := context.Background()
	f := newCloser(false)
	f.ledger.findErr = domain.ErrStoreUnavailable

	require.NoError(t, f.svc.Close(ctx, 777, nil))
	f.ledger.findErr = nil

	rec, err := f.ledger.FindByBrokerTicket(ctx, 777)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusClosed, rec.Status)
	assert.Empty(t, f.events.ofType(domain.EventLedgerDrift))
}

func TestCloseCreateFailureIsDrift(t *testing.T) {
	f := newCloser(false)
	f.ledger.saveErr = errors.New("throttled")

	require.NoError(t, f.svc.Close(context.Background(), 777, nil))
	drift := f.events.ofType(domain.EventLedgerDrift)
	require.Len(t, drift, 1)
	assert.Equal(t, "first_sight_create", drift[0].Detail["op"])
}

func TestGetPosition(t *testing.T) {
	ctx := context.Background()
	f := newCloser(false)

	p, err := f.svc.GetPosition(ctx, 777)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, domain.PositionStatusOpen, p.Status)
	assert.Equal(t, "102.55", p.UnrealizedPnL.String())
	assert.Nil(t, p.StopLoss)

	p, err = f.svc.GetPosition(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, p)

	f.gw.Fail("Position", domain.ErrBrokerUnreachable)
	_, err = f.svc.GetPosition(ctx, 777)
	assert.ErrorIs(t, err, domain.ErrBrokerUnreachable)
}

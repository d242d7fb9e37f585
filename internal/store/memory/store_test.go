package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/orderbridge/internal/domain"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func ptr(s string) *decimal.Decimal {
	v := dec(s)
	return &v
}

func samplePosition(ticket uint64, symbol string, opened time.Time) domain.Position {
	return domain.Position{
		BrokerTicket:  ticket,
		Symbol:        symbol,
		Side:          domain.SideBuy,
		Volume:        dec("0.10"),
		EntryPrice:    dec("150.00012345678901234"),
		CurrentPrice:  dec("150.1"),
		StopLoss:      ptr("149.9"),
		UnrealizedPnL: dec("6.6612"),
		Swap:          dec("-0.31"),
		Status:        domain.PositionStatusOpen,
		MagicNumber:   9001,
		OpenedAt:      opened,
	}
}

func TestSaveAndFindRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := New()
	opened := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	saved, err := s.Save(ctx, samplePosition(42, "USDJPY", opened))
	require.NoError(t, err)
	assert.Equal(t, int64(1), saved.Version)
	assert.NotEmpty(t, saved.PositionID)

	got, err := s.FindByBrokerTicket(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, saved, got)
	assert.Equal(t, "150.00012345678901234", got.EntryPrice.String())

	// mutating the returned copy must not leak into the store
	*got.StopLoss = dec("1")
	again, err := s.FindByBrokerTicket(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "149.9", again.StopLoss.String())
}

func TestSaveVersioning(t *testing.T) {
	ctx := context.Background()
	s := New()
	p := samplePosition(7, "EURUSD", time.Now())

	first, err := s.Save(ctx, p)
	require.NoError(t, err)

	_, err = s.Save(ctx, p)
	assert.ErrorIs(t, err, domain.ErrConflict, "second create must conflict")

	first.Volume = dec("0.05")
	second, err := s.Save(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.Version)

	_, err = s.Save(ctx, first)
	assert.ErrorIs(t, err, domain.ErrConflict, "stale version must conflict")

	missing := samplePosition(8, "EURUSD", time.Now())
	missing.Version = 3
	_, err = s.Save(ctx, missing)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = s.Save(ctx, domain.Position{})
	assert.ErrorIs(t, err, domain.ErrInvalidPosition)
}

func TestFindOpenAndClosed(t *testing.T) {
	ctx := context.Background()
	s := New()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, sym := range []string{"USDJPY", "EURUSD", "USDJPY"} {
		_, err := s.Save(ctx, samplePosition(uint64(i+1), sym, base.Add(time.Duration(i)*time.Hour)))
		require.NoError(t, err)
	}

	open, err := s.FindOpen(ctx, "USDJPY")
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, uint64(1), open[0].BrokerTicket)
	assert.Equal(t, uint64(3), open[1].BrokerTicket)

	all, err := s.FindOpen(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	require.NoError(t, s.UpdateStatus(ctx, 1, domain.PositionStatusClosed, &domain.CloseFields{
		ClosedAt: base.Add(24 * time.Hour), RealizedPnL: dec("1.5"),
	}))
	require.NoError(t, s.UpdateStatus(ctx, 3, domain.PositionStatusClosed, &domain.CloseFields{
		ClosedAt: base.Add(48 * time.Hour), RealizedPnL: dec("-2"),
	}))

	open, err = s.FindOpen(ctx, "USDJPY")
	require.NoError(t, err)
	assert.Empty(t, open, "closed positions must leave the open index")

	closed, err := s.FindClosed(ctx, "USDJPY", 10)
	require.NoError(t, err)
	require.Len(t, closed, 2)
	assert.Equal(t, uint64(3), closed[0].BrokerTicket)

	limited, err := s.FindClosed(ctx, "", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestUpdateStatusClose(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, err := s.Save(ctx, samplePosition(11, "XAUUSD", time.Now()))
	require.NoError(t, err)

	closedAt := time.Date(2026, 5, 5, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.UpdateStatus(ctx, 11, domain.PositionStatusClosed, &domain.CloseFields{
		ClosedAt: closedAt, RealizedPnL: dec("12.34"), CurrentPrice: ptr("2001.5"),
	}))

	got, err := s.FindByBrokerTicket(ctx, 11)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusClosed, got.Status)
	assert.Equal(t, int64(2), got.Version)
	require.NotNil(t, got.ClosedAt)
	assert.True(t, got.ClosedAt.Equal(closedAt))
	require.NotNil(t, got.RealizedPnL)
	assert.Equal(t, "12.34", got.RealizedPnL.String())
	assert.Equal(t, "2001.5", got.CurrentPrice.String())

	err = s.UpdateStatus(ctx, 11, domain.PositionStatusClosed, &domain.CloseFields{ClosedAt: time.Now()})
	assert.ErrorIs(t, err, domain.ErrConflict, "realized pnl is written once")

	assert.ErrorIs(t, s.UpdateStatus(ctx, 99, domain.PositionStatusClosed, &domain.CloseFields{}), domain.ErrNotFound)
	assert.ErrorIs(t, s.UpdateStatus(ctx, 11, domain.PositionStatusOpen, nil), domain.ErrInvalidPosition)
}

func TestUpdateStatusConcurrentWritersExactlyOneWins(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, err := s.Save(ctx, samplePosition(5, "USDJPY", time.Now()))
	require.NoError(t, err)

	// both writers read version 1 before either writes
	var barrier sync.WaitGroup
	barrier.Add(2)
	s.beforeWrite = func() {
		barrier.Done()
		barrier.Wait()
	}

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.UpdateStatus(ctx, 5, domain.PositionStatusClosed, &domain.CloseFields{
				ClosedAt: time.Now(), RealizedPnL: decimal.NewFromInt(int64(i)),
			})
		}(i)
	}
	wg.Wait()

	var ok, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, domain.ErrConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, conflicts)

	got, err := s.FindByBrokerTicket(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
}

func TestUpdateStatusManyWriters(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, err := s.Save(ctx, samplePosition(6, "USDJPY", time.Now()))
	require.NoError(t, err)

	const writers = 16
	errs := make(chan error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.UpdateStatus(ctx, 6, domain.PositionStatusClosed, &domain.CloseFields{ClosedAt: time.Now()})
		}()
	}
	wg.Wait()
	close(errs)

	var ok int
	for err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, domain.ErrConflict)
	}
	assert.Equal(t, 1, ok)
}

func TestOrdersAndKillSwitch(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.GetKillSwitch(ctx)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	require.NoError(t, s.PutKillSwitch(ctx, domain.KillSwitch{Status: domain.KillSwitchOff, Reason: "open", UpdatedBy: "ops"}))
	ks, err := s.GetKillSwitch(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.KillSwitchOff, ks.Status)

	bad := domain.Order{TicketID: "a", Status: domain.OrderStatusOpen}
	assert.ErrorIs(t, s.SaveOrder(ctx, bad), domain.ErrInvalidOrder)

	o := domain.Order{TicketID: "a", Symbol: "USDJPY", Status: domain.OrderStatusPending}
	o.MarkOpen(1001, time.Now())
	require.NoError(t, s.SaveOrder(ctx, o))
	got, err := s.FindOrder(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, uint64(1001), got.BrokerTicket)

	_, err = s.FindOrder(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAuditLog(t *testing.T) {
	ctx := context.Background()
	s := New()
	for _, e := range []string{"a", "b", "c"} {
		require.NoError(t, s.Log(ctx, e, map[string]any{"k": e}))
	}
	entries, err := s.List(ctx, domain.ListOpts{Limit: 2})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "c", entries[0].Event)

	entries, err = s.List(ctx, domain.ListOpts{Offset: 2})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a", entries[0].Event)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, err := s.Save(ctx, samplePosition(3, "USDJPY", time.Now()))
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, 3))
	_, err = s.FindByBrokerTicket(ctx, 3)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, 3), domain.ErrNotFound)
}

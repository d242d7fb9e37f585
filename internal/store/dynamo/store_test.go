package dynamo

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/orderbridge/internal/domain"
)

// fakeDynamo keeps items in memory and evaluates the handful of condition
// and filter expressions the store issues.
type fakeDynamo struct {
	mu      sync.Mutex
	items   map[string]map[string]types.AttributeValue
	updates []*dynamodb.UpdateItemInput

	err       error
	updateErr error
}

func newFake() *fakeDynamo {
	return &fakeDynamo{items: make(map[string]map[string]types.AttributeValue)}
}

func sval(av types.AttributeValue) string {
	switch v := av.(type) {
	case *types.AttributeValueMemberS:
		return v.Value
	case *types.AttributeValueMemberN:
		return v.Value
	}
	return ""
}

func itemKey(m map[string]types.AttributeValue) string {
	return sval(m[attrPK]) + "|" + sval(m[attrSK])
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &dynamodb.GetItemOutput{Item: f.items[itemKey(in.Key)]}, nil
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	k := itemKey(in.Item)
	existing, ok := f.items[k]
	switch aws.ToString(in.ConditionExpression) {
	case "attribute_not_exists(pk)":
		if ok {
			return nil, &types.ConditionalCheckFailedException{Message: aws.String("exists"), Item: existing}
		}
	case "#version = :expected":
		if !ok || sval(existing["version"]) != sval(in.ExpressionAttributeValues[":expected"]) {
			return nil, &types.ConditionalCheckFailedException{Message: aws.String("version"), Item: existing}
		}
	}
	f.items[k] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, in)
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *fakeDynamo) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	k := itemKey(in.Key)
	if _, ok := f.items[k]; !ok {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("missing")}
	}
	delete(f.items, k)
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	pk := sval(in.ExpressionAttributeValues[":pk"])
	prefix := sval(in.ExpressionAttributeValues[":prefix"])
	var out []map[string]types.AttributeValue
	for _, item := range f.items {
		if sval(item[attrGSI1PK]) == pk && strings.HasPrefix(sval(item[attrGSI1SK]), prefix) {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return sval(out[i][attrGSI1SK]) < sval(out[j][attrGSI1SK]) })
	return &dynamodb.QueryOutput{Items: out}, nil
}

func (f *fakeDynamo) Scan(_ context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	want := map[string]string{"entity_type": sval(in.ExpressionAttributeValues[":entity"])}
	if v, ok := in.ExpressionAttributeValues[":closed"]; ok {
		want["status"] = sval(v)
	}
	if v, ok := in.ExpressionAttributeValues[":symbol"]; ok {
		want["symbol"] = sval(v)
	}
	var out []map[string]types.AttributeValue
outer:
	for _, item := range f.items {
		for attr, v := range want {
			if sval(item[attr]) != v {
				continue outer
			}
		}
		out = append(out, item)
	}
	return &dynamodb.ScanOutput{Items: out}, nil
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func ptr(s string) *decimal.Decimal {
	v := dec(s)
	return &v
}

func openPosition(ticket uint64, symbol string, opened time.Time) domain.Position {
	return domain.Position{
		BrokerTicket:  ticket,
		Symbol:        symbol,
		Side:          domain.SideSell,
		Volume:        dec("1.25"),
		EntryPrice:    dec("150.00012345678901234"),
		CurrentPrice:  dec("149.875"),
		TakeProfit:    ptr("149.5"),
		UnrealizedPnL: dec("104.13"),
		Swap:          dec("0"),
		Status:        domain.PositionStatusOpen,
		MagicNumber:   77,
		Comment:       "grid-3",
		OpenedAt:      opened,
	}
}

func newTestStore(f *fakeDynamo) *Store {
	s := NewStore(f, "ledger")
	s.now = func() time.Time { return time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC) }
	return s
}

func TestPositionRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFake()
	s := newTestStore(f)
	opened := time.Date(2026, 5, 30, 8, 15, 0, 123456789, time.UTC)

	saved, err := s.Save(ctx, openPosition(501, "USDJPY", opened))
	require.NoError(t, err)
	assert.Equal(t, int64(1), saved.Version)

	item := f.items[positionPK(501)+"|"+skPosition]
	require.NotNil(t, item)
	assert.Equal(t, "150.00012345678901234", sval(item["entry_price"]), "decimals are stored as exact strings")
	assert.Equal(t, domain.OpenPositionsIndex, sval(item[attrGSI1PK]))
	assert.Equal(t, "USDJPY#2026-05-30T08:15:00.123456789Z", sval(item[attrGSI1SK]))
	assert.NotContains(t, item, "stop_loss")

	got, err := s.FindByBrokerTicket(ctx, 501)
	require.NoError(t, err)
	assert.Equal(t, saved.PositionID, got.PositionID)
	assert.Equal(t, "150.00012345678901234", got.EntryPrice.String())
	assert.Equal(t, "1.25", got.Volume.String())
	assert.Nil(t, got.StopLoss)
	require.NotNil(t, got.TakeProfit)
	assert.Equal(t, "149.5", got.TakeProfit.String())
	assert.True(t, got.OpenedAt.Equal(opened))
	assert.Equal(t, domain.SideSell, got.Side)
	assert.Equal(t, "grid-3", got.Comment)

	_, err = s.FindByBrokerTicket(ctx, 999)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSaveVersionConditions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(newFake())
	p := openPosition(10, "EURUSD", time.Now().UTC())

	first, err := s.Save(ctx, p)
	require.NoError(t, err)

	_, err = s.Save(ctx, p)
	assert.ErrorIs(t, err, domain.ErrConflict)

	first.Volume = dec("0.5")
	second, err := s.Save(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.Version)

	_, err = s.Save(ctx, first)
	assert.ErrorIs(t, err, domain.ErrConflict)

	ghost := openPosition(11, "EURUSD", time.Now().UTC())
	ghost.Version = 4
	_, err = s.Save(ctx, ghost)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestFindOpenUsesSparseIndex(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(newFake())
	base := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)

	for i, sym := range []string{"USDJPY", "EURUSD", "USDJPY"} {
		_, err := s.Save(ctx, openPosition(uint64(100+i), sym, base.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
	}
	closed := openPosition(200, "USDJPY", base)
	closed.ApplyClose(domain.CloseFields{ClosedAt: base.Add(time.Hour), RealizedPnL: dec("3")})
	_, err := s.Save(ctx, closed)
	require.NoError(t, err)

	open, err := s.FindOpen(ctx, "USDJPY")
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, uint64(100), open[0].BrokerTicket)
	assert.Equal(t, uint64(102), open[1].BrokerTicket)

	all, err := s.FindOpen(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	hist, err := s.FindClosed(ctx, "USDJPY", 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, uint64(200), hist[0].BrokerTicket)
	require.NotNil(t, hist[0].RealizedPnL)
	assert.Equal(t, "3", hist[0].RealizedPnL.String())
}

func TestUpdateStatusCloseIsConditional(t *testing.T) {
	ctx := context.Background()
	f := newFake()
	s := newTestStore(f)
	_, err := s.Save(ctx, openPosition(300, "XAUUSD", time.Now().UTC()))
	require.NoError(t, err)

	closedAt := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.UpdateStatus(ctx, 300, domain.PositionStatusClosed, &domain.CloseFields{
		ClosedAt: closedAt, RealizedPnL: dec("-12.5"), CurrentPrice: ptr("2001.25"),
	}))

	require.Len(t, f.updates, 1)
	in := f.updates[0]
	assert.Equal(t, "#version = :expected", aws.ToString(in.ConditionExpression))
	assert.Contains(t, aws.ToString(in.UpdateExpression), "REMOVE gsi1_pk, gsi1_sk")
	assert.Equal(t, "1", sval(in.ExpressionAttributeValues[":expected"]))
	assert.Equal(t, "2", sval(in.ExpressionAttributeValues[":next"]))
	assert.Equal(t, "CLOSED", sval(in.ExpressionAttributeValues[":status"]))
	assert.Equal(t, "-12.5", sval(in.ExpressionAttributeValues[":realized_pnl"]))
	assert.Equal(t, "2001.25", sval(in.ExpressionAttributeValues[":current_price"]))
	assert.Equal(t, "2026-06-01T10:00:00Z", sval(in.ExpressionAttributeValues[":closed_at"]))

	f.updateErr = &types.ConditionalCheckFailedException{Message: aws.String("version")}
	err = s.UpdateStatus(ctx, 300, domain.PositionStatusClosed, &domain.CloseFields{ClosedAt: closedAt})
	assert.ErrorIs(t, err, domain.ErrConflict)

	f.updateErr = errors.New("connection reset")
	err = s.UpdateStatus(ctx, 300, domain.PositionStatusClosed, &domain.CloseFields{ClosedAt: closedAt})
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)

	err = s.UpdateStatus(ctx, 404, domain.PositionStatusClosed, &domain.CloseFields{ClosedAt: closedAt})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestBackendErrorsAreUnavailable(t *testing.T) {
	ctx := context.Background()
	f := newFake()
	f.err = errors.New("dial tcp: i/o timeout")
	s := newTestStore(f)

	_, err := s.GetKillSwitch(ctx)
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	_, err = s.FindByBrokerTicket(ctx, 1)
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	_, err = s.FindOpen(ctx, "")
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	_, err = s.Save(ctx, openPosition(1, "USDJPY", time.Now()))
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
}

func TestKillSwitchOrdersAndAudit(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(newFake())

	_, err := s.GetKillSwitch(ctx)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, s.PutKillSwitch(ctx, domain.KillSwitch{
		Status: domain.KillSwitchOff, LastUpdated: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC), Reason: "session open", UpdatedBy: "ops",
	}))
	ks, err := s.GetKillSwitch(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.KillSwitchOff, ks.Status)
	assert.Equal(t, "ops", ks.UpdatedBy)

	o := domain.Order{
		TicketID: "T-1", Symbol: "USDJPY", LotSize: dec("0.01"), Type: domain.OrderTypePending,
		Action: domain.SideBuy, Status: domain.OrderStatusPending, EntryPrice: ptr("151.2"),
	}
	o.MarkOpen(8800, time.Date(2026, 6, 1, 1, 0, 0, 0, time.UTC))
	require.NoError(t, s.SaveOrder(ctx, o))
	got, err := s.FindOrder(ctx, "T-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(8800), got.BrokerTicket)
	assert.Equal(t, "151.2", got.EntryPrice.String())
	assert.Nil(t, got.StopLoss)

	assert.ErrorIs(t, s.SaveOrder(ctx, domain.Order{TicketID: "T-2", Status: domain.OrderStatusOpen}), domain.ErrInvalidOrder)

	require.NoError(t, s.Log(ctx, "archive.positions", map[string]any{"count": 2}))
	entries, err := s.List(ctx, domain.ListOpts{Limit: 5})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "archive.positions", entries[0].Event)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(newFake())
	_, err := s.Save(ctx, openPosition(9, "USDJPY", time.Now().UTC()))
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, 9))
	assert.ErrorIs(t, s.Delete(ctx, 9), domain.ErrNotFound)
}

package dynamo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/alanyoungcy/orderbridge/internal/domain"
)

// Store implements domain.Ledger and domain.AuditStore on one table.
type Store struct {
	api   API
	table string
	now   func() time.Time
}

// NewStore creates a Store. api is usually Client.Underlying().
func NewStore(api API, table string) *Store {
	return &Store{api: api, table: table, now: time.Now}
}

// Save writes the whole position record under a version condition.
// Version zero creates; an existing record then yields domain.ErrConflict.
func (s *Store) Save(ctx context.Context, p domain.Position) (domain.Position, error) {
	if p.BrokerTicket == 0 {
		return domain.Position{}, fmt.Errorf("dynamo: save position: %w", domain.ErrInvalidPosition)
	}

	next := p.Clone()
	if next.PositionID == "" {
		next.PositionID = uuid.NewString()
	}
	next.Version = p.Version + 1

	item, err := attributevalue.MarshalMap(toPositionItem(next, s.now()))
	if err != nil {
		return domain.Position{}, fmt.Errorf("dynamo: marshal position %d: %w", p.BrokerTicket, err)
	}

	in := &dynamodb.PutItemInput{
		TableName:                           aws.String(s.table),
		Item:                                item,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	}
	if p.Version == 0 {
		in.ConditionExpression = aws.String("attribute_not_exists(pk)")
	} else {
		in.ConditionExpression = aws.String("#version = :expected")
		in.ExpressionAttributeNames = map[string]string{"#version": "version"}
		in.ExpressionAttributeValues = map[string]types.AttributeValue{":expected": num(p.Version)}
	}

	if _, err := s.api.PutItem(ctx, in); err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			if p.Version != 0 && len(ccf.Item) == 0 {
				return domain.Position{}, fmt.Errorf("dynamo: save position %d: %w", p.BrokerTicket, domain.ErrNotFound)
			}
			return domain.Position{}, fmt.Errorf("dynamo: save position %d at version %d: %w", p.BrokerTicket, p.Version, domain.ErrConflict)
		}
		return domain.Position{}, unavailable("save position", err)
	}
	return next, nil
}

// FindByBrokerTicket does a strongly consistent read of one position.
func (s *Store) FindByBrokerTicket(ctx context.Context, ticket uint64) (domain.Position, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            key(positionPK(ticket), skPosition),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Position{}, unavailable("get position", err)
	}
	if len(out.Item) == 0 {
		return domain.Position{}, domain.ErrNotFound
	}
	return decodePosition(out.Item)
}

// FindOpen queries the sparse open-positions index. Index reads are
// eventually consistent.
func (s *Store) FindOpen(ctx context.Context, symbol string) ([]domain.Position, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		IndexName:              aws.String(OpenPositionsIndexName),
		KeyConditionExpression: aws.String("gsi1_pk = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": str(domain.OpenPositionsIndex),
		},
	}
	if symbol != "" {
		in.KeyConditionExpression = aws.String("gsi1_pk = :pk AND begins_with(gsi1_sk, :prefix)")
		in.ExpressionAttributeValues[":prefix"] = str(symbol + "#")
	}

	var out []domain.Position
	pager := dynamodb.NewQueryPaginator(s.api, in)
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, unavailable("query open positions", err)
		}
		for _, item := range page.Items {
			p, err := decodePosition(item)
			if err != nil {
				return nil, err
			}
			out = append(out, p)
		}
	}
	return out, nil
}

// FindClosed scans for CLOSED positions and returns the most recently
// closed first, at most limit of them when limit is positive.
func (s *Store) FindClosed(ctx context.Context, symbol string, limit int) ([]domain.Position, error) {
	filter := "entity_type = :entity AND #status = :closed"
	names := map[string]string{"#status": "status"}
	values := map[string]types.AttributeValue{
		":entity": str(entityPosition),
		":closed": str(string(domain.PositionStatusClosed)),
	}
	if symbol != "" {
		filter += " AND #symbol = :symbol"
		names["#symbol"] = "symbol"
		values[":symbol"] = str(symbol)
	}

	var out []domain.Position
	pager := dynamodb.NewScanPaginator(s.api, &dynamodb.ScanInput{
		TableName:                 aws.String(s.table),
		FilterExpression:          aws.String(filter),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, unavailable("scan closed positions", err)
		}
		for _, item := range page.Items {
			p, err := decodePosition(item)
			if err != nil {
				return nil, err
			}
			out = append(out, p)
		}
	}

	domain.SortByClosedDesc(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpdateStatus reads the record, then writes the transition conditioned on
// the version it read. Closing removes the record from the open index.
func (s *Store) UpdateStatus(ctx context.Context, ticket uint64, status domain.PositionStatus, close *domain.CloseFields) error {
	cur, err := s.FindByBrokerTicket(ctx, ticket)
	if err != nil {
		return fmt.Errorf("dynamo: update status %d: %w", ticket, err)
	}
	next, err := cur.Transition(status, close)
	if err != nil {
		return fmt.Errorf("dynamo: update status %d: %w", ticket, err)
	}

	update := "SET #status = :status, #version = :next, updated_at = :now"
	values := map[string]types.AttributeValue{
		":status":   str(string(next.Status)),
		":next":     num(cur.Version + 1),
		":expected": num(cur.Version),
		":now":      timestamp(s.now()),
	}
	if next.Status == domain.PositionStatusClosed {
		update += ", closed_at = :closed_at, realized_pnl = :realized_pnl, current_price = :current_price REMOVE gsi1_pk, gsi1_sk"
		values[":closed_at"] = timestamp(*next.ClosedAt)
		values[":realized_pnl"] = str(next.RealizedPnL.String())
		values[":current_price"] = str(next.CurrentPrice.String())
	}

	_, err = s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.table),
		Key:                       key(positionPK(ticket), skPosition),
		UpdateExpression:          aws.String(update),
		ConditionExpression:       aws.String("#version = :expected"),
		ExpressionAttributeNames:  map[string]string{"#status": "status", "#version": "version"},
		ExpressionAttributeValues: values,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return fmt.Errorf("dynamo: update status %d at version %d: %w", ticket, cur.Version, domain.ErrConflict)
		}
		return unavailable("update status", err)
	}
	return nil
}

// Delete removes a position record. Used by archival.
func (s *Store) Delete(ctx context.Context, ticket uint64) error {
	_, err := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(s.table),
		Key:                 key(positionPK(ticket), skPosition),
		ConditionExpression: aws.String("attribute_exists(pk)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return fmt.Errorf("dynamo: delete position %d: %w", ticket, domain.ErrNotFound)
		}
		return unavailable("delete position", err)
	}
	return nil
}

// SaveOrder upserts an order record.
func (s *Store) SaveOrder(ctx context.Context, o domain.Order) error {
	if o.TicketID == "" || !o.Consistent() {
		return fmt.Errorf("dynamo: save order %q: %w", o.TicketID, domain.ErrInvalidOrder)
	}
	item, err := attributevalue.MarshalMap(toOrderItem(o))
	if err != nil {
		return fmt.Errorf("dynamo: marshal order %q: %w", o.TicketID, err)
	}
	if _, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{TableName: aws.String(s.table), Item: item}); err != nil {
		return unavailable("save order", err)
	}
	return nil
}

// FindOrder returns domain.ErrNotFound when no order has ticketID.
func (s *Store) FindOrder(ctx context.Context, ticketID string) (domain.Order, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            key(orderPK(ticketID), skOrder),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Order{}, unavailable("get order", err)
	}
	if len(out.Item) == 0 {
		return domain.Order{}, domain.ErrNotFound
	}
	var it orderItem
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return domain.Order{}, fmt.Errorf("dynamo: unmarshal order %q: %w", ticketID, err)
	}
	o, err := it.toDomain()
	if err != nil {
		return domain.Order{}, fmt.Errorf("dynamo: order %q: %w", ticketID, err)
	}
	return o, nil
}

// GetKillSwitch does a strongly consistent read of the interlock record.
func (s *Store) GetKillSwitch(ctx context.Context) (domain.KillSwitch, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            key(pkConfig, skKillSwitch),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.KillSwitch{}, unavailable("get kill switch", err)
	}
	if len(out.Item) == 0 {
		return domain.KillSwitch{}, domain.ErrNotFound
	}
	var it killSwitchItem
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return domain.KillSwitch{}, fmt.Errorf("dynamo: unmarshal kill switch: %w", err)
	}
	return domain.KillSwitch{
		Status:      domain.KillSwitchStatus(it.Status),
		LastUpdated: it.LastUpdated,
		Reason:      it.Reason,
		UpdatedBy:   it.UpdatedBy,
	}, nil
}

// PutKillSwitch overwrites the interlock record.
func (s *Store) PutKillSwitch(ctx context.Context, ks domain.KillSwitch) error {
	item, err := attributevalue.MarshalMap(killSwitchItem{
		PK:          pkConfig,
		SK:          skKillSwitch,
		Status:      string(ks.Status),
		LastUpdated: ks.LastUpdated.UTC(),
		Reason:      ks.Reason,
		UpdatedBy:   ks.UpdatedBy,
	})
	if err != nil {
		return fmt.Errorf("dynamo: marshal kill switch: %w", err)
	}
	if _, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{TableName: aws.String(s.table), Item: item}); err != nil {
		return unavailable("put kill switch", err)
	}
	return nil
}

// Log appends an audit entry partitioned by day.
func (s *Store) Log(ctx context.Context, event string, detail map[string]any) error {
	now := s.now().UTC()
	item, err := attributevalue.MarshalMap(auditItem{
		PK:        auditPK(now),
		SK:        now.Format(time.RFC3339Nano) + "#" + uuid.NewString(),
		Entity:    entityAudit,
		Event:     event,
		Detail:    detail,
		CreatedAt: now,
	})
	if err != nil {
		return fmt.Errorf("dynamo: marshal audit entry: %w", err)
	}
	if _, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{TableName: aws.String(s.table), Item: item}); err != nil {
		return unavailable("log audit", err)
	}
	return nil
}

// List returns audit entries newest first.
func (s *Store) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	var out []domain.AuditEntry
	pager := dynamodb.NewScanPaginator(s.api, &dynamodb.ScanInput{
		TableName:        aws.String(s.table),
		FilterExpression: aws.String("entity_type = :entity"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":entity": str(entityAudit),
		},
	})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, unavailable("scan audit", err)
		}
		for _, item := range page.Items {
			var it auditItem
			if err := attributevalue.UnmarshalMap(item, &it); err != nil {
				return nil, fmt.Errorf("dynamo: unmarshal audit entry: %w", err)
			}
			if opts.Since != nil && it.CreatedAt.Before(*opts.Since) {
				continue
			}
			if opts.Until != nil && it.CreatedAt.After(*opts.Until) {
				continue
			}
			out = append(out, domain.AuditEntry{
				ID:        it.CreatedAt.UnixNano(),
				Event:     it.Event,
				Detail:    it.Detail,
				CreatedAt: it.CreatedAt,
			})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func decodePosition(item map[string]types.AttributeValue) (domain.Position, error) {
	var it positionItem
	if err := attributevalue.UnmarshalMap(item, &it); err != nil {
		return domain.Position{}, fmt.Errorf("dynamo: unmarshal position: %w", err)
	}
	p, err := it.toDomain()
	if err != nil {
		return domain.Position{}, fmt.Errorf("dynamo: position %s: %w", strconv.FormatUint(it.BrokerTicket, 10), err)
	}
	return p, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("dynamo: %s: %w: %w", op, domain.ErrStoreUnavailable, err)
}

var (
	_ domain.Ledger     = (*Store)(nil)
	_ domain.AuditStore = (*Store)(nil)
)

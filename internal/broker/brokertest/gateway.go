// Package brokertest provides an in-memory domain.BrokerGateway for tests.
package brokertest

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/orderbridge/internal/domain"
)

// Gateway is a scriptable terminal. Zero-value maps are allocated by New.
// Unless a receipt is scripted, trades are accepted with retcode 10009 and
// closes are applied to Positions.
type Gateway struct {
	mu sync.Mutex

	Quotes      map[string]domain.Quote
	Constraints map[string]domain.SymbolConstraints
	Positions   map[uint64]*domain.PositionSnapshot

	// SubmitReceipt and CloseReceipt override the default accepted receipt.
	SubmitReceipt *domain.TradeReceipt
	CloseReceipt  *domain.TradeReceipt

	errs  map[string]error
	calls map[string]int

	Connected []domain.Credentials
	Submitted []domain.TradeRequest
	Closed    []domain.CloseRequest

	nextTicket uint64
}

// New returns an empty Gateway whose tickets start at 1000.
func New() *Gateway {
	return &Gateway{
		Quotes:      make(map[string]domain.Quote),
		Constraints: make(map[string]domain.SymbolConstraints),
		Positions:   make(map[uint64]*domain.PositionSnapshot),
		errs:        make(map[string]error),
		calls:       make(map[string]int),
		nextTicket:  1000,
	}
}

// Fail makes every later call of method return err. A nil err clears it.
func (g *Gateway) Fail(method string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err == nil {
		delete(g.errs, method)
		return
	}
	g.errs[method] = err
}

// Calls returns how often method was invoked.
func (g *Gateway) Calls(method string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[method]
}

// TotalCalls counts every gateway invocation.
func (g *Gateway) TotalCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.calls {
		n += c
	}
	return n
}

func (g *Gateway) enter(method string) error {
	g.calls[method]++
	return g.errs[method]
}

func (g *Gateway) Connect(_ context.Context, creds domain.Credentials) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("Connect"); err != nil {
		return err
	}
	g.Connected = append(g.Connected, creds)
	return nil
}

func (g *Gateway) Quote(_ context.Context, symbol string) (domain.Quote, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("Quote"); err != nil {
		return domain.Quote{}, err
	}
	q, ok := g.Quotes[symbol]
	if !ok {
		return domain.Quote{Symbol: symbol}, nil
	}
	return q, nil
}

func (g *Gateway) SymbolConstraints(_ context.Context, symbol string) (domain.SymbolConstraints, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("SymbolConstraints"); err != nil {
		return domain.SymbolConstraints{}, err
	}
	c, ok := g.Constraints[symbol]
	if !ok {
		return domain.SymbolConstraints{}, domain.ErrNotFound
	}
	return c, nil
}

func (g *Gateway) SubmitOrder(_ context.Context, req domain.TradeRequest) (*domain.TradeReceipt, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("SubmitOrder"); err != nil {
		return nil, err
	}
	g.Submitted = append(g.Submitted, req)
	if g.SubmitReceipt != nil {
		r := *g.SubmitReceipt
		r.Request = req
		return &r, nil
	}
	g.nextTicket++
	return &domain.TradeReceipt{
		Accepted:    true,
		RetCode:     10009,
		Message:     "done",
		OrderTicket: g.nextTicket,
		DealTicket:  g.nextTicket + 500000,
		Price:       req.Price,
		Volume:      req.Volume,
		Request:     req,
	}, nil
}

func (g *Gateway) Position(_ context.Context, ticket uint64) (*domain.PositionSnapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("Position"); err != nil {
		return nil, err
	}
	p, ok := g.Positions[ticket]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (g *Gateway) ClosePosition(_ context.Context, req domain.CloseRequest) (*domain.TradeReceipt, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("ClosePosition"); err != nil {
		return nil, err
	}
	g.Closed = append(g.Closed, req)
	echo := domain.TradeRequest{
		Action: domain.TradeActionDeal, Symbol: req.Symbol, Volume: req.Volume,
		Price: req.Price, Position: req.Ticket, Deviation: req.Deviation, Magic: req.Magic,
	}
	if g.CloseReceipt != nil {
		r := *g.CloseReceipt
		r.Request = echo
		return &r, nil
	}
	if p, ok := g.Positions[req.Ticket]; ok {
		if req.Volume.GreaterThanOrEqual(p.Volume) {
			delete(g.Positions, req.Ticket)
		} else {
			p.Volume = p.Volume.Sub(req.Volume)
		}
	}
	g.nextTicket++
	return &domain.TradeReceipt{
		Accepted:   true,
		RetCode:    10009,
		DealTicket: g.nextTicket,
		Price:      req.Price,
		Volume:     req.Volume,
		Request:    echo,
	}, nil
}

// AddPosition registers a live position.
func (g *Gateway) AddPosition(p domain.PositionSnapshot) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p.OpenedAt.IsZero() {
		p.OpenedAt = time.Now().UTC()
	}
	g.Positions[p.Ticket] = &p
}

var _ domain.BrokerGateway = (*Gateway)(nil)

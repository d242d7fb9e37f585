// Package memory implements the ledger and audit store in process memory.
// It backs paper deployments and tests, and follows the same versioning and
// index rules as the networked backends.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/orderbridge/internal/domain"
)

// Store implements domain.Ledger and domain.AuditStore.
type Store struct {
	mu         sync.RWMutex
	positions  map[uint64]domain.Position
	orders     map[string]domain.Order
	killSwitch *domain.KillSwitch
	audit      []domain.AuditEntry
	nextAudit  int64

	// beforeWrite runs between the read and the conditional write of
	// UpdateStatus. Tests use it to interleave concurrent writers.
	beforeWrite func()
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		positions: make(map[uint64]domain.Position),
		orders:    make(map[string]domain.Order),
	}
}

// Save creates or replaces a position under optimistic locking.
func (s *Store) Save(_ context.Context, p domain.Position) (domain.Position, error) {
	if p.BrokerTicket == 0 {
		return domain.Position{}, fmt.Errorf("memory: save position: %w", domain.ErrInvalidPosition)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, exists := s.positions[p.BrokerTicket]
	switch {
	case p.Version == 0 && exists:
		return domain.Position{}, fmt.Errorf("memory: create position %d: %w", p.BrokerTicket, domain.ErrConflict)
	case p.Version != 0 && !exists:
		return domain.Position{}, fmt.Errorf("memory: save position %d: %w", p.BrokerTicket, domain.ErrNotFound)
	case p.Version != 0 && cur.Version != p.Version:
		return domain.Position{}, fmt.Errorf("memory: save position %d at version %d: %w", p.BrokerTicket, p.Version, domain.ErrConflict)
	}

	if p.PositionID == "" {
		p.PositionID = uuid.NewString()
	}
	p.Version++
	s.positions[p.BrokerTicket] = p.Clone()
	return p.Clone(), nil
}

// FindByBrokerTicket returns domain.ErrNotFound when no record exists.
func (s *Store) FindByBrokerTicket(_ context.Context, ticket uint64) (domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[ticket]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return p.Clone(), nil
}

// FindOpen returns OPEN positions ordered like the open-positions index.
// An empty symbol matches every symbol.
func (s *Store) FindOpen(_ context.Context, symbol string) ([]domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Position
	for _, p := range s.positions {
		if p.Open() && (symbol == "" || p.Symbol == symbol) {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].IndexSortKey() < out[j].IndexSortKey()
	})
	return out, nil
}

// FindClosed returns CLOSED positions, most recently closed first.
func (s *Store) FindClosed(_ context.Context, symbol string, limit int) ([]domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Position
	for _, p := range s.positions {
		if !p.Open() && (symbol == "" || p.Symbol == symbol) {
			out = append(out, p.Clone())
		}
	}
	domain.SortByClosedDesc(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpdateStatus reads the current version and writes the new status only if
// nobody advanced the version in between.
func (s *Store) UpdateStatus(_ context.Context, ticket uint64, status domain.PositionStatus, close *domain.CloseFields) error {
	s.mu.RLock()
	cur, ok := s.positions[ticket]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("memory: update status %d: %w", ticket, domain.ErrNotFound)
	}

	next, err := cur.Transition(status, close)
	if err != nil {
		return fmt.Errorf("memory: update status %d: %w", ticket, err)
	}

	if s.beforeWrite != nil {
		s.beforeWrite()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.positions[ticket].Version != cur.Version {
		return fmt.Errorf("memory: update status %d at version %d: %w", ticket, cur.Version, domain.ErrConflict)
	}
	next.Version = cur.Version + 1
	s.positions[ticket] = next
	return nil
}

// Delete physically removes a position record.
func (s *Store) Delete(_ context.Context, ticket uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.positions[ticket]; !ok {
		return fmt.Errorf("memory: delete position %d: %w", ticket, domain.ErrNotFound)
	}
	delete(s.positions, ticket)
	return nil
}

// SaveOrder upserts an order.
func (s *Store) SaveOrder(_ context.Context, o domain.Order) error {
	if o.TicketID == "" || !o.Consistent() {
		return fmt.Errorf("memory: save order %q: %w", o.TicketID, domain.ErrInvalidOrder)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.TicketID] = o
	return nil
}

// FindOrder returns domain.ErrNotFound when no order has the ticket id.
func (s *Store) FindOrder(_ context.Context, ticketID string) (domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[ticketID]
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	return o, nil
}

// GetKillSwitch returns domain.ErrNotFound until the record has been written.
func (s *Store) GetKillSwitch(_ context.Context) (domain.KillSwitch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.killSwitch == nil {
		return domain.KillSwitch{}, domain.ErrNotFound
	}
	return *s.killSwitch, nil
}

// PutKillSwitch overwrites the whole record.
func (s *Store) PutKillSwitch(_ context.Context, ks domain.KillSwitch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.killSwitch = &ks
	return nil
}

// Log appends an audit entry.
func (s *Store) Log(_ context.Context, event string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextAudit++
	s.audit = append(s.audit, domain.AuditEntry{
		ID:        s.nextAudit,
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

// List returns audit entries newest first.
func (s *Store) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.AuditEntry
	for i := len(s.audit) - 1; i >= 0; i-- {
		e := s.audit[i]
		if opts.Since != nil && e.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && e.CreatedAt.After(*opts.Until) {
			continue
		}
		out = append(out, e)
	}
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

var (
	_ domain.Ledger     = (*Store)(nil)
	_ domain.AuditStore = (*Store)(nil)
)

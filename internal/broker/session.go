// Package broker owns the single terminal session the dispatcher trades
// through.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/orderbridge/internal/domain"
)

// DefaultCallTimeout bounds every gateway call made through a Session.
const DefaultCallTimeout = 15 * time.Second

// Session serializes access to one BrokerGateway, applies a per-call
// timeout and remembers which login is connected. Calls other than Connect
// fail with domain.ErrNotConnected until a login succeeds. A call that finds
// the terminal unreachable drops the connection so the next Connect logs in
// again.
type Session struct {
	mu      sync.Mutex
	gw      domain.BrokerGateway
	cache   domain.ConstraintCache
	timeout time.Duration
	logger  *slog.Logger

	login uint64
}

// Option configures a Session.
type Option func(*Session)

// WithConstraintCache reads symbol constraints through cache.
func WithConstraintCache(cache domain.ConstraintCache) Option {
	return func(s *Session) { s.cache = cache }
}

// WithCallTimeout overrides DefaultCallTimeout.
func WithCallTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// NewSession wraps gw.
func NewSession(gw domain.BrokerGateway, logger *slog.Logger, opts ...Option) *Session {
	s := &Session{
		gw:      gw,
		timeout: DefaultCallTimeout,
		logger:  logger.With(slog.String("component", "broker_session")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect logs into creds.Login unless that login is already active.
func (s *Session) Connect(ctx context.Context, creds domain.Credentials) error {
	if creds.Login == 0 {
		return fmt.Errorf("broker: connect: %w", domain.ErrNoCredentials)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.login == creds.Login {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.gw.Connect(ctx, creds); err != nil {
		s.login = 0
		return fmt.Errorf("broker: connect %d: %w", creds.Login, err)
	}
	s.login = creds.Login
	s.logger.InfoContext(ctx, "broker session connected", slog.Uint64("login", creds.Login))
	return nil
}

// Login returns the connected login, zero when disconnected.
func (s *Session) Login() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.login
}

// Quote returns the current bid/ask for symbol.
func (s *Session) Quote(ctx context.Context, symbol string) (domain.Quote, error) {
	var q domain.Quote
	err := s.call(ctx, func(ctx context.Context) (err error) {
		q, err = s.gw.Quote(ctx, symbol)
		return err
	})
	return q, err
}

// SymbolConstraints serves from the cache when one is configured and falls
// back to the terminal on a miss or cache failure.
func (s *Session) SymbolConstraints(ctx context.Context, symbol string) (domain.SymbolConstraints, error) {
	if s.cache != nil {
		c, err := s.cache.Get(ctx, symbol)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			s.logger.WarnContext(ctx, "constraint cache read failed",
				slog.String("symbol", symbol),
				slog.String("error", err.Error()),
			)
		}
	}

	var c domain.SymbolConstraints
	err := s.call(ctx, func(ctx context.Context) (err error) {
		c, err = s.gw.SymbolConstraints(ctx, symbol)
		return err
	})
	if err != nil {
		return domain.SymbolConstraints{}, err
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, c); err != nil {
			s.logger.WarnContext(ctx, "constraint cache write failed",
				slog.String("symbol", symbol),
				slog.String("error", err.Error()),
			)
		}
	}
	return c, nil
}

// SubmitOrder sends req to the terminal.
func (s *Session) SubmitOrder(ctx context.Context, req domain.TradeRequest) (*domain.TradeReceipt, error) {
	var r *domain.TradeReceipt
	err := s.call(ctx, func(ctx context.Context) (err error) {
		r, err = s.gw.SubmitOrder(ctx, req)
		return err
	})
	if err == nil && r == nil {
		return nil, fmt.Errorf("broker: submit order: empty receipt: %w", domain.ErrBrokerUnreachable)
	}
	return r, err
}

// Position returns the live position or nil when the terminal does not
// hold it.
func (s *Session) Position(ctx context.Context, ticket uint64) (*domain.PositionSnapshot, error) {
	var p *domain.PositionSnapshot
	err := s.call(ctx, func(ctx context.Context) (err error) {
		p, err = s.gw.Position(ctx, ticket)
		return err
	})
	return p, err
}

// ClosePosition sends the offsetting deal.
func (s *Session) ClosePosition(ctx context.Context, req domain.CloseRequest) (*domain.TradeReceipt, error) {
	var r *domain.TradeReceipt
	err := s.call(ctx, func(ctx context.Context) (err error) {
		r, err = s.gw.ClosePosition(ctx, req)
		return err
	})
	if err == nil && r == nil {
		return nil, fmt.Errorf("broker: close position %d: empty receipt: %w", req.Ticket, domain.ErrBrokerUnreachable)
	}
	return r, err
}

func (s *Session) call(ctx context.Context, fn func(context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.login == 0 {
		return fmt.Errorf("broker: %w", domain.ErrNotConnected)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	err := fn(ctx)
	if errors.Is(err, domain.ErrBrokerUnreachable) || errors.Is(err, context.DeadlineExceeded) {
		s.login = 0
		if !errors.Is(err, domain.ErrBrokerUnreachable) {
			err = fmt.Errorf("%w: %w", domain.ErrBrokerUnreachable, err)
		}
	}
	return err
}

var _ domain.BrokerGateway = (*Session)(nil)

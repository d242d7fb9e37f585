package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/orderbridge/internal/domain"
)

// Gate answers whether trading is blocked.
type Gate interface {
	IsEngaged(ctx context.Context) bool
}

// KillSwitchView is the operator-facing state of the interlock.
type KillSwitchView struct {
	Engaged     bool      `json:"engaged"`
	Reason      string    `json:"reason"`
	Actor       string    `json:"actor"`
	LastUpdated time.Time `json:"last_updated"`
}

// KillSwitchService guards trading behind the stored interlock record. It
// fails closed: a missing record, an unreadable store and any status other
// than the literal OFF all count as engaged.
type KillSwitchService struct {
	store  domain.KillSwitchStore
	events domain.EventRecorder
	logger *slog.Logger
	now    func() time.Time
}

// NewKillSwitchService creates a KillSwitchService.
func NewKillSwitchService(store domain.KillSwitchStore, events domain.EventRecorder, logger *slog.Logger) *KillSwitchService {
	return &KillSwitchService{
		store:  store,
		events: events,
		logger: logger.With(slog.String("component", "kill_switch")),
		now:    time.Now,
	}
}

// IsEngaged reports whether trading is blocked.
func (s *KillSwitchService) IsEngaged(ctx context.Context) bool {
	ks, err := s.store.GetKillSwitch(ctx)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			s.logger.WarnContext(ctx, "kill switch read failed, treating as engaged",
				slog.String("error", err.Error()),
			)
		}
		return true
	}
	return ks.Status != domain.KillSwitchOff
}

// Status returns the current view. A read failure yields Engaged=true
// together with the error.
func (s *KillSwitchService) Status(ctx context.Context) (KillSwitchView, error) {
	ks, err := s.store.GetKillSwitch(ctx)
	if errors.Is(err, domain.ErrNotFound) {
		return KillSwitchView{Engaged: true, Reason: "no kill switch record"}, nil
	}
	if err != nil {
		return KillSwitchView{Engaged: true}, fmt.Errorf("kill_switch: status: %w", err)
	}
	return KillSwitchView{
		Engaged:     ks.Status != domain.KillSwitchOff,
		Reason:      ks.Reason,
		Actor:       ks.UpdatedBy,
		LastUpdated: ks.LastUpdated,
	}, nil
}

// Engage blocks trading.
func (s *KillSwitchService) Engage(ctx context.Context, reason, actor string) error {
	return s.set(ctx, domain.KillSwitchOn, reason, actor)
}

// Disengage allows trading.
func (s *KillSwitchService) Disengage(ctx context.Context, reason, actor string) error {
	return s.set(ctx, domain.KillSwitchOff, reason, actor)
}

func (s *KillSwitchService) set(ctx context.Context, status domain.KillSwitchStatus, reason, actor string) error {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return fmt.Errorf("kill_switch: actor is required")
	}

	ks := domain.KillSwitch{
		Status:      status,
		LastUpdated: s.now().UTC(),
		Reason:      reason,
		UpdatedBy:   actor,
	}
	if err := s.store.PutKillSwitch(ctx, ks); err != nil {
		return fmt.Errorf("kill_switch: set %s: %w", status, err)
	}

	severity := domain.SeverityInfo
	if status == domain.KillSwitchOn {
		severity = domain.SeverityWarn
	}
	s.events.Record(ctx, domain.Event{
		Type:     domain.EventKillSwitchChanged,
		Severity: severity,
		Detail: map[string]any{
			"status": string(status),
			"reason": reason,
			"actor":  actor,
		},
		OccurredAt: ks.LastUpdated,
	})
	return nil
}

var _ Gate = (*KillSwitchService)(nil)

// Package maintenance runs scheduled housekeeping jobs beside the
// dispatcher.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// ClosedArchiver moves closed positions out of the ledger.
type ClosedArchiver interface {
	ArchiveClosed(ctx context.Context, before time.Time, limit int) (int, error)
}

// Archiver archives positions closed more than retention ago.
type Archiver struct {
	target    ClosedArchiver
	retention time.Duration
	limit     int
	logger    *slog.Logger
	now       func() time.Time
}

// NewArchiver creates an Archiver keeping retentionDays of closed positions
// in the ledger. limit caps one run; zero means no cap.
func NewArchiver(target ClosedArchiver, retentionDays, limit int, logger *slog.Logger) *Archiver {
	return &Archiver{
		target:    target,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		limit:     limit,
		logger:    logger.With(slog.String("component", "archive_cron")),
		now:       time.Now,
	}
}

// Run executes a single archive run.
func (a *Archiver) Run(ctx context.Context) error {
	cutoff := a.now().UTC().Add(-a.retention)
	a.logger.InfoContext(ctx, "starting archive run",
		slog.Time("cutoff", cutoff),
		slog.Duration("retention", a.retention),
	)

	n, err := a.target.ArchiveClosed(ctx, cutoff, a.limit)
	if err != nil {
		return fmt.Errorf("archiving positions closed before %v: %w", cutoff, err)
	}

	a.logger.InfoContext(ctx, "archive run complete", slog.Int("positions_archived", n))
	return nil
}

// RunCron runs the archiver on a 5-field UTC cron schedule until ctx is
// cancelled. A failed run is logged and the schedule continues.
//
// Example: "0 3 * * *" runs at 03:00 every day.
func (a *Archiver) RunCron(ctx context.Context, cronExpr string) error {
	sched, err := parseSchedule(cronExpr)
	if err != nil {
		return fmt.Errorf("parsing cron expression %q: %w", cronExpr, err)
	}
	a.logger.InfoContext(ctx, "archiver cron started", slog.String("cron", cronExpr))

	for {
		next, err := sched.next(a.now())
		if err != nil {
			return fmt.Errorf("cron %q: %w", cronExpr, err)
		}

		wait := next.Sub(a.now())
		a.logger.DebugContext(ctx, "archiver waiting for next cron trigger",
			slog.Time("next_run", next),
			slog.Duration("wait", wait),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			a.logger.Info("archiver cron stopped")
			return nil
		case <-timer.C:
			if err := a.Run(ctx); err != nil {
				a.logger.ErrorContext(ctx, "archive run failed", slog.String("error", err.Error()))
			}
		}
	}
}

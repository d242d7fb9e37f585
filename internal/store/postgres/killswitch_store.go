package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/orderbridge/internal/domain"
)

// KillSwitchStore implements domain.KillSwitchStore on a single-row table.
type KillSwitchStore struct {
	pool *pgxpool.Pool
}

// NewKillSwitchStore creates a new KillSwitchStore backed by the given connection pool.
func NewKillSwitchStore(pool *pgxpool.Pool) *KillSwitchStore {
	return &KillSwitchStore{pool: pool}
}

// GetKillSwitch returns domain.ErrNotFound until the row has been written.
func (s *KillSwitchStore) GetKillSwitch(ctx context.Context) (domain.KillSwitch, error) {
	var ks domain.KillSwitch
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT status, last_updated, reason, updated_by FROM kill_switch WHERE id = 1`,
	).Scan(&status, &ks.LastUpdated, &ks.Reason, &ks.UpdatedBy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.KillSwitch{}, domain.ErrNotFound
		}
		return domain.KillSwitch{}, unavailable("get kill switch", err)
	}
	ks.Status = domain.KillSwitchStatus(status)
	ks.LastUpdated = ks.LastUpdated.UTC()
	return ks, nil
}

// PutKillSwitch overwrites the row.
func (s *KillSwitchStore) PutKillSwitch(ctx context.Context, ks domain.KillSwitch) error {
	const query = `
		INSERT INTO kill_switch (id, status, last_updated, reason, updated_by)
		VALUES (1, $1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			status       = EXCLUDED.status,
			last_updated = EXCLUDED.last_updated,
			reason       = EXCLUDED.reason,
			updated_by   = EXCLUDED.updated_by`
	if _, err := s.pool.Exec(ctx, query, string(ks.Status), ks.LastUpdated.UTC(), ks.Reason, ks.UpdatedBy); err != nil {
		return unavailable("put kill switch", err)
	}
	return nil
}

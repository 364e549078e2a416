package postgres

import (
	"context"
	"time"

	"github.com/fleetwatch/alarm-notifier/internal/domain"
)

// RegisterWorker upserts a worker row; re-registration after a reap restores
// the row with a fresh heartbeat.
func (r *Repository) RegisterWorker(ctx context.Context, w *domain.Worker) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO workers (id, hostname, pid, started_at, last_heartbeat, status)
		VALUES ($1, $2, $3, $4, NOW(), 'active')
		ON CONFLICT (id) DO UPDATE SET
			hostname = EXCLUDED.hostname,
			pid = EXCLUDED.pid,
			last_heartbeat = NOW(),
			status = 'active'
	`, w.ID, w.Hostname, w.PID, w.StartedAt)
	return err
}

// Heartbeat refreshes last_heartbeat. Returns false when the row has been
// removed and the worker must re-register.
func (r *Repository) Heartbeat(ctx context.Context, workerID string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE workers SET last_heartbeat = NOW(), status = 'active' WHERE id = $1
	`, workerID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ReapWorkers marks rows stale/dead by heartbeat age and removes dead rows
// older than an hour.
func (r *Repository) ReapWorkers(ctx context.Context, staleAfter, deadAfter time.Duration) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		UPDATE workers SET status = 'stale'
		WHERE status = 'active' AND last_heartbeat < NOW() - make_interval(secs => $1)
	`, staleAfter.Seconds()); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE workers SET status = 'dead'
		WHERE status IN ('active','stale') AND last_heartbeat < NOW() - make_interval(secs => $1)
	`, deadAfter.Seconds()); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		DELETE FROM workers
		WHERE status = 'dead' AND last_heartbeat < NOW() - INTERVAL '1 hour'
	`); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *Repository) ListWorkers(ctx context.Context) ([]domain.Worker, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, hostname, pid, started_at, last_heartbeat, status
		FROM workers ORDER BY started_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Worker
	for rows.Next() {
		var w domain.Worker
		if err := rows.Scan(&w.ID, &w.Hostname, &w.PID, &w.StartedAt, &w.LastHeartbeat, &w.Status); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

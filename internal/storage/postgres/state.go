package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/fleetwatch/alarm-notifier/internal/domain"
)

// GetSystemState reads the singleton row; a missing row reads as running.
func (r *Repository) GetSystemState(ctx context.Context) (domain.SystemState, error) {
	var s domain.SystemState
	err := r.pool.QueryRow(ctx, `
		SELECT state, use_mock_sms, use_mock_email, paused_at, COALESCE(paused_by,''), COALESCE(reason,'')
		FROM system_state WHERE id = 1
	`).Scan(&s.State, &s.UseMockSMS, &s.UseMockEmail, &s.PausedAt, &s.PausedBy, &s.Reason)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.SystemState{State: domain.StateRunning}, nil
	}
	if err != nil {
		return domain.SystemState{}, err
	}
	return s, nil
}

func (r *Repository) UpdateSystemState(ctx context.Context, s domain.SystemState) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO system_state (id, state, use_mock_sms, use_mock_email, paused_at, paused_by, reason)
		VALUES (1, $1, $2, $3, $4, NULLIF($5,''), NULLIF($6,''))
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			use_mock_sms = EXCLUDED.use_mock_sms,
			use_mock_email = EXCLUDED.use_mock_email,
			paused_at = EXCLUDED.paused_at,
			paused_by = EXCLUDED.paused_by,
			reason = EXCLUDED.reason
	`, s.State, s.UseMockSMS, s.UseMockEmail, s.PausedAt, s.PausedBy, s.Reason)
	return err
}

// GetFeatureFlags loads the whole flag table. Unknown flags default to false
// at the gate, so an empty table is fine.
func (r *Repository) GetFeatureFlags(ctx context.Context) (map[string]bool, error) {
	rows, err := r.pool.Query(ctx, `SELECT name, enabled FROM feature_flags`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]bool{}
	for rows.Next() {
		var name string
		var enabled bool
		if err := rows.Scan(&name, &enabled); err != nil {
			return nil, err
		}
		out[name] = enabled
	}
	return out, rows.Err()
}

package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fleetwatch/alarm-notifier/internal/domain"
)

func (r *Repository) ListModems(ctx context.Context) ([]domain.Modem, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, endpoint, COALESCE(credentials,''), COALESCE(modem_hw_id,''),
		       enabled, priority, max_concurrent, health, COALESCE(last_health_check, 'epoch'),
		       sms_sent_count, sms_limit, package_cost, COALESCE(package_currency,''),
		       COALESCE(package_end_date, 'epoch'), allowed_services
		FROM modems ORDER BY priority ASC, id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Modem
	for rows.Next() {
		var m domain.Modem
		var services []string
		if err := rows.Scan(&m.ID, &m.Name, &m.Endpoint, &m.Credentials, &m.ModemHWID,
			&m.Enabled, &m.Priority, &m.MaxConcurrent, &m.Health, &m.LastCheck,
			&m.SMSSentCount, &m.SMSLimit, &m.PackageCost, &m.Currency,
			&m.PackageEnd, &services); err != nil {
			return nil, err
		}
		for _, s := range services {
			m.Services = append(m.Services, domain.ModemService(s))
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeviceModemID resolves the tier-1 device-specific modem mapping.
func (r *Repository) DeviceModemID(ctx context.Context, imei string) (int64, bool, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `
		SELECT modem_id FROM device_modems WHERE imei = $1
	`, imei).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// IncrementUsage bumps the lifetime package counter and the per-day counter
// in one round trip.
func (r *Repository) IncrementUsage(ctx context.Context, modemID int64, day time.Time) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		UPDATE modems SET sms_sent_count = sms_sent_count + 1 WHERE id = $1
	`, modemID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO modem_daily_usage (modem_id, day, sms_count)
		VALUES ($1, $2::date, 1)
		ON CONFLICT (modem_id, day) DO UPDATE SET sms_count = modem_daily_usage.sms_count + 1
	`, modemID, day); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *Repository) UpdateModemHealth(ctx context.Context, modemID int64, health domain.ModemHealth) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE modems SET health = $2, last_health_check = NOW() WHERE id = $1
	`, modemID, health)
	return err
}

// ResetModemPackage zeroes the usage counter and restores health after a
// package renewal.
func (r *Repository) ResetModemPackage(ctx context.Context, modemID int64) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE modems SET sms_sent_count = 0, health = 'healthy' WHERE id = $1
	`, modemID)
	return err
}

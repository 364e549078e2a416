package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fleetwatch/alarm-notifier/internal/domain"
)

// Repository is the single persistence gateway: alarms, contacts, dedup
// records, notification audit, DLQ, modems, system state, feature flags and
// the worker registry all live behind it.
type Repository struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Connect opens a pgx pool against dsn and verifies connectivity.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// ---- alarms ----

func (r *Repository) GetAlarm(ctx context.Context, id int64) (*domain.Alarm, error) {
	var a domain.Alarm
	err := r.pool.QueryRow(ctx, `
		SELECT id, imei, status, COALESCE(category,''), priority,
		       gps_time, server_time, created_at,
		       latitude, longitude, altitude, angle, satellites, speed, distance,
		       is_email, is_sms, is_call,
		       email_sent, sms_sent, voice_sent,
		       is_valid, COALESCE(reference_id,'')
		FROM alarms WHERE id = $1
	`, id).Scan(
		&a.ID, &a.IMEI, &a.Status, &a.Category, &a.Priority,
		&a.GPSTime, &a.ServerTime, &a.CreatedAt,
		&a.Latitude, &a.Longitude, &a.Altitude, &a.Angle, &a.Satellites, &a.Speed, &a.Distance,
		&a.EmailEnabled, &a.SMSEnabled, &a.VoiceEnabled,
		&a.EmailSent, &a.SMSSent, &a.VoiceSent,
		&a.IsValid, &a.ReferenceID,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// MarkChannelSent flips the per-channel sent flag. Flags only ever go from
// false to true; the alarm row itself is never deleted by this system.
func (r *Repository) MarkChannelSent(ctx context.Context, alarmID int64, ch domain.Channel) error {
	col := ""
	switch ch {
	case domain.ChannelEmail:
		col = "email_sent"
	case domain.ChannelSMS:
		col = "sms_sent"
	case domain.ChannelVoice:
		col = "voice_sent"
	default:
		return errors.New("unknown channel")
	}
	_, err := r.pool.Exec(ctx, `UPDATE alarms SET `+col+` = TRUE WHERE id = $1`, alarmID)
	return err
}

// ---- contacts ----

func (r *Repository) ActiveContacts(ctx context.Context, imei string) ([]domain.Contact, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, imei, name, COALESCE(email,''), COALESCE(phone,''),
		       contact_type, priority, active,
		       COALESCE(quiet_start,''), COALESCE(quiet_end,''), COALESCE(timezone,''),
		       bounce_count, last_bounce_at
		FROM contacts
		WHERE imei = $1 AND active = TRUE
		ORDER BY priority ASC, id ASC
	`, imei)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Contact
	for rows.Next() {
		var c domain.Contact
		if err := rows.Scan(
			&c.ID, &c.IMEI, &c.Name, &c.Email, &c.Phone,
			&c.ContactType, &c.Priority, &c.Active,
			&c.QuietStart, &c.QuietEnd, &c.Timezone,
			&c.BounceCount, &c.LastBounceAt,
		); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ---- dedup records ----

// CheckDedup applies the dedup window in a single statement: if a record for
// (imei, alarm_type) was touched inside the window the counter is bumped and
// suppress=true comes back; otherwise the record is upserted fresh.
func (r *Repository) CheckDedup(ctx context.Context, imei, alarmType string, window time.Duration) (suppress bool, err error) {
	var firstTime bool
	err = r.pool.QueryRow(ctx, `
		INSERT INTO alarm_dedup (imei, alarm_type, first_occurrence, last_occurrence, occurrence_count, notification_sent)
		VALUES ($1, $2, NOW(), NOW(), 1, FALSE)
		ON CONFLICT (imei, alarm_type) DO UPDATE SET
			occurrence_count = CASE
				WHEN alarm_dedup.last_occurrence >= NOW() - make_interval(secs => $3) THEN alarm_dedup.occurrence_count + 1
				ELSE 1 END,
			first_occurrence = CASE
				WHEN alarm_dedup.last_occurrence >= NOW() - make_interval(secs => $3) THEN alarm_dedup.first_occurrence
				ELSE NOW() END,
			notification_sent = CASE
				WHEN alarm_dedup.last_occurrence >= NOW() - make_interval(secs => $3) THEN alarm_dedup.notification_sent
				ELSE FALSE END,
			last_occurrence = NOW()
		RETURNING occurrence_count = 1
	`, imei, alarmType, window.Seconds()).Scan(&firstTime)
	if err != nil {
		return false, err
	}
	return !firstTime, nil
}

func (r *Repository) MarkDedupNotified(ctx context.Context, imei, alarmType string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE alarm_dedup SET notification_sent = TRUE
		WHERE imei = $1 AND alarm_type = $2
	`, imei, alarmType)
	return err
}

func (r *Repository) GetDedupRecord(ctx context.Context, imei, alarmType string) (*domain.DedupRecord, error) {
	var d domain.DedupRecord
	err := r.pool.QueryRow(ctx, `
		SELECT imei, alarm_type, first_occurrence, last_occurrence, occurrence_count, notification_sent
		FROM alarm_dedup WHERE imei = $1 AND alarm_type = $2
	`, imei, alarmType).Scan(&d.IMEI, &d.AlarmType, &d.FirstOccurrence, &d.LastOccurrence, &d.OccurrenceCount, &d.NotificationSent)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ---- notification audit ----

// HasSuccessfulSend is the idempotency check: at most one success row exists
// per (alarm_id, channel), enforced by a partial unique index WHERE
// status = 'success'.
func (r *Repository) HasSuccessfulSend(ctx context.Context, alarmID int64, ch domain.Channel) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM notification_attempts
			WHERE alarm_id = $1 AND channel = $2 AND status = 'success'
		)
	`, alarmID, ch).Scan(&exists)
	return exists, err
}

func (r *Repository) RecordAttempt(ctx context.Context, a *domain.NotificationAttempt) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO notification_attempts
			(alarm_id, imei, gps_time, channel, recipient, status, error,
			 provider_message_id, provider, modem_id, modem_name, sent_at)
		VALUES ($1,$2,$3,$4,$5,$6,NULLIF($7,''),NULLIF($8,''),$9,NULLIF($10,0),NULLIF($11,''),$12)
		ON CONFLICT DO NOTHING
	`, a.AlarmID, a.IMEI, a.GPSTime, a.Channel, a.Recipient, a.Status, a.Error,
		a.ProviderMessageID, a.Provider, a.ModemID, a.ModemName, a.SentAt)
	return err
}

func (r *Repository) AttemptsForAlarm(ctx context.Context, alarmID int64) ([]domain.NotificationAttempt, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, alarm_id, imei, gps_time, channel, recipient, status,
		       COALESCE(error,''), COALESCE(provider_message_id,''), provider,
		       COALESCE(modem_id,0), COALESCE(modem_name,''), sent_at
		FROM notification_attempts WHERE alarm_id = $1 ORDER BY sent_at ASC, id ASC
	`, alarmID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.NotificationAttempt
	for rows.Next() {
		var a domain.NotificationAttempt
		if err := rows.Scan(&a.ID, &a.AlarmID, &a.IMEI, &a.GPSTime, &a.Channel, &a.Recipient,
			&a.Status, &a.Error, &a.ProviderMessageID, &a.Provider, &a.ModemID, &a.ModemName, &a.SentAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fleetwatch/alarm-notifier/internal/domain"
)

// EnqueueDLQ parks a terminally-failed alarm for later replay.
func (r *Repository) EnqueueDLQ(ctx context.Context, item *domain.DLQItem) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO alarm_dlq
			(id, alarm_id, imei, channel, payload, error_message, error_type,
			 attempts, last_attempt_at, created_at, reprocessed)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,FALSE)
	`, item.ID, item.AlarmID, item.IMEI, item.Channel, item.Payload,
		item.ErrorMessage, item.ErrorType, item.Attempts, item.LastAttemptAt, item.CreatedAt)
	return err
}

// PendingDLQ selects up to limit unreprocessed items, optionally filtered by
// channel and error type, oldest low-attempt items first.
func (r *Repository) PendingDLQ(ctx context.Context, ch domain.Channel, errorType string, limit int) ([]domain.DLQItem, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, alarm_id, imei, channel, payload, error_message, error_type,
		       attempts, last_attempt_at, created_at, reprocessed, reprocessed_at
		FROM alarm_dlq
		WHERE reprocessed = FALSE
		  AND ($1 = '' OR channel = $1)
		  AND ($2 = '' OR error_type = $2)
		ORDER BY attempts ASC, created_at ASC
		LIMIT $3
	`, string(ch), errorType, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDLQItems(rows)
}

func (r *Repository) GetDLQItem(ctx context.Context, id string) (*domain.DLQItem, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, alarm_id, imei, channel, payload, error_message, error_type,
		       attempts, last_attempt_at, created_at, reprocessed, reprocessed_at
		FROM alarm_dlq WHERE id = $1
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items, err := scanDLQItems(rows)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

// MarkReprocessed terminally closes a DLQ item after a successful replay.
func (r *Repository) MarkReprocessed(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE alarm_dlq SET reprocessed = TRUE, reprocessed_at = NOW()
		WHERE id = $1
	`, id)
	return err
}

// TouchDLQAttempt bumps the attempt counter after a failed replay; the item
// itself stays pending.
func (r *Repository) TouchDLQAttempt(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE alarm_dlq SET attempts = attempts + 1, last_attempt_at = NOW()
		WHERE id = $1
	`, id)
	return err
}

// DLQSummary aggregates the pending queue.
func (r *Repository) DLQSummary(ctx context.Context) (*domain.DLQSummary, error) {
	s := &domain.DLQSummary{
		ByChannel:   map[domain.Channel]int64{},
		ByErrorType: map[string]int64{},
	}

	var avgAgeSecs *float64
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(MAX(attempts), 0),
		       AVG(EXTRACT(EPOCH FROM (NOW() - created_at)))
		FROM alarm_dlq WHERE reprocessed = FALSE
	`).Scan(&s.Total, &s.MaxAttempts, &avgAgeSecs)
	if err != nil {
		return nil, err
	}
	if avgAgeSecs != nil {
		s.AvgAge = time.Duration(*avgAgeSecs * float64(time.Second))
	}

	rows, err := r.pool.Query(ctx, `
		SELECT channel, error_type, COUNT(*)
		FROM alarm_dlq WHERE reprocessed = FALSE
		GROUP BY channel, error_type
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var ch domain.Channel
		var et string
		var n int64
		if err := rows.Scan(&ch, &et, &n); err != nil {
			return nil, err
		}
		s.ByChannel[ch] += n
		s.ByErrorType[et] += n
	}
	return s, rows.Err()
}

func scanDLQItems(rows pgx.Rows) ([]domain.DLQItem, error) {
	var out []domain.DLQItem
	for rows.Next() {
		var it domain.DLQItem
		if err := rows.Scan(&it.ID, &it.AlarmID, &it.IMEI, &it.Channel, &it.Payload,
			&it.ErrorMessage, &it.ErrorType, &it.Attempts, &it.LastAttemptAt,
			&it.CreatedAt, &it.Reprocessed, &it.ReprocessedAt); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	return out, nil
}

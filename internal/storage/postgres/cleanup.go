package postgres

import (
	"context"
	"time"
)

// CleanupOldAttempts prunes audit rows past the retention horizon. Returns the
// number of rows removed.
func (r *Repository) CleanupOldAttempts(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM notification_attempts
		WHERE sent_at < NOW() - make_interval(secs => $1)
	`, retention.Seconds())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// CleanupOldDLQ removes reprocessed items past retention. Pending items are
// never aged out; they stay until replayed or manually closed.
func (r *Repository) CleanupOldDLQ(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM alarm_dlq
		WHERE reprocessed = TRUE
		  AND reprocessed_at < NOW() - make_interval(secs => $1)
	`, retention.Seconds())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

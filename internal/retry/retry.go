package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/fleetwatch/alarm-notifier/internal/apperr"
)

// Config holds per-channel retry parameters.
type Config struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// PriorityFactor scales the backoff base by alarm urgency: high-priority
// alarms retry faster, low-priority ones back off harder.
func PriorityFactor(priority int) float64 {
	switch {
	case priority >= 8:
		return 0.5
	case priority <= 3:
		return 1.5
	default:
		return 1.0
	}
}

// Delay computes the backoff before retry number attempt (1-based), scaled by
// priority, jittered within +/-20% and capped at MaxDelay.
func Delay(attempt, priority int, cfg Config) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(cfg.BaseDelay) * PriorityFactor(priority) * math.Pow(2, float64(attempt-1))
	d := time.Duration(base)
	if cfg.MaxDelay > 0 && d > cfg.MaxDelay {
		d = cfg.MaxDelay
	}
	if d <= 0 {
		return 0
	}
	// jitter +/-20%; sub-3ns delays have an empty jitter span
	if span := int64(d) * 2 / 5; span > 0 {
		d += time.Duration(rand.Int63n(span)) - d/5
	}
	if cfg.MaxDelay > 0 && d > cfg.MaxDelay {
		d = cfg.MaxDelay
	}
	return d
}

// Do runs fn with bounded, priority-scaled retries. Only errors classified
// retryable by apperr are re-attempted; breaker signals and permanent
// failures short-circuit. Delays are cancellable through ctx.
func Do(ctx context.Context, cfg Config, priority int, onRetry func(attempt int), fn func() error) error {
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if onRetry != nil {
				onRetry(attempt)
			}
			delay := Delay(attempt, priority, cfg)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !apperr.IsRetryable(err) {
			return err
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

package dlq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetwatch/alarm-notifier/internal/circuitbreaker"
	"github.com/fleetwatch/alarm-notifier/internal/config"
	"github.com/fleetwatch/alarm-notifier/internal/consumer"
	"github.com/fleetwatch/alarm-notifier/internal/domain"
	"github.com/fleetwatch/alarm-notifier/internal/metrics"
	"github.com/fleetwatch/alarm-notifier/internal/retry"
)

// Store is the DLQ table surface.
type Store interface {
	DLQSummary(ctx context.Context) (*domain.DLQSummary, error)
	PendingDLQ(ctx context.Context, ch domain.Channel, errorType string, limit int) ([]domain.DLQItem, error)
	GetDLQItem(ctx context.Context, id string) (*domain.DLQItem, error)
	MarkReprocessed(ctx context.Context, id string) error
	TouchDLQAttempt(ctx context.Context, id string) error
}

// BreakerStatus exposes the per-channel breaker FSM owned by the processor.
type BreakerStatus interface {
	BreakerState(ch domain.Channel) circuitbreaker.State
}

// Processor resubmits a reconstructed alarm through the full pipeline.
type Processor interface {
	ProcessAlarm(ctx context.Context, alarm *domain.Alarm, payload []byte) error
}

// Reprocessor periodically replays parked alarms. Auto cycles replay with
// force=true: the cycle cadence is the backoff, clamped at config load to stay
// at or above the per-item base delay.
type Reprocessor struct {
	store    Store
	proc     Processor
	breakers BreakerStatus
	cfg      *config.Config
	log      zerolog.Logger

	// optional cycle filters
	FilterChannel   domain.Channel
	FilterErrorType string

	mu          sync.Mutex
	alertRaised bool
}

func New(store Store, proc Processor, breakers BreakerStatus, cfg *config.Config, log zerolog.Logger) *Reprocessor {
	return &Reprocessor{
		store:    store,
		proc:     proc,
		breakers: breakers,
		cfg:      cfg,
		log:      log.With().Str("component", "dlq_reprocessor").Logger(),
	}
}

// Run cycles until ctx is done.
func (r *Reprocessor) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.DLQReprocessEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Cycle(ctx); err != nil {
				r.log.Warn().Err(err).Msg("reprocess cycle failed")
			}
		}
	}
}

// Cycle runs one batch: summary + alert tracking, breaker-aware selection,
// replay of up to the configured batch size.
func (r *Reprocessor) Cycle(ctx context.Context) error {
	summary, err := r.store.DLQSummary(ctx)
	if err != nil {
		return fmt.Errorf("dlq summary: %w", err)
	}
	r.trackAlert(summary.Total)

	allowed := r.closedChannels()
	if len(allowed) == 0 {
		r.log.Info().Msg("all channel breakers open, skipping cycle")
		return nil
	}

	items, err := r.store.PendingDLQ(ctx, r.FilterChannel, r.FilterErrorType, r.cfg.DLQReprocessBatch)
	if err != nil {
		return fmt.Errorf("pending dlq: %w", err)
	}
	if len(items) == 0 {
		return nil
	}

	replayed := 0
	for i := range items {
		item := &items[i]
		if item.Channel != "" && !allowed[item.Channel] {
			r.log.Debug().Str("id", item.ID).Str("channel", string(item.Channel)).Msg("channel breaker not closed, skipping item")
			continue
		}
		if err := r.replay(ctx, item, true); err != nil {
			r.log.Warn().Err(err).Str("id", item.ID).Msg("replay failed")
			continue
		}
		replayed++
	}

	r.log.Info().Int("selected", len(items)).Int("replayed", replayed).Int64("pending", summary.Total).Msg("reprocess cycle complete")
	return nil
}

// ReplayOne replays a single item by id. force skips both the per-item
// backoff and the already-reprocessed check.
func (r *Reprocessor) ReplayOne(ctx context.Context, id string, force bool) error {
	item, err := r.store.GetDLQItem(ctx, id)
	if err != nil {
		return err
	}
	if item == nil {
		return fmt.Errorf("dlq item %s not found", id)
	}
	if item.Reprocessed && !force {
		return fmt.Errorf("dlq item %s already reprocessed", id)
	}
	return r.replay(ctx, item, force)
}

func (r *Reprocessor) replay(ctx context.Context, item *domain.DLQItem, force bool) error {
	if !force && !r.due(item) {
		return nil
	}

	alarm, err := consumer.ParseAlarm(item.Payload)
	if err != nil {
		// Payload shape is broken beyond repair; count the attempt so the
		// item sinks to the back of the selection order.
		_ = r.store.TouchDLQAttempt(ctx, item.ID)
		metrics.RecordDLQReplay("invalid_payload")
		return fmt.Errorf("reconstruct alarm: %w", err)
	}

	if err := r.proc.ProcessAlarm(ctx, alarm, item.Payload); err != nil {
		if terr := r.store.TouchDLQAttempt(ctx, item.ID); terr != nil {
			r.log.Warn().Err(terr).Str("id", item.ID).Msg("failed to bump dlq attempt counter")
		}
		metrics.RecordDLQReplay("failed")
		return err
	}

	if err := r.store.MarkReprocessed(ctx, item.ID); err != nil {
		return fmt.Errorf("mark reprocessed: %w", err)
	}
	metrics.RecordDLQReplay("success")
	r.log.Info().Str("id", item.ID).Int64("alarm_id", item.AlarmID).Str("channel", string(item.Channel)).Msg("dlq item replayed")
	return nil
}

// due applies the per-item exponential backoff, halved once an item is older
// than an hour.
func (r *Reprocessor) due(item *domain.DLQItem) bool {
	if item.LastAttemptAt == nil {
		return true
	}
	delay := retry.Delay(item.Attempts, 5, retry.Config{
		BaseDelay: r.cfg.DLQBackoffBase,
		MaxDelay:  r.cfg.DLQBackoffMax,
	})
	if time.Since(item.CreatedAt) > time.Hour {
		delay /= 2
	}
	return time.Since(*item.LastAttemptAt) >= delay
}

// closedChannels returns the channels whose breaker is CLOSED. Items with no
// channel (validation rejects) replay regardless.
func (r *Reprocessor) closedChannels() map[domain.Channel]bool {
	out := map[domain.Channel]bool{}
	for _, ch := range domain.Channels {
		if r.breakers.BreakerState(ch) == circuitbreaker.StateClosed {
			out[ch] = true
		}
	}
	return out
}

// trackAlert raises the DLQ-size alert on the rising edge and clears it when
// the total falls back under the threshold.
func (r *Reprocessor) trackAlert(total int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case total >= r.cfg.DLQAlertThreshold && !r.alertRaised:
		r.alertRaised = true
		r.log.Error().Int64("total", total).Int64("threshold", r.cfg.DLQAlertThreshold).Msg("dlq size over alert threshold")
	case total < r.cfg.DLQAlertThreshold && r.alertRaised:
		r.alertRaised = false
		r.log.Info().Int64("total", total).Msg("dlq size back under alert threshold")
	}
}

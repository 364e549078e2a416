package processor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/fleetwatch/alarm-notifier/internal/apperr"
	"github.com/fleetwatch/alarm-notifier/internal/channel"
	"github.com/fleetwatch/alarm-notifier/internal/circuitbreaker"
	"github.com/fleetwatch/alarm-notifier/internal/config"
	"github.com/fleetwatch/alarm-notifier/internal/domain"
	"github.com/fleetwatch/alarm-notifier/internal/limiter"
	"github.com/fleetwatch/alarm-notifier/internal/metrics"
	"github.com/fleetwatch/alarm-notifier/internal/retry"
	"github.com/fleetwatch/alarm-notifier/internal/systemstate"
)

// Store is the persistence surface the processor needs.
type Store interface {
	ActiveContacts(ctx context.Context, imei string) ([]domain.Contact, error)
	CheckDedup(ctx context.Context, imei, alarmType string, window time.Duration) (bool, error)
	MarkDedupNotified(ctx context.Context, imei, alarmType string) error
	HasSuccessfulSend(ctx context.Context, alarmID int64, ch domain.Channel) (bool, error)
	RecordAttempt(ctx context.Context, a *domain.NotificationAttempt) error
	MarkChannelSent(ctx context.Context, alarmID int64, ch domain.Channel) error
	EnqueueDLQ(ctx context.Context, item *domain.DLQItem) error
}

// Processor orchestrates one alarm end to end: gates, channel fan-out, audit,
// DLQ routing. Breakers and limiters are process-local and owned here.
type Processor struct {
	store    Store
	gate     *systemstate.Gate
	cfg      *config.Config
	log      zerolog.Logger
	validate *validator.Validate

	adapters map[domain.Channel]channel.Adapter
	limiters map[domain.Channel]*limiter.Limiter
	breakers map[domain.Channel]*circuitbreaker.CircuitBreaker
}

func New(store Store, gate *systemstate.Gate, cfg *config.Config, adapters []channel.Adapter, log zerolog.Logger) *Processor {
	p := &Processor{
		store:    store,
		gate:     gate,
		cfg:      cfg,
		log:      log.With().Str("component", "processor").Logger(),
		validate: validator.New(),
		adapters: map[domain.Channel]channel.Adapter{},
		limiters: map[domain.Channel]*limiter.Limiter{},
		breakers: map[domain.Channel]*circuitbreaker.CircuitBreaker{},
	}
	for _, ad := range adapters {
		ch := ad.Name()
		p.adapters[ch] = ad
		p.limiters[ch] = limiter.New(cfg.Channel(string(ch)).MaxConcurrency)
		p.breakers[ch] = circuitbreaker.New(
			cfg.BreakerFailureThreshold,
			cfg.BreakerSuccessThreshold,
			cfg.BreakerOpenTimeout,
		)
	}
	return p
}

// BreakerState reports the breaker FSM state for ch. Channels without an
// adapter read as closed.
func (p *Processor) BreakerState(ch domain.Channel) circuitbreaker.State {
	if cb, ok := p.breakers[ch]; ok {
		return cb.State()
	}
	return circuitbreaker.StateClosed
}

// ResetBreaker forces the breaker for ch closed.
func (p *Processor) ResetBreaker(ch domain.Channel) {
	if cb, ok := p.breakers[ch]; ok {
		cb.Reset()
		metrics.SetBreakerState(string(ch), int(cb.State()))
	}
}

// ProcessAlarm runs the full pipeline for one alarm. payload is the original
// broker body, stored verbatim on DLQ items; pass nil to have the alarm
// re-marshalled. The returned error reflects channel failures only when the
// channel fallback flag is off; gates and validation never surface an error.
func (p *Processor) ProcessAlarm(ctx context.Context, alarm *domain.Alarm, payload []byte) error {
	start := time.Now()
	defer func() { metrics.RecordProcessing(time.Since(start)) }()

	log := p.log.With().Int64("alarm_id", alarm.ID).Str("imei", alarm.IMEI).Logger()

	if err := p.validate.Struct(alarm); err != nil {
		log.Warn().Err(err).Msg("alarm failed validation, routing to dlq")
		p.enqueueDLQ(ctx, alarm, "", payload, apperr.Validation(err.Error()), 0)
		return nil
	}

	if p.gate.FlagDefault(systemstate.FlagDeduplication, true) {
		suppress, err := p.store.CheckDedup(ctx, alarm.IMEI, alarm.Status, p.cfg.DedupWindow)
		if err != nil {
			return apperr.Retryable("dedup check failed", err)
		}
		if suppress {
			metrics.RecordDedupHit()
			log.Debug().Str("alarm_type", alarm.Status).Msg("suppressed by dedup window")
			return nil
		}
	}

	contacts, err := p.store.ActiveContacts(ctx, alarm.IMEI)
	if err != nil {
		return apperr.Retryable("contact fetch failed", err)
	}

	if p.gate.FlagDefault(systemstate.FlagQuietHours, true) && anyInQuietHours(contacts, time.Now()) {
		metrics.RecordQuietHoursSkip()
		log.Debug().Msg("suppressed by quiet hours")
		return nil
	}

	type outcome struct {
		ch  domain.Channel
		err error
	}

	var wg sync.WaitGroup
	results := make(chan outcome, len(domain.Channels))

	for _, ch := range domain.Channels {
		if !alarm.ChannelEnabled(ch) || alarm.ChannelSent(ch) {
			continue
		}
		if !p.channelAllowed(ch) {
			log.Debug().Str("channel", string(ch)).Msg("channel disabled by feature flag")
			continue
		}
		wg.Add(1)
		go func(ch domain.Channel) {
			defer wg.Done()
			results <- outcome{ch: ch, err: p.dispatch(ctx, alarm, ch, contacts, payload)}
		}(ch)
	}

	wg.Wait()
	close(results)

	var (
		errs    []error
		anySent bool
	)
	for r := range results {
		if r.err != nil {
			errs = append(errs, r.err)
			continue
		}
		anySent = true
	}

	if anySent && p.gate.FlagDefault(systemstate.FlagDeduplication, true) {
		if err := p.store.MarkDedupNotified(ctx, alarm.IMEI, alarm.Status); err != nil {
			log.Warn().Err(err).Msg("failed to mark dedup record notified")
		}
	}

	if len(errs) == 0 {
		return nil
	}
	if p.gate.Flag(systemstate.FlagChannelFallback) {
		log.Warn().Errs("errors", errs).Msg("channel failures absorbed by fallback flag")
		return nil
	}
	return errors.Join(errs...)
}

func (p *Processor) channelAllowed(ch domain.Channel) bool {
	switch ch {
	case domain.ChannelEmail:
		return p.gate.FlagDefault(systemstate.FlagEmailEnabled, true)
	case domain.ChannelSMS:
		return p.gate.FlagDefault(systemstate.FlagSMSEnabled, true)
	case domain.ChannelVoice:
		return p.gate.FlagDefault(systemstate.FlagVoiceEnabled, true)
	}
	return false
}

// dispatch runs one channel task: recipient projection, idempotency check,
// then the send under limiter, breaker and retry. Terminal failures are
// audited and parked on the DLQ.
func (p *Processor) dispatch(ctx context.Context, alarm *domain.Alarm, ch domain.Channel, contacts []domain.Contact, payload []byte) error {
	log := p.log.With().Int64("alarm_id", alarm.ID).Str("channel", string(ch)).Logger()

	recipients := channel.Recipients(ch, contacts)
	if len(recipients) == 0 {
		log.Debug().Msg("no reachable recipients, skipping channel")
		return nil
	}

	ad, ok := p.adapters[ch]
	if !ok || !ad.IsReady() {
		log.Warn().Msg("adapter not ready, skipping channel")
		return nil
	}

	done, err := p.store.HasSuccessfulSend(ctx, alarm.ID, ch)
	if err != nil {
		log.Warn().Err(err).Msg("idempotency check failed, proceeding with send")
	} else if done {
		log.Debug().Msg("successful send already recorded, skipping channel")
		return nil
	}

	ccfg := p.cfg.Channel(string(ch))
	rcfg := retry.Config{
		MaxRetries: ccfg.MaxRetries,
		BaseDelay:  ccfg.RetryBaseDelay,
		MaxDelay:   ccfg.RetryMaxDelay,
	}

	var (
		result   *channel.SendResult
		attempts = 1
		start    = time.Now()
	)
	sendErr := retry.Do(ctx, rcfg, alarm.Priority, func(attempt int) {
		attempts = attempt + 1
		metrics.RecordRetry(string(ch))
		log.Info().Int("attempt", attempt).Msg("retrying send")
	}, func() error {
		return p.limiters[ch].Submit(ctx, func() error {
			return p.breakers[ch].Execute(func() error {
				sctx, cancel := context.WithTimeout(ctx, ccfg.SendTimeout)
				defer cancel()
				res, err := ad.Send(sctx, alarm, recipients)
				if err != nil {
					return err
				}
				result = res
				return nil
			})
		})
	})
	metrics.SetBreakerState(string(ch), int(p.breakers[ch].State()))

	if sendErr != nil {
		code := apperr.CodeOf(sendErr)
		metrics.RecordFailed(string(ch), providerName(result), string(code))
		log.Error().Err(sendErr).Str("error_type", string(code)).Int("attempts", attempts).Msg("channel send failed terminally")
		p.auditFailure(ctx, alarm, ch, recipients, sendErr)
		p.enqueueDLQ(ctx, alarm, ch, payload, sendErr, attempts)
		return sendErr
	}

	metrics.RecordSent(string(ch), providerName(result), time.Since(start))
	p.auditSuccess(ctx, alarm, ch, result)

	if err := p.store.MarkChannelSent(ctx, alarm.ID, ch); err != nil {
		log.Warn().Err(err).Msg("failed to mark channel sent flag")
	}
	log.Info().Str("provider", providerName(result)).Int("recipients", len(result.Recipients)).Msg("notification sent")
	return nil
}

// auditSuccess records one row per recipient. Duplicate success rows for the
// same (alarm, channel) are dropped by the partial unique index, which is the
// intended single-success semantics.
func (p *Processor) auditSuccess(ctx context.Context, alarm *domain.Alarm, ch domain.Channel, res *channel.SendResult) {
	now := time.Now()
	for _, rr := range res.Recipients {
		status := domain.AttemptSuccess
		if !rr.Success {
			status = domain.AttemptFailed
		}
		att := &domain.NotificationAttempt{
			AlarmID:           alarm.ID,
			IMEI:              alarm.IMEI,
			GPSTime:           alarm.GPSTime,
			Channel:           ch,
			Recipient:         rr.Recipient,
			Status:            status,
			ProviderMessageID: rr.ProviderID,
			Provider:          res.Provider,
			ModemID:           rr.ModemID,
			ModemName:         rr.ModemName,
			SentAt:            now,
		}
		if err := p.store.RecordAttempt(ctx, att); err != nil {
			p.log.Warn().Err(err).Int64("alarm_id", alarm.ID).Str("channel", string(ch)).Msg("audit write failed after successful send")
		}
	}
}

func (p *Processor) auditFailure(ctx context.Context, alarm *domain.Alarm, ch domain.Channel, recipients []domain.Contact, sendErr error) {
	now := time.Now()
	for _, c := range recipients {
		recipient := c.Email
		if ch != domain.ChannelEmail {
			recipient = c.Phone
		}
		att := &domain.NotificationAttempt{
			AlarmID:   alarm.ID,
			IMEI:      alarm.IMEI,
			GPSTime:   alarm.GPSTime,
			Channel:   ch,
			Recipient: recipient,
			Status:    domain.AttemptFailed,
			Error:     sendErr.Error(),
			Provider:  string(ch),
			SentAt:    now,
		}
		if err := p.store.RecordAttempt(ctx, att); err != nil {
			p.log.Warn().Err(err).Int64("alarm_id", alarm.ID).Str("channel", string(ch)).Msg("audit write failed for failed send")
		}
	}
}

func (p *Processor) enqueueDLQ(ctx context.Context, alarm *domain.Alarm, ch domain.Channel, payload []byte, cause error, attempts int) {
	if payload == nil {
		payload, _ = json.Marshal(alarm)
	}
	now := time.Now()
	item := &domain.DLQItem{
		AlarmID:       alarm.ID,
		IMEI:          alarm.IMEI,
		Channel:       ch,
		Payload:       payload,
		ErrorMessage:  cause.Error(),
		ErrorType:     string(apperr.CodeOf(cause)),
		Attempts:      attempts,
		LastAttemptAt: &now,
	}
	if err := p.store.EnqueueDLQ(ctx, item); err != nil {
		p.log.Error().Err(err).Int64("alarm_id", alarm.ID).Str("channel", string(ch)).Msg("failed to enqueue dlq item")
		return
	}
	metrics.RecordDLQItem(string(ch), item.ErrorType)
}

func anyInQuietHours(contacts []domain.Contact, now time.Time) bool {
	for i := range contacts {
		if contacts[i].InQuietHours(now) {
			return true
		}
	}
	return false
}

func providerName(res *channel.SendResult) string {
	if res == nil || res.Provider == "" {
		return "unknown"
	}
	return res.Provider
}

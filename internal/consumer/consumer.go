package consumer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/fleetwatch/alarm-notifier/internal/apperr"
	"github.com/fleetwatch/alarm-notifier/internal/config"
	"github.com/fleetwatch/alarm-notifier/internal/domain"
	"github.com/fleetwatch/alarm-notifier/internal/metrics"
	"github.com/fleetwatch/alarm-notifier/internal/systemstate"
)

const (
	maxMessageRetries = 3
	pauseRequeueSleep = 5 * time.Second
	pauseLogInterval  = 30 * time.Second
	reconnectHoldOff  = 60 * time.Second
)

// Processor is the per-alarm pipeline invoked for every delivery.
type Processor interface {
	ProcessAlarm(ctx context.Context, alarm *domain.Alarm, payload []byte) error
}

// DLQStore parks payloads that cannot even be parsed into an alarm.
type DLQStore interface {
	EnqueueDLQ(ctx context.Context, item *domain.DLQItem) error
}

// Consumer owns the AMQP subscription: topology, delivery loop, pause gate,
// retry republish and the reconnect supervisor.
type Consumer struct {
	cfg   *config.Config
	gate  *systemstate.Gate
	proc  Processor
	dlq   DLQStore
	fence *Fence
	log   zerolog.Logger

	mu           sync.Mutex
	conn         *amqp.Connection
	ch           *amqp.Channel
	pausedIDs    map[string]struct{}
	lastPauseLog time.Time

	// pubMu serializes outbound frames; amqp091 channels are not safe for
	// concurrent publishing and handlers run in parallel.
	pubMu sync.Mutex
}

func New(cfg *config.Config, gate *systemstate.Gate, proc Processor, dlq DLQStore, fence *Fence, log zerolog.Logger) *Consumer {
	return &Consumer{
		cfg:       cfg,
		gate:      gate,
		proc:      proc,
		dlq:       dlq,
		fence:     fence,
		log:       log.With().Str("component", "consumer").Logger(),
		pausedIDs: map[string]struct{}{},
	}
}

// Run consumes until ctx is done, reconnecting with exponential backoff capped
// at 60s. After a run of MaxReconnectAttempts consecutive failures it holds
// off for 60s and resets the counter.
func (c *Consumer) Run(ctx context.Context) {
	b := &backoff.Backoff{
		Min:    c.cfg.ReconnectDelay,
		Max:    reconnectHoldOff,
		Factor: 2,
		Jitter: true,
	}
	attempts := 0

	for ctx.Err() == nil {
		err := c.runOnce(ctx, func() {
			attempts = 0
			b.Reset()
		})
		if ctx.Err() != nil {
			return
		}

		attempts++
		if c.cfg.MaxReconnectAttempts > 0 && attempts >= c.cfg.MaxReconnectAttempts {
			c.log.Error().Err(err).Int("attempts", attempts).
				Dur("hold_off", reconnectHoldOff).Msg("reconnect attempts exhausted, holding off")
			sleepOrDone(ctx, reconnectHoldOff)
			attempts = 0
			b.Reset()
			continue
		}

		delay := b.Duration()
		c.log.Warn().Err(err).Int("attempt", attempts).Dur("retry_in", delay).Msg("consumer disconnected, reconnecting")
		sleepOrDone(ctx, delay)
	}
}

// runOnce connects, asserts topology and consumes until the connection drops
// or ctx is done. onConnected fires once the subscription is live.
func (c *Consumer) runOnce(ctx context.Context, onConnected func()) error {
	conn, err := amqp.Dial(c.cfg.RabbitURL)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := c.declareTopology(ch); err != nil {
		return err
	}
	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := ch.Consume(c.cfg.RabbitQueue, "alarm-notifier", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("start consuming: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.ch = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.ch = nil
		c.mu.Unlock()
	}()

	onConnected()
	c.log.Info().Str("queue", c.cfg.RabbitQueue).Int("prefetch", c.cfg.Prefetch).Msg("consuming alarms")

	monCtx, cancelMon := context.WithCancel(ctx)
	defer cancelMon()
	go c.monitorQueueDepth(monCtx, conn)

	return c.consumeLoop(ctx, ch, deliveries)
}

// consumeLoop dispatches each delivery on its own goroutine; the prefetch
// window bounds how many are unacked in flight, so up to Prefetch alarms
// process concurrently. In-flight handlers are drained before returning.
func (c *Consumer) consumeLoop(ctx context.Context, ch *amqp.Channel, deliveries <-chan amqp.Delivery) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			wg.Add(1)
			go func(d amqp.Delivery) {
				defer wg.Done()
				c.handleDelivery(ctx, ch, d)
			}(d)
		}
	}
}

// declareTopology asserts the exchange, the priority queue with its DLX and
// the sibling dead-letter queue. Idempotent; re-run on every reconnect.
func (c *Consumer) declareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(c.cfg.RabbitExchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	dlx := c.cfg.RabbitExchange + ".dlx"
	if err := ch.ExchangeDeclare(dlx, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlx: %w", err)
	}

	_, err := ch.QueueDeclare(c.cfg.RabbitQueue, true, false, false, false, amqp.Table{
		"x-max-priority":            int32(10),
		"x-message-ttl":             int32(86400000),
		"x-max-length":              int32(50000),
		"x-queue-mode":              "lazy",
		"x-dead-letter-exchange":    dlx,
		"x-dead-letter-routing-key": c.cfg.RabbitDLQRoutingKey,
	})
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(c.cfg.RabbitQueue, c.cfg.RabbitRoutingKey, c.cfg.RabbitExchange, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}

	_, err = ch.QueueDeclare(c.cfg.RabbitDLQ, true, false, false, false, amqp.Table{
		"x-message-ttl": int32(604800000),
		"x-max-length":  int32(10000),
	})
	if err != nil {
		return fmt.Errorf("declare dead-letter queue: %w", err)
	}
	if err := ch.QueueBind(c.cfg.RabbitDLQ, c.cfg.RabbitDLQRoutingKey, dlx, false, nil); err != nil {
		return fmt.Errorf("bind dead-letter queue: %w", err)
	}
	return nil
}

func (c *Consumer) handleDelivery(ctx context.Context, ch *amqp.Channel, d amqp.Delivery) {
	metrics.RecordConsumed(c.cfg.RabbitQueue)

	if c.gate.IsPaused() {
		c.trackPaused(d)
		c.nack(d, true)
		sleepOrDone(ctx, pauseRequeueSleep)
		return
	}
	c.clearPaused()

	retries := retryCount(d.Headers)
	if !c.fence.FirstDelivery(ctx, d.Body, retries) {
		c.log.Debug().Msg("duplicate delivery fenced off")
		c.ack(d)
		return
	}

	alarm, err := ParseAlarm(d.Body)
	if err != nil {
		c.log.Warn().Err(err).Msg("unparseable alarm payload, parking on dlq")
		c.parkUnparseable(ctx, d.Body, err)
		c.ack(d)
		return
	}

	log := c.log.With().Int64("alarm_id", alarm.ID).Str("imei", alarm.IMEI).Logger()

	if err := c.proc.ProcessAlarm(ctx, alarm, d.Body); err != nil {
		c.fence.Release(ctx, d.Body, retries)

		if retries < maxMessageRetries {
			if pubErr := c.republish(ctx, ch, d, retries+1); pubErr != nil {
				log.Error().Err(pubErr).Msg("republish failed, requeueing delivery")
				c.nack(d, true)
				return
			}
			log.Warn().Err(err).Int("retry", retries+1).Msg("processing failed, republished for retry")
			c.ack(d)
			return
		}

		log.Error().Err(err).Int("retries", retries).Msg("processing retries exhausted, dead-lettering")
		c.nack(d, false)
		return
	}

	c.ack(d)
}

func (c *Consumer) ack(d amqp.Delivery) {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	_ = d.Ack(false)
}

func (c *Consumer) nack(d amqp.Delivery, requeue bool) {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	_ = d.Nack(false, requeue)
}

// republish re-posts the body with an incremented x-retry-count header and
// the original priority, then the original is acked by the caller.
func (c *Consumer) republish(ctx context.Context, ch *amqp.Channel, d amqp.Delivery, retry int) error {
	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers["x-retry-count"] = int32(retry)

	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	return ch.PublishWithContext(ctx, c.cfg.RabbitExchange, c.cfg.RabbitRoutingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Priority:     d.Priority,
		MessageId:    d.MessageId,
		Headers:      headers,
		Body:         d.Body,
	})
}

func (c *Consumer) parkUnparseable(ctx context.Context, body []byte, cause error) {
	item := &domain.DLQItem{
		Payload:      body,
		ErrorMessage: cause.Error(),
		ErrorType:    string(apperr.CodeOf(cause)),
	}
	if err := c.dlq.EnqueueDLQ(ctx, item); err != nil {
		c.log.Error().Err(err).Msg("failed to park unparseable payload")
		return
	}
	metrics.RecordDLQItem("", item.ErrorType)
}

// trackPaused counts unique paused message ids and rate-limits the log line.
func (c *Consumer) trackPaused(d amqp.Delivery) {
	id := d.MessageId
	if id == "" {
		sum := sha256.Sum256(d.Body)
		id = hex.EncodeToString(sum[:8])
	}

	c.mu.Lock()
	c.pausedIDs[id] = struct{}{}
	n := len(c.pausedIDs)
	shouldLog := time.Since(c.lastPauseLog) >= pauseLogInterval
	if shouldLog {
		c.lastPauseLog = time.Now()
	}
	c.mu.Unlock()

	metrics.SetPausedMessages(n)
	if shouldLog {
		c.log.Info().Int("paused_messages", n).Msg("system paused, requeueing deliveries")
	}
}

func (c *Consumer) clearPaused() {
	c.mu.Lock()
	cleared := len(c.pausedIDs) > 0
	if cleared {
		c.pausedIDs = map[string]struct{}{}
	}
	c.mu.Unlock()

	if cleared {
		metrics.SetPausedMessages(0)
		c.log.Info().Msg("system resumed, paused deliveries draining")
	}
}

// monitorQueueDepth samples the main queue on its own channel; channels are
// not safe for concurrent use with the delivery loop.
func (c *Consumer) monitorQueueDepth(ctx context.Context, conn *amqp.Connection) {
	if c.cfg.QueueMonitorInterval <= 0 {
		return
	}
	ch, err := conn.Channel()
	if err != nil {
		c.log.Warn().Err(err).Msg("queue monitor channel open failed")
		return
	}
	defer ch.Close()

	ticker := time.NewTicker(c.cfg.QueueMonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q, err := ch.QueueDeclarePassive(c.cfg.RabbitQueue, true, false, false, false, nil)
			if err != nil {
				c.log.Warn().Err(err).Msg("queue depth sample failed")
				return
			}
			metrics.SetQueueDepth(q.Messages)
			if q.Messages > c.cfg.QueueDepthThreshold {
				metrics.RecordBackpressure()
				c.log.Warn().Int("depth", q.Messages).Int("threshold", c.cfg.QueueDepthThreshold).Msg("queue depth over backpressure threshold")
			}
		}
	}
}

// Connected reports whether a live subscription is up, for the health surface.
func (c *Consumer) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.conn.IsClosed()
}

func sleepOrDone(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/arrakis/gateway/internal/envelope"
	"github.com/arrakis/gateway/internal/logging"
	"github.com/arrakis/gateway/internal/metrics"
	"github.com/arrakis/gateway/internal/state"
)

// ============================================================================
// CONSUMER
// ============================================================================

// HandlerFunc processes one decoded envelope and reports how to settle it.
type HandlerFunc func(ctx context.Context, env *envelope.Envelope) Disposition

const (
	DefaultPrefetch     = 10
	DefaultMaxRetries   = 5
	DefaultDrainTimeout = 30 * time.Second

	retryCountHeader = "x-retry-count"
)

// ConsumerConfig configures a Consumer.
type ConsumerConfig struct {
	URL          string
	Topology     Topology
	Prefetch     int
	MaxRetries   int
	DrainTimeout time.Duration
	Logger       *slog.Logger
	Metrics      *metrics.Worker
	Idempotency  *state.Idempotency
}

// Consumer drains the two primary queues and settles every delivery
// through a HandlerFunc. Prefetch bounds the number of in-flight
// handlers per queue; each delivery runs on its own goroutine.
type Consumer struct {
	cfg    ConsumerConfig
	log    *slog.Logger
	handle HandlerFunc

	conn  *amqp.Connection
	ch    *amqp.Channel
	pubMu sync.Mutex

	// republish is swappable so settle logic is testable without a broker.
	republish func(queue string, d amqp.Delivery, headers amqp.Table) error

	tags []string

	handlerCtx     context.Context
	cancelHandlers context.CancelFunc

	draining atomic.Bool
	loopWG   sync.WaitGroup
	workWG   sync.WaitGroup

	fatal     chan struct{}
	fatalOnce sync.Once
	stopOnce  sync.Once

	mu sync.Mutex
	st Status
}

// NewConsumer builds a consumer around the handler.
func NewConsumer(cfg ConsumerConfig, handler HandlerFunc) *Consumer {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = DefaultPrefetch
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	c := &Consumer{
		cfg:    cfg,
		log:    log.With("component", "consumer"),
		handle: handler,
		fatal:  make(chan struct{}),
	}
	c.republish = c.republishAMQP
	return c
}

// Start dials the broker, declares the topology and begins consuming
// both queues. Handlers inherit ctx; Stop cancels them only after the
// drain deadline.
func (c *Consumer) Start(ctx context.Context) error {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("broker dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("broker channel: %w", err)
	}
	if err := c.cfg.Topology.Declare(ch); err != nil {
		ch.Close()
		conn.Close()
		return err
	}
	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("broker qos: %w", err)
	}

	c.conn = conn
	c.ch = ch
	c.handlerCtx, c.cancelHandlers = context.WithCancel(ctx)
	c.setConnected(true)

	for _, queue := range c.cfg.Topology.Queues() {
		tag := "worker." + queue
		deliveries, err := ch.Consume(queue, tag, false, false, false, false, nil)
		if err != nil {
			c.Stop()
			return fmt.Errorf("consume %s: %w", queue, err)
		}
		c.tags = append(c.tags, tag)
		c.loopWG.Add(1)
		go c.consumeLoop(queue, deliveries)
	}

	go c.watchConnection()

	c.log.Info("Consumer started",
		"url", logging.MaskURL(c.cfg.URL),
		"queues", c.cfg.Topology.Queues(),
		"prefetch", c.cfg.Prefetch)
	return nil
}

// Fatal is closed when the broker connection dies outside a graceful
// stop. The worker exits so its supervisor restarts it.
func (c *Consumer) Fatal() <-chan struct{} { return c.fatal }

// Status returns a snapshot of the consumer's connection state.
func (c *Consumer) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st
}

// Stop drains the consumer: no new deliveries, wait up to the drain
// deadline for in-flight handlers, then cancel them. The channel closes
// before the connection.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() {
		c.draining.Store(true)

		for _, tag := range c.tags {
			if err := c.ch.Cancel(tag, false); err != nil {
				c.log.Warn("Consumer cancel failed", "tag", tag, "error", err)
			}
		}
		c.loopWG.Wait()

		done := make(chan struct{})
		go func() {
			c.workWG.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(c.cfg.DrainTimeout):
			c.log.Warn("Drain deadline exceeded, canceling in-flight handlers")
			c.cancelHandlers()
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				c.log.Error("Handlers did not stop after cancel")
			}
		}
		c.cancelHandlers()

		c.ch.Close()
		c.conn.Close()
		c.setConnected(false)
		c.log.Info("Consumer stopped")
	})
}

// ============================================================================
// DELIVERY PATH
// ============================================================================

func (c *Consumer) consumeLoop(queue string, deliveries <-chan amqp.Delivery) {
	defer c.loopWG.Done()
	for d := range deliveries {
		c.workWG.Add(1)
		go c.process(queue, d)
	}
}

func (c *Consumer) process(queue string, d amqp.Delivery) {
	defer c.workWG.Done()
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RecordDelivery(queue)
		c.cfg.Metrics.Inflight.Inc()
		defer c.cfg.Metrics.Inflight.Dec()
	}

	env, err := envelope.Decode(d.Body)
	if err != nil {
		// Poison payloads go straight to the dead letter queue.
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.MalformedEvents.Inc()
		}
		c.log.Error("Envelope decode failed", "queue", queue, "error", err)
		c.settle(d.Nack(false, false), "nack")
		return
	}

	log := c.log.With("event_id", env.EventID, "guild_id", env.GuildID, "event_type", env.EventType)

	if c.cfg.Idempotency != nil {
		seen, err := c.cfg.Idempotency.Seen(c.handlerCtx, env.EventID)
		if err != nil {
			// An unreadable marker falls through to the handler; replaying
			// an idempotent handler beats losing the event.
			log.Warn("Idempotency check failed", "error", err)
		} else if seen {
			if c.cfg.Metrics != nil {
				c.cfg.Metrics.Duplicates.Inc()
			}
			log.Debug("Duplicate delivery acked")
			c.settle(d.Ack(false), "ack")
			return
		}
	}

	disp := c.handle(c.handlerCtx, env)
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RecordHandled(disp.String())
	}

	switch disp {
	case Ack:
		c.markProcessed(env, log)
		c.settle(d.Ack(false), "ack")
	case Drop:
		c.settle(d.Ack(false), "ack")
	case Retry:
		c.retry(queue, d, log)
	case Reject:
		c.settle(d.Nack(false, false), "nack")
	default:
		log.Error("Unknown disposition, dead-lettering", "disposition", int(disp))
		c.settle(d.Nack(false, false), "nack")
	}
}

// retry re-publishes the delivery to its queue with an incremented retry
// header, then acks the original. Nack cannot carry the updated header.
func (c *Consumer) retry(queue string, d amqp.Delivery, log *slog.Logger) {
	// During drain just requeue; another worker picks the delivery up.
	if c.draining.Load() {
		c.settle(d.Nack(false, true), "nack")
		return
	}

	n := retryCount(d.Headers) + 1
	if n > c.cfg.MaxRetries {
		log.Warn("Retry budget exhausted, dead-lettering", "retries", n-1)
		c.settle(d.Nack(false, false), "nack")
		return
	}

	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[retryCountHeader] = int64(n)

	if err := c.republish(queue, d, headers); err != nil {
		log.Error("Retry republish failed, requeueing instead", "error", err)
		c.settle(d.Nack(false, true), "nack")
		return
	}

	log.Info("Delivery requeued for retry", "attempt", n, "max", c.cfg.MaxRetries)
	c.settle(d.Ack(false), "ack")
}

// republishAMQP puts the delivery back on its queue through the default
// exchange, preserving the original properties.
func (c *Consumer) republishAMQP(queue string, d amqp.Delivery, headers amqp.Table) error {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	return c.ch.PublishWithContext(context.Background(), "", queue, false, false, amqp.Publishing{
		Headers:      headers,
		ContentType:  d.ContentType,
		DeliveryMode: amqp.Persistent,
		Priority:     d.Priority,
		MessageId:    d.MessageId,
		Timestamp:    d.Timestamp,
		Body:         d.Body,
	})
}

func (c *Consumer) markProcessed(env *envelope.Envelope, log *slog.Logger) {
	if c.cfg.Idempotency == nil {
		return
	}
	// A failed marker costs one duplicate at most; the handler already ran.
	if err := c.cfg.Idempotency.Mark(c.handlerCtx, env.EventID); err != nil {
		log.Warn("Idempotency marker failed", "error", err)
	}
}

func (c *Consumer) settle(err error, op string) {
	if err != nil {
		c.log.Error("Delivery settle failed", "op", op, "error", err)
	}
}

func (c *Consumer) watchConnection() {
	closed := c.conn.NotifyClose(make(chan *amqp.Error, 1))
	if amqpErr := <-closed; amqpErr != nil && !c.draining.Load() {
		c.log.Error("Broker connection lost", "error", amqpErr)
		c.setConnected(false)
		c.fatalOnce.Do(func() { close(c.fatal) })
	}
}

func (c *Consumer) setConnected(up bool) {
	c.mu.Lock()
	c.st.Connected = up
	c.st.ChannelOpen = up
	c.mu.Unlock()
}

// retryCount reads the retry header, tolerating the integer widths AMQP
// clients use.
func retryCount(headers amqp.Table) int {
	if headers == nil {
		return 0
	}
	switch v := headers[retryCountHeader].(type) {
	case int64:
		return int(v)
	case int32:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

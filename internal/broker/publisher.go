package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/arrakis/gateway/internal/envelope"
	"github.com/arrakis/gateway/internal/errs"
	"github.com/arrakis/gateway/internal/logging"
	"github.com/arrakis/gateway/internal/metrics"
)

// ============================================================================
// PUBLISHER
// ============================================================================

var (
	// ErrBufferFull reports that the intake buffer is full. Retriable; the
	// caller decides whether to retry, drop or surface the failure.
	ErrBufferFull = errors.New("broker: publish buffer full")
	// ErrClosed reports a publish after Close.
	ErrClosed = errors.New("broker: publisher closed")
)

const (
	defaultIntakeBuffer = 1024

	// Reconnection budget: exponential from 5s, at most 10 attempts.
	reconnectBase        = 5 * time.Second
	reconnectMaxDelay    = 60 * time.Second
	reconnectMaxAttempts = 10

	// A confirm outstanding longer than this counts as a broken channel.
	confirmTimeout = 5 * time.Second
)

// Status is the broker-facing health snapshot exposed by the publisher and
// the consumer.
type Status struct {
	Connected     bool   `json:"connected"`
	ChannelOpen   bool   `json:"channelOpen"`
	LastPublishMS int64  `json:"last_publish_ms"`
	PublishCount  uint64 `json:"publish_count"`
	ErrorCount    uint64 `json:"error_count"`
}

// Result reports the final outcome of one enqueued envelope.
type Result struct {
	Env     *envelope.Envelope
	Err     error // nil once the broker confirmed durability
	Elapsed time.Duration
}

// PublisherConfig configures a Publisher.
type PublisherConfig struct {
	URL      string
	Topology Topology
	Buffer   int
	Logger   *slog.Logger
	Metrics  *metrics.Ingestor

	// OnResult, when set, receives the outcome of every enqueued envelope.
	// It runs on the writer goroutine and must not block.
	OnResult func(Result)
}

type publishJob struct {
	env      *envelope.Envelope
	body     []byte
	key      string
	enqueued time.Time
	attempts int
}

// Publisher is a confirm-mode publisher with a single writer goroutine.
//
// Publish never blocks: envelopes land in a bounded intake buffer and a
// full buffer fails fast so the gateway read loop is never stalled by the
// broker. The writer publishes each envelope persistently and waits for
// the broker confirm before reporting success.
type Publisher struct {
	cfg PublisherConfig
	log *slog.Logger

	intake chan publishJob
	done   chan struct{}
	fatal  chan struct{}
	wg     sync.WaitGroup

	mu        sync.Mutex
	st        Status
	closeOnce sync.Once
	fatalOnce sync.Once
}

// NewPublisher builds a publisher. Start must be called before envelopes
// move; Publish before Start only fills the intake buffer.
func NewPublisher(cfg PublisherConfig) *Publisher {
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultIntakeBuffer
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{
		cfg:    cfg,
		log:    log.With("component", "publisher"),
		intake: make(chan publishJob, cfg.Buffer),
		done:   make(chan struct{}),
		fatal:  make(chan struct{}),
	}
}

// Publish enqueues the envelope for a confirmed publish. It fails fast
// with ErrBufferFull when the intake buffer is full and never blocks.
func (p *Publisher) Publish(env *envelope.Envelope) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}

	body, err := env.Encode()
	if err != nil {
		return errs.New(errs.Permanent, "broker.publish", err)
	}

	job := publishJob{
		env:      env,
		body:     body,
		key:      envelope.RoutingKey(env.EventType),
		enqueued: time.Now(),
	}
	select {
	case p.intake <- job:
		return nil
	default:
		return errs.New(errs.Transient, "broker.publish", ErrBufferFull)
	}
}

// Start dials the broker, declares the topology and launches the writer.
// The first connection is synchronous so a bad URL fails startup.
func (p *Publisher) Start(ctx context.Context) error {
	conn, ch, err := p.dial()
	if err != nil {
		return err
	}
	p.setConnected(true)
	p.log.Info("Publisher connected", "url", logging.MaskURL(p.cfg.URL), "exchange", p.cfg.Topology.Exchange)

	p.wg.Add(1)
	go p.run(ctx, conn, ch)
	return nil
}

// Fatal is closed when the reconnection budget is exhausted. The ingestor
// treats this as unrecoverable and exits so the supervisor restarts it.
func (p *Publisher) Fatal() <-chan struct{} { return p.fatal }

// Status returns a snapshot of the publisher's connection state.
func (p *Publisher) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.st
}

// Close stops the writer and closes the connection. Pending envelopes in
// the intake buffer are dropped with an error result.
func (p *Publisher) Close() {
	p.closeOnce.Do(func() { close(p.done) })
	p.wg.Wait()
}

// ============================================================================
// WRITER LOOP
// ============================================================================

func (p *Publisher) dial() (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(p.cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("broker dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("broker channel: %w", err)
	}
	if err := p.cfg.Topology.Declare(ch); err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, err
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("broker confirm mode: %w", err)
	}
	return conn, ch, nil
}

func (p *Publisher) run(ctx context.Context, conn *amqp.Connection, ch *amqp.Channel) {
	defer p.wg.Done()
	defer func() {
		p.setConnected(false)
		if ch != nil {
			ch.Close()
		}
		if conn != nil {
			conn.Close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case job := <-p.intake:
			err := p.publishJob(ctx, ch, job)
			if err == nil {
				continue
			}

			// A refused confirm means the broker is alive but said no.
			// Everything else is treated as a dead channel.
			if errors.Is(err, errAMQPNack) {
				p.finish(job, err)
				continue
			}

			p.log.Error("Publish failed, reconnecting", "error", err, "event_id", job.env.EventID)
			p.setConnected(false)
			ch.Close()
			conn.Close()

			conn, ch = p.reconnect(ctx)
			if conn == nil {
				p.finish(job, err)
				p.drainIntake(err)
				return
			}

			// The broker may or may not have seen the interrupted publish.
			// Replaying it once keeps at-least-once delivery; downstream
			// idempotency absorbs the duplicate.
			job.attempts++
			if job.attempts <= 1 {
				if rerr := p.publishJob(ctx, ch, job); rerr != nil {
					p.finish(job, rerr)
					continue
				}
			} else {
				p.finish(job, err)
			}
		}
	}
}

var errAMQPNack = errors.New("broker refused the publish")

func (p *Publisher) publishJob(ctx context.Context, ch *amqp.Channel, job publishJob) error {
	pubCtx, cancel := context.WithTimeout(ctx, confirmTimeout)
	defer cancel()

	dc, err := ch.PublishWithDeferredConfirmWithContext(pubCtx,
		p.cfg.Topology.Exchange, job.key,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			Headers: amqp.Table{
				"shardId": int64(job.env.ShardID),
				"guildId": job.env.GuildID,
			},
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Priority:     envelope.Priority(job.env.EventType),
			MessageId:    job.env.EventID,
			Timestamp:    job.env.ReceivedAt(),
			Body:         job.body,
		})
	if err != nil {
		return fmt.Errorf("publish %s: %w", job.key, err)
	}

	acked, err := dc.WaitContext(pubCtx)
	if err != nil {
		return fmt.Errorf("publish confirm %s: %w", job.key, err)
	}
	if !acked {
		return errAMQPNack
	}

	p.finish(job, nil)
	return nil
}

// finish settles a job's bookkeeping and informs the result callback.
func (p *Publisher) finish(job publishJob, err error) {
	elapsed := time.Since(job.enqueued)

	p.mu.Lock()
	if err == nil {
		p.st.PublishCount++
		p.st.LastPublishMS = time.Now().UnixMilli()
	} else {
		p.st.ErrorCount++
	}
	p.mu.Unlock()

	if p.cfg.Metrics != nil {
		if err == nil {
			p.cfg.Metrics.RecordPublished(job.env.EventType, elapsed.Seconds())
		} else {
			p.cfg.Metrics.RecordPublishFailure(job.env.EventType)
		}
	}
	if p.cfg.OnResult != nil {
		p.cfg.OnResult(Result{Env: job.env, Err: err, Elapsed: elapsed})
	}
}

// reconnect retries the broker with exponential backoff. A nil return
// means the budget is spent or shutdown began; Fatal is closed only in
// the former case.
func (p *Publisher) reconnect(ctx context.Context) (*amqp.Connection, *amqp.Channel) {
	delay := reconnectBase
	for attempt := 1; attempt <= reconnectMaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, nil
		case <-p.done:
			return nil, nil
		case <-time.After(delay):
		}

		conn, ch, err := p.dial()
		if err == nil {
			p.setConnected(true)
			p.log.Info("Publisher reconnected", "attempt", attempt, "url", logging.MaskURL(p.cfg.URL))
			return conn, ch
		}

		p.log.Warn("Publisher reconnect failed", "attempt", attempt, "error", err)
		delay *= 2
		if delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}
	}

	p.log.Error("Publisher reconnection budget exhausted", "attempts", reconnectMaxAttempts)
	p.fatalOnce.Do(func() { close(p.fatal) })
	return nil, nil
}

// drainIntake fails everything still buffered after a fatal disconnect.
func (p *Publisher) drainIntake(err error) {
	for {
		select {
		case job := <-p.intake:
			p.finish(job, err)
		default:
			return
		}
	}
}

func (p *Publisher) setConnected(up bool) {
	p.mu.Lock()
	p.st.Connected = up
	p.st.ChannelOpen = up
	p.mu.Unlock()
}

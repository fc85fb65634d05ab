package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arrakis/gateway/internal/envelope"
	"github.com/arrakis/gateway/internal/state"
)

// fakeAcker records settle calls in place of a live channel.
type fakeAcker struct {
	mu    sync.Mutex
	acks  int
	nacks []bool // requeue flag per nack
}

func (f *fakeAcker) Ack(tag uint64, multiple bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks++
	return nil
}

func (f *fakeAcker) Nack(tag uint64, multiple, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacks = append(f.nacks, requeue)
	return nil
}

func (f *fakeAcker) Reject(tag uint64, requeue bool) error { return nil }

func newTestConsumer(t *testing.T, handler HandlerFunc, idem *state.Idempotency) *Consumer {
	t.Helper()
	c := NewConsumer(ConsumerConfig{
		URL:         "amqp://localhost",
		Topology:    DefaultTopology(),
		Idempotency: idem,
	}, handler)
	c.handlerCtx, c.cancelHandlers = context.WithCancel(context.Background())
	t.Cleanup(c.cancelHandlers)
	return c
}

func deliver(c *Consumer, acker *fakeAcker, body []byte, headers amqp.Table) {
	c.workWG.Add(1)
	c.process(DefaultInteractionsQueue, amqp.Delivery{
		Acknowledger: acker,
		DeliveryTag:  1,
		Headers:      headers,
		Body:         body,
	})
}

func encoded(t *testing.T, env *envelope.Envelope) []byte {
	t.Helper()
	body, err := env.Encode()
	require.NoError(t, err)
	return body
}

func TestProcessMalformedDeadLetters(t *testing.T) {
	called := false
	c := newTestConsumer(t, func(context.Context, *envelope.Envelope) Disposition {
		called = true
		return Ack
	}, nil)

	acker := &fakeAcker{}
	deliver(c, acker, []byte("{not json"), nil)

	assert.False(t, called, "malformed payloads must not reach the handler")
	assert.Zero(t, acker.acks)
	assert.Equal(t, []bool{false}, acker.nacks)
}

func TestProcessAckSetsMarker(t *testing.T) {
	idem := state.NewIdempotency(state.NewMemory(), time.Hour)
	c := newTestConsumer(t, func(context.Context, *envelope.Envelope) Disposition {
		return Ack
	}, idem)

	env := envelope.New("interaction.command.verify", 0)
	acker := &fakeAcker{}
	deliver(c, acker, encoded(t, env), nil)

	assert.Equal(t, 1, acker.acks)
	assert.Empty(t, acker.nacks)

	seen, err := idem.Seen(context.Background(), env.EventID)
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestProcessDuplicateSkipsHandler(t *testing.T) {
	idem := state.NewIdempotency(state.NewMemory(), time.Hour)
	env := envelope.New("interaction.command.verify", 0)
	require.NoError(t, idem.Mark(context.Background(), env.EventID))

	called := false
	c := newTestConsumer(t, func(context.Context, *envelope.Envelope) Disposition {
		called = true
		return Ack
	}, idem)

	acker := &fakeAcker{}
	deliver(c, acker, encoded(t, env), nil)

	assert.False(t, called, "duplicates must not re-run the handler")
	assert.Equal(t, 1, acker.acks)
}

func TestProcessDropLeavesNoMarker(t *testing.T) {
	idem := state.NewIdempotency(state.NewMemory(), time.Hour)
	c := newTestConsumer(t, func(context.Context, *envelope.Envelope) Disposition {
		return Drop
	}, idem)

	env := envelope.New("message.create", 0)
	acker := &fakeAcker{}
	deliver(c, acker, encoded(t, env), nil)

	assert.Equal(t, 1, acker.acks)
	seen, err := idem.Seen(context.Background(), env.EventID)
	require.NoError(t, err)
	assert.False(t, seen, "drop is a no-op and must not mark the event")
}

func TestProcessRejectDeadLetters(t *testing.T) {
	c := newTestConsumer(t, func(context.Context, *envelope.Envelope) Disposition {
		return Reject
	}, nil)

	acker := &fakeAcker{}
	deliver(c, acker, encoded(t, envelope.New("guild.join", 0)), nil)

	assert.Zero(t, acker.acks)
	assert.Equal(t, []bool{false}, acker.nacks)
}

func TestRetryRepublishesWithIncrementedHeader(t *testing.T) {
	c := newTestConsumer(t, func(context.Context, *envelope.Envelope) Disposition {
		return Retry
	}, nil)

	var gotQueue string
	var gotHeaders amqp.Table
	c.republish = func(queue string, d amqp.Delivery, headers amqp.Table) error {
		gotQueue = queue
		gotHeaders = headers
		return nil
	}

	acker := &fakeAcker{}
	deliver(c, acker, encoded(t, envelope.New("interaction.command.verify", 0)),
		amqp.Table{retryCountHeader: int64(2)})

	assert.Equal(t, DefaultInteractionsQueue, gotQueue)
	assert.Equal(t, int64(3), gotHeaders[retryCountHeader])
	assert.Equal(t, 1, acker.acks, "original delivery is acked after republish")
	assert.Empty(t, acker.nacks)
}

func TestRetryBudgetExhaustedDeadLetters(t *testing.T) {
	c := newTestConsumer(t, func(context.Context, *envelope.Envelope) Disposition {
		return Retry
	}, nil)

	republished := false
	c.republish = func(string, amqp.Delivery, amqp.Table) error {
		republished = true
		return nil
	}

	acker := &fakeAcker{}
	deliver(c, acker, encoded(t, envelope.New("interaction.command.verify", 0)),
		amqp.Table{retryCountHeader: int64(DefaultMaxRetries)})

	assert.False(t, republished)
	assert.Zero(t, acker.acks)
	assert.Equal(t, []bool{false}, acker.nacks)
}

func TestRetryWhileDrainingRequeues(t *testing.T) {
	c := newTestConsumer(t, func(context.Context, *envelope.Envelope) Disposition {
		return Retry
	}, nil)
	c.draining.Store(true)

	acker := &fakeAcker{}
	deliver(c, acker, encoded(t, envelope.New("guild.join", 0)), nil)

	assert.Equal(t, []bool{true}, acker.nacks, "drain hands deliveries back to the broker")
}

func TestRetryRepublishFailureRequeues(t *testing.T) {
	c := newTestConsumer(t, func(context.Context, *envelope.Envelope) Disposition {
		return Retry
	}, nil)
	c.republish = func(string, amqp.Delivery, amqp.Table) error {
		return errors.New("channel gone")
	}

	acker := &fakeAcker{}
	deliver(c, acker, encoded(t, envelope.New("guild.join", 0)), nil)

	assert.Zero(t, acker.acks)
	assert.Equal(t, []bool{true}, acker.nacks)
}

// Package broker owns the RabbitMQ topology, the confirm-mode publisher
// used by the ingestor and the consumer pool used by the worker.
package broker

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Default names for the event topology.
const (
	DefaultExchange          = "arrakis.events"
	DefaultInteractionsQueue = "arrakis.interactions"
	DefaultEventsQueue       = "arrakis.events.guild"

	// DLX receives every dead letter; DLQ holds them for inspection.
	DLX = "arrakis.dlx"
	DLQ = "arrakis.dlq"
)

// MaxPriority is the ceiling of the interaction queue's priority range.
const MaxPriority = 10

// Dead letters are kept for seven days.
const dlqRetentionMS = int64(7 * 24 * time.Hour / time.Millisecond)

// interactionBindings route every interaction family to the priority queue.
var interactionBindings = []string{
	"interaction.*",
	"interaction.command.*",
	"interaction.button.*",
	"interaction.modal.*",
	"interaction.autocomplete.*",
}

// eventBindings route guild lifecycle traffic to the non-priority queue.
var eventBindings = []string{
	"guild.*",
	"member.*",
	"message.*",
}

// Topology names the broker objects the proxy declares. Declarations are
// idempotent, so both binaries declare on startup and either may come up
// first.
type Topology struct {
	Exchange          string
	InteractionsQueue string
	EventsQueue       string
}

func DefaultTopology() Topology {
	return Topology{
		Exchange:          DefaultExchange,
		InteractionsQueue: DefaultInteractionsQueue,
		EventsQueue:       DefaultEventsQueue,
	}
}

// Queues lists the primary queues in consumption order.
func (t Topology) Queues() []string {
	return []string{t.InteractionsQueue, t.EventsQueue}
}

// Declare creates the exchanges, queues and bindings on the channel.
func (t Topology) Declare(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(t.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", t.Exchange, err)
	}

	// Dead letter path first so the queues can reference it.
	if err := ch.ExchangeDeclare(DLX, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", DLX, err)
	}
	if _, err := ch.QueueDeclare(DLQ, true, false, false, false, amqp.Table{
		"x-message-ttl": dlqRetentionMS,
	}); err != nil {
		return fmt.Errorf("declare queue %s: %w", DLQ, err)
	}
	if err := ch.QueueBind(DLQ, "", DLX, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", DLQ, err)
	}

	if _, err := ch.QueueDeclare(t.InteractionsQueue, true, false, false, false, amqp.Table{
		"x-max-priority":         int64(MaxPriority),
		"x-dead-letter-exchange": DLX,
	}); err != nil {
		return fmt.Errorf("declare queue %s: %w", t.InteractionsQueue, err)
	}
	for _, key := range interactionBindings {
		if err := ch.QueueBind(t.InteractionsQueue, key, t.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", t.InteractionsQueue, key, err)
		}
	}

	if _, err := ch.QueueDeclare(t.EventsQueue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange": DLX,
	}); err != nil {
		return fmt.Errorf("declare queue %s: %w", t.EventsQueue, err)
	}
	for _, key := range eventBindings {
		if err := ch.QueueBind(t.EventsQueue, key, t.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", t.EventsQueue, key, err)
		}
	}

	return nil
}

package broker

// Disposition tells the consumer how to settle a delivery. Handlers return
// one of these; only the consumer talks to the broker.
type Disposition int

const (
	// Ack settles the delivery as processed and records its idempotency
	// marker.
	Ack Disposition = iota
	// Retry re-enqueues the delivery with an incremented retry header,
	// dead-lettering once the retry cap is exceeded.
	Retry
	// Drop settles the delivery as a no-op: acked, no marker.
	Drop
	// Reject dead-letters the delivery immediately. Used for permanent
	// failures and missed interaction deadlines.
	Reject
)

func (d Disposition) String() string {
	switch d {
	case Ack:
		return "ack"
	case Retry:
		return "retry"
	case Drop:
		return "drop"
	case Reject:
		return "reject"
	default:
		return "unknown"
	}
}

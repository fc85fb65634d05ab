// Package errs classifies failures so the dispatch layer can decide
// broker disposition (ack, requeue, dead-letter) from a single place.
package errs

import (
	"errors"
	"fmt"
)

// Kind buckets every failure the pipeline can produce.
type Kind int

const (
	// Transient failures are safe to retry: broker timeouts, state-store
	// timeouts, platform 5xx, rate limits past the local retry budget.
	Transient Kind = iota
	// Permanent failures must not be retried: decode errors, unknown
	// event types, authorization and validation failures, platform 4xx.
	Permanent
	// DeadlineMiss means the interaction deferral budget was exceeded.
	DeadlineMiss
	// Degraded marks best-effort results, e.g. stale cached tenant config.
	Degraded
	// Fatal means the process cannot continue and should exit.
	Fatal
)

// String returns the stable label used for metrics and log fields.
func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	case DeadlineMiss:
		return "deadline_miss"
	case Degraded:
		return "degraded"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// E is a classified error with the operation that produced it.
type E struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *E) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *E) Unwrap() error { return e.Err }

// New wraps err with a kind and operation name.
func New(kind Kind, op string, err error) error {
	return &E{Kind: kind, Op: op, Err: err}
}

// Newf builds a classified error from a format string.
func Newf(kind Kind, op, format string, args ...interface{}) error {
	return &E{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the kind from err. Unclassified errors are treated as
// Transient so the retry cap, not a guess, bounds their blast radius.
func KindOf(err error) Kind {
	var e *E
	if errors.As(err, &e) {
		return e.Kind
	}
	return Transient
}

// IsRetriable reports whether the consumer should requeue after err.
func IsRetriable(err error) bool {
	return KindOf(err) == Transient
}

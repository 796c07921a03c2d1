package bus

import (
	"errors"
	"fmt"
	"time"
)

// redeliver asks a JetStream subscription to nak the message instead of
// acking it. Core NATS subscriptions have no redelivery and just log it.
type redeliver struct {
	cause error
	after time.Duration
}

func (r *redeliver) Error() string {
	if r.after > 0 {
		return fmt.Sprintf("redeliver in %s: %v", r.after, r.cause)
	}
	return fmt.Sprintf("redeliver: %v", r.cause)
}

func (r *redeliver) Unwrap() error { return r.cause }

// Redeliver wraps cause so the bus redelivers the message after delay.
func Redeliver(cause error, delay time.Duration) error {
	if cause == nil {
		cause = errors.New("redelivery requested")
	}
	return &redeliver{cause: cause, after: max(delay, 0)}
}

// RedeliveryDelay reports whether err requests redelivery, and after how long.
func RedeliveryDelay(err error) (time.Duration, bool) {
	var r *redeliver
	if !errors.As(err, &r) {
		return 0, false
	}
	return r.after, true
}

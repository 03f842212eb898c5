// Package messagequeue defines the message queue port (interface).
package messagequeue

import (
	"context"
	"errors"
	"time"
)

// ErrRequeue may be returned (or wrapped) by a Handler to hand the message back
// for redelivery without it being logged as a failure. A requeued message whose
// delivery budget is spent is dropped, not dead-lettered: no consumer wanted
// it, and the store still holds the task for the reconciler to republish.
var ErrRequeue = errors.New("requeue message")

// Handler processes a message received from the queue.
// The context carries request-scoped values such as the request ID.
// A nil return acknowledges the message. Any other error triggers redelivery
// until the delivery budget is spent, after which the message is
// dead-lettered. ErrRequeue is the exception described above.
type Handler func(ctx context.Context, subject string, data []byte) error

// Queue is the port interface for publishing and subscribing to messages.
// Delivery is at-least-once: handlers must tolerate duplicates.
type Queue interface {
	// Publish sends a message to the given subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// PublishDelayed sends a message that no consumer sees before delay elapses.
	PublishDelayed(ctx context.Context, subject string, data []byte, delay time.Duration) error

	// Subscribe registers a handler for messages on the given subject.
	// Subscribers of the same subject share the stream: each message goes to
	// one of them. The returned function cancels the subscription; messages
	// in flight are left unacknowledged and will be redelivered.
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)

	// Drain gracefully drains all subscriptions before closing.
	Drain() error

	// Close shuts down the queue connection immediately.
	Close() error

	// IsConnected reports whether the queue is currently connected.
	IsConnected() bool
}

// Subjects used by TaskForge.
const (
	SubjectTaskDispatch    = "tasks.dispatch"    // task reference for idle agents
	SubjectTaskQuarantined = "tasks.quarantined" // human-review queue
	SubjectTaskDeadLetter  = "tasks.deadletter"  // messages that exhausted redelivery
	SubjectBudgetAlert     = "budget.alerts"     // service suspended
)

// Headers carried on every message.
const (
	HeaderRequestID = "X-Request-ID"
	HeaderNotBefore = "TaskForge-Not-Before" // unix millis; consumer hides the message until then
)

package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Strob0t/TaskForge/internal/domain"
	"github.com/Strob0t/TaskForge/internal/domain/task"
	"github.com/Strob0t/TaskForge/internal/port/messagequeue"
	"github.com/Strob0t/TaskForge/internal/resilience"
)

const publishRetryDelay = 200 * time.Millisecond

// Dispatcher publishes task hints and alerts through the queue. Publishes go
// through a circuit breaker so a dead broker fails fast, and are retried a
// bounded number of times while the breaker stays closed.
type Dispatcher struct {
	queue    messagequeue.Queue
	breaker  *resilience.Breaker
	attempts int
}

// NewDispatcher creates a Dispatcher. breaker may be nil.
func NewDispatcher(queue messagequeue.Queue, breaker *resilience.Breaker, attempts int) *Dispatcher {
	return &Dispatcher{queue: queue, breaker: breaker, attempts: attempts}
}

// DispatchTask publishes a tasks.dispatch hint for t. A positive delay hides
// the hint from consumers until it elapses.
func (d *Dispatcher) DispatchTask(ctx context.Context, t *task.Task, delay time.Duration) error {
	return d.publish(ctx, messagequeue.SubjectTaskDispatch, messagequeue.TaskDispatchPayload{
		TaskID:               t.ID,
		RequiredCapabilities: t.RequiredCapabilities,
		Priority:             t.Priority,
		Attempt:              t.RetryCount,
	}, delay)
}

// PublishQuarantined announces a quarantined task on the human-review subject.
func (d *Dispatcher) PublishQuarantined(ctx context.Context, t *task.Task, forced bool) error {
	return d.publish(ctx, messagequeue.SubjectTaskQuarantined, messagequeue.TaskQuarantinedPayload{
		TaskID:     t.ID,
		Title:      t.Title,
		RetryCount: t.RetryCount,
		Reason:     t.LastError,
		Forced:     forced,
	}, 0)
}

// PublishBudgetAlert announces a service suspension.
func (d *Dispatcher) PublishBudgetAlert(ctx context.Context, p messagequeue.BudgetAlertPayload) error {
	return d.publish(ctx, messagequeue.SubjectBudgetAlert, p, 0)
}

func (d *Dispatcher) publish(ctx context.Context, subject string, payload any, delay time.Duration) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", subject, err)
	}
	if err := messagequeue.Validate(subject, data); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrValidation, err)
	}

	send := func() error {
		if delay > 0 {
			return d.queue.PublishDelayed(ctx, subject, data, delay)
		}
		return d.queue.Publish(ctx, subject, data)
	}
	guarded := send
	if d.breaker != nil {
		guarded = func() error { return d.breaker.Execute(send) }
	}

	retryable := func(err error) bool {
		return !errors.Is(err, resilience.ErrCircuitOpen) && ctx.Err() == nil
	}
	if err := resilience.Retry(ctx, d.attempts, publishRetryDelay, retryable, guarded); err != nil {
		slog.ErrorContext(ctx, "publish failed", "subject", subject, "error", err)
		return fmt.Errorf("publish %s: %w: %w", subject, domain.ErrBrokerUnavailable, err)
	}
	return nil
}

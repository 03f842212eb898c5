// Package memqueue implements messagequeue.Queue in process memory.
// Each subject is a work queue: every message goes to one subscriber, failed
// messages come back after a redelivery delay, and messages that exhaust the
// delivery budget are published to the dead-letter subject.
package memqueue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Strob0t/TaskForge/internal/logger"
	"github.com/Strob0t/TaskForge/internal/port/messagequeue"
)

// ErrClosed is returned by Publish and Subscribe after Close or Drain.
var ErrClosed = errors.New("memqueue: closed")

type message struct {
	subject   string
	data      []byte
	requestID string
	delivered uint64
}

type topic struct {
	queue []message
}

// Queue is an in-memory messagequeue.Queue.
type Queue struct {
	mu         sync.Mutex
	cond       *sync.Cond
	topics     map[string]*topic
	timers     map[*time.Timer]struct{}
	closed     bool
	wg         sync.WaitGroup
	maxDeliver uint64
	redeliver  time.Duration
}

var _ messagequeue.Queue = (*Queue)(nil)

// New creates a queue that redelivers failed messages after redeliver and
// dead-letters them after maxDeliver deliveries.
func New(maxDeliver int, redeliver time.Duration) *Queue {
	if maxDeliver < 1 {
		maxDeliver = 1
	}
	q := &Queue{
		topics:     make(map[string]*topic),
		timers:     make(map[*time.Timer]struct{}),
		maxDeliver: uint64(maxDeliver),
		redeliver:  redeliver,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *Queue) topicLocked(subject string) *topic {
	t, ok := q.topics[subject]
	if !ok {
		t = &topic{}
		q.topics[subject] = t
	}
	return t
}

func (q *Queue) enqueue(m message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	t := q.topicLocked(m.subject)
	t.queue = append(t.queue, m)
	q.cond.Broadcast()
	return nil
}

// after runs fn once d has elapsed unless the queue is closed first.
func (q *Queue) after(d time.Duration, fn func()) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	var timer *time.Timer
	timer = time.AfterFunc(d, func() {
		q.mu.Lock()
		delete(q.timers, timer)
		q.mu.Unlock()
		fn()
	})
	q.timers[timer] = struct{}{}
	return nil
}

// Publish sends a message to the given subject.
func (q *Queue) Publish(ctx context.Context, subject string, data []byte) error {
	return q.enqueue(message{subject: subject, data: append([]byte(nil), data...), requestID: logger.RequestID(ctx)})
}

// PublishDelayed makes the message visible after delay.
func (q *Queue) PublishDelayed(ctx context.Context, subject string, data []byte, delay time.Duration) error {
	if delay <= 0 {
		return q.Publish(ctx, subject, data)
	}
	m := message{subject: subject, data: append([]byte(nil), data...), requestID: logger.RequestID(ctx)}
	return q.after(delay, func() { _ = q.enqueue(m) })
}

// Subscribe starts a consumer goroutine that handles one message at a time.
func (q *Queue) Subscribe(ctx context.Context, subject string, handler messagequeue.Handler) (func(), error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrClosed
	}
	q.topicLocked(subject)
	q.mu.Unlock()

	var (
		stopOnce sync.Once
		stopped  bool
	)
	cancel := func() {
		stopOnce.Do(func() {
			q.mu.Lock()
			stopped = true
			q.cond.Broadcast()
			q.mu.Unlock()
		})
	}
	stopAfter := context.AfterFunc(ctx, cancel)

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer stopAfter()
		for {
			m, ok := q.next(subject, &stopped)
			if !ok {
				return
			}
			q.handle(ctx, m, handler)
		}
	}()
	return cancel, nil
}

// next blocks until a message for subject is available or the consumer stops.
func (q *Queue) next(subject string, stopped *bool) (message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if *stopped || q.closed {
			return message{}, false
		}
		t := q.topics[subject]
		if len(t.queue) > 0 {
			m := t.queue[0]
			t.queue = t.queue[1:]
			return m, true
		}
		q.cond.Wait()
	}
}

func (q *Queue) handle(ctx context.Context, m message, handler messagequeue.Handler) {
	m.delivered++
	hctx := ctx
	if m.requestID != "" {
		hctx = logger.WithRequestID(ctx, m.requestID)
	}

	err := handler(hctx, m.subject, m.data)
	if err == nil {
		return
	}

	exhausted := m.delivered >= q.maxDeliver
	if errors.Is(err, messagequeue.ErrRequeue) {
		if exhausted {
			slog.InfoContext(hctx, "requeued message dropped", "subject", m.subject, "deliveries", m.delivered)
			return
		}
		_ = q.after(q.redeliver, func() { _ = q.enqueue(m) })
		return
	}

	slog.ErrorContext(hctx, "message handler failed", "subject", m.subject, "deliveries", m.delivered, "error", err)
	if !exhausted {
		_ = q.after(q.redeliver, func() { _ = q.enqueue(m) })
		return
	}

	payload, _ := json.Marshal(messagequeue.DeadLetterPayload{
		Subject:    m.subject,
		Data:       m.data,
		Deliveries: m.delivered,
		Error:      err.Error(),
	})
	if pubErr := q.Publish(hctx, messagequeue.SubjectTaskDeadLetter, payload); pubErr != nil {
		slog.ErrorContext(hctx, "dead-letter publish failed", "subject", m.subject, "error", pubErr)
		return
	}
	slog.WarnContext(hctx, "message dead-lettered", "subject", m.subject, "deliveries", m.delivered)
}

// Drain lets in-flight handlers finish, then closes the queue. Queued and
// delayed messages are discarded.
func (q *Queue) Drain() error {
	return q.Close()
}

// Close stops all consumers and pending timers and waits for handlers to return.
func (q *Queue) Close() error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		for t := range q.timers {
			t.Stop()
		}
		q.timers = nil
		q.cond.Broadcast()
	}
	q.mu.Unlock()
	q.wg.Wait()
	return nil
}

// IsConnected reports whether the queue accepts messages.
func (q *Queue) IsConnected() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.closed
}

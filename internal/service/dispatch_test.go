package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Strob0t/TaskForge/internal/domain"
	"github.com/Strob0t/TaskForge/internal/domain/task"
	"github.com/Strob0t/TaskForge/internal/port/messagequeue"
	"github.com/Strob0t/TaskForge/internal/resilience"
)

func TestDispatcher_DispatchTask(t *testing.T) {
	q := &mockQueue{}
	d := NewDispatcher(q, nil, 1)
	tk := &task.Task{ID: "t-1", Priority: 4, RequiredCapabilities: []string{"go"}, RetryCount: 1}

	if err := d.DispatchTask(context.Background(), tk, 0); err != nil {
		t.Fatal(err)
	}
	if err := d.DispatchTask(context.Background(), tk, 10*time.Second); err != nil {
		t.Fatal(err)
	}

	msgs := q.onSubject(messagequeue.SubjectTaskDispatch)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].delay != 0 || msgs[1].delay != 10*time.Second {
		t.Fatalf("unexpected delays: %v, %v", msgs[0].delay, msgs[1].delay)
	}
	p := q.dispatched(t)[0]
	if p.TaskID != "t-1" || p.Priority != 4 || p.Attempt != 1 {
		t.Fatalf("unexpected payload: %+v", p)
	}
}

func TestDispatcher_RetriesThenBrokerUnavailable(t *testing.T) {
	q := &mockQueue{publishErr: errors.New("connection refused")}
	d := NewDispatcher(q, nil, 3)

	err := d.DispatchTask(context.Background(), &task.Task{ID: "t-1"}, 0)
	if !errors.Is(err, domain.ErrBrokerUnavailable) {
		t.Fatalf("expected ErrBrokerUnavailable, got %v", err)
	}
	if q.calls != 3 {
		t.Fatalf("expected 3 publish attempts, got %d", q.calls)
	}
}

func TestDispatcher_OpenBreakerFailsFast(t *testing.T) {
	q := &mockQueue{publishErr: errors.New("connection refused")}
	b := resilience.NewBreaker(1, time.Hour)
	d := NewDispatcher(q, b, 5)

	_ = d.DispatchTask(context.Background(), &task.Task{ID: "t-1"}, 0)
	calls := q.calls
	if calls != 1 {
		t.Fatalf("breaker should open after the first failure, got %d calls", calls)
	}

	err := d.DispatchTask(context.Background(), &task.Task{ID: "t-2"}, 0)
	if !errors.Is(err, resilience.ErrCircuitOpen) || !errors.Is(err, domain.ErrBrokerUnavailable) {
		t.Fatalf("expected open circuit, got %v", err)
	}
	if q.calls != calls {
		t.Fatal("open breaker must not reach the broker")
	}
}

func TestDispatcher_InvalidPayload(t *testing.T) {
	d := NewDispatcher(&mockQueue{}, nil, 1)
	err := d.DispatchTask(context.Background(), &task.Task{}, 0)
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for empty task id, got %v", err)
	}
}

package nats

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Strob0t/TaskForge/internal/config"
	"github.com/Strob0t/TaskForge/internal/logger"
	"github.com/Strob0t/TaskForge/internal/port/messagequeue"
)

// testConnect connects to NATS or skips the test if NATS_URL is not set.
func testConnect(t *testing.T, maxDeliver int) *Queue {
	t.Helper()

	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("requires NATS_URL")
	}

	q, err := Connect(context.Background(), config.NATS{
		URL:        url,
		Stream:     "TASKFORGE_TEST",
		Consumer:   "test-" + strings.ReplaceAll(t.Name(), "/", "_"),
		AckWait:    time.Second,
		MaxDeliver: maxDeliver,
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() {
		if err := q.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return q
}

// uniqueSubject returns a subject under tasks.> so the stream captures it.
func uniqueSubject(t *testing.T) string {
	t.Helper()
	return "tasks.test." + strings.ReplaceAll(t.Name(), "/", "_") + "." + time.Now().Format("150405.000000000")
}

func waitFor(t *testing.T, ch <-chan struct{}, d time.Duration, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(d):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestQueue_PublishSubscribeRequestID(t *testing.T) {
	q := testConnect(t, 3)
	subject := uniqueSubject(t)

	got := make(chan string, 1)
	stop, err := q.Subscribe(context.Background(), subject, func(ctx context.Context, _ string, d []byte) error {
		if string(d) != `{"task_id":"t1"}` {
			t.Errorf("unexpected payload %s", d)
		}
		got <- logger.RequestID(ctx)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stop()

	ctx := logger.WithRequestID(context.Background(), "req-123")
	if err := q.Publish(ctx, subject, []byte(`{"task_id":"t1"}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case id := <-got:
		if id != "req-123" {
			t.Fatalf("request id = %q", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestQueue_PublishDelayed(t *testing.T) {
	q := testConnect(t, 3)
	subject := uniqueSubject(t)

	received := make(chan time.Time, 1)
	stop, err := q.Subscribe(context.Background(), subject, func(context.Context, string, []byte) error {
		received <- time.Now()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stop()

	start := time.Now()
	if err := q.PublishDelayed(context.Background(), subject, []byte(`{}`), time.Second); err != nil {
		t.Fatalf("PublishDelayed: %v", err)
	}

	select {
	case at := <-received:
		if at.Sub(start) < 900*time.Millisecond {
			t.Fatalf("delayed message delivered after %v", at.Sub(start))
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for delayed message")
	}
}

func TestQueue_DeadLetterAfterExhaustion(t *testing.T) {
	q := testConnect(t, 2)
	subject := uniqueSubject(t)

	dead := make(chan messagequeue.DeadLetterPayload, 4)
	stopDLQ, err := q.Subscribe(context.Background(), messagequeue.SubjectTaskDeadLetter, func(_ context.Context, _ string, d []byte) error {
		var p messagequeue.DeadLetterPayload
		if err := json.Unmarshal(d, &p); err != nil {
			return err
		}
		if p.Subject == subject {
			dead <- p
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe DLQ: %v", err)
	}
	defer stopDLQ()

	var attempts atomic.Int32
	stop, err := q.Subscribe(context.Background(), subject, func(context.Context, string, []byte) error {
		attempts.Add(1)
		return errors.New("handler always fails")
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stop()

	if err := q.Publish(context.Background(), subject, []byte(`{"k":1}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case p := <-dead:
		if p.Error != "handler always fails" || string(p.Data) != `{"k":1}` {
			t.Fatalf("unexpected dead letter: %+v", p)
		}
	case <-time.After(20 * time.Second):
		t.Fatalf("timed out waiting for dead letter after %d attempts", attempts.Load())
	}
}

func TestQueue_RequeueExhaustionDropped(t *testing.T) {
	q := testConnect(t, 2)
	subject := uniqueSubject(t)

	var dead atomic.Int32
	stopDLQ, err := q.Subscribe(context.Background(), messagequeue.SubjectTaskDeadLetter, func(_ context.Context, _ string, d []byte) error {
		var p messagequeue.DeadLetterPayload
		if json.Unmarshal(d, &p) == nil && p.Subject == subject {
			dead.Add(1)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe DLQ: %v", err)
	}
	defer stopDLQ()

	var attempts atomic.Int32
	stop, err := q.Subscribe(context.Background(), subject, func(context.Context, string, []byte) error {
		attempts.Add(1)
		return messagequeue.ErrRequeue
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stop()

	if err := q.Publish(context.Background(), subject, []byte(`{"k":1}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	// maxDeliver+1 deliveries, one requeue delay apart.
	time.Sleep(3*requeueDelay + 2*time.Second)
	if n := attempts.Load(); n != 3 {
		t.Fatalf("attempts = %d, want 3", n)
	}
	if dead.Load() != 0 {
		t.Fatal("requeued message must not be dead-lettered")
	}
}

func TestQueue_IsConnectedAndDrain(t *testing.T) {
	q := testConnect(t, 3)
	if !q.IsConnected() {
		t.Fatal("expected connected")
	}
	done := make(chan struct{})
	stop, err := q.Subscribe(context.Background(), uniqueSubject(t), func(context.Context, string, []byte) error { return nil })
	if err != nil {
		t.Fatal(err)
	}
	defer stop()
	go func() {
		_ = q.Drain()
		close(done)
	}()
	waitFor(t, done, 10*time.Second, "drain")
}

func TestDurableName(t *testing.T) {
	q := &Queue{consumer: "taskforge"}
	if got := q.durableName("tasks.dispatch"); got != "taskforge-tasks_dispatch" {
		t.Fatalf("durableName = %q", got)
	}
	if got := q.durableName("tasks.>"); got != "taskforge-tasks_all" {
		t.Fatalf("durableName = %q", got)
	}
}

package service

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/Strob0t/TaskForge/internal/port/messagequeue"
	"github.com/Strob0t/TaskForge/internal/port/notifier"
)

func TestDeadLetterMonitor_Handle(t *testing.T) {
	m := &mockNotifier{name: "mock"}
	mon := NewDeadLetterMonitor(NewNotificationService([]notifier.Notifier{m}, nil))

	hint, _ := json.Marshal(messagequeue.TaskDispatchPayload{TaskID: "task-1"})
	data, _ := json.Marshal(messagequeue.DeadLetterPayload{
		Subject:    messagequeue.SubjectTaskDispatch,
		Data:       hint,
		Deliveries: 10,
		Error:      "handler exploded",
	})

	if err := mon.Handle(context.Background(), messagequeue.SubjectTaskDeadLetter, data); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	sent := m.bySource(notifier.SourceDeadLetter)
	if len(sent) != 1 {
		t.Fatalf("expected one dead-letter notification, got %d", len(sent))
	}
	want := map[string]string{
		"subject":    messagequeue.SubjectTaskDispatch,
		"deliveries": "10",
		"task_id":    "task-1",
	}
	if diff := cmp.Diff(want, sent[0].Fields); diff != "" {
		t.Errorf("fields mismatch (-want +got):\n%s", diff)
	}
	if sent[0].Message != "handler exploded" || sent[0].Level != notifier.LevelError {
		t.Errorf("notification = %+v", sent[0])
	}
}

func TestDeadLetterMonitor_Undecodable(t *testing.T) {
	m := &mockNotifier{name: "mock"}
	mon := NewDeadLetterMonitor(NewNotificationService([]notifier.Notifier{m}, nil))

	if err := mon.Handle(context.Background(), messagequeue.SubjectTaskDeadLetter, []byte("{garbage")); err != nil {
		t.Fatalf("undecodable messages must be acknowledged, got %v", err)
	}
	if len(m.bySource(notifier.SourceDeadLetter)) != 0 {
		t.Error("no notification expected for undecodable message")
	}
}

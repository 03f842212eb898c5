package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	tfotel "github.com/Strob0t/TaskForge/internal/adapter/otel"
	"github.com/Strob0t/TaskForge/internal/port/messagequeue"
	"github.com/Strob0t/TaskForge/internal/port/notifier"
)

// DeadLetterMonitor consumes tasks.deadletter and surfaces each message to
// operators. The task itself is untouched: the Store stays authoritative and
// the reconciler republishes a hint for it if it is still TODO.
type DeadLetterMonitor struct {
	notify  *NotificationService
	metrics *tfotel.Metrics
}

// NewDeadLetterMonitor creates a DeadLetterMonitor.
func NewDeadLetterMonitor(notify *NotificationService) *DeadLetterMonitor {
	return &DeadLetterMonitor{notify: notify}
}

// SetMetrics enables metric recording.
func (m *DeadLetterMonitor) SetMetrics(mt *tfotel.Metrics) { m.metrics = mt }

// Start subscribes the monitor to the dead-letter subject.
func (m *DeadLetterMonitor) Start(ctx context.Context, q messagequeue.Queue) (func(), error) {
	return q.Subscribe(ctx, messagequeue.SubjectTaskDeadLetter, m.Handle)
}

// Handle processes one dead-letter message. It never fails: a message that
// cannot be decoded is logged and acknowledged.
func (m *DeadLetterMonitor) Handle(ctx context.Context, _ string, data []byte) error {
	var p messagequeue.DeadLetterPayload
	if err := json.Unmarshal(data, &p); err != nil {
		slog.ErrorContext(ctx, "undecodable dead letter", "error", err)
		return nil
	}

	fields := map[string]string{
		"subject":    p.Subject,
		"deliveries": strconv.FormatUint(p.Deliveries, 10),
	}
	if p.Subject == messagequeue.SubjectTaskDispatch {
		var hint messagequeue.TaskDispatchPayload
		if json.Unmarshal(p.Data, &hint) == nil && hint.TaskID != "" {
			fields["task_id"] = hint.TaskID
		}
	}

	if m.metrics != nil {
		m.metrics.DeadLetters.Add(ctx, 1, metric.WithAttributes(attribute.String("subject", p.Subject)))
	}
	slog.WarnContext(ctx, "message dead-lettered",
		"subject", p.Subject,
		"deliveries", p.Deliveries,
		"task_id", fields["task_id"],
		"error", p.Error,
	)

	m.notify.Notify(ctx, notifier.Notification{
		Title:   "Message dead-lettered",
		Message: p.Error,
		Level:   notifier.LevelError,
		Source:  notifier.SourceDeadLetter,
		Fields:  fields,
	})
	return nil
}

// Package notifier defines the notification sink port (interface).
package notifier

import (
	"context"
	"errors"
)

// ErrNotConfigured is returned when a notifier is not properly configured.
var ErrNotConfigured = errors.New("notifier: not configured")

// Levels understood by notifiers.
const (
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

// Sources emitted by the orchestration core.
const (
	SourceBudgetSuspended = "budget.suspended"
	SourceTaskQuarantined = "task.quarantined"
	SourceDeadLetter      = "queue.deadletter"
)

// Notification is the payload sent through a Notifier.
type Notification struct {
	Title   string            `json:"title"`
	Message string            `json:"message"`
	Level   string            `json:"level"`
	Source  string            `json:"source"`
	Fields  map[string]string `json:"fields,omitempty"` // e.g. task_id, service_id
}

// Notifier is the port interface for sending notifications.
type Notifier interface {
	// Name returns the unique identifier for this notifier (e.g. "slack").
	Name() string

	// Send delivers a notification.
	Send(ctx context.Context, notification Notification) error
}

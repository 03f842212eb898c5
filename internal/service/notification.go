// Package service contains application services.
package service

import (
	"context"
	"log/slog"

	"github.com/Strob0t/TaskForge/internal/port/notifier"
)

// NotificationService dispatches notifications to all configured notifiers.
// Delivery is fire-and-forget: failures are logged and never returned.
type NotificationService struct {
	notifiers     []notifier.Notifier
	enabledEvents map[string]bool
}

// NewNotificationService creates a NotificationService with the given notifiers
// and list of enabled sources (e.g. "budget.suspended", "task.quarantined").
// If enabledEvents is nil or empty, all sources are enabled.
func NewNotificationService(notifiers []notifier.Notifier, enabledEvents []string) *NotificationService {
	enabled := make(map[string]bool, len(enabledEvents))
	for _, e := range enabledEvents {
		enabled[e] = true
	}
	return &NotificationService{
		notifiers:     notifiers,
		enabledEvents: enabled,
	}
}

// Notify sends a notification to every notifier. A nil service is a no-op.
func (s *NotificationService) Notify(ctx context.Context, n notifier.Notification) {
	if s == nil {
		return
	}
	if len(s.enabledEvents) > 0 && !s.enabledEvents[n.Source] {
		return
	}

	for _, provider := range s.notifiers {
		if err := provider.Send(ctx, n); err != nil {
			slog.WarnContext(ctx, "notification send failed",
				"provider", provider.Name(),
				"source", n.Source,
				"error", err,
			)
			continue
		}
		slog.DebugContext(ctx, "notification sent", "provider", provider.Name(), "source", n.Source)
	}
}

// NotifierCount returns the number of configured notifiers.
func (s *NotificationService) NotifierCount() int {
	if s == nil {
		return 0
	}
	return len(s.notifiers)
}

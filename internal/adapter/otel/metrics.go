package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "taskforge"

// Metrics holds the orchestration metric instruments.
type Metrics struct {
	TasksCreated     metric.Int64Counter
	TasksClaimed     metric.Int64Counter
	TasksCompleted   metric.Int64Counter
	TasksFailed      metric.Int64Counter
	TasksQuarantined metric.Int64Counter
	BudgetCharged    metric.Float64Counter
	BudgetRejected   metric.Int64Counter
	DeadLetters      metric.Int64Counter
	TaskDuration     metric.Float64Histogram
	SandboxReady     metric.Float64Histogram
}

// NewMetrics creates all metric instruments from the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.TasksCreated, "taskforge.tasks.created", "Number of tasks created"},
		{&m.TasksClaimed, "taskforge.tasks.claimed", "Number of tasks claimed by agents"},
		{&m.TasksCompleted, "taskforge.tasks.completed", "Number of tasks completed"},
		{&m.TasksFailed, "taskforge.tasks.failed", "Number of task failures reported"},
		{&m.TasksQuarantined, "taskforge.tasks.quarantined", "Number of tasks quarantined"},
		{&m.BudgetRejected, "taskforge.budget.rejected", "Number of charges rejected for budget"},
		{&m.DeadLetters, "taskforge.queue.deadletters", "Number of dead-lettered messages"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
	}

	m.BudgetCharged, err = meter.Float64Counter("taskforge.budget.charged_usd",
		metric.WithDescription("Total USD charged against service budgets"))
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("taskforge.task.duration_seconds",
		metric.WithDescription("Time from claim to completion in seconds"))
	if err != nil {
		return nil, err
	}

	m.SandboxReady, err = meter.Float64Histogram("taskforge.sandbox.ready_seconds",
		metric.WithDescription("Sandbox provisioning latency in seconds"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

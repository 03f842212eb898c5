package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	tfotel "github.com/Strob0t/TaskForge/internal/adapter/otel"
	"github.com/Strob0t/TaskForge/internal/config"
	"github.com/Strob0t/TaskForge/internal/domain"
	"github.com/Strob0t/TaskForge/internal/domain/agent"
	"github.com/Strob0t/TaskForge/internal/domain/sandbox"
	"github.com/Strob0t/TaskForge/internal/domain/task"
	"github.com/Strob0t/TaskForge/internal/logger"
	"github.com/Strob0t/TaskForge/internal/port/database"
	"github.com/Strob0t/TaskForge/internal/port/notifier"
	"github.com/Strob0t/TaskForge/internal/resilience"
)

// Reported task outcomes accepted by ReportStatus.
const (
	ReportDone   = "DONE"
	ReportFailed = "FAILED"
)

// TaskOrchestrator drives the task state machine. It holds no state between
// calls; the store is the single source of truth.
type TaskOrchestrator struct {
	store           database.Store
	dispatch        *Dispatcher
	budget          *BudgetService
	sandboxes       *SandboxManager
	notify          *NotificationService
	metrics         *tfotel.Metrics
	policy          task.RetryPolicy
	conflictRetries int
	now             func() time.Time
}

// NewTaskOrchestrator creates a TaskOrchestrator. notify may be nil.
func NewTaskOrchestrator(
	store database.Store,
	dispatch *Dispatcher,
	budgetSvc *BudgetService,
	sandboxes *SandboxManager,
	notify *NotificationService,
	cfg config.Orchestrator,
) *TaskOrchestrator {
	policy := task.RetryPolicy{BaseDelay: cfg.BaseDelay, MaxDelay: cfg.MaxDelay}
	if policy.BaseDelay <= 0 {
		policy = task.DefaultRetryPolicy()
	}
	return &TaskOrchestrator{
		store:           store,
		dispatch:        dispatch,
		budget:          budgetSvc,
		sandboxes:       sandboxes,
		notify:          notify,
		policy:          policy,
		conflictRetries: cfg.ConflictRetries,
		now:             time.Now,
	}
}

// SetMetrics enables metric recording.
func (o *TaskOrchestrator) SetMetrics(m *tfotel.Metrics) { o.metrics = m }

// updateTask applies fn atomically, retrying lock conflicts.
func (o *TaskOrchestrator) updateTask(ctx context.Context, id string, fn func(t *task.Task) error) (*task.Task, error) {
	var updated *task.Task
	err := resilience.Retry(ctx, o.conflictRetries, conflictRetryDelay, isConflict, func() error {
		var err error
		updated, err = o.store.UpdateTaskAtomic(ctx, id, fn)
		return err
	})
	return updated, err
}

// CreateTask stores a new TODO task and publishes its dispatch hint.
func (o *TaskOrchestrator) CreateTask(ctx context.Context, req *task.CreateRequest) (*task.Task, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.ParentTaskID != "" {
		if _, err := o.store.GetTask(ctx, req.ParentTaskID); err != nil {
			return nil, fmt.Errorf("parent task %s: %w", req.ParentTaskID, err)
		}
	}
	if req.ServiceID != "" {
		if _, err := o.store.GetService(ctx, req.ServiceID); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, fmt.Errorf("%w: service %s does not exist", domain.ErrValidation, req.ServiceID)
			}
			return nil, fmt.Errorf("get service: %w", err)
		}
	}

	now := o.now()
	t := &task.Task{
		Title:                req.Title,
		Description:          req.Description,
		Status:               task.StatusTodo,
		Priority:             req.Priority,
		RequiredCapabilities: req.RequiredCapabilities,
		MaxRetries:           req.MaxRetries,
		ParentTaskID:         req.ParentTaskID,
		ServiceID:            req.ServiceID,
		CostUSD:              req.CostUSD,
		AvailableAt:          now,
	}
	if err := o.store.CreateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	if o.metrics != nil {
		o.metrics.TasksCreated.Add(ctx, 1)
	}
	slog.InfoContext(ctx, "task created", "task_id", t.ID, "priority", t.Priority, "capabilities", t.RequiredCapabilities)

	o.publishHint(ctx, t, 0)
	return t, nil
}

// publishHint publishes a dispatch hint. A failed publish only delays the
// task: it stays TODO in the store and the reconciler republishes it.
func (o *TaskOrchestrator) publishHint(ctx context.Context, t *task.Task, delay time.Duration) {
	if o.dispatch == nil {
		return
	}
	if err := o.dispatch.DispatchTask(ctx, t, delay); err != nil {
		slog.WarnContext(ctx, "dispatch hint not published", "task_id", t.ID, "delay", delay, "error", err)
	}
}

// GetTask returns a task by ID.
func (o *TaskOrchestrator) GetTask(ctx context.Context, id string) (*task.Task, error) {
	return o.store.GetTask(ctx, id)
}

// ListTasks lists tasks matching filter.
func (o *TaskOrchestrator) ListTasks(ctx context.Context, filter task.ListFilter) ([]task.Task, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrValidation, filter.Status)
	}
	return o.store.ListTasks(ctx, filter)
}

// ClaimTask assigns the best eligible task to agentID, or returns (nil, nil).
func (o *TaskOrchestrator) ClaimTask(ctx context.Context, agentID string) (*task.Task, error) {
	return o.claim(ctx, agentID, "")
}

// ClaimSpecific claims taskID for agentID if it is still eligible, or returns (nil, nil).
func (o *TaskOrchestrator) ClaimSpecific(ctx context.Context, agentID, taskID string) (*task.Task, error) {
	if taskID == "" {
		return nil, fmt.Errorf("%w: task id is required", domain.ErrValidation)
	}
	return o.claim(ctx, agentID, taskID)
}

func (o *TaskOrchestrator) claim(ctx context.Context, agentID, taskID string) (t *task.Task, err error) {
	ctx, span := tfotel.StartTaskSpan(ctx, "claim", taskID)
	defer func() { tfotel.EndSpan(span, err) }()

	err = resilience.Retry(ctx, o.conflictRetries, conflictRetryDelay, isConflict, func() error {
		var claimErr error
		t, claimErr = o.store.ClaimTask(ctx, agentID, taskID, o.now())
		return claimErr
	})
	if err != nil {
		return nil, fmt.Errorf("claim task for agent %s: %w", agentID, err)
	}
	if t == nil {
		return nil, nil
	}
	ctx = logger.WithTaskID(ctx, t.ID)
	if o.metrics != nil {
		o.metrics.TasksClaimed.Add(ctx, 1)
	}
	slog.InfoContext(ctx, "task claimed", "task_id", t.ID, "agent_id", agentID, "status", t.Status, "attempt", t.RetryCount)

	if t.ServiceID == "" || o.budget == nil {
		return t, nil
	}

	usedID, chargeErr := o.budget.ChargeForTask(ctx, t)
	if chargeErr != nil {
		slog.WarnContext(ctx, "task rejected by budget", "task_id", t.ID, "service_id", t.ServiceID, "error", chargeErr)
		if _, failErr := o.ReportFailure(ctx, t.ID, agentID, chargeErr.Error()); failErr != nil {
			return nil, errors.Join(chargeErr, failErr)
		}
		return nil, chargeErr
	}

	updated, err := o.updateTask(ctx, t.ID, func(cur *task.Task) error {
		if !cur.OwnedBy(agentID) {
			return fmt.Errorf("task %s no longer owned by %s: %w", cur.ID, agentID, domain.ErrNotAuthorized)
		}
		cur.ServiceUsedID = usedID
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("record service used: %w", err)
	}
	return updated, nil
}

// ReportStatus routes an agent's report to Complete or ReportFailure.
func (o *TaskOrchestrator) ReportStatus(ctx context.Context, taskID, agentID, status, errMsg string) (*task.Task, error) {
	switch status {
	case ReportDone:
		return o.Complete(ctx, taskID, agentID)
	case ReportFailed:
		return o.ReportFailure(ctx, taskID, agentID, errMsg)
	default:
		return nil, fmt.Errorf("%w: status must be DONE or FAILED, got %q", domain.ErrValidation, status)
	}
}

// Complete marks a task DONE for its owning agent, releases the agent and
// tears down the task's sandbox.
func (o *TaskOrchestrator) Complete(ctx context.Context, taskID, agentID string) (t *task.Task, err error) {
	ctx = logger.WithTaskID(ctx, taskID)
	ctx, span := tfotel.StartTaskSpan(ctx, "complete", taskID)
	defer func() { tfotel.EndSpan(span, err) }()

	var claimedAt time.Time
	t, err = o.updateTask(ctx, taskID, func(cur *task.Task) error {
		claimedAt = cur.UpdatedAt
		return cur.Complete(agentID, o.now())
	})
	// The agent is released even when the task update fails.
	o.releaseAgent(ctx, agentID, taskID)
	if err != nil {
		return nil, fmt.Errorf("complete task %s: %w", taskID, err)
	}
	o.teardown(ctx, taskID)

	if o.metrics != nil {
		o.metrics.TasksCompleted.Add(ctx, 1)
		if !claimedAt.IsZero() {
			o.metrics.TaskDuration.Record(ctx, t.UpdatedAt.Sub(claimedAt).Seconds())
		}
	}
	slog.InfoContext(ctx, "task completed", "task_id", taskID, "agent_id", agentID, "status", t.Status)
	return t, nil
}

// ReportFailure records a failed attempt. The task returns to TODO after the
// backoff delay or is quarantined once its retries are spent. The agent is
// released and the sandbox torn down in every case.
func (o *TaskOrchestrator) ReportFailure(ctx context.Context, taskID, agentID, errMsg string) (t *task.Task, err error) {
	ctx = logger.WithTaskID(ctx, taskID)
	ctx, span := tfotel.StartTaskSpan(ctx, "fail", taskID)
	defer func() { tfotel.EndSpan(span, err) }()

	var outcome task.FailureOutcome
	t, err = o.updateTask(ctx, taskID, func(cur *task.Task) error {
		var failErr error
		outcome, failErr = cur.Fail(agentID, errMsg, o.policy, o.now())
		return failErr
	})
	o.releaseAgent(ctx, agentID, taskID)
	if err != nil {
		return nil, fmt.Errorf("fail task %s: %w", taskID, err)
	}
	o.teardown(ctx, taskID)
	if o.metrics != nil {
		o.metrics.TasksFailed.Add(ctx, 1)
	}

	if outcome.Quarantined {
		slog.WarnContext(ctx, "task quarantined", "task_id", taskID, "agent_id", agentID, "status", t.Status, "retry_count", t.RetryCount, "error", errMsg)
		o.onQuarantined(ctx, t, false)
		return t, nil
	}

	slog.InfoContext(ctx, "task scheduled for retry", "task_id", taskID, "agent_id", agentID, "status", t.Status,
		"retry_count", t.RetryCount, "delay", outcome.RetryDelay)
	o.publishHint(ctx, t, outcome.RetryDelay)
	return t, nil
}

// Quarantine forces a TODO or IN_PROGRESS task into quarantine.
func (o *TaskOrchestrator) Quarantine(ctx context.Context, taskID, reason string) (*task.Task, error) {
	ctx = logger.WithTaskID(ctx, taskID)
	var owner string
	t, err := o.updateTask(ctx, taskID, func(cur *task.Task) error {
		owner = cur.AssignedAgentID
		return cur.Quarantine(reason, o.now())
	})
	if err != nil {
		return nil, fmt.Errorf("quarantine task %s: %w", taskID, err)
	}
	if owner != "" {
		o.releaseAgent(ctx, owner, taskID)
	}
	o.teardown(ctx, taskID)

	slog.WarnContext(ctx, "task quarantined by supervisor", "task_id", taskID, "agent_id", owner, "status", t.Status, "reason", reason)
	o.onQuarantined(ctx, t, true)
	return t, nil
}

// Requeue moves a quarantined task back to TODO with a fresh retry budget.
func (o *TaskOrchestrator) Requeue(ctx context.Context, taskID string) (*task.Task, error) {
	t, err := o.updateTask(ctx, taskID, func(cur *task.Task) error {
		return cur.Requeue(o.now())
	})
	if err != nil {
		return nil, fmt.Errorf("requeue task %s: %w", taskID, err)
	}
	slog.InfoContext(ctx, "task requeued", "task_id", taskID, "status", t.Status)
	o.publishHint(ctx, t, 0)
	return t, nil
}

// CreateSuccessor creates a TODO task chained to parentID that inherits its
// priority, capabilities and budget binding.
func (o *TaskOrchestrator) CreateSuccessor(ctx context.Context, parentID, title, description string) (*task.Task, error) {
	parent, err := o.store.GetTask(ctx, parentID)
	if err != nil {
		return nil, fmt.Errorf("parent task %s: %w", parentID, err)
	}
	req := parent.Successor(title, description)
	return o.CreateTask(ctx, &req)
}

// ProvisionSandbox provisions the sandbox of an in-flight task. If the task
// leaves IN_PROGRESS while provisioning, the sandbox is torn down again.
func (o *TaskOrchestrator) ProvisionSandbox(ctx context.Context, taskID string) (*sandbox.Sandbox, error) {
	if o.sandboxes == nil {
		return nil, fmt.Errorf("%w: sandboxes are not configured", domain.ErrProvisioningFailed)
	}
	t, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status != task.StatusInProgress {
		return nil, fmt.Errorf("provision sandbox for task %s in status %s: %w", taskID, t.Status, domain.ErrInvalidTransition)
	}

	sb, err := o.sandboxes.Provision(ctx, taskID)
	if err != nil {
		return nil, err
	}

	t, err = o.store.GetTask(ctx, taskID)
	if err != nil || t.Status != task.StatusInProgress {
		o.teardown(ctx, taskID)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("task %s left IN_PROGRESS during provisioning: %w", taskID, domain.ErrInvalidTransition)
	}
	return sb, nil
}

// TerminateSandbox removes a sandbox container.
func (o *TaskOrchestrator) TerminateSandbox(ctx context.Context, containerID string) error {
	if o.sandboxes == nil {
		return nil
	}
	return o.sandboxes.Terminate(ctx, containerID)
}

// SandboxStatus reports the runtime status of a sandbox container.
func (o *TaskOrchestrator) SandboxStatus(ctx context.Context, containerID string) (sandbox.Status, error) {
	if o.sandboxes == nil {
		return sandbox.StatusNotFound, nil
	}
	return o.sandboxes.Status(ctx, containerID)
}

// SweepSandboxes removes managed sandboxes whose task is not IN_PROGRESS.
func (o *TaskOrchestrator) SweepSandboxes(ctx context.Context) (int, error) {
	if o.sandboxes == nil {
		return 0, nil
	}
	return o.sandboxes.Sweep(ctx, func(ctx context.Context, taskID string) (bool, error) {
		t, err := o.store.GetTask(ctx, taskID)
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return t.Status == task.StatusInProgress, nil
	})
}

// releaseAgent returns the agent to IDLE if it is idle or holds taskID.
// Failures are logged; the reconciler repairs agents left BUSY.
func (o *TaskOrchestrator) releaseAgent(ctx context.Context, agentID, taskID string) {
	if agentID == "" {
		return
	}
	err := resilience.Retry(ctx, o.conflictRetries, conflictRetryDelay, isConflict, func() error {
		_, err := o.store.UpdateAgentAtomic(ctx, agentID, func(a *agent.Agent) error {
			if a.CurrentTaskID == taskID || a.CurrentTaskID == "" {
				a.Release(o.now())
			}
			return nil
		})
		return err
	})
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		slog.ErrorContext(ctx, "agent release failed", "agent_id", agentID, "task_id", taskID, "error", err)
	}
}

// teardown removes every sandbox of taskID. It runs on a context detached
// from caller cancellation so a timed-out request cannot leak a container.
func (o *TaskOrchestrator) teardown(ctx context.Context, taskID string) {
	if o.sandboxes == nil {
		return
	}
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := o.sandboxes.TerminateForTask(tctx, taskID); err != nil {
		slog.ErrorContext(ctx, "sandbox teardown failed", "task_id", taskID, "error", err)
	}
}

func (o *TaskOrchestrator) onQuarantined(ctx context.Context, t *task.Task, forced bool) {
	if o.metrics != nil {
		o.metrics.TasksQuarantined.Add(ctx, 1, metric.WithAttributes(attribute.Bool("forced", forced)))
	}

	if o.dispatch != nil {
		if err := o.dispatch.PublishQuarantined(ctx, t, forced); err != nil {
			slog.WarnContext(ctx, "quarantine publish failed", "task_id", t.ID, "error", err)
		}
	}
	o.notify.Notify(ctx, notifier.Notification{
		Title:   "Task quarantined",
		Message: fmt.Sprintf("Task %q needs human review: %s", t.Title, t.LastError),
		Level:   notifier.LevelError,
		Source:  notifier.SourceTaskQuarantined,
		Fields: map[string]string{
			"task_id":     t.ID,
			"retry_count": strconv.Itoa(t.RetryCount),
			"forced":      strconv.FormatBool(forced),
		},
	})
}

package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Strob0t/TaskForge/internal/config"
	"github.com/Strob0t/TaskForge/internal/domain"
	"github.com/Strob0t/TaskForge/internal/domain/agent"
	"github.com/Strob0t/TaskForge/internal/domain/task"
	"github.com/Strob0t/TaskForge/internal/port/database"
)

// ReconcileReport summarises one reconciliation pass.
type ReconcileReport struct {
	StaleAgents      int `json:"stale_agents"`
	ReleasedAgents   int `json:"released_agents"`
	OrphanedTasks    int `json:"orphaned_tasks"`
	Redispatched     int `json:"redispatched"`
	SandboxesRemoved int `json:"sandboxes_removed"`
}

// Reconciler repairs state that a crashed agent or a failed publish leaves
// behind: tasks held by dead agents, BUSY agents without a task, IN_PROGRESS
// tasks whose agent no longer holds them, TODO tasks whose dispatch hint was
// lost, and orphaned sandboxes.
type Reconciler struct {
	store            database.Store
	orch             *TaskOrchestrator
	interval         time.Duration
	heartbeatTimeout time.Duration
	redispatchAfter  time.Duration
	now              func() time.Time

	mu sync.Mutex
	// lastDispatched holds when each TODO task was last republished, so a task
	// nobody accepts is sent at most once per redispatchAfter.
	lastDispatched map[string]time.Time
}

// NewReconciler creates a Reconciler.
func NewReconciler(store database.Store, orch *TaskOrchestrator, cfg config.Orchestrator) *Reconciler {
	return &Reconciler{
		store:            store,
		orch:             orch,
		interval:         cfg.ReconcileInterval,
		heartbeatTimeout: cfg.HeartbeatTimeout,
		redispatchAfter:  cfg.RedispatchAfter,
		now:              time.Now,
		lastDispatched:   make(map[string]time.Time),
	}
}

// Run reconciles every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	if r.interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.ReconcileOnce(ctx); err != nil && ctx.Err() == nil {
				slog.ErrorContext(ctx, "reconcile failed", "error", err)
			}
		}
	}
}

// ReconcileOnce runs a single pass. Individual repairs that fail are logged
// and joined into the returned error; the pass keeps going.
func (r *Reconciler) ReconcileOnce(ctx context.Context) (ReconcileReport, error) {
	var rep ReconcileReport
	var errs []error

	if err := r.recoverAgents(ctx, &rep); err != nil {
		errs = append(errs, err)
	}
	if err := r.recoverTasks(ctx, &rep); err != nil {
		errs = append(errs, err)
	}
	if err := r.redispatch(ctx, &rep); err != nil {
		errs = append(errs, err)
	}
	removed, err := r.orch.SweepSandboxes(ctx)
	rep.SandboxesRemoved = removed
	if err != nil {
		errs = append(errs, err)
	}

	if rep != (ReconcileReport{}) {
		slog.InfoContext(ctx, "reconcile pass",
			"stale_agents", rep.StaleAgents,
			"released_agents", rep.ReleasedAgents,
			"orphaned_tasks", rep.OrphanedTasks,
			"redispatched", rep.Redispatched,
			"sandboxes_removed", rep.SandboxesRemoved,
		)
	}
	return rep, errors.Join(errs...)
}

func (r *Reconciler) recoverAgents(ctx context.Context, rep *ReconcileReport) error {
	agents, err := r.store.ListAgents(ctx)
	if err != nil {
		return err
	}
	now := r.now()

	var errs []error
	for i := range agents {
		a := &agents[i]
		if a.Status != agent.StatusBusy {
			continue
		}

		if a.CurrentTaskID != "" && a.IsStale(now, r.heartbeatTimeout) {
			_, err := r.orch.ReportFailure(ctx, a.CurrentTaskID, a.ID, "agent heartbeat lost")
			switch {
			case err == nil:
				rep.StaleAgents++
				slog.WarnContext(ctx, "stale agent task failed", "agent_id", a.ID, "task_id", a.CurrentTaskID)
				continue
			case errors.Is(err, domain.ErrNotAuthorized), errors.Is(err, domain.ErrNotFound):
				// The agent no longer owns the task; fall through to the drift check.
			default:
				errs = append(errs, err)
				continue
			}
		}

		owned, err := r.ownsTask(ctx, a)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if owned {
			continue
		}
		if _, err := r.store.UpdateAgentAtomic(ctx, a.ID, func(cur *agent.Agent) error {
			if cur.Status == agent.StatusBusy && cur.CurrentTaskID == a.CurrentTaskID {
				cur.Release(r.now())
			}
			return nil
		}); err != nil {
			errs = append(errs, err)
			continue
		}
		rep.ReleasedAgents++
		slog.WarnContext(ctx, "busy agent without task released", "agent_id", a.ID, "task_id", a.CurrentTaskID)
	}
	return errors.Join(errs...)
}

// recoverTasks fails IN_PROGRESS tasks whose assigned agent is gone, idle, or
// busy with another task. This happens when an agent is released after a task
// update failed.
func (r *Reconciler) recoverTasks(ctx context.Context, rep *ReconcileReport) error {
	tasks, err := r.store.ListTasks(ctx, task.ListFilter{Status: task.StatusInProgress})
	if err != nil {
		return err
	}

	var errs []error
	for i := range tasks {
		t := &tasks[i]
		if t.AssignedAgentID == "" {
			continue
		}
		a, err := r.store.GetAgent(ctx, t.AssignedAgentID)
		switch {
		case errors.Is(err, domain.ErrNotFound):
		case err != nil:
			errs = append(errs, err)
			continue
		case a.Status == agent.StatusBusy && a.CurrentTaskID == t.ID:
			continue
		}

		_, err = r.orch.ReportFailure(ctx, t.ID, t.AssignedAgentID, "assigned agent no longer holds task")
		switch {
		case err == nil:
			rep.OrphanedTasks++
			slog.WarnContext(ctx, "orphaned task failed", "task_id", t.ID, "agent_id", t.AssignedAgentID)
		case errors.Is(err, domain.ErrNotAuthorized), errors.Is(err, domain.ErrNotFound):
			// Finished or reassigned since the listing.
		default:
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Reconciler) ownsTask(ctx context.Context, a *agent.Agent) (bool, error) {
	if a.CurrentTaskID == "" {
		return false, nil
	}
	t, err := r.store.GetTask(ctx, a.CurrentTaskID)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return t.OwnedBy(a.ID), nil
}

func (r *Reconciler) redispatch(ctx context.Context, rep *ReconcileReport) error {
	if r.orch.dispatch == nil {
		return nil
	}
	now := r.now()
	tasks, err := r.store.ListTasks(ctx, task.ListFilter{
		Status:        task.StatusTodo,
		UpdatedBefore: now.Add(-r.redispatchAfter),
	})
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	listed := make(map[string]struct{}, len(tasks))
	for i := range tasks {
		listed[tasks[i].ID] = struct{}{}
	}
	for id := range r.lastDispatched {
		if _, ok := listed[id]; !ok {
			delete(r.lastDispatched, id)
		}
	}

	for i := range tasks {
		t := &tasks[i]
		if !t.IsAvailable(now) {
			continue
		}
		if last, ok := r.lastDispatched[t.ID]; ok && now.Sub(last) < r.redispatchAfter {
			continue
		}
		if err := r.orch.dispatch.DispatchTask(ctx, t, 0); err != nil {
			return err
		}
		r.lastDispatched[t.ID] = now
		rep.Redispatched++
	}
	return nil
}

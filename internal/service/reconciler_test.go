package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/Strob0t/TaskForge/internal/adapter/memstore"
	"github.com/Strob0t/TaskForge/internal/domain/agent"
	"github.com/Strob0t/TaskForge/internal/domain/task"
	"github.com/Strob0t/TaskForge/internal/port/notifier"
)

// flakyStore fails the next n task updates.
type flakyStore struct {
	*memstore.Store
	failTaskUpdates int
}

func (f *flakyStore) UpdateTaskAtomic(ctx context.Context, id string, fn func(t *task.Task) error) (*task.Task, error) {
	if f.failTaskUpdates > 0 {
		f.failTaskUpdates--
		return nil, errors.New("connection reset by peer")
	}
	return f.Store.UpdateTaskAtomic(ctx, id, fn)
}

func newTestReconciler(env *testEnv) *Reconciler {
	r := NewReconciler(env.store, env.orch, testOrchestratorConfig())
	r.now = env.clock.Now
	return r
}

func TestReconciler_StaleAgentTaskFails(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.registerAgent(t, "worker")
	tk := mustCreateTask(t, env, task.CreateRequest{Title: "x"})
	mustClaim(t, env, a.ID)
	if _, err := env.orch.ProvisionSandbox(ctx, tk.ID); err != nil {
		t.Fatal(err)
	}

	env.clock.Advance(5 * time.Minute)
	rep, err := newTestReconciler(env).ReconcileOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.StaleAgents != 1 {
		t.Fatalf("expected one stale agent, got %+v", rep)
	}

	got, _ := env.store.GetTask(ctx, tk.ID)
	if got.Status != task.StatusTodo || got.RetryCount != 1 || got.LastError != "agent heartbeat lost" {
		t.Fatalf("stale task not failed: %+v", got)
	}
	if env.agentStatus(t, a.ID) != agent.StatusIdle {
		t.Fatal("stale agent must be reset to IDLE")
	}
	if env.runtime.liveCount() != 0 {
		t.Fatal("stale task's sandbox must be torn down")
	}
}

func TestReconciler_ReleasesDriftedAgent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.registerAgent(t, "worker")
	if _, err := env.store.UpdateAgentAtomic(ctx, a.ID, func(cur *agent.Agent) error {
		return cur.Occupy("ghost-task", env.clock.Now())
	}); err != nil {
		t.Fatal(err)
	}

	rep, err := newTestReconciler(env).ReconcileOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.ReleasedAgents != 1 || env.agentStatus(t, a.ID) != agent.StatusIdle {
		t.Fatalf("drifted agent not released: %+v", rep)
	}
}

func TestReconciler_FailsTaskOfReleasedAgent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	flaky := &flakyStore{Store: env.store}
	notify := NewNotificationService([]notifier.Notifier{env.notifier}, nil)
	env.orch = NewTaskOrchestrator(flaky, env.dispatch, env.budget, env.sandboxes, notify, testOrchestratorConfig())
	env.orch.now = env.clock.Now

	a := env.registerAgent(t, "worker")
	tk := mustCreateTask(t, env, task.CreateRequest{Title: "x"})
	mustClaim(t, env, a.ID)
	if _, err := env.orch.ProvisionSandbox(ctx, tk.ID); err != nil {
		t.Fatal(err)
	}

	flaky.failTaskUpdates = 1
	if _, err := env.orch.Complete(ctx, tk.ID, a.ID); err == nil {
		t.Fatal("expected the task update to fail")
	}
	if env.agentStatus(t, a.ID) != agent.StatusIdle {
		t.Fatal("agent must be released even when the task update fails")
	}

	r := NewReconciler(flaky, env.orch, testOrchestratorConfig())
	r.now = env.clock.Now
	rep, err := r.ReconcileOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.OrphanedTasks != 1 {
		t.Fatalf("expected one orphaned task, got %+v", rep)
	}

	got, _ := env.store.GetTask(ctx, tk.ID)
	if got.Status != task.StatusTodo || got.RetryCount != 1 || got.AssignedAgentID != "" {
		t.Fatalf("orphaned task not failed: %+v", got)
	}
	if env.runtime.liveCount() != 0 {
		t.Fatal("orphaned task's sandbox must be torn down")
	}

	if rep, _ := r.ReconcileOnce(ctx); rep.OrphanedTasks != 0 {
		t.Fatalf("second pass repaired again: %+v", rep)
	}
}

func TestReconciler_LeavesHeldTasks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.registerAgent(t, "worker")
	tk := mustCreateTask(t, env, task.CreateRequest{Title: "x"})
	mustClaim(t, env, a.ID)

	rep, err := newTestReconciler(env).ReconcileOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.OrphanedTasks != 0 {
		t.Fatalf("held task must be left alone: %+v", rep)
	}
	if got, _ := env.store.GetTask(ctx, tk.ID); got.Status != task.StatusInProgress {
		t.Fatalf("status = %s, want IN_PROGRESS", got.Status)
	}
}

func TestReconciler_RedispatchesLostHints(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	mustCreateTask(t, env, task.CreateRequest{Title: "a"})
	before := len(env.queue.dispatched(t))

	r := newTestReconciler(env)
	if rep, _ := r.ReconcileOnce(ctx); rep.Redispatched != 0 {
		t.Fatal("fresh tasks must not be redispatched")
	}

	env.clock.Advance(2 * time.Minute)
	rep, err := r.ReconcileOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Redispatched != 1 || len(env.queue.dispatched(t)) != before+1 {
		t.Fatalf("expected one redispatch, got %+v", rep)
	}
}

func TestReconciler_RedispatchThrottledPerTask(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	mustCreateTask(t, env, task.CreateRequest{Title: "unwanted"})
	before := len(env.queue.dispatched(t))

	r := newTestReconciler(env)
	env.clock.Advance(2 * time.Minute)
	for range 3 {
		if _, err := r.ReconcileOnce(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if got := len(env.queue.dispatched(t)) - before; got != 1 {
		t.Fatalf("redispatches within one window = %d, want 1", got)
	}

	env.clock.Advance(time.Minute)
	rep, err := r.ReconcileOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Redispatched != 1 || len(env.queue.dispatched(t)) != before+2 {
		t.Fatalf("expected a second redispatch after the window, got %+v", rep)
	}
}

func TestReconciler_ForgetsFinishedTasks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	tk := mustCreateTask(t, env, task.CreateRequest{Title: "a"})

	r := newTestReconciler(env)
	env.clock.Advance(2 * time.Minute)
	if _, err := r.ReconcileOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if len(r.lastDispatched) != 1 {
		t.Fatalf("lastDispatched = %v, want one entry", r.lastDispatched)
	}

	a := env.registerAgent(t, "agent-1")
	if got := mustClaim(t, env, a.ID); got.ID != tk.ID {
		t.Fatalf("claimed %s, want %s", got.ID, tk.ID)
	}
	if _, err := r.ReconcileOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if len(r.lastDispatched) != 0 {
		t.Fatalf("claimed task still tracked: %v", r.lastDispatched)
	}
}

func TestReconciler_SweepsOrphans(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if _, err := env.sandboxes.Provision(ctx, "no-such-task"); err != nil {
		t.Fatal(err)
	}

	rep, err := newTestReconciler(env).ReconcileOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.SandboxesRemoved != 1 || env.runtime.liveCount() != 0 {
		t.Fatalf("orphan not removed: %+v", rep)
	}
}

func TestReconciler_RunStops(t *testing.T) {
	defer goleak.VerifyNone(t)

	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- newTestReconciler(env).Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop")
	}
}

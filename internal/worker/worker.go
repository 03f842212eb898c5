// Package worker runs the agent side of TaskForge: it registers an agent,
// keeps its heartbeat fresh, takes dispatch hints from the queue (polling
// the store as a fallback), and executes claimed tasks in a sandbox.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/Strob0t/TaskForge/internal/config"
	"github.com/Strob0t/TaskForge/internal/domain"
	"github.com/Strob0t/TaskForge/internal/domain/agent"
	"github.com/Strob0t/TaskForge/internal/domain/task"
	"github.com/Strob0t/TaskForge/internal/logger"
	"github.com/Strob0t/TaskForge/internal/port/messagequeue"
	"github.com/Strob0t/TaskForge/internal/service"
)

const (
	reportTimeout = 30 * time.Second
	maxErrorLen   = 2000
)

// Worker is a single agent process. It runs at most one task at a time.
type Worker struct {
	orch      *service.TaskOrchestrator
	agents    *service.AgentService
	sandboxes *service.SandboxManager
	queue     messagequeue.Queue
	cfg       config.Agent

	busy sync.Mutex
	self atomic.Pointer[agent.Agent]
}

// New creates a Worker.
func New(
	orch *service.TaskOrchestrator,
	agents *service.AgentService,
	sandboxes *service.SandboxManager,
	queue messagequeue.Queue,
	cfg config.Agent,
) *Worker {
	return &Worker{orch: orch, agents: agents, sandboxes: sandboxes, queue: queue, cfg: cfg}
}

// AgentID returns the registered agent's ID, or "" before Run registered it.
func (w *Worker) AgentID() string {
	a := w.self.Load()
	if a == nil {
		return ""
	}
	return a.ID
}

// Run registers the agent and processes tasks until ctx is cancelled.
// A task in flight at cancellation is reported as failed so it is retried.
func (w *Worker) Run(ctx context.Context) error {
	a, err := w.agents.Resume(ctx, &agent.RegisterRequest{Alias: w.cfg.Alias, Capabilities: w.cfg.Capabilities})
	if err != nil {
		return fmt.Errorf("register agent: %w", err)
	}
	w.self.Store(a)
	slog.InfoContext(ctx, "agent online", "agent_id", a.ID, "alias", a.Alias, "capabilities", a.Capabilities)

	// A task still held from a previous run of this agent was interrupted.
	if a.CurrentTaskID != "" {
		if _, err := w.orch.ReportFailure(ctx, a.CurrentTaskID, a.ID, "agent restarted"); err != nil &&
			!errors.Is(err, domain.ErrNotAuthorized) && !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("recover interrupted task: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	if w.queue != nil {
		cancel, err := w.queue.Subscribe(gctx, messagequeue.SubjectTaskDispatch, w.handleDispatch)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", messagequeue.SubjectTaskDispatch, err)
		}
		defer cancel()
	}

	g.Go(func() error { return w.heartbeatLoop(gctx) })
	g.Go(func() error { return w.pollLoop(gctx) })

	err = g.Wait()
	slog.InfoContext(ctx, "agent stopped", "agent_id", a.ID)
	return err
}

func (w *Worker) heartbeatLoop(ctx context.Context) error {
	if w.cfg.HeartbeatInterval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := w.agents.Heartbeat(ctx, w.AgentID()); err != nil && ctx.Err() == nil {
				slog.WarnContext(ctx, "heartbeat failed", "agent_id", w.AgentID(), "error", err)
			}
		}
	}
}

// pollLoop claims work directly from the store when no hint arrived.
func (w *Worker) pollLoop(ctx context.Context) error {
	if w.cfg.PollInterval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !w.busy.TryLock() {
				continue
			}
			t, err := w.orch.ClaimTask(ctx, w.AgentID())
			switch {
			case err != nil:
				if ctx.Err() == nil && !errors.Is(err, domain.ErrBudgetExceeded) {
					slog.WarnContext(ctx, "poll claim failed", "agent_id", w.AgentID(), "error", err)
				}
			case t != nil:
				w.execute(ctx, t)
			}
			w.busy.Unlock()
		}
	}
}

// handleDispatch processes one tasks.dispatch hint. The store decides
// whether the hint is still valid; stale hints are acknowledged.
func (w *Worker) handleDispatch(ctx context.Context, _ string, data []byte) error {
	var p messagequeue.TaskDispatchPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("decode dispatch hint: %w", err)
	}
	if p.TaskID == "" {
		return errors.New("dispatch hint without task_id")
	}
	if !agent.CanAccept(w.self.Load().Capabilities, p.RequiredCapabilities) {
		return messagequeue.ErrRequeue
	}
	if !w.busy.TryLock() {
		return messagequeue.ErrRequeue
	}
	defer w.busy.Unlock()

	t, err := w.orch.ClaimSpecific(ctx, w.AgentID(), p.TaskID)
	switch {
	case errors.Is(err, domain.ErrBudgetExceeded):
		// Already sent down the failure path, which publishes its own hint.
		return nil
	case errors.Is(err, domain.ErrConflict):
		return messagequeue.ErrRequeue
	case err != nil:
		return err
	}

	if t == nil {
		cur, err := w.orch.GetTask(ctx, p.TaskID)
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if cur.IsAvailable(time.Now()) {
			return messagequeue.ErrRequeue
		}
		return nil
	}

	w.execute(ctx, t)
	return nil
}

// execute provisions the task's sandbox, runs its command and reports the outcome.
func (w *Worker) execute(ctx context.Context, t *task.Task) {
	ctx = logger.WithTaskID(ctx, t.ID)
	slog.InfoContext(ctx, "executing task", "task_id", t.ID, "agent_id", w.AgentID(), "attempt", t.RetryCount)

	outcome := w.run(ctx, t)

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()

	var err error
	if outcome == nil {
		_, err = w.orch.Complete(rctx, t.ID, w.AgentID())
	} else {
		_, err = w.orch.ReportFailure(rctx, t.ID, w.AgentID(), truncate(outcome.Error(), maxErrorLen))
	}
	if err != nil {
		slog.ErrorContext(ctx, "task report failed", "task_id", t.ID, "agent_id", w.AgentID(), "error", err)
	}
}

func (w *Worker) run(ctx context.Context, t *task.Task) error {
	sb, err := w.orch.ProvisionSandbox(ctx, t.ID)
	if err != nil {
		return err
	}

	if w.cfg.ExecTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.ExecTimeout)
		defer cancel()
	}

	res, err := w.sandboxes.Exec(ctx, sb.ContainerID, Command(t))
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("execution interrupted: %w", ctx.Err())
		}
		return fmt.Errorf("exec: %w", err)
	}
	if res.ExitCode != 0 {
		msg := strings.TrimSpace(res.Stderr)
		if msg == "" {
			msg = strings.TrimSpace(res.Stdout)
		}
		return fmt.Errorf("exit code %d: %s", res.ExitCode, msg)
	}
	return nil
}

// Command returns the shell invocation for a task: its description is the
// script. A task without a description succeeds trivially.
func Command(t *task.Task) []string {
	script := strings.TrimSpace(t.Description)
	if script == "" {
		return []string{"true"}
	}
	return []string{"sh", "-c", script}
}

// truncate returns valid UTF-8 of at most n bytes, cut on a rune boundary.
func truncate(s string, n int) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

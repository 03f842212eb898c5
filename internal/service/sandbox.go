package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	tfotel "github.com/Strob0t/TaskForge/internal/adapter/otel"
	"github.com/Strob0t/TaskForge/internal/config"
	"github.com/Strob0t/TaskForge/internal/domain"
	"github.com/Strob0t/TaskForge/internal/domain/sandbox"
	"github.com/Strob0t/TaskForge/internal/port/containerruntime"
)

// SandboxManager provisions and tears down the per-task execution sandboxes.
// At most one live sandbox exists per task; concurrent Provision calls for
// the same task share one provisioning attempt.
type SandboxManager struct {
	runtime  containerruntime.Runtime
	cfg      config.Sandbox
	defaults sandbox.Limits
	sem      *semaphore.Weighted
	flight   singleflight.Group
	metrics  *tfotel.Metrics

	mu   sync.Mutex
	live map[string]*sandbox.Sandbox // by task ID
}

// NewSandboxManager creates a SandboxManager with the configured defaults.
func NewSandboxManager(rt containerruntime.Runtime, cfg config.Sandbox) *SandboxManager {
	maxConcurrent := int64(cfg.MaxConcurrent)
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = 1
	}
	return &SandboxManager{
		runtime: rt,
		cfg:     cfg,
		defaults: sandbox.Limits{
			MemoryMB:       cfg.MemoryMB,
			CPUQuota:       cfg.CPUQuota,
			PidsLimit:      cfg.PidsLimit,
			NetworkMode:    cfg.NetworkMode,
			User:           cfg.User,
			ReadOnlyRootFS: cfg.ReadOnly,
		},
		sem:  semaphore.NewWeighted(maxConcurrent),
		live: make(map[string]*sandbox.Sandbox),
	}
}

// SetMetrics enables metric recording.
func (m *SandboxManager) SetMetrics(mt *tfotel.Metrics) { m.metrics = mt }

// limitsFor merges overrides onto the defaults and caps the result at four
// times the defaults.
func (m *SandboxManager) limitsFor(overrides ...sandbox.Limits) sandbox.Limits {
	limits := m.defaults
	for _, o := range overrides {
		limits = sandbox.Merge(limits, o)
	}
	return sandbox.Cap(limits, sandbox.Limits{
		MemoryMB:  m.defaults.MemoryMB * 4,
		CPUQuota:  m.defaults.CPUQuota * 4,
		PidsLimit: m.defaults.PidsLimit * 4,
	})
}

func copySandbox(sb *sandbox.Sandbox) *sandbox.Sandbox {
	cp := *sb
	cp.ConnectionDetails = maps.Clone(sb.ConnectionDetails)
	return &cp
}

// Provision returns the running sandbox of taskID, creating it when none exists.
// It polls the runtime until the container runs, failing with
// ErrProvisioningTimeout when the attempt budget is spent and with
// ErrProvisioningFailed when the container dies. A failed sandbox is removed.
func (m *SandboxManager) Provision(ctx context.Context, taskID string, overrides ...sandbox.Limits) (*sandbox.Sandbox, error) {
	if taskID == "" {
		return nil, fmt.Errorf("%w: task id is required", domain.ErrValidation)
	}

	v, err, _ := m.flight.Do(taskID, func() (any, error) {
		m.mu.Lock()
		if sb, ok := m.live[taskID]; ok {
			m.mu.Unlock()
			return copySandbox(sb), nil
		}
		m.mu.Unlock()
		return m.provision(ctx, taskID, overrides...)
	})
	if err != nil {
		return nil, err
	}
	return copySandbox(v.(*sandbox.Sandbox)), nil
}

func (m *SandboxManager) provision(ctx context.Context, taskID string, overrides ...sandbox.Limits) (sb *sandbox.Sandbox, err error) {
	ctx, span := tfotel.StartSandboxSpan(ctx, "provision", taskID)
	defer func() { tfotel.EndSpan(span, err) }()

	if err := m.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("provision sandbox for task %s: %w", taskID, err)
	}
	defer m.sem.Release(1)

	start := time.Now()
	spec := sandbox.Spec{
		Name:   "taskforge-" + shortID(taskID) + "-" + fmt.Sprintf("%x", start.UnixNano()&0xffffff),
		Image:  m.cfg.Image,
		Labels: sandbox.ManagedLabels(taskID),
		Limits: m.limitsFor(overrides...),
	}
	c, err := m.runtime.Create(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("%w: create sandbox for task %s: %w", domain.ErrProvisioningFailed, taskID, err)
	}

	sb = &sandbox.Sandbox{
		TaskID:            taskID,
		ContainerID:       c.ID,
		Status:            sandbox.StatusProvisioning,
		ConnectionDetails: c.ConnectionDetails,
		CreatedAt:         start,
	}
	m.mu.Lock()
	m.live[taskID] = sb
	m.mu.Unlock()

	if err := m.waitRunning(ctx, c.ID); err != nil {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if termErr := m.Terminate(cleanupCtx, c.ID); termErr != nil {
			slog.ErrorContext(ctx, "sandbox cleanup failed", "task_id", taskID, "container_id", shortID(c.ID), "error", termErr)
		}
		return nil, fmt.Errorf("sandbox for task %s: %w", taskID, err)
	}

	m.mu.Lock()
	sb.Status = sandbox.StatusRunning
	out := copySandbox(sb)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.SandboxReady.Record(ctx, time.Since(start).Seconds())
	}
	slog.InfoContext(ctx, "sandbox provisioned", "task_id", taskID, "container_id", shortID(c.ID))
	return out, nil
}

// waitRunning polls Status at a fixed interval for a bounded number of attempts.
func (m *SandboxManager) waitRunning(ctx context.Context, containerID string) error {
	for attempt := range m.cfg.PollAttempts {
		status, err := m.runtime.Status(ctx, containerID)
		if err != nil {
			return fmt.Errorf("%w: %w", domain.ErrProvisioningFailed, err)
		}
		switch status {
		case sandbox.StatusRunning:
			return nil
		case sandbox.StatusFailed, sandbox.StatusCompleted, sandbox.StatusNotFound:
			return fmt.Errorf("%w: container is %s", domain.ErrProvisioningFailed, status)
		}

		if attempt == m.cfg.PollAttempts-1 {
			break
		}
		t := time.NewTimer(m.cfg.PollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return fmt.Errorf("%w after %d attempts", domain.ErrProvisioningTimeout, m.cfg.PollAttempts)
}

// Terminate removes the container. A missing container counts as removed.
func (m *SandboxManager) Terminate(ctx context.Context, containerID string) error {
	err := m.runtime.Delete(ctx, containerID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("terminate sandbox %s: %w", shortID(containerID), err)
	}

	m.mu.Lock()
	for taskID, sb := range m.live {
		if sb.ContainerID == containerID {
			delete(m.live, taskID)
		}
	}
	m.mu.Unlock()

	slog.InfoContext(ctx, "sandbox terminated", "container_id", shortID(containerID))
	return nil
}

// TerminateForTask removes every sandbox labelled with taskID, including
// ones provisioned by other processes.
func (m *SandboxManager) TerminateForTask(ctx context.Context, taskID string) error {
	ids := map[string]struct{}{}

	m.mu.Lock()
	if sb, ok := m.live[taskID]; ok {
		ids[sb.ContainerID] = struct{}{}
	}
	m.mu.Unlock()

	containers, listErr := m.runtime.ListByLabel(ctx, sandbox.LabelTaskID, taskID)
	for _, c := range containers {
		ids[c.ID] = struct{}{}
	}

	errs := []error{}
	if listErr != nil {
		errs = append(errs, fmt.Errorf("list sandboxes of task %s: %w", taskID, listErr))
	}
	for id := range ids {
		if err := m.Terminate(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Status reports the runtime state of a container.
func (m *SandboxManager) Status(ctx context.Context, containerID string) (sandbox.Status, error) {
	return m.runtime.Status(ctx, containerID)
}

// Get returns the live sandbox of taskID known to this process.
func (m *SandboxManager) Get(taskID string) (*sandbox.Sandbox, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sb, ok := m.live[taskID]
	if !ok {
		return nil, false
	}
	return copySandbox(sb), true
}

// Exec runs command inside the sandbox container.
func (m *SandboxManager) Exec(ctx context.Context, containerID string, command []string) (*containerruntime.ExecResult, error) {
	return m.runtime.Exec(ctx, containerID, command)
}

// Sweep terminates managed containers whose task is no longer in flight.
// inFlight reports whether a task still owns its sandbox.
func (m *SandboxManager) Sweep(ctx context.Context, inFlight func(ctx context.Context, taskID string) (bool, error)) (int, error) {
	containers, err := m.runtime.ListByLabel(ctx, sandbox.LabelManaged, "true")
	if err != nil {
		return 0, fmt.Errorf("list managed sandboxes: %w", err)
	}

	removed := 0
	var errs []error
	for _, c := range containers {
		taskID := c.Labels[sandbox.LabelTaskID]
		if taskID != "" {
			keep, err := inFlight(ctx, taskID)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if keep {
				continue
			}
		}
		if err := m.Terminate(ctx, c.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
		slog.InfoContext(ctx, "orphan sandbox removed", "task_id", taskID, "container_id", shortID(c.ID))
	}
	return removed, errors.Join(errs...)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

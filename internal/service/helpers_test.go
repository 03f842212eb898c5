package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/TaskForge/internal/adapter/memstore"
	"github.com/Strob0t/TaskForge/internal/config"
	"github.com/Strob0t/TaskForge/internal/domain"
	"github.com/Strob0t/TaskForge/internal/domain/agent"
	"github.com/Strob0t/TaskForge/internal/domain/budget"
	"github.com/Strob0t/TaskForge/internal/domain/sandbox"
	"github.com/Strob0t/TaskForge/internal/port/containerruntime"
	"github.com/Strob0t/TaskForge/internal/port/messagequeue"
	"github.com/Strob0t/TaskForge/internal/port/notifier"
)

// --- clock ---

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock { return &testClock{t: time.Now()} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// --- notifier ---

// mockNotifier implements notifier.Notifier for testing.
type mockNotifier struct {
	mu      sync.Mutex
	name    string
	sent    []notifier.Notification
	sendErr error
}

func (m *mockNotifier) Name() string { return m.name }
func (m *mockNotifier) Send(_ context.Context, n notifier.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, n)
	return nil
}

func (m *mockNotifier) bySource(source string) []notifier.Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []notifier.Notification
	for _, n := range m.sent {
		if n.Source == source {
			out = append(out, n)
		}
	}
	return out
}

// --- queue ---

type published struct {
	subject string
	data    []byte
	delay   time.Duration
}

// mockQueue records publishes. Subscribe is not supported.
type mockQueue struct {
	mu         sync.Mutex
	msgs       []published
	publishErr error
	calls      int
}

func (q *mockQueue) Publish(ctx context.Context, subject string, data []byte) error {
	return q.PublishDelayed(ctx, subject, data, 0)
}

func (q *mockQueue) PublishDelayed(_ context.Context, subject string, data []byte, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls++
	if q.publishErr != nil {
		return q.publishErr
	}
	q.msgs = append(q.msgs, published{subject: subject, data: append([]byte(nil), data...), delay: delay})
	return nil
}

func (q *mockQueue) Subscribe(context.Context, string, messagequeue.Handler) (func(), error) {
	return nil, errors.New("not supported")
}
func (q *mockQueue) Drain() error      { return nil }
func (q *mockQueue) Close() error      { return nil }
func (q *mockQueue) IsConnected() bool { return true }

func (q *mockQueue) onSubject(subject string) []published {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []published
	for _, m := range q.msgs {
		if m.subject == subject {
			out = append(out, m)
		}
	}
	return out
}

func (q *mockQueue) dispatched(t *testing.T) []messagequeue.TaskDispatchPayload {
	t.Helper()
	var out []messagequeue.TaskDispatchPayload
	for _, m := range q.onSubject(messagequeue.SubjectTaskDispatch) {
		var p messagequeue.TaskDispatchPayload
		if err := json.Unmarshal(m.data, &p); err != nil {
			t.Fatalf("decode dispatch payload: %v", err)
		}
		out = append(out, p)
	}
	return out
}

// --- runtime ---

// fakeRuntime is an in-memory containerruntime.Runtime. Each container
// reports the statuses in script one poll at a time, then the last forever.
type fakeRuntime struct {
	mu        sync.Mutex
	seq       int
	script    []sandbox.Status
	createErr error
	live      map[string]*fakeContainer
	created   []string
	deleted   []string
}

type fakeContainer struct {
	c     containerruntime.Container
	polls int
}

func newFakeRuntime(script ...sandbox.Status) *fakeRuntime {
	if len(script) == 0 {
		script = []sandbox.Status{sandbox.StatusRunning}
	}
	return &fakeRuntime{script: script, live: make(map[string]*fakeContainer)}
}

func (r *fakeRuntime) Create(_ context.Context, spec sandbox.Spec) (*containerruntime.Container, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return nil, r.createErr
	}
	r.seq++
	id := fmt.Sprintf("c%03d", r.seq)
	c := containerruntime.Container{ID: id, Name: spec.Name, Labels: spec.Labels, ConnectionDetails: map[string]string{"container_id": id}}
	r.live[id] = &fakeContainer{c: c}
	r.created = append(r.created, id)
	return &c, nil
}

func (r *fakeRuntime) Status(_ context.Context, id string) (sandbox.Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fc, ok := r.live[id]
	if !ok {
		return sandbox.StatusNotFound, nil
	}
	i := min(fc.polls, len(r.script)-1)
	fc.polls++
	return r.script[i], nil
}

func (r *fakeRuntime) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.live[id]; !ok {
		return fmt.Errorf("container %s: %w", id, domain.ErrNotFound)
	}
	delete(r.live, id)
	r.deleted = append(r.deleted, id)
	return nil
}

func (r *fakeRuntime) ListByLabel(_ context.Context, key, value string) ([]containerruntime.Container, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []containerruntime.Container
	for _, fc := range r.live {
		if fc.c.Labels[key] == value {
			out = append(out, fc.c)
		}
	}
	return out, nil
}

func (r *fakeRuntime) Exec(_ context.Context, id string, command []string) (*containerruntime.ExecResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.live[id]; !ok {
		return nil, fmt.Errorf("container %s: %w", id, domain.ErrNotFound)
	}
	return &containerruntime.ExecResult{Stdout: fmt.Sprint(command)}, nil
}

func (r *fakeRuntime) liveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

func (r *fakeRuntime) createdCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.created)
}

// --- environment ---

type testEnv struct {
	store     *memstore.Store
	queue     *mockQueue
	runtime   *fakeRuntime
	notifier  *mockNotifier
	clock     *testClock
	dispatch  *Dispatcher
	budget    *BudgetService
	sandboxes *SandboxManager
	orch      *TaskOrchestrator
	agents    *AgentService
}

func testOrchestratorConfig() config.Orchestrator {
	return config.Orchestrator{
		MaxRetries:        3,
		BaseDelay:         5 * time.Second,
		MaxDelay:          300 * time.Second,
		ConflictRetries:   3,
		PublishRetries:    1,
		ReconcileInterval: 10 * time.Millisecond,
		RedispatchAfter:   time.Minute,
		HeartbeatTimeout:  2 * time.Minute,
		MaxSubstituteHops: 3,
	}
}

func testSandboxConfig() config.Sandbox {
	return config.Sandbox{
		Image:         "alpine:3",
		MemoryMB:      256,
		CPUQuota:      500,
		PidsLimit:     50,
		NetworkMode:   "none",
		User:          "65534:65534",
		ReadOnly:      true,
		PollInterval:  time.Millisecond,
		PollAttempts:  5,
		MaxConcurrent: 4,
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:    memstore.New(),
		queue:    &mockQueue{},
		runtime:  newFakeRuntime(),
		notifier: &mockNotifier{name: "mock"},
		clock:    newTestClock(),
	}
	cfg := testOrchestratorConfig()
	notify := NewNotificationService([]notifier.Notifier{env.notifier}, nil)
	env.dispatch = NewDispatcher(env.queue, nil, cfg.PublishRetries)
	env.budget = NewBudgetService(env.store, env.dispatch, notify, 5, cfg.MaxSubstituteHops)
	env.budget.now = env.clock.Now
	env.sandboxes = NewSandboxManager(env.runtime, testSandboxConfig())
	env.orch = NewTaskOrchestrator(env.store, env.dispatch, env.budget, env.sandboxes, notify, cfg)
	env.orch.now = env.clock.Now
	env.agents = NewAgentService(env.store)
	env.agents.now = env.clock.Now
	return env
}

func (e *testEnv) registerAgent(t *testing.T, alias string, caps ...string) *agent.Agent {
	t.Helper()
	a, err := e.agents.Register(context.Background(), &agent.RegisterRequest{Alias: alias, Capabilities: caps})
	if err != nil {
		t.Fatalf("register agent: %v", err)
	}
	return a
}

func (e *testEnv) createService(t *testing.T, id string, budgetUSD float64, substitute string) *budget.Service {
	t.Helper()
	svc, err := e.budget.CreateService(context.Background(), &budget.CreateRequest{
		ID: id, Name: id, MonthlyBudgetUSD: budgetUSD, SubstitutorServiceID: substitute,
	})
	if err != nil {
		t.Fatalf("create service: %v", err)
	}
	return svc
}

func (e *testEnv) agentStatus(t *testing.T, id string) agent.Status {
	t.Helper()
	a, err := e.store.GetAgent(context.Background(), id)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	return a.Status
}

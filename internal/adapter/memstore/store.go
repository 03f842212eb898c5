// Package memstore implements database.Store in process memory.
// It backs the single-binary dev mode and the service tests; a single mutex
// serialises every operation, which gives the same atomicity the Postgres
// adapter gets from row locks.
package memstore

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/TaskForge/internal/domain"
	"github.com/Strob0t/TaskForge/internal/domain/agent"
	"github.com/Strob0t/TaskForge/internal/domain/budget"
	"github.com/Strob0t/TaskForge/internal/domain/task"
	"github.com/Strob0t/TaskForge/internal/port/database"
)

// Store is an in-memory database.Store.
type Store struct {
	mu       sync.Mutex
	tasks    map[string]*task.Task
	agents   map[string]*agent.Agent
	services map[string]*budget.Service
	usage    []budget.UsageLogEntry
	now      func() time.Time
}

var _ database.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		tasks:    make(map[string]*task.Task),
		agents:   make(map[string]*agent.Agent),
		services: make(map[string]*budget.Service),
		now:      time.Now,
	}
}

func cloneTask(t *task.Task) *task.Task {
	c := *t
	c.RequiredCapabilities = slices.Clone(t.RequiredCapabilities)
	return &c
}

func cloneAgent(a *agent.Agent) *agent.Agent {
	c := *a
	c.Capabilities = slices.Clone(a.Capabilities)
	return &c
}

func cloneService(s *budget.Service) *budget.Service {
	c := *s
	return &c
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, domain.ErrNotFound)
}

// --- Tasks ---

// CreateTask stores t, assigning an ID and timestamps when missing.
func (s *Store) CreateTask(_ context.Context, t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if _, ok := s.tasks[t.ID]; ok {
		return fmt.Errorf("task %s: %w", t.ID, domain.ErrConflict)
	}
	now := s.now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.AvailableAt.IsZero() {
		t.AvailableAt = now
	}
	t.Version = 1
	s.tasks[t.ID] = cloneTask(t)
	return nil
}

// GetTask returns a copy of the task.
func (s *Store) GetTask(_ context.Context, id string) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, notFound("task", id)
	}
	return cloneTask(t), nil
}

// ListTasks returns tasks matching filter, highest priority first, then oldest first.
func (s *Store) ListTasks(_ context.Context, filter task.ListFilter) ([]task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]task.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.AgentID != "" && t.AssignedAgentID != filter.AgentID {
			continue
		}
		if !filter.UpdatedBefore.IsZero() && !t.UpdatedAt.Before(filter.UpdatedBefore) {
			continue
		}
		out = append(out, *cloneTask(t))
	}
	slices.SortFunc(out, func(a, b task.Task) int {
		return byPriorityThenAge(&a, &b)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func byPriorityThenAge(a, b *task.Task) int {
	if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
		return c
	}
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// UpdateTaskAtomic applies fn to a copy of the task and stores it when fn succeeds.
func (s *Store) UpdateTaskAtomic(_ context.Context, id string, fn func(t *task.Task) error) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.tasks[id]
	if !ok {
		return nil, notFound("task", id)
	}
	next := cloneTask(cur)
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID = cur.ID
	next.Version = cur.Version + 1
	s.tasks[id] = next
	return cloneTask(next), nil
}

// ClaimTask picks an eligible task for agentID and occupies the agent.
func (s *Store) ClaimTask(_ context.Context, agentID, taskID string, now time.Time) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[agentID]
	if !ok {
		return nil, notFound("agent", agentID)
	}
	if a.Status != agent.StatusIdle {
		return nil, fmt.Errorf("agent %s is %s: %w", agentID, a.Status, domain.ErrConflict)
	}

	var picked *task.Task
	for _, t := range s.tasks {
		if taskID != "" && t.ID != taskID {
			continue
		}
		if !t.IsAvailable(now) || !a.Accepts(t.RequiredCapabilities) {
			continue
		}
		if picked == nil || byPriorityThenAge(t, picked) < 0 {
			picked = t
		}
	}
	if picked == nil {
		return nil, nil
	}

	next := cloneTask(picked)
	if err := next.Claim(agentID, now); err != nil {
		return nil, err
	}
	nextAgent := cloneAgent(a)
	if err := nextAgent.Occupy(next.ID, now); err != nil {
		return nil, err
	}
	next.Version = picked.Version + 1
	nextAgent.Version = a.Version + 1
	s.tasks[next.ID] = next
	s.agents[agentID] = nextAgent
	return cloneTask(next), nil
}

// --- Agents ---

// CreateAgent stores a, rejecting duplicate IDs and aliases.
func (s *Store) CreateAgent(_ context.Context, a *agent.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if _, ok := s.agents[a.ID]; ok {
		return fmt.Errorf("agent %s: %w", a.ID, domain.ErrConflict)
	}
	for _, existing := range s.agents {
		if existing.Alias == a.Alias {
			return fmt.Errorf("agent alias %s: %w", a.Alias, domain.ErrConflict)
		}
	}
	now := s.now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	if a.Status == "" {
		a.Status = agent.StatusIdle
	}
	a.Version = 1
	s.agents[a.ID] = cloneAgent(a)
	return nil
}

// GetAgent returns a copy of the agent.
func (s *Store) GetAgent(_ context.Context, id string) (*agent.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[id]
	if !ok {
		return nil, notFound("agent", id)
	}
	return cloneAgent(a), nil
}

// GetAgentByAlias looks an agent up by its unique alias.
func (s *Store) GetAgentByAlias(_ context.Context, alias string) (*agent.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.agents {
		if a.Alias == alias {
			return cloneAgent(a), nil
		}
	}
	return nil, notFound("agent alias", alias)
}

// ListAgents returns all agents ordered by alias.
func (s *Store) ListAgents(_ context.Context) ([]agent.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]agent.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, *cloneAgent(a))
	}
	slices.SortFunc(out, func(a, b agent.Agent) int { return cmp.Compare(a.Alias, b.Alias) })
	return out, nil
}

// UpdateAgentAtomic applies fn to a copy of the agent and stores it when fn succeeds.
func (s *Store) UpdateAgentAtomic(_ context.Context, id string, fn func(a *agent.Agent) error) (*agent.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.agents[id]
	if !ok {
		return nil, notFound("agent", id)
	}
	next := cloneAgent(cur)
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID = cur.ID
	next.Version = cur.Version + 1
	s.agents[id] = next
	return cloneAgent(next), nil
}

// --- Services ---

// CreateService stores svc.
func (s *Store) CreateService(_ context.Context, svc *budget.Service) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if svc.ID == "" {
		svc.ID = uuid.NewString()
	}
	if _, ok := s.services[svc.ID]; ok {
		return fmt.Errorf("service %s: %w", svc.ID, domain.ErrConflict)
	}
	now := s.now()
	if svc.CreatedAt.IsZero() {
		svc.CreatedAt = now
	}
	svc.UpdatedAt = now
	if svc.Status == "" {
		svc.Status = budget.StatusActive
	}
	svc.Version = 1
	s.services[svc.ID] = cloneService(svc)
	return nil
}

// GetService returns a copy of the service.
func (s *Store) GetService(_ context.Context, id string) (*budget.Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getServiceLocked(id)
}

func (s *Store) getServiceLocked(id string) (*budget.Service, error) {
	svc, ok := s.services[id]
	if !ok {
		return nil, notFound("service", id)
	}
	return cloneService(svc), nil
}

// serviceTx buffers usage log appends until the surrounding update commits.
type serviceTx struct {
	s       *Store
	pending []budget.UsageLogEntry
}

func (tx *serviceTx) GetService(_ context.Context, id string) (*budget.Service, error) {
	return tx.s.getServiceLocked(id)
}

func (tx *serviceTx) AppendUsageLog(_ context.Context, e *budget.UsageLogEntry) error {
	fillUsage(e, tx.s.now())
	tx.pending = append(tx.pending, *e)
	return nil
}

// UpdateServiceAtomic applies fn to a copy of the service. Usage log entries
// appended through the ServiceTx are kept only when fn succeeds.
func (s *Store) UpdateServiceAtomic(ctx context.Context, id string, fn func(svc *budget.Service, tx database.ServiceTx) error) (*budget.Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.services[id]
	if !ok {
		return nil, notFound("service", id)
	}
	next := cloneService(cur)
	tx := &serviceTx{s: s}
	if err := fn(next, tx); err != nil {
		return nil, err
	}
	next.ID = cur.ID
	next.Version = cur.Version + 1
	s.services[id] = next
	s.usage = append(s.usage, tx.pending...)
	return cloneService(next), nil
}

// --- Usage log ---

func fillUsage(e *budget.UsageLogEntry, now time.Time) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
}

// AppendUsageLog appends e outside of a service update.
func (s *Store) AppendUsageLog(_ context.Context, e *budget.UsageLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fillUsage(e, s.now())
	s.usage = append(s.usage, *e)
	return nil
}

// ListUsageLog returns the newest entries for serviceID first.
func (s *Store) ListUsageLog(_ context.Context, serviceID string, limit int) ([]budget.UsageLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []budget.UsageLogEntry
	for i := len(s.usage) - 1; i >= 0; i-- {
		if serviceID != "" && s.usage[i].ServiceID != serviceID {
			continue
		}
		out = append(out, s.usage[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Package database defines the database store port (interface).
package database

import (
	"context"
	"time"

	"github.com/Strob0t/TaskForge/internal/domain/agent"
	"github.com/Strob0t/TaskForge/internal/domain/budget"
	"github.com/Strob0t/TaskForge/internal/domain/task"
)

// Store is the port interface for transactional persistence.
//
// The *Atomic methods load the row under a write lock, pass it to fn and
// persist the mutated value when fn returns nil. When fn returns an error the
// transaction is rolled back and that error is returned unchanged. Lock
// contention surfaces as domain.ErrConflict.
type Store interface {
	// Tasks
	CreateTask(ctx context.Context, t *task.Task) error
	GetTask(ctx context.Context, id string) (*task.Task, error)
	ListTasks(ctx context.Context, filter task.ListFilter) ([]task.Task, error)
	UpdateTaskAtomic(ctx context.Context, id string, fn func(t *task.Task) error) (*task.Task, error)

	// ClaimTask atomically assigns one available TODO task whose required
	// capabilities the agent covers and flips the agent to BUSY. An empty
	// taskID selects the highest-priority eligible task; otherwise only that
	// task is considered. Returns (nil, nil) when nothing is eligible.
	ClaimTask(ctx context.Context, agentID, taskID string, now time.Time) (*task.Task, error)

	// Agents
	CreateAgent(ctx context.Context, a *agent.Agent) error
	GetAgent(ctx context.Context, id string) (*agent.Agent, error)
	GetAgentByAlias(ctx context.Context, alias string) (*agent.Agent, error)
	ListAgents(ctx context.Context) ([]agent.Agent, error)
	UpdateAgentAtomic(ctx context.Context, id string, fn func(a *agent.Agent) error) (*agent.Agent, error)

	// Services
	CreateService(ctx context.Context, s *budget.Service) error
	GetService(ctx context.Context, id string) (*budget.Service, error)
	UpdateServiceAtomic(ctx context.Context, id string, fn func(s *budget.Service, tx ServiceTx) error) (*budget.Service, error)

	// Usage log (append-only)
	AppendUsageLog(ctx context.Context, e *budget.UsageLogEntry) error
	ListUsageLog(ctx context.Context, serviceID string, limit int) ([]budget.UsageLogEntry, error)
}

// ServiceTx exposes the reads and appends allowed inside UpdateServiceAtomic.
// Writes made through it commit or roll back with the surrounding transaction.
type ServiceTx interface {
	GetService(ctx context.Context, id string) (*budget.Service, error)
	AppendUsageLog(ctx context.Context, e *budget.UsageLogEntry) error
}

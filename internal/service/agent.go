package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Strob0t/TaskForge/internal/domain"
	"github.com/Strob0t/TaskForge/internal/domain/agent"
	"github.com/Strob0t/TaskForge/internal/port/database"
)

// AgentService handles agent registration and liveness.
type AgentService struct {
	store database.Store
	now   func() time.Time
}

// NewAgentService creates a new AgentService.
func NewAgentService(store database.Store) *AgentService {
	return &AgentService{store: store, now: time.Now}
}

// List returns all agents.
func (s *AgentService) List(ctx context.Context) ([]agent.Agent, error) {
	return s.store.ListAgents(ctx)
}

// Get returns an agent by ID.
func (s *AgentService) Get(ctx context.Context, id string) (*agent.Agent, error) {
	return s.store.GetAgent(ctx, id)
}

// Register creates an IDLE agent. Aliases are unique; a taken alias is ErrConflict.
func (s *AgentService) Register(ctx context.Context, req *agent.RegisterRequest) (*agent.Agent, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	now := s.now()
	a := &agent.Agent{
		Alias:         req.Alias,
		Capabilities:  req.Capabilities,
		Status:        agent.StatusIdle,
		LastHeartbeat: now,
	}
	if err := s.store.CreateAgent(ctx, a); err != nil {
		return nil, fmt.Errorf("register agent %s: %w", req.Alias, err)
	}
	slog.InfoContext(ctx, "agent registered", "agent_id", a.ID, "alias", a.Alias, "capabilities", a.Capabilities)
	return a, nil
}

// Resume returns the agent registered under req.Alias with its capabilities
// refreshed, registering it first if it does not exist. The returned agent
// may still hold a task from a previous run.
func (s *AgentService) Resume(ctx context.Context, req *agent.RegisterRequest) (*agent.Agent, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	existing, err := s.store.GetAgentByAlias(ctx, req.Alias)
	if errors.Is(err, domain.ErrNotFound) {
		a, regErr := s.Register(ctx, req)
		if errors.Is(regErr, domain.ErrConflict) {
			// Lost a registration race against another process with the same alias.
			return s.store.GetAgentByAlias(ctx, req.Alias)
		}
		return a, regErr
	}
	if err != nil {
		return nil, fmt.Errorf("get agent %s: %w", req.Alias, err)
	}

	a, err := s.store.UpdateAgentAtomic(ctx, existing.ID, func(a *agent.Agent) error {
		a.Capabilities = req.Capabilities
		a.LastHeartbeat = s.now()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("resume agent %s: %w", req.Alias, err)
	}
	slog.InfoContext(ctx, "agent resumed", "agent_id", a.ID, "alias", a.Alias, "status", a.Status)
	return a, nil
}

// Heartbeat refreshes the agent's liveness timestamp.
func (s *AgentService) Heartbeat(ctx context.Context, id string) (*agent.Agent, error) {
	a, err := s.store.UpdateAgentAtomic(ctx, id, func(a *agent.Agent) error {
		a.LastHeartbeat = s.now()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("heartbeat agent %s: %w", id, err)
	}
	return a, nil
}

// Package agent defines the Agent domain entity.
package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/Strob0t/TaskForge/internal/domain"
)

// Status represents the current state of an agent.
type Status string

const (
	StatusIdle Status = "IDLE"
	StatusBusy Status = "BUSY"
)

// Agent is a worker process that executes at most one task at a time.
type Agent struct {
	ID            string    `json:"id"`
	Alias         string    `json:"alias"`
	Capabilities  []string  `json:"capabilities"`
	Status        Status    `json:"status"`
	CurrentTaskID string    `json:"current_task_id,omitempty"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Version       int       `json:"version"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// RegisterRequest holds the fields needed to register an agent.
type RegisterRequest struct {
	Alias        string   `json:"alias"`
	Capabilities []string `json:"capabilities"`
}

// Validate checks the request and normalises capabilities.
func (r *RegisterRequest) Validate() error {
	r.Alias = strings.TrimSpace(r.Alias)
	if r.Alias == "" {
		return fmt.Errorf("%w: alias is required", domain.ErrValidation)
	}
	r.Capabilities = NormalizeCapabilities(r.Capabilities)
	return nil
}

// Accepts reports whether the agent's declared capabilities cover required.
func (a *Agent) Accepts(required []string) bool {
	return CanAccept(a.Capabilities, required)
}

// Occupy flips an idle agent to BUSY for taskID.
func (a *Agent) Occupy(taskID string, now time.Time) error {
	if a.Status != StatusIdle {
		return fmt.Errorf("agent %s is %s: %w", a.ID, a.Status, domain.ErrConflict)
	}
	a.Status = StatusBusy
	a.CurrentTaskID = taskID
	a.UpdatedAt = now
	return nil
}

// Release returns the agent to IDLE unconditionally.
func (a *Agent) Release(now time.Time) {
	a.Status = StatusIdle
	a.CurrentTaskID = ""
	a.UpdatedAt = now
}

// IsStale reports whether the last heartbeat is older than timeout.
func (a *Agent) IsStale(now time.Time, timeout time.Duration) bool {
	if timeout <= 0 {
		return false
	}
	return now.Sub(a.LastHeartbeat) > timeout
}

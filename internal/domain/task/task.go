// Package task defines the Task domain entity and its lifecycle.
package task

import (
	"fmt"
	"strings"
	"time"

	"github.com/Strob0t/TaskForge/internal/domain"
	"github.com/Strob0t/TaskForge/internal/domain/agent"
)

// Status represents the current state of a task.
type Status string

const (
	StatusTodo        Status = "TODO"
	StatusInProgress  Status = "IN_PROGRESS"
	StatusDone        Status = "DONE"
	StatusQuarantined Status = "QUARANTINED"
)

// DefaultMaxRetries is applied when a task is created without an explicit retry budget.
const DefaultMaxRetries = 3

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusDone, StatusQuarantined:
		return true
	}
	return false
}

// IsTerminal reports whether no automatic transition leaves s.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusQuarantined
}

// Task is a unit of work moved from creation to completion by the orchestrator.
type Task struct {
	ID                   string    `json:"id"`
	Title                string    `json:"title"`
	Description          string    `json:"description,omitempty"`
	Status               Status    `json:"status"`
	Priority             int       `json:"priority"`
	RequiredCapabilities []string  `json:"required_capabilities"`
	AssignedAgentID      string    `json:"assigned_agent_id,omitempty"`
	LastAgentID          string    `json:"last_agent_id,omitempty"`
	RetryCount           int       `json:"retry_count"`
	MaxRetries           int       `json:"max_retries"`
	LastError            string    `json:"last_error,omitempty"`
	ParentTaskID         string    `json:"parent_task_id,omitempty"`
	ServiceID            string    `json:"service_id,omitempty"`
	CostUSD              float64   `json:"cost_usd"`
	ServiceUsedID        string    `json:"service_used_id,omitempty"`
	AvailableAt          time.Time `json:"available_at"`
	Version              int       `json:"version"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// CreateRequest holds the fields needed to create a new task.
type CreateRequest struct {
	Title                string   `json:"title"`
	Description          string   `json:"description"`
	RequiredCapabilities []string `json:"required_capabilities"`
	Priority             int      `json:"priority"`
	MaxRetries           int      `json:"max_retries"`
	ServiceID            string   `json:"service_id"`
	CostUSD              float64  `json:"cost_usd"`
	ParentTaskID         string   `json:"parent_task_id,omitempty"`
}

// Validate checks the request and fills defaults.
func (r *CreateRequest) Validate() error {
	r.Title = strings.TrimSpace(r.Title)
	if r.Title == "" {
		return fmt.Errorf("%w: title is required", domain.ErrValidation)
	}
	if r.MaxRetries < 0 {
		return fmt.Errorf("%w: max_retries must be >= 0", domain.ErrValidation)
	}
	if r.MaxRetries == 0 {
		r.MaxRetries = DefaultMaxRetries
	}
	r.RequiredCapabilities = agent.NormalizeCapabilities(r.RequiredCapabilities)
	if r.CostUSD < 0 {
		return fmt.Errorf("%w: cost_usd must be >= 0", domain.ErrValidation)
	}
	if r.CostUSD > 0 && r.ServiceID == "" {
		return fmt.Errorf("%w: cost_usd requires service_id", domain.ErrValidation)
	}
	return nil
}

// IsAvailable reports whether a TODO task may be claimed at now.
func (t *Task) IsAvailable(now time.Time) bool {
	return t.Status == StatusTodo && !now.Before(t.AvailableAt)
}

// OwnedBy reports whether agentID currently holds the task.
func (t *Task) OwnedBy(agentID string) bool {
	return agentID != "" && t.Status == StatusInProgress && t.AssignedAgentID == agentID
}

// Claim assigns a TODO task to agentID.
func (t *Task) Claim(agentID string, now time.Time) error {
	if t.Status != StatusTodo {
		return fmt.Errorf("claim task %s in status %s: %w", t.ID, t.Status, domain.ErrInvalidTransition)
	}
	t.Status = StatusInProgress
	t.AssignedAgentID = agentID
	t.LastAgentID = agentID
	t.UpdatedAt = now
	return nil
}

// Complete marks an owned task DONE and releases the claim.
func (t *Task) Complete(agentID string, now time.Time) error {
	if !t.OwnedBy(agentID) {
		return fmt.Errorf("complete task %s by agent %s: %w", t.ID, agentID, domain.ErrNotAuthorized)
	}
	t.Status = StatusDone
	t.AssignedAgentID = ""
	t.LastError = ""
	t.UpdatedAt = now
	return nil
}

// FailureOutcome describes what a reported failure did to a task.
type FailureOutcome struct {
	Quarantined bool          `json:"quarantined"`
	RetryDelay  time.Duration `json:"retry_delay"`
}

// Fail records a failed attempt by the owning agent. The task either returns to
// TODO, claimable after the backoff delay, or is quarantined once the retry
// budget is spent. The claim is released in both cases.
func (t *Task) Fail(agentID, errMsg string, policy RetryPolicy, now time.Time) (FailureOutcome, error) {
	if !t.OwnedBy(agentID) {
		return FailureOutcome{}, fmt.Errorf("fail task %s by agent %s: %w", t.ID, agentID, domain.ErrNotAuthorized)
	}

	// Delay exponent is the retry count before the increment.
	delay := policy.Backoff(t.RetryCount)
	t.RetryCount++
	t.LastError = errMsg
	t.AssignedAgentID = ""
	t.UpdatedAt = now

	if t.RetryCount >= t.MaxRetries {
		t.Status = StatusQuarantined
		return FailureOutcome{Quarantined: true}, nil
	}

	t.Status = StatusTodo
	t.AvailableAt = now.Add(delay)
	return FailureOutcome{RetryDelay: delay}, nil
}

// Quarantine forces a TODO or IN_PROGRESS task into quarantine.
func (t *Task) Quarantine(reason string, now time.Time) error {
	if t.Status != StatusTodo && t.Status != StatusInProgress {
		return fmt.Errorf("quarantine task %s in status %s: %w", t.ID, t.Status, domain.ErrInvalidTransition)
	}
	t.Status = StatusQuarantined
	t.AssignedAgentID = ""
	if reason != "" {
		t.LastError = reason
	}
	t.UpdatedAt = now
	return nil
}

// Requeue returns a quarantined task to TODO with a fresh retry budget.
// It is the only way out of quarantine and is reserved for operators.
func (t *Task) Requeue(now time.Time) error {
	if t.Status != StatusQuarantined {
		return fmt.Errorf("requeue task %s in status %s: %w", t.ID, t.Status, domain.ErrInvalidTransition)
	}
	t.Status = StatusTodo
	t.RetryCount = 0
	t.LastError = ""
	t.AvailableAt = now
	t.UpdatedAt = now
	return nil
}

// Successor builds the creation request for a follow-up task that inherits
// the parent's priority, capabilities and budget binding.
func (t *Task) Successor(title, description string) CreateRequest {
	return CreateRequest{
		Title:                title,
		Description:          description,
		RequiredCapabilities: append([]string(nil), t.RequiredCapabilities...),
		Priority:             t.Priority,
		MaxRetries:           t.MaxRetries,
		ServiceID:            t.ServiceID,
		CostUSD:              t.CostUSD,
		ParentTaskID:         t.ID,
	}
}

// ListFilter narrows a task listing. Zero fields are ignored.
type ListFilter struct {
	Status        Status
	AgentID       string
	UpdatedBefore time.Time
	Limit         int
}

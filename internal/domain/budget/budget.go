// Package budget defines budget-gated backend services and the charge algorithm.
package budget

import (
	"fmt"
	"strings"
	"time"

	"github.com/Strob0t/TaskForge/internal/domain"
)

// Status represents whether a service accepts charges.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusSuspended Status = "SUSPENDED"
)

// Service is a paid backend with a monthly spending cap.
type Service struct {
	ID                   string    `json:"id"`
	Name                 string    `json:"name"`
	MonthlyBudgetUSD     float64   `json:"monthly_budget_usd"`
	CurrentUsageUSD      float64   `json:"current_usage_usd"`
	Status               Status    `json:"status"`
	SubstitutorServiceID string    `json:"substitutor_service_id,omitempty"`
	Version              int       `json:"version"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// Usable reports whether the service may be used for new work.
func (s *Service) Usable() bool {
	return s != nil && s.Status == StatusActive
}

// UsageLogEntry is an immutable record of one successful charge.
type UsageLogEntry struct {
	ID           string    `json:"id"`
	TaskID       string    `json:"task_id,omitempty"`
	ServiceID    string    `json:"service_id"`
	ChargeAmount float64   `json:"charge_amount"`
	Timestamp    time.Time `json:"timestamp"`
}

// CreateRequest holds the fields needed to configure a service.
type CreateRequest struct {
	ID                   string  `json:"id"`
	Name                 string  `json:"name"`
	MonthlyBudgetUSD     float64 `json:"monthly_budget_usd"`
	SubstitutorServiceID string  `json:"substitutor_service_id,omitempty"`
}

// Validate checks the request.
func (r *CreateRequest) Validate() error {
	r.Name = strings.TrimSpace(r.Name)
	if r.Name == "" {
		return fmt.Errorf("%w: name is required", domain.ErrValidation)
	}
	if r.MonthlyBudgetUSD < 0 {
		return fmt.Errorf("%w: monthly_budget_usd must be >= 0", domain.ErrValidation)
	}
	if r.ID != "" && r.ID == r.SubstitutorServiceID {
		return fmt.Errorf("%w: a service cannot substitute itself", domain.ErrValidation)
	}
	return nil
}

// ChargeResult is the outcome of a single charge call.
type ChargeResult struct {
	// ServiceUsed is the service the caller should use, or nil when neither the
	// primary nor its substitute is usable.
	ServiceUsed *Service `json:"service_used"`
	// WasSuspended is true only on the call that suspended the primary.
	WasSuspended bool `json:"was_suspended"`
	// Charged is true when the primary's usage was increased.
	Charged bool `json:"charged"`
	// Substituted is true when ServiceUsed is the primary's substitute.
	Substituted bool `json:"substituted"`
}

// Charge adds amount to an active service's usage and suspends it once usage
// reaches the budget. A suspended service is left untouched.
func Charge(svc *Service, amount float64, now time.Time) (charged, wasSuspended bool, err error) {
	if amount < 0 {
		return false, false, fmt.Errorf("%w: charge amount must be >= 0", domain.ErrValidation)
	}
	if svc.Status == StatusSuspended {
		return false, false, nil
	}
	svc.CurrentUsageUSD += amount
	svc.UpdatedAt = now
	if svc.CurrentUsageUSD >= svc.MonthlyBudgetUSD {
		svc.Status = StatusSuspended
		wasSuspended = true
	}
	return true, wasSuspended, nil
}

// Resolve picks the service to use after a charge: the primary while it is
// active, else its substitute if that is active, else nil. The substitute is
// never charged here.
func Resolve(primary, substitute *Service) (used *Service, substituted bool) {
	if primary.Usable() {
		return primary, false
	}
	if substitute != nil && substitute.ID != primary.ID && substitute.Usable() {
		return substitute, true
	}
	return nil, false
}

// Raise adds a positive amount to the monthly budget and reactivates the service.
func Raise(svc *Service, amount float64, now time.Time) error {
	if amount <= 0 {
		return fmt.Errorf("%w: budget increase must be > 0", domain.ErrValidation)
	}
	svc.MonthlyBudgetUSD += amount
	svc.Status = StatusActive
	svc.UpdatedAt = now
	return nil
}

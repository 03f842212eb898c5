package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	tfotel "github.com/Strob0t/TaskForge/internal/adapter/otel"
	"github.com/Strob0t/TaskForge/internal/domain"
	"github.com/Strob0t/TaskForge/internal/domain/budget"
	"github.com/Strob0t/TaskForge/internal/domain/task"
	"github.com/Strob0t/TaskForge/internal/port/database"
	"github.com/Strob0t/TaskForge/internal/port/messagequeue"
	"github.com/Strob0t/TaskForge/internal/port/notifier"
	"github.com/Strob0t/TaskForge/internal/resilience"
)

const conflictRetryDelay = 10 * time.Millisecond

func isConflict(err error) bool { return errors.Is(err, domain.ErrConflict) }

// BudgetService is the budget supervisor: it charges services atomically,
// suspends them at their monthly cap and points callers at substitutes.
type BudgetService struct {
	store      database.Store
	dispatch   *Dispatcher
	notify     *NotificationService
	metrics    *tfotel.Metrics
	maxRetries int
	maxHops    int
	now        func() time.Time
}

// NewBudgetService creates a BudgetService. dispatch and notify may be nil.
func NewBudgetService(store database.Store, dispatch *Dispatcher, notify *NotificationService, maxRetries, maxHops int) *BudgetService {
	if maxHops < 0 {
		maxHops = 0
	}
	return &BudgetService{
		store:      store,
		dispatch:   dispatch,
		notify:     notify,
		maxRetries: maxRetries,
		maxHops:    maxHops,
		now:        time.Now,
	}
}

// SetMetrics enables metric recording.
func (s *BudgetService) SetMetrics(m *tfotel.Metrics) { s.metrics = m }

// CreateService configures a new budget-gated service.
func (s *BudgetService) CreateService(ctx context.Context, req *budget.CreateRequest) (*budget.Service, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.SubstitutorServiceID != "" {
		if _, err := s.store.GetService(ctx, req.SubstitutorServiceID); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, fmt.Errorf("%w: substitutor service %s does not exist", domain.ErrValidation, req.SubstitutorServiceID)
			}
			return nil, fmt.Errorf("get substitutor: %w", err)
		}
	}

	svc := &budget.Service{
		ID:                   req.ID,
		Name:                 req.Name,
		MonthlyBudgetUSD:     req.MonthlyBudgetUSD,
		Status:               budget.StatusActive,
		SubstitutorServiceID: req.SubstitutorServiceID,
	}
	if err := s.store.CreateService(ctx, svc); err != nil {
		return nil, fmt.Errorf("create service: %w", err)
	}
	slog.InfoContext(ctx, "service configured", "service_id", svc.ID, "monthly_budget_usd", svc.MonthlyBudgetUSD)
	return svc, nil
}

// GetService returns a service by ID.
func (s *BudgetService) GetService(ctx context.Context, id string) (*budget.Service, error) {
	return s.store.GetService(ctx, id)
}

// ListUsage returns the newest usage log entries of a service.
func (s *BudgetService) ListUsage(ctx context.Context, serviceID string, limit int) ([]budget.UsageLogEntry, error) {
	if _, err := s.store.GetService(ctx, serviceID); err != nil {
		return nil, err
	}
	return s.store.ListUsageLog(ctx, serviceID, limit)
}

// ChargeService charges amount against serviceID in one transaction. The
// substitute, if returned, is not charged. taskID is recorded in the usage
// log and may be empty.
func (s *BudgetService) ChargeService(ctx context.Context, serviceID string, amount float64, taskID string) (*budget.ChargeResult, error) {
	ctx, span := tfotel.StartChargeSpan(ctx, serviceID, amount)
	var spanErr error
	defer func() { tfotel.EndSpan(span, spanErr) }()

	var res budget.ChargeResult
	var substitute *budget.Service
	var updated *budget.Service

	attempt := func() error {
		res = budget.ChargeResult{}
		substitute = nil
		now := s.now()
		var err error
		updated, err = s.store.UpdateServiceAtomic(ctx, serviceID, func(svc *budget.Service, tx database.ServiceTx) error {
			charged, suspended, err := budget.Charge(svc, amount, now)
			if err != nil {
				return err
			}
			res.Charged, res.WasSuspended = charged, suspended

			if !svc.Usable() && svc.SubstitutorServiceID != "" {
				sub, err := tx.GetService(ctx, svc.SubstitutorServiceID)
				switch {
				case errors.Is(err, domain.ErrNotFound):
					slog.WarnContext(ctx, "substitutor service missing", "service_id", svc.ID, "substitutor_id", svc.SubstitutorServiceID)
				case err != nil:
					return fmt.Errorf("load substitutor: %w", err)
				default:
					substitute = sub
				}
			}

			if charged {
				return tx.AppendUsageLog(ctx, &budget.UsageLogEntry{
					TaskID:       taskID,
					ServiceID:    svc.ID,
					ChargeAmount: amount,
					Timestamp:    now,
				})
			}
			return nil
		})
		return err
	}

	if err := resilience.Retry(ctx, s.maxRetries, conflictRetryDelay, isConflict, attempt); err != nil {
		spanErr = err
		return nil, fmt.Errorf("charge service %s: %w", serviceID, err)
	}

	res.ServiceUsed, res.Substituted = budget.Resolve(updated, substitute)

	if res.Charged && s.metrics != nil {
		s.metrics.BudgetCharged.Add(ctx, amount, metric.WithAttributes(attribute.String("service.id", serviceID)))
	}
	if res.WasSuspended {
		s.onSuspended(ctx, updated)
	}

	slog.InfoContext(ctx, "service charged",
		"service_id", serviceID,
		"amount_usd", amount,
		"usage_usd", updated.CurrentUsageUSD,
		"status", updated.Status,
		"was_suspended", res.WasSuspended,
		"substituted", res.Substituted,
	)
	return &res, nil
}

// onSuspended emits the budget alert. Failures are logged and absorbed.
func (s *BudgetService) onSuspended(ctx context.Context, svc *budget.Service) {
	slog.WarnContext(ctx, "service suspended", "service_id", svc.ID, "usage_usd", svc.CurrentUsageUSD, "budget_usd", svc.MonthlyBudgetUSD)

	if s.dispatch != nil {
		if err := s.dispatch.PublishBudgetAlert(ctx, messagequeue.BudgetAlertPayload{
			ServiceID:        svc.ID,
			MonthlyBudgetUSD: svc.MonthlyBudgetUSD,
			CurrentUsageUSD:  svc.CurrentUsageUSD,
			SubstituteID:     svc.SubstitutorServiceID,
		}); err != nil {
			slog.WarnContext(ctx, "budget alert publish failed", "service_id", svc.ID, "error", err)
		}
	}

	fields := map[string]string{
		"service_id": svc.ID,
		"usage_usd":  fmt.Sprintf("%.2f", svc.CurrentUsageUSD),
		"budget_usd": fmt.Sprintf("%.2f", svc.MonthlyBudgetUSD),
	}
	if svc.SubstitutorServiceID != "" {
		fields["substitute_id"] = svc.SubstitutorServiceID
	}
	s.notify.Notify(ctx, notifier.Notification{
		Title:   "Service budget exhausted",
		Message: fmt.Sprintf("Service %s reached its monthly budget and was suspended.", svc.ID),
		Level:   notifier.LevelWarning,
		Source:  notifier.SourceBudgetSuspended,
		Fields:  fields,
	})
}

// ChargeForTask charges the task's cost against its service, following
// substitutes (each charged on its own call) for at most maxHops hops. A task
// is billed to exactly one service. It returns the ID of the service that
// was charged, "" when the task is not budget-gated, or ErrBudgetExceeded.
func (s *BudgetService) ChargeForTask(ctx context.Context, t *task.Task) (string, error) {
	if t.ServiceID == "" {
		return "", nil
	}

	id := t.ServiceID
	visited := map[string]bool{}
	for hop := 0; hop <= s.maxHops; hop++ {
		if visited[id] {
			break
		}
		visited[id] = true

		res, err := s.ChargeService(ctx, id, t.CostUSD, t.ID)
		if err != nil {
			return "", err
		}
		if res.ServiceUsed == nil {
			break
		}
		// A charge that crossed the budget already billed this service for
		// the task; the substitute only takes later work.
		if !res.Substituted || res.Charged {
			return id, nil
		}
		id = res.ServiceUsed.ID
	}

	if s.metrics != nil {
		s.metrics.BudgetRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("service.id", t.ServiceID)))
	}
	return "", fmt.Errorf("task %s on service %s: %w", t.ID, t.ServiceID, domain.ErrBudgetExceeded)
}

// IncreaseBudget raises the monthly budget and reactivates the service.
func (s *BudgetService) IncreaseBudget(ctx context.Context, serviceID string, amount float64) (*budget.Service, error) {
	var updated *budget.Service
	err := resilience.Retry(ctx, s.maxRetries, conflictRetryDelay, isConflict, func() error {
		var err error
		updated, err = s.store.UpdateServiceAtomic(ctx, serviceID, func(svc *budget.Service, _ database.ServiceTx) error {
			return budget.Raise(svc, amount, s.now())
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("increase budget %s: %w", serviceID, err)
	}
	slog.InfoContext(ctx, "service budget increased", "service_id", serviceID, "amount_usd", amount, "budget_usd", updated.MonthlyBudgetUSD)
	return updated, nil
}

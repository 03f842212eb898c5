package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/TaskForge/internal/domain"
	"github.com/Strob0t/TaskForge/internal/domain/agent"
	"github.com/Strob0t/TaskForge/internal/domain/budget"
	"github.com/Strob0t/TaskForge/internal/domain/task"
	"github.com/Strob0t/TaskForge/internal/port/database"
)

// Store implements database.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ database.Store = (*Store)(nil)

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// checkUUID rejects ids that cannot exist in a UUID column before they reach
// Postgres, which would otherwise answer with a syntax error.
func checkUUID(kind, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%s %s: %w", kind, id, domain.ErrNotFound)
	}
	return nil
}

// inTx runs fn in a transaction, committing only when fn returns nil.
// An error from fn is returned unchanged.
func (s *Store) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classify(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return classify(err, "commit tx")
	}
	return nil
}

// --- Tasks ---

const taskColumns = `id, title, description, status, priority, required_capabilities,
	assigned_agent_id, last_agent_id, retry_count, max_retries, last_error, parent_task_id,
	service_id, cost_usd, service_used_id, available_at, version, created_at, updated_at`

func scanTask(row scannable) (task.Task, error) {
	var (
		t                                     task.Task
		assigned, lastAgent, parent, svc, used *string
	)
	err := row.Scan(&t.ID, &t.Title, &t.Description, &t.Status, &t.Priority, &t.RequiredCapabilities,
		&assigned, &lastAgent, &t.RetryCount, &t.MaxRetries, &t.LastError, &parent,
		&svc, &t.CostUSD, &used, &t.AvailableAt, &t.Version, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return t, err
	}
	t.AssignedAgentID = derefString(assigned)
	t.LastAgentID = derefString(lastAgent)
	t.ParentTaskID = derefString(parent)
	t.ServiceID = derefString(svc)
	t.ServiceUsedID = derefString(used)
	return t, nil
}

func (s *Store) CreateTask(ctx context.Context, t *task.Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO tasks (id, title, description, status, priority, required_capabilities,
			max_retries, parent_task_id, service_id, cost_usd, available_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, COALESCE($11, now()))
		RETURNING available_at, version, created_at, updated_at`,
		t.ID, t.Title, t.Description, t.Status, t.Priority, pgTextArray(t.RequiredCapabilities),
		t.MaxRetries, nullIfEmpty(t.ParentTaskID), nullIfEmpty(t.ServiceID), t.CostUSD, nullTime(t.AvailableAt))

	if err := row.Scan(&t.AvailableAt, &t.Version, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return classify(err, "create task")
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*task.Task, error) {
	if err := checkUUID("task", id); err != nil {
		return nil, err
	}
	t, err := scanTask(s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundWrap(err, "get task %s", id)
	}
	return &t, nil
}

func (s *Store) ListTasks(ctx context.Context, filter task.ListFilter) ([]task.Task, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}
	var agentID *string
	if filter.AgentID != "" {
		if err := checkUUID("agent", filter.AgentID); err != nil {
			return nil, nil
		}
		agentID = &filter.AgentID
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE ($1 = '' OR status = $1)
		  AND ($2::uuid IS NULL OR assigned_agent_id = $2)
		  AND ($3::timestamptz IS NULL OR updated_at < $3)
		ORDER BY priority DESC, created_at, id
		LIMIT $4`,
		string(filter.Status), agentID, nullTime(filter.UpdatedBefore), limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *Store) UpdateTaskAtomic(ctx context.Context, id string, fn func(t *task.Task) error) (*task.Task, error) {
	if err := checkUUID("task", id); err != nil {
		return nil, err
	}
	var out task.Task
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		t, err := scanTask(tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return notFoundWrap(err, "lock task %s", id)
		}
		if err := fn(&t); err != nil {
			return err
		}
		if err := updateTask(ctx, tx, &t); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func updateTask(ctx context.Context, tx pgx.Tx, t *task.Task) error {
	row := tx.QueryRow(ctx, `
		UPDATE tasks SET title = $2, description = $3, status = $4, priority = $5,
			required_capabilities = $6, assigned_agent_id = $7, last_agent_id = $8,
			retry_count = $9, max_retries = $10, last_error = $11, service_used_id = $12,
			available_at = $13, updated_at = COALESCE($14, now()), version = version + 1
		WHERE id = $1
		RETURNING version, updated_at`,
		t.ID, t.Title, t.Description, t.Status, t.Priority,
		pgTextArray(t.RequiredCapabilities), nullIfEmpty(t.AssignedAgentID), nullIfEmpty(t.LastAgentID),
		t.RetryCount, t.MaxRetries, t.LastError, nullIfEmpty(t.ServiceUsedID),
		t.AvailableAt, nullTime(t.UpdatedAt))
	if err := row.Scan(&t.Version, &t.UpdatedAt); err != nil {
		return notFoundWrap(err, "update task %s", t.ID)
	}
	return nil
}

// ClaimTask locks the agent, then the best eligible task with SKIP LOCKED so
// concurrent claimers never wait on, or double-assign, the same row.
func (s *Store) ClaimTask(ctx context.Context, agentID, taskID string, now time.Time) (*task.Task, error) {
	if err := checkUUID("agent", agentID); err != nil {
		return nil, err
	}
	if taskID != "" {
		if err := checkUUID("task", taskID); err != nil {
			return nil, err
		}
	}

	var claimed *task.Task
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		a, err := scanAgent(tx.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1 FOR UPDATE`, agentID))
		if err != nil {
			return notFoundWrap(err, "lock agent %s", agentID)
		}
		if a.Status != agent.StatusIdle {
			return fmt.Errorf("agent %s is %s: %w", agentID, a.Status, domain.ErrConflict)
		}

		t, err := scanTask(tx.QueryRow(ctx, `
			SELECT `+taskColumns+` FROM tasks
			WHERE status = 'TODO'
			  AND available_at <= $1
			  AND required_capabilities <@ $2
			  AND ($3::uuid IS NULL OR id = $3)
			ORDER BY priority DESC, created_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED`,
			now, pgTextArray(a.Capabilities), nullIfEmpty(taskID)))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return classify(err, "select claimable task")
		}

		if err := t.Claim(agentID, now); err != nil {
			return err
		}
		if err := a.Occupy(t.ID, now); err != nil {
			return err
		}
		if err := updateTask(ctx, tx, &t); err != nil {
			return err
		}
		if err := updateAgent(ctx, tx, &a); err != nil {
			return err
		}
		claimed = &t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// --- Agents ---

const agentColumns = `id, alias, capabilities, status, current_task_id, last_heartbeat, version, created_at, updated_at`

func scanAgent(row scannable) (agent.Agent, error) {
	var (
		a       agent.Agent
		current *string
	)
	err := row.Scan(&a.ID, &a.Alias, &a.Capabilities, &a.Status, &current, &a.LastHeartbeat, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return a, err
	}
	a.CurrentTaskID = derefString(current)
	return a, nil
}

func (s *Store) CreateAgent(ctx context.Context, a *agent.Agent) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = agent.StatusIdle
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO agents (id, alias, capabilities, status, last_heartbeat)
		VALUES ($1, $2, $3, $4, COALESCE($5, now()))
		RETURNING last_heartbeat, version, created_at, updated_at`,
		a.ID, a.Alias, pgTextArray(a.Capabilities), a.Status, nullTime(a.LastHeartbeat))
	if err := row.Scan(&a.LastHeartbeat, &a.Version, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return classify(err, "create agent "+a.Alias)
	}
	return nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (*agent.Agent, error) {
	if err := checkUUID("agent", id); err != nil {
		return nil, err
	}
	a, err := scanAgent(s.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundWrap(err, "get agent %s", id)
	}
	return &a, nil
}

func (s *Store) GetAgentByAlias(ctx context.Context, alias string) (*agent.Agent, error) {
	a, err := scanAgent(s.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE alias = $1`, alias))
	if err != nil {
		return nil, notFoundWrap(err, "get agent alias %s", alias)
	}
	return &a, nil
}

func (s *Store) ListAgents(ctx context.Context) ([]agent.Agent, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY alias`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []agent.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (s *Store) UpdateAgentAtomic(ctx context.Context, id string, fn func(a *agent.Agent) error) (*agent.Agent, error) {
	if err := checkUUID("agent", id); err != nil {
		return nil, err
	}
	var out agent.Agent
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		a, err := scanAgent(tx.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return notFoundWrap(err, "lock agent %s", id)
		}
		if err := fn(&a); err != nil {
			return err
		}
		if err := updateAgent(ctx, tx, &a); err != nil {
			return err
		}
		out = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func updateAgent(ctx context.Context, tx pgx.Tx, a *agent.Agent) error {
	row := tx.QueryRow(ctx, `
		UPDATE agents SET capabilities = $2, status = $3, current_task_id = $4, last_heartbeat = $5,
			updated_at = COALESCE($6, now()), version = version + 1
		WHERE id = $1
		RETURNING version, updated_at`,
		a.ID, pgTextArray(a.Capabilities), a.Status, nullIfEmpty(a.CurrentTaskID), a.LastHeartbeat, nullTime(a.UpdatedAt))
	if err := row.Scan(&a.Version, &a.UpdatedAt); err != nil {
		return notFoundWrap(err, "update agent %s", a.ID)
	}
	return nil
}

// --- Services ---

const serviceColumns = `id, name, monthly_budget_usd, current_usage_usd, status, substitutor_service_id, version, created_at, updated_at`

func scanService(row scannable) (budget.Service, error) {
	var (
		svc budget.Service
		sub *string
	)
	err := row.Scan(&svc.ID, &svc.Name, &svc.MonthlyBudgetUSD, &svc.CurrentUsageUSD, &svc.Status, &sub, &svc.Version, &svc.CreatedAt, &svc.UpdatedAt)
	if err != nil {
		return svc, err
	}
	svc.SubstitutorServiceID = derefString(sub)
	return svc, nil
}

func (s *Store) CreateService(ctx context.Context, svc *budget.Service) error {
	if svc.ID == "" {
		svc.ID = uuid.NewString()
	}
	if svc.Status == "" {
		svc.Status = budget.StatusActive
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO services (id, name, monthly_budget_usd, current_usage_usd, status, substitutor_service_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING version, created_at, updated_at`,
		svc.ID, svc.Name, svc.MonthlyBudgetUSD, svc.CurrentUsageUSD, svc.Status, nullIfEmpty(svc.SubstitutorServiceID))
	if err := row.Scan(&svc.Version, &svc.CreatedAt, &svc.UpdatedAt); err != nil {
		return classify(err, "create service "+svc.ID)
	}
	return nil
}

func (s *Store) GetService(ctx context.Context, id string) (*budget.Service, error) {
	return getService(ctx, s.pool, id)
}

// rowQuerier is satisfied by both *pgxpool.Pool and pgx.Tx.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getService(ctx context.Context, q rowQuerier, id string) (*budget.Service, error) {
	svc, err := scanService(q.QueryRow(ctx, `SELECT `+serviceColumns+` FROM services WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundWrap(err, "get service %s", id)
	}
	return &svc, nil
}

// pgServiceTx exposes the surrounding transaction to the charge algorithm.
type pgServiceTx struct {
	tx pgx.Tx
}

func (t pgServiceTx) GetService(ctx context.Context, id string) (*budget.Service, error) {
	return getService(ctx, t.tx, id)
}

func (t pgServiceTx) AppendUsageLog(ctx context.Context, e *budget.UsageLogEntry) error {
	return appendUsageLog(ctx, t.tx, e)
}

// UpdateServiceAtomic holds the service row lock for the whole of fn, so
// concurrent charges against one service serialise and none is lost.
func (s *Store) UpdateServiceAtomic(ctx context.Context, id string, fn func(svc *budget.Service, tx database.ServiceTx) error) (*budget.Service, error) {
	var out budget.Service
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		svc, err := scanService(tx.QueryRow(ctx, `SELECT `+serviceColumns+` FROM services WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return notFoundWrap(err, "lock service %s", id)
		}
		if err := fn(&svc, pgServiceTx{tx: tx}); err != nil {
			return err
		}
		row := tx.QueryRow(ctx, `
			UPDATE services SET name = $2, monthly_budget_usd = $3, current_usage_usd = $4, status = $5,
				substitutor_service_id = $6, updated_at = COALESCE($7, now()), version = version + 1
			WHERE id = $1
			RETURNING version, updated_at`,
			svc.ID, svc.Name, svc.MonthlyBudgetUSD, svc.CurrentUsageUSD, svc.Status,
			nullIfEmpty(svc.SubstitutorServiceID), nullTime(svc.UpdatedAt))
		if err := row.Scan(&svc.Version, &svc.UpdatedAt); err != nil {
			return notFoundWrap(err, "update service %s", id)
		}
		out = svc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// --- Usage log ---

func appendUsageLog(ctx context.Context, q rowQuerier, e *budget.UsageLogEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	var taskID *string
	if e.TaskID != "" {
		if _, err := uuid.Parse(e.TaskID); err == nil {
			taskID = &e.TaskID
		}
	}
	row := q.QueryRow(ctx, `
		INSERT INTO usage_log (id, task_id, service_id, charge_amount, timestamp)
		VALUES ($1, $2, $3, $4, COALESCE($5, now()))
		RETURNING timestamp`,
		e.ID, taskID, e.ServiceID, e.ChargeAmount, nullTime(e.Timestamp))
	if err := row.Scan(&e.Timestamp); err != nil {
		return classify(err, "append usage log")
	}
	return nil
}

func (s *Store) AppendUsageLog(ctx context.Context, e *budget.UsageLogEntry) error {
	return appendUsageLog(ctx, s.pool, e)
}

func (s *Store) ListUsageLog(ctx context.Context, serviceID string, limit int) ([]budget.UsageLogEntry, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, task_id, service_id, charge_amount, timestamp FROM usage_log
		WHERE ($1 = '' OR service_id = $1)
		ORDER BY timestamp DESC, id
		LIMIT $2`, serviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list usage log: %w", err)
	}
	defer rows.Close()

	var entries []budget.UsageLogEntry
	for rows.Next() {
		var (
			e      budget.UsageLogEntry
			taskID *string
		)
		if err := rows.Scan(&e.ID, &taskID, &e.ServiceID, &e.ChargeAmount, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan usage log: %w", err)
		}
		e.TaskID = derefString(taskID)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

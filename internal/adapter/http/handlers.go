package http

import (
	"net/http"

	"github.com/Strob0t/TaskForge/internal/domain/budget"
	"github.com/Strob0t/TaskForge/internal/domain/sandbox"
	"github.com/Strob0t/TaskForge/internal/domain/task"
	"github.com/Strob0t/TaskForge/internal/service"
)

const defaultUsageLimit = 100

// Handlers holds the services the HTTP API delegates to.
type Handlers struct {
	Tasks  *service.TaskOrchestrator
	Agents *service.AgentService
	Budget *service.BudgetService
}

// ---------------------------------------------------------------------------
// Tasks
// ---------------------------------------------------------------------------

// CreateTask handles POST /api/v1/tasks.
func (h *Handlers) CreateTask(w http.ResponseWriter, r *http.Request) {
	handleCreate(maxRequestBodySize, h.Tasks.CreateTask)(w, r)
}

// GetTask handles GET /api/v1/tasks/{id}.
func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	handleGet(h.Tasks.GetTask, "task not found")(w, r)
}

// ListTasks handles GET /api/v1/tasks?status=&agent_id=&limit=.
func (h *Handlers) ListTasks(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit", 0)
	if !ok {
		return
	}
	q := r.URL.Query()
	tasks, err := h.Tasks.ListTasks(r.Context(), task.ListFilter{
		Status:  task.Status(q.Get("status")),
		AgentID: q.Get("agent_id"),
		Limit:   limit,
	})
	if err != nil {
		writeDomainError(w, err, "tasks not found")
		return
	}
	if tasks == nil {
		tasks = []task.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

type reportStatusRequest struct {
	AgentID string `json:"agent_id"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
}

// ReportStatus handles PUT /api/v1/tasks/{id}/status.
func (h *Handlers) ReportStatus(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[reportStatusRequest](w, r, maxRequestBodySize)
	if !ok || !requireField(w, req.AgentID, "agent_id") || !requireField(w, req.Status, "status") {
		return
	}
	t, err := h.Tasks.ReportStatus(r.Context(), urlParam(r, "id"), req.AgentID, req.Status, req.Error)
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type successorRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// CreateSuccessor handles POST /api/v1/tasks/{id}/successor.
func (h *Handlers) CreateSuccessor(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[successorRequest](w, r, maxRequestBodySize)
	if !ok || !requireField(w, req.Title, "title") {
		return
	}
	t, err := h.Tasks.CreateSuccessor(r.Context(), urlParam(r, "id"), req.Title, req.Description)
	if err != nil {
		writeDomainError(w, err, "parent task not found")
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

type quarantineRequest struct {
	Reason string `json:"reason"`
}

// QuarantineTask handles POST /api/v1/tasks/{id}/quarantine.
func (h *Handlers) QuarantineTask(w http.ResponseWriter, r *http.Request) {
	req, ok := readOptionalJSON[quarantineRequest](w, r, maxRequestBodySize)
	if !ok {
		return
	}
	if req.Reason == "" {
		req.Reason = "quarantined by supervisor"
	}
	t, err := h.Tasks.Quarantine(r.Context(), urlParam(r, "id"), req.Reason)
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// RequeueTask handles POST /api/v1/tasks/{id}/requeue.
func (h *Handlers) RequeueTask(w http.ResponseWriter, r *http.Request) {
	handleAction(h.Tasks.Requeue, "task not found")(w, r)
}

// ProvisionSandbox handles POST /api/v1/tasks/{id}/sandbox.
func (h *Handlers) ProvisionSandbox(w http.ResponseWriter, r *http.Request) {
	sb, err := h.Tasks.ProvisionSandbox(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusCreated, sb)
}

// ---------------------------------------------------------------------------
// Sandboxes
// ---------------------------------------------------------------------------

type sandboxStatusResponse struct {
	ContainerID string         `json:"container_id"`
	Status      sandbox.Status `json:"status"`
}

// SandboxStatus handles GET /api/v1/sandboxes/{containerId}.
func (h *Handlers) SandboxStatus(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "containerId")
	st, err := h.Tasks.SandboxStatus(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "sandbox not found")
		return
	}
	if st == sandbox.StatusNotFound {
		writeError(w, http.StatusNotFound, "sandbox not found")
		return
	}
	writeJSON(w, http.StatusOK, sandboxStatusResponse{ContainerID: id, Status: st})
}

// TerminateSandbox handles DELETE /api/v1/sandboxes/{containerId}.
func (h *Handlers) TerminateSandbox(w http.ResponseWriter, r *http.Request) {
	if err := h.Tasks.TerminateSandbox(r.Context(), urlParam(r, "containerId")); err != nil {
		writeDomainError(w, err, "sandbox not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---------------------------------------------------------------------------
// Agents
// ---------------------------------------------------------------------------

// RegisterAgent handles POST /api/v1/agents.
func (h *Handlers) RegisterAgent(w http.ResponseWriter, r *http.Request) {
	handleCreate(maxRequestBodySize, h.Agents.Register)(w, r)
}

// ListAgents handles GET /api/v1/agents.
func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	handleList(h.Agents.List)(w, r)
}

// GetAgent handles GET /api/v1/agents/{id}.
func (h *Handlers) GetAgent(w http.ResponseWriter, r *http.Request) {
	handleGet(h.Agents.Get, "agent not found")(w, r)
}

// Heartbeat handles POST /api/v1/agents/{id}/heartbeat.
func (h *Handlers) Heartbeat(w http.ResponseWriter, r *http.Request) {
	handleAction(h.Agents.Heartbeat, "agent not found")(w, r)
}

type claimRequest struct {
	TaskID string `json:"task_id,omitempty"`
}

// ClaimTask handles POST /api/v1/agents/{id}/claim. With a task_id the agent
// claims that task; otherwise the highest-priority eligible one. Responds
// 204 when nothing was claimed.
func (h *Handlers) ClaimTask(w http.ResponseWriter, r *http.Request) {
	req, ok := readOptionalJSON[claimRequest](w, r, maxRequestBodySize)
	if !ok {
		return
	}
	agentID := urlParam(r, "id")

	var (
		t   *task.Task
		err error
	)
	if req.TaskID != "" {
		t, err = h.Tasks.ClaimSpecific(r.Context(), agentID, req.TaskID)
	} else {
		t, err = h.Tasks.ClaimTask(r.Context(), agentID)
	}
	if err != nil {
		writeDomainError(w, err, "agent not found")
		return
	}
	if t == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// ---------------------------------------------------------------------------
// Services (budget supervisor)
// ---------------------------------------------------------------------------

// CreateService handles POST /api/v1/services.
func (h *Handlers) CreateService(w http.ResponseWriter, r *http.Request) {
	handleCreate(maxRequestBodySize, h.Budget.CreateService)(w, r)
}

// GetService handles GET /api/v1/services/{id}.
func (h *Handlers) GetService(w http.ResponseWriter, r *http.Request) {
	handleGet(h.Budget.GetService, "service not found")(w, r)
}

type chargeRequest struct {
	AmountUSD float64 `json:"amount_usd"`
	TaskID    string  `json:"task_id,omitempty"`
}

// ChargeService handles POST /api/v1/services/{id}/charge. A charge that
// leaves no usable service answers 402 with the charge result.
func (h *Handlers) ChargeService(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[chargeRequest](w, r, maxRequestBodySize)
	if !ok {
		return
	}
	res, err := h.Budget.ChargeService(r.Context(), urlParam(r, "id"), req.AmountUSD, req.TaskID)
	if err != nil {
		writeDomainError(w, err, "service not found")
		return
	}
	if res.ServiceUsed == nil {
		writeJSON(w, http.StatusPaymentRequired, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type increaseBudgetRequest struct {
	AmountUSD float64 `json:"amount_usd"`
}

// IncreaseBudget handles POST /api/v1/services/{id}/budget.
func (h *Handlers) IncreaseBudget(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[increaseBudgetRequest](w, r, maxRequestBodySize)
	if !ok {
		return
	}
	svc, err := h.Budget.IncreaseBudget(r.Context(), urlParam(r, "id"), req.AmountUSD)
	if err != nil {
		writeDomainError(w, err, "service not found")
		return
	}
	writeJSON(w, http.StatusOK, svc)
}

// ListUsage handles GET /api/v1/services/{id}/usage?limit=.
func (h *Handlers) ListUsage(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit", defaultUsageLimit)
	if !ok {
		return
	}
	entries, err := h.Budget.ListUsage(r.Context(), urlParam(r, "id"), limit)
	if err != nil {
		writeDomainError(w, err, "service not found")
		return
	}
	if entries == nil {
		entries = []budget.UsageLogEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

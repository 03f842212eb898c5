package messagequeue

// TaskDispatchPayload is the schema for tasks.dispatch messages.
// It is a delivery hint; the store holds the authoritative task state.
type TaskDispatchPayload struct {
	TaskID               string   `json:"task_id"`
	RequiredCapabilities []string `json:"required_capabilities"`
	Priority             int      `json:"priority"`
	Attempt              int      `json:"attempt"`
}

// TaskQuarantinedPayload is the schema for tasks.quarantined messages.
type TaskQuarantinedPayload struct {
	TaskID     string `json:"task_id"`
	Title      string `json:"title"`
	RetryCount int    `json:"retry_count"`
	Reason     string `json:"reason"`
	Forced     bool   `json:"forced"`
}

// DeadLetterPayload is the schema for tasks.deadletter messages.
type DeadLetterPayload struct {
	Subject    string `json:"subject"`
	Data       []byte `json:"data"`
	Deliveries uint64 `json:"deliveries"`
	Error      string `json:"error"`
}

// BudgetAlertPayload is the schema for budget.alerts messages.
type BudgetAlertPayload struct {
	ServiceID        string  `json:"service_id"`
	MonthlyBudgetUSD float64 `json:"monthly_budget_usd"`
	CurrentUsageUSD  float64 `json:"current_usage_usd"`
	SubstituteID     string  `json:"substitute_id,omitempty"`
}

package http

import (
	"time"

	"github.com/fyrsmithlabs/flowd/internal/execution"
	"github.com/fyrsmithlabs/flowd/internal/planner"
	"github.com/fyrsmithlabs/flowd/internal/telemetry"
	"github.com/fyrsmithlabs/flowd/internal/workflow"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status           string `json:"status"`
	Version          string `json:"version,omitempty"`
	ActiveExecutions int    `json:"active_executions"`
	PendingApprovals int    `json:"pending_approvals"`
	Workflows        int    `json:"workflows"`

	Telemetry *telemetry.HealthStatus `json:"telemetry,omitempty"`
}

// PlanRequest is the request body for POST /api/v1/plan. Exactly one of
// Workflow (a catalog name) or Definition (a YAML document) is set.
type PlanRequest struct {
	Workflow   string `json:"workflow,omitempty"`
	Definition string `json:"definition,omitempty"`
}

// ExecuteRequest is the request body for POST /api/v1/executions.
type ExecuteRequest struct {
	Workflow   string         `json:"workflow,omitempty"`
	Definition string         `json:"definition,omitempty"`
	Inputs     map[string]any `json:"inputs,omitempty"`
	// Wait blocks the request until the execution is terminal.
	Wait bool `json:"wait,omitempty"`
}

// DecisionRequest is the request body for approve and reject.
type DecisionRequest struct {
	Approver string `json:"approver"`
	Comment  string `json:"comment,omitempty"`
}

// WorkflowSummary describes one catalog entry.
type WorkflowSummary struct {
	Name                 string    `json:"name"`
	Description          string    `json:"description,omitempty"`
	Path                 string    `json:"path"`
	TotalSteps           int       `json:"total_steps"`
	Groups               int       `json:"groups"`
	ApprovalGates        []string  `json:"approval_gates"`
	EstimatedCostUSD     float64   `json:"estimated_cost_usd"`
	EstimatedTimeSeconds float64   `json:"estimated_time_seconds"`
	LoadedAt             time.Time `json:"loaded_at"`
}

// WorkflowListResponse is the response body for GET /api/v1/workflows.
type WorkflowListResponse struct {
	Workflows []WorkflowSummary `json:"workflows"`
	Invalid   []InvalidFile     `json:"invalid,omitempty"`
}

// InvalidFile reports a definition file that failed to load.
type InvalidFile struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// WorkflowResponse is the response body for GET /api/v1/workflows/:name.
type WorkflowResponse struct {
	Workflow *workflow.Spec `json:"workflow"`
	Plan     *planner.Plan  `json:"plan"`
}

// ExecutionListResponse is the response body for GET /api/v1/executions.
type ExecutionListResponse struct {
	Executions []execution.Snapshot `json:"executions"`
}

// ErrorResponse is the body of every error reply, as written by echo.
type ErrorResponse struct {
	Message string `json:"message"`
}

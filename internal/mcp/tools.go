package mcp

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/flowd/internal/approval"
	"github.com/fyrsmithlabs/flowd/internal/execution"
	"github.com/fyrsmithlabs/flowd/internal/planner"
	"github.com/fyrsmithlabs/flowd/internal/workflow"
)

// maxWait caps how long workflow_execute blocks with wait=true.
const maxWait = 10 * time.Minute

type planInput struct {
	Workflow   string `json:"workflow,omitempty" jsonschema:"Name of a workflow in the catalog"`
	Definition string `json:"definition,omitempty" jsonschema:"Inline workflow definition in YAML"`
}

type groupOutput struct {
	Index            int      `json:"index"`
	StepIDs          []string `json:"step_ids"`
	EstimatedSeconds float64  `json:"estimated_seconds"`
}

type planOutput struct {
	Workflow             string        `json:"workflow"`
	TotalSteps           int           `json:"total_steps"`
	Groups               []groupOutput `json:"execution_groups"`
	EstimatedCostUSD     float64       `json:"estimated_cost_usd"`
	EstimatedTimeSeconds float64       `json:"estimated_time_seconds"`
	ApprovalGates        []string      `json:"approval_gates"`
	Suggestions          []string      `json:"suggestions,omitempty"`
}

type executeInput struct {
	Workflow       string         `json:"workflow,omitempty" jsonschema:"Name of a workflow in the catalog"`
	Definition     string         `json:"definition,omitempty" jsonschema:"Inline workflow definition in YAML"`
	Inputs         map[string]any `json:"inputs,omitempty" jsonschema:"Execution inputs available to every step"`
	Wait           bool           `json:"wait,omitempty" jsonschema:"Block until the execution is terminal"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty" jsonschema:"Maximum seconds to wait when wait is set (default 600)"`
}

type stepOutput struct {
	StepID string `json:"step_id"`
	Status string `json:"status"`
	Output any    `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

type executionOutput struct {
	ExecutionID      string         `json:"execution_id"`
	WorkflowID       string         `json:"workflow_id"`
	Status           string         `json:"status"`
	CurrentStep      string         `json:"current_step,omitempty"`
	Steps            []stepOutput   `json:"steps"`
	Outputs          map[string]any `json:"outputs,omitempty"`
	Errors           []string       `json:"errors,omitempty"`
	PendingApprovals []string       `json:"pending_approvals,omitempty"`
	StartTime        string         `json:"start_time,omitempty"`
	EndTime          string         `json:"end_time,omitempty"`
	DurationSeconds  float64        `json:"duration_seconds"`
}

type executionRef struct {
	ExecutionID string `json:"execution_id" jsonschema:"Execution ID"`
}

type cancelOutput struct {
	ExecutionID string `json:"execution_id"`
	Status      string `json:"status"`
}

type approvalListInput struct {
	Status      string `json:"status,omitempty" jsonschema:"Filter by status: PENDING, APPROVED, REJECTED or TIMED_OUT"`
	ExecutionID string `json:"execution_id,omitempty" jsonschema:"Filter by execution ID"`
}

type approvalOutput struct {
	ID                string   `json:"id"`
	ExecutionID       string   `json:"execution_id"`
	StepID            string   `json:"step_id"`
	Status            string   `json:"status"`
	Priority          string   `json:"priority"`
	RequiredApprovers []string `json:"required_approvers,omitempty"`
	DecidedBy         string   `json:"decided_by,omitempty"`
	Comment           string   `json:"comment,omitempty"`
	CreatedAt         string   `json:"created_at"`
	ExpiresAt         string   `json:"expires_at"`
}

type approvalListOutput struct {
	Approvals []approvalOutput `json:"approvals"`
	Count     int              `json:"count"`
}

type approvalDecideInput struct {
	ApprovalID string `json:"approval_id" jsonschema:"Approval request ID"`
	Decision   string `json:"decision" jsonschema:"approve or reject"`
	Approver   string `json:"approver" jsonschema:"Identity of the approver"`
	Comment    string `json:"comment,omitempty" jsonschema:"Optional comment recorded with the decision"`
}

// registerTools registers all MCP tools with the server.
func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "workflow_plan",
		Description: "Validate a workflow and return its execution plan: parallel groups, cost and time estimates, approval gates",
	}, s.handlePlan)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "workflow_execute",
		Description: "Start a workflow execution. With wait=true the call blocks until the run finishes",
	}, s.handleExecute)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "execution_status",
		Description: "Get the current state of a workflow execution",
	}, s.handleStatus)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "execution_cancel",
		Description: "Request cooperative cancellation of a running execution",
	}, s.handleCancel)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "approval_list",
		Description: "List approval requests, optionally filtered by status or execution",
	}, s.handleApprovalList)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "approval_decide",
		Description: "Approve or reject a pending approval request",
	}, s.handleApprovalDecide)
}

// instrument wraps a tool body with active-request and invocation metrics.
func (s *Server) instrument(ctx context.Context, tool string) func(error) {
	start := time.Now()
	s.metrics.IncrementActive(ctx, tool)
	return func(err error) {
		s.metrics.DecrementActive(ctx, tool)
		s.metrics.RecordInvocation(ctx, tool, time.Since(start), err)
		if err != nil {
			s.logger.Warn(ctx, "mcp tool failed", zap.String("tool", tool), zap.Error(err))
		}
	}
}

func (s *Server) resolve(name, definition string) (*workflow.Spec, *planner.Plan, error) {
	switch {
	case name != "" && definition != "":
		return nil, nil, fmt.Errorf("set either workflow or definition, not both")
	case name != "":
		if s.catalog == nil {
			return nil, nil, fmt.Errorf("no workflow catalog configured")
		}
		entry, ok := s.catalog.Get(name)
		if !ok {
			return nil, nil, fmt.Errorf("workflow %s not found", name)
		}
		return entry.Spec, entry.Plan, nil
	case definition != "":
		spec, err := workflow.Parse([]byte(definition))
		if err != nil {
			return nil, nil, err
		}
		plan, err := s.engine.Plan(spec)
		if err != nil {
			return nil, nil, err
		}
		return spec, plan, nil
	}
	return nil, nil, fmt.Errorf("workflow or definition is required")
}

func (s *Server) handlePlan(ctx context.Context, _ *mcp.CallToolRequest, args planInput) (res *mcp.CallToolResult, out planOutput, err error) {
	done := s.instrument(ctx, "workflow_plan")
	defer func() { done(err) }()

	_, plan, err := s.resolve(args.Workflow, args.Definition)
	if err != nil {
		return nil, planOutput{}, err
	}
	out = toPlanOutput(plan)
	return text(fmt.Sprintf("Workflow %s: %d steps in %d groups, ~%.0fs, ~$%.2f, %d approval gates",
		out.Workflow, out.TotalSteps, len(out.Groups), out.EstimatedTimeSeconds, out.EstimatedCostUSD, len(out.ApprovalGates))), out, nil
}

func (s *Server) handleExecute(ctx context.Context, _ *mcp.CallToolRequest, args executeInput) (res *mcp.CallToolResult, out executionOutput, err error) {
	done := s.instrument(ctx, "workflow_execute")
	defer func() { done(err) }()

	spec, plan, err := s.resolve(args.Workflow, args.Definition)
	if err != nil {
		return nil, executionOutput{}, err
	}
	ectx, err := s.engine.Start(ctx, plan, spec, args.Inputs, s.executor)
	if err != nil {
		return nil, executionOutput{}, err
	}
	s.logger.Info(ctx, "execution submitted via mcp",
		zap.String("workflow.id", spec.Name),
		zap.String("execution.id", ectx.ID()),
	)

	snap := ectx.Snapshot()
	if args.Wait {
		wait := maxWait
		if args.TimeoutSeconds > 0 {
			wait = min(time.Duration(args.TimeoutSeconds)*time.Second, maxWait)
		}
		waitCtx, cancel := context.WithTimeout(ctx, wait)
		defer cancel()
		if finished, werr := s.engine.Wait(waitCtx, ectx.ID()); werr == nil {
			snap = finished
		} else {
			snap = ectx.Snapshot()
		}
	}

	out = toExecutionOutput(snap)
	return text(fmt.Sprintf("Execution %s of %s is %s", out.ExecutionID, out.WorkflowID, out.Status)), out, nil
}

func (s *Server) handleStatus(ctx context.Context, _ *mcp.CallToolRequest, args executionRef) (res *mcp.CallToolResult, out executionOutput, err error) {
	done := s.instrument(ctx, "execution_status")
	defer func() { done(err) }()

	snap, err := s.engine.GetStatus(args.ExecutionID)
	if err != nil {
		return nil, executionOutput{}, err
	}
	out = toExecutionOutput(snap)
	return text(fmt.Sprintf("Execution %s is %s", out.ExecutionID, out.Status)), out, nil
}

func (s *Server) handleCancel(ctx context.Context, _ *mcp.CallToolRequest, args executionRef) (res *mcp.CallToolResult, out cancelOutput, err error) {
	done := s.instrument(ctx, "execution_cancel")
	defer func() { done(err) }()

	if err = s.engine.Cancel(ctx, args.ExecutionID); err != nil {
		return nil, cancelOutput{}, err
	}
	snap, err := s.engine.GetStatus(args.ExecutionID)
	if err != nil {
		return nil, cancelOutput{}, err
	}
	out = cancelOutput{ExecutionID: args.ExecutionID, Status: string(snap.Status)}
	return text(fmt.Sprintf("Cancellation requested for %s", args.ExecutionID)), out, nil
}

func (s *Server) handleApprovalList(ctx context.Context, _ *mcp.CallToolRequest, args approvalListInput) (res *mcp.CallToolResult, out approvalListOutput, err error) {
	done := s.instrument(ctx, "approval_list")
	defer func() { done(err) }()

	reqs := s.engine.Approvals().List(approval.Filter{
		Status:      approval.Status(strings.ToUpper(args.Status)),
		ExecutionID: args.ExecutionID,
	})
	out = approvalListOutput{Approvals: make([]approvalOutput, 0, len(reqs)), Count: len(reqs)}
	for _, r := range reqs {
		out.Approvals = append(out.Approvals, toApprovalOutput(r))
	}
	return text(fmt.Sprintf("Found %d approval requests", out.Count)), out, nil
}

func (s *Server) handleApprovalDecide(ctx context.Context, _ *mcp.CallToolRequest, args approvalDecideInput) (res *mcp.CallToolResult, out approvalOutput, err error) {
	done := s.instrument(ctx, "approval_decide")
	defer func() { done(err) }()

	if args.Approver == "" {
		return nil, approvalOutput{}, fmt.Errorf("approver is required")
	}
	switch strings.ToLower(args.Decision) {
	case "approve", "approved":
		err = s.engine.Approve(ctx, args.ApprovalID, args.Approver, args.Comment)
	case "reject", "rejected":
		err = s.engine.Reject(ctx, args.ApprovalID, args.Approver, args.Comment)
	default:
		err = fmt.Errorf("invalid decision %q: use approve or reject", args.Decision)
	}
	if err != nil {
		return nil, approvalOutput{}, err
	}

	req, err := s.engine.Approvals().Get(args.ApprovalID)
	if err != nil {
		return nil, approvalOutput{}, err
	}
	out = toApprovalOutput(req)
	return text(fmt.Sprintf("Approval %s is %s", out.ID, out.Status)), out, nil
}

func text(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: msg}},
	}
}

func toPlanOutput(p *planner.Plan) planOutput {
	out := planOutput{
		Workflow:             p.Workflow,
		TotalSteps:           p.TotalSteps,
		Groups:               make([]groupOutput, len(p.Groups)),
		EstimatedCostUSD:     p.EstimatedCostUSD,
		EstimatedTimeSeconds: p.EstimatedTimeSeconds,
		ApprovalGates:        p.ApprovalGates,
	}
	for i, g := range p.Groups {
		out.Groups[i] = groupOutput{Index: g.Index, StepIDs: g.StepIDs, EstimatedSeconds: g.EstimatedSeconds}
	}
	for _, sg := range p.Suggestions {
		out.Suggestions = append(out.Suggestions, sg.Message)
	}
	return out
}

func toExecutionOutput(snap execution.Snapshot) executionOutput {
	out := executionOutput{
		ExecutionID:      snap.ExecutionID,
		WorkflowID:       snap.WorkflowID,
		Status:           string(snap.Status),
		CurrentStep:      snap.CurrentStep,
		Steps:            []stepOutput{},
		Outputs:          snap.Outputs,
		PendingApprovals: snap.PendingApprovals,
		StartTime:        formatTime(snap.StartTime),
		EndTime:          formatTime(snap.EndTime),
		DurationSeconds:  snap.DurationSeconds,
	}
	for id, r := range snap.StepResults {
		out.Steps = append(out.Steps, stepOutput{StepID: id, Status: string(r.Status), Output: r.Output, Error: r.Error})
	}
	slices.SortFunc(out.Steps, func(a, b stepOutput) int { return cmp.Compare(a.StepID, b.StepID) })
	for _, e := range snap.Errors {
		out.Errors = append(out.Errors, e.Message)
	}
	return out
}

func toApprovalOutput(r approval.Request) approvalOutput {
	return approvalOutput{
		ID:                r.ID,
		ExecutionID:       r.ExecutionID,
		StepID:            r.StepID,
		Status:            string(r.Status),
		Priority:          string(r.Priority),
		RequiredApprovers: r.RequiredApprovers,
		DecidedBy:         r.DecidedBy,
		Comment:           r.Comment,
		CreatedAt:         formatTime(r.CreatedAt),
		ExpiresAt:         formatTime(r.ExpiresAt()),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

package http

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/flowd/internal/approval"
	"github.com/fyrsmithlabs/flowd/internal/execution"
	"github.com/fyrsmithlabs/flowd/internal/orchestrator"
	"github.com/fyrsmithlabs/flowd/internal/planner"
	"github.com/fyrsmithlabs/flowd/internal/store"
	"github.com/fyrsmithlabs/flowd/internal/workflow"
)

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var (
		invalid       *workflow.InvalidWorkflowError
		orchestration *workflow.OrchestrationError
		runNotFound   *orchestrator.NotFoundError
		reqNotFound   *approval.NotFoundError
		decided       *approval.AlreadyDecidedError
		unauthorized  *approval.UnauthorizedError
		httpErr       *echo.HTTPError
	)
	switch {
	case errors.As(err, &httpErr):
		return httpErr.Code
	case errors.As(err, &invalid):
		return http.StatusUnprocessableEntity
	case errors.As(err, &runNotFound), errors.As(err, &reqNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &decided), errors.As(err, &orchestration):
		return http.StatusConflict
	case errors.As(err, &unauthorized):
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

// fail converts err into an echo error carrying the mapped status.
func fail(err error) error {
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr
	}
	return echo.NewHTTPError(statusFor(err), err.Error()).SetInternal(err)
}

func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{Status: "ok", Version: s.config.Version}
	for _, snap := range s.engine.List() {
		if !snap.Terminal() {
			resp.ActiveExecutions++
		}
	}
	resp.PendingApprovals = len(s.engine.Approvals().List(approval.Filter{Status: approval.StatusPending}))
	if s.catalog != nil {
		resp.Workflows = len(s.catalog.List())
	}
	if s.tel != nil {
		h := s.tel.Health()
		resp.Telemetry = &h
		if h.Degraded {
			resp.Status = "degraded"
		}
	}
	return c.JSON(http.StatusOK, resp)
}

// resolve returns the spec and plan of a catalog name or an inline
// definition.
func (s *Server) resolve(name, definition string) (*workflow.Spec, *planner.Plan, error) {
	switch {
	case name != "" && definition != "":
		return nil, nil, echo.NewHTTPError(http.StatusBadRequest, "set either workflow or definition, not both")
	case name != "":
		if s.catalog == nil {
			return nil, nil, echo.NewHTTPError(http.StatusNotFound, "no workflow catalog configured")
		}
		entry, ok := s.catalog.Get(name)
		if !ok {
			return nil, nil, echo.NewHTTPError(http.StatusNotFound, "workflow "+name+" not found")
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
	return nil, nil, echo.NewHTTPError(http.StatusBadRequest, "workflow or definition is required")
}

func (s *Server) handlePlan(c echo.Context) error {
	var req PlanRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	_, plan, err := s.resolve(req.Workflow, req.Definition)
	if err != nil {
		return fail(err)
	}
	return c.JSON(http.StatusOK, plan)
}

func (s *Server) handleListWorkflows(c echo.Context) error {
	resp := WorkflowListResponse{Workflows: []WorkflowSummary{}}
	if s.catalog == nil {
		return c.JSON(http.StatusOK, resp)
	}
	for _, e := range s.catalog.List() {
		resp.Workflows = append(resp.Workflows, WorkflowSummary{
			Name:                 e.Name,
			Description:          e.Spec.Description,
			Path:                 e.Path,
			TotalSteps:           e.Plan.TotalSteps,
			Groups:               len(e.Plan.Groups),
			ApprovalGates:        e.Plan.ApprovalGates,
			EstimatedCostUSD:     e.Plan.EstimatedCostUSD,
			EstimatedTimeSeconds: e.Plan.EstimatedTimeSeconds,
			LoadedAt:             e.LoadedAt,
		})
	}
	for _, fe := range s.catalog.Errors() {
		resp.Invalid = append(resp.Invalid, InvalidFile{Path: fe.Path, Error: fe.Err.Error()})
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGetWorkflow(c echo.Context) error {
	spec, plan, err := s.resolve(c.Param("name"), "")
	if err != nil {
		return fail(err)
	}
	return c.JSON(http.StatusOK, WorkflowResponse{Workflow: spec, Plan: plan})
}

func (s *Server) handleExecute(c echo.Context) error {
	var req ExecuteRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	spec, plan, err := s.resolve(req.Workflow, req.Definition)
	if err != nil {
		return fail(err)
	}

	ctx := c.Request().Context()
	ectx, err := s.engine.Start(ctx, plan, spec, req.Inputs, s.executor)
	if err != nil {
		return fail(err)
	}
	s.logger.Info(ctx, "execution submitted",
		zap.String("workflow.id", spec.Name),
		zap.String("execution.id", ectx.ID()),
		zap.Bool("wait", req.Wait),
	)

	if !req.Wait {
		return c.JSON(http.StatusAccepted, ectx.Snapshot())
	}
	snap, err := s.engine.Wait(ctx, ectx.ID())
	if err != nil {
		// client went away; the run continues in the background
		return c.JSON(http.StatusAccepted, ectx.Snapshot())
	}
	return c.JSON(http.StatusOK, snap)
}

func (s *Server) handleListExecutions(c echo.Context) error {
	if c.QueryParam("source") == "history" {
		if s.history == nil {
			return echo.NewHTTPError(http.StatusNotFound, "execution history is disabled")
		}
		limit, _ := strconv.Atoi(c.QueryParam("limit"))
		snaps, err := s.history.List(c.Request().Context(), store.Filter{
			WorkflowID: c.QueryParam("workflow"),
			Status:     execution.Status(strings.ToUpper(c.QueryParam("status"))),
			Limit:      limit,
		})
		if err != nil {
			return fail(err)
		}
		if snaps == nil {
			snaps = []execution.Snapshot{}
		}
		return c.JSON(http.StatusOK, ExecutionListResponse{Executions: snaps})
	}

	wf := c.QueryParam("workflow")
	status := execution.Status(strings.ToUpper(c.QueryParam("status")))
	out := []execution.Snapshot{}
	for _, snap := range s.engine.List() {
		if wf != "" && snap.WorkflowID != wf {
			continue
		}
		if status != "" && snap.Status != status {
			continue
		}
		out = append(out, snap)
	}
	return c.JSON(http.StatusOK, ExecutionListResponse{Executions: out})
}

func (s *Server) handleGetExecution(c echo.Context) error {
	id := c.Param("id")
	snap, err := s.engine.GetStatus(id)
	var notFound *orchestrator.NotFoundError
	if errors.As(err, &notFound) && s.history != nil {
		snap, err = s.history.Get(c.Request().Context(), id)
	}
	if err != nil {
		return fail(err)
	}
	return c.JSON(http.StatusOK, snap)
}

func (s *Server) handleCancel(c echo.Context) error {
	id := c.Param("id")
	if err := s.engine.Cancel(c.Request().Context(), id); err != nil {
		return fail(err)
	}
	snap, err := s.engine.GetStatus(id)
	if err != nil {
		return fail(err)
	}
	return c.JSON(http.StatusAccepted, snap)
}

func (s *Server) handleListApprovals(c echo.Context) error {
	reqs := s.engine.Approvals().List(approval.Filter{
		Status:      approval.Status(strings.ToUpper(c.QueryParam("status"))),
		ExecutionID: c.QueryParam("execution_id"),
	})
	if reqs == nil {
		reqs = []approval.Request{}
	}
	return c.JSON(http.StatusOK, reqs)
}

func (s *Server) handleApprove(c echo.Context) error {
	return s.decide(c, true)
}

func (s *Server) handleReject(c echo.Context) error {
	return s.decide(c, false)
}

func (s *Server) decide(c echo.Context, approve bool) error {
	var req DecisionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Approver == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "approver is required")
	}

	id := c.Param("id")
	ctx := c.Request().Context()
	var err error
	if approve {
		err = s.engine.Approve(ctx, id, req.Approver, req.Comment)
	} else {
		err = s.engine.Reject(ctx, id, req.Approver, req.Comment)
	}
	if err != nil {
		return fail(err)
	}

	decided, err := s.engine.Approvals().Get(id)
	if err != nil {
		return fail(err)
	}
	return c.JSON(http.StatusOK, decided)
}

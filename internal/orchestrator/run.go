package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/flowd/internal/approval"
	"github.com/fyrsmithlabs/flowd/internal/events"
	"github.com/fyrsmithlabs/flowd/internal/execution"
	"github.com/fyrsmithlabs/flowd/internal/logging"
	"github.com/fyrsmithlabs/flowd/internal/planner"
	"github.com/fyrsmithlabs/flowd/internal/workflow"
)

// drive owns a run from PENDING to a terminal status.
func (o *Orchestrator) drive(ctx context.Context, r *run) {
	defer close(r.done)

	ctx = logging.WithExecution(ctx, r.ectx.WorkflowID(), r.ectx.ID())
	if o.cfg.ExecutionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.ExecutionTimeout)
		defer cancel()
	}

	ctx, span := o.tracer.Start(ctx, "workflow.execute", trace.WithAttributes(
		attribute.String("workflow.id", r.ectx.WorkflowID()),
		attribute.String("execution.id", r.ectx.ID()),
		attribute.Int("workflow.steps", r.plan.TotalSteps),
		attribute.Int("workflow.groups", len(r.plan.Groups)),
	))
	defer span.End()

	// dispatch ends on cancel or abort and unblocks semaphore and approval
	// waits; in-flight executors keep ctx.
	dispatch, stop := context.WithCancel(ctx)
	defer stop()
	r.setStop(stop)

	if err := r.ectx.Start(); err != nil {
		o.logger.Error(ctx, "execution could not start", zap.Error(err))
		return
	}
	o.metrics.runStarted()
	o.publish(ctx, r, events.Event{
		Type: events.ExecutionStarted,
		Data: map[string]any{"total_steps": r.plan.TotalSteps, "groups": len(r.plan.Groups)},
	})
	o.logger.Info(ctx, "execution started",
		zap.Int("steps", r.plan.TotalSteps),
		zap.Int("groups", len(r.plan.Groups)),
		zap.Int64("max_concurrency", o.cfg.concurrency()),
	)

	for _, group := range r.plan.Groups {
		if o.checkpoint(ctx, r) {
			break
		}
		o.runGroup(ctx, dispatch, r, group)
	}
	if !o.checkpoint(ctx, r) {
		if err := r.ectx.Complete(r.ectx.Outputs()); err != nil {
			o.logger.Error(ctx, "execution could not complete", zap.Error(err))
			_ = r.ectx.Fail(err)
		}
	}

	o.finish(ctx, r, span)
}

// checkpoint applies a pending cancel or timeout and reports whether the run
// is terminal.
func (o *Orchestrator) checkpoint(ctx context.Context, r *run) bool {
	if r.ectx.Status().Terminal() {
		return true
	}
	switch {
	case r.cancelRequested.Load():
		_ = r.ectx.Cancel()
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		_ = r.ectx.TimeoutExceeded()
	case ctx.Err() != nil:
		_ = r.ectx.Cancel()
	default:
		return false
	}
	return true
}

// halted reports whether nothing new may be dispatched.
func (o *Orchestrator) halted(dispatch context.Context, r *run) bool {
	return dispatch.Err() != nil || r.ectx.Status().Terminal()
}

// runGroup dispatches one execution group and returns when every dispatched
// step has settled.
func (o *Orchestrator) runGroup(ctx, dispatch context.Context, r *run, group planner.Group) {
	ctx, span := o.tracer.Start(ctx, "workflow.group", trace.WithAttributes(
		attribute.Int("group.index", group.Index),
		attribute.Int("group.size", len(group.StepIDs)),
	))
	defer span.End()

	var wg sync.WaitGroup
	for _, id := range group.StepIDs {
		if o.halted(dispatch, r) {
			break
		}
		step, _ := r.spec.Step(id)

		if dep, blocked := blockedBy(r, step); blocked {
			o.skip(ctx, r, group.Index, step, dep)
			continue
		}

		if step.RequiresApproval {
			wg.Add(1)
			go func() {
				defer wg.Done()
				o.runGated(ctx, dispatch, r, group.Index, step)
			}()
			continue
		}

		if err := r.sem.Acquire(dispatch, 1); err != nil {
			break
		}
		if o.halted(dispatch, r) {
			r.sem.Release(1)
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer r.sem.Release(1)
			o.runStep(ctx, r, group.Index, step, "")
		}()
	}
	wg.Wait()
}

// blockedBy returns the first direct dependency of step that did not
// complete.
func blockedBy(r *run, step workflow.Step) (string, bool) {
	for _, dep := range step.DependsOn {
		res, ok := r.ectx.Result(dep)
		if !ok || res.Status != execution.StepCompleted {
			return dep, true
		}
	}
	return "", false
}

func (o *Orchestrator) skip(ctx context.Context, r *run, group int, step workflow.Step, dep string) {
	ctx = logging.WithStepID(ctx, step.ID)
	reason := fmt.Sprintf("dependency %s did not complete", dep)
	err := r.ectx.RecordResult(execution.StepResult{
		StepID:      step.ID,
		Status:      execution.StepSkipped,
		Error:       reason,
		CompletedAt: o.now(),
	})
	if err != nil {
		o.logger.Debug(ctx, "skip not recorded", zap.Error(err))
		return
	}
	r.settled.Add(1)
	o.metrics.stepSettled(execution.StepSkipped, step.Agent, 0)
	o.publish(ctx, r, events.Event{Type: events.StepSkipped, StepID: step.ID, Data: map[string]any{"reason": reason}})
	o.report(r, group, step.ID, ProgressSkipped, reason)
	o.logger.Info(ctx, "step skipped", zap.String("dependency", dep))
}

// runGated takes a step through its approval gate and, once approved, runs
// it under the concurrency bound.
func (o *Orchestrator) runGated(ctx, dispatch context.Context, r *run, group int, step workflow.Step) {
	ctx = logging.WithStepID(ctx, step.ID)

	approvalID, err := o.approvals.Request(ctx, r.ectx.ID(), step.ID, step.ApprovalSettings())
	if err != nil {
		o.stepFailed(ctx, r, group, step, err, "", time.Time{})
		return
	}
	req, err := o.approvals.Get(approvalID)
	if err != nil {
		o.stepFailed(ctx, r, group, step, err, approvalID, time.Time{})
		return
	}

	if req.Status == approval.StatusPending {
		if err := r.ectx.AwaitApproval(step.ID, approvalID); err != nil {
			o.withdraw(ctx, approvalID, "execution no longer active")
			return
		}
		o.report(r, group, step.ID, ProgressAwaiting, "awaiting approval "+approvalID)
		o.logger.Info(ctx, "step awaiting approval",
			zap.String("approval.id", approvalID),
			zap.String("priority", string(req.Priority)),
		)

		req, err = o.approvals.Wait(dispatch, approvalID)
		if err != nil {
			if dispatch.Err() != nil {
				o.withdraw(ctx, approvalID, "execution stopped")
				return
			}
			_ = r.ectx.ResumeFromApproval(approvalID)
			o.stepFailed(ctx, r, group, step, err, approvalID, time.Time{})
			return
		}
		if err := r.ectx.ResumeFromApproval(approvalID); err != nil {
			return
		}
	}

	if err := req.Err(); err != nil {
		o.stepFailed(ctx, r, group, step, err, approvalID, time.Time{})
		return
	}

	if err := r.sem.Acquire(dispatch, 1); err != nil {
		return
	}
	defer r.sem.Release(1)
	if o.halted(dispatch, r) {
		return
	}
	o.runStep(ctx, r, group, step, approvalID)
}

func (o *Orchestrator) withdraw(ctx context.Context, approvalID, reason string) {
	err := o.approvals.Withdraw(context.WithoutCancel(ctx), approvalID, reason)
	if err != nil && !approval.IsDecided(err) {
		o.logger.Warn(ctx, "approval not withdrawn", zap.String("approval.id", approvalID), zap.Error(err))
	}
}

// runStep invokes the executor for one step and records the outcome.
func (o *Orchestrator) runStep(ctx context.Context, r *run, group int, step workflow.Step, approvalID string) {
	ctx = logging.WithStepID(ctx, step.ID)
	ctx, span := o.tracer.Start(ctx, "workflow.step", trace.WithAttributes(
		attribute.String("step.id", step.ID),
		attribute.String("step.agent", step.Agent),
		attribute.Int("group.index", group),
	))
	defer span.End()

	_ = r.ectx.SetCurrentStep(step.ID)
	o.publish(ctx, r, events.Event{Type: events.StepStarted, StepID: step.ID, Data: map[string]any{"agent": step.Agent}})
	o.report(r, group, step.ID, ProgressStarted, "starting "+step.DisplayName())
	o.logger.Debug(ctx, "step started", zap.String("agent", step.Agent))

	started := o.now()
	output, err := invoke(ctx, r.executor, step, r.ectx.Inputs(), r.ectx.Outputs())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.stepFailed(ctx, r, group, step, err, approvalID, started)
		return
	}

	finished := o.now()
	err = r.ectx.RecordResult(execution.StepResult{
		StepID:      step.ID,
		Status:      execution.StepCompleted,
		Output:      output,
		ApprovalID:  approvalID,
		StartedAt:   started,
		CompletedAt: finished,
	})
	if err != nil {
		o.logger.Debug(ctx, "step result discarded", zap.Error(err))
		return
	}

	elapsed := finished.Sub(started)
	r.settled.Add(1)
	o.metrics.stepSettled(execution.StepCompleted, step.Agent, elapsed.Seconds())
	o.publish(ctx, r, events.Event{Type: events.StepCompleted, StepID: step.ID, Data: map[string]any{"duration_seconds": elapsed.Seconds()}})
	o.report(r, group, step.ID, ProgressCompleted, "completed "+step.DisplayName())
	o.logger.Info(ctx, "step completed", zap.Duration("duration", elapsed))
}

// invoke calls the executor, turning a panic into an error.
func invoke(ctx context.Context, executor StepExecutor, step workflow.Step, inputs, prior map[string]any) (out any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("step executor panicked: %v", p)
		}
	}()
	return executor.Execute(ctx, step, inputs, prior)
}

// stepFailed records a failed step and applies its on_error policy.
func (o *Orchestrator) stepFailed(ctx context.Context, r *run, group int, step workflow.Step, cause error, approvalID string, started time.Time) {
	stepErr := &workflow.StepExecutionError{StepID: step.ID, Cause: cause}
	policy := o.policy(step)

	now := o.now()
	if started.IsZero() {
		started = now
	}
	err := r.ectx.RecordResult(execution.StepResult{
		StepID:      step.ID,
		Status:      execution.StepFailed,
		Error:       stepErr.Error(),
		ApprovalID:  approvalID,
		StartedAt:   started,
		CompletedAt: now,
	})
	if err != nil {
		o.logger.Debug(ctx, "step failure discarded", zap.NamedError("cause", cause), zap.Error(err))
		return
	}

	r.settled.Add(1)
	o.metrics.stepSettled(execution.StepFailed, step.Agent, now.Sub(started).Seconds())
	o.publish(ctx, r, events.Event{
		Type:       events.StepFailed,
		StepID:     step.ID,
		ApprovalID: approvalID,
		Data:       map[string]any{"error": stepErr.Error(), "on_error": string(policy)},
	})
	o.report(r, group, step.ID, ProgressFailed, stepErr.Error())

	// An expired or cancelled run context is settled by the next checkpoint
	// as TIMEOUT or CANCELLED, not by the step policy.
	if ctx.Err() != nil {
		_ = r.ectx.RecordError(step.ID, stepErr)
		o.logger.Warn(ctx, "step interrupted", zap.Error(cause))
		return
	}

	if policy == workflow.OnErrorContinue {
		_ = r.ectx.RecordError(step.ID, stepErr)
		o.logger.Warn(ctx, "step failed, continuing", zap.Error(cause))
		return
	}

	if err := r.ectx.Fail(stepErr); err != nil {
		o.logger.Debug(ctx, "execution already terminal", zap.Error(err))
		return
	}
	r.setFailure(stepErr)
	r.stopDispatch()
	o.logger.Error(ctx, "step failed, aborting execution", zap.Error(cause))
}

func (o *Orchestrator) policy(step workflow.Step) workflow.OnError {
	if step.OnError != "" {
		return step.OnError
	}
	if o.cfg.DefaultOnError != "" {
		return o.cfg.DefaultOnError
	}
	return workflow.OnErrorAbort
}

// finish publishes, records and persists the terminal run.
func (o *Orchestrator) finish(ctx context.Context, r *run, span trace.Span) {
	ctx = context.WithoutCancel(ctx)

	for _, id := range r.ectx.PendingApprovals() {
		o.withdraw(ctx, id, "execution finished")
	}

	snap := r.ectx.Snapshot()
	r.mu.Lock()
	r.finished = o.now()
	r.mu.Unlock()

	if snap.StartTime.IsZero() {
		return
	}

	o.metrics.runFinished(snap.Status, snap.DurationSeconds)
	span.SetAttributes(attribute.String("execution.status", string(snap.Status)))
	if snap.Status != execution.StatusCompleted {
		span.SetStatus(codes.Error, string(snap.Status))
	}

	o.publish(ctx, r, events.Event{
		Type: events.ExecutionFinished,
		Data: map[string]any{
			"status":           string(snap.Status),
			"duration_seconds": snap.DurationSeconds,
			"errors":           len(snap.Errors),
		},
	})

	fields := []zap.Field{
		zap.String("status", string(snap.Status)),
		zap.Float64("duration_seconds", snap.DurationSeconds),
		zap.Int("errors", len(snap.Errors)),
	}
	if snap.Status == execution.StatusCompleted {
		o.logger.Info(ctx, "execution finished", fields...)
	} else {
		o.logger.Warn(ctx, "execution finished", fields...)
	}

	if o.recorder != nil {
		if err := o.recorder.Save(ctx, snap); err != nil {
			o.logger.Error(ctx, "execution not recorded", zap.Error(err))
		}
	}

	o.report(r, -1, "", ProgressFinished, string(snap.Status))
}

func (o *Orchestrator) publish(ctx context.Context, r *run, e events.Event) {
	e.ExecutionID = r.ectx.ID()
	e.WorkflowID = r.ectx.WorkflowID()
	if err := o.bus.Publish(ctx, e); err != nil {
		o.logger.Warn(ctx, "event not published", zap.String("type", string(e.Type)), zap.Error(err))
	}
}

func (o *Orchestrator) report(r *run, group int, stepID string, status ProgressStatus, msg string) {
	o.mu.RLock()
	callback := o.progress
	o.mu.RUnlock()
	if callback == nil {
		return
	}

	pct := 100
	if total := int64(r.plan.TotalSteps); total > 0 && status != ProgressFinished {
		pct = int(r.settled.Load() * 100 / total)
	}
	callback(Progress{
		ExecutionID: r.ectx.ID(),
		StepID:      stepID,
		Group:       group,
		Status:      status,
		Message:     msg,
		Percentage:  pct,
	})
}

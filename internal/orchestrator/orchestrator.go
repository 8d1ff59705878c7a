package orchestrator

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/fyrsmithlabs/flowd/internal/approval"
	"github.com/fyrsmithlabs/flowd/internal/events"
	"github.com/fyrsmithlabs/flowd/internal/execution"
	"github.com/fyrsmithlabs/flowd/internal/logging"
	"github.com/fyrsmithlabs/flowd/internal/planner"
	"github.com/fyrsmithlabs/flowd/internal/workflow"
)

const tracerName = "github.com/fyrsmithlabs/flowd/internal/orchestrator"

// Orchestrator plans and drives workflow executions.
type Orchestrator struct {
	planner   *planner.Planner
	approvals *approval.Manager
	bus       events.Bus
	logger    *logging.Logger
	tracer    trace.Tracer
	metrics   *Metrics
	recorder  Recorder
	cfg       Config
	now       func() time.Time

	mu       sync.RWMutex
	runs     map[string]*run
	progress ProgressCallback

	wg sync.WaitGroup
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPlanner sets the planner used by Plan.
func WithPlanner(p *planner.Planner) Option {
	return func(o *Orchestrator) { o.planner = p }
}

// WithApprovals sets the approval manager for gated steps.
func WithApprovals(m *approval.Manager) Option {
	return func(o *Orchestrator) { o.approvals = m }
}

// WithBus sets the event bus.
func WithBus(bus events.Bus) Option {
	return func(o *Orchestrator) { o.bus = bus }
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithTracer overrides the global tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = tracer }
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithRecorder persists every finished run.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithConfig sets engine limits.
func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) { o.cfg = cfg }
}

// WithClock replaces time.Now for results and contexts.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an Orchestrator. Missing collaborators get working defaults:
// a default planner, an approval manager, a no-op bus and a no-op logger.
func New(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		bus:    events.Nop{},
		logger: logging.NewNop(),
		now:    time.Now,
		runs:   make(map[string]*run),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.planner == nil {
		o.planner = planner.New(planner.WithLogger(o.logger))
	}
	if o.approvals == nil {
		o.approvals = approval.NewManager(approval.WithBus(o.bus), approval.WithLogger(o.logger))
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer(tracerName)
	}
	return o
}

// OnProgress sets the progress callback for subsequent updates.
func (o *Orchestrator) OnProgress(callback ProgressCallback) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.progress = callback
}

// Approvals exposes the approval manager.
func (o *Orchestrator) Approvals() *approval.Manager { return o.approvals }

// Plan builds the execution plan of spec.
func (o *Orchestrator) Plan(spec *workflow.Spec) (*planner.Plan, error) {
	return o.planner.Plan(spec)
}

// run is the engine-side bookkeeping of one execution.
type run struct {
	ectx     *execution.Context
	plan     *planner.Plan
	spec     *workflow.Spec
	executor StepExecutor
	sem      *semaphore.Weighted

	cancelRequested atomic.Bool
	settled         atomic.Int64

	mu       sync.Mutex
	stop     context.CancelFunc
	failure  error
	finished time.Time

	done chan struct{}
}

// setStop installs the dispatch cancel func, firing it at once when a
// cancel arrived before the run started.
func (r *run) setStop(stop context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stop = stop
	if r.cancelRequested.Load() {
		stop()
	}
}

func (r *run) stopDispatch() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stop != nil {
		r.stop()
	}
}

func (r *run) requestCancel() {
	r.cancelRequested.Store(true)
	r.stopDispatch()
}

func (r *run) setFailure(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failure = err
}

// outcome converts the terminal status into the error Execute returns.
func (r *run) outcome() error {
	switch r.ectx.Status() {
	case execution.StatusFailed:
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.failure != nil {
			return r.failure
		}
		return errors.New("execution failed")
	case execution.StatusCancelled:
		return ErrCancelled
	case execution.StatusTimeout:
		return ErrTimeout
	}
	return nil
}

// Execute runs spec according to plan and blocks until the run is terminal.
// The returned context is always non-nil once the run started. The error is
// nil for COMPLETED runs, the aborting StepExecutionError for FAILED runs,
// and ErrCancelled or ErrTimeout otherwise.
func (o *Orchestrator) Execute(ctx context.Context, plan *planner.Plan, spec *workflow.Spec, inputs map[string]any, executor StepExecutor) (*execution.Context, error) {
	r, err := o.prepare(plan, spec, inputs, executor)
	if err != nil {
		return nil, err
	}
	o.drive(ctx, r)
	return r.ectx, r.outcome()
}

// Start launches the run in the background and returns its context at once.
// The run outlives ctx; use Cancel to stop it.
func (o *Orchestrator) Start(ctx context.Context, plan *planner.Plan, spec *workflow.Spec, inputs map[string]any, executor StepExecutor) (*execution.Context, error) {
	r, err := o.prepare(plan, spec, inputs, executor)
	if err != nil {
		return nil, err
	}
	detached := context.WithoutCancel(ctx)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.drive(detached, r)
	}()
	return r.ectx, nil
}

func (o *Orchestrator) prepare(plan *planner.Plan, spec *workflow.Spec, inputs map[string]any, executor StepExecutor) (*run, error) {
	if plan == nil || spec == nil {
		return nil, fmt.Errorf("plan and workflow are required")
	}
	if executor == nil {
		return nil, fmt.Errorf("step executor is required")
	}
	if plan.Workflow != spec.Name {
		return nil, &workflow.InvalidWorkflowError{
			Workflow: spec.Name,
			Reason:   fmt.Sprintf("plan was built for workflow %q", plan.Workflow),
		}
	}
	planned := 0
	for _, g := range plan.Groups {
		for _, id := range g.StepIDs {
			if _, ok := spec.Step(id); !ok {
				return nil, &workflow.InvalidWorkflowError{Workflow: spec.Name, StepID: id, Reason: "planned step is not in the workflow"}
			}
			planned++
		}
	}
	if planned != len(spec.Steps) {
		return nil, &workflow.InvalidWorkflowError{
			Workflow: spec.Name,
			Reason:   fmt.Sprintf("plan covers %d of %d steps", planned, len(spec.Steps)),
		}
	}

	r := &run{
		ectx:     execution.New(spec.Name, inputs, execution.WithClock(o.now)),
		plan:     plan,
		spec:     spec,
		executor: executor,
		sem:      semaphore.NewWeighted(o.cfg.concurrency()),
		done:     make(chan struct{}),
	}

	o.mu.Lock()
	o.runs[r.ectx.ID()] = r
	o.mu.Unlock()
	return r, nil
}

func (o *Orchestrator) lookup(id string) (*run, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	r, ok := o.runs[id]
	if !ok {
		return nil, &NotFoundError{ID: id}
	}
	return r, nil
}

// GetStatus returns a snapshot of an execution.
func (o *Orchestrator) GetStatus(id string) (execution.Snapshot, error) {
	r, err := o.lookup(id)
	if err != nil {
		return execution.Snapshot{}, err
	}
	return r.ectx.Snapshot(), nil
}

// Wait blocks until the execution has finished, including persistence and
// the execution_finished event, or ctx ends.
func (o *Orchestrator) Wait(ctx context.Context, id string) (execution.Snapshot, error) {
	r, err := o.lookup(id)
	if err != nil {
		return execution.Snapshot{}, err
	}
	select {
	case <-r.done:
		return r.ectx.Snapshot(), nil
	case <-ctx.Done():
		return execution.Snapshot{}, ctx.Err()
	}
}

// Cancel requests cooperative cancellation. The run moves to CANCELLED once
// its current group settles; pending approvals are withdrawn right away.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	r, err := o.lookup(id)
	if err != nil {
		return err
	}
	if status := r.ectx.Status(); status.Terminal() {
		return &workflow.OrchestrationError{
			Operation: "cancel",
			Reason:    fmt.Sprintf("execution %s is already %s", id, status),
		}
	}
	r.requestCancel()
	o.logger.Info(ctx, "execution cancel requested", zap.String("execution.id", id))
	return nil
}

// Approve decides a pending approval in favour of the step.
func (o *Orchestrator) Approve(ctx context.Context, approvalID, approver, comment string) error {
	return o.approvals.Approve(ctx, approvalID, approver, comment)
}

// Reject decides a pending approval against the step.
func (o *Orchestrator) Reject(ctx context.Context, approvalID, approver, comment string) error {
	return o.approvals.Reject(ctx, approvalID, approver, comment)
}

// List returns snapshots of all known executions, oldest first.
func (o *Orchestrator) List() []execution.Snapshot {
	o.mu.RLock()
	out := make([]execution.Snapshot, 0, len(o.runs))
	for _, r := range o.runs {
		out = append(out, r.ectx.Snapshot())
	}
	o.mu.RUnlock()

	slices.SortFunc(out, func(a, b execution.Snapshot) int {
		if c := a.StartTime.Compare(b.StartTime); c != 0 {
			return c
		}
		return cmp.Compare(a.ExecutionID, b.ExecutionID)
	})
	return out
}

// Prune forgets runs that finished more than olderThan ago, along with their
// approval requests, and returns how many were removed.
func (o *Orchestrator) Prune(olderThan time.Duration) int {
	cutoff := o.now().Add(-olderThan)

	o.mu.Lock()
	var removed []string
	for id, r := range o.runs {
		r.mu.Lock()
		finished := r.finished
		r.mu.Unlock()
		if !finished.IsZero() && finished.Before(cutoff) {
			delete(o.runs, id)
			removed = append(removed, id)
		}
	}
	o.mu.Unlock()

	for _, id := range removed {
		o.approvals.Forget(id)
	}
	return len(removed)
}

// Shutdown cancels every active run and waits for background runs to
// finish or ctx to end.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.RLock()
	for _, r := range o.runs {
		if !r.ectx.Status().Terminal() {
			r.requestCancel()
		}
	}
	o.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

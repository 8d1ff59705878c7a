package execution

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/flowd/internal/workflow"
)

// MetadataPendingApproval holds the approval id the run is blocked on.
const MetadataPendingApproval = "pending_approval_id"

// StepResult captures the outcome of one step.
type StepResult struct {
	StepID      string     `json:"step_id"`
	Status      StepStatus `json:"status"`
	Output      any        `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
	ApprovalID  string     `json:"approval_id,omitempty"`
	StartedAt   time.Time  `json:"started_at,omitempty"`
	CompletedAt time.Time  `json:"completed_at,omitempty"`
}

// ErrorEntry is one entry of the append-only error log.
type ErrorEntry struct {
	StepID  string    `json:"step_id,omitempty"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// Context is the live state of one execution. All methods are safe for
// concurrent use.
type Context struct {
	mu sync.Mutex

	workflowID  string
	executionID string
	inputs      map[string]any
	outputs     map[string]any
	status      Status
	currentStep string
	results     map[string]StepResult
	errors      []ErrorEntry
	startTime   time.Time
	endTime     time.Time
	metadata    map[string]string

	// approval id -> step id
	pending map[string]string

	now  func() time.Time
	done chan struct{}
}

// Option configures a Context.
type Option func(*Context)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Context) { c.now = now }
}

// WithID sets the execution id instead of generating one.
func WithID(id string) Option {
	return func(c *Context) { c.executionID = id }
}

// New creates a PENDING context for workflowID. inputs is copied.
func New(workflowID string, inputs map[string]any, opts ...Option) *Context {
	c := &Context{
		workflowID: workflowID,
		inputs:     maps.Clone(inputs),
		status:     StatusPending,
		results:    make(map[string]StepResult),
		metadata:   make(map[string]string),
		pending:    make(map[string]string),
		now:        time.Now,
		done:       make(chan struct{}),
	}
	if c.inputs == nil {
		c.inputs = map[string]any{}
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.executionID == "" {
		c.executionID = uuid.NewString()
	}
	return c
}

// ID returns the execution id.
func (c *Context) ID() string { return c.executionID }

// WorkflowID returns the workflow name.
func (c *Context) WorkflowID() string { return c.workflowID }

// Status returns the current status.
func (c *Context) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Inputs returns a copy of the run inputs.
func (c *Context) Inputs() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.inputs)
}

// Done is closed when the context reaches a terminal status.
func (c *Context) Done() <-chan struct{} { return c.done }

// Start moves PENDING to RUNNING.
func (c *Context) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.expect("start", StatusPending); err != nil {
		return err
	}
	c.status = StatusRunning
	c.startTime = c.now()
	return nil
}

// SetCurrentStep records the most recently dispatched step.
func (c *Context) SetCurrentStep(stepID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.writable("set_current_step"); err != nil {
		return err
	}
	c.currentStep = stepID
	return nil
}

// SetMetadata stores a metadata entry.
func (c *Context) SetMetadata(key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.writable("set_metadata"); err != nil {
		return err
	}
	c.metadata[key] = value
	return nil
}

// AwaitApproval parks stepID on approvalID. Several gated steps of one group
// may wait at the same time.
func (c *Context) AwaitApproval(stepID, approvalID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.expect("await_approval", StatusRunning, StatusAwaitingApproval); err != nil {
		return err
	}
	c.pending[approvalID] = stepID
	c.status = StatusAwaitingApproval
	c.currentStep = stepID
	c.metadata[MetadataPendingApproval] = approvalID
	return nil
}

// ResumeFromApproval clears approvalID and returns to RUNNING once no other
// approval is outstanding.
func (c *Context) ResumeFromApproval(approvalID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.expect("resume_from_approval", StatusAwaitingApproval); err != nil {
		return err
	}
	if _, ok := c.pending[approvalID]; !ok {
		return &workflow.OrchestrationError{
			Operation: "resume_from_approval",
			Reason:    fmt.Sprintf("approval %s is not pending on execution %s", approvalID, c.executionID),
		}
	}
	delete(c.pending, approvalID)

	if len(c.pending) == 0 {
		c.status = StatusRunning
		delete(c.metadata, MetadataPendingApproval)
		return nil
	}
	// point the metadata at a remaining approval
	c.metadata[MetadataPendingApproval] = slices.Sorted(maps.Keys(c.pending))[0]
	return nil
}

// PendingApprovals returns the outstanding approval ids, sorted.
func (c *Context) PendingApprovals() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Sorted(maps.Keys(c.pending))
}

// RecordResult stores the outcome of a step. Each step is recorded once.
func (c *Context) RecordResult(r StepResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.expect("record_result", StatusRunning, StatusAwaitingApproval); err != nil {
		return err
	}
	if _, exists := c.results[r.StepID]; exists {
		return &workflow.OrchestrationError{
			Operation: "record_result",
			Reason:    fmt.Sprintf("step %s already has a result", r.StepID),
		}
	}
	c.results[r.StepID] = r
	return nil
}

// RecordError appends to the error log without changing status.
func (c *Context) RecordError(stepID string, err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if werr := c.writable("record_error"); werr != nil {
		return werr
	}
	c.appendError(stepID, err)
	return nil
}

// Complete moves RUNNING to COMPLETED with the aggregated outputs.
func (c *Context) Complete(outputs map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.expect("complete", StatusRunning); err != nil {
		return err
	}
	c.outputs = maps.Clone(outputs)
	if c.outputs == nil {
		c.outputs = map[string]any{}
	}
	c.finish(StatusCompleted)
	return nil
}

// Fail moves an active context to FAILED. A non-nil err is appended to the
// error log, attributed to the step when it is a StepExecutionError.
func (c *Context) Fail(err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if werr := c.expect("fail", StatusRunning, StatusAwaitingApproval); werr != nil {
		return werr
	}
	if err != nil {
		var stepErr *workflow.StepExecutionError
		stepID := ""
		if errors.As(err, &stepErr) {
			stepID = stepErr.StepID
		}
		c.appendError(stepID, err)
	}
	c.finish(StatusFailed)
	return nil
}

// Cancel moves any non-terminal context to CANCELLED.
func (c *Context) Cancel() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.writable("cancel"); err != nil {
		return err
	}
	c.finish(StatusCancelled)
	return nil
}

// TimeoutExceeded moves any non-terminal context to TIMEOUT.
func (c *Context) TimeoutExceeded() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.writable("timeout"); err != nil {
		return err
	}
	c.appendError("", errors.New("execution timeout exceeded"))
	c.finish(StatusTimeout)
	return nil
}

// Duration is end-start once ended, now-start while running and zero
// before start.
func (c *Context) Duration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.duration()
}

func (c *Context) duration() time.Duration {
	switch {
	case c.startTime.IsZero():
		return 0
	case c.endTime.IsZero():
		return c.now().Sub(c.startTime)
	default:
		return c.endTime.Sub(c.startTime)
	}
}

// Result returns the recorded result for stepID.
func (c *Context) Result(stepID string) (StepResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.results[stepID]
	return r, ok
}

// Outputs returns completed step outputs recorded so far, keyed by step id.
func (c *Context) Outputs() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]any, len(c.results))
	for id, r := range c.results {
		if r.Status == StepCompleted {
			out[id] = r.Output
		}
	}
	return out
}

// Errors returns a copy of the error log.
func (c *Context) Errors() []ErrorEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ErrorEntry(nil), c.errors...)
}

// expect fails unless the status is one of allowed.
func (c *Context) expect(op string, allowed ...Status) error {
	if err := c.writable(op); err != nil {
		return err
	}
	for _, s := range allowed {
		if c.status == s {
			return nil
		}
	}
	return &workflow.OrchestrationError{
		Operation: op,
		Reason:    fmt.Sprintf("invalid transition from %s", c.status),
	}
}

func (c *Context) writable(op string) error {
	if c.status.Terminal() {
		return &workflow.OrchestrationError{
			Operation: op,
			Reason:    fmt.Sprintf("execution %s is terminal (%s)", c.executionID, c.status),
		}
	}
	return nil
}

func (c *Context) appendError(stepID string, err error) {
	c.errors = append(c.errors, ErrorEntry{StepID: stepID, Message: err.Error(), Time: c.now()})
}

func (c *Context) finish(status Status) {
	c.status = status
	c.endTime = c.now()
	if c.startTime.IsZero() {
		c.startTime = c.endTime
	}
	clear(c.pending)
	delete(c.metadata, MetadataPendingApproval)
	close(c.done)
}

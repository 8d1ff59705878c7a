package approval

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/flowd/internal/events"
	"github.com/fyrsmithlabs/flowd/internal/logging"
	"github.com/fyrsmithlabs/flowd/internal/workflow"
)

const defaultSweepInterval = 5 * time.Second

// entry guards one request. done is closed on the single transition out of
// PENDING.
type entry struct {
	mu   sync.Mutex
	req  Request
	done chan struct{}
}

// Manager tracks approval requests. The store map and each request have
// separate locks: lookups take the map lock, decisions take the request
// lock.
type Manager struct {
	mu      sync.RWMutex
	entries map[string]*entry

	bus            events.Bus
	logger         *logging.Logger
	metrics        *Metrics
	now            func() time.Time
	yolo           atomic.Bool
	sweepInterval  time.Duration
	defaultTimeout time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithBus publishes approval events to bus.
func WithBus(bus events.Bus) Option {
	return func(m *Manager) { m.bus = bus }
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithMetrics records Prometheus metrics.
func WithMetrics(metrics *Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithYOLO starts the manager in auto-approve mode.
func WithYOLO(enabled bool) Option {
	return func(m *Manager) { m.yolo.Store(enabled) }
}

// WithSweepInterval sets how often Run checks for timeouts.
func WithSweepInterval(d time.Duration) Option {
	return func(m *Manager) { m.sweepInterval = d }
}

// WithDefaultTimeout applies when a request has no timeout of its own.
func WithDefaultTimeout(d time.Duration) Option {
	return func(m *Manager) { m.defaultTimeout = d }
}

// NewManager creates a Manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		entries:        make(map[string]*entry),
		bus:            events.Nop{},
		logger:         logging.NewNop(),
		now:            time.Now,
		sweepInterval:  defaultSweepInterval,
		defaultTimeout: workflow.DefaultApprovalTimeoutSeconds * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetYOLO switches auto-approve mode. Requests already pending are not
// affected.
func (m *Manager) SetYOLO(enabled bool) {
	m.yolo.Store(enabled)
}

// YOLO reports whether auto-approve mode is on.
func (m *Manager) YOLO() bool {
	return m.yolo.Load()
}

// Request creates an approval request for a step and returns its id. In
// YOLO mode the request is created already APPROVED.
func (m *Manager) Request(ctx context.Context, executionID, stepID string, cfg workflow.ApprovalConfig) (string, error) {
	if executionID == "" || stepID == "" {
		return "", fmt.Errorf("approval request needs an execution id and a step id")
	}

	timeout := m.defaultTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	priority := cfg.Priority
	if priority == "" {
		priority = workflow.PriorityNormal
	}

	now := m.now()
	req := Request{
		ID:                uuid.NewString(),
		ExecutionID:       executionID,
		StepID:            stepID,
		RequiredApprovers: slices.Clone(cfg.RequiredApprovers),
		Timeout:           timeout,
		TimeoutSeconds:    int(timeout / time.Second),
		Priority:          priority,
		Status:            StatusPending,
		CreatedAt:         now,
	}
	e := &entry{req: req, done: make(chan struct{})}

	yolo := m.yolo.Load()
	if yolo {
		e.req.Status = StatusApproved
		e.req.DecidedBy = DecidedByYOLO
		e.req.DecidedAt = now
		close(e.done)
	}

	m.mu.Lock()
	m.entries[req.ID] = e
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.recordRequest(!yolo)
		if yolo {
			m.metrics.recordDecision(StatusApproved, 0, false)
		}
	}

	fields := []zap.Field{
		zap.String("approval.id", req.ID),
		zap.String("execution.id", executionID),
		zap.String("step.id", stepID),
	}
	if yolo {
		m.logger.Info(ctx, "approval auto-granted", fields...)
		m.publish(ctx, events.ApprovalGranted, e.req)
	} else {
		m.logger.Info(ctx, "approval requested", append(fields,
			zap.Duration("timeout", timeout),
			zap.String("priority", string(priority)))...)
		m.publish(ctx, events.ApprovalRequested, e.req)
	}

	return req.ID, nil
}

// Approve grants a pending request.
func (m *Manager) Approve(ctx context.Context, id, approver, comment string) error {
	return m.decide(ctx, id, approver, comment, StatusApproved, true)
}

// Reject denies a pending request.
func (m *Manager) Reject(ctx context.Context, id, approver, comment string) error {
	return m.decide(ctx, id, approver, comment, StatusRejected, true)
}

// Withdraw rejects a pending request on behalf of the system, used when
// the owning execution is cancelled.
func (m *Manager) Withdraw(ctx context.Context, id, reason string) error {
	return m.decide(ctx, id, DecidedByCancel, reason, StatusRejected, false)
}

func (m *Manager) decide(ctx context.Context, id, approver, comment string, status Status, checkApprover bool) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.req.Status.Terminal() {
		decided := e.req
		e.mu.Unlock()
		return &AlreadyDecidedError{ID: id, Status: decided.Status, DecidedBy: decided.DecidedBy}
	}
	if checkApprover && !m.allowed(e.req, approver) {
		required := slices.Clone(e.req.RequiredApprovers)
		e.mu.Unlock()
		m.logger.Warn(ctx, "unauthorized approver",
			zap.String("approval.id", id), zap.String("approver", approver))
		return &UnauthorizedError{ID: id, Approver: approver, Required: required}
	}
	req := m.transition(e, status, approver, comment)
	e.mu.Unlock()

	m.logger.Info(ctx, "approval decided",
		zap.String("approval.id", id),
		zap.String("execution.id", req.ExecutionID),
		zap.String("step.id", req.StepID),
		zap.String("status", string(status)),
		zap.String("decided_by", approver))

	evt := events.ApprovalGranted
	if status == StatusRejected {
		evt = events.ApprovalRejected
	}
	m.publish(ctx, evt, req)
	return nil
}

func (m *Manager) allowed(req Request, approver string) bool {
	if approver == "" {
		return false
	}
	return workflow.ApprovalConfig{RequiredApprovers: req.RequiredApprovers}.AllowsApprover(approver)
}

// transition must be called with e.mu held on a pending request.
func (m *Manager) transition(e *entry, status Status, by, comment string) Request {
	now := m.now()
	e.req.Status = status
	e.req.DecidedBy = by
	e.req.DecidedAt = now
	e.req.Comment = comment
	close(e.done)

	if m.metrics != nil {
		m.metrics.recordDecision(status, now.Sub(e.req.CreatedAt).Seconds(), true)
	}
	return e.req.clone()
}

// Wait blocks until the request is decided or ctx ends. A request still
// pending at its deadline is timed out here, without waiting for a sweep.
func (m *Manager) Wait(ctx context.Context, id string) (Request, error) {
	e, err := m.lookup(id)
	if err != nil {
		return Request{}, err
	}

	deadline := time.NewTimer(m.remaining(e))
	defer deadline.Stop()
	for {
		select {
		case <-e.done:
			e.mu.Lock()
			defer e.mu.Unlock()
			return e.req.clone(), nil
		case <-ctx.Done():
			return Request{}, ctx.Err()
		case <-deadline.C:
			// The clock may lag the timer; re-arm until the deadline is reached.
			if left := m.remaining(e); left > 0 {
				deadline.Reset(left)
				continue
			}
			m.expire(ctx, e, m.now())
		}
	}
}

// remaining is the time left before e expires, measured on the manager clock.
func (m *Manager) remaining(e *entry) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.req.ExpiresAt().Sub(m.now())
}

// expire moves e to TIMED_OUT if it is still pending at now. Only one caller
// wins the transition.
func (m *Manager) expire(ctx context.Context, e *entry, now time.Time) bool {
	e.mu.Lock()
	if e.req.Status.Terminal() || now.Before(e.req.ExpiresAt()) {
		e.mu.Unlock()
		return false
	}
	req := m.transition(e, StatusTimedOut, DecidedByTimeout, "")
	e.mu.Unlock()

	m.logger.Info(ctx, "approval timed out",
		zap.String("approval.id", req.ID),
		zap.String("execution.id", req.ExecutionID),
		zap.String("step.id", req.StepID),
		zap.Duration("timeout", req.Timeout))
	m.publish(ctx, events.ApprovalTimedOut, req)
	return true
}

// Get returns a copy of a request.
func (m *Manager) Get(id string) (Request, error) {
	e, err := m.lookup(id)
	if err != nil {
		return Request{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.req.clone(), nil
}

// List returns matching requests, oldest first.
func (m *Manager) List(filter Filter) []Request {
	m.mu.RLock()
	all := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		all = append(all, e)
	}
	m.mu.RUnlock()

	out := make([]Request, 0, len(all))
	for _, e := range all {
		e.mu.Lock()
		req := e.req.clone()
		e.mu.Unlock()
		if filter.match(req) {
			out = append(out, req)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Forget drops decided requests of an execution from memory.
func (m *Manager) Forget(executionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, e := range m.entries {
		e.mu.Lock()
		drop := e.req.ExecutionID == executionID && e.req.Status.Terminal()
		e.mu.Unlock()
		if drop {
			delete(m.entries, id)
			n++
		}
	}
	return n
}

// Sweep times out every pending request past its deadline and returns how
// many it transitioned. Waiters time out on their own; the sweep covers
// requests nobody waits on.
func (m *Manager) Sweep(ctx context.Context) int {
	m.mu.RLock()
	candidates := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		candidates = append(candidates, e)
	}
	m.mu.RUnlock()

	now := m.now()
	timedOut := 0
	for _, e := range candidates {
		if m.expire(ctx, e, now) {
			timedOut++
		}
	}
	return timedOut
}

// Run sweeps immediately and then on every interval until ctx ends.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	m.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

func (m *Manager) lookup(id string) (*entry, error) {
	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return nil, &NotFoundError{ID: id}
	}
	return e, nil
}

func (m *Manager) publish(ctx context.Context, t events.Type, req Request) {
	data := map[string]any{
		"status":   string(req.Status),
		"priority": string(req.Priority),
	}
	if req.DecidedBy != "" {
		data["decided_by"] = req.DecidedBy
	}
	if req.Comment != "" {
		data["comment"] = req.Comment
	}
	if len(req.RequiredApprovers) > 0 {
		data["required_approvers"] = req.RequiredApprovers
	}
	if t == events.ApprovalRequested {
		data["expires_at"] = req.ExpiresAt()
	}

	err := m.bus.Publish(ctx, events.Event{
		Type:        t,
		ExecutionID: req.ExecutionID,
		StepID:      req.StepID,
		ApprovalID:  req.ID,
		Data:        data,
	})
	if err != nil {
		m.logger.Warn(ctx, "approval event not published", zap.String("type", string(t)), zap.Error(err))
	}
}

// IsDecided reports whether err means the request was already decided,
// which callers withdrawing on cancel treat as success.
func IsDecided(err error) bool {
	var decided *AlreadyDecidedError
	return errors.As(err, &decided)
}

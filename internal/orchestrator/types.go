package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/flowd/internal/execution"
	"github.com/fyrsmithlabs/flowd/internal/workflow"
)

// StepExecutor runs a single step. inputs are the run inputs; prior holds the
// outputs of the steps completed so far, keyed by step id.
type StepExecutor interface {
	Execute(ctx context.Context, step workflow.Step, inputs, prior map[string]any) (any, error)
}

// StepExecutorFunc adapts a function to StepExecutor.
type StepExecutorFunc func(ctx context.Context, step workflow.Step, inputs, prior map[string]any) (any, error)

// Execute calls f.
func (f StepExecutorFunc) Execute(ctx context.Context, step workflow.Step, inputs, prior map[string]any) (any, error) {
	return f(ctx, step, inputs, prior)
}

// Recorder persists finished executions.
type Recorder interface {
	Save(ctx context.Context, snapshot execution.Snapshot) error
}

// Config tunes the engine.
type Config struct {
	// MaxConcurrency bounds steps running at once within a run. Values
	// below 1 mean 1.
	MaxConcurrency int

	// DefaultOnError applies to steps that carry no policy of their own.
	// Empty means abort.
	DefaultOnError workflow.OnError

	// ExecutionTimeout bounds a whole run. Zero disables it.
	ExecutionTimeout time.Duration
}

func (c Config) concurrency() int64 {
	if c.MaxConcurrency < 1 {
		return 1
	}
	return int64(c.MaxConcurrency)
}

// ProgressStatus is the kind of a progress update.
type ProgressStatus string

const (
	ProgressStarted   ProgressStatus = "started"
	ProgressAwaiting  ProgressStatus = "awaiting_approval"
	ProgressCompleted ProgressStatus = "completed"
	ProgressFailed    ProgressStatus = "failed"
	ProgressSkipped   ProgressStatus = "skipped"
	ProgressFinished  ProgressStatus = "finished"
)

// Progress reports step-level progress of a run.
type Progress struct {
	ExecutionID string         `json:"execution_id"`
	StepID      string         `json:"step_id,omitempty"`
	Group       int            `json:"group"`
	Status      ProgressStatus `json:"status"`
	Message     string         `json:"message"`
	Percentage  int            `json:"percentage"`
}

// ProgressCallback receives progress updates. It is called from worker
// goroutines and must be safe for concurrent use.
type ProgressCallback func(progress Progress)

var (
	// ErrCancelled is returned by Execute when the run was cancelled.
	ErrCancelled = errors.New("execution cancelled")

	// ErrTimeout is returned by Execute when the run hit its timeout.
	ErrTimeout = errors.New("execution timeout exceeded")
)

// NotFoundError reports an unknown execution id.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("execution %s not found", e.ID)
}

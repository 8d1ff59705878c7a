package execution

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/flowd/internal/workflow"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func assertOrchestrationError(t *testing.T, err error) {
	t.Helper()
	var oe *workflow.OrchestrationError
	require.True(t, errors.As(err, &oe), "expected OrchestrationError, got %v", err)
}

func TestContext_New(t *testing.T) {
	inputs := map[string]any{"repo": "flowd"}
	c := New("release", inputs)

	assert.Equal(t, StatusPending, c.Status())
	assert.Equal(t, "release", c.WorkflowID())
	assert.Len(t, c.ID(), 36)
	assert.Zero(t, c.Duration())

	inputs["repo"] = "mutated"
	assert.Equal(t, "flowd", c.Inputs()["repo"], "inputs are copied")

	assert.Equal(t, "fixed", New("w", nil, WithID("fixed")).ID())
}

func TestContext_HappyPath(t *testing.T) {
	clock := newClock()
	c := New("w", nil, WithClock(clock.Now))

	require.NoError(t, c.Start())
	assert.Equal(t, StatusRunning, c.Status())

	clock.Advance(2 * time.Second)
	assert.Equal(t, 2*time.Second, c.Duration())

	require.NoError(t, c.SetCurrentStep("A"))
	require.NoError(t, c.RecordResult(StepResult{StepID: "A", Status: StepCompleted, Output: "a-out"}))
	require.NoError(t, c.RecordResult(StepResult{StepID: "B", Status: StepSkipped}))

	clock.Advance(3 * time.Second)
	require.NoError(t, c.Complete(c.Outputs()))

	assert.Equal(t, StatusCompleted, c.Status())
	assert.Equal(t, 5*time.Second, c.Duration())
	clock.Advance(time.Hour)
	assert.Equal(t, 5*time.Second, c.Duration(), "duration frozen after end")

	snap := c.Snapshot()
	assert.Equal(t, map[string]any{"A": "a-out"}, snap.Outputs)
	assert.Len(t, snap.StepResults, 2)
	assert.True(t, snap.Terminal())

	select {
	case <-c.Done():
	default:
		t.Fatal("done channel should be closed")
	}
}

func TestContext_ApprovalCycle(t *testing.T) {
	c := New("w", nil)
	require.NoError(t, c.Start())

	require.NoError(t, c.AwaitApproval("B", "ap-1"))
	assert.Equal(t, StatusAwaitingApproval, c.Status())
	assert.Equal(t, "ap-1", c.Snapshot().Metadata[MetadataPendingApproval])

	require.NoError(t, c.AwaitApproval("C", "ap-2"))
	assert.Equal(t, []string{"ap-1", "ap-2"}, c.PendingApprovals())

	require.NoError(t, c.ResumeFromApproval("ap-1"))
	assert.Equal(t, StatusAwaitingApproval, c.Status(), "still waiting on ap-2")
	assert.Equal(t, "ap-2", c.Snapshot().Metadata[MetadataPendingApproval])

	require.NoError(t, c.ResumeFromApproval("ap-2"))
	assert.Equal(t, StatusRunning, c.Status())
	assert.NotContains(t, c.Snapshot().Metadata, MetadataPendingApproval)

	t.Run("unknown approval", func(t *testing.T) {
		require.NoError(t, c.AwaitApproval("D", "ap-3"))
		assertOrchestrationError(t, c.ResumeFromApproval("nope"))
	})

	t.Run("results allowed while awaiting", func(t *testing.T) {
		assert.NoError(t, c.RecordResult(StepResult{StepID: "A", Status: StepCompleted}))
	})
}

func TestContext_InvalidTransitions(t *testing.T) {
	t.Run("complete before start", func(t *testing.T) {
		assertOrchestrationError(t, New("w", nil).Complete(nil))
	})

	t.Run("fail before start", func(t *testing.T) {
		assertOrchestrationError(t, New("w", nil).Fail(errors.New("x")))
	})

	t.Run("double start", func(t *testing.T) {
		c := New("w", nil)
		require.NoError(t, c.Start())
		assertOrchestrationError(t, c.Start())
	})

	t.Run("complete while awaiting approval", func(t *testing.T) {
		c := New("w", nil)
		require.NoError(t, c.Start())
		require.NoError(t, c.AwaitApproval("A", "ap"))
		assertOrchestrationError(t, c.Complete(nil))
	})

	t.Run("resume while running", func(t *testing.T) {
		c := New("w", nil)
		require.NoError(t, c.Start())
		assertOrchestrationError(t, c.ResumeFromApproval("ap"))
	})

	t.Run("duplicate result", func(t *testing.T) {
		c := New("w", nil)
		require.NoError(t, c.Start())
		require.NoError(t, c.RecordResult(StepResult{StepID: "A", Status: StepCompleted}))
		assertOrchestrationError(t, c.RecordResult(StepResult{StepID: "A", Status: StepFailed}))
	})
}

func TestContext_TerminalRejectsWrites(t *testing.T) {
	terminals := map[string]func(*Context) error{
		"completed": func(c *Context) error { return c.Complete(nil) },
		"failed":    func(c *Context) error { return c.Fail(errors.New("boom")) },
		"cancelled": func(c *Context) error { return c.Cancel() },
		"timeout":   func(c *Context) error { return c.TimeoutExceeded() },
	}

	for name, toTerminal := range terminals {
		t.Run(name, func(t *testing.T) {
			c := New("w", nil)
			require.NoError(t, c.Start())
			require.NoError(t, toTerminal(c))
			require.True(t, c.Status().Terminal())

			assertOrchestrationError(t, c.Start())
			assertOrchestrationError(t, c.SetCurrentStep("A"))
			assertOrchestrationError(t, c.SetMetadata("k", "v"))
			assertOrchestrationError(t, c.AwaitApproval("A", "ap"))
			assertOrchestrationError(t, c.ResumeFromApproval("ap"))
			assertOrchestrationError(t, c.RecordResult(StepResult{StepID: "A"}))
			assertOrchestrationError(t, c.RecordError("A", errors.New("x")))
			assertOrchestrationError(t, c.Complete(nil))
			assertOrchestrationError(t, c.Fail(nil))
			assertOrchestrationError(t, c.Cancel())
			assertOrchestrationError(t, c.TimeoutExceeded())
		})
	}
}

func TestContext_CancelFromPendingAndAwaiting(t *testing.T) {
	c := New("w", nil)
	require.NoError(t, c.Cancel())
	assert.Equal(t, StatusCancelled, c.Status())

	c = New("w", nil)
	require.NoError(t, c.Start())
	require.NoError(t, c.AwaitApproval("A", "ap"))
	require.NoError(t, c.Cancel())
	assert.Equal(t, StatusCancelled, c.Status())
	assert.Empty(t, c.PendingApprovals())
}

func TestContext_FailAttributesStep(t *testing.T) {
	c := New("w", nil)
	require.NoError(t, c.Start())
	require.NoError(t, c.AwaitApproval("B", "ap"))

	cause := &workflow.StepExecutionError{StepID: "B", Cause: errors.New("approval timed out")}
	require.NoError(t, c.Fail(cause))

	errs := c.Errors()
	require.Len(t, errs, 1)
	assert.Equal(t, "B", errs[0].StepID)
	assert.Contains(t, errs[0].Message, "approval timed out")
	assert.Equal(t, StatusFailed, c.Status())
}

func TestContext_TimeoutRecordsError(t *testing.T) {
	c := New("w", nil)
	require.NoError(t, c.Start())
	require.NoError(t, c.TimeoutExceeded())
	assert.Equal(t, StatusTimeout, c.Status())
	require.Len(t, c.Errors(), 1)
	assert.Contains(t, c.Errors()[0].Message, "timeout")
}

func TestContext_ConcurrentWriters(t *testing.T) {
	c := New("w", nil)
	require.NoError(t, c.Start())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i%26)) + string(rune('A'+i/26))
			_ = c.RecordResult(StepResult{StepID: id, Status: StepCompleted})
			_ = c.RecordError(id, errors.New("note"))
			_ = c.Snapshot()
		}(i)
	}
	wg.Wait()

	snap := c.Snapshot()
	assert.Len(t, snap.StepResults, 50)
	assert.Len(t, snap.Errors, 50)
}

func TestSnapshot_JSON(t *testing.T) {
	c := New("w", map[string]any{"n": 1}, WithID("exec-1"))
	require.NoError(t, c.Start())
	require.NoError(t, c.RecordResult(StepResult{StepID: "A", Status: StepCompleted, Output: map[string]any{"ok": true}}))

	data, err := json.Marshal(c.Snapshot())
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "exec-1", decoded["execution_id"])
	assert.Equal(t, "RUNNING", decoded["status"])
	assert.Contains(t, decoded["step_results"], "A")
}

func TestStatus(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusAwaitingApproval.Terminal())
	assert.True(t, StatusTimeout.Terminal())
	assert.True(t, StatusAwaitingApproval.Active())
	assert.False(t, StatusCompleted.Active())
}

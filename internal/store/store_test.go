package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/flowd/internal/execution"
	"github.com/fyrsmithlabs/flowd/internal/orchestrator"
	"github.com/fyrsmithlabs/flowd/internal/workflow"
)

var _ orchestrator.Recorder = (*Store)(nil)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func snapshot(id, wf string, status execution.Status, start time.Time) execution.Snapshot {
	return execution.Snapshot{
		WorkflowID:  wf,
		ExecutionID: id,
		Status:      status,
		Inputs:      map[string]any{"repo": "flowd"},
		Outputs:     map[string]any{"A": "done"},
		StepResults: map[string]execution.StepResult{
			"A": {StepID: "A", Status: execution.StepCompleted, Output: "done"},
		},
		Errors:          []execution.ErrorEntry{},
		StartTime:       start,
		EndTime:         start.Add(2 * time.Second),
		DurationSeconds: 2,
	}
}

func TestStore_SaveAndGet(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	start := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, s.Save(ctx, snapshot("e1", "release", execution.StatusCompleted, start)))

	got, err := s.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "release", got.WorkflowID)
	assert.Equal(t, execution.StatusCompleted, got.Status)
	assert.Equal(t, "done", got.Outputs["A"])
	assert.Equal(t, execution.StepCompleted, got.StepResults["A"].Status)
	assert.True(t, got.StartTime.Equal(start))

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_SaveReplaces(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	start := time.Now()

	require.NoError(t, s.Save(ctx, snapshot("e1", "wf", execution.StatusRunning, start)))
	require.NoError(t, s.Save(ctx, snapshot("e1", "wf", execution.StatusFailed, start)))

	got, err := s.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, execution.StatusFailed, got.Status)

	all, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestStore_List(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, s.Save(ctx, snapshot("e1", "build", execution.StatusCompleted, base)))
	require.NoError(t, s.Save(ctx, snapshot("e2", "build", execution.StatusFailed, base.Add(time.Minute))))
	require.NoError(t, s.Save(ctx, snapshot("e3", "deploy", execution.StatusCompleted, base.Add(2*time.Minute))))

	all, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"e3", "e2", "e1"}, ids(all))

	builds, err := s.List(ctx, Filter{WorkflowID: "build"})
	require.NoError(t, err)
	assert.Equal(t, []string{"e2", "e1"}, ids(builds))

	completed, err := s.List(ctx, Filter{Status: execution.StatusCompleted, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"e3"}, ids(completed))
}

func TestStore_Prune(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, s.Save(ctx, snapshot("old", "wf", execution.StatusCompleted, base)))
	require.NoError(t, s.Save(ctx, snapshot("new", "wf", execution.StatusCompleted, base.Add(48*time.Hour))))

	n, err := s.Prune(ctx, base.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.Get(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(ctx, "new")
	assert.NoError(t, err)
}

func TestStore_RecordsOrchestratorRuns(t *testing.T) {
	s := openTemp(t)
	orch := orchestrator.New(orchestrator.WithRecorder(s))

	spec := linearSpec()
	plan, err := orch.Plan(spec)
	require.NoError(t, err)

	run, err := orch.Execute(context.Background(), plan, spec, nil, orchestrator.StepExecutorFunc(echoStep))
	require.NoError(t, err)

	got, err := s.Get(context.Background(), run.ID())
	require.NoError(t, err)
	assert.Equal(t, execution.StatusCompleted, got.Status)
	assert.Len(t, got.StepResults, 2)
}

func TestStore_Validation(t *testing.T) {
	_, err := Open("")
	assert.Error(t, err)

	s := openTemp(t)
	assert.Error(t, s.Save(context.Background(), execution.Snapshot{}))
}

func ids(snaps []execution.Snapshot) []string {
	out := make([]string, len(snaps))
	for i, s := range snaps {
		out[i] = s.ExecutionID
	}
	return out
}

func linearSpec() *workflow.Spec {
	spec := &workflow.Spec{Name: "pair", Steps: []workflow.Step{
		{ID: "A"},
		{ID: "B", DependsOn: []string{"A"}},
	}}
	spec.ApplyDefaults()
	return spec
}

func echoStep(_ context.Context, step workflow.Step, _, _ map[string]any) (any, error) {
	return "ran " + step.ID, nil
}

package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/flowd/internal/config"
	"github.com/fyrsmithlabs/flowd/internal/dryrun"
	"github.com/fyrsmithlabs/flowd/internal/execution"
	"github.com/fyrsmithlabs/flowd/internal/logging"
	"github.com/fyrsmithlabs/flowd/internal/store"
	"github.com/fyrsmithlabs/flowd/internal/telemetry"
)

const pipeline = `
name: pipeline
steps:
  - id: fetch
  - id: build
    depends_on: [fetch]
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load()
	require.NoError(t, err)

	dir := t.TempDir()
	cfg.Store.Enabled = true
	cfg.Store.Path = filepath.Join(dir, "history.db")
	cfg.Catalog.Dir = filepath.Join(dir, "workflows")
	require.NoError(t, os.MkdirAll(cfg.Catalog.Dir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Catalog.Dir, "pipeline.yaml"), []byte(pipeline), 0o600))
	return cfg
}

func TestNewApp(t *testing.T) {
	cfg := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tel, err := telemetry.New(ctx, telemetry.FromObservability(cfg.Observability, "test"))
	require.NoError(t, err)

	a, err := newApp(ctx, cfg, logging.NewNop(), tel)
	require.NoError(t, err)
	defer a.Close()

	entry, ok := a.catalog.Get("pipeline")
	require.True(t, ok)
	require.IsType(t, &dryrun.Executor{}, a.executor)

	ectx, err := a.engine.Execute(ctx, entry.Plan, entry.Spec, map[string]any{"ref": "main"}, a.executor)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusCompleted, ectx.Status())

	saved, err := a.history.Get(ctx, ectx.ID())
	require.NoError(t, err)
	assert.Equal(t, "pipeline", saved.WorkflowID)

	list, err := a.history.List(ctx, store.Filter{WorkflowID: "pipeline"})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	assert.NoError(t, a.drain(shutdownCtx))
}

func TestNewApp_Prune(t *testing.T) {
	cfg := testConfig(t)
	cfg.Engine.Retention = time.Nanosecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg, logging.NewNop(), nil)
	require.NoError(t, err)
	defer a.Close()

	entry, _ := a.catalog.Get("pipeline")
	ectx, err := a.engine.Execute(ctx, entry.Plan, entry.Spec, nil, a.executor)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	a.prune(ctx)

	_, err = a.engine.GetStatus(ectx.ID())
	assert.Error(t, err)
	_, err = a.history.Get(ctx, ectx.ID())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestNewExecutor_InvalidStrategy(t *testing.T) {
	cfg := testConfig(t)
	cfg.DryRun.Strategy = "bogus"

	_, err := newExecutor(cfg, logging.NewNop())
	assert.ErrorContains(t, err, "bogus")
}

func TestInitLogger(t *testing.T) {
	cfg := testConfig(t)
	cfg.Logging.Level = "debug"

	logger, err := initLogger(cfg, nil, true)
	require.NoError(t, err)
	assert.True(t, logger.Enabled(zapcore.DebugLevel))

	cfg.Logging.Level = "loud"
	_, err = initLogger(cfg, nil, false)
	assert.Error(t, err)
}

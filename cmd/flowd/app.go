package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/flowd/internal/agent"
	"github.com/fyrsmithlabs/flowd/internal/approval"
	"github.com/fyrsmithlabs/flowd/internal/catalog"
	"github.com/fyrsmithlabs/flowd/internal/config"
	"github.com/fyrsmithlabs/flowd/internal/dryrun"
	"github.com/fyrsmithlabs/flowd/internal/events"
	httpapi "github.com/fyrsmithlabs/flowd/internal/http"
	"github.com/fyrsmithlabs/flowd/internal/logging"
	mcpserver "github.com/fyrsmithlabs/flowd/internal/mcp"
	"github.com/fyrsmithlabs/flowd/internal/orchestrator"
	"github.com/fyrsmithlabs/flowd/internal/planner"
	"github.com/fyrsmithlabs/flowd/internal/store"
	"github.com/fyrsmithlabs/flowd/internal/telemetry"
	"github.com/fyrsmithlabs/flowd/internal/workflow"
)

const pruneInterval = time.Minute

// app holds the wired engine and its infrastructure.
type app struct {
	cfg    *config.Config
	logger *logging.Logger
	tel    *telemetry.Telemetry

	natsConn  *nats.Conn
	local     *events.MemoryBus
	history   *store.Store
	catalog   *catalog.Catalog
	approvals *approval.Manager
	engine    *orchestrator.Orchestrator
	executor  orchestrator.StepExecutor
}

// run starts flowd and blocks until ctx is cancelled.
//
// Startup order:
//  1. Loads and validates configuration
//  2. Initializes telemetry and logger
//  3. Connects the event bus (memory, plus NATS when configured)
//  4. Opens execution history and loads the workflow catalog
//  5. Wires planner, approval manager, orchestrator and step executor
//  6. Serves HTTP, or MCP on stdio with -mcp
//  7. Drains runs on shutdown
func run(ctx context.Context, configPath string, mcpMode bool) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	tel, err := telemetry.New(ctx, telemetry.FromObservability(cfg.Observability, version))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	logger, err := initLogger(cfg, tel, mcpMode)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info(ctx, "starting flowd",
		zap.String("version", version),
		zap.String("executor", cfg.Engine.Executor),
		zap.String("events_backend", cfg.Events.Backend),
		zap.Bool("mcp", mcpMode))

	a, err := newApp(ctx, cfg, logger, tel)
	if err != nil {
		return err
	}
	defer a.Close()

	go a.pruneLoop(ctx)

	if mcpMode {
		return a.serveMCP(ctx)
	}
	return a.serveHTTP(ctx)
}

// initLogger maps the logging section onto the daemon defaults. In MCP mode
// stdout carries the protocol, so logs move to stderr.
func initLogger(cfg *config.Config, tel *telemetry.Telemetry, mcpMode bool) (*logging.Logger, error) {
	lc := logging.NewDefaultConfig()
	level, err := logging.LevelFromString(cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Logging.Level, err)
	}
	lc.Level = level
	lc.Format = cfg.Logging.Format
	if mcpMode {
		lc.Output.Stdout = false
		lc.Output.Stderr = true
	}
	lc.Output.OTEL = cfg.Observability.EnableTelemetry
	return logging.NewLogger(lc, tel.LoggerProvider())
}

// newApp wires every component. Background loops (approval sweeper, catalog
// watcher) are bound to ctx.
func newApp(ctx context.Context, cfg *config.Config, logger *logging.Logger, tel *telemetry.Telemetry) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger, tel: tel}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.local = events.NewMemoryBus(cfg.Events.BufferSize)
	var bus events.Bus = a.local
	if cfg.Events.Backend == "nats" {
		a.natsConn, err = nats.Connect(cfg.Events.NATSURL,
			nats.Name("flowd"),
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(5),
			nats.ReconnectWait(1*time.Second),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.Events.NATSURL, err)
		}
		bus = events.Multi(a.local, events.NewNATSBus(a.natsConn, cfg.Events.SubjectPrefix, logger))
		logger.Info(ctx, "connected to NATS", zap.String("url", cfg.Events.NATSURL))
	}

	plan := planner.New(
		planner.WithCostModel(planner.CostModel{PerAgent: cfg.Planner.AgentCostUSD, Default: cfg.Planner.DefaultCostUSD}),
		planner.WithDurationModel(planner.DurationModel{PerAgent: cfg.Planner.AgentDurationSeconds, Default: cfg.Planner.DefaultDurationSecond}),
		planner.WithLogger(logger),
	)

	if cfg.Store.Enabled {
		path := config.ExpandHome(cfg.Store.Path)
		a.history, err = store.Open(path, store.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("failed to open execution history: %w", err)
		}
		logger.Info(ctx, "execution history opened", zap.String("path", path))
	}

	a.catalog = catalog.New(config.ExpandHome(cfg.Catalog.Dir), catalog.WithLogger(logger), catalog.WithPlanner(plan))
	if err = a.catalog.Load(ctx); err != nil {
		return nil, fmt.Errorf("failed to load workflow catalog: %w", err)
	}
	if cfg.Catalog.Watch {
		go func() {
			if werr := a.catalog.Watch(ctx); werr != nil {
				logger.Error(ctx, "workflow catalog watcher stopped", zap.Error(werr))
			}
		}()
	}

	a.approvals = approval.NewManager(
		approval.WithBus(bus),
		approval.WithLogger(logger),
		approval.WithMetrics(approval.NewMetrics()),
		approval.WithYOLO(cfg.Approval.YOLO),
		approval.WithSweepInterval(cfg.Approval.SweepInterval),
		approval.WithDefaultTimeout(cfg.Approval.DefaultTimeout),
	)
	go func() {
		_ = a.approvals.Run(ctx)
	}()
	if cfg.Approval.YOLO {
		logger.Warn(ctx, "YOLO mode enabled: approval gates are auto-approved")
	}

	opts := []orchestrator.Option{
		orchestrator.WithPlanner(plan),
		orchestrator.WithApprovals(a.approvals),
		orchestrator.WithBus(bus),
		orchestrator.WithLogger(logger),
		orchestrator.WithTracer(tel.Tracer("github.com/fyrsmithlabs/flowd/orchestrator")),
		orchestrator.WithMetrics(orchestrator.NewMetrics()),
		orchestrator.WithConfig(orchestrator.Config{
			MaxConcurrency:   cfg.Engine.MaxConcurrency,
			DefaultOnError:   workflow.OnError(cfg.Engine.DefaultOnError),
			ExecutionTimeout: cfg.Engine.ExecutionTimeout,
		}),
	}
	if a.history != nil {
		opts = append(opts, orchestrator.WithRecorder(a.history))
	}
	a.engine = orchestrator.New(opts...)

	a.executor, err = newExecutor(cfg, logger)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// newExecutor builds the configured step executor.
func newExecutor(cfg *config.Config, logger *logging.Logger) (orchestrator.StepExecutor, error) {
	switch cfg.Engine.Executor {
	case "agent":
		exec, err := agent.New(agent.FromConfig(cfg.Agent), agent.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("failed to create agent executor: %w", err)
		}
		return exec, nil
	default:
		dc, err := dryrun.FromConfig(cfg.DryRun)
		if err != nil {
			return nil, err
		}
		exec, err := dryrun.New(dc, dryrun.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("failed to create dry-run executor: %w", err)
		}
		return exec, nil
	}
}

func (a *app) serveHTTP(ctx context.Context) error {
	opts := []httpapi.Option{
		httpapi.WithCatalog(a.catalog),
		httpapi.WithEvents(a.local),
		httpapi.WithMetrics(httpapi.NewHTTPMetricsWithMeter(a.tel.Meter("github.com/fyrsmithlabs/flowd/http"), a.logger)),
	}
	if a.history != nil {
		opts = append(opts, httpapi.WithHistory(a.history))
	}
	if a.tel != nil {
		opts = append(opts, httpapi.WithTelemetry(a.tel))
	}
	srv, err := httpapi.NewServer(a.engine, a.executor, a.logger, &httpapi.Config{
		Host:    a.cfg.Server.Host,
		Port:    a.cfg.Server.Port,
		Version: version,
	}, opts...)
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	a.logger.Info(ctx, "server configured",
		zap.String("health_endpoint", fmt.Sprintf("http://%s/health", a.cfg.Server.Addr())),
		zap.String("api_prefix", "/api/v1"),
		zap.String("metrics_endpoint", "/metrics"))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	return errors.Join(srv.Shutdown(shutdownCtx), a.drain(shutdownCtx))
}

func (a *app) serveMCP(ctx context.Context) error {
	srv, err := mcpserver.NewServer(&mcpserver.Config{
		Name:    "flowd",
		Version: version,
		Logger:  a.logger,
		Metrics: mcpserver.NewMetrics(a.logger),
	}, a.engine, a.executor, a.catalog)
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}

	runErr := srv.Run(ctx)
	if ctx.Err() != nil {
		runErr = nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	return errors.Join(runErr, a.drain(shutdownCtx))
}

// drain cancels in-flight runs and waits for them to settle.
func (a *app) drain(ctx context.Context) error {
	if err := a.engine.Shutdown(ctx); err != nil {
		a.logger.Warn(ctx, "executions did not drain before shutdown deadline", zap.Error(err))
		return err
	}
	return nil
}

// pruneLoop drops finished runs older than the retention window from memory
// and from history.
func (a *app) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.prune(ctx)
		}
	}
}

func (a *app) prune(ctx context.Context) {
	retention := a.cfg.Engine.Retention
	dropped := a.engine.Prune(retention)
	var archived int64
	if a.history != nil {
		n, err := a.history.Prune(ctx, time.Now().Add(-retention))
		if err != nil {
			a.logger.Warn(ctx, "history prune failed", zap.Error(err))
		}
		archived = n
	}
	if dropped > 0 || archived > 0 {
		a.logger.Debug(ctx, "pruned finished executions",
			zap.Int("in_memory", dropped),
			zap.Int64("history", archived))
	}
}

// Close releases infrastructure resources.
func (a *app) Close() {
	if a.history != nil {
		_ = a.history.Close()
	}
	if a.natsConn != nil {
		a.natsConn.Close()
	}
}

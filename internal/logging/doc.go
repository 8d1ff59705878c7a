// Package logging provides structured logging for flowd on top of Zap.
//
// # Overview
//
// The Logger wraps Zap with:
//   - A Trace level (-2, below Debug) for per-step dispatch detail
//   - stdout/stderr output plus an optional OpenTelemetry bridge
//   - Automatic correlation fields taken from the context
//     (trace_id, workflow.id, execution.id, step.id, request.id)
//   - Redaction of provider API keys and bearer tokens
//   - Per-level sampling (errors are never sampled)
//
// # Usage
//
//	logger, err := logging.NewLogger(logging.NewDefaultConfig(), nil)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithExecution(ctx, "code-review", execID)
//	ctx = logging.WithStepID(ctx, "analyze")
//	logger.Info(ctx, "step completed", zap.Duration("duration", d))
//
// # Testing
//
//	tl := logging.NewTestLogger()
//	orch := orchestrator.New(..., orchestrator.WithLogger(tl.Logger))
//	tl.AssertLogged(t, zapcore.InfoLevel, "execution finished")
//	tl.AssertField(t, "execution finished", "status", "COMPLETED")
//
// Logger and its children (With, Named) are safe for concurrent use.
package logging

package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger(t *testing.T) {
	t.Run("defaults are valid", func(t *testing.T) {
		logger, err := NewLogger(NewDefaultConfig(), nil)
		require.NoError(t, err)
		assert.True(t, logger.Enabled(zapcore.InfoLevel))
		assert.False(t, logger.Enabled(zapcore.DebugLevel))
	})

	t.Run("cli config logs warnings to stderr", func(t *testing.T) {
		cfg := NewCLIConfig()
		logger, err := NewLogger(cfg, nil)
		require.NoError(t, err)
		assert.True(t, logger.Enabled(zapcore.WarnLevel))
		assert.False(t, logger.Enabled(zapcore.InfoLevel))
	})

	t.Run("otel only without provider fails", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Output = OutputConfig{OTEL: true}
		_, err := NewLogger(cfg, nil)
		assert.Error(t, err)
	})

	t.Run("invalid config", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Format = "xml"
		_, err := NewLogger(cfg, nil)
		assert.ErrorContains(t, err, "format")
	})
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"both sinks", func(c *Config) { c.Output.Stderr = true }, "mutually exclusive"},
		{"no sinks", func(c *Config) { c.Output = OutputConfig{} }, "at least one output"},
		{"zero tick", func(c *Config) { c.Sampling.Tick = 0 }, "sampling tick"},
		{"negative skip", func(c *Config) { c.Caller.Skip = -1 }, "caller skip"},
		{"bad pattern", func(c *Config) { c.Redaction.Patterns = []string{"("} }, "invalid redaction pattern"},
		{"empty field value", func(c *Config) { c.Fields["env"] = "" }, "empty value"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.wantErr)
		})
	}
}

func TestLevelFromString(t *testing.T) {
	lvl, err := LevelFromString("trace")
	require.NoError(t, err)
	assert.Equal(t, TraceLevel, lvl)

	lvl, err = LevelFromString("warn")
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, lvl)

	_, err = LevelFromString("loud")
	assert.Error(t, err)
}

func TestLogger_ContextFields(t *testing.T) {
	tl := NewTestLogger()

	ctx := WithExecution(context.Background(), "release", "exec-1")
	ctx = WithStepID(ctx, "build")
	ctx = WithRequestID(ctx, "req-9")
	tl.Info(ctx, "step started", zap.String("agent", "coder"))

	tl.AssertLogged(t, zapcore.InfoLevel, "step started")
	tl.AssertField(t, "step started", "workflow.id", "release")
	tl.AssertField(t, "step started", "execution.id", "exec-1")
	tl.AssertField(t, "step started", "step.id", "build")
	tl.AssertField(t, "step started", "request.id", "req-9")
	tl.AssertField(t, "step started", "agent", "coder")
}

func TestLogger_TraceContext(t *testing.T) {
	tl := NewTestLogger()

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1, 2, 3},
		SpanID:     trace.SpanID{4, 5, 6},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	tl.Debug(ctx, "traced")

	tl.AssertField(t, "traced", "trace_id", sc.TraceID().String())
	tl.AssertField(t, "traced", "span_id", sc.SpanID().String())
}

func TestLogger_NilContext(t *testing.T) {
	tl := NewTestLogger()
	//nolint:staticcheck // nil context tolerated by ContextFields
	tl.Warn(nil, "no context")
	tl.AssertLogged(t, zapcore.WarnLevel, "no context")
}

func TestLogger_WithAndNamed(t *testing.T) {
	tl := NewTestLogger()
	child := tl.With(zap.String("component", "approval")).Named("sweeper")
	child.Trace(context.Background(), "sweep tick")

	entries := tl.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "sweeper", entries[0].LoggerName)
	assert.Equal(t, "approval", entries[0].ContextMap()["component"])
	assert.Equal(t, TraceLevel, entries[0].Level)
}

func TestFromContext(t *testing.T) {
	assert.NotNil(t, FromContext(context.Background()))

	tl := NewTestLogger()
	ctx := WithLogger(context.Background(), tl.Logger)
	FromContext(ctx).Info(ctx, "from ctx")
	assert.Equal(t, 1, tl.Count("from ctx"))

	assert.Empty(t, ExecutionIDFromContext(context.Background()))
	assert.Equal(t, "e", ExecutionIDFromContext(WithExecution(context.Background(), "", "e")))
}

func TestTestLogger_Reset(t *testing.T) {
	tl := NewTestLogger()
	tl.Error(context.Background(), "boom")
	tl.AssertLogged(t, zapcore.ErrorLevel, "boom")
	tl.Reset()
	tl.AssertNotLogged(t, zapcore.ErrorLevel, "boom")
}

func TestTestLogger_AssertNoSecrets(t *testing.T) {
	tl := NewTestLogger()
	tl.Info(context.Background(), "agent configured",
		Secret("api_key", "sk-live-1234"),
		zap.String("model", "gpt-4o-mini"))

	tl.AssertNoSecrets(t, "sk-live-1234", "")

	leaky := NewTestLogger()
	leaky.Info(context.Background(), "agent configured", zap.String("api_key", "sk-live-1234"))
	probe := &failRecorder{TB: t}
	leaky.AssertNoSecrets(probe, "sk-live-1234")
	assert.True(t, probe.failed)
}

type failRecorder struct {
	testing.TB
	failed bool
}

func (f *failRecorder) Helper() {}

func (f *failRecorder) Errorf(string, ...any) { f.failed = true }

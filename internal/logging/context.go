// internal/logging/context.go
package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from ctx. A nil context yields no
// fields.
func ContextFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	fields := make([]zap.Field, 0, 8)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}

	if run, ok := ctx.Value(executionCtxKey{}).(executionRef); ok {
		if run.workflowID != "" {
			fields = append(fields, zap.String("workflow.id", run.workflowID))
		}
		fields = append(fields, zap.String("execution.id", run.executionID))
	}
	if stepID := StepIDFromContext(ctx); stepID != "" {
		fields = append(fields, zap.String("step.id", stepID))
	}
	if requestID := RequestIDFromContext(ctx); requestID != "" {
		fields = append(fields, zap.String("request.id", requestID))
	}

	return fields
}

type executionCtxKey struct{}
type stepCtxKey struct{}
type requestCtxKey struct{}
type loggerCtxKey struct{}

type executionRef struct {
	workflowID  string
	executionID string
}

// WithExecution tags ctx with the workflow and execution being driven.
func WithExecution(ctx context.Context, workflowID, executionID string) context.Context {
	return context.WithValue(ctx, executionCtxKey{}, executionRef{workflowID: workflowID, executionID: executionID})
}

// ExecutionIDFromContext returns the execution id set by WithExecution.
func ExecutionIDFromContext(ctx context.Context) string {
	if run, ok := ctx.Value(executionCtxKey{}).(executionRef); ok {
		return run.executionID
	}
	return ""
}

// WithStepID tags ctx with the step being executed.
func WithStepID(ctx context.Context, stepID string) context.Context {
	return context.WithValue(ctx, stepCtxKey{}, stepID)
}

// StepIDFromContext returns the step id set by WithStepID.
func StepIDFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(stepCtxKey{}).(string); ok {
		return s
	}
	return ""
}

// WithRequestID tags ctx with an inbound API request id.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestCtxKey{}, requestID)
}

// RequestIDFromContext returns the request id set by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	if r, ok := ctx.Value(requestCtxKey{}).(string); ok {
		return r
	}
	return ""
}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves the logger stored by WithLogger, or a nop logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok && l != nil {
		return l
	}
	return NewNop()
}

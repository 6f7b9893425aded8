package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type executionCtxKey struct{}
type stepCtxKey struct{}

// WithExecutionID stores the execution ID for log correlation.
func WithExecutionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, executionCtxKey{}, id)
}

// ExecutionIDFromContext returns the execution ID, or "".
func ExecutionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(executionCtxKey{}).(string)
	return id
}

// WithStepID stores the current step ID for log correlation.
func WithStepID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, stepCtxKey{}, id)
}

// StepIDFromContext returns the step ID, or "".
func StepIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(stepCtxKey{}).(string)
	return id
}

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 4)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}

	if id := ExecutionIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("execution.id", id))
	}
	if id := StepIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("step.id", id))
	}

	return fields
}

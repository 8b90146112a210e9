package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 8)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}

	if exec, ok := ExecutionFromContext(ctx); ok {
		fields = append(fields,
			zap.String("execution.kind", exec.Kind),
			zap.String("execution.id", exec.ID),
		)
	}
	if taskID := TaskIDFromContext(ctx); taskID != "" {
		fields = append(fields, zap.String("task.id", taskID))
	}
	if key := SessionKeyFromContext(ctx); key != "" {
		fields = append(fields, zap.String("session.key", key))
	}
	if requestID := RequestIDFromContext(ctx); requestID != "" {
		fields = append(fields, zap.String("request.id", requestID))
	}

	return fields
}

type executionCtxKey struct{}
type taskCtxKey struct{}
type sessionKeyCtxKey struct{}
type requestCtxKey struct{}

// Execution identifies the goal or plan a log line belongs to.
type Execution struct {
	Kind string
	ID   string
}

// WithExecution tags ctx with an execution kind ("goal" or "plan") and id.
func WithExecution(ctx context.Context, kind, id string) context.Context {
	return context.WithValue(ctx, executionCtxKey{}, Execution{Kind: kind, ID: id})
}

// ExecutionFromContext returns the execution ctx was tagged with.
func ExecutionFromContext(ctx context.Context) (Execution, bool) {
	e, ok := ctx.Value(executionCtxKey{}).(Execution)
	return e, ok
}

// WithTaskID tags ctx with a plan task id.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskCtxKey{}, taskID)
}

// TaskIDFromContext returns the task id, or "".
func TaskIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(taskCtxKey{}).(string)
	return s
}

// WithSessionKey tags ctx with the isolated-turn session key.
func WithSessionKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, sessionKeyCtxKey{}, key)
}

// SessionKeyFromContext returns the session key, or "".
func SessionKeyFromContext(ctx context.Context) string {
	s, _ := ctx.Value(sessionKeyCtxKey{}).(string)
	return s
}

// WithRequestID tags ctx with an HTTP request id.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestCtxKey{}, requestID)
}

// RequestIDFromContext returns the request id, or "".
func RequestIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(requestCtxKey{}).(string)
	return s
}

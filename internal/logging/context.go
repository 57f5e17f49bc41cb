package logging

import (
	"context"
	"log/slog"
)

const (
	// FieldComponent is the standardized structured logging key for component names.
	FieldComponent = "component"
	// FieldItemID is the standardized structured logging key for workflow item identifiers.
	FieldItemID = "item_id"
	// FieldState is the standardized structured logging key for workflow states.
	FieldState = "state"
	// FieldStage is the standardized structured logging key for workflow stage labels.
	FieldStage = "stage"
	// FieldWorkerID is the standardized structured logging key for worker identifiers.
	FieldWorkerID = "worker_id"
	// FieldService is the standardized structured logging key for quota-bound service names.
	FieldService = "service"
	// FieldEventType is the standardized structured logging key for domain event types.
	FieldEventType = "event_type"
	// FieldCorrelationID is the standardized structured logging key for request correlation identifiers.
	FieldCorrelationID = "correlation_id"
)

type contextKey int

const (
	ctxKeyItemID contextKey = iota
	ctxKeyWorkerID
	ctxKeyCorrelationID
)

// WithItemID stores a workflow item identifier on the context.
func WithItemID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, ctxKeyItemID, id)
}

// WithWorkerID stores a worker identifier on the context.
func WithWorkerID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyWorkerID, id)
}

// WithCorrelationID stores a correlation identifier on the context.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyCorrelationID, id)
}

// ContextFields extracts standardized slog attributes from the provided context.
func ContextFields(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	fields := make([]slog.Attr, 0, 3)
	if id, ok := ctx.Value(ctxKeyItemID).(int64); ok {
		fields = append(fields, slog.Int64(FieldItemID, id))
	}
	if worker, ok := ctx.Value(ctxKeyWorkerID).(string); ok && worker != "" {
		fields = append(fields, slog.String(FieldWorkerID, worker))
	}
	if rid, ok := ctx.Value(ctxKeyCorrelationID).(string); ok && rid != "" {
		fields = append(fields, slog.String(FieldCorrelationID, rid))
	}
	return fields
}

// WithContext returns a logger augmented with structured fields derived from the supplied context.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	args := make([]any, 0, len(fields))
	for _, field := range fields {
		args = append(args, field)
	}
	return logger.With(args...)
}

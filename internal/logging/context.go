package logging

import (
	"context"
	"log/slog"
	"strconv"
)

type ctxKey int

const (
	runIDKey ctxKey = iota
	stepIndexKey
	companyIDKey
)

// WithRunID returns a context with the run ID set.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// WithStepIndex returns a context with the step index set.
func WithStepIndex(ctx context.Context, idx int) context.Context {
	return context.WithValue(ctx, stepIndexKey, idx)
}

// WithCompanyID returns a context with the company ID set.
func WithCompanyID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, companyIDKey, id)
}

// RunID extracts the run ID from the context, or "" if absent.
func RunID(ctx context.Context) string {
	v, _ := ctx.Value(runIDKey).(string)
	return v
}

// StepIndex extracts the step index from the context, or -1 if absent.
func StepIndex(ctx context.Context) int {
	v, ok := ctx.Value(stepIndexKey).(int)
	if !ok {
		return -1
	}
	return v
}

// CompanyID extracts the company ID from the context, or "" if absent.
func CompanyID(ctx context.Context) string {
	v, _ := ctx.Value(companyIDKey).(string)
	return v
}

// WithIDs sets all correlation IDs on the context at once.
func WithIDs(ctx context.Context, runID string, stepIndex int, companyID string) context.Context {
	ctx = WithRunID(ctx, runID)
	ctx = WithStepIndex(ctx, stepIndex)
	ctx = WithCompanyID(ctx, companyID)
	return ctx
}

// CorrelationHandler wraps an slog.Handler, automatically injecting
// correlation IDs from the context into every log record.
// Use with slog.New(NewCorrelationHandler(inner)) so callers can use
// logger.InfoContext(ctx, ...) and IDs appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if v := RunID(ctx); v != "" {
		r.AddAttrs(slog.String("run_id", v))
	}
	if v := StepIndex(ctx); v >= 0 {
		r.AddAttrs(slog.String("step", strconv.Itoa(v)))
	}
	if v := CompanyID(ctx); v != "" {
		r.AddAttrs(slog.String("company_id", v))
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}

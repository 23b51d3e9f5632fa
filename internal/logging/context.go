// Package logging carries run correlation ids on contexts and builds the
// process log handler.
package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	repoIDKey ctxKey = iota
	runIDKey
	jobIDKey
	stepIDKey
)

// WithRun returns a context carrying the repository and run ids.
func WithRun(ctx context.Context, repoID, runID string) context.Context {
	ctx = context.WithValue(ctx, repoIDKey, repoID)
	return context.WithValue(ctx, runIDKey, runID)
}

// WithJob returns a context carrying the job run id.
func WithJob(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// WithStep returns a context carrying the step id.
func WithStep(ctx context.Context, stepID string) context.Context {
	return context.WithValue(ctx, stepIDKey, stepID)
}

func RepoID(ctx context.Context) string { return stringValue(ctx, repoIDKey) }
func RunID(ctx context.Context) string  { return stringValue(ctx, runIDKey) }
func JobID(ctx context.Context) string  { return stringValue(ctx, jobIDKey) }
func StepID(ctx context.Context) string { return stringValue(ctx, stepIDKey) }

func stringValue(ctx context.Context, k ctxKey) string {
	v, _ := ctx.Value(k).(string)
	return v
}

// attrs lists the non-empty correlation ids on ctx, outermost first.
func attrs(ctx context.Context) []slog.Attr {
	var out []slog.Attr
	for _, kv := range []struct {
		name string
		key  ctxKey
	}{
		{"repo_id", repoIDKey},
		{"run_id", runIDKey},
		{"job_id", jobIDKey},
		{"step_id", stepIDKey},
	} {
		if v := stringValue(ctx, kv.key); v != "" {
			out = append(out, slog.String(kv.name, v))
		}
	}
	return out
}

// LogWith returns logger enriched with the correlation ids on ctx.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, a := range attrs(ctx) {
		logger = logger.With(a)
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler and adds the correlation ids of
// the record's context, so logger.InfoContext(ctx, ...) is enough.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps inner.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(attrs(ctx)...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(as []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(as)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}

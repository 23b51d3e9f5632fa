package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()

	assert.Equal(t, "", RunID(ctx))
	assert.Equal(t, "", JobID(ctx))
	assert.Equal(t, "", StepID(ctx))

	ctx = WithRun(ctx, "acme/api", "run-1")
	ctx = WithJob(ctx, "build-2")
	ctx = WithStep(ctx, "compile")

	assert.Equal(t, "acme/api", RepoID(ctx))
	assert.Equal(t, "run-1", RunID(ctx))
	assert.Equal(t, "build-2", JobID(ctx))
	assert.Equal(t, "compile", StepID(ctx))
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx := WithJob(WithRun(context.Background(), "acme/api", "run-1"), "build")
	LogWith(ctx, logger).Info("job started")

	out := buf.String()
	assert.Contains(t, out, "repo_id=acme/api")
	assert.Contains(t, out, "run_id=run-1")
	assert.Contains(t, out, "job_id=build")
	assert.NotContains(t, out, "step_id")
	assert.Contains(t, out, "job started")
}

func TestLogWithEmptyContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	LogWith(context.Background(), logger).Info("no context")

	out := buf.String()
	assert.NotContains(t, out, "run_id")
	assert.Contains(t, out, "no context")
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := WithStep(WithRun(context.Background(), "r", "run-9"), "test")
	logger.With("component", "engine").InfoContext(ctx, "step finished")

	out := buf.String()
	assert.Contains(t, out, `"run_id":"run-9"`)
	assert.Contains(t, out, `"step_id":"test"`)
	assert.Contains(t, out, `"component":"engine"`)
	assert.NotContains(t, out, "job_id")
}

func TestCorrelationHandler_WithGroup(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewTextHandler(&buf, nil)))

	logger.WithGroup("g").InfoContext(WithRun(context.Background(), "", "run-2"), "grouped", "k", "v")
	assert.Contains(t, buf.String(), "g.k=v")
	assert.Contains(t, buf.String(), "g.run_id=run-2")
}

func TestCorrelationHandler_Enabled(t *testing.T) {
	h := NewCorrelationHandler(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelWarn}))
	assert.False(t, h.Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, h.Enabled(context.Background(), slog.LevelError))
}

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel("debug")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, l)

	l, err = ParseLevel(" WARN ")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, l)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}

func TestNewHandler(t *testing.T) {
	var buf bytes.Buffer
	for _, f := range []string{"", "text", "json", "pretty"} {
		h, err := NewHandler(&buf, slog.LevelInfo, f)
		require.NoError(t, err, f)
		_, ok := h.(*CorrelationHandler)
		assert.True(t, ok, f)
	}

	h, err := NewHandler(&buf, slog.LevelInfo, "json")
	require.NoError(t, err)
	slog.New(h).InfoContext(WithRun(context.Background(), "", "run-3"), "hello")
	assert.Contains(t, buf.String(), `"run_id":"run-3"`)

	_, err = NewHandler(&buf, slog.LevelInfo, "xml")
	assert.Error(t, err)
}

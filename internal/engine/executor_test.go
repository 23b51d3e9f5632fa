package engine

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/pipewright/internal/actions"
	"github.com/rendis/pipewright/internal/blobstore"
	"github.com/rendis/pipewright/internal/expressions"
	"github.com/rendis/pipewright/internal/secrets"
	"github.com/rendis/pipewright/internal/store"
	"github.com/rendis/pipewright/internal/streaming"
	"github.com/rendis/pipewright/pkg/schema"
)

const testRepo = "acme/app"

// --- fakes ---

type fakeSource struct {
	mu  sync.Mutex
	wfs map[string]*schema.Workflow
}

func (f *fakeSource) Workflow(_ context.Context, _, id string) (*schema.Workflow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wf, ok := f.wfs[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeDefinitionNotFound, "workflow %s not found", id)
	}
	return wf, nil
}

// panicCatalog blows up on every lookup.
type panicCatalog struct {
	actions.Catalog
}

func (panicCatalog) Lookup(string) (*actions.CompositeAction, error) {
	panic("catalog exploded")
}

// --- harness ---

type harness struct {
	exec  *Executor
	runs  *store.MemoryStore
	hub   *streaming.MemoryHub
	blobs *blobstore.Store
}

type option func(*Config, *actions.Catalog)

func withConfig(fn func(*Config)) option {
	return func(c *Config, _ *actions.Catalog) { fn(c) }
}

func withCatalog(cat actions.Catalog) option {
	return func(_ *Config, c *actions.Catalog) { *c = cat }
}

func newHarness(t *testing.T, wfs []*schema.Workflow, opts ...option) *harness {
	t.Helper()
	runs, err := store.NewMemoryStore(store.MemoryConfig{})
	require.NoError(t, err)

	src := &fakeSource{wfs: map[string]*schema.Workflow{}}
	for _, wf := range wfs {
		src.wfs[wf.ID] = wf
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{
		runs:  runs,
		hub:   streaming.NewMemoryHub(4096),
		blobs: blobstore.New(blobstore.NewMemoryBackend(), blobstore.Config{Logger: logger}),
	}
	cfg := Config{
		WorkDir: t.TempDir(),
		Hub:     h.hub,
		Blobs:   h.blobs,
		Logger:  logger,
	}
	var catalog actions.Catalog = actions.NewBuiltinRegistry()
	for _, o := range opts {
		o(&cfg, &catalog)
	}
	h.exec = NewExecutor(src, runs, catalog, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	h.exec.Start(ctx)
	t.Cleanup(func() {
		cancel()
		h.exec.Stop()
	})
	return h
}

func workflow(id string, jobs ...schema.JobDefinition) *schema.Workflow {
	return &schema.Workflow{
		ID:       id,
		RepoID:   testRepo,
		Name:     strings.TrimSuffix(id, ".yml"),
		Jobs:     jobs,
		Defaults: schema.Defaults{Shell: "sh"},
		Active:   true,
	}
}

func shJob(id string, scripts ...string) schema.JobDefinition {
	j := schema.JobDefinition{ID: id, RunsOn: []string{"ubuntu-latest"}}
	for i, s := range scripts {
		j.Steps = append(j.Steps, schema.StepDefinition{ID: "s" + string(rune('1'+i)), Run: s})
	}
	return j
}

func pushRequest(wfID string) schema.TriggerRequest {
	return schema.TriggerRequest{
		WorkflowID: wfID,
		RepoID:     testRepo,
		Kind:       schema.TriggerPush,
		Actor:      "octo",
		Ref:        "refs/heads/main",
		CommitSHA:  "abc123",
	}
}

func (h *harness) trigger(t *testing.T, req schema.TriggerRequest) *schema.Run {
	t.Helper()
	run, err := h.exec.TriggerRun(context.Background(), req)
	require.NoError(t, err)
	return run
}

func (h *harness) wait(t *testing.T, runID string) *schema.Run {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	run, err := h.exec.WaitRun(ctx, runID)
	require.NoError(t, err)
	require.True(t, run.Status.Terminal(), "run %s is %s", runID, run.Status)
	return run
}

func (h *harness) run(t *testing.T, wfID string) *schema.Run {
	t.Helper()
	return h.wait(t, h.trigger(t, pushRequest(wfID)).ID)
}

func (h *harness) waitStatus(t *testing.T, runID string, status schema.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		r, err := h.runs.GetRun(context.Background(), runID)
		return err == nil && r.Status == status
	}, 10*time.Second, 10*time.Millisecond)
}

func step(t *testing.T, r *schema.Run, jobID, stepID string) *schema.StepRun {
	t.Helper()
	j := r.Job(jobID)
	require.NotNil(t, j, "job %s", jobID)
	for _, s := range j.Steps {
		if s.ID == stepID {
			return s
		}
	}
	require.Failf(t, "step not found", "%s/%s", jobID, stepID)
	return nil
}

// --- lifecycle ---

func TestExecutor_SimpleRunSucceeds(t *testing.T) {
	h := newHarness(t, []*schema.Workflow{workflow("ci.yml", shJob("build", "echo hello"))})

	queued := h.trigger(t, pushRequest("ci.yml"))
	assert.Equal(t, schema.StatusQueued, queued.Status)
	assert.Equal(t, int64(1), queued.RunNumber)
	assert.Equal(t, "main", queued.Trigger.Branch)

	run := h.wait(t, queued.ID)
	assert.Equal(t, schema.StatusCompleted, run.Status)
	assert.Equal(t, schema.ConclusionSuccess, run.Conclusion)
	require.NotNil(t, run.StartedAt)
	require.NotNil(t, run.CompletedAt)

	s := step(t, run, "build", "s1")
	assert.Equal(t, schema.ConclusionSuccess, s.Conclusion)
	assert.Equal(t, "hello\n", s.Stdout)
	assert.Equal(t, 0, s.ExitCode)

	require.NotEmpty(t, run.LogsID)
	lines, err := h.exec.Logs().Read(context.Background(), run.LogsID)
	require.NoError(t, err)
	var found bool
	for _, l := range lines {
		if l.Stream == streaming.StreamStdout && l.Message == "hello" {
			found = true
			assert.Equal(t, "build", l.JobID)
			assert.Equal(t, "s1", l.StepID)
		}
	}
	assert.True(t, found, "stdout line not in persisted log")
}

func TestExecutor_RunNumbersPerWorkflow(t *testing.T) {
	h := newHarness(t, []*schema.Workflow{
		workflow("ci.yml", shJob("build", "true")),
		workflow("release.yml", shJob("build", "true")),
	})

	a := h.run(t, "ci.yml")
	b := h.run(t, "ci.yml")
	c := h.run(t, "release.yml")
	assert.Equal(t, int64(1), a.RunNumber)
	assert.Equal(t, int64(2), b.RunNumber)
	assert.Equal(t, int64(1), c.RunNumber)
}

func TestExecutor_UnknownWorkflow(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.exec.TriggerRun(context.Background(), pushRequest("nope.yml"))
	assert.True(t, schema.HasCode(err, schema.ErrCodeDefinitionNotFound))
}

func TestExecutor_Events(t *testing.T) {
	h := newHarness(t, []*schema.Workflow{workflow("ci.yml", shJob("build", "echo hi"))})

	events, unsubscribe, err := h.hub.Subscribe(context.Background(), streaming.Filter{RepoID: testRepo})
	require.NoError(t, err)
	defer unsubscribe()

	run := h.run(t, "ci.yml")

	seen := map[string]bool{}
	timeout := time.After(5 * time.Second)
	for !seen[schema.EventRunCompleted] {
		select {
		case e := <-events:
			assert.Equal(t, run.ID, e.RunID)
			seen[e.Type] = true
		case <-timeout:
			t.Fatalf("run_completed not received; saw %v", seen)
		}
	}
	for _, typ := range []string{
		schema.EventRunQueued, schema.EventRunStarted, schema.EventJobStarted,
		schema.EventStepStarted, schema.EventStepCompleted, schema.EventLogLine, schema.EventJobCompleted,
	} {
		assert.True(t, seen[typ], typ)
	}
}

// --- jobs and needs ---

func TestExecutor_NeedsOutputs(t *testing.T) {
	build := shJob("build", `echo "tag=v1.2.3" >> "$GITHUB_OUTPUT"`)
	build.Steps[0].ID = "meta"
	build.Outputs = map[string]string{"tag": "${{ steps.meta.outputs.tag }}"}

	deploy := shJob("deploy", `echo "${{ needs.build.outputs.tag }} ${{ needs.build.result }}"`)
	deploy.Needs = []string{"build"}

	h := newHarness(t, []*schema.Workflow{workflow("ci.yml", build, deploy)})
	run := h.run(t, "ci.yml")

	require.Equal(t, schema.ConclusionSuccess, run.Conclusion)
	assert.Equal(t, map[string]string{"tag": "v1.2.3"}, run.Job("build").Outputs)
	assert.Equal(t, "v1.2.3 success\n", step(t, run, "deploy", "s1").Stdout)
}

func TestExecutor_NeedsGating(t *testing.T) {
	build := shJob("build", "exit 1")
	test := shJob("test", "echo never")
	test.Needs = []string{"build"}
	deploy := shJob("deploy", "echo never")
	deploy.Needs = []string{"test"}
	report := shJob("report", `echo "build was ${{ needs.build.result }}"`)
	report.Needs = []string{"build"}
	report.If = "${{ always() }}"
	onFailure := shJob("notify", "echo notify")
	onFailure.Needs = []string{"build"}
	onFailure.If = "failure()"

	h := newHarness(t, []*schema.Workflow{workflow("ci.yml", build, test, deploy, report, onFailure)})
	run := h.run(t, "ci.yml")

	assert.Equal(t, schema.ConclusionFailure, run.Conclusion)
	assert.Equal(t, schema.ConclusionFailure, run.Job("build").Conclusion)

	for _, id := range []string{"test", "deploy"} {
		j := run.Job(id)
		assert.Equal(t, schema.ConclusionSkipped, j.Conclusion, id)
		assert.Nil(t, j.StartedAt, "%s must never enter in_progress", id)
		assert.Equal(t, schema.ConclusionSkipped, j.Steps[0].Conclusion)
	}
	assert.Equal(t, schema.ConclusionSuccess, run.Job("report").Conclusion)
	assert.Equal(t, "build was failure\n", step(t, run, "report", "s1").Stdout)
	assert.Equal(t, schema.ConclusionSuccess, run.Job("notify").Conclusion)
}

func TestExecutor_JobIfFalseSkips(t *testing.T) {
	lint := shJob("lint", "true")
	release := shJob("release", "echo never")
	release.If = "github.ref == 'refs/heads/release'"

	h := newHarness(t, []*schema.Workflow{workflow("ci.yml", lint, release)})
	run := h.run(t, "ci.yml")

	assert.Equal(t, schema.ConclusionSuccess, run.Conclusion)
	assert.Equal(t, schema.ConclusionSkipped, run.Job("release").Conclusion)
}

func TestExecutor_AllJobsSkippedConcludesCancelled(t *testing.T) {
	only := shJob("only", "true")
	only.If = "false"

	h := newHarness(t, []*schema.Workflow{workflow("ci.yml", only)})
	run := h.run(t, "ci.yml")
	assert.Equal(t, schema.StatusCompleted, run.Status)
	assert.Equal(t, schema.ConclusionCancelled, run.Conclusion)
}

func TestExecutor_JobContinueOnError(t *testing.T) {
	flaky := shJob("flaky", "exit 1")
	flaky.ContinueOnError = true
	after := shJob("after", "echo ${{ needs.flaky.result }}")
	after.Needs = []string{"flaky"}

	h := newHarness(t, []*schema.Workflow{workflow("ci.yml", flaky, after)})
	run := h.run(t, "ci.yml")

	assert.Equal(t, schema.ConclusionSuccess, run.Conclusion)
	assert.Equal(t, schema.ConclusionFailure, step(t, run, "flaky", "s1").Conclusion)
	assert.Equal(t, "success\n", step(t, run, "after", "s1").Stdout)
}

func TestExecutor_CycleFailsRun(t *testing.T) {
	a := shJob("a", "true")
	a.Needs = []string{"b"}
	b := shJob("b", "true")
	b.Needs = []string{"a"}

	h := newHarness(t, []*schema.Workflow{workflow("ci.yml", a, b)})
	run := h.run(t, "ci.yml")

	assert.Equal(t, schema.ConclusionFailure, run.Conclusion)
	assert.Contains(t, run.Error, "cycle")
	for _, j := range run.Jobs {
		assert.Equal(t, schema.ConclusionSkipped, j.Conclusion, j.ID)
	}
}

// --- steps ---

func TestExecutor_StepFailureSemantics(t *testing.T) {
	j := schema.JobDefinition{ID: "build", Steps: []schema.StepDefinition{
		{ID: "tolerated", Run: "exit 3", ContinueOnError: true},
		{ID: "breaks", Run: "echo before; exit 2"},
		{ID: "normal", Run: "echo never"},
		{ID: "always", Run: "echo ${{ steps.breaks.outcome }}", If: "always()"},
		{ID: "successOnly", Run: "echo stale", If: "success()"},
		{ID: "cleanup", Run: "echo never", If: "${{ failure() }}"},
	}}
	h := newHarness(t, []*schema.Workflow{workflow("ci.yml", j)})
	run := h.run(t, "ci.yml")

	tolerated := step(t, run, "build", "tolerated")
	assert.Equal(t, schema.ConclusionFailure, tolerated.Outcome)
	assert.Equal(t, schema.ConclusionSuccess, tolerated.Conclusion)
	assert.Equal(t, 3, tolerated.ExitCode)

	breaks := step(t, run, "build", "breaks")
	assert.Equal(t, schema.ConclusionFailure, breaks.Conclusion)
	assert.Equal(t, 2, breaks.ExitCode)
	assert.Equal(t, "before\n", breaks.Stdout)
	assert.Contains(t, breaks.Error, "exit code 2")

	assert.Equal(t, schema.ConclusionSkipped, step(t, run, "build", "normal").Conclusion)
	assert.Equal(t, "failure\n", step(t, run, "build", "always").Stdout)
	// Guards after a failure see the stale success status.
	assert.Equal(t, "stale\n", step(t, run, "build", "successOnly").Stdout)
	assert.Equal(t, schema.ConclusionSkipped, step(t, run, "build", "cleanup").Conclusion)

	assert.Equal(t, schema.ConclusionFailure, run.Job("build").Conclusion)
	assert.Equal(t, schema.ConclusionFailure, run.Conclusion)
}

func TestExecutor_StepsAfterFailure(t *testing.T) {
	j := schema.JobDefinition{ID: "build", Steps: []schema.StepDefinition{
		{ID: "breaks", Run: "exit 2"},
		{ID: "tolerant", Run: "echo tolerant", ContinueOnError: true},
		{ID: "guarded", Run: "echo guarded", If: "github.ref_name == 'main'"},
		{ID: "wrapped", Run: "echo wrapped", If: "${{ github.ref_name == 'main' }}"},
		{ID: "otherBranch", Run: "echo never", If: "github.ref_name == 'dev'"},
		{ID: "unguarded", Run: "echo never"},
	}}
	h := newHarness(t, []*schema.Workflow{workflow("ci.yml", j)})
	run := h.run(t, "ci.yml")

	assert.Equal(t, "tolerant\n", step(t, run, "build", "tolerant").Stdout)
	assert.Equal(t, schema.ConclusionSuccess, step(t, run, "build", "tolerant").Conclusion)
	assert.Equal(t, "guarded\n", step(t, run, "build", "guarded").Stdout)
	assert.Equal(t, "wrapped\n", step(t, run, "build", "wrapped").Stdout)
	assert.Equal(t, schema.ConclusionSkipped, step(t, run, "build", "otherBranch").Conclusion)
	assert.Equal(t, schema.ConclusionSkipped, step(t, run, "build", "unguarded").Conclusion)
	assert.Equal(t, schema.ConclusionFailure, run.Job("build").Conclusion)
}

func TestExecutor_EnvLayering(t *testing.T) {
	wf := workflow("ci.yml", schema.JobDefinition{
		ID:  "build",
		Env: map[string]string{"B": "job", "C": "job", "REF": "${{ github.ref_name }}"},
		Steps: []schema.StepDefinition{{
			ID:  "print",
			Env: map[string]string{"C": "step"},
			Run: `echo "$A $B $C $REF $CI $GITHUB_RUN_NUMBER $GITHUB_SHA ${{ env.C }}"`,
		}},
	})
	wf.Env = map[string]string{"A": "wf", "B": "wf", "C": "wf"}

	h := newHarness(t, []*schema.Workflow{wf})
	run := h.run(t, "ci.yml")
	assert.Equal(t, "wf job step main true 1 abc123 step\n", step(t, run, "build", "print").Stdout)
}

func TestExecutor_SideChannelsPropagate(t *testing.T) {
	j := schema.JobDefinition{ID: "build", Steps: []schema.StepDefinition{
		{ID: "setup", Run: `echo "GREETING=hi" >> "$GITHUB_ENV"
mkdir -p bin
printf '#!/bin/sh\necho tool-ran\n' > bin/mytool
chmod +x bin/mytool
echo "$PWD/bin" >> "$GITHUB_PATH"
{
  echo "notes<<EOF"
  echo "line one"
  echo "line two"
  echo "EOF"
} >> "$GITHUB_OUTPUT"
echo "# Summary" >> "$GITHUB_STEP_SUMMARY"`},
		{ID: "use", Run: `echo "$GREETING ${{ env.GREETING }}"
mytool`},
	}}
	h := newHarness(t, []*schema.Workflow{workflow("ci.yml", j)})
	run := h.run(t, "ci.yml")

	require.Equal(t, schema.ConclusionSuccess, run.Conclusion, step(t, run, "build", "use").Stderr)
	assert.Equal(t, map[string]string{"notes": "line one\nline two"}, step(t, run, "build", "setup").Outputs)
	assert.Equal(t, "hi hi\ntool-ran\n", step(t, run, "build", "use").Stdout)
}

func TestExecutor_WorkingDirectory(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(ws, "sub"), 0o755))

	j := schema.JobDefinition{
		ID:       "build",
		Defaults: schema.Defaults{WorkingDirectory: "sub"},
		Steps: []schema.StepDefinition{
			{ID: "here", Run: "basename \"$PWD\""},
			{ID: "escape", Run: "pwd", WorkingDirectory: "../..", If: "always()"},
		},
	}
	h := newHarness(t, []*schema.Workflow{workflow("ci.yml", j)}, withConfig(func(c *Config) {
		c.Workspace = func(string) string { return ws }
	}))
	run := h.run(t, "ci.yml")

	assert.Equal(t, "sub\n", step(t, run, "build", "here").Stdout)
	escape := step(t, run, "build", "escape")
	assert.Equal(t, schema.ConclusionFailure, escape.Conclusion)
	assert.Contains(t, escape.Error, "escapes the workspace")
}

func TestExecutor_SecretsMasked(t *testing.T) {
	vault, err := secrets.NewAESVault(secrets.NewMemoryStore(), secrets.VaultConfig{MasterKey: make([]byte, 32)})
	require.NoError(t, err)
	require.NoError(t, vault.Store(context.Background(), secrets.ScopedKey(testRepo, "TOKEN"), []byte("s3cr3t-value")))

	h := newHarness(t, []*schema.Workflow{workflow("ci.yml", shJob("build", `echo "token=${{ secrets.TOKEN }}"`))},
		withConfig(func(c *Config) { c.Vault = vault }))
	run := h.run(t, "ci.yml")

	require.Equal(t, schema.ConclusionSuccess, run.Conclusion)
	assert.Equal(t, "token=***\n", step(t, run, "build", "s1").Stdout)

	lines, err := h.exec.Logs().Read(context.Background(), run.LogsID)
	require.NoError(t, err)
	for _, l := range lines {
		assert.NotContains(t, l.Message, "s3cr3t-value")
	}
}

func TestExecutor_ExpressionModes(t *testing.T) {
	j := shJob("build", `echo '${{ nope.value }}'`)

	lenient := newHarness(t, []*schema.Workflow{workflow("ci.yml", j)})
	run := lenient.run(t, "ci.yml")
	assert.Equal(t, schema.ConclusionSuccess, run.Conclusion)
	assert.Equal(t, "${{ nope.value }}\n", step(t, run, "build", "s1").Stdout)

	strict := newHarness(t, []*schema.Workflow{workflow("ci.yml", j)},
		withConfig(func(c *Config) { c.ExpressionMode = expressions.ModeStrict }))
	run = strict.run(t, "ci.yml")
	assert.Equal(t, schema.ConclusionFailure, run.Conclusion)
	s := step(t, run, "build", "s1")
	assert.Equal(t, schema.ConclusionFailure, s.Conclusion)
	assert.Contains(t, s.Error, schema.ErrCodeExpressionUnresolvable)
}

func TestExecutor_JobTimeout(t *testing.T) {
	j := shJob("slow", "sleep 30", "echo never")
	j.TimeoutMinutes = 0.005 // 300ms

	h := newHarness(t, []*schema.Workflow{workflow("ci.yml", j)})
	start := time.Now()
	run := h.run(t, "ci.yml")

	assert.Less(t, time.Since(start), 15*time.Second)
	assert.Equal(t, schema.ConclusionFailure, run.Conclusion)
	assert.Equal(t, schema.ConclusionFailure, run.Job("slow").Conclusion)
	assert.Equal(t, schema.ConclusionFailure, step(t, run, "slow", "s1").Conclusion)
	assert.NotEqual(t, schema.ConclusionSuccess, step(t, run, "slow", "s2").Conclusion)
}

// --- matrix ---

func TestExecutor_MatrixExpansion(t *testing.T) {
	j := shJob("test", `echo "${{ matrix.os }}-${{ matrix.v }} ${{ strategy.job-total }}"`)
	j.Strategy = &schema.MatrixStrategy{
		Axes: []schema.MatrixAxis{
			{Name: "os", Values: []any{"linux", "mac"}},
			{Name: "v", Values: []any{"1", "2"}},
		},
		Exclude: []schema.MatrixEntry{{Keys: []string{"os", "v"}, Values: map[string]any{"os": "mac", "v": "2"}}},
	}
	h := newHarness(t, []*schema.Workflow{workflow("ci.yml", j)})
	run := h.run(t, "ci.yml")

	require.Equal(t, schema.ConclusionSuccess, run.Conclusion)
	require.Len(t, run.Jobs, 3)
	var names, outputs []string
	for _, jr := range run.Jobs {
		assert.Equal(t, "test", jr.BaseID)
		names = append(names, jr.Name)
		outputs = append(outputs, jr.Steps[0].Stdout)
	}
	assert.Equal(t, []string{"test (os: linux, v: 1)", "test (os: linux, v: 2)", "test (os: mac, v: 1)"}, names)
	assert.Equal(t, []string{"linux-1 3\n", "linux-2 3\n", "mac-1 3\n"}, outputs)
	assert.Equal(t, []string{"test-1", "test-2", "test-3"}, []string{run.Jobs[0].ID, run.Jobs[1].ID, run.Jobs[2].ID})
}

func TestExecutor_MatrixFailFast(t *testing.T) {
	j := shJob("test", `if [ "${{ matrix.n }}" = 1 ]; then exit 1; fi; echo ok`)
	j.Strategy = &schema.MatrixStrategy{
		Axes:        []schema.MatrixAxis{{Name: "n", Values: []any{1, 2, 3}}},
		MaxParallel: 1,
	}
	report := shJob("report", "echo ${{ needs.test.result }}")
	report.Needs = []string{"test"}
	report.If = "always()"

	h := newHarness(t, []*schema.Workflow{workflow("ci.yml", j, report)})
	run := h.run(t, "ci.yml")

	assert.Equal(t, schema.ConclusionFailure, run.Conclusion)
	assert.Equal(t, schema.ConclusionFailure, run.Job("test-1").Conclusion)
	for _, id := range []string{"test-2", "test-3"} {
		assert.Equal(t, schema.StatusCancelled, run.Job(id).Status, id)
		assert.Equal(t, schema.ConclusionCancelled, run.Job(id).Conclusion, id)
	}
	assert.Equal(t, "failure\n", step(t, run, "report", "s1").Stdout)
}

func TestExecutor_MatrixFailFastDisabled(t *testing.T) {
	off := false
	j := shJob("test", `if [ "${{ matrix.n }}" = 1 ]; then exit 1; fi; echo ok`)
	j.Strategy = &schema.MatrixStrategy{
		Axes:        []schema.MatrixAxis{{Name: "n", Values: []any{1, 2, 3}}},
		FailFast:    &off,
		MaxParallel: 1,
	}
	h := newHarness(t, []*schema.Workflow{workflow("ci.yml", j)})
	run := h.run(t, "ci.yml")

	assert.Equal(t, schema.ConclusionFailure, run.Conclusion)
	assert.Equal(t, schema.ConclusionSuccess, run.Job("test-2").Conclusion)
	assert.Equal(t, schema.ConclusionSuccess, run.Job("test-3").Conclusion)
}

// --- concurrency and cancellation ---

func TestExecutor_ConcurrencyCancelInProgress(t *testing.T) {
	wf := workflow("deploy.yml", shJob("deploy", `if [ "$GITHUB_RUN_NUMBER" = 1 ]; then sleep 30; fi; echo deployed`))
	wf.Concurrency = &schema.ConcurrencyConfig{Group: "deploy-${{ github.ref }}", CancelInProgress: true}

	h := newHarness(t, []*schema.Workflow{wf})
	events, unsubscribe, err := h.hub.Subscribe(context.Background(), streaming.Filter{Types: []string{schema.EventRunEvicted}})
	require.NoError(t, err)
	defer unsubscribe()

	first := h.trigger(t, pushRequest("deploy.yml"))
	assert.Equal(t, "deploy-refs/heads/main", first.ConcurrencyGroup)
	h.waitStatus(t, first.ID, schema.StatusInProgress)

	start := time.Now()
	second := h.trigger(t, pushRequest("deploy.yml"))

	evicted := h.wait(t, first.ID)
	assert.Less(t, time.Since(start), 15*time.Second)
	assert.Equal(t, schema.StatusCancelled, evicted.Status)
	assert.Equal(t, schema.ConclusionCancelled, evicted.Conclusion)
	assert.Equal(t, schema.StatusCancelled, evicted.Job("deploy").Status)
	assert.Contains(t, evicted.Error, second.ID)

	select {
	case e := <-events:
		assert.Equal(t, first.ID, e.RunID)
	case <-time.After(5 * time.Second):
		t.Fatal("run_evicted not published")
	}

	done := h.wait(t, second.ID)
	assert.Equal(t, schema.ConclusionSuccess, done.Conclusion)
	assert.Equal(t, "deployed\n", step(t, done, "deploy", "s1").Stdout)
}

func TestExecutor_ConcurrencyGroupSerializes(t *testing.T) {
	wf := workflow("deploy.yml", shJob("deploy", `if [ "$GITHUB_RUN_NUMBER" = 1 ]; then sleep 1; fi`))
	wf.Concurrency = &schema.ConcurrencyConfig{Group: "prod"}
	other := workflow("lint.yml", shJob("lint", "true"))

	h := newHarness(t, []*schema.Workflow{wf, other})

	first := h.trigger(t, pushRequest("deploy.yml"))
	h.waitStatus(t, first.ID, schema.StatusInProgress)
	second := h.trigger(t, pushRequest("deploy.yml"))

	// An unrelated run is not held back by the busy group.
	lint := h.run(t, "lint.yml")
	assert.Equal(t, schema.ConclusionSuccess, lint.Conclusion)

	r, err := h.exec.GetRun(context.Background(), second.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusQueued, r.Status)

	a := h.wait(t, first.ID)
	b := h.wait(t, second.ID)
	assert.Equal(t, schema.ConclusionSuccess, a.Conclusion)
	assert.Equal(t, schema.ConclusionSuccess, b.Conclusion)
	assert.False(t, b.StartedAt.Before(*a.CompletedAt))
}

func TestExecutor_CancelRun(t *testing.T) {
	h := newHarness(t, []*schema.Workflow{workflow("ci.yml", shJob("build", "sleep 30", "echo never"))})

	run := h.trigger(t, pushRequest("ci.yml"))
	h.waitStatus(t, run.ID, schema.StatusInProgress)
	require.Eventually(t, func() bool {
		r, _ := h.exec.GetRun(context.Background(), run.ID)
		return r.Jobs[0].Steps[0].Status == schema.StatusInProgress
	}, 10*time.Second, 10*time.Millisecond)

	start := time.Now()
	require.NoError(t, h.exec.CancelRun(context.Background(), run.ID))

	done := h.wait(t, run.ID)
	assert.Less(t, time.Since(start), 15*time.Second)
	assert.Equal(t, schema.StatusCancelled, done.Status)
	assert.Equal(t, schema.ConclusionCancelled, done.Conclusion)
	assert.Equal(t, schema.StatusCancelled, done.Jobs[0].Status)
	for _, s := range done.Jobs[0].Steps {
		assert.Equal(t, schema.StatusCancelled, s.Status, s.ID)
	}

	err := h.exec.CancelRun(context.Background(), run.ID)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))
	err = h.exec.CancelRun(context.Background(), "missing")
	assert.True(t, schema.HasCode(err, schema.ErrCodeDefinitionNotFound))
}

func TestExecutor_CancelQueuedRun(t *testing.T) {
	h := newHarness(t, []*schema.Workflow{workflow("ci.yml", shJob("build", "sleep 30"))},
		withConfig(func(c *Config) { c.MaxConcurrentRuns = 1 }))

	first := h.trigger(t, pushRequest("ci.yml"))
	h.waitStatus(t, first.ID, schema.StatusInProgress)
	second := h.trigger(t, pushRequest("ci.yml"))

	require.NoError(t, h.exec.CancelRun(context.Background(), second.ID))
	done := h.wait(t, second.ID)
	assert.Equal(t, schema.StatusCancelled, done.Status)
	assert.Nil(t, done.StartedAt)
	assert.Equal(t, schema.StatusCancelled, done.Jobs[0].Status)

	require.NoError(t, h.exec.CancelRun(context.Background(), first.ID))
	assert.Equal(t, schema.StatusCancelled, h.wait(t, first.ID).Status)
}

func TestExecutor_RunNumbersSurviveQueuedCancel(t *testing.T) {
	h := newHarness(t, []*schema.Workflow{
		workflow("block.yml", shJob("hold", "sleep 30")),
		workflow("ci.yml", shJob("build", "echo ok")),
	}, withConfig(func(c *Config) { c.MaxConcurrentRuns = 1 }))

	blocker := h.trigger(t, pushRequest("block.yml"))
	h.waitStatus(t, blocker.ID, schema.StatusInProgress)

	first := h.trigger(t, pushRequest("ci.yml"))
	require.NoError(t, h.exec.CancelRun(context.Background(), first.ID))
	assert.Equal(t, schema.StatusCancelled, h.wait(t, first.ID).Status)

	second := h.trigger(t, pushRequest("ci.yml"))
	third := h.trigger(t, pushRequest("ci.yml"))
	require.NoError(t, h.exec.CancelRun(context.Background(), blocker.ID))

	assert.Equal(t, int64(1), first.RunNumber)
	assert.Equal(t, int64(2), h.wait(t, second.ID).RunNumber)
	assert.Equal(t, int64(3), h.wait(t, third.ID).RunNumber)
	assert.Equal(t, schema.ConclusionSuccess, h.wait(t, third.ID).Conclusion)
}

func TestExecutor_PanicDoesNotStopDispatcher(t *testing.T) {
	boom := workflow("boom.yml", schema.JobDefinition{ID: "build", Steps: []schema.StepDefinition{{ID: "x", Uses: "actions/checkout@v4"}}})
	ok := workflow("ok.yml", shJob("build", "echo fine"))

	h := newHarness(t, []*schema.Workflow{boom, ok}, withCatalog(panicCatalog{}))

	failedRun := h.run(t, "boom.yml")
	assert.Equal(t, schema.StatusCompleted, failedRun.Status)
	assert.Equal(t, schema.ConclusionFailure, failedRun.Conclusion)
	assert.Equal(t, schema.ConclusionFailure, failedRun.Job("build").Conclusion)

	next := h.run(t, "ok.yml")
	assert.Equal(t, schema.ConclusionSuccess, next.Conclusion)
}

// --- actions and artifacts ---

func greetAction() *actions.CompositeAction {
	return &actions.CompositeAction{
		Ref: "acme/greet",
		Inputs: map[string]actions.ActionInput{
			"who":      {Default: "world"},
			"greeting": {Default: "hello"},
			"required": {Required: true},
		},
		Outputs: map[string]actions.ActionOutput{
			"message": {Value: "${{ steps.say.outputs.msg }}"},
			"shout":   {},
		},
		Steps: []schema.StepDefinition{
			{ID: "say", Shell: "sh", Run: `echo "msg=${{ inputs.greeting }} ${{ inputs.who }}" >> "$GITHUB_OUTPUT"`},
			{ID: "loud", Shell: "sh", Run: `echo "shout=$(echo "$INPUT_WHO" | tr a-z A-Z)" >> "$GITHUB_OUTPUT"
echo "GREETED=${{ inputs.who }}" >> "$GITHUB_ENV"`},
		},
	}
}

func TestExecutor_CompositeAction(t *testing.T) {
	reg := actions.NewRegistry()
	require.NoError(t, reg.Register(greetAction()))

	j := schema.JobDefinition{ID: "build", Steps: []schema.StepDefinition{
		{ID: "greet", Uses: "acme/greet@v1", With: map[string]string{"who": "${{ github.actor }}", "required": "x"}},
		{ID: "echo", Run: `echo "${{ steps.greet.outputs.message }} ${{ steps.greet.outputs.shout }} $GREETED"`},
	}}
	h := newHarness(t, []*schema.Workflow{workflow("ci.yml", j)}, withCatalog(reg))
	run := h.run(t, "ci.yml")

	require.Equal(t, schema.ConclusionSuccess, run.Conclusion, step(t, run, "build", "greet").Error)
	assert.Equal(t, map[string]string{"message": "hello octo", "shout": "OCTO"}, step(t, run, "build", "greet").Outputs)
	assert.Equal(t, "hello octo OCTO octo\n", step(t, run, "build", "echo").Stdout)
}

func TestExecutor_ActionFailures(t *testing.T) {
	reg := actions.NewRegistry()
	require.NoError(t, reg.Register(greetAction()))

	j := schema.JobDefinition{ID: "build", Steps: []schema.StepDefinition{
		{ID: "unknown", Uses: "nope/missing@v1", ContinueOnError: true},
		{ID: "local", Uses: "./.github/actions/mine", ContinueOnError: true},
		{ID: "noInput", Uses: "acme/greet@v1"},
	}}
	other := shJob("other", "echo still runs")

	h := newHarness(t, []*schema.Workflow{workflow("ci.yml", j, other)}, withCatalog(reg))
	run := h.run(t, "ci.yml")

	unknown := step(t, run, "build", "unknown")
	assert.Equal(t, schema.ConclusionFailure, unknown.Outcome)
	assert.Contains(t, unknown.Error, schema.ErrCodeActionUnresolved)
	assert.Contains(t, step(t, run, "build", "local").Error, schema.ErrCodeActionUnresolved)

	noInput := step(t, run, "build", "noInput")
	assert.Equal(t, schema.ConclusionFailure, noInput.Conclusion)
	assert.Contains(t, noInput.Error, `"required"`)

	assert.Equal(t, schema.ConclusionSuccess, run.Job("other").Conclusion)
	assert.Equal(t, schema.ConclusionFailure, run.Conclusion)
}

func TestExecutor_BuiltinCheckout(t *testing.T) {
	j := schema.JobDefinition{ID: "build", Steps: []schema.StepDefinition{
		{ID: "co", Uses: "actions/checkout@v4"},
		{ID: "show", Run: `echo "${{ steps.co.outputs.ref }} ${{ steps.co.outputs.commit }}"`},
	}}
	h := newHarness(t, []*schema.Workflow{workflow("ci.yml", j)})
	run := h.run(t, "ci.yml")

	require.Equal(t, schema.ConclusionSuccess, run.Conclusion)
	assert.Equal(t, "refs/heads/main abc123\n", step(t, run, "build", "show").Stdout)
}

func TestExecutor_Artifacts(t *testing.T) {
	produce := schema.JobDefinition{ID: "produce", Steps: []schema.StepDefinition{
		{ID: "write", Run: "mkdir -p out && echo report > out/a.txt && echo skip > out/b.log"},
		{ID: "upload", Uses: "actions/upload-artifact@v4", With: map[string]string{"name": "reports", "path": "out/*.txt"}},
	}}
	consume := schema.JobDefinition{ID: "consume", Needs: []string{"produce"}, Steps: []schema.StepDefinition{
		{ID: "download", Uses: "actions/download-artifact@v4", With: map[string]string{"name": "reports", "path": "restored"}},
		{ID: "read", Run: "cat restored/out/a.txt; test ! -e restored/out/b.log"},
	}}
	h := newHarness(t, []*schema.Workflow{workflow("ci.yml", produce, consume)})
	run := h.run(t, "ci.yml")

	require.Equal(t, schema.ConclusionSuccess, run.Conclusion, step(t, run, "consume", "download").Error)
	require.Len(t, run.Artifacts, 1)
	assert.Equal(t, "reports", run.Artifacts[0].Name)
	assert.Equal(t, run.Artifacts[0].ContentID, step(t, run, "produce", "upload").Outputs["artifact-id"])
	assert.Equal(t, "report\n", step(t, run, "consume", "read").Stdout)

	has, err := h.blobs.Has(context.Background(), run.Artifacts[0].ContentID)
	require.NoError(t, err)
	assert.True(t, has)
}

// --- read accessors ---

func TestExecutor_LatestRunAndBadge(t *testing.T) {
	h := newHarness(t, []*schema.Workflow{
		workflow("ci.yml", shJob("build", `[ "$GITHUB_REF_NAME" = main ]`)),
	})

	assert.Equal(t, schema.BadgeUnknown, h.exec.Badge(context.Background(), testRepo, "ci.yml", ""))

	h.run(t, "ci.yml")
	assert.Equal(t, schema.BadgePassing, h.exec.Badge(context.Background(), testRepo, "ci.yml", "main"))

	req := pushRequest("ci.yml")
	req.Ref = "refs/heads/feature"
	h.wait(t, h.trigger(t, req).ID)

	assert.Equal(t, schema.BadgeFailing, h.exec.Badge(context.Background(), testRepo, "ci.yml", "feature"))
	assert.Equal(t, schema.BadgePassing, h.exec.Badge(context.Background(), testRepo, "ci.yml", "main"))
	assert.Equal(t, schema.BadgeFailing, h.exec.Badge(context.Background(), "", "ci.yml", ""))

	latest, err := h.exec.LatestRun(context.Background(), testRepo, "ci.yml", "main")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, int64(1), latest.RunNumber)

	runs, err := h.exec.ListRuns(context.Background(), store.RunFilter{WorkflowID: "ci.yml"})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, int64(2), runs[0].RunNumber)
}

func TestExecutor_WaitRunHonoursContext(t *testing.T) {
	h := newHarness(t, []*schema.Workflow{workflow("ci.yml", shJob("build", "sleep 30"))})
	run := h.trigger(t, pushRequest("ci.yml"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := h.exec.WaitRun(ctx, run.ID)
	assert.True(t, schema.HasCode(err, schema.ErrCodeCancelled))

	require.NoError(t, h.exec.CancelRun(context.Background(), run.ID))
	h.wait(t, run.ID)
}

// Package engine executes workflow runs: it queues triggered runs, applies
// concurrency groups, walks the job graph level by level and runs each
// job's steps through the shell runner and the action catalog.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/rendis/pipewright/internal/actions"
	"github.com/rendis/pipewright/internal/blobstore"
	"github.com/rendis/pipewright/internal/expressions"
	"github.com/rendis/pipewright/internal/matrix"
	"github.com/rendis/pipewright/internal/secrets"
	"github.com/rendis/pipewright/internal/store"
	"github.com/rendis/pipewright/internal/streaming"
	"github.com/rendis/pipewright/pkg/schema"
)

// Defaults for Config.
const (
	DefaultMaxConcurrentRuns = 4
	DefaultMaxParallelJobs   = 8
)

// DefinitionSource resolves the current definition of one workflow.
// Satisfied by workflowdef.Loader.
type DefinitionSource interface {
	Workflow(ctx context.Context, repoID, id string) (*schema.Workflow, error)
}

// WorkspaceFunc returns the directory steps of repoID run in. An empty
// result gives each run a fresh temporary workspace.
type WorkspaceFunc func(repoID string) string

// Config configures an Executor. Only the source, store and catalog passed
// to NewExecutor are required.
type Config struct {
	MaxConcurrentRuns int
	MaxParallelJobs   int
	ExpressionMode    expressions.Mode

	// WorkDir holds per-run temporary directories (default os.TempDir()).
	WorkDir   string
	Workspace WorkspaceFunc
	// Vars is the `vars` expression namespace.
	Vars map[string]string

	Runner *actions.ShellRunner
	Hub    streaming.Hub
	Logs   *streaming.Facade
	Blobs  *blobstore.Store
	Vault  secrets.Vault
	Logger *slog.Logger
}

// Executor owns the run queue and executes runs.
type Executor struct {
	source  DefinitionSource
	runs    store.RunStore
	catalog actions.Catalog
	cfg     Config
	eval    *expressions.Evaluator
	runner  *actions.ShellRunner
	logs    *streaming.Facade
	logger  *slog.Logger
	pool    *WorkerPool
	jobs    *semaphore.Weighted
	now     func() time.Time

	// mu guards everything below.
	mu      sync.Mutex
	active  map[string]*activeRun
	queue   []*activeRun
	busy    map[string]bool // concurrency groups with a run executing
	wake    chan struct{}
	baseCtx context.Context
	stop    context.CancelFunc
	stopped chan struct{}
}

// activeRun is the in-memory handle of a queued or executing run.
type activeRun struct {
	id       string
	group    string
	workflow *schema.Workflow
	done     chan struct{}

	mu        sync.Mutex
	cancel    context.CancelFunc
	cancelled bool
}

// NewExecutor creates an Executor. Call Start to begin dispatching.
func NewExecutor(source DefinitionSource, runs store.RunStore, catalog actions.Catalog, cfg Config) *Executor {
	if cfg.MaxConcurrentRuns <= 0 {
		cfg.MaxConcurrentRuns = DefaultMaxConcurrentRuns
	}
	if cfg.MaxParallelJobs <= 0 {
		cfg.MaxParallelJobs = DefaultMaxParallelJobs
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	runner := cfg.Runner
	if runner == nil {
		runner = actions.NewShellRunner(actions.ShellConfig{Logger: logger})
	}
	logs := cfg.Logs
	if logs == nil {
		logs = streaming.NewFacade(cfg.Hub, cfg.Blobs, logger)
	}

	e := &Executor{
		source:  source,
		runs:    runs,
		catalog: catalog,
		cfg:     cfg,
		eval:    expressions.NewEvaluator(cfg.ExpressionMode),
		runner:  runner,
		logs:    logs,
		logger:  logger,
		jobs:    semaphore.NewWeighted(int64(cfg.MaxParallelJobs)),
		now:     func() time.Time { return time.Now().UTC() },
		active:  make(map[string]*activeRun),
		busy:    make(map[string]bool),
		wake:    make(chan struct{}, 1),
		baseCtx: context.Background(),
	}
	e.pool = NewWorkerPool(cfg.MaxConcurrentRuns, func(v any, stack []byte) {
		e.logger.Error("run worker panicked", slog.Any("panic", v), slog.String("stack", string(stack)))
	})
	return e
}

// Logs returns the log façade runs write to.
func (e *Executor) Logs() *streaming.Facade {
	return e.logs
}

// Start launches the dispatcher. Runs execute under ctx: cancelling it
// cancels every executing run.
func (e *Executor) Start(ctx context.Context) {
	e.mu.Lock()
	if e.stopped != nil {
		e.mu.Unlock()
		return
	}
	dctx, stop := context.WithCancel(ctx)
	e.baseCtx = ctx
	e.stop = stop
	e.stopped = make(chan struct{})
	stopped := e.stopped
	e.mu.Unlock()

	go func() {
		defer close(stopped)
		e.dispatch(dctx)
	}()
	e.logger.Info("executor started",
		slog.Int("max_concurrent_runs", e.cfg.MaxConcurrentRuns),
		slog.Int("max_parallel_jobs", e.cfg.MaxParallelJobs),
		slog.String("expression_mode", e.cfg.ExpressionMode.String()),
	)
}

// Stop halts dispatching and waits for executing runs to finish. Queued
// runs stay queued.
func (e *Executor) Stop() {
	e.mu.Lock()
	stop, stopped := e.stop, e.stopped
	e.mu.Unlock()
	if stop == nil {
		return
	}
	stop()
	<-stopped
	e.pool.Shutdown()
	e.logger.Info("executor stopped")
}

// TriggerRun creates a run of req.WorkflowID, evicts older runs of its
// concurrency group when cancel-in-progress is set and queues it.
func (e *Executor) TriggerRun(ctx context.Context, req schema.TriggerRequest) (*schema.Run, error) {
	wf, err := e.source.Workflow(ctx, req.RepoID, req.WorkflowID)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	group, err := e.resolveGroup(wf, req, runID)
	if err != nil {
		return nil, err
	}
	jobs, err := expandJobs(wf)
	if err != nil {
		return nil, err
	}

	number, err := e.runs.NextRunNumber(ctx, wf.RepoID, wf.ID)
	if err != nil {
		return nil, err
	}

	branch := req.Branch
	if branch == "" {
		branch = shortRef(req.Ref)
	}
	run := &schema.Run{
		ID:           runID,
		WorkflowID:   wf.ID,
		RepoID:       wf.RepoID,
		WorkflowName: wf.Name,
		RunNumber:    number,
		Trigger: schema.TriggerInfo{
			Kind:      req.Kind,
			Actor:     req.Actor,
			Branch:    branch,
			Ref:       req.Ref,
			HeadRef:   req.HeadRef,
			BaseRef:   req.BaseRef,
			CommitSHA: req.CommitSHA,
			Inputs:    req.Inputs,
			PRNumber:  req.PRNumber,
		},
		Status:           schema.StatusQueued,
		ConcurrencyGroup: group,
		Jobs:             jobs,
		CreatedAt:        e.now(),
	}

	ar := &activeRun{id: runID, group: group, workflow: wf, done: make(chan struct{})}

	e.mu.Lock()
	if group != "" && wf.Concurrency != nil && wf.Concurrency.CancelInProgress {
		for _, other := range e.active {
			if other.group == group {
				e.evictLocked(ctx, other, runID)
			}
		}
	}
	if err := e.runs.CreateRun(ctx, run); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	e.active[runID] = ar
	e.queue = append(e.queue, ar)
	e.mu.Unlock()
	e.signal()

	e.publish(ctx, run, schema.EventRunQueued, "", "", nil)
	e.logger.Info("run queued",
		slog.String("run_id", runID),
		slog.String("workflow_id", wf.ID),
		slog.Int64("run_number", number),
		slog.String("concurrency_group", group),
	)
	return run.Clone(), nil
}

// evictLocked cancels other in favour of the run byID. Caller holds e.mu.
func (e *Executor) evictLocked(ctx context.Context, other *activeRun, byID string) {
	run, err := e.cancelLocked(ctx, other, fmt.Sprintf("evicted from concurrency group %q by run %s", other.group, byID))
	if err != nil {
		e.logger.Warn("concurrency eviction failed", slog.String("run_id", other.id), slog.String("error", err.Error()))
		return
	}
	e.publish(ctx, run, schema.EventRunEvicted, "", "", map[string]any{"group": other.group, "by_run_id": byID})
	e.logger.Info("run evicted",
		slog.String("run_id", other.id),
		slog.String("concurrency_group", other.group),
		slog.String("by_run_id", byID),
	)
}

// CancelRun cancels a queued or in-progress run and kills its processes.
func (e *Executor) CancelRun(ctx context.Context, runID string) error {
	run, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeConflict, "run is already %s", run.Status).WithRun(runID)
	}

	e.mu.Lock()
	ar, ok := e.active[runID]
	if !ok {
		e.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeConflict, "run is not active").WithRun(runID)
	}
	run, err = e.cancelLocked(ctx, ar, "cancelled")
	e.mu.Unlock()
	if err != nil {
		return err
	}
	e.publish(ctx, run, schema.EventRunCancelled, "", "", nil)
	e.logger.Info("run cancelled", slog.String("run_id", runID))
	return nil
}

// cancelLocked marks ar cancelled in the store, cascades to its jobs and
// steps and cancels its context. A queued run leaves the queue at once.
// Caller holds e.mu.
func (e *Executor) cancelLocked(ctx context.Context, ar *activeRun, reason string) (*schema.Run, error) {
	run, err := e.runs.UpdateRun(ctx, ar.id, func(r *schema.Run) error {
		if err := transitionRun(r, schema.StatusCancelled, schema.ConclusionCancelled, e.now()); err != nil {
			return err
		}
		r.Error = reason
		cancelCascade(r, e.now())
		return nil
	})
	if err != nil {
		return nil, err
	}

	ar.mu.Lock()
	ar.cancelled = true
	if ar.cancel != nil {
		ar.cancel()
	}
	ar.mu.Unlock()

	for i, q := range e.queue {
		if q == ar {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			delete(e.active, ar.id)
			close(ar.done)
			break
		}
	}
	return run, nil
}

// GetRun returns a snapshot of a run.
func (e *Executor) GetRun(ctx context.Context, runID string) (*schema.Run, error) {
	return e.runs.GetRun(ctx, runID)
}

// ListRuns returns runs matching filter, newest first.
func (e *Executor) ListRuns(ctx context.Context, filter store.RunFilter) ([]*schema.Run, error) {
	return e.runs.ListRuns(ctx, filter)
}

// LatestRun returns the newest run of a workflow, optionally restricted to
// a branch, or nil when there is none. An empty repoID matches any
// repository.
func (e *Executor) LatestRun(ctx context.Context, repoID, workflowID, branch string) (*schema.Run, error) {
	runs, err := e.runs.ListRuns(ctx, store.RunFilter{RepoID: repoID, WorkflowID: workflowID, Branch: branch, Limit: 1})
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	return runs[0], nil
}

// Badge returns the status label of the newest matching run.
func (e *Executor) Badge(ctx context.Context, repoID, workflowID, branch string) schema.BadgeStatus {
	run, err := e.LatestRun(ctx, repoID, workflowID, branch)
	if err != nil {
		return schema.BadgeUnknown
	}
	return schema.BadgeFor(run)
}

// WaitRun blocks until the run is terminal or ctx is done, then returns
// its snapshot.
func (e *Executor) WaitRun(ctx context.Context, runID string) (*schema.Run, error) {
	e.mu.Lock()
	ar, ok := e.active[runID]
	e.mu.Unlock()
	if ok {
		select {
		case <-ar.done:
		case <-ctx.Done():
			return nil, schema.NewError(schema.ErrCodeCancelled, "wait interrupted").WithRun(runID).WithCause(ctx.Err())
		}
	}
	return e.runs.GetRun(ctx, runID)
}

// dispatch drains the queue in FIFO order. A run whose concurrency group
// is busy waits without blocking runs of other groups behind it.
func (e *Executor) dispatch(ctx context.Context) {
	for {
		ar := e.next()
		if ar == nil {
			select {
			case <-e.wake:
				continue
			case <-ctx.Done():
				return
			}
		}

		err := e.pool.Submit(ctx, func() { e.execute(ar) })
		if err != nil {
			e.mu.Lock()
			if ar.group != "" {
				delete(e.busy, ar.group)
			}
			e.queue = append([]*activeRun{ar}, e.queue...)
			e.mu.Unlock()
			return
		}
	}
}

// next pops the first queued run whose group is free.
func (e *Executor) next() *activeRun {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, ar := range e.queue {
		if ar.group != "" && e.busy[ar.group] {
			continue
		}
		e.queue = append(e.queue[:i], e.queue[i+1:]...)
		if ar.group != "" {
			e.busy[ar.group] = true
		}
		return ar
	}
	return nil
}

func (e *Executor) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// release forgets a finished run and frees its group.
func (e *Executor) release(ar *activeRun) {
	e.mu.Lock()
	delete(e.active, ar.id)
	if ar.group != "" {
		delete(e.busy, ar.group)
	}
	e.mu.Unlock()
	close(ar.done)
	e.signal()
}

func (e *Executor) resolveGroup(wf *schema.Workflow, req schema.TriggerRequest, runID string) (string, error) {
	if wf.Concurrency == nil || wf.Concurrency.Group == "" {
		return "", nil
	}
	c := expressions.NewContext().
		Set("github", map[string]any{
			"ref":        req.Ref,
			"ref_name":   shortRef(req.Ref),
			"head_ref":   req.HeadRef,
			"base_ref":   req.BaseRef,
			"workflow":   workflowName(wf),
			"event_name": string(req.Kind),
			"run_id":     runID,
			"repository": wf.RepoID,
			"sha":        req.CommitSHA,
			"actor":      req.Actor,
		}).
		Set("inputs", req.Inputs)
	group, err := e.eval.Interpolate(wf.Concurrency.Group, c)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeExpressionUnresolvable, "concurrency group of %s", wf.ID).WithCause(err)
	}
	return group, nil
}

// expandJobs creates the queued job runs of wf, one per matrix combination.
func expandJobs(wf *schema.Workflow) ([]*schema.JobRun, error) {
	var out []*schema.JobRun
	for i := range wf.Jobs {
		def := &wf.Jobs[i]
		entries, err := matrix.Expand(def.Strategy)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "job %s: %s", def.ID, err.Error()).WithCause(err)
		}
		if len(entries) == 0 {
			out = append(out, newJobRun(def, def.ID, def.DisplayName(), nil))
			continue
		}
		for n, m := range entries {
			id := fmt.Sprintf("%s-%d", def.ID, n+1)
			out = append(out, newJobRun(def, id, matrix.DisplayName(def.DisplayName(), m), m))
		}
	}
	return out, nil
}

func newJobRun(def *schema.JobDefinition, id, name string, m *schema.MatrixEntry) *schema.JobRun {
	jr := &schema.JobRun{
		ID:           id,
		BaseID:       def.ID,
		Name:         name,
		Status:       schema.StatusQueued,
		Matrix:       m.Clone(),
		RunnerLabels: append([]string(nil), def.RunsOn...),
		Steps:        make([]*schema.StepRun, len(def.Steps)),
	}
	for i := range def.Steps {
		jr.Steps[i] = &schema.StepRun{
			ID:     stepID(&def.Steps[i], i),
			Name:   def.Steps[i].DisplayName(),
			Status: schema.StatusQueued,
		}
	}
	return jr
}

// stepID is the step's id, or a positional id for anonymous steps.
func stepID(s *schema.StepDefinition, i int) string {
	if s.ID != "" {
		return s.ID
	}
	return fmt.Sprintf("__step_%d", i+1)
}

func workflowName(wf *schema.Workflow) string {
	if wf.Name != "" {
		return wf.Name
	}
	return filepath.Base(wf.Path)
}

// publish sends a lifecycle event. It outlives ctx cancellation so the
// final events of a cancelled run are still delivered.
func (e *Executor) publish(ctx context.Context, run *schema.Run, typ, jobID, stepID string, payload any) {
	if e.cfg.Hub == nil || run == nil {
		return
	}
	if payload == nil {
		payload = map[string]any{"status": run.Status, "conclusion": run.Conclusion}
	}
	err := e.cfg.Hub.Publish(context.WithoutCancel(ctx), streaming.Event{
		Type:       typ,
		RepoID:     run.RepoID,
		WorkflowID: run.WorkflowID,
		RunID:      run.ID,
		JobID:      jobID,
		StepID:     stepID,
		Timestamp:  e.now(),
		Payload:    payload,
	})
	if err != nil {
		e.logger.Debug("event not published", slog.String("type", typ), slog.String("error", err.Error()))
	}
}

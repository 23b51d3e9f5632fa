package engine

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/rendis/pipewright/internal/logging"
	"github.com/rendis/pipewright/internal/secrets"
	"github.com/rendis/pipewright/internal/streaming"
	"github.com/rendis/pipewright/pkg/schema"
)

// runState is shared by the jobs of one executing run.
type runState struct {
	e         *Executor
	ar        *activeRun
	wf        *schema.Workflow
	run       *schema.Run // snapshot taken when the run started
	secrets   map[string]string
	masker    *secrets.Masker
	workspace string
	tmp       string
	log       *slog.Logger

	mu      sync.Mutex
	results map[string]*jobResult // base job id → aggregated result
}

// jobResult is what dependants see of a job through `needs`.
type jobResult struct {
	conclusion schema.Conclusion
	outputs    map[string]string
}

// execute runs ar to completion on a pool worker.
func (e *Executor) execute(ar *activeRun) {
	defer e.release(ar)

	e.mu.Lock()
	base := e.baseCtx
	e.mu.Unlock()
	ctx, cancel := context.WithCancel(base)
	defer cancel()

	ar.mu.Lock()
	if ar.cancelled {
		ar.mu.Unlock()
		return
	}
	ar.cancel = cancel
	ar.mu.Unlock()

	ctx = logging.WithRun(ctx, ar.workflow.RepoID, ar.id)
	log := logging.LogWith(ctx, e.logger)

	defer func() {
		if v := recover(); v != nil {
			log.Error("run panicked", slog.Any("panic", v), slog.String("stack", string(debug.Stack())))
			e.finish(ctx, ar, fmt.Sprintf("internal error: %v", v))
		}
	}()

	run, err := e.runs.UpdateRun(ctx, ar.id, func(r *schema.Run) error {
		return transitionRun(r, schema.StatusInProgress, schema.ConclusionNone, e.now())
	})
	if err != nil {
		// Cancelled between dequeue and start.
		log.Debug("run not started", slog.String("error", err.Error()))
		return
	}
	e.publish(ctx, run, schema.EventRunStarted, "", "", nil)
	log.Info("run started", slog.String("workflow_id", run.WorkflowID), slog.Int64("run_number", run.RunNumber))

	rs, err := e.prepare(ctx, ar, run, log)
	if err != nil {
		e.finish(ctx, ar, err.Error())
		return
	}
	defer os.RemoveAll(rs.tmp)

	graph, err := ParseJobGraph(ar.workflow)
	if err != nil {
		rs.skipAll(ctx)
		e.finish(ctx, ar, err.Error())
		return
	}

	for _, level := range graph.Levels {
		var g errgroup.Group
		for _, id := range level {
			def := graph.Jobs[id]
			g.Go(func() error {
				defer func() {
					if v := recover(); v != nil {
						log.Error("job panicked", slog.String("job_id", def.ID), slog.Any("panic", v), slog.String("stack", string(debug.Stack())))
						rs.record(def.ID, &jobResult{conclusion: schema.ConclusionFailure})
					}
				}()
				rs.runBaseJob(ctx, def)
				return nil
			})
		}
		_ = g.Wait()
		if ctx.Err() != nil {
			break
		}
	}
	e.finish(ctx, ar, "")
}

// prepare resolves secrets, opens the run log and creates the workspace.
func (e *Executor) prepare(ctx context.Context, ar *activeRun, run *schema.Run, log *slog.Logger) (*runState, error) {
	values, err := secrets.ForRepo(ctx, e.cfg.Vault, run.RepoID)
	if err != nil {
		return nil, fmt.Errorf("resolve secrets: %w", err)
	}
	masked := make([]string, 0, len(values))
	for _, v := range values {
		masked = append(masked, v)
	}
	masker := secrets.NewMasker(masked)
	e.logs.Open(run.ID, run.RepoID, run.WorkflowID, masker)

	tmp, err := os.MkdirTemp(e.cfg.WorkDir, "run-")
	if err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}
	workspace := ""
	if e.cfg.Workspace != nil {
		workspace = e.cfg.Workspace(run.RepoID)
	}
	if workspace == "" {
		workspace = filepath.Join(tmp, "workspace")
		if err := os.MkdirAll(workspace, 0o755); err != nil {
			os.RemoveAll(tmp)
			return nil, fmt.Errorf("create workspace: %w", err)
		}
	}

	return &runState{
		e:         e,
		ar:        ar,
		wf:        ar.workflow,
		run:       run,
		secrets:   values,
		masker:    masker,
		workspace: workspace,
		tmp:       tmp,
		log:       log,
		results:   make(map[string]*jobResult),
	}, nil
}

// finish concludes the run from its jobs, persists its log and publishes
// the completion. A run already cancelled keeps its cancelled state.
func (e *Executor) finish(ctx context.Context, ar *activeRun, failure string) {
	ctx = context.WithoutCancel(ctx)
	log := logging.LogWith(ctx, e.logger)

	logsID, err := e.logs.Persist(ctx, ar.id)
	if err != nil {
		log.Warn("run log not persisted", slog.String("error", err.Error()))
	}

	run, err := e.runs.UpdateRun(ctx, ar.id, func(r *schema.Run) error {
		if logsID != "" {
			r.LogsID = logsID
		}
		if r.Status.Terminal() {
			return nil
		}
		c := Conclude(r.Jobs)
		if failure != "" {
			c = schema.ConclusionFailure
			r.Error = failure
			for _, j := range r.Jobs {
				if !j.Status.Terminal() {
					_ = transitionJob(j, schema.StatusCompleted, schema.ConclusionSkipped, e.now())
				}
			}
		}
		if r.Status == schema.StatusQueued {
			if err := transitionRun(r, schema.StatusInProgress, schema.ConclusionNone, e.now()); err != nil {
				return err
			}
		}
		return transitionRun(r, schema.StatusCompleted, c, e.now())
	})
	if err != nil {
		log.Error("run not concluded", slog.String("error", err.Error()))
		return
	}
	if run.Status == schema.StatusCompleted {
		e.publish(ctx, run, schema.EventRunCompleted, "", "", nil)
	}
	log.Info("run finished",
		slog.String("status", string(run.Status)),
		slog.String("conclusion", string(run.Conclusion)),
		slog.String("logs_id", run.LogsID),
	)
}

// skipAll marks every job skipped; used when the job graph is unusable.
func (rs *runState) skipAll(ctx context.Context) {
	for _, jr := range rs.run.Jobs {
		rs.setJob(ctx, jr.ID, schema.StatusCompleted, schema.ConclusionSkipped, nil)
	}
}

func (rs *runState) update(ctx context.Context, fn func(r *schema.Run) error) (*schema.Run, error) {
	return rs.e.runs.UpdateRun(context.WithoutCancel(ctx), rs.ar.id, fn)
}

// setJob transitions one job run, applying mutate to it first. It reports
// false when the transition was refused, typically because the run was
// cancelled underneath it.
func (rs *runState) setJob(ctx context.Context, jobID string, to schema.Status, c schema.Conclusion, mutate func(*schema.JobRun)) bool {
	_, err := rs.update(ctx, func(r *schema.Run) error {
		j := r.Job(jobID)
		if j == nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "unknown job %s", jobID).WithRun(r.ID)
		}
		if mutate != nil {
			mutate(j)
		}
		return transitionJob(j, to, c, rs.e.now())
	})
	if err != nil {
		rs.log.Debug("job transition refused", slog.String("job_id", jobID), slog.String("error", err.Error()))
		return false
	}
	rs.e.publish(ctx, rs.run, jobEventType(to, c), jobID, "", map[string]any{"status": to, "conclusion": c})
	return true
}

// setStep transitions one step run, applying mutate to it first.
func (rs *runState) setStep(ctx context.Context, jobID, stepID string, to schema.Status, c schema.Conclusion, mutate func(*schema.StepRun)) bool {
	_, err := rs.update(ctx, func(r *schema.Run) error {
		j := r.Job(jobID)
		if j == nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "unknown job %s", jobID).WithRun(r.ID)
		}
		for _, s := range j.Steps {
			if s.ID == stepID {
				if mutate != nil {
					mutate(s)
				}
				return transitionStep(s, to, c, rs.e.now())
			}
		}
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown step %s", stepID).WithRun(r.ID).WithJob(jobID)
	})
	if err != nil {
		rs.log.Debug("step transition refused", slog.String("job_id", jobID), slog.String("step_id", stepID), slog.String("error", err.Error()))
		return false
	}
	rs.e.publish(ctx, rs.run, stepEventType(to, c), jobID, stepID, map[string]any{"status": to, "conclusion": c})
	return true
}

// skipSteps marks the still-queued steps of a job with status to.
func (rs *runState) skipSteps(ctx context.Context, jobID string, to schema.Status, c schema.Conclusion) {
	_, err := rs.update(ctx, func(r *schema.Run) error {
		j := r.Job(jobID)
		if j == nil {
			return nil
		}
		for _, s := range j.Steps {
			if s.Status == schema.StatusQueued {
				_ = transitionStep(s, to, c, rs.e.now())
			}
		}
		return nil
	})
	if err != nil {
		rs.log.Debug("steps not updated", slog.String("job_id", jobID), slog.String("error", err.Error()))
	}
}

func (rs *runState) logf(ctx context.Context, jobID, stepID, level, format string, args ...any) {
	rs.e.logs.Logf(context.WithoutCancel(ctx), rs.ar.id, jobID, stepID, level, fmt.Sprintf(format, args...))
}

func (rs *runState) result(id string) (*jobResult, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	r, ok := rs.results[id]
	return r, ok
}

func (rs *runState) record(id string, r *jobResult) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.results[id] = r
}

// needsContext builds the `needs` namespace of def and the status its
// guard is evaluated with. met is false when a dependency did not succeed.
func (rs *runState) needsContext(def *schema.JobDefinition) (needs map[string]any, status schema.Conclusion, met bool) {
	needs = make(map[string]any, len(def.Needs))
	status, met = schema.ConclusionSuccess, true
	for _, id := range def.Needs {
		r, ok := rs.result(id)
		if !ok {
			r = &jobResult{conclusion: schema.ConclusionSkipped}
		}
		outputs := make(map[string]any, len(r.outputs))
		for k, v := range r.outputs {
			outputs[k] = v
		}
		needs[id] = map[string]any{"result": string(r.conclusion), "outputs": outputs}

		switch r.conclusion {
		case schema.ConclusionSuccess:
		case schema.ConclusionFailure:
			met = false
			status = schema.ConclusionFailure
		case schema.ConclusionCancelled:
			met = false
			if status != schema.ConclusionFailure {
				status = schema.ConclusionCancelled
			}
		default:
			met = false
		}
	}
	return needs, status, met
}

// aggregate folds the sibling results of one base job: failure if any
// failed, else cancelled if any was cancelled, else skipped if all were,
// else success. Outputs of later siblings win.
func aggregate(results []*jobResult) *jobResult {
	out := &jobResult{conclusion: schema.ConclusionSkipped, outputs: map[string]string{}}
	failed, cancelled, ran := false, false, false
	for _, r := range results {
		if r == nil {
			continue
		}
		maps.Copy(out.outputs, r.outputs)
		switch r.conclusion {
		case schema.ConclusionFailure:
			failed = true
		case schema.ConclusionCancelled:
			cancelled = true
		case schema.ConclusionSuccess:
			ran = true
		}
	}
	switch {
	case failed:
		out.conclusion = schema.ConclusionFailure
	case cancelled:
		out.conclusion = schema.ConclusionCancelled
	case ran:
		out.conclusion = schema.ConclusionSuccess
	}
	return out
}

// runBaseJob executes every matrix instance of def and records the
// aggregated result for its dependants.
func (rs *runState) runBaseJob(ctx context.Context, def *schema.JobDefinition) {
	instances := rs.run.JobsOf(def.ID)
	needs, status, met := rs.needsContext(def)

	results := make([]*jobResult, len(instances))
	defer func() { rs.record(def.ID, aggregate(results)) }()

	if !met && !hasStatusGuard(def.If) {
		for i, jr := range instances {
			rs.logf(ctx, jr.ID, "", streaming.LevelInfo, "Skipping %s: a required job did not succeed", jr.Name)
			rs.skipSteps(ctx, jr.ID, schema.StatusCompleted, schema.ConclusionSkipped)
			rs.setJob(ctx, jr.ID, schema.StatusCompleted, schema.ConclusionSkipped, nil)
			results[i] = &jobResult{conclusion: schema.ConclusionSkipped}
		}
		return
	}

	sctx, cancelSiblings := context.WithCancel(ctx)
	defer cancelSiblings()

	var g errgroup.Group
	if def.Strategy != nil && def.Strategy.MaxParallel > 0 {
		g.SetLimit(def.Strategy.MaxParallel)
	}
	failFast := def.Strategy.FailFastEnabled() && len(instances) > 1

	for i, jr := range instances {
		g.Go(func() error {
			defer rs.recoverJob(ctx, jr, &results[i])
			if sctx.Err() != nil {
				results[i] = rs.cancelQueued(ctx, jr)
				return nil
			}
			if err := rs.e.jobs.Acquire(sctx, 1); err != nil {
				results[i] = rs.cancelQueued(ctx, jr)
				return nil
			}
			defer rs.e.jobs.Release(1)

			je := rs.newJobExec(ctx, def, jr, needs, i, len(instances))
			results[i] = je.run(sctx, status)
			if failFast && results[i].conclusion == schema.ConclusionFailure {
				rs.log.Info("fail-fast cancelling matrix siblings", slog.String("job_id", jr.ID))
				cancelSiblings()
			}
			return nil
		})
	}
	_ = g.Wait()
}

// cancelQueued cancels a job run that never started.
func (rs *runState) cancelQueued(ctx context.Context, jr *schema.JobRun) *jobResult {
	rs.skipSteps(ctx, jr.ID, schema.StatusCancelled, schema.ConclusionCancelled)
	rs.setJob(ctx, jr.ID, schema.StatusCancelled, schema.ConclusionCancelled, nil)
	return &jobResult{conclusion: schema.ConclusionCancelled}
}

// recoverJob turns a panic inside one job instance into a failed job.
func (rs *runState) recoverJob(ctx context.Context, jr *schema.JobRun, result **jobResult) {
	v := recover()
	if v == nil {
		return
	}
	rs.log.Error("job panicked", slog.String("job_id", jr.ID), slog.Any("panic", v), slog.String("stack", string(debug.Stack())))
	rs.logf(ctx, jr.ID, "", streaming.LevelError, "Internal error: %v", v)
	_, err := rs.update(ctx, func(r *schema.Run) error {
		j := r.Job(jr.ID)
		if j == nil || j.Status.Terminal() {
			return nil
		}
		for _, s := range j.Steps {
			if !s.Status.Terminal() {
				_ = transitionStep(s, schema.StatusCancelled, schema.ConclusionCancelled, rs.e.now())
			}
		}
		return transitionJob(j, schema.StatusCompleted, schema.ConclusionFailure, rs.e.now())
	})
	if err != nil {
		rs.log.Debug("panicked job not updated", slog.String("job_id", jr.ID), slog.String("error", err.Error()))
	}
	*result = &jobResult{conclusion: schema.ConclusionFailure}
}

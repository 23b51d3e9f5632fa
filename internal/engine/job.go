package engine

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"time"

	"github.com/rendis/pipewright/internal/expressions"
	"github.com/rendis/pipewright/internal/logging"
	"github.com/rendis/pipewright/internal/streaming"
	"github.com/rendis/pipewright/pkg/schema"
)

// jobExec is the mutable state of one executing job instance.
type jobExec struct {
	rs  *runState
	def *schema.JobDefinition
	jr  *schema.JobRun
	c   *expressions.Context
	log *slog.Logger

	// env is workflow env < job env, plus GITHUB_ENV exports of earlier
	// steps. path holds GITHUB_PATH entries, newest first.
	env  map[string]string
	path []string
}

func (rs *runState) newJobExec(ctx context.Context, def *schema.JobDefinition, jr *schema.JobRun, needs map[string]any, index, total int) *jobExec {
	ctx = logging.WithJob(ctx, jr.ID)
	return &jobExec{
		rs:  rs,
		def: def,
		jr:  jr,
		c:   rs.jobContext(def, jr, needs, index, total),
		log: logging.LogWith(ctx, rs.e.logger),
		env: map[string]string{},
	}
}

// run executes the job's steps and returns its result. needsStatus is the
// status the job guard sees: failure when a needed job failed.
func (je *jobExec) run(ctx context.Context, needsStatus schema.Conclusion) *jobResult {
	rs := je.rs
	ctx = logging.WithJob(ctx, je.jr.ID)
	id := je.jr.ID

	ok, err := rs.e.eval.EvaluateCondition(je.def.If, je.c.WithStatus(needsStatus))
	if err != nil {
		rs.logf(ctx, id, "", streaming.LevelError, "Error evaluating job condition: %v", err)
		rs.skipSteps(ctx, id, schema.StatusCompleted, schema.ConclusionSkipped)
		rs.setJob(ctx, id, schema.StatusCompleted, schema.ConclusionFailure, nil)
		return &jobResult{conclusion: schema.ConclusionFailure}
	}
	if !ok {
		rs.logf(ctx, id, "", streaming.LevelInfo, "Skipping %s: condition %q is false", je.jr.Name, je.def.If)
		rs.skipSteps(ctx, id, schema.StatusCompleted, schema.ConclusionSkipped)
		rs.setJob(ctx, id, schema.StatusCompleted, schema.ConclusionSkipped, nil)
		return &jobResult{conclusion: schema.ConclusionSkipped}
	}

	if !rs.setJob(ctx, id, schema.StatusInProgress, schema.ConclusionNone, nil) {
		return &jobResult{conclusion: schema.ConclusionCancelled}
	}
	je.log.Info("job started", slog.String("name", je.jr.Name))
	rs.logf(ctx, id, "", streaming.LevelInfo, "Starting job %s", je.jr.Name)

	envFailed := false
	if err := je.initEnv(); err != nil {
		rs.logf(ctx, id, "", streaming.LevelError, "Error evaluating job env: %v", err)
		envFailed = true
	}
	failed := envFailed

	jctx := ctx
	if je.def.TimeoutMinutes > 0 {
		var cancel context.CancelFunc
		jctx, cancel = context.WithTimeout(ctx, minutes(je.def.TimeoutMinutes))
		defer cancel()
	}

	for i := range je.def.Steps {
		if envFailed || jctx.Err() != nil {
			break
		}
		sd := &je.def.Steps[i]
		if je.runStep(jctx, sd, je.jr.Steps[i].ID, failed && !sd.ContinueOnError) == schema.ConclusionFailure {
			failed = true
			je.c.Put("job", "status", string(schema.ConclusionFailure))
		}
	}

	timedOut := ctx.Err() == nil && errors.Is(jctx.Err(), context.DeadlineExceeded)
	if ctx.Err() != nil {
		rs.skipSteps(ctx, id, schema.StatusCancelled, schema.ConclusionCancelled)
		rs.logf(ctx, id, "", streaming.LevelWarn, "Job %s was cancelled", je.jr.Name)
		if !rs.setJob(ctx, id, schema.StatusCancelled, schema.ConclusionCancelled, nil) {
			je.log.Debug("job already cancelled")
		}
		return &jobResult{conclusion: schema.ConclusionCancelled}
	}
	if timedOut {
		failed = true
		rs.skipSteps(ctx, id, schema.StatusCancelled, schema.ConclusionCancelled)
		rs.logf(ctx, id, "", streaming.LevelError, "Job %s exceeded its timeout of %v minutes", je.jr.Name, je.def.TimeoutMinutes)
	} else {
		rs.skipSteps(ctx, id, schema.StatusCompleted, schema.ConclusionSkipped)
	}

	outputs, err := rs.e.eval.InterpolateMap(je.def.Outputs, je.c)
	if err != nil {
		rs.logf(ctx, id, "", streaming.LevelError, "Error evaluating job outputs: %v", err)
		failed = true
	}

	conclusion := schema.ConclusionSuccess
	if failed {
		conclusion = schema.ConclusionFailure
		if je.def.ContinueOnError {
			rs.logf(ctx, id, "", streaming.LevelWarn, "Job %s failed; continuing because continue-on-error is set", je.jr.Name)
			conclusion = schema.ConclusionSuccess
		}
	}
	if !rs.setJob(ctx, id, schema.StatusCompleted, conclusion, func(j *schema.JobRun) { j.Outputs = outputs }) {
		return &jobResult{conclusion: schema.ConclusionCancelled}
	}
	je.log.Info("job finished", slog.String("conclusion", string(conclusion)))
	return &jobResult{conclusion: conclusion, outputs: outputs}
}

// initEnv evaluates workflow env and then job env, each against the
// values before it.
func (je *jobExec) initEnv() error {
	eval := je.rs.e.eval
	wfEnv, err := eval.InterpolateMap(je.rs.wf.Env, je.c)
	if err != nil {
		return err
	}
	maps.Copy(je.env, wfEnv)
	je.c.SetStrings("env", je.env)

	jobEnv, err := eval.InterpolateMap(je.def.Env, je.c)
	if err != nil {
		return err
	}
	maps.Copy(je.env, jobEnv)
	je.c.SetStrings("env", je.env)
	return nil
}

// export applies GITHUB_ENV and GITHUB_PATH commands to later steps.
func (je *jobExec) export(env map[string]string, path []string) {
	if len(env) > 0 {
		maps.Copy(je.env, env)
		je.c.SetStrings("env", je.env)
	}
	for _, p := range path {
		je.path = append([]string{p}, je.path...)
	}
}

func (je *jobExec) shell(sd *schema.StepDefinition) string {
	switch {
	case sd.Shell != "":
		return sd.Shell
	case je.def.Defaults.Shell != "":
		return je.def.Defaults.Shell
	default:
		return je.rs.wf.Defaults.Shell
	}
}

func (je *jobExec) workingDir(sd *schema.StepDefinition) string {
	switch {
	case sd.WorkingDirectory != "":
		return sd.WorkingDirectory
	case je.def.Defaults.WorkingDirectory != "":
		return je.def.Defaults.WorkingDirectory
	default:
		return je.rs.wf.Defaults.WorkingDirectory
	}
}

func minutes(m float64) time.Duration {
	return time.Duration(m * float64(time.Minute))
}

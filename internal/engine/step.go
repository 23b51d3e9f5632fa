package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"sort"
	"strings"

	"github.com/rendis/pipewright/internal/actions"
	"github.com/rendis/pipewright/internal/expressions"
	"github.com/rendis/pipewright/internal/isolation"
	"github.com/rendis/pipewright/internal/logging"
	"github.com/rendis/pipewright/internal/streaming"
	"github.com/rendis/pipewright/pkg/schema"
)

// stepOutcome is the result of executing one step, before
// continue-on-error is applied.
type stepOutcome struct {
	conclusion schema.Conclusion
	outputs    map[string]string
	stdout     string
	stderr     string
	exitCode   int
	err        string
}

func failed(err error) stepOutcome {
	o := stepOutcome{conclusion: schema.ConclusionFailure, err: err.Error()}
	if schema.HasCode(err, schema.ErrCodeCancelled) {
		o.conclusion = schema.ConclusionCancelled
	}
	return o
}

// runStep evaluates the step guard, executes the step and folds its
// result into the `steps` namespace. It returns the step conclusion.
// Guards see the success status even after an earlier failure; a
// gated step then runs only when its own guard holds.
func (je *jobExec) runStep(ctx context.Context, sd *schema.StepDefinition, id string, gated bool) schema.Conclusion {
	rs := je.rs
	ctx = logging.WithStep(ctx, id)
	jobID := je.jr.ID

	c := je.c.WithStatus(schema.ConclusionSuccess)
	var ok bool
	var err error
	if gated {
		ok, err = rs.e.eval.EvaluateGuard(sd.If, c)
	} else {
		ok, err = rs.e.eval.EvaluateCondition(sd.If, c)
	}
	if err != nil {
		rs.logf(ctx, jobID, id, streaming.LevelError, "Error evaluating step condition: %v", err)
		return je.complete(ctx, sd, id, failed(err))
	}
	if !ok {
		rs.setStep(ctx, jobID, id, schema.StatusCompleted, schema.ConclusionSkipped, nil)
		je.c.Put("steps", id, map[string]any{
			"outputs":    map[string]any{},
			"outcome":    string(schema.ConclusionSkipped),
			"conclusion": string(schema.ConclusionSkipped),
		})
		return schema.ConclusionSkipped
	}

	if !rs.setStep(ctx, jobID, id, schema.StatusInProgress, schema.ConclusionNone, nil) {
		return schema.ConclusionCancelled
	}
	return je.complete(ctx, sd, id, je.execStep(ctx, sd, id))
}

// complete records the outcome of a started step.
func (je *jobExec) complete(ctx context.Context, sd *schema.StepDefinition, id string, o stepOutcome) schema.Conclusion {
	rs := je.rs
	if o.conclusion == schema.ConclusionFailure && ctx.Err() != nil && errors.Is(context.Cause(ctx), context.Canceled) {
		o.conclusion = schema.ConclusionCancelled
	}

	conclusion := o.conclusion
	if conclusion == schema.ConclusionFailure && sd.ContinueOnError {
		rs.logf(ctx, je.jr.ID, id, streaming.LevelWarn, "Step failed; continuing because continue-on-error is set")
		conclusion = schema.ConclusionSuccess
	}
	to := schema.StatusCompleted
	if conclusion == schema.ConclusionCancelled {
		to = schema.StatusCancelled
	}

	rs.setStep(ctx, je.jr.ID, id, to, conclusion, func(s *schema.StepRun) {
		s.Outcome = o.conclusion
		s.Outputs = o.outputs
		s.Stdout = rs.masker.Mask(o.stdout)
		s.Stderr = rs.masker.Mask(o.stderr)
		s.ExitCode = o.exitCode
		s.Error = rs.masker.Mask(o.err)
	})

	outputs := make(map[string]any, len(o.outputs))
	for k, v := range o.outputs {
		outputs[k] = v
	}
	je.c.Put("steps", id, map[string]any{
		"outputs":    outputs,
		"outcome":    string(o.conclusion),
		"conclusion": string(conclusion),
	})
	je.log.Debug("step finished",
		slog.String("step_id", id),
		slog.String("outcome", string(o.conclusion)),
		slog.String("conclusion", string(conclusion)),
	)
	return conclusion
}

// execStep runs a `uses` or `run` step.
func (je *jobExec) execStep(ctx context.Context, sd *schema.StepDefinition, id string) stepOutcome {
	rs := je.rs

	sc := je.c.Clone()
	stepEnv, err := rs.e.eval.InterpolateMap(sd.Env, sc)
	if err != nil {
		return failed(err)
	}
	env := maps.Clone(je.env)
	maps.Copy(env, stepEnv)
	sc.SetStrings("env", env)
	maps.Copy(env, rs.baseEnv(je.def.ID))

	dir, err := isolation.Confine(rs.workspace, je.workingDir(sd))
	if err != nil {
		return failed(err)
	}

	if sd.Uses != "" {
		return je.runAction(ctx, sd, id, sc, env, dir)
	}
	if strings.TrimSpace(sd.Run) == "" {
		return failed(schema.NewError(schema.ErrCodeValidation, "step has neither run nor uses").WithStep(id))
	}

	script, err := rs.e.eval.Interpolate(sd.Run, sc)
	if err != nil {
		return failed(err)
	}
	rs.logf(ctx, je.jr.ID, id, streaming.LevelInfo, "Run %s", script)

	res, err := je.shellRun(ctx, id, actions.Command{
		Script:      script,
		Shell:       je.shell(sd),
		WorkingDir:  dir,
		Env:         env,
		PathPrepend: je.path,
		Timeout:     minutes(sd.TimeoutMinutes),
	})
	if err != nil {
		return failed(err)
	}
	o := je.outcome(ctx, id, sd.TimeoutMinutes, res)
	if res.Commands != nil {
		o.outputs = res.Commands.Outputs
		je.apply(ctx, id, res.Commands)
	}
	return o
}

// shellRun executes c with the step's log streams attached.
func (je *jobExec) shellRun(ctx context.Context, id string, c actions.Command) (*actions.Result, error) {
	rs := je.rs
	lctx := context.WithoutCancel(ctx)
	stdout := rs.e.logs.Writer(lctx, rs.ar.id, je.jr.ID, id, streaming.StreamStdout)
	stderr := rs.e.logs.Writer(lctx, rs.ar.id, je.jr.ID, id, streaming.StreamStderr)
	defer stdout.Close()
	defer stderr.Close()

	c.Stdout = stdout
	c.Stderr = stderr
	c.TempDir = rs.tmp
	return rs.e.runner.Run(ctx, c)
}

// outcome maps a shell result to a step outcome.
func (je *jobExec) outcome(ctx context.Context, id string, timeoutMinutes float64, res *actions.Result) stepOutcome {
	o := stepOutcome{
		conclusion: schema.ConclusionSuccess,
		stdout:     res.Stdout,
		stderr:     res.Stderr,
		exitCode:   res.ExitCode,
	}
	if res.ExitCode == 0 {
		return o
	}
	o.conclusion = schema.ConclusionFailure
	switch {
	case res.Killed && ctx.Err() == nil:
		o.err = fmt.Sprintf("step exceeded its timeout of %v minutes", timeoutMinutes)
	case res.Killed && errors.Is(ctx.Err(), context.DeadlineExceeded):
		o.err = "job timeout exceeded"
	case res.Killed:
		o.conclusion = schema.ConclusionCancelled
		o.err = "step was cancelled"
	default:
		o.err = fmt.Sprintf("Process completed with exit code %d.", res.ExitCode)
	}
	je.rs.logf(ctx, je.jr.ID, id, streaming.LevelError, "%s", o.err)
	return o
}

// apply propagates the side-channel commands of a finished step.
func (je *jobExec) apply(ctx context.Context, id string, cmds *actions.Commands) {
	je.export(cmds.Env, cmds.Path)
	if s := strings.TrimSpace(cmds.Summary); s != "" {
		je.rs.logf(ctx, je.jr.ID, id, streaming.LevelInfo, "Step summary:\n%s", s)
	}
}

// runAction resolves sd.Uses in the catalog and runs the action's
// sub-steps, then its handler.
func (je *jobExec) runAction(ctx context.Context, sd *schema.StepDefinition, id string, sc *expressions.Context, env map[string]string, dir string) stepOutcome {
	rs := je.rs
	jobID := je.jr.ID

	action, err := rs.e.catalog.Lookup(sd.Uses)
	if err != nil {
		rs.logf(ctx, jobID, id, streaming.LevelError, "Unable to resolve action %s: %v", sd.Uses, err)
		return failed(err)
	}
	rs.logf(ctx, jobID, id, streaming.LevelInfo, "Run %s", sd.Uses)

	inputs, err := je.actionInputs(action, sd, sc)
	if err != nil {
		rs.logf(ctx, jobID, id, streaming.LevelError, "%v", err)
		return failed(err)
	}

	ac := sc.Clone().SetStrings("inputs", inputs).Set("steps", map[string]any{})
	actionEnv := maps.Clone(env)
	for name, v := range inputs {
		actionEnv["INPUT_"+strings.ToUpper(strings.ReplaceAll(name, " ", "_"))] = v
	}

	var (
		outputs  = map[string]string{}
		exported = map[string]string{}
		paths    []string
		stdout   strings.Builder
		stderr   strings.Builder
	)

	chdir, err := os.MkdirTemp(rs.tmp, "action-")
	if err != nil {
		return failed(schema.NewError(schema.ErrCodeCommandFailure, "create action dir").WithCause(err))
	}
	defer os.RemoveAll(chdir)

	for i := range action.Steps {
		sub := &action.Steps[i]
		subID := stepID(sub, i)

		ok, err := rs.e.eval.EvaluateCondition(sub.If, ac)
		if err != nil {
			return failed(err)
		}
		if !ok {
			continue
		}

		// Truncating the shared files attributes outputs to this sub-step.
		channels, err := actions.NewSideChannels(chdir)
		if err != nil {
			return failed(schema.NewError(schema.ErrCodeCommandFailure, "side channels").WithCause(err))
		}
		subEnv, err := rs.e.eval.InterpolateMap(sub.Env, ac)
		if err != nil {
			return failed(err)
		}
		script, err := rs.e.eval.Interpolate(sub.Run, ac)
		if err != nil {
			return failed(err)
		}
		shell := sub.Shell
		if shell == "" {
			shell = je.shell(sd)
		}
		cmdEnv := maps.Clone(actionEnv)
		maps.Copy(cmdEnv, exported)
		maps.Copy(cmdEnv, subEnv)

		res, err := je.shellRun(ctx, id, actions.Command{
			Script:      script,
			Shell:       shell,
			WorkingDir:  dir,
			Env:         cmdEnv,
			PathPrepend: append(append([]string(nil), paths...), je.path...),
			Timeout:     minutes(sd.TimeoutMinutes),
			Channels:    channels,
		})
		if err != nil {
			return failed(err)
		}
		stdout.WriteString(res.Stdout)
		stderr.WriteString(res.Stderr)

		o := je.outcome(ctx, id, sd.TimeoutMinutes, res)
		if o.conclusion != schema.ConclusionSuccess {
			o.stdout, o.stderr = stdout.String(), stderr.String()
			o.err = fmt.Sprintf("action %s failed in step %s: %s", action.Ref, subID, o.err)
			return o
		}

		cmds, err := channels.Collect()
		if err != nil {
			return failed(err)
		}
		maps.Copy(outputs, cmds.Outputs)
		maps.Copy(exported, cmds.Env)
		for _, p := range cmds.Path {
			paths = append([]string{p}, paths...)
		}
		if s := strings.TrimSpace(cmds.Summary); s != "" {
			rs.logf(ctx, jobID, id, streaming.LevelInfo, "Step summary:\n%s", s)
		}
		subOutputs := make(map[string]any, len(cmds.Outputs))
		for k, v := range cmds.Outputs {
			subOutputs[k] = v
		}
		ac.Put("steps", subID, map[string]any{
			"outputs":    subOutputs,
			"outcome":    string(schema.ConclusionSuccess),
			"conclusion": string(schema.ConclusionSuccess),
		})
	}

	if action.Handler != nil {
		log := rs.e.logs.Writer(context.WithoutCancel(ctx), rs.ar.id, jobID, id, streaming.StreamStdout)
		handled, err := action.Handler(ctx, &actions.Call{
			Inputs:    inputs,
			Workspace: dir,
			Artifacts: &runArtifacts{rs: rs},
			Log:       log,
		})
		_ = log.Close()
		if err != nil {
			rs.logf(ctx, jobID, id, streaming.LevelError, "%v", err)
			o := failed(err)
			o.stdout, o.stderr = stdout.String(), stderr.String()
			return o
		}
		maps.Copy(outputs, handled)
	}

	if len(action.Outputs) > 0 {
		declared := make(map[string]string, len(action.Outputs))
		for name, out := range action.Outputs {
			if out.Value == "" {
				if v, ok := outputs[name]; ok {
					declared[name] = v
				}
				continue
			}
			v, err := rs.e.eval.Interpolate(out.Value, ac)
			if err != nil {
				return failed(err)
			}
			declared[name] = v
		}
		outputs = declared
	}

	je.export(exported, reversed(paths))
	return stepOutcome{
		conclusion: schema.ConclusionSuccess,
		outputs:    outputs,
		stdout:     stdout.String(),
		stderr:     stderr.String(),
	}
}

// actionInputs resolves `with` values, falling back to declared defaults.
// Both are interpolated against the calling step.
func (je *jobExec) actionInputs(a *actions.CompositeAction, sd *schema.StepDefinition, sc *expressions.Context) (map[string]string, error) {
	eval := je.rs.e.eval
	inputs, err := eval.InterpolateMap(sd.With, sc)
	if err != nil {
		return nil, err
	}
	if inputs == nil {
		inputs = map[string]string{}
	}

	names := make([]string, 0, len(a.Inputs))
	for name := range a.Inputs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		decl := a.Inputs[name]
		if _, ok := inputs[name]; ok {
			continue
		}
		if decl.Default != "" {
			v, err := eval.Interpolate(decl.Default, sc)
			if err != nil {
				return nil, err
			}
			inputs[name] = v
			continue
		}
		if decl.Required {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "input %q is required by %s", name, a.Ref)
		}
		inputs[name] = ""
	}
	return inputs, nil
}

// reversed turns a newest-first path list back into file order so export
// prepends it correctly.
func reversed(in []string) []string {
	out := make([]string, len(in))
	for i, p := range in {
		out[len(in)-1-i] = p
	}
	return out
}

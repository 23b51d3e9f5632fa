package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/urfave/cli/v3"

	"github.com/rendis/pipewright/internal/matrix"
	"github.com/rendis/pipewright/internal/streaming"
	"github.com/rendis/pipewright/internal/workflowdef"
	"github.com/rendis/pipewright/pkg/schema"
)

func validateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Usage:     "parse and validate every workflow of a repository checkout",
		ArgsUsage: "<repo-dir>",
		Action:    runValidate,
	}
}

func runValidate(ctx context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() != 1 {
		return cli.Exit("validate needs exactly one repository directory", 2)
	}
	cfg, logger, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	ids, err := a.addRepos([]string{cmd.Args().First()})
	if err != nil {
		return err
	}
	wfs, result, err := a.loader.Load(ctx, ids[0])
	if err != nil {
		return err
	}

	w := cmd.Root().Writer
	for _, wf := range wfs {
		fmt.Fprintf(w, "ok    %s (%d jobs)\n", wf.Path, len(wf.Jobs))
	}
	for _, issue := range result.Warnings {
		fmt.Fprintf(w, "warn  %s\n", issue.String())
	}
	for _, issue := range result.Errors {
		fmt.Fprintf(w, "error %s\n", issue.String())
	}
	if !result.Valid() {
		return cli.Exit(fmt.Sprintf("%d validation error(s)", len(result.Errors)), 1)
	}
	return nil
}

func emitCommand() *cli.Command {
	return &cli.Command{
		Name:  "emit",
		Usage: "route a CI event to a repository and run the matching workflows",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "repo", Usage: "repository checkout (optionally id=dir)", Required: true},
			&cli.StringFlag{Name: "event", Usage: "JSON event file, or - for stdin", Required: true},
			&cli.BoolFlag{Name: "logs", Usage: "stream job output while waiting"},
			&cli.BoolFlag{Name: "graph", Usage: "draw each finished run's job graph"},
			&cli.BoolFlag{Name: "no-wait", Usage: "print the queued runs and exit"},
		},
		Action: runEmit,
	}
}

func runEmit(ctx context.Context, cmd *cli.Command) error {
	ev, err := readEvent(cmd.String("event"), cmd.Root().Reader)
	if err != nil {
		return err
	}
	return emitAndWait(ctx, cmd, ev)
}

func dispatchCommand() *cli.Command {
	return &cli.Command{
		Name:  "dispatch",
		Usage: "start a workflow_dispatch run",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "repo", Usage: "repository checkout (optionally id=dir)", Required: true},
			&cli.StringFlag{Name: "workflow", Usage: "workflow id, e.g. .github/workflows/deploy.yml", Required: true},
			&cli.StringFlag{Name: "ref", Usage: "git ref to run against"},
			&cli.StringSliceFlag{Name: "input", Usage: "dispatch input as key=value (repeatable)"},
			&cli.StringFlag{Name: "actor", Usage: "actor recorded on the run", Value: "pipewright"},
			&cli.BoolFlag{Name: "logs", Usage: "stream job output while waiting"},
			&cli.BoolFlag{Name: "no-wait", Usage: "print the queued run and exit"},
		},
		Action: runDispatch,
	}
}

func runDispatch(ctx context.Context, cmd *cli.Command) error {
	inputs, err := parseInputs(cmd.StringSlice("input"))
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	ev := schema.CIEvent{
		Kind:  schema.TriggerWorkflowDispatch,
		Actor: cmd.String("actor"),
		Dispatch: &schema.DispatchPayload{
			WorkflowID: cmd.String("workflow"),
			Ref:        cmd.String("ref"),
			Inputs:     inputs,
		},
	}
	return emitAndWait(ctx, cmd, ev)
}

// emitAndWait registers --repo, routes ev and reports every started run.
func emitAndWait(ctx context.Context, cmd *cli.Command, ev schema.CIEvent) error {
	cfg, logger, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	ids, err := a.addRepos([]string{cmd.String("repo")})
	if err != nil {
		return err
	}
	if ev.RepoID == "" {
		ev.RepoID = ids[0]
	}

	w := cmd.Root().Writer
	var stopLogs func()
	if cmd.Bool("logs") {
		stopLogs, err = followLogs(ctx, a.hub, w, streaming.Filter{RepoID: ev.RepoID, Types: []string{schema.EventLogLine}})
		if err != nil {
			return err
		}
	}

	a.start(ctx)
	runs, err := a.router.Emit(ctx, ev)
	if err != nil && len(runs) == 0 {
		if stopLogs != nil {
			stopLogs()
		}
		return err
	}
	if err != nil {
		logger.Warn("some workflows did not start", slog.String("error", err.Error()))
	}
	if len(runs) == 0 {
		if stopLogs != nil {
			stopLogs()
		}
		fmt.Fprintln(w, "no workflow matched the event")
		return nil
	}

	if cmd.Bool("no-wait") {
		if stopLogs != nil {
			stopLogs()
		}
		for _, run := range runs {
			printRun(w, run)
		}
		return nil
	}

	finished := make([]*schema.Run, 0, len(runs))
	for _, run := range runs {
		done, err := a.exec.WaitRun(ctx, run.ID)
		if err != nil {
			if stopLogs != nil {
				stopLogs()
			}
			return err
		}
		finished = append(finished, done)
	}
	if stopLogs != nil {
		stopLogs()
	}

	failed := false
	for _, run := range finished {
		printRun(w, run)
		if cmd.Bool("graph") {
			if err := a.printRunGraph(ctx, w, run); err != nil {
				logger.Warn("draw run graph", slog.String("run_id", run.ID), slog.String("error", err.Error()))
			}
		}
		if run.Conclusion != schema.ConclusionSuccess {
			failed = true
		}
	}
	if failed {
		return errRunsFailed
	}
	return nil
}

func matrixCommand() *cli.Command {
	return &cli.Command{
		Name:      "matrix",
		Usage:     "print the matrix expansion of a job",
		ArgsUsage: "<workflow-file> <job-id>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "print the bindings as a JSON array"},
		},
		Action: runMatrix,
	}
}

func runMatrix(_ context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() != 2 {
		return cli.Exit("matrix needs a workflow file and a job id", 2)
	}
	path, jobID := cmd.Args().Get(0), cmd.Args().Get(1)
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	doc, err := workflowdef.Decode(path, data)
	if err != nil {
		return err
	}
	wf, _, err := doc.Workflow()
	if err != nil {
		return err
	}
	job, ok := wf.Job(jobID)
	if !ok {
		return cli.Exit(fmt.Sprintf("job %q not found in %s", jobID, path), 1)
	}
	entries, err := matrix.Expand(job.Strategy)
	if err != nil {
		return err
	}

	name := job.DisplayName()
	w := cmd.Root().Writer
	if cmd.Bool("json") {
		out := make([]map[string]any, 0, len(entries))
		for _, m := range entries {
			out = append(out, m.Map())
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	if len(entries) == 0 {
		fmt.Fprintln(w, name)
		return nil
	}
	for _, m := range entries {
		fmt.Fprintln(w, matrix.DisplayName(name, m))
	}
	return nil
}

func readEvent(path string, stdin io.Reader) (schema.CIEvent, error) {
	var ev schema.CIEvent
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return ev, fmt.Errorf("read event: %w", err)
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, fmt.Errorf("decode event: %w", err)
	}
	if ev.Kind == "" {
		return ev, errors.New("event has no kind")
	}
	return ev, nil
}

// parseInputs turns key=value pairs into dispatch inputs. Values stay
// strings; the router coerces them to their declared types.
func parseInputs(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	inputs := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("input %q is not key=value", p)
		}
		inputs[k] = v
	}
	return inputs, nil
}

// followLogs prints log lines matching filter until the returned stop is
// called. Stop waits for the printer to exit.
func followLogs(ctx context.Context, hub streaming.Hub, w io.Writer, filter streaming.Filter) (func(), error) {
	events, unsubscribe, err := hub.Subscribe(ctx, filter)
	if err != nil {
		return nil, err
	}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range events {
			printEvent(w, ev)
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			unsubscribe()
			wg.Wait()
		})
	}, nil
}

func printEvent(w io.Writer, ev streaming.Event) {
	if entry, ok := ev.Payload.(streaming.LogEntry); ok {
		scope := entry.JobID
		if entry.StepID != "" {
			scope += "/" + entry.StepID
		}
		fmt.Fprintf(w, "[%s] %s\n", scope, entry.Message)
		return
	}
	target := ev.RunID
	if ev.JobID != "" {
		target += " " + ev.JobID
	}
	if ev.StepID != "" {
		target += "/" + ev.StepID
	}
	fmt.Fprintf(w, "%s %-15s %s\n", ev.Timestamp.Format("15:04:05"), ev.Type, target)
}

func printRun(w io.Writer, run *schema.Run) {
	fmt.Fprintf(w, "%s #%d (%s): %s\n", run.WorkflowName, run.RunNumber, run.ID, outcome(run.Status, run.Conclusion))
	for _, j := range run.Jobs {
		fmt.Fprintf(w, "  %-40s %s\n", j.Name, outcome(j.Status, j.Conclusion))
	}
	for _, art := range run.Artifacts {
		fmt.Fprintf(w, "  artifact %s (%d bytes)\n", art.Name, art.Size)
	}
	if run.Error != "" {
		fmt.Fprintf(w, "  error: %s\n", run.Error)
	}
}

func outcome(s schema.Status, c schema.Conclusion) string {
	if c != schema.ConclusionNone {
		return string(c)
	}
	return string(s)
}

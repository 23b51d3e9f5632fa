package engine

import (
	"maps"
	"runtime"
	"strconv"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/rendis/pipewright/internal/expressions"
	"github.com/rendis/pipewright/pkg/schema"
)

// shortRef strips refs/heads/ or refs/tags/ from ref.
func shortRef(ref string) string {
	if ref == "" {
		return ""
	}
	return plumbing.ReferenceName(ref).Short()
}

func hasStatusGuard(cond string) bool {
	return cond != "" && expressions.HasStatusFunction(cond)
}

func runnerOS() string {
	switch runtime.GOOS {
	case "darwin":
		return "macOS"
	case "windows":
		return "Windows"
	default:
		return "Linux"
	}
}

func runnerArch() string {
	switch runtime.GOARCH {
	case "amd64":
		return "X64"
	case "386":
		return "X86"
	case "arm64":
		return "ARM64"
	case "arm":
		return "ARM"
	default:
		return strings.ToUpper(runtime.GOARCH)
	}
}

// githubContext is the `github` namespace of a job.
func (rs *runState) githubContext(jobID string) map[string]any {
	t := rs.run.Trigger
	event := map[string]any{}
	if len(t.Inputs) > 0 {
		event["inputs"] = maps.Clone(t.Inputs)
	}
	if t.PRNumber != 0 {
		event["number"] = t.PRNumber
		event["pull_request"] = map[string]any{"number": t.PRNumber}
	}
	return map[string]any{
		"ref":         t.Ref,
		"ref_name":    shortRef(t.Ref),
		"head_ref":    t.HeadRef,
		"base_ref":    t.BaseRef,
		"sha":         t.CommitSHA,
		"actor":       t.Actor,
		"event_name":  string(t.Kind),
		"event":       event,
		"repository":  rs.run.RepoID,
		"workflow":    workflowName(rs.wf),
		"run_id":      rs.run.ID,
		"run_number":  strconv.FormatInt(rs.run.RunNumber, 10),
		"run_attempt": "1",
		"job":         jobID,
		"workspace":   rs.workspace,
		"server_url":  "",
	}
}

// baseEnv is the GITHUB_* and RUNNER_* environment every step receives.
func (rs *runState) baseEnv(jobID string) map[string]string {
	t := rs.run.Trigger
	return map[string]string{
		"CI":                "true",
		"GITHUB_ACTIONS":    "true",
		"GITHUB_WORKSPACE":  rs.workspace,
		"GITHUB_REPOSITORY": rs.run.RepoID,
		"GITHUB_WORKFLOW":   workflowName(rs.wf),
		"GITHUB_RUN_ID":     rs.run.ID,
		"GITHUB_RUN_NUMBER": strconv.FormatInt(rs.run.RunNumber, 10),
		"GITHUB_JOB":        jobID,
		"GITHUB_SHA":        t.CommitSHA,
		"GITHUB_REF":        t.Ref,
		"GITHUB_REF_NAME":   shortRef(t.Ref),
		"GITHUB_HEAD_REF":   t.HeadRef,
		"GITHUB_BASE_REF":   t.BaseRef,
		"GITHUB_EVENT_NAME": string(t.Kind),
		"GITHUB_ACTOR":      t.Actor,
		"RUNNER_OS":         runnerOS(),
		"RUNNER_ARCH":       runnerArch(),
		"RUNNER_TEMP":       rs.tmp,
	}
}

// jobContext assembles the expression context of one job instance.
func (rs *runState) jobContext(def *schema.JobDefinition, jr *schema.JobRun, needs map[string]any, index, total int) *expressions.Context {
	maxParallel := total
	if def.Strategy != nil && def.Strategy.MaxParallel > 0 {
		maxParallel = def.Strategy.MaxParallel
	}
	m := jr.Matrix.Map()
	if m == nil {
		m = map[string]any{}
	}
	return expressions.NewContext().
		Set("github", rs.githubContext(def.ID)).
		Set("inputs", maps.Clone(rs.run.Trigger.Inputs)).
		SetStrings("secrets", rs.secrets).
		SetStrings("vars", rs.e.cfg.Vars).
		Set("needs", needs).
		Set("matrix", m).
		Set("strategy", map[string]any{
			"fail-fast":    def.Strategy.FailFastEnabled(),
			"max-parallel": maxParallel,
			"job-index":    index,
			"job-total":    total,
		}).
		Set("runner", map[string]any{
			"name":      "pipewright",
			"os":        runnerOS(),
			"arch":      runnerArch(),
			"temp":      rs.tmp,
			"workspace": rs.workspace,
		}).
		Set("job", map[string]any{"status": string(schema.ConclusionSuccess)}).
		Set("steps", map[string]any{}).
		SetStrings("env", nil)
}

package validation

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/rendis/pipewright/internal/expressions"
	"github.com/rendis/pipewright/internal/matrix"
	"github.com/rendis/pipewright/pkg/schema"
)

var knownShells = map[string]bool{
	"bash": true, "sh": true, "pwsh": true, "powershell": true, "python": true, "python3": true, "cmd": true,
}

// validateSemantic checks references and settings JSON Schema cannot
// express: needs targets, step ids, action refs, cron syntax, shells,
// matrix size and needs.* expression references.
func validateSemantic(wf *schema.Workflow, lookup ActionLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	validateTriggers(wf, result)

	jobIDs := make(map[string]bool, len(wf.Jobs))
	for i, j := range wf.Jobs {
		if jobIDs[j.ID] {
			result.AddError(fmt.Sprintf("jobs[%d]", i), schema.ErrCodeValidation,
				fmt.Sprintf("duplicate job id %q", j.ID))
		}
		jobIDs[j.ID] = true
	}

	for i := range wf.Jobs {
		validateJob(&wf.Jobs[i], jobIDs, lookup, result)
	}
	validateShell(wf.Defaults.Shell, "defaults.run.shell", result)

	return result
}

func validateTriggers(wf *schema.Workflow, result *schema.ValidationResult) {
	if len(wf.Triggers) == 0 {
		result.AddWarning("on", schema.ErrCodeValidation, "workflow declares no supported triggers")
	}
	for i, t := range wf.Triggers {
		if t.Kind != schema.TriggerSchedule {
			continue
		}
		path := fmt.Sprintf("on.schedule[%d].cron", i)
		if t.Cron == "" {
			result.AddError(path, schema.ErrCodeSchedulingMisconfiguration, "schedule trigger without cron expression")
			continue
		}
		if _, err := cron.ParseStandard(t.Cron); err != nil {
			result.AddError(path, schema.ErrCodeSchedulingMisconfiguration,
				fmt.Sprintf("invalid cron expression %q: %v", t.Cron, err))
		}
	}
}

func validateJob(job *schema.JobDefinition, jobIDs map[string]bool, lookup ActionLookup, result *schema.ValidationResult) {
	path := "jobs." + job.ID

	needs := make(map[string]bool, len(job.Needs))
	for k, dep := range job.Needs {
		needs[dep] = true
		if !jobIDs[dep] {
			result.AddError(fmt.Sprintf("%s.needs[%d]", path, k), schema.ErrCodeValidation,
				fmt.Sprintf("references non-existent job %q", dep))
		}
	}

	if job.TimeoutMinutes < 0 {
		result.AddError(path+".timeout-minutes", schema.ErrCodeValidation, "timeout-minutes must not be negative")
	}

	if job.Strategy != nil {
		if _, err := matrix.Expand(job.Strategy); err != nil {
			result.AddError(path+".strategy.matrix", schema.ErrCodeValidation, err.Error())
		}
		if job.Strategy.MaxParallel < 0 {
			result.AddError(path+".strategy.max-parallel", schema.ErrCodeValidation, "max-parallel must not be negative")
		}
	}

	checkNeedsRefs(path+".if", job.If, needs, result)
	for name, v := range job.Outputs {
		checkNeedsRefs(path+".outputs."+name, v, needs, result)
	}
	validateShell(job.Defaults.Shell, path+".defaults.run.shell", result)

	stepIDs := make(map[string]bool, len(job.Steps))
	for k := range job.Steps {
		step := &job.Steps[k]
		stepPath := fmt.Sprintf("%s.steps[%d]", path, k)

		if step.ID != "" {
			if stepIDs[step.ID] {
				result.AddError(stepPath+".id", schema.ErrCodeValidation,
					fmt.Sprintf("duplicate step id %q", step.ID))
			}
			stepIDs[step.ID] = true
		}

		switch {
		case step.Uses != "" && step.Run != "":
			result.AddError(stepPath, schema.ErrCodeValidation, "step sets both uses and run")
		case step.Uses == "" && step.Run == "":
			result.AddError(stepPath, schema.ErrCodeValidation, "step sets neither uses nor run")
		case step.Uses != "":
			validateUses(step.Uses, stepPath+".uses", lookup, result)
		}

		if step.TimeoutMinutes < 0 {
			result.AddError(stepPath+".timeout-minutes", schema.ErrCodeValidation, "timeout-minutes must not be negative")
		}
		validateShell(step.Shell, stepPath+".shell", result)

		checkNeedsRefs(stepPath+".if", step.If, needs, result)
		checkNeedsRefs(stepPath+".run", step.Run, needs, result)
		for name, v := range step.With {
			checkNeedsRefs(stepPath+".with."+name, v, needs, result)
		}
		for name, v := range step.Env {
			checkNeedsRefs(stepPath+".env."+name, v, needs, result)
		}
	}
}

// validateUses only warns: an unresolved action fails its step at run time
// without failing the whole definition.
func validateUses(uses, path string, lookup ActionLookup, result *schema.ValidationResult) {
	switch {
	case strings.HasPrefix(uses, "docker://"), strings.HasPrefix(uses, "./"):
		result.AddWarning(path, schema.ErrCodeActionUnresolved,
			fmt.Sprintf("local and container actions are not supported: %q", uses))
	case lookup != nil && !lookup.Has(uses):
		result.AddWarning(path, schema.ErrCodeActionUnresolved,
			fmt.Sprintf("action %q not found in catalog", uses))
	}
}

func validateShell(shell, path string, result *schema.ValidationResult) {
	if shell == "" || knownShells[shell] || strings.Contains(shell, "{0}") {
		return
	}
	result.AddError(path, schema.ErrCodeValidation,
		fmt.Sprintf("unknown shell %q; custom shells must contain {0}", shell))
}

// checkNeedsRefs warns about needs.<job> references to jobs not listed in
// the job's needs; they always resolve empty.
func checkNeedsRefs(path, s string, needs map[string]bool, result *schema.ValidationResult) {
	if s == "" {
		return
	}
	if !expressions.HasInterpolation(s) && strings.HasSuffix(path, ".if") {
		s = "${{ " + s + " }}"
	}
	for _, ref := range expressions.References(s) {
		root, rest, _ := strings.Cut(ref, ".")
		if !strings.EqualFold(root, "needs") {
			continue
		}
		dep, _, _ := strings.Cut(rest, ".")
		if dep == "" || dep == "*" || needs[dep] {
			continue
		}
		result.AddWarning(path, schema.ErrCodeValidation,
			fmt.Sprintf("expression references needs.%s but the job does not need %q", dep, dep))
	}
}

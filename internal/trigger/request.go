package trigger

import (
	"fmt"
	"maps"
	"strconv"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/rendis/pipewright/pkg/schema"
)

// InputValidator checks dispatch inputs against their declared specs.
type InputValidator interface {
	ValidateInputs(specs map[string]schema.InputSpec, inputs map[string]any) error
}

// BuildRequest extracts the run parameters of a matched event.
func BuildRequest(wf *schema.Workflow, t schema.Trigger, ev schema.CIEvent) schema.TriggerRequest {
	req := schema.TriggerRequest{
		WorkflowID: wf.ID,
		RepoID:     wf.RepoID,
		Kind:       ev.Kind,
		Actor:      ev.Actor,
	}

	switch ev.Kind {
	case schema.TriggerPush:
		ref := ev.Push.Ref
		if !strings.HasPrefix(ref, "refs/") {
			ref = plumbing.NewBranchReferenceName(ref).String()
		}
		req.Ref = ref
		req.Branch = plumbing.ReferenceName(ref).Short()
		req.CommitSHA = ev.Push.SHA

	case schema.TriggerPullRequest:
		pr := ev.PullRequest
		req.Branch = shortBranch(pr.HeadRef)
		req.HeadRef = shortBranch(pr.HeadRef)
		req.BaseRef = shortBranch(pr.BaseRef)
		req.Ref = fmt.Sprintf("refs/pull/%d/merge", pr.Number)
		req.CommitSHA = pr.HeadSHA
		req.PRNumber = pr.Number

	case schema.TriggerRelease:
		req.Ref = plumbing.NewTagReferenceName(ev.Release.TagName).String()
		req.Branch = ev.Release.TagName
		req.CommitSHA = ev.Release.SHA

	case schema.TriggerWorkflowDispatch, schema.TriggerWorkflowCall:
		p := ev.Dispatch
		if ev.Kind == schema.TriggerWorkflowCall {
			p = ev.Call
		}
		ref := p.Ref
		if ref == "" {
			ref = wf.DefaultBranch
		}
		if ref != "" && !strings.HasPrefix(ref, "refs/") {
			ref = plumbing.NewBranchReferenceName(ref).String()
		}
		req.Ref = ref
		if ref != "" {
			req.Branch = plumbing.ReferenceName(ref).Short()
		}
		req.CommitSHA = p.SHA
		if req.CommitSHA == "" {
			req.CommitSHA = wf.CommitSHA
		}
		req.Inputs = ResolveInputs(t.Inputs, p.Inputs)

	case schema.TriggerSchedule:
		if wf.DefaultBranch != "" {
			req.Ref = plumbing.NewBranchReferenceName(wf.DefaultBranch).String()
			req.Branch = wf.DefaultBranch
		}
		req.CommitSHA = wf.CommitSHA
	}
	return req
}

// ResolveInputs fills declared defaults and coerces string values to the
// declared input type. Undeclared inputs pass through untouched.
func ResolveInputs(specs map[string]schema.InputSpec, given map[string]any) map[string]any {
	if len(specs) == 0 && len(given) == 0 {
		return nil
	}
	out := maps.Clone(given)
	if out == nil {
		out = make(map[string]any, len(specs))
	}
	for name, spec := range specs {
		v, ok := out[name]
		if !ok {
			if spec.Default == nil {
				continue
			}
			v = spec.Default
		}
		out[name] = coerceInput(spec.Type, v)
	}
	return out
}

func coerceInput(typ string, v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	switch typ {
	case "boolean":
		if b, err := strconv.ParseBool(s); err == nil {
			return b
		}
	case "number":
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return v
}

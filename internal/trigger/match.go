// Package trigger matches CI events against workflow triggers and routes
// matches into the execution engine.
package trigger

import (
	"path"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/rendis/pipewright/pkg/schema"
)

// defaultPullRequestTypes applies when a pull_request trigger lists no types.
var defaultPullRequestTypes = []string{"opened", "synchronize", "reopened"}

// Match reports whether event satisfies trigger t of workflow wf.
func Match(t schema.Trigger, ev schema.CIEvent, wf *schema.Workflow) bool {
	if t.Kind != ev.Kind {
		return false
	}

	switch ev.Kind {
	case schema.TriggerPush:
		if ev.Push == nil {
			return false
		}
		return matchRef(t, ev.Push.Ref) && MatchPaths(t.Paths, t.PathsIgnore, ev.Push.ChangedFiles)

	case schema.TriggerPullRequest:
		pr := ev.PullRequest
		if pr == nil {
			return false
		}
		types := t.Types
		if len(types) == 0 {
			types = defaultPullRequestTypes
		}
		if !slices.Contains(types, pr.Action) {
			return false
		}
		return MatchFilter(t.Branches, t.BranchesIgnore, shortBranch(pr.BaseRef)) &&
			MatchPaths(t.Paths, t.PathsIgnore, pr.ChangedFiles)

	case schema.TriggerRelease:
		if ev.Release == nil {
			return false
		}
		return len(t.Types) == 0 || slices.Contains(t.Types, ev.Release.Action)

	case schema.TriggerWorkflowDispatch:
		return ev.Dispatch != nil && sameWorkflow(ev.Dispatch.WorkflowID, wf)

	case schema.TriggerWorkflowCall:
		return ev.Call != nil && sameWorkflow(ev.Call.WorkflowID, wf)

	case schema.TriggerSchedule:
		if ev.Schedule == nil || !sameWorkflow(ev.Schedule.WorkflowID, wf) {
			return false
		}
		return ev.Schedule.Cron == "" || ev.Schedule.Cron == t.Cron
	}
	return false
}

// matchRef applies branch filters to branch pushes and tag filters to tag
// pushes. A trigger that filters only tags ignores branch pushes, and the
// other way round.
func matchRef(t schema.Trigger, ref string) bool {
	name := plumbing.ReferenceName(ref)
	if !strings.HasPrefix(ref, "refs/") {
		name = plumbing.NewBranchReferenceName(ref)
	}

	hasBranch := len(t.Branches) > 0 || len(t.BranchesIgnore) > 0
	hasTag := len(t.Tags) > 0 || len(t.TagsIgnore) > 0

	switch {
	case name.IsBranch():
		if hasTag && !hasBranch {
			return false
		}
		return MatchFilter(t.Branches, t.BranchesIgnore, name.Short())
	case name.IsTag():
		if hasBranch && !hasTag {
			return false
		}
		return MatchFilter(t.Tags, t.TagsIgnore, name.Short())
	}
	return !hasBranch && !hasTag
}

// MatchFilter applies include and ignore glob lists to a value. Ignore
// patterns are checked first and any hit rejects. An empty include list
// accepts. Include entries prefixed with '!' negate earlier matches.
func MatchFilter(include, ignore []string, value string) bool {
	for _, p := range ignore {
		if Glob(p, value) {
			return false
		}
	}
	if len(include) == 0 {
		return true
	}

	matched := false
	for _, p := range include {
		if neg, ok := strings.CutPrefix(p, "!"); ok {
			if Glob(neg, value) {
				matched = false
			}
			continue
		}
		if Glob(p, value) {
			matched = true
		}
	}
	return matched
}

// MatchPaths applies path filters to the changed files of an event. Unknown
// changes (no files) always pass. With an ignore list the event is rejected
// when every changed file is ignored; with an include list at least one
// changed file must match.
func MatchPaths(include, ignore, files []string) bool {
	if len(files) == 0 {
		return true
	}
	if len(ignore) > 0 {
		allIgnored := true
		for _, f := range files {
			if MatchFilter(ignore, nil, f) {
				continue
			}
			allIgnored = false
			break
		}
		if allIgnored {
			return false
		}
	}
	if len(include) == 0 {
		return true
	}
	for _, f := range files {
		if MatchFilter(include, nil, f) {
			return true
		}
	}
	return false
}

// Glob matches value against a pattern where '*' spans one path segment and
// '**' any number. A malformed pattern only matches itself literally.
func Glob(pattern, value string) bool {
	ok, err := doublestar.Match(pattern, value)
	if err != nil {
		return pattern == value
	}
	return ok
}

// sameWorkflow accepts the workflow id (repo-relative path) or its file name.
func sameWorkflow(id string, wf *schema.Workflow) bool {
	if id == "" || wf == nil {
		return false
	}
	return id == wf.ID || id == path.Base(wf.Path)
}

func shortBranch(ref string) string {
	return plumbing.ReferenceName(ref).Short()
}

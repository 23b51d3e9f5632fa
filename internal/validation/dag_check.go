package validation

import (
	"sort"
	"strings"

	"github.com/rendis/pipewright/pkg/schema"
)

// validateDAG runs Kahn's algorithm over the job needs graph and reports a
// cycle with the jobs that could not be ordered.
func validateDAG(wf *schema.Workflow) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	jobIDs := make(map[string]bool, len(wf.Jobs))
	for _, j := range wf.Jobs {
		jobIDs[j.ID] = true
	}

	// reverse[id] = jobs that need id.
	inDegree := make(map[string]int, len(wf.Jobs))
	reverse := make(map[string][]string, len(wf.Jobs))
	for _, j := range wf.Jobs {
		seen := make(map[string]bool, len(j.Needs))
		for _, dep := range j.Needs {
			if !jobIDs[dep] || seen[dep] {
				continue // unknown refs are reported by the semantic stage
			}
			seen[dep] = true
			inDegree[j.ID]++
			reverse[dep] = append(reverse[dep], j.ID)
		}
	}

	queue := make([]string, 0, len(wf.Jobs))
	for id := range jobIDs {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	visited := make(map[string]bool, len(jobIDs))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited[node] = true
		for _, dep := range reverse[node] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(visited) != len(jobIDs) {
		var stuck []string
		for id := range jobIDs {
			if !visited[id] {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		result.AddError("jobs", schema.ErrCodeCycleDetected,
			"needs cycle between jobs: "+strings.Join(stuck, ", "))
	}

	return result
}

package engine

import (
	"github.com/rendis/pipewright/pkg/schema"
)

// JobGraph is the `needs` graph of a workflow, keyed by job id.
type JobGraph struct {
	Jobs    map[string]*schema.JobDefinition // job ID → definition
	Edges   map[string][]string              // job ID → needs
	Reverse map[string][]string              // job ID → jobs that need it
	Sorted  []string                         // topological order
	Roots   []string                         // jobs with no needs
	Levels  [][]string                       // jobs whose needs are all in earlier levels
}

// ParseJobGraph builds the job graph of wf, orders it with Kahn's
// algorithm and groups it into levels. Within a level jobs keep their
// declaration order. Unknown or self dependencies and cycles are errors.
func ParseJobGraph(wf *schema.Workflow) (*JobGraph, error) {
	if wf == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow is nil")
	}
	if len(wf.Jobs) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "workflow %s has no jobs", wf.ID)
	}

	g := &JobGraph{
		Jobs:    make(map[string]*schema.JobDefinition, len(wf.Jobs)),
		Edges:   make(map[string][]string, len(wf.Jobs)),
		Reverse: make(map[string][]string, len(wf.Jobs)),
	}
	order := make(map[string]int, len(wf.Jobs))

	for i := range wf.Jobs {
		job := &wf.Jobs[i]
		if job.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "job at index %d has empty ID", i)
		}
		if _, exists := g.Jobs[job.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate job ID: %s", job.ID)
		}
		g.Jobs[job.ID] = job
		order[job.ID] = i
	}

	for i := range wf.Jobs {
		id := wf.Jobs[i].ID
		seen := make(map[string]bool, len(wf.Jobs[i].Needs))
		deps := make([]string, 0, len(wf.Jobs[i].Needs))
		for _, dep := range wf.Jobs[i].Needs {
			if _, exists := g.Jobs[dep]; !exists {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "job %s needs unknown job: %s", id, dep)
			}
			if dep == id {
				return nil, schema.NewErrorf(schema.ErrCodeCycleDetected, "job %s needs itself", id)
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			deps = append(deps, dep)
			g.Reverse[dep] = append(g.Reverse[dep], id)
		}
		g.Edges[id] = deps
	}

	inDegree := make(map[string]int, len(g.Jobs))
	var queue []string
	for i := range wf.Jobs {
		id := wf.Jobs[i].ID
		inDegree[id] = len(g.Edges[id])
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	g.Roots = append([]string(nil), queue...)

	sorted := make([]string, 0, len(g.Jobs))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)

		// Reverse lists are built in declaration order already.
		for _, dep := range g.Reverse[node] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(sorted) != len(g.Jobs) {
		var stuck []string
		for i := range wf.Jobs {
			if inDegree[wf.Jobs[i].ID] > 0 {
				stuck = append(stuck, wf.Jobs[i].ID)
			}
		}
		return nil, schema.NewError(schema.ErrCodeCycleDetected, "job needs contain a cycle").
			WithDetails(map[string]any{"jobs": stuck})
	}

	g.Sorted = sorted
	g.Levels = computeLevels(g, order)
	return g, nil
}

// computeLevels assigns each job the depth of its deepest need plus one.
func computeLevels(g *JobGraph, order map[string]int) [][]string {
	depth := make(map[string]int, len(g.Jobs))
	maxLevel := 0
	for _, id := range g.Sorted {
		d := 0
		for _, dep := range g.Edges[id] {
			if depth[dep]+1 > d {
				d = depth[dep] + 1
			}
		}
		depth[id] = d
		if d > maxLevel {
			maxLevel = d
		}
	}

	levels := make([][]string, maxLevel+1)
	for _, id := range g.Sorted {
		levels[depth[id]] = append(levels[depth[id]], id)
	}
	for _, level := range levels {
		sortByOrder(level, order)
	}
	return levels
}

// sortByOrder is an insertion sort on declaration index; levels are small.
func sortByOrder(s []string, order map[string]int) {
	for i := 1; i < len(s); i++ {
		key := s[i]
		j := i - 1
		for j >= 0 && order[s[j]] > order[key] {
			s[j+1] = s[j]
			j--
		}
		s[j+1] = key
	}
}

package diagram

import (
	"fmt"
	"strings"
	"time"

	"github.com/rendis/pipewright/internal/engine"
	"github.com/rendis/pipewright/internal/matrix"
	"github.com/rendis/pipewright/pkg/schema"
)

const (
	startID = "__start__"
	endID   = "__end__"
)

// Options selects optional detail.
type Options struct {
	// Steps nests the steps of every job under it.
	Steps bool
}

// Build constructs a DiagramModel from a workflow and an optional run.
// It uses engine.ParseJobGraph for topology. Matrix jobs get their
// instances as children: the run's job runs when a run is given, the
// expansion of the strategy otherwise.
func Build(wf *schema.Workflow, run *schema.Run, opts Options) (*DiagramModel, error) {
	g, err := engine.ParseJobGraph(wf)
	if err != nil {
		return nil, fmt.Errorf("diagram: parse job graph: %w", err)
	}

	nodes := make([]*Node, 0, len(g.Sorted)+2)
	nodes = append(nodes, &Node{ID: startID, Label: "Start", Kind: NodeKindStart})

	for _, jobID := range g.Sorted {
		job := g.Jobs[jobID]
		node := jobToNode(job)

		var instances []*schema.JobRun
		if run != nil {
			instances = run.JobsOf(jobID)
			node.Status = aggregate(instances)
		}
		if job.Strategy != nil {
			sg, err := matrixChildren(job, instances)
			if err != nil {
				return nil, err
			}
			if sg != nil {
				node.Children = append(node.Children, sg)
			}
		}
		if opts.Steps {
			var jr *schema.JobRun
			if len(instances) == 1 {
				jr = instances[0]
			}
			node.Children = append(node.Children, stepChildren(job, jr))
		}
		nodes = append(nodes, node)
	}

	nodes = append(nodes, &Node{ID: endID, Label: "End", Kind: NodeKindEnd})

	title := wf.Name
	if run != nil {
		title = fmt.Sprintf("%s #%d", wf.Name, run.RunNumber)
	}
	return &DiagramModel{
		Title:  title,
		Nodes:  nodes,
		Edges:  buildEdges(g),
		Levels: buildLevels(g),
	}, nil
}

func jobToNode(job *schema.JobDefinition) *Node {
	kind := NodeKindJob
	if job.Strategy != nil {
		kind = NodeKindMatrix
	}
	label := job.DisplayName()
	if len(job.RunsOn) > 0 {
		label += "\n(" + strings.Join(job.RunsOn, ", ") + ")"
	}
	return &Node{ID: job.ID, Label: label, Kind: kind}
}

// matrixChildren lists the instances of a matrix job.
func matrixChildren(job *schema.JobDefinition, instances []*schema.JobRun) (*SubGraph, error) {
	sg := &SubGraph{Label: "matrix"}
	if len(instances) > 0 {
		for _, jr := range instances {
			sg.Nodes = append(sg.Nodes, &Node{
				ID:     jr.ID,
				Label:  jr.Name,
				Kind:   NodeKindJob,
				Status: aggregate([]*schema.JobRun{jr}),
			})
		}
		return sg, nil
	}

	entries, err := matrix.Expand(job.Strategy)
	if err != nil {
		return nil, fmt.Errorf("diagram: expand %s: %w", job.ID, err)
	}
	if len(entries) == 0 {
		return nil, nil
	}
	for i, m := range entries {
		sg.Nodes = append(sg.Nodes, &Node{
			ID:    fmt.Sprintf("%s-%d", job.ID, i+1),
			Label: matrix.DisplayName(job.DisplayName(), m),
			Kind:  NodeKindJob,
		})
	}
	return sg, nil
}

// stepChildren chains the steps of a job. Step IDs follow
// jobID.stepID; unnamed steps are numbered.
func stepChildren(job *schema.JobDefinition, jr *schema.JobRun) *SubGraph {
	sg := &SubGraph{Label: "steps"}
	prev := ""
	for i := range job.Steps {
		sd := &job.Steps[i]
		stepID := sd.ID
		if stepID == "" {
			stepID = fmt.Sprintf("%d", i+1)
		}
		node := &Node{
			ID:    job.ID + "." + stepID,
			Label: sd.DisplayName(),
			Kind:  NodeKindStep,
		}
		if jr != nil && i < len(jr.Steps) {
			sr := jr.Steps[i]
			node.Status = &StatusOverlay{
				State:      state(sr.Status, sr.Conclusion),
				DurationMs: durationMs(sr.StartedAt, sr.CompletedAt),
				Error:      sr.Error,
			}
		}
		sg.Nodes = append(sg.Nodes, node)
		if prev != "" {
			sg.Edges = append(sg.Edges, Edge{From: prev, To: node.ID})
		}
		prev = node.ID
	}
	return sg
}

// aggregate folds the instances of one job into a single overlay.
func aggregate(instances []*schema.JobRun) *StatusOverlay {
	if len(instances) == 0 {
		return nil
	}
	var (
		started, completed     *time.Time
		queued, running, done  int
		failed, cancelled, ran int
	)
	for _, jr := range instances {
		switch {
		case jr.Status == schema.StatusQueued:
			queued++
		case !jr.Status.Terminal():
			running++
		default:
			done++
		}
		switch jr.Conclusion {
		case schema.ConclusionFailure:
			failed++
		case schema.ConclusionCancelled:
			cancelled++
		case schema.ConclusionSuccess:
			ran++
		}
		if jr.StartedAt != nil && (started == nil || jr.StartedAt.Before(*started)) {
			started = jr.StartedAt
		}
		if jr.CompletedAt != nil && (completed == nil || jr.CompletedAt.After(*completed)) {
			completed = jr.CompletedAt
		}
	}

	o := &StatusOverlay{}
	switch {
	case running > 0 || (queued > 0 && done > 0):
		o.State = string(schema.StatusInProgress)
	case queued > 0:
		o.State = string(schema.StatusQueued)
	case failed > 0:
		o.State = string(schema.ConclusionFailure)
	case cancelled > 0:
		o.State = string(schema.ConclusionCancelled)
	case ran > 0:
		o.State = string(schema.ConclusionSuccess)
	default:
		o.State = string(schema.ConclusionSkipped)
	}
	if done == len(instances) {
		o.DurationMs = durationMs(started, completed)
	}
	return o
}

func state(s schema.Status, c schema.Conclusion) string {
	if c != schema.ConclusionNone {
		return string(c)
	}
	return string(s)
}

func durationMs(start, end *time.Time) int64 {
	if start == nil || end == nil {
		return 0
	}
	return end.Sub(*start).Milliseconds()
}

// buildEdges connects start to the roots, every need to its dependent and
// every leaf to end, in topological order.
func buildEdges(g *engine.JobGraph) []Edge {
	var edges []Edge
	for _, root := range g.Roots {
		edges = append(edges, Edge{From: startID, To: root})
	}
	for _, jobID := range g.Sorted {
		for _, need := range g.Edges[jobID] {
			edges = append(edges, Edge{From: need, To: jobID})
		}
	}
	for _, jobID := range g.Sorted {
		if len(g.Reverse[jobID]) == 0 {
			edges = append(edges, Edge{From: jobID, To: endID})
		}
	}
	return edges
}

// buildLevels wraps the job levels with virtual start/end levels.
func buildLevels(g *engine.JobGraph) [][]string {
	levels := make([][]string, 0, len(g.Levels)+2)
	levels = append(levels, []string{startID})
	levels = append(levels, g.Levels...)
	levels = append(levels, []string{endID})
	return levels
}

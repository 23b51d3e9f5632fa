package diagram

// NodeKind classifies a diagram node.
type NodeKind string

const (
	NodeKindJob    NodeKind = "job"
	NodeKindMatrix NodeKind = "matrix" // job with a strategy
	NodeKindStep   NodeKind = "step"
	NodeKindStart  NodeKind = "start"
	NodeKindEnd    NodeKind = "end"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node represents a job, a matrix instance or a step.
type Node struct {
	ID       string
	Label    string
	Kind     NodeKind
	Status   *StatusOverlay
	Children []*SubGraph // matrix instances, steps
}

// SubGraph holds the nodes nested under a job.
type SubGraph struct {
	Label string
	Nodes []*Node
	Edges []Edge
}

// StatusOverlay carries runtime state for a node.
type StatusOverlay struct {
	State      string // queued, in_progress, success, failure, cancelled, skipped
	DurationMs int64
	Error      string
}

// Edge represents a dependency between two nodes.
type Edge struct {
	From  string
	To    string
	Label string
}

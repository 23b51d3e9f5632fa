package diagram

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// statusTag returns a short ASCII indicator for a state.
func statusTag(state string) string {
	switch state {
	case "success":
		return "[OK]"
	case "failure":
		return "[FAIL]"
	case "in_progress":
		return "[RUN]"
	case "cancelled":
		return "[CANCEL]"
	case "skipped":
		return "[SKIP]"
	case "queued":
		return "[QUEUE]"
	default:
		return ""
	}
}

// RenderASCII renders a DiagramModel as text. Each level is a row of
// boxes; the needs edges leaving a level are listed under it.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder

	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}

	index := make(map[string]*Node, len(model.Nodes))
	for _, n := range model.Nodes {
		index[n.ID] = n
	}

	for levelIdx, level := range model.Levels {
		var boxes []asciiBox
		for _, nodeID := range level {
			if node, ok := index[nodeID]; ok {
				boxes = append(boxes, makeBox(node))
			}
		}
		renderBoxRow(&b, boxes)

		if levelIdx < len(model.Levels)-1 {
			renderConnector(&b, model.Edges, level)
		}
	}

	for _, node := range model.Nodes {
		if len(node.Children) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n--- %s ---\n", node.ID)
		for _, sg := range node.Children {
			renderSubGraph(&b, sg)
		}
	}

	return b.String()
}

// asciiBox holds the rendered lines of a single box.
type asciiBox struct {
	lines []string
	width int
}

// makeBox draws a node: label, then state and duration when known. Matrix
// jobs show their instance count.
func makeBox(node *Node) asciiBox {
	label := firstLine(node.Label)
	if node.Kind == NodeKindMatrix {
		for _, sg := range node.Children {
			if sg.Label == "matrix" {
				label += fmt.Sprintf(" x%d", len(sg.Nodes))
			}
		}
	}
	content := []string{label}
	if node.Status != nil {
		if tag := statusTag(node.Status.State); tag != "" {
			content = append(content, tag)
		}
		if node.Status.DurationMs > 0 {
			content = append(content, fmt.Sprintf("%dms", node.Status.DurationMs))
		}
	}

	inner := 0
	for _, line := range content {
		inner = max(inner, utf8.RuneCountInString(line))
	}

	lines := make([]string, 0, len(content)+2)
	lines = append(lines, "┌"+strings.Repeat("─", inner+2)+"┐")
	for _, line := range content {
		pad := inner - utf8.RuneCountInString(line)
		lines = append(lines, "│ "+line+strings.Repeat(" ", pad)+" │")
	}
	lines = append(lines, "└"+strings.Repeat("─", inner+2)+"┘")
	return asciiBox{lines: lines, width: inner + 4}
}

// firstLine returns only the first line of a multi-line label.
func firstLine(s string) string {
	if i := strings.Index(s, "\n"); i >= 0 {
		return s[:i]
	}
	return s
}

// renderBoxRow writes boxes side by side.
func renderBoxRow(b *strings.Builder, boxes []asciiBox) {
	height := 0
	for _, box := range boxes {
		height = max(height, len(box.lines))
	}

	for row := 0; row < height; row++ {
		for i, box := range boxes {
			if i > 0 {
				b.WriteString("  ")
			}
			if row < len(box.lines) {
				b.WriteString(box.lines[row])
			} else {
				b.WriteString(strings.Repeat(" ", box.width))
			}
		}
		b.WriteByte('\n')
	}
}

// renderConnector lists the edges between jobs that leave level. Edges
// from or to the virtual start and end nodes are implied by the layout.
func renderConnector(b *strings.Builder, edges []Edge, level []string) {
	from := make(map[string]bool, len(level))
	for _, id := range level {
		from[id] = true
	}
	var lines []string
	for _, e := range edges {
		if from[e.From] && e.From != startID && e.To != endID {
			lines = append(lines, fmt.Sprintf("   %s ─→ %s", e.From, e.To))
		}
	}
	if len(lines) == 0 {
		b.WriteString("   │\n   ▼\n")
		return
	}
	for _, line := range lines {
		b.WriteString(line + "\n")
	}
}

// renderSubGraph lists the nodes of a subgraph and its edges.
func renderSubGraph(b *strings.Builder, sg *SubGraph) {
	fmt.Fprintf(b, "  [%s]\n", sg.Label)
	for _, node := range sg.Nodes {
		tag := ""
		if node.Status != nil {
			tag = " " + statusTag(node.Status.State)
		}
		fmt.Fprintf(b, "    %s%s\n", firstLine(node.Label), tag)
	}
	for _, edge := range sg.Edges {
		fmt.Fprintf(b, "    %s ─→ %s\n", shortID(edge.From), shortID(edge.To))
	}
}

// shortID returns the part of a step node ID after the job ID.
func shortID(id string) string {
	if _, step, ok := strings.Cut(id, "."); ok {
		return step
	}
	return id
}

package diagram

import (
	"fmt"
	"strings"

	"github.com/rendis/ensemble/pkg/schema"
)

// statusTag returns a short indicator for a node status.
func statusTag(status schema.NodeStatus) string {
	switch status {
	case schema.NodeSucceeded:
		return "[OK]"
	case schema.NodeFailed:
		return "[FAIL]"
	case schema.NodeRunning:
		return "[RUN]"
	case schema.NodeSuspended:
		return "[WAIT]"
	case schema.NodeSkipped:
		return "[SKIP]"
	case schema.NodePending:
		return "[PEND]"
	case schema.NodeRetrying:
		return "[RETRY]"
	default:
		return ""
	}
}

const (
	teeBranch  = "├── "
	lastBranch = "└── "
	teeIndent  = "│   "
	lastIndent = "    "
)

// RenderASCII renders the model as an indented tree in topological order.
// Child flows hang under their control element; a node's dependencies are
// listed after a left arrow.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder
	b.WriteString(model.Title)
	b.WriteByte('\n')

	deps := dependencies(model.Edges)
	var top []*Node
	for _, level := range model.Levels {
		for _, id := range level {
			if n := findNode(model.Nodes, id); n != nil && n.Kind != NodeKindStart && n.Kind != NodeKindEnd {
				top = append(top, n)
			}
		}
	}
	for i, n := range top {
		writeTree(&b, "", i == len(top)-1, n, deps)
	}
	return b.String()
}

func writeTree(b *strings.Builder, indent string, last bool, n *Node, deps map[string][]string) {
	branch, next := teeBranch, teeIndent
	if last {
		branch, next = lastBranch, lastIndent
	}
	b.WriteString(indent + branch + nodeLine(n))
	if after := deps[n.ID]; len(after) > 0 {
		b.WriteString("  ← " + strings.Join(after, ", "))
	}
	b.WriteByte('\n')
	if n.Status != nil && n.Status.Error != "" {
		b.WriteString(indent + next + "! " + n.Status.Error + "\n")
	}

	for i, sg := range n.Children {
		sgBranch, sgNext := teeBranch, teeIndent
		if i == len(n.Children)-1 {
			sgBranch, sgNext = lastBranch, lastIndent
		}
		fmt.Fprintf(b, "%s%s[%s]\n", indent+next, sgBranch, sg.Label)
		subDeps := dependencies(sg.Edges)
		for j, child := range sg.Nodes {
			writeTree(b, indent+next+sgNext, j == len(sg.Nodes)-1, child, subDeps)
		}
	}
}

func nodeLine(n *Node) string {
	parts := []string{strings.ReplaceAll(n.Label, "\n", " ")}
	if n.Kind != NodeKindStep {
		parts = append(parts, "<"+string(n.Kind)+">")
	}
	if st := n.Status; st != nil {
		if tag := statusTag(st.Status); tag != "" {
			parts = append(parts, tag)
		}
		if st.DurationMs > 0 {
			parts = append(parts, fmt.Sprintf("%dms", st.DurationMs))
		}
		if st.Attempts > 1 {
			parts = append(parts, fmt.Sprintf("x%d", st.Attempts))
		}
	}
	return strings.Join(parts, " ")
}

// dependencies maps a node to the short names of the nodes it waits on,
// ignoring the virtual start and end nodes.
func dependencies(edges []Edge) map[string][]string {
	deps := make(map[string][]string)
	for _, e := range edges {
		if e.From == startID || e.To == endID {
			continue
		}
		deps[e.To] = append(deps[e.To], shortID(e.From))
	}
	return deps
}

// shortID returns the last segment of a dot-separated path.
func shortID(id string) string {
	if i := strings.LastIndex(id, "."); i >= 0 {
		return id[i+1:]
	}
	return id
}

func findNode(nodes []*Node, id string) *Node {
	for _, n := range nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

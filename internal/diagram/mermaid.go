package diagram

import (
	"fmt"
	"strings"

	"github.com/rendis/ensemble/pkg/schema"
)

// mermaidClasses lists the classDef per status class, in output order.
var mermaidClasses = []struct{ name, style string }{
	{"succeeded", "fill:#2d6a2d,stroke:#1a4a1a,color:#fff"},
	{"failed", "fill:#8b1a1a,stroke:#5c0e0e,color:#fff"},
	{"running", "fill:#1a5276,stroke:#0e3a52,color:#fff"},
	{"suspended", "fill:#b7791a,stroke:#8a5c14,color:#fff"},
	{"pending", "fill:#6b6b6b,stroke:#4a4a4a,color:#fff"},
	{"skipped", "fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5"},
}

var mermaidIDReplacer = strings.NewReplacer(".", "_", "-", "_", " ", "_")

type mermaidWriter struct {
	b       strings.Builder
	classes []string
}

// RenderMermaid renders the model as a top-down Mermaid flowchart. Child
// flows become subgraphs; statuses map to classDef classes.
func RenderMermaid(model *DiagramModel) string {
	w := &mermaidWriter{}
	w.b.WriteString("graph TD\n")
	if model.Title != "" {
		fmt.Fprintf(&w.b, "    %%%% %s\n", model.Title)
	}
	w.nodes(model.Nodes, 1)
	for _, e := range model.Edges {
		w.line(1, mermaidEdge(e))
	}

	w.b.WriteByte('\n')
	for _, c := range mermaidClasses {
		w.line(1, "classDef "+c.name+" "+c.style)
	}
	for _, c := range w.classes {
		w.line(1, c)
	}
	return w.b.String()
}

func (w *mermaidWriter) line(depth int, s string) {
	w.b.WriteString(strings.Repeat("    ", depth))
	w.b.WriteString(s)
	w.b.WriteByte('\n')
}

func (w *mermaidWriter) nodes(nodes []*Node, depth int) {
	for _, n := range nodes {
		w.line(depth, mermaidNodeDef(n))
		if n.Status != nil {
			if cls := mermaidStatusClass(n.Status.Status); cls != "" {
				w.classes = append(w.classes, fmt.Sprintf("class %s %s", mermaidSafeID(n.ID), cls))
			}
		}
		for _, sg := range n.Children {
			w.line(depth, fmt.Sprintf("subgraph %s[\"%s: %s\"]", mermaidSafeID(n.ID+"_"+sg.Label), n.ID, sg.Label))
			w.nodes(sg.Nodes, depth+1)
			for _, e := range sg.Edges {
				w.line(depth+1, mermaidEdge(e))
			}
			w.line(depth, "end")
		}
	}
}

func mermaidEdge(e Edge) string {
	if e.Label != "" {
		return fmt.Sprintf("%s -->|%s| %s", mermaidSafeID(e.From), e.Label, mermaidSafeID(e.To))
	}
	return mermaidSafeID(e.From) + " --> " + mermaidSafeID(e.To)
}

// mermaidNodeDef picks the node shape from its kind: rectangles for steps,
// rhombi for decisions, subroutines for fan-outs and loops.
func mermaidNodeDef(n *Node) string {
	id, label := mermaidSafeID(n.ID), firstLine(n.Label)
	lb, rb := "[", "]"
	switch n.Kind {
	case NodeKindBranch, NodeKindSwitch:
		lb, rb = "{", "}"
	case NodeKindTry:
		lb, rb = "{{", "}}"
	case NodeKindApproval:
		lb, rb = "([", "])"
	case NodeKindParallel, NodeKindForEach, NodeKindWhile, NodeKindMapReduce:
		lb, rb = "[[", "]]"
	case NodeKindStart, NodeKindEnd:
		lb, rb = "((", "))"
	}
	return fmt.Sprintf("%s%s%q%s", id, lb, label, rb)
}

func mermaidSafeID(id string) string {
	return mermaidIDReplacer.Replace(id)
}

func mermaidStatusClass(status schema.NodeStatus) string {
	switch status {
	case schema.NodeRetrying:
		return "running"
	case schema.NodeSucceeded, schema.NodeFailed, schema.NodeRunning,
		schema.NodeSuspended, schema.NodePending, schema.NodeSkipped:
		return string(status)
	}
	return ""
}

func firstLine(s string) string {
	head, _, _ := strings.Cut(s, "\n")
	return head
}

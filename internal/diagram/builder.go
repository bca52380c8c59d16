package diagram

import (
	"fmt"

	"github.com/rendis/ensemble/internal/engine"
	"github.com/rendis/ensemble/pkg/schema"
)

// Build constructs a DiagramModel from a definition and optional step results.
// Topology comes from engine.Build; control elements get one SubGraph per
// child flow. Results are matched to nodes by path.
func Build(def *schema.Definition, results []*schema.StepResult) (*DiagramModel, error) {
	if def == nil {
		return nil, fmt.Errorf("diagram: definition is nil")
	}
	g, err := engine.Build(def.Flow)
	if err != nil {
		return nil, fmt.Errorf("diagram: build graph: %w", err)
	}

	byPath := make(map[string]*schema.StepResult, len(results))
	for _, r := range results {
		byPath[r.Path] = r
	}

	nodes := make([]*Node, 0, len(g.Nodes)+2)
	nodes = append(nodes, &Node{ID: startID, Label: "Start", Kind: NodeKindStart})
	for _, name := range g.Sorted {
		gn := g.Nodes[name]
		node := elementNode(name, gn.Element)
		overlayStatus(node, byPath)
		buildChildren(node, gn, byPath)
		nodes = append(nodes, node)
	}
	nodes = append(nodes, &Node{ID: endID, Label: "End", Kind: NodeKindEnd})

	return &DiagramModel{
		Title:  title(def),
		Nodes:  nodes,
		Edges:  buildEdges(g),
		Levels: buildLevels(g),
	}, nil
}

func elementNode(id string, el schema.FlowElement) *Node {
	return &Node{ID: id, Label: nodeLabel(el), Kind: NodeKind(el.ElementType())}
}

// nodeLabel is the element name, followed by the agent for steps.
func nodeLabel(el schema.FlowElement) string {
	if s, ok := el.(*schema.Step); ok && s.Agent != "" {
		return fmt.Sprintf("%s\n(%s)", s.ElementName(), s.Agent)
	}
	return el.ElementName()
}

func overlayStatus(node *Node, byPath map[string]*schema.StepResult) {
	r, ok := byPath[node.ID]
	if !ok {
		return
	}
	ov := &StatusOverlay{
		Status:     r.Status,
		DurationMs: r.Duration().Milliseconds(),
		Attempts:   r.Attempts,
	}
	if r.Error != nil {
		ov.Error = r.Error.Message
	}
	node.Status = ov
}

// buildChildren adds one SubGraph per child flow. Sub-node IDs follow the
// executor's paths: parent.segment.child.
func buildChildren(node *Node, gn *engine.Node, byPath map[string]*schema.StepResult) {
	subs := schema.Children(gn.Element)
	for i, child := range gn.Children {
		if child == nil || len(child.Sorted) == 0 || i >= len(subs) {
			continue
		}
		prefix := node.ID + "." + subs[i].Segment
		sg := &SubGraph{Label: subs[i].Segment}
		for _, name := range child.Sorted {
			cn := child.Nodes[name]
			sub := elementNode(prefix+"."+name, cn.Element)
			overlayStatus(sub, byPath)
			sg.Nodes = append(sg.Nodes, sub)
			for _, dep := range cn.Deps {
				sg.Edges = append(sg.Edges, Edge{From: prefix + "." + dep, To: sub.ID})
			}
		}
		node.Children = append(node.Children, sg)
	}
}

// buildEdges turns dependencies into edges and adds the virtual start/end edges.
func buildEdges(g *engine.Graph) []Edge {
	var edges []Edge
	for _, root := range g.Roots {
		edges = append(edges, Edge{From: startID, To: root})
	}
	for _, name := range g.Sorted {
		for _, dep := range g.Nodes[name].Deps {
			edges = append(edges, Edge{From: dep, To: name})
		}
	}
	for _, name := range g.Sorted {
		if len(g.Nodes[name].Dependents) == 0 {
			edges = append(edges, Edge{From: name, To: endID})
		}
	}
	return edges
}

func buildLevels(g *engine.Graph) [][]string {
	levels := make([][]string, 0, len(g.Levels)+2)
	levels = append(levels, []string{startID})
	levels = append(levels, g.Levels...)
	return append(levels, []string{endID})
}

func title(def *schema.Definition) string {
	switch {
	case def.Name == "":
		return "Ensemble"
	case def.Version != "":
		return def.Name + " " + def.Version
	default:
		return def.Name
	}
}

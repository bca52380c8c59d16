package diagram

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/rendis/ensemble/pkg/schema"
)

// ImageFormat selects the graphviz output format.
type ImageFormat string

const (
	FormatPNG ImageFormat = "png"
	FormatSVG ImageFormat = "svg"
)

var kindShapes = map[NodeKind]cgraph.Shape{
	NodeKindStep:      cgraph.BoxShape,
	NodeKindParallel:  cgraph.BoxShape,
	NodeKindForEach:   cgraph.BoxShape,
	NodeKindWhile:     cgraph.BoxShape,
	NodeKindMapReduce: cgraph.BoxShape,
	NodeKindBranch:    cgraph.DiamondShape,
	NodeKindSwitch:    cgraph.DiamondShape,
	NodeKindTry:       cgraph.HexagonShape,
	NodeKindApproval:  cgraph.EllipseShape,
	NodeKindStart:     cgraph.CircleShape,
	NodeKindEnd:       cgraph.CircleShape,
}

type palette struct{ fill, font string }

var statusColors = map[schema.NodeStatus]palette{
	schema.NodeSucceeded: {"#2d6a2d", "white"},
	schema.NodeFailed:    {"#8b1a1a", "white"},
	schema.NodeRunning:   {"#1a5276", "white"},
	schema.NodeRetrying:  {"#1a5276", "white"},
	schema.NodeSuspended: {"#b7791a", "white"},
	schema.NodePending:   {"#d3d3d3", "black"},
	schema.NodeSkipped:   {"#e8e8e8", "#888888"},
}

// nodeParent is implemented by both the root graph and its clusters.
type nodeParent interface {
	CreateNodeByName(name string) (*cgraph.Node, error)
	CreateSubGraphByName(name string) (*cgraph.Graph, error)
}

type gvRenderer struct {
	root  *cgraph.Graph
	nodes map[string]*cgraph.Node
}

// RenderImage lays the model out with dot and encodes it as PNG or SVG.
// Child flows become dashed clusters, nested as deep as the model goes.
func RenderImage(ctx context.Context, model *DiagramModel, format ImageFormat) ([]byte, error) {
	var gvFormat graphviz.Format
	switch format {
	case FormatPNG, "":
		gvFormat = graphviz.PNG
	case FormatSVG:
		gvFormat = graphviz.SVG
	default:
		return nil, fmt.Errorf("diagram: unsupported image format %q", format)
	}

	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("diagram: graphviz: %w", err)
	}
	defer gv.Close()
	gv.SetLayout(graphviz.DOT)

	root, err := gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("diagram: graph: %w", err)
	}
	defer root.Close()
	root.SetRankDir(cgraph.TBRank)
	root.SetLabel(model.Title)

	r := &gvRenderer{root: root, nodes: make(map[string]*cgraph.Node)}
	if err := r.addNodes(root, model.Nodes); err != nil {
		return nil, err
	}
	r.addEdges(model.Edges)

	var buf bytes.Buffer
	if err := gv.Render(ctx, root, gvFormat, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render %s: %w", gvFormat, err)
	}
	return buf.Bytes(), nil
}

func (r *gvRenderer) addNodes(parent nodeParent, nodes []*Node) error {
	for _, n := range nodes {
		gn, err := parent.CreateNodeByName(n.ID)
		if err != nil {
			return fmt.Errorf("diagram: node %s: %w", n.ID, err)
		}
		styleNode(gn, n)
		r.nodes[n.ID] = gn

		for _, sg := range n.Children {
			cluster, err := parent.CreateSubGraphByName("cluster_" + n.ID + "." + sg.Label)
			if err != nil {
				return fmt.Errorf("diagram: cluster %s.%s: %w", n.ID, sg.Label, err)
			}
			cluster.SetLabel(sg.Label)
			cluster.SetStyle(cgraph.DashedGraphStyle)
			if err := r.addNodes(cluster, sg.Nodes); err != nil {
				return err
			}
			r.addEdges(sg.Edges)
		}
	}
	return nil
}

func (r *gvRenderer) addEdges(edges []Edge) {
	for _, e := range edges {
		from, to := r.nodes[e.From], r.nodes[e.To]
		if from == nil || to == nil {
			continue
		}
		ge, err := r.root.CreateEdgeByName("", from, to)
		if err == nil && e.Label != "" {
			ge.SetLabel(e.Label)
		}
	}
}

func styleNode(gn *cgraph.Node, n *Node) {
	gn.SetLabel(strings.ReplaceAll(n.Label, "\n", `\n`))
	if shape, ok := kindShapes[n.Kind]; ok {
		gn.SetShape(shape)
	}
	if n.Kind == NodeKindStart || n.Kind == NodeKindEnd {
		gn.SetWidth(0.5)
		gn.SetHeight(0.5)
	}
	if n.Status == nil {
		return
	}
	p, ok := statusColors[n.Status.Status]
	if !ok {
		return
	}
	gn.SetFillColor(p.fill)
	gn.SetFontColor(p.font)
	if n.Status.Status == schema.NodeSkipped {
		gn.SetStyle(cgraph.DashedNodeStyle)
	} else {
		gn.SetStyle(cgraph.FilledNodeStyle)
	}
}

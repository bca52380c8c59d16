package diagram

import "github.com/rendis/ensemble/pkg/schema"

// NodeKind classifies a diagram node by its flow element type.
type NodeKind string

const (
	NodeKindStep      = NodeKind(schema.TypeStep)
	NodeKindParallel  = NodeKind(schema.TypeParallel)
	NodeKindBranch    = NodeKind(schema.TypeBranch)
	NodeKindForEach   = NodeKind(schema.TypeForEach)
	NodeKindWhile     = NodeKind(schema.TypeWhile)
	NodeKindTry       = NodeKind(schema.TypeTry)
	NodeKindSwitch    = NodeKind(schema.TypeSwitch)
	NodeKindMapReduce = NodeKind(schema.TypeMapReduce)
	NodeKindApproval  = NodeKind(schema.TypeApproval)
	NodeKindStart     NodeKind = "start"
	NodeKindEnd       NodeKind = "end"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node represents a single flow element in the diagram.
type Node struct {
	ID       string
	Label    string
	Kind     NodeKind
	Status   *StatusOverlay
	Children []*SubGraph // one per child flow of a control element
}

// SubGraph holds the nodes of one child flow (a branch arm, a loop body, ...).
type SubGraph struct {
	Label string
	Nodes []*Node
	Edges []Edge
}

// StatusOverlay carries runtime state for a node.
type StatusOverlay struct {
	Status     schema.NodeStatus
	DurationMs int64
	Attempts   int
	Error      string
}

// Edge represents a dependency between two nodes.
type Edge struct {
	From  string
	To    string
	Label string
}

const (
	startID = "__start__"
	endID   = "__end__"
)

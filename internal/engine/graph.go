package engine

import (
	"regexp"
	"time"

	"github.com/rendis/ensemble/internal/expressions"
	"github.com/rendis/ensemble/pkg/schema"
)

// Default binding names introduced by control structures.
const (
	defaultItemVar      = "item"
	defaultIndexVar     = "index"
	defaultIterationVar = "iteration"
	defaultErrorVar     = "error"
	accVar              = "acc"
	valueVar            = "value"

	// InputVar is the binding holding the execution input.
	InputVar = "input"

	defaultMaxIterations = 100
)

var namePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Graph is the executable form of one flow. Child flows of control nodes are
// graphs of their own, so siblings never see each other's nodes.
type Graph struct {
	Nodes    map[string]*Node
	Order    []string   // declaration order
	Sorted   []string   // topological order, ties broken by declaration order
	Roots    []string   // nodes with no dependencies
	Levels   [][]string // nodes grouped by dependency depth
	External []string   // names referenced here but defined by an enclosing graph
}

// Node is a vertex of a Graph.
type Node struct {
	Name       string
	Index      int
	Element    schema.FlowElement
	Deps       []string
	Dependents []string
	Children   []*Graph // aligned with schema.Children(Element)

	Timeout time.Duration
	Retry   *retrySpec
	TTL     time.Duration
}

// Last returns the last declared node, whose output is the graph's output.
func (g *Graph) Last() string {
	if len(g.Order) == 0 {
		return ""
	}
	return g.Order[len(g.Order)-1]
}

// Build resolves a flow into an execution graph. Dependencies are inferred
// from `<name>.output` references in the element's expressions.
func Build(flow schema.Flow) (*Graph, error) {
	if len(flow) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "flow has no elements")
	}
	return build(flow, map[string]bool{InputVar: false}, "")
}

// visible maps every name reachable from the enclosing flows to whether it is a node.
func build(flow schema.Flow, visible map[string]bool, prefix string) (*Graph, error) {
	g := &Graph{
		Nodes: make(map[string]*Node, len(flow)),
		Order: make([]string, 0, len(flow)),
	}

	// First pass: register names.
	for i, el := range flow {
		if el == nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "element %d of %s is empty", i, describe(prefix))
		}
		name := el.ElementName()
		path := joinPath(prefix, name)
		if !namePattern.MatchString(name) {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"element %d of %s has invalid name %q: names must be identifiers", i, describe(prefix), name).WithNode(path)
		}
		if _, exists := g.Nodes[name]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate element name: %s", name).WithNode(path)
		}
		if _, taken := visible[name]; taken {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"element %s shadows a name visible from the enclosing flow", name).WithNode(path)
		}
		g.Nodes[name] = &Node{Name: name, Index: i, Element: el}
		g.Order = append(g.Order, name)
	}

	inner := make(map[string]bool, len(visible)+len(g.Nodes))
	for k, isNode := range visible {
		inner[k] = isNode
	}
	for k := range g.Nodes {
		inner[k] = true
	}

	// Second pass: element constraints, child graphs and references.
	external := make(map[string]bool)
	for _, name := range g.Order {
		node := g.Nodes[name]
		path := joinPath(prefix, name)

		if err := configureNode(node, path); err != nil {
			return nil, err
		}

		refs, err := nodeReferences(node, inner, path)
		if err != nil {
			return nil, err
		}

		seen := make(map[string]bool, len(refs))
		for _, ref := range refs {
			if seen[ref] {
				continue
			}
			seen[ref] = true
			if ref == name {
				return nil, schema.NewErrorf(schema.ErrCodeCycleDetected, "element %s references its own output", name).WithNode(path)
			}
			if _, local := g.Nodes[ref]; local {
				node.Deps = append(node.Deps, ref)
				g.Nodes[ref].Dependents = append(g.Nodes[ref].Dependents, name)
				continue
			}
			if _, ok := visible[ref]; !ok {
				return nil, schema.NewErrorf(schema.ErrCodeUnknownReference,
					"element %s references unknown node %q", name, ref).
					WithNode(path).
					WithDetails(map[string]any{"reference": ref})
			}
			external[ref] = true
		}
	}
	for ref := range external {
		g.External = append(g.External, ref)
	}
	sortStrings(g.External)

	if err := g.sort(prefix); err != nil {
		return nil, err
	}
	g.Levels = computeLevels(g)
	return g, nil
}

// nodeReferences builds the node's child graphs and returns every name the
// node depends on, including names its children need from outside.
func nodeReferences(node *Node, inner map[string]bool, path string) ([]string, error) {
	el := node.Element
	refs := expressions.ExpressionReferences(el.Guard())

	childExternal := func(sub schema.Flow, segment string, bindings ...string) ([]string, error) {
		visible := inner
		if len(bindings) > 0 {
			visible = make(map[string]bool, len(inner)+len(bindings))
			for k, isNode := range inner {
				visible[k] = isNode
			}
			for _, b := range bindings {
				if inner[b] {
					return nil, schema.NewErrorf(schema.ErrCodeValidation,
						"binding %q of %s shadows a node name", b, node.Name).WithNode(path)
				}
				visible[b] = false
			}
		}
		if len(sub) == 0 {
			node.Children = append(node.Children, &Graph{Nodes: map[string]*Node{}})
			return nil, nil
		}
		child, err := build(sub, visible, joinPath(path, segment))
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, child)
		out := make([]string, 0, len(child.External))
		for _, ext := range child.External {
			if !contains(bindings, ext) {
				out = append(out, ext)
			}
		}
		return out, nil
	}

	add := func(ext []string, err error) error {
		if err != nil {
			return err
		}
		refs = append(refs, ext...)
		return nil
	}

	switch e := el.(type) {
	case *schema.Step:
		refs = append(refs, expressions.TemplateReferences(e.Input)...)
	case *schema.Approval:
		refs = append(refs, expressions.TemplateReferences(e.Message)...)
	case *schema.Parallel:
		for _, sub := range schema.Children(e) {
			if err := add(childExternal(sub.Flow, sub.Segment)); err != nil {
				return nil, err
			}
		}
	case *schema.Branch:
		refs = append(refs, expressions.ExpressionReferences(e.If)...)
		for _, sub := range schema.Children(e) {
			if err := add(childExternal(sub.Flow, sub.Segment)); err != nil {
				return nil, err
			}
		}
	case *schema.ForEach:
		refs = append(refs, expressions.ExpressionReferences(e.Over)...)
		if err := add(childExternal(e.Body, "body", orDefault(e.As, defaultItemVar), orDefault(e.IndexAs, defaultIndexVar))); err != nil {
			return nil, err
		}
	case *schema.While:
		if err := add(childExternal(e.Body, "body", orDefault(e.IterationAs, defaultIterationVar))); err != nil {
			return nil, err
		}
		// The condition may read body outputs carried over from the last iteration.
		body := node.Children[0]
		for _, ref := range expressions.ExpressionReferences(e.Condition) {
			if _, ok := body.Nodes[ref]; !ok {
				refs = append(refs, ref)
			}
		}
	case *schema.TryCatchFinally:
		if err := add(childExternal(e.Try, "try")); err != nil {
			return nil, err
		}
		if err := add(childExternal(e.Catch, "catch", orDefault(e.ErrorAs, defaultErrorVar))); err != nil {
			return nil, err
		}
		if err := add(childExternal(e.Finally, "finally")); err != nil {
			return nil, err
		}
	case *schema.Switch:
		refs = append(refs, expressions.ExpressionReferences(e.Value)...)
		for _, sub := range schema.Children(e) {
			if err := add(childExternal(sub.Flow, sub.Segment)); err != nil {
				return nil, err
			}
		}
	case *schema.MapReduce:
		refs = append(refs, expressions.ExpressionReferences(e.Over, e.Reduce)...)
		refs = append(refs, expressions.TemplateReferences(e.Initial)...)
		if err := add(childExternal(e.Map, "map", orDefault(e.As, defaultItemVar), defaultIndexVar)); err != nil {
			return nil, err
		}
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unsupported element type %T", el).WithNode(path)
	}
	return refs, nil
}

// configureNode validates type-specific constraints and parses durations.
func configureNode(node *Node, path string) error {
	invalid := func(format string, args ...any) error {
		return schema.NewErrorf(schema.ErrCodeValidation, format, args...).WithNode(path)
	}

	switch e := node.Element.(type) {
	case *schema.Step:
		if e.Agent == "" {
			return invalid("step %s has no agent", e.Name)
		}
		if e.Timeout != "" {
			d, err := time.ParseDuration(e.Timeout)
			if err != nil || d <= 0 {
				return invalid("step %s has invalid timeout %q", e.Name, e.Timeout)
			}
			node.Timeout = d
		}
		if e.Retry != nil {
			spec, err := parseRetryPolicy(e.Retry)
			if err != nil {
				return invalid("step %s: %s", e.Name, err)
			}
			node.Retry = spec
		}
	case *schema.Approval:
		if e.TTL != "" {
			d, err := time.ParseDuration(e.TTL)
			if err != nil || d <= 0 {
				return invalid("approval %s has invalid ttl %q", e.Name, e.TTL)
			}
			node.TTL = d
		}
	case *schema.Parallel:
		if len(e.Branches) == 0 {
			return invalid("parallel %s has no branches", e.Name)
		}
		if err := validateErrorPolicy(e.OnError); err != nil {
			return invalid("parallel %s: %s", e.Name, err)
		}
	case *schema.Branch:
		if e.If == "" {
			return invalid("branch %s has no condition", e.Name)
		}
	case *schema.ForEach:
		if e.Over == "" {
			return invalid("for_each %s has no collection", e.Name)
		}
		if len(e.Body) == 0 {
			return invalid("for_each %s has an empty body", e.Name)
		}
		if err := validateErrorPolicy(e.OnError); err != nil {
			return invalid("for_each %s: %s", e.Name, err)
		}
		if item, index := orDefault(e.As, defaultItemVar), orDefault(e.IndexAs, defaultIndexVar); item == index {
			return invalid("for_each %s binds both item and index to %q", e.Name, item)
		}
	case *schema.While:
		if e.Condition == "" {
			return invalid("while %s has no condition", e.Name)
		}
		if len(e.Body) == 0 {
			return invalid("while %s has an empty body", e.Name)
		}
		if e.MaxIterations < 0 {
			return invalid("while %s has negative max_iterations", e.Name)
		}
	case *schema.TryCatchFinally:
		if len(e.Try) == 0 {
			return invalid("try %s has an empty try block", e.Name)
		}
	case *schema.Switch:
		if e.Value == "" {
			return invalid("switch %s has no value", e.Name)
		}
	case *schema.MapReduce:
		if e.Over == "" {
			return invalid("map_reduce %s has no collection", e.Name)
		}
		if e.Reduce == "" {
			return invalid("map_reduce %s has no reduce expression", e.Name)
		}
		if len(e.Map) == 0 {
			return invalid("map_reduce %s has an empty map block", e.Name)
		}
		if orDefault(e.As, defaultItemVar) == defaultIndexVar {
			return invalid("map_reduce %s cannot bind its item to %q", e.Name, defaultIndexVar)
		}
	}
	return nil
}

func validateErrorPolicy(p schema.ErrorPolicy) error {
	switch p {
	case "", schema.OnErrorFailFast, schema.OnErrorContinue:
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "unknown on_error policy %q", p)
}

// sort runs Kahn's algorithm. Among ready nodes the earliest declared goes first.
func (g *Graph) sort(prefix string) error {
	inDegree := make(map[string]int, len(g.Nodes))
	var ready []string
	for _, name := range g.Order {
		inDegree[name] = len(g.Nodes[name].Deps)
		if inDegree[name] == 0 {
			ready = append(ready, name)
		}
	}
	g.Roots = append([]string(nil), ready...)

	sorted := make([]string, 0, len(g.Nodes))
	for len(ready) > 0 {
		next := 0
		for i := 1; i < len(ready); i++ {
			if g.Nodes[ready[i]].Index < g.Nodes[ready[next]].Index {
				next = i
			}
		}
		name := ready[next]
		ready = append(ready[:next], ready[next+1:]...)
		sorted = append(sorted, name)

		for _, dep := range g.Nodes[name].Dependents {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if len(sorted) != len(g.Nodes) {
		var cycle []string
		for _, name := range g.Order {
			if inDegree[name] > 0 {
				cycle = append(cycle, name)
			}
		}
		return schema.NewErrorf(schema.ErrCodeCycleDetected, "%s contains a dependency cycle", describe(prefix)).
			WithDetails(map[string]any{"nodes": cycle})
	}
	g.Sorted = sorted
	return nil
}

// computeLevels groups nodes by dependency depth.
func computeLevels(g *Graph) [][]string {
	depth := make(map[string]int, len(g.Nodes))
	maxLevel := 0
	for _, name := range g.Sorted {
		d := 0
		for _, dep := range g.Nodes[name].Deps {
			if depth[dep]+1 > d {
				d = depth[dep] + 1
			}
		}
		depth[name] = d
		if d > maxLevel {
			maxLevel = d
		}
	}
	if len(g.Sorted) == 0 {
		return nil
	}
	levels := make([][]string, maxLevel+1)
	for _, name := range g.Sorted {
		levels[depth[name]] = append(levels[depth[name]], name)
	}
	return levels
}

func joinPath(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

func describe(prefix string) string {
	if prefix == "" {
		return "flow"
	}
	return prefix
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// sortStrings sorts a small slice of strings in place.
func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		key := s[i]
		j := i - 1
		for j >= 0 && s[j] > key {
			s[j+1] = s[j]
			j--
		}
		s[j+1] = key
	}
}

package graph

import (
	"errors"
	"fmt"
	"sort"
)

// StateGraph collects nodes and edges before Compile turns them into a Runnable.
//
// Builder methods return their error and also remember the first one, which
// Compile returns again: a graph that failed to build never runs.
//
// Example:
//
//	g := graph.NewStateGraph(schema)
//	g.AddNode("A", a)
//	g.AddNode("B", b)
//	g.AddEdge(graph.Start, "A")
//	g.AddEdge("A", "B")
//	g.AddEdge("B", graph.End)
//	r, err := g.Compile(graph.WithStore(store.NewMemStore()))
type StateGraph struct {
	schema *Schema
	nodes  map[string]*nodeSpec
	order  []string
	edges  map[string][]string
	conds  map[string][]*conditional
	err    error
}

// NewStateGraph starts a graph whose state follows schema.
func NewStateGraph(schema *Schema) *StateGraph {
	return &StateGraph{
		schema: schema,
		nodes:  make(map[string]*nodeSpec),
		edges:  make(map[string][]string),
		conds:  make(map[string][]*conditional),
	}
}

func (g *StateGraph) fail(err error) error {
	if g.err == nil {
		g.err = err
	}
	return err
}

// AddNode registers node under name. Names are unique; Start and End are reserved.
func (g *StateGraph) AddNode(name string, node Node, opts ...NodeOption) error {
	switch {
	case name == "":
		return g.fail(errors.New("node name cannot be empty"))
	case name == Start || name == End:
		return g.fail(fmt.Errorf("node name %q is reserved", name))
	case node == nil:
		return g.fail(fmt.Errorf("node %q cannot be nil", name))
	}
	if _, exists := g.nodes[name]; exists {
		return g.fail(&DuplicateNodeError{Node: name})
	}

	spec := &nodeSpec{name: name, node: node}
	for _, opt := range opts {
		opt(spec)
	}
	g.nodes[name] = spec
	g.order = append(g.order, name)
	return nil
}

// AddEdge routes every completion of from to to. from may be Start and to may be End.
func (g *StateGraph) AddEdge(from, to string) error {
	if from == End {
		return g.fail(errors.New("edges cannot leave End"))
	}
	if to == Start {
		return g.fail(errors.New("edges cannot enter Start"))
	}
	if !g.isSource(from) {
		return g.fail(&UnknownNodeError{Node: from})
	}
	if !g.isDestination(to) {
		return g.fail(&UnknownNodeError{Node: to, From: from})
	}
	for _, existing := range g.edges[from] {
		if existing == to {
			return nil
		}
	}
	g.edges[from] = append(g.edges[from], to)
	return nil
}

// AddConditionalEdges routes completions of from through router. Every node
// the router may return must be listed in destinations (End included); Compile
// checks the list and a route outside it fails the step at run time.
func (g *StateGraph) AddConditionalEdges(from string, router Router, destinations ...string) error {
	if from == End {
		return g.fail(errors.New("edges cannot leave End"))
	}
	if !g.isSource(from) {
		return g.fail(&UnknownNodeError{Node: from})
	}
	if router == nil {
		return g.fail(fmt.Errorf("conditional edge from %q: router cannot be nil", from))
	}
	g.conds[from] = append(g.conds[from], newConditional(router, destinations))
	return nil
}

func (g *StateGraph) isSource(name string) bool {
	_, ok := g.nodes[name]
	return ok || name == Start
}

func (g *StateGraph) isDestination(name string) bool {
	_, ok := g.nodes[name]
	return ok || name == End
}

// Compile validates the graph and returns a Runnable bound to the options.
//
// It fails with the first builder error, or with a *GraphValidationError
// listing every structural problem:
//   - Start has no outgoing edge
//   - a conditional or Ends destination is not a registered node or End
//   - a conditional edge declares no destinations
//   - a node is unreachable from Start
//   - a node has no way out (no edge and no declared Ends)
func (g *StateGraph) Compile(opts ...Option) (*Runnable, error) {
	if g.err != nil {
		return nil, g.err
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	if cfg.store == nil {
		return nil, ErrNoStore
	}

	if problems := g.validate(); len(problems) > 0 {
		return nil, &GraphValidationError{Problems: problems}
	}

	// The Runnable owns copies; later builder calls do not reach it.
	nodes := make(map[string]*nodeSpec, len(g.nodes))
	for name, spec := range g.nodes {
		cp := *spec
		cp.ends = append([]string(nil), spec.ends...)
		nodes[name] = &cp
	}
	edges := make(map[string][]string, len(g.edges))
	for from, to := range g.edges {
		edges[from] = append([]string(nil), to...)
	}
	conds := make(map[string][]*conditional, len(g.conds))
	for from, cs := range g.conds {
		out := make([]*conditional, len(cs))
		for i, c := range cs {
			out[i] = newConditional(c.router, c.order)
		}
		conds[from] = out
	}

	return &Runnable{
		schema: g.schema,
		nodes:  nodes,
		edges:  edges,
		conds:  conds,
		cfg:    cfg,
	}, nil
}

func (g *StateGraph) validate() []string {
	var problems []string
	if g.schema == nil {
		problems = append(problems, "schema is nil")
	} else if err := g.schema.Err(); err != nil {
		problems = append(problems, err.Error())
	}

	if len(g.edges[Start]) == 0 && len(g.conds[Start]) == 0 {
		problems = append(problems, "start has no outgoing edge")
	}

	sources := append([]string{Start}, g.order...)
	for _, from := range sources {
		for i, c := range g.conds[from] {
			if len(c.order) == 0 {
				problems = append(problems, fmt.Sprintf("conditional edge %d from %q declares no destinations", i, from))
			}
			for _, d := range c.order {
				if !g.isDestination(d) {
					problems = append(problems, fmt.Sprintf("conditional edge from %q: unknown destination %q", from, d))
				}
			}
		}
	}
	for _, name := range g.order {
		for _, d := range g.nodes[name].ends {
			if !g.isDestination(d) {
				problems = append(problems, fmt.Sprintf("node %q: unknown end %q", name, d))
			}
		}
	}

	reached := g.reachable()
	for _, name := range g.order {
		if !reached[name] {
			problems = append(problems, fmt.Sprintf("node %q is unreachable from start", name))
		}
		if len(g.edges[name]) == 0 && len(g.conds[name]) == 0 && len(g.nodes[name].ends) == 0 {
			problems = append(problems, fmt.Sprintf("node %q has no outgoing edge or declared ends", name))
		}
	}
	return problems
}

// successors lists every destination name could route to.
func (g *StateGraph) successors(name string) []string {
	out := append([]string(nil), g.edges[name]...)
	for _, c := range g.conds[name] {
		out = append(out, c.order...)
	}
	if spec, ok := g.nodes[name]; ok {
		out = append(out, spec.ends...)
	}
	return out
}

func (g *StateGraph) reachable() map[string]bool {
	seen := map[string]bool{Start: true}
	queue := []string{Start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range g.successors(cur) {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return seen
}

// Nodes returns the registered node names in sorted order.
func (g *StateGraph) Nodes() []string {
	names := append([]string(nil), g.order...)
	sort.Strings(names)
	return names
}

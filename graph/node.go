package graph

import (
	"context"
	"time"
)

// Node represents a processing unit in the graph.
// It receives a snapshot of the state, performs computation, and returns a NodeResult.
//
// Each node can:
//   - Read the current state
//   - Return a partial update via Delta
//   - Control routing via Route
//   - Suspend for a human decision via Suspend
//   - Report an error via Err
type Node interface {
	// Run executes the node's logic with the given context and state.
	Run(ctx context.Context, state State) NodeResult
}

// NodeResult represents the output of a node execution.
type NodeResult struct {
	// Delta is the partial state update produced by this node.
	// It is merged into the state by the schema's reducers.
	Delta State

	// Route overrides the node's outgoing edges when non-zero.
	// Use Stop() to end this branch, Goto(id) for explicit routing,
	// Many for plain fan-out, or Sends for fan-out with per-task input.
	Route Next

	// Err contains any error that occurred during node execution.
	// A non-nil error fails the superstep; the thread keeps its last checkpoint.
	Err error

	suspend *suspension
}

// Suspended reports whether the node asked to wait for an external decision.
func (r NodeResult) Suspended() bool {
	return r.suspend != nil
}

// Next specifies the next step(s) after a node completes.
//
// It supports four routing modes:
//   - Terminal: end this branch (Route.Terminal = true)
//   - Single: go to a specific node (Route.To = "nodeID")
//   - Fan-out: go to several nodes in parallel (Route.Many = []string{"a", "b"})
//   - Send: go to nodes with per-task input (Route.Sends = []Target{Send("w", in)})
//
// To, Many and Sends may be combined; their targets are scheduled in that order.
type Next struct {
	To       string
	Many     []string
	Sends    []Target
	Terminal bool
}

// IsZero reports whether no explicit route was set, in which case the node's
// edges decide.
func (n Next) IsZero() bool {
	return n.To == "" && len(n.Many) == 0 && len(n.Sends) == 0 && !n.Terminal
}

// Targets flattens the route into scheduling order. A terminal route has none.
func (n Next) Targets() []Target {
	if n.Terminal {
		return nil
	}
	var out []Target
	if n.To != "" {
		out = append(out, Target{Node: n.To})
	}
	for _, m := range n.Many {
		out = append(out, Target{Node: m})
	}
	return append(out, n.Sends...)
}

// Stop returns a Next that ends the current branch.
func Stop() Next {
	return Next{Terminal: true}
}

// Goto returns a Next that routes to the specified node.
func Goto(nodeID string) Next {
	return Next{To: nodeID}
}

// Fanout returns a Next that schedules every node in parallel over the same state.
func Fanout(nodeIDs ...string) Next {
	return Next{Many: nodeIDs}
}

// Dispatch returns a Next made of Send targets.
func Dispatch(targets ...Target) Next {
	return Next{Sends: targets}
}

// Target is one scheduled destination. A Target with Input runs the node
// over the schema defaults merged with Input instead of the shared state;
// such targets are never deduplicated.
type Target struct {
	Node  string
	Input State
}

// Send returns a Target that runs node with its own input.
//
// Example (one worker per section):
//
//	for _, sec := range sections {
//	    targets = append(targets, graph.Send("worker", graph.State{"section": sec}))
//	}
func Send(node string, input State) Target {
	if input == nil {
		input = State{}
	}
	return Target{Node: node, Input: input}
}

// To converts node names into plain targets.
func To(nodes ...string) []Target {
	out := make([]Target, len(nodes))
	for i, n := range nodes {
		out[i] = Target{Node: n}
	}
	return out
}

// NodeFunc is a function adapter that implements the Node interface.
//
// Example:
//
//	process := graph.NodeFunc(func(ctx context.Context, s graph.State) graph.NodeResult {
//	    return graph.NodeResult{Delta: graph.State{"result": "processed"}}
//	})
type NodeFunc func(ctx context.Context, state State) NodeResult

// Run implements the Node interface for NodeFunc.
func (f NodeFunc) Run(ctx context.Context, state State) NodeResult {
	return f(ctx, state)
}

// NodeOption configures a node at registration.
type NodeOption func(*nodeSpec)

// Ends declares the destinations the node may route to explicitly.
// Compile checks they exist and uses them for reachability; a returned
// Route outside this set fails the step.
func Ends(destinations ...string) NodeOption {
	return func(n *nodeSpec) {
		n.ends = append(n.ends, destinations...)
	}
}

// Timeout bounds a single execution of the node, overriding WithNodeTimeout.
func Timeout(d time.Duration) NodeOption {
	return func(n *nodeSpec) {
		n.timeout = d
	}
}

// nodeSpec is a registered node.
type nodeSpec struct {
	name    string
	node    Node
	ends    []string
	timeout time.Duration
}

// NodeError represents an error raised by a node with a machine-readable code.
type NodeError struct {
	// Message is the human-readable error description.
	Message string

	// Code is a machine-readable error code for programmatic handling.
	Code string

	// NodeID identifies which node produced this error.
	NodeID string

	// Cause is the underlying error that caused this NodeError.
	Cause error
}

// Error implements the error interface.
func (e *NodeError) Error() string {
	if e.NodeID != "" {
		return "node " + e.NodeID + ": " + e.Message
	}
	return e.Message
}

// Unwrap returns the underlying cause error for error wrapping support.
func (e *NodeError) Unwrap() error {
	return e.Cause
}

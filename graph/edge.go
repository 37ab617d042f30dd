package graph

import "context"

// Synthetic markers for the entry and exit of a graph. They can be used as
// edge endpoints but never registered as nodes.
const (
	Start = "__start__"
	End   = "__end__"
)

// Router chooses the next destinations of a conditional edge.
//
// It is evaluated against the state after the superstep's updates were merged.
// Returning several targets fans out; returning Send targets gives each
// destination its own input. Every returned node must be one of the
// destinations declared with AddConditionalEdges.
//
// Routers should be pure functions (deterministic, no side effects).
type Router func(ctx context.Context, state State) []Target

// conditional is a registered conditional edge.
type conditional struct {
	router       Router
	destinations map[string]bool
	order        []string
}

func newConditional(router Router, destinations []string) *conditional {
	c := &conditional{router: router, destinations: make(map[string]bool, len(destinations))}
	for _, d := range destinations {
		if !c.destinations[d] {
			c.destinations[d] = true
			c.order = append(c.order, d)
		}
	}
	return c
}

// RouteByKey returns a Router that reads a string field and routes to the
// destination of the same name. An empty or missing value routes to End.
func RouteByKey(key string) Router {
	return func(_ context.Context, s State) []Target {
		v, _ := Get[string](s, key)
		if v == "" {
			return To(End)
		}
		return To(v)
	}
}

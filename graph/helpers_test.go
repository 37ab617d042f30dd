package graph

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/dshills/stepgraph/graph/store"
	"github.com/dshills/stepgraph/log"
)

// fooBarSchema is the two-field schema used by most executor tests.
func fooBarSchema() *Schema {
	return NewSchema(
		Field("foo", Replace[string]()),
		FieldWithDefault("bar", Append[string](), func() []string { return []string{} }),
	)
}

// emitNode returns a node that always produces delta.
func emitNode(delta State) NodeFunc {
	return func(context.Context, State) NodeResult {
		return NodeResult{Delta: delta}
	}
}

// countingNode wraps n and counts its executions.
func countingNode(counter *atomic.Int32, n Node) NodeFunc {
	return func(ctx context.Context, s State) NodeResult {
		counter.Add(1)
		return n.Run(ctx, s)
	}
}

// compileWith compiles g against a fresh MemStore unless opts carry a store.
func compileWith(t *testing.T, g *StateGraph, opts ...Option) (*Runnable, *store.MemStore) {
	t.Helper()
	mem := store.NewMemStore()
	all := append([]Option{WithStore(mem), WithLogger(log.Nop())}, opts...)
	r, err := g.Compile(all...)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return r, mem
}

// linearGraph builds START → A → B → END over fooBarSchema.
func linearGraph(t *testing.T) *StateGraph {
	t.Helper()
	g := NewStateGraph(fooBarSchema())
	must(t, g.AddNode("A", emitNode(State{"foo": "a", "bar": []string{"a"}})))
	must(t, g.AddNode("B", emitNode(State{"foo": "b", "bar": []string{"b"}})))
	must(t, g.AddEdge(Start, "A"))
	must(t, g.AddEdge("A", "B"))
	must(t, g.AddEdge("B", End))
	return g
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

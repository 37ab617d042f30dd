package graph

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

func TestStream_Updates(t *testing.T) {
	r, _ := compileWith(t, linearGraph(t))

	var nodes []string
	var lastCheckpoint string
	for ev, err := range r.Stream(context.Background(), "t", State{}, StreamUpdates) {
		must(t, err)
		if ev.Kind != EventUpdates {
			t.Fatalf("kind = %s", ev.Kind)
		}
		nodes = append(nodes, ev.Node)
		lastCheckpoint = ev.CheckpointID
		if want := map[string]string{"A": "a", "B": "b"}[ev.Node]; ev.Update["foo"] != want {
			t.Errorf("update of %s = %v", ev.Node, ev.Update)
		}
	}
	if !equalStrings(nodes, []string{"A", "B"}) {
		t.Errorf("nodes = %v", nodes)
	}
	snap, err := r.GetState(context.Background(), "t", "")
	must(t, err)
	if snap.CheckpointID != lastCheckpoint {
		t.Error("last update should carry the tip checkpoint")
	}
}

func TestStream_Values(t *testing.T) {
	r, _ := compileWith(t, linearGraph(t))

	var bars [][]string
	var steps []int
	for ev, err := range r.Stream(context.Background(), "t", State{}, StreamValues) {
		must(t, err)
		bars = append(bars, ev.Values["bar"].([]string))
		steps = append(steps, ev.Step)
	}
	if len(bars) != 2 || !equalStrings(bars[0], []string{"a"}) || !equalStrings(bars[1], []string{"a", "b"}) {
		t.Errorf("values = %v", bars)
	}
	if steps[0] != 0 || steps[1] != 1 {
		t.Errorf("steps = %v", steps)
	}
}

func TestStream_BreakStopsAfterCheckpoint(t *testing.T) {
	var bRuns atomic.Int32
	g := NewStateGraph(fooBarSchema())
	must(t, g.AddNode("A", emitNode(State{"bar": []string{"a"}})))
	must(t, g.AddNode("B", countingNode(&bRuns, emitNode(State{"bar": []string{"b"}}))))
	must(t, g.AddEdge(Start, "A"))
	must(t, g.AddEdge("A", "B"))
	must(t, g.AddEdge("B", End))
	r, mem := compileWith(t, g)
	ctx := context.Background()

	for range r.Stream(ctx, "t", State{}, StreamValues) {
		break
	}
	if bRuns.Load() != 0 {
		t.Error("B ran after the consumer stopped")
	}
	if mem.Len("t") != 2 {
		t.Errorf("checkpoints = %d, want input + A", mem.Len("t"))
	}

	// The thread continues where the stream stopped.
	res, err := r.Invoke(ctx, "t", nil)
	must(t, err)
	if got := res.Values["bar"].([]string); !equalStrings(got, []string{"a", "b"}) {
		t.Errorf("bar = %v", got)
	}
}

func TestStream_InterruptEvent(t *testing.T) {
	var runs, siblings atomic.Int32
	r, _ := compileWith(t, approvalGraph(t, &runs, &siblings))
	ctx := context.Background()

	var kinds []string
	var interrupts []Interrupt
	for ev, err := range r.Stream(ctx, "t", State{}, StreamUpdates) {
		must(t, err)
		kinds = append(kinds, ev.Kind)
		interrupts = ev.Interrupts
	}
	if !equalStrings(kinds, []string{EventInterrupt}) || len(interrupts) != 2 {
		t.Fatalf("kinds = %v, interrupts = %v", kinds, interrupts)
	}

	decisions := map[string]any{}
	for _, in := range interrupts {
		decisions[in.ID] = approval{Approved: true}
	}
	var nodes []string
	for ev, err := range r.ResumeStream(ctx, "t", decisions, StreamUpdates) {
		must(t, err)
		nodes = append(nodes, ev.Node)
	}
	if !equalStrings(nodes, []string{"gate1", "work", "gate2", "after"}) {
		t.Errorf("nodes = %v", nodes)
	}
}

func TestStream_ErrorIsLastItem(t *testing.T) {
	g := NewStateGraph(fooBarSchema())
	must(t, g.AddNode("A", emitNode(State{"bar": []string{"a"}})))
	must(t, g.AddNode("B", NodeFunc(func(context.Context, State) NodeResult { return NodeResult{Err: errors.New("boom")} })))
	must(t, g.AddEdge(Start, "A"))
	must(t, g.AddEdge("A", "B"))
	must(t, g.AddEdge("B", End))
	r, _ := compileWith(t, g)

	var events int
	var last error
	for _, err := range r.Stream(context.Background(), "t", State{}, StreamValues) {
		if err != nil {
			last = err
			continue
		}
		events++
	}
	var stepErr *StepExecutionError
	if events != 1 || !errors.As(last, &stepErr) || stepErr.Node != "B" {
		t.Errorf("events = %d, err = %v", events, last)
	}
}

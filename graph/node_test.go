package graph

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNodeFunc(t *testing.T) {
	node := NodeFunc(func(_ context.Context, s State) NodeResult {
		n, _ := Get[int](s, "n")
		return NodeResult{Delta: State{"n": n + 1}, Route: Stop()}
	})

	res := node.Run(context.Background(), State{"n": 1})
	if res.Delta["n"] != 2 {
		t.Errorf("Delta = %v", res.Delta)
	}
	if !res.Route.Terminal {
		t.Error("expected terminal route")
	}
	if res.Suspended() {
		t.Error("plain result should not be suspended")
	}
}

func TestNext(t *testing.T) {
	tests := []struct {
		name     string
		next     Next
		zero     bool
		wantNode []string
	}{
		{"zero", Next{}, true, nil},
		{"stop", Stop(), false, nil},
		{"goto", Goto("a"), false, []string{"a"}},
		{"fanout", Fanout("a", "b"), false, []string{"a", "b"}},
		{"dispatch", Dispatch(Send("w", State{"x": 1}), Send("w", nil)), false, []string{"w", "w"}},
		{"combined order", Next{To: "a", Many: []string{"b"}, Sends: []Target{Send("c", nil)}}, false, []string{"a", "b", "c"}},
		{"terminal wins", Next{To: "a", Terminal: true}, false, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.next.IsZero(); got != tt.zero {
				t.Errorf("IsZero = %v, want %v", got, tt.zero)
			}
			var nodes []string
			for _, target := range tt.next.Targets() {
				nodes = append(nodes, target.Node)
			}
			if !equalStrings(nodes, tt.wantNode) {
				t.Errorf("Targets = %v, want %v", nodes, tt.wantNode)
			}
		})
	}
}

func TestSendAndTo(t *testing.T) {
	if s := Send("w", nil); s.Input == nil {
		t.Error("Send with nil input should carry an empty state")
	}
	targets := To("a", "b")
	if len(targets) != 2 || targets[0].Node != "a" || targets[1].Input != nil {
		t.Errorf("To = %+v", targets)
	}
}

func TestNodeOptions(t *testing.T) {
	spec := &nodeSpec{name: "n"}
	Ends("a", "b")(spec)
	Ends(End)(spec)
	Timeout(time.Second)(spec)

	if !equalStrings(spec.ends, []string{"a", "b", End}) {
		t.Errorf("ends = %v", spec.ends)
	}
	if spec.timeout != time.Second {
		t.Errorf("timeout = %v", spec.timeout)
	}
}

func TestNodeError(t *testing.T) {
	cause := errors.New("rate limited")
	err := &NodeError{Message: "call failed", Code: "LLM", NodeID: "agent", Cause: cause}

	if err.Error() != "node agent: call failed" {
		t.Errorf("Error() = %q", err.Error())
	}
	if !errors.Is(err, cause) {
		t.Error("NodeError should unwrap to its cause")
	}
	if (&NodeError{Message: "bare"}).Error() != "bare" {
		t.Error("NodeError without node should print the message only")
	}
}

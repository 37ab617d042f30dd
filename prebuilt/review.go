package prebuilt

import (
	"context"
	"errors"
	"fmt"

	"github.com/dshills/stepgraph/graph"
	"github.com/dshills/stepgraph/graph/model"
)

// DecisionType is a reviewer's verdict on a gated tool call.
type DecisionType string

const (
	DecisionApprove DecisionType = "approve"
	DecisionReject  DecisionType = "reject"
	DecisionEdit    DecisionType = "edit"
)

// Action is one tool call awaiting review.
type Action struct {
	ToolCallID string         `json:"tool_call_id"`
	Name       string         `json:"name"`
	Args       map[string]any `json:"args,omitempty"`
}

// ActionRequest is the interrupt payload raised by the tools node.
type ActionRequest struct {
	Description string   `json:"description"`
	Actions     []Action `json:"actions"`
}

// Decision answers an ActionRequest. Args replaces the call's input for
// DecisionEdit; Message is passed to the model on DecisionReject.
type Decision struct {
	Type    DecisionType   `json:"type"`
	Args    map[string]any `json:"args,omitempty"`
	Message string         `json:"message,omitempty"`
}

func hasGated(calls []model.ToolCall, gated map[string]bool) bool {
	for _, c := range calls {
		if gated[c.Name] {
			return true
		}
	}
	return false
}

func actionRequest(calls []model.ToolCall, cfg agentConfig) ActionRequest {
	req := ActionRequest{Description: cfg.descriptionPrefix}
	for _, c := range calls {
		if cfg.interruptOn[c.Name] {
			req.Actions = append(req.Actions, Action{ToolCallID: c.ID, Name: c.Name, Args: c.Input})
		}
	}
	return req
}

// reviewCalls maps the resume value to a decision per gated tool call ID. It
// returns nil on a first execution. A single Decision applies to every gated
// call; a list must hold one Decision per action, in ActionRequest order.
func reviewCalls(ctx context.Context, calls []model.ToolCall, cfg agentConfig) (map[string]Decision, error) {
	if _, ok := graph.ResumeValue(ctx); !ok {
		return nil, nil
	}
	actions := actionRequest(calls, cfg).Actions

	var list []Decision
	if many, err := graph.ResumeValueAs[[]Decision](ctx); err == nil {
		list = many
	} else {
		one, err := graph.ResumeValueAs[Decision](ctx)
		if err != nil {
			return nil, fmt.Errorf("tool review: %w", err)
		}
		for range actions {
			list = append(list, one)
		}
	}
	if len(list) != len(actions) {
		return nil, fmt.Errorf("tool review: got %d decisions for %d actions", len(list), len(actions))
	}

	out := make(map[string]Decision, len(actions))
	for i, a := range actions {
		d := list[i]
		switch d.Type {
		case DecisionApprove, DecisionReject:
		case DecisionEdit:
			if d.Args == nil {
				return nil, fmt.Errorf("tool review: edit of %s carries no args", a.Name)
			}
		default:
			return nil, fmt.Errorf("tool review: %w %q", errUnknownDecision, d.Type)
		}
		out[a.ToolCallID] = d
	}
	return out, nil
}

var errUnknownDecision = errors.New("unknown decision type")

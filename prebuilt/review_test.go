package prebuilt

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/stepgraph/graph"
	"github.com/dshills/stepgraph/graph/model"
	"github.com/dshills/stepgraph/graph/tool"
)

// approvalAgent gates send_email; lookup runs freely.
func approvalAgent(t *testing.T) (*graph.Runnable, *tool.MockTool, *tool.MockTool) {
	t.Helper()
	lookup := &tool.MockTool{ToolName: "lookup", Responses: []map[string]any{{"email": "bob@example.com"}}}
	email := &tool.MockTool{ToolName: "send_email", Responses: []map[string]any{{"sent": true}}}
	mock := &model.MockChatModel{Responses: []model.ChatOut{
		{ToolCalls: []model.ToolCall{
			{ID: "c1", Name: "lookup", Input: map[string]any{"name": "bob"}},
			{ID: "c2", Name: "send_email", Input: map[string]any{"to": "bob@example.com", "subject": "hi"}},
		}},
		{Text: "done"},
	}}
	g, err := NewToolAgent(mock, []tool.Tool{lookup, email},
		WithInterruptOn("send_email"), WithDescriptionPrefix("Email pending approval"))
	require.NoError(t, err)
	return compile(t, g), lookup, email
}

func suspend(t *testing.T, r *graph.Runnable) graph.Interrupt {
	t.Helper()
	res, err := r.Invoke(context.Background(), "t", Input("email bob"))
	require.NoError(t, err)
	require.Equal(t, graph.StatusSuspended, res.Status)
	require.Len(t, res.Interrupts, 1)
	return res.Interrupts[0]
}

func TestInterruptOn_SuspendsWithActionRequest(t *testing.T) {
	r, lookup, email := approvalAgent(t)
	in := suspend(t, r)

	assert.Equal(t, ToolsNode, in.Node)
	var req ActionRequest
	require.NoError(t, in.Decode(&req))
	assert.Equal(t, "Email pending approval", req.Description)
	require.Len(t, req.Actions, 1)
	assert.Equal(t, Action{ToolCallID: "c2", Name: "send_email", Args: map[string]any{"to": "bob@example.com", "subject": "hi"}}, req.Actions[0])

	assert.Zero(t, lookup.CallCount(), "no tool runs before the review")
	assert.Zero(t, email.CallCount())
}

func TestInterruptOn_Approve(t *testing.T) {
	r, lookup, email := approvalAgent(t)
	in := suspend(t, r)

	res, err := r.Resume(context.Background(), "t", map[string]any{in.ID: Decision{Type: DecisionApprove}})
	require.NoError(t, err)
	assert.Equal(t, graph.StatusCompleted, res.Status)
	assert.Equal(t, 1, lookup.CallCount())
	assert.Equal(t, 1, email.CallCount())

	msgs := Messages(res.Values)
	require.Len(t, msgs, 5)
	assert.Equal(t, `{"sent":true}`, msgs[3].Content)
	assert.Equal(t, "done", msgs[4].Content)
}

func TestInterruptOn_Edit(t *testing.T) {
	r, _, email := approvalAgent(t)
	in := suspend(t, r)

	// Decisions may arrive as decoded JSON, one per action.
	decision := []any{map[string]any{"type": "edit", "args": map[string]any{"to": "bob@example.com", "subject": "edited"}}}
	_, err := r.Resume(context.Background(), "t", map[string]any{in.ID: decision})
	require.NoError(t, err)
	require.Equal(t, 1, email.CallCount())
	assert.Equal(t, "edited", email.Calls[0].Input["subject"])
}

func TestInterruptOn_Reject(t *testing.T) {
	r, lookup, email := approvalAgent(t)
	in := suspend(t, r)

	res, err := r.Resume(context.Background(), "t", map[string]any{in.ID: Decision{Type: DecisionReject, Message: "not now"}})
	require.NoError(t, err)
	assert.Zero(t, email.CallCount())
	assert.Equal(t, 1, lookup.CallCount())
	assert.Equal(t, "rejected by reviewer: not now", Messages(res.Values)[3].Content)
}

func TestInterruptOn_InvalidDecisions(t *testing.T) {
	tests := []struct {
		name     string
		decision any
		want     string
	}{
		{"unknown type", Decision{Type: "maybe"}, "unknown decision type"},
		{"edit without args", Decision{Type: DecisionEdit}, "carries no args"},
		{"wrong count", []Decision{{Type: DecisionApprove}, {Type: DecisionApprove}}, "2 decisions for 1 actions"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _, email := approvalAgent(t)
			in := suspend(t, r)
			_, err := r.Resume(context.Background(), "t", map[string]any{in.ID: tt.decision})
			assert.ErrorContains(t, err, tt.want)
			assert.Zero(t, email.CallCount())

			// The thread is still suspended on the same interrupt.
			snap, err := r.GetState(context.Background(), "t", "")
			require.NoError(t, err)
			require.Len(t, snap.Interrupts, 1)
			assert.Equal(t, in.ID, snap.Interrupts[0].ID)
		})
	}
}

package tool

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/stepgraph/graph/model"
)

func add() *Func {
	return NewFunc("add", "Add two numbers", map[string]any{"type": "object"},
		func(_ context.Context, in map[string]any) (map[string]any, error) {
			a, _ := in["a"].(float64)
			b, _ := in["b"].(float64)
			return map[string]any{"result": a + b}, nil
		})
}

func TestRegistry(t *testing.T) {
	search := &MockTool{ToolName: "search", Desc: "web search"}
	reg, err := NewRegistry(add(), search)
	require.NoError(t, err)

	assert.Equal(t, []string{"add", "search"}, reg.Names())
	assert.Equal(t, []model.ToolSpec{
		{Name: "add", Description: "Add two numbers", Schema: map[string]any{"type": "object"}},
		{Name: "search", Description: "web search", Schema: map[string]any{"type": "object"}},
	}, reg.Specs())

	got, ok := reg.Get("add")
	require.True(t, ok)
	assert.Equal(t, "add", got.Name())

	out, err := reg.Call(context.Background(), model.ToolCall{Name: "add", Input: map[string]any{"a": 3.0, "b": 4.0}})
	require.NoError(t, err)
	assert.Equal(t, 7.0, out["result"])

	_, err = reg.Call(context.Background(), model.ToolCall{Name: "nope"})
	assert.ErrorIs(t, err, ErrUnknownTool)
}

func TestRegistry_RejectsBadTools(t *testing.T) {
	_, err := NewRegistry(add(), add())
	assert.ErrorContains(t, err, "registered twice")

	_, err = NewRegistry(&MockTool{})
	assert.ErrorContains(t, err, "must have a name")
}

func TestFunc_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := add().Call(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMockTool(t *testing.T) {
	mock := &MockTool{ToolName: "m", Responses: []map[string]any{{"n": 1}, {"n": 2}}}
	ctx := context.Background()

	for _, want := range []int{1, 2, 2} {
		out, err := mock.Call(ctx, map[string]any{"q": want})
		require.NoError(t, err)
		assert.Equal(t, want, out["n"])
	}
	assert.Equal(t, 3, mock.CallCount())
	assert.Equal(t, 1, mock.Calls[0].Input["q"])

	mock.Reset()
	assert.Zero(t, mock.CallCount())

	boom := errors.New("boom")
	mock.Err = boom
	_, err := mock.Call(ctx, nil)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, mock.CallCount(), "failed calls are recorded too")
}

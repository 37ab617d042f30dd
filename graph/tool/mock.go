package tool

import (
	"context"
	"sync"
)

// MockTool replays scripted outputs and records every call.
//
// Example:
//
//	mock := &tool.MockTool{
//	    ToolName:  "search",
//	    Responses: []map[string]any{{"hits": 3}},
//	}
type MockTool struct {
	ToolName string
	Desc     string

	// Responses are returned in order; the last one repeats once exhausted.
	Responses []map[string]any

	// Err, if set, is returned instead of a response.
	Err error

	// Calls records every invocation.
	Calls []MockToolCall

	mu        sync.Mutex
	callIndex int
}

// MockToolCall records a single invocation of Call.
type MockToolCall struct {
	Input map[string]any
}

// Name implements Tool.
func (m *MockTool) Name() string { return m.ToolName }

// Description implements Tool.
func (m *MockTool) Description() string { return m.Desc }

// Schema implements Tool; mocks accept any object.
func (m *MockTool) Schema() map[string]any {
	return map[string]any{"type": "object"}
}

// Call implements Tool.
func (m *MockTool) Call(ctx context.Context, input map[string]any) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, MockToolCall{Input: input})
	if m.Err != nil {
		return nil, m.Err
	}
	if len(m.Responses) == 0 {
		return map[string]any{}, nil
	}

	idx := m.callIndex
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	} else {
		m.callIndex++
	}
	return m.Responses[idx], nil
}

// Reset clears the call history and rewinds the responses.
func (m *MockTool) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
	m.callIndex = 0
}

// CallCount returns the number of Call invocations so far.
func (m *MockTool) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// Package model defines the chat-model boundary used by agent graphs.
//
// Graph nodes talk to language models only through ChatModel; the provider
// subpackages (openai, anthropic, google) translate messages and tool calls
// to and from their SDKs and nothing more. Messages are plain JSON-encodable
// values so they can live in graph state and be checkpointed.
package model

import "context"

// ChatModel is a chat completion provider.
//
// Example:
//
//	m := openai.NewChatModel(apiKey, "gpt-4o-mini")
//	out, err := m.Chat(ctx, []model.Message{
//	    {Role: model.RoleUser, Content: "What is 3 + 4?"},
//	}, registry.Specs())
type ChatModel interface {
	// Chat sends the conversation and the tools the model may call, and
	// returns the assistant's reply. It must respect ctx cancellation.
	Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatOut, error)
}

// Standard roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn of a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content,omitempty"`

	// ToolCalls is set on assistant messages that request tool execution.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID links a tool message to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`

	// Name is the tool name on tool messages.
	Name string `json:"name,omitempty"`
}

// SystemMessage builds a system turn.
func SystemMessage(content string) Message { return Message{Role: RoleSystem, Content: content} }

// UserMessage builds a user turn.
func UserMessage(content string) Message { return Message{Role: RoleUser, Content: content} }

// AssistantMessage records a model reply as a conversation turn.
func AssistantMessage(out ChatOut) Message {
	return Message{Role: RoleAssistant, Content: out.Text, ToolCalls: out.ToolCalls}
}

// ToolMessage answers call with content.
func ToolMessage(call ToolCall, content string) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: call.ID, Name: call.Name}
}

// ToolSpec describes a tool the model may call. Schema is a JSON Schema
// object describing the input.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Schema      map[string]any `json:"schema,omitempty"`
}

// ToolCall is a model request to run a tool.
type ToolCall struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input,omitempty"`
}

// Usage counts the tokens of one completion.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ChatOut is a model reply: text, tool calls, or both.
type ChatOut struct {
	Text      string     `json:"text,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// Model is the model that produced the reply, as reported by the provider.
	Model string `json:"model,omitempty"`
	Usage Usage  `json:"usage"`
}

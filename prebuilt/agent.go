// Package prebuilt assembles common agent graphs from the graph, model and
// tool packages.
package prebuilt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dshills/stepgraph/graph"
	"github.com/dshills/stepgraph/graph/model"
	"github.com/dshills/stepgraph/graph/tool"
)

// Node names and state keys of the tool agent.
const (
	AgentNode = "agent"
	ToolsNode = "tools"

	MessagesKey = "messages"
	LLMCallsKey = "llm_calls"
)

// MessagesSchema is the agent state: an append-only conversation and a
// counter of model calls. Extra fields are added alongside.
func MessagesSchema(extra ...graph.FieldDecl) *graph.Schema {
	fields := []graph.FieldDecl{
		graph.FieldWithDefault(MessagesKey, graph.Append[model.Message](), func() []model.Message { return []model.Message{} }),
		graph.Field(LLMCallsKey, graph.Sum[int]()),
	}
	return graph.NewSchema(append(fields, extra...)...)
}

// Messages reads the conversation from agent state.
func Messages(s graph.State) []model.Message {
	msgs, _ := graph.Get[[]model.Message](s, MessagesKey)
	return msgs
}

// Input builds the state update that starts an agent turn with a user message.
func Input(content string) graph.State {
	return graph.State{MessagesKey: []model.Message{model.UserMessage(content)}}
}

type agentConfig struct {
	systemPrompt      string
	interruptOn       map[string]bool
	descriptionPrefix string
	schema            *graph.Schema
}

// Option configures NewToolAgent.
type Option func(*agentConfig)

// WithSystemPrompt prepends a system message to every model call. The prompt
// is not stored in state.
func WithSystemPrompt(prompt string) Option {
	return func(c *agentConfig) { c.systemPrompt = prompt }
}

// WithInterruptOn requires a human decision before any of the named tools
// runs. The tools node suspends with an ActionRequest payload and expects a
// Decision (or one Decision per action) on resume.
func WithInterruptOn(toolNames ...string) Option {
	return func(c *agentConfig) {
		for _, n := range toolNames {
			c.interruptOn[n] = true
		}
	}
}

// WithDescriptionPrefix sets the ActionRequest description.
func WithDescriptionPrefix(prefix string) Option {
	return func(c *agentConfig) { c.descriptionPrefix = prefix }
}

// WithSchema replaces MessagesSchema(); the schema must declare MessagesKey
// as []model.Message and LLMCallsKey as int.
func WithSchema(s *graph.Schema) Option {
	return func(c *agentConfig) { c.schema = s }
}

// NewToolAgent builds the model/tool loop:
//
//	START → agent ⇄ tools
//	          ↓
//	         END
//
// The agent node calls m with the conversation and the tool specs. While its
// reply requests tools, the tools node executes them in order and appends one
// tool message per call; the reply without tool calls ends the run.
//
// Example:
//
//	g, _ := prebuilt.NewToolAgent(m, []tool.Tool{add, multiply}, prebuilt.WithSystemPrompt("Do arithmetic."))
//	r, _ := g.Compile(graph.WithStore(store.NewMemStore()))
//	res, _ := r.Invoke(ctx, "t-1", prebuilt.Input("3 + 4"))
func NewToolAgent(m model.ChatModel, tools []tool.Tool, opts ...Option) (*graph.StateGraph, error) {
	if m == nil {
		return nil, errors.New("tool agent requires a chat model")
	}
	reg, err := tool.NewRegistry(tools...)
	if err != nil {
		return nil, err
	}
	cfg := agentConfig{
		interruptOn:       make(map[string]bool),
		descriptionPrefix: "Tool execution requires approval",
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	for name := range cfg.interruptOn {
		if _, ok := reg.Get(name); !ok {
			return nil, fmt.Errorf("interrupt on %q: %w", name, tool.ErrUnknownTool)
		}
	}
	if cfg.schema == nil {
		cfg.schema = MessagesSchema()
	}

	g := graph.NewStateGraph(cfg.schema)
	if err := g.AddNode(AgentNode, agentNode(m, reg, cfg.systemPrompt)); err != nil {
		return nil, err
	}
	if err := g.AddNode(ToolsNode, toolsNode(reg, cfg)); err != nil {
		return nil, err
	}
	if err := g.AddEdge(graph.Start, AgentNode); err != nil {
		return nil, err
	}
	if err := g.AddConditionalEdges(AgentNode, ShouldContinue, ToolsNode, graph.End); err != nil {
		return nil, err
	}
	if err := g.AddEdge(ToolsNode, AgentNode); err != nil {
		return nil, err
	}
	return g, nil
}

// ShouldContinue routes to the tools node while the last message requests
// tool calls, and to End otherwise.
func ShouldContinue(_ context.Context, s graph.State) []graph.Target {
	msgs := Messages(s)
	if len(msgs) == 0 {
		return graph.To(graph.End)
	}
	last := msgs[len(msgs)-1]
	if last.Role == model.RoleAssistant && len(last.ToolCalls) > 0 {
		return graph.To(ToolsNode)
	}
	return graph.To(graph.End)
}

func agentNode(m model.ChatModel, reg *tool.Registry, systemPrompt string) graph.NodeFunc {
	specs := reg.Specs()
	return func(ctx context.Context, s graph.State) graph.NodeResult {
		msgs := Messages(s)
		if systemPrompt != "" {
			msgs = append([]model.Message{model.SystemMessage(systemPrompt)}, msgs...)
		}
		out, err := m.Chat(ctx, msgs, specs)
		if err != nil {
			return graph.NodeResult{Err: err}
		}
		return graph.NodeResult{Delta: graph.State{
			MessagesKey: []model.Message{model.AssistantMessage(out)},
			LLMCallsKey: 1,
		}}
	}
}

func toolsNode(reg *tool.Registry, cfg agentConfig) graph.NodeFunc {
	return func(ctx context.Context, s graph.State) graph.NodeResult {
		msgs := Messages(s)
		if len(msgs) == 0 || len(msgs[len(msgs)-1].ToolCalls) == 0 {
			return graph.NodeResult{}
		}
		calls := msgs[len(msgs)-1].ToolCalls

		decisions, err := reviewCalls(ctx, calls, cfg)
		if err != nil {
			return graph.NodeResult{Err: err}
		}
		if decisions == nil && hasGated(calls, cfg.interruptOn) {
			return graph.Suspend(actionRequest(calls, cfg))
		}

		var results []model.Message
		for _, call := range calls {
			if d, gated := decisions[call.ID]; gated {
				switch d.Type {
				case DecisionReject:
					results = append(results, model.ToolMessage(call, rejection(d)))
					continue
				case DecisionEdit:
					call.Input = d.Args
				}
			}
			results = append(results, model.ToolMessage(call, runTool(ctx, reg, call)))
		}
		return graph.NodeResult{Delta: graph.State{MessagesKey: results}}
	}
}

// runTool executes call and renders its output for the model. Tool failures
// become the message content so the model can react to them.
func runTool(ctx context.Context, reg *tool.Registry, call model.ToolCall) string {
	out, err := reg.Call(ctx, call)
	if err != nil {
		return "error: " + err.Error()
	}
	data, err := json.Marshal(out)
	if err != nil {
		return "error: tool output is not JSON-encodable: " + err.Error()
	}
	return string(data)
}

func rejection(d Decision) string {
	if d.Message != "" {
		return "rejected by reviewer: " + d.Message
	}
	return "rejected by reviewer"
}

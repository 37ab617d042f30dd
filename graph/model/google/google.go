// Package google adapts the Gemini API (generative-ai-go) to model.ChatModel.
package google

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/dshills/stepgraph/graph/model"
)

// DefaultModel is used when NewChatModel gets an empty model name.
const DefaultModel = "gemini-1.5-flash"

// ChatModel implements model.ChatModel on a long-lived genai client.
//
// Gemini function calls carry no identifiers, so the adapter assigns
// "<name>_<index>" IDs to the calls of each reply and matches tool messages
// back by Name.
type ChatModel struct {
	modelName string
	client    generator
}

// request is one completion: the conversation minus its final turn, plus
// the parts of that turn.
type request struct {
	system  *genai.Content
	tools   []*genai.Tool
	history []*genai.Content
	last    []genai.Part
}

type generator interface {
	generate(ctx context.Context, modelName string, req request) (*genai.GenerateContentResponse, error)
	close() error
}

type sdkClient struct {
	client *genai.Client
}

func (c *sdkClient) generate(ctx context.Context, modelName string, req request) (*genai.GenerateContentResponse, error) {
	gm := c.client.GenerativeModel(modelName)
	gm.SystemInstruction = req.system
	gm.Tools = req.tools
	cs := gm.StartChat()
	cs.History = req.history
	return cs.SendMessage(ctx, req.last...)
}

func (c *sdkClient) close() error {
	return c.client.Close()
}

// NewChatModel connects a Gemini model. Close releases the client.
func NewChatModel(ctx context.Context, apiKey, modelName string, opts ...option.ClientOption) (*ChatModel, error) {
	if apiKey == "" {
		return nil, errors.New("google API key is required")
	}
	if modelName == "" {
		modelName = DefaultModel
	}
	opts = append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Google client: %w", err)
	}
	return &ChatModel{modelName: modelName, client: &sdkClient{client: client}}, nil
}

// Close releases the underlying client.
func (m *ChatModel) Close() error {
	return m.client.close()
}

// Chat implements model.ChatModel.
func (m *ChatModel) Chat(ctx context.Context, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error) {
	if err := ctx.Err(); err != nil {
		return model.ChatOut{}, err
	}
	req, err := buildRequest(messages, tools)
	if err != nil {
		return model.ChatOut{}, err
	}
	resp, err := m.client.generate(ctx, m.modelName, req)
	if err != nil {
		return model.ChatOut{}, fmt.Errorf("google: %w", err)
	}
	out, err := convertResponse(resp)
	if err != nil {
		return model.ChatOut{}, err
	}
	out.Model = m.modelName
	return out, nil
}

func buildRequest(messages []model.Message, tools []model.ToolSpec) (request, error) {
	var req request
	var system []genai.Part
	var contents []*genai.Content

	for _, msg := range messages {
		switch msg.Role {
		case model.RoleSystem:
			system = append(system, genai.Text(msg.Content))
		case model.RoleAssistant:
			c := &genai.Content{Role: "model"}
			if msg.Content != "" {
				c.Parts = append(c.Parts, genai.Text(msg.Content))
			}
			for _, call := range msg.ToolCalls {
				c.Parts = append(c.Parts, genai.FunctionCall{Name: call.Name, Args: call.Input})
			}
			contents = append(contents, c)
		case model.RoleTool:
			part := genai.FunctionResponse{Name: msg.Name, Response: map[string]any{"result": msg.Content}}
			if n := len(contents); n > 0 && contents[n-1].Role == "user" && isFunctionResponse(contents[n-1]) {
				contents[n-1].Parts = append(contents[n-1].Parts, part)
				continue
			}
			contents = append(contents, &genai.Content{Role: "user", Parts: []genai.Part{part}})
		default:
			contents = append(contents, &genai.Content{Role: "user", Parts: []genai.Part{genai.Text(msg.Content)}})
		}
	}
	if len(contents) == 0 {
		return request{}, errors.New("google: conversation has no user or assistant turns")
	}

	if len(system) > 0 {
		req.system = &genai.Content{Parts: system}
	}
	if len(tools) > 0 {
		req.tools = convertTools(tools)
	}
	req.history = contents[:len(contents)-1]
	req.last = contents[len(contents)-1].Parts
	return req, nil
}

func isFunctionResponse(c *genai.Content) bool {
	for _, p := range c.Parts {
		if _, ok := p.(genai.FunctionResponse); !ok {
			return false
		}
	}
	return len(c.Parts) > 0
}

func convertTools(tools []model.ToolSpec) []*genai.Tool {
	decls := make([]*genai.FunctionDeclaration, len(tools))
	for i, t := range tools {
		decls[i] = &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  convertSchema(t.Schema),
		}
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// convertSchema maps the JSON Schema subset Gemini understands.
func convertSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}
	out := &genai.Schema{Type: convertType(schema["type"])}
	if desc, ok := schema["description"].(string); ok {
		out.Description = desc
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		out.Properties = make(map[string]*genai.Schema, len(props))
		for name, p := range props {
			if pm, ok := p.(map[string]any); ok {
				out.Properties[name] = convertSchema(pm)
			}
		}
	}
	if items, ok := schema["items"].(map[string]any); ok {
		out.Items = convertSchema(items)
	}
	out.Required = stringList(schema["required"])
	out.Enum = stringList(schema["enum"])
	return out
}

func convertType(v any) genai.Type {
	switch v {
	case "string":
		return genai.TypeString
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object", nil:
		return genai.TypeObject
	default:
		return genai.TypeUnspecified
	}
}

func stringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, s := range list {
			if str, ok := s.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

func convertResponse(resp *genai.GenerateContentResponse) (model.ChatOut, error) {
	var out model.ChatOut
	if resp == nil {
		return out, errors.New("google: empty response")
	}
	if resp.UsageMetadata != nil {
		out.Usage = model.Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != genai.BlockReasonUnspecified {
		return out, &SafetyFilterError{reason: resp.PromptFeedback.BlockReason.String(), category: "prompt"}
	}
	if len(resp.Candidates) == 0 {
		return out, errors.New("google: response has no candidates")
	}
	cand := resp.Candidates[0]
	if cand.FinishReason == genai.FinishReasonSafety {
		return out, &SafetyFilterError{reason: cand.FinishReason.String(), category: "candidate"}
	}
	if cand.Content == nil {
		return out, nil
	}

	var text []string
	for _, part := range cand.Content.Parts {
		switch p := part.(type) {
		case genai.Text:
			text = append(text, string(p))
		case genai.FunctionCall:
			out.ToolCalls = append(out.ToolCalls, model.ToolCall{
				ID:    fmt.Sprintf("%s_%d", p.Name, len(out.ToolCalls)),
				Name:  p.Name,
				Input: p.Args,
			})
		}
	}
	out.Text = strings.Join(text, "\n")
	return out, nil
}

// SafetyFilterError reports a prompt or reply blocked by Gemini's safety filters.
type SafetyFilterError struct {
	reason   string
	category string
}

func (e *SafetyFilterError) Error() string {
	return "content blocked by safety filter (" + e.category + "): " + e.reason
}

// Category is "prompt" or "candidate".
func (e *SafetyFilterError) Category() string { return e.category }

// Reason is the provider's block or finish reason.
func (e *SafetyFilterError) Reason() string { return e.reason }

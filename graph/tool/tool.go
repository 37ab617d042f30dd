// Package tool defines the tools an agent graph can execute on behalf of a
// chat model, and a registry that exposes them as model.ToolSpec.
package tool

import (
	"context"
	"errors"
	"fmt"

	"github.com/dshills/stepgraph/graph/model"
)

// Tool is an action a model may request.
//
// Example:
//
//	type Weather struct{}
//
//	func (Weather) Name() string        { return "get_weather" }
//	func (Weather) Description() string { return "Current weather for a city" }
//	func (Weather) Schema() map[string]any {
//	    return map[string]any{
//	        "type":       "object",
//	        "properties": map[string]any{"city": map[string]any{"type": "string"}},
//	        "required":   []string{"city"},
//	    }
//	}
//	func (Weather) Call(ctx context.Context, in map[string]any) (map[string]any, error) {
//	    return map[string]any{"city": in["city"], "temp_c": 21}, nil
//	}
type Tool interface {
	// Name is the identifier the model uses to call the tool.
	Name() string

	// Description tells the model when to use the tool.
	Description() string

	// Schema is a JSON Schema object for the input; nil for no input.
	Schema() map[string]any

	// Call runs the tool. Output must be JSON-encodable.
	Call(ctx context.Context, input map[string]any) (map[string]any, error)
}

// Func adapts a function to Tool.
type Func struct {
	ToolName    string
	Desc        string
	InputSchema map[string]any
	Fn          func(ctx context.Context, input map[string]any) (map[string]any, error)
}

// NewFunc builds a Func tool.
func NewFunc(name, description string, schema map[string]any, fn func(context.Context, map[string]any) (map[string]any, error)) *Func {
	return &Func{ToolName: name, Desc: description, InputSchema: schema, Fn: fn}
}

// Name implements Tool.
func (f *Func) Name() string { return f.ToolName }

// Description implements Tool.
func (f *Func) Description() string { return f.Desc }

// Schema implements Tool.
func (f *Func) Schema() map[string]any { return f.InputSchema }

// Call implements Tool.
func (f *Func) Call(ctx context.Context, input map[string]any) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.Fn(ctx, input)
}

// ErrUnknownTool is returned by Registry.Call for unregistered names.
var ErrUnknownTool = errors.New("unknown tool")

// Registry holds tools by name, in registration order.
type Registry struct {
	tools map[string]Tool
	order []string
}

// NewRegistry registers tools. It fails on empty or duplicate names.
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds t.
func (r *Registry) Register(t Tool) error {
	if t == nil || t.Name() == "" {
		return errors.New("tool must have a name")
	}
	if _, dup := r.tools[t.Name()]; dup {
		return fmt.Errorf("tool %q registered twice", t.Name())
	}
	r.tools[t.Name()] = t
	r.order = append(r.order, t.Name())
	return nil
}

// Get returns the tool registered as name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names lists registered tool names in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Specs describes every tool for a chat model, in registration order.
func (r *Registry) Specs() []model.ToolSpec {
	specs := make([]model.ToolSpec, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		specs = append(specs, model.ToolSpec{Name: name, Description: t.Description(), Schema: t.Schema()})
	}
	return specs
}

// Call runs the tool named by call.
func (r *Registry) Call(ctx context.Context, call model.ToolCall) (map[string]any, error) {
	t, ok := r.tools[call.Name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, call.Name)
	}
	return t.Call(ctx, call.Input)
}

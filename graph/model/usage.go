package model

import (
	"context"
	"sync"
	"time"
)

// Pricing is the USD price of a model per million tokens.
type Pricing struct {
	InputPer1M  float64
	OutputPer1M float64
}

// DefaultPricing holds list prices for common models. Unknown models cost 0.
var DefaultPricing = map[string]Pricing{
	"gpt-4o":                     {InputPer1M: 2.50, OutputPer1M: 10.00},
	"gpt-4o-mini":                {InputPer1M: 0.15, OutputPer1M: 0.60},
	"gpt-4-turbo":                {InputPer1M: 10.00, OutputPer1M: 30.00},
	"gpt-3.5-turbo":              {InputPer1M: 0.50, OutputPer1M: 1.50},
	"claude-3-5-sonnet-20241022": {InputPer1M: 3.00, OutputPer1M: 15.00},
	"claude-3-5-haiku-20241022":  {InputPer1M: 0.80, OutputPer1M: 4.00},
	"claude-3-opus-20240229":     {InputPer1M: 15.00, OutputPer1M: 75.00},
	"gemini-1.5-pro":             {InputPer1M: 1.25, OutputPer1M: 5.00},
	"gemini-1.5-flash":           {InputPer1M: 0.075, OutputPer1M: 0.30},
}

// Call is one recorded completion.
type Call struct {
	Model   string
	Usage   Usage
	CostUSD float64
	At      time.Time
}

// UsageTracker accumulates token usage and cost across completions. It is
// safe for concurrent use, so one tracker can serve every node of a fan-out.
type UsageTracker struct {
	pricing map[string]Pricing

	mu      sync.RWMutex
	calls   []Call
	total   float64
	byModel map[string]float64
	input   int64
	output  int64
}

// NewUsageTracker creates a tracker priced by pricing, DefaultPricing when nil.
func NewUsageTracker(pricing map[string]Pricing) *UsageTracker {
	if pricing == nil {
		pricing = DefaultPricing
	}
	return &UsageTracker{pricing: pricing, byModel: make(map[string]float64)}
}

// Record adds one completion and returns its cost.
func (t *UsageTracker) Record(model string, u Usage) float64 {
	p := t.pricing[model]
	cost := float64(u.InputTokens)/1_000_000*p.InputPer1M + float64(u.OutputTokens)/1_000_000*p.OutputPer1M

	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, Call{Model: model, Usage: u, CostUSD: cost, At: time.Now()})
	t.total += cost
	t.byModel[model] += cost
	t.input += int64(u.InputTokens)
	t.output += int64(u.OutputTokens)
	return cost
}

// TotalCost returns the accumulated cost in USD.
func (t *UsageTracker) TotalCost() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.total
}

// Tokens returns the accumulated input and output tokens.
func (t *UsageTracker) Tokens() (input, output int64) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.input, t.output
}

// CostByModel returns a copy of the per-model cost breakdown.
func (t *UsageTracker) CostByModel() map[string]float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]float64, len(t.byModel))
	for k, v := range t.byModel {
		out[k] = v
	}
	return out
}

// Calls returns a copy of the recorded completions in order.
func (t *UsageTracker) Calls() []Call {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Call(nil), t.calls...)
}

// Reset forgets every recorded completion.
func (t *UsageTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = nil
	t.total = 0
	t.byModel = make(map[string]float64)
	t.input, t.output = 0, 0
}

// Tracked wraps m so every successful completion is recorded in t. The
// reply's Model names the price; fallback is used when the provider left it
// empty.
func Tracked(m ChatModel, t *UsageTracker, fallback string) ChatModel {
	return &trackedModel{next: m, tracker: t, fallback: fallback}
}

type trackedModel struct {
	next     ChatModel
	tracker  *UsageTracker
	fallback string
}

func (tm *trackedModel) Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatOut, error) {
	out, err := tm.next.Chat(ctx, messages, tools)
	if err != nil {
		return out, err
	}
	name := out.Model
	if name == "" {
		name = tm.fallback
	}
	tm.tracker.Record(name, out.Usage)
	return out, nil
}

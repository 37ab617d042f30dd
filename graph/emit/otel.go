package emit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter implements Emitter by recording one span per event.
//
// Span attributes:
//   - stepgraph.thread_id, stepgraph.step, stepgraph.node_id
//   - stepgraph.checkpoint_id, stepgraph.interrupt_id, stepgraph.node.latency_ms
//     for the matching Meta keys
//   - every other Meta key under its own name
//
// node_error events set the span status to Error and record the error.
//
// Usage:
//
//	tracer := otel.Tracer("stepgraph")
//	emitter := emit.NewOTelEmitter(tracer)
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an emitter recording spans on tracer.
// A nil tracer uses the global provider's "stepgraph" tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	if tracer == nil {
		tracer = otel.Tracer("stepgraph")
	}
	return &OTelEmitter{tracer: tracer}
}

// Emit records a span for event.
func (o *OTelEmitter) Emit(event Event) {
	o.record(context.Background(), event)
}

// EmitBatch records one span per event under ctx.
func (o *OTelEmitter) EmitBatch(ctx context.Context, events []Event) error {
	for _, event := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		o.record(ctx, event)
	}
	return nil
}

func (o *OTelEmitter) record(ctx context.Context, event Event) {
	_, span := o.tracer.Start(ctx, event.Msg)
	defer span.End()

	span.SetAttributes(
		attribute.String("stepgraph.thread_id", event.ThreadID),
		attribute.Int("stepgraph.step", event.Step),
		attribute.String("stepgraph.node_id", event.NodeID),
	)
	for key, value := range event.Meta {
		span.SetAttributes(metaAttribute(key, value))
	}

	if msg, ok := event.Meta["error"].(string); ok {
		span.SetStatus(codes.Error, msg)
		span.RecordError(errors.New(msg))
	}
}

func metaAttribute(key string, value any) attribute.KeyValue {
	switch key {
	case "checkpoint_id":
		key = "stepgraph.checkpoint_id"
	case "interrupt_id":
		key = "stepgraph.interrupt_id"
	case "latency_ms":
		key = "stepgraph.node.latency_ms"
	}

	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	case bool:
		return attribute.Bool(key, v)
	case []string:
		return attribute.StringSlice(key, v)
	case time.Duration:
		return attribute.Int64(key, v.Milliseconds())
	default:
		return attribute.String(key, fmt.Sprintf("%v", v))
	}
}

// Flush forces the global tracer provider to export pending spans when it
// supports ForceFlush (the SDK provider does).
func (o *OTelEmitter) Flush(ctx context.Context) error {
	type flusher interface {
		ForceFlush(context.Context) error
	}
	if f, ok := otel.GetTracerProvider().(flusher); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}

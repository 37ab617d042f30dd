package emit

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestTracer(t *testing.T) (*OTelEmitter, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return NewOTelEmitter(tp.Tracer("test")), exporter
}

func attributeMap(attrs []attribute.KeyValue) map[string]any {
	m := make(map[string]any, len(attrs))
	for _, a := range attrs {
		m[string(a.Key)] = a.Value.AsInterface()
	}
	return m
}

func TestOTelEmitter_Emit(t *testing.T) {
	emitter, exporter := newTestTracer(t)

	emitter.Emit(Event{
		ThreadID: "t-1",
		Step:     1,
		NodeID:   "nodeA",
		Msg:      MsgNodeEnd,
		Meta: map[string]any{
			"checkpoint_id": "cp-9",
			"latency_ms":    int64(42),
			"tokens":        150,
		},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name != MsgNodeEnd {
		t.Errorf("span name = %q, want %q", span.Name, MsgNodeEnd)
	}

	attrs := attributeMap(span.Attributes)
	want := map[string]any{
		"stepgraph.thread_id":       "t-1",
		"stepgraph.step":            int64(1),
		"stepgraph.node_id":         "nodeA",
		"stepgraph.checkpoint_id":   "cp-9",
		"stepgraph.node.latency_ms": int64(42),
		"tokens":                    int64(150),
	}
	for k, v := range want {
		if attrs[k] != v {
			t.Errorf("%s = %v, want %v", k, attrs[k], v)
		}
	}
	if span.Status.Code == codes.Error {
		t.Error("successful event should not set error status")
	}
}

func TestOTelEmitter_ErrorStatus(t *testing.T) {
	emitter, exporter := newTestTracer(t)

	emitter.Emit(Event{ThreadID: "t", NodeID: "a", Msg: MsgNodeError, Meta: map[string]any{"error": "boom"}})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Status.Code != codes.Error {
		t.Errorf("status = %v, want Error", spans[0].Status.Code)
	}
	if spans[0].Status.Description != "boom" {
		t.Errorf("status description = %q", spans[0].Status.Description)
	}
	if len(spans[0].Events) == 0 {
		t.Error("expected recorded error event")
	}
}

func TestOTelEmitter_EmitBatch(t *testing.T) {
	emitter, exporter := newTestTracer(t)

	events := []Event{
		{ThreadID: "t", Msg: MsgRunStart},
		{ThreadID: "t", NodeID: "a", Msg: MsgNodeStart},
		{ThreadID: "t", Msg: MsgRunComplete},
	}
	if err := emitter.EmitBatch(context.Background(), events); err != nil {
		t.Fatalf("EmitBatch: %v", err)
	}
	if got := len(exporter.GetSpans()); got != 3 {
		t.Errorf("got %d spans, want 3", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := emitter.EmitBatch(ctx, events); err == nil {
		t.Error("expected context error")
	}
}

func TestMetaAttribute_Types(t *testing.T) {
	tests := []struct {
		key   string
		value any
		want  any
	}{
		{"s", "x", "x"},
		{"i", 3, int64(3)},
		{"i64", int64(4), int64(4)},
		{"f", 1.5, 1.5},
		{"b", true, true},
		{"ss", []string{"a", "b"}, []string{"a", "b"}},
		{"d", 2 * time.Second, int64(2000)},
		{"other", struct{ A int }{1}, "{1}"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			got := metaAttribute(tt.key, tt.value).Value.AsInterface()
			if ss, ok := tt.want.([]string); ok {
				gs, ok := got.([]string)
				if !ok || len(gs) != len(ss) || gs[0] != ss[0] || gs[1] != ss[1] {
					t.Errorf("got %v, want %v", got, ss)
				}
				return
			}
			if got != tt.want {
				t.Errorf("got %v (%T), want %v (%T)", got, got, tt.want, tt.want)
			}
		})
	}
	if key := metaAttribute("interrupt_id", "x").Key; key != "stepgraph.interrupt_id" {
		t.Errorf("interrupt_id key = %s", key)
	}
}

func TestOTelEmitter_NilTracer(t *testing.T) {
	emitter := NewOTelEmitter(nil)
	emitter.Emit(Event{ThreadID: "t", Msg: MsgRunStart})
	if err := emitter.Flush(context.Background()); err != nil {
		t.Errorf("Flush: %v", err)
	}
}

package emit

import "testing"

func TestEmitterImplementations(t *testing.T) {
	var _ Emitter = (*NullEmitter)(nil)
	var _ Emitter = (*BufferedEmitter)(nil)
	var _ Emitter = (*LogEmitter)(nil)
	var _ Emitter = (*OTelEmitter)(nil)
	var _ Emitter = (*MultiEmitter)(nil)
}

func TestNullEmitter(t *testing.T) {
	emitter := NewNullEmitter()
	emitter.Emit(Event{ThreadID: "t", Msg: MsgRunStart, Meta: map[string]any{"x": 1}})
	emitter.Emit(Event{})
}

func TestMultiEmitter(t *testing.T) {
	a := NewBufferedEmitter()
	b := NewBufferedEmitter()
	multi := NewMultiEmitter(a, nil, b)

	multi.Emit(Event{ThreadID: "t", Msg: MsgRunStart})
	multi.Emit(Event{ThreadID: "t", Msg: MsgRunComplete})

	for name, e := range map[string]*BufferedEmitter{"a": a, "b": b} {
		if got := len(e.History("t")); got != 2 {
			t.Errorf("emitter %s: got %d events, want 2", name, got)
		}
	}
}

func TestMultiEmitter_Empty(t *testing.T) {
	NewMultiEmitter().Emit(Event{ThreadID: "t", Msg: MsgRunStart})
}

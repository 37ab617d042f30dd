// Package emit delivers executor observability events to pluggable backends.
package emit

// Emitter receives observability events from graph execution.
//
// Implementations should be:
//   - Non-blocking: avoid slowing down supersteps
//   - Thread-safe: Emit is called concurrently from fan-out tasks
//   - Resilient: never panic; handle backend failures internally
type Emitter interface {
	// Emit sends an observability event to the configured backend.
	Emit(event Event)
}

// MultiEmitter fans every event out to several emitters in order.
type MultiEmitter struct {
	emitters []Emitter
}

// NewMultiEmitter combines emitters. Nil entries are skipped.
//
// Example:
//
//	em := emit.NewMultiEmitter(emit.NewLogEmitter(nil), emit.NewOTelEmitter(tracer))
func NewMultiEmitter(emitters ...Emitter) *MultiEmitter {
	m := &MultiEmitter{}
	for _, e := range emitters {
		if e != nil {
			m.emitters = append(m.emitters, e)
		}
	}
	return m
}

// Emit forwards event to every wrapped emitter.
func (m *MultiEmitter) Emit(event Event) {
	for _, e := range m.emitters {
		e.Emit(event)
	}
}

package graph

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
)

// Reducer merges an incoming partial value into the current value of a field.
//
// Reducers must be pure and must not mutate either argument. When several
// fan-out tasks write the same field in one superstep, their updates are
// applied in task order; reducers whose result should not depend on that
// order must be commutative.
type Reducer[T any] func(current, update T) T

// Number is the constraint for Sum.
type Number interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64
}

// Replace returns a reducer that keeps the update (last writer wins).
func Replace[T any]() Reducer[T] {
	return func(_, update T) T { return update }
}

// Append returns a reducer that concatenates update onto current.
// The result is always a new slice; neither input is aliased.
func Append[E any]() Reducer[[]E] {
	return func(current, update []E) []E {
		out := make([]E, 0, len(current)+len(update))
		out = append(out, current...)
		return append(out, update...)
	}
}

// Sum returns a reducer that adds update to current.
func Sum[N Number]() Reducer[N] {
	return func(current, update N) N { return current + update }
}

// FieldDecl declares one state field. Create values with Field or
// FieldWithDefault.
type FieldDecl interface {
	// Name returns the field name.
	Name() string

	// Type returns the Go type name of the field's values.
	Type() string

	defaultValue() (any, bool)
	merge(current any, present bool, update any) (any, error)
	decode(raw json.RawMessage) (any, error)
}

type field[T any] struct {
	name    string
	reducer Reducer[T]
	def     func() T
}

// Field declares a field of type T merged with reducer. A nil reducer means Replace.
//
// Absent fields are merged against the zero value of T.
func Field[T any](name string, reducer Reducer[T]) FieldDecl {
	return FieldWithDefault(name, reducer, nil)
}

// FieldWithDefault declares a field whose initial value is def().
// def is called for every new thread so defaults are never shared.
//
// Example:
//
//	graph.FieldWithDefault("messages", graph.Append[string](), func() []string { return []string{} })
func FieldWithDefault[T any](name string, reducer Reducer[T], def func() T) FieldDecl {
	if reducer == nil {
		reducer = Replace[T]()
	}
	return &field[T]{name: name, reducer: reducer, def: def}
}

func (f *field[T]) Name() string { return f.name }

func (f *field[T]) Type() string { return reflect.TypeFor[T]().String() }

func (f *field[T]) defaultValue() (any, bool) {
	if f.def == nil {
		return nil, false
	}
	return f.def(), true
}

func (f *field[T]) coerce(v any) (T, error) {
	var zero T
	if v == nil {
		return zero, nil
	}
	if t, ok := v.(T); ok {
		return t, nil
	}
	return zero, &FieldTypeError{Field: f.name, Want: f.Type(), Got: fmt.Sprintf("%T", v)}
}

func (f *field[T]) merge(current any, present bool, update any) (any, error) {
	u, err := f.coerce(update)
	if err != nil {
		return nil, err
	}
	var base T
	switch {
	case present:
		if base, err = f.coerce(current); err != nil {
			return nil, err
		}
	case f.def != nil:
		base = f.def()
	}
	return f.reducer(base, u), nil
}

func (f *field[T]) decode(raw json.RawMessage) (any, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, &FieldTypeError{Field: f.name, Want: f.Type(), Got: "undecodable JSON: " + err.Error()}
	}
	return v, nil
}

// Schema is the ordered set of field declarations for a graph's state.
type Schema struct {
	fields []FieldDecl
	index  map[string]FieldDecl
	err    error
}

// NewSchema builds a schema. Empty or duplicate field names are reported by
// Err and make Compile fail.
//
// Example:
//
//	schema := graph.NewSchema(
//	    graph.Field("foo", graph.Replace[string]()),
//	    graph.FieldWithDefault("bar", graph.Append[string](), func() []string { return []string{} }),
//	)
func NewSchema(fields ...FieldDecl) *Schema {
	s := &Schema{index: make(map[string]FieldDecl, len(fields))}
	var errs []error
	for _, f := range fields {
		switch {
		case f == nil || f.Name() == "":
			errs = append(errs, errors.New("schema field name cannot be empty"))
		case s.index[f.Name()] != nil:
			errs = append(errs, fmt.Errorf("duplicate schema field %q", f.Name()))
		default:
			s.fields = append(s.fields, f)
			s.index[f.Name()] = f
		}
	}
	s.err = errors.Join(errs...)
	return s
}

// Err reports declaration problems found by NewSchema.
func (s *Schema) Err() error {
	return s.err
}

// Fields returns the declared field names in declaration order.
func (s *Schema) Fields() []string {
	names := make([]string, len(s.fields))
	for i, f := range s.fields {
		names[i] = f.Name()
	}
	return names
}

// Field returns the declaration for name.
func (s *Schema) Field(name string) (FieldDecl, bool) {
	f, ok := s.index[name]
	return f, ok
}

// Defaults returns a fresh initial state holding every declared default.
func (s *Schema) Defaults() State {
	out := State{}
	for _, f := range s.fields {
		if v, ok := f.defaultValue(); ok {
			out[f.Name()] = v
		}
	}
	return out
}

// Merge applies partial onto current and returns the new state.
//
// Each field present in partial is combined with its current value (or
// default) by the field's reducer. Fields absent from partial are carried over
// unchanged. Neither argument is modified. On error nothing is applied.
func (s *Schema) Merge(current, partial State) (State, error) {
	for k := range partial {
		if _, ok := s.index[k]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownField, k)
		}
	}
	out := current.Clone()
	for _, f := range s.fields {
		update, ok := partial[f.Name()]
		if !ok {
			continue
		}
		cur, present := current[f.Name()]
		v, err := f.merge(cur, present, update)
		if err != nil {
			return nil, err
		}
		out[f.Name()] = v
	}
	return out, nil
}

// Encode serializes a state (full or partial) to JSON.
func (s *Schema) Encode(st State) ([]byte, error) {
	if st == nil {
		st = State{}
	}
	data, err := json.Marshal(map[string]any(st))
	if err != nil {
		return nil, fmt.Errorf("failed to encode state: %w", err)
	}
	return data, nil
}

// Decode restores a state encoded by Encode, giving every field its declared
// Go type (a []string field comes back as []string, not []any).
func (s *Schema) Decode(data []byte) (State, error) {
	out := State{}
	if len(data) == 0 || string(data) == "null" {
		return out, nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode state: %w", err)
	}
	for k, v := range raw {
		f, ok := s.index[k]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownField, k)
		}
		val, err := f.decode(v)
		if err != nil {
			return nil, err
		}
		out[k] = val
	}
	return out, nil
}

// Package graph provides the core step-graph executor for stepgraph.
package graph

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dshills/stepgraph/graph/store"
)

// ErrMaxStepsExceeded indicates that a run reached the maximum allowed number
// of supersteps without completing. This prevents infinite loops.
var ErrMaxStepsExceeded = errors.New("execution exceeded maximum steps limit")

// ErrThreadSuspended is returned by Invoke when called without input on a
// thread that is waiting for interrupt decisions. Use Resume instead.
var ErrThreadSuspended = errors.New("thread is suspended: resume it with decisions for its pending interrupts")

// ErrUnknownField is returned when a partial update names a field the schema
// does not declare.
var ErrUnknownField = errors.New("unknown state field")

// ErrNoStore is returned by Compile when no checkpoint store was configured.
var ErrNoStore = errors.New("a checkpoint store is required")

// ErrCheckpointNotFound is store.ErrCheckpointNotFound re-exported for callers
// that only import graph.
var ErrCheckpointNotFound = store.ErrCheckpointNotFound

// ErrStaleCheckpoint is store.ErrStaleCheckpoint re-exported for callers that
// only import graph. It is returned when another writer advanced the thread
// while a superstep was running.
var ErrStaleCheckpoint = store.ErrStaleCheckpoint

// DuplicateNodeError is returned by AddNode when the name is already taken.
type DuplicateNodeError struct {
	Node string
}

func (e *DuplicateNodeError) Error() string {
	return fmt.Sprintf("duplicate node %q", e.Node)
}

// UnknownNodeError reports a reference to a node that is not registered, at
// build time (edges) or at run time (routes outside the declared set).
type UnknownNodeError struct {
	Node string

	// From is the node whose edge or route referenced Node, when known.
	From string
}

func (e *UnknownNodeError) Error() string {
	if e.From != "" {
		return fmt.Sprintf("unknown node %q (referenced from %q)", e.Node, e.From)
	}
	return fmt.Sprintf("unknown node %q", e.Node)
}

// GraphValidationError lists every structural problem Compile found.
type GraphValidationError struct {
	Problems []string
}

func (e *GraphValidationError) Error() string {
	return "invalid graph: " + strings.Join(e.Problems, "; ")
}

// FieldTypeError is returned when a value does not match its field's declared type.
type FieldTypeError struct {
	Field string
	Want  string
	Got   string
}

func (e *FieldTypeError) Error() string {
	return fmt.Sprintf("field %q: want %s, got %s", e.Field, e.Want, e.Got)
}

// UnknownInterruptError is returned by Resume when a decision names an
// interrupt that is not pending on the thread. Nothing is written.
type UnknownInterruptError struct {
	ThreadID string
	IDs      []string
}

func (e *UnknownInterruptError) Error() string {
	return fmt.Sprintf("thread %q has no pending interrupt(s) %s", e.ThreadID, strings.Join(e.IDs, ", "))
}

// StepExecutionError wraps a failure inside a superstep. The thread keeps
// CheckpointID, its last good checkpoint, and Invoke with nil input retries
// from there.
type StepExecutionError struct {
	Node         string
	ThreadID     string
	CheckpointID string
	Cause        error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step %q failed on thread %q (last checkpoint %s): %v",
		e.Node, e.ThreadID, e.CheckpointID, e.Cause)
}

func (e *StepExecutionError) Unwrap() error {
	return e.Cause
}

// PanicError carries a recovered node panic.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("node panicked: %v", e.Value)
}

// EngineError represents a misuse of the executor API.
type EngineError struct {
	Message string
	Code    string
}

func (e *EngineError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

package graph

import (
	"fmt"
	"time"

	"github.com/dshills/stepgraph/graph/emit"
	"github.com/dshills/stepgraph/graph/store"
	"github.com/dshills/stepgraph/log"
)

// Default limits applied by Compile.
const (
	DefaultMaxSteps       = 25
	DefaultMaxConcurrency = 8
)

// Option is a functional option for Compile.
//
// Example:
//
//	r, err := g.Compile(
//	    graph.WithStore(store.NewMemStore()),
//	    graph.WithEmitter(emit.NewLogEmitter(nil)),
//	    graph.WithMaxSteps(50),
//	    graph.WithMaxConcurrency(16),
//	    graph.WithNodeTimeout(10*time.Second),
//	)
type Option func(*config) error

// config collects options before Compile builds the Runnable.
type config struct {
	store          store.Store
	emitter        emit.Emitter
	metrics        Metrics
	logger         log.Logger
	maxSteps       int
	maxConcurrency int
	nodeTimeout    time.Duration
	name           string
}

func defaultConfig() config {
	return config{
		emitter:        emit.NewNullEmitter(),
		metrics:        nopMetrics{},
		logger:         log.Default,
		maxSteps:       DefaultMaxSteps,
		maxConcurrency: DefaultMaxConcurrency,
	}
}

// WithStore sets the checkpoint store. It is required: every thread's
// history lives in it.
func WithStore(s store.Store) Option {
	return func(cfg *config) error {
		if s == nil {
			return &EngineError{Message: "store cannot be nil", Code: "INVALID_OPTION"}
		}
		cfg.store = s
		return nil
	}
}

// WithEmitter sets the observability event sink. Default: emit.NullEmitter.
func WithEmitter(e emit.Emitter) Option {
	return func(cfg *config) error {
		if e == nil {
			e = emit.NewNullEmitter()
		}
		cfg.emitter = e
		return nil
	}
}

// WithMetrics enables metrics collection.
//
// Example:
//
//	registry := prometheus.NewRegistry()
//	r, _ := g.Compile(graph.WithStore(st), graph.WithMetrics(graph.NewPrometheusMetrics(registry)))
func WithMetrics(m Metrics) Option {
	return func(cfg *config) error {
		if m == nil {
			m = nopMetrics{}
		}
		cfg.metrics = m
		return nil
	}
}

// WithLogger sets the logger for executor debug lines. Default: log.Default.
func WithLogger(l log.Logger) Option {
	return func(cfg *config) error {
		if l == nil {
			l = log.Default
		}
		cfg.logger = l
		return nil
	}
}

// WithMaxSteps limits the number of supersteps a single Invoke, Stream or
// Resume call may run. Default: 25.
//
// Loops (A → B → A) are fully supported; the limit stops a loop whose exit
// condition never fires. When it is reached the call returns
// ErrMaxStepsExceeded and the thread keeps every checkpoint written so far,
// so a later Invoke with nil input continues from there.
func WithMaxSteps(n int) Option {
	return func(cfg *config) error {
		if n <= 0 {
			return &EngineError{Message: fmt.Sprintf("max steps must be positive, got %d", n), Code: "INVALID_OPTION"}
		}
		cfg.maxSteps = n
		return nil
	}
}

// WithMaxConcurrency bounds how many tasks of one superstep run at the same
// time. Default: 8.
//
// Tuning guidance:
//   - CPU-bound nodes: runtime.NumCPU()
//   - I/O-bound nodes: 10-50 depending on external service limits
func WithMaxConcurrency(n int) Option {
	return func(cfg *config) error {
		if n <= 0 {
			return &EngineError{Message: fmt.Sprintf("max concurrency must be positive, got %d", n), Code: "INVALID_OPTION"}
		}
		cfg.maxConcurrency = n
		return nil
	}
}

// WithNodeTimeout sets the default per-execution timeout for every node.
// A node's own Timeout option takes precedence. Default: 0 (no timeout).
func WithNodeTimeout(d time.Duration) Option {
	return func(cfg *config) error {
		if d < 0 {
			return &EngineError{Message: "node timeout cannot be negative", Code: "INVALID_OPTION"}
		}
		cfg.nodeTimeout = d
		return nil
	}
}

// WithName labels checkpoints written by this graph (metadata key "graph").
func WithName(name string) Option {
	return func(cfg *config) error {
		cfg.name = name
		return nil
	}
}

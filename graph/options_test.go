package graph

import (
	"errors"
	"testing"
	"time"

	"github.com/dshills/stepgraph/graph/emit"
	"github.com/dshills/stepgraph/graph/store"
)

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()
	if cfg.maxSteps != DefaultMaxSteps || cfg.maxConcurrency != DefaultMaxConcurrency {
		t.Errorf("defaults = %d/%d", cfg.maxSteps, cfg.maxConcurrency)
	}
	if cfg.emitter == nil || cfg.metrics == nil || cfg.logger == nil {
		t.Error("defaults must never leave collaborators nil")
	}
	if cfg.store != nil {
		t.Error("store has no default")
	}
}

func TestOptions_Apply(t *testing.T) {
	mem := store.NewMemStore()
	buf := emit.NewBufferedEmitter()
	cfg := defaultConfig()
	for _, opt := range []Option{
		WithStore(mem),
		WithEmitter(buf),
		WithMaxSteps(50),
		WithMaxConcurrency(2),
		WithNodeTimeout(time.Second),
		WithName("demo"),
		WithMetrics(nil),
		WithLogger(nil),
	} {
		must(t, opt(&cfg))
	}
	if cfg.store != mem || cfg.emitter != buf {
		t.Error("store or emitter not applied")
	}
	if cfg.maxSteps != 50 || cfg.maxConcurrency != 2 || cfg.nodeTimeout != time.Second || cfg.name != "demo" {
		t.Errorf("cfg = %+v", cfg)
	}
	if _, ok := cfg.metrics.(nopMetrics); !ok {
		t.Errorf("nil metrics should fall back to nop, got %T", cfg.metrics)
	}
	if cfg.logger == nil {
		t.Error("nil logger should fall back to the default")
	}
}

func TestOptions_Invalid(t *testing.T) {
	tests := []struct {
		name string
		opt  Option
	}{
		{"nil store", WithStore(nil)},
		{"zero steps", WithMaxSteps(0)},
		{"negative concurrency", WithMaxConcurrency(-1)},
		{"negative timeout", WithNodeTimeout(-time.Second)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			err := tt.opt(&cfg)
			var engErr *EngineError
			if !errors.As(err, &engErr) || engErr.Code != "INVALID_OPTION" {
				t.Errorf("got %v, want INVALID_OPTION", err)
			}
		})
	}
}

func TestCompile_OptionErrorsSurface(t *testing.T) {
	g := linearGraph(t)
	if _, err := g.Compile(WithStore(store.NewMemStore()), WithMaxSteps(-1)); err == nil {
		t.Error("Compile should return option errors")
	}
	if _, err := g.Compile(); !errors.Is(err, ErrNoStore) {
		t.Errorf("Compile without store = %v, want ErrNoStore", err)
	}
}

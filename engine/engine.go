package engine

import (
	"context"

	"github.com/tetratelabs/wazero"

	"github.com/hostbridge/vm-bridge/errors"
)

// Engine wraps a wazero runtime configured for bridge guests. One engine
// can load one guest at a time; the collector ownership rule is enforced
// a level up, in the session package.
type Engine struct {
	runtime wazero.Runtime
}

// Config holds configuration for engine creation.
type Config struct {
	// MemoryLimitPages caps guest memory in 64KB pages. 0 means the
	// wazero default (4GB).
	MemoryLimitPages uint32

	// EntryExport is the export invoked by CallEntry. Defaults to
	// "entry".
	EntryExport string

	// TickExport is the optional export invoked by Tick. Guests without
	// internal timers can omit it. Defaults to "tick".
	TickExport string
}

func (c *Config) withDefaults() Config {
	out := Config{}
	if c != nil {
		out = *c
	}
	if out.EntryExport == "" {
		out.EntryExport = "entry"
	}
	if out.TickExport == "" {
		out.TickExport = "tick"
	}
	return out
}

// New creates an engine.
func New(ctx context.Context) (*Engine, error) {
	return NewWithConfig(ctx, nil)
}

// NewWithConfig creates an engine with custom configuration.
func NewWithConfig(ctx context.Context, cfg *Config) (*Engine, error) {
	runtimeCfg := wazero.NewRuntimeConfig()
	if cfg != nil && cfg.MemoryLimitPages > 0 {
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(cfg.MemoryLimitPages)
	}
	return &Engine{runtime: wazero.NewRuntimeWithConfig(ctx, runtimeCfg)}, nil
}

// NewRuntime returns a guest runtime backed by this engine. The guest
// module is attached later with LoadModule.
func (e *Engine) NewRuntime(ctx context.Context, cfg *Config) (*Runtime, error) {
	rt := newRuntime(e, cfg.withDefaults())
	if err := rt.instantiateHostModule(ctx); err != nil {
		return nil, errors.Wrap(errors.PhaseLoad, errors.KindInvalidInput, err, "instantiate host bridge module")
	}
	return rt, nil
}

// Close releases the engine and every module instantiated from it.
func (e *Engine) Close(ctx context.Context) error {
	return e.runtime.Close(ctx)
}

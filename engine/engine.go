package engine

import (
	"context"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-bridge/errors"
)

// InitializeExport is the reactor start function.
const InitializeExport = "_initialize"

// Config holds configuration for engine creation
type Config struct {
	// MemoryLimitPages sets the maximum memory per instance in pages (64KB each).
	// 0 means default (65536 pages = 4GB).
	// 256 = 16MB, 1024 = 64MB, 4096 = 256MB
	MemoryLimitPages uint32

	// CloseOnContextDone makes guest calls abort when their context ends.
	CloseOnContextDone bool
}

// RuntimeConfig converts cfg into a wazero runtime configuration.
func (cfg *Config) RuntimeConfig() wazero.RuntimeConfig {
	rc := wazero.NewRuntimeConfig()
	if cfg == nil {
		return rc
	}
	if cfg.MemoryLimitPages > 0 {
		rc = rc.WithMemoryLimitPages(cfg.MemoryLimitPages)
	}
	if cfg.CloseOnContextDone {
		rc = rc.WithCloseOnContextDone(true)
	}
	return rc
}

// Engine owns the wazero runtime that hosts the guest and its imports.
type Engine struct {
	runtime wazero.Runtime
}

// New creates an engine. cfg may be nil.
func New(ctx context.Context, cfg *Config) *Engine {
	return &Engine{runtime: wazero.NewRuntimeWithConfig(ctx, cfg.RuntimeConfig())}
}

// Runtime exposes the underlying runtime for host module registration.
func (e *Engine) Runtime() wazero.Runtime {
	return e.runtime
}

// Compile validates and compiles a guest binary.
func (e *Engine) Compile(ctx context.Context, wasm []byte) (wazero.CompiledModule, error) {
	if len(wasm) == 0 {
		return nil, errors.InvalidInput(errors.PhaseInstantiate, "empty guest binary")
	}
	compiled, err := e.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseInstantiate, errors.KindInvalidData, err, "compile guest")
	}
	Logger().Debug("guest compiled",
		zap.Int("bytes", len(wasm)),
		zap.Int("imports", len(compiled.ImportedFunctions())),
		zap.Int("exports", len(compiled.ExportedFunctions())))
	return compiled, nil
}

// Instantiate instantiates compiled under name. The reactor initializer
// runs as part of instantiation when the guest exports it.
func (e *Engine) Instantiate(ctx context.Context, compiled wazero.CompiledModule, name string) (api.Module, error) {
	cfg := wazero.NewModuleConfig().WithName(name).WithStartFunctions()
	if _, ok := compiled.ExportedFunctions()[InitializeExport]; ok {
		cfg = cfg.WithStartFunctions(InitializeExport)
	}

	mod, err := e.runtime.InstantiateModule(ctx, compiled, cfg)
	if err != nil {
		return nil, errors.Instantiation(err)
	}
	return mod, nil
}

// Close releases the runtime and every module instantiated in it.
func (e *Engine) Close(ctx context.Context) error {
	return e.runtime.Close(ctx)
}

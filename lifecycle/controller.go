package lifecycle

import (
	"context"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-bridge/capability"
	"github.com/wippyai/wasm-bridge/engine"
	"github.com/wippyai/wasm-bridge/errors"
	"github.com/wippyai/wasm-bridge/imports"
	"github.com/wippyai/wasm-bridge/liveness"
	"github.com/wippyai/wasm-bridge/metrics"
	"github.com/wippyai/wasm-bridge/payload"
)

// Options configures a Controller.
type Options struct {
	Capabilities capability.Capabilities
	Logger       *zap.Logger
	Metrics      *metrics.Metrics

	// MemoryLimitPages caps guest memory in 64KiB pages. 0 means no cap.
	MemoryLimitPages uint32

	// MaxLogLevel is passed to the guest's init export. Defaults to info.
	MaxLogLevel capability.LogLevel

	// ModuleName names the guest module in the runtime. Defaults to "guest".
	ModuleName string
}

// Controller bootstraps a single guest instance.
type Controller struct {
	caps    *capability.Capabilities
	flag    *liveness.Flag
	logger  *zap.Logger
	metrics *metrics.Metrics
	opts    Options
}

// New validates opts and returns a controller in the uninstantiated state.
func New(opts Options) (*Controller, error) {
	caps := opts.Capabilities
	if err := caps.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MaxLogLevel == 0 {
		opts.MaxLogLevel = capability.LevelInfo
	}
	if opts.ModuleName == "" {
		opts.ModuleName = "guest"
	}

	c := &Controller{
		caps:    &caps,
		flag:    liveness.New(),
		logger:  opts.Logger,
		metrics: opts.Metrics,
		opts:    opts,
	}
	c.flag.Observe(func(from, to liveness.State) {
		c.metrics.InstanceState(int(to))
		c.logger.Debug("instance state changed",
			zap.Stringer("from", from), zap.Stringer("to", to))
	})
	return c, nil
}

// State returns the current liveness state.
func (c *Controller) State() liveness.State {
	return c.flag.State()
}

// Observe registers a liveness transition observer.
func (c *Controller) Observe(o liveness.Observer) {
	c.flag.Observe(o)
}

// Start instantiates the guest from store. It may be called once.
func (c *Controller) Start(ctx context.Context, store *payload.Store) (*Instance, error) {
	if !c.flag.Start() {
		return nil, errors.State(c.flag.State().String(), liveness.Starting.String())
	}

	inst, err := c.start(ctx, store)
	if err != nil {
		if c.flag.Kill() {
			c.metrics.InstanceDied("start")
		}
		c.logger.Error("guest start failed", zap.Error(err))
		return nil, err
	}
	return inst, nil
}

func (c *Controller) start(ctx context.Context, store *payload.Store) (*Instance, error) {
	if store == nil {
		return nil, errors.InvalidInput(errors.PhasePayload, "payload store is nil")
	}
	wasm, err := store.Binary(c.caps.DecodeAndDecompress)
	if err != nil {
		return nil, err
	}

	env := imports.NewEnv(c.caps, c.flag, c.logger)
	guest, wasi := imports.Guest(env), imports.WASI(env)

	eng := engine.New(ctx, &engine.Config{
		MemoryLimitPages:   c.opts.MemoryLimitPages,
		CloseOnContextDone: true,
	})
	inst := newInstance(c, eng)
	env.KillAll.Set(func(reason string) { inst.kill(reason) })

	mod, err := c.instantiate(ctx, eng, wasm, guest, wasi)
	if err != nil {
		inst.kill("start")
		_ = eng.Close(ctx)
		return nil, err
	}
	inst.mod = mod

	env.Handle.Set(inst)
	if !c.flag.Live() {
		_ = eng.Close(ctx)
		return nil, errors.State(c.flag.State().String(), liveness.Live.String())
	}

	if _, err := inst.Call(ctx, ExportInit, uint64(c.opts.MaxLogLevel)); err != nil {
		inst.kill("init")
		_ = eng.Close(ctx)
		return nil, err
	}
	c.logger.Info("guest started",
		zap.String("module", c.opts.ModuleName),
		zap.Int("wasm_bytes", len(wasm)))
	return inst, nil
}

func (c *Controller) instantiate(ctx context.Context, eng *engine.Engine, wasm []byte, namespaces ...*imports.Namespace) (api.Module, error) {
	for _, ns := range namespaces {
		if _, err := ns.Instantiate(ctx, eng.Runtime()); err != nil {
			return nil, err
		}
	}

	compiled, err := eng.Compile(ctx, wasm)
	if err != nil {
		return nil, err
	}
	if err := checkGuest(compiled, namespaces...); err != nil {
		return nil, err
	}
	return eng.Instantiate(ctx, compiled, c.opts.ModuleName)
}

func checkGuest(compiled wazero.CompiledModule, namespaces ...*imports.Namespace) error {
	if err := imports.CheckImports(compiled, namespaces...); err != nil {
		return err
	}
	for _, name := range requiredExports {
		if _, ok := compiled.ExportedFunctions()[name]; !ok {
			return errors.NotFound(errors.PhaseInstantiate, "export", name)
		}
	}
	if _, ok := compiled.ExportedMemories()["memory"]; !ok {
		return errors.NotFound(errors.PhaseInstantiate, "export", "memory")
	}
	return nil
}

// Verify compiles wasm and checks it against the host imports and the
// exports the bridge calls, without instantiating it.
func Verify(ctx context.Context, wasm []byte) error {
	eng := engine.New(ctx, nil)
	defer eng.Close(ctx)

	compiled, err := eng.Compile(ctx, wasm)
	if err != nil {
		return err
	}
	defer compiled.Close(ctx)

	caps := capability.Default(nil)
	env := imports.NewEnv(&caps, liveness.New(), nil)
	return checkGuest(compiled, imports.Guest(env), imports.WASI(env))
}

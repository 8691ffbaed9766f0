package imports

import (
	"context"
	"sort"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-bridge/capability"
	"github.com/wippyai/wasm-bridge/connection"
	"github.com/wippyai/wasm-bridge/engine"
	"github.com/wippyai/wasm-bridge/errors"
	"github.com/wippyai/wasm-bridge/internal/deferred"
	"github.com/wippyai/wasm-bridge/liveness"
)

// Handle is the view of the running instance the imports need.
type Handle interface {
	// Buffer returns the host buffer the guest is reading by index.
	Buffer(index uint32) ([]byte, bool)
	// StartTimer schedules a timer_finished call after ms milliseconds.
	StartTimer(ms float64)
	// AdvanceExecutionReady schedules an advance_execution call.
	AdvanceExecutionReady()
	// ConnectionSink returns the sink routing events for connection id.
	ConnectionSink(id uint32) connection.Sink
	// AddConnection tracks a connection opened by the guest.
	AddConnection(id uint32, conn connection.Connection) error
	// ResetConnection closes and forgets a connection.
	ResetConnection(id uint32)
	// StreamSend queues outbound bytes on a connection.
	StreamSend(ctx context.Context, id uint32, data []byte)
	// StreamSendClose half-closes a connection.
	StreamSendClose(id uint32)
}

// KillFunc tears down the instance. reason names the fatal error kind.
type KillFunc func(reason string)

// Env is shared by both namespaces.
type Env struct {
	Caps    *capability.Capabilities
	Flag    *liveness.Flag
	Handle  *deferred.Slot[Handle]
	KillAll *deferred.Slot[KillFunc]
	Logger  *zap.Logger

	taskMu sync.Mutex
	tasks  []string
}

// NewEnv creates an env with empty handle and kill-all slots.
func NewEnv(caps *capability.Capabilities, flag *liveness.Flag, logger *zap.Logger) *Env {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Env{
		Caps:    caps,
		Flag:    flag,
		Handle:  &deferred.Slot[Handle]{},
		KillAll: &deferred.Slot[KillFunc]{},
		Logger:  logger,
	}
}

// handle returns the bound instance, logging when it is not yet available.
func (e *Env) handle(name string) (Handle, bool) {
	h, ok := e.Handle.Get()
	if !ok {
		e.Logger.Debug("import called before instance is bound", zap.String("import", name))
	}
	return h, ok
}

// guard rejects calls once the instance is dead.
func (e *Env) guard(name string, fn api.GoModuleFunc) api.GoModuleFunc {
	return func(ctx context.Context, mod api.Module, stack []uint64) {
		if e.Flag.Dead() {
			panic(errors.PostDeath(name))
		}
		fn(ctx, mod, stack)
	}
}

// fatal kills the instance, reports message to the panic sink and unwinds
// the guest with err.
func (e *Env) fatal(err *errors.Error, message string) {
	if kill, ok := e.KillAll.Get(); ok {
		kill(string(err.Kind))
	} else {
		e.Flag.Kill()
	}
	e.Logger.Error("guest failed", zap.String("kind", string(err.Kind)), zap.String("message", message))
	e.Caps.OnPanic(message)
	panic(err)
}

// fault fails the instance for a guest bug detected in import name.
func (e *Env) fault(name string, cause error, format string, args ...any) {
	err := errors.New(errors.PhaseRuntime, errors.KindPanic).
		Import(name).
		Cause(cause).
		Detail(format, args...).
		Build()
	e.fatal(err, err.Error())
}

// memory returns the guest memory or fails the instance.
func (e *Env) memory(mod api.Module) *engine.Memory {
	mem, err := engine.MemoryOf(mod)
	if err != nil {
		e.fault("memory", err, "guest memory unavailable")
	}
	return mem
}

// read copies guest memory or fails the instance on a bad pointer.
func (e *Env) read(mod api.Module, ptr, length uint32) []byte {
	data, err := e.memory(mod).ReadBytes(ptr, length)
	if err != nil {
		e.fault("memory", err, "invalid guest pointer")
	}
	return data
}

func (e *Env) readString(mod api.Module, ptr, length uint32) string {
	return string(e.read(mod, ptr, length))
}

func (e *Env) enterTask(name string) {
	e.taskMu.Lock()
	e.tasks = append(e.tasks, name)
	e.taskMu.Unlock()
}

func (e *Env) exitTask() (string, bool) {
	e.taskMu.Lock()
	defer e.taskMu.Unlock()
	if len(e.tasks) == 0 {
		return "", false
	}
	name := e.tasks[len(e.tasks)-1]
	e.tasks = e.tasks[:len(e.tasks)-1]
	return name, true
}

// HostFunc is one function exported to the guest.
type HostFunc struct {
	Fn      api.GoModuleFunc
	Name    string
	Params  []api.ValueType
	Results []api.ValueType
}

// Namespace is a named table of host functions.
type Namespace struct {
	Name  string
	Funcs []HostFunc
}

// Has reports whether the namespace exports name.
func (n *Namespace) Has(name string) bool {
	for _, f := range n.Funcs {
		if f.Name == name {
			return true
		}
	}
	return false
}

// Names returns the exported function names in sorted order.
func (n *Namespace) Names() []string {
	names := make([]string, len(n.Funcs))
	for i, f := range n.Funcs {
		names[i] = f.Name
	}
	sort.Strings(names)
	return names
}

// Instantiate registers the namespace as a host module in r.
func (n *Namespace) Instantiate(ctx context.Context, r wazero.Runtime) (api.Module, error) {
	builder := r.NewHostModuleBuilder(n.Name)
	for _, f := range n.Funcs {
		builder.NewFunctionBuilder().
			WithGoModuleFunction(f.Fn, f.Params, f.Results).
			Export(f.Name)
	}
	mod, err := builder.Instantiate(ctx)
	if err != nil {
		return nil, errors.Registration(n.Name, "*", err)
	}
	return mod, nil
}

func (e *Env) define(ns *Namespace, name string, params, results []api.ValueType, fn api.GoModuleFunc) {
	ns.Funcs = append(ns.Funcs, HostFunc{
		Name:    name,
		Params:  params,
		Results: results,
		Fn:      e.guard(name, fn),
	})
}

// CheckImports reports every function the guest imports that none of the
// namespaces provide.
func CheckImports(compiled wazero.CompiledModule, namespaces ...*Namespace) error {
	byName := make(map[string]*Namespace, len(namespaces))
	for _, ns := range namespaces {
		byName[ns.Name] = ns
	}

	missing := &errors.MissingImportsError{}
	for _, def := range compiled.ImportedFunctions() {
		module, name, _ := def.Import()
		if ns, ok := byName[module]; ok && ns.Has(name) {
			continue
		}
		missing.Add(module, name, origin(module))
	}
	if len(missing.Imports) > 0 {
		return missing
	}
	return nil
}

func origin(module string) errors.Origin {
	switch module {
	case GuestNamespace:
		return errors.OriginGuest
	case WASINamespace:
		return errors.OriginSystem
	default:
		return errors.OriginForeign
	}
}

var (
	i32 = api.ValueTypeI32
	i64 = api.ValueTypeI64
	f64 = api.ValueTypeF64
)

func types(vt ...api.ValueType) []api.ValueType {
	return vt
}

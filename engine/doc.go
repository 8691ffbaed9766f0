// Package engine wraps the wazero runtime used to host the guest.
//
// An Engine owns one wazero.Runtime. Host namespaces are instantiated into
// that runtime first, then the guest is compiled and instantiated against
// them:
//
//	eng := engine.New(ctx, &engine.Config{MemoryLimitPages: 1024})
//	defer eng.Close(ctx)
//
//	compiled, err := eng.Compile(ctx, wasmBytes)
//	mod, err := eng.Instantiate(ctx, compiled, "guest")
//
// Guests built as WASI reactors export _initialize; Instantiate runs it as
// the start function when present and never runs _start.
//
// # Memory
//
// Memory wraps the guest's exported linear memory with bounds-checked
// accessors that return out_of_bounds errors instead of ok flags.
//
// # Thread Safety
//
// Engine is safe for concurrent use. Guest modules are not; callers must
// serialize calls into one instance.
package engine

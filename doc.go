// Package wasmbridge hosts a sandboxed WebAssembly light-client guest.
//
// The guest ships as a compressed, chunked payload. The bridge decodes it,
// binds the host functions the guest imports, instantiates it on wazero and
// then drives it: JSON-RPC requests in, responses and logs out, with timers
// and network connections serviced on the guest's behalf.
//
// # Architecture Overview
//
//	wasmbridge/          Root package with the Start shorthand
//	├── payload/         zlib+base64 chunk codec, chunk store, manifest
//	├── capability/      Host services and output sinks handed to the guest
//	├── connection/      Multiaddr parsing, TCP/WebSocket dialer, connection table
//	├── liveness/        Atomic uninstantiated/starting/live/dead flag
//	├── imports/         Host function namespaces (guest ABI and WASI subset)
//	├── lifecycle/       Controller, instance handle, event loop
//	├── engine/          wazero runtime and memory helpers
//	├── metrics/         Prometheus collectors
//	├── config/          viper-backed configuration
//	└── errors/          Structured error types
//
// # Quick Start
//
//	store, _, err := payload.ReadDir("guest")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	caps := capability.Default(logger)
//	caps.OnJSONRPCResponse = func(chain uint32, resp string) {
//	    fmt.Println(resp)
//	}
//
//	inst, err := wasmbridge.Start(ctx, store, lifecycle.Options{Capabilities: caps})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer inst.Close(ctx)
//
//	go inst.Run(ctx)
//	err = inst.JSONRPCSend(ctx, 0, `{"jsonrpc":"2.0","id":1,"method":"system_health","params":[]}`)
//
// # Liveness
//
// A guest panic, proc_exit or trap kills the instance. Killing is
// idempotent: every connection is closed, timers stop, and every later
// host call or export call fails with an error matching ErrInstanceDead.
// A dead instance is never restarted; create a new one.
//
// # Thread Safety
//
// Instance serializes entries into the guest. Run owns event delivery and
// may run alongside Call and JSONRPCSend from other goroutines.
package wasmbridge

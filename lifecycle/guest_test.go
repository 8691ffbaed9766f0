package lifecycle

import (
	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-bridge/capability"
	"github.com/wippyai/wasm-bridge/imports"
	"github.com/wippyai/wasm-bridge/internal/wasmtest"
	"github.com/wippyai/wasm-bridge/liveness"
)

// Guest memory layout used by testGuest.
const (
	addrTarget     = 0    // "lc"
	addrInit       = 16   // "init"
	addrAdvance    = 32   // "advance"
	addrTimer      = 48   // "timer"
	addrPing       = 64   // "ping"
	addrBoom       = 80   // "boom"
	addrDescriptor = 128  // written by tests
	addrScratch    = 1024 // buffer_copy destination
)

type guestOptions struct {
	initPanics bool
	initExits  bool
	// rejectRPC makes json_rpc_send return 1 without responding.
	rejectRPC bool
}

func valTypes(vts []api.ValueType) []wasmtest.ValType {
	out := make([]wasmtest.ValType, len(vts))
	for i, vt := range vts {
		out[i] = wasmtest.ValType(vt)
	}
	return out
}

// testGuest assembles a guest that imports every host function and
// implements the host-driven exports:
//
//   - init(level) logs "init" at level and requests advance_execution
//   - advance_execution logs "advance"
//   - json_rpc_send(buf, chain) echoes the request as the response
//   - timer_finished logs "timer"
//   - connection_open_single_stream(id, n) sends "ping"
//   - stream_message(id, buf) responds with the message on chain id
//   - connection_reset(id, buf) logs the reason at error level under "reset"
//
// Extra exports: arm_timer, connect(id, ptr, len), crash, exit, log, trap.
func testGuest(opts guestOptions) []byte {
	caps := capability.Default(nil)
	env := imports.NewEnv(&caps, liveness.New(), nil)

	m := &wasmtest.Module{
		MemoryPages:  1,
		ExportMemory: true,
		Data: []wasmtest.Data{
			{Offset: addrTarget, Bytes: []byte("lc")},
			{Offset: addrInit, Bytes: []byte("init")},
			{Offset: addrAdvance, Bytes: []byte("advance")},
			{Offset: addrTimer, Bytes: []byte("timer")},
			{Offset: addrPing, Bytes: []byte("ping")},
			{Offset: addrBoom, Bytes: []byte("boom")},
			{Offset: addrScratch - 16, Bytes: []byte("reset")},
		},
	}
	for _, ns := range []*imports.Namespace{imports.Guest(env), imports.WASI(env)} {
		for _, f := range ns.Funcs {
			m.Imports = append(m.Imports, wasmtest.Import{
				Module: ns.Name,
				Name:   f.Name,
				Type:   wasmtest.FuncType{Params: valTypes(f.Params), Results: valTypes(f.Results)},
			})
		}
	}

	g := func(name string) uint32 { return m.ImportIndex(imports.GuestNamespace, name) }
	w := func(name string) uint32 { return m.ImportIndex(imports.WASINamespace, name) }
	code := wasmtest.NewCode
	I32 := wasmtest.I32
	two := []wasmtest.ValType{I32, I32}

	logAt := func(level int32, addr, n int32) *wasmtest.Code {
		return code().I32(level).I32(addrTarget).I32(2).I32(addr).I32(n).Call(g("log"))
	}

	initBody := code().LocalGet(0).I32(addrTarget).I32(2).I32(addrInit).I32(4).Call(g("log")).
		Call(g("advance_execution_ready"))
	if opts.initPanics {
		initBody = initBody.I32(addrBoom).I32(4).Call(g("panic"))
	}
	if opts.initExits {
		initBody = initBody.I32(1).Call(w("proc_exit"))
	}

	rpc := code().
		LocalGet(0).Call(g("buffer_size")).LocalSet(2).
		LocalGet(0).I32(addrScratch).Call(g("buffer_copy")).
		I32(addrScratch).LocalGet(2).LocalGet(1).Call(g("json_rpc_respond")).
		I32(0)
	if opts.rejectRPC {
		rpc = code().I32(1)
	}

	m.Funcs = []wasmtest.Func{
		{Export: ExportInit, Type: wasmtest.FuncType{Params: []wasmtest.ValType{I32}}, Body: initBody},
		{Export: ExportAdvanceExecution, Body: logAt(3, addrAdvance, 7)},
		{
			Export: ExportJSONRPCSend,
			Type:   wasmtest.FuncType{Params: two, Results: []wasmtest.ValType{I32}},
			Locals: []wasmtest.ValType{I32},
			Body:   rpc,
		},
		{Export: ExportTimerFinished, Body: logAt(3, addrTimer, 5)},
		{
			Export: ExportConnectionOpen,
			Type:   wasmtest.FuncType{Params: two},
			Body:   code().LocalGet(0).I32(addrPing).I32(4).Call(g("stream_send")),
		},
		{
			Export: ExportStreamMessage,
			Type:   wasmtest.FuncType{Params: two},
			Locals: []wasmtest.ValType{I32},
			Body: code().
				LocalGet(1).Call(g("buffer_size")).LocalSet(2).
				LocalGet(1).I32(addrScratch).Call(g("buffer_copy")).
				I32(addrScratch).LocalGet(2).LocalGet(0).Call(g("json_rpc_respond")),
		},
		{Export: ExportStreamWritable, Type: wasmtest.FuncType{Params: two}},
		{
			Export: ExportConnectionReset,
			Type:   wasmtest.FuncType{Params: two},
			Locals: []wasmtest.ValType{I32},
			Body: code().
				LocalGet(1).Call(g("buffer_size")).LocalSet(2).
				LocalGet(1).I32(addrScratch).Call(g("buffer_copy")).
				I32(1).I32(addrScratch - 16).I32(5).I32(addrScratch).LocalGet(2).Call(g("log")),
		},
		{Export: "arm_timer", Body: code().F64(5).Call(g("start_timer"))},
		{
			Export: "connect",
			Type:   wasmtest.FuncType{Params: []wasmtest.ValType{I32, I32, I32}, Results: []wasmtest.ValType{I32}},
			Body:   code().LocalGet(0).LocalGet(1).LocalGet(2).Call(g("connection_new")),
		},
		{Export: "crash", Body: code().I32(addrBoom).I32(4).Call(g("panic"))},
		{Export: "exit", Body: code().I32(1).Call(w("proc_exit"))},
		{Export: "log", Body: logAt(3, addrInit, 4)},
		{Export: "trap", Body: code().Unreachable()},
	}
	return m.Encode()
}

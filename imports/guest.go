package imports

import (
	"context"
	"time"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-bridge/capability"
	"github.com/wippyai/wasm-bridge/connection"
	"github.com/wippyai/wasm-bridge/errors"
)

// GuestNamespace is the module name of the guest-specific imports.
const GuestNamespace = "smoldot"

// Results of connection_new.
const (
	connectOK     = 0
	connectFailed = 1
)

// Guest builds the guest-specific namespace.
func Guest(e *Env) *Namespace {
	ns := &Namespace{Name: GuestNamespace}

	e.define(ns, "panic", types(i32, i32), nil, func(_ context.Context, mod api.Module, stack []uint64) {
		msg := e.readString(mod, api.DecodeU32(stack[0]), api.DecodeU32(stack[1]))
		e.fatal(errors.Panic(msg), msg)
	})

	e.define(ns, "log", types(i32, i32, i32, i32, i32), nil, func(_ context.Context, mod api.Module, stack []uint64) {
		level := capability.LogLevel(api.DecodeU32(stack[0]))
		target := e.readString(mod, api.DecodeU32(stack[1]), api.DecodeU32(stack[2]))
		msg := e.readString(mod, api.DecodeU32(stack[3]), api.DecodeU32(stack[4]))
		e.Caps.OnLog(level, target, msg)
	})

	e.define(ns, "unix_timestamp_us", nil, types(i64), func(_ context.Context, _ api.Module, stack []uint64) {
		stack[0] = api.EncodeI64(time.Now().UnixMicro())
	})

	e.define(ns, "monotonic_clock_us", nil, types(i64), func(_ context.Context, _ api.Module, stack []uint64) {
		stack[0] = api.EncodeI64(int64(e.Caps.Now() * 1000))
	})

	e.define(ns, "start_timer", types(f64), nil, func(_ context.Context, _ api.Module, stack []uint64) {
		if h, ok := e.handle("start_timer"); ok {
			h.StartTimer(api.DecodeF64(stack[0]))
		}
	})

	e.define(ns, "buffer_size", types(i32), types(i32), func(_ context.Context, _ api.Module, stack []uint64) {
		idx := api.DecodeU32(stack[0])
		stack[0] = 0
		h, ok := e.handle("buffer_size")
		if !ok {
			return
		}
		buf, ok := h.Buffer(idx)
		if !ok {
			e.fault("buffer_size", nil, "unknown buffer %d", idx)
		}
		stack[0] = api.EncodeU32(uint32(len(buf)))
	})

	e.define(ns, "buffer_copy", types(i32, i32), nil, func(_ context.Context, mod api.Module, stack []uint64) {
		idx, ptr := api.DecodeU32(stack[0]), api.DecodeU32(stack[1])
		h, ok := e.handle("buffer_copy")
		if !ok {
			return
		}
		buf, ok := h.Buffer(idx)
		if !ok {
			e.fault("buffer_copy", nil, "unknown buffer %d", idx)
		}
		if err := e.memory(mod).Write(ptr, buf); err != nil {
			e.fault("buffer_copy", err, "copy buffer %d", idx)
		}
	})

	e.define(ns, "json_rpc_respond", types(i32, i32, i32), nil, func(_ context.Context, mod api.Module, stack []uint64) {
		resp := e.readString(mod, api.DecodeU32(stack[0]), api.DecodeU32(stack[1]))
		e.Caps.OnJSONRPCResponse(api.DecodeU32(stack[2]), resp)
	})

	e.define(ns, "database_content_ready", types(i32, i32, i32), nil, func(_ context.Context, mod api.Module, stack []uint64) {
		content := e.readString(mod, api.DecodeU32(stack[0]), api.DecodeU32(stack[1]))
		e.Caps.OnDatabaseContent(api.DecodeU32(stack[2]), content)
	})

	e.define(ns, "advance_execution_ready", nil, nil, func(context.Context, api.Module, []uint64) {
		if h, ok := e.handle("advance_execution_ready"); ok {
			h.AdvanceExecutionReady()
		}
	})

	e.define(ns, "current_task_entered", types(i32, i32), nil, func(_ context.Context, mod api.Module, stack []uint64) {
		name := e.readString(mod, api.DecodeU32(stack[0]), api.DecodeU32(stack[1]))
		e.enterTask(name)
		if e.Caps.OnCurrentTask != nil {
			e.Caps.OnCurrentTask(name, true)
		}
	})

	e.define(ns, "current_task_exit", nil, nil, func(context.Context, api.Module, []uint64) {
		name, ok := e.exitTask()
		if ok && e.Caps.OnCurrentTask != nil {
			e.Caps.OnCurrentTask(name, false)
		}
	})

	e.define(ns, "connection_type_supported", types(i32), types(i32), func(_ context.Context, _ api.Module, stack []uint64) {
		kind := connection.Kind(api.DecodeU32(stack[0]))
		stack[0] = 0
		if kind.Known() && e.Caps.Connect.Supports(kind) {
			stack[0] = 1
		}
	})

	e.define(ns, "connection_new", types(i32, i32, i32), types(i32), func(ctx context.Context, mod api.Module, stack []uint64) {
		id := api.DecodeU32(stack[0])
		descriptor := e.readString(mod, api.DecodeU32(stack[1]), api.DecodeU32(stack[2]))
		stack[0] = connectFailed

		h, ok := e.handle("connection_new")
		if !ok {
			return
		}
		conn, err := e.Caps.Connect.Connect(ctx, descriptor, h.ConnectionSink(id))
		if err != nil {
			e.Logger.Debug("connection refused",
				zap.Uint32("id", id), zap.String("address", descriptor), zap.Error(err))
			return
		}
		if err := h.AddConnection(id, conn); err != nil {
			_ = conn.Close()
			e.Logger.Debug("connection not tracked", zap.Uint32("id", id), zap.Error(err))
			return
		}
		stack[0] = connectOK
	})

	e.define(ns, "reset_connection", types(i32), nil, func(_ context.Context, _ api.Module, stack []uint64) {
		if h, ok := e.handle("reset_connection"); ok {
			h.ResetConnection(api.DecodeU32(stack[0]))
		}
	})

	e.define(ns, "stream_send", types(i32, i32, i32), nil, func(ctx context.Context, mod api.Module, stack []uint64) {
		id := api.DecodeU32(stack[0])
		data := e.read(mod, api.DecodeU32(stack[1]), api.DecodeU32(stack[2]))
		if h, ok := e.handle("stream_send"); ok {
			h.StreamSend(ctx, id, data)
		}
	})

	e.define(ns, "stream_send_close", types(i32), nil, func(_ context.Context, _ api.Module, stack []uint64) {
		if h, ok := e.handle("stream_send_close"); ok {
			h.StreamSendClose(api.DecodeU32(stack[0]))
		}
	})

	return ns
}

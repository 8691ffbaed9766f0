package imports

import (
	"context"
	"strings"
	"time"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-bridge/capability"
	"github.com/wippyai/wasm-bridge/engine"
	"github.com/wippyai/wasm-bridge/errors"
)

// WASINamespace is the module name of the system-interface imports.
const WASINamespace = "wasi_snapshot_preview1"

// WASI errno values.
const (
	errnoSuccess = 0
	errnoBadf    = 8
	errnoFault   = 21
	errnoInval   = 28
)

const (
	clockRealtime  = 0
	clockMonotonic = 1
)

// WASI builds the system-interface namespace. The guest sees no
// environment variables or arguments; stdout and stderr go to the log sink.
func WASI(e *Env) *Namespace {
	ns := &Namespace{Name: WASINamespace}

	zeroPair := func(_ context.Context, mod api.Module, stack []uint64) {
		mem, err := engine.MemoryOf(mod)
		if err != nil {
			stack[0] = errnoFault
			return
		}
		if mem.WriteU32(api.DecodeU32(stack[0]), 0) != nil || mem.WriteU32(api.DecodeU32(stack[1]), 0) != nil {
			stack[0] = errnoFault
			return
		}
		stack[0] = errnoSuccess
	}
	noop := func(_ context.Context, _ api.Module, stack []uint64) {
		stack[0] = errnoSuccess
	}

	e.define(ns, "environ_sizes_get", types(i32, i32), types(i32), zeroPair)
	e.define(ns, "environ_get", types(i32, i32), types(i32), noop)
	e.define(ns, "args_sizes_get", types(i32, i32), types(i32), zeroPair)
	e.define(ns, "args_get", types(i32, i32), types(i32), noop)

	e.define(ns, "random_get", types(i32, i32), types(i32), func(_ context.Context, mod api.Module, stack []uint64) {
		ptr, length := api.DecodeU32(stack[0]), api.DecodeU32(stack[1])
		mem, err := engine.MemoryOf(mod)
		if err != nil {
			stack[0] = errnoFault
			return
		}
		buf, err := mem.View(ptr, length)
		if err != nil {
			stack[0] = errnoFault
			return
		}
		e.Caps.FillRandom(buf)
		stack[0] = errnoSuccess
	})

	e.define(ns, "clock_time_get", types(i32, i64, i32), types(i32), func(_ context.Context, mod api.Module, stack []uint64) {
		id, out := api.DecodeU32(stack[0]), api.DecodeU32(stack[2])
		var nanos uint64
		switch id {
		case clockRealtime:
			nanos = uint64(time.Now().UnixNano())
		case clockMonotonic:
			nanos = uint64(e.Caps.Now() * 1e6)
		default:
			stack[0] = errnoInval
			return
		}
		mem, err := engine.MemoryOf(mod)
		if err != nil || mem.WriteU64(out, nanos) != nil {
			stack[0] = errnoFault
			return
		}
		stack[0] = errnoSuccess
	})

	e.define(ns, "fd_write", types(i32, i32, i32, i32), types(i32), func(_ context.Context, mod api.Module, stack []uint64) {
		fd := api.DecodeU32(stack[0])
		iovs, iovsLen, nwritten := api.DecodeU32(stack[1]), api.DecodeU32(stack[2]), api.DecodeU32(stack[3])

		var level capability.LogLevel
		var target string
		switch fd {
		case 1:
			level, target = capability.LevelInfo, "stdout"
		case 2:
			level, target = capability.LevelError, "stderr"
		default:
			stack[0] = errnoBadf
			return
		}

		mem, err := engine.MemoryOf(mod)
		if err != nil {
			stack[0] = errnoFault
			return
		}
		var b strings.Builder
		for i := uint32(0); i < iovsLen; i++ {
			base := iovs + i*8
			ptr, err1 := mem.ReadU32(base)
			n, err2 := mem.ReadU32(base + 4)
			if err1 != nil || err2 != nil {
				stack[0] = errnoFault
				return
			}
			s, err := mem.ReadString(ptr, n)
			if err != nil {
				stack[0] = errnoFault
				return
			}
			b.WriteString(s)
		}
		if mem.WriteU32(nwritten, uint32(b.Len())) != nil {
			stack[0] = errnoFault
			return
		}
		if text := strings.TrimRight(b.String(), "\n"); text != "" {
			e.Caps.OnLog(level, target, text)
		}
		stack[0] = errnoSuccess
	})

	e.define(ns, "sched_yield", nil, types(i32), noop)

	e.define(ns, "proc_exit", types(i32), nil, func(_ context.Context, _ api.Module, stack []uint64) {
		err := errors.AbnormalExit(api.DecodeU32(stack[0]))
		e.fatal(err, err.Detail)
	})

	return ns
}

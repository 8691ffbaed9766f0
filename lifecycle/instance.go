package lifecycle

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-bridge/capability"
	"github.com/wippyai/wasm-bridge/connection"
	"github.com/wippyai/wasm-bridge/engine"
	"github.com/wippyai/wasm-bridge/errors"
	"github.com/wippyai/wasm-bridge/imports"
	"github.com/wippyai/wasm-bridge/liveness"
	"github.com/wippyai/wasm-bridge/metrics"
)

// Guest exports driven by the host.
const (
	ExportInit             = "init"
	ExportAdvanceExecution = "advance_execution"
	ExportJSONRPCSend      = "json_rpc_send"
	ExportTimerFinished    = "timer_finished"
	ExportConnectionOpen   = "connection_open_single_stream"
	ExportStreamMessage    = "stream_message"
	ExportStreamWritable   = "stream_writable_bytes"
	ExportConnectionReset  = "connection_reset"
)

var requiredExports = []string{
	ExportInit,
	ExportAdvanceExecution,
	ExportJSONRPCSend,
	ExportTimerFinished,
	ExportConnectionOpen,
	ExportStreamMessage,
	ExportStreamWritable,
	ExportConnectionReset,
}

var _ imports.Handle = (*Instance)(nil)

// Instance is a live guest. All methods are safe for concurrent use;
// calls into the guest are serialized.
type Instance struct {
	caps    *capability.Capabilities
	flag    *liveness.Flag
	engine  *engine.Engine
	mod     api.Module
	conns   *connection.Table
	logger  *zap.Logger
	metrics *metrics.Metrics
	mailbox *mailbox
	limiter *throttle
	done    chan struct{}

	reason atomic.Value

	callMu sync.Mutex

	bufMu   sync.Mutex
	buffers map[uint32][]byte
	nextBuf uint32

	timerMu sync.Mutex
	timers  map[*time.Timer]struct{}

	advancePending atomic.Bool
	closeOnce      sync.Once
}

func newInstance(c *Controller, eng *engine.Engine) *Instance {
	return &Instance{
		caps:    c.caps,
		flag:    c.flag,
		engine:  eng,
		conns:   connection.NewTable(),
		logger:  c.logger,
		metrics: c.metrics,
		mailbox: newMailbox(),
		limiter: newThrottle(c.caps.CPURateLimit),
		done:    make(chan struct{}),
		buffers: make(map[uint32][]byte),
		timers:  make(map[*time.Timer]struct{}),
	}
}

// Module returns the guest module.
func (i *Instance) Module() api.Module {
	return i.mod
}

// State returns the liveness state.
func (i *Instance) State() liveness.State {
	return i.flag.State()
}

// Done is closed when the instance dies.
func (i *Instance) Done() <-chan struct{} {
	return i.done
}

// kill is the kill-all action. Only the first call has any effect; it
// reports whether this call killed the instance.
func (i *Instance) kill(reason string) bool {
	if !i.flag.Kill() {
		return false
	}
	i.reason.Store(reason)
	close(i.done)
	i.metrics.InstanceDied(reason)
	i.stopTimers()
	if err := i.conns.CloseAll(); err != nil {
		i.logger.Debug("closing connections", zap.Error(err))
	}
	i.logger.Warn("instance killed", zap.String("reason", reason))
	return true
}

func (i *Instance) deathError() error {
	reason, _ := i.reason.Load().(string)
	return errors.New(errors.PhaseRuntime, errors.KindPostDeath).
		Detail("instance died: %s", reason).
		Build()
}

// Call invokes a guest export. It fails once the instance is dead.
func (i *Instance) Call(ctx context.Context, export string, args ...uint64) ([]uint64, error) {
	i.callMu.Lock()
	defer i.callMu.Unlock()
	return i.call(ctx, export, args...)
}

func (i *Instance) call(ctx context.Context, export string, args ...uint64) ([]uint64, error) {
	if i.flag.Dead() {
		return nil, errors.New(errors.PhaseRuntime, errors.KindPostDeath).
			Export(export).
			Detail("instance is dead").
			Build()
	}
	fn := i.mod.ExportedFunction(export)
	if fn == nil {
		return nil, errors.NotFound(errors.PhaseRuntime, "export", export)
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Interrupted(export, err)
	}
	if err := i.limiter.wait(ctx); err != nil {
		return nil, errors.Interrupted(export, err)
	}

	i.metrics.GuestCall(export)
	start := time.Now()
	res, err := fn.Call(ctx, args...)
	i.limiter.consumed(time.Since(start))
	if err == nil {
		return res, nil
	}

	var be *errors.Error
	if stderrors.As(err, &be) {
		return nil, err
	}
	if interrupted(ctx, err) {
		// The runtime closes the module when ctx ends mid-call.
		i.kill("interrupted")
		cause := ctx.Err()
		if cause == nil {
			cause = err
		}
		return nil, errors.Interrupted(export, cause)
	}
	trap := errors.New(errors.PhaseRuntime, errors.KindPanic).
		Export(export).
		Cause(err).
		Detail("guest trapped").
		Build()
	if i.kill(string(errors.KindPanic)) {
		i.caps.OnPanic(trap.Error())
	}
	return nil, trap
}

func interrupted(ctx context.Context, err error) bool {
	var exit *sys.ExitError
	if stderrors.As(err, &exit) {
		switch exit.ExitCode() {
		case sys.ExitCodeContextCanceled, sys.ExitCodeDeadlineExceeded:
			return true
		}
	}
	return ctx.Err() != nil
}

// JSONRPCSend hands a request to the guest for chainID.
func (i *Instance) JSONRPCSend(ctx context.Context, chainID uint32, request string) error {
	i.callMu.Lock()
	defer i.callMu.Unlock()

	idx := i.pushBuffer([]byte(request))
	defer i.dropBuffer(idx)

	res, err := i.call(ctx, ExportJSONRPCSend, uint64(idx), uint64(chainID))
	if err != nil {
		return err
	}
	if len(res) > 0 && uint32(res[0]) != 0 {
		return errors.New(errors.PhaseRuntime, errors.KindInvalidInput).
			Export(ExportJSONRPCSend).
			Value(uint32(res[0])).
			Detail("guest rejected request for chain %d (code %d)", chainID, uint32(res[0])).
			Build()
	}
	return nil
}

// Close shuts the instance down without reporting a panic. It may be
// called from a capability callback while the guest is running; the
// runtime is then released once that call returns.
func (i *Instance) Close(ctx context.Context) error {
	var err error
	i.closeOnce.Do(func() {
		i.kill("closed")
		if i.callMu.TryLock() {
			defer i.callMu.Unlock()
			err = i.engine.Close(ctx)
			return
		}
		go func() {
			i.callMu.Lock()
			defer i.callMu.Unlock()
			if err := i.engine.Close(context.Background()); err != nil {
				i.logger.Debug("closing runtime", zap.Error(err))
			}
		}()
	})
	return err
}

func (i *Instance) pushBuffer(data []byte) uint32 {
	i.bufMu.Lock()
	defer i.bufMu.Unlock()
	idx := i.nextBuf
	i.nextBuf++
	i.buffers[idx] = data
	return idx
}

func (i *Instance) dropBuffer(idx uint32) {
	i.bufMu.Lock()
	delete(i.buffers, idx)
	i.bufMu.Unlock()
}

// Buffer implements imports.Handle.
func (i *Instance) Buffer(idx uint32) ([]byte, bool) {
	i.bufMu.Lock()
	defer i.bufMu.Unlock()
	b, ok := i.buffers[idx]
	return b, ok
}

// StartTimer implements imports.Handle.
func (i *Instance) StartTimer(ms float64) {
	if ms < 0 {
		ms = 0
	}
	d := time.Duration(ms * float64(time.Millisecond))

	i.timerMu.Lock()
	defer i.timerMu.Unlock()
	if i.flag.Dead() {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		i.timerMu.Lock()
		delete(i.timers, t)
		i.timerMu.Unlock()
		i.mailbox.push(event{kind: eventTimer})
	})
	i.timers[t] = struct{}{}
}

func (i *Instance) stopTimers() {
	i.timerMu.Lock()
	defer i.timerMu.Unlock()
	for t := range i.timers {
		t.Stop()
	}
	i.timers = make(map[*time.Timer]struct{})
}

// AdvanceExecutionReady implements imports.Handle.
func (i *Instance) AdvanceExecutionReady() {
	if i.advancePending.CompareAndSwap(false, true) {
		i.mailbox.push(event{kind: eventAdvance})
	}
}

// ConnectionSink implements imports.Handle.
func (i *Instance) ConnectionSink(id uint32) connection.Sink {
	return &connSink{mailbox: i.mailbox, id: id}
}

// AddConnection implements imports.Handle.
func (i *Instance) AddConnection(id uint32, conn connection.Connection) error {
	return i.conns.Insert(id, conn)
}

// ResetConnection implements imports.Handle.
func (i *Instance) ResetConnection(id uint32) {
	if conn, ok := i.conns.Remove(id); ok {
		_ = conn.Close()
	}
}

// StreamSend implements imports.Handle.
func (i *Instance) StreamSend(ctx context.Context, id uint32, data []byte) {
	conn, ok := i.conns.Get(id)
	if !ok {
		i.logger.Debug("send on unknown connection", zap.Uint32("id", id))
		return
	}
	if err := conn.Send(ctx, data); err != nil {
		i.logger.Debug("send failed", zap.Uint32("id", id), zap.Error(err))
	}
}

// StreamSendClose implements imports.Handle.
func (i *Instance) StreamSendClose(id uint32) {
	conn, ok := i.conns.Get(id)
	if !ok {
		return
	}
	if err := conn.CloseSend(); err != nil {
		i.logger.Debug("close-send failed", zap.Uint32("id", id), zap.Error(err))
	}
}

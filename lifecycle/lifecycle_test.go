package lifecycle

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/wippyai/wasm-bridge/capability"
	"github.com/wippyai/wasm-bridge/errors"
	"github.com/wippyai/wasm-bridge/internal/wasmtest"
	"github.com/wippyai/wasm-bridge/liveness"
	"github.com/wippyai/wasm-bridge/metrics"
	"github.com/wippyai/wasm-bridge/payload"
)

const waitFor = 5 * time.Second

type recorder struct {
	mu        sync.Mutex
	panics    []string
	logs      []string
	responses []string
}

func (r *recorder) caps() capability.Capabilities {
	caps := capability.Default(nil)
	caps.OnPanic = func(m string) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.panics = append(r.panics, m)
	}
	caps.OnLog = func(level capability.LogLevel, target, msg string) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.logs = append(r.logs, fmt.Sprintf("%s %s: %s", level, target, msg))
	}
	caps.OnJSONRPCResponse = func(chain uint32, resp string) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.responses = append(r.responses, fmt.Sprintf("%d:%s", chain, resp))
	}
	return caps
}

func (r *recorder) panicList() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.panics...)
}

func (r *recorder) logList() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.logs...)
}

func (r *recorder) responseList() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.responses...)
}

func (r *recorder) hasLog(s string) func() bool {
	return func() bool {
		for _, l := range r.logList() {
			if l == s {
				return true
			}
		}
		return false
	}
}

func storeFor(t *testing.T, wasm []byte) *payload.Store {
	t.Helper()
	chunks, err := payload.Encode(wasm, 256)
	require.NoError(t, err)
	return payload.FromStrings(chunks)
}

func newController(t *testing.T, rec *recorder, mutate ...func(*Options)) *Controller {
	t.Helper()
	opts := Options{Capabilities: rec.caps(), Logger: zaptest.NewLogger(t)}
	for _, fn := range mutate {
		fn(&opts)
	}
	ctrl, err := New(opts)
	require.NoError(t, err)
	return ctrl
}

func startGuest(t *testing.T, opts guestOptions) (*Instance, *recorder) {
	t.Helper()
	rec := &recorder{}
	ctrl := newController(t, rec)
	inst, err := ctrl.Start(context.Background(), storeFor(t, testGuest(opts)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = inst.Close(context.Background()) })
	return inst, rec
}

// runInBackground runs the event loop until the test ends.
func runInBackground(t *testing.T, inst *Instance) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = inst.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func writeDescriptor(t *testing.T, inst *Instance, descriptor string) uint64 {
	t.Helper()
	require.True(t, inst.Module().Memory().Write(addrDescriptor, []byte(descriptor)))
	return uint64(len(descriptor))
}

// serveOnce accepts connections, echoes the first 4 bytes and closes.
func serveOnce(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				buf := make([]byte, 4)
				if _, err := io.ReadFull(conn, buf); err != nil {
					return
				}
				_, _ = conn.Write(buf)
			}()
		}
	}()
	return fmt.Sprintf("/ip4/127.0.0.1/tcp/%d", ln.Addr().(*net.TCPAddr).Port)
}

func TestStart_TransitionsOnceAndBindsHandle(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	ctrl := newController(t, rec, func(o *Options) { o.MaxLogLevel = capability.LevelDebug })

	var transitions []string
	ctrl.Observe(func(from, to liveness.State) {
		transitions = append(transitions, from.String()+"->"+to.String())
	})
	assert.Equal(t, liveness.Uninstantiated, ctrl.State())

	store := storeFor(t, testGuest(guestOptions{}))
	inst, err := ctrl.Start(ctx, store)
	require.NoError(t, err)
	require.NotNil(t, inst)
	defer inst.Close(ctx)

	require.NotNil(t, inst.Module())
	assert.Equal(t, "guest", inst.Module().Name())
	assert.Equal(t, []string{"uninstantiated->starting", "starting->live"}, transitions)
	assert.Equal(t, liveness.Live, ctrl.State())
	assert.Equal(t, liveness.Live, inst.State())

	// init received the configured level.
	assert.Equal(t, []string{"debug lc: init"}, rec.logList())

	// Buffers are served through the bound handle.
	require.NoError(t, inst.JSONRPCSend(ctx, 7, `{"jsonrpc":"2.0","id":1}`))
	assert.Equal(t, []string{`7:{"jsonrpc":"2.0","id":1}`}, rec.responseList())

	_, err = ctrl.Start(ctx, store)
	assert.ErrorIs(t, err, &errors.Error{Kind: errors.KindState})
	assert.Len(t, transitions, 2)
	assert.Equal(t, liveness.Live, ctrl.State())
}

func TestStart_BadPayloadLeavesControllerDead(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	ctrl := newController(t, rec)

	_, err := ctrl.Start(ctx, payload.FromStrings([]string{"!!! not base64"}))
	require.Error(t, err)
	assert.Equal(t, liveness.Dead, ctrl.State())

	_, err = ctrl.Start(ctx, storeFor(t, testGuest(guestOptions{})))
	assert.ErrorIs(t, err, &errors.Error{Kind: errors.KindState})
	assert.Empty(t, rec.panicList())

	_, err = newController(t, rec).Start(ctx, nil)
	assert.ErrorIs(t, err, &errors.Error{Kind: errors.KindInvalidInput})
}

func TestStart_RejectsIncompleteGuests(t *testing.T) {
	ctx := context.Background()

	missingImport := &wasmtest.Module{
		Imports:      []wasmtest.Import{{Module: "env", Name: "abort"}},
		MemoryPages:  1,
		ExportMemory: true,
	}
	ctrl := newController(t, &recorder{})
	_, err := ctrl.Start(ctx, storeFor(t, missingImport.Encode()))
	assert.ErrorIs(t, err, &errors.Error{Kind: errors.KindMissingImport})
	assert.Equal(t, liveness.Dead, ctrl.State())

	noExports := &wasmtest.Module{MemoryPages: 1, ExportMemory: true}
	ctrl = newController(t, &recorder{})
	_, err = ctrl.Start(ctx, storeFor(t, noExports.Encode()))
	assert.ErrorIs(t, err, &errors.Error{Kind: errors.KindNotFound})
	assert.Equal(t, liveness.Dead, ctrl.State())
}

func TestVerify(t *testing.T) {
	ctx := context.Background()
	assert.NoError(t, Verify(ctx, testGuest(guestOptions{})))

	noExports := &wasmtest.Module{MemoryPages: 1, ExportMemory: true}
	assert.ErrorIs(t, Verify(ctx, noExports.Encode()), &errors.Error{Kind: errors.KindNotFound})

	missingImport := &wasmtest.Module{Imports: []wasmtest.Import{{Module: "env", Name: "abort"}}}
	assert.ErrorIs(t, Verify(ctx, missingImport.Encode()), &errors.Error{Kind: errors.KindMissingImport})

	assert.Error(t, Verify(ctx, []byte("not wasm")))
}

func TestStart_GuestPanicsDuringInit(t *testing.T) {
	rec := &recorder{}
	ctrl := newController(t, rec)

	_, err := ctrl.Start(context.Background(), storeFor(t, testGuest(guestOptions{initPanics: true})))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrPanic)
	assert.Equal(t, []string{"boom"}, rec.panicList())
	assert.Equal(t, liveness.Dead, ctrl.State())
}

func TestStart_GuestExitsDuringInit(t *testing.T) {
	rec := &recorder{}
	ctrl := newController(t, rec)

	_, err := ctrl.Start(context.Background(), storeFor(t, testGuest(guestOptions{initExits: true})))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrAbnormalExit)
	require.Len(t, rec.panicList(), 1)
	assert.Contains(t, rec.panicList()[0], "proc_exit called: 1")
	assert.Equal(t, liveness.Dead, ctrl.State())
}

func TestProcExit_ThenLogIsPostDeath(t *testing.T) {
	ctx := context.Background()
	inst, rec := startGuest(t, guestOptions{})

	_, err := inst.Call(ctx, "exit")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrAbnormalExit)
	assert.Equal(t, liveness.Dead, inst.State())

	panics := rec.panicList()
	require.Len(t, panics, 1)
	assert.Contains(t, panics[0], "proc_exit called: 1")

	_, err = inst.Call(ctx, "log")
	assert.ErrorIs(t, err, errors.ErrPostDeath)

	// Raw entry into the guest reaches the import guard.
	_, err = inst.Module().ExportedFunction("log").Call(ctx)
	assert.ErrorIs(t, err, errors.ErrPostDeath)
	assert.ErrorIs(t, err, errors.ErrInstanceDead)

	assert.Equal(t, []string{"info lc: init"}, rec.logList())
	assert.Len(t, rec.panicList(), 1)
}

func TestPanic_KillsAndClosesConnections(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	rec := &recorder{}
	ctrl := newController(t, rec, func(o *Options) { o.Metrics = m })
	inst, err := ctrl.Start(ctx, storeFor(t, testGuest(guestOptions{})))
	require.NoError(t, err)
	defer inst.Close(ctx)

	n := writeDescriptor(t, inst, serveOnce(t))
	res, err := inst.Call(ctx, "connect", 1, addrDescriptor, n)
	require.NoError(t, err)
	assert.Equal(t, []uint64{0}, res)
	assert.Equal(t, 1, inst.conns.Len())

	_, err = inst.Call(ctx, "crash")
	assert.ErrorIs(t, err, errors.ErrPanic)
	assert.Equal(t, 0, inst.conns.Len())
	assert.Equal(t, []string{"boom"}, rec.panicList())

	select {
	case <-inst.Done():
	default:
		t.Fatal("done channel not closed")
	}

	err = inst.Run(ctx)
	assert.ErrorIs(t, err, errors.ErrInstanceDead)

	assert.Equal(t, 1.0, counterValue(t, reg, "wasmbridge_instance_deaths_total", "panic"))
	assert.Equal(t, float64(liveness.Dead), gaugeValue(t, reg, "wasmbridge_instance_state"))
}

func TestTrap_IsFatal(t *testing.T) {
	inst, rec := startGuest(t, guestOptions{})

	_, err := inst.Call(context.Background(), "trap")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrPanic)
	assert.Equal(t, liveness.Dead, inst.State())
	require.Len(t, rec.panicList(), 1)
	assert.Contains(t, rec.panicList()[0], "guest trapped")
}

func TestRun_DeliversAdvanceAndTimers(t *testing.T) {
	inst, rec := startGuest(t, guestOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- inst.Run(ctx) }()

	assert.Eventually(t, rec.hasLog("info lc: advance"), waitFor, 5*time.Millisecond)

	_, err := inst.Call(context.Background(), "arm_timer")
	require.NoError(t, err)
	assert.Eventually(t, rec.hasLog("info lc: timer"), waitFor, 5*time.Millisecond)

	cancel()
	select {
	case err := <-runErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(waitFor):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, liveness.Live, inst.State())
}

func TestRun_ConnectionRoundTripAndReset(t *testing.T) {
	inst, rec := startGuest(t, guestOptions{})
	runInBackground(t, inst)
	ctx := context.Background()

	n := writeDescriptor(t, inst, serveOnce(t))
	res, err := inst.Call(ctx, "connect", 1, addrDescriptor, n)
	require.NoError(t, err)
	require.Equal(t, []uint64{0}, res)

	// open -> guest sends ping -> server echoes -> stream_message responds on chain 1.
	assert.Eventually(t, func() bool {
		for _, r := range rec.responseList() {
			if r == "1:ping" {
				return true
			}
		}
		return false
	}, waitFor, 5*time.Millisecond)

	// The server closes after echoing; the reset reaches the guest only.
	assert.Eventually(t, rec.hasLog("error reset: EOF"), waitFor, 5*time.Millisecond)
	assert.Equal(t, 0, inst.conns.Len())
	assert.Equal(t, liveness.Live, inst.State())
	assert.Empty(t, rec.panicList())
}

func TestConnect_BadDescriptorLeavesLiveness(t *testing.T) {
	inst, rec := startGuest(t, guestOptions{})

	n := writeDescriptor(t, inst, "/ip4/127.0.0.1")
	res, err := inst.Call(context.Background(), "connect", 1, addrDescriptor, n)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, res)
	assert.Equal(t, liveness.Live, inst.State())
	assert.Equal(t, 0, inst.conns.Len())
	assert.Empty(t, rec.panicList())
}

func TestJSONRPCSend_Rejected(t *testing.T) {
	inst, rec := startGuest(t, guestOptions{rejectRPC: true})

	err := inst.JSONRPCSend(context.Background(), 1, `{}`)
	assert.ErrorIs(t, err, &errors.Error{Kind: errors.KindInvalidInput})
	assert.Equal(t, liveness.Live, inst.State())
	assert.Empty(t, rec.responseList())
}

func TestCall_UnknownExport(t *testing.T) {
	inst, _ := startGuest(t, guestOptions{})

	_, err := inst.Call(context.Background(), "nope")
	assert.ErrorIs(t, err, &errors.Error{Kind: errors.KindNotFound})
	assert.Equal(t, liveness.Live, inst.State())
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	inst, rec := startGuest(t, guestOptions{})

	require.NoError(t, inst.Close(ctx))
	assert.Equal(t, liveness.Dead, inst.State())
	assert.Empty(t, rec.panicList())

	_, err := inst.Call(ctx, "log")
	assert.ErrorIs(t, err, errors.ErrInstanceDead)
	assert.ErrorIs(t, inst.JSONRPCSend(ctx, 1, "{}"), errors.ErrInstanceDead)
	assert.NoError(t, inst.Close(ctx))
}

func TestClose_FromPanicCallback(t *testing.T) {
	for _, export := range []string{"crash", "trap"} {
		t.Run(export, func(t *testing.T) {
			rec := &recorder{}
			var live atomic.Pointer[Instance]
			ctrl := newController(t, rec, func(o *Options) {
				onPanic := o.Capabilities.OnPanic
				o.Capabilities.OnPanic = func(m string) {
					onPanic(m)
					if inst := live.Load(); inst != nil {
						assert.NoError(t, inst.Close(context.Background()))
					}
				}
			})
			inst, err := ctrl.Start(context.Background(), storeFor(t, testGuest(guestOptions{})))
			require.NoError(t, err)
			live.Store(inst)

			errc := make(chan error, 1)
			go func() {
				_, err := inst.Call(context.Background(), export)
				errc <- err
			}()
			select {
			case err := <-errc:
				assert.ErrorIs(t, err, errors.ErrPanic)
			case <-time.After(waitFor):
				t.Fatal("Call did not return")
			}

			assert.Len(t, rec.panicList(), 1)
			assert.Equal(t, liveness.Dead, inst.State())
			assert.Eventually(t, inst.Module().IsClosed, waitFor, 5*time.Millisecond)
			assert.NoError(t, inst.Close(context.Background()))
		})
	}
}

func TestCall_CancelledContextLeavesInstanceLive(t *testing.T) {
	inst, rec := startGuest(t, guestOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := inst.Call(ctx, "log")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, errors.ErrInterrupted)
	assert.NotErrorIs(t, err, errors.ErrInstanceDead)
	assert.Equal(t, liveness.Live, inst.State())
	assert.False(t, inst.Module().IsClosed())

	_, err = inst.Call(context.Background(), "log")
	require.NoError(t, err)
	assert.Equal(t, []string{"info lc: init", "info lc: init"}, rec.logList())
	assert.Empty(t, rec.panicList())
}

func TestCall_CancelledDuringCallShutsDownWithoutPanic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &recorder{}
	var live atomic.Pointer[Instance]
	ctrl := newController(t, rec, func(o *Options) {
		onLog := o.Capabilities.OnLog
		o.Capabilities.OnLog = func(level capability.LogLevel, target, msg string) {
			onLog(level, target, msg)
			inst := live.Load()
			if inst == nil {
				return
			}
			// The runtime closes the module asynchronously once ctx ends.
			cancel()
			deadline := time.Now().Add(waitFor)
			for !inst.Module().IsClosed() && time.Now().Before(deadline) {
				time.Sleep(time.Millisecond)
			}
		}
	})
	inst, err := ctrl.Start(context.Background(), storeFor(t, testGuest(guestOptions{})))
	require.NoError(t, err)
	t.Cleanup(func() { _ = inst.Close(context.Background()) })
	live.Store(inst)

	_, err = inst.Call(ctx, "log")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, errors.ErrInterrupted)
	assert.NotErrorIs(t, err, errors.ErrPanic)
	assert.Equal(t, liveness.Dead, inst.State())
	assert.Empty(t, rec.panicList())

	select {
	case <-inst.Done():
	default:
		t.Fatal("done channel not closed")
	}
	_, err = inst.Call(context.Background(), "log")
	assert.ErrorIs(t, err, errors.ErrPostDeath)
}

func TestNew_ValidatesCapabilities(t *testing.T) {
	caps := capability.Default(nil)
	caps.OnPanic = nil
	_, err := New(Options{Capabilities: caps})
	assert.ErrorIs(t, err, &errors.Error{Phase: errors.PhaseConfig, Kind: errors.KindInvalidInput})
}

func TestThrottle(t *testing.T) {
	assert.Nil(t, newThrottle(1))
	assert.Nil(t, newThrottle(0))

	var none *throttle
	assert.NoError(t, none.wait(context.Background()))
	none.consumed(time.Second)

	th := newThrottle(0.01)
	require.NotNil(t, th)
	assert.NoError(t, th.wait(context.Background()))

	th.consumed(time.Second)
	th.consumed(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, th.wait(ctx))
}

func TestMailbox(t *testing.T) {
	mb := newMailbox()
	sink := &connSink{mailbox: mb, id: 4}

	sink.OnOpen(10)
	sink.OnMessage([]byte("x"))
	sink.OnWritable(1)
	sink.OnReset("gone")
	assert.Equal(t, 4, mb.len())

	select {
	case <-mb.notify:
	default:
		t.Fatal("notify not signalled")
	}

	evs := mb.drain()
	require.Len(t, evs, 4)
	assert.Equal(t, []eventKind{eventOpen, eventMessage, eventWritable, eventReset},
		[]eventKind{evs[0].kind, evs[1].kind, evs[2].kind, evs[3].kind})
	assert.Equal(t, uint32(4), evs[3].conn)
	assert.Equal(t, "gone", evs[3].reason)
	assert.Equal(t, "reset", evs[3].kind.String())
	assert.Empty(t, mb.drain())
}

func counterValue(t *testing.T, reg *prometheus.Registry, name, label string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if lp.GetValue() == label {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func gaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() == name && len(mf.GetMetric()) > 0 {
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	return -1
}

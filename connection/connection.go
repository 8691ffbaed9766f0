package connection

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/wippyai/wasm-bridge/errors"
	"github.com/wippyai/wasm-bridge/metrics"
)

const (
	// InitialWritableBytes is the send credit granted when a connection opens.
	InitialWritableBytes = 1 << 20

	// MaxMessageSize bounds a single inbound WebSocket message.
	MaxMessageSize = 16 << 20

	readBufferSize = 64 << 10
)

// Sink receives events for one connection. Calls arrive from connection
// goroutines; implementations must not block for long.
type Sink interface {
	// OnOpen is called once the transport is established.
	OnOpen(writableBytes uint32)
	// OnMessage delivers inbound bytes. data is owned by the sink.
	OnMessage(data []byte)
	// OnWritable returns send credit after queued bytes hit the wire.
	OnWritable(n uint32)
	// OnReset reports a failure; no further events follow.
	OnReset(reason string)
}

// Connection is one outbound channel opened for the guest.
type Connection interface {
	// Address returns the parsed peer address.
	Address() Address
	// Send queues data for writing. It does not wait for the network.
	Send(ctx context.Context, data []byte) error
	// CloseSend half-closes the write side. Only TCP supports it.
	CloseSend() error
	// Close tears the connection down without notifying the sink.
	Close() error
}

// Connector opens a connection for a descriptor. Malformed or unsupported
// descriptors fail synchronously with a connection error.
type Connector interface {
	Connect(ctx context.Context, descriptor string, sink Sink) (Connection, error)
	Supports(kind Kind) bool
}

// transport is the blocking I/O a stream drives from its goroutines.
type transport interface {
	read(ctx context.Context) ([]byte, error)
	write(ctx context.Context, data []byte) error
	closeWrite() error
	close() error
}

type tcpTransport struct {
	conn net.Conn
	buf  []byte
}

func (t *tcpTransport) read(_ context.Context) ([]byte, error) {
	n, err := t.conn.Read(t.buf)
	if n > 0 {
		out := make([]byte, n)
		copy(out, t.buf[:n])
		return out, nil
	}
	return nil, err
}

func (t *tcpTransport) write(_ context.Context, data []byte) error {
	_, err := t.conn.Write(data)
	return err
}

func (t *tcpTransport) closeWrite() error {
	if cw, ok := t.conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

func (t *tcpTransport) close() error {
	return t.conn.Close()
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) read(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	return data, err
}

func (t *wsTransport) write(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageBinary, data)
}

func (t *wsTransport) closeWrite() error {
	return errors.InvalidInput(errors.PhaseConnect, "websocket connections cannot half-close")
}

func (t *wsTransport) close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "")
}

// stream is the Connection implementation shared by every transport.
// One goroutine dials and writes, another reads once the dial succeeds.
type stream struct {
	addr     Address
	sink     Sink
	metrics  *metrics.Metrics
	logger   *zap.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	out      outbox
	tr       transport
	trMu     sync.Mutex
	closed   atomic.Bool
	halfShut atomic.Bool
	opened   atomic.Bool
}

// outbox is the unbounded write queue. Sends never wait for the dial or
// the network; backpressure is the guest's writable-bytes credit.
type outbox struct {
	notify    chan struct{}
	queue     [][]byte
	shutWrite bool
	mu        sync.Mutex
}

func (o *outbox) push(data []byte, shutWrite bool) {
	o.mu.Lock()
	if data != nil {
		o.queue = append(o.queue, data)
	}
	o.shutWrite = o.shutWrite || shutWrite
	o.mu.Unlock()

	select {
	case o.notify <- struct{}{}:
	default:
	}
}

// drain returns the queued writes and whether a half-close follows them.
func (o *outbox) drain() ([][]byte, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	q, shut := o.queue, o.shutWrite
	o.queue, o.shutWrite = nil, false
	return q, shut
}

func newStream(addr Address, sink Sink, m *metrics.Metrics, logger *zap.Logger) *stream {
	ctx, cancel := context.WithCancel(context.Background())
	return &stream{
		addr:    addr,
		sink:    sink,
		metrics: m,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		out:     outbox{notify: make(chan struct{}, 1)},
	}
}

func (s *stream) Address() Address {
	return s.addr
}

func (s *stream) Send(_ context.Context, data []byte) error {
	if s.closed.Load() {
		return errors.New(errors.PhaseConnect, errors.KindInvalidInput).
			Value(s.addr.String()).
			Detail("send on closed connection").
			Build()
	}
	if s.halfShut.Load() {
		return errors.New(errors.PhaseConnect, errors.KindInvalidInput).
			Value(s.addr.String()).
			Detail("send after close-send").
			Build()
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	s.out.push(buf, false)
	return nil
}

func (s *stream) CloseSend() error {
	if s.addr.Kind.WebSocket() {
		return errors.InvalidInput(errors.PhaseConnect, "websocket connections cannot half-close")
	}
	if !s.halfShut.CompareAndSwap(false, true) {
		return nil
	}
	if s.closed.Load() {
		return s.ctx.Err()
	}
	s.out.push(nil, true)
	return nil
}

func (s *stream) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()

	s.trMu.Lock()
	tr := s.tr
	s.trMu.Unlock()

	if s.opened.Load() {
		s.metrics.ConnectionClosed()
	}
	if tr != nil {
		return tr.close()
	}
	return nil
}

// run dials and then pumps the outbound queue until the stream ends.
func (s *stream) run(dial func(ctx context.Context) (transport, error)) {
	tr, err := dial(s.ctx)
	if err != nil {
		if s.ctx.Err() == nil {
			s.metrics.ConnectionError("dial")
			s.logger.Debug("connection dial failed",
				zap.String("address", s.addr.String()), zap.Error(err))
			s.closed.Store(true)
			s.cancel()
			s.sink.OnReset(err.Error())
		}
		return
	}

	s.trMu.Lock()
	if s.ctx.Err() != nil {
		s.trMu.Unlock()
		_ = tr.close()
		return
	}
	s.tr = tr
	s.trMu.Unlock()

	s.opened.Store(true)
	s.metrics.ConnectionOpened(s.addr.Kind.String())
	s.sink.OnOpen(InitialWritableBytes)

	go s.readLoop(tr)
	s.writeLoop(tr)
}

func (s *stream) writeLoop(tr transport) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.out.notify:
		}
		queue, shutWrite := s.out.drain()
		for _, data := range queue {
			if err := tr.write(s.ctx, data); err != nil {
				s.fail(err)
				return
			}
			s.metrics.BytesSent(len(data))
			s.sink.OnWritable(uint32(len(data)))
		}
		if shutWrite {
			if err := tr.closeWrite(); err != nil {
				s.fail(err)
				return
			}
		}
	}
}

func (s *stream) readLoop(tr transport) {
	for {
		data, err := tr.read(s.ctx)
		if err != nil {
			s.fail(err)
			return
		}
		s.metrics.BytesReceived(len(data))
		s.sink.OnMessage(data)
	}
}

// fail reports the first transport error unless the stream was closed locally.
func (s *stream) fail(err error) {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.cancel()
	s.metrics.ConnectionError("stream")
	s.metrics.ConnectionClosed()
	_ = s.tr.close()
	s.sink.OnReset(err.Error())
}

package connection

import (
	"context"
	stderrors "errors"
	"net"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/wippyai/wasm-bridge/errors"
	"github.com/wippyai/wasm-bridge/metrics"
)

// DialerConfig configures the default connector.
type DialerConfig struct {
	// Supported limits the kinds the guest may open. Empty means all known kinds.
	Supported []Kind

	// DialTimeout bounds TCP connect and the WebSocket handshake.
	DialTimeout time.Duration

	// BreakerFailures is the number of consecutive dial failures to one
	// host:port after which further attempts are refused for BreakerCooldown.
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// DefaultDialerConfig returns the configuration used by NewDialer(nil).
func DefaultDialerConfig() DialerConfig {
	return DialerConfig{
		DialTimeout:     10 * time.Second,
		BreakerFailures: 5,
		BreakerCooldown: 30 * time.Second,
	}
}

// Dialer is the default Connector: TCP through net.Dialer and WebSocket
// through nhooyr.io/websocket, with a circuit breaker per peer.
type Dialer struct {
	cfg       DialerConfig
	supported map[Kind]bool
	metrics   *metrics.Metrics
	logger    *zap.Logger
	breakers  map[string]*gobreaker.CircuitBreaker[transport]
	mu        sync.Mutex
}

// NewDialer creates a dialer. cfg may be nil.
func NewDialer(cfg *DialerConfig, m *metrics.Metrics, logger *zap.Logger) *Dialer {
	c := DefaultDialerConfig()
	if cfg != nil {
		c = *cfg
		if c.DialTimeout <= 0 {
			c.DialTimeout = DefaultDialerConfig().DialTimeout
		}
		if c.BreakerCooldown <= 0 {
			c.BreakerCooldown = DefaultDialerConfig().BreakerCooldown
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	supported := make(map[Kind]bool)
	kinds := c.Supported
	if len(kinds) == 0 {
		kinds = []Kind{TCPIPv4, TCPIPv6, TCPDNS, WebSocketIPv4, WebSocketIPv6, WebSocketDNS, SecureWebSocketDNS}
	}
	for _, k := range kinds {
		supported[k] = true
	}

	return &Dialer{
		cfg:       c,
		supported: supported,
		metrics:   m,
		logger:    logger,
		breakers:  make(map[string]*gobreaker.CircuitBreaker[transport]),
	}
}

// Supports reports whether the dialer opens connections of kind.
func (d *Dialer) Supports(kind Kind) bool {
	return d.supported[kind]
}

// Connect parses descriptor and starts dialing in the background. The
// returned connection accepts Send immediately; writes are flushed once
// the sink has seen OnOpen.
func (d *Dialer) Connect(_ context.Context, descriptor string, sink Sink) (Connection, error) {
	addr, err := Parse(descriptor)
	if err != nil {
		d.metrics.ConnectionError("parse")
		return nil, err
	}
	if !d.Supports(addr.Kind) {
		d.metrics.ConnectionError("parse")
		return nil, errors.Connection(descriptor, "unsupported connection type "+addr.Kind.String())
	}

	cb := d.breaker(addr.HostPort())
	if cb.State() == gobreaker.StateOpen {
		d.metrics.ConnectionError("dial")
		return nil, errors.ConnectionCause(descriptor, gobreaker.ErrOpenState)
	}

	s := newStream(addr, sink, d.metrics, d.logger)
	go s.run(func(ctx context.Context) (transport, error) {
		return cb.Execute(func() (transport, error) {
			return d.dial(ctx, addr)
		})
	})
	return s, nil
}

func (d *Dialer) dial(ctx context.Context, addr Address) (transport, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.DialTimeout)
	defer cancel()

	if addr.Kind.WebSocket() {
		conn, _, err := websocket.Dial(ctx, addr.URL(), nil)
		if err != nil {
			return nil, err
		}
		conn.SetReadLimit(MaxMessageSize)
		return &wsTransport{conn: conn}, nil
	}

	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "tcp", addr.HostPort())
	if err != nil {
		return nil, err
	}
	return &tcpTransport{conn: conn, buf: make([]byte, readBufferSize)}, nil
}

func (d *Dialer) breaker(key string) *gobreaker.CircuitBreaker[transport] {
	d.mu.Lock()
	defer d.mu.Unlock()

	if cb, ok := d.breakers[key]; ok {
		return cb
	}
	failures := d.cfg.BreakerFailures
	cb := gobreaker.NewCircuitBreaker[transport](gobreaker.Settings{
		Name:    key,
		Timeout: d.cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return failures > 0 && counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			// Cancellation by the guest is not a peer failure.
			return err == nil || stderrors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.logger.Info("connection breaker state changed",
				zap.String("peer", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	d.breakers[key] = cb
	return cb
}

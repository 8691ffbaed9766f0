package connection

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wippyai/wasm-bridge/errors"
)

func TestParse_Valid(t *testing.T) {
	tests := []struct {
		descriptor string
		want       Address
		url        string
	}{
		{"/ip4/127.0.0.1/tcp/30333", Address{Host: "127.0.0.1", Port: 30333, Kind: TCPIPv4}, ""},
		{"/ip6/::1/tcp/30333", Address{Host: "::1", Port: 30333, Kind: TCPIPv6}, ""},
		{"/dns/boot.example.org/tcp/30333", Address{Host: "boot.example.org", Port: 30333, Kind: TCPDNS}, ""},
		{"/dns4/boot.example.org/tcp/1", Address{Host: "boot.example.org", Port: 1, Kind: TCPDNS}, ""},
		{"/ip4/10.0.0.1/tcp/30334/ws", Address{Host: "10.0.0.1", Port: 30334, Kind: WebSocketIPv4}, "ws://10.0.0.1:30334"},
		{"/ip6/::1/tcp/30334/ws", Address{Host: "::1", Port: 30334, Kind: WebSocketIPv6}, "ws://[::1]:30334"},
		{"/dns6/boot.example.org/tcp/80/ws", Address{Host: "boot.example.org", Port: 80, Kind: WebSocketDNS}, "ws://boot.example.org:80"},
		{"/dns/boot.example.org/tcp/443/wss", Address{Host: "boot.example.org", Port: 443, Kind: SecureWebSocketDNS}, "wss://boot.example.org:443"},
		{"/dns/boot.example.org/tcp/443/tls/ws", Address{Host: "boot.example.org", Port: 443, Kind: SecureWebSocketDNS}, "wss://boot.example.org:443"},
	}

	for _, tt := range tests {
		t.Run(tt.descriptor, func(t *testing.T) {
			got, err := Parse(tt.descriptor)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.url, got.URL())
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	descriptors := []string{
		"",
		"ip4/127.0.0.1/tcp/1",
		"/ip4/127.0.0.1",               // missing tcp component
		"/tcp/30333",                   // missing host component
		"/ip4/127.0.0.1/tcp",           // missing port value
		"/ip4/127.0.0.1/tcp/70000",     // port overflow
		"/ip4/127.0.0.1/tcp/abc",       // port not a number
		"/ip4/::1/tcp/1",               // ip6 under ip4
		"/ip6/127.0.0.1/tcp/1",         // ip4 under ip6
		"/ip4/127.0.0.1/tcp/1/wss",     // secure websocket needs dns
		"/ip4/127.0.0.1/udp/1",         // unsupported protocol
		"/ip4/127.0.0.1/tcp/1/ws/ws",   // unknown combination
		"/dns/host/tcp/1/ws/",          // trailing slash
		"/ip4/127.0.0.1/tcp/1/tls",     // tls without ws
		"/dns/host/ws/tcp/1",           // wrong order
		"/ip4/1.2.3.4/ip4/1.2.3.4/tcp", // nonsense
	}

	for _, d := range descriptors {
		t.Run(d, func(t *testing.T) {
			_, err := Parse(d)
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrConnection)
			assert.NotErrorIs(t, err, errors.ErrInstanceDead)
		})
	}
}

func TestAddress_StringRoundTrip(t *testing.T) {
	for _, d := range []string{
		"/ip4/127.0.0.1/tcp/30333",
		"/ip6/::1/tcp/30333/ws",
		"/dns/boot.example.org/tcp/443/wss",
	} {
		addr, err := Parse(d)
		require.NoError(t, err)
		assert.Equal(t, d, addr.String())
	}
}

func TestKind(t *testing.T) {
	assert.Equal(t, uint32(14), SecureWebSocketDNS.TypeCode())
	assert.True(t, WebSocketDNS.WebSocket())
	assert.False(t, TCPDNS.WebSocket())
	assert.True(t, TCPIPv6.Known())
	assert.False(t, Kind(3).Known())
	assert.Equal(t, "unknown", Kind(3).String())
}

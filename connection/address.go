package connection

import (
	"net"
	"net/netip"
	"strconv"
	"strings"

	"github.com/wippyai/wasm-bridge/errors"
)

// Kind identifies a transport/address combination. The numeric values are
// the codes the guest passes to connection_type_supported.
type Kind uint32

const (
	TCPIPv4            Kind = 0
	TCPIPv6            Kind = 1
	TCPDNS             Kind = 2
	WebSocketIPv4      Kind = 4
	WebSocketIPv6      Kind = 5
	WebSocketDNS       Kind = 6
	SecureWebSocketDNS Kind = 14
)

// TypeCode returns the guest wire code.
func (k Kind) TypeCode() uint32 {
	return uint32(k)
}

// Known reports whether k is one of the supported kinds.
func (k Kind) Known() bool {
	switch k {
	case TCPIPv4, TCPIPv6, TCPDNS, WebSocketIPv4, WebSocketIPv6, WebSocketDNS, SecureWebSocketDNS:
		return true
	}
	return false
}

// WebSocket reports whether k is carried over WebSocket.
func (k Kind) WebSocket() bool {
	return k == WebSocketIPv4 || k == WebSocketIPv6 || k == WebSocketDNS || k == SecureWebSocketDNS
}

func (k Kind) String() string {
	switch k {
	case TCPIPv4:
		return "tcp-ip4"
	case TCPIPv6:
		return "tcp-ip6"
	case TCPDNS:
		return "tcp-dns"
	case WebSocketIPv4:
		return "ws-ip4"
	case WebSocketIPv6:
		return "ws-ip6"
	case WebSocketDNS:
		return "ws-dns"
	case SecureWebSocketDNS:
		return "wss-dns"
	default:
		return "unknown"
	}
}

// Address is a parsed descriptor.
type Address struct {
	Host string
	Port uint16
	Kind Kind
}

// HostPort returns the dial target in host:port form.
func (a Address) HostPort() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(int(a.Port)))
}

// URL returns the WebSocket URL, or "" for plain TCP.
func (a Address) URL() string {
	switch a.Kind {
	case WebSocketIPv4, WebSocketIPv6, WebSocketDNS:
		return "ws://" + a.HostPort()
	case SecureWebSocketDNS:
		return "wss://" + a.HostPort()
	default:
		return ""
	}
}

// String renders the address back into multiaddr form.
func (a Address) String() string {
	var b strings.Builder
	switch a.Kind {
	case TCPIPv4, WebSocketIPv4:
		b.WriteString("/ip4/")
	case TCPIPv6, WebSocketIPv6:
		b.WriteString("/ip6/")
	default:
		b.WriteString("/dns/")
	}
	b.WriteString(a.Host)
	b.WriteString("/tcp/")
	b.WriteString(strconv.Itoa(int(a.Port)))
	switch {
	case a.Kind == SecureWebSocketDNS:
		b.WriteString("/wss")
	case a.Kind.WebSocket():
		b.WriteString("/ws")
	}
	return b.String()
}

type component struct {
	proto string
	value string
}

// Parse converts a multiaddr descriptor into an Address.
func Parse(descriptor string) (Address, error) {
	comps, err := components(descriptor)
	if err != nil {
		return Address{}, err
	}
	if len(comps) < 2 || len(comps) > 4 {
		return Address{}, errors.Connection(descriptor, "unknown protocol combination")
	}

	host, hostProto := comps[0].value, comps[0].proto
	if comps[1].proto != "tcp" {
		return Address{}, errors.Connection(descriptor, "unknown protocol combination")
	}
	port, err := strconv.ParseUint(comps[1].value, 10, 16)
	if err != nil {
		return Address{}, errors.Connection(descriptor, "invalid tcp port")
	}

	var suffix []string
	for _, c := range comps[2:] {
		suffix = append(suffix, c.proto)
	}
	tail := strings.Join(suffix, "/")

	addr := Address{Host: host, Port: uint16(port)}
	switch hostProto {
	case "ip4":
		ip, err := netip.ParseAddr(host)
		if err != nil || !ip.Is4() {
			return Address{}, errors.Connection(descriptor, "invalid ip4 address")
		}
		switch tail {
		case "":
			addr.Kind = TCPIPv4
		case "ws":
			addr.Kind = WebSocketIPv4
		default:
			return Address{}, errors.Connection(descriptor, "unknown protocol combination")
		}
	case "ip6":
		ip, err := netip.ParseAddr(host)
		if err != nil || !ip.Is6() {
			return Address{}, errors.Connection(descriptor, "invalid ip6 address")
		}
		switch tail {
		case "":
			addr.Kind = TCPIPv6
		case "ws":
			addr.Kind = WebSocketIPv6
		default:
			return Address{}, errors.Connection(descriptor, "unknown protocol combination")
		}
	case "dns", "dns4", "dns6":
		switch tail {
		case "":
			addr.Kind = TCPDNS
		case "ws":
			addr.Kind = WebSocketDNS
		case "wss", "tls/ws":
			addr.Kind = SecureWebSocketDNS
		default:
			return Address{}, errors.Connection(descriptor, "unknown protocol combination")
		}
	default:
		return Address{}, errors.Connection(descriptor, "unknown protocol combination")
	}
	return addr, nil
}

// components splits "/p1/v1/p2/v2/ws" into protocol components, attaching
// values to the protocols that take one.
func components(descriptor string) ([]component, error) {
	if !strings.HasPrefix(descriptor, "/") {
		return nil, errors.Connection(descriptor, "descriptor must start with '/'")
	}
	parts := strings.Split(descriptor[1:], "/")

	var comps []component
	for i := 0; i < len(parts); i++ {
		proto := parts[i]
		switch proto {
		case "ip4", "ip6", "dns", "dns4", "dns6", "tcp":
			if i+1 >= len(parts) || parts[i+1] == "" {
				return nil, errors.Connection(descriptor, "missing value for /"+proto)
			}
			comps = append(comps, component{proto: proto, value: parts[i+1]})
			i++
		case "ws", "wss", "tls":
			comps = append(comps, component{proto: proto})
		case "":
			return nil, errors.Connection(descriptor, "empty protocol component")
		default:
			return nil, errors.Connection(descriptor, "unsupported protocol /"+proto)
		}
	}
	return comps, nil
}

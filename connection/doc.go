// Package connection implements the outbound network channels a guest opens
// through the host.
//
// A guest names its peer with a multiaddr descriptor:
//
//	/ip4/203.0.113.7/tcp/30333
//	/dns/boot.example.org/tcp/30333/ws
//	/dns/boot.example.org/tcp/443/wss
//
// Parse turns a descriptor into an Address or fails with a connection error
// (errors.KindConnection). Dialer opens TCP and WebSocket connections for an
// Address and reports inbound bytes, backpressure credit and failures to a
// Sink. Failures discovered after Connect returns stay local to the
// connection; they never kill the instance.
//
// Table maps the guest's numeric connection ids to live connections and is
// what the kill-all action drains when the instance dies.
package connection

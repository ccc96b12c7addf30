// Package swillrpc is a bidirectional RPC engine: handler registration and
// call-shape classification, the per-request state machine, the stream
// iterator, the lifecycle hook chain, the per-connection dispatcher, and
// the client-side reconnect scheduler.
//
// It is transport- and codec-agnostic: callers supply a [swillproto.Codec]
// and a [transport.Conn]. The swillmsgpack and transport packages provide
// production implementations of both.
package swillrpc

// Package swillproto defines the wire-level vocabulary of the swill RPC
// protocol: frame types, envelopes, error payloads, and the codec interface
// that turns them into bytes. It has no knowledge of transports, handlers,
// or connection state; those live in [github.com/swillrpc/swill/pkg/transport]
// and [github.com/swillrpc/swill/pkg/swillrpc].
package swillproto

// Package transport defines the narrow WebSocket abstraction that
// [github.com/swillrpc/swill/pkg/swillrpc] drives: frame-accurate, ordered,
// reliable binary messages with a close code and reason. [WS] adapts
// nhooyr.io/websocket for production use; [Pipe] is an in-memory pair for
// tests that doesn't touch a socket.
package transport

package swillrpc

import (
	"context"
	"log/slog"
	"time"

	"github.com/swillrpc/swill/internal/logger"
	"github.com/swillrpc/swill/pkg/metrics"
	"github.com/swillrpc/swill/pkg/swillproto"
	"github.com/swillrpc/swill/pkg/transport"
)

// ServerOption configures a [Server] at construction time.
type ServerOption func(*Server)

// WithStreamCapacity bounds every request's inbound stream buffer.
func WithStreamCapacity(n int) ServerOption {
	return func(s *Server) { s.streamCapacity = n }
}

// WithOutboxCapacity bounds each connection's outbound queue, so a slow
// or stalled peer can't let it grow without limit.
func WithOutboxCapacity(n int) ServerOption {
	return func(s *Server) { s.outboxCapacity = n }
}

// Server is the per-process configuration: a dependency-injected object
// rather than a global singleton. The handler registry, hook registry,
// and codec are its fields, and it holds no process-wide state.
type Server struct {
	codec swillproto.Codec
	reg   *Registry
	hooks *Hooks

	streamCapacity int
	outboxCapacity int
}

// NewServer builds a [Server] around codec, the wire format implementation
// (e.g. [github.com/swillrpc/swill/pkg/swillmsgpack.Codec]).
func NewServer(codec swillproto.Codec, opts ...ServerOption) *Server {
	s := &Server{
		codec:          codec,
		reg:            NewRegistry(),
		hooks:          NewHooks(),
		streamCapacity: DefaultStreamCapacity,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds a method handler, classifying its call shape from in/out.
func (s *Server) Register(method string, h Handler, in, out Descriptor) error {
	return s.reg.Register(method, h, in, out)
}

// On registers a lifecycle hook under its named point.
func (s *Server) On(hook string, cb HookFunc) error {
	return s.hooks.On(hook, cb)
}

// Hooks exposes the typed OnXxx registration methods directly, for callers
// that prefer compile-time-checked hook point names over strings.
func (s *Server) Hooks() *Hooks { return s.hooks }

// Accept drives one accepted transport connection to completion: runs
// before_connection and before_accept, starts the dispatcher, and on
// return runs after_connection and tears down every in-flight request.
// It blocks until the connection closes, the "build config, then block
// serving" shape of an HTTP listen-and-serve loop adapted to a single
// WebSocket's lifetime.
func (s *Server) Accept(ctx context.Context, tconn transport.Conn, meta transport.Meta) error {
	conn := newConnection(ctx, meta, s.outboxCapacity, s.hooks)
	defer conn.cancel()

	l := logger.FromContext(ctx).With(slog.String("connection_id", conn.ID))

	if err := s.hooks.run(ctx, BeforeConnection, conn, nil); err != nil {
		l.Warn("before_connection hook rejected transport", slog.Any("error", err))
		_ = tconn.Close(transport.StatusPolicyViolation, "rejected")
		return err
	}
	if err := s.hooks.run(ctx, BeforeAccept, conn, nil); err != nil {
		l.Warn("before_accept hook rejected transport", slog.Any("error", err))
		_ = tconn.Close(transport.StatusPolicyViolation, "rejected")
		return err
	}

	metrics.IncrementConnectionCounter(l, time.Now(), conn.ID, "accept")

	d := newDispatcher(conn, tconn, s.codec, s.reg, s.hooks, l, s.streamCapacity)
	d.run(ctx)

	metrics.IncrementConnectionCounter(l, time.Now(), conn.ID, "close")

	if err := s.hooks.run(ctx, AfterConnection, conn, nil); err != nil {
		l.Warn("after_connection hook returned an error", slog.Any("error", err))
	}
	return nil
}

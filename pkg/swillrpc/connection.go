package swillrpc

import (
	"context"
	"sync"

	"github.com/lithammer/shortuuid/v4"

	"github.com/swillrpc/swill/pkg/swillproto"
	"github.com/swillrpc/swill/pkg/transport"
)

// Connection is the per-accept state: an id, the transport-captured
// metadata, the sequence→[Request] table (mutated only by the
// dispatcher), and a user-scoped key/value bag threaded through hooks and
// handlers.
type Connection struct {
	ID   string
	Meta transport.Meta

	bagMu sync.Mutex
	bag   map[string]any

	mu       sync.Mutex
	requests map[uint64]*Request
	outbox   chan outboundFrame

	hooks *Hooks

	ctx    context.Context
	cancel context.CancelFunc
}

// outboundFrame pairs a response envelope with the sequence it belongs to,
// so the dispatcher's single writer goroutine can serialize writes to the
// transport while each [Request] still behaves, from the handler's point
// of view, like it owns its own outbound channel.
type outboundFrame struct {
	frame swillproto.ResponseFrame
}

func newConnection(parent context.Context, meta transport.Meta, outboxCapacity int, hooks *Hooks) *Connection {
	ctx, cancel := context.WithCancel(parent)
	if outboxCapacity <= 0 {
		outboxCapacity = 64
	}
	return &Connection{
		ID:       shortuuid.New(),
		Meta:     meta,
		bag:      map[string]any{},
		requests: map[uint64]*Request{},
		outbox:   make(chan outboundFrame, outboxCapacity),
		hooks:    hooks,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// runHook runs the given outbound hook point for req, falling back to a
// no-op chain if no hooks were configured.
func (c *Connection) runHook(p HookPoint, req *Request) error {
	if c.hooks == nil {
		return nil
	}
	return c.hooks.run(req.ctx, p, c, req)
}

// Bag returns the connection's user-scoped key/value store. Hooks and
// handlers share it across the connection's lifetime.
func (c *Connection) Bag() map[string]any {
	c.bagMu.Lock()
	defer c.bagMu.Unlock()
	// Callers get the live map; Go has no cheap immutable view.
	return c.bag
}

func (c *Connection) getRequest(seq uint64) (*Request, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.requests[seq]
	return r, ok
}

func (c *Connection) putRequest(r *Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests[r.Sequence] = r
}

func (c *Connection) dropRequest(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.requests, seq)
}

// activeRequests returns a snapshot of all in-flight requests, used by
// teardown to cancel everything still open when the connection closes.
func (c *Connection) activeRequests() []*Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Request, 0, len(c.requests))
	for _, r := range c.requests {
		out = append(out, r)
	}
	return out
}

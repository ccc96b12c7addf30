package swillrpc

import (
	"context"

	"github.com/swillrpc/swill/pkg/swillproto"
)

// Context is the handler-facing view of a [Request], carrying the
// connection id, connection metadata, client metadata, and the
// connection's user-scoped bag — an explicit object in place of dynamic
// attribute propagation.
type Context struct {
	req *Request
}

func newContext(r *Request) *Context {
	return &Context{req: r}
}

// Context returns the request-scoped [context.Context]; it's cancelled
// when the request is cancelled, errored, or the connection closes.
func (c *Context) Context() context.Context { return c.req.Context() }

// Method returns the registered method name this call invoked.
func (c *Context) Method() string { return c.req.Method }

// Shape returns the call shape classified at registration time.
func (c *Context) Shape() Shape { return c.req.Shape }

// ConnectionID returns the id of the connection this request belongs to.
func (c *Context) ConnectionID() string { return c.req.conn.ID }

// ConnectionMeta returns the opaque metadata captured at transport accept.
func (c *Context) ConnectionMeta() map[string][]string { return c.req.conn.Meta.Headers }

// Bag returns the connection's user-scoped key/value store, shared by
// every request and hook on this connection.
func (c *Context) Bag() map[string]any { return c.req.conn.Bag() }

// ClientMetadata returns the leading metadata the client attached to
// this request, if any.
func (c *Context) ClientMetadata() swillproto.Metadata { return c.req.ClientMetadata() }

// SetLeadingMetadata stages the server's leading metadata to accompany
// whichever outbound frame for this request is sent first. Calling it
// after that frame has already gone out is a no-op: the server silently
// ignores late metadata rather than erroring.
func (c *Context) SetLeadingMetadata(md swillproto.Metadata) {
	c.req.SetLeadingMetadata(md)
}

// SetTrailingMetadata stages metadata to be carried on this request's
// terminal outbound frame.
func (c *Context) SetTrailingMetadata(md swillproto.Metadata) {
	c.req.SetTrailingMetadata(md)
}

// Send emits one outbound MESSAGE. A unary-output handler must call it
// at most once; a streaming-output handler may call it any number of
// times. It returns the request's cancellation error if the request was
// already cancelled or errored.
func (c *Context) Send(v any) error {
	return c.req.send(v)
}

package swillrpc

import (
	"fmt"
	"sync"
)

// Handler is the uniform handler signature for all four call shapes. The
// shape declared at registration (via in/out [Descriptor]) determines how
// the dispatcher drives it: whether in is expected to yield zero-or-more
// values before ending, and whether the handler may call ctx.Send more
// than once.
//
// A unary-input handler must call in.Next exactly once to obtain its
// argument. A client-streaming handler calls in.Next in a loop until it
// returns ok == false. A server-streaming or bidi handler may call
// ctx.Send any number of times; a unary-output handler must call it at
// most once.
type Handler func(ctx *Context, in *Stream) error

// HandlerRecord is a registered method's full configuration.
type HandlerRecord struct {
	Method  string
	Handler Handler
	In, Out Descriptor
	Shape   Shape
}

// RegistrationError is returned by [Registry.Register] for any
// configuration problem: an empty or duplicate method name, or a nil
// handler.
type RegistrationError struct {
	Method string
	Reason string
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("swillrpc: cannot register method %q: %s", e.Method, e.Reason)
}

// Registry maps method names to [HandlerRecord]s. It's safe for concurrent
// use, though in practice all registration happens before [Server.Accept]
// is ever called: a one-time-setup-then-read-only map.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerRecord
}

// NewRegistry returns an empty [Registry].
func NewRegistry() *Registry {
	return &Registry{handlers: map[string]HandlerRecord{}}
}

// Register adds a handler under method, classifying its call shape from
// in/out. It fails if method is empty, already registered, or the handler
// is nil.
func (r *Registry) Register(method string, h Handler, in, out Descriptor) error {
	if method == "" {
		return &RegistrationError{Method: method, Reason: "method name must not be empty"}
	}
	if h == nil {
		return &RegistrationError{Method: method, Reason: "handler must not be nil"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.handlers[method]; ok {
		return &RegistrationError{Method: method, Reason: "method already registered"}
	}

	r.handlers[method] = HandlerRecord{
		Method:  method,
		Handler: h,
		In:      in,
		Out:     out,
		Shape:   classify(in, out),
	}
	return nil
}

// Lookup returns the handler record for method, or ok == false if it
// isn't registered; the caller responds with ERROR(method-not-found).
func (r *Registry) Lookup(method string) (HandlerRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.handlers[method]
	return rec, ok
}

package swillrpc

import (
	"context"
	"fmt"
	"sync"
)

// HookPoint is one of the eleven named lifecycle positions, in the strict
// order hooks run.
type HookPoint int

const (
	BeforeConnection HookPoint = iota
	BeforeAccept
	BeforeRequest
	BeforeRequestMetadata
	BeforeRequestData
	BeforeRequestMessage
	BeforeLeadingMetadata
	BeforeResponseMessage
	BeforeTrailingMetadata
	AfterRequest
	AfterConnection

	numHookPoints
)

func (p HookPoint) String() string {
	switch p {
	case BeforeConnection:
		return "before_connection"
	case BeforeAccept:
		return "before_accept"
	case BeforeRequest:
		return "before_request"
	case BeforeRequestMetadata:
		return "before_request_metadata"
	case BeforeRequestData:
		return "before_request_data"
	case BeforeRequestMessage:
		return "before_request_message"
	case BeforeLeadingMetadata:
		return "before_leading_metadata"
	case BeforeResponseMessage:
		return "before_response_message"
	case BeforeTrailingMetadata:
		return "before_trailing_metadata"
	case AfterRequest:
		return "after_request"
	case AfterConnection:
		return "after_connection"
	default:
		return "unknown"
	}
}

var hookPointsByName = func() map[string]HookPoint {
	m := make(map[string]HookPoint, int(numHookPoints))
	for p := HookPoint(0); p < numHookPoints; p++ {
		m[p.String()] = p
	}
	return m
}()

// HookFunc is a lifecycle callback. conn is always set; req is set only
// for the per-request hook points (before_request through after_request).
// A non-nil error aborts the point: before_connection/before_accept
// reject the transport, before_request* terminate the request with
// ERROR, before_response_* replace the outbound frame with ERROR, and no
// further hook in that point runs.
type HookFunc func(ctx context.Context, conn *Connection, req *Request) error

// Hooks holds the ordered callback chains for every [HookPoint], built up
// as ordered option lists via repeated registration calls.
type Hooks struct {
	mu     sync.RWMutex
	chains [numHookPoints][]HookFunc
}

// NewHooks returns an empty [Hooks] registry.
func NewHooks() *Hooks {
	return &Hooks{}
}

func (h *Hooks) add(p HookPoint, cb HookFunc) {
	if cb == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.chains[p] = append(h.chains[p], cb)
}

// On registers cb under the named hook point, a stringly-typed surface
// kept alongside the typed OnXxx methods below for callers that want to
// parameterize hook registration by name.
func (h *Hooks) On(name string, cb HookFunc) error {
	p, ok := hookPointsByName[name]
	if !ok {
		return fmt.Errorf("swillrpc: unknown hook point %q", name)
	}
	h.add(p, cb)
	return nil
}

func (h *Hooks) OnBeforeConnection(cb HookFunc)      { h.add(BeforeConnection, cb) }
func (h *Hooks) OnBeforeAccept(cb HookFunc)          { h.add(BeforeAccept, cb) }
func (h *Hooks) OnBeforeRequest(cb HookFunc)         { h.add(BeforeRequest, cb) }
func (h *Hooks) OnBeforeRequestMetadata(cb HookFunc) { h.add(BeforeRequestMetadata, cb) }
func (h *Hooks) OnBeforeRequestData(cb HookFunc)     { h.add(BeforeRequestData, cb) }
func (h *Hooks) OnBeforeRequestMessage(cb HookFunc)  { h.add(BeforeRequestMessage, cb) }
func (h *Hooks) OnBeforeLeadingMetadata(cb HookFunc)  { h.add(BeforeLeadingMetadata, cb) }
func (h *Hooks) OnBeforeResponseMessage(cb HookFunc)  { h.add(BeforeResponseMessage, cb) }
func (h *Hooks) OnBeforeTrailingMetadata(cb HookFunc) { h.add(BeforeTrailingMetadata, cb) }
func (h *Hooks) OnAfterRequest(cb HookFunc)           { h.add(AfterRequest, cb) }
func (h *Hooks) OnAfterConnection(cb HookFunc)        { h.add(AfterConnection, cb) }

// run executes every callback registered at p, in registration order,
// stopping at the first error: an error from one hook prevents subsequent
// hooks at that point from running.
func (h *Hooks) run(ctx context.Context, p HookPoint, conn *Connection, req *Request) error {
	h.mu.RLock()
	cbs := append([]HookFunc(nil), h.chains[p]...)
	h.mu.RUnlock()

	for _, cb := range cbs {
		if err := cb(ctx, conn, req); err != nil {
			return err
		}
	}
	return nil
}

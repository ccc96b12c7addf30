package swillrpc

import (
	"context"
	"sync"

	"github.com/swillrpc/swill/pkg/swillproto"
)

// RpcEvent is one inbound response frame surfaced to an [RpcRequest]
// consumer. An ERROR frame arrives as an event with
// Type == [swillproto.RespError] rather than as a Go error from Receive:
// Rpc never raises for an inbound ERROR, the consumer inspects the event's
// Type itself.
type RpcEvent struct {
	Type swillproto.ResponseFrameType
	Data any
	Err  *swillproto.Error // set only when Type == swillproto.RespError
}

// RpcRequest is the client-side handle for one in-flight call: Send,
// Receive, Cancel, EndStream, Close, HasData, Ended, LeadingMetadata,
// TrailingMetadata.
type RpcRequest struct {
	client *Client
	seq    uint64
	method string

	in *Stream

	mu       sync.Mutex
	leading  swillproto.Metadata
	trailing swillproto.Metadata
	ended    bool
}

func newRpcRequest(c *Client, seq uint64, method string) *RpcRequest {
	return &RpcRequest{
		client: c,
		seq:    seq,
		method: method,
		in:     newStream(DefaultStreamCapacity),
	}
}

// Send writes another MESSAGE frame on this call's sequence, for
// client-streaming and bidi shapes.
func (r *RpcRequest) Send(v any) error {
	return r.client.sendFrame(swillproto.RequestFrame{
		Sequence: r.seq,
		Data:     v,
		Method:   r.method,
		Type:     swillproto.ReqMessage,
	})
}

// EndStream sends the client-side END_OF_STREAM frame.
func (r *RpcRequest) EndStream() error {
	return r.client.sendFrame(swillproto.RequestFrame{
		Sequence: r.seq,
		Method:   r.method,
		Type:     swillproto.ReqEndOfStream,
	})
}

// Cancel sends an explicit CANCEL frame and stops local consumption,
// distinct from Close which only stops consumption locally.
func (r *RpcRequest) Cancel() error {
	r.in.Close()
	return r.client.sendFrame(swillproto.RequestFrame{
		Sequence: r.seq,
		Method:   r.method,
		Type:     swillproto.ReqCancel,
	})
}

// Close stops local consumption without sending CANCEL on the wire.
func (r *RpcRequest) Close() {
	r.in.Close()
}

// Receive blocks for the next inbound [RpcEvent]. ok is false once the
// stream has been fully drained after a terminal frame (END_OF_STREAM or
// ERROR) or after [RpcRequest.Close]/[RpcRequest.Cancel].
func (r *RpcRequest) Receive(ctx context.Context) (*RpcEvent, bool, error) {
	v, ok, err := r.in.Next(ctx)
	if err != nil || !ok {
		return nil, ok, err
	}
	return v.(*RpcEvent), true, nil
}

// HasData reports whether at least one inbound event is buffered and
// unread.
func (r *RpcRequest) HasData() bool { return r.in.Len() > 0 }

// Ended reports whether this call has reached a terminal response frame
// (END_OF_STREAM or ERROR).
func (r *RpcRequest) Ended() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ended
}

// LeadingMetadata returns the server's leading metadata, once received.
func (r *RpcRequest) LeadingMetadata() swillproto.Metadata {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leading
}

// TrailingMetadata returns the server's trailing metadata, once received.
func (r *RpcRequest) TrailingMetadata() swillproto.Metadata {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.trailing
}

func (r *RpcRequest) setLeading(md swillproto.Metadata) {
	r.mu.Lock()
	r.leading = md
	r.mu.Unlock()
}

func (r *RpcRequest) setTrailing(md swillproto.Metadata) {
	r.mu.Lock()
	r.trailing = md
	r.mu.Unlock()
}

func (r *RpcRequest) markEnded() {
	r.mu.Lock()
	r.ended = true
	r.mu.Unlock()
}

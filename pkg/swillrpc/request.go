package swillrpc

import (
	"context"
	"sync"

	"github.com/swillrpc/swill/pkg/swillproto"
)

// requestState is the per-request state machine: NEW, OPEN,
// HALF_CLOSED_REMOTE, CLOSED, and the two absorbing states CANCELLED and
// ERRORED.
type requestState int

const (
	stateNew requestState = iota
	stateOpen
	stateHalfClosedRemote
	stateClosed
	stateCancelled
	stateErrored
)

// Request is the per-call state: sequence, method, call shape, current
// state, inbound stream, client/server metadata, and
// a cancellation signal. The dispatcher is its only mutator of wire-level
// transitions; handlers only ever see it through [Context] and [Stream].
type Request struct {
	conn   *Connection // weak back-reference: id/metadata reads only.
	record HandlerRecord

	Sequence uint64
	Method   string
	Shape    Shape

	in *Stream

	ctx    context.Context
	cancel context.CancelFunc

	mu                sync.Mutex
	state             requestState
	clientMetadata    swillproto.Metadata
	clientMetadataSet bool
	clientDataStarted bool
	serverLeading     swillproto.Metadata
	firstOutboundSent bool
	serverTrailing    swillproto.Metadata
	terminal          bool
}

func newRequest(parentCtx context.Context, conn *Connection, rec HandlerRecord, seq uint64, streamCap int) *Request {
	ctx, cancel := context.WithCancel(parentCtx)
	return &Request{
		conn:     conn,
		record:   rec,
		Sequence: seq,
		Method:   rec.Method,
		Shape:    rec.Shape,
		in:       newStream(streamCap),
		ctx:      ctx,
		cancel:   cancel,
		state:    stateNew,
	}
}

// Context returns the request-scoped [context.Context], cancelled when the
// request is cancelled or the connection closes.
func (r *Request) Context() context.Context { return r.ctx }

// protocolErr is a small helper to build invalid-argument errors for
// state-machine violations.
func protocolErr(msg string) *swillproto.Error {
	return swillproto.NewError(swillproto.CodeInvalidArgument, msg, nil)
}

// handleInbound applies one decoded request frame to the state machine. It
// returns a non-nil *[swillproto.Error] exactly when the frame constitutes
// a protocol violation that must terminate the request with an ERROR
// response; frames that are valid but redundant (e.g. any inbound frame
// after cancellation) are silently dropped.
func (r *Request) handleInbound(f swillproto.RequestFrame) *swillproto.Error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case stateCancelled, stateClosed, stateErrored:
		// After CANCEL is received, no further inbound frames for that
		// sequence are accepted; the same applies once the request has
		// otherwise terminated.
		return nil
	}

	if f.Metadata != nil {
		if r.clientMetadataSet {
			return r.errorLocked("duplicate leading metadata frame from client")
		}
		if r.clientDataStarted {
			return r.errorLocked("client leading metadata arrived after data")
		}
		r.clientMetadata = f.Metadata
		r.clientMetadataSet = true
	}

	switch f.Type {
	case swillproto.ReqCancel:
		r.state = stateCancelled
		r.in.cancel(swillproto.NewError(swillproto.CodeCancelled, "request cancelled", nil))
		r.cancel()
		r.conn.dropRequest(r.Sequence)
		return nil

	case swillproto.ReqEndOfStream:
		if r.state == stateHalfClosedRemote {
			return r.errorLocked("duplicate end-of-stream frame")
		}
		r.state = stateHalfClosedRemote
		r.in.end()
		return nil

	case swillproto.ReqMetadata:
		if r.state == stateNew {
			r.state = stateOpen
		}
		return nil

	case swillproto.ReqMessage:
		if r.state == stateHalfClosedRemote {
			return r.errorLocked("message received after end-of-stream")
		}
		if r.clientDataStarted && !r.record.In.IsStream() {
			return r.errorLocked("unary method received more than one message")
		}
		r.clientDataStarted = true
		if r.state == stateNew {
			r.state = stateOpen
		}
		if !r.in.push(f.Data) {
			return r.errorLocked("inbound stream buffer overflow")
		}
		return nil

	default:
		return r.errorLocked("unrecognized request frame type")
	}
}

// errorLocked must be called with r.mu held; it transitions the request to
// stateErrored and returns the protocol error to send.
func (r *Request) errorLocked(msg string) *swillproto.Error {
	r.state = stateErrored
	r.in.cancel(protocolErr(msg))
	r.cancel()
	return protocolErr(msg)
}

// markTerminal marks the request as terminal (stateClosed) and drops it
// from the connection's request table. It returns false if the request was
// already terminal, so only one caller gets to emit the terminal frame.
func (r *Request) markTerminal() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.terminal {
		return false
	}
	r.terminal = true
	r.state = stateClosed
	r.conn.dropRequest(r.Sequence)
	return true
}

func (r *Request) isCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == stateCancelled
}

// ClientMetadata returns the leading metadata the client attached to this
// request, if any.
func (r *Request) ClientMetadata() swillproto.Metadata {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clientMetadata
}

// SetLeadingMetadata stages the server's leading metadata. It returns false
// if the first outbound frame for this request has already been sent: per
// the resolved Open Question in DESIGN.md, late attempts are silently
// ignored, not errored.
func (r *Request) SetLeadingMetadata(md swillproto.Metadata) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.firstOutboundSent {
		return false
	}
	r.serverLeading = md
	return true
}

// consumeLeadingMetadataForNextFrame is called before building each outbound
// frame for this request. The first call returns whatever leading metadata
// was staged (or nil) and locks out any later [Request.SetLeadingMetadata]
// call; every later call returns nil.
func (r *Request) consumeLeadingMetadataForNextFrame() swillproto.Metadata {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.firstOutboundSent {
		return nil
	}
	md := r.serverLeading
	r.serverLeading = nil
	r.firstOutboundSent = true
	return md
}

// SetTrailingMetadata stores the trailing metadata attached to the
// request's terminal outbound frame.
func (r *Request) SetTrailingMetadata(md swillproto.Metadata) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.serverTrailing = md
}

func (r *Request) trailingMetadata() swillproto.Metadata {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.serverTrailing
}

// send builds and enqueues one outbound MESSAGE frame for [Context.Send].
// For a unary-output handler this frame is itself terminal (the response
// is a single MESSAGE); a second call then
// fails instead of silently overwriting the response. For a
// streaming-output handler the framework emits the closing END_OF_STREAM
// separately once the handler returns, via finishEndOfStream.
func (r *Request) send(v any) error {
	if r.isCancelled() {
		return swillproto.NewError(swillproto.CodeCancelled, "request cancelled", nil)
	}
	if err := r.ctx.Err(); err != nil {
		// Errored request or closed connection.
		return err
	}

	if err := r.conn.runHook(BeforeResponseMessage, r); err != nil {
		r.finishWithError(toProtoError(err))
		return err
	}

	terminal := false
	if !r.record.Out.IsStream() {
		if !r.markTerminal() {
			return protocolErr("unary-output handler sent more than one message")
		}
		terminal = true
	}

	leading := r.consumeLeadingMetadataForNextFrame()
	if leading != nil {
		if err := r.conn.runHook(BeforeLeadingMetadata, r); err != nil {
			r.finishWithError(toProtoError(err))
			return err
		}
	}

	f := swillproto.ResponseFrame{
		Sequence:        r.Sequence,
		Data:            v,
		Type:            swillproto.RespMessage,
		LeadingMetadata: leading,
	}
	if terminal {
		f.TrailingMetadata = r.trailingMetadata()
	}
	r.enqueueFrame(f)
	return nil
}

// finishEndOfStream enqueues the terminal END_OF_STREAM frame once a
// streaming-output handler returns. It's a no-op if the request already
// reached a terminal state by another path (a unary [Request.send], or
// [Request.finishWithError]), so the dispatcher can call it unconditionally
// after every handler invocation that didn't itself return an error.
func (r *Request) finishEndOfStream() {
	if !r.markTerminal() {
		return
	}
	trailing := r.trailingMetadata()
	if trailing != nil {
		if err := r.conn.runHook(BeforeTrailingMetadata, r); err != nil {
			r.enqueueFrame(swillproto.ResponseFrame{
				Sequence: r.Sequence,
				Data:     toProtoError(err).Payload(),
				Type:     swillproto.RespError,
			})
			return
		}
	}
	f := swillproto.ResponseFrame{
		Sequence:         r.Sequence,
		Type:             swillproto.RespEndOfStream,
		LeadingMetadata:  r.consumeLeadingMetadataForNextFrame(),
		TrailingMetadata: trailing,
	}
	r.enqueueFrame(f)
}

// finishWithError enqueues a terminal ERROR frame. Like finishEndOfStream,
// it's a no-op if the request is already terminal, so a protocol-violation
// error raised mid-dispatch can never race with a handler's own completion.
func (r *Request) finishWithError(e *swillproto.Error) {
	if !r.markTerminal() {
		return
	}
	trailing := r.trailingMetadata()
	if trailing != nil {
		if err := r.conn.runHook(BeforeTrailingMetadata, r); err != nil {
			e = toProtoError(err)
			trailing = nil
		}
	}
	f := swillproto.ResponseFrame{
		Sequence:         r.Sequence,
		Data:             e.Payload(),
		Type:             swillproto.RespError,
		LeadingMetadata:  r.consumeLeadingMetadataForNextFrame(),
		TrailingMetadata: trailing,
	}
	r.enqueueFrame(f)
}

// enqueueFrame hands a built frame to the connection's single writer
// goroutine. A request cancelled between the caller's own check and this
// one still has any frame it enqueues dropped here; the small race window
// this leaves (an in-flight frame racing a cancellation) is accepted
// rather than synchronized away.
func (r *Request) enqueueFrame(f swillproto.ResponseFrame) {
	if r.isCancelled() {
		return
	}
	select {
	case r.conn.outbox <- outboundFrame{frame: f}:
	case <-r.conn.ctx.Done():
		return
	}

	if f.Type == swillproto.RespEndOfStream || f.Type == swillproto.RespError || (f.Type == swillproto.RespMessage && !r.record.Out.IsStream()) {
		// after_request has no abort semantics (only before_* hooks can
		// abort); a failing callback is only logged by the caller-supplied
		// hook itself.
		_ = r.conn.runHook(AfterRequest, r)
	}
}

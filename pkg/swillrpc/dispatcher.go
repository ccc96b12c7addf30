package swillrpc

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/swillrpc/swill/pkg/metrics"
	"github.com/swillrpc/swill/pkg/swillproto"
	"github.com/swillrpc/swill/pkg/transport"
)

// dispatcher is the per-connection engine: one goroutine demuxes inbound
// frames into requests, one drains the shared outbound queue into the
// transport, and inbound frames are routed into a sequence-keyed request
// table.
type dispatcher struct {
	conn   *Connection
	tconn  transport.Conn
	codec  swillproto.Codec
	reg    *Registry
	hooks  *Hooks
	logger *slog.Logger

	streamCapacity int
}

func newDispatcher(conn *Connection, tconn transport.Conn, codec swillproto.Codec, reg *Registry, hooks *Hooks, l *slog.Logger, streamCapacity int) *dispatcher {
	return &dispatcher{
		conn:           conn,
		tconn:          tconn,
		codec:          codec,
		reg:            reg,
		hooks:          hooks,
		logger:         l,
		streamCapacity: streamCapacity,
	}
}

// run starts the read and write loops and blocks until both exit, which
// happens once the transport is closed or the connection's context is
// cancelled. It then cancels every still-active request: a transport
// close cancels every request on that connection.
func (d *dispatcher) run(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.writeLoop(ctx)
	}()

	d.readLoop(ctx)
	d.conn.cancel()
	<-done

	for _, req := range d.conn.activeRequests() {
		req.cancel()
	}
}

// readLoop decodes one transport message at a time and routes it. It
// returns once the transport errors (closed, or ReadMessage itself
// observes ctx.Done()).
func (d *dispatcher) readLoop(ctx context.Context) {
	for {
		b, err := d.tconn.ReadMessage(ctx)
		if err != nil {
			return
		}

		f, err := d.codec.DecodeRequest(b)
		if err != nil {
			d.handleDecodeError(err)
			continue
		}

		d.routeInbound(ctx, f)
	}
}

// handleDecodeError attributes a decode failure to a sequence when
// possible, otherwise closes the connection.
func (d *dispatcher) handleDecodeError(err error) {
	var de *swillproto.DecodeError
	if errors.As(err, &de) && de.HasSequence {
		d.logger.Warn("dropping undecodable frame, reporting to sequence",
			slog.Uint64("sequence", de.Sequence), slog.Any("error", de.Err))
		d.enqueueDirect(swillproto.ResponseFrame{
			Sequence: de.Sequence,
			Data:     swillproto.NewError(swillproto.CodeInternalError, "malformed frame", nil).Payload(),
			Type:     swillproto.RespError,
		})
		return
	}

	d.logger.Error("closing connection after undecodable frame with no attributable sequence", slog.Any("error", err))
	d.conn.cancel()
	_ = d.tconn.Close(transport.StatusInvalidData, "undecodable frame")
}

// enqueueDirect writes a frame straight to the outbox, for cases (decode
// errors, unknown-method rejections) that have no live [Request] to route
// through.
func (d *dispatcher) enqueueDirect(f swillproto.ResponseFrame) {
	select {
	case d.conn.outbox <- outboundFrame{frame: f}:
	case <-d.conn.ctx.Done():
	}
}

// routeInbound looks up or creates the request, validates/applies the
// frame, and on the first frame of a new sequence, launches the handler.
func (d *dispatcher) routeInbound(ctx context.Context, f swillproto.RequestFrame) {
	req, existed := d.conn.getRequest(f.Sequence)
	if !existed {
		rec, ok := d.reg.Lookup(f.Method)
		if !ok {
			// Unknown method on a brand-new sequence: no Request object
			// is ever retained for it.
			metrics.IncrementRequestCounter(d.logger, time.Now(), f.Method, "error")
			d.enqueueDirect(swillproto.ResponseFrame{
				Sequence: f.Sequence,
				Data:     swillproto.NewError(swillproto.CodeMethodNotFound, "method not found: "+f.Method, nil).Payload(),
				Type:     swillproto.RespError,
			})
			return
		}

		req = newRequest(d.conn.ctx, d.conn, rec, f.Sequence, d.streamCapacity)
		d.conn.putRequest(req)

		if err := d.hooks.run(ctx, BeforeRequest, d.conn, req); err != nil {
			req.finishWithError(toProtoError(err))
			return
		}

		go d.runHandler(req)
	}

	if f.Metadata != nil {
		if err := d.hooks.run(ctx, BeforeRequestMetadata, d.conn, req); err != nil {
			req.finishWithError(toProtoError(err))
			return
		}
	}

	if f.Type == swillproto.ReqMessage {
		if err := d.hooks.run(ctx, BeforeRequestData, d.conn, req); err != nil {
			req.finishWithError(toProtoError(err))
			return
		}
		if err := d.hooks.run(ctx, BeforeRequestMessage, d.conn, req); err != nil {
			req.finishWithError(toProtoError(err))
			return
		}
	}

	if perr := req.handleInbound(f); perr != nil {
		req.finishWithError(perr)
	}
}

// runHandler executes one handler invocation to completion, recovering
// panics into CodeInternalError since handlers are arbitrary registered
// code that the dispatcher can't otherwise assume is well-behaved.
func (d *dispatcher) runHandler(req *Request) {
	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Error("handler panicked", slog.Any("panic", rec), slog.String("method", req.Method))
			req.finishWithError(swillproto.NewError(swillproto.CodeInternalError, "handler panicked", nil))
		}
	}()

	cctx := newContext(req)
	err := req.record.Handler(cctx, req.in)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// A handler returning context.Canceled ends the request
			// silently. Any other error goes through finishWithError, but
			// enqueueFrame still drops its frame once the request has been
			// cancelled.
			metrics.IncrementRequestCounter(d.logger, time.Now(), req.Method, "cancelled")
			return
		}
		metrics.IncrementRequestCounter(d.logger, time.Now(), req.Method, "error")
		req.finishWithError(toProtoError(err))
		return
	}

	outcome := "end_of_stream"
	if !req.record.Out.IsStream() {
		req.mu.Lock()
		if req.terminal {
			// A unary-output handler already sent its terminal MESSAGE.
			outcome = "message"
		}
		req.mu.Unlock()
	}
	metrics.IncrementRequestCounter(d.logger, time.Now(), req.Method, outcome)
	req.finishEndOfStream()
}

// toProtoError converts a handler- or hook-raised error into the wire
// error taxonomy: a *[swillproto.Error] is passed through as-is (the
// handler picked its own code), anything else becomes CodeInternalError.
func toProtoError(err error) *swillproto.Error {
	var pe *swillproto.Error
	if errors.As(err, &pe) {
		return pe
	}
	return swillproto.Wrap(swillproto.CodeInternalError, err.Error(), err)
}

// writeLoop drains the connection's outbound queue into the transport,
// the single-writer half of the dispatcher that keeps writes to the
// transport serialized. It exits once the outbox is closed or ctx is done.
func (d *dispatcher) writeLoop(ctx context.Context) {
	for {
		select {
		case of, ok := <-d.conn.outbox:
			if !ok {
				return
			}
			b, err := d.codec.EncodeResponse(of.frame)
			if err != nil {
				d.logger.Error("failed to encode response frame", slog.Any("error", err), slog.Uint64("sequence", of.frame.Sequence))
				continue
			}
			if err := d.tconn.WriteMessage(ctx, b); err != nil {
				return
			}
		case <-ctx.Done():
			return
		case <-d.conn.ctx.Done():
			return
		}
	}
}

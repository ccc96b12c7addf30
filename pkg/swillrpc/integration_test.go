package swillrpc

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swillrpc/swill/pkg/swillmsgpack"
	"github.com/swillrpc/swill/pkg/swillproto"
	"github.com/swillrpc/swill/pkg/transport"
)

// newTestPair wires a [Server] to a bare-bones [Client] over an in-memory
// [transport.Pipe] instead of a real socket. The client is built by hand
// (skipping [Connect]'s URL dial) since these scenarios only care about
// the wire protocol, not the dial path.
func newTestPair(t *testing.T, register func(*Server)) (*Server, *Client) {
	t.Helper()

	s := NewServer(swillmsgpack.New())
	register(s)

	serverConn, clientConn := transport.NewPipe()
	t.Cleanup(func() {
		_ = serverConn.Close(transport.StatusNormalClosure, "test done")
		_ = clientConn.Close(transport.StatusNormalClosure, "test done")
	})

	go func() {
		_ = s.Accept(context.Background(), serverConn, transport.Meta{})
	}()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	c := &Client{
		codec:   swillmsgpack.New(),
		policy:  DefaultReconnectPolicy,
		logger:  slog.Default(),
		pending: map[uint64]*RpcRequest{},
		tconn:   clientConn,
		ctx:     ctx,
		cancel:  cancel,
	}
	go c.readLoop(clientConn, c.connGen)

	return s, c
}

func TestScenarioAdd(t *testing.T) {
	_, c := newTestPair(t, func(s *Server) {
		require.NoError(t, s.Register("add", addHandler, Single(), Single()))
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	got, err := c.Call(ctx, "add", []any{int64(1), int64(2)})
	require.NoError(t, err)
	assert.Equal(t, int64(3), toInt64(got))
}

func TestScenarioUnknownMethod(t *testing.T) {
	_, c := newTestPair(t, func(*Server) {})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	got, err := c.Call(ctx, "nope", nil)
	require.Error(t, err)
	assert.Nil(t, got)

	var pe *swillproto.Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, swillproto.CodeMethodNotFound, pe.Code)
}

func TestScenarioServerStreamCount(t *testing.T) {
	_, c := newTestPair(t, func(s *Server) {
		require.NoError(t, s.Register("count", countHandler, Single(), StreamOf()))
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	req := c.Rpc(ctx, "count", int64(3))

	var got []int64
	for {
		evt, ok, err := req.Receive(ctx)
		require.NoError(t, err)
		if !ok {
			t.Fatal("stream ended without a terminal frame")
		}
		if evt.Type == swillproto.RespEndOfStream {
			break
		}
		require.Equal(t, swillproto.RespMessage, evt.Type)
		got = append(got, toInt64(evt.Data))
	}
	assert.Equal(t, []int64{0, 1, 2}, got)
}

func TestScenarioClientStreamSum(t *testing.T) {
	_, c := newTestPair(t, func(s *Server) {
		require.NoError(t, s.Register("sum", sumHandler, StreamOf(), Single()))
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	req := c.Rpc(ctx, "sum", int64(1))
	require.NoError(t, req.Send(int64(2)))
	require.NoError(t, req.Send(int64(3)))
	require.NoError(t, req.EndStream())

	evt, ok, err := req.Receive(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, swillproto.RespMessage, evt.Type)
	assert.Equal(t, int64(6), toInt64(evt.Data))
}

// TestScenarioCancelMidStream checks that after CANCEL, no further
// outbound frames for that sequence are observed.
func TestScenarioCancelMidStream(t *testing.T) {
	_, c := newTestPair(t, func(s *Server) {
		require.NoError(t, s.Register("forever", foreverTestHandler, Single(), StreamOf()))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req := c.Rpc(ctx, "forever", nil)

	for range 2 {
		evt, ok, err := req.Receive(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, swillproto.RespMessage, evt.Type)
	}

	// Cancel at the wire level directly, leaving req's local stream open,
	// so any frame the server sent after CANCEL would still show up here.
	require.NoError(t, c.sendFrame(swillproto.RequestFrame{
		Sequence: req.seq,
		Method:   "forever",
		Type:     swillproto.ReqCancel,
	}))

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer drainCancel()
	_, _, err := req.Receive(drainCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "no frame should arrive for this sequence after CANCEL")
}

func TestScenarioProtocolViolation(t *testing.T) {
	_, c := newTestPair(t, func(s *Server) {
		require.NoError(t, s.Register("sum", sumHandler, StreamOf(), Single()))
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	req := c.Rpc(ctx, "sum", int64(1))
	require.NoError(t, req.EndStream())
	require.NoError(t, req.Send(int64(99))) // message after end-of-stream: protocol violation

	evt, ok, err := req.Receive(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, swillproto.RespError, evt.Type)
	assert.Equal(t, swillproto.CodeInvalidArgument, evt.Err.Code)
}

// TestReconnectDelayMonotonic checks that the computed reconnect delay
// never decreases as the attempt count increases.
func TestReconnectDelayMonotonic(t *testing.T) {
	p := ReconnectPolicy{
		Base:          time.Second,
		BackoffFactor: 1,
		MaxRetries:    3,
		Jitter:        func(time.Duration, time.Duration) time.Duration { return 0 },
	}

	prev := time.Duration(0)
	for attempt := 1; attempt <= 3; attempt++ {
		d := p.delay(attempt)
		assert.GreaterOrEqual(t, d, prev)
		prev = d
	}
	assert.Equal(t, time.Second, p.delay(1))
	assert.Equal(t, 2*time.Second, p.delay(2))
	assert.Equal(t, 3*time.Second, p.delay(3))
}

// toInt64 coerces a decoded msgpack number to int64 regardless of which
// concrete Go type the codec chose for it.
func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case uint64:
		return int64(n)
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case float32:
		return int64(n)
	default:
		panic("toInt64: unexpected numeric type")
	}
}

func addHandler(ctx *Context, in *Stream) error {
	v, _, err := in.Next(ctx.Context())
	if err != nil {
		return err
	}
	pair := v.([]any)
	return ctx.Send(toInt64(pair[0]) + toInt64(pair[1]))
}

func countHandler(ctx *Context, in *Stream) error {
	v, _, err := in.Next(ctx.Context())
	if err != nil {
		return err
	}
	n := toInt64(v)
	for i := int64(0); i < n; i++ {
		if err := ctx.Send(i); err != nil {
			return err
		}
	}
	return nil
}

func sumHandler(ctx *Context, in *Stream) error {
	var total int64
	for {
		v, ok, err := in.Next(ctx.Context())
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		total += toInt64(v)
	}
	return ctx.Send(total)
}

// foreverTestHandler sends an incrementing counter every 5ms until the
// request's context is cancelled, a fast tick so cancellation tests don't
// wait on a slow real-world interval.
func foreverTestHandler(ctx *Context, in *Stream) error {
	var i int64
	for {
		select {
		case <-ctx.Context().Done():
			return ctx.Context().Err()
		case <-time.After(5 * time.Millisecond):
		}
		if err := ctx.Send(i); err != nil {
			return err
		}
		i++
	}
}

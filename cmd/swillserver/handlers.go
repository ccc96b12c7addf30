package main

import (
	"time"

	"github.com/swillrpc/swill/pkg/swillproto"
	"github.com/swillrpc/swill/pkg/swillrpc"
)

// registerDemoHandlers wires up five demo methods covering the unary,
// server-stream and client-stream shapes: add (unary), count
// (server-stream), sum (client-stream), forever (server-stream, a
// cancel-mid-stream target), and echo (unary, for quick manual testing).
// No bidi method is registered.
func registerDemoHandlers(s *swillrpc.Server) error {
	if err := s.Register("echo", echoHandler, swillrpc.Single(), swillrpc.Single()); err != nil {
		return err
	}
	if err := s.Register("add", addHandler, swillrpc.Single(), swillrpc.Single()); err != nil {
		return err
	}
	if err := s.Register("count", countHandler, swillrpc.Single(), swillrpc.StreamOf()); err != nil {
		return err
	}
	if err := s.Register("sum", sumHandler, swillrpc.StreamOf(), swillrpc.Single()); err != nil {
		return err
	}
	if err := s.Register("forever", foreverHandler, swillrpc.Single(), swillrpc.StreamOf()); err != nil {
		return err
	}
	return nil
}

// echoHandler returns its input unchanged.
func echoHandler(ctx *swillrpc.Context, in *swillrpc.Stream) error {
	v, _, err := in.Next(ctx.Context())
	if err != nil {
		return err
	}
	return ctx.Send(v)
}

// addHandler sums a two-element array, e.g. add(1,2) -> 3.
func addHandler(ctx *swillrpc.Context, in *swillrpc.Stream) error {
	v, _, err := in.Next(ctx.Context())
	if err != nil {
		return err
	}

	pair, ok := v.([]any)
	if !ok || len(pair) != 2 {
		return swillProtoInvalidArgument("add takes a 2-element array")
	}

	a, aok := toFloat64(pair[0])
	b, bok := toFloat64(pair[1])
	if !aok || !bok {
		return swillProtoInvalidArgument("add operands must be numbers")
	}

	return ctx.Send(a + b)
}

// countHandler yields 0..n-1 then ends the stream, e.g. count(3) yields
// 0, 1, 2.
func countHandler(ctx *swillrpc.Context, in *swillrpc.Stream) error {
	v, _, err := in.Next(ctx.Context())
	if err != nil {
		return err
	}

	n, ok := toFloat64(v)
	if !ok {
		return swillProtoInvalidArgument("count takes a number")
	}

	for i := 0; i < int(n); i++ {
		if err := ctx.Send(i); err != nil {
			return err
		}
	}
	return nil
}

// sumHandler consumes a client-stream of numbers, terminated by
// END_OF_STREAM, and yields their sum once.
func sumHandler(ctx *swillrpc.Context, in *swillrpc.Stream) error {
	total := 0.0
	for {
		v, ok, err := in.Next(ctx.Context())
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		n, ok := toFloat64(v)
		if !ok {
			return swillProtoInvalidArgument("sum takes a stream of numbers")
		}
		total += n
	}
	return ctx.Send(total)
}

// foreverHandler emits an unbounded tick stream, useful for exercising
// mid-stream cancellation. It keeps sending until the request's context is
// cancelled, observing no further sends once CANCEL arrives.
func foreverHandler(ctx *swillrpc.Context, in *swillrpc.Stream) error {
	i := 0
	for {
		select {
		case <-ctx.Context().Done():
			return ctx.Context().Err()
		case <-time.After(50 * time.Millisecond):
		}
		if err := ctx.Send(i); err != nil {
			return err
		}
		i++
	}
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

func swillProtoInvalidArgument(msg string) error {
	return swillproto.NewError(swillproto.CodeInvalidArgument, msg, nil)
}

package swillrpc

// Descriptor declares whether a handler's input or output is a single
// value or a stream of values. swill doesn't reflect over Go types to
// infer this the way a dynamically-typed runtime would: registration
// states it explicitly, and handlers type-assert the `any` payloads they
// read from/write to the stream themselves.
type Descriptor struct {
	stream bool
}

// Single declares a unary (single-value) input or output.
func Single() Descriptor { return Descriptor{stream: false} }

// StreamOf declares a streamed (zero-or-more-values) input or output.
func StreamOf() Descriptor { return Descriptor{stream: true} }

// IsStream reports whether the descriptor declares a stream.
func (d Descriptor) IsStream() bool { return d.stream }

// Shape is one of the four call shapes a handler can declare.
type Shape int

const (
	ShapeUnary Shape = iota
	ShapeClientStream
	ShapeServerStream
	ShapeBidi
)

func (s Shape) String() string {
	switch s {
	case ShapeUnary:
		return "unary"
	case ShapeClientStream:
		return "client-stream"
	case ShapeServerStream:
		return "server-stream"
	case ShapeBidi:
		return "bidi"
	default:
		return "unknown"
	}
}

// classify derives the call shape from the declared descriptors.
func classify(in, out Descriptor) Shape {
	switch {
	case in.stream && out.stream:
		return ShapeBidi
	case in.stream:
		return ShapeClientStream
	case out.stream:
		return ShapeServerStream
	default:
		return ShapeUnary
	}
}

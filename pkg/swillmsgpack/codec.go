package swillmsgpack

import (
	"fmt"

	"github.com/hashicorp/go-msgpack/codec"

	"github.com/swillrpc/swill/pkg/swillproto"
)

// Codec implements [swillproto.Codec] using MessagePack array encoding.
// It is safe for concurrent use: each call builds its own encoder/decoder
// rather than sharing one across goroutines.
type Codec struct {
	handle *codec.MsgpackHandle
}

// New returns a ready-to-use [Codec].
func New() *Codec {
	return &Codec{handle: &codec.MsgpackHandle{RawToString: true}}
}

var _ swillproto.Codec = (*Codec)(nil)

// EncodeRequest encodes a request frame as the shortest array that preserves
// semantics: `[seq, data, method]` through `[seq, data, method, type, metadata]`.
func (c *Codec) EncodeRequest(f swillproto.RequestFrame) ([]byte, error) {
	n := 3
	if f.Metadata != nil {
		n = 5
	} else if f.Type != swillproto.ReqMessage {
		n = 4
	}

	arr := make([]any, n)
	arr[0] = f.Sequence
	arr[1] = f.Data
	arr[2] = f.Method
	if n >= 4 {
		arr[3] = uint(f.Type)
	}
	if n >= 5 {
		arr[4] = f.Metadata
	}

	return c.encode(arr)
}

// EncodeResponse encodes a response frame as the shortest array that
// preserves semantics: `[seq, data]` through `[seq, data, type, leading, trailing]`.
func (c *Codec) EncodeResponse(f swillproto.ResponseFrame) ([]byte, error) {
	n := 2
	switch {
	case f.TrailingMetadata != nil:
		n = 5
	case f.LeadingMetadata != nil:
		n = 4
	case f.Type != swillproto.RespMessage:
		n = 3
	}

	arr := make([]any, n)
	arr[0] = f.Sequence
	arr[1] = f.Data
	if n >= 3 {
		arr[2] = uint(f.Type)
	}
	if n >= 4 {
		arr[3] = f.LeadingMetadata
	}
	if n >= 5 {
		arr[4] = f.TrailingMetadata
	}

	return c.encode(arr)
}

func (c *Codec) encode(arr []any) ([]byte, error) {
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, c.handle)
	if err := enc.Encode(arr); err != nil {
		return nil, fmt.Errorf("swillmsgpack: failed to encode envelope: %w", err)
	}
	return buf, nil
}

// DecodeRequest decodes a request envelope. It rejects envelopes with fewer
// than 3 or more than 5 elements, and methods that aren't strings.
func (c *Codec) DecodeRequest(b []byte) (swillproto.RequestFrame, error) {
	arr, err := c.decodeArray(b, 3, 5)
	if err != nil {
		seq, hasSeq := recoverSequence(arr)
		return swillproto.RequestFrame{}, &swillproto.DecodeError{Err: err, Sequence: seq, HasSequence: hasSeq}
	}

	seq, err := toUint64(arr[0])
	if err != nil {
		return swillproto.RequestFrame{}, &swillproto.DecodeError{
			Err: fmt.Errorf("swillmsgpack: bad request sequence: %w", err),
		}
	}
	method, ok := toString(arr[2])
	if !ok {
		return swillproto.RequestFrame{}, &swillproto.DecodeError{
			Err:         fmt.Errorf("swillmsgpack: request method is not a string: %T", arr[2]),
			Sequence:    seq,
			HasSequence: true,
		}
	}

	f := swillproto.RequestFrame{
		Sequence: seq,
		Data:     arr[1],
		Method:   method,
		Type:     swillproto.ReqMessage,
	}

	if len(arr) >= 4 && arr[3] != nil {
		t, err := toUint64(arr[3])
		if err != nil {
			return swillproto.RequestFrame{}, &swillproto.DecodeError{
				Err:         fmt.Errorf("swillmsgpack: bad request frame type: %w", err),
				Sequence:    seq,
				HasSequence: true,
			}
		}
		f.Type = swillproto.RequestFrameType(t)
	}
	if len(arr) >= 5 && arr[4] != nil {
		md, err := toMetadata(arr[4])
		if err != nil {
			return swillproto.RequestFrame{}, &swillproto.DecodeError{Err: err, Sequence: seq, HasSequence: true}
		}
		f.Metadata = md
	}

	return f, nil
}

// DecodeResponse decodes a response envelope, rejecting anything outside
// the 2-5 element range. Failures are wrapped in [swillproto.DecodeError] on
// the same best-effort-attribution basis as [Codec.DecodeRequest]; a client
// dispatcher uses this to route a bad frame back to the waiting [RpcRequest]
// instead of tearing down the whole connection when a sequence is known.
func (c *Codec) DecodeResponse(b []byte) (swillproto.ResponseFrame, error) {
	arr, err := c.decodeArray(b, 2, 5)
	if err != nil {
		seq, hasSeq := recoverSequence(arr)
		return swillproto.ResponseFrame{}, &swillproto.DecodeError{Err: err, Sequence: seq, HasSequence: hasSeq}
	}

	seq, err := toUint64(arr[0])
	if err != nil {
		return swillproto.ResponseFrame{}, &swillproto.DecodeError{
			Err: fmt.Errorf("swillmsgpack: bad response sequence: %w", err),
		}
	}

	f := swillproto.ResponseFrame{
		Sequence: seq,
		Data:     arr[1],
		Type:     swillproto.RespMessage,
	}

	if len(arr) >= 3 && arr[2] != nil {
		t, err := toUint64(arr[2])
		if err != nil {
			return swillproto.ResponseFrame{}, &swillproto.DecodeError{
				Err:         fmt.Errorf("swillmsgpack: bad response frame type: %w", err),
				Sequence:    seq,
				HasSequence: true,
			}
		}
		f.Type = swillproto.ResponseFrameType(t)
	}
	if len(arr) >= 4 && arr[3] != nil {
		md, err := toMetadata(arr[3])
		if err != nil {
			return swillproto.ResponseFrame{}, &swillproto.DecodeError{Err: err, Sequence: seq, HasSequence: true}
		}
		f.LeadingMetadata = md
	}
	if len(arr) >= 5 && arr[4] != nil {
		md, err := toMetadata(arr[4])
		if err != nil {
			return swillproto.ResponseFrame{}, &swillproto.DecodeError{Err: err, Sequence: seq, HasSequence: true}
		}
		f.TrailingMetadata = md
	}

	return f, nil
}

func (c *Codec) decodeArray(b []byte, minLen, maxLen int) ([]any, error) {
	var arr []any
	dec := codec.NewDecoderBytes(b, c.handle)
	if err := dec.Decode(&arr); err != nil {
		return arr, fmt.Errorf("swillmsgpack: failed to decode envelope: %w", err)
	}

	if len(arr) < minLen || len(arr) > maxLen {
		return arr, fmt.Errorf("swillmsgpack: envelope has %d elements, want %d-%d", len(arr), minLen, maxLen)
	}

	return arr, nil
}

// recoverSequence best-effort extracts a sequence number from a partially
// decoded envelope array, so a decode failure can still be attributed to a
// specific request rather than closing the whole connection.
func recoverSequence(arr []any) (uint64, bool) {
	if len(arr) == 0 {
		return 0, false
	}
	seq, err := toUint64(arr[0])
	if err != nil {
		return 0, false
	}
	return seq, true
}

func toUint64(v any) (uint64, error) {
	switch n := v.(type) {
	case uint64:
		return n, nil
	case uint:
		return uint64(n), nil
	case int64:
		if n < 0 {
			return 0, fmt.Errorf("negative integer: %d", n)
		}
		return uint64(n), nil
	case int:
		if n < 0 {
			return 0, fmt.Errorf("negative integer: %d", n)
		}
		return uint64(n), nil
	default:
		return 0, fmt.Errorf("not an integer: %T", v)
	}
}

func toString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case []byte:
		return string(s), true
	default:
		return "", false
	}
}

func toMetadata(v any) (swillproto.Metadata, error) {
	md := swillproto.Metadata{}

	switch m := v.(type) {
	case map[string]string:
		for k, val := range m {
			md[k] = val
		}
	case map[string]any:
		for k, val := range m {
			s, ok := toString(val)
			if !ok {
				return nil, fmt.Errorf("swillmsgpack: metadata value for %q is not a string: %T", k, val)
			}
			md[k] = s
		}
	case map[any]any:
		for k, val := range m {
			ks, ok := toString(k)
			if !ok {
				return nil, fmt.Errorf("swillmsgpack: metadata key is not a string: %T", k)
			}
			vs, ok := toString(val)
			if !ok {
				return nil, fmt.Errorf("swillmsgpack: metadata value for %q is not a string: %T", ks, val)
			}
			md[ks] = vs
		}
	default:
		return nil, fmt.Errorf("swillmsgpack: metadata is not a map: %T", v)
	}

	if len(md) == 0 {
		return nil, nil
	}
	return md, nil
}

package swillmsgpack

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swillrpc/swill/pkg/swillproto"
)

func TestEncodeRequestMinimalTail(t *testing.T) {
	tests := []struct {
		name    string
		in      swillproto.RequestFrame
		wantLen int
	}{
		{"message only", swillproto.RequestFrame{Sequence: 1, Data: []any{1, 2}, Method: "add"}, 3},
		{"cancel", swillproto.RequestFrame{Sequence: 4, Method: "forever", Type: swillproto.ReqCancel}, 4},
		{
			"with metadata",
			swillproto.RequestFrame{
				Sequence: 2, Method: "count", Data: 3,
				Type:     swillproto.ReqMetadata,
				Metadata: swillproto.NewMetadata([2]string{"trace", "abc"}),
			},
			5,
		},
	}

	c := New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := c.EncodeRequest(tt.in)
			require.NoError(t, err)
			assert.Len(t, mustDecodeArrayLen(t, c, b, true), tt.wantLen)

			got, err := c.DecodeRequest(b)
			require.NoError(t, err)

			assert.Equal(t, tt.in.Sequence, got.Sequence)
			assert.Equal(t, tt.in.Method, got.Method)
			assert.Equal(t, tt.in.Type, got.Type)
			assert.Equal(t, tt.in.Metadata, got.Metadata)
		})
	}
}

func TestEncodeResponseMinimalTail(t *testing.T) {
	c := New()

	b, err := c.EncodeResponse(swillproto.ResponseFrame{Sequence: 1, Data: int64(3)})
	require.NoError(t, err)
	assert.Len(t, mustDecodeArrayLen(t, c, b, false), 2)

	f, err := c.DecodeResponse(b)
	require.NoError(t, err)
	assert.Equal(t, swillproto.RespMessage, f.Type)
	assert.Nil(t, f.LeadingMetadata)
	assert.Nil(t, f.TrailingMetadata)
}

func TestEncodeResponseWithTrailingMetadataFillsIntervening(t *testing.T) {
	c := New()
	f := swillproto.ResponseFrame{
		Sequence:         3,
		Data:             nil,
		Type:             swillproto.RespEndOfStream,
		TrailingMetadata: swillproto.NewMetadata([2]string{"k", "v"}),
	}

	b, err := c.EncodeResponse(f)
	require.NoError(t, err)

	got, err := c.DecodeResponse(b)
	require.NoError(t, err)
	assert.Equal(t, swillproto.RespEndOfStream, got.Type)
	assert.Nil(t, got.LeadingMetadata)
	assert.Equal(t, f.TrailingMetadata, got.TrailingMetadata)
}

func TestDecodeRequestRejectsMalformedLength(t *testing.T) {
	c := New()
	b, err := c.encode([]any{uint64(1), nil})
	require.NoError(t, err)

	_, err = c.DecodeRequest(b)
	assert.Error(t, err)
}

func TestDecodeRequestRejectsNonStringMethod(t *testing.T) {
	c := New()
	b, err := c.encode([]any{uint64(1), nil, uint64(7)})
	require.NoError(t, err)

	_, err = c.DecodeRequest(b)
	assert.Error(t, err)
}

func mustDecodeArrayLen(t *testing.T, c *Codec, b []byte, isRequest bool) []any {
	t.Helper()
	arr, err := c.decodeArray(b, 2, 5)
	require.NoError(t, err)
	return arr
}

package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipeRoundTrip(t *testing.T) {
	a, b := NewPipe()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, a.WriteMessage(ctx, []byte("hello")))
	got, err := b.ReadMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestPipeCloseUnblocksBothEnds(t *testing.T) {
	a, b := NewPipe()
	require.NoError(t, a.Close(StatusGoingAway, "bye"))

	ctx := context.Background()
	_, err := a.ReadMessage(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = b.ReadMessage(ctx)
	assert.ErrorIs(t, err, ErrClosed)

	code, reason := a.CloseStatus()
	assert.Equal(t, StatusGoingAway, code)
	assert.Equal(t, "bye", reason)
}

package swillrpc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamFIFOOrderAndEnd(t *testing.T) {
	s := newStream(4)
	require.True(t, s.push(1))
	require.True(t, s.push(2))
	s.end()

	ctx := context.Background()
	v, ok, err := s.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, v)

	v, ok, err = s.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, v)

	_, ok, err = s.Next(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStreamNextBlocksUntilPush(t *testing.T) {
	s := newStream(4)
	done := make(chan struct{})

	go func() {
		defer close(done)
		v, ok, err := s.Next(context.Background())
		assert.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "late", v)
	}()

	time.Sleep(10 * time.Millisecond)
	s.push("late")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Next did not unblock after push")
	}
}

func TestStreamCancelUnblocksWaitersEvenWithBufferedData(t *testing.T) {
	s := newStream(4)
	s.push("buffered")
	s.cancel(nil)

	_, ok, err := s.Next(context.Background())
	assert.False(t, ok)
	assert.Error(t, err)
}

func TestStreamPushDroppedAfterEnd(t *testing.T) {
	s := newStream(4)
	s.end()
	assert.False(t, s.push("too late"))
}

func TestStreamCloseDrainsThenEnds(t *testing.T) {
	s := newStream(4)
	s.push(1)
	s.Close()
	assert.False(t, s.push(2))

	v, ok, err := s.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok, err = s.Next(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStreamNextRespectsContextCancellation(t *testing.T) {
	s := newStream(4)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := s.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

package swillrpc

import (
	"context"
	"sync"

	"github.com/swillrpc/swill/pkg/swillproto"
)

// DefaultStreamCapacity bounds a [Stream]'s inbound buffer when a handler
// or client doesn't drain it as fast as frames arrive. swill always
// bounds, to cap memory, and makes the bound configurable via
// [WithStreamCapacity].
const DefaultStreamCapacity = 64

// Stream is a single-producer/single-consumer, producer-closable FIFO of
// decoded payload values. The dispatcher is the producer; a handler
// (server side) or an [RpcRequest] caller (client side) is the consumer.
type Stream struct {
	mu       sync.Mutex
	notify   chan struct{}
	buf      []any
	cap      int
	ended    bool
	cancelCh chan struct{}
	cancelMu sync.Once
	cancelErr error
	consumerClosed bool
}

func newStream(capacity int) *Stream {
	if capacity <= 0 {
		capacity = DefaultStreamCapacity
	}
	return &Stream{
		notify:   make(chan struct{}),
		cap:      capacity,
		cancelCh: make(chan struct{}),
	}
}

// push enqueues a value from the producer. It silently drops the value if
// the stream has already ended, been cancelled, or been closed by the
// consumer, and reports whether it was accepted so the dispatcher can
// apply its own backpressure/overflow policy.
func (s *Stream) push(v any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended || s.isCancelledLocked() || s.consumerClosed {
		return false
	}
	if len(s.buf) >= s.cap {
		return false
	}

	s.buf = append(s.buf, v)
	s.wakeLocked()
	return true
}

// end marks the stream as having received its producer-side END_OF_STREAM.
// Buffered values remain readable; Next reports (nil, false, nil) once
// they're drained.
func (s *Stream) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = true
	s.wakeLocked()
}

// cancel marks the stream as cancelled: every current and future waiter in
// Next observes err immediately, even with values still buffered.
func (s *Stream) cancel(err error) {
	s.mu.Lock()
	if s.cancelErr == nil {
		s.cancelErr = err
	}
	s.mu.Unlock()

	s.cancelMu.Do(func() { close(s.cancelCh) })

	s.mu.Lock()
	s.wakeLocked()
	s.mu.Unlock()
}

func (s *Stream) isCancelledLocked() bool {
	select {
	case <-s.cancelCh:
		return true
	default:
		return false
	}
}

// wakeLocked must be called with s.mu held; it fans out a wakeup to every
// goroutine blocked in Next by closing and replacing the notify channel.
func (s *Stream) wakeLocked() {
	close(s.notify)
	s.notify = make(chan struct{})
}

// Next blocks until a value is available, the stream ends, it's cancelled,
// or ctx is done, whichever comes first.
func (s *Stream) Next(ctx context.Context) (any, bool, error) {
	for {
		s.mu.Lock()
		if s.isCancelledLocked() {
			err := s.cancelErr
			s.mu.Unlock()
			if err == nil {
				err = swillproto.NewError(swillproto.CodeCancelled, "request cancelled", nil)
			}
			return nil, false, err
		}
		if len(s.buf) > 0 {
			v := s.buf[0]
			s.buf = s.buf[1:]
			s.mu.Unlock()
			return v, true, nil
		}
		if s.ended || s.consumerClosed {
			s.mu.Unlock()
			return nil, false, nil
		}
		ch := s.notify
		s.mu.Unlock()

		select {
		case <-ch:
		case <-s.cancelCh:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
}

// Len returns the number of buffered, unread values.
func (s *Stream) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// Close marks the stream as closed from the consumer side: it stops
// accepting new values, but buffered values remain readable via Next until
// drained. It does not send a wire CANCEL frame; that's
// [RpcRequest.Cancel]'s job.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consumerClosed = true
}

package concurrency

import (
	"context"
	"sync"
)

// Stream is a cancellable typed stream with a terminal error. Producers push
// with Send and finish with End or Fail; consumers range over C and check Err
// once C is closed. Close is the consumer-side cancel and is idempotent.
//
// Only the producer closes the underlying channel (via End or Fail); Close
// signals the producer to stop, and the producer's End unblocks any consumer
// still ranging over C.
//
// The kv range streams, feed tails and indexer live streams are all Streams.
type Stream[T any] struct {
	c        chan T
	done     chan struct{}
	stop     func()
	doneOnce sync.Once
	endOnce  sync.Once
	mu       sync.Mutex
	err      error
}

// NewStream creates a Stream with the given buffer size. stop is invoked once
// when the stream terminates from either side; it may be nil.
func NewStream[T any](buf int, stop func()) *Stream[T] {
	return &Stream[T]{
		c:    make(chan T, buf),
		done: make(chan struct{}),
		stop: stop,
	}
}

// C is the receive side of the stream.
func (s *Stream[T]) C() <-chan T {
	return s.c
}

// Send delivers v to the consumer. It returns false when the stream has been
// closed or ctx is done, in which case the producer should stop and End.
func (s *Stream[T]) Send(ctx context.Context, v T) bool {
	select {
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	default:
	}
	select {
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	case s.c <- v:
		return true
	}
}

// Fail records a terminal error and ends the stream. Producer-side only.
func (s *Stream[T]) Fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.End()
}

// End closes the stream. Producer-side only; the producer must not Send
// afterwards.
func (s *Stream[T]) End() {
	s.signalDone()
	s.endOnce.Do(func() {
		close(s.c)
	})
}

// Close cancels the stream from the consumer side and is idempotent. The
// channel stays open until the producer reacts with End, so a consumer
// draining C will not miss buffered values.
func (s *Stream[T]) Close() {
	s.signalDone()
}

// Err returns the terminal error, if any. Valid once C is closed.
func (s *Stream[T]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed when the stream has terminated from either side.
func (s *Stream[T]) Done() <-chan struct{} {
	return s.done
}

func (s *Stream[T]) signalDone() {
	s.doneOnce.Do(func() {
		close(s.done)
		if s.stop != nil {
			s.stop()
		}
	})
}

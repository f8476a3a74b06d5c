// Package duplex provides the rendezvous message queues exchanged between a
// transport and its consumer. Queues have zero capacity: a send blocks until
// a matching receive occurs, giving backpressure with no buffering policy.
// Closing a stream releases any pending senders and receivers with ErrClosed
// rather than letting them hang.
package duplex

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// ErrClosed is returned by operations on a closed stream.
var ErrClosed = errors.New("duplex: stream closed")

// Message is one inbound element: either a raw protocol message or the error
// produced while decoding one. Transports forward decode and parse failures
// as values so the consumer can correlate them without losing the stream.
type Message struct {
	Raw json.RawMessage
	Err error
}

// Stream is a zero-capacity queue of T.
type Stream[T any] struct {
	ch   chan T
	done chan struct{}
	once sync.Once
}

// NewStream creates an open rendezvous stream.
func NewStream[T any]() *Stream[T] {
	return &Stream[T]{ch: make(chan T), done: make(chan struct{})}
}

// Send delivers v to a waiting receiver. It blocks until a receiver arrives,
// the stream is closed, or ctx is done.
func (s *Stream[T]) Send(ctx context.Context, v T) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	select {
	case s.ch <- v:
		return nil
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv blocks until a sender arrives, the stream is closed, or ctx is done.
func (s *Stream[T]) Recv(ctx context.Context) (T, error) {
	var zero T
	select {
	case v := <-s.ch:
		return v, nil
	case <-s.done:
		return zero, ErrClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Close releases all pending and future operations with ErrClosed. It is
// safe to call multiple times and from any goroutine.
func (s *Stream[T]) Close() {
	s.once.Do(func() { close(s.done) })
}

// Pair bundles the two directions of one duplex connection as seen by the
// consumer: messages arriving from the peer and messages to be delivered to
// the peer.
type Pair struct {
	Inbound  *Stream[Message]
	Outbound *Stream[json.RawMessage]
}

// NewPair creates an open inbound/outbound pair.
func NewPair() *Pair {
	return &Pair{
		Inbound:  NewStream[Message](),
		Outbound: NewStream[json.RawMessage](),
	}
}

// Close closes both directions.
func (p *Pair) Close() {
	p.Inbound.Close()
	p.Outbound.Close()
}

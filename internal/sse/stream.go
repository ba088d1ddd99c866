package sse

import (
	"context"
	"errors"
	"io"
	"sync"
)

// Stream delivers the events of one open text/event-stream response.
// It cannot be restarted once closed.
type Stream struct {
	body   io.ReadCloser
	cancel context.CancelFunc
	events chan Event
	done   chan struct{}

	once sync.Once
	mu   sync.Mutex
	err  error
}

// NewStream starts reading body in the background. cancel is invoked on Close
// and should abort the request that produced body.
func NewStream(body io.ReadCloser, cancel context.CancelFunc) *Stream {
	if cancel == nil {
		cancel = func() {}
	}
	s := &Stream{
		body:   body,
		cancel: cancel,
		events: make(chan Event),
		done:   make(chan struct{}),
	}
	go s.read()
	return s
}

// Events yields events in arrival order and is closed when the stream ends.
func (s *Stream) Events() <-chan Event {
	return s.events
}

// Err reports why the stream ended. It is nil for a clean end of body or a
// caller-initiated Close, and only meaningful once Events is closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close aborts the stream and waits for the reader to exit.
func (s *Stream) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.cancel()
		_ = s.body.Close()
	})
	for range s.events {
	}
	return nil
}

func (s *Stream) read() {
	defer close(s.events)

	dec := NewDecoder(s.body)
	for {
		ev, err := dec.Next()
		if err != nil {
			s.finish(err)
			return
		}
		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

func (s *Stream) finish(err error) {
	select {
	case <-s.done:
		return
	default:
	}
	if errors.Is(err, io.EOF) {
		return
	}
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

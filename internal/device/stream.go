package device

import "sync"

// Stream is an asynchronous FIFO execution queue, the Go rendition of a
// driver stream. Work enqueued on one stream runs in order; ordering across
// streams goes through events.
type Stream struct {
	ch   chan func()
	done sync.WaitGroup
}

// Event marks a point in a stream's timeline. It is signalled exactly once.
type Event struct {
	ch chan struct{}
}

// NewStream starts the worker goroutine behind a stream.
func NewStream() *Stream {
	s := &Stream{ch: make(chan func(), 64)}
	s.done.Add(1)
	go func() {
		defer s.done.Done()
		for f := range s.ch {
			f()
		}
	}()
	return s
}

// Enqueue appends work to the stream.
func (s *Stream) Enqueue(f func()) { s.ch <- f }

// Record returns an event that signals once all previously enqueued work has
// completed.
func (s *Stream) Record() *Event {
	e := &Event{ch: make(chan struct{})}
	s.ch <- func() { close(e.ch) }
	return e
}

// Wait makes subsequent work on s wait for e.
func (s *Stream) Wait(e *Event) {
	s.ch <- func() { <-e.ch }
}

// Sync blocks the caller until all work enqueued so far has completed.
func (s *Stream) Sync() {
	<-s.Record().ch
}

// Close drains and stops the stream worker.
func (s *Stream) Close() {
	close(s.ch)
	s.done.Wait()
}

// Wait blocks the host until the event fires.
func (e *Event) Wait() { <-e.ch }

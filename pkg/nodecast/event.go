// Package nodecast defines the node event model shared by the server, the
// client, and event sources.
package nodecast

import (
	"bufio"
	"context"
	"io"
	"sync"
	"time"
)

// Event is a single node event: an opaque payload plus the time it was
// observed. Events are transient; they exist only long enough to be fanned
// out to connected sessions.
type Event struct {
	Payload   []byte
	Timestamp time.Time
}

// NewEvent creates an Event carrying the given payload, stamped with the
// current time.
func NewEvent(payload []byte) Event {
	return Event{
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// EventSource produces node events one at a time. Next blocks until an event
// is available, the source is exhausted, or the context is cancelled.
//
// A source signals exhaustion by returning io.EOF. Any other error is
// treated as a source failure by the consumer.
type EventSource interface {
	Next(ctx context.Context) (Event, error)
}

// ChannelSource is an EventSource fed through a Go channel. It is the
// in-process way to hand events to the server and the primary source used
// in tests.
type ChannelSource struct {
	ch        chan Event
	closeOnce sync.Once
}

// NewChannelSource creates a ChannelSource with the given buffer size.
// A non-positive size creates an unbuffered source.
func NewChannelSource(buffer int) *ChannelSource {
	if buffer < 0 {
		buffer = 0
	}
	return &ChannelSource{
		ch: make(chan Event, buffer),
	}
}

// Publish hands an event to the source. It blocks until a consumer takes the
// event, buffer space is available, or the context is cancelled.
func (s *ChannelSource) Publish(ctx context.Context, event Event) error {
	select {
	case s.ch <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next implements EventSource.
func (s *ChannelSource) Next(ctx context.Context) (Event, error) {
	select {
	case event, ok := <-s.ch:
		if !ok {
			return Event{}, io.EOF
		}
		return event, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Close marks the source as exhausted. Subsequent Next calls return io.EOF
// once any buffered events have been drained. Close is idempotent.
func (s *ChannelSource) Close() {
	s.closeOnce.Do(func() {
		close(s.ch)
	})
}

// ReaderSource is an EventSource that reads newline-delimited event payloads
// from an io.Reader. Each line becomes one event, timestamped on read.
// The serve command uses it to consume events from stdin.
type ReaderSource struct {
	reader    io.Reader
	startOnce sync.Once
	ch        chan Event
	errMu     sync.Mutex
	err       error
}

// NewReaderSource creates a ReaderSource over the given reader.
func NewReaderSource(r io.Reader) *ReaderSource {
	return &ReaderSource{
		reader: r,
		ch:     make(chan Event),
	}
}

// Next implements EventSource. The first call starts the background reader
// goroutine. When the underlying reader is exhausted Next returns io.EOF;
// a read failure is returned as-is.
func (s *ReaderSource) Next(ctx context.Context) (Event, error) {
	s.startOnce.Do(func() {
		go s.pump()
	})

	select {
	case event, ok := <-s.ch:
		if !ok {
			return Event{}, s.readError()
		}
		return event, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

func (s *ReaderSource) pump() {
	defer close(s.ch)

	scanner := bufio.NewScanner(s.reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		// Scanner reuses its buffer between calls
		payload := make([]byte, len(line))
		copy(payload, line)
		s.ch <- NewEvent(payload)
	}

	s.errMu.Lock()
	s.err = scanner.Err()
	s.errMu.Unlock()
}

func (s *ReaderSource) readError() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err != nil {
		return s.err
	}
	return io.EOF
}

package events

import (
	"sync"

	"github.com/ByteMirror/agentmux/log"
)

// AsyncSink decouples emitters from a possibly slow downstream sink. Events
// are buffered and drained by a single goroutine; when the buffer is full
// the oldest event is dropped so Emit never blocks an agent's output loop.
type AsyncSink struct {
	downstream Sink

	mu     sync.Mutex
	buf    []Event
	wake   chan struct{}
	done   chan struct{}
	closed bool

	maxBuffer int
	dropped   int

	wg sync.WaitGroup
}

const defaultAsyncBuffer = 1024

// NewAsyncSink starts the drain goroutine. Close must be called to flush.
func NewAsyncSink(downstream Sink, bufferSize int) *AsyncSink {
	if bufferSize <= 0 {
		bufferSize = defaultAsyncBuffer
	}
	s := &AsyncSink{
		downstream: downstream,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		maxBuffer:  bufferSize,
	}
	s.wg.Add(1)
	go s.drain()
	return s
}

// Emit queues the event. Never blocks; drops the oldest queued event on
// overflow.
func (s *AsyncSink) Emit(e Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.buf) >= s.maxBuffer {
		s.buf = s.buf[1:]
		s.dropped++
	}
	s.buf = append(s.buf, e)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *AsyncSink) drain() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		batch := s.buf
		s.buf = nil
		closed := s.closed
		s.mu.Unlock()

		for _, e := range batch {
			s.downstream.Emit(e)
		}
		if closed {
			return
		}

		select {
		case <-s.wake:
		case <-s.done:
			// One more pass to flush anything queued after the last wake.
		}
	}
}

// Dropped reports how many events were discarded due to overflow.
func (s *AsyncSink) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close flushes queued events and stops the drain goroutine.
func (s *AsyncSink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	s.wg.Wait()

	if s.dropped > 0 {
		log.WarningLog.Printf("event sink dropped %d events due to backpressure", s.dropped)
	}
}

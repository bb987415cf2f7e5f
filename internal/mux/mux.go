// Package mux fans one orchestrated event stream out to multiple
// independent sinks. Every sink sees events in publish order; a slow sink
// drops its newest events instead of back-pressuring the publisher, and
// the terminal event is exempt from the drop policy so every sink observes
// stream completion.
package mux

import (
	"sync"

	"github.com/capitalize-ai/agent-gateway/internal/event"
	"github.com/capitalize-ai/agent-gateway/pkg/metrics"
)

// DefaultQueueSize is the per-sink queue bound used when none is
// configured.
const DefaultQueueSize = 256

// Mux is a single-stream event fan-out. Subscribe before the first
// Publish; publishing is single-producer (the orchestrator goroutine).
type Mux struct {
	mu       sync.Mutex
	sinks    []*sink
	queueCap int
	closed   bool
}

type sink struct {
	name string
	cap  int

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []event.Event
	closed  bool
	dropped uint64

	out  chan event.Event
	done chan struct{}
}

// New creates a multiplexer with the given per-sink queue bound.
func New(queueCap int) *Mux {
	if queueCap <= 0 {
		queueCap = DefaultQueueSize
	}
	return &Mux{queueCap: queueCap}
}

// Subscribe registers a named sink and returns its delivery channel. The
// channel is closed after the terminal event is delivered, or when the
// mux is closed without one (caller cancellation).
func (m *Mux) Subscribe(name string) <-chan event.Event {
	s := &sink{
		name: name,
		cap:  m.queueCap,
		out:  make(chan event.Event),
		done: make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)

	m.mu.Lock()
	m.sinks = append(m.sinks, s)
	m.mu.Unlock()

	go s.deliver()
	return s.out
}

// Publish enqueues the event for every sink in order. It never blocks.
func (m *Mux) Publish(ev event.Event) {
	m.mu.Lock()
	sinks := m.sinks
	m.mu.Unlock()

	for _, s := range sinks {
		s.push(ev)
	}
}

// Close releases all sinks. Sinks that already queued a terminal event
// still drain it; the rest are closed as-is.
func (m *Mux) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	sinks := m.sinks
	m.mu.Unlock()

	for _, s := range sinks {
		s.close()
	}
}

// Dropped returns how many events were dropped for a named sink.
func (m *Mux) Dropped(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sinks {
		if s.name == name {
			s.mu.Lock()
			n := s.dropped
			s.mu.Unlock()
			return n
		}
	}
	return 0
}

func (s *sink) push(ev event.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if len(s.queue) >= s.cap && !ev.Terminal() {
		s.dropped++
		metrics.MuxDroppedEvents.WithLabelValues(s.name).Inc()
		return
	}
	s.queue = append(s.queue, ev)
	s.cond.Signal()
}

func (s *sink) close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.done)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

// deliver drains the queue into the out channel in order. A consumer that
// never reads blocks only this goroutine; the publisher keeps appending
// up to the queue bound and dropping beyond it.
func (s *sink) deliver() {
	defer close(s.out)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 && s.closed {
			s.mu.Unlock()
			return
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
		if ev.Terminal() {
			s.close()
			return
		}
	}
}

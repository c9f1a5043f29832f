// Package eventlog provides the in-memory replay tail used by the
// Subscriber Hub to bound the cost of a new connection's initial replay
// (spec §4.4, §9 "subscriber replay window"). The durable, paginated log
// itself lives in internal/store; this is a fixed-capacity mirror of its
// most recent entries, generalized from the teacher's byte-oriented
// CircularBuffer to hold domain.Event values.
package eventlog

import (
	"sync"

	"github.com/ashureev/sessionctl/internal/domain"
)

// RingBuffer holds the most recent N events for a session, overwriting the
// oldest entry once capacity is reached.
type RingBuffer struct {
	mu   sync.RWMutex
	buf  []*domain.Event
	size int
	head int
	full bool
}

// NewRingBuffer creates a ring buffer with the given capacity. A
// non-positive size falls back to a reasonable default.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 200
	}
	return &RingBuffer{
		buf:  make([]*domain.Event, size),
		size: size,
	}
}

// Push appends e, overwriting the oldest entry if the buffer is full.
func (r *RingBuffer) Push(e *domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf[r.head] = e
	r.head = (r.head + 1) % r.size
	if r.head == 0 {
		r.full = true
	}
}

// Snapshot returns the buffered events in ascending (CreatedAt, id) order —
// the same order the Event Log itself maintains.
func (r *RingBuffer) Snapshot() []*domain.Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.full {
		out := make([]*domain.Event, r.head)
		copy(out, r.buf[:r.head])
		return out
	}

	out := make([]*domain.Event, r.size)
	copy(out, r.buf[r.head:])
	copy(out[r.size-r.head:], r.buf[:r.head])
	return out
}

// Len reports how many events are currently buffered.
func (r *RingBuffer) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.full {
		return r.size
	}
	return r.head
}

// Capacity returns the maximum number of events the buffer retains.
func (r *RingBuffer) Capacity() int {
	return r.size
}

// CollapseToolCalls returns events with every tool_call event that shares a
// CallID reduced to its latest revision, placed where that CallID first
// appears, with the relative order of every other event kept (spec §4.5,
// §9: "the replay consumer picks the latest by callId"). Events of any
// other type, or with an empty CallID, pass through unchanged.
func CollapseToolCalls(events []*domain.Event) []*domain.Event {
	latest := make(map[string]*domain.Event)
	for _, e := range events {
		if e.Type != domain.EventTypeToolCall || e.CallID == "" {
			continue
		}
		if cur, ok := latest[e.CallID]; !ok || e.CreatedAt.After(cur.CreatedAt) {
			latest[e.CallID] = e
		}
	}

	out := make([]*domain.Event, 0, len(events))
	seen := make(map[string]bool, len(latest))
	for _, e := range events {
		if e.Type != domain.EventTypeToolCall || e.CallID == "" {
			out = append(out, e)
			continue
		}
		if seen[e.CallID] {
			continue
		}
		seen[e.CallID] = true
		out = append(out, latest[e.CallID])
	}
	return out
}

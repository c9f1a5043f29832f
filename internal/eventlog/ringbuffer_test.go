package eventlog

import (
	"strconv"
	"testing"
	"time"

	"github.com/ashureev/sessionctl/internal/domain"
)

func TestRingBuffer_SnapshotOrderBeforeWrap(t *testing.T) {
	rb := NewRingBuffer(5)
	for i := 0; i < 3; i++ {
		rb.Push(&domain.Event{ID: strconv.Itoa(i)})
	}

	snap := rb.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 events, got %d", len(snap))
	}
	for i, e := range snap {
		if e.ID != strconv.Itoa(i) {
			t.Errorf("position %d: expected id %d, got %s", i, i, e.ID)
		}
	}
}

func TestRingBuffer_OverwritesOldestOnWrap(t *testing.T) {
	rb := NewRingBuffer(3)
	for i := 0; i < 5; i++ {
		rb.Push(&domain.Event{ID: strconv.Itoa(i)})
	}

	snap := rb.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected capacity-bounded 3 events, got %d", len(snap))
	}
	want := []string{"2", "3", "4"}
	for i, e := range snap {
		if e.ID != want[i] {
			t.Errorf("position %d: expected id %s, got %s", i, want[i], e.ID)
		}
	}
}

func TestRingBuffer_LenAndCapacity(t *testing.T) {
	rb := NewRingBuffer(4)
	if rb.Capacity() != 4 {
		t.Fatalf("expected capacity 4, got %d", rb.Capacity())
	}
	rb.Push(&domain.Event{ID: "a"})
	rb.Push(&domain.Event{ID: "b"})
	if rb.Len() != 2 {
		t.Fatalf("expected len 2, got %d", rb.Len())
	}
}

func TestCollapseToolCalls_KeepsOnlyLatestRevisionPerCallID(t *testing.T) {
	base := time.Now()
	events := []*domain.Event{
		{ID: "e1", Type: domain.EventTypeToolCall, CallID: "call-1", CreatedAt: base},
		{ID: "e2", Type: domain.EventTypeUserMessage, CreatedAt: base.Add(time.Millisecond)},
		{ID: "e3", Type: domain.EventTypeToolCall, CallID: "call-1", CreatedAt: base.Add(2 * time.Millisecond)},
		{ID: "e4", Type: domain.EventTypeToolCall, CallID: "call-2", CreatedAt: base.Add(3 * time.Millisecond)},
	}

	out := CollapseToolCalls(events)
	if len(out) != 3 {
		t.Fatalf("expected 3 events after collapsing, got %d", len(out))
	}
	if out[0].ID != "e3" {
		t.Fatalf("expected call-1's latest revision e3 at its first-occurrence slot, got %s", out[0].ID)
	}
	if out[1].ID != "e2" {
		t.Fatalf("expected non-tool_call event e2 unchanged, got %s", out[1].ID)
	}
	if out[2].ID != "e4" {
		t.Fatalf("expected call-2's only revision e4, got %s", out[2].ID)
	}
}

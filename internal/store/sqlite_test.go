package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/sessionctl/internal/domain"
)

func newTestStore(t *testing.T) Repository {
	t.Helper()
	dir := t.TempDir()
	s, err := NewSQLite(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore_AppendEventIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := &domain.Session{ID: "sess-1", RepoOwner: "o", RepoName: "r", Status: domain.SessionStatusActive, Model: domain.Model("standard"), CreatedAt: time.Now(), UpdatedAt: time.Now()}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	e := &domain.Event{ID: "evt-1", SessionID: "sess-1", Type: domain.EventTypeToolCall, Data: `{"n":1}`, CallID: "call-1", CreatedAt: time.Now()}
	if err := s.AppendEvent(ctx, e); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	if err := s.AppendEvent(ctx, e); err != nil {
		t.Fatalf("AppendEvent (duplicate): %v", err)
	}

	page, err := s.ListEvents(ctx, "sess-1", "", 10, "")
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(page.Events) != 1 {
		t.Fatalf("expected exactly one event after duplicate append, got %d", len(page.Events))
	}
}

func TestSQLiteStore_ListEventsPaginationHasNoOverlap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := &domain.Session{ID: "sess-1", RepoOwner: "o", RepoName: "r", Status: domain.SessionStatusActive, Model: domain.Model("standard"), CreatedAt: time.Now(), UpdatedAt: time.Now()}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	base := time.Now()
	for i := 0; i < 5; i++ {
		e := &domain.Event{
			ID:        "evt-" + string(rune('a'+i)),
			SessionID: "sess-1",
			Type:      domain.EventTypeHeartbeat,
			Data:      "{}",
			CreatedAt: base.Add(time.Duration(i) * time.Millisecond),
		}
		if err := s.AppendEvent(ctx, e); err != nil {
			t.Fatalf("AppendEvent %d: %v", i, err)
		}
	}

	seen := make(map[string]bool)
	cursor := ""
	for {
		page, err := s.ListEvents(ctx, "sess-1", "", 2, cursor)
		if err != nil {
			t.Fatalf("ListEvents: %v", err)
		}
		for _, e := range page.Events {
			if seen[e.ID] {
				t.Fatalf("event %s returned on more than one page", e.ID)
			}
			seen[e.ID] = true
		}
		if !page.HasMore {
			break
		}
		cursor = page.Cursor
	}
	if len(seen) != 5 {
		t.Fatalf("expected 5 distinct events across pages, got %d", len(seen))
	}
}

func TestSQLiteStore_LatestToolCallByCallIDPicksNewest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := &domain.Session{ID: "sess-1", RepoOwner: "o", RepoName: "r", Status: domain.SessionStatusActive, Model: domain.Model("standard"), CreatedAt: time.Now(), UpdatedAt: time.Now()}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	older := &domain.Event{ID: "evt-1", SessionID: "sess-1", Type: domain.EventTypeToolCall, Data: `{"v":1}`, CallID: "call-1", CreatedAt: time.Now()}
	newer := &domain.Event{ID: "evt-2", SessionID: "sess-1", Type: domain.EventTypeToolCall, Data: `{"v":2}`, CallID: "call-1", CreatedAt: time.Now().Add(time.Millisecond)}
	if err := s.AppendEvent(ctx, older); err != nil {
		t.Fatalf("AppendEvent older: %v", err)
	}
	if err := s.AppendEvent(ctx, newer); err != nil {
		t.Fatalf("AppendEvent newer: %v", err)
	}

	latest, err := s.LatestToolCallByCallID(ctx, "sess-1", "call-1")
	if err != nil {
		t.Fatalf("LatestToolCallByCallID: %v", err)
	}
	if latest == nil || latest.ID != "evt-2" {
		t.Fatalf("expected newest event evt-2, got %+v", latest)
	}

	all, err := s.ListEvents(ctx, "sess-1", domain.EventTypeToolCall, 10, "")
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(all.Events) != 2 {
		t.Fatalf("expected log to retain both tool_call events, got %d", len(all.Events))
	}
}

func TestSQLiteStore_UpdateMessageStatusIsIdempotentAfterTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := &domain.Session{ID: "sess-1", RepoOwner: "o", RepoName: "r", Status: domain.SessionStatusActive, Model: domain.Model("standard"), CreatedAt: time.Now(), UpdatedAt: time.Now()}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	m := &domain.Message{ID: "msg-1", SessionID: "sess-1", Content: "hi", Source: domain.MessageSourceWeb, Status: domain.MessageStatusPending, CreatedAt: time.Now()}
	if err := s.InsertMessage(ctx, m); err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}

	m.Complete(true, "", time.Now())
	if err := s.UpdateMessageStatus(ctx, m); err != nil {
		t.Fatalf("UpdateMessageStatus: %v", err)
	}
	if m.Complete(false, "late", time.Now()) {
		t.Fatalf("expected Complete on a terminal message to be a no-op")
	}
	if err := s.UpdateMessageStatus(ctx, m); err != nil {
		t.Fatalf("UpdateMessageStatus (second): %v", err)
	}

	got, err := s.GetMessage(ctx, "sess-1", "msg-1")
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if got.Status != domain.MessageStatusCompleted {
		t.Fatalf("expected completed status, got %s", got.Status)
	}
}

func TestSQLiteStore_ListStaleSandboxes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := &domain.Session{ID: "sess-1", RepoOwner: "o", RepoName: "r", Status: domain.SessionStatusActive, Model: domain.Model("standard"), CreatedAt: time.Now(), UpdatedAt: time.Now()}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	stale := time.Now().Add(-time.Hour)
	if err := s.UpdateHeartbeat(ctx, "sess-1", "sandbox-1", domain.SandboxStatusRunning, stale); err != nil {
		t.Fatalf("UpdateHeartbeat: %v", err)
	}

	got, err := s.ListStaleSandboxes(ctx, time.Minute)
	if err != nil {
		t.Fatalf("ListStaleSandboxes: %v", err)
	}
	if len(got) != 1 || got[0].SessionID != "sess-1" {
		t.Fatalf("expected sess-1 to be stale, got %+v", got)
	}
}

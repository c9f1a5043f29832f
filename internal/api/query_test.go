package api

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/ashureev/sessionctl/internal/domain"
)

func TestHandleListMessages_RendersInsertedMessage(t *testing.T) {
	h, repo := newTestHandler(t)
	seedSession(t, repo, "sess-1")
	router := newTestRouter(t, h)

	msg := &domain.Message{ID: "msg-1", SessionID: "sess-1", Content: "hi", Source: domain.MessageSourceWeb, Status: domain.MessageStatusPending, CreatedAt: time.Now()}
	if err := repo.InsertMessage(bg(), msg); err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}

	rec := doRequest(router, http.MethodGet, "/internal/sessions/sess-1/messages", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Messages []map[string]interface{} `json:"messages"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Messages) != 1 || resp.Messages[0]["id"] != "msg-1" {
		t.Fatalf("expected the seeded message, got %+v", resp.Messages)
	}
}

func TestHandleListEvents_PaginationHasNoOverlap(t *testing.T) {
	h, repo := newTestHandler(t)
	seedSession(t, repo, "sess-1")
	router := newTestRouter(t, h)

	for i := 0; i < 5; i++ {
		evt := &domain.Event{ID: "evt-" + string(rune('a'+i)), SessionID: "sess-1", Type: domain.EventTypeToolCall, Data: `{"n":1}`, CreatedAt: time.Now()}
		if err := repo.AppendEvent(bg(), evt); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
		time.Sleep(time.Millisecond)
	}

	rec := doRequest(router, http.MethodGet, "/internal/sessions/sess-1/events?limit=2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var page1 struct {
		Events  []map[string]interface{} `json:"events"`
		HasMore bool                     `json:"hasMore"`
		Cursor  string                   `json:"cursor"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &page1); err != nil {
		t.Fatalf("decode page1: %v", err)
	}
	if len(page1.Events) != 2 || !page1.HasMore {
		t.Fatalf("expected a partial first page, got %+v", page1)
	}

	rec2 := doRequest(router, http.MethodGet, "/internal/sessions/sess-1/events?limit=2&cursor="+page1.Cursor, nil)
	var page2 struct {
		Events []map[string]interface{} `json:"events"`
	}
	if err := json.Unmarshal(rec2.Body.Bytes(), &page2); err != nil {
		t.Fatalf("decode page2: %v", err)
	}

	seen := map[string]bool{}
	for _, e := range page1.Events {
		seen[e["id"].(string)] = true
	}
	for _, e := range page2.Events {
		if seen[e["id"].(string)] {
			t.Fatalf("event %v appeared in both pages", e["id"])
		}
	}
}

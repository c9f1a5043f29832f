package ingress

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/sessionctl/internal/domain"
	"github.com/ashureev/sessionctl/internal/hub"
	"github.com/ashureev/sessionctl/internal/store"
	"github.com/ashureev/sessionctl/internal/tokenagg"
)

func bg() context.Context { return context.Background() }

type fakeDispatcher struct {
	completedSessions []string
	completedMessages []string
}

func (f *fakeDispatcher) NotifyExecutionComplete(sessionID, messageID string) {
	f.completedSessions = append(f.completedSessions, sessionID)
	f.completedMessages = append(f.completedMessages, messageID)
}

func (f *fakeDispatcher) NotifySandboxFailure(sessionID string, err error) {}

func newTestHandler(t *testing.T) (*Handler, store.Repository, *fakeDispatcher) {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	sess := &domain.Session{ID: "sess-1", RepoOwner: "o", RepoName: "r", Status: domain.SessionStatusActive, Model: "standard", CreatedAt: time.Now(), UpdatedAt: time.Now()}
	if err := repo.CreateSession(bg(), sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	disp := &fakeDispatcher{}
	h := New(repo, hub.New(hub.Config{}), disp, tokenagg.Config{FlushInterval: 20 * time.Millisecond, FlushSize: 4})
	return h, repo, disp
}

func newRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	h.Routes(r)
	return r
}

func post(t *testing.T, router http.Handler, sessionID string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/internal/sessions/"+sessionID+"/sandbox-event", bytes.NewReader(data))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestIngress_HeartbeatUpdatesSandboxWithoutAppendingEvent(t *testing.T) {
	h, repo, _ := newTestHandler(t)
	router := newRouter(h)

	rec := post(t, router, "sess-1", map[string]interface{}{"type": "heartbeat", "sandboxId": "sbx-1", "status": "running"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	sb, err := repo.GetSandbox(bg(), "sess-1")
	if err != nil {
		t.Fatalf("GetSandbox: %v", err)
	}
	if sb == nil || sb.Status != domain.SandboxStatusRunning {
		t.Fatalf("expected sandbox running, got %+v", sb)
	}

	page, err := repo.ListEvents(bg(), "sess-1", "", 10, "")
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(page.Events) != 0 {
		t.Fatalf("heartbeat must never appear in the event log, got %d events", len(page.Events))
	}
}

func TestIngress_ExecutionCompleteIsIdempotent(t *testing.T) {
	h, repo, disp := newTestHandler(t)
	router := newRouter(h)

	msg := &domain.Message{ID: "msg-1", SessionID: "sess-1", Content: "hi", Source: domain.MessageSourceWeb, Status: domain.MessageStatusProcessing, CreatedAt: time.Now()}
	if err := repo.InsertMessage(bg(), msg); err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}

	success := true
	body := map[string]interface{}{"type": "execution_complete", "sandboxId": "sbx-1", "messageId": "msg-1", "success": success}

	rec := post(t, router, "sess-1", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	rec2 := post(t, router, "sess-1", body)
	if rec2.Code != http.StatusAccepted {
		t.Fatalf("expected 202 on duplicate, got %d: %s", rec2.Code, rec2.Body.String())
	}

	if len(disp.completedMessages) != 1 {
		t.Fatalf("expected dispatcher notified exactly once, got %d", len(disp.completedMessages))
	}

	got, err := repo.GetMessage(bg(), "sess-1", "msg-1")
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if got.Status != domain.MessageStatusCompleted {
		t.Fatalf("expected completed status, got %s", got.Status)
	}
}

func TestIngress_ToolCallLatestWinsButLogRetainsBoth(t *testing.T) {
	h, repo, _ := newTestHandler(t)
	router := newRouter(h)

	rec := post(t, router, "sess-1", map[string]interface{}{"type": "tool_call", "sandboxId": "sbx-1", "callId": "call-1", "data": map[string]string{"name": "read_file"}})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	time.Sleep(2 * time.Millisecond)
	rec2 := post(t, router, "sess-1", map[string]interface{}{"type": "tool_call", "sandboxId": "sbx-1", "callId": "call-1", "data": map[string]string{"name": "write_file"}})
	if rec2.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec2.Code)
	}

	latest, err := repo.LatestToolCallByCallID(bg(), "sess-1", "call-1")
	if err != nil {
		t.Fatalf("LatestToolCallByCallID: %v", err)
	}
	if latest == nil || !strings.Contains(latest.Data, "write_file") {
		t.Fatalf("expected the write_file revision as latest tool_call, got %+v", latest)
	}

	page, err := repo.ListEvents(bg(), "sess-1", domain.EventTypeToolCall, 10, "")
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(page.Events) != 2 {
		t.Fatalf("expected log to retain both tool_call events, got %d", len(page.Events))
	}
}

func TestIngress_RejectsMissingType(t *testing.T) {
	h, _, _ := newTestHandler(t)
	router := newRouter(h)

	rec := post(t, router, "sess-1", map[string]interface{}{"sandboxId": "sbx-1"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

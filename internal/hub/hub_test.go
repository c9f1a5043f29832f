package hub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/sessionctl/internal/domain"
)

func testDeps(replay []*domain.Event) Dependencies {
	return Dependencies{
		Authenticate: func(ctx context.Context, token string) (*domain.Participant, error) {
			if token != "good-token" {
				return nil, nil
			}
			return &domain.Participant{ID: "participant-1"}, nil
		},
		StateSnapshot: func(ctx context.Context) (map[string]interface{}, error) {
			return map[string]interface{}{"status": "running"}, nil
		},
		Replay: func(ctx context.Context) []*domain.Event {
			return replay
		},
	}
}

func startTestServer(t *testing.T, h *Hub, sessionID string, deps Dependencies) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		h.Serve(r.Context(), sessionID, ws, deps)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + srv.URL[len("http"):]
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	return conn
}

func TestHub_SubscribeRejectsBadToken(t *testing.T) {
	h := New(Config{})
	srv := startTestServer(t, h, "sess-1", testDeps(nil))
	conn := dial(t, srv)
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := context.Background()
	if err := writeJSON(ctx, conn, clientFrame{Type: "subscribe", Token: "bad-token"}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	_, _, err := conn.Read(ctx)
	if err == nil {
		t.Fatalf("expected connection to be closed for bad token")
	}
	if websocket.CloseStatus(err) != CloseAuthRequired {
		t.Errorf("expected close code %d, got %d", CloseAuthRequired, websocket.CloseStatus(err))
	}
}

func TestHub_SubscribeReplaysThenLive(t *testing.T) {
	h := New(Config{})
	replay := []*domain.Event{
		{ID: "e1", SessionID: "sess-1", Type: domain.EventTypeHeartbeat, Data: `{"n":1}`, CreatedAt: time.Unix(0, 0)},
		{ID: "e2", SessionID: "sess-1", Type: domain.EventTypeHeartbeat, Data: `{"n":2}`, CreatedAt: time.Unix(0, 0)},
	}
	srv := startTestServer(t, h, "sess-1", testDeps(replay))
	conn := dial(t, srv)
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := context.Background()
	if err := writeJSON(ctx, conn, clientFrame{Type: "subscribe", Token: "good-token"}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	var sub Frame
	if err := readJSON(ctx, conn, &sub); err != nil {
		t.Fatalf("expected subscribed frame: %v", err)
	}
	if sub["type"] != "subscribed" {
		t.Fatalf("expected subscribed frame, got %v", sub["type"])
	}

	for i := 0; i < len(replay); i++ {
		var f Frame
		if err := readJSON(ctx, conn, &f); err != nil {
			t.Fatalf("expected replayed event %d: %v", i, err)
		}
		if f["type"] != "sandbox_event" {
			t.Fatalf("expected sandbox_event frame, got %v", f["type"])
		}
	}

	var complete Frame
	if err := readJSON(ctx, conn, &complete); err != nil {
		t.Fatalf("expected replay_complete: %v", err)
	}
	if complete["type"] != "replay_complete" {
		t.Fatalf("expected replay_complete, got %v", complete["type"])
	}

	// give the hub a moment to register the connection before broadcasting
	time.Sleep(20 * time.Millisecond)
	h.BroadcastEvent("sess-1", &domain.Event{ID: "e3", SessionID: "sess-1", Type: domain.EventTypeHeartbeat, Data: `{"n":3}`, CreatedAt: time.Unix(0, 0)})

	var live Frame
	if err := readJSON(ctx, conn, &live); err != nil {
		t.Fatalf("expected live event: %v", err)
	}
	if live["type"] != "sandbox_event" {
		t.Fatalf("expected live sandbox_event, got %v", live["type"])
	}
}

func TestHub_BroadcastToUnknownSessionIsNoOp(t *testing.T) {
	h := New(Config{})
	h.Broadcast("no-such-session", newFrame("ping"))
}

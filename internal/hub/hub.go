// Package hub implements the Subscriber Hub (spec §4.4): the set of
// authenticated live connections for a session, handling
// subscribe/replay/fan-out/heartbeat/back-pressure. Adapted from the
// teacher's internal/terminal.SessionManager (connection registry) and
// internal/terminal.WebSocketHandler (accept/read/write loop), generalized
// from a single-user terminal attach to a many-subscriber event fan-out,
// and from internal/agent.Handler's SSE broadcast/backpressure pattern.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/sessionctl/internal/config"
	"github.com/ashureev/sessionctl/internal/domain"
	"github.com/ashureev/sessionctl/internal/eventlog"
)

// Close codes distinguished from normal/abnormal closure (spec §6).
const (
	CloseAuthRequired  = websocket.StatusCode(4001)
	CloseSessionExpired = websocket.StatusCode(4002)
)

// Frame is a JSON object with a "type" discriminator, matching the wire
// format described in spec §6.
type Frame map[string]interface{}

func newFrame(typ string) Frame { return Frame{"type": typ} }

// Dependencies wires a Connection to the Session Actor without the hub
// needing to know about actor internals.
type Dependencies struct {
	// Authenticate hashes token and resolves it to a participant. Returns
	// nil, nil for an unknown token (caller closes with CloseAuthRequired).
	Authenticate func(ctx context.Context, token string) (*domain.Participant, error)

	// StateSnapshot returns the state payload for the "subscribed" frame.
	StateSnapshot func(ctx context.Context) (map[string]interface{}, error)

	// Replay returns the bounded tail of the Event Log to send before
	// replay_complete.
	Replay func(ctx context.Context) []*domain.Event

	// OnPrompt is invoked when the client sends a "prompt" frame.
	OnPrompt func(ctx context.Context, participantID string, content string) error

	// OnStop is invoked when the client sends a "stop" frame.
	OnStop func(ctx context.Context) error

	// OnTyping is invoked when the client sends a "typing" frame.
	OnTyping func(ctx context.Context, participantID string)

	// OnJoin/OnLeave are called when a participant's connection joins or
	// leaves; the hub itself broadcasts nothing for these, so any presence
	// announcement is up to the callback.
	OnJoin  func(participantID string)
	OnLeave func(participantID string)
}

// Config controls replay depth, queue depth, and keepalive behavior.
// It's the same struct config.Load populates, so callers just pass cfg.Hub.
type Config = config.HubConfig

// Hub owns the set of live connections for every session it is serving.
type Hub struct {
	cfg Config

	mu       sync.RWMutex
	sessions map[string]*sessionConns
}

type sessionConns struct {
	mu    sync.RWMutex
	conns map[*Connection]struct{}
	buf   *eventlog.RingBuffer
}

// New creates a Hub.
func New(cfg Config) *Hub {
	if cfg.ConnectionQueue <= 0 {
		cfg.ConnectionQueue = 64
	}
	if cfg.PingGracePeriod <= 0 {
		cfg.PingGracePeriod = 90 * time.Second
	}
	if cfg.WriteDeadline <= 0 {
		cfg.WriteDeadline = 10 * time.Second
	}
	if cfg.ReplayWindow <= 0 {
		cfg.ReplayWindow = 200
	}
	return &Hub{cfg: cfg, sessions: make(map[string]*sessionConns)}
}

func (h *Hub) sessionSet(sessionID string) *sessionConns {
	h.mu.Lock()
	defer h.mu.Unlock()
	sc, ok := h.sessions[sessionID]
	if !ok {
		sc = &sessionConns{conns: make(map[*Connection]struct{}), buf: eventlog.NewRingBuffer(h.cfg.ReplayWindow)}
		h.sessions[sessionID] = sc
	}
	return sc
}

func (h *Hub) removeIfEmpty(sessionID string, sc *sessionConns) {
	sc.mu.RLock()
	empty := len(sc.conns) == 0
	sc.mu.RUnlock()
	if !empty {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.sessions[sessionID]; ok && cur == sc {
		cur.mu.RLock()
		stillEmpty := len(cur.conns) == 0
		cur.mu.RUnlock()
		if stillEmpty {
			delete(h.sessions, sessionID)
		}
	}
}

// Serve accepts and runs one subscriber connection to completion. It
// blocks until the connection closes, handling the subscribe handshake,
// replay, live fan-out, keepalive, and back-pressure described in spec
// §4.4. Callers (the HTTP upgrade handler) run this in its own goroutine
// per connection.
func (h *Hub) Serve(ctx context.Context, sessionID string, ws *websocket.Conn, deps Dependencies) {
	conn := &Connection{
		ws:       ws,
		sessionID: sessionID,
		send:     make(chan Frame, h.cfg.ConnectionQueue),
		deps:     deps,
		lastPing: time.Now(),
	}

	sc := h.sessionSet(sessionID)
	defer h.removeIfEmpty(sessionID, sc)

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		conn.writePump(connCtx, h.cfg.WriteDeadline)
	}()

	closeCode, closeReason := conn.readPump(connCtx, sc, h.cfg.PingGracePeriod)

	cancel()
	wg.Wait()

	if conn.participantID != "" && deps.OnLeave != nil {
		deps.OnLeave(conn.participantID)
	}
	if err := ws.Close(closeCode, closeReason); err != nil {
		slog.Debug("hub: close error", "session_id", sessionID, "error", err)
	}
}

// Broadcast fans out frame to every live connection of sessionID. A slow
// connection that cannot keep up is closed rather than stalling the rest
// (spec §4.4 back-pressure / fan-out discipline).
func (h *Hub) Broadcast(sessionID string, frame Frame) {
	h.mu.RLock()
	sc, ok := h.sessions[sessionID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	sc.mu.RLock()
	snapshot := make([]*Connection, 0, len(sc.conns))
	for c := range sc.conns {
		snapshot = append(snapshot, c)
	}
	sc.mu.RUnlock()

	for _, c := range snapshot {
		c.deliver(frame)
	}
}

// BroadcastEvent wraps a persisted domain.Event as a sandbox_event frame,
// mirrors it into the session's replay ring buffer, and broadcasts it.
func (h *Hub) BroadcastEvent(sessionID string, e *domain.Event) {
	h.mu.RLock()
	sc, ok := h.sessions[sessionID]
	h.mu.RUnlock()
	if ok {
		sc.buf.Push(e)
	}
	h.Broadcast(sessionID, eventFrame(e))
}

func eventFrame(e *domain.Event) Frame {
	var data interface{}
	if e.Data != "" {
		_ = json.Unmarshal([]byte(e.Data), &data)
	}
	f := newFrame("sandbox_event")
	f["event"] = map[string]interface{}{
		"id":         e.ID,
		"type":       string(e.Type),
		"data":       data,
		"messageId":  e.MessageID,
		"createdAt":  e.CreatedAt.UnixMilli(),
	}
	return f
}

package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/sessionctl/internal/eventlog"
)

// clientFrame is the shape of every inbound frame (spec §6): subscribe,
// prompt, stop, typing, ping.
type clientFrame struct {
	Type    string `json:"type"`
	Token   string `json:"token"`
	Content string `json:"content"`
}

// Connection is one subscriber's live link to a session. It owns a
// bounded outbound queue so one slow reader cannot stall the others;
// when the queue fills the connection is dropped rather than blocking
// the broadcaster (spec §4.4).
type Connection struct {
	ws            *websocket.Conn
	sessionID     string
	participantID string

	send chan Frame
	deps Dependencies

	lastPing time.Time
}

// deliver enqueues frame for this connection's write pump. Non-blocking:
// if the queue is full the connection is considered unresponsive and is
// torn down instead of backing up the broadcaster.
func (c *Connection) deliver(frame Frame) {
	select {
	case c.send <- frame:
	default:
		slog.Warn("hub: connection queue full, dropping connection", "session_id", c.sessionID, "participant_id", c.participantID)
		_ = c.ws.CloseNow()
	}
}

// writePump drains the outbound queue to the socket until ctx is
// canceled. Ported from terminal.WebSocketHandler's output loop, adapted
// from terminal bytes to JSON frames.
func (c *Connection) writePump(ctx context.Context, writeDeadline time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-c.send:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeDeadline)
			err := writeJSON(writeCtx, c.ws, frame)
			cancel()
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, context.Canceled) {
					return
				}
				slog.Debug("hub: write failed", "session_id", c.sessionID, "error", err)
				return
			}
		}
	}
}

// readPump authenticates the connection, replays the event tail, then
// dispatches inbound frames until the client disconnects or the
// keepalive grace period lapses. Returns the close code/reason the
// caller should use to close the socket.
func (c *Connection) readPump(ctx context.Context, sc *sessionConns, pingGrace time.Duration) (websocket.StatusCode, string) {
	var first clientFrame
	if err := readJSON(ctx, c.ws, &first); err != nil {
		return websocket.StatusNormalClosure, "read failed"
	}
	if first.Type != "subscribe" {
		return CloseAuthRequired, "subscribe required"
	}

	participant, err := c.deps.Authenticate(ctx, first.Token)
	if err != nil {
		slog.Warn("hub: authenticate error", "session_id", c.sessionID, "error", err)
		return CloseSessionExpired, "auth error"
	}
	if participant == nil {
		return CloseAuthRequired, "invalid token"
	}
	c.participantID = participant.ID

	sc.mu.Lock()
	sc.conns[c] = struct{}{}
	sc.mu.Unlock()
	defer func() {
		sc.mu.Lock()
		delete(sc.conns, c)
		sc.mu.Unlock()
	}()

	if c.deps.OnJoin != nil {
		c.deps.OnJoin(c.participantID)
	}

	if err := c.sendReplay(ctx, sc); err != nil {
		return websocket.StatusInternalError, "replay failed"
	}

	c.lastPing = time.Now()
	deadlineCh := time.NewTicker(pingGrace / 2)
	defer deadlineCh.Stop()

	frames := make(chan clientFrame)
	readErrs := make(chan error, 1)
	go func() {
		for {
			var f clientFrame
			if err := readJSON(ctx, c.ws, &f); err != nil {
				readErrs <- err
				return
			}
			select {
			case frames <- f:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return websocket.StatusNormalClosure, "context canceled"
		case err := <-readErrs:
			slog.Debug("hub: connection closed", "session_id", c.sessionID, "error", err)
			return websocket.StatusNormalClosure, "closed"
		case <-deadlineCh.C:
			if time.Since(c.lastPing) > pingGrace {
				return websocket.StatusPolicyViolation, "ping timeout"
			}
		case f := <-frames:
			c.handleFrame(ctx, f)
		}
	}
}

func (c *Connection) handleFrame(ctx context.Context, f clientFrame) {
	switch f.Type {
	case "ping":
		c.lastPing = time.Now()
		c.deliver(newFrame("pong"))
	case "prompt":
		if c.deps.OnPrompt == nil {
			return
		}
		if err := c.deps.OnPrompt(ctx, c.participantID, f.Content); err != nil {
			errFrame := newFrame("error")
			errFrame["message"] = err.Error()
			c.deliver(errFrame)
		}
	case "stop":
		if c.deps.OnStop != nil {
			_ = c.deps.OnStop(ctx)
		}
	case "typing":
		if c.deps.OnTyping != nil {
			c.deps.OnTyping(ctx, c.participantID)
		}
	default:
		slog.Debug("hub: unknown frame type", "type", f.Type, "session_id", c.sessionID)
	}
}

// sendReplay prefers the hub's in-memory ring buffer for the tail it sends
// before replay_complete (spec §4.4); the buffer only holds what passed
// through this process since the session's last subscriber connected, so
// a cold buffer (first subscriber, or hub restart) falls back to the
// durable Event Log tail via deps.Replay. Either source is collapsed to
// the latest revision per callId before it reaches the wire (spec §4.5,
// §9: "the replay consumer picks the latest by callId").
func (c *Connection) sendReplay(ctx context.Context, sc *sessionConns) error {
	snapshot, err := c.deps.StateSnapshot(ctx)
	if err != nil {
		return err
	}
	subscribed := newFrame("subscribed")
	subscribed["state"] = snapshot
	c.deliver(subscribed)

	events := sc.buf.Snapshot()
	if len(events) == 0 {
		events = c.deps.Replay(ctx)
	}
	for _, e := range eventlog.CollapseToolCalls(events) {
		c.deliver(eventFrame(e))
	}
	c.deliver(newFrame("replay_complete"))
	return nil
}

func writeJSON(ctx context.Context, ws *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}

func readJSON(ctx context.Context, ws *websocket.Conn, v interface{}) error {
	_, data, err := ws.Read(ctx)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

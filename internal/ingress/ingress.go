// Package ingress implements the Event Ingress HTTP surface (spec §4.5):
// the endpoint sandboxes POST to, with per-type dedup/apply policy. Grounded
// in internal/agent.Handler's chi-routed handler (request decode, size
// limits, structured error responses) generalized from agent chat/stream
// requests to sandbox event envelopes.
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ashureev/sessionctl/internal/domain"
	"github.com/ashureev/sessionctl/internal/hub"
	"github.com/ashureev/sessionctl/internal/sessionerr"
	"github.com/ashureev/sessionctl/internal/store"
	"github.com/ashureev/sessionctl/internal/tokenagg"
)

// maxBodySize bounds a single sandbox-event POST.
const maxBodySize = 1 << 20 // 1MB

// Dispatcher is the subset of the Session Actor's surface ingress needs to
// advance the prompt queue once a message reaches a terminal state. The
// actor.Registry implements this; ingress only depends on the interface so the two
// packages don't import each other.
type Dispatcher interface {
	NotifyExecutionComplete(sessionID, messageID string)
	NotifySandboxFailure(sessionID string, err error)
}

// envelope is the generic wire shape of a sandbox event; fields not
// relevant to a given type are left zero (spec §4.5: "Body schema varies
// by type").
type envelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	SandboxID string          `json:"sandboxId"`
	Timestamp int64           `json:"timestamp"`
	MessageID string          `json:"messageId"`
	CallID    string          `json:"callId"`
	Content   string          `json:"content"`
	Success   *bool           `json:"success"`
	Error     string          `json:"error"`
	Status    string          `json:"status"`
	Sha       string          `json:"sha"`
	Hostname  string          `json:"hostname"`
	Data      json.RawMessage `json:"data"`
}

// Handler serves POST /internal/sessions/{sessionId}/sandbox-event.
type Handler struct {
	repo       store.Repository
	hub        *hub.Hub
	dispatcher Dispatcher

	aggCfg tokenagg.Config

	aggMu sync.Mutex
	aggs  map[string]map[string]*tokenagg.Aggregator // sessionID -> messageID -> aggregator
}

// New creates an ingress Handler.
func New(repo store.Repository, h *hub.Hub, dispatcher Dispatcher, aggCfg tokenagg.Config) *Handler {
	return &Handler{
		repo:       repo,
		hub:        h,
		dispatcher: dispatcher,
		aggCfg:     aggCfg,
		aggs:       make(map[string]map[string]*tokenagg.Aggregator),
	}
}

// Routes mounts the ingress endpoint onto r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/internal/sessions/{sessionID}/sandbox-event", h.handleEvent)
}

func writeError(w http.ResponseWriter, err *sessionerr.Error) {
	status := http.StatusInternalServerError
	switch err.Kind {
	case sessionerr.KindBadRequest:
		status = http.StatusBadRequest
	case sessionerr.KindUnauthorized:
		status = http.StatusUnauthorized
	case sessionerr.KindSessionTerminal:
		status = http.StatusConflict
	case sessionerr.KindSandboxUnavailable:
		status = http.StatusServiceUnavailable
	case sessionerr.KindIngressConflict:
		status = http.StatusConflict
	case sessionerr.KindInternal:
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Message})
}

func (h *Handler) handleEvent(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		writeError(w, sessionerr.BadRequest("sessionID is required"))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	var env envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, sessionerr.BadRequest("request body too large"))
			return
		}
		writeError(w, sessionerr.BadRequest("invalid request body"))
		return
	}
	if env.Type == "" || env.SandboxID == "" {
		writeError(w, sessionerr.BadRequest("type and sandboxId are required"))
		return
	}

	ctx := r.Context()
	if err := h.apply(ctx, sessionID, env); err != nil {
		var sErr *sessionerr.Error
		if errors.As(err, &sErr) {
			writeError(w, sErr)
			return
		}
		slog.Error("ingress: failed to apply sandbox event", "session_id", sessionID, "type", env.Type, "error", err)
		writeError(w, sessionerr.Internal("", err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
}

func (h *Handler) apply(ctx context.Context, sessionID string, env envelope) error {
	eventType := domain.EventType(env.Type)

	switch eventType {
	case domain.EventTypeHeartbeat:
		return h.applyHeartbeat(ctx, sessionID, env)
	case domain.EventTypeToken:
		h.applyToken(sessionID, env)
		return nil
	case domain.EventTypeToolCall:
		return h.appendAndBroadcast(ctx, sessionID, env, eventType)
	case domain.EventTypeToolResult:
		return h.appendAndBroadcast(ctx, sessionID, env, eventType)
	case domain.EventTypeExecutionComplete:
		return h.applyExecutionComplete(ctx, sessionID, env)
	case domain.EventTypeGitSync:
		return h.applyGitSync(ctx, sessionID, env)
	case domain.EventTypeArtifact:
		return h.appendAndBroadcast(ctx, sessionID, env, eventType)
	case domain.EventTypeError:
		return h.appendAndBroadcast(ctx, sessionID, env, domain.EventTypeError)
	default:
		return h.appendAndBroadcast(ctx, sessionID, env, domain.EventTypeUnknown)
	}
}

func (h *Handler) applyHeartbeat(ctx context.Context, sessionID string, env envelope) error {
	status := domain.SandboxStatusRunning
	if env.Status != "" {
		status = domain.SandboxStatus(env.Status)
	}
	at := time.Now()
	if env.Timestamp > 0 {
		at = time.UnixMilli(env.Timestamp)
	}
	if err := h.repo.UpdateHeartbeat(ctx, sessionID, env.SandboxID, status, at); err != nil {
		return err
	}
	h.hub.Broadcast(sessionID, hub.Frame{"type": "sandbox_status", "status": string(status)})
	return nil
}

func (h *Handler) applyToken(sessionID string, env envelope) {
	agg := h.aggregatorFor(sessionID, env.MessageID)
	agg.Add(env.MessageID, env.Content)
}

func (h *Handler) aggregatorFor(sessionID, messageID string) *tokenagg.Aggregator {
	h.aggMu.Lock()
	defer h.aggMu.Unlock()

	sessionAggs, ok := h.aggs[sessionID]
	if !ok {
		sessionAggs = make(map[string]*tokenagg.Aggregator)
		h.aggs[sessionID] = sessionAggs
	}
	if agg, ok := sessionAggs[messageID]; ok {
		return agg
	}

	agg := tokenagg.New(h.aggCfg, func(flushedMessageID, content string) {
		e := &domain.Event{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			Type:      domain.EventTypeToken,
			Data:      mustMarshal(map[string]string{"content": content}),
			MessageID: flushedMessageID,
			CreatedAt: time.Now(),
		}
		if err := h.repo.AppendEvent(context.Background(), e); err != nil {
			slog.Error("ingress: failed to append flushed token event", "session_id", sessionID, "message_id", flushedMessageID, "error", err)
			return
		}
		h.hub.BroadcastEvent(sessionID, e)
	}, nil)
	sessionAggs[messageID] = agg
	return agg
}

func (h *Handler) applyExecutionComplete(ctx context.Context, sessionID string, env envelope) error {
	msg, err := h.repo.GetMessage(ctx, sessionID, env.MessageID)
	if err != nil {
		return err
	}
	if msg == nil {
		return sessionerr.BadRequest("unknown messageId")
	}
	if msg.Status.IsTerminal() {
		// First execution_complete wins; subsequent ones are no-ops (spec §8).
		return nil
	}

	success := env.Success == nil || *env.Success
	now := time.Now()
	if env.Timestamp > 0 {
		now = time.UnixMilli(env.Timestamp)
	}
	msg.Complete(success, env.Error, now)
	if err := h.repo.UpdateMessageStatus(ctx, msg); err != nil {
		return err
	}

	e := &domain.Event{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Type:      domain.EventTypeExecutionComplete,
		Data:      mustMarshal(map[string]interface{}{"success": success, "error": env.Error}),
		MessageID: env.MessageID,
		CreatedAt: now,
	}
	if err := h.repo.AppendEvent(ctx, e); err != nil {
		return err
	}
	h.hub.BroadcastEvent(sessionID, e)

	if h.dispatcher != nil {
		h.dispatcher.NotifyExecutionComplete(sessionID, env.MessageID)
	}
	return nil
}

func (h *Handler) applyGitSync(ctx context.Context, sessionID string, env envelope) error {
	if err := h.appendAndBroadcast(ctx, sessionID, env, domain.EventTypeGitSync); err != nil {
		return err
	}
	if env.Status == "completed" {
		if err := h.repo.UpdateGitSyncStatus(ctx, sessionID, env.Status); err != nil {
			return err
		}
		if env.Sha != "" {
			if err := h.repo.UpdateSessionSha(ctx, sessionID, env.Sha); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *Handler) appendAndBroadcast(ctx context.Context, sessionID string, env envelope, eventType domain.EventType) error {
	id := env.ID
	if id == "" {
		id = uuid.NewString()
	}

	exists, err := h.repo.EventExists(ctx, sessionID, id)
	if err != nil {
		return err
	}
	if exists {
		// Duplicate delivery of an idempotent event type: dropped silently
		// (spec §7 ingress_conflict policy for idempotent types).
		return nil
	}

	at := time.Now()
	if env.Timestamp > 0 {
		at = time.UnixMilli(env.Timestamp)
	}

	data := []byte(env.Data)
	if len(data) == 0 {
		data = []byte(mustMarshal(map[string]string{"content": env.Content, "error": env.Error}))
	}

	e := &domain.Event{
		ID:        id,
		SessionID: sessionID,
		Type:      eventType,
		Data:      string(data),
		MessageID: env.MessageID,
		CallID:    env.CallID,
		CreatedAt: at,
	}
	if err := h.repo.AppendEvent(ctx, e); err != nil {
		return err
	}
	h.hub.BroadcastEvent(sessionID, e)
	return nil
}

func mustMarshal(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

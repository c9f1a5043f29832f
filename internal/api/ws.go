package api

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/ashureev/sessionctl/internal/actor"
	"github.com/ashureev/sessionctl/internal/domain"
	"github.com/ashureev/sessionctl/internal/hub"
)

// actorPromptFromWS builds a PromptRequest for a prompt submitted over the
// live subscriber channel rather than the operator HTTP surface.
func actorPromptFromWS(participantID, content string) actor.PromptRequest {
	return actor.PromptRequest{
		Content:             content,
		AuthorParticipantID: participantID,
		Source:              domain.MessageSourceWeb,
	}
}

// HandleSubscribe upgrades the HTTP connection to the Subscriber Hub's
// websocket channel and runs it to completion (spec §4.4, §6). Grounded in
// the teacher's terminal.WebSocketHandler accept-then-serve shape.
func (h *Handler) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: h.cfg.DeploymentName == "dev",
	})
	if err != nil {
		return
	}

	h.hub.Serve(r.Context(), sessionID, ws, h.hubDependencies(sessionID))
}

// hubDependencies builds the per-connection callback set the Subscriber
// Hub uses to authenticate, replay, and act on client frames without
// knowing about the actor registry or store directly.
func (h *Handler) hubDependencies(sessionID string) hub.Dependencies {
	return hub.Dependencies{
		Authenticate: func(ctx context.Context, token string) (*domain.Participant, error) {
			tokenHash := hashToken(h.cfg.WSTokenPepper, token)
			p, err := h.repo.GetParticipantByTokenHash(ctx, sessionID, tokenHash)
			if err != nil {
				return nil, err
			}
			if p == nil {
				return nil, nil
			}
			_ = h.repo.TouchParticipantLastSeen(ctx, p.ID, time.Now())
			return p, nil
		},
		StateSnapshot: func(ctx context.Context) (map[string]interface{}, error) {
			return h.snapshot(ctx, sessionID)
		},
		Replay: func(ctx context.Context) []*domain.Event {
			window := h.cfg.Hub.ReplayWindow
			if window <= 0 {
				window = 200
			}
			events, err := h.repo.ReplayTail(ctx, sessionID, window)
			if err != nil {
				return nil
			}
			return h.collapseLatestToolCalls(ctx, sessionID, events)
		},
		OnPrompt: func(ctx context.Context, participantID, content string) error {
			_, err := h.registry.Get(sessionID).EnqueuePrompt(ctx, actorPromptFromWS(participantID, content))
			return err
		},
		OnStop: func(ctx context.Context) error {
			return h.registry.Get(sessionID).Stop(ctx)
		},
		OnTyping: func(ctx context.Context, participantID string) {
			h.hub.Broadcast(sessionID, hub.Frame{"type": "typing", "participantId": participantID})
		},
		OnJoin: func(participantID string) {
			h.hub.Broadcast(sessionID, hub.Frame{"type": "participant_joined", "participantId": participantID})
		},
		OnLeave: func(participantID string) {
			h.hub.Broadcast(sessionID, hub.Frame{"type": "participant_left", "participantId": participantID})
		},
	}
}

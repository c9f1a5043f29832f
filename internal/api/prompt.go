package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/sessionctl/internal/actor"
	"github.com/ashureev/sessionctl/internal/domain"
)

type promptRequest struct {
	Content         string                 `json:"content"`
	AuthorID        string                 `json:"authorId"`
	Source          domain.MessageSource   `json:"source"`
	Attachments     json.RawMessage        `json:"attachments,omitempty"`
	CallbackContext json.RawMessage        `json:"callbackContext,omitempty"`
	ReasoningEffort domain.ReasoningEffort `json:"reasoningEffort,omitempty"`
}

type promptResponse struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
}

// HandlePrompt implements POST /internal/sessions/{sessionID}/prompt.
func (h *Handler) HandlePrompt(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req promptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Content == "" || req.AuthorID == "" || req.Source == "" {
		Error(w, http.StatusBadRequest, "content, authorId and source are required")
		return
	}

	msg, err := h.registry.Get(sessionID).EnqueuePrompt(r.Context(), actor.PromptRequest{
		Content:             req.Content,
		AuthorParticipantID: req.AuthorID,
		Source:              req.Source,
		Attachments:         string(req.Attachments),
		CallbackContext:     string(req.CallbackContext),
		ReasoningEffort:     req.ReasoningEffort,
	})
	if err != nil {
		writeSessionErr(w, err)
		return
	}

	status := "queued"
	if msg.Status == domain.MessageStatusProcessing {
		status = "processing"
	}
	JSON(w, http.StatusOK, promptResponse{MessageID: msg.ID, Status: status})
}

// HandleStop implements POST /internal/sessions/{sessionID}/stop.
func (h *Handler) HandleStop(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := h.registry.Get(sessionID).Stop(r.Context()); err != nil {
		writeSessionErr(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

// HandleArchive implements POST /internal/sessions/{sessionID}/archive.
func (h *Handler) HandleArchive(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := h.registry.Get(sessionID).Archive(r.Context()); err != nil {
		writeSessionErr(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "archived"})
}

// HandleUnarchive implements POST /internal/sessions/{sessionID}/unarchive.
func (h *Handler) HandleUnarchive(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := h.registry.Get(sessionID).Unarchive(r.Context()); err != nil {
		writeSessionErr(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "active"})
}

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ashureev/sessionctl/internal/domain"
)

type initRequest struct {
	SessionID       string              `json:"sessionId"`
	SessionName     string              `json:"sessionName"`
	RepoOwner       string              `json:"repoOwner"`
	RepoName        string              `json:"repoName"`
	RepoID          string              `json:"repoId"`
	UserID          string              `json:"userId"`
	GithubLogin     string              `json:"githubLogin"`
	Model           domain.Model        `json:"model"`
	ReasoningEffort domain.ReasoningEffort `json:"reasoningEffort"`
}

type initResponse struct {
	SessionID string `json:"sessionId"`
}

// HandleInit implements POST /internal/init. Idempotent on sessionId: a
// second call with the same id is a no-op returning the existing session
// (spec §4.1).
func (h *Handler) HandleInit(w http.ResponseWriter, r *http.Request) {
	var req initRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.RepoOwner == "" || req.RepoName == "" {
		Error(w, http.StatusBadRequest, "repoOwner and repoName are required")
		return
	}
	if req.UserID == "" {
		Error(w, http.StatusBadRequest, "userId is required")
		return
	}

	ctx := r.Context()

	if req.SessionID != "" {
		existing, err := h.repo.GetSession(ctx, req.SessionID)
		if err != nil {
			Error(w, http.StatusInternalServerError, "failed to load session")
			return
		}
		if existing != nil {
			JSON(w, http.StatusOK, initResponse{SessionID: existing.ID})
			return
		}
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	model := h.cfg.ResolveModel(req.Model)
	effort, ok := h.cfg.ResolveReasoningEffort(model, req.ReasoningEffort)
	if !ok {
		effort = ""
	}

	now := time.Now()
	sess := &domain.Session{
		ID:              sessionID,
		RepoOwner:       req.RepoOwner,
		RepoName:        req.RepoName,
		Status:          domain.SessionStatusActive,
		Model:           model,
		ReasoningEffort: effort,
		Title:           req.SessionName,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := h.repo.CreateSession(ctx, sess); err != nil {
		Error(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	owner := &domain.Participant{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		UserID:    req.UserID,
		Role:      domain.ParticipantRoleOwner,
		JoinedAt:  now,
		LastSeen:  now,
		GithubLogin: req.GithubLogin,
	}
	if _, err := h.repo.UpsertParticipantByUser(ctx, owner); err != nil {
		Error(w, http.StatusInternalServerError, "failed to create owner participant")
		return
	}

	JSON(w, http.StatusOK, initResponse{SessionID: sessionID})
}

// HandleState implements GET /internal/sessions/{sessionID}/state: a
// read-only snapshot consumed by the operator and (via hub.Dependencies)
// by the "subscribed" frame.
func (h *Handler) HandleState(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	snapshot, err := h.snapshot(r.Context(), sessionID)
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to load state")
		return
	}
	if snapshot == nil {
		Error(w, http.StatusNotFound, "unknown session")
		return
	}
	JSON(w, http.StatusOK, snapshot)
}

// snapshot builds the read-only state payload shared by GET /internal/state
// and the hub's "subscribed" frame (spec §4.1, §4.4). Returns nil, nil for
// an unknown session.
func (h *Handler) snapshot(ctx context.Context, sessionID string) (map[string]interface{}, error) {
	sess, err := h.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, nil
	}

	sb, err := h.repo.GetSandbox(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	participants, err := h.repo.ListParticipants(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	processing, err := h.repo.GetProcessingMessage(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	sandboxStatus := domain.SandboxStatusPending
	if sb != nil {
		sandboxStatus = sb.Status
	}

	participantPayload := make([]map[string]interface{}, 0, len(participants))
	for _, p := range participants {
		participantPayload = append(participantPayload, map[string]interface{}{
			"id":          p.ID,
			"userId":      p.UserID,
			"role":        string(p.Role),
			"githubLogin": p.GithubLogin,
			"displayName": p.DisplayName,
		})
	}

	var processingMessageID string
	if processing != nil {
		processingMessageID = processing.ID
	}

	return map[string]interface{}{
		"sessionId":            sess.ID,
		"status":               string(sess.Status),
		"repoOwner":            sess.RepoOwner,
		"repoName":             sess.RepoName,
		"currentSha":           sess.CurrentSha,
		"model":                string(sess.Model),
		"reasoningEffort":      string(sess.ReasoningEffort),
		"sandboxStatus":        string(sandboxStatus),
		"processingMessageId":  processingMessageID,
		"participants":         participantPayload,
	}, nil
}

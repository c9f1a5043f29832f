package api

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ashureev/sessionctl/internal/domain"
)

// HandleListParticipants implements GET /internal/sessions/{sessionID}/participants.
func (h *Handler) HandleListParticipants(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	participants, err := h.repo.ListParticipants(r.Context(), sessionID)
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to list participants")
		return
	}
	out := make([]map[string]interface{}, 0, len(participants))
	for _, p := range participants {
		out = append(out, map[string]interface{}{
			"id":          p.ID,
			"userId":      p.UserID,
			"role":        string(p.Role),
			"githubLogin": p.GithubLogin,
			"displayName": p.DisplayName,
			"joinedAt":    p.JoinedAt.UnixMilli(),
			"lastSeen":    p.LastSeen.UnixMilli(),
			"hasToken":    p.HasToken(),
		})
	}
	JSON(w, http.StatusOK, map[string]interface{}{"participants": out})
}

type addParticipantRequest struct {
	UserID      string `json:"userId"`
	GithubLogin string `json:"githubLogin"`
	DisplayName string `json:"displayName"`
}

// HandleAddParticipant implements POST /internal/sessions/{sessionID}/participants.
// New participants are always added with role member; exactly one owner is
// established at init time (spec §3, §4.1).
func (h *Handler) HandleAddParticipant(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req addParticipantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" {
		Error(w, http.StatusBadRequest, "userId is required")
		return
	}

	now := time.Now()
	p := &domain.Participant{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		UserID:      req.UserID,
		Role:        domain.ParticipantRoleMember,
		JoinedAt:    now,
		LastSeen:    now,
		GithubLogin: req.GithubLogin,
		DisplayName: req.DisplayName,
	}
	saved, err := h.repo.UpsertParticipantByUser(r.Context(), p)
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to add participant")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"id":     saved.ID,
		"userId": saved.UserID,
		"role":   string(saved.Role),
	})
}

type wsTokenRequest struct {
	UserID      string `json:"userId"`
	GithubLogin string `json:"githubLogin"`
	GithubName  string `json:"githubName"`
}

type wsTokenResponse struct {
	Token         string `json:"token"`
	ParticipantID string `json:"participantId"`
}

// HandleWsToken implements POST /internal/sessions/{sessionID}/ws-token: it
// mints a fresh random token, persists only its hash, and returns the raw
// token exactly once (spec §4.1, §6, §8 test 7).
func (h *Handler) HandleWsToken(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req wsTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" {
		Error(w, http.StatusBadRequest, "userId is required")
		return
	}

	ctx := r.Context()
	now := time.Now()

	participant, err := h.repo.GetParticipantByUserID(ctx, sessionID, req.UserID)
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to load participant")
		return
	}
	if participant == nil {
		participant, err = h.repo.UpsertParticipantByUser(ctx, &domain.Participant{
			ID:          uuid.NewString(),
			SessionID:   sessionID,
			UserID:      req.UserID,
			Role:        domain.ParticipantRoleMember,
			JoinedAt:    now,
			LastSeen:    now,
			GithubLogin: req.GithubLogin,
			DisplayName: req.GithubName,
		})
		if err != nil {
			Error(w, http.StatusInternalServerError, "failed to create participant")
			return
		}
	}

	token, err := generateToken()
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to generate token")
		return
	}
	tokenHash := hashToken(h.cfg.WSTokenPepper, token)

	if err := h.repo.SetParticipantToken(ctx, participant.ID, tokenHash, now); err != nil {
		Error(w, http.StatusInternalServerError, "failed to store token")
		return
	}

	JSON(w, http.StatusOK, wsTokenResponse{Token: token, ParticipantID: participant.ID})
}

// generateToken mints a random subscriber token, following the teacher's
// identity.generateAnonID idiom (crypto/rand + hex) rather than a UUID,
// since this value is a bearer secret, not an opaque identifier.
func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// hashToken derives the 64-hex-char digest stored on the participant row
// (spec §6: "a hex digest (64 chars for a 32-byte hash)"). HMAC-SHA256
// keyed by the configured pepper so a leaked database alone can't be used
// to forge valid tokens.
func hashToken(pepper, token string) string {
	mac := hmac.New(sha256.New, []byte(pepper))
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

// Package api provides the operator HTTP surface (spec §6): session
// lifecycle, prompt enqueue, participant/ws-token management, paginated
// reads, and artifact upload. Adapted from the teacher's internal/api
// (Handler struct, JSON/Error helpers) and internal/middleware (CORS),
// generalized from the playground-container API to the session
// orchestrator's operator API.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/ashureev/sessionctl/internal/actor"
	"github.com/ashureev/sessionctl/internal/config"
	"github.com/ashureev/sessionctl/internal/hub"
	"github.com/ashureev/sessionctl/internal/sessionerr"
	"github.com/ashureev/sessionctl/internal/store"
)

// Handler provides the operator HTTP surface's shared dependencies.
type Handler struct {
	repo     store.Repository
	registry *actor.Registry
	hub      *hub.Hub
	cfg      *config.Config
}

// NewHandler creates a Handler with the dependencies every operator route needs.
func NewHandler(repo store.Repository, registry *actor.Registry, h *hub.Hub, cfg *config.Config) *Handler {
	return &Handler{repo: repo, registry: registry, hub: h, cfg: cfg}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// writeSessionErr maps a sessionerr.Error's Kind onto the HTTP status the
// operator surface returns (spec §7).
func writeSessionErr(w http.ResponseWriter, err error) {
	se, ok := err.(*sessionerr.Error)
	if !ok {
		Error(w, http.StatusInternalServerError, "internal error")
		return
	}
	switch se.Kind {
	case sessionerr.KindBadRequest:
		Error(w, http.StatusBadRequest, se.Message)
	case sessionerr.KindUnauthorized:
		Error(w, http.StatusUnauthorized, se.Message)
	case sessionerr.KindSessionTerminal:
		Error(w, http.StatusConflict, se.Message)
	case sessionerr.KindSandboxUnavailable:
		Error(w, http.StatusServiceUnavailable, se.Message)
	case sessionerr.KindIngressConflict:
		Error(w, http.StatusConflict, se.Message)
	default:
		Error(w, http.StatusInternalServerError, "internal error")
	}
}

package api

import "github.com/go-chi/chi/v5"

// RegisterRoutes mounts the operator HTTP surface (spec §6), session-scoped
// under /internal/sessions/{sessionID}/... except the spec-literal
// /internal/init and /sessions/{sessionID}/artifact paths (see DESIGN.md's
// Open Question decision on route scoping). The sandbox-event ingress path
// is registered separately by internal/ingress.Handler.Routes on the same
// router. Callers must mount this behind operator shared-secret auth.
func (h *Handler) RegisterRoutes(r chi.Router, artifacts ArtifactStore) {
	r.Post("/internal/init", h.HandleInit)

	r.Route("/internal/sessions/{sessionID}", func(r chi.Router) {
		r.Post("/prompt", h.HandlePrompt)
		r.Post("/stop", h.HandleStop)
		r.Post("/archive", h.HandleArchive)
		r.Post("/unarchive", h.HandleUnarchive)
		r.Post("/ws-token", h.HandleWsToken)
		r.Get("/participants", h.HandleListParticipants)
		r.Post("/participants", h.HandleAddParticipant)
		r.Get("/messages", h.HandleListMessages)
		r.Get("/events", h.HandleListEvents)
		r.Get("/state", h.HandleState)
	})

	r.Route("/sessions/{sessionID}", func(r chi.Router) {
		r.Post("/artifact", h.HandleUploadArtifact(artifacts))
	})
}

// RegisterSubscriberRoutes mounts the subscriber websocket upgrade (spec
// §4.4, §6). This is its own trust boundary — the connection is governed
// solely by the per-session token a subscriber presents in its "subscribe"
// frame (checked inside Hub.Serve), not the operator shared secret — so
// callers must mount this on a router that is NOT behind
// identity.OperatorMiddleware.
func (h *Handler) RegisterSubscriberRoutes(r chi.Router) {
	r.Get("/internal/sessions/{sessionID}/subscribe", h.HandleSubscribe)
}

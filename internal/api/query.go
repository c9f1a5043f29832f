package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/sessionctl/internal/domain"
)

const defaultPageLimit = 50

func pageLimit(r *http.Request) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return defaultPageLimit
}

// HandleListMessages implements GET /internal/sessions/{sessionID}/messages.
func (h *Handler) HandleListMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	status := domain.MessageStatus(r.URL.Query().Get("status"))
	cursor := r.URL.Query().Get("cursor")

	page, err := h.repo.ListMessages(r.Context(), sessionID, status, pageLimit(r), cursor)
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to list messages")
		return
	}

	out := make([]map[string]interface{}, 0, len(page.Messages))
	for _, m := range page.Messages {
		out = append(out, map[string]interface{}{
			"id":                  m.ID,
			"authorParticipantId": m.AuthorParticipantID,
			"content":             m.Content,
			"source":              string(m.Source),
			"status":              string(m.Status),
			"createdAt":           m.CreatedAt.UnixMilli(),
			"reasoningEffort":     string(m.ReasoningEffort),
			"error":               m.Error,
		})
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"messages": out,
		"hasMore":  page.HasMore,
		"cursor":   page.Cursor,
	})
}

// HandleListEvents implements GET /internal/sessions/{sessionID}/events?type=&limit=&cursor=
// (spec §4.3, §8 test 6 — pagination must have no overlap between pages).
func (h *Handler) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	eventType := domain.EventType(r.URL.Query().Get("type"))
	cursor := r.URL.Query().Get("cursor")
	before := r.URL.Query().Get("before")

	var page *eventPageResult
	var err error
	if before != "" {
		page, err = h.loadOlderEvents(r, sessionID, eventType, before)
	} else {
		page, err = h.listEvents(r, sessionID, eventType, cursor)
	}
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to list events")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"events":  page.events,
		"hasMore": page.hasMore,
		"cursor":  page.cursor,
	})
}

type eventPageResult struct {
	events  []map[string]interface{}
	hasMore bool
	cursor  string
}

func (h *Handler) listEvents(r *http.Request, sessionID string, eventType domain.EventType, cursor string) (*eventPageResult, error) {
	page, err := h.repo.ListEvents(r.Context(), sessionID, eventType, pageLimit(r), cursor)
	if err != nil {
		return nil, err
	}
	events := h.collapseLatestToolCalls(r.Context(), sessionID, page.Events)
	return &eventPageResult{events: renderEvents(events), hasMore: page.HasMore, cursor: page.Cursor}, nil
}

func (h *Handler) loadOlderEvents(r *http.Request, sessionID string, eventType domain.EventType, before string) (*eventPageResult, error) {
	page, err := h.repo.LoadOlderEvents(r.Context(), sessionID, eventType, pageLimit(r), before)
	if err != nil {
		return nil, err
	}
	events := h.collapseLatestToolCalls(r.Context(), sessionID, page.Events)
	return &eventPageResult{events: renderEvents(events), hasMore: page.HasMore, cursor: page.Cursor}, nil
}

// collapseLatestToolCalls replaces every tool_call event in events with the
// store's authoritative latest revision for its callId (spec §4.5, §9: "the
// replay consumer picks the latest by callId"). Unlike a page-local
// dedup, this also catches the case where a tool_call's latest revision
// falls outside the fetched page/window — the update may have landed after
// the earlier revision scrolled out of range.
func (h *Handler) collapseLatestToolCalls(ctx context.Context, sessionID string, events []*domain.Event) []*domain.Event {
	resolved := make(map[string]*domain.Event)
	out := make([]*domain.Event, 0, len(events))
	seen := make(map[string]bool)
	for _, e := range events {
		if e.Type != domain.EventTypeToolCall || e.CallID == "" {
			out = append(out, e)
			continue
		}
		if seen[e.CallID] {
			continue
		}
		seen[e.CallID] = true

		latest, ok := resolved[e.CallID]
		if !ok {
			var err error
			latest, err = h.repo.LatestToolCallByCallID(ctx, sessionID, e.CallID)
			if err != nil || latest == nil {
				latest = e
			}
			resolved[e.CallID] = latest
		}
		out = append(out, latest)
	}
	return out
}

func renderEvents(events []*domain.Event) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(events))
	for _, e := range events {
		var data interface{}
		if e.Data != "" {
			_ = json.Unmarshal([]byte(e.Data), &data)
		}
		out = append(out, map[string]interface{}{
			"id":        e.ID,
			"type":      string(e.Type),
			"category":  string(domain.GetEventCategory(e.Type)),
			"data":      data,
			"messageId": e.MessageID,
			"callId":    e.CallID,
			"createdAt": e.CreatedAt.UnixMilli(),
		})
	}
	return out
}

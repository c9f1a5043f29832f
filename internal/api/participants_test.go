package api

import (
	"encoding/json"
	"net/http"
	"testing"
)

func TestHandleListParticipants_IncludesSeededOwner(t *testing.T) {
	h, repo := newTestHandler(t)
	seedSession(t, repo, "sess-1")
	router := newTestRouter(t, h)

	rec := doRequest(router, http.MethodGet, "/internal/sessions/sess-1/participants", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Participants []map[string]interface{} `json:"participants"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Participants) != 1 || resp.Participants[0]["role"] != "owner" {
		t.Fatalf("expected a single owner participant, got %+v", resp.Participants)
	}
}

func TestHandleAddParticipant_AlwaysMember(t *testing.T) {
	h, repo := newTestHandler(t)
	seedSession(t, repo, "sess-1")
	router := newTestRouter(t, h)

	rec := doRequest(router, http.MethodPost, "/internal/sessions/sess-1/participants", []byte(`{"userId":"u2"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp map[string]interface{}
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["role"] != "member" {
		t.Fatalf("expected role member, got %v", resp["role"])
	}

	participants, err := repo.ListParticipants(bg(), "sess-1")
	if err != nil {
		t.Fatalf("ListParticipants: %v", err)
	}
	if len(participants) != 2 {
		t.Fatalf("expected owner + new member, got %d", len(participants))
	}
}

func TestHandleWsToken_ReturnsRawTokenAndStoresOnlyHash(t *testing.T) {
	h, repo := newTestHandler(t)
	seedSession(t, repo, "sess-1")
	router := newTestRouter(t, h)

	rec := doRequest(router, http.MethodPost, "/internal/sessions/sess-1/ws-token", []byte(`{"userId":"u2"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp wsTokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Token == "" || resp.ParticipantID == "" {
		t.Fatalf("expected token and participantId, got %+v", resp)
	}

	p, err := repo.GetParticipantByUserID(bg(), "sess-1", "u2")
	if err != nil || p == nil {
		t.Fatalf("GetParticipantByUserID: %v, %+v", err, p)
	}
	if p.TokenHash == resp.Token {
		t.Fatalf("stored hash must not equal the raw token")
	}
	if p.TokenHash != hashToken(h.cfg.WSTokenPepper, resp.Token) {
		t.Fatalf("stored hash does not match hashToken(pepper, rawToken)")
	}

	found, err := repo.GetParticipantByTokenHash(bg(), "sess-1", p.TokenHash)
	if err != nil || found == nil || found.ID != p.ID {
		t.Fatalf("expected to look the participant back up by token hash, got %v, err=%v", found, err)
	}
}

package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/docker/docker/client"
	"github.com/go-chi/chi/v5"

	"github.com/ashureev/sessionctl/internal/actor"
	"github.com/ashureev/sessionctl/internal/config"
	"github.com/ashureev/sessionctl/internal/domain"
	"github.com/ashureev/sessionctl/internal/hub"
	"github.com/ashureev/sessionctl/internal/sandboxctl"
	"github.com/ashureev/sessionctl/internal/store"
)

func bg() context.Context { return context.Background() }

// fakeController is an in-memory stand-in for sandboxctl.Controller, same
// shape as the one in internal/actor's tests, so api tests don't need a
// real Docker daemon either.
type fakeController struct{}

func (f *fakeController) EnsureSandbox(ctx context.Context, sessionID string, env map[string]string) (string, error) {
	return "container-1", nil
}
func (f *fakeController) Execute(ctx context.Context, sessionID, containerID string, cmd sandboxctl.Command) error {
	return nil
}
func (f *fakeController) Stop(ctx context.Context, sessionID, containerID string) error { return nil }
func (f *fakeController) Terminate(ctx context.Context, containerID string) error       { return nil }
func (f *fakeController) IsRunning(ctx context.Context, containerID string) (bool, error) {
	return true, nil
}
func (f *fakeController) EnsureNetwork(ctx context.Context) (string, error) { return "net-1", nil }
func (f *fakeController) Client() *client.Client                           { return nil }

func newTestHandler(t *testing.T) (*Handler, store.Repository) {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	cfg := &config.Config{
		WSTokenPepper: "test-pepper",
		ModelDefault:  "standard",
		ValidModels:   []domain.Model{"standard"},
		ValidReasoningEfforts: map[domain.Model][]domain.ReasoningEffort{
			"standard": {domain.ReasoningEffortNone, domain.ReasoningEffortMedium},
		},
		Timeout: config.TimeoutConfig{StopGracePeriod: 50 * time.Millisecond, CommandDeadline: 2 * time.Second},
		Hub:     config.HubConfig{ReplayWindow: 200},
		Artifact: config.ArtifactConfig{
			Dir:            t.TempDir(),
			MaxUploadBytes: 1 << 20,
			PublicBaseURL:  "/artifacts",
		},
	}

	h := hub.New(cfg.Hub)
	registry := actor.NewRegistry(actor.Dependencies{Repo: repo, Sandbox: &fakeController{}, Hub: h, Config: cfg}, 0, 0)
	t.Cleanup(registry.Shutdown)

	return NewHandler(repo, registry, h, cfg), repo
}

func newTestRouter(t *testing.T, h *Handler) http.Handler {
	t.Helper()
	r := chi.NewRouter()
	h.RegisterRoutes(r, NewFilesystemArtifactStore(h.cfg.Artifact.Dir, h.cfg.Artifact.PublicBaseURL))
	return r
}

func seedSession(t *testing.T, repo store.Repository, sessionID string) {
	t.Helper()
	sess := &domain.Session{
		ID: sessionID, RepoOwner: "o", RepoName: "r", Status: domain.SessionStatusActive,
		Model: "standard", CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	if err := repo.CreateSession(bg(), sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	owner := &domain.Participant{ID: "owner-1", SessionID: sessionID, UserID: "u1", Role: domain.ParticipantRoleOwner, JoinedAt: time.Now()}
	if _, err := repo.UpsertParticipantByUser(bg(), owner); err != nil {
		t.Fatalf("UpsertParticipantByUser: %v", err)
	}
}

func doRequest(router http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

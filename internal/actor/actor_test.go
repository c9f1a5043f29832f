package actor

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/client"

	"github.com/ashureev/sessionctl/internal/config"
	"github.com/ashureev/sessionctl/internal/domain"
	"github.com/ashureev/sessionctl/internal/hub"
	"github.com/ashureev/sessionctl/internal/sandboxctl"
	"github.com/ashureev/sessionctl/internal/store"
)

// fakeController is an in-memory stand-in for sandboxctl.Controller so
// actor tests don't need a real Docker daemon.
type fakeController struct {
	mu          sync.Mutex
	running     map[string]bool
	executed    []sandboxctl.Command
	ensureErr   error
	executeErr  error
	nextContainerID string
}

func newFakeController() *fakeController {
	return &fakeController{running: make(map[string]bool), nextContainerID: "container-1"}
}

func (f *fakeController) EnsureSandbox(ctx context.Context, sessionID string, env map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ensureErr != nil {
		return "", f.ensureErr
	}
	f.running[f.nextContainerID] = true
	return f.nextContainerID, nil
}

func (f *fakeController) Execute(ctx context.Context, sessionID, containerID string, cmd sandboxctl.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.executeErr != nil {
		return f.executeErr
	}
	f.executed = append(f.executed, cmd)
	return nil
}

func (f *fakeController) Stop(ctx context.Context, sessionID, containerID string) error { return nil }
func (f *fakeController) Terminate(ctx context.Context, containerID string) error       { return nil }

func (f *fakeController) IsRunning(ctx context.Context, containerID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[containerID], nil
}

func (f *fakeController) EnsureNetwork(ctx context.Context) (string, error) { return "net-1", nil }
func (f *fakeController) Client() *client.Client                           { return nil }

func newTestActor(t *testing.T, ctrl *fakeController) (*Actor, store.Repository) {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	cfg := &config.Config{
		ValidReasoningEfforts: map[domain.Model][]domain.ReasoningEffort{
			"standard": {domain.ReasoningEffortMedium},
		},
		Timeout: config.TimeoutConfig{StopGracePeriod: 50 * time.Millisecond, CommandDeadline: 2 * time.Second},
	}

	deps := Dependencies{Repo: repo, Sandbox: ctrl, Hub: hub.New(hub.Config{}), Config: cfg}

	sess := &domain.Session{
		ID: "sess-1", RepoOwner: "o", RepoName: "r", Status: domain.SessionStatusActive,
		Model: "standard", CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	if err := repo.CreateSession(context.Background(), sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	return newActor("sess-1", deps), repo
}

func TestActor_EnqueuePromptDispatchesToSandbox(t *testing.T) {
	ctrl := newFakeController()
	a, repo := newTestActor(t, ctrl)
	t.Cleanup(a.stop)

	msg, err := a.EnqueuePrompt(context.Background(), PromptRequest{Content: "hello", AuthorParticipantID: "p1", Source: domain.MessageSourceWeb})
	if err != nil {
		t.Fatalf("EnqueuePrompt: %v", err)
	}
	if msg.Status != domain.MessageStatusPending && msg.Status != domain.MessageStatusProcessing {
		t.Fatalf("unexpected initial status %s", msg.Status)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := repo.GetMessage(context.Background(), "sess-1", msg.ID)
		if err != nil {
			t.Fatalf("GetMessage: %v", err)
		}
		if got.Status == domain.MessageStatusProcessing {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("message never reached processing status")
}

func TestActor_SecondPromptWaitsForProcessingToClear(t *testing.T) {
	ctrl := newFakeController()
	a, repo := newTestActor(t, ctrl)
	t.Cleanup(a.stop)

	ctx := context.Background()
	first, err := a.EnqueuePrompt(ctx, PromptRequest{Content: "first", AuthorParticipantID: "p1", Source: domain.MessageSourceWeb})
	if err != nil {
		t.Fatalf("EnqueuePrompt first: %v", err)
	}
	second, err := a.EnqueuePrompt(ctx, PromptRequest{Content: "second", AuthorParticipantID: "p1", Source: domain.MessageSourceWeb})
	if err != nil {
		t.Fatalf("EnqueuePrompt second: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	gotFirst, _ := repo.GetMessage(ctx, "sess-1", first.ID)
	gotSecond, _ := repo.GetMessage(ctx, "sess-1", second.ID)
	if gotFirst.Status != domain.MessageStatusProcessing {
		t.Fatalf("expected first message processing, got %s", gotFirst.Status)
	}
	if gotSecond.Status != domain.MessageStatusPending {
		t.Fatalf("expected second message still pending while first processes, got %s", gotSecond.Status)
	}
}

func TestActor_PromptRejectedOnArchivedSession(t *testing.T) {
	ctrl := newFakeController()
	a, repo := newTestActor(t, ctrl)
	t.Cleanup(a.stop)

	ctx := context.Background()
	if err := repo.UpdateSessionStatus(ctx, "sess-1", domain.SessionStatusArchived); err != nil {
		t.Fatalf("UpdateSessionStatus: %v", err)
	}

	_, err := a.EnqueuePrompt(ctx, PromptRequest{Content: "hi", AuthorParticipantID: "p1", Source: domain.MessageSourceWeb})
	if err == nil {
		t.Fatalf("expected error enqueueing prompt on archived session")
	}
}

func TestActor_SandboxFailureMarksMessageFailed(t *testing.T) {
	ctrl := newFakeController()
	ctrl.ensureErr = errors.New("docker unavailable")
	a, repo := newTestActor(t, ctrl)
	t.Cleanup(a.stop)

	ctx := context.Background()
	msg, err := a.EnqueuePrompt(ctx, PromptRequest{Content: "hi", AuthorParticipantID: "p1", Source: domain.MessageSourceWeb})
	if err != nil {
		t.Fatalf("EnqueuePrompt: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, _ := repo.GetMessage(ctx, "sess-1", msg.ID)
		if got.Status == domain.MessageStatusFailed {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("message never transitioned to failed after sandbox failure")
}

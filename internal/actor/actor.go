// Package actor implements the Session Actor (spec §4.1, §5): the
// single-writer logical execution context that owns a session's message
// queue, event log appends, and sandbox dispatch. Requests for the same
// session serialize through one goroutine; sessions run independently.
// Grounded in the teacher's internal/terminal.SessionManager (per-key
// registration + goroutine-owned state) and internal/container's
// TTL-driven idle reaping, generalized from per-user terminal/container
// state to per-session message-queue state.
package actor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/sessionctl/internal/config"
	"github.com/ashureev/sessionctl/internal/domain"
	"github.com/ashureev/sessionctl/internal/hub"
	"github.com/ashureev/sessionctl/internal/sandboxctl"
	"github.com/ashureev/sessionctl/internal/sessionerr"
	"github.com/ashureev/sessionctl/internal/store"
)

// Dependencies wires an Actor to the rest of the system.
type Dependencies struct {
	Repo    store.Repository
	Sandbox sandboxctl.Controller
	Hub     *hub.Hub
	Config  *config.Config
}

// PromptRequest carries the fields of POST /internal/prompt (spec §6).
type PromptRequest struct {
	Content         string
	AuthorParticipantID string
	Source          domain.MessageSource
	Attachments     string
	CallbackContext string
	ReasoningEffort domain.ReasoningEffort
}

// Actor serializes all mutating operations for one session through a
// single goroutine (the inbox loop). Every exported method posts a
// closure to it; the request methods block on the result, so callers see
// synchronous request/response semantics, while the Notify* methods return
// once the closure is queued. The actor's internal state is never touched
// concurrently.
type Actor struct {
	sessionID string
	deps      Dependencies

	inbox      chan func(context.Context)
	ctx        context.Context
	cancel     context.CancelFunc
	lastActive atomic.Int64 // unix nanos; read by the registry's reaper from another goroutine
}

// LastActive returns the last time this actor handled a request.
func (a *Actor) LastActive() time.Time {
	return time.Unix(0, a.lastActive.Load())
}

func (a *Actor) touch() {
	a.lastActive.Store(time.Now().UnixNano())
}

func newActor(sessionID string, deps Dependencies) *Actor {
	ctx, cancel := context.WithCancel(context.Background())
	a := &Actor{
		sessionID:  sessionID,
		deps:       deps,
		inbox:      make(chan func(context.Context), 64),
		ctx:        ctx,
		cancel:     cancel,
		
	}
	a.touch()
	go a.run()
	return a
}

func (a *Actor) run() {
	for {
		select {
		case fn := <-a.inbox:
			fn(a.ctx)
		case <-a.ctx.Done():
			return
		}
	}
}

// do posts fn to the actor's single-writer loop. Returns false if the
// actor has already been stopped.
func (a *Actor) do(fn func(context.Context)) bool {
	select {
	case a.inbox <- fn:
		return true
	case <-a.ctx.Done():
		return false
	}
}

func (a *Actor) stop() {
	a.cancel()
}

// EnqueuePrompt validates and persists a new prompt, appends its
// user_message event, and attempts to advance the dispatcher. Blocks
// until the actor has processed the request.
func (a *Actor) EnqueuePrompt(ctx context.Context, req PromptRequest) (*domain.Message, error) {
	type result struct {
		msg *domain.Message
		err error
	}
	resCh := make(chan result, 1)
	if !a.do(func(actorCtx context.Context) {
		a.touch()
		msg, err := a.handlePrompt(actorCtx, req)
		resCh <- result{msg, err}
	}) {
		return nil, sessionerr.Internal("", errors.New("actor no longer running"))
	}

	select {
	case res := <-resCh:
		return res.msg, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop requests cooperative cancellation of the currently processing
// message, if any.
func (a *Actor) Stop(ctx context.Context) error {
	resCh := make(chan error, 1)
	if !a.do(func(actorCtx context.Context) {
		a.touch()
		resCh <- a.handleStop(actorCtx)
	}) {
		return sessionerr.Internal("", errors.New("actor no longer running"))
	}

	select {
	case err := <-resCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Archive flips the session to archived, rejecting future prompts without
// destroying any state (spec §4.1).
func (a *Actor) Archive(ctx context.Context) error {
	resCh := make(chan error, 1)
	if !a.do(func(actorCtx context.Context) {
		a.touch()
		resCh <- a.deps.Repo.UpdateSessionStatus(actorCtx, a.sessionID, domain.SessionStatusArchived)
	}) {
		return sessionerr.Internal("", errors.New("actor no longer running"))
	}
	select {
	case err := <-resCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unarchive flips an archived session back to active so the dispatcher may
// resume working its pending queue.
func (a *Actor) Unarchive(ctx context.Context) error {
	resCh := make(chan error, 1)
	if !a.do(func(actorCtx context.Context) {
		a.touch()
		if err := a.deps.Repo.UpdateSessionStatus(actorCtx, a.sessionID, domain.SessionStatusActive); err != nil {
			resCh <- err
			return
		}
		a.dispatch(actorCtx)
		resCh <- nil
	}) {
		return sessionerr.Internal("", errors.New("actor no longer running"))
	}
	select {
	case err := <-resCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NotifyExecutionComplete wakes the dispatcher after the ingress handler
// has already applied a terminal status to the completed message. Implements
// the subset of ingress.Dispatcher the Registry exposes per-actor.
func (a *Actor) NotifyExecutionComplete(ctx context.Context) {
	a.do(func(actorCtx context.Context) {
		a.touch()
		a.dispatch(actorCtx)
	})
}

// NotifySandboxFailure forces the currently processing message to failed
// with kind sandbox_unavailable (spec §4.6: "on exhaustion mark the
// session's current processing message failed"), then advances the queue,
// which ensures a sandbox again if a pending message is waiting.
func (a *Actor) NotifySandboxFailure(ctx context.Context, cause error) {
	a.do(func(actorCtx context.Context) {
		a.touch()
		a.handleSandboxFailure(actorCtx, cause)
	})
}

func (a *Actor) handlePrompt(ctx context.Context, req PromptRequest) (*domain.Message, error) {
	sess, err := a.deps.Repo.GetSession(ctx, a.sessionID)
	if err != nil {
		return nil, sessionerr.Internal("", err)
	}
	if sess == nil {
		return nil, sessionerr.BadRequest("unknown session %s", a.sessionID)
	}
	if !sess.AcceptsPrompts() {
		return nil, sessionerr.SessionTerminal("session %s no longer accepts prompts", a.sessionID)
	}

	effort, _ := a.deps.Config.ResolveReasoningEffort(sess.Model, req.ReasoningEffort)

	now := time.Now()
	msg := &domain.Message{
		ID:                  uuid.NewString(),
		SessionID:           a.sessionID,
		AuthorParticipantID: req.AuthorParticipantID,
		Content:             req.Content,
		Source:              req.Source,
		Status:              domain.MessageStatusPending,
		CreatedAt:           now,
		Attachments:         req.Attachments,
		CallbackContext:     req.CallbackContext,
		ReasoningEffort:     effort,
	}
	if err := a.deps.Repo.InsertMessage(ctx, msg); err != nil {
		return nil, sessionerr.Internal("", err)
	}

	evt := &domain.Event{
		ID:        uuid.NewString(),
		SessionID: a.sessionID,
		Type:      domain.EventTypeUserMessage,
		Data:      marshalJSON(map[string]string{"content": req.Content, "authorParticipantId": req.AuthorParticipantID}),
		MessageID: msg.ID,
		CreatedAt: now,
	}
	if err := a.deps.Repo.AppendEvent(ctx, evt); err != nil {
		return nil, sessionerr.Internal("", err)
	}
	a.deps.Hub.BroadcastEvent(a.sessionID, evt)

	a.dispatch(ctx)
	return msg, nil
}

// dispatch advances the prompt queue by at most one message: if a message
// is already processing it does nothing (spec §8: at most one processing
// message at any instant); otherwise it takes the oldest pending message,
// ensures a sandbox, and dispatches the command.
func (a *Actor) dispatch(ctx context.Context) {
	processing, err := a.deps.Repo.GetProcessingMessage(ctx, a.sessionID)
	if err != nil {
		slog.Error("actor: failed to check processing message", "session_id", a.sessionID, "error", err)
		return
	}
	if processing != nil {
		return
	}

	pending, err := a.deps.Repo.GetOldestPendingMessage(ctx, a.sessionID)
	if err != nil {
		slog.Error("actor: failed to fetch pending message", "session_id", a.sessionID, "error", err)
		return
	}
	if pending == nil {
		return
	}

	sess, err := a.deps.Repo.GetSession(ctx, a.sessionID)
	if err != nil || sess == nil {
		slog.Error("actor: failed to load session for dispatch", "session_id", a.sessionID, "error", err)
		return
	}

	containerID, err := a.ensureSandbox(ctx, sess)
	if err != nil {
		a.failMessage(ctx, pending, sessionerr.SandboxUnavailable(err, "sandbox unavailable for session %s", a.sessionID).Error())
		return
	}

	now := time.Now()
	pending.MarkProcessing(now)
	if err := a.deps.Repo.UpdateMessageStatus(ctx, pending); err != nil {
		slog.Error("actor: failed to mark message processing", "session_id", a.sessionID, "error", err)
		return
	}
	a.deps.Hub.Broadcast(a.sessionID, hub.Frame{"type": "processing_status", "messageId": pending.ID, "status": "processing"})

	cmd := sandboxctl.Command{
		Kind:            "execute",
		MessageID:       pending.ID,
		Content:         pending.Content,
		Attachments:     pending.Attachments,
		ReasoningEffort: sess.ResolvedReasoningEffort(pending.ReasoningEffort),
		CallbackContext: pending.CallbackContext,
	}

	dispatchCtx := ctx
	if a.deps.Config.Timeout.CommandDeadline > 0 {
		var cancel context.CancelFunc
		dispatchCtx, cancel = context.WithTimeout(ctx, a.deps.Config.Timeout.CommandDeadline)
		defer cancel()
	}

	var execErr error
	for i := 0; i < max(1, a.deps.Config.Retry.SandboxMaxAttempts); i++ {
		if i > 0 {
			select {
			case <-time.After(a.deps.Config.Retry.SandboxRetryBaseDelay << (i - 1)):
			case <-dispatchCtx.Done():
			}
		}
		if execErr = a.deps.Sandbox.Execute(dispatchCtx, a.sessionID, containerID, cmd); execErr == nil {
			return
		}
	}
	a.failMessage(ctx, pending, execErr.Error())
}

// ensureSandbox returns a running container id for the session, starting
// or restarting the sandbox if necessary, and broadcasts the warming/ready
// transitions subscribers expect (spec §6).
func (a *Actor) ensureSandbox(ctx context.Context, sess *domain.Session) (string, error) {
	sb, err := a.deps.Repo.GetSandbox(ctx, a.sessionID)
	if err != nil {
		return "", err
	}
	if sb != nil && sb.SandboxID != "" {
		running, err := a.deps.Sandbox.IsRunning(ctx, sb.SandboxID)
		if err == nil && running {
			return sb.SandboxID, nil
		}
	}

	if err := a.deps.Repo.UpdateHeartbeat(ctx, a.sessionID, "", domain.SandboxStatusWarming, time.Now()); err != nil {
		slog.Debug("actor: failed to record warming status", "session_id", a.sessionID, "error", err)
	}
	a.deps.Hub.Broadcast(a.sessionID, hub.Frame{"type": "sandbox_warming"})

	env := map[string]string{
		"SESSION_ID": a.sessionID,
		"REPO_OWNER": sess.RepoOwner,
		"REPO_NAME":  sess.RepoName,
	}
	containerID, err := a.deps.Sandbox.EnsureSandbox(ctx, a.sessionID, env)
	if err != nil {
		return "", err
	}

	if err := a.deps.Repo.UpsertSandbox(ctx, &domain.Sandbox{
		SessionID:     a.sessionID,
		SandboxID:     containerID,
		Status:        domain.SandboxStatusReady,
		LastHeartbeat: time.Now(),
	}); err != nil {
		slog.Error("actor: failed to persist sandbox record", "session_id", a.sessionID, "error", err)
	}
	a.deps.Hub.Broadcast(a.sessionID, hub.Frame{"type": "sandbox_ready"})
	return containerID, nil
}

func (a *Actor) failMessage(ctx context.Context, msg *domain.Message, errMsg string) {
	msg.Complete(false, errMsg, time.Now())
	if err := a.deps.Repo.UpdateMessageStatus(ctx, msg); err != nil {
		slog.Error("actor: failed to mark message failed", "session_id", a.sessionID, "message_id", msg.ID, "error", err)
		return
	}

	evt := &domain.Event{
		ID:        uuid.NewString(),
		SessionID: a.sessionID,
		Type:      domain.EventTypeExecutionComplete,
		Data:      marshalJSON(map[string]interface{}{"success": false, "error": errMsg}),
		MessageID: msg.ID,
		CreatedAt: time.Now(),
	}
	if err := a.deps.Repo.AppendEvent(ctx, evt); err != nil {
		slog.Error("actor: failed to append failure event", "session_id", a.sessionID, "error", err)
		return
	}
	a.deps.Hub.BroadcastEvent(a.sessionID, evt)
}

func (a *Actor) handleSandboxFailure(ctx context.Context, cause error) {
	processing, err := a.deps.Repo.GetProcessingMessage(ctx, a.sessionID)
	if err != nil {
		slog.Error("actor: failed to load processing message on sandbox failure", "session_id", a.sessionID, "error", err)
		return
	}
	if processing == nil {
		return
	}
	a.failMessage(ctx, processing, sessionerr.SandboxUnavailable(cause, "sandbox unavailable for session %s", a.sessionID).Error())
	if err := a.deps.Repo.UpdateHeartbeat(ctx, a.sessionID, "", domain.SandboxStatusStopped, time.Now()); err != nil {
		slog.Debug("actor: failed to record stopped status after sandbox failure", "session_id", a.sessionID, "error", err)
	}
	a.dispatch(ctx)
}

func (a *Actor) handleStop(ctx context.Context) error {
	processing, err := a.deps.Repo.GetProcessingMessage(ctx, a.sessionID)
	if err != nil {
		return sessionerr.Internal("", err)
	}
	if processing == nil {
		return nil
	}

	sb, err := a.deps.Repo.GetSandbox(ctx, a.sessionID)
	if err != nil {
		return sessionerr.Internal("", err)
	}
	if sb == nil || sb.SandboxID == "" {
		return nil
	}

	if err := a.deps.Sandbox.Stop(ctx, a.sessionID, sb.SandboxID); err != nil {
		return sessionerr.Internal("", err)
	}

	messageID := processing.ID
	grace := a.deps.Config.Timeout.StopGracePeriod
	if grace <= 0 {
		grace = 30 * time.Second
	}
	time.AfterFunc(grace, func() {
		a.do(func(actorCtx context.Context) {
			a.handleStopTimeout(actorCtx, messageID)
		})
	})
	return nil
}

// handleStopTimeout forces cancellation if execution_complete never
// arrived within the stop grace period (spec §5 cancellation semantics).
func (a *Actor) handleStopTimeout(ctx context.Context, messageID string) {
	msg, err := a.deps.Repo.GetMessage(ctx, a.sessionID, messageID)
	if err != nil || msg == nil || msg.Status.IsTerminal() {
		return
	}

	msg.Cancel(time.Now())
	if err := a.deps.Repo.UpdateMessageStatus(ctx, msg); err != nil {
		slog.Error("actor: failed to mark message cancelled", "session_id", a.sessionID, "message_id", messageID, "error", err)
		return
	}

	evt := &domain.Event{
		ID:        uuid.NewString(),
		SessionID: a.sessionID,
		Type:      domain.EventTypeExecutionComplete,
		Data:      marshalJSON(map[string]interface{}{"success": false, "cancelled": true}),
		MessageID: messageID,
		CreatedAt: time.Now(),
	}
	if err := a.deps.Repo.AppendEvent(ctx, evt); err != nil {
		slog.Error("actor: failed to append cancellation event", "session_id", a.sessionID, "error", err)
		return
	}
	a.deps.Hub.BroadcastEvent(a.sessionID, evt)

	if err := a.deps.Repo.UpdateHeartbeat(ctx, a.sessionID, "", domain.SandboxStatusStopped, time.Now()); err != nil {
		slog.Debug("actor: failed to record stopped status after forced cancellation", "session_id", a.sessionID, "error", err)
	}

	a.dispatch(ctx)
}

func marshalJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

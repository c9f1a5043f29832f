// Package store provides data persistence interfaces and implementations
// for the session orchestrator's durable state: the session row, the
// participant table, the prompt queue (the message table), the append-only
// event log, the sandbox record, and artifacts.
package store

import (
	"context"
	"time"

	"github.com/ashureev/sessionctl/internal/domain"
)

// MessagePage is a page of messages returned by ListMessages.
type MessagePage struct {
	Messages []*domain.Message
	HasMore  bool
	Cursor   string
}

// EventPage is a page of events returned by ListEvents/LoadOlderEvents.
type EventPage struct {
	Events  []*domain.Event
	HasMore bool
	Cursor  string
}

// Repository defines the interface for persisting session orchestrator
// state. Implementations must honor the Event Log's append-only, totally
// ordered invariant (spec §3 invariant 2). The at-most-one-processing
// invariant on messages (spec §3 invariant 1) is not enforced here:
// UpdateMessageStatus is a plain write, and the Session Actor's
// single-writer loop keeps the invariant.
type Repository interface {
	// Sessions

	CreateSession(ctx context.Context, s *domain.Session) error
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	UpdateSessionStatus(ctx context.Context, sessionID string, status domain.SessionStatus) error
	UpdateSessionSha(ctx context.Context, sessionID, sha string) error

	// Participants

	UpsertParticipantByUser(ctx context.Context, p *domain.Participant) (*domain.Participant, error)
	GetParticipantByUserID(ctx context.Context, sessionID, userID string) (*domain.Participant, error)
	GetParticipantByTokenHash(ctx context.Context, sessionID, tokenHash string) (*domain.Participant, error)
	ListParticipants(ctx context.Context, sessionID string) ([]*domain.Participant, error)
	SetParticipantToken(ctx context.Context, participantID, tokenHash string, issuedAt time.Time) error
	TouchParticipantLastSeen(ctx context.Context, participantID string, at time.Time) error

	// Messages (prompt queue)

	InsertMessage(ctx context.Context, m *domain.Message) error
	GetMessage(ctx context.Context, sessionID, messageID string) (*domain.Message, error)
	GetProcessingMessage(ctx context.Context, sessionID string) (*domain.Message, error)
	GetOldestPendingMessage(ctx context.Context, sessionID string) (*domain.Message, error)
	UpdateMessageStatus(ctx context.Context, m *domain.Message) error
	ListMessages(ctx context.Context, sessionID string, status domain.MessageStatus, limit int, cursor string) (*MessagePage, error)

	// Events (event log)

	EventExists(ctx context.Context, sessionID, eventID string) (bool, error)
	AppendEvent(ctx context.Context, e *domain.Event) error
	LatestToolCallByCallID(ctx context.Context, sessionID, callID string) (*domain.Event, error)
	ListEvents(ctx context.Context, sessionID string, eventType domain.EventType, limit int, cursor string) (*EventPage, error)
	LoadOlderEvents(ctx context.Context, sessionID string, eventType domain.EventType, limit int, before string) (*EventPage, error)
	ReplayTail(ctx context.Context, sessionID string, n int) ([]*domain.Event, error)

	// Sandbox

	GetSandbox(ctx context.Context, sessionID string) (*domain.Sandbox, error)
	UpsertSandbox(ctx context.Context, sb *domain.Sandbox) error
	UpdateHeartbeat(ctx context.Context, sessionID, sandboxID string, status domain.SandboxStatus, at time.Time) error
	UpdateGitSyncStatus(ctx context.Context, sessionID, status string) error

	// Artifacts

	InsertArtifact(ctx context.Context, a *domain.Artifact) error
	GetArtifact(ctx context.Context, sessionID, artifactID string) (*domain.Artifact, error)
	ListArtifacts(ctx context.Context, sessionID string) ([]*domain.Artifact, error)

	// Maintenance

	ListStaleSandboxes(ctx context.Context, maxAge time.Duration) ([]*domain.Sandbox, error)

	Ping(ctx context.Context) error
	Close() error
}

package domain

import "time"

// Message is a single user prompt and its processing lifecycle. Status
// transitions monotonically pending → processing → {completed,failed,cancelled}.
// Per session, at most one message may be in MessageStatusProcessing.
type Message struct {
	ID                  string
	SessionID           string
	AuthorParticipantID string
	Content             string
	Source              MessageSource
	Status              MessageStatus
	CreatedAt           time.Time
	StartedAt           time.Time
	CompletedAt         time.Time
	Attachments         string // opaque JSON, nil-equivalent is ""
	CallbackContext     string // opaque JSON
	ReasoningEffort     ReasoningEffort
	Error               string
}

// MarkProcessing transitions a pending message into processing, recording
// the start time. Callers must hold the session's single-writer discipline.
func (m *Message) MarkProcessing(at time.Time) {
	m.Status = MessageStatusProcessing
	m.StartedAt = at
}

// Complete transitions the message to its terminal state. It is a no-op if
// the message is already terminal, matching the idempotency required of
// execution_complete handling (spec §4.5, invariant 3).
func (m *Message) Complete(success bool, errMsg string, at time.Time) bool {
	if m.Status.IsTerminal() {
		return false
	}
	if success {
		m.Status = MessageStatusCompleted
	} else {
		m.Status = MessageStatusFailed
		m.Error = errMsg
	}
	m.CompletedAt = at
	return true
}

// Cancel transitions the message to cancelled, unless already terminal.
func (m *Message) Cancel(at time.Time) bool {
	if m.Status.IsTerminal() {
		return false
	}
	m.Status = MessageStatusCancelled
	m.CompletedAt = at
	return true
}

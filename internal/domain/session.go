package domain

import "time"

// Session is the root record for a coding-agent collaboration. Exactly one
// Session Actor exists per id; all state transitions funnel through it.
type Session struct {
	ID              string
	RepoOwner       string
	RepoName        string
	Status          SessionStatus
	CurrentSha      string
	Model           Model
	ReasoningEffort ReasoningEffort // empty means unset
	Title           string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// AcceptsPrompts reports whether the session's current status allows new
// prompts to be enqueued. Archived sessions still allow reads.
func (s *Session) AcceptsPrompts() bool {
	return !s.Status.IsTerminalForPrompts()
}

// ResolvedReasoningEffort applies the fallback chain for a prompt that
// carries its own override: per-message override → session default. When
// both are empty the result is empty; no model-level default effort is
// applied here or by the dispatcher.
func (s *Session) ResolvedReasoningEffort(override ReasoningEffort) ReasoningEffort {
	if override != "" {
		return override
	}
	return s.ReasoningEffort
}

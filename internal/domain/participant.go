package domain

import "time"

// Participant is a user's membership in a session. At most one participant
// per session carries ParticipantRoleOwner. Tokens are stored as a hash;
// the raw token is handed back only at issuance time and never persisted.
type Participant struct {
	ID            string
	SessionID     string
	UserID        string
	Role          ParticipantRole
	JoinedAt      time.Time
	TokenHash     string // hex digest, empty until issueWsToken
	TokenCreated  time.Time
	LastSeen      time.Time
	GithubLogin   string
	DisplayName   string
	Avatar        string
}

// HasToken reports whether a websocket token has ever been issued to this
// participant.
func (p *Participant) HasToken() bool {
	return p.TokenHash != ""
}

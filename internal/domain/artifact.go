package domain

import "time"

// Artifact is a byproduct of a sandbox tool execution: a PR, a screenshot,
// a preview deployment, or a branch. It is persisted in the Event Log as
// an artifact event and additionally indexed here for direct retrieval.
type Artifact struct {
	ID        string
	SessionID string
	Type      ArtifactType
	URL       string
	Metadata  string // opaque JSON
	CreatedAt time.Time
}

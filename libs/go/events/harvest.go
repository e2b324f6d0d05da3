package events

import "time"

// Record kinds harvested from a repository.
const (
	KindCommit      = "commit"
	KindPullRequest = "pull_request"
	KindIssue       = "issue"
)

// RecordChanged is emitted by the harvester for every new or modified source record.
type RecordChanged struct {
	SourceID    string    `json:"source_id"`
	EntityID    string    `json:"entity_id"`
	RecordID    string    `json:"record_id"`
	Kind        string    `json:"kind"`
	Author      string    `json:"author"`
	State       string    `json:"state,omitempty"`
	Merged      bool      `json:"merged,omitempty"`
	Additions   int       `json:"additions,omitempty"`
	Deletions   int       `json:"deletions,omitempty"`
	Fingerprint string    `json:"fingerprint"`
	FirstSeen   bool      `json:"first_seen"` // false when a previous fingerprint existed
	UpdatedAt   time.Time `json:"updated_at"`
}

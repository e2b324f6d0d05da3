// Package events defines the cross-service event envelope and payloads.
package events

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Event types. Each type is published to a topic of the same name.
const (
	TypeRecordChanged       = "harvest.record_changed"
	TypeChallengeProgressed = "challenge.progressed"
	TypeChallengeCompleted  = "challenge.completed"
)

// DomainEvent is the immutable unit carried by the fabric.
type DomainEvent struct {
	EventID         int64           `json:"event_id"`
	DedupKey        string          `json:"dedup_key"`
	Type            string          `json:"type"`
	Payload         json.RawMessage `json:"payload"`
	OccurredAt      time.Time       `json:"occurred_at"`
	SourceCursorRef string          `json:"source_cursor_ref,omitempty"`
}

// DedupKey derives the deterministic key for a change to one harvested entity.
// Re-harvesting the same change yields the same key.
func DedupKey(sourceID, entityID, changeFingerprint string) string {
	return hashParts(sourceID, entityID, changeFingerprint)
}

// DerivedDedupKey derives the key of an event produced while handling parent.
func DerivedDedupKey(parent string, parts ...string) string {
	return hashParts(append([]string{parent}, parts...)...)
}

func hashParts(parts ...string) string {
	h := sha256.New()
	for i, part := range parts {
		if i > 0 {
			h.Write([]byte{0x1f})
		}
		h.Write([]byte(part))
	}
	return hex.EncodeToString(h.Sum(nil))
}

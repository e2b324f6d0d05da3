package outbox

import "example.com/platform/libs/go/events"

// SchemaCatalogEntry maps an event type to the JSON schema registered for its subject.
type SchemaCatalogEntry struct {
	Schema string
}

var schemaCatalog = map[string]SchemaCatalogEntry{
	events.TypeRecordChanged:       {Schema: envelopeSchema("RecordChanged", recordChangedPayload)},
	events.TypeChallengeProgressed: {Schema: envelopeSchema("ChallengeProgressed", challengeProgressedPayload)},
	events.TypeChallengeCompleted:  {Schema: envelopeSchema("ChallengeCompleted", challengeCompletedPayload)},
}

// LookupSchema returns the schema registered for eventType.
func LookupSchema(eventType string) (SchemaCatalogEntry, bool) {
	entry, ok := schemaCatalog[eventType]
	return entry, ok
}

func envelopeSchema(title, payload string) string {
	return `{
  "type": "object",
  "title": "` + title + `",
  "properties": {
    "event_id": {"type": "integer"},
    "dedup_key": {"type": "string"},
    "type": {"type": "string"},
    "occurred_at": {"type": "string", "format": "date-time"},
    "source_cursor_ref": {"type": "string"},
    "payload": ` + payload + `
  },
  "required": ["event_id", "dedup_key", "type", "occurred_at", "payload"]
}`
}

const recordChangedPayload = `{
      "type": "object",
      "properties": {
        "source_id": {"type": "string"},
        "entity_id": {"type": "string"},
        "record_id": {"type": "string"},
        "kind": {"type": "string", "enum": ["commit", "pull_request", "issue"]},
        "author": {"type": "string"},
        "state": {"type": "string"},
        "merged": {"type": "boolean"},
        "additions": {"type": "integer"},
        "deletions": {"type": "integer"},
        "fingerprint": {"type": "string"},
        "first_seen": {"type": "boolean"},
        "updated_at": {"type": "string", "format": "date-time"}
      },
      "required": ["source_id", "entity_id", "record_id", "kind", "fingerprint", "first_seen"]
    }`

const challengeProgressedPayload = `{
      "type": "object",
      "properties": {
        "user_id": {"type": "string"},
        "challenge_id": {"type": "string"},
        "challenge_name": {"type": "string"},
        "count": {"type": "integer"},
        "target": {"type": "integer"},
        "progress": {"type": "integer", "minimum": 0, "maximum": 100},
        "achieved": {"type": "boolean"},
        "source_event_id": {"type": "integer"}
      },
      "required": ["user_id", "challenge_id", "count", "target", "progress", "achieved"]
    }`

const challengeCompletedPayload = `{
      "type": "object",
      "properties": {
        "user_id": {"type": "string"},
        "challenge_id": {"type": "string"},
        "challenge_name": {"type": "string"},
        "points_awarded": {"type": "integer"},
        "achieved_at": {"type": "string", "format": "date-time"},
        "source_event_id": {"type": "integer"}
      },
      "required": ["user_id", "challenge_id", "points_awarded", "achieved_at"]
    }`

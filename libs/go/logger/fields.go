// Package logger configures slog for the platform services and enriches records with
// context-scoped fields.
package logger

import "context"

type contextKey string

const logFieldsKey contextKey = "log_fields"

// LogFields are attached to every record logged with a context that carries them.
type LogFields struct {
	Component string  // e.g. "harvester.run", "challenge.consumer"
	SourceID  *string // harvest source
	EntityID  *string // harvested entity
	RunID     *string // harvester run
	EventID   *int64  // domain event id
	DedupKey  *string // domain event dedup key
	Topic     *string // fabric topic
}

// WithLogFields merges fields into ctx; newer non-empty values win.
func WithLogFields(ctx context.Context, fields LogFields) context.Context {
	merged := mergeFields(GetLogFields(ctx), fields)
	return context.WithValue(ctx, logFieldsKey, merged)
}

// GetLogFields returns the fields stored in ctx, or the zero value.
func GetLogFields(ctx context.Context) LogFields {
	if fields, ok := ctx.Value(logFieldsKey).(LogFields); ok {
		return fields
	}
	return LogFields{}
}

func mergeFields(existing, next LogFields) LogFields {
	result := existing
	if next.Component != "" {
		result.Component = next.Component
	}
	if next.SourceID != nil {
		result.SourceID = next.SourceID
	}
	if next.EntityID != nil {
		result.EntityID = next.EntityID
	}
	if next.RunID != nil {
		result.RunID = next.RunID
	}
	if next.EventID != nil {
		result.EventID = next.EventID
	}
	if next.DedupKey != nil {
		result.DedupKey = next.DedupKey
	}
	if next.Topic != nil {
		result.Topic = next.Topic
	}
	return result
}

// Ptr returns a pointer to v, for inline LogFields literals.
func Ptr[T any](v T) *T {
	return &v
}

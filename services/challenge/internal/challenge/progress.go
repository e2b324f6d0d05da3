// Package challenge folds harvested record changes into per-user challenge progress.
package challenge

import (
	"context"
	"errors"
	"time"

	"example.com/challenge/internal/catalog"
	"example.com/platform/libs/go/events"
	"example.com/platform/libs/go/outbox"
)

var (
	// ErrVersionConflict is returned when progress changed between read and write.
	ErrVersionConflict = errors.New("challenge: progress version conflict")
	// ErrAlreadyApplied is returned when a concurrent delivery applied the same event first.
	ErrAlreadyApplied = errors.New("challenge: event already applied")
)

// MetricState is the JSON stored in challenge_progress.metric_state.
type MetricState struct {
	Count      int        `json:"count"`
	Progress   int        `json:"progress"`
	Achieved   bool       `json:"achieved"`
	AchievedAt *time.Time `json:"achieved_at,omitempty"`
}

// Progress is one user's standing on one challenge.
type Progress struct {
	UserID             string
	ChallengeID        string
	State              MetricState
	Version            int64
	LastAppliedEventID int64
}

// Snapshot is the state an event is folded against.
type Snapshot struct {
	Progress Progress
	// Applied is set when this event was already folded into the challenge.
	Applied bool
	// Counted is set when the record already contributed to the challenge.
	Counted bool
}

// Application is the write produced by folding one event into one challenge.
type Application struct {
	Event     events.DomainEvent
	RecordKey string
	// Amount is zero when the record was counted before; only the applied row is written.
	Amount   int
	Expected int64
	Next     Progress
	Results  []outbox.Record
}

// Store persists progress. Apply writes the applied-event row, the counted record, the
// progress update guarded by Expected and the result events in one transaction.
type Store interface {
	Snapshot(ctx context.Context, userID, challengeID, dedupKey, recordKey string) (Snapshot, error)
	Apply(ctx context.Context, app Application) error
}

// UserResolver maps a source account to a platform user.
type UserResolver interface {
	Resolve(ctx context.Context, provider, login string) (userID string, ok bool, err error)
}

// DedupWindow is the fast-path duplicate filter in front of the applied-event rows.
type DedupWindow interface {
	Seen(ctx context.Context, dedupKey string) (bool, error)
	Mark(ctx context.Context, dedupKey string) error
}

// Percent is min(count*100/target, 100).
func Percent(count, target int) int {
	if target <= 0 {
		return 0
	}
	return min(count*100/target, 100)
}

// Fold adds amount to state. completed is true only on the fold that first achieves the
// challenge.
func Fold(state MetricState, ch catalog.Challenge, amount int, at time.Time) (next MetricState, completed bool) {
	next = state
	next.Count += amount
	next.Progress = Percent(next.Count, ch.Target)
	if !state.Achieved && next.Count >= ch.Target {
		next.Achieved = true
		achievedAt := at.UTC()
		next.AchievedAt = &achievedAt
		completed = true
	}
	return next, completed
}

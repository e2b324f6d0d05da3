package challenge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"example.com/challenge/internal/catalog"
	"example.com/challenge/internal/stats"
	"example.com/platform/libs/go/events"
	"example.com/platform/libs/go/fabric"
	"example.com/platform/libs/go/ids"
	"example.com/platform/libs/go/logger"
	"example.com/platform/libs/go/outbox"
)

// DefaultMaxFoldAttempts bounds reload-and-refold after a version conflict.
const DefaultMaxFoldAttempts = 3

// Option configures a Handler.
type Option func(*Handler)

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = l
	}
}

// WithDedupWindow puts a recent-key window in front of the store.
func WithDedupWindow(w DedupWindow) Option {
	return func(h *Handler) {
		h.window = w
	}
}

// WithMaxFoldAttempts overrides DefaultMaxFoldAttempts.
func WithMaxFoldAttempts(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxFold = n
		}
	}
}

// ContributionRecorder keeps every record a linked user authored for statistics.
type ContributionRecorder interface {
	RecordContribution(ctx context.Context, userID string, c stats.Contribution) error
}

// WithContributionRecorder records each resolved change, whether or not a challenge counts it.
func WithContributionRecorder(r ContributionRecorder) Option {
	return func(h *Handler) {
		h.recorder = r
	}
}

// Handler consumes harvest.record_changed and folds each record into the challenges it
// counts toward.
type Handler struct {
	catalog  *catalog.Catalog
	store    Store
	users    UserResolver
	window   DedupWindow
	recorder ContributionRecorder
	maxFold  int
	logger   *slog.Logger
	tracer   trace.Tracer

	nextID func() int64
	now    func() time.Time
}

// NewHandler constructs a Handler.
func NewHandler(cat *catalog.Catalog, store Store, users UserResolver, opts ...Option) *Handler {
	h := &Handler{
		catalog: cat,
		store:   store,
		users:   users,
		maxFold: DefaultMaxFoldAttempts,
		logger:  slog.Default(),
		tracer:  otel.Tracer("example.com/challenge/internal/challenge"),
		nextID:  ids.New,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle implements fabric.Handler. It returns nil only once every affected challenge has
// committed, so a failure part way through is redelivered and the committed challenges
// are skipped by their applied rows.
func (h *Handler) Handle(ctx context.Context, d fabric.Delivery) error {
	evt := d.Event
	if evt.Type != events.TypeRecordChanged {
		return nil
	}
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "challenge.consumer",
		EventID:   logger.Ptr(evt.EventID),
		DedupKey:  logger.Ptr(evt.DedupKey),
	})

	if h.window != nil {
		seen, err := h.window.Seen(ctx, evt.DedupKey)
		switch {
		case err != nil:
			h.logger.WarnContext(ctx, "dedup window lookup failed, relying on applied events", "error", err)
		case seen:
			duplicatesCounter.WithLabelValues("window").Inc()
			return nil
		}
	}

	var change events.RecordChanged
	if err := json.Unmarshal(evt.Payload, &change); err != nil {
		return fabric.Permanent(fmt.Errorf("decode %s payload: %w", evt.Type, err))
	}

	ctx, span := h.tracer.Start(ctx, "challenge.apply", trace.WithAttributes(
		attribute.String("record.kind", change.Kind),
		attribute.Int("delivery.attempt", d.Attempt),
	))
	defer span.End()

	contributions := h.catalog.Affected(change)
	if change.Author == "" || (len(contributions) == 0 && h.recorder == nil) {
		h.mark(ctx, evt.DedupKey)
		return nil
	}

	userID, ok, err := h.users.Resolve(ctx, change.SourceID, change.Author)
	if err != nil {
		return fabric.Retryable(fmt.Errorf("resolve %s author %q: %w", change.SourceID, change.Author, err))
	}
	if !ok {
		unresolvedCounter.WithLabelValues(change.SourceID).Inc()
		h.logger.InfoContext(ctx, "discarding change from unlinked author", "author", change.Author, "source", change.SourceID)
		h.mark(ctx, evt.DedupKey)
		return nil
	}

	if h.recorder != nil {
		if err := h.recorder.RecordContribution(ctx, userID, stats.FromRecord(change)); err != nil {
			return fabric.Retryable(fmt.Errorf("record contribution of %s: %w", userID, err))
		}
	}

	recordKey := change.SourceID + "/" + change.EntityID + "/" + change.RecordID
	for _, contrib := range contributions {
		if err := h.applyWithRetry(ctx, evt, userID, recordKey, contrib); err != nil {
			span.RecordError(err)
			return err
		}
	}
	h.mark(ctx, evt.DedupKey)
	return nil
}

func (h *Handler) mark(ctx context.Context, dedupKey string) {
	if h.window == nil {
		return
	}
	if err := h.window.Mark(ctx, dedupKey); err != nil {
		h.logger.WarnContext(ctx, "dedup window mark failed", "error", err)
	}
}

func (h *Handler) applyWithRetry(ctx context.Context, evt events.DomainEvent, userID, recordKey string, contrib catalog.Contribution) error {
	ch := contrib.Challenge
	for attempt := 1; attempt <= h.maxFold; attempt++ {
		snap, err := h.store.Snapshot(ctx, userID, ch.ID, evt.DedupKey, recordKey)
		if err != nil {
			return fabric.Retryable(fmt.Errorf("load progress %s/%s: %w", userID, ch.ID, err))
		}
		if snap.Applied {
			duplicatesCounter.WithLabelValues("applied").Inc()
			return nil
		}

		app, completed, err := h.fold(evt, userID, recordKey, contrib, snap)
		if err != nil {
			return fabric.Permanent(err)
		}

		err = h.store.Apply(ctx, app)
		switch {
		case err == nil:
			appliedCounter.WithLabelValues(ch.ID).Inc()
			if completed {
				completionsCounter.WithLabelValues(ch.ID).Inc()
				h.logger.InfoContext(ctx, "challenge completed", "user_id", userID, "challenge_id", ch.ID, "points", ch.Points)
			}
			return nil
		case errors.Is(err, ErrAlreadyApplied):
			duplicatesCounter.WithLabelValues("applied").Inc()
			return nil
		case errors.Is(err, ErrVersionConflict):
			conflictsCounter.Inc()
			h.logger.DebugContext(ctx, "progress version conflict, refolding", "challenge_id", ch.ID, "attempt", attempt)
		default:
			return fabric.Retryable(fmt.Errorf("apply %s/%s: %w", userID, ch.ID, err))
		}
	}
	return fabric.Retryable(fmt.Errorf("apply %s/%s after %d attempts: %w", userID, ch.ID, h.maxFold, ErrVersionConflict))
}

// fold builds the write for one contribution. A record counted before leaves progress
// unchanged and produces no result events.
func (h *Handler) fold(evt events.DomainEvent, userID, recordKey string, contrib catalog.Contribution, snap Snapshot) (Application, bool, error) {
	ch := contrib.Challenge
	app := Application{
		Event:     evt,
		RecordKey: recordKey,
		Expected:  snap.Progress.Version,
		Next:      snap.Progress,
	}
	app.Next.UserID = userID
	app.Next.ChallengeID = ch.ID
	app.Next.Version = snap.Progress.Version + 1
	app.Next.LastAppliedEventID = evt.EventID
	if snap.Counted {
		return app, false, nil
	}

	app.Amount = contrib.Amount
	next, completed := Fold(snap.Progress.State, ch, contrib.Amount, h.now())
	app.Next.State = next

	progressed, err := h.resultRecord(evt, events.TypeChallengeProgressed, userID, ch.ID, events.ChallengeProgressed{
		UserID:        userID,
		ChallengeID:   ch.ID,
		ChallengeName: ch.Name,
		Count:         next.Count,
		Target:        ch.Target,
		Progress:      next.Progress,
		Achieved:      next.Achieved,
		SourceEventID: evt.EventID,
	})
	if err != nil {
		return Application{}, false, err
	}
	app.Results = append(app.Results, progressed)

	if completed {
		done, err := h.resultRecord(evt, events.TypeChallengeCompleted, userID, ch.ID, events.ChallengeCompleted{
			UserID:        userID,
			ChallengeID:   ch.ID,
			ChallengeName: ch.Name,
			PointsAwarded: ch.Points,
			AchievedAt:    *next.AchievedAt,
			SourceEventID: evt.EventID,
		})
		if err != nil {
			return Application{}, false, err
		}
		app.Results = append(app.Results, done)
	}
	return app, completed, nil
}

func (h *Handler) resultRecord(parent events.DomainEvent, eventType, userID, challengeID string, payload any) (outbox.Record, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return outbox.Record{}, fmt.Errorf("marshal %s: %w", eventType, err)
	}
	return outbox.NewRecord(events.DomainEvent{
		EventID:    h.nextID(),
		DedupKey:   events.DerivedDedupKey(parent.DedupKey, eventType, userID, challengeID),
		Type:       eventType,
		Payload:    body,
		OccurredAt: h.now().UTC(),
	}, userID)
}

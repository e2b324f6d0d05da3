// Package harvest runs incremental harvests: one leased run per (source, entity) key walks
// the source listing page by page and commits each page's change events together with the
// cursor advance.
package harvest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"example.com/harvester/internal/source"
	"example.com/platform/libs/go/events"
	"example.com/platform/libs/go/ids"
	"example.com/platform/libs/go/logger"
	"example.com/platform/libs/go/outbox"
)

var (
	// ErrRunInProgress is returned when another run holds the key's lease.
	ErrRunInProgress = errors.New("harvest: run in progress")
	// ErrLeaseLost is returned when a commit finds the lease taken over by another run.
	ErrLeaseLost = errors.New("harvest: lease lost")
	// ErrUnknownSource is returned for keys whose source has no registered client.
	ErrUnknownSource = errors.New("harvest: unknown source")
)

// State of a run.
type State string

const (
	StateIdle       State = "IDLE"
	StateRunning    State = "RUNNING"
	StateCommitting State = "COMMITTING"
	StateAborted    State = "ABORTED"
)

// Key identifies a harvest cursor.
type Key struct {
	SourceID string
	EntityID string
}

func (k Key) String() string {
	return k.SourceID + "/" + k.EntityID
}

// Lease is held by a run for the duration of its pages.
type Lease struct {
	Key     Key
	Token   uuid.UUID
	RunID   uuid.UUID
	Marker  string
	Version int64
}

// PageCommit is everything a single page changes, applied atomically.
type PageCommit struct {
	Records      []outbox.Record
	Fingerprints map[string]string
	NextMarker   string
	LeaseTTL     time.Duration
}

// Store persists cursors, fingerprints and the harvest outbox.
type Store interface {
	// AcquireLease creates the cursor on first use. It returns ErrRunInProgress while an
	// unexpired lease is held.
	AcquireLease(ctx context.Context, key Key, ttl time.Duration) (Lease, error)
	// Fingerprints returns the stored fingerprint of each known record id.
	Fingerprints(ctx context.Context, key Key, recordIDs []string) (map[string]string, error)
	// CommitPage inserts the outbox rows, upserts fingerprints, advances the marker and
	// renews the lease in one transaction. It returns the renewed lease and the number of
	// outbox rows inserted; records whose dedup key is already stored are not counted. It
	// returns ErrLeaseLost when the lease token no longer matches.
	CommitPage(ctx context.Context, lease Lease, page PageCommit) (Lease, int, error)
	// ReleaseLease clears the lease if it is still held by lease.Token.
	ReleaseLease(ctx context.Context, lease Lease) error
}

// Config bounds a single run.
type Config struct {
	LeaseTTL         time.Duration
	PageBudget       int
	MaxFetchAttempts int
	BaseBackoff      time.Duration
	MaxBackoff       time.Duration
}

// DefaultConfig returns the defaults used when a field is left zero.
func DefaultConfig() Config {
	return Config{
		LeaseTTL:         5 * time.Minute,
		PageBudget:       20,
		MaxFetchAttempts: 5,
		BaseBackoff:      time.Second,
		MaxBackoff:       time.Minute,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = def.LeaseTTL
	}
	if c.PageBudget <= 0 {
		c.PageBudget = def.PageBudget
	}
	if c.MaxFetchAttempts <= 0 {
		c.MaxFetchAttempts = def.MaxFetchAttempts
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = def.BaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = def.MaxBackoff
	}
	return c
}

// RunResult summarises a finished run.
type RunResult struct {
	Key    Key
	RunID  uuid.UUID
	State  State
	Pages  int
	Events int
	Marker string
}

// Option configures a Harvester.
type Option func(*Harvester)

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harvester) {
		h.logger = l
	}
}

// Harvester drives runs against the registered sources.
type Harvester struct {
	store   Store
	sources map[string]source.Client
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer

	nextID func() int64
	now    func() time.Time
	sleep  func(context.Context, time.Duration) error
}

// New constructs a Harvester. sources is keyed by source id.
func New(store Store, sources map[string]source.Client, cfg Config, opts ...Option) *Harvester {
	h := &Harvester{
		store:   store,
		sources: sources,
		cfg:     cfg.withDefaults(),
		logger:  slog.Default(),
		tracer:  otel.Tracer("example.com/harvester/internal/harvest"),
		nextID:  ids.New,
		now:     time.Now,
		sleep:   sleepContext,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run harvests key until the listing is exhausted or the page budget is spent. A key
// already leased by another run yields ErrRunInProgress without side effects.
func (h *Harvester) Run(ctx context.Context, key Key) (RunResult, error) {
	result := RunResult{Key: key, State: StateIdle}

	client, ok := h.sources[key.SourceID]
	if !ok {
		return result, fmt.Errorf("%w: %s", ErrUnknownSource, key.SourceID)
	}

	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "harvester.run",
		SourceID:  logger.Ptr(key.SourceID),
		EntityID:  logger.Ptr(key.EntityID),
	})

	lease, err := h.store.AcquireLease(ctx, key, h.cfg.LeaseTTL)
	if errors.Is(err, ErrRunInProgress) {
		h.logger.InfoContext(ctx, "harvest skipped, lease held by another run")
		recordRun(key, "skipped", 0)
		return result, err
	}
	if err != nil {
		return result, fmt.Errorf("acquire lease for %s: %w", key, err)
	}

	ctx = logger.WithLogFields(ctx, logger.LogFields{RunID: logger.Ptr(lease.RunID.String())})
	ctx, span := h.tracer.Start(ctx, "harvest.run", trace.WithAttributes(
		attribute.String("harvest.source", key.SourceID),
		attribute.String("harvest.entity", key.EntityID),
	))
	defer span.End()

	started := h.now()
	result.RunID = lease.RunID
	result.Marker = lease.Marker
	result.State = StateRunning
	h.logger.InfoContext(ctx, "harvest started", "marker", lease.Marker, "version", lease.Version)

	for result.Pages < h.cfg.PageBudget {
		page, err := h.fetchWithRetry(ctx, client, key, lease.Marker)
		if err != nil {
			return h.abort(ctx, span, lease, result, started, err)
		}

		commit, err := h.buildCommit(ctx, lease, page)
		if err != nil {
			return h.abort(ctx, span, lease, result, started, err)
		}

		result.State = StateCommitting
		next, inserted, err := h.store.CommitPage(ctx, lease, commit)
		if err != nil {
			return h.abort(ctx, span, lease, result, started, fmt.Errorf("commit page: %w", err))
		}
		lease = next
		result.Pages++
		result.Events += inserted
		result.Marker = lease.Marker
		recordPage(key, inserted, h.now())

		h.logger.DebugContext(ctx, "harvest page committed",
			"events", inserted,
			"duplicates", len(commit.Records)-inserted,
			"records", len(page.Records),
			"has_more", page.HasMore,
			"rate_remaining", page.RateLimit.Remaining,
		)

		if !page.HasMore {
			break
		}
		result.State = StateRunning
	}

	if err := h.store.ReleaseLease(ctx, lease); err != nil {
		h.logger.WarnContext(ctx, "release lease failed", "error", err)
	}
	result.State = StateIdle
	recordRun(key, "completed", h.now().Sub(started))
	span.SetAttributes(attribute.Int("harvest.pages", result.Pages), attribute.Int("harvest.events", result.Events))
	h.logger.InfoContext(ctx, "harvest finished", "pages", result.Pages, "events", result.Events, "marker", result.Marker)
	return result, nil
}

func (h *Harvester) abort(ctx context.Context, span trace.Span, lease Lease, result RunResult, started time.Time, cause error) (RunResult, error) {
	result.State = StateAborted
	span.RecordError(cause)
	span.SetStatus(codes.Error, cause.Error())

	if !errors.Is(cause, ErrLeaseLost) {
		// Cancelled runs still release the lease.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if err := h.store.ReleaseLease(releaseCtx, lease); err != nil {
			h.logger.WarnContext(ctx, "release lease failed", "error", err)
		}
		cancel()
	}

	recordRun(lease.Key, "aborted", h.now().Sub(started))
	h.logger.ErrorContext(ctx, "harvest aborted", "error", cause, "pages", result.Pages, "marker", result.Marker)
	return result, fmt.Errorf("harvest %s aborted: %w", lease.Key, cause)
}

// buildCommit turns new and changed records into outbox rows. Records whose fingerprint
// matches the stored one produce nothing.
func (h *Harvester) buildCommit(ctx context.Context, lease Lease, page source.Page) (PageCommit, error) {
	commit := PageCommit{
		Fingerprints: make(map[string]string, len(page.Records)),
		NextMarker:   page.NextToken,
		LeaseTTL:     h.cfg.LeaseTTL,
	}
	if len(page.Records) == 0 {
		return commit, nil
	}

	recordIDs := make([]string, 0, len(page.Records))
	for _, rec := range page.Records {
		recordIDs = append(recordIDs, rec.ID)
	}
	known, err := h.store.Fingerprints(ctx, lease.Key, recordIDs)
	if err != nil {
		return PageCommit{}, fmt.Errorf("load fingerprints: %w", err)
	}

	cursorRef := fmt.Sprintf("%s@%s", lease.Key, lease.Marker)
	for _, rec := range page.Records {
		fingerprint := rec.Fingerprint()
		if known[rec.ID] == fingerprint {
			continue
		}
		if _, dup := commit.Fingerprints[rec.ID]; dup {
			continue
		}
		_, seenBefore := known[rec.ID]

		payload, err := json.Marshal(events.RecordChanged{
			SourceID:    lease.Key.SourceID,
			EntityID:    lease.Key.EntityID,
			RecordID:    rec.ID,
			Kind:        rec.Kind,
			Author:      rec.Author,
			State:       rec.State,
			Merged:      rec.Merged,
			Additions:   rec.Additions,
			Deletions:   rec.Deletions,
			Fingerprint: fingerprint,
			FirstSeen:   !seenBefore,
			UpdatedAt:   rec.UpdatedAt,
		})
		if err != nil {
			return PageCommit{}, fmt.Errorf("marshal record %s: %w", rec.ID, err)
		}

		occurred := rec.UpdatedAt
		if occurred.IsZero() {
			occurred = h.now()
		}
		evt := events.DomainEvent{
			EventID:         h.nextID(),
			DedupKey:        events.DedupKey(lease.Key.SourceID, lease.Key.EntityID, fingerprint),
			Type:            events.TypeRecordChanged,
			Payload:         payload,
			OccurredAt:      occurred.UTC(),
			SourceCursorRef: cursorRef,
		}
		row, err := outbox.NewRecord(evt, rec.Author)
		if err != nil {
			return PageCommit{}, err
		}
		commit.Records = append(commit.Records, row)
		commit.Fingerprints[rec.ID] = fingerprint
	}
	return commit, nil
}

// fetchWithRetry retries RetryableSourceError with exponential backoff, waiting at least
// the source's RetryAfter. Exhausting the attempts is fatal.
func (h *Harvester) fetchWithRetry(ctx context.Context, client source.Client, key Key, token string) (source.Page, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = h.cfg.BaseBackoff
	b.MaxInterval = h.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	var lastErr error
	for attempt := 1; attempt <= h.cfg.MaxFetchAttempts; attempt++ {
		page, err := client.FetchPage(ctx, key.EntityID, token)
		if err == nil {
			return page, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return source.Page{}, ctxErr
		}

		retry, ok := source.AsRetryable(err)
		if !ok {
			if source.IsFatal(err) {
				return source.Page{}, err
			}
			return source.Page{}, &source.FatalSourceError{Err: err}
		}
		lastErr = err
		if attempt == h.cfg.MaxFetchAttempts {
			break
		}

		wait := b.NextBackOff()
		if retry.RetryAfter > wait {
			wait = retry.RetryAfter
		}
		recordFetchRetry(key)
		h.logger.WarnContext(ctx, "source fetch failed, retrying", "attempt", attempt, "wait", wait, "error", err)
		if err := h.sleep(ctx, wait); err != nil {
			return source.Page{}, err
		}
	}
	return source.Page{}, &source.FatalSourceError{
		Err: fmt.Errorf("fetch attempts exhausted after %d: %w", h.cfg.MaxFetchAttempts, lastErr),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

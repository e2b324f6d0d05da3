package stats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DirtyUser is a user whose contributions changed after their statistics were computed.
// Generation advances on every change so a save only clears the mark it observed.
type DirtyUser struct {
	UserID     string
	Generation int64
}

// Store persists contributions, user statistics and platform averages.
type Store interface {
	DirtyUsers(ctx context.Context, limit int) ([]DirtyUser, error)
	Contributions(ctx context.Context, userID string) ([]Contribution, error)
	Repositories(ctx context.Context, userID string) ([]Repository, error)
	// SaveStatistics stores s and clears the dirty mark if it is still at generation.
	SaveStatistics(ctx context.Context, s Statistics, generation int64) error
	// Averages computes the platform averages over stored user statistics.
	Averages(ctx context.Context) (Platform, error)
	PlatformStatistics(ctx context.Context) (Platform, bool, error)
	SavePlatform(ctx context.Context, p Platform) error
}

// AggregatorConfig bounds one pass.
type AggregatorConfig struct {
	Interval time.Duration
	// BatchSize caps the users refreshed per pass.
	BatchSize int
	Location  *time.Location
	// PlatformThreshold is how many users must be added since the last platform
	// recompute before averages are recomputed.
	PlatformThreshold int
}

// Aggregator refreshes the statistics of users with new contributions and recomputes
// platform averages once enough users were added.
type Aggregator struct {
	store  Store
	cfg    AggregatorConfig
	logger *slog.Logger
	now    func() time.Time

	wg sync.WaitGroup
}

// NewAggregator constructs an Aggregator.
func NewAggregator(store Store, cfg AggregatorConfig, log *slog.Logger) *Aggregator {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.PlatformThreshold <= 0 {
		cfg.PlatformThreshold = 10
	}
	if log == nil {
		log = slog.Default()
	}
	return &Aggregator{store: store, cfg: cfg, logger: log.With("component", "stats.aggregator"), now: time.Now}
}

// RunOnce refreshes up to BatchSize dirty users, then the platform averages. A failing
// user stays dirty and is retried next pass.
func (a *Aggregator) RunOnce(ctx context.Context) error {
	dirty, err := a.store.DirtyUsers(ctx, a.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("list dirty users: %w", err)
	}

	var errs []error
	for _, d := range dirty {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := a.refreshUser(ctx, d); err != nil {
			refreshCounter.WithLabelValues("failed").Inc()
			errs = append(errs, fmt.Errorf("refresh %s: %w", d.UserID, err))
			continue
		}
		refreshCounter.WithLabelValues("refreshed").Inc()
	}
	if len(dirty) > 0 {
		a.logger.InfoContext(ctx, "user statistics refreshed", "users", len(dirty)-len(errs), "failures", len(errs))
	}

	if err := a.refreshPlatform(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *Aggregator) refreshUser(ctx context.Context, d DirtyUser) error {
	contribs, err := a.store.Contributions(ctx, d.UserID)
	if err != nil {
		return err
	}
	repos, err := a.store.Repositories(ctx, d.UserID)
	if err != nil {
		return err
	}
	s := Aggregate(d.UserID, contribs, repos, a.cfg.Location)
	s.ComputedAt = a.now().UTC()
	if err := a.store.SaveStatistics(ctx, s, d.Generation); err != nil {
		return err
	}
	a.logger.DebugContext(ctx, "user statistics computed",
		"user_id", d.UserID,
		"commits", s.Commits,
		"activity", s.Scores.Activity,
		"diversity", s.Scores.Diversity,
		"impact", s.Scores.Impact)
	return nil
}

// refreshPlatform recomputes averages when the user count grew by at least the threshold
// since the last recompute.
func (a *Aggregator) refreshPlatform(ctx context.Context) error {
	current, err := a.store.Averages(ctx)
	if err != nil {
		return fmt.Errorf("compute platform averages: %w", err)
	}
	last, _, err := a.store.PlatformStatistics(ctx)
	if err != nil {
		return fmt.Errorf("load platform statistics: %w", err)
	}
	if delta := current.TotalUsers - last.TotalUsers; delta < a.cfg.PlatformThreshold {
		return nil
	}

	current.ComputedAt = a.now().UTC()
	if err := a.store.SavePlatform(ctx, current); err != nil {
		return fmt.Errorf("save platform statistics: %w", err)
	}
	platformUsersGauge.Set(float64(current.TotalUsers))
	a.logger.InfoContext(ctx, "platform averages updated",
		"users", current.TotalUsers,
		"commits", current.AvgCommits,
		"pull_requests", current.AvgPullRequests,
		"issues", current.AvgIssues,
		"stars", current.AvgStars)
	return nil
}

// Start runs a pass immediately and then one per interval until ctx is cancelled.
func (a *Aggregator) Start(ctx context.Context) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(a.cfg.Interval)
		defer ticker.Stop()

		for {
			if err := a.RunOnce(ctx); err != nil && ctx.Err() == nil {
				a.logger.ErrorContext(ctx, "statistics pass finished with errors", "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Wait blocks until the loop started by Start exits.
func (a *Aggregator) Wait() {
	a.wg.Wait()
}

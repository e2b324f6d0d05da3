// Package discovery finds the repositories linked accounts own or contribute to and turns
// them into harvest targets.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"example.com/harvester/internal/harvest"
)

// Repository is one repository an account pushed to or opened a pull request against.
type Repository struct {
	FullName string // owner/repo
	Owner    string
	Owned    bool // the account owns it
	Fork     bool
	Private  bool
	Language string
	Stars    int
	Forks    int
	PushedAt time.Time
}

// Account is a linked source login.
type Account struct {
	Provider string
	Login    string
	UserID   string
}

// Finder lists the repositories login was active in since the given time.
type Finder interface {
	Repositories(ctx context.Context, login string, since time.Time) ([]Repository, error)
}

// Store reads linked accounts and keeps what discovery found.
type Store interface {
	LinkedAccounts(ctx context.Context, provider string) ([]Account, error)
	// SaveRepositories upserts repos for account and stamps them as seen now.
	SaveRepositories(ctx context.Context, account Account, repos []Repository) error
	// DiscoveredRepositories lists the distinct repositories seen for provider since the
	// given time.
	DiscoveredRepositories(ctx context.Context, provider string, since time.Time) ([]string, error)
}

// ExpandFunc turns a repository full name into its harvest keys.
type ExpandFunc func(fullName string) ([]harvest.Key, error)

// Config bounds discovery.
type Config struct {
	Provider string
	Window   time.Duration // how far back activity counts
	Interval time.Duration
}

// Option configures a Discoverer.
type Option func(*Discoverer)

// WithLogger overrides the discoverer logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Discoverer) {
		if l != nil {
			d.logger = l
		}
	}
}

// Discoverer refreshes the repository list of every linked account and serves it to the
// scheduler as a harvest.TargetSource.
type Discoverer struct {
	store  Store
	finder Finder
	expand ExpandFunc
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	wg sync.WaitGroup
}

var _ harvest.TargetSource = (*Discoverer)(nil)

// New constructs a Discoverer. A zero Window means one year.
func New(store Store, finder Finder, expand ExpandFunc, cfg Config, opts ...Option) *Discoverer {
	if cfg.Window <= 0 {
		cfg.Window = 365 * 24 * time.Hour
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 24 * time.Hour
	}
	d := &Discoverer{
		store:  store,
		finder: finder,
		expand: expand,
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("provider", cfg.Provider)
	return d
}

// RunOnce refreshes every linked account. An account whose lookup fails keeps its earlier
// repositories; failures are joined into the returned error.
func (d *Discoverer) RunOnce(ctx context.Context) error {
	accounts, err := d.store.LinkedAccounts(ctx, d.cfg.Provider)
	if err != nil {
		return fmt.Errorf("list linked accounts: %w", err)
	}

	since := d.now().Add(-d.cfg.Window)
	var errs []error
	found := 0
	for _, account := range accounts {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		repos, err := d.finder.Repositories(ctx, account.Login, since)
		if err != nil {
			recordAccount(d.cfg.Provider, "failed")
			errs = append(errs, fmt.Errorf("discover %s: %w", account.Login, err))
			continue
		}
		if err := d.store.SaveRepositories(ctx, account, repos); err != nil {
			recordAccount(d.cfg.Provider, "failed")
			errs = append(errs, fmt.Errorf("save repositories of %s: %w", account.Login, err))
			continue
		}
		recordAccount(d.cfg.Provider, "refreshed")
		found += len(repos)
		d.logger.DebugContext(ctx, "account repositories refreshed", "login", account.Login, "repositories", len(repos))
	}

	d.logger.InfoContext(ctx, "discovery pass finished", "accounts", len(accounts), "repositories", found, "failures", len(errs))
	return errors.Join(errs...)
}

// Targets expands the repositories discovered within the window. Names that do not expand
// are logged and skipped.
func (d *Discoverer) Targets(ctx context.Context) ([]harvest.Key, error) {
	names, err := d.store.DiscoveredRepositories(ctx, d.cfg.Provider, d.now().Add(-d.cfg.Window))
	if err != nil {
		return nil, fmt.Errorf("list discovered repositories: %w", err)
	}
	var keys []harvest.Key
	for _, name := range names {
		expanded, err := d.expand(name)
		if err != nil {
			d.logger.WarnContext(ctx, "skipping discovered repository", "repository", name, "error", err)
			continue
		}
		keys = append(keys, expanded...)
	}
	discoveredGauge.WithLabelValues(d.cfg.Provider).Set(float64(len(names)))
	return keys, nil
}

// Start runs one pass immediately and then one per interval until ctx is cancelled.
func (d *Discoverer) Start(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.cfg.Interval)
		defer ticker.Stop()

		for {
			if err := d.RunOnce(ctx); err != nil && ctx.Err() == nil {
				d.logger.ErrorContext(ctx, "discovery pass finished with errors", "error", err)
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
func (d *Discoverer) Wait() {
	d.wg.Wait()
}

package harvest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Runner runs a single key. *Harvester satisfies it.
type Runner interface {
	Run(ctx context.Context, key Key) (RunResult, error)
}

// TargetSource supplies the keys of one scheduler pass.
type TargetSource interface {
	Targets(ctx context.Context) ([]Key, error)
}

// StaticTargets is a fixed key list.
type StaticTargets []Key

func (s StaticTargets) Targets(context.Context) ([]Key, error) {
	return s, nil
}

// MergedTargets concatenates several sources and drops repeated keys. A failing source
// fails the whole pass.
type MergedTargets []TargetSource

func (m MergedTargets) Targets(ctx context.Context) ([]Key, error) {
	var out []Key
	seen := make(map[Key]bool)
	for _, src := range m {
		keys, err := src.Targets(ctx)
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, key)
		}
	}
	return out, nil
}

// Scheduler runs every target on a fixed interval, several keys at a time.
type Scheduler struct {
	runner      Runner
	targets     TargetSource
	interval    time.Duration
	parallelism int
	logger      *slog.Logger

	wg sync.WaitGroup
}

// NewScheduler constructs a Scheduler. parallelism below 1 runs targets one at a time.
func NewScheduler(runner Runner, targets TargetSource, interval time.Duration, parallelism int, log *slog.Logger) *Scheduler {
	if parallelism < 1 {
		parallelism = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		runner:      runner,
		targets:     targets,
		interval:    interval,
		parallelism: parallelism,
		logger:      log,
	}
}

// Start runs one pass immediately and then one per interval until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			if err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.ErrorContext(ctx, "harvest pass finished with errors", "error", err)
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
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// RunOnce runs every target once. Keys held by another run are skipped; other failures are
// joined into the returned error after all targets finish.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	targets, err := s.targets.Targets(ctx)
	if err != nil {
		return fmt.Errorf("list targets: %w", err)
	}

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(s.parallelism)

	for _, key := range targets {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			_, err := s.runner.Run(ctx, key)
			if err == nil || errors.Is(err, ErrRunInProgress) {
				return nil
			}
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

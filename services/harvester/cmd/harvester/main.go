package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"example.com/harvester/internal/config"
	"example.com/harvester/internal/discovery"
	"example.com/harvester/internal/harvest"
	"example.com/harvester/internal/persistence/postgres"
	"example.com/harvester/internal/source"
	"example.com/harvester/internal/source/github"
	"example.com/harvester/internal/trigger"
	"example.com/platform/libs/go/fabric"
	"example.com/platform/libs/go/httptransport"
	"example.com/platform/libs/go/ids"
	"example.com/platform/libs/go/logger"
	"example.com/platform/libs/go/outbox"
	"example.com/platform/libs/go/telemetry"
)

func main() {
	cfg := config.Load()
	log := logger.Setup(logger.Options{Production: cfg.Production, Debug: cfg.Debug})

	if err := run(cfg, log); err != nil {
		log.Error("harvester stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		log.Info("harvester shutdown requested")
		cancel()
	}()

	tel, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	if err := ids.Init(cfg.NodeID); err != nil {
		return err
	}

	keys, err := cfg.HarvestKeys()
	if err != nil {
		return err
	}

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return err
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	if cfg.DeclareTopics {
		if err := fabric.DefaultTopology().Declare(ctx, cfg.KafkaBrokers); err != nil {
			return err
		}
	}
	producer := fabric.NewProducer(cfg.KafkaBrokers)
	defer producer.Close()

	store, err := postgres.NewStore(pool)
	if err != nil {
		return err
	}

	gh, err := github.NewClient(ctx, github.Config{
		Token:             cfg.GitHubToken,
		BaseURL:           cfg.GitHubBaseURL,
		PerPage:           cfg.GitHubPerPage,
		RequestsPerSecond: cfg.GitHubRPS,
		CommitStats:       cfg.GitHubCommitStats,
	})
	if err != nil {
		return err
	}
	harvester := harvest.New(store, map[string]source.Client{github.SourceID: gh}, cfg.HarvestConfig(),
		harvest.WithLogger(log))

	dispatcher, err := outbox.NewDispatcher(pool, producer, outbox.NewRegistrar(cfg.SchemaRegistryURL), outbox.DispatcherConfig{
		Table:        outbox.HarvestTable,
		PollInterval: cfg.OutboxPollInterval,
		BatchSize:    cfg.OutboxBatchSize,
		ClaimTimeout: cfg.OutboxClaimTimeout,
	}, outbox.WithDispatcherLogger(log))
	if err != nil {
		return err
	}

	triggers, err := trigger.NewConsumer(ctx, rdb, trigger.ConsumerConfig{
		Stream:       cfg.TriggerStream,
		Group:        cfg.TriggerGroup,
		Consumer:     cfg.TriggerConsumer,
		MaxAttempts:  cfg.TriggerMaxAttempts,
		RequeueDelay: cfg.TriggerRequeueDelay,
	}, harvester, log)
	if err != nil {
		return err
	}

	targets := harvest.MergedTargets{harvest.StaticTargets(keys)}
	var discoverer *discovery.Discoverer
	if cfg.DiscoveryEnabled {
		discoverer = discovery.New(store, gh, config.ParseTarget, cfg.DiscoveryConfig(), discovery.WithLogger(log))
		targets = append(targets, discoverer)
	}
	scheduler := harvest.NewScheduler(harvester, targets, cfg.HarvestInterval, cfg.HarvestParallelism, log)

	srv := httptransport.NewServer(httptransport.DefaultServerConfig(cfg.HTTPAddress), httptransport.NewOpsMux(map[string]httptransport.Check{
		"postgres": pool.Ping,
		"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	}))

	log.Info("harvester started",
		"targets", len(keys),
		"interval", cfg.HarvestInterval,
		"parallelism", cfg.HarvestParallelism,
		"discovery", cfg.DiscoveryEnabled)

	go dispatcher.Start(ctx)
	if discoverer != nil {
		discoverer.Start(ctx)
	}
	scheduler.Start(ctx)

	var wg sync.WaitGroup
	errCh := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := triggers.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
			cancel()
		}
	}()
	go func() {
		defer wg.Done()
		if err := httptransport.Serve(ctx, srv, log); err != nil {
			errCh <- err
			cancel()
		}
	}()

	<-ctx.Done()
	wg.Wait()
	scheduler.Wait()
	if discoverer != nil {
		discoverer.Wait()
	}
	dispatcher.Wait()
	close(errCh)
	return <-errCh
}

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"example.com/challenge/internal/api"
	"example.com/challenge/internal/catalog"
	"example.com/challenge/internal/challenge"
	"example.com/challenge/internal/config"
	"example.com/challenge/internal/persistence/postgres"
	"example.com/challenge/internal/stats"
	"example.com/platform/libs/go/dedup"
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
		log.Error("challenge service stopped with error", "error", err)
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
		log.Info("challenge service shutdown requested")
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

	cat, err := catalog.Load(cfg.CatalogPath)
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

	topology := fabric.DefaultTopology()
	if cfg.DeclareTopics {
		if err := topology.Declare(ctx, cfg.KafkaBrokers); err != nil {
			return err
		}
	}
	producer := fabric.NewProducer(cfg.KafkaBrokers)
	defer producer.Close()

	store, err := postgres.NewStore(pool)
	if err != nil {
		return err
	}

	handler := challenge.NewHandler(cat, store, store,
		challenge.WithLogger(log),
		challenge.WithMaxFoldAttempts(cfg.MaxFoldAttempts),
		challenge.WithDedupWindow(dedup.NewWindow(rdb, cfg.DedupPrefix, cfg.DedupWindowTTL)),
		challenge.WithContributionRecorder(store),
	)

	aggCfg, err := cfg.AggregatorConfig()
	if err != nil {
		return err
	}
	aggregator := stats.NewAggregator(store, aggCfg, log)

	dispatcher, err := outbox.NewDispatcher(pool, producer, outbox.NewRegistrar(cfg.SchemaRegistryURL), outbox.DispatcherConfig{
		Table:        outbox.ChallengeTable,
		PollInterval: cfg.OutboxPollInterval,
		BatchSize:    cfg.OutboxBatchSize,
		ClaimTimeout: cfg.OutboxClaimTimeout,
	}, outbox.WithDispatcherLogger(log))
	if err != nil {
		return err
	}

	mux := httptransport.NewOpsMux(map[string]httptransport.Check{
		"postgres": pool.Ping,
		"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	})
	api.NewHandler(store, cat).RegisterRoutes(mux)
	srv := httptransport.NewServer(httptransport.DefaultServerConfig(cfg.HTTPAddress), mux)

	subs := topology.SubscriptionsFor(fabric.GroupChallenge)
	log.Info("challenge service started", "challenges", len(cat.All()), "subscriptions", len(subs))

	go dispatcher.Start(ctx)
	aggregator.Start(ctx)

	var wg sync.WaitGroup
	errCh := make(chan error, len(subs)+1)
	for _, sub := range subs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := fabric.RunSubscription(ctx, cfg.KafkaBrokers, sub, producer, handler,
				fabric.WithLogger(log),
				fabric.WithPrefetch(cfg.Prefetch),
				fabric.WithRetryPolicy(cfg.RetryPolicy()),
			)
			if err != nil {
				errCh <- err
				cancel()
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := httptransport.Serve(ctx, srv, log); err != nil {
			errCh <- err
			cancel()
		}
	}()

	<-ctx.Done()
	wg.Wait()
	aggregator.Wait()
	dispatcher.Wait()
	close(errCh)
	return <-errCh
}

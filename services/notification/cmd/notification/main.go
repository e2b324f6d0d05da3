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

	"example.com/notification/internal/channel"
	"example.com/notification/internal/config"
	"example.com/notification/internal/notify"
	"example.com/notification/internal/persistence/postgres"
	"example.com/platform/libs/go/dedup"
	"example.com/platform/libs/go/fabric"
	"example.com/platform/libs/go/httptransport"
	"example.com/platform/libs/go/logger"
	"example.com/platform/libs/go/telemetry"
)

func main() {
	cfg := config.Load()
	log := logger.Setup(logger.Options{Production: cfg.Production, Debug: cfg.Debug})

	if err := run(cfg, log); err != nil {
		log.Error("notification service stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		log.Info("notification service shutdown requested")
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

	channels := map[string]channel.Channel{
		channel.Log: channel.NewLogChannel(log),
	}
	if cfg.WebhookURL != "" {
		channels[channel.Webhook] = channel.NewWebhookChannel(cfg.WebhookURL, cfg.WebhookToken, cfg.WebhookTimeout)
	}

	handler := notify.NewHandler(
		postgres.NewStore(pool),
		dedup.NewLocker(rdb, "notification", cfg.LockTTL),
		channels,
		cfg.Channel,
		notify.WithLogger(log),
		notify.WithMaxAttempts(cfg.MaxAttempts),
	)

	srv := httptransport.NewServer(httptransport.DefaultServerConfig(cfg.HTTPAddress), httptransport.NewOpsMux(map[string]httptransport.Check{
		"postgres": pool.Ping,
		"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	}))

	subs := topology.SubscriptionsFor(fabric.GroupNotification)
	log.Info("notification service started", "channel", cfg.Channel, "max_attempts", cfg.MaxAttempts)

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
	close(errCh)
	return <-errCh
}

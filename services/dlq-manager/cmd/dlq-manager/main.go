// Command dlq-manager records dead letters, replays the ones operators request and offers
// the commands to inspect and request them.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"example.com/dlqmanager/internal/config"
	"example.com/dlqmanager/internal/deadletter"
	"example.com/dlqmanager/internal/persistence/postgres"
	"example.com/platform/libs/go/fabric"
	"example.com/platform/libs/go/httptransport"
	"example.com/platform/libs/go/logger"
	"example.com/platform/libs/go/telemetry"
)

var Version = "dev"

type operatorStore interface {
	List(ctx context.Context, f postgres.ListFilter) ([]deadletter.Entry, error)
	RequestReplay(ctx context.Context, ids []int64) (int64, error)
	RequestTopicReplay(ctx context.Context, topic string) (int64, error)
}

type app struct {
	cfg       config.Config
	out       io.Writer
	openStore func(ctx context.Context) (operatorStore, func(), error)
}

func main() {
	cfg := config.Load()
	a := &app{
		cfg: cfg,
		out: os.Stdout,
		openStore: func(ctx context.Context) (operatorStore, func(), error) {
			pool, err := pgxpool.New(ctx, cfg.PostgresURL)
			if err != nil {
				return nil, nil, err
			}
			return postgres.NewStore(pool), pool.Close, nil
		},
	}

	if err := a.rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "dlq-manager",
		Short:         "Record, inspect and replay dead letters",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(a.out)
	root.AddCommand(a.serveCmd(), a.listCmd(), a.replayCmd())
	return root
}

func (a *app) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Record dead-letter topics and replay requested entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(a.cfg)
		},
	}
}

func serve(cfg config.Config) error {
	log := logger.Setup(logger.Options{Production: cfg.Production, Debug: cfg.Debug})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		log.Info("dlq manager shutdown requested")
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

	topology := fabric.DefaultTopology()
	if cfg.DeclareTopics {
		if err := topology.Declare(ctx, cfg.KafkaBrokers); err != nil {
			return err
		}
	}
	producer := fabric.NewProducer(cfg.KafkaBrokers)
	defer producer.Close()

	store := postgres.NewStore(pool)
	reader := fabric.NewReader(fabric.ReaderConfig{
		Brokers: cfg.KafkaBrokers,
		Group:   fabric.GroupDeadLetters,
		Topics:  topology.DeadLetterTopics(),
	})
	defer reader.Close()

	recorder := deadletter.NewRecorder(reader, store, log)
	manager := deadletter.NewManager(store, producer, cfg.MaxRetries, cfg.BaseDelay, log)
	srv := httptransport.NewServer(httptransport.DefaultServerConfig(cfg.HTTPAddress), httptransport.NewOpsMux(map[string]httptransport.Check{
		"postgres": pool.Ping,
	}))

	log.Info("dlq manager started",
		"topics", topology.DeadLetterTopics(),
		"interval", cfg.PollInterval,
		"max_retries", cfg.MaxRetries)

	var wg sync.WaitGroup
	errCh := make(chan error, 2)
	wg.Add(3)
	go func() {
		defer wg.Done()
		if err := recorder.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
			cancel()
		}
	}()
	go func() {
		defer wg.Done()
		manager.Run(ctx, cfg.PollInterval, cfg.BatchSize)
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
	close(errCh)
	return <-errCh
}

func (a *app) listCmd() *cobra.Command {
	var f postgres.ListFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead letters, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, closeFn, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			entries, err := store.List(cmd.Context(), f)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(a.out, "no dead letters")
				return nil
			}

			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTOPIC\tGROUP\tEVENT\tATTEMPTS\tSTATE\tCREATED\tREASON")
			for _, e := range entries {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
					e.ID,
					e.Topic,
					e.ConsumerGroup,
					e.EventID,
					e.Attempts,
					state(e),
					e.CreatedAt.UTC().Format(time.RFC3339),
					e.Reason,
				)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&f.Topic, "topic", "", "Only list entries of this original topic")
	cmd.Flags().BoolVar(&f.IncludeQuarantined, "all", false, "Include quarantined entries")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "Maximum rows")
	return cmd
}

func state(e deadletter.Entry) string {
	switch {
	case e.QuarantinedAt != nil:
		return "quarantined"
	case e.ReplayRequestedAt != nil:
		return fmt.Sprintf("replaying (%d retries)", e.RetryCount)
	default:
		return "parked"
	}
}

func (a *app) replayCmd() *cobra.Command {
	var topic string
	cmd := &cobra.Command{
		Use:   "replay [id...]",
		Short: "Request replay of dead letters by id, or of a whole topic with --topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			if (topic == "") == (len(args) == 0) {
				return errors.New("pass dead letter ids or --topic, not both")
			}
			ids := make([]int64, 0, len(args))
			for _, arg := range args {
				id, err := strconv.ParseInt(arg, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid id %q", arg)
				}
				ids = append(ids, id)
			}

			store, closeFn, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			var n int64
			if topic != "" {
				n, err = store.RequestTopicReplay(cmd.Context(), topic)
			} else {
				n, err = store.RequestReplay(cmd.Context(), ids)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "requested replay of %d dead letters\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&topic, "topic", "", "Replay every parked entry of this original topic")
	return cmd
}

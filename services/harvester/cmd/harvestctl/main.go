// Command harvestctl is the operator CLI for harvest cursors and on-demand runs.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"example.com/harvester/internal/config"
	"example.com/harvester/internal/harvest"
	"example.com/harvester/internal/persistence/postgres"
	"example.com/harvester/internal/trigger"
)

var Version = "dev"

type cursorAdmin interface {
	Reset(ctx context.Context, key harvest.Key) (bool, error)
	Status(ctx context.Context, sourceID string) ([]postgres.CursorStatus, error)
}

type enqueuer interface {
	Enqueue(ctx context.Context, key harvest.Key, requestedBy string) (string, error)
}

// app holds the connections a command opens on demand.
type app struct {
	cfg       config.Config
	out       io.Writer
	now       func() time.Time
	openStore func(ctx context.Context) (cursorAdmin, func(), error)
	openQueue func(ctx context.Context) (enqueuer, func(), error)
}

func main() {
	cfg := config.Load()
	a := &app{
		cfg: cfg,
		out: os.Stdout,
		now: time.Now,
		openStore: func(ctx context.Context) (cursorAdmin, func(), error) {
			pool, err := pgxpool.New(ctx, cfg.PostgresURL)
			if err != nil {
				return nil, nil, err
			}
			store, err := postgres.NewStore(pool)
			if err != nil {
				pool.Close()
				return nil, nil, err
			}
			return store, pool.Close, nil
		},
		openQueue: func(ctx context.Context) (enqueuer, func(), error) {
			opts, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				return nil, nil, err
			}
			client := redis.NewClient(opts)
			return trigger.NewProducer(client, cfg.TriggerStream), func() { _ = client.Close() }, nil
		},
	}

	if err := a.rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "harvestctl",
		Short:         "Operate harvest cursors and on-demand runs",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(a.out)
	root.AddCommand(a.resetCmd(), a.triggerCmd(), a.statusCmd())
	return root
}

func (a *app) resetCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset <owner/repo:kind>",
		Short: "Delete a cursor and its fingerprints so the next run starts from scratch",
		Long: `Delete the harvest cursor of one entity together with its record fingerprints.
The next run lists the entity from the beginning and re-emits every record; downstream
consumers absorb records they already applied through the dedup key.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := config.ParseTarget(args[0])
			if err != nil {
				return err
			}
			if !yes {
				return fmt.Errorf("refusing to reset %s without --yes", args[0])
			}

			store, closeFn, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			for _, key := range keys {
				existed, err := store.Reset(cmd.Context(), key)
				if err != nil {
					return fmt.Errorf("reset %s: %w", key.EntityID, err)
				}
				if existed {
					fmt.Fprintf(a.out, "reset %s\n", key.EntityID)
				} else {
					fmt.Fprintf(a.out, "no cursor for %s\n", key.EntityID)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Confirm the reset")
	return cmd
}

func (a *app) triggerCmd() *cobra.Command {
	var requestedBy string
	cmd := &cobra.Command{
		Use:   "trigger <owner/repo[:kind]>...",
		Short: "Queue on-demand harvest runs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var keys []harvest.Key
			for _, arg := range args {
				k, err := config.ParseTarget(arg)
				if err != nil {
					return err
				}
				keys = append(keys, k...)
			}

			queue, closeFn, err := a.openQueue(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			for _, key := range keys {
				id, err := queue.Enqueue(cmd.Context(), key, requestedBy)
				if err != nil {
					return err
				}
				fmt.Fprintf(a.out, "queued %s (%s)\n", key.EntityID, id)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&requestedBy, "requested-by", os.Getenv("USER"), "Recorded with the trigger")
	return cmd
}

func (a *app) statusCmd() *cobra.Command {
	var sourceID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "List harvest cursors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, closeFn, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			rows, err := store.Status(cmd.Context(), sourceID)
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				fmt.Fprintln(a.out, "no cursors")
				return nil
			}

			now := a.now()
			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SOURCE\tENTITY\tVERSION\tRECORDS\tLEASED\tUPDATED\tMARKER")
			for _, row := range rows {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%t\t%s\t%s\n",
					row.Key.SourceID,
					row.Key.EntityID,
					row.Version,
					row.Fingerprints,
					row.Leased(now),
					row.UpdatedAt.UTC().Format(time.RFC3339),
					shorten(row.Marker, 24),
				)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&sourceID, "source", "", "Only list cursors of this source")
	return cmd
}

func shorten(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

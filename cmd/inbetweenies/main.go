// Command inbetweenies is the sync client CLI: it keeps a file-backed
// local copy of the knowledge graph and syncs it against a server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/inbetweenies/inbetweenies/internal/client"
	"github.com/inbetweenies/inbetweenies/internal/conflict"
	"github.com/inbetweenies/inbetweenies/internal/model"
	"github.com/inbetweenies/inbetweenies/internal/store"
	"github.com/inbetweenies/inbetweenies/internal/syncstate"
)

var (
	flagServer   string
	flagDir      string
	flagDeviceID string
	flagUser     string
	flagToken    string
)

func defaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".inbetweenies"
	}
	return filepath.Join(home, ".inbetweenies")
}

// openClient builds the file-backed store, state manager, and client
func openClient() (*client.Client, error) {
	st, err := store.OpenFile(flagDir)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	state, err := syncstate.Open(filepath.Join(flagDir, "sync"), flagDeviceID, flagServer)
	if err != nil {
		return nil, fmt.Errorf("open sync state: %w", err)
	}
	c := client.New(flagServer, flagDeviceID, flagUser, st, state)
	c.Token = flagToken
	if flagToken == "" {
		c.DebugSub = flagUser
	}
	return c, nil
}

func newSyncCmd() *cobra.Command {
	var watch time.Duration
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Sync the local store against the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openClient()
			if err != nil {
				return err
			}
			c.Subscribe(func(e client.Event) {
				switch e.Type {
				case client.EventSyncComplete:
					fmt.Printf("synced: %d entities, %d relationships, %d conflicts in %s\n",
						e.Progress.SyncedEntities, e.Progress.SyncedRelationships,
						len(e.Progress.Conflicts), e.Progress.Duration().Round(time.Millisecond))
				case client.EventSyncFailed:
					fmt.Fprintf(os.Stderr, "sync failed: %v\n", e.Err)
				case client.EventSyncDisconnected:
					fmt.Fprintln(os.Stderr, "server unreachable, offline")
				}
			})

			if watch > 0 {
				ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer cancel()
				client.NewScheduler(c, watch).Run(ctx)
				return nil
			}

			_, err = c.Sync(cmd.Context())
			return err
		},
	}
	cmd.Flags().DurationVar(&watch, "watch", 0, "keep syncing at this interval (0 = one shot)")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show local sync state",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openClient()
			if err != nil {
				return err
			}
			meta := c.State.Metadata()
			fmt.Printf("client:        %s\n", meta.ClientID)
			fmt.Printf("server:        %s\n", meta.ServerURL)
			if meta.LastSyncSuccess != nil {
				fmt.Printf("last success:  %s\n", meta.LastSyncSuccess.Format(time.RFC3339))
			} else {
				fmt.Println("last success:  never")
			}
			if meta.LastSyncError != "" {
				fmt.Printf("last error:    %s (%d consecutive failures)\n", meta.LastSyncError, meta.SyncFailures)
			}
			if meta.NextRetryTime != nil {
				fmt.Printf("next retry:    %s\n", meta.NextRetryTime.Format(time.RFC3339))
			}
			fmt.Printf("pending:       %d changes\n", len(c.State.Pending()))
			metrics := c.State.Metrics()
			fmt.Printf("totals:        %d syncs, %d conflicts, avg %s\n",
				metrics.TotalSyncs, metrics.TotalConflicts,
				metrics.AverageSyncDuration.Round(time.Millisecond))
			return nil
		},
	}
}

func newConflictsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Inspect and resolve sync conflicts",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List locally recorded conflicts",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openClient()
			if err != nil {
				return err
			}
			conflicts := c.State.Conflicts()
			if len(conflicts) == 0 {
				fmt.Println("no conflicts")
				return nil
			}
			for _, entry := range conflicts {
				resolved := entry.ResolvedVersion
				if resolved == "" {
					resolved = "(unresolved)"
				}
				fmt.Printf("%s  %s  local=%s remote=%s -> %s\n",
					entry.CreatedAt.Format(time.RFC3339), entry.EntityID,
					entry.LocalVersion, entry.RemoteVersion, resolved)
			}
			return nil
		},
	})

	var strategy string
	resolve := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve the server's pending manual conflicts",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openClient()
			if err != nil {
				return err
			}
			strat, err := conflict.ParseStrategy(strategy)
			if err != nil {
				return err
			}
			resolved, err := c.ResolveConflicts(cmd.Context(), strat)
			if err != nil {
				return err
			}
			fmt.Printf("resolved %d conflicts\n", len(resolved))
			return nil
		},
	}
	resolve.Flags().StringVar(&strategy, "strategy", "last_write_wins", "resolution strategy")
	cmd.AddCommand(resolve)
	return cmd
}

func newSearchCmd() *cobra.Command {
	var types []string
	var limit int
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the local store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openClient()
			if err != nil {
				return err
			}
			var filter []model.EntityType
			for _, raw := range types {
				t, err := model.ParseEntityType(raw)
				if err != nil {
					return err
				}
				filter = append(filter, t)
			}
			results, err := c.Store.Search(cmd.Context(), args[0], filter, limit)
			if err != nil {
				return err
			}
			for _, r := range results {
				fmt.Printf("%.2f  %-10s  %s  %s\n", r.Score, r.Entity.EntityType, r.Entity.ID, r.Entity.Name)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&types, "type", nil, "restrict to entity types")
	cmd.Flags().IntVar(&limit, "limit", 10, "maximum results")
	return cmd
}

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})

	root := &cobra.Command{
		Use:           "inbetweenies",
		Short:         "Offline-first knowledge graph sync client",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&flagServer, "server", envOr("INBETWEENIES_SERVER", "http://localhost:8080"), "server base URL")
	root.PersistentFlags().StringVar(&flagDir, "dir", envOr("INBETWEENIES_DIR", defaultDir()), "local data directory")
	root.PersistentFlags().StringVar(&flagDeviceID, "device-id", envOr("INBETWEENIES_DEVICE_ID", hostDeviceID()), "stable device identifier")
	root.PersistentFlags().StringVar(&flagUser, "user", envOr("INBETWEENIES_USER", "local"), "user id for new versions")
	root.PersistentFlags().StringVar(&flagToken, "token", os.Getenv("INBETWEENIES_TOKEN"), "bearer token")

	root.AddCommand(newSyncCmd(), newStatusCmd(), newConflictsCmd(), newSearchCmd())

	if err := root.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func hostDeviceID() string {
	host, err := os.Hostname()
	if err != nil {
		return "device"
	}
	return host
}

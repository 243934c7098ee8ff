package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rosterd/rosterd/internal/config"
	"github.com/rosterd/rosterd/internal/feed"
	"github.com/rosterd/rosterd/internal/outbox"
	"github.com/rosterd/rosterd/internal/store"
	"github.com/rosterd/rosterd/internal/syncer"
)

// openEngine opens the local replica and builds the sync engine over it.
// The caller must Close the returned store.
func openEngine(ctx context.Context, cfg *config.Config) (*store.DB, *syncer.Engine, error) {
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Migrate(ctx, store.ClientSchema); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	box := outbox.New(db, nil)

	engineConfig := syncer.DefaultConfig(cfg.ServerURL)
	engineConfig.Interval = cfg.SyncInterval
	engineConfig.BatchSize = cfg.BatchSize

	engine := syncer.New(db, box, syncer.StaticToken(cfg.Token), engineConfig)
	return db, engine, nil
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync attempt now",
	Long: `Push pending outbox operations to the server, pull the changefeed
delta since the last cursor, and apply it locally. Safe to run repeatedly;
a failed attempt changes nothing and is retried next time.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		db, engine, err := openEngine(cmd.Context(), cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer db.Close()

		status := engine.SyncNow(cmd.Context())
		printStatus(status)
		if status.LastErrorMessage != "" {
			os.Exit(1)
		}
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync status of the local replica",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		db, engine, err := openEngine(cmd.Context(), cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer db.Close()

		printStatus(engine.Status(cmd.Context()))
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run the sync engine on a timer (foreground)",
	Long: `Start the timer-driven sync loop in the foreground.

Attempts run every sync_interval and on startup. If feed_addr is
configured, attempt outcomes are also broadcast to WebSocket subscribers.
Press Ctrl+C to stop; an attempt already in flight completes first.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		db, engine, err := openEngine(cmd.Context(), cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer db.Close()

		if cfg.FeedAddr != "" {
			feedServer := feed.NewServer(cfg.FeedAddr, nil)
			if err := feedServer.Start(); err != nil {
				fmt.Fprintf(os.Stderr, "Error starting feed server: %v\n", err)
				os.Exit(1)
			}
			defer func() { _ = feedServer.Stop() }()
			engine.SetNotify(feedServer.Notify)
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		go func() {
			stop := make(chan os.Signal, 1)
			signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
			<-stop
			cancel()
		}()

		if err := engine.Run(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Sync loop stopped with error: %v\n", err)
			os.Exit(1)
		}
	},
}

func printStatus(status syncer.Status) {
	fmt.Printf("Pending outbox: %d\n", status.PendingOutbox)
	fmt.Printf("Last attempt:   %s\n", formatMs(status.LastAttemptAtMs))
	fmt.Printf("Last success:   %s\n", formatMs(status.LastSuccessAtMs))
	if status.LastErrorMessage != "" {
		fmt.Printf("Last error:     %s\n", status.LastErrorMessage)
	}
}

func formatMs(ms int64) string {
	if ms == 0 {
		return "never"
	}
	return time.UnixMilli(ms).Format("2006-01-02 15:04:05")
}

func init() {
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(watchCmd)
}

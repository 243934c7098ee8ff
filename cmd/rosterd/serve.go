package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/rosterd/rosterd/internal/server"
	"github.com/rosterd/rosterd/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the authoritative merge and changefeed server",
	Long: `Start the sync server.

The server owns the authoritative store, deduplicates incoming operations
by opId, applies them with last-writer-wins conflict resolution, and
serves the changefeed to pulling clients on POST /sync.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		if cfg.Token == "" {
			fmt.Fprintf(os.Stderr, "Error: no bearer token configured (set token in rosterd.yaml or ROSTERD_TOKEN)\n")
			os.Exit(1)
		}

		logger := log.New(os.Stderr, "[server] ", log.LstdFlags)
		if cfg.LogFile != "" {
			logger.SetOutput(&lumberjack.Logger{
				Filename:   cfg.LogFile,
				MaxSize:    50, // megabytes
				MaxBackups: 3,
				MaxAge:     28, // days
			})
		}

		db, err := store.Open(cfg.DBPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
			os.Exit(1)
		}
		defer db.Close()

		if err := db.Migrate(cmd.Context(), store.ServerSchema); err != nil {
			fmt.Fprintf(os.Stderr, "Error migrating schema: %v\n", err)
			os.Exit(1)
		}

		srvConfig := server.DefaultConfig(cfg.Token)
		srvConfig.Logger = logger
		srv := server.New(db, srvConfig)

		httpServer := &http.Server{
			Addr:         cfg.ListenAddr,
			Handler:      srv.Handler(),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		}

		go func() {
			logger.Printf("Listening on %s (db: %s)", cfg.ListenAddr, cfg.DBPath)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
				os.Exit(1)
			}
		}()

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		<-stop

		logger.Printf("Shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Printf("Shutdown error: %v", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// rosterd is the offline-first roster replication engine: a local
// SQLite-backed replica with a durable outbox, a timer-driven sync client,
// and the authoritative merge + changefeed server, all in one binary.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rosterd/rosterd/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "rosterd",
	Short: "Offline-first roster replication engine",
	Long: `rosterd keeps disconnected roster replicas (people, events,
attendance) in sync with one authoritative server.

Local mutations are written together with an outbox entry in a single
transaction; the sync engine pushes the outbox to the server, pulls the
changefeed delta, and reconciles with deterministic last-writer-wins
conflict resolution. Run 'rosterd serve' for the authoritative server and
the other commands against a local replica database.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./rosterd.yaml)")
}

// loadConfig resolves configuration or exits.
func loadConfig() *config.Config {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// Package config loads rosterd configuration from file and environment.
//
// Lookup order: explicit --config path, then rosterd.yaml in the working
// directory or ~/.config/rosterd/, then ROSTERD_* environment overrides
// (e.g. ROSTERD_SERVER_URL), then defaults. A missing config file is not
// an error; everything has a default except the bearer token.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the resolved configuration for both tiers.
type Config struct {
	// DBPath is the SQLite file of this process (client replica or
	// authoritative store depending on the command).
	DBPath string `mapstructure:"db_path"`

	// ListenAddr is the merge endpoint bind address (serve command).
	ListenAddr string `mapstructure:"listen_addr"`

	// ServerURL is the merge endpoint base URL (client commands).
	ServerURL string `mapstructure:"server_url"`

	// Token is the shared bearer credential.
	Token string `mapstructure:"token"`

	// SyncInterval between timer-driven sync attempts.
	SyncInterval time.Duration `mapstructure:"sync_interval"`

	// BatchSize caps outbox rows pushed per attempt.
	BatchSize int `mapstructure:"batch_size"`

	// FeedAddr is the WebSocket attempt feed bind address; empty
	// disables the feed.
	FeedAddr string `mapstructure:"feed_addr"`

	// LogFile, when set, routes server logs to a rotating file instead
	// of stderr.
	LogFile string `mapstructure:"log_file"`
}

// Load reads configuration. path may be empty to use the search paths.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("db_path", "rosterd.db")
	v.SetDefault("listen_addr", ":8484")
	v.SetDefault("server_url", "http://localhost:8484")
	v.SetDefault("sync_interval", 30*time.Second)
	v.SetDefault("batch_size", 200)
	v.SetDefault("feed_addr", "")
	v.SetDefault("log_file", "")

	v.SetEnvPrefix("ROSTERD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("rosterd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/rosterd")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("batch_size must be positive (got %d)", cfg.BatchSize)
	}
	if cfg.SyncInterval <= 0 {
		return nil, fmt.Errorf("sync_interval must be positive (got %v)", cfg.SyncInterval)
	}

	return &cfg, nil
}

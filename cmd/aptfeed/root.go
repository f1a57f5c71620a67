package aptfeed

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/manifest-network/aptfeed/internal/config"
)

const envPrefix = "APTFEED"

// flagBindings maps camelCase CLI flags to their configuration keys.
var flagBindings = map[string]string{
	"streamUrl":            "stream.url",
	"streamChannel":        "stream.channel",
	"streamAuthCode":       "stream.auth_code",
	"heartbeatInterval":    "stream.heartbeat_interval",
	"reconnect":            "reconnect.enabled",
	"reconnectBaseDelay":   "reconnect.base_delay",
	"reconnectMaxDelay":    "reconnect.max_delay",
	"reconnectMaxAttempts": "reconnect.max_attempts",
	"maxItems":             "feed.max_items",
	"previewLimit":         "feed.preview_limit",
	"maxBackfill":          "feed.max_backfill",
	"backfillTimeout":      "feed.backfill_timeout",
	"seenLimit":            "feed.seen_limit",
	"restUrl":              "rest.url",
	"restTimeout":          "rest.timeout",
	"restMaxRetries":       "rest.max_retries",
	"listenAddr":           "server.listen_addr",
	"postgresDsn":          "output.postgres_dsn",
}

// NewRootCmd builds the aptfeed command tree.
func NewRootCmd() *cobra.Command {
	v := viper.New()
	var cfg config.Config

	rootCmd := &cobra.Command{
		Use:   "aptfeed",
		Short: "Live block and transaction feed for an Aptos explorer",
		Long: `aptfeed keeps a bounded, gap-free window of the latest blocks and transactions
by reconciling a WebSocket push channel with the node REST API.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := setupLogger(cmd); err != nil {
				return err
			}
			loaded, err := loadConfig(v, cmd)
			if err != nil {
				return err
			}
			cfg = loaded
			return nil
		},
	}

	defaults := config.Default()
	pf := rootCmd.PersistentFlags()
	pf.String("logLevel", "info", "Log level (debug, info, warn, error)")
	pf.String("config", "", "Path to a configuration file")
	pf.String("streamUrl", defaults.Stream.URL, "Push channel WebSocket URL (ws:// or wss://)")
	pf.String("streamChannel", defaults.Stream.Channel, "Channel to subscribe to")
	pf.String("streamAuthCode", defaults.Stream.AuthCode, "Subscription auth code")
	pf.Duration("heartbeatInterval", defaults.Stream.HeartbeatInterval, "Interval between heartbeat pings")
	pf.Bool("reconnect", defaults.Reconnect.Enabled, "Reconnect the push channel after it closes")
	pf.Duration("reconnectBaseDelay", defaults.Reconnect.BaseDelay, "Initial reconnect backoff")
	pf.Duration("reconnectMaxDelay", defaults.Reconnect.MaxDelay, "Maximum reconnect backoff")
	pf.Uint("reconnectMaxAttempts", defaults.Reconnect.MaxAttempts, "Reconnect attempts before giving up (0 = unlimited)")
	pf.Int("maxItems", defaults.Feed.MaxItems, "Maximum entries kept in each window")
	pf.Int("previewLimit", defaults.Feed.PreviewLimit, "Blocks and transactions loaded by the initial snapshot")
	pf.Int("maxBackfill", defaults.Feed.MaxBackfill, "Maximum missing heights fetched per batch")
	pf.Duration("backfillTimeout", defaults.Feed.BackfillTimeout, "Deadline for each backfill fetch")
	pf.Int("seenLimit", defaults.Feed.SeenLimit, "Maximum identities remembered for deduplication (0 = unbounded)")
	pf.String("restUrl", defaults.REST.URL, "Node REST API base URL")
	pf.Duration("restTimeout", defaults.REST.Timeout, "REST request timeout")
	pf.Uint("restMaxRetries", defaults.REST.MaxRetries, "REST retries for transient failures")
	pf.String("listenAddr", defaults.Server.ListenAddr, "HTTP API listen address")
	pf.String("postgresDsn", defaults.Output.PostgresDSN, "PostgreSQL DSN for the archive sink (optional)")

	rootCmd.AddCommand(
		newStreamCmd(&cfg),
		newSnapshotCmd(&cfg),
		newArchiveCmd(&cfg),
	)
	return rootCmd
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

func setupLogger(cmd *cobra.Command) error {
	logLevel, err := cmd.Flags().GetString("logLevel")
	if err != nil {
		return fmt.Errorf("failed to read log level: %w", err)
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	return nil
}

// loadConfig merges flags, APTFEED_* environment variables and an optional
// config file, in that order of precedence, over the built-in defaults.
func loadConfig(v *viper.Viper, cmd *cobra.Command) (config.Config, error) {
	for flag, key := range flagBindings {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return config.Config{}, fmt.Errorf("failed to bind flag %s: %w", flag, err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	configFile, err := cmd.Flags().GetString("config")
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to read config flag: %w", err)
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("aptfeed")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.aptfeed")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return config.Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		slog.Debug("No config file found, using flags and environment")
	} else {
		slog.Info("Loaded config file", "path", v.ConfigFileUsed())
	}

	var cfg config.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return config.Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, nil
}

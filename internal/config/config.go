package config

import (
	"fmt"
	"net/url"
	"time"
)

const (
	DefaultChannel           = "all"
	DefaultHeartbeatInterval = 25 * time.Second
	DefaultMaxItems          = 100
	DefaultPreviewLimit      = 10
	DefaultMaxBackfill       = 5
	DefaultBackfillTimeout   = 10 * time.Second
)

// Config is the full service configuration, decoded by viper.
type Config struct {
	Stream    StreamConfig    `mapstructure:"stream"`
	Reconnect ReconnectConfig `mapstructure:"reconnect"`
	Feed      FeedConfig      `mapstructure:"feed"`
	REST      RESTConfig      `mapstructure:"rest"`
	Server    ServerConfig    `mapstructure:"server"`
	Output    OutputConfig    `mapstructure:"output"`
}

// StreamConfig describes the push channel.
type StreamConfig struct {
	URL               string        `mapstructure:"url"`
	Channel           string        `mapstructure:"channel"`
	AuthCode          string        `mapstructure:"auth_code"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// ReconnectConfig controls the optional reconnect loop. Disabled by default:
// a closed channel stays closed unless Enabled is set.
type ReconnectConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	MaxAttempts uint          `mapstructure:"max_attempts"`
}

// FeedConfig bounds the in-memory windows and the gap repair fan-out.
type FeedConfig struct {
	MaxItems        int           `mapstructure:"max_items"`
	PreviewLimit    int           `mapstructure:"preview_limit"`
	MaxBackfill     int           `mapstructure:"max_backfill"`
	BackfillTimeout time.Duration `mapstructure:"backfill_timeout"`
	SeenLimit       int           `mapstructure:"seen_limit"`
}

// RESTConfig describes the node REST API.
type RESTConfig struct {
	URL        string        `mapstructure:"url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries uint          `mapstructure:"max_retries"`
}

type ServerConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// OutputConfig configures the optional archive sink.
type OutputConfig struct {
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

// ExtractConfig configures the archive and repair jobs.
type ExtractConfig struct {
	MaxConcurrency     uint
	MaxRetries         uint
	WithTransactions   bool
	EnableRepairMissed bool
}

// Default returns a configuration populated with the standard constants.
func Default() Config {
	return Config{
		Stream: StreamConfig{
			Channel:           DefaultChannel,
			HeartbeatInterval: DefaultHeartbeatInterval,
		},
		Reconnect: ReconnectConfig{
			BaseDelay: time.Second,
			MaxDelay:  30 * time.Second,
		},
		Feed: FeedConfig{
			MaxItems:        DefaultMaxItems,
			PreviewLimit:    DefaultPreviewLimit,
			MaxBackfill:     DefaultMaxBackfill,
			BackfillTimeout: DefaultBackfillTimeout,
		},
		REST: RESTConfig{
			Timeout:    15 * time.Second,
			MaxRetries: 3,
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
	}
}

func (c Config) Validate() error {
	if err := c.Stream.Validate(); err != nil {
		return err
	}
	if err := c.Feed.Validate(); err != nil {
		return err
	}
	if err := c.REST.Validate(); err != nil {
		return err
	}
	if c.Reconnect.Enabled && c.Reconnect.BaseDelay <= 0 {
		return fmt.Errorf("reconnect base delay must be positive")
	}
	return nil
}

func (c StreamConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("stream url is required")
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("invalid stream url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("stream url scheme must be ws or wss, got %q", u.Scheme)
	}
	if c.Channel == "" {
		return fmt.Errorf("stream channel is required")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive")
	}
	return nil
}

func (c FeedConfig) Validate() error {
	if c.MaxItems <= 0 {
		return fmt.Errorf("max items must be positive")
	}
	if c.PreviewLimit < 0 {
		return fmt.Errorf("preview limit must not be negative")
	}
	if c.MaxBackfill < 0 {
		return fmt.Errorf("max backfill must not be negative")
	}
	if c.SeenLimit < 0 {
		return fmt.Errorf("seen limit must not be negative")
	}
	return nil
}

func (c RESTConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("rest url is required")
	}
	if _, err := url.ParseRequestURI(c.URL); err != nil {
		return fmt.Errorf("invalid rest url: %w", err)
	}
	return nil
}

// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig           `mapstructure:"server"`
	DB       DBConfig               `mapstructure:"db"`
	PubSub   PubSubConfig           `mapstructure:"pubsub"`
	Archive  ArchiveConfig          `mapstructure:"archive"`
	Fetch    FetchConfig            `mapstructure:"fetch"`
	Frontier FrontierConfig         `mapstructure:"frontier"`
	Worker   WorkerConfig           `mapstructure:"worker"`
	Logging  LoggingConfig          `mapstructure:"logging"`
	Stores   map[string]StoreConfig `mapstructure:"stores"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// DBConfig controls access to the relational database. An empty DSN selects
// the in-memory stores (development mode).
type DBConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// PubSubConfig selects the task transport. An empty project runs the
// in-process queue.
type PubSubConfig struct {
	ProjectID    string `mapstructure:"project_id"`
	Topic        string `mapstructure:"topic"`
	Subscription string `mapstructure:"subscription"`
}

// ArchiveConfig chooses where raw page snapshots go.
type ArchiveConfig struct {
	Backend   string `mapstructure:"backend"` // gcs, local or noop
	GCSBucket string `mapstructure:"gcs_bucket"`
	LocalDir  string `mapstructure:"local_dir"`
	Prefix    string `mapstructure:"prefix"`
}

// FetchConfig tunes the page fetch state machine.
type FetchConfig struct {
	UserAgent          string `mapstructure:"user_agent"`
	TimeoutSeconds     int    `mapstructure:"timeout_seconds"`
	ScanTimeoutSeconds int    `mapstructure:"scan_timeout_seconds"`
	RemoveAfterRetries int    `mapstructure:"remove_after_retries"`
	SkipAfterRetries   int    `mapstructure:"skip_after_retries"`
	MaxRedirects       int    `mapstructure:"max_redirects"`

	// RequestsPerSecond caps fetches per host; <= 0 disables throttling.
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// Timeout returns the per-page fetch deadline.
func (c FetchConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ScanTimeout returns the deadline for one whole crawl step, fetch plus
// extraction and writes.
func (c FetchConfig) ScanTimeout() time.Duration {
	return time.Duration(c.ScanTimeoutSeconds) * time.Second
}

// FrontierConfig sizes the seen filter and sets queue policy.
type FrontierConfig struct {
	PeekPolicy      string  `mapstructure:"peek_policy"`
	SeedPageSize    int     `mapstructure:"seed_page_size"`
	FilterCapacity  int     `mapstructure:"filter_capacity"`
	FilterErrorRate float64 `mapstructure:"filter_error_rate"`
}

// WorkerConfig tunes the step consumer.
type WorkerConfig struct {
	MaxRetries int `mapstructure:"max_retries"`
	QueueSize  int `mapstructure:"queue_size"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// StoreConfig describes one catalog site: where a scan starts and how its
// markup is read.
type StoreConfig struct {
	Seeds     []string        `mapstructure:"seeds"`
	Selectors SelectorsConfig `mapstructure:"selectors"`
}

// SelectorsConfig holds the CSS selectors for one site. Unset fields fall
// back to microdata defaults.
type SelectorsConfig struct {
	SKU             string `mapstructure:"sku"`
	Title           string `mapstructure:"title"`
	Image           string `mapstructure:"image"`
	Price           string `mapstructure:"price"`
	Currency        string `mapstructure:"currency"`
	Breadcrumbs     string `mapstructure:"breadcrumbs"`
	CategoryLinks   string `mapstructure:"category_links"`
	ItemLinks       string `mapstructure:"item_links"`
	DefaultCurrency string `mapstructure:"default_currency"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CATALOG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("db.max_open_conns", 8)
	v.SetDefault("archive.backend", "noop")
	v.SetDefault("archive.prefix", "pages")
	v.SetDefault("fetch.user_agent", "catalog-crawler/1.0")
	v.SetDefault("fetch.timeout_seconds", 30)
	v.SetDefault("fetch.scan_timeout_seconds", 300)
	v.SetDefault("fetch.remove_after_retries", 3)
	v.SetDefault("fetch.skip_after_retries", 3)
	v.SetDefault("fetch.max_redirects", 5)
	v.SetDefault("fetch.requests_per_second", 2.0)
	v.SetDefault("fetch.burst", 4)
	v.SetDefault("frontier.peek_policy", "items_first")
	v.SetDefault("frontier.seed_page_size", 500)
	v.SetDefault("frontier.filter_capacity", 100000)
	v.SetDefault("frontier.filter_error_rate", 0.001)
	v.SetDefault("worker.max_retries", 5)
	v.SetDefault("worker.queue_size", 256)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	switch c.Archive.Backend {
	case "noop":
	case "gcs":
		if c.Archive.GCSBucket == "" {
			return fmt.Errorf("archive.gcs_bucket must be set for the gcs backend")
		}
	case "local":
		if c.Archive.LocalDir == "" {
			return fmt.Errorf("archive.local_dir must be set for the local backend")
		}
	default:
		return fmt.Errorf("archive.backend must be one of gcs, local, noop")
	}
	if p := c.Frontier.PeekPolicy; p != "items_first" && p != "categories_first" {
		return fmt.Errorf("frontier.peek_policy must be items_first or categories_first")
	}
	if c.Frontier.FilterErrorRate <= 0 || c.Frontier.FilterErrorRate >= 1 {
		return fmt.Errorf("frontier.filter_error_rate must be in (0, 1)")
	}
	if c.PubSub.ProjectID != "" && c.PubSub.Topic == "" {
		return fmt.Errorf("pubsub.topic must be set when pubsub.project_id is set")
	}
	return nil
}

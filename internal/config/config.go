// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Nodes     NodesConfig     `mapstructure:"nodes"`
	Optimizer OptimizerConfig `mapstructure:"optimizer"`
	Miner     MinerConfig     `mapstructure:"miner"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Chain     ChainConfig     `mapstructure:"chain"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// NodesConfig sets defaults for newly created mining nodes and the
// cadence of the dispatch and health loops.
type NodesConfig struct {
	DefaultCapacityMB    float64 `mapstructure:"default_capacity_mb"`
	MaxConcurrentMining  int     `mapstructure:"max_concurrent_mining"`
	CleanupThresholdPct  float64 `mapstructure:"cleanup_threshold_pct"`
	DispatchIntervalSec  int     `mapstructure:"dispatch_interval_seconds"`
	HealthIntervalSec    int     `mapstructure:"health_interval_seconds"`
	InactiveAfterMinutes int     `mapstructure:"inactive_after_minutes"`
}

// OptimizerConfig governs reclamation thresholds and pass toggles.
type OptimizerConfig struct {
	IntervalSec          int     `mapstructure:"interval_seconds"`
	CleanupThreshold     float64 `mapstructure:"cleanup_threshold"`
	CompressionThreshold float64 `mapstructure:"compression_threshold"`
	ArchivalThreshold    float64 `mapstructure:"archival_threshold"`
	RetentionDays        int     `mapstructure:"retention_days"`
	EnableCompression    bool    `mapstructure:"enable_compression"`
	EnableArchival       bool    `mapstructure:"enable_archival"`
	EnableDeduplication  bool    `mapstructure:"enable_deduplication"`
	EnableMigration      bool    `mapstructure:"enable_migration"`
}

// MinerConfig governs the job pipeline.
type MinerConfig struct {
	MaxConcurrentJobs       int `mapstructure:"max_concurrent_jobs"`
	TickMs                  int `mapstructure:"tick_ms"`
	OptimizationThresholdKB int `mapstructure:"optimization_threshold_kb"`
}

// CrawlerConfig governs the crawl worker pool and frontier.
type CrawlerConfig struct {
	Concurrency     int    `mapstructure:"concurrency"`
	UserAgent       string `mapstructure:"user_agent"`
	DelaySeconds    int    `mapstructure:"delay_seconds"`
	BackoffSeconds  int    `mapstructure:"backoff_seconds"`
	RespectRobots   bool   `mapstructure:"respect_robots"`
	MaxDepthDefault int    `mapstructure:"max_depth_default"`
	MaxPagesDefault int    `mapstructure:"max_pages_default"`
	SubmitProofs    bool   `mapstructure:"submit_proofs"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxParallel   int  `mapstructure:"max_parallel"`
	NavTimeoutSec int  `mapstructure:"nav_timeout_seconds"`
}

// StorageConfig selects the artifact blob store provider.
type StorageConfig struct {
	Provider    string `mapstructure:"provider"`
	LocalDir    string `mapstructure:"local_dir"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// DBConfig controls access to the relational database. An empty DSN
// selects the in-memory node store.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"max_conns"`
}

// PubSubConfig holds metadata for publish-subscribe event fan-out.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ChainConfig configures proof-of-optimization submission.
type ChainConfig struct {
	APIURL string `mapstructure:"api_url"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("WEBMINER")
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
	v.SetDefault("nodes.default_capacity_mb", 100.0)
	v.SetDefault("nodes.max_concurrent_mining", 3)
	v.SetDefault("nodes.cleanup_threshold_pct", 80.0)
	v.SetDefault("nodes.dispatch_interval_seconds", 5)
	v.SetDefault("nodes.health_interval_seconds", 30)
	v.SetDefault("nodes.inactive_after_minutes", 5)
	v.SetDefault("optimizer.interval_seconds", 60)
	v.SetDefault("optimizer.cleanup_threshold", 75.0)
	v.SetDefault("optimizer.compression_threshold", 85.0)
	v.SetDefault("optimizer.archival_threshold", 95.0)
	v.SetDefault("optimizer.retention_days", 30)
	v.SetDefault("optimizer.enable_compression", true)
	v.SetDefault("optimizer.enable_archival", true)
	v.SetDefault("optimizer.enable_deduplication", false)
	v.SetDefault("optimizer.enable_migration", false)
	v.SetDefault("miner.max_concurrent_jobs", 5)
	v.SetDefault("miner.tick_ms", 2000)
	v.SetDefault("miner.optimization_threshold_kb", 10)
	v.SetDefault("crawler.concurrency", 3)
	v.SetDefault("crawler.user_agent", "webminer-bot/0.1")
	v.SetDefault("crawler.delay_seconds", 1)
	v.SetDefault("crawler.backoff_seconds", 5)
	v.SetDefault("crawler.respect_robots", true)
	v.SetDefault("crawler.max_depth_default", 3)
	v.SetDefault("crawler.max_pages_default", 50)
	v.SetDefault("crawler.submit_proofs", false)
	v.SetDefault("headless.enabled", true)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 45)
	v.SetDefault("storage.provider", "memory")
	v.SetDefault("storage.prefix", "proofs")
	v.SetDefault("storage.content_type", "application/json")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Nodes.DefaultCapacityMB <= 0 {
		return fmt.Errorf("nodes.default_capacity_mb must be > 0")
	}
	if c.Nodes.MaxConcurrentMining <= 0 {
		return fmt.Errorf("nodes.max_concurrent_mining must be > 0")
	}
	if c.Miner.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("miner.max_concurrent_jobs must be > 0")
	}
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.Optimizer.CleanupThreshold > c.Optimizer.CompressionThreshold ||
		c.Optimizer.CompressionThreshold > c.Optimizer.ArchivalThreshold {
		return fmt.Errorf("optimizer thresholds must be ordered cleanup <= compression <= archival")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	switch c.Storage.Provider {
	case "memory":
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set for the local provider")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs provider")
		}
	default:
		return fmt.Errorf("unknown storage.provider %q", c.Storage.Provider)
	}
	if c.Crawler.SubmitProofs && c.Chain.APIURL == "" {
		return fmt.Errorf("chain.api_url must be set when proof submission is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// MinerTick converts the configured tick into a duration.
func (c Config) MinerTick() time.Duration {
	return time.Duration(c.Miner.TickMs) * time.Millisecond
}

// OptimizerInterval converts the configured interval into a duration.
func (c Config) OptimizerInterval() time.Duration {
	return time.Duration(c.Optimizer.IntervalSec) * time.Second
}

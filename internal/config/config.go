// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/JakeFAU/regwatch/internal/logging"
)

// EnvPrefix is prepended to every environment override, e.g. REGWATCH_DATABASE_DSN.
const EnvPrefix = "REGWATCH"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Logging     logging.Config   `mapstructure:"logging"`
	Server      ServerConfig     `mapstructure:"server"`
	Crawler     CrawlerConfig    `mapstructure:"crawler"`
	Headless    HeadlessConfig   `mapstructure:"headless"`
	Storage     StorageConfig    `mapstructure:"storage"`
	Database    DatabaseConfig   `mapstructure:"database"`
	Redis       RedisConfig      `mapstructure:"redis"`
	PubSub      PubSubConfig     `mapstructure:"pubsub"`
	Extraction  ExtractionConfig `mapstructure:"extraction"`
	Changes     ChangesConfig    `mapstructure:"changes"`
	Scheduler   SchedulerConfig  `mapstructure:"scheduler"`
	SourcesFile string           `mapstructure:"sources_file"`
}

// ServerConfig controls the ops listener.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// CrawlerConfig governs traversal and politeness.
type CrawlerConfig struct {
	Concurrency         int           `mapstructure:"concurrency"`
	QueueDepth          int           `mapstructure:"queue_depth"`
	UserAgent           string        `mapstructure:"user_agent"`
	MinInterval         time.Duration `mapstructure:"min_interval"`
	RespectRobots       bool          `mapstructure:"respect_robots"`
	RobotsFailOpen      bool          `mapstructure:"robots_fail_open"`
	RobotsTTL           time.Duration `mapstructure:"robots_ttl"`
	RequestTimeout      time.Duration `mapstructure:"request_timeout"`
	MaxRetries          int           `mapstructure:"max_retries"`
	MaxDownloadsPerPage int           `mapstructure:"max_downloads_per_page"`
	MaxPDFBytes         int           `mapstructure:"max_pdf_bytes"`
	JSHeavyOrigins      []string      `mapstructure:"js_heavy_origins"`
	PromotionThreshold  int           `mapstructure:"promotion_threshold"`
}

// HeadlessConfig configures the rendered acquisition mode.
type HeadlessConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	MaxParallel         int           `mapstructure:"max_parallel"`
	NavTimeout          time.Duration `mapstructure:"nav_timeout"`
	IdleTimeout         time.Duration `mapstructure:"idle_timeout"`
	ScrollStep          int           `mapstructure:"scroll_step"`
	ScrollPause         time.Duration `mapstructure:"scroll_pause"`
	ScrollMaxIterations int           `mapstructure:"scroll_max_iterations"`
	DownloadTimeout     time.Duration `mapstructure:"download_timeout"`
}

// StorageConfig selects where downloaded PDFs are written.
type StorageConfig struct {
	Backend string `mapstructure:"backend"`
	BaseDir string `mapstructure:"base_dir"`
	Bucket  string `mapstructure:"bucket"`
}

// DatabaseConfig controls access to Postgres. An empty DSN selects in-memory stores.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// RedisConfig enables the content hash index. An empty Addr disables it.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Key      string        `mapstructure:"key"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// PubSubConfig holds metadata for downstream notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ExtractionConfig points at the external classifier.
type ExtractionConfig struct {
	Endpoint      string            `mapstructure:"endpoint"`
	Timeout       time.Duration     `mapstructure:"timeout"`
	MaxTextChars  int               `mapstructure:"max_text_chars"`
	PrepassLabels map[string]string `mapstructure:"prepass_labels"`
	PrepassWindow int               `mapstructure:"prepass_window"`
	DefaultPrompt string            `mapstructure:"default_prompt"`
}

// ChangesConfig tunes significance scoring.
type ChangesConfig struct {
	ReviewThreshold float64 `mapstructure:"review_threshold"`
}

// SchedulerConfig drives periodic crawls in serve mode.
type SchedulerConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Spec      string `mapstructure:"spec"`
	BatchSize int    `mapstructure:"batch_size"`
}

// Load builds a Config from an optional .env file, a config file, and the environment.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
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
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("server.port", 8080)
	v.SetDefault("crawler.concurrency", 2)
	v.SetDefault("crawler.queue_depth", 64)
	v.SetDefault("crawler.user_agent", "regwatch-bot/1.0")
	v.SetDefault("crawler.min_interval", time.Second)
	v.SetDefault("crawler.respect_robots", true)
	v.SetDefault("crawler.robots_fail_open", true)
	v.SetDefault("crawler.robots_ttl", time.Hour)
	v.SetDefault("crawler.request_timeout", 30*time.Second)
	v.SetDefault("crawler.max_retries", 3)
	v.SetDefault("crawler.max_downloads_per_page", 10)
	v.SetDefault("crawler.max_pdf_bytes", 50<<20)
	v.SetDefault("crawler.js_heavy_origins", []string{})
	v.SetDefault("crawler.promotion_threshold", 2048)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout", 60*time.Second)
	v.SetDefault("headless.idle_timeout", 15*time.Second)
	v.SetDefault("headless.scroll_step", 800)
	v.SetDefault("headless.scroll_pause", 400*time.Millisecond)
	v.SetDefault("headless.scroll_max_iterations", 20)
	v.SetDefault("headless.download_timeout", 15*time.Second)
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.base_dir", "downloads")
	v.SetDefault("database.max_conns", 8)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("redis.key", "regwatch:content_hashes")
	v.SetDefault("extraction.timeout", 60*time.Second)
	v.SetDefault("extraction.max_text_chars", 50000)
	v.SetDefault("extraction.prepass_window", 120)
	v.SetDefault("changes.review_threshold", 0.3)
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.spec", "@every 6h")
	v.SetDefault("scheduler.batch_size", 5)
	v.SetDefault("sources_file", "sources.yaml")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.Crawler.MinInterval < 0 {
		return fmt.Errorf("crawler.min_interval must be >= 0")
	}
	if c.Crawler.RequestTimeout <= 0 {
		return fmt.Errorf("crawler.request_timeout must be > 0")
	}
	if c.Crawler.MaxDownloadsPerPage <= 0 {
		return fmt.Errorf("crawler.max_downloads_per_page must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	switch c.Storage.Backend {
	case "local":
		if strings.TrimSpace(c.Storage.BaseDir) == "" {
			return fmt.Errorf("storage.base_dir is required for the local backend")
		}
	case "gcs":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required for the gcs backend")
		}
	case "memory":
	default:
		return fmt.Errorf("storage.backend %q is not one of local, gcs, memory", c.Storage.Backend)
	}
	if c.Changes.ReviewThreshold < 0 || c.Changes.ReviewThreshold > 1 {
		return fmt.Errorf("changes.review_threshold must be within [0, 1]")
	}
	if c.Scheduler.Enabled && c.Scheduler.BatchSize <= 0 {
		return fmt.Errorf("scheduler.batch_size must be > 0 when the scheduler is enabled")
	}
	return nil
}

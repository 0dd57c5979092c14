package config

import (
	"time"

	"github.com/IshaanNene/seocrawl/internal/types"
)

// Version is set at build time via ldflags.
var Version = "dev"

// MinRequestDelay is the politeness floor applied to every crawl.
const MinRequestDelay = 1000 * time.Millisecond

// Config is the root configuration for seocrawl.
type Config struct {
	Crawl     types.JobConfig `mapstructure:"crawl"      yaml:"crawl"`
	Fetcher   FetcherConfig   `mapstructure:"fetcher"    yaml:"fetcher"`
	Robots    RobotsConfig    `mapstructure:"robots"     yaml:"robots"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`
	Sitemap   SitemapConfig   `mapstructure:"sitemap"    yaml:"sitemap"`
	Frontier  FrontierConfig  `mapstructure:"frontier"   yaml:"frontier"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"  yaml:"scheduler"`
	Storage   StorageConfig   `mapstructure:"storage"    yaml:"storage"`
	API       APIConfig       `mapstructure:"api"        yaml:"api"`
	Logging   LoggingConfig   `mapstructure:"logging"    yaml:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"    yaml:"metrics"`
}

// FetcherConfig controls the page fetcher.
type FetcherConfig struct {
	MaxRedirects       int           `mapstructure:"max_redirects"         yaml:"max_redirects"`
	MaxBodySize        int64         `mapstructure:"max_body_size"         yaml:"max_body_size"`
	MaxNonHTMLBodySize int64         `mapstructure:"max_non_html_body_size" yaml:"max_non_html_body_size"`
	RetryDelay         time.Duration `mapstructure:"retry_delay"           yaml:"retry_delay"`
	IdleConnTimeout    time.Duration `mapstructure:"idle_conn_timeout"     yaml:"idle_conn_timeout"`
	MaxIdleConns       int           `mapstructure:"max_idle_conns"        yaml:"max_idle_conns"`
	RenderWaitStable   time.Duration `mapstructure:"render_wait_stable"    yaml:"render_wait_stable"`
}

// RobotsConfig controls robots.txt retrieval.
type RobotsConfig struct {
	Timeout time.Duration `mapstructure:"timeout"  yaml:"timeout"`
	MaxSize int64         `mapstructure:"max_size" yaml:"max_size"`
}

// RateLimitConfig controls per-host request pacing.
type RateLimitConfig struct {
	MaxBackoff    time.Duration `mapstructure:"max_backoff"    yaml:"max_backoff"`
	BackoffFactor float64       `mapstructure:"backoff_factor" yaml:"backoff_factor"`
}

// SitemapConfig controls sitemap discovery.
type SitemapConfig struct {
	MaxSitemaps int           `mapstructure:"max_sitemaps" yaml:"max_sitemaps"`
	MaxURLs     int           `mapstructure:"max_urls"     yaml:"max_urls"`
	Timeout     time.Duration `mapstructure:"timeout"      yaml:"timeout"`
	MaxSize     int64         `mapstructure:"max_size"     yaml:"max_size"`
}

// FrontierConfig controls URL normalization and filtering.
type FrontierConfig struct {
	TrackingParams []string `mapstructure:"tracking_params" yaml:"tracking_params"`
	PrivatePaths   []string `mapstructure:"private_paths"   yaml:"private_paths"`
}

// SchedulerConfig controls the job worker.
type SchedulerConfig struct {
	Concurrency     int           `mapstructure:"concurrency"      yaml:"concurrency"`
	PollInterval    time.Duration `mapstructure:"poll_interval"    yaml:"poll_interval"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	StaleAfter      time.Duration `mapstructure:"stale_after"      yaml:"stale_after"`
	ProgressEvery   int           `mapstructure:"progress_every"   yaml:"progress_every"`
}

// StorageConfig controls persistence and CLI output.
type StorageConfig struct {
	Type            string `mapstructure:"type"             yaml:"type"`
	OutputPath      string `mapstructure:"output_path"      yaml:"output_path"`
	BatchSize       int    `mapstructure:"batch_size"       yaml:"batch_size"`
	DatabasePath    string `mapstructure:"database_path"    yaml:"database_path"`
	MongoURI        string `mapstructure:"mongo_uri"        yaml:"mongo_uri"`
	MongoDatabase   string `mapstructure:"mongo_database"   yaml:"mongo_database"`
	MongoCollection string `mapstructure:"mongo_collection" yaml:"mongo_collection"`
}

// APIConfig controls the administrative HTTP API.
type APIConfig struct {
	Enabled        bool   `mapstructure:"enabled"          yaml:"enabled"`
	Addr           string `mapstructure:"addr"             yaml:"addr"`
	RequestsPerMin int    `mapstructure:"requests_per_min" yaml:"requests_per_min"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level  string `mapstructure:"level"  yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	Output string `mapstructure:"output" yaml:"output"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Port    int    `mapstructure:"port"    yaml:"port"`
	Path    string `mapstructure:"path"    yaml:"path"`
}

// DefaultUserAgent identifies the crawler to site operators.
func DefaultUserAgent() string {
	return "seocrawl/" + Version + " (+https://github.com/IshaanNene/seocrawl)"
}

// DefaultJobConfig returns the crawl defaults applied to new jobs.
func DefaultJobConfig() types.JobConfig {
	return types.JobConfig{
		MaxPages:               500,
		MaxDepth:               5,
		RequestDelayMs:         1500,
		UserAgent:              DefaultUserAgent(),
		UseSitemap:             true,
		MaxConsecutiveFailures: 10,
		MaxErrorRate:           0.3,
		MinPagesForErrorCheck:  10,
		TimeoutMs:              30000,
		MaxRetries:             2,
	}
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Crawl: DefaultJobConfig(),
		Fetcher: FetcherConfig{
			MaxRedirects:       10,
			MaxBodySize:        10 * 1024 * 1024, // 10MB
			MaxNonHTMLBodySize: 64 * 1024,
			RetryDelay:         2 * time.Second,
			IdleConnTimeout:    90 * time.Second,
			MaxIdleConns:       10,
			RenderWaitStable:   500 * time.Millisecond,
		},
		Robots: RobotsConfig{
			Timeout: 10 * time.Second,
			MaxSize: 512 * 1024,
		},
		RateLimit: RateLimitConfig{
			MaxBackoff:    60 * time.Second,
			BackoffFactor: 2,
		},
		Sitemap: SitemapConfig{
			MaxSitemaps: 50,
			MaxURLs:     50000,
			Timeout:     30 * time.Second,
			MaxSize:     50 * 1024 * 1024,
		},
		Scheduler: SchedulerConfig{
			Concurrency:     2,
			PollInterval:    10 * time.Second,
			ShutdownTimeout: 60 * time.Second,
			StaleAfter:      2 * time.Hour,
			ProgressEvery:   10,
		},
		Storage: StorageConfig{
			Type:            "json",
			OutputPath:      "./output/crawl.json",
			BatchSize:       25,
			DatabasePath:    "./data",
			MongoDatabase:   "seocrawl",
			MongoCollection: "pages",
		},
		API: APIConfig{
			Enabled:        false,
			Addr:           ":8080",
			RequestsPerMin: 120,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9090,
			Path:    "/metrics",
		},
	}
}

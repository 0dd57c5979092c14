package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from file, environment, and defaults.
// Priority (highest to lowest): env vars > config file > defaults.
// CLI flags are applied by the caller afterwards.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")

	setDefaults(v, cfg)

	v.SetEnvPrefix("SEOCRAWL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("seocrawl")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, ".seocrawl"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// setDefaults registers default values in viper so env overrides resolve.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("crawl.max_pages", cfg.Crawl.MaxPages)
	v.SetDefault("crawl.max_depth", cfg.Crawl.MaxDepth)
	v.SetDefault("crawl.request_delay_ms", cfg.Crawl.RequestDelayMs)
	v.SetDefault("crawl.user_agent", cfg.Crawl.UserAgent)
	v.SetDefault("crawl.use_sitemap", cfg.Crawl.UseSitemap)
	v.SetDefault("crawl.max_consecutive_failures", cfg.Crawl.MaxConsecutiveFailures)
	v.SetDefault("crawl.max_error_rate", cfg.Crawl.MaxErrorRate)
	v.SetDefault("crawl.min_pages_for_error_check", cfg.Crawl.MinPagesForErrorCheck)
	v.SetDefault("crawl.timeout_ms", cfg.Crawl.TimeoutMs)
	v.SetDefault("crawl.max_retries", cfg.Crawl.MaxRetries)
	v.SetDefault("crawl.render", cfg.Crawl.Render)

	v.SetDefault("fetcher.max_redirects", cfg.Fetcher.MaxRedirects)
	v.SetDefault("fetcher.max_body_size", cfg.Fetcher.MaxBodySize)
	v.SetDefault("fetcher.max_non_html_body_size", cfg.Fetcher.MaxNonHTMLBodySize)
	v.SetDefault("fetcher.retry_delay", cfg.Fetcher.RetryDelay)
	v.SetDefault("fetcher.idle_conn_timeout", cfg.Fetcher.IdleConnTimeout)
	v.SetDefault("fetcher.max_idle_conns", cfg.Fetcher.MaxIdleConns)
	v.SetDefault("fetcher.render_wait_stable", cfg.Fetcher.RenderWaitStable)

	v.SetDefault("robots.timeout", cfg.Robots.Timeout)
	v.SetDefault("robots.max_size", cfg.Robots.MaxSize)

	v.SetDefault("rate_limit.max_backoff", cfg.RateLimit.MaxBackoff)
	v.SetDefault("rate_limit.backoff_factor", cfg.RateLimit.BackoffFactor)

	v.SetDefault("sitemap.max_sitemaps", cfg.Sitemap.MaxSitemaps)
	v.SetDefault("sitemap.max_urls", cfg.Sitemap.MaxURLs)
	v.SetDefault("sitemap.timeout", cfg.Sitemap.Timeout)
	v.SetDefault("sitemap.max_size", cfg.Sitemap.MaxSize)

	v.SetDefault("scheduler.concurrency", cfg.Scheduler.Concurrency)
	v.SetDefault("scheduler.poll_interval", cfg.Scheduler.PollInterval)
	v.SetDefault("scheduler.shutdown_timeout", cfg.Scheduler.ShutdownTimeout)
	v.SetDefault("scheduler.stale_after", cfg.Scheduler.StaleAfter)
	v.SetDefault("scheduler.progress_every", cfg.Scheduler.ProgressEvery)

	v.SetDefault("storage.type", cfg.Storage.Type)
	v.SetDefault("storage.output_path", cfg.Storage.OutputPath)
	v.SetDefault("storage.batch_size", cfg.Storage.BatchSize)
	v.SetDefault("storage.database_path", cfg.Storage.DatabasePath)
	v.SetDefault("storage.mongo_uri", cfg.Storage.MongoURI)
	v.SetDefault("storage.mongo_database", cfg.Storage.MongoDatabase)
	v.SetDefault("storage.mongo_collection", cfg.Storage.MongoCollection)

	v.SetDefault("api.enabled", cfg.API.Enabled)
	v.SetDefault("api.addr", cfg.API.Addr)
	v.SetDefault("api.requests_per_min", cfg.API.RequestsPerMin)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.output", cfg.Logging.Output)

	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.port", cfg.Metrics.Port)
	v.SetDefault("metrics.path", cfg.Metrics.Path)
}

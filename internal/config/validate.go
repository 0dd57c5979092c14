package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/IshaanNene/seocrawl/internal/types"
)

// Job budget bounds.
const (
	MaxPagesLimit = 10000
	MaxDepthLimit = 20
)

// Validate checks the configuration for invalid values.
func Validate(cfg *Config) error {
	if _, err := ResolveJobConfig(cfg.Crawl, DefaultJobConfig(), false); err != nil {
		return err
	}

	if cfg.Fetcher.MaxBodySize <= 0 {
		return fmt.Errorf("fetcher.max_body_size must be > 0")
	}
	if cfg.Fetcher.MaxNonHTMLBodySize <= 0 {
		return fmt.Errorf("fetcher.max_non_html_body_size must be > 0")
	}
	if cfg.Fetcher.MaxRedirects < 0 {
		return fmt.Errorf("fetcher.max_redirects must be >= 0")
	}
	if cfg.Robots.Timeout <= 0 {
		return fmt.Errorf("robots.timeout must be > 0")
	}
	if cfg.RateLimit.BackoffFactor < 1 {
		return fmt.Errorf("rate_limit.backoff_factor must be >= 1, got %g", cfg.RateLimit.BackoffFactor)
	}
	if cfg.Sitemap.MaxSitemaps < 1 {
		return fmt.Errorf("sitemap.max_sitemaps must be >= 1, got %d", cfg.Sitemap.MaxSitemaps)
	}

	if cfg.Scheduler.Concurrency < 1 || cfg.Scheduler.Concurrency > 32 {
		return fmt.Errorf("scheduler.concurrency must be 1-32, got %d", cfg.Scheduler.Concurrency)
	}
	if cfg.Scheduler.PollInterval <= 0 {
		return fmt.Errorf("scheduler.poll_interval must be > 0")
	}
	// Live claims are refreshed once per poll.
	if cfg.Scheduler.StaleAfter <= 2*cfg.Scheduler.PollInterval {
		return fmt.Errorf("scheduler.stale_after must exceed twice scheduler.poll_interval, got %s", cfg.Scheduler.StaleAfter)
	}
	if cfg.Scheduler.ShutdownTimeout <= 0 {
		return fmt.Errorf("scheduler.shutdown_timeout must be > 0")
	}

	validStorageTypes := map[string]bool{
		"json": true, "jsonl": true, "csv": true, "markdown": true,
	}
	if !validStorageTypes[cfg.Storage.Type] {
		return fmt.Errorf("storage.type %q is not supported (valid: json, jsonl, csv, markdown)", cfg.Storage.Type)
	}
	if cfg.Storage.BatchSize < 1 {
		return fmt.Errorf("storage.batch_size must be >= 1, got %d", cfg.Storage.BatchSize)
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be debug/info/warn/error, got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" && cfg.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be 'text' or 'json', got %q", cfg.Logging.Format)
	}

	if cfg.Metrics.Enabled {
		if cfg.Metrics.Port < 1 || cfg.Metrics.Port > 65535 {
			return fmt.Errorf("metrics.port must be 1-65535, got %d", cfg.Metrics.Port)
		}
	}

	return nil
}

// ValidateURL checks if a URL string is a valid crawl seed.
func ValidateURL(rawURL string) error {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return &types.ConfigError{Field: "seed_url", Reason: fmt.Sprintf("is not a valid URL: %v", err)}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &types.ConfigError{Field: "seed_url", Reason: fmt.Sprintf("scheme must be http or https, got %q", u.Scheme)}
	}
	host := u.Hostname()
	if host == "" {
		return &types.ConfigError{Field: "seed_url", Reason: "must have a host"}
	}
	if u.User != nil {
		return &types.ConfigError{Field: "seed_url", Reason: "must not carry credentials"}
	}
	// A bare public suffix (e.g. "co.uk") would widen the same-domain scope
	// to unrelated sites.
	if strings.Contains(host, ".") {
		if suffix, _ := publicsuffix.PublicSuffix(strings.ToLower(host)); suffix == strings.ToLower(host) {
			return &types.ConfigError{Field: "seed_url", Reason: fmt.Sprintf("host %q is a public suffix", host)}
		}
	}
	return nil
}

// ResolveJobConfig fills unset fields of jc from defaults, validates every
// budget, and clamps the request delay to MinRequestDelay. Out-of-range
// values are rejected, never corrected. When requireSeed is true a valid
// seed URL is mandatory.
func ResolveJobConfig(jc, defaults types.JobConfig, requireSeed bool) (types.JobConfig, error) {
	if jc.MaxPages == 0 {
		jc.MaxPages = defaults.MaxPages
	}
	if jc.RequestDelayMs == 0 {
		jc.RequestDelayMs = defaults.RequestDelayMs
	}
	if jc.UserAgent == "" {
		jc.UserAgent = defaults.UserAgent
	}
	if jc.UserAgent == "" {
		jc.UserAgent = DefaultUserAgent()
	}
	if jc.MaxConsecutiveFailures == 0 {
		jc.MaxConsecutiveFailures = defaults.MaxConsecutiveFailures
	}
	if jc.MaxErrorRate == 0 {
		jc.MaxErrorRate = defaults.MaxErrorRate
	}
	if jc.MinPagesForErrorCheck == 0 {
		jc.MinPagesForErrorCheck = defaults.MinPagesForErrorCheck
	}
	if jc.TimeoutMs == 0 {
		jc.TimeoutMs = defaults.TimeoutMs
	}

	if requireSeed || jc.SeedURL != "" {
		if err := ValidateURL(jc.SeedURL); err != nil {
			return jc, err
		}
	}
	if jc.MaxPages < 1 || jc.MaxPages > MaxPagesLimit {
		return jc, &types.ConfigError{Field: "max_pages", Reason: fmt.Sprintf("must be 1-%d, got %d", MaxPagesLimit, jc.MaxPages)}
	}
	if jc.MaxDepth < 0 || jc.MaxDepth > MaxDepthLimit {
		return jc, &types.ConfigError{Field: "max_depth", Reason: fmt.Sprintf("must be 0-%d, got %d", MaxDepthLimit, jc.MaxDepth)}
	}
	if jc.RequestDelayMs < 0 {
		return jc, &types.ConfigError{Field: "request_delay_ms", Reason: "must be >= 0"}
	}
	if jc.RequestDelay() < MinRequestDelay {
		jc.RequestDelayMs = int(MinRequestDelay.Milliseconds())
	}
	if jc.MaxConsecutiveFailures < 1 {
		return jc, &types.ConfigError{Field: "max_consecutive_failures", Reason: "must be >= 1"}
	}
	if jc.MaxErrorRate <= 0 || jc.MaxErrorRate > 1 {
		return jc, &types.ConfigError{Field: "max_error_rate", Reason: fmt.Sprintf("must be in (0, 1], got %g", jc.MaxErrorRate)}
	}
	if jc.MinPagesForErrorCheck < 1 {
		return jc, &types.ConfigError{Field: "min_pages_for_error_check", Reason: "must be >= 1"}
	}
	if jc.TimeoutMs < 1000 || jc.TimeoutMs > 120000 {
		return jc, &types.ConfigError{Field: "timeout_ms", Reason: fmt.Sprintf("must be 1000-120000, got %d", jc.TimeoutMs)}
	}
	if jc.MaxRetries < 0 || jc.MaxRetries > 10 {
		return jc, &types.ConfigError{Field: "max_retries", Reason: fmt.Sprintf("must be 0-10, got %d", jc.MaxRetries)}
	}
	for _, p := range append(append([]string(nil), jc.IncludePatterns...), jc.ExcludePatterns...) {
		if _, err := regexp.Compile(p); err != nil {
			return jc, &types.ConfigError{Field: "patterns", Reason: fmt.Sprintf("invalid regex %q: %v", p, err)}
		}
	}
	return jc, nil
}

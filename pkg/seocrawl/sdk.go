// Package seocrawl provides a public SDK for embedding the SEO crawler as a
// library.
//
// Example usage:
//
//	crawler := seocrawl.NewCrawler(
//	    seocrawl.WithMaxPages(200),
//	    seocrawl.WithMaxDepth(3),
//	    seocrawl.WithOutput("./output/audit.jsonl"),
//	)
//
//	crawler.OnPage(func(p *seocrawl.Page) {
//	    for _, issue := range p.Issues {
//	        fmt.Println(p.URL, issue.Code)
//	    }
//	})
//
//	res, err := crawler.Crawl(ctx, "https://example.com")
package seocrawl

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/IshaanNene/seocrawl/internal/config"
	"github.com/IshaanNene/seocrawl/internal/engine"
	"github.com/IshaanNene/seocrawl/internal/observability"
	"github.com/IshaanNene/seocrawl/internal/report"
	"github.com/IshaanNene/seocrawl/internal/storage"
	"github.com/IshaanNene/seocrawl/internal/types"
)

// Re-exported so callers outside this module can name crawl values.
type (
	Result   = engine.Result
	Progress = engine.Progress
	Page     = types.PageRecord
	Issue    = types.Issue
	Severity = types.Severity
	State    = engine.State
)

// Crawl states.
const (
	StateCompleted = engine.StateCompleted
	StateCancelled = engine.StateCancelled
	StateFailed    = engine.StateFailed
)

// Issue severities.
const (
	SeverityCritical = types.SeverityCritical
	SeverityWarning  = types.SeverityWarning
	SeverityInfo     = types.SeverityInfo
)

// Crawler is the high-level API for running single-site SEO crawls.
type Crawler struct {
	cfg           *config.Config
	logger        *slog.Logger
	output        string
	checkpointDir string

	mu         sync.Mutex
	pageCBs    []func(*Page)
	progressCB []func(Progress)
	token      *engine.CancelToken
}

// Option configures a Crawler.
type Option func(c *Crawler)

// WithMaxPages caps the number of pages crawled.
func WithMaxPages(n int) Option {
	return func(c *Crawler) {
		c.cfg.Crawl.MaxPages = n
	}
}

// WithMaxDepth sets the maximum link depth from the seed.
func WithMaxDepth(d int) Option {
	return func(c *Crawler) {
		c.cfg.Crawl.MaxDepth = d
	}
}

// WithDelay sets the delay between requests. Values below one second are
// raised to the politeness floor.
func WithDelay(d time.Duration) Option {
	return func(c *Crawler) {
		c.cfg.Crawl.RequestDelayMs = int(d / time.Millisecond)
	}
}

// WithUserAgent sets the User-Agent sent with every request.
func WithUserAgent(ua string) Option {
	return func(c *Crawler) {
		c.cfg.Crawl.UserAgent = ua
	}
}

// WithSitemap toggles sitemap discovery.
func WithSitemap(enabled bool) Option {
	return func(c *Crawler) {
		c.cfg.Crawl.UseSitemap = enabled
	}
}

// WithRender fetches pages through headless Chrome.
func WithRender(enabled bool) Option {
	return func(c *Crawler) {
		c.cfg.Crawl.Render = enabled
	}
}

// WithPatterns restricts the crawl to URLs matching include and never
// matching exclude.
func WithPatterns(include, exclude []string) Option {
	return func(c *Crawler) {
		c.cfg.Crawl.IncludePatterns = include
		c.cfg.Crawl.ExcludePatterns = exclude
	}
}

// WithRetries sets the retry count for failed requests.
func WithRetries(n int) Option {
	return func(c *Crawler) {
		c.cfg.Crawl.MaxRetries = n
	}
}

// WithOutput writes pages to path. The extension selects json, jsonl, csv
// or md.
func WithOutput(path string) Option {
	return func(c *Crawler) {
		c.output = path
	}
}

// WithCheckpointDir makes interrupted crawls resumable from dir.
func WithCheckpointDir(dir string) Option {
	return func(c *Crawler) {
		c.checkpointDir = dir
	}
}

// WithLogger replaces the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Crawler) {
		c.logger = logger
	}
}

// WithConfig starts from cfg instead of the defaults.
func WithConfig(cfg *config.Config) Option {
	return func(c *Crawler) {
		if cfg != nil {
			copied := *cfg
			c.cfg = &copied
		}
	}
}

// NewCrawler creates a new Crawler with the given options.
func NewCrawler(opts ...Option) *Crawler {
	c := &Crawler{cfg: config.DefaultConfig()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnPage registers a callback for every crawled page. Callbacks run on the
// crawl goroutine.
func (c *Crawler) OnPage(cb func(*Page)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pageCBs = append(c.pageCBs, cb)
}

// OnProgress registers a callback for progress updates.
func (c *Crawler) OnProgress(cb func(Progress)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.progressCB = append(c.progressCB, cb)
}

// Crawl runs one crawl from seedURL to completion. The returned error is set
// when the crawl could not start or failed; a cancelled crawl returns its
// partial result and a nil error.
func (c *Crawler) Crawl(ctx context.Context, seedURL string) (*Result, error) {
	c.mu.Lock()
	if c.token != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("crawl already in progress")
	}
	token := engine.NewCancelToken()
	c.token = token
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.token = nil
		c.mu.Unlock()
	}()

	cfg := *c.cfg
	cfg.Crawl.SeedURL = seedURL

	logger, closer, err := c.setupLogger(&cfg)
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	format := ""
	var sink storage.Sink
	if c.output != "" {
		format, err = storage.FormatForPath(c.output)
		if err != nil {
			return nil, err
		}
		if format != "markdown" {
			sink, err = storage.NewFileSink(format, c.output, logger)
			if err != nil {
				return nil, fmt.Errorf("create output: %w", err)
			}
		}
	}

	opts := engine.Options{
		JobID:  "sdk",
		Job:    cfg.Crawl,
		Config: &cfg,
		Logger: logger,
	}
	if sink != nil {
		opts.Sink = sink
	}
	if c.checkpointDir != "" {
		opts.Checkpoints = engine.NewFileCheckpointStore(c.checkpointDir)
	}

	if ctx.Err() != nil {
		token.Cancel()
	}
	stop := context.AfterFunc(ctx, token.Cancel)
	defer stop()

	res := engine.New(opts).Run(context.WithoutCancel(ctx), token, c.observe)

	if sink != nil {
		if err := sink.Close(); err != nil {
			logger.Error("close output failed", "error", err)
		}
	}
	if format == "markdown" {
		if err := report.WriteFile(c.output, seedURL, res); err != nil {
			return res, err
		}
	}

	if res.State == engine.StateFailed {
		return res, res.Err
	}
	return res, nil
}

// Stop ends the running crawl after the current page.
func (c *Crawler) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != nil {
		c.token.Cancel()
	}
}

func (c *Crawler) observe(ev engine.Event) {
	c.mu.Lock()
	pageCBs := c.pageCBs
	progressCBs := c.progressCB
	c.mu.Unlock()

	switch ev.Kind {
	case engine.EventPage:
		for _, cb := range pageCBs {
			cb(ev.Page)
		}
	case engine.EventProgress:
		for _, cb := range progressCBs {
			cb(ev.Progress)
		}
	}
}

func (c *Crawler) setupLogger(cfg *config.Config) (*slog.Logger, io.Closer, error) {
	if c.logger != nil {
		return c.logger, io.NopCloser(nil), nil
	}
	logger, closer, err := observability.NewLogger(cfg.Logging, false)
	if err != nil {
		return nil, nil, fmt.Errorf("setup logger: %w", err)
	}
	return logger, closer, nil
}

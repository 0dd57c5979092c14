package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/IshaanNene/seocrawl/internal/config"
	"github.com/IshaanNene/seocrawl/internal/engine"
	"github.com/IshaanNene/seocrawl/internal/observability"
	"github.com/IshaanNene/seocrawl/internal/report"
	"github.com/IshaanNene/seocrawl/internal/storage"
	"github.com/IshaanNene/seocrawl/internal/urlnorm"
)

var (
	outputPath      string
	maxPages        int
	depth           int
	delayMs         int
	userAgent       string
	noSitemap       bool
	render          bool
	maxRetries      int
	includePatterns []string
	excludePatterns []string
	checkpointDir   string
	mirrorMongo     bool
)

// crawlCmd creates the "crawl" subcommand.
func crawlCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl [url]",
		Short: "Crawl a site and write an SEO audit",
		Long: `Crawl the site rooted at the given URL and write one record per page.

The output format follows the file extension: .json, .jsonl, .csv or .md
(Markdown report). The exit status is 0 on success, 1 when any page has a
critical SEO issue, and 2 when the crawl fails.

Interrupting with Ctrl-C stops after the current page. With --checkpoint-dir
the crawl state is saved and the same command resumes it.`,
		Args: cobra.ExactArgs(1),
		RunE: runCrawl,
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file; extension selects json, jsonl, csv or md")
	cmd.Flags().IntVarP(&maxPages, "max-pages", "m", 0, "maximum pages to crawl (default from config)")
	cmd.Flags().IntVarP(&depth, "depth", "d", -1, "maximum link depth from the seed (default from config)")
	cmd.Flags().IntVar(&delayMs, "delay-ms", 0, "delay between requests in ms (floor 1000)")
	cmd.Flags().StringVar(&userAgent, "user-agent", "", "User-Agent string")
	cmd.Flags().BoolVar(&noSitemap, "no-sitemap", false, "skip sitemap discovery")
	cmd.Flags().BoolVar(&render, "render", false, "render pages in headless Chrome")
	cmd.Flags().IntVar(&maxRetries, "max-retries", -1, "retries per failed request (default from config)")
	cmd.Flags().StringSliceVar(&includePatterns, "include", nil, "only crawl URLs matching these regexes")
	cmd.Flags().StringSliceVar(&excludePatterns, "exclude", nil, "never crawl URLs matching these regexes")
	cmd.Flags().StringVar(&checkpointDir, "checkpoint-dir", "", "directory for resumable crawl state")
	cmd.Flags().BoolVar(&mirrorMongo, "mongo", false, "also write pages to MongoDB (storage.mongo_uri)")

	return cmd
}

// applyCLIOverrides applies command-line flag values to the config.
func applyCLIOverrides(cfg *config.Config, seedURL string) {
	cfg.Crawl.SeedURL = seedURL
	if maxPages > 0 {
		cfg.Crawl.MaxPages = maxPages
	}
	if depth >= 0 {
		cfg.Crawl.MaxDepth = depth
	}
	if delayMs > 0 {
		cfg.Crawl.RequestDelayMs = delayMs
	}
	if userAgent != "" {
		cfg.Crawl.UserAgent = userAgent
	}
	if noSitemap {
		cfg.Crawl.UseSitemap = false
	}
	if render {
		cfg.Crawl.Render = true
	}
	if maxRetries >= 0 {
		cfg.Crawl.MaxRetries = maxRetries
	}
	if len(includePatterns) > 0 {
		cfg.Crawl.IncludePatterns = includePatterns
	}
	if len(excludePatterns) > 0 {
		cfg.Crawl.ExcludePatterns = excludePatterns
	}
	if outputPath != "" {
		cfg.Storage.OutputPath = outputPath
	}
}

// crawlJobID names a CLI crawl after its host so a rerun finds its
// checkpoint.
func crawlJobID(seedURL string) string {
	u, err := url.Parse(seedURL)
	if err != nil || u.Host == "" {
		return "cli"
	}
	return "cli-" + urlnorm.HostKey(u.Hostname())
}

// runCrawl executes the crawl command.
func runCrawl(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return &exitError{code: exitFailure, err: err}
	}
	applyCLIOverrides(cfg, args[0])

	logger, closer, err := setupLogger(cfg)
	if err != nil {
		return &exitError{code: exitFailure, err: err}
	}
	defer closer.Close()

	format, err := storage.FormatForPath(cfg.Storage.OutputPath)
	if err != nil {
		return &exitError{code: exitFailure, err: err}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		metrics = observability.NewMetrics(logger)
		if err := metrics.StartServer(ctx, cfg.Metrics.Port, cfg.Metrics.Path); err != nil {
			logger.Warn("failed to start metrics server", "error", err)
		}
	}

	sink, err := buildCrawlSink(ctx, cfg, format, logger)
	if err != nil {
		return &exitError{code: exitFailure, err: err}
	}

	opts := engine.Options{
		JobID:   crawlJobID(cfg.Crawl.SeedURL),
		Job:     cfg.Crawl,
		Config:  cfg,
		Metrics: metrics,
		Logger:  logger,
	}
	if sink != nil {
		opts.Sink = sink
	}
	if checkpointDir != "" {
		opts.Checkpoints = engine.NewFileCheckpointStore(checkpointDir)
	}

	logger.Info("starting crawl",
		"seed", cfg.Crawl.SeedURL,
		"max_pages", cfg.Crawl.MaxPages,
		"depth", cfg.Crawl.MaxDepth,
		"output", cfg.Storage.OutputPath,
		"format", format,
	)

	// The first signal stops after the current page; the orchestrator's
	// context stays live so partial results are flushed.
	token := engine.NewCancelToken()
	go func() {
		<-ctx.Done()
		logger.Info("received signal, stopping after current page...")
		token.Cancel()
	}()

	orch := engine.New(opts)
	res := orch.Run(context.Background(), token, progressLogger(logger, cfg.Scheduler.ProgressEvery))

	if sink != nil {
		if err := sink.Close(); err != nil {
			logger.Error("close output failed", "error", err)
		}
	}
	if format == "markdown" {
		if err := report.WriteFile(cfg.Storage.OutputPath, cfg.Crawl.SeedURL, res); err != nil {
			return &exitError{code: exitFailure, err: err}
		}
	}

	printSummary(cmd, cfg, res)
	return crawlOutcome(res)
}

func buildCrawlSink(ctx context.Context, cfg *config.Config, format string, logger *slog.Logger) (storage.Sink, error) {
	var sinks []storage.Sink
	if format != "markdown" {
		fileSink, err := storage.NewFileSink(format, cfg.Storage.OutputPath, logger)
		if err != nil {
			return nil, fmt.Errorf("create output: %w", err)
		}
		sinks = append(sinks, fileSink)
	}
	if mirrorMongo {
		if cfg.Storage.MongoURI == "" {
			return nil, fmt.Errorf("--mongo requires storage.mongo_uri")
		}
		mongoSink, err := storage.NewMongoSink(ctx, cfg.Storage.MongoURI, cfg.Storage.MongoDatabase, cfg.Storage.MongoCollection, logger)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, mongoSink)
	}
	switch len(sinks) {
	case 0:
		return nil, nil
	case 1:
		return sinks[0], nil
	default:
		return storage.NewMultiSink(sinks, logger), nil
	}
}

func progressLogger(logger *slog.Logger, every int) engine.Observer {
	if every <= 0 {
		every = 10
	}
	return func(ev engine.Event) {
		if ev.Kind != engine.EventProgress || ev.Progress.Crawled == 0 || ev.Progress.Crawled%every != 0 {
			return
		}
		p := ev.Progress
		logger.Info("progress",
			"crawled", p.Crawled,
			"queued", p.Queued,
			"failed", p.Failed,
			"pages_per_min", fmt.Sprintf("%.1f", p.PagesPerMinute),
			"eta", p.ETA.Round(time.Second),
		)
	}
}

func printSummary(cmd *cobra.Command, cfg *config.Config, res *engine.Result) {
	out := cmd.OutOrStdout()
	elapsed := res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond)
	switch res.State {
	case engine.StateCompleted:
		fmt.Fprintf(out, "\n✅ Crawl complete in %s\n", elapsed)
	case engine.StateCancelled:
		fmt.Fprintf(out, "\n⏸  Crawl stopped after %s\n", elapsed)
	default:
		fmt.Fprintf(out, "\n❌ Crawl failed after %s: %s\n", elapsed, errMessage(res))
	}
	fmt.Fprintf(out, "   Pages:     %d crawled, %d failed, %d skipped\n", res.Progress.Crawled, res.Progress.Failed, res.Progress.Skipped)
	fmt.Fprintf(out, "   Critical:  %d pages with critical issues\n", res.CriticalPages())
	fmt.Fprintf(out, "   Output:    %s\n", cfg.Storage.OutputPath)
	if res.State == engine.StateCancelled && checkpointDir != "" {
		fmt.Fprintf(out, "\n💡 Run the same command again to resume from %s\n", checkpointDir)
	}
}

func errMessage(res *engine.Result) string {
	if res.Err == nil {
		return "unknown error"
	}
	return res.Err.Error()
}

// crawlOutcome maps a result onto the process exit status.
func crawlOutcome(res *engine.Result) error {
	switch {
	case res.State == engine.StateFailed:
		return &exitError{code: exitFailure}
	case res.CriticalPages() > 0:
		return &exitError{code: exitCritical}
	default:
		return nil
	}
}

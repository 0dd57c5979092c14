package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/IshaanNene/seocrawl/internal/config"
	"github.com/IshaanNene/seocrawl/internal/fetcher"
	"github.com/IshaanNene/seocrawl/internal/observability"
	"github.com/IshaanNene/seocrawl/internal/seo"
	"github.com/IshaanNene/seocrawl/internal/types"
)

// Safety-abort reasons.
const (
	AbortConsecutiveFailures = "consecutive_failures"
	AbortErrorRate           = "error_rate"
)

// Skip reasons, reported in skip events and logs.
const (
	skipMaxDepth = "max_depth"
	skipRobots   = "robots"
	skipNotHTML  = "not_html"
)

const defaultCheckpointEvery = 50

// PageSink receives crawled pages in batches.
type PageSink interface {
	SavePages(ctx context.Context, pages []*types.PageRecord) error
}

// Options wires an Orchestrator. Only Job and Logger are required.
type Options struct {
	JobID    string
	TenantID string
	Job      types.JobConfig

	// Config supplies fetcher, robots, sitemap, rate-limit and frontier
	// settings. Nil selects config.DefaultConfig().
	Config *config.Config

	// Fetcher overrides the fetcher built from Job.Render. The orchestrator
	// does not close a fetcher it did not build.
	Fetcher fetcher.Fetcher

	// Client is used for robots.txt and sitemap requests.
	Client *http.Client

	Sink            PageSink
	Checkpoints     CheckpointStore
	CheckpointEvery int
	Metrics         *observability.Metrics
	Logger          *slog.Logger
}

// Result is the outcome of Run.
type Result struct {
	JobID      string
	State      State
	Pages      []*types.PageRecord
	Progress   Progress
	Frontier   FrontierStats
	Sitemap    *seo.SitemapResult
	Resumed    bool
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

// CriticalPages counts pages with at least one critical issue.
func (r *Result) CriticalPages() int {
	n := 0
	for _, p := range r.Pages {
		if p.HasCritical() {
			n++
		}
	}
	return n
}

// Orchestrator drives one crawl: frontier, robots, rate limiting, fetch,
// extraction and link feedback. A single job never fetches concurrently.
type Orchestrator struct {
	opts    Options
	cfg     *config.Config
	logger  *slog.Logger
	metrics *observability.Metrics

	frontier    *Frontier
	robots      *Robots
	limiter     *RateLimiter
	fetcher     fetcher.Fetcher
	ownsFetcher bool
	extractor   *seo.Extractor
	checkpoints *CheckpointManager
	observer    Observer

	job types.JobConfig

	mu            sync.Mutex
	state         State
	counters      CheckpointCounters
	currentURL    string
	crawlStart    time.Time
	crawledBefore int
	processed     int

	pending     []*types.PageRecord
	pages       []*types.PageRecord
	sinceCP     int
	stepFetched bool

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an Orchestrator. Configuration errors surface from Run.
func New(opts Options) *Orchestrator {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "orchestrator")
	if opts.JobID != "" {
		logger = logger.With("job_id", opts.JobID)
	}
	if opts.CheckpointEvery <= 0 {
		opts.CheckpointEvery = defaultCheckpointEvery
	}

	o := &Orchestrator{
		opts:      opts,
		cfg:       cfg,
		logger:    logger,
		metrics:   opts.Metrics,
		fetcher:   opts.Fetcher,
		extractor: seo.NewExtractor(logger),
		state:     StateNotStarted,
		now:       time.Now,
	}
	if opts.Checkpoints != nil && opts.JobID != "" {
		o.checkpoints = NewCheckpointManager(opts.Checkpoints, opts.JobID)
	}
	return o
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Run executes the crawl to a terminal state. token may be nil. observer may
// be nil. Run can be called once.
func (o *Orchestrator) Run(ctx context.Context, token *CancelToken, observer Observer) *Result {
	if token == nil {
		token = NewCancelToken()
	}
	o.observer = observer
	res := &Result{JobID: o.opts.JobID, StartedAt: o.now()}

	if !o.transition(StateInitializing) {
		res.State = o.State()
		res.Err = errors.New("orchestrator has already run")
		return res
	}
	o.metrics.CrawlStarted()
	defer o.metrics.CrawlStopped()

	if err := o.initialize(ctx, res); err != nil {
		return o.finish(ctx, res, StateFailed, err)
	}
	if token.Cancelled() || ctx.Err() != nil {
		return o.finish(ctx, res, StateCancelled, types.ErrCrawlStopped)
	}

	o.transition(StateCrawling)
	state, err := o.crawl(ctx, token)
	return o.finish(ctx, res, state, err)
}

// initialize validates the job, fetches robots.txt and seeds the frontier,
// from a checkpoint when one exists.
func (o *Orchestrator) initialize(ctx context.Context, res *Result) error {
	job, err := config.ResolveJobConfig(o.opts.Job, o.cfg.Crawl, true)
	if err != nil {
		return err
	}
	o.job = job

	privatePaths := o.cfg.Frontier.PrivatePaths
	if len(privatePaths) == 0 {
		privatePaths = nil
	}
	trackingParams := o.cfg.Frontier.TrackingParams
	if len(trackingParams) == 0 {
		trackingParams = nil
	}
	o.frontier, err = NewFrontier(FrontierOptions{
		SeedURL:         job.SeedURL,
		TrackingParams:  trackingParams,
		PrivatePaths:    privatePaths,
		IncludePatterns: job.IncludePatterns,
		ExcludePatterns: job.ExcludePatterns,
	})
	if err != nil {
		return err
	}

	if o.fetcher == nil {
		f, err := fetcher.New(job, o.cfg.Fetcher, o.logger)
		if err != nil {
			return fmt.Errorf("create fetcher: %w", err)
		}
		o.fetcher = f
		o.ownsFetcher = true
	}

	o.limiter = NewRateLimiter(job.RequestDelay(), o.cfg.RateLimit)
	if o.sleep != nil {
		o.limiter.sleep = o.sleep
	}

	o.robots, err = NewRobots(job.SeedURL, o.opts.Client, o.cfg.Robots, o.logger)
	if err != nil {
		return &types.ConfigError{Field: "seed_url", Reason: err.Error()}
	}
	// A failed fetch installs the restrictive ruleset; the crawl continues.
	_, _ = o.robots.Fetch(ctx, job.UserAgent)
	o.limiter.SetMinDelayFromRobots(o.robots.GetCrawlDelay())

	if o.checkpoints != nil {
		counters, ok, err := o.checkpoints.Load(ctx, o.frontier)
		if err != nil {
			o.logger.Warn("ignoring unreadable checkpoint", "error", err)
		}
		if ok {
			o.mu.Lock()
			o.counters = counters
			o.mu.Unlock()
			res.Resumed = true
			o.logger.Info("resumed from checkpoint",
				"pending", o.frontier.Len(),
				"crawled", counters.Crawled,
			)
			return nil
		}
	}

	o.frontier.AddSeed(job.SeedURL)
	if job.UseSitemap {
		res.Sitemap = o.seedFromSitemaps(ctx)
	}
	return nil
}

func (o *Orchestrator) seedFromSitemaps(ctx context.Context) *seo.SitemapResult {
	u, _ := url.Parse(o.job.SeedURL)
	origin := u.Scheme + "://" + u.Host

	locations := seo.DiscoverSitemapLocations(origin, o.robots.GetSitemaps())
	crawler := seo.NewSitemapCrawler(o.opts.Client, o.cfg.Sitemap, o.job.UserAgent, o.logger)
	result := crawler.ParseAll(ctx, locations)

	added := 0
	for _, su := range result.URLs {
		if o.frontier.AddSitemapURL(su.Loc, su.Priority) {
			added++
		}
	}
	o.logger.Info("frontier seeded from sitemaps",
		"sitemaps", result.SitemapCount,
		"listed", len(result.URLs),
		"queued", added,
		"errors", len(result.Errors),
	)
	return result
}

// crawl is the main loop. Cancellation is checked once per iteration.
func (o *Orchestrator) crawl(ctx context.Context, token *CancelToken) (State, error) {
	o.mu.Lock()
	o.crawlStart = o.now()
	o.crawledBefore = o.counters.Crawled
	o.mu.Unlock()

	for {
		if token.Cancelled() || ctx.Err() != nil {
			return StateCancelled, types.ErrCrawlStopped
		}
		if o.crawled() >= o.job.MaxPages {
			o.logger.Info("page budget reached", "max_pages", o.job.MaxPages)
			return StateCompleted, nil
		}

		entry, ok := o.frontier.Next()
		if !ok {
			return StateCompleted, nil
		}

		if err := o.step(ctx, entry); err != nil {
			return StateCancelled, types.ErrCrawlStopped
		}

		if abort := o.checkSafety(); abort != nil {
			o.logger.Warn("safety abort", "reason", abort.Reason, "attempts", abort.Attempts, "failed", abort.Failed)
			o.metrics.SafetyAbort(abort.Reason)
			return StateFailed, abort
		}

		o.metrics.SetFrontierSize(o.frontier.Len())
		o.emit(Event{Kind: EventProgress, Progress: o.Progress(), URL: entry.URL})
		o.maybeCheckpoint(ctx)
	}
}

// step processes one entry. A panic is converted into a page failure so the
// loop keeps running. The only error returned is context cancellation.
func (o *Orchestrator) step(ctx context.Context, entry types.FrontierEntry) (err error) {
	o.mu.Lock()
	o.currentURL = entry.URL
	o.processed++
	o.mu.Unlock()
	o.stepFetched = false

	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("page processing panicked", "url", entry.URL, "panic", r)
			if !o.stepFetched {
				o.mu.Lock()
				o.counters.Attempts++
				o.mu.Unlock()
			}
			o.recordFailure(entry.URL, fmt.Errorf("internal error processing page: %v", r))
			err = nil
		}
	}()
	return o.process(ctx, entry)
}

func (o *Orchestrator) process(ctx context.Context, entry types.FrontierEntry) error {
	if entry.Depth > o.job.MaxDepth {
		o.skip(entry.URL, skipMaxDepth)
		return nil
	}
	if !o.robots.IsAllowed(entry.URL, o.job.UserAgent) {
		o.skip(entry.URL, skipRobots)
		return nil
	}
	if err := o.limiter.Wait(ctx); err != nil {
		return err
	}

	o.mu.Lock()
	o.counters.Attempts++
	o.mu.Unlock()
	o.stepFetched = true

	res := o.fetcher.Fetch(ctx, entry.URL)
	o.metrics.ObserveFetch(res.ResponseTime)

	if res.Err != nil {
		o.limiter.ReportFailure()
		o.recordFailure(entry.URL, res.Err)
		return nil
	}
	o.limiter.ReportSuccess()
	o.mu.Lock()
	o.counters.Consecutive = 0
	o.mu.Unlock()

	if res.FinalURL != "" && res.FinalURL != entry.URL {
		o.frontier.MarkSeen(res.FinalURL)
	}
	if !res.IsHTML() {
		o.skip(entry.URL, skipNotHTML)
		return nil
	}

	rec, links := o.extractor.Analyze(res, entry.Depth)
	rec.URL = entry.URL
	rec.TenantID = o.opts.TenantID
	rec.JobID = o.opts.JobID
	rec.Source = entry.Source

	if entry.Depth < o.job.MaxDepth {
		for _, link := range links.Internal {
			o.frontier.Add(link, types.SourceDiscovered, entry.Depth+1, entry.URL)
		}
	}

	o.mu.Lock()
	o.counters.Crawled++
	o.mu.Unlock()
	o.pages = append(o.pages, rec)
	o.pending = append(o.pending, rec)
	o.sinceCP++
	o.metrics.PageCrawled(observability.OutcomeCrawled)

	o.logger.Debug("page crawled",
		"url", entry.URL,
		"status", rec.StatusCode,
		"depth", entry.Depth,
		"issues", len(rec.Issues),
		"links", len(links.Internal),
	)
	o.emit(Event{Kind: EventPage, Page: rec, URL: entry.URL})

	if len(o.pending) >= o.batchSize() {
		o.flush(ctx)
	}
	return nil
}

func (o *Orchestrator) skip(rawURL, reason string) {
	o.mu.Lock()
	o.counters.Skipped++
	o.mu.Unlock()
	o.metrics.PageCrawled(observability.OutcomeSkipped)
	o.logger.Debug("url skipped", "url", rawURL, "reason", reason)
	o.emit(Event{Kind: EventSkip, URL: rawURL, Reason: reason})
}

func (o *Orchestrator) recordFailure(rawURL string, err error) {
	o.mu.Lock()
	o.counters.Failed++
	o.counters.Consecutive++
	o.mu.Unlock()
	o.metrics.PageCrawled(observability.OutcomeFailed)
	o.logger.Warn("page failed", "url", rawURL, "error", err)
	o.emit(Event{Kind: EventError, URL: rawURL, Err: err})
}

func (o *Orchestrator) crawled() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.counters.Crawled
}

// checkSafety evaluates the circuit breaker. The error-rate rule only
// applies once more than MinPagesForErrorCheck fetches were attempted.
func (o *Orchestrator) checkSafety() *types.AbortError {
	o.mu.Lock()
	c := o.counters
	o.mu.Unlock()

	abort := &types.AbortError{Consecutive: c.Consecutive, Attempts: c.Attempts, Failed: c.Failed}
	if c.Consecutive >= o.job.MaxConsecutiveFailures {
		abort.Reason = AbortConsecutiveFailures
		return abort
	}
	if c.Attempts > o.job.MinPagesForErrorCheck &&
		float64(c.Failed)/float64(c.Attempts) > o.job.MaxErrorRate {
		abort.Reason = AbortErrorRate
		return abort
	}
	return nil
}

// Progress returns the current counters with rate and ETA. The ETA is the
// observed time per processed entry times the work left, bounded by the
// remaining page budget.
func (o *Orchestrator) Progress() Progress {
	o.mu.Lock()
	defer o.mu.Unlock()

	p := Progress{
		State:      o.state,
		Crawled:    o.counters.Crawled,
		Failed:     o.counters.Failed,
		Skipped:    o.counters.Skipped,
		CurrentURL: o.currentURL,
	}
	if o.frontier == nil || o.crawlStart.IsZero() {
		return p
	}

	fs := o.frontier.Stats()
	p.Discovered = fs.TotalQueued
	p.Queued = fs.Pending
	p.Skipped += fs.Skipped
	p.Elapsed = o.now().Sub(o.crawlStart)

	if minutes := p.Elapsed.Minutes(); minutes > 0 {
		p.PagesPerMinute = float64(o.counters.Crawled-o.crawledBefore) / minutes
	}
	if o.processed > 0 {
		perEntry := p.Elapsed / time.Duration(o.processed)
		remaining := min(fs.Pending, max(o.job.MaxPages-o.counters.Crawled, 0))
		p.ETA = perEntry * time.Duration(remaining)
	}
	return p
}

func (o *Orchestrator) batchSize() int {
	if o.cfg.Storage.BatchSize > 0 {
		return o.cfg.Storage.BatchSize
	}
	return 25
}

// flush hands pending pages to the sink. A sink failure is reported but does
// not stop the crawl.
func (o *Orchestrator) flush(ctx context.Context) {
	if len(o.pending) == 0 {
		return
	}
	if o.opts.Sink == nil {
		o.pending = o.pending[:0]
		return
	}
	batch := o.pending
	o.pending = nil
	if err := o.opts.Sink.SavePages(ctx, batch); err != nil {
		o.logger.Error("saving pages failed", "pages", len(batch), "error", err)
		o.emit(Event{Kind: EventError, Err: err})
	}
}

func (o *Orchestrator) maybeCheckpoint(ctx context.Context) {
	if o.checkpoints == nil || o.sinceCP < o.opts.CheckpointEvery {
		return
	}
	o.saveCheckpoint(ctx)
}

func (o *Orchestrator) saveCheckpoint(ctx context.Context) {
	o.flush(ctx)
	o.mu.Lock()
	c := o.counters
	o.mu.Unlock()
	if err := o.checkpoints.Save(ctx, o.frontier, c); err != nil {
		o.logger.Warn("checkpoint save failed", "error", err)
		return
	}
	o.sinceCP = 0
	o.logger.Debug("checkpoint saved", "pending", o.frontier.Len())
}

// finish persists what was crawled, settles the checkpoint and records the
// terminal state. Cancelled crawls keep a checkpoint so they can resume.
func (o *Orchestrator) finish(ctx context.Context, res *Result, state State, err error) *Result {
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	o.flush(persistCtx)
	if o.checkpoints != nil && o.frontier != nil {
		if state == StateCancelled {
			o.saveCheckpoint(persistCtx)
		} else if cerr := o.checkpoints.Clean(persistCtx); cerr != nil {
			o.logger.Warn("checkpoint cleanup failed", "error", cerr)
		}
	}
	if o.ownsFetcher && o.fetcher != nil {
		_ = o.fetcher.Close()
	}

	o.transition(state)

	res.State = state
	res.Err = err
	res.Pages = o.pages
	res.Progress = o.Progress()
	if o.frontier != nil {
		res.Frontier = o.frontier.Stats()
		o.metrics.SetFrontierSize(res.Frontier.Pending)
	}
	res.FinishedAt = o.now()

	attrs := []any{
		"state", state,
		"crawled", res.Progress.Crawled,
		"failed", res.Progress.Failed,
		"skipped", res.Progress.Skipped,
		"duration", res.FinishedAt.Sub(res.StartedAt),
	}
	if err != nil && state != StateCancelled {
		o.logger.Error("crawl finished", append(attrs, "error", err)...)
		o.emit(Event{Kind: EventError, Err: err})
	} else {
		o.logger.Info("crawl finished", attrs...)
	}
	return res
}

func (o *Orchestrator) transition(next State) bool {
	o.mu.Lock()
	if !o.state.canTransition(next) {
		o.mu.Unlock()
		return false
	}
	o.state = next
	o.mu.Unlock()

	o.emit(Event{Kind: EventState, State: next})
	return true
}

func (o *Orchestrator) emit(ev Event) {
	if o.observer == nil {
		return
	}
	if ev.State == "" {
		ev.State = o.State()
	}
	o.observer(ev)
}

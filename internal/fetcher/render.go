package fetcher

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/IshaanNene/seocrawl/internal/config"
	"github.com/IshaanNene/seocrawl/internal/types"
)

// RenderFetcher implements Fetcher using a headless browser via Rod. Each
// fetch runs in a fresh incognito context so no cookies carry over.
type RenderFetcher struct {
	cfg       config.FetcherConfig
	userAgent string
	timeout   time.Duration
	logger    *slog.Logger

	mu      sync.Mutex
	browser *rod.Browser
}

// NewRenderFetcher creates a headless browser fetcher. The browser is
// launched on first use.
func NewRenderFetcher(job types.JobConfig, cfg config.FetcherConfig, logger *slog.Logger) (*RenderFetcher, error) {
	ua := job.UserAgent
	if ua == "" {
		ua = config.DefaultUserAgent()
	}
	timeout := job.Timeout()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RenderFetcher{
		cfg:       cfg,
		userAgent: ua,
		timeout:   timeout,
		logger:    logger.With("component", "render_fetcher"),
	}, nil
}

// launchBrowser starts a Chromium instance with appropriate flags.
func (rf *RenderFetcher) launchBrowser() (*rod.Browser, error) {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.browser != nil {
		return rf.browser, nil
	}

	controlURL, err := launcher.New().
		Headless(true).
		Set("disable-gpu").
		Set("disable-dev-shm-usage").
		Set("no-sandbox").
		Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	rf.browser = browser
	rf.logger.Info("browser fetcher ready")
	return browser, nil
}

// Fetch navigates to a URL and returns the rendered document.
func (rf *RenderFetcher) Fetch(ctx context.Context, rawURL string) *types.FetchResult {
	start := time.Now()
	res, err := rf.render(ctx, rawURL)
	if err != nil {
		res = &types.FetchResult{
			RequestedURL: rawURL,
			FinalURL:     rawURL,
			Err:          &types.FetchError{URL: rawURL, Err: err, Retryable: true},
		}
	}
	res.ResponseTime = time.Since(start)
	res.FetchedAt = time.Now()
	res.Attempts = 1

	rf.logger.Debug("render fetch complete",
		"url", rawURL,
		"final_url", res.FinalURL,
		"status", res.StatusCode,
		"size", len(res.Body),
		"duration", res.ResponseTime,
		"error", err,
	)
	return res
}

func (rf *RenderFetcher) render(ctx context.Context, rawURL string) (*types.FetchResult, error) {
	browser, err := rf.launchBrowser()
	if err != nil {
		return nil, err
	}

	incognito, err := browser.Incognito()
	if err != nil {
		return nil, fmt.Errorf("incognito context: %w", err)
	}
	defer incognito.Close()

	page, err := incognito.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("open page: %w", err)
	}
	defer page.Close()

	page = page.Context(ctx).Timeout(rf.timeout)

	if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: rf.userAgent}); err != nil {
		return nil, fmt.Errorf("set user agent: %w", err)
	}
	if err := (proto.NetworkEnable{}).Call(page); err != nil {
		return nil, fmt.Errorf("enable network events: %w", err)
	}

	var (
		status   int
		mimeType string
	)
	waitDocument := page.EachEvent(func(e *proto.NetworkResponseReceived) bool {
		if e.Type != proto.NetworkResourceTypeDocument {
			return false
		}
		status = e.Response.Status
		mimeType = e.Response.MIMEType
		return true
	})

	if err := page.Navigate(rawURL); err != nil {
		return nil, fmt.Errorf("navigate: %w", err)
	}
	waitDocument()

	if err := page.WaitStable(rf.cfg.RenderWaitStable); err != nil {
		rf.logger.Warn("page stability timeout, continuing", "url", rawURL, "error", err)
	}

	html, err := page.HTML()
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}

	finalURL := rawURL
	if info, err := page.Info(); err == nil && info != nil {
		finalURL = info.URL
	}
	if status == 0 {
		status = http.StatusOK
	}
	if mimeType == "" {
		mimeType = "text/html"
	}

	res := &types.FetchResult{
		RequestedURL: rawURL,
		FinalURL:     finalURL,
		StatusCode:   status,
		Body:         []byte(html),
		Headers:      http.Header{"Content-Type": []string{mimeType}},
		ContentType:  mimeType,
	}
	if finalURL != rawURL {
		res.RedirectChain = []string{rawURL}
	}
	return res, nil
}

// Close shuts down the browser and releases resources.
func (rf *RenderFetcher) Close() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if rf.browser == nil {
		return nil
	}
	err := rf.browser.Close()
	rf.browser = nil
	return err
}

// Type returns the fetcher type identifier.
func (rf *RenderFetcher) Type() string {
	return "render"
}

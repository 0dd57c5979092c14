package fetcher

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"golang.org/x/net/html/charset"

	"github.com/IshaanNene/seocrawl/internal/config"
	"github.com/IshaanNene/seocrawl/internal/types"
)

// maxRetryAfter caps how long a 429 Retry-After can stall a crawl.
const maxRetryAfter = 2 * time.Minute

// HTTPFetcher implements Fetcher using net/http.
type HTTPFetcher struct {
	client     *http.Client
	cfg        config.FetcherConfig
	userAgent  string
	timeout    time.Duration
	maxRetries int
	logger     *slog.Logger
}

// NewHTTPFetcher creates a new HTTP fetcher. The client has no cookie jar.
func NewHTTPFetcher(job types.JobConfig, cfg config.FetcherConfig, logger *slog.Logger) *HTTPFetcher {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: max(cfg.MaxIdleConns/2, 1),
		IdleConnTimeout:     cfg.IdleConnTimeout,
		TLSHandshakeTimeout: 10 * time.Second,
		DisableCompression:  true, // decompressed in readBody, including brotli
	}

	maxRedirects := cfg.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = 10
	}

	client := &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			// Redirects must never carry credentials to another host.
			req.Header.Del("Authorization")
			req.Header.Del("Cookie")
			return nil
		},
	}

	return NewHTTPFetcherWithClient(client, job, cfg, logger)
}

// NewHTTPFetcherWithClient creates an HTTP fetcher around an existing client.
// Any cookie jar on the client is removed.
func NewHTTPFetcherWithClient(client *http.Client, job types.JobConfig, cfg config.FetcherConfig, logger *slog.Logger) *HTTPFetcher {
	client.Jar = nil
	ua := job.UserAgent
	if ua == "" {
		ua = config.DefaultUserAgent()
	}
	timeout := job.Timeout()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPFetcher{
		client:     client,
		cfg:        cfg,
		userAgent:  ua,
		timeout:    timeout,
		maxRetries: max(job.MaxRetries, 0),
		logger:     logger.With("component", "http_fetcher"),
	}
}

// attempt is the outcome of a single request.
type attempt struct {
	result     *types.FetchResult
	retryable  bool
	retryAfter time.Duration
}

// Fetch issues a GET for rawURL, retrying transient failures with a delay
// that grows linearly with the attempt number.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) *types.FetchResult {
	var last *attempt
	attempts := 0

	policy := retrypolicy.NewBuilder[*attempt]().
		WithMaxRetries(f.maxRetries).
		WithDelayFunc(func(exec failsafe.ExecutionAttempt[*attempt]) time.Duration {
			if a := exec.LastResult(); a != nil && a.retryAfter > 0 {
				return a.retryAfter
			}
			return f.cfg.RetryDelay * time.Duration(exec.Attempts())
		}).
		HandleIf(func(a *attempt, err error) bool {
			return err == nil && a != nil && a.retryable && ctx.Err() == nil
		}).
		Build()

	_, _ = failsafe.With(policy).WithContext(ctx).Get(func() (*attempt, error) {
		attempts++
		last = f.do(ctx, rawURL, attempts)
		return last, nil
	})

	if last == nil {
		// The context was done before the first attempt.
		last = &attempt{result: f.failed(rawURL, 0, &types.FetchError{URL: rawURL, Err: ctx.Err()})}
	}

	res := last.result
	res.Attempts = attempts
	if last.retryable && res.Err != nil && attempts > f.maxRetries {
		res.Err = fmt.Errorf("%w after %d attempts: %w", types.ErrMaxRetries, attempts, res.Err)
	}
	return res
}

// do performs one request and classifies the outcome.
func (f *HTTPFetcher) do(ctx context.Context, rawURL string, n int) *attempt {
	attemptCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return &attempt{result: f.failed(rawURL, 0, &types.FetchError{URL: rawURL, Err: err})}
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		duration := time.Since(start)
		retryable := isRetryableError(ctx, err)
		fetchErr := &types.FetchError{URL: rawURL, Err: err, Retryable: retryable}
		if isTimeout(err) {
			fetchErr.Err = fmt.Errorf("%w: %v", types.ErrTimeout, err)
		}
		f.logger.Debug("fetch attempt failed",
			"url", rawURL,
			"attempt", n,
			"duration", duration,
			"retryable", retryable,
			"error", err,
		)
		res := f.failed(rawURL, 0, fetchErr)
		res.ResponseTime = duration
		return &attempt{result: res, retryable: retryable}
	}
	defer resp.Body.Close()

	contentType := resp.Header.Get("Content-Type")
	body, truncated, readErr := f.readBody(resp, contentType)
	duration := time.Since(start)
	if contentType == "" && len(body) > 0 {
		contentType = http.DetectContentType(body)
	}

	res := &types.FetchResult{
		RequestedURL:  rawURL,
		FinalURL:      resp.Request.URL.String(),
		StatusCode:    resp.StatusCode,
		Body:          body,
		Headers:       resp.Header,
		ResponseTime:  duration,
		ContentType:   contentType,
		RedirectChain: redirectChain(resp),
		Truncated:     truncated,
		FetchedAt:     time.Now(),
	}

	a := &attempt{result: res}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		a.retryable = true
		a.retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		res.Err = &types.FetchError{
			URL:        rawURL,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("HTTP 429: rate limited (retry after %s)", a.retryAfter),
			Retryable:  true,
			RetryAfter: a.retryAfter,
		}
	case resp.StatusCode >= 500:
		a.retryable = true
		res.Err = &types.FetchError{
			URL:        rawURL,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("HTTP %d", resp.StatusCode),
			Retryable:  true,
		}
	case readErr != nil:
		a.retryable = isRetryableError(ctx, readErr)
		res.Err = &types.FetchError{URL: rawURL, StatusCode: resp.StatusCode, Err: readErr, Retryable: a.retryable}
	}

	f.logger.Debug("fetch attempt complete",
		"url", rawURL,
		"attempt", n,
		"status", resp.StatusCode,
		"size", len(body),
		"truncated", truncated,
		"duration", duration,
	)
	return a
}

// failed builds the synthetic result returned when no response arrived.
func (f *HTTPFetcher) failed(rawURL string, status int, err error) *types.FetchResult {
	return &types.FetchResult{
		RequestedURL: rawURL,
		FinalURL:     rawURL,
		StatusCode:   status,
		FetchedAt:    time.Now(),
		Err:          err,
	}
}

// readBody decompresses the body and enforces the size limit for its
// content type. HTML is converted to UTF-8.
func (f *HTTPFetcher) readBody(resp *http.Response, contentType string) ([]byte, bool, error) {
	isHTML := types.IsHTMLContentType(contentType)
	limit := f.cfg.MaxBodySize
	if !isHTML && f.cfg.MaxNonHTMLBodySize > 0 {
		limit = f.cfg.MaxNonHTMLBodySize
	}

	reader, err := decompressReader(resp.Header.Get("Content-Encoding"), resp.Body)
	if err != nil {
		return nil, false, err
	}
	if isHTML {
		if r, err := charset.NewReader(reader, contentType); err == nil {
			reader = r
		}
	}

	if limit <= 0 {
		body, err := io.ReadAll(reader)
		return body, false, err
	}
	body, err := io.ReadAll(io.LimitReader(reader, limit+1))
	if int64(len(body)) > limit {
		return body[:limit], true, err
	}
	return body, false, err
}

// Close releases resources.
func (f *HTTPFetcher) Close() error {
	f.client.CloseIdleConnections()
	return nil
}

// Type returns the fetcher type identifier.
func (f *HTTPFetcher) Type() string {
	return "http"
}

// redirectChain lists the URLs that redirected to the final response, in
// request order.
func redirectChain(resp *http.Response) []string {
	var chain []string
	for r := resp.Request.Response; r != nil; r = r.Request.Response {
		chain = append(chain, r.Request.URL.String())
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

// decompressReader wraps a reader with the appropriate decompressor.
// Handles gzip, deflate, and brotli (br) encodings.
func decompressReader(encoding string, reader io.Reader) (io.Reader, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "gzip", "x-gzip":
		return gzip.NewReader(reader)
	case "deflate":
		return flate.NewReader(reader), nil
	case "br":
		return brotli.NewReader(reader), nil
	default:
		return reader, nil
	}
}

// isRetryableError checks if a network error warrants a retry. A done
// parent context never does.
func isRetryableError(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() != nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if isTimeout(err) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// parseRetryAfter parses the Retry-After header value.
// Supports both integer seconds and HTTP-date formats.
func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 5 * time.Second
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(header)); err == nil {
		return min(time.Duration(secs)*time.Second, maxRetryAfter)
	}
	if t, err := http.ParseTime(header); err == nil {
		d := time.Until(t)
		if d < 0 {
			return time.Second
		}
		return min(d, maxRetryAfter)
	}
	return 5 * time.Second
}

package types

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for common failure modes.
var (
	ErrTimeout      = errors.New("request timed out")
	ErrMaxRetries   = errors.New("max retries exceeded")
	ErrBlocked      = errors.New("blocked by robots.txt")
	ErrMaxDepth     = errors.New("max depth exceeded")
	ErrDuplicate    = errors.New("duplicate URL")
	ErrFiltered     = errors.New("URL filtered by crawl scope")
	ErrInvalidURL   = errors.New("invalid URL")
	ErrNotHTML      = errors.New("response is not HTML")
	ErrCrawlStopped = errors.New("crawl has been stopped")
	ErrJobNotFound  = errors.New("job not found")
	ErrTenantBusy   = errors.New("tenant already has an active crawl")
	ErrNoTenant     = errors.New("tenant not registered")
)

// FetchError wraps errors that occur during fetching.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
	Retryable  bool
	RetryAfter time.Duration // populated from Retry-After header on HTTP 429
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch error for %s (status %d): %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch error for %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

func (e *FetchError) IsRetryable() bool { return e.Retryable }

// ConfigError reports an invalid crawl configuration. Jobs failing with a
// ConfigError never start crawling.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s %s", e.Field, e.Reason)
}

// AbortError is returned when the safety circuit breaker halts a crawl.
type AbortError struct {
	Reason      string
	Consecutive int
	Attempts    int
	Failed      int
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("crawl aborted: %s (attempts=%d failed=%d consecutive=%d)",
		e.Reason, e.Attempts, e.Failed, e.Consecutive)
}

// StorageError wraps errors that occur in a persistence backend.
type StorageError struct {
	Backend string
	Op      string
	Err     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error (%s %s): %v", e.Backend, e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// UserMessage maps an error onto the message shown in job status and CLI
// output. Internal detail is kept out of it.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var cfgErr *ConfigError
	var abortErr *AbortError
	var fetchErr *FetchError
	switch {
	case errors.As(err, &cfgErr):
		return cfgErr.Error()
	case errors.As(err, &abortErr):
		return abortErr.Error()
	case errors.Is(err, ErrCrawlStopped):
		return "crawl cancelled"
	case errors.As(err, &fetchErr):
		if fetchErr.StatusCode > 0 {
			return fmt.Sprintf("fetch failed with status %d", fetchErr.StatusCode)
		}
		return "fetch failed"
	default:
		return err.Error()
	}
}

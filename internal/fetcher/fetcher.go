// Package fetcher retrieves pages for the crawler. Fetchers issue GET
// requests only, never send credentials or cookies, and always return a
// FetchResult instead of an error.
package fetcher

import (
	"context"
	"log/slog"

	"github.com/IshaanNene/seocrawl/internal/config"
	"github.com/IshaanNene/seocrawl/internal/types"
)

// Fetcher is the interface for all fetcher implementations.
type Fetcher interface {
	// Fetch retrieves rawURL. Failures are reported through the result's
	// Err field after retries are exhausted.
	Fetch(ctx context.Context, rawURL string) *types.FetchResult

	// Close releases any resources held by the fetcher.
	Close() error

	// Type returns the fetcher type identifier.
	Type() string
}

// New returns the fetcher selected by job.Render.
func New(job types.JobConfig, cfg config.FetcherConfig, logger *slog.Logger) (Fetcher, error) {
	if job.Render {
		return NewRenderFetcher(job, cfg, logger)
	}
	return NewHTTPFetcher(job, cfg, logger), nil
}

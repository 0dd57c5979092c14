// Package storage persists crawl jobs, queue slots, schedules and page
// records. The SQLite Gateway backs the scheduler; sinks write pages to
// MongoDB or to files for the CLI.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/IshaanNene/seocrawl/internal/types"
)

// Sink receives batches of crawled pages.
type Sink interface {
	// SavePages persists a batch of pages.
	SavePages(ctx context.Context, pages []*types.PageRecord) error

	// Close flushes pending writes and releases resources.
	Close() error

	// Name returns the sink identifier.
	Name() string
}

// Gateway is the persistence contract used by the scheduler and the API.
// Lookups of missing rows return types.ErrJobNotFound or types.ErrNoTenant;
// "nothing to do" results (no active job, no claimable slot, no checkpoint)
// are nil with a nil error.
type Gateway interface {
	UpsertTenant(ctx context.Context, tenant *types.Tenant) error
	GetTenant(ctx context.Context, tenantID string) (*types.Tenant, error)

	SaveJob(ctx context.Context, job *types.CrawlJob) error
	GetJob(ctx context.Context, jobID string) (*types.CrawlJob, error)
	GetActiveJob(ctx context.Context, tenantID string) (*types.CrawlJob, error)
	ListJobs(ctx context.Context, tenantID string, limit int) ([]*types.CrawlJob, error)
	// UpdateJobProgress writes only the counters and returns the job's
	// current status, so a running worker sees cancellations made elsewhere.
	UpdateJobProgress(ctx context.Context, jobID string, p types.JobProgress) (types.JobStatus, error)
	// StartJob, FinishJob and CancelJob are conditional transitions; each
	// reports false and writes nothing when the job is not in a source state.
	StartJob(ctx context.Context, jobID string, startedAt time.Time) (bool, error)
	FinishJob(ctx context.Context, job *types.CrawlJob) (bool, error)
	CancelJob(ctx context.Context, jobID string, at time.Time) (bool, error)

	// EnqueueJob stores a new queued job and its pending queue slot. It
	// returns types.ErrTenantBusy if the tenant already has an active job.
	EnqueueJob(ctx context.Context, job *types.CrawlJob, priority int) (*types.QueueSlot, error)
	// ClaimNext atomically moves the best pending slot whose tenant has no
	// processing slot to processing.
	ClaimNext(ctx context.Context, now time.Time) (*types.QueueSlot, error)
	MarkQueueItemProcessing(ctx context.Context, slotID string, now time.Time) (*types.QueueSlot, error)
	MarkQueueItemCompleted(ctx context.Context, slotID string, status types.QueueStatus) error
	// HeartbeatSlot refreshes a processing slot still held by the claim made
	// at claimedAt. False means the claim was lost.
	HeartbeatSlot(ctx context.Context, slotID string, claimedAt, now time.Time) (bool, error)
	CancelPendingSlot(ctx context.Context, jobID string) (bool, error)
	RecoverStale(ctx context.Context, staleBefore time.Time) (int64, error)

	UpsertSchedule(ctx context.Context, s *types.Schedule) error
	GetSchedule(ctx context.Context, tenantID string) (*types.Schedule, error)
	DeleteSchedule(ctx context.Context, tenantID string) error
	DueSchedules(ctx context.Context, now time.Time) ([]*types.Schedule, error)

	SavePages(ctx context.Context, pages []*types.PageRecord) error
	ListPages(ctx context.Context, tenantID string, limit int) ([]*types.PageRecord, error)

	SaveCheckpoint(ctx context.Context, jobID string, data []byte) error
	LoadCheckpoint(ctx context.Context, jobID string) ([]byte, error)
	DeleteCheckpoint(ctx context.Context, jobID string) error

	Close() error
}

// MultiSink writes pages to several sinks.
type MultiSink struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewMultiSink creates a sink that fans out to every given sink.
func NewMultiSink(sinks []Sink, logger *slog.Logger) *MultiSink {
	return &MultiSink{
		sinks:  sinks,
		logger: logger.With("component", "multi_sink"),
	}
}

func (s *MultiSink) Name() string { return "multi" }

// SavePages writes to every sink and reports all failures.
func (s *MultiSink) SavePages(ctx context.Context, pages []*types.PageRecord) error {
	var errs []error
	for _, sink := range s.sinks {
		if err := sink.SavePages(ctx, pages); err != nil {
			s.logger.Error("sink save failed", "sink", sink.Name(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", sink.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (s *MultiSink) Close() error {
	var errs []error
	for _, sink := range s.sinks {
		if err := sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sink.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// FormatForPath returns the file format implied by an output path's
// extension: json, jsonl, csv or markdown.
func FormatForPath(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return "json", nil
	case ".jsonl", ".ndjson":
		return "jsonl", nil
	case ".csv":
		return "csv", nil
	case ".md", ".markdown":
		return "markdown", nil
	default:
		return "", fmt.Errorf("unsupported output extension %q (use .json, .jsonl, .csv or .md)", filepath.Ext(path))
	}
}

// NewFileSink creates the file sink for format. Markdown output is a report
// rendered after the crawl, so it has no streaming sink.
func NewFileSink(format, path string, logger *slog.Logger) (Sink, error) {
	switch format {
	case "json":
		return NewJSONSink(path, logger)
	case "jsonl":
		return NewJSONLSink(path, logger)
	case "csv":
		return NewCSVSink(path, logger)
	default:
		return nil, fmt.Errorf("unsupported sink format: %s", format)
	}
}

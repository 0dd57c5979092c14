package engine

import (
	"sync/atomic"
	"time"

	"github.com/IshaanNene/seocrawl/internal/types"
)

// State is the orchestrator's lifecycle state.
type State string

const (
	StateNotStarted   State = "not_started"
	StateInitializing State = "initializing"
	StateCrawling     State = "crawling"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
	StateCancelled    State = "cancelled"
)

// IsTerminal reports whether no further transitions can happen.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// canTransition encodes not_started -> initializing -> crawling -> terminal.
// Setup may fail or be cancelled before crawling starts.
func (s State) canTransition(next State) bool {
	switch s {
	case StateNotStarted:
		return next == StateInitializing
	case StateInitializing:
		return next == StateCrawling || next == StateFailed || next == StateCancelled
	case StateCrawling:
		return next.IsTerminal()
	default:
		return false
	}
}

// JobStatus maps a terminal state onto the persisted job status.
func (s State) JobStatus() types.JobStatus {
	switch s {
	case StateCompleted:
		return types.JobCompleted
	case StateCancelled:
		return types.JobCancelled
	case StateFailed:
		return types.JobFailed
	default:
		return types.JobRunning
	}
}

// CancelToken is a cooperative stop flag checked once per crawl iteration.
// In-flight fetches are allowed to finish.
type CancelToken struct {
	cancelled atomic.Bool
}

// NewCancelToken returns an unset token.
func NewCancelToken() *CancelToken {
	return &CancelToken{}
}

// Cancel requests a stop. It is idempotent.
func (t *CancelToken) Cancel() {
	t.cancelled.Store(true)
}

// Cancelled reports whether Cancel was called.
func (t *CancelToken) Cancelled() bool {
	return t != nil && t.cancelled.Load()
}

// EventKind classifies orchestrator notifications.
type EventKind string

const (
	EventProgress EventKind = "progress"
	EventPage     EventKind = "page"
	EventError    EventKind = "error"
	EventState    EventKind = "state"
	EventSkip     EventKind = "skip"
)

// Event is delivered to an Observer. Only the fields relevant to Kind are
// set.
type Event struct {
	Kind     EventKind
	State    State
	Progress Progress
	Page     *types.PageRecord
	URL      string
	Err      error
	Reason   string // skip reason
}

// Observer receives events synchronously from the crawl loop. It must not
// block for long.
type Observer func(Event)

// Progress is a point-in-time view of a crawl.
type Progress struct {
	State          State         `json:"state"`
	Discovered     int           `json:"discovered"`
	Crawled        int           `json:"crawled"`
	Failed         int           `json:"failed"`
	Skipped        int           `json:"skipped"`
	Queued         int           `json:"queued"`
	Elapsed        time.Duration `json:"elapsed"`
	PagesPerMinute float64       `json:"pages_per_minute"`
	ETA            time.Duration `json:"eta"`
	CurrentURL     string        `json:"current_url,omitempty"`
}

// JobProgress converts to the persisted counter set.
func (p Progress) JobProgress() types.JobProgress {
	return types.JobProgress{
		Discovered: p.Discovered,
		Crawled:    p.Crawled,
		Failed:     p.Failed,
		Skipped:    p.Skipped,
	}
}

package types

import (
	"fmt"
	"strings"
	"time"
)

// JobStatus is the lifecycle state of a CrawlJob.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// IsActive reports whether the job occupies its tenant's crawl slot.
func (s JobStatus) IsActive() bool {
	return s == JobQueued || s == JobRunning
}

// IsTerminal reports whether no further transition is possible.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

var jobTransitions = map[JobStatus][]JobStatus{
	JobPending: {JobQueued, JobCancelled, JobFailed},
	JobQueued:  {JobRunning, JobCancelled, JobFailed},
	JobRunning: {JobCompleted, JobFailed, JobCancelled, JobQueued},
}

// CanTransition reports whether a job may move from s to next. Running
// jobs may return to queued only through stale-claim recovery.
func (s JobStatus) CanTransition(next JobStatus) bool {
	for _, allowed := range jobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// TriggerSource records what created a job.
type TriggerSource string

const (
	TriggerManual    TriggerSource = "manual"
	TriggerScheduled TriggerSource = "scheduled"
	TriggerAPI       TriggerSource = "api"
)

// JobConfig is the per-crawl configuration, persisted as JSON on the job.
type JobConfig struct {
	SeedURL                string   `mapstructure:"seed_url"                  json:"seed_url"                  yaml:"seed_url"`
	MaxPages               int      `mapstructure:"max_pages"                 json:"max_pages"                 yaml:"max_pages"`
	MaxDepth               int      `mapstructure:"max_depth"                 json:"max_depth"                 yaml:"max_depth"`
	RequestDelayMs         int      `mapstructure:"request_delay_ms"          json:"request_delay_ms"          yaml:"request_delay_ms"`
	UserAgent              string   `mapstructure:"user_agent"                json:"user_agent"                yaml:"user_agent"`
	UseSitemap             bool     `mapstructure:"use_sitemap"               json:"use_sitemap"               yaml:"use_sitemap"`
	IncludePatterns        []string `mapstructure:"include_patterns"          json:"include_patterns,omitempty" yaml:"include_patterns,omitempty"`
	ExcludePatterns        []string `mapstructure:"exclude_patterns"          json:"exclude_patterns,omitempty" yaml:"exclude_patterns,omitempty"`
	MaxConsecutiveFailures int      `mapstructure:"max_consecutive_failures"  json:"max_consecutive_failures"  yaml:"max_consecutive_failures"`
	MaxErrorRate           float64  `mapstructure:"max_error_rate"            json:"max_error_rate"            yaml:"max_error_rate"`
	MinPagesForErrorCheck  int      `mapstructure:"min_pages_for_error_check" json:"min_pages_for_error_check" yaml:"min_pages_for_error_check"`
	TimeoutMs              int      `mapstructure:"timeout_ms"                json:"timeout_ms"                yaml:"timeout_ms"`
	MaxRetries             int      `mapstructure:"max_retries"               json:"max_retries"               yaml:"max_retries"`
	Render                 bool     `mapstructure:"render"                    json:"render"                    yaml:"render"`
}

// RequestDelay returns the configured inter-request delay.
func (c JobConfig) RequestDelay() time.Duration {
	return time.Duration(c.RequestDelayMs) * time.Millisecond
}

// Timeout returns the per-request timeout.
func (c JobConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// JobProgress holds a job's crawl counters.
type JobProgress struct {
	Discovered int `json:"discovered"`
	Crawled    int `json:"crawled"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
}

// CrawlJob is one crawl of one tenant's domain.
type CrawlJob struct {
	ID           string        `json:"id"`
	TenantID     string        `json:"tenant_id"`
	Config       JobConfig     `json:"config"`
	Status       JobStatus     `json:"status"`
	Progress     JobProgress   `json:"progress"`
	TriggeredBy  TriggerSource `json:"triggered_by"`
	ErrorMessage string        `json:"error_message,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	StartedAt    *time.Time    `json:"started_at,omitempty"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
}

// QueueStatus is the state of a persisted queue slot.
type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueCompleted  QueueStatus = "completed"
	QueueFailed     QueueStatus = "failed"
	QueueCancelled  QueueStatus = "cancelled"
)

// QueueSlot is the persisted row the scheduler claims to start a job.
type QueueSlot struct {
	ID           string      `json:"id"`
	TenantID     string      `json:"tenant_id"`
	JobID        string      `json:"job_id"`
	Priority     int         `json:"priority"`
	Status       QueueStatus `json:"status"`
	ScheduledFor time.Time   `json:"scheduled_for"`
	StartedAt    *time.Time  `json:"started_at,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}

// Cadence is a recurring crawl interval.
type Cadence string

const (
	CadenceNone    Cadence = "none"
	CadenceDaily   Cadence = "daily"
	CadenceWeekly  Cadence = "weekly"
	CadenceMonthly Cadence = "monthly"
)

// ParseCadence parses a cadence name. An empty string means none.
func ParseCadence(s string) (Cadence, error) {
	switch c := Cadence(strings.ToLower(strings.TrimSpace(s))); c {
	case "", CadenceNone:
		return CadenceNone, nil
	case CadenceDaily, CadenceWeekly, CadenceMonthly:
		return c, nil
	default:
		return "", &ConfigError{Field: "cadence", Reason: fmt.Sprintf("must be daily, weekly, monthly or none, got %q", s)}
	}
}

// Next returns the run time following t.
func (c Cadence) Next(t time.Time) time.Time {
	switch c {
	case CadenceDaily:
		return t.AddDate(0, 0, 1)
	case CadenceWeekly:
		return t.AddDate(0, 0, 7)
	case CadenceMonthly:
		return t.AddDate(0, 1, 0)
	default:
		return time.Time{}
	}
}

// Schedule is a tenant's recurring crawl cadence.
type Schedule struct {
	TenantID  string     `json:"tenant_id"`
	Cadence   Cadence    `json:"cadence"`
	NextRunAt time.Time  `json:"next_run_at"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
}

// Tenant is an owner of a crawlable domain.
type Tenant struct {
	ID      string    `json:"id"`
	SeedURL string    `json:"seed_url"`
	Config  JobConfig `json:"config"`
}

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IshaanNene/seocrawl/internal/types"
)

const jobColumns = `id, tenant_id, config, status, discovered, crawled, failed, skipped,
	triggered_by, error_message, created_at, started_at, completed_at`

const slotColumns = `id, tenant_id, job_id, priority, status, scheduled_for, started_at, created_at`

func marshalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}
	return string(b), nil
}

func unmarshalJSON(s string, v any) error {
	if s == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(s), v); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	return nil
}

func scanJob(row rowScanner) (*types.CrawlJob, error) {
	var (
		j                    types.CrawlJob
		cfg, status, trigger string
		errMsg               sql.NullString
		created              string
		started, completed   sql.NullString
	)
	err := row.Scan(&j.ID, &j.TenantID, &cfg, &status,
		&j.Progress.Discovered, &j.Progress.Crawled, &j.Progress.Failed, &j.Progress.Skipped,
		&trigger, &errMsg, &created, &started, &completed)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(cfg, &j.Config); err != nil {
		return nil, err
	}
	j.Status = types.JobStatus(status)
	j.TriggeredBy = types.TriggerSource(trigger)
	j.ErrorMessage = errMsg.String
	j.CreatedAt = parseTime(created)
	j.StartedAt = timePtr(started)
	j.CompletedAt = timePtr(completed)
	return &j, nil
}

func scanSlot(row rowScanner) (*types.QueueSlot, error) {
	var (
		s                 types.QueueSlot
		status            string
		scheduled, create string
		started           sql.NullString
	)
	if err := row.Scan(&s.ID, &s.TenantID, &s.JobID, &s.Priority, &status, &scheduled, &started, &create); err != nil {
		return nil, err
	}
	s.Status = types.QueueStatus(status)
	s.ScheduledFor = parseTime(scheduled)
	s.StartedAt = timePtr(started)
	s.CreatedAt = parseTime(create)
	return &s, nil
}

// SaveJob inserts or updates a job. Moving a second job of the same tenant
// into queued or running fails with types.ErrTenantBusy.
func (g *SQLiteGateway) SaveJob(ctx context.Context, j *types.CrawlJob) error {
	if j.ID == "" {
		j.ID = NewID()
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now()
	}
	cfg, err := marshalJSON(j.Config)
	if err != nil {
		return err
	}
	_, err = g.db.ExecContext(ctx, `
		INSERT INTO crawl_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			config = excluded.config,
			status = excluded.status,
			discovered = excluded.discovered,
			crawled = excluded.crawled,
			failed = excluded.failed,
			skipped = excluded.skipped,
			error_message = excluded.error_message,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at`,
		j.ID, j.TenantID, cfg, string(j.Status),
		j.Progress.Discovered, j.Progress.Crawled, j.Progress.Failed, j.Progress.Skipped,
		string(j.TriggeredBy), nullString(j.ErrorMessage), formatTime(j.CreatedAt),
		nullTime(j.StartedAt), nullTime(j.CompletedAt))
	if isUniqueViolation(err) {
		return types.ErrTenantBusy
	}
	if err != nil {
		return storageErr("save job", err)
	}
	return nil
}

// GetJob returns types.ErrJobNotFound for unknown IDs.
func (g *SQLiteGateway) GetJob(ctx context.Context, jobID string) (*types.CrawlJob, error) {
	row := g.db.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM crawl_jobs WHERE id = ?", jobID)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrJobNotFound
	}
	if err != nil {
		return nil, storageErr("get job", err)
	}
	return j, nil
}

// GetActiveJob returns the tenant's queued or running job, or nil.
func (g *SQLiteGateway) GetActiveJob(ctx context.Context, tenantID string) (*types.CrawlJob, error) {
	row := g.db.QueryRowContext(ctx, "SELECT "+jobColumns+` FROM crawl_jobs
		WHERE tenant_id = ? AND status IN ('queued', 'running')
		ORDER BY created_at DESC LIMIT 1`, tenantID)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get active job", err)
	}
	return j, nil
}

// ListJobs returns a tenant's most recent jobs, newest first.
func (g *SQLiteGateway) ListJobs(ctx context.Context, tenantID string, limit int) ([]*types.CrawlJob, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := g.db.QueryContext(ctx, "SELECT "+jobColumns+` FROM crawl_jobs
		WHERE tenant_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, tenantID, limit)
	if err != nil {
		return nil, storageErr("list jobs", err)
	}
	defer rows.Close()

	var jobs []*types.CrawlJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, storageErr("scan job", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// UpdateJobProgress stores the job's counters and returns its status.
func (g *SQLiteGateway) UpdateJobProgress(ctx context.Context, jobID string, p types.JobProgress) (types.JobStatus, error) {
	var status string
	err := g.db.QueryRowContext(ctx, `
		UPDATE crawl_jobs SET discovered = ?, crawled = ?, failed = ?, skipped = ?
		WHERE id = ? RETURNING status`,
		p.Discovered, p.Crawled, p.Failed, p.Skipped, jobID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", types.ErrJobNotFound
	}
	if err != nil {
		return "", storageErr("update progress", err)
	}
	return types.JobStatus(status), nil
}

// StartJob moves a queued job to running. It reports false, changing
// nothing, when the job is no longer queued.
func (g *SQLiteGateway) StartJob(ctx context.Context, jobID string, startedAt time.Time) (bool, error) {
	res, err := g.db.ExecContext(ctx,
		"UPDATE crawl_jobs SET status = 'running', started_at = ? WHERE id = ? AND status = 'queued'",
		formatTime(startedAt), jobID)
	if err != nil {
		return false, storageErr("start job", err)
	}
	return affected(res, "start job")
}

// FinishJob records the terminal status, counters and error message of a
// job still running under the start recorded in j.StartedAt. It reports
// false, changing nothing, otherwise: a cancellation recorded elsewhere or a
// restart by another worker is never overwritten.
func (g *SQLiteGateway) FinishJob(ctx context.Context, j *types.CrawlJob) (bool, error) {
	if !j.Status.IsTerminal() {
		return false, fmt.Errorf("finish job %s: status %q is not terminal", j.ID, j.Status)
	}
	if j.StartedAt == nil {
		return false, fmt.Errorf("finish job %s: missing start time", j.ID)
	}
	res, err := g.db.ExecContext(ctx, `
		UPDATE crawl_jobs SET status = ?, discovered = ?, crawled = ?, failed = ?, skipped = ?,
			error_message = ?, completed_at = ?
		WHERE id = ? AND status = 'running' AND started_at = ?`,
		string(j.Status), j.Progress.Discovered, j.Progress.Crawled, j.Progress.Failed, j.Progress.Skipped,
		nullString(j.ErrorMessage), nullTime(j.CompletedAt), j.ID, formatTime(*j.StartedAt))
	if err != nil {
		return false, storageErr("finish job", err)
	}
	return affected(res, "finish job")
}

// CancelJob moves a queued or running job to cancelled. It reports false
// when the job had already finished.
func (g *SQLiteGateway) CancelJob(ctx context.Context, jobID string, at time.Time) (bool, error) {
	res, err := g.db.ExecContext(ctx, `
		UPDATE crawl_jobs SET status = 'cancelled', completed_at = ?
		WHERE id = ? AND status IN ('queued', 'running')`,
		formatTime(at), jobID)
	if err != nil {
		return false, storageErr("cancel job", err)
	}
	return affected(res, "cancel job")
}

func affected(res sql.Result, op string) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr(op, err)
	}
	return n > 0, nil
}

// EnqueueJob inserts job as queued along with a pending queue slot, in one
// transaction.
func (g *SQLiteGateway) EnqueueJob(ctx context.Context, job *types.CrawlJob, priority int) (*types.QueueSlot, error) {
	now := time.Now()
	if job.ID == "" {
		job.ID = NewID()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.Status = types.JobQueued

	cfg, err := marshalJSON(job.Config)
	if err != nil {
		return nil, err
	}

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("begin enqueue", err)
	}
	defer func() { _ = tx.Rollback() }()

	var active int
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM crawl_jobs WHERE tenant_id = ? AND status IN ('queued', 'running')",
		job.TenantID).Scan(&active); err != nil {
		return nil, storageErr("count active jobs", err)
	}
	if active > 0 {
		return nil, types.ErrTenantBusy
	}

	_, err = tx.ExecContext(ctx, "INSERT INTO crawl_jobs ("+jobColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		job.ID, job.TenantID, cfg, string(job.Status),
		job.Progress.Discovered, job.Progress.Crawled, job.Progress.Failed, job.Progress.Skipped,
		string(job.TriggeredBy), nullString(job.ErrorMessage), formatTime(job.CreatedAt),
		nullTime(job.StartedAt), nullTime(job.CompletedAt))
	if isUniqueViolation(err) {
		return nil, types.ErrTenantBusy
	}
	if err != nil {
		return nil, storageErr("insert job", err)
	}

	slot := &types.QueueSlot{
		ID:           NewID(),
		TenantID:     job.TenantID,
		JobID:        job.ID,
		Priority:     priority,
		Status:       types.QueuePending,
		ScheduledFor: now,
		CreatedAt:    now,
	}
	_, err = tx.ExecContext(ctx, "INSERT INTO crawl_queue ("+slotColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		slot.ID, slot.TenantID, slot.JobID, slot.Priority, string(slot.Status),
		formatTime(slot.ScheduledFor), nullTime(nil), formatTime(slot.CreatedAt))
	if err != nil {
		return nil, storageErr("insert queue slot", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, storageErr("commit enqueue", err)
	}
	g.logger.Debug("job enqueued", "job_id", job.ID, "tenant_id", job.TenantID, "priority", priority)
	return slot, nil
}

// ClaimNext moves the highest-priority, oldest pending slot that is due and
// whose tenant has nothing processing to processing. It returns nil when
// nothing is claimable. The claim is a single UPDATE, so two workers can
// never claim the same slot.
func (g *SQLiteGateway) ClaimNext(ctx context.Context, now time.Time) (*types.QueueSlot, error) {
	ts := formatTime(now)
	row := g.db.QueryRowContext(ctx, `
		UPDATE crawl_queue SET status = 'processing', started_at = ?, heartbeat_at = ?
		WHERE id = (
			SELECT q.id FROM crawl_queue q
			WHERE q.status = 'pending' AND q.scheduled_for <= ?
			  AND NOT EXISTS (
				SELECT 1 FROM crawl_queue p
				WHERE p.tenant_id = q.tenant_id AND p.status = 'processing'
			  )
			ORDER BY q.priority DESC, q.created_at ASC, q.id ASC
			LIMIT 1
		)
		RETURNING `+slotColumns, ts, ts, ts)
	slot, err := scanSlot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("claim next", err)
	}
	return slot, nil
}

// MarkQueueItemProcessing claims a specific pending slot. It returns nil if
// the slot is no longer pending or its tenant already has a processing slot.
func (g *SQLiteGateway) MarkQueueItemProcessing(ctx context.Context, slotID string, now time.Time) (*types.QueueSlot, error) {
	row := g.db.QueryRowContext(ctx, `
		UPDATE crawl_queue SET status = 'processing', started_at = ?, heartbeat_at = ?
		WHERE id = ? AND status = 'pending'
		  AND NOT EXISTS (
			SELECT 1 FROM crawl_queue p
			WHERE p.tenant_id = crawl_queue.tenant_id AND p.status = 'processing'
		  )
		RETURNING `+slotColumns, formatTime(now), formatTime(now), slotID)
	slot, err := scanSlot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("mark processing", err)
	}
	return slot, nil
}

// MarkQueueItemCompleted records a slot's final status.
func (g *SQLiteGateway) MarkQueueItemCompleted(ctx context.Context, slotID string, status types.QueueStatus) error {
	if _, err := g.db.ExecContext(ctx, "UPDATE crawl_queue SET status = ? WHERE id = ?", string(status), slotID); err != nil {
		return storageErr("mark completed", err)
	}
	return nil
}

// HeartbeatSlot marks a processing slot as alive. claimedAt is the slot's
// StartedAt from the claim; it reports false when that claim no longer
// holds, because the slot finished or was recovered and claimed again.
func (g *SQLiteGateway) HeartbeatSlot(ctx context.Context, slotID string, claimedAt, now time.Time) (bool, error) {
	res, err := g.db.ExecContext(ctx, `
		UPDATE crawl_queue SET heartbeat_at = ?
		WHERE id = ? AND status = 'processing' AND started_at = ?`,
		formatTime(now), slotID, formatTime(claimedAt))
	if err != nil {
		return false, storageErr("heartbeat slot", err)
	}
	return affected(res, "heartbeat slot")
}

// CancelPendingSlot cancels the job's slot if it is still pending. It
// reports false when the slot has already been claimed.
func (g *SQLiteGateway) CancelPendingSlot(ctx context.Context, jobID string) (bool, error) {
	res, err := g.db.ExecContext(ctx,
		"UPDATE crawl_queue SET status = 'cancelled' WHERE job_id = ? AND status = 'pending'", jobID)
	if err != nil {
		return false, storageErr("cancel pending slot", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("cancel pending slot", err)
	}
	return n > 0, nil
}

// RecoverStale returns processing slots whose last heartbeat (or claim,
// for slots that never sent one) is older than staleBefore to pending and
// moves their jobs back to queued. These are claims left by a worker that
// died mid-crawl; live workers keep their heartbeat fresh.
func (g *SQLiteGateway) RecoverStale(ctx context.Context, staleBefore time.Time) (int64, error) {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storageErr("begin recover", err)
	}
	defer func() { _ = tx.Rollback() }()

	ts := formatTime(staleBefore)
	if _, err := tx.ExecContext(ctx, `
		UPDATE crawl_jobs SET status = 'queued'
		WHERE status = 'running' AND id IN (
			SELECT job_id FROM crawl_queue
			WHERE status = 'processing' AND COALESCE(heartbeat_at, started_at) < ?
		)`, ts); err != nil {
		return 0, storageErr("requeue stale jobs", err)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE crawl_queue SET status = 'pending', started_at = NULL, heartbeat_at = NULL
		WHERE status = 'processing' AND COALESCE(heartbeat_at, started_at) < ?`, ts)
	if err != nil {
		return 0, storageErr("reset stale slots", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("reset stale slots", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, storageErr("commit recover", err)
	}
	if n > 0 {
		g.logger.Warn("recovered stale queue slots", "count", n)
	}
	return n, nil
}

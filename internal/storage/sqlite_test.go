package storage

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IshaanNene/seocrawl/internal/types"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func setupTestDB(t *testing.T) *SQLiteGateway {
	t.Helper()
	g, err := OpenSQLite(t.TempDir(), testLogger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })
	return g
}

func newJob(tenantID string) *types.CrawlJob {
	return &types.CrawlJob{
		TenantID:    tenantID,
		Config:      types.JobConfig{SeedURL: "https://" + tenantID + ".example.com/", MaxPages: 100},
		TriggeredBy: types.TriggerManual,
	}
}

func TestTenantRoundTrip(t *testing.T) {
	g := setupTestDB(t)
	ctx := context.Background()

	_, err := g.GetTenant(ctx, "acme")
	assert.ErrorIs(t, err, types.ErrNoTenant)

	tenant := &types.Tenant{ID: "acme", SeedURL: "https://acme.example.com/", Config: types.JobConfig{MaxPages: 50}}
	require.NoError(t, g.UpsertTenant(ctx, tenant))

	tenant.Config.MaxPages = 75
	require.NoError(t, g.UpsertTenant(ctx, tenant))

	got, err := g.GetTenant(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "https://acme.example.com/", got.SeedURL)
	assert.Equal(t, 75, got.Config.MaxPages)
}

func TestEnqueueJob(t *testing.T) {
	g := setupTestDB(t)
	ctx := context.Background()

	job := newJob("acme")
	slot, err := g.EnqueueJob(ctx, job, 5)
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, job.ID, slot.JobID)
	assert.Equal(t, types.QueuePending, slot.Status)
	assert.Equal(t, 5, slot.Priority)

	stored, err := g.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobQueued, stored.Status)
	assert.Equal(t, "https://acme.example.com/", stored.Config.SeedURL)
	assert.Equal(t, types.TriggerManual, stored.TriggeredBy)

	active, err := g.GetActiveJob(ctx, "acme")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, job.ID, active.ID)

	_, err = g.EnqueueJob(ctx, newJob("acme"), 0)
	assert.ErrorIs(t, err, types.ErrTenantBusy)

	_, err = g.EnqueueJob(ctx, newJob("globex"), 0)
	assert.NoError(t, err)
}

func TestEnqueueAfterTerminal(t *testing.T) {
	g := setupTestDB(t)
	ctx := context.Background()

	job := newJob("acme")
	_, err := g.EnqueueJob(ctx, job, 0)
	require.NoError(t, err)

	now := time.Now()
	job.Status = types.JobCompleted
	job.CompletedAt = &now
	require.NoError(t, g.SaveJob(ctx, job))

	active, err := g.GetActiveJob(ctx, "acme")
	require.NoError(t, err)
	assert.Nil(t, active)

	_, err = g.EnqueueJob(ctx, newJob("acme"), 0)
	assert.NoError(t, err)
}

func TestSaveJobRejectsSecondActive(t *testing.T) {
	g := setupTestDB(t)
	ctx := context.Background()

	_, err := g.EnqueueJob(ctx, newJob("acme"), 0)
	require.NoError(t, err)

	other := newJob("acme")
	other.Status = types.JobRunning
	assert.ErrorIs(t, g.SaveJob(ctx, other), types.ErrTenantBusy)

	other.Status = types.JobFailed
	assert.NoError(t, g.SaveJob(ctx, other))
}

func TestGetJobNotFound(t *testing.T) {
	g := setupTestDB(t)
	_, err := g.GetJob(context.Background(), "missing")
	assert.ErrorIs(t, err, types.ErrJobNotFound)
}

func TestSaveJobProgress(t *testing.T) {
	g := setupTestDB(t)
	ctx := context.Background()

	job := newJob("acme")
	_, err := g.EnqueueJob(ctx, job, 0)
	require.NoError(t, err)

	started := time.Now()
	job.Status = types.JobRunning
	job.StartedAt = &started
	job.Progress = types.JobProgress{Discovered: 40, Crawled: 12, Failed: 1, Skipped: 3}
	require.NoError(t, g.SaveJob(ctx, job))

	got, err := g.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobRunning, got.Status)
	assert.Equal(t, job.Progress, got.Progress)
	require.NotNil(t, got.StartedAt)
	assert.WithinDuration(t, started, *got.StartedAt, time.Millisecond)
	assert.Nil(t, got.CompletedAt)
}

func TestUpdateJobProgress(t *testing.T) {
	g := setupTestDB(t)
	ctx := context.Background()

	job := newJob("acme")
	_, err := g.EnqueueJob(ctx, job, 0)
	require.NoError(t, err)

	status, err := g.UpdateJobProgress(ctx, job.ID, types.JobProgress{Discovered: 9, Crawled: 4})
	require.NoError(t, err)
	assert.Equal(t, types.JobQueued, status)

	got, err := g.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, got.Progress.Crawled)
	assert.Equal(t, 9, got.Progress.Discovered)

	_, err = g.UpdateJobProgress(ctx, "missing", types.JobProgress{})
	assert.ErrorIs(t, err, types.ErrJobNotFound)
}

func TestListJobs(t *testing.T) {
	g := setupTestDB(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		j := newJob("acme")
		j.Status = types.JobCompleted
		j.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, g.SaveJob(ctx, j))
	}
	require.NoError(t, g.SaveJob(ctx, &types.CrawlJob{TenantID: "globex", Status: types.JobFailed, TriggeredBy: types.TriggerAPI}))

	jobs, err := g.ListJobs(ctx, "acme", 2)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.True(t, jobs[0].CreatedAt.After(jobs[1].CreatedAt))
}

func TestClaimNextPriorityAndOrder(t *testing.T) {
	g := setupTestDB(t)
	ctx := context.Background()

	low, err := g.EnqueueJob(ctx, newJob("acme"), 0)
	require.NoError(t, err)
	high, err := g.EnqueueJob(ctx, newJob("globex"), 10)
	require.NoError(t, err)
	late, err := g.EnqueueJob(ctx, newJob("initech"), 0)
	require.NoError(t, err)

	now := time.Now().Add(time.Second)
	var claimed []string
	for i := 0; i < 3; i++ {
		slot, err := g.ClaimNext(ctx, now)
		require.NoError(t, err)
		require.NotNil(t, slot)
		assert.Equal(t, types.QueueProcessing, slot.Status)
		assert.NotNil(t, slot.StartedAt)
		claimed = append(claimed, slot.ID)
	}
	assert.Equal(t, []string{high.ID, low.ID, late.ID}, claimed)

	slot, err := g.ClaimNext(ctx, now)
	require.NoError(t, err)
	assert.Nil(t, slot)
}

func TestClaimNextIsExclusive(t *testing.T) {
	g := setupTestDB(t)
	ctx := context.Background()

	for _, tenant := range []string{"acme", "globex", "initech"} {
		_, err := g.EnqueueJob(ctx, newJob(tenant), 0)
		require.NoError(t, err)
	}

	now := time.Now().Add(time.Second)
	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		claims = map[string]int{}
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			slot, err := g.ClaimNext(ctx, now)
			if err != nil || slot == nil {
				return
			}
			mu.Lock()
			claims[slot.ID]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, claims, 3)
	for id, n := range claims {
		assert.Equal(t, 1, n, "slot %s claimed more than once", id)
	}
}

func TestClaimNextSkipsBusyTenant(t *testing.T) {
	g := setupTestDB(t)
	ctx := context.Background()

	first := newJob("acme")
	_, err := g.EnqueueJob(ctx, first, 0)
	require.NoError(t, err)
	now := time.Now().Add(time.Second)
	claimed, err := g.ClaimNext(ctx, now)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// The job ends but its slot is still processing.
	first.Status = types.JobFailed
	require.NoError(t, g.SaveJob(ctx, first))
	_, err = g.EnqueueJob(ctx, newJob("acme"), 0)
	require.NoError(t, err)

	slot, err := g.ClaimNext(ctx, now)
	require.NoError(t, err)
	assert.Nil(t, slot)

	require.NoError(t, g.MarkQueueItemCompleted(ctx, claimed.ID, types.QueueFailed))
	slot, err = g.ClaimNext(ctx, now)
	require.NoError(t, err)
	assert.NotNil(t, slot)
}

func TestClaimNextRespectsScheduledFor(t *testing.T) {
	g := setupTestDB(t)
	ctx := context.Background()

	_, err := g.EnqueueJob(ctx, newJob("acme"), 0)
	require.NoError(t, err)

	slot, err := g.ClaimNext(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Nil(t, slot)
}

func TestMarkQueueItemProcessing(t *testing.T) {
	g := setupTestDB(t)
	ctx := context.Background()

	slot, err := g.EnqueueJob(ctx, newJob("acme"), 0)
	require.NoError(t, err)

	got, err := g.MarkQueueItemProcessing(ctx, slot.ID, time.Now())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, types.QueueProcessing, got.Status)

	again, err := g.MarkQueueItemProcessing(ctx, slot.ID, time.Now())
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestCancelPendingSlot(t *testing.T) {
	g := setupTestDB(t)
	ctx := context.Background()

	job := newJob("acme")
	_, err := g.EnqueueJob(ctx, job, 0)
	require.NoError(t, err)

	ok, err := g.CancelPendingSlot(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = g.CancelPendingSlot(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	slot, err := g.ClaimNext(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Nil(t, slot)
}

func TestCancelPendingSlotAfterClaim(t *testing.T) {
	g := setupTestDB(t)
	ctx := context.Background()

	job := newJob("acme")
	_, err := g.EnqueueJob(ctx, job, 0)
	require.NoError(t, err)
	_, err = g.ClaimNext(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)

	ok, err := g.CancelPendingSlot(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRecoverStale(t *testing.T) {
	g := setupTestDB(t)
	ctx := context.Background()

	stale := newJob("acme")
	staleSlot, err := g.EnqueueJob(ctx, stale, 0)
	require.NoError(t, err)
	_, err = g.MarkQueueItemProcessing(ctx, staleSlot.ID, time.Now().Add(-3*time.Hour))
	require.NoError(t, err)
	stale.Status = types.JobRunning
	require.NoError(t, g.SaveJob(ctx, stale))

	fresh := newJob("globex")
	freshSlot, err := g.EnqueueJob(ctx, fresh, 0)
	require.NoError(t, err)
	_, err = g.MarkQueueItemProcessing(ctx, freshSlot.ID, time.Now())
	require.NoError(t, err)
	fresh.Status = types.JobRunning
	require.NoError(t, g.SaveJob(ctx, fresh))

	n, err := g.RecoverStale(ctx, time.Now().Add(-2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := g.GetJob(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobQueued, got.Status)

	got, err = g.GetJob(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobRunning, got.Status)

	slot, err := g.ClaimNext(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.NotNil(t, slot)
	assert.Equal(t, staleSlot.ID, slot.ID)
}

func TestRecoverStaleSkipsFreshHeartbeat(t *testing.T) {
	g := setupTestDB(t)
	ctx := context.Background()

	job := newJob("acme")
	slot, err := g.EnqueueJob(ctx, job, 0)
	require.NoError(t, err)
	claimed, err := g.MarkQueueItemProcessing(ctx, slot.ID, time.Now().Add(-3*time.Hour))
	require.NoError(t, err)
	ok, err := g.StartJob(ctx, job.ID, time.Now().Add(-3*time.Hour))
	require.NoError(t, err)
	require.True(t, ok)

	// Claimed long ago but still alive.
	ok, err = g.HeartbeatSlot(ctx, slot.ID, *claimed.StartedAt, time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	n, err := g.RecoverStale(ctx, time.Now().Add(-2*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := g.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobRunning, got.Status)
}

func TestHeartbeatSlotFailsAfterReclaim(t *testing.T) {
	g := setupTestDB(t)
	ctx := context.Background()

	job := newJob("acme")
	slot, err := g.EnqueueJob(ctx, job, 0)
	require.NoError(t, err)
	first, err := g.MarkQueueItemProcessing(ctx, slot.ID, time.Now().Add(-3*time.Hour))
	require.NoError(t, err)

	n, err := g.RecoverStale(ctx, time.Now().Add(-2*time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	ok, err := g.HeartbeatSlot(ctx, slot.ID, *first.StartedAt, time.Now())
	require.NoError(t, err)
	assert.False(t, ok, "recovered slot")

	second, err := g.ClaimNext(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, slot.ID, second.ID)

	ok, err = g.HeartbeatSlot(ctx, slot.ID, *first.StartedAt, time.Now())
	require.NoError(t, err)
	assert.False(t, ok, "claimed by another worker")

	ok, err = g.HeartbeatSlot(ctx, slot.ID, *second.StartedAt, time.Now())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStartJobOnlyFromQueued(t *testing.T) {
	g := setupTestDB(t)
	ctx := context.Background()

	job := newJob("acme")
	_, err := g.EnqueueJob(ctx, job, 0)
	require.NoError(t, err)

	ok, err := g.CancelJob(ctx, job.ID, time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = g.StartJob(ctx, job.ID, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := g.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobCancelled, got.Status)
	assert.Nil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)
}

func TestFinishJobKeepsCancellation(t *testing.T) {
	g := setupTestDB(t)
	ctx := context.Background()

	job := newJob("acme")
	_, err := g.EnqueueJob(ctx, job, 0)
	require.NoError(t, err)
	started := time.Now()
	ok, err := g.StartJob(ctx, job.ID, started)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = g.CancelJob(ctx, job.ID, time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	finished := time.Now()
	job.Status = types.JobCompleted
	job.StartedAt = &started
	job.CompletedAt = &finished
	job.Progress = types.JobProgress{Crawled: 12}
	ok, err = g.FinishJob(ctx, job)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := g.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobCancelled, got.Status)
	assert.Zero(t, got.Progress.Crawled)
}

func TestFinishJobRequiresSameStart(t *testing.T) {
	g := setupTestDB(t)
	ctx := context.Background()

	job := newJob("acme")
	_, err := g.EnqueueJob(ctx, job, 0)
	require.NoError(t, err)
	started := time.Now()
	ok, err := g.StartJob(ctx, job.ID, started)
	require.NoError(t, err)
	require.True(t, ok)

	finished := time.Now()
	job.Status = types.JobCompleted
	job.Progress = types.JobProgress{Crawled: 3, Discovered: 4}
	job.CompletedAt = &finished

	earlier := started.Add(-time.Minute)
	job.StartedAt = &earlier
	ok, err = g.FinishJob(ctx, job)
	require.NoError(t, err)
	assert.False(t, ok)

	job.StartedAt = &started
	ok, err = g.FinishJob(ctx, job)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := g.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobCompleted, got.Status)
	assert.Equal(t, 3, got.Progress.Crawled)

	job.Status = types.JobRunning
	_, err = g.FinishJob(ctx, job)
	assert.Error(t, err)
}

func TestCancelJobIgnoresFinishedJob(t *testing.T) {
	g := setupTestDB(t)
	ctx := context.Background()

	job := newJob("acme")
	job.Status = types.JobCompleted
	require.NoError(t, g.SaveJob(ctx, job))

	ok, err := g.CancelJob(ctx, job.ID, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := g.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobCompleted, got.Status)
}

func TestMigrateIsIdempotent(t *testing.T) {
	g := setupTestDB(t)
	require.NoError(t, g.migrate())
}

func TestSavePagesUpsert(t *testing.T) {
	g := setupTestDB(t)
	ctx := context.Background()

	crawled := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	home := &types.PageRecord{
		TenantID:       "acme",
		JobID:          "job-1",
		URL:            "https://acme.example.com/",
		StatusCode:     200,
		ResponseTimeMs: 120,
		Title:          "Home",
		Headings:       []types.Heading{{Level: 1, Text: "Welcome"}},
		InternalLinks:  []string{"https://acme.example.com/about"},
		Images:         []types.Image{{Src: "/logo.png", Alt: "Acme", HasAlt: true}},
		StructuredData: []map[string]any{{"@type": "Organization"}},
		Issues:         []types.Issue{{Code: "missing_meta_description", Severity: types.SeverityWarning}},
		Source:         types.SourceSeed,
		ContentHash:    "abc",
		CrawledAt:      crawled,
	}
	about := &types.PageRecord{TenantID: "acme", JobID: "job-1", URL: "https://acme.example.com/about", StatusCode: 200, Title: "About", CrawledAt: crawled}
	other := &types.PageRecord{TenantID: "globex", URL: "https://acme.example.com/", StatusCode: 200, CrawledAt: crawled}
	require.NoError(t, g.SavePages(ctx, []*types.PageRecord{home, about, other}))

	recrawl := *home
	recrawl.JobID = "job-2"
	recrawl.Title = "Home v2"
	require.NoError(t, g.SavePages(ctx, []*types.PageRecord{&recrawl}))

	pages, err := g.ListPages(ctx, "acme", 0)
	require.NoError(t, err)
	require.Len(t, pages, 2)

	got := pages[0]
	assert.Equal(t, "https://acme.example.com/", got.URL)
	assert.Equal(t, "Home v2", got.Title)
	assert.Equal(t, "job-2", got.JobID)
	assert.Equal(t, home.Headings, got.Headings)
	assert.Equal(t, home.InternalLinks, got.InternalLinks)
	assert.Equal(t, home.Images, got.Images)
	assert.Equal(t, "Organization", got.StructuredData[0]["@type"])
	assert.Equal(t, home.Issues, got.Issues)
	assert.Equal(t, types.SourceSeed, got.Source)
	assert.True(t, crawled.Equal(got.CrawledAt))
}

func TestSchedules(t *testing.T) {
	g := setupTestDB(t)
	ctx := context.Background()

	s, err := g.GetSchedule(ctx, "acme")
	require.NoError(t, err)
	assert.Nil(t, s)

	now := time.Now()
	require.NoError(t, g.UpsertSchedule(ctx, &types.Schedule{TenantID: "acme", Cadence: types.CadenceDaily, NextRunAt: now.Add(-time.Minute)}))
	require.NoError(t, g.UpsertSchedule(ctx, &types.Schedule{TenantID: "globex", Cadence: types.CadenceWeekly, NextRunAt: now.Add(time.Hour)}))

	due, err := g.DueSchedules(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "acme", due[0].TenantID)
	assert.Equal(t, types.CadenceDaily, due[0].Cadence)
	assert.Nil(t, due[0].LastRunAt)

	last := now
	require.NoError(t, g.UpsertSchedule(ctx, &types.Schedule{TenantID: "acme", Cadence: types.CadenceDaily, NextRunAt: types.CadenceDaily.Next(now), LastRunAt: &last}))
	due, err = g.DueSchedules(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, due)

	got, err := g.GetSchedule(ctx, "acme")
	require.NoError(t, err)
	require.NotNil(t, got.LastRunAt)

	require.NoError(t, g.DeleteSchedule(ctx, "acme"))
	got, err = g.GetSchedule(ctx, "acme")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCheckpoints(t *testing.T) {
	g := setupTestDB(t)
	ctx := context.Background()

	data, err := g.LoadCheckpoint(ctx, "job-1")
	require.NoError(t, err)
	assert.Nil(t, data)

	require.NoError(t, g.SaveCheckpoint(ctx, "job-1", []byte(`{"v":1}`)))
	require.NoError(t, g.SaveCheckpoint(ctx, "job-1", []byte(`{"v":2}`)))

	data, err = g.LoadCheckpoint(ctx, "job-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(data))

	require.NoError(t, g.DeleteCheckpoint(ctx, "job-1"))
	data, err = g.LoadCheckpoint(ctx, "job-1")
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestReopenKeepsData(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	g, err := OpenSQLite(dir, testLogger)
	require.NoError(t, err)
	job := newJob("acme")
	_, err = g.EnqueueJob(ctx, job, 0)
	require.NoError(t, err)
	require.NoError(t, g.Close())

	g, err = OpenSQLite(dir, testLogger)
	require.NoError(t, err)
	defer g.Close()

	got, err := g.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobQueued, got.Status)
}

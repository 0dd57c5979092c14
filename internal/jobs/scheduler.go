// Package jobs runs crawl jobs from the persisted queue. It enforces one
// active crawl per tenant, launches and cancels orchestrators, advances
// recurring schedules and recovers claims abandoned by a dead worker.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/IshaanNene/seocrawl/internal/config"
	"github.com/IshaanNene/seocrawl/internal/engine"
	"github.com/IshaanNene/seocrawl/internal/observability"
	"github.com/IshaanNene/seocrawl/internal/storage"
	"github.com/IshaanNene/seocrawl/internal/types"
)

// Queue priorities. Manual and API triggers jump ahead of scheduled runs.
const (
	PriorityScheduled = 0
	PriorityManual    = 10
)

// Runner executes one crawl. *engine.Orchestrator satisfies it.
type Runner interface {
	Run(ctx context.Context, token *engine.CancelToken, observer engine.Observer) *engine.Result
}

// RunnerFactory builds the Runner for a claimed job.
type RunnerFactory func(opts engine.Options) Runner

// DefaultRunnerFactory builds an engine.Orchestrator.
func DefaultRunnerFactory(opts engine.Options) Runner {
	return engine.New(opts)
}

// Options wires a Scheduler. Store and Config are required.
type Options struct {
	Store  storage.Gateway
	Config *config.Config

	// Sinks receive pages in addition to Store, e.g. a MongoDB mirror.
	Sinks []storage.Sink

	Metrics   *observability.Metrics
	Logger    *slog.Logger
	NewRunner RunnerFactory
}

type run struct {
	job    *types.CrawlJob
	slotID string
	token  *engine.CancelToken
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	progress  engine.Progress
	events    int
	claimedAt time.Time // slot StartedAt of the claim this process holds
	startedAt time.Time // job StartedAt written by StartJob
	lost      bool
	finishing bool
}

func (r *run) setProgress(p engine.Progress) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = p
	r.events++
	return r.events
}

func (r *run) snapshot() engine.Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.progress
}

func (r *run) claim() (slotClaim time.Time, active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.claimedAt, !r.claimedAt.IsZero() && !r.lost && !r.finishing
}

// markLost records that another worker took over the slot. It reports false
// when the run already began persisting its result.
func (r *run) markLost() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finishing {
		return false
	}
	r.lost = true
	return true
}

// finish stops heartbeats and reports whether the run still owns its claim.
func (r *run) finish() (startedAt time.Time, owned bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finishing = true
	return r.startedAt, !r.lost
}

// Scheduler is the job worker. The trigger, cancel and schedule methods are
// safe to call from API handlers whether or not the poll loop is running.
type Scheduler struct {
	store   storage.Gateway
	cfg     *config.Config
	sink    engine.PageSink
	metrics *observability.Metrics
	logger  *slog.Logger
	runner  RunnerFactory

	triggers singleflight.Group

	mu      sync.Mutex
	running map[string]*run // by job ID

	crawls   errgroup.Group
	loopDone chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	wake     chan struct{}
	baseCtx  context.Context

	now func() time.Time
}

// New creates a Scheduler.
func New(opts Options) *Scheduler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	runner := opts.NewRunner
	if runner == nil {
		runner = DefaultRunnerFactory
	}

	var sink engine.PageSink = opts.Store
	if len(opts.Sinks) > 0 {
		sinks := append([]storage.Sink{gatewaySink{opts.Store}}, opts.Sinks...)
		sink = storage.NewMultiSink(sinks, logger)
	}

	return &Scheduler{
		store:   opts.Store,
		cfg:     cfg,
		sink:    sink,
		metrics: opts.Metrics,
		logger:  logger.With("component", "scheduler"),
		runner:  runner,
		running: make(map[string]*run),
		stop:    make(chan struct{}),
		wake:    make(chan struct{}, 1),
		baseCtx: context.Background(),
		now:     time.Now,
	}
}

// TriggerCrawl queues a crawl for tenantID. If the tenant already has a
// queued or running job, that job is returned with isNew false. Concurrent
// calls for the same tenant share one lookup, and only one caller ever sees
// isNew true.
func (s *Scheduler) TriggerCrawl(ctx context.Context, tenantID string, source types.TriggerSource) (job *types.CrawlJob, isNew bool, err error) {
	leader := false
	v, err, _ := s.triggers.Do(tenantID, func() (any, error) {
		leader = true
		return s.trigger(ctx, tenantID, source)
	})
	if err != nil {
		return nil, false, err
	}
	res := v.(triggerResult)
	return res.job, res.isNew && leader, nil
}

type triggerResult struct {
	job   *types.CrawlJob
	isNew bool
}

func (s *Scheduler) trigger(ctx context.Context, tenantID string, source types.TriggerSource) (triggerResult, error) {
	active, err := s.store.GetActiveJob(ctx, tenantID)
	if err != nil {
		return triggerResult{}, err
	}
	if active != nil {
		return triggerResult{job: active}, nil
	}

	tenant, err := s.store.GetTenant(ctx, tenantID)
	if err != nil {
		return triggerResult{}, err
	}
	jc := tenant.Config
	if jc.SeedURL == "" {
		jc.SeedURL = tenant.SeedURL
	}
	resolved, err := config.ResolveJobConfig(jc, s.cfg.Crawl, true)
	if err != nil {
		return triggerResult{}, err
	}

	priority := PriorityManual
	if source == types.TriggerScheduled {
		priority = PriorityScheduled
	}
	job := &types.CrawlJob{
		TenantID:    tenantID,
		Config:      resolved,
		TriggeredBy: source,
		CreatedAt:   s.now(),
	}
	if _, err := s.store.EnqueueJob(ctx, job, priority); err != nil {
		if errors.Is(err, types.ErrTenantBusy) {
			// Lost a race with another process.
			active, gerr := s.store.GetActiveJob(ctx, tenantID)
			if gerr != nil {
				return triggerResult{}, gerr
			}
			if active != nil {
				return triggerResult{job: active}, nil
			}
		}
		return triggerResult{}, err
	}

	s.logger.Info("crawl queued", "tenant_id", tenantID, "job_id", job.ID, "trigger", source)
	s.wakeUp()
	return triggerResult{job: job, isNew: true}, nil
}

// CancelCrawl stops the tenant's active crawl. It reports false when the
// tenant has nothing active. The job is recorded as cancelled at once; a
// running crawl stops at its next loop iteration and keeps a checkpoint.
func (s *Scheduler) CancelCrawl(ctx context.Context, tenantID string) (bool, error) {
	active, err := s.store.GetActiveJob(ctx, tenantID)
	if err != nil {
		return false, err
	}
	if active == nil {
		return false, nil
	}

	local := s.cancelLocal(active.ID)
	if !local && active.Status == types.JobQueued {
		if _, err := s.store.CancelPendingSlot(ctx, active.ID); err != nil {
			return false, err
		}
	}

	// A run claimed by another process observes the cancelled status on its
	// next progress save; a claim not yet started is abandoned by launch.
	ok, err := s.store.CancelJob(ctx, active.ID, s.now())
	if err != nil {
		return false, err
	}
	if !ok {
		s.logger.Info("cancel ignored, crawl already finished", "tenant_id", tenantID, "job_id", active.ID)
		return false, nil
	}
	s.metrics.JobFinished(string(types.JobCancelled))
	s.logger.Info("crawl cancelled", "tenant_id", tenantID, "job_id", active.ID, "local", local)
	return true, nil
}

func (s *Scheduler) cancelLocal(jobID string) bool {
	s.mu.Lock()
	r, ok := s.running[jobID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	r.token.Cancel()
	return true
}

// ScheduleCrawl sets the tenant's recurring cadence. CadenceNone removes the
// schedule and returns nil.
func (s *Scheduler) ScheduleCrawl(ctx context.Context, tenantID string, cadence types.Cadence) (*types.Schedule, error) {
	if _, err := s.store.GetTenant(ctx, tenantID); err != nil {
		return nil, err
	}
	if cadence == types.CadenceNone || cadence == "" {
		if err := s.store.DeleteSchedule(ctx, tenantID); err != nil {
			return nil, err
		}
		s.logger.Info("schedule removed", "tenant_id", tenantID)
		return nil, nil
	}
	if _, err := types.ParseCadence(string(cadence)); err != nil {
		return nil, err
	}

	existing, err := s.store.GetSchedule(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	sched := &types.Schedule{TenantID: tenantID, Cadence: cadence}
	base := s.now()
	if existing != nil && existing.LastRunAt != nil {
		sched.LastRunAt = existing.LastRunAt
		base = *existing.LastRunAt
	}
	sched.NextRunAt = cadence.Next(base)
	if err := s.store.UpsertSchedule(ctx, sched); err != nil {
		return nil, err
	}
	s.logger.Info("schedule set", "tenant_id", tenantID, "cadence", cadence, "next_run_at", sched.NextRunAt)
	return sched, nil
}

// RegisterTenant creates or updates a tenant after validating its seed URL
// and crawl settings.
func (s *Scheduler) RegisterTenant(ctx context.Context, tenant *types.Tenant) error {
	if tenant.ID == "" {
		return &types.ConfigError{Field: "tenant_id", Reason: "must not be empty"}
	}
	if err := config.ValidateURL(tenant.SeedURL); err != nil {
		return err
	}
	jc := tenant.Config
	jc.SeedURL = tenant.SeedURL
	if _, err := config.ResolveJobConfig(jc, s.cfg.Crawl, true); err != nil {
		return err
	}
	return s.store.UpsertTenant(ctx, tenant)
}

// Job returns a job by ID.
func (s *Scheduler) Job(ctx context.Context, jobID string) (*types.CrawlJob, error) {
	return s.store.GetJob(ctx, jobID)
}

// ActiveJob returns the tenant's queued or running job, or nil.
func (s *Scheduler) ActiveJob(ctx context.Context, tenantID string) (*types.CrawlJob, error) {
	return s.store.GetActiveJob(ctx, tenantID)
}

// Jobs lists a tenant's most recent jobs, newest first.
func (s *Scheduler) Jobs(ctx context.Context, tenantID string, limit int) ([]*types.CrawlJob, error) {
	return s.store.ListJobs(ctx, tenantID, limit)
}

// LiveProgress returns in-memory progress, including rate and ETA, for a job
// running in this process.
func (s *Scheduler) LiveProgress(jobID string) (engine.Progress, bool) {
	s.mu.Lock()
	r, ok := s.running[jobID]
	s.mu.Unlock()
	if !ok {
		return engine.Progress{}, false
	}
	return r.snapshot(), true
}

// Running returns the number of crawls executing in this process.
func (s *Scheduler) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// Start recovers stale claims and launches the poll loop. Crawls started
// by the loop outlive ctx; stop them with Shutdown.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.loopDone != nil {
		return errors.New("scheduler already started")
	}
	s.baseCtx = context.WithoutCancel(ctx)
	if _, err := s.store.RecoverStale(ctx, s.now().Add(-s.cfg.Scheduler.StaleAfter)); err != nil {
		return fmt.Errorf("recover stale claims: %w", err)
	}

	s.loopDone = make(chan struct{})
	go s.loop(ctx)
	s.logger.Info("scheduler started",
		"concurrency", s.cfg.Scheduler.Concurrency,
		"poll_interval", s.cfg.Scheduler.PollInterval,
	)
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.loopDone)

	ticker := time.NewTicker(s.cfg.Scheduler.PollInterval)
	defer ticker.Stop()

	s.Poll(ctx)
	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Poll(ctx)
		case <-s.wake:
			s.Poll(ctx)
		}
	}
}

func (s *Scheduler) wakeUp() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) stopping() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

// Poll runs one scheduling pass: heartbeats for local crawls, stale
// recovery, due schedules, then claims up to the concurrency ceiling.
func (s *Scheduler) Poll(ctx context.Context) {
	if s.stopping() {
		return
	}
	now := s.now()
	s.heartbeat(ctx, now)
	if _, err := s.store.RecoverStale(ctx, now.Add(-s.cfg.Scheduler.StaleAfter)); err != nil {
		s.logger.Error("stale recovery failed", "error", err)
	}
	s.enqueueDue(ctx, now)

	for s.Running() < s.cfg.Scheduler.Concurrency && !s.stopping() {
		slot, err := s.store.ClaimNext(ctx, s.now())
		if err != nil {
			s.logger.Error("claim failed", "error", err)
			return
		}
		if slot == nil {
			return
		}
		s.launch(ctx, slot)
	}
}

// heartbeat refreshes the claim of every local run so recovery, here or in
// another process, leaves live crawls alone. A run whose claim was
// recovered and taken by another worker is cancelled and persists nothing.
func (s *Scheduler) heartbeat(ctx context.Context, now time.Time) {
	s.mu.Lock()
	runs := make([]*run, 0, len(s.running))
	for _, r := range s.running {
		runs = append(runs, r)
	}
	s.mu.Unlock()

	for _, r := range runs {
		claimedAt, active := r.claim()
		if !active {
			continue
		}
		ok, err := s.store.HeartbeatSlot(ctx, r.slotID, claimedAt, now)
		if err != nil {
			s.logger.Warn("heartbeat failed", "job_id", r.job.ID, "slot_id", r.slotID, "error", err)
			continue
		}
		if !ok && r.markLost() {
			s.logger.Warn("crawl claim lost, stopping", "job_id", r.job.ID, "slot_id", r.slotID)
			r.token.Cancel()
		}
	}
}

func (s *Scheduler) enqueueDue(ctx context.Context, now time.Time) {
	due, err := s.store.DueSchedules(ctx, now)
	if err != nil {
		s.logger.Error("load due schedules failed", "error", err)
		return
	}
	for _, sched := range due {
		job, isNew, err := s.TriggerCrawl(ctx, sched.TenantID, types.TriggerScheduled)
		switch {
		case err != nil:
			s.logger.Error("scheduled trigger failed", "tenant_id", sched.TenantID, "error", err)
		case !isNew:
			s.logger.Info("scheduled run skipped, crawl already active", "tenant_id", sched.TenantID, "job_id", job.ID)
		}

		// Advance even on failure so a broken tenant does not retrigger on
		// every poll.
		last := now
		sched.LastRunAt = &last
		sched.NextRunAt = sched.Cadence.Next(now)
		if err := s.store.UpsertSchedule(ctx, sched); err != nil {
			s.logger.Error("advance schedule failed", "tenant_id", sched.TenantID, "error", err)
		}
	}
}

func (s *Scheduler) launch(ctx context.Context, slot *types.QueueSlot) {
	job, err := s.store.GetJob(ctx, slot.JobID)
	if err != nil {
		s.logger.Error("claimed slot has no job", "slot_id", slot.ID, "job_id", slot.JobID, "error", err)
		_ = s.store.MarkQueueItemCompleted(ctx, slot.ID, types.QueueFailed)
		return
	}
	if job.Status != types.JobQueued {
		s.logger.Info("claimed job is no longer queued", "job_id", job.ID, "status", job.Status)
		_ = s.store.MarkQueueItemCompleted(ctx, slot.ID, types.QueueCancelled)
		return
	}

	claimedAt := s.now()
	if slot.StartedAt != nil {
		claimedAt = *slot.StartedAt
	}

	s.mu.Lock()
	r, dup := s.running[job.ID]
	if !dup {
		runCtx, cancel := context.WithCancel(s.baseCtx)
		r = &run{job: job, slotID: slot.ID, token: engine.NewCancelToken(), cancel: cancel}
		r.ctx = runCtx
		s.running[job.ID] = r
	}
	s.mu.Unlock()

	started := s.now()
	r.mu.Lock()
	if dup && (r.lost || r.finishing) {
		// The previous run is winding down; leave the claim to expire and be
		// recovered once it is gone.
		r.mu.Unlock()
		s.logger.Warn("claimed job is still winding down here", "job_id", job.ID, "slot_id", slot.ID)
		return
	}
	r.claimedAt = claimedAt
	r.startedAt = started
	r.mu.Unlock()

	ok, err := s.store.StartJob(ctx, job.ID, started)
	if err != nil || !ok {
		if err != nil {
			s.logger.Error("mark job running failed", "job_id", job.ID, "error", err)
		} else {
			s.logger.Info("job cancelled before start", "job_id", job.ID)
		}
		status := types.QueueCancelled
		if err != nil {
			status = types.QueueFailed
		}
		if dup {
			r.token.Cancel()
			return
		}
		s.mu.Lock()
		delete(s.running, job.ID)
		s.mu.Unlock()
		r.cancel()
		_ = s.store.MarkQueueItemCompleted(ctx, slot.ID, status)
		return
	}
	if dup {
		// Recovered while this process was still running it, then claimed
		// again here. The running crawl keeps going under the new claim.
		s.logger.Info("crawl claim renewed", "job_id", job.ID, "slot_id", slot.ID)
		return
	}

	job.Status = types.JobRunning
	job.StartedAt = &started
	s.logger.Info("crawl started", "tenant_id", job.TenantID, "job_id", job.ID, "seed", job.Config.SeedURL)
	s.crawls.Go(func() error {
		s.execute(r.ctx, r)
		return nil
	})
}

func (s *Scheduler) execute(ctx context.Context, r *run) {
	job := r.job
	defer func() {
		r.cancel()
		s.mu.Lock()
		delete(s.running, job.ID)
		s.mu.Unlock()
		s.wakeUp()
	}()

	res := s.runCrawl(ctx, r)

	startedAt, owned := r.finish()
	if !owned {
		s.logger.Warn("crawl ended after losing its claim, result discarded", "job_id", job.ID)
		return
	}

	status := res.State.JobStatus()
	if !status.IsTerminal() {
		status = types.JobFailed
	}
	finished := s.now()
	job.Status = status
	job.Progress = res.Progress.JobProgress()
	job.StartedAt = &startedAt
	job.CompletedAt = &finished
	if status == types.JobFailed {
		job.ErrorMessage = types.UserMessage(res.Err)
	}

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	saved, err := s.store.FinishJob(persistCtx, job)
	if err != nil {
		s.logger.Error("save final job status failed", "job_id", job.ID, "error", err)
	}
	if err == nil && !saved {
		current, gerr := s.store.GetJob(persistCtx, job.ID)
		if gerr != nil || current.Status != types.JobCancelled {
			s.logger.Warn("job changed hands during crawl, result discarded", "job_id", job.ID, "error", gerr)
			return
		}
		// Cancelled while running; keep that status and record the final
		// counters only.
		status = types.JobCancelled
		if _, err := s.store.UpdateJobProgress(persistCtx, job.ID, job.Progress); err != nil {
			s.logger.Error("save final progress failed", "job_id", job.ID, "error", err)
		}
	}
	if err := s.store.MarkQueueItemCompleted(persistCtx, r.slotID, queueStatus(status)); err != nil {
		s.logger.Error("complete queue slot failed", "slot_id", r.slotID, "error", err)
	}
	if saved {
		s.metrics.JobFinished(string(status))
	}

	s.logger.Info("crawl finished",
		"tenant_id", job.TenantID,
		"job_id", job.ID,
		"status", status,
		"crawled", job.Progress.Crawled,
		"failed", job.Progress.Failed,
	)
}

func (s *Scheduler) runCrawl(ctx context.Context, r *run) (res *engine.Result) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("crawl panicked", "job_id", r.job.ID, "panic", p)
			res = &engine.Result{JobID: r.job.ID, State: engine.StateFailed, Err: fmt.Errorf("crawl panicked: %v", p)}
		}
	}()

	runner := s.runner(engine.Options{
		JobID:       r.job.ID,
		TenantID:    r.job.TenantID,
		Job:         r.job.Config,
		Config:      s.cfg,
		Sink:        s.sink,
		Checkpoints: s.store,
		Metrics:     s.metrics,
		Logger:      s.logger,
	})
	return runner.Run(ctx, r.token, s.observer(ctx, r))
}

// observer persists progress on the first event and every ProgressEvery
// events after, and picks up cancellations recorded by other processes.
func (s *Scheduler) observer(ctx context.Context, r *run) engine.Observer {
	every := s.cfg.Scheduler.ProgressEvery
	if every <= 0 {
		every = 10
	}
	return func(ev engine.Event) {
		if ev.Kind != engine.EventProgress {
			return
		}
		if n := r.setProgress(ev.Progress); n != 1 && n%every != 0 {
			return
		}

		status, err := s.store.UpdateJobProgress(ctx, r.job.ID, ev.Progress.JobProgress())
		if err != nil {
			s.logger.Warn("save progress failed", "job_id", r.job.ID, "error", err)
			return
		}
		if status == types.JobCancelled {
			r.token.Cancel()
		}
	}
}

// gatewaySink lets the gateway sit in a MultiSink. The scheduler's owner
// closes the gateway, not the sink.
type gatewaySink struct {
	storage.Gateway
}

func (gatewaySink) Name() string { return "gateway" }

func (gatewaySink) Close() error { return nil }

func queueStatus(s types.JobStatus) types.QueueStatus {
	switch s {
	case types.JobCompleted:
		return types.QueueCompleted
	case types.JobCancelled:
		return types.QueueCancelled
	default:
		return types.QueueFailed
	}
}

// Shutdown stops the poll loop, asks running crawls to cancel and waits for
// them up to the shutdown timeout or ctx, whichever is first. Crawls still
// running after that have their contexts cancelled.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })
	if s.loopDone != nil {
		<-s.loopDone
	}

	s.mu.Lock()
	for _, r := range s.running {
		r.token.Cancel()
	}
	n := len(s.running)
	s.mu.Unlock()
	s.logger.Info("scheduler stopping", "running", n)

	done := make(chan struct{})
	go func() {
		_ = s.crawls.Wait()
		close(done)
	}()

	timeout := s.cfg.Scheduler.ShutdownTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	s.mu.Lock()
	for _, r := range s.running {
		r.cancel()
	}
	s.mu.Unlock()
	<-done
	return errors.New("shutdown timed out waiting for crawls")
}

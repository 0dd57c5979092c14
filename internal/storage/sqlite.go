package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/IshaanNene/seocrawl/internal/types"
)

// timeLayout is fixed width and always UTC so stored timestamps compare
// correctly as text.
const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// SQLiteGateway implements Gateway on a single SQLite database file.
type SQLiteGateway struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// OpenSQLite opens or creates seocrawl.db in dir and applies the schema.
func OpenSQLite(dir string, logger *slog.Logger) (*SQLiteGateway, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	path := filepath.Join(dir, "seocrawl.db")

	// Immediate transactions take the write lock up front, so the
	// check-then-insert in EnqueueJob cannot interleave across processes.
	dsn := path + "?mode=rwc&_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.ExecContext(context.Background(), "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	g := &SQLiteGateway{
		db:     db,
		path:   path,
		logger: logger.With("component", "sqlite_gateway"),
	}
	if err := g.createTables(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	g.logger.Debug("database opened", "path", path)
	return g, nil
}

// Path returns the database file location.
func (g *SQLiteGateway) Path() string { return g.path }

// Name identifies the gateway when used as a page sink.
func (g *SQLiteGateway) Name() string { return "sqlite" }

// Close closes the database.
func (g *SQLiteGateway) Close() error {
	return g.db.Close()
}

func (g *SQLiteGateway) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tenants (
		id TEXT PRIMARY KEY,
		seed_url TEXT NOT NULL,
		config TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS crawl_jobs (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		config TEXT NOT NULL,
		status TEXT NOT NULL,
		discovered INTEGER NOT NULL DEFAULT 0,
		crawled INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		skipped INTEGER NOT NULL DEFAULT 0,
		triggered_by TEXT NOT NULL,
		error_message TEXT,
		created_at TEXT NOT NULL,
		started_at TEXT,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_tenant ON crawl_jobs(tenant_id, created_at);

	-- At most one queued or running job per tenant.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_one_active
		ON crawl_jobs(tenant_id) WHERE status IN ('queued', 'running');

	CREATE TABLE IF NOT EXISTS crawl_queue (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		job_id TEXT NOT NULL REFERENCES crawl_jobs(id),
		priority INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		scheduled_for TEXT NOT NULL,
		started_at TEXT,
		heartbeat_at TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_queue_status ON crawl_queue(status, priority, created_at);
	CREATE INDEX IF NOT EXISTS idx_queue_tenant ON crawl_queue(tenant_id, status);

	CREATE TABLE IF NOT EXISTS schedules (
		tenant_id TEXT PRIMARY KEY,
		cadence TEXT NOT NULL,
		next_run_at TEXT NOT NULL,
		last_run_at TEXT
	);

	CREATE TABLE IF NOT EXISTS pages (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		job_id TEXT,
		url TEXT NOT NULL,
		final_url TEXT,
		status_code INTEGER,
		response_time_ms INTEGER,
		content_type TEXT,
		title TEXT,
		meta_description TEXT,
		canonical TEXT,
		meta_robots TEXT,
		lang TEXT,
		headings TEXT,
		internal_links TEXT,
		external_links TEXT,
		images TEXT,
		structured_data TEXT,
		word_count INTEGER,
		issues TEXT,
		crawl_depth INTEGER,
		source TEXT,
		content_hash TEXT,
		crawled_at TEXT NOT NULL,
		UNIQUE(tenant_id, url)
	);

	CREATE INDEX IF NOT EXISTS idx_pages_job ON pages(job_id);

	CREATE TABLE IF NOT EXISTS checkpoints (
		job_id TEXT PRIMARY KEY,
		data BLOB NOT NULL,
		updated_at TEXT NOT NULL
	);
	`
	if _, err := g.db.ExecContext(context.Background(), schema); err != nil {
		return err
	}
	return g.migrate()
}

// migrate adds columns introduced after a database was first created.
func (g *SQLiteGateway) migrate() error {
	_, err := g.db.ExecContext(context.Background(), "ALTER TABLE crawl_queue ADD COLUMN heartbeat_at TEXT")
	if err != nil && !strings.Contains(err.Error(), "duplicate column") {
		return fmt.Errorf("add crawl_queue.heartbeat_at: %w", err)
	}
	return nil
}

// NewID returns a new sortable identifier.
func NewID() string {
	return ulid.Make().String()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339, s)
	}
	return t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func timePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func storageErr(op string, err error) error {
	return &types.StorageError{Backend: "sqlite", Op: op, Err: err}
}

// --- Tenants ---

// UpsertTenant creates or replaces a tenant.
func (g *SQLiteGateway) UpsertTenant(ctx context.Context, t *types.Tenant) error {
	cfg, err := marshalJSON(t.Config)
	if err != nil {
		return err
	}
	_, err = g.db.ExecContext(ctx, `
		INSERT INTO tenants (id, seed_url, config, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET seed_url = excluded.seed_url, config = excluded.config, updated_at = excluded.updated_at`,
		t.ID, t.SeedURL, cfg, formatTime(time.Now()))
	if err != nil {
		return storageErr("upsert tenant", err)
	}
	return nil
}

// GetTenant returns types.ErrNoTenant when the tenant is unknown.
func (g *SQLiteGateway) GetTenant(ctx context.Context, tenantID string) (*types.Tenant, error) {
	var t types.Tenant
	var cfg string
	err := g.db.QueryRowContext(ctx, "SELECT id, seed_url, config FROM tenants WHERE id = ?", tenantID).
		Scan(&t.ID, &t.SeedURL, &cfg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNoTenant
	}
	if err != nil {
		return nil, storageErr("get tenant", err)
	}
	if err := unmarshalJSON(cfg, &t.Config); err != nil {
		return nil, err
	}
	return &t, nil
}

// --- Schedules ---

// UpsertSchedule creates or replaces a tenant's recurring schedule.
func (g *SQLiteGateway) UpsertSchedule(ctx context.Context, s *types.Schedule) error {
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO schedules (tenant_id, cadence, next_run_at, last_run_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET cadence = excluded.cadence,
			next_run_at = excluded.next_run_at, last_run_at = excluded.last_run_at`,
		s.TenantID, string(s.Cadence), formatTime(s.NextRunAt), nullTime(s.LastRunAt))
	if err != nil {
		return storageErr("upsert schedule", err)
	}
	return nil
}

// GetSchedule returns nil when the tenant has no schedule.
func (g *SQLiteGateway) GetSchedule(ctx context.Context, tenantID string) (*types.Schedule, error) {
	row := g.db.QueryRowContext(ctx,
		"SELECT tenant_id, cadence, next_run_at, last_run_at FROM schedules WHERE tenant_id = ?", tenantID)
	s, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get schedule", err)
	}
	return s, nil
}

// DeleteSchedule removes a tenant's schedule. Deleting a missing schedule
// is not an error.
func (g *SQLiteGateway) DeleteSchedule(ctx context.Context, tenantID string) error {
	if _, err := g.db.ExecContext(ctx, "DELETE FROM schedules WHERE tenant_id = ?", tenantID); err != nil {
		return storageErr("delete schedule", err)
	}
	return nil
}

// DueSchedules returns schedules whose next run is at or before now.
func (g *SQLiteGateway) DueSchedules(ctx context.Context, now time.Time) ([]*types.Schedule, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT tenant_id, cadence, next_run_at, last_run_at FROM schedules
		WHERE next_run_at <= ? ORDER BY next_run_at ASC`, formatTime(now))
	if err != nil {
		return nil, storageErr("due schedules", err)
	}
	defer rows.Close()

	var out []*types.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, storageErr("scan schedule", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row rowScanner) (*types.Schedule, error) {
	var s types.Schedule
	var cadence, next string
	var last sql.NullString
	if err := row.Scan(&s.TenantID, &cadence, &next, &last); err != nil {
		return nil, err
	}
	s.Cadence = types.Cadence(cadence)
	s.NextRunAt = parseTime(next)
	s.LastRunAt = timePtr(last)
	return &s, nil
}

// --- Checkpoints ---

// SaveCheckpoint stores the job's serialized crawl state.
func (g *SQLiteGateway) SaveCheckpoint(ctx context.Context, jobID string, data []byte) error {
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO checkpoints (job_id, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		jobID, data, formatTime(time.Now()))
	if err != nil {
		return storageErr("save checkpoint", err)
	}
	return nil
}

// LoadCheckpoint returns nil when the job has no checkpoint.
func (g *SQLiteGateway) LoadCheckpoint(ctx context.Context, jobID string) ([]byte, error) {
	var data []byte
	err := g.db.QueryRowContext(ctx, "SELECT data FROM checkpoints WHERE job_id = ?", jobID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("load checkpoint", err)
	}
	return data, nil
}

// DeleteCheckpoint removes the job's checkpoint, if any.
func (g *SQLiteGateway) DeleteCheckpoint(ctx context.Context, jobID string) error {
	if _, err := g.db.ExecContext(ctx, "DELETE FROM checkpoints WHERE job_id = ?", jobID); err != nil {
		return storageErr("delete checkpoint", err)
	}
	return nil
}

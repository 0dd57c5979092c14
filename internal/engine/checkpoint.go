package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/IshaanNene/seocrawl/internal/types"
)

// CheckpointStore persists serialized crawl state keyed by job ID.
// LoadCheckpoint returns nil data and nil error when none exists.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, jobID string, data []byte) error
	LoadCheckpoint(ctx context.Context, jobID string) ([]byte, error)
	DeleteCheckpoint(ctx context.Context, jobID string) error
}

// Checkpoint is the serializable crawl state needed to resume a job.
type Checkpoint struct {
	JobID     string                `json:"job_id"`
	Timestamp time.Time             `json:"timestamp"`
	Pending   []types.FrontierEntry `json:"pending"`
	Seen      []string              `json:"seen"`
	Frontier  FrontierStats         `json:"frontier"`
	Counters  CheckpointCounters    `json:"counters"`
}

// CheckpointCounters are the orchestrator counters carried across a resume.
type CheckpointCounters struct {
	Crawled     int `json:"crawled"`
	Failed      int `json:"failed"`
	Skipped     int `json:"skipped"`
	Attempts    int `json:"attempts"`
	Consecutive int `json:"consecutive"`
}

// CheckpointManager saves and restores orchestrator state through a
// CheckpointStore.
type CheckpointManager struct {
	store CheckpointStore
	jobID string
}

// NewCheckpointManager creates a CheckpointManager for one job.
func NewCheckpointManager(store CheckpointStore, jobID string) *CheckpointManager {
	return &CheckpointManager{store: store, jobID: jobID}
}

// Save snapshots the frontier (non-destructively) and counters.
func (cm *CheckpointManager) Save(ctx context.Context, frontier *Frontier, c CheckpointCounters) error {
	pending, seen := frontier.Snapshot()
	cp := Checkpoint{
		JobID:     cm.jobID,
		Timestamp: time.Now(),
		Pending:   pending,
		Seen:      seen,
		Frontier:  frontier.Stats(),
		Counters:  c,
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	return cm.store.SaveCheckpoint(ctx, cm.jobID, data)
}

// Load restores a checkpoint into frontier. It reports false when there is
// nothing to restore.
func (cm *CheckpointManager) Load(ctx context.Context, frontier *Frontier) (CheckpointCounters, bool, error) {
	data, err := cm.store.LoadCheckpoint(ctx, cm.jobID)
	if err != nil {
		return CheckpointCounters{}, false, fmt.Errorf("load checkpoint: %w", err)
	}
	if len(data) == 0 {
		return CheckpointCounters{}, false, nil
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return CheckpointCounters{}, false, fmt.Errorf("decode checkpoint: %w", err)
	}
	frontier.Restore(cp.Pending, cp.Seen, cp.Frontier)
	return cp.Counters, true, nil
}

// Clean removes the job's checkpoint.
func (cm *CheckpointManager) Clean(ctx context.Context) error {
	return cm.store.DeleteCheckpoint(ctx, cm.jobID)
}

// FileCheckpointStore keeps one JSON file per job in a directory.
type FileCheckpointStore struct {
	dir string
}

// NewFileCheckpointStore creates a store rooted at dir.
func NewFileCheckpointStore(dir string) *FileCheckpointStore {
	return &FileCheckpointStore{dir: dir}
}

func (s *FileCheckpointStore) path(jobID string) string {
	return filepath.Join(s.dir, filepath.Base(jobID)+".checkpoint.json")
}

// SaveCheckpoint writes to a temp file, then renames it into place.
func (s *FileCheckpointStore) SaveCheckpoint(_ context.Context, jobID string, data []byte) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	final := s.path(jobID)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("rename checkpoint file: %w", err)
	}
	return nil
}

// LoadCheckpoint reads the job's checkpoint, if any.
func (s *FileCheckpointStore) LoadCheckpoint(_ context.Context, jobID string) ([]byte, error) {
	data, err := os.ReadFile(s.path(jobID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return data, err
}

// DeleteCheckpoint removes the job's checkpoint file.
func (s *FileCheckpointStore) DeleteCheckpoint(_ context.Context, jobID string) error {
	if err := os.Remove(s.path(jobID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

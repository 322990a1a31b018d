// Package store keeps a local index of runs. The CSV ledger remains the
// experiment's source of truth; the index only records when runs happened
// and how far each model got, for the runs and serve commands.
package store

import (
	"context"
	"time"
)

// RunStatus tracks a run's lifecycle in the index.
type RunStatus string

const (
	RunStatusRunning     RunStatus = "running"
	RunStatusComplete    RunStatus = "complete"
	RunStatusInterrupted RunStatus = "interrupted"
	RunStatusFailed      RunStatus = "failed"
)

// Run is one invocation of the run command.
type Run struct {
	ID            string     `json:"id"`
	ConfigVersion string     `json:"config_version"`
	Status        RunStatus  `json:"status"`
	Models        []string   `json:"models"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

// ModelPhase is one model's slice of a run.
type ModelPhase struct {
	ID             string     `json:"id"`
	RunID          string     `json:"run_id"`
	ModelID        string     `json:"model_id"`
	Status         RunStatus  `json:"status"`
	CompletedPairs int        `json:"completed_pairs"`
	ExcludedRows   int        `json:"excluded_rows"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	Status RunStatus
	Limit  int
}

// Store is the runs index. Implementations must be safe for use from a
// single writer plus concurrent readers.
type Store interface {
	Migrate(ctx context.Context) error
	BeginRun(ctx context.Context, configVersion string, models []string) (*Run, error)
	FinishRun(ctx context.Context, runID string, status RunStatus) error
	BeginModel(ctx context.Context, runID, modelID string) (*ModelPhase, error)
	FinishModel(ctx context.Context, phaseID string, status RunStatus, completedPairs, excludedRows int) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]Run, error)
	ListModelPhases(ctx context.Context, runID string) ([]ModelPhase, error)
	Close() error
}

// Package store persists pipeline runs and their phases.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
)

// ErrNotFound is returned when a run or phase does not exist.
var ErrNotFound = eris.New("store: not found")

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunStatusQueued   RunStatus = "queued"
	RunStatusRunning  RunStatus = "running"
	RunStatusFinished RunStatus = "finished"
	RunStatusFailed   RunStatus = "failed"
)

// PhaseStatus is the state of one pipeline phase.
type PhaseStatus string

const (
	PhaseStatusRunning  PhaseStatus = "running"
	PhaseStatusComplete PhaseStatus = "complete"
	PhaseStatusFailed   PhaseStatus = "failed"
)

// RunParams are the inputs a run was started with.
type RunParams struct {
	Window     string `json:"window"`
	Weekday    int    `json:"weekday"`
	AreaTable  string `json:"area_table,omitempty"`
	Level      int    `json:"level"`
	ConfigPath string `json:"config_path,omitempty"`
}

// RunResult summarises a finished run.
type RunResult struct {
	Stations   int   `json:"stations"`
	Classified int   `json:"classified"`
	Candidates int   `json:"candidates"`
	Zones      int   `json:"zones"`
	DurationMs int64 `json:"duration_ms"`
}

// Run is one execution of the pipeline.
type Run struct {
	ID        string     `json:"id"`
	Params    RunParams  `json:"params"`
	Status    RunStatus  `json:"status"`
	Result    *RunResult `json:"result,omitempty"`
	Error     string     `json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Phase is one stage of a run.
type Phase struct {
	ID        string       `json:"id"`
	RunID     string       `json:"run_id"`
	Name      string       `json:"name"`
	Status    PhaseStatus  `json:"status"`
	Result    *PhaseResult `json:"result,omitempty"`
	StartedAt time.Time    `json:"started_at"`
}

// PhaseResult holds the outcome of a phase.
type PhaseResult struct {
	Status     PhaseStatus `json:"status"`
	DurationMs int64       `json:"duration_ms"`
	Rows       int         `json:"rows"`
	Error      string      `json:"error,omitempty"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status RunStatus `json:"status,omitempty"`
	Limit  int       `json:"limit,omitempty"`
	Offset int       `json:"offset,omitempty"`
}

// Store defines the persistence interface for pipeline runs.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, params RunParams) (*Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status RunStatus) error
	UpdateRunResult(ctx context.Context, runID string, result *RunResult) error
	FailRun(ctx context.Context, runID string, reason string) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]Run, error)

	// Phases
	CreatePhase(ctx context.Context, runID string, name string) (*Phase, error)
	CompletePhase(ctx context.Context, phaseID string, result *PhaseResult) error
	ListPhases(ctx context.Context, runID string) ([]Phase, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

const defaultListLimit = 100

// Package store persists run history: terminal execution snapshots and an
// append-only per-run event log, backed by libSQL.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nvidal/stepwise/pkg/schema"
)

// RunSummary is the list view of an archived run.
type RunSummary struct {
	RunID      string                 `json:"runId"`
	WorkflowID string                 `json:"workflowId"`
	Status     schema.ExecutionStatus `json:"status"`
	DebugMode  schema.DebugMode       `json:"debugMode"`
	NodesRun   int                    `json:"nodesRun"`
	StartedAt  time.Time              `json:"startedAt"`
	FinishedAt *time.Time             `json:"finishedAt,omitempty"`
}

// RunFilter narrows ListRuns results.
type RunFilter struct {
	WorkflowID string
	Status     *schema.ExecutionStatus
	Since      *time.Time
	Limit      int
	Offset     int
}

// RunEvent is one append-only record in a run's event stream. Sequence is
// assigned by the store, monotonically per run.
type RunEvent struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"runId"`
	NodeID    string          `json:"nodeId,omitempty"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// Store is the run history persistence contract.
type Store interface {
	// SaveRun upserts a run snapshot keyed by run id.
	SaveRun(ctx context.Context, st schema.ExecutionState) error
	GetRun(ctx context.Context, runID string) (*schema.ExecutionState, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*RunSummary, error)
	DeleteRun(ctx context.Context, runID string) error

	AppendEvent(ctx context.Context, event *RunEvent) error
	GetEvents(ctx context.Context, runID string, since int64) ([]*RunEvent, error)

	Migrate(ctx context.Context) error
	Close() error
}

package schema

import "time"

// ExecutionStatus is the lifecycle state of a run.
type ExecutionStatus string

const (
	StatusIdle      ExecutionStatus = "idle"
	StatusRunning   ExecutionStatus = "running"
	StatusPaused    ExecutionStatus = "paused"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
)

// IsTerminal reports whether the status admits no further transitions.
func (s ExecutionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// DebugMode controls dispatch gating for a run.
type DebugMode string

const (
	DebugNone       DebugMode = "none"
	DebugStep       DebugMode = "step"
	DebugBreakpoint DebugMode = "breakpoint"
)

// ParseDebugMode maps a wire string to a DebugMode, defaulting to DebugNone.
func ParseDebugMode(s string) DebugMode {
	switch DebugMode(s) {
	case DebugStep:
		return DebugStep
	case DebugBreakpoint:
		return DebugBreakpoint
	default:
		return DebugNone
	}
}

// Log levels for ExecutionLog entries.
const (
	LogInfo  = "info"
	LogWarn  = "warn"
	LogError = "error"
)

// ExecutionLog is one entry in a run's ordered log stream.
type ExecutionLog struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	NodeID    string    `json:"nodeId,omitempty"`
	Message   string    `json:"message"`
}

// ExecutionState is the pollable snapshot of a run. It is produced as a deep
// copy: callers may read it freely while the run's worker keeps writing the
// live state.
type ExecutionState struct {
	WorkflowID    string          `json:"workflowId"`
	RunID         string          `json:"runId"`
	Status        ExecutionStatus `json:"status"`
	CurrentNodeID string          `json:"currentNodeId,omitempty"`
	Logs          []ExecutionLog  `json:"logs"`
	Variables     map[string]any  `json:"variables"`
	Error         *FlowError      `json:"error,omitempty"`
	DebugMode     DebugMode       `json:"debugMode"`
	Breakpoints   []string        `json:"breakpoints,omitempty"`
	StartedAt     time.Time       `json:"startedAt"`
	FinishedAt    *time.Time      `json:"finishedAt,omitempty"`
	NodesRun      int             `json:"nodesRun"`
}

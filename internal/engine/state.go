package engine

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nvidal/stepwise/pkg/schema"
)

// validTransitions is the run status state machine. Completed and Failed are
// terminal: they appear in no source row.
var validTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.StatusIdle:    {schema.StatusRunning, schema.StatusFailed},
	schema.StatusRunning: {schema.StatusPaused, schema.StatusCompleted, schema.StatusFailed},
	schema.StatusPaused:  {schema.StatusRunning, schema.StatusFailed},
}

func transitionAllowed(from, to schema.ExecutionStatus) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// runState is the live execution state of one run. The run's worker is the
// sole writer; every reader goes through Snapshot, which copies under the
// read lock so observers never see torn state.
type runState struct {
	mu sync.RWMutex
	st schema.ExecutionState

	// notify, when set, observes every successful status transition. Called
	// on the worker goroutine outside the state lock.
	notify func(from, to schema.ExecutionStatus, nodeID string)
}

// newRunID mints a run identifier.
func newRunID() string {
	return uuid.New().String()
}

func newRunState(workflowID, runID string, mode schema.DebugMode) *runState {
	return &runState{st: schema.ExecutionState{
		WorkflowID: workflowID,
		RunID:      runID,
		Status:     schema.StatusIdle,
		DebugMode:  mode,
		Logs:       []schema.ExecutionLog{},
		StartedAt:  time.Now().UTC(),
	}}
}

// transition moves the run to a new status. Invalid transitions (including
// any transition out of a terminal status) are rejected.
func (s *runState) transition(to schema.ExecutionStatus) error {
	s.mu.Lock()
	if !transitionAllowed(s.st.Status, to) {
		from := s.st.Status
		s.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeInternal,
			"invalid status transition %s -> %s", from, to)
	}
	from := s.st.Status
	s.st.Status = to
	if to.IsTerminal() {
		now := time.Now().UTC()
		s.st.FinishedAt = &now
	}
	nodeID := s.st.CurrentNodeID
	notify := s.notify
	s.mu.Unlock()

	if notify != nil {
		notify(from, to, nodeID)
	}
	return nil
}

// status returns the current status.
func (s *runState) status() schema.ExecutionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.Status
}

// setCurrentNode records the node about to be dispatched and counts it.
func (s *runState) setCurrentNode(nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.st.Status.IsTerminal() {
		return
	}
	s.st.CurrentNodeID = nodeID
	s.st.NodesRun++
}

// setPausedAt records the node the run is paused in front of without
// counting it as dispatched.
func (s *runState) setPausedAt(nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.st.Status.IsTerminal() {
		return
	}
	s.st.CurrentNodeID = nodeID
}

// setError records the failure that terminated the run.
func (s *runState) setError(fe *schema.FlowError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.Error = fe
}

// appendLog adds an entry to the ordered log stream.
func (s *runState) appendLog(level, nodeID, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.Logs = append(s.st.Logs, schema.ExecutionLog{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Level:     level,
		NodeID:    nodeID,
		Message:   message,
	})
}

// nodesRun returns the number of dispatched nodes so far.
func (s *runState) nodesRun() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.NodesRun
}

// snapshot returns a deep copy of the state. Variables and breakpoints are
// filled in by the session, which owns those collaborators.
func (s *runState) snapshot() schema.ExecutionState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := s.st
	out.Logs = make([]schema.ExecutionLog, len(s.st.Logs))
	copy(out.Logs, s.st.Logs)
	if s.st.Error != nil {
		errCopy := *s.st.Error
		out.Error = &errCopy
	}
	if s.st.FinishedAt != nil {
		t := *s.st.FinishedAt
		out.FinishedAt = &t
	}
	return out
}

package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nvidal/stepwise/internal/expressions"
	"github.com/nvidal/stepwise/internal/handlers"
	"github.com/nvidal/stepwise/internal/logging"
	"github.com/nvidal/stepwise/internal/validation"
	"github.com/nvidal/stepwise/internal/vars"
	"github.com/nvidal/stepwise/pkg/schema"
)

// Archiver persists run history: terminal snapshots and the status-transition
// event stream. The engine treats persistence as best effort; an archiver
// failure never affects the run outcome.
type Archiver interface {
	SaveRun(ctx context.Context, st schema.ExecutionState) error
	SaveEvent(ctx context.Context, runID, nodeID, eventType string, payload any) error
}

// session is the live handle for one run: its state, debug controller,
// environment, and the means to cancel its worker.
type session struct {
	workflowID string
	runID      string
	state      *runState
	ctrl       *Controller
	env        *vars.Env
	cancel     context.CancelFunc
	done       chan struct{}
}

func (s *session) active() bool {
	return !s.state.status().IsTerminal()
}

// Manager owns the workflow library and the run sessions. One run per
// workflow id at a time; a second start while a run is active is rejected.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*session
	library  map[string]*schema.Workflow

	reg       *handlers.Registry
	expr      *expressions.Engine
	validator *validation.Validator
	archiver  Archiver
	log       *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithArchiver attaches a run history archiver.
func WithArchiver(a Archiver) Option {
	return func(m *Manager) { m.archiver = a }
}

// NewManager creates a manager with the given handler registry.
func NewManager(reg *handlers.Registry, log *slog.Logger, opts ...Option) (*Manager, error) {
	validator, err := validation.NewValidator()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		sessions:  make(map[string]*session),
		library:   make(map[string]*schema.Workflow),
		reg:       reg,
		expr:      expressions.NewEngine(),
		validator: validator,
		log:       log,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Register validates a workflow and adds it to the library, replacing any
// previous definition under the same id. Registered workflows can be started
// by id and resolved as subflow targets.
func (m *Manager) Register(wf *schema.Workflow) error {
	if err := m.validator.Validate(wf); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.library[wf.ID] = wf
	return nil
}

// Workflows returns the ids of the registered workflows.
func (m *Manager) Workflows() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.library))
	for id := range m.library {
		out = append(out, id)
	}
	return out
}

// Workflow returns a registered workflow definition.
func (m *Manager) Workflow(workflowID string) (*schema.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.library[workflowID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q is not registered", workflowID)
	}
	return wf, nil
}

// StartByID starts a registered workflow.
func (m *Manager) StartByID(ctx context.Context, workflowID string, mode schema.DebugMode, breakpoints ...string) (string, error) {
	m.mu.Lock()
	wf, ok := m.library[workflowID]
	m.mu.Unlock()
	if !ok {
		return "", schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q is not registered", workflowID)
	}
	return m.Start(ctx, wf, mode, breakpoints...)
}

// Start validates and launches a workflow run. It returns the run id
// immediately; the run proceeds on its own worker goroutine. A run already
// active for the same workflow id rejects the start.
func (m *Manager) Start(ctx context.Context, wf *schema.Workflow, mode schema.DebugMode, breakpoints ...string) (string, error) {
	if err := m.validator.Validate(wf); err != nil {
		return "", err
	}
	g, err := compileGraph(wf, m.expr)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.sessions[wf.ID]; ok && existing.active() {
		return "", schema.NewErrorf(schema.ErrCodeAlreadyRunning,
			"workflow %q already has an active run %s", wf.ID, existing.runID)
	}
	if _, ok := m.library[wf.ID]; !ok {
		m.library[wf.ID] = wf
	}

	runID := newRunID()
	ctrl := newController(mode)
	ctrl.SetBreakpoints(breakpoints)
	env := vars.NewEnv(nil)
	state := newRunState(wf.ID, runID, mode)

	if m.archiver != nil {
		state.notify = func(from, to schema.ExecutionStatus, nodeID string) {
			payload := map[string]any{"from": string(from), "to": string(to)}
			if err := m.archiver.SaveEvent(context.Background(), runID, nodeID,
				"status."+string(to), payload); err != nil {
				m.log.Warn("failed to archive status event",
					"workflow_id", wf.ID, "run_id", runID, "error", err)
			}
		}
	}

	// The run outlives the caller's request context. Cancellation comes from
	// Stop or Shutdown, not from the request that started the run.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	sess := &session{
		workflowID: wf.ID,
		runID:      runID,
		state:      state,
		ctrl:       ctrl,
		env:        env,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	m.sessions[wf.ID] = sess

	rnr := newRunner(g, m.reg, env, m.expr, state, ctrl, m.log, m.lookup, 0)
	go m.work(runCtx, sess, rnr)

	return runID, nil
}

// lookup resolves subflow targets from the library.
func (m *Manager) lookup(workflowID string) (*schema.Workflow, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.library[workflowID]
	return wf, ok
}

// work is the run's worker goroutine: the sole writer of its execution
// state. It settles the run, archives the terminal snapshot, and releases
// the session's cancel resources.
func (m *Manager) work(ctx context.Context, sess *session, rnr *runner) {
	defer close(sess.done)
	defer sess.cancel()

	ctx = logging.WithWorkflowID(ctx, sess.workflowID)
	ctx = logging.WithRunID(ctx, sess.runID)

	err := rnr.run(ctx)
	if err != nil {
		m.log.ErrorContext(ctx, "run failed", "error", err)
	} else {
		m.log.InfoContext(ctx, "run completed", "nodes_run", sess.state.nodesRun())
	}

	if m.archiver != nil {
		// Best effort, run outcome is already settled.
		if aerr := m.archiver.SaveRun(context.WithoutCancel(ctx), m.compose(sess)); aerr != nil {
			m.log.WarnContext(ctx, "failed to archive run", "error", aerr)
		}
	}
}

// compose builds the externally visible state from the session's parts.
func (m *Manager) compose(sess *session) schema.ExecutionState {
	st := sess.state.snapshot()
	st.Variables = sess.env.SnapshotAny()
	st.Breakpoints = sess.ctrl.Breakpoints()
	return st
}

// find returns the session for a workflow id.
func (m *Manager) find(workflowID string) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[workflowID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no run found for workflow %q", workflowID)
	}
	return sess, nil
}

// State returns a deep copy of the run's current execution state.
func (m *Manager) State(workflowID string) (schema.ExecutionState, error) {
	sess, err := m.find(workflowID)
	if err != nil {
		return schema.ExecutionState{}, err
	}
	return m.compose(sess), nil
}

// Variables returns the run's flattened variable snapshot.
func (m *Manager) Variables(workflowID string) (map[string]any, error) {
	sess, err := m.find(workflowID)
	if err != nil {
		return nil, err
	}
	return sess.env.SnapshotAny(), nil
}

// Pause asks the run to pause before its next node dispatch. The pause
// takes effect at the next dispatch gate, not mid-node.
func (m *Manager) Pause(workflowID string) error {
	sess, err := m.find(workflowID)
	if err != nil {
		return err
	}
	if !sess.active() {
		return schema.NewErrorf(schema.ErrCodeValidation, "run %s already finished", sess.runID)
	}
	sess.ctrl.RequestPause()
	return nil
}

// Resume releases a paused run. In step mode the run pauses again before
// the next node, so resume and step are equivalent there.
func (m *Manager) Resume(workflowID string) error {
	return m.signal(workflowID, sigResume)
}

// Step releases a paused run for exactly one node dispatch.
func (m *Manager) Step(workflowID string) error {
	return m.signal(workflowID, sigStep)
}

func (m *Manager) signal(workflowID string, sig controlSignal) error {
	sess, err := m.find(workflowID)
	if err != nil {
		return err
	}
	if !sess.active() {
		return schema.NewErrorf(schema.ErrCodeValidation, "run %s already finished", sess.runID)
	}
	return sess.ctrl.Signal(sig)
}

// Stop cancels the run. A paused run is released with a stop signal; a
// running one observes the context cancellation at its next checkpoint.
// Either way the run settles as failed with a cancellation error.
func (m *Manager) Stop(workflowID string) error {
	sess, err := m.find(workflowID)
	if err != nil {
		return err
	}
	if !sess.active() {
		return schema.NewErrorf(schema.ErrCodeValidation, "run %s already finished", sess.runID)
	}
	_ = sess.ctrl.Signal(sigStop)
	sess.cancel()
	return nil
}

// ToggleBreakpoint flips a breakpoint on the run's controller and reports
// whether it is now set.
func (m *Manager) ToggleBreakpoint(workflowID, nodeID string) (bool, error) {
	sess, err := m.find(workflowID)
	if err != nil {
		return false, err
	}
	return sess.ctrl.Toggle(nodeID), nil
}

// ClearBreakpoints removes every breakpoint from the run's controller.
func (m *Manager) ClearBreakpoints(workflowID string) error {
	sess, err := m.find(workflowID)
	if err != nil {
		return err
	}
	sess.ctrl.Clear()
	return nil
}

// Wait blocks until the run's worker has settled, or the context expires.
// Mostly useful for callers that start a run and need its terminal state.
func (m *Manager) Wait(ctx context.Context, workflowID string) error {
	sess, err := m.find(workflowID)
	if err != nil {
		return err
	}
	select {
	case <-sess.done:
		return nil
	case <-ctx.Done():
		return schema.NewError(schema.ErrCodeCancelled, "wait aborted").WithCause(ctx.Err())
	}
}

// Shutdown stops every active run and waits for the workers to settle.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.Unlock()

	for _, sess := range sessions {
		if sess.active() {
			_ = sess.ctrl.Signal(sigStop)
			sess.cancel()
		}
	}
	for _, sess := range sessions {
		select {
		case <-sess.done:
		case <-ctx.Done():
			return schema.NewError(schema.ErrCodeCancelled, "shutdown aborted").WithCause(ctx.Err())
		}
	}
	return nil
}

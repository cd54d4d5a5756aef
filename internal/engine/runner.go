package engine

import (
	"context"
	"log/slog"

	"github.com/nvidal/stepwise/internal/expressions"
	"github.com/nvidal/stepwise/internal/handlers"
	"github.com/nvidal/stepwise/internal/logging"
	"github.com/nvidal/stepwise/internal/vars"
	"github.com/nvidal/stepwise/pkg/schema"
)

// maxSubflowDepth caps subflow nesting. Cycles between workflows in the
// library would otherwise recurse without bound.
const maxSubflowDepth = 16

// workflowResolver looks up a workflow by id for subflow dispatch.
type workflowResolver func(workflowID string) (*schema.Workflow, bool)

// runner drives one run of one compiled graph. It is used by a single
// worker goroutine; all shared state it touches (runState, Env, Controller)
// is internally synchronized for observers.
type runner struct {
	graph   *graph
	reg     *handlers.Registry
	env     *vars.Env
	state   *runState
	ctrl    *Controller
	log     *slog.Logger
	resolve workflowResolver
	depth   int

	hc *handlers.Context
}

func newRunner(
	g *graph,
	reg *handlers.Registry,
	env *vars.Env,
	expr *expressions.Engine,
	state *runState,
	ctrl *Controller,
	log *slog.Logger,
	resolve workflowResolver,
	depth int,
) *runner {
	r := &runner{
		graph:   g,
		reg:     reg,
		env:     env,
		state:   state,
		ctrl:    ctrl,
		log:     log,
		resolve: resolve,
		depth:   depth,
	}
	r.hc = &handlers.Context{
		Env:     env,
		Expr:    expr,
		Record:  r.record,
		Subflow: r.subflow,
		Loops:   make(map[string]*handlers.LoopState),
	}
	return r
}

// seedVariables binds the workflow's declared variables, coercing each to
// its declared type. Failed coercions fall back to the raw string with a
// warning, matching setVariable semantics. Global declarations land in the
// global frame; local ones go into a run-local frame above it, so they stay
// out of Globals() and never leak through subflow outputs.
func (r *runner) seedVariables(ctx context.Context) {
	seed := func(decl schema.Variable) {
		v, ok := vars.Coerce(decl.Value, decl.Type)
		if !ok {
			r.record(ctx, schema.LogWarn, "",
				"variable "+decl.Name+" is not a valid "+decl.Type+", keeping raw string")
		}
		r.env.Define(decl.Name, v)
	}

	hasLocals := false
	for _, decl := range r.graph.workflow.Variables {
		if decl.Scope == "local" {
			hasLocals = true
			continue
		}
		seed(decl)
	}
	if !hasLocals {
		return
	}
	r.env.Push()
	for _, decl := range r.graph.workflow.Variables {
		if decl.Scope == "local" {
			seed(decl)
		}
	}
}

// run executes the workflow from its start node and settles the run status:
// Completed on success, Failed with the classified error otherwise.
func (r *runner) run(ctx context.Context) error {
	ctx = logging.WithWorkflowID(ctx, r.graph.workflow.ID)

	if err := r.state.transition(schema.StatusRunning); err != nil {
		return err
	}
	r.seedVariables(ctx)

	err := r.executeFrom(ctx, r.graph.startID)
	if err != nil {
		fe := schema.AsFlowError(err, schema.ErrCodeHandler)
		r.state.setError(fe)
		r.record(ctx, schema.LogError, fe.NodeID, fe.Message)
		if terr := r.state.transition(schema.StatusFailed); terr != nil {
			r.log.ErrorContext(ctx, "failed to settle run status", "error", terr)
		}
		return fe
	}
	return r.state.transition(schema.StatusCompleted)
}

// executeFrom walks the graph from nodeID, dispatching one node at a time
// and following every edge matching each handler's output port. It returns
// when a node has no outgoing edge on its result port.
func (r *runner) executeFrom(ctx context.Context, nodeID string) error {
	for current := nodeID; current != ""; {
		if ctx.Err() != nil {
			return schema.NewError(schema.ErrCodeCancelled, "run stopped").WithCause(ctx.Err())
		}

		node := r.graph.node(current)
		if node == nil {
			return schema.NewErrorf(schema.ErrCodeInternal, "edge targets unknown node %q", current)
		}

		if err := r.gate(ctx, current); err != nil {
			return err
		}

		r.state.setCurrentNode(current)
		nodeCtx := logging.WithNodeID(ctx, current)

		h, err := r.reg.Resolve(node.Type)
		if err != nil {
			return schema.AsFlowError(err, schema.ErrCodeValidation).WithNode(current)
		}

		// Branch is bound per dispatch so tryCatch subgraphs start from the
		// node being executed. Saved and restored around the call because
		// nested dispatches rebind it.
		id := current
		prevBranch := r.hc.Branch
		r.hc.Branch = func(branchCtx context.Context, port string) error {
			for _, target := range r.graph.targets(id, port) {
				if err := r.executeFrom(branchCtx, target); err != nil {
					return err
				}
			}
			return nil
		}
		res, err := h.Execute(nodeCtx, node, r.hc)
		r.hc.Branch = prevBranch

		if err != nil {
			fe := schema.AsFlowError(err, schema.ErrCodeHandler)
			if fe.NodeID == "" {
				fe = fe.WithNode(current)
			}
			return fe
		}

		// Every edge on the matched port is followed, in declaration order.
		// A single target stays on the iterative path; fan-out recurses per
		// target chain.
		targets := r.graph.targets(current, res.Port)
		switch len(targets) {
		case 0:
			return nil
		case 1:
			current = targets[0]
		default:
			for _, target := range targets {
				if err := r.executeFrom(ctx, target); err != nil {
					return err
				}
			}
			return nil
		}
	}
	return nil
}

// gate pauses the run before dispatching nodeID when the debug controller
// says so, and blocks until a step, resume, or stop signal arrives.
func (r *runner) gate(ctx context.Context, nodeID string) error {
	if !r.ctrl.shouldPause(nodeID) {
		return nil
	}
	r.state.setPausedAt(nodeID)
	if err := r.state.transition(schema.StatusPaused); err != nil {
		return err
	}
	r.log.InfoContext(ctx, "run paused", "node_id", nodeID)

	if err := r.ctrl.await(ctx); err != nil {
		return err
	}
	if err := r.state.transition(schema.StatusRunning); err != nil {
		return err
	}
	r.log.InfoContext(ctx, "run resumed", "node_id", nodeID)
	return nil
}

// record appends to the run's ordered log stream and mirrors the entry to
// the structured logger.
func (r *runner) record(ctx context.Context, level, nodeID, message string) {
	r.state.appendLog(level, nodeID, message)
	if nodeID != "" {
		ctx = logging.WithNodeID(ctx, nodeID)
	}
	switch level {
	case schema.LogError:
		r.log.ErrorContext(ctx, message)
	case schema.LogWarn:
		r.log.WarnContext(ctx, message)
	default:
		r.log.InfoContext(ctx, message)
	}
}

// subflow runs a nested workflow synchronously in a fresh environment and
// returns its global variables. The nested run shares the parent's context
// for cancellation, never its debug controller.
func (r *runner) subflow(ctx context.Context, workflowID string, inputs map[string]vars.Value) (vars.Value, error) {
	if r.depth+1 >= maxSubflowDepth {
		return vars.Null(), schema.NewErrorf(schema.ErrCodeSubflow,
			"subflow nesting exceeds depth limit %d", maxSubflowDepth)
	}
	if r.resolve == nil {
		return vars.Null(), schema.NewErrorf(schema.ErrCodeSubflow,
			"workflow %q is not registered", workflowID)
	}
	wf, ok := r.resolve(workflowID)
	if !ok {
		return vars.Null(), schema.NewErrorf(schema.ErrCodeSubflow,
			"workflow %q is not registered", workflowID)
	}

	g, err := compileGraph(wf, r.hc.Expr)
	if err != nil {
		return vars.Null(), schema.AsFlowError(err, schema.ErrCodeSubflow)
	}

	env := vars.NewEnv(inputs)
	state := newRunState(wf.ID, newRunID(), schema.DebugNone)
	nested := newRunner(g, r.reg, env, r.hc.Expr, state, newController(schema.DebugNone),
		r.log, r.resolve, r.depth+1)

	if err := nested.run(logging.WithRunID(ctx, state.snapshot().RunID)); err != nil {
		return vars.Null(), schema.NewErrorf(schema.ErrCodeSubflow,
			"subflow %q failed: %s", workflowID, schema.AsFlowError(err, schema.ErrCodeSubflow).Message).
			WithCause(err)
	}
	return vars.Dict(env.Globals()), nil
}

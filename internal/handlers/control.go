package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/nvidal/stepwise/internal/vars"
	"github.com/nvidal/stepwise/pkg/schema"
)

type startHandler struct{}

func (h *startHandler) Type() string { return schema.NodeStart }

func (h *startHandler) Execute(ctx context.Context, node *Node, hc *Context) (Result, error) {
	hc.Record(ctx, schema.LogInfo, node.ID, "workflow started")
	return Result{Port: schema.PortDefault}, nil
}

type endHandler struct{}

func (h *endHandler) Type() string { return schema.NodeEnd }

func (h *endHandler) Execute(ctx context.Context, node *Node, hc *Context) (Result, error) {
	hc.Record(ctx, schema.LogInfo, node.ID, "workflow reached end node")
	return Result{Port: schema.PortDefault}, nil
}

type conditionHandler struct{}

func (h *conditionHandler) Type() string { return schema.NodeCondition }

func (h *conditionHandler) Execute(ctx context.Context, node *Node, hc *Context) (Result, error) {
	cfg := node.Config.(*schema.ConditionConfig)

	var outcome bool
	if cfg.Expression != "" {
		v, err := hc.Expr.EvaluateBool(cfg.Expression, hc.Env.SnapshotAny())
		if err != nil {
			return Result{}, schema.AsFlowError(err, schema.ErrCodeHandler).WithNode(node.ID)
		}
		outcome = v
	} else {
		left := interpolateField(ctx, hc, node.ID, cfg.LeftOperand)
		right := interpolateField(ctx, hc, node.ID, cfg.RightOperand)
		v, err := Compare(left, cfg.Operator, right)
		if err != nil {
			return Result{}, schema.AsFlowError(err, schema.ErrCodeHandler).WithNode(node.ID)
		}
		outcome = v
	}

	port := schema.PortFalse
	if outcome {
		port = schema.PortTrue
	}
	hc.Record(ctx, schema.LogInfo, node.ID, fmt.Sprintf("condition evaluated to %s", port))
	return Result{Port: port}, nil
}

type loopHandler struct{}

func (h *loopHandler) Type() string { return schema.NodeLoop }

func (h *loopHandler) Execute(ctx context.Context, node *Node, hc *Context) (Result, error) {
	cfg := node.Config.(*schema.LoopConfig)
	limit := cfg.MaxIterations
	if limit == 0 {
		limit = schema.DefaultLoopLimit
	}

	st, entered := hc.Loops[node.ID]
	if !entered {
		st = &LoopState{}
		hc.Loops[node.ID] = st
		hc.Env.Push()
	}

	done := false
	switch cfg.Mode {
	case "count":
		done = st.Index >= cfg.Count
	case "while":
		left := interpolateField(ctx, hc, node.ID, cfg.LeftOperand)
		right := interpolateField(ctx, hc, node.ID, cfg.RightOperand)
		v, err := Compare(left, cfg.Operator, right)
		if err != nil {
			h.exit(hc, node.ID)
			return Result{}, schema.AsFlowError(err, schema.ErrCodeHandler).WithNode(node.ID)
		}
		done = !v
	}

	if done {
		hc.Record(ctx, schema.LogInfo, node.ID,
			fmt.Sprintf("loop finished after %d iterations", st.Index))
		h.exit(hc, node.ID)
		return Result{Port: schema.PortDone}, nil
	}
	if st.Index >= limit {
		h.exit(hc, node.ID)
		return Result{}, schema.NewErrorf(schema.ErrCodeLoopLimit,
			"loop exceeded %d iterations", limit).WithNode(node.ID)
	}

	if cfg.IndexVariable != "" {
		hc.Env.Define(cfg.IndexVariable, vars.Number(float64(st.Index)))
	}
	st.Index++
	return Result{Port: schema.PortBody}, nil
}

func (h *loopHandler) exit(hc *Context, nodeID string) {
	hc.Env.Pop()
	delete(hc.Loops, nodeID)
}

type forEachHandler struct{}

func (h *forEachHandler) Type() string { return schema.NodeForEach }

func (h *forEachHandler) Execute(ctx context.Context, node *Node, hc *Context) (Result, error) {
	cfg := node.Config.(*schema.ForEachConfig)

	st, entered := hc.Loops[node.ID]
	if !entered {
		src, ok := hc.Env.Get(cfg.ListVariable)
		if !ok || src.Kind() != vars.KindList {
			hc.Record(ctx, schema.LogWarn, node.ID,
				fmt.Sprintf("forEach source %q is not a list, skipping", cfg.ListVariable))
			return Result{Port: schema.PortDone}, nil
		}
		// Snapshot the list on entry; later mutations of the source variable
		// do not affect the iteration.
		st = &LoopState{Items: src.ListVal()}
		hc.Loops[node.ID] = st
		hc.Env.Push()
	}

	if st.Index >= len(st.Items) {
		hc.Record(ctx, schema.LogInfo, node.ID,
			fmt.Sprintf("forEach finished after %d items", st.Index))
		hc.Env.Pop()
		delete(hc.Loops, node.ID)
		return Result{Port: schema.PortDone}, nil
	}

	hc.Env.Define(cfg.ItemVariable, st.Items[st.Index])
	if cfg.IndexVariable != "" {
		hc.Env.Define(cfg.IndexVariable, vars.Number(float64(st.Index)))
	}
	st.Index++
	return Result{Port: schema.PortBody}, nil
}

type tryCatchHandler struct{}

func (h *tryCatchHandler) Type() string { return schema.NodeTryCatch }

func (h *tryCatchHandler) Execute(ctx context.Context, node *Node, hc *Context) (Result, error) {
	cfg := node.Config.(*schema.TryCatchConfig)
	delay := time.Duration(cfg.RetryDelayMs) * time.Millisecond
	if cfg.RetryDelayMs == 0 {
		delay = schema.DefaultRetryDelayMs * time.Millisecond
	}

	// Baseline for discarding partial branch state: a failed attempt may die
	// mid-iteration, leaving loop state and pushed scopes behind. Each retry
	// must re-run the try subgraph from scratch.
	depth := hc.Env.Depth()
	outerLoops := make(map[string]struct{}, len(hc.Loops))
	for id := range hc.Loops {
		outerLoops[id] = struct{}{}
	}

	var tryErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			hc.Record(ctx, schema.LogWarn, node.ID,
				fmt.Sprintf("try branch failed, retry %d/%d", attempt, cfg.MaxRetries))
			if err := waitFor(ctx, delay); err != nil {
				return Result{}, schema.NewError(schema.ErrCodeCancelled, "run stopped").
					WithNode(node.ID).WithCause(err)
			}
		}
		tryErr = hc.Branch(ctx, schema.PortTry)
		if tryErr == nil {
			break
		}
		for id := range hc.Loops {
			if _, outer := outerLoops[id]; !outer {
				delete(hc.Loops, id)
			}
		}
		hc.Env.PopTo(depth)
		if !schema.IsAbsorbable(tryErr) {
			// Cancellation and validation failures bypass catch and finally.
			return Result{}, tryErr
		}
	}

	var catchErr error
	if tryErr != nil {
		hc.Record(ctx, schema.LogWarn, node.ID,
			fmt.Sprintf("try branch exhausted retries: %s", tryErr.Error()))
		if cfg.ErrorVariable != "" {
			hc.Env.Set(cfg.ErrorVariable, vars.String(tryErr.Error()))
		}
		catchErr = hc.Branch(ctx, schema.PortCatch)
		if catchErr != nil && !schema.IsAbsorbable(catchErr) {
			return Result{}, catchErr
		}
	}

	// The finally branch runs exactly once, whatever happened before it.
	finErr := hc.Branch(ctx, schema.PortFinally)
	if catchErr != nil {
		return Result{}, catchErr
	}
	if finErr != nil {
		return Result{}, finErr
	}
	return Result{Port: schema.PortDefault}, nil
}

type subflowHandler struct{}

func (h *subflowHandler) Type() string { return schema.NodeSubflow }

func (h *subflowHandler) Execute(ctx context.Context, node *Node, hc *Context) (Result, error) {
	cfg := node.Config.(*schema.SubflowConfig)

	inputs := make(map[string]vars.Value, len(cfg.Inputs))
	for name, tmpl := range cfg.Inputs {
		inputs[name] = vars.String(interpolateField(ctx, hc, node.ID, tmpl))
	}

	hc.Record(ctx, schema.LogInfo, node.ID,
		fmt.Sprintf("starting subflow %q", cfg.WorkflowID))
	result, err := hc.Subflow(ctx, cfg.WorkflowID, inputs)
	if err != nil {
		return Result{}, err
	}
	if cfg.OutputVariable != "" {
		hc.Env.Set(cfg.OutputVariable, result)
	}
	hc.Record(ctx, schema.LogInfo, node.ID,
		fmt.Sprintf("subflow %q completed", cfg.WorkflowID))
	return Result{Port: schema.PortDefault}, nil
}

// interpolateField interpolates a configured string field, logging a warning
// for every undefined variable reference.
func interpolateField(ctx context.Context, hc *Context, nodeID, template string) string {
	out, missing := hc.Env.Interpolate(template)
	for _, name := range missing {
		hc.Record(ctx, schema.LogWarn, nodeID,
			fmt.Sprintf("variable %q is not defined, interpolated as empty", name))
	}
	return out
}

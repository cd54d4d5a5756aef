package handlers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nvidal/stepwise/internal/vars"
	"github.com/nvidal/stepwise/pkg/schema"
)

func msDuration(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }

// ActionRequest is handed to a Collaborator with every configured string
// field already interpolated.
type ActionRequest struct {
	NodeID   string
	NodeType string
	Params   map[string]string
}

// ActionResult is a Collaborator's successful outcome. Value, when set, is
// bound to the node's output variable.
type ActionResult struct {
	Value string
}

// Collaborator executes automation actions (desktop, web, file, shell)
// outside the engine. Implementations must honor ctx cancellation and return
// promptly when it fires.
type Collaborator interface {
	Execute(ctx context.Context, req ActionRequest) (ActionResult, error)
}

// CollaboratorFunc adapts a function to the Collaborator interface.
type CollaboratorFunc func(ctx context.Context, req ActionRequest) (ActionResult, error)

func (f CollaboratorFunc) Execute(ctx context.Context, req ActionRequest) (ActionResult, error) {
	return f(ctx, req)
}

// NoopCollaborator acknowledges every action without doing anything. Used
// when no automation back-end is attached; the action handler still logs the
// dispatch so dry runs remain observable.
type NoopCollaborator struct{}

func (NoopCollaborator) Execute(ctx context.Context, req ActionRequest) (ActionResult, error) {
	return ActionResult{}, nil
}

// actionHandler bridges one collaborator-backed node type into the registry.
type actionHandler struct {
	nodeType string
	collab   Collaborator
}

func (h *actionHandler) Type() string { return h.nodeType }

func (h *actionHandler) Execute(ctx context.Context, node *Node, hc *Context) (Result, error) {
	cfg := &schema.ActionConfig{}
	if node.Config != nil {
		cfg = node.Config.(*schema.ActionConfig)
	}
	if h.collab == nil {
		return Result{}, schema.NewErrorf(schema.ErrCodeHandler,
			"no collaborator attached for node type %q", h.nodeType).WithNode(node.ID)
	}

	params := make(map[string]string, len(cfg.Params))
	for k, v := range cfg.Params {
		params[k] = interpolateField(ctx, hc, node.ID, v)
	}

	actionCtx := ctx
	if cfg.TimeoutMs > 0 {
		var cancel context.CancelFunc
		actionCtx, cancel = context.WithTimeout(ctx, msDuration(cfg.TimeoutMs))
		defer cancel()
	}

	res, err := h.collab.Execute(actionCtx, ActionRequest{
		NodeID:   node.ID,
		NodeType: h.nodeType,
		Params:   params,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return Result{}, schema.NewErrorf(schema.ErrCodeCancelled,
				"%s cancelled", h.nodeType).WithNode(node.ID).WithCause(err)
		}
		return Result{}, schema.NewErrorf(schema.ErrCodeHandler,
			"%s failed: %s", h.nodeType, err.Error()).WithNode(node.ID).WithCause(err)
	}

	if cfg.OutputVariable != "" && res.Value != "" {
		hc.Env.Set(cfg.OutputVariable, vars.String(res.Value))
	}
	hc.Record(ctx, schema.LogInfo, node.ID, fmt.Sprintf("%s completed", h.nodeType))
	return Result{Port: schema.PortDefault}, nil
}

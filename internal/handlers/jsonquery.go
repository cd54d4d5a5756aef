package handlers

import (
	"context"
	"fmt"

	"github.com/itchyny/gojq"

	"github.com/nvidal/stepwise/internal/vars"
	"github.com/nvidal/stepwise/pkg/schema"
)

// jsonQueryHandler applies a jq query to a variable's value and binds the
// first result to the output variable.
type jsonQueryHandler struct{}

func (h *jsonQueryHandler) Type() string { return schema.NodeJSONQuery }

func (h *jsonQueryHandler) Execute(ctx context.Context, node *Node, hc *Context) (Result, error) {
	cfg := node.Config.(*schema.JSONQueryConfig)

	src, ok := hc.Env.Get(cfg.Source)
	if !ok {
		return Result{}, schema.NewErrorf(schema.ErrCodeHandler,
			"jsonQuery source variable %q is not defined", cfg.Source).WithNode(node.ID)
	}

	query, err := gojq.Parse(cfg.Query)
	if err != nil {
		return Result{}, schema.NewErrorf(schema.ErrCodeHandler,
			"invalid jq query %q: %s", cfg.Query, err.Error()).WithNode(node.ID).WithCause(err)
	}

	iter := query.RunWithContext(ctx, src.ToAny())
	out, ok := iter.Next()
	if !ok {
		out = nil
	}
	if qerr, isErr := out.(error); isErr {
		return Result{}, schema.NewErrorf(schema.ErrCodeHandler,
			"jq query %q failed: %s", cfg.Query, qerr.Error()).WithNode(node.ID).WithCause(qerr)
	}

	hc.Env.Set(cfg.OutputVariable, vars.FromAny(out))
	hc.Record(ctx, schema.LogInfo, node.ID,
		fmt.Sprintf("jsonQuery bound result to %q", cfg.OutputVariable))
	return Result{Port: schema.PortDefault}, nil
}

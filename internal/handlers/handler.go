// Package handlers implements the node handler registry: one capability per
// node type. Control-flow and built-in data handlers live here; action
// handlers bridge to an external Collaborator.
package handlers

import (
	"context"
	"time"

	"github.com/nvidal/stepwise/internal/expressions"
	"github.com/nvidal/stepwise/internal/vars"
	"github.com/nvidal/stepwise/pkg/schema"
)

// Node pairs a graph node with its configuration, parsed and validated once
// at load time. Handlers type-assert Config instead of re-decoding Data.
type Node struct {
	*schema.Node
	Config any
}

// Result is a handler's outcome: the output port the engine follows next.
type Result struct {
	Port string
}

// LoopState is the engine-held iteration state of a loop or forEach node
// within one run. Loops use the flat re-entry model: the body's tail edge
// leads back into the loop node, and the handler decides body vs done on
// every entry.
type LoopState struct {
	Index int
	Items []vars.Value
}

// Context carries the per-run collaborators a handler may use. It is built
// by the engine for each run and mutated only by that run's worker.
type Context struct {
	Env  *vars.Env
	Expr *expressions.Engine

	// Record appends an entry to the run's log stream and mirrors it to the
	// structured logger.
	Record func(ctx context.Context, level, nodeID, message string)

	// Branch executes the subgraph reachable from the given port of the
	// current node. Used by tryCatch.
	Branch func(ctx context.Context, port string) error

	// Subflow runs a nested workflow synchronously and returns its global
	// variables as a dict value.
	Subflow func(ctx context.Context, workflowID string, inputs map[string]vars.Value) (vars.Value, error)

	// Loops holds re-entry state keyed by node id.
	Loops map[string]*LoopState
}

// Handler executes one node type.
type Handler interface {
	Type() string
	Execute(ctx context.Context, node *Node, hc *Context) (Result, error)
}

// waitFor sleeps for d or returns early when the context is cancelled.
func waitFor(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Package engine interprets workflow graphs: it compiles them into an
// executable form, drives one worker per run, gates dispatch through the
// debug controller, and owns the pollable execution state.
package engine

import (
	"github.com/nvidal/stepwise/internal/expressions"
	"github.com/nvidal/stepwise/internal/handlers"
	"github.com/nvidal/stepwise/internal/validation"
	"github.com/nvidal/stepwise/pkg/schema"
)

// portEdges indexes a node's outgoing edges by source port, preserving
// declaration order within each port.
type portEdges map[string][]string

// graph is the compiled, immutable form of a workflow: nodes paired with
// their parsed configurations and edges indexed for O(1) port lookups.
type graph struct {
	workflow *schema.Workflow
	nodes    map[string]*handlers.Node
	edges    map[string]portEdges
	startID  string
}

// compileGraph parses every node configuration, pre-compiles condition
// expressions, and indexes edges. The workflow must already have passed
// validation; configuration errors still surface here as validation errors.
func compileGraph(wf *schema.Workflow, expr *expressions.Engine) (*graph, error) {
	g := &graph{
		workflow: wf,
		nodes:    make(map[string]*handlers.Node, len(wf.Nodes)),
		edges:    make(map[string]portEdges),
	}

	for i := range wf.Nodes {
		n := &wf.Nodes[i]
		cfg, err := validation.ParseNodeConfig(n)
		if err != nil {
			return nil, err
		}
		if cc, ok := cfg.(*schema.ConditionConfig); ok && cc.Expression != "" {
			if err := expr.Compile(cc.Expression); err != nil {
				return nil, schema.AsFlowError(err, schema.ErrCodeValidation).WithNode(n.ID)
			}
		}
		g.nodes[n.ID] = &handlers.Node{Node: n, Config: cfg}
		if n.Type == schema.NodeStart {
			g.startID = n.ID
		}
	}
	if g.startID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow has no start node")
	}

	for i := range wf.Edges {
		e := &wf.Edges[i]
		pe := g.edges[e.Source]
		if pe == nil {
			pe = make(portEdges)
			g.edges[e.Source] = pe
		}
		pe[e.SourcePort] = append(pe[e.SourcePort], e.Target)
	}
	return g, nil
}

// node returns the compiled node for an id, or nil.
func (g *graph) node(id string) *handlers.Node {
	return g.nodes[id]
}

// targets returns the nodes reachable from nodeID through the given port,
// in edge declaration order.
func (g *graph) targets(nodeID, port string) []string {
	return g.edges[nodeID][port]
}

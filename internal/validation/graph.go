package validation

import (
	"encoding/json"
	"fmt"

	"github.com/nvidal/stepwise/pkg/schema"
)

// validateGraph enforces the structural invariants JSON Schema cannot
// express: unique node ids, a single start node, known node types, edge
// endpoints and ports, per-type configuration, and reachability of an end
// node from start.
func validateGraph(wf *schema.Workflow) error {
	nodes := make(map[string]*schema.Node, len(wf.Nodes))
	var startID string
	for i := range wf.Nodes {
		n := &wf.Nodes[i]
		if _, dup := nodes[n.ID]; dup {
			return schema.NewErrorf(schema.ErrCodeValidation, "duplicate node id %q", n.ID)
		}
		nodes[n.ID] = n

		if !knownNodeType(n.Type) {
			return schema.NewErrorf(schema.ErrCodeValidation, "unknown node type %q", n.Type).WithNode(n.ID)
		}
		if n.Type == schema.NodeStart {
			if startID != "" {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"multiple start nodes: %q and %q", startID, n.ID)
			}
			startID = n.ID
		}

		if _, err := ParseNodeConfig(n); err != nil {
			return err
		}
	}
	if startID == "" {
		return schema.NewError(schema.ErrCodeValidation, "workflow has no start node")
	}

	edgeIDs := make(map[string]struct{}, len(wf.Edges))
	adjacency := make(map[string][]string)
	for i := range wf.Edges {
		e := &wf.Edges[i]
		if _, dup := edgeIDs[e.ID]; dup {
			return schema.NewErrorf(schema.ErrCodeValidation, "duplicate edge id %q", e.ID)
		}
		edgeIDs[e.ID] = struct{}{}

		src, ok := nodes[e.Source]
		if !ok {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"edge %q references unknown source node %q", e.ID, e.Source)
		}
		if _, ok := nodes[e.Target]; !ok {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"edge %q references unknown target node %q", e.ID, e.Target)
		}
		if err := checkEdgePort(src, e); err != nil {
			return err
		}
		adjacency[e.Source] = append(adjacency[e.Source], e.Target)
	}

	if !endReachable(startID, nodes, adjacency) {
		return schema.NewError(schema.ErrCodeValidation,
			"no end node is reachable from the start node")
	}
	return nil
}

// checkEdgePort verifies the edge's sourcePort against the source node's
// declared ports; nodes without declared ports accept only the default port.
func checkEdgePort(src *schema.Node, e *schema.Edge) error {
	declared := schema.DeclaredPorts(src.Type)
	if declared == nil {
		if e.SourcePort != schema.PortDefault {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"edge %q uses port %q but node type %q declares no ports",
				e.ID, e.SourcePort, src.Type).WithNode(src.ID)
		}
		return nil
	}
	for _, p := range declared {
		if e.SourcePort == p {
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodeValidation,
		"edge %q uses undeclared port %q of node type %q (declared: %v)",
		e.ID, e.SourcePort, src.Type, declared).WithNode(src.ID)
}

// endReachable runs a BFS from the start node looking for any end node.
func endReachable(startID string, nodes map[string]*schema.Node, adjacency map[string][]string) bool {
	visited := map[string]bool{startID: true}
	queue := []string{startID}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if nodes[cur].Type == schema.NodeEnd {
			return true
		}
		for _, next := range adjacency[cur] {
			if !visited[next] {
				visited[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}

func knownNodeType(t string) bool {
	switch t {
	case schema.NodeStart, schema.NodeEnd, schema.NodeCondition, schema.NodeLoop,
		schema.NodeForEach, schema.NodeTryCatch, schema.NodeSubflow,
		schema.NodeLog, schema.NodeDelay, schema.NodeSetVariable, schema.NodeJSONQuery:
		return true
	}
	return schema.IsActionType(t)
}

// ParseNodeConfig decodes a node's Data into its typed configuration struct
// and validates the type-specific invariants. Called once at load time; the
// engine caches the result so handlers never re-parse (tagged union by node
// type).
func ParseNodeConfig(n *schema.Node) (any, error) {
	switch n.Type {
	case schema.NodeStart, schema.NodeEnd:
		return nil, nil

	case schema.NodeCondition:
		var cfg schema.ConditionConfig
		if err := decode(n, &cfg); err != nil {
			return nil, err
		}
		if cfg.Expression == "" {
			if err := checkOperator(n, cfg.Operator); err != nil {
				return nil, err
			}
		}
		return &cfg, nil

	case schema.NodeLoop:
		var cfg schema.LoopConfig
		if err := decode(n, &cfg); err != nil {
			return nil, err
		}
		switch cfg.Mode {
		case "count":
			if cfg.Count < 0 {
				return nil, configErr(n, "loop count must not be negative")
			}
		case "while":
			if err := checkOperator(n, cfg.Operator); err != nil {
				return nil, err
			}
		default:
			return nil, configErr(n, fmt.Sprintf("loop mode must be count or while, got %q", cfg.Mode))
		}
		if cfg.MaxIterations < 0 {
			return nil, configErr(n, "maxIterations must not be negative")
		}
		return &cfg, nil

	case schema.NodeForEach:
		var cfg schema.ForEachConfig
		if err := decode(n, &cfg); err != nil {
			return nil, err
		}
		if cfg.ListVariable == "" {
			return nil, configErr(n, "forEach requires listVariable")
		}
		if cfg.ItemVariable == "" {
			return nil, configErr(n, "forEach requires itemVariable")
		}
		return &cfg, nil

	case schema.NodeTryCatch:
		var cfg schema.TryCatchConfig
		if err := decode(n, &cfg); err != nil {
			return nil, err
		}
		if cfg.MaxRetries < 0 {
			return nil, configErr(n, "maxRetries must not be negative")
		}
		return &cfg, nil

	case schema.NodeSubflow:
		var cfg schema.SubflowConfig
		if err := decode(n, &cfg); err != nil {
			return nil, err
		}
		if cfg.WorkflowID == "" {
			return nil, configErr(n, "subflow requires workflowId")
		}
		return &cfg, nil

	case schema.NodeSetVariable:
		var cfg schema.SetVariableConfig
		if err := decode(n, &cfg); err != nil {
			return nil, err
		}
		if cfg.Name == "" {
			return nil, configErr(n, "setVariable requires name")
		}
		return &cfg, nil

	case schema.NodeLog:
		var cfg schema.LogConfig
		if err := decode(n, &cfg); err != nil {
			return nil, err
		}
		return &cfg, nil

	case schema.NodeDelay:
		var cfg schema.DelayConfig
		if err := decode(n, &cfg); err != nil {
			return nil, err
		}
		if cfg.DurationMs < 0 {
			return nil, configErr(n, "durationMs must not be negative")
		}
		return &cfg, nil

	case schema.NodeJSONQuery:
		var cfg schema.JSONQueryConfig
		if err := decode(n, &cfg); err != nil {
			return nil, err
		}
		if cfg.Source == "" || cfg.Query == "" || cfg.OutputVariable == "" {
			return nil, configErr(n, "jsonQuery requires source, query and outputVariable")
		}
		return &cfg, nil

	default:
		// Collaborator-backed action node.
		var cfg schema.ActionConfig
		if err := decode(n, &cfg); err != nil {
			return nil, err
		}
		if cfg.TimeoutMs < 0 {
			return nil, configErr(n, "timeoutMs must not be negative")
		}
		return &cfg, nil
	}
}

func decode(n *schema.Node, into any) error {
	if len(n.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(n.Data, into); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"invalid %s configuration: %s", n.Type, err.Error()).WithNode(n.ID).WithCause(err)
	}
	return nil
}

func configErr(n *schema.Node, msg string) *schema.FlowError {
	return schema.NewError(schema.ErrCodeValidation, msg).WithNode(n.ID)
}

func checkOperator(n *schema.Node, op string) error {
	for _, known := range schema.ConditionOperators {
		if op == known {
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodeValidation,
		"unknown operator %q (expected one of %v)", op, schema.ConditionOperators).WithNode(n.ID)
}

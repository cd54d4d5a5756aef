package validation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvidal/stepwise/pkg/schema"
)

func mustValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := NewValidator()
	require.NoError(t, err)
	return v
}

func linearWorkflow() *schema.Workflow {
	return &schema.Workflow{
		ID: "wf-linear",
		Nodes: []schema.Node{
			{ID: "n1", Type: schema.NodeStart},
			{ID: "n2", Type: schema.NodeLog, Data: json.RawMessage(`{"message":"hi"}`)},
			{ID: "n3", Type: schema.NodeEnd},
		},
		Edges: []schema.Edge{
			{ID: "e1", Source: "n1", Target: "n2"},
			{ID: "e2", Source: "n2", Target: "n3"},
		},
	}
}

func TestValidateLinearWorkflow(t *testing.T) {
	v := mustValidator(t)
	require.NoError(t, v.Validate(linearWorkflow()))
}

func TestValidateRejectsMissingStart(t *testing.T) {
	v := mustValidator(t)
	wf := linearWorkflow()
	wf.Nodes = wf.Nodes[1:]
	wf.Edges = wf.Edges[1:]

	err := v.Validate(wf)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
	assert.Contains(t, err.Error(), "no start node")
}

func TestValidateRejectsDuplicateNodeID(t *testing.T) {
	v := mustValidator(t)
	wf := linearWorkflow()
	wf.Nodes = append(wf.Nodes, schema.Node{ID: "n2", Type: schema.NodeEnd})

	err := v.Validate(wf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate node id")
}

func TestValidateRejectsDanglingEdge(t *testing.T) {
	v := mustValidator(t)
	wf := linearWorkflow()
	wf.Edges = append(wf.Edges, schema.Edge{ID: "e3", Source: "n2", Target: "ghost"})

	err := v.Validate(wf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown target node")
}

func TestValidateRejectsUnknownNodeType(t *testing.T) {
	v := mustValidator(t)
	wf := linearWorkflow()
	wf.Nodes[1].Type = "teleport"
	wf.Nodes[1].Data = nil

	err := v.Validate(wf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown node type")
}

func TestValidateRejectsUnreachableEnd(t *testing.T) {
	v := mustValidator(t)
	wf := linearWorkflow()
	wf.Edges = wf.Edges[:1] // n2 -> n3 removed

	err := v.Validate(wf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no end node is reachable")
}

func TestValidateRejectsUndeclaredPort(t *testing.T) {
	v := mustValidator(t)
	wf := &schema.Workflow{
		ID: "wf-ports",
		Nodes: []schema.Node{
			{ID: "n1", Type: schema.NodeStart},
			{ID: "n2", Type: schema.NodeCondition, Data: json.RawMessage(`{"leftOperand":"a","operator":"==","rightOperand":"a"}`)},
			{ID: "n3", Type: schema.NodeEnd},
		},
		Edges: []schema.Edge{
			{ID: "e1", Source: "n1", Target: "n2"},
			{ID: "e2", Source: "n2", Target: "n3", SourcePort: "maybe"},
			{ID: "e3", Source: "n2", Target: "n3", SourcePort: schema.PortTrue},
		},
	}

	err := v.Validate(wf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `undeclared port "maybe"`)
}

func TestValidateRejectsPortOnDefaultNode(t *testing.T) {
	v := mustValidator(t)
	wf := linearWorkflow()
	wf.Edges[0].SourcePort = "side"

	err := v.Validate(wf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "declares no ports")
}

func TestValidateMultipleStartNodes(t *testing.T) {
	v := mustValidator(t)
	wf := linearWorkflow()
	wf.Nodes = append(wf.Nodes, schema.Node{ID: "n4", Type: schema.NodeStart})

	err := v.Validate(wf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "multiple start nodes")
}

func TestParseNodeConfig(t *testing.T) {
	tests := []struct {
		name    string
		node    schema.Node
		wantErr string
	}{
		{
			"valid condition",
			schema.Node{ID: "c", Type: schema.NodeCondition, Data: json.RawMessage(`{"leftOperand":"${n}","operator":">","rightOperand":"3"}`)},
			"",
		},
		{
			"condition bad operator",
			schema.Node{ID: "c", Type: schema.NodeCondition, Data: json.RawMessage(`{"operator":"~="}`)},
			"unknown operator",
		},
		{
			"condition expression skips operator check",
			schema.Node{ID: "c", Type: schema.NodeCondition, Data: json.RawMessage(`{"expression":"n > 3"}`)},
			"",
		},
		{
			"valid count loop",
			schema.Node{ID: "l", Type: schema.NodeLoop, Data: json.RawMessage(`{"mode":"count","count":3,"indexVariable":"i"}`)},
			"",
		},
		{
			"loop bad mode",
			schema.Node{ID: "l", Type: schema.NodeLoop, Data: json.RawMessage(`{"mode":"forever"}`)},
			"loop mode",
		},
		{
			"loop negative count",
			schema.Node{ID: "l", Type: schema.NodeLoop, Data: json.RawMessage(`{"mode":"count","count":-1}`)},
			"must not be negative",
		},
		{
			"while loop requires operator",
			schema.Node{ID: "l", Type: schema.NodeLoop, Data: json.RawMessage(`{"mode":"while"}`)},
			"unknown operator",
		},
		{
			"forEach missing item",
			schema.Node{ID: "f", Type: schema.NodeForEach, Data: json.RawMessage(`{"listVariable":"xs"}`)},
			"requires itemVariable",
		},
		{
			"subflow missing id",
			schema.Node{ID: "s", Type: schema.NodeSubflow, Data: json.RawMessage(`{}`)},
			"requires workflowId",
		},
		{
			"setVariable missing name",
			schema.Node{ID: "v", Type: schema.NodeSetVariable, Data: json.RawMessage(`{"value":"1"}`)},
			"requires name",
		},
		{
			"jsonQuery complete",
			schema.Node{ID: "q", Type: schema.NodeJSONQuery, Data: json.RawMessage(`{"source":"doc","query":".a","outputVariable":"out"}`)},
			"",
		},
		{
			"jsonQuery incomplete",
			schema.Node{ID: "q", Type: schema.NodeJSONQuery, Data: json.RawMessage(`{"query":".a"}`)},
			"requires source",
		},
		{
			"action with params",
			schema.Node{ID: "a", Type: "click", Data: json.RawMessage(`{"params":{"selector":"#ok"},"timeoutMs":500}`)},
			"",
		},
		{
			"malformed data",
			schema.Node{ID: "x", Type: schema.NodeLog, Data: json.RawMessage(`{"message":`)},
			"invalid log configuration",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseNodeConfig(&tc.node)
			if tc.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
			}
		})
	}
}

func TestValidateRaw(t *testing.T) {
	v := mustValidator(t)

	raw, err := json.Marshal(linearWorkflow())
	require.NoError(t, err)

	wf, err := v.ValidateRaw(raw)
	require.NoError(t, err)
	assert.Equal(t, "wf-linear", wf.ID)

	_, err = v.ValidateRaw([]byte(`{"nodes":[]}`))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	_, err = v.ValidateRaw([]byte(`not json`))
	require.Error(t, err)
}

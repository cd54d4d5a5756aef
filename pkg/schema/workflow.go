package schema

import "encoding/json"

// Node type tags. The set is closed: validation rejects anything else.
const (
	// Control flow (implemented by the engine itself).
	NodeStart     = "start"
	NodeEnd       = "end"
	NodeCondition = "condition"
	NodeLoop      = "loop"
	NodeForEach   = "forEach"
	NodeTryCatch  = "tryCatch"
	NodeSubflow   = "subflow"

	// Built-in data nodes (no external back-end required).
	NodeLog         = "log"
	NodeDelay       = "delay"
	NodeSetVariable = "setVariable"
	NodeJSONQuery   = "jsonQuery"
)

// ActionNodeTypes lists the node types dispatched to an external automation
// back-end via the Collaborator contract. The engine interpolates their
// configuration, enforces cancellation/timeouts, and records results; the
// actual clicking/typing/reading happens outside this process.
var ActionNodeTypes = []string{
	"click", "input", "getText", "waitElement", "hotkey", "screenshot",
	"openBrowser", "navigate", "webClick", "webInput", "webGetText",
	"closeBrowser", "executeJs",
	"readFile", "writeFile", "readExcel", "writeExcel",
	"executeCommand", "listDirectory", "openApp",
}

// Output port names used by branching nodes.
const (
	PortTrue    = "true"
	PortFalse   = "false"
	PortBody    = "body"
	PortDone    = "done"
	PortTry     = "try"
	PortCatch   = "catch"
	PortFinally = "finally"

	// PortDefault matches every outgoing edge regardless of its sourcePort.
	PortDefault = ""
)

// Workflow is the immutable graph handed to the engine by value.
// The engine never mutates it.
type Workflow struct {
	ID        string     `json:"id"`
	Name      string     `json:"name,omitempty"`
	Nodes     []Node     `json:"nodes"`
	Edges     []Edge     `json:"edges"`
	Variables []Variable `json:"variables,omitempty"`
}

// Node is a typed step in the graph. Data holds the per-type configuration
// and is parsed into one of the *Config structs exactly once, at load time.
type Node struct {
	ID    string          `json:"id"`
	Type  string          `json:"type"`
	Label string          `json:"label,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Edge is a directed connection between two nodes. SourcePort selects which
// handler outcome the edge belongs to; an empty SourcePort is the default
// port.
type Edge struct {
	ID         string `json:"id"`
	Source     string `json:"source"`
	Target     string `json:"target"`
	SourcePort string `json:"sourcePort,omitempty"`
	TargetPort string `json:"targetPort,omitempty"`
}

// Variable declares a named value seeded into the run's environment. Local
// declarations live in a run-local scope and stay out of subflow outputs.
type Variable struct {
	Name  string `json:"name"`
	Type  string `json:"type"` // string | number | boolean | list | dict
	Value string `json:"value,omitempty"`
	Scope string `json:"scope,omitempty"` // global (default) | local
}

// ConditionConfig configures a condition node. When Expression is set it is
// evaluated by the expression engine and its truthiness selects the port;
// otherwise the operator rule applies to the interpolated operands.
type ConditionConfig struct {
	LeftOperand  string `json:"leftOperand,omitempty"`
	Operator     string `json:"operator,omitempty"`
	RightOperand string `json:"rightOperand,omitempty"`
	Expression   string `json:"expression,omitempty"`
}

// ConditionOperators is the closed operator set for condition and while-mode
// loop nodes.
var ConditionOperators = []string{
	"==", "!=", ">", "<", ">=", "<=", "contains", "isEmpty", "isNotEmpty",
}

// LoopConfig configures a loop node. Mode is "count" or "while".
type LoopConfig struct {
	Mode          string `json:"mode"`
	Count         int    `json:"count,omitempty"`
	IndexVariable string `json:"indexVariable,omitempty"`

	// while-mode condition, same rule as ConditionConfig operands.
	LeftOperand  string `json:"leftOperand,omitempty"`
	Operator     string `json:"operator,omitempty"`
	RightOperand string `json:"rightOperand,omitempty"`

	// MaxIterations caps both modes. Zero means DefaultLoopLimit.
	MaxIterations int `json:"maxIterations,omitempty"`
}

// DefaultLoopLimit is the hard iteration cap applied when a loop does not
// configure its own.
const DefaultLoopLimit = 10000

// ForEachConfig configures a forEach node.
type ForEachConfig struct {
	ListVariable  string `json:"listVariable"`
	ItemVariable  string `json:"itemVariable"`
	IndexVariable string `json:"indexVariable,omitempty"`
}

// TryCatchConfig configures a tryCatch node. RetryDelayMs defaults to
// DefaultRetryDelayMs between try-branch attempts.
type TryCatchConfig struct {
	ErrorVariable string `json:"errorVariable,omitempty"`
	MaxRetries    int    `json:"maxRetries,omitempty"`
	RetryDelayMs  int    `json:"retryDelayMs,omitempty"`
}

// DefaultRetryDelayMs is the wait between tryCatch retry attempts when the
// node does not configure one.
const DefaultRetryDelayMs = 1000

// SubflowConfig configures a subflow node. Inputs maps nested variable names
// to templates interpolated in the parent environment.
type SubflowConfig struct {
	WorkflowID     string            `json:"workflowId"`
	Inputs         map[string]string `json:"inputs,omitempty"`
	OutputVariable string            `json:"outputVariable,omitempty"`
}

// SetVariableConfig configures a setVariable node. ValueType is one of
// string, number, boolean, json, list, dict; a failed coercion falls back to
// the raw string with a warning.
type SetVariableConfig struct {
	Name      string `json:"name"`
	Value     string `json:"value"`
	ValueType string `json:"valueType,omitempty"`
}

// LogConfig configures a log node.
type LogConfig struct {
	Message string `json:"message"`
	Level   string `json:"level,omitempty"` // info (default) | warn | error
}

// DelayConfig configures a delay node.
type DelayConfig struct {
	DurationMs int `json:"durationMs"`
}

// JSONQueryConfig configures a jsonQuery node: a gojq query applied to the
// value of Source, result bound to OutputVariable.
type JSONQueryConfig struct {
	Source         string `json:"source"`
	Query          string `json:"query"`
	OutputVariable string `json:"outputVariable"`
}

// ActionConfig is the shared shape of collaborator-backed action nodes.
// Params carries the back-end specific fields; every string in it is
// interpolated before dispatch.
type ActionConfig struct {
	Params         map[string]string `json:"params,omitempty"`
	OutputVariable string            `json:"outputVariable,omitempty"`
	TimeoutMs      int               `json:"timeoutMs,omitempty"`
}

// IsActionType reports whether the node type is collaborator-backed.
func IsActionType(nodeType string) bool {
	for _, t := range ActionNodeTypes {
		if t == nodeType {
			return true
		}
	}
	return false
}

// DeclaredPorts returns the output ports a node type may use on its outgoing
// edges. A nil return means the type uses only the default port.
func DeclaredPorts(nodeType string) []string {
	switch nodeType {
	case NodeCondition:
		return []string{PortTrue, PortFalse}
	case NodeLoop, NodeForEach:
		return []string{PortBody, PortDone}
	case NodeTryCatch:
		// The default port continues the flow after the guarded branches.
		return []string{PortTry, PortCatch, PortFinally, PortDefault}
	default:
		return nil
	}
}

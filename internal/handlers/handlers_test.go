package handlers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvidal/stepwise/internal/expressions"
	"github.com/nvidal/stepwise/internal/validation"
	"github.com/nvidal/stepwise/internal/vars"
	"github.com/nvidal/stepwise/pkg/schema"
)

type recordedLog struct {
	Level   string
	NodeID  string
	Message string
}

func testContext(env *vars.Env) (*Context, *[]recordedLog) {
	logs := &[]recordedLog{}
	hc := &Context{
		Env:   env,
		Expr:  expressions.NewEngine(),
		Loops: make(map[string]*LoopState),
		Record: func(_ context.Context, level, nodeID, message string) {
			*logs = append(*logs, recordedLog{level, nodeID, message})
		},
	}
	return hc, logs
}

func loopNode(t *testing.T, data string) *Node {
	t.Helper()
	return configuredNode(t, "loop1", schema.NodeLoop, data)
}

func configuredNode(t *testing.T, id, nodeType, data string) *Node {
	t.Helper()
	n := &schema.Node{ID: id, Type: nodeType, Data: []byte(data)}
	cfg, err := validation.ParseNodeConfig(n)
	require.NoError(t, err)
	return &Node{Node: n, Config: cfg}
}

func TestConditionHandlerOperatorPorts(t *testing.T) {
	env := vars.NewEnv(map[string]vars.Value{"n": vars.Number(5)})
	hc, logs := testContext(env)
	h := &conditionHandler{}

	node := configuredNode(t, "c1", schema.NodeCondition,
		`{"leftOperand":"${n}","operator":">","rightOperand":"3"}`)
	res, err := h.Execute(context.Background(), node, hc)
	require.NoError(t, err)
	assert.Equal(t, schema.PortTrue, res.Port)

	node = configuredNode(t, "c1", schema.NodeCondition,
		`{"leftOperand":"${n}","operator":"<","rightOperand":"3"}`)
	res, err = h.Execute(context.Background(), node, hc)
	require.NoError(t, err)
	assert.Equal(t, schema.PortFalse, res.Port)

	require.NotEmpty(t, *logs)
	assert.Contains(t, (*logs)[0].Message, "condition evaluated to true")
}

func TestConditionHandlerExpressionMode(t *testing.T) {
	env := vars.NewEnv(map[string]vars.Value{"n": vars.Number(10)})
	hc, _ := testContext(env)
	h := &conditionHandler{}

	node := configuredNode(t, "c2", schema.NodeCondition, `{"expression":"n > 3 && n < 20"}`)
	res, err := h.Execute(context.Background(), node, hc)
	require.NoError(t, err)
	assert.Equal(t, schema.PortTrue, res.Port)
}

func TestLoopHandlerCountMode(t *testing.T) {
	env := vars.NewEnv(nil)
	hc, _ := testContext(env)
	h := &loopHandler{}
	node := loopNode(t, `{"mode":"count","count":3,"indexVariable":"i"}`)

	var indices []float64
	for entry := 0; entry < 3; entry++ {
		res, err := h.Execute(context.Background(), node, hc)
		require.NoError(t, err)
		require.Equal(t, schema.PortBody, res.Port)
		v, ok := env.Get("i")
		require.True(t, ok)
		indices = append(indices, v.NumberVal())
	}

	res, err := h.Execute(context.Background(), node, hc)
	require.NoError(t, err)
	assert.Equal(t, schema.PortDone, res.Port)
	assert.Equal(t, []float64{0, 1, 2}, indices)

	_, ok := env.Get("i")
	assert.False(t, ok, "index variable must be scoped to the loop")
	assert.Equal(t, 1, env.Depth(), "loop scope must be popped on done")
	assert.Empty(t, hc.Loops, "loop state must be cleared on done")
}

func TestLoopHandlerWhileModeInitiallyFalse(t *testing.T) {
	env := vars.NewEnv(map[string]vars.Value{"flag": vars.String("no")})
	hc, _ := testContext(env)
	h := &loopHandler{}
	node := loopNode(t, `{"mode":"while","leftOperand":"${flag}","operator":"==","rightOperand":"yes"}`)

	res, err := h.Execute(context.Background(), node, hc)
	require.NoError(t, err)
	assert.Equal(t, schema.PortDone, res.Port)
	assert.Equal(t, 1, env.Depth())
}

func TestLoopHandlerIterationCap(t *testing.T) {
	env := vars.NewEnv(nil)
	hc, _ := testContext(env)
	h := &loopHandler{}
	node := loopNode(t, `{"mode":"count","count":100,"maxIterations":2}`)

	for entry := 0; entry < 2; entry++ {
		res, err := h.Execute(context.Background(), node, hc)
		require.NoError(t, err)
		require.Equal(t, schema.PortBody, res.Port)
	}

	_, err := h.Execute(context.Background(), node, hc)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeLoopLimit, schema.CodeOf(err))
	assert.Equal(t, 1, env.Depth(), "scope must be popped on limit error")
}

func TestForEachHandler(t *testing.T) {
	env := vars.NewEnv(map[string]vars.Value{
		"items": vars.List([]vars.Value{vars.String("a"), vars.String("b")}),
	})
	hc, _ := testContext(env)
	h := &forEachHandler{}
	node := configuredNode(t, "fe1", schema.NodeForEach,
		`{"listVariable":"items","itemVariable":"item","indexVariable":"idx"}`)

	var seen []string
	for entry := 0; entry < 2; entry++ {
		res, err := h.Execute(context.Background(), node, hc)
		require.NoError(t, err)
		require.Equal(t, schema.PortBody, res.Port)
		v, _ := env.Get("item")
		seen = append(seen, v.Display())
	}

	res, err := h.Execute(context.Background(), node, hc)
	require.NoError(t, err)
	assert.Equal(t, schema.PortDone, res.Port)
	assert.Equal(t, []string{"a", "b"}, seen)
	assert.Equal(t, 1, env.Depth())
}

func TestForEachHandlerNonListSource(t *testing.T) {
	env := vars.NewEnv(map[string]vars.Value{"items": vars.String("not a list")})
	hc, logs := testContext(env)
	h := &forEachHandler{}
	node := configuredNode(t, "fe2", schema.NodeForEach,
		`{"listVariable":"items","itemVariable":"item"}`)

	res, err := h.Execute(context.Background(), node, hc)
	require.NoError(t, err)
	assert.Equal(t, schema.PortDone, res.Port)
	require.NotEmpty(t, *logs)
	assert.Equal(t, schema.LogWarn, (*logs)[0].Level)
	assert.Equal(t, 1, env.Depth(), "no scope must leak for a skipped forEach")
}

func TestTryCatchHandlerRetriesThenCatch(t *testing.T) {
	env := vars.NewEnv(nil)
	hc, _ := testContext(env)

	branchCalls := map[string]int{}
	hc.Branch = func(_ context.Context, port string) error {
		branchCalls[port]++
		if port == schema.PortTry {
			return schema.NewError(schema.ErrCodeHandler, "boom")
		}
		return nil
	}

	h := &tryCatchHandler{}
	node := configuredNode(t, "tc1", schema.NodeTryCatch,
		`{"errorVariable":"err","maxRetries":2,"retryDelayMs":1}`)

	res, err := h.Execute(context.Background(), node, hc)
	require.NoError(t, err)
	assert.Equal(t, schema.PortDefault, res.Port)

	assert.Equal(t, 3, branchCalls[schema.PortTry], "initial attempt plus two retries")
	assert.Equal(t, 1, branchCalls[schema.PortCatch])
	assert.Equal(t, 1, branchCalls[schema.PortFinally])

	v, ok := env.Get("err")
	require.True(t, ok)
	assert.Contains(t, v.Display(), "boom")
}

func TestTryCatchHandlerSuccessRunsFinallyOnce(t *testing.T) {
	env := vars.NewEnv(nil)
	hc, _ := testContext(env)

	branchCalls := map[string]int{}
	hc.Branch = func(_ context.Context, port string) error {
		branchCalls[port]++
		return nil
	}

	h := &tryCatchHandler{}
	node := configuredNode(t, "tc2", schema.NodeTryCatch, `{"maxRetries":5}`)

	_, err := h.Execute(context.Background(), node, hc)
	require.NoError(t, err)
	assert.Equal(t, 1, branchCalls[schema.PortTry], "no retries after success")
	assert.Equal(t, 0, branchCalls[schema.PortCatch])
	assert.Equal(t, 1, branchCalls[schema.PortFinally])
}

func TestTryCatchHandlerCancelledBypassesCatch(t *testing.T) {
	env := vars.NewEnv(nil)
	hc, _ := testContext(env)

	branchCalls := map[string]int{}
	hc.Branch = func(_ context.Context, port string) error {
		branchCalls[port]++
		if port == schema.PortTry {
			return schema.NewError(schema.ErrCodeCancelled, "stopped")
		}
		return nil
	}

	h := &tryCatchHandler{}
	node := configuredNode(t, "tc3", schema.NodeTryCatch, `{"maxRetries":4,"retryDelayMs":1}`)

	_, err := h.Execute(context.Background(), node, hc)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCancelled, schema.CodeOf(err))
	assert.Equal(t, 1, branchCalls[schema.PortTry], "cancellation must not be retried")
	assert.Equal(t, 0, branchCalls[schema.PortCatch])
}

func TestSubflowHandler(t *testing.T) {
	env := vars.NewEnv(map[string]vars.Value{"user": vars.String("ada")})
	hc, _ := testContext(env)

	var gotID string
	var gotInputs map[string]vars.Value
	hc.Subflow = func(_ context.Context, workflowID string, inputs map[string]vars.Value) (vars.Value, error) {
		gotID = workflowID
		gotInputs = inputs
		return vars.Dict(map[string]vars.Value{"greeting": vars.String("hi ada")}), nil
	}

	h := &subflowHandler{}
	node := configuredNode(t, "sf1", schema.NodeSubflow,
		`{"workflowId":"child","inputs":{"name":"${user}"},"outputVariable":"result"}`)

	res, err := h.Execute(context.Background(), node, hc)
	require.NoError(t, err)
	assert.Equal(t, schema.PortDefault, res.Port)
	assert.Equal(t, "child", gotID)
	assert.Equal(t, "ada", gotInputs["name"].Display())

	v, ok := env.Get("result")
	require.True(t, ok)
	assert.Equal(t, "hi ada", v.DictVal()["greeting"].Display())
}

func TestSubflowHandlerPropagatesFailure(t *testing.T) {
	env := vars.NewEnv(nil)
	hc, _ := testContext(env)
	hc.Subflow = func(_ context.Context, _ string, _ map[string]vars.Value) (vars.Value, error) {
		return vars.Null(), schema.NewError(schema.ErrCodeSubflow, "nested run failed")
	}

	h := &subflowHandler{}
	node := configuredNode(t, "sf2", schema.NodeSubflow, `{"workflowId":"child"}`)

	_, err := h.Execute(context.Background(), node, hc)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeSubflow, schema.CodeOf(err))
}

func TestLogHandlerInterpolatesMessage(t *testing.T) {
	env := vars.NewEnv(map[string]vars.Value{"n": vars.Number(5)})
	hc, logs := testContext(env)
	h := &logHandler{}
	node := configuredNode(t, "log1", schema.NodeLog, `{"message":"n is ${n}","level":"warn"}`)

	_, err := h.Execute(context.Background(), node, hc)
	require.NoError(t, err)
	require.Len(t, *logs, 1)
	assert.Equal(t, schema.LogWarn, (*logs)[0].Level)
	assert.Equal(t, "n is 5", (*logs)[0].Message)
}

func TestDelayHandlerCancellation(t *testing.T) {
	env := vars.NewEnv(nil)
	hc, _ := testContext(env)
	h := &delayHandler{}
	node := configuredNode(t, "d1", schema.NodeDelay, `{"durationMs":5000}`)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := h.Execute(ctx, node, hc)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCancelled, schema.CodeOf(err))
	assert.Less(t, time.Since(start), time.Second, "delay must return promptly on cancel")
}

func TestSetVariableHandlerCoercion(t *testing.T) {
	env := vars.NewEnv(nil)
	hc, logs := testContext(env)
	h := &setVariableHandler{}

	node := configuredNode(t, "sv1", schema.NodeSetVariable,
		`{"name":"n","value":"5","valueType":"number"}`)
	_, err := h.Execute(context.Background(), node, hc)
	require.NoError(t, err)
	v, _ := env.Get("n")
	assert.Equal(t, vars.KindNumber, v.Kind())

	node = configuredNode(t, "sv2", schema.NodeSetVariable,
		`{"name":"m","value":"oops","valueType":"number"}`)
	_, err = h.Execute(context.Background(), node, hc)
	require.NoError(t, err)
	v, _ = env.Get("m")
	assert.Equal(t, vars.KindString, v.Kind())

	var sawWarn bool
	for _, l := range *logs {
		if l.Level == schema.LogWarn {
			sawWarn = true
		}
	}
	assert.True(t, sawWarn, "failed coercion must warn")
}

func TestJSONQueryHandler(t *testing.T) {
	env := vars.NewEnv(map[string]vars.Value{
		"doc": vars.Dict(map[string]vars.Value{
			"users": vars.List([]vars.Value{
				vars.Dict(map[string]vars.Value{"name": vars.String("ada")}),
				vars.Dict(map[string]vars.Value{"name": vars.String("grace")}),
			}),
		}),
	})
	hc, _ := testContext(env)
	h := &jsonQueryHandler{}
	node := configuredNode(t, "jq1", schema.NodeJSONQuery,
		`{"source":"doc","query":".users[1].name","outputVariable":"second"}`)

	_, err := h.Execute(context.Background(), node, hc)
	require.NoError(t, err)
	v, ok := env.Get("second")
	require.True(t, ok)
	assert.Equal(t, "grace", v.Display())
}

func TestJSONQueryHandlerErrors(t *testing.T) {
	env := vars.NewEnv(map[string]vars.Value{"doc": vars.Number(1)})
	hc, _ := testContext(env)
	h := &jsonQueryHandler{}

	node := configuredNode(t, "jq2", schema.NodeJSONQuery,
		`{"source":"missing","query":".","outputVariable":"out"}`)
	_, err := h.Execute(context.Background(), node, hc)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeHandler, schema.CodeOf(err))

	node = configuredNode(t, "jq3", schema.NodeJSONQuery,
		`{"source":"doc","query":"][","outputVariable":"out"}`)
	_, err = h.Execute(context.Background(), node, hc)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeHandler, schema.CodeOf(err))
}

func TestActionHandlerDispatch(t *testing.T) {
	env := vars.NewEnv(map[string]vars.Value{"url": vars.String("https://example.com")})
	hc, logs := testContext(env)

	var got ActionRequest
	collab := CollaboratorFunc(func(_ context.Context, req ActionRequest) (ActionResult, error) {
		got = req
		return ActionResult{Value: "page title"}, nil
	})
	h := &actionHandler{nodeType: "navigate", collab: collab}
	node := configuredNode(t, "a1", "navigate",
		`{"params":{"target":"${url}"},"outputVariable":"title"}`)

	res, err := h.Execute(context.Background(), node, hc)
	require.NoError(t, err)
	assert.Equal(t, schema.PortDefault, res.Port)
	assert.Equal(t, "navigate", got.NodeType)
	assert.Equal(t, "https://example.com", got.Params["target"])

	v, ok := env.Get("title")
	require.True(t, ok)
	assert.Equal(t, "page title", v.Display())

	require.NotEmpty(t, *logs)
	assert.Contains(t, (*logs)[len(*logs)-1].Message, "navigate completed")
}

func TestActionHandlerFailureBecomesHandlerError(t *testing.T) {
	env := vars.NewEnv(nil)
	hc, _ := testContext(env)

	collab := CollaboratorFunc(func(_ context.Context, _ ActionRequest) (ActionResult, error) {
		return ActionResult{}, errors.New("element not found")
	})
	h := &actionHandler{nodeType: "click", collab: collab}
	node := configuredNode(t, "a2", "click", `{"params":{"selector":"#ok"}}`)

	_, err := h.Execute(context.Background(), node, hc)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeHandler, schema.CodeOf(err))
	assert.Contains(t, err.Error(), "element not found")
}

func TestActionHandlerTimeout(t *testing.T) {
	env := vars.NewEnv(nil)
	hc, _ := testContext(env)

	collab := CollaboratorFunc(func(ctx context.Context, _ ActionRequest) (ActionResult, error) {
		<-ctx.Done()
		return ActionResult{}, ctx.Err()
	})
	h := &actionHandler{nodeType: "waitElement", collab: collab}
	node := configuredNode(t, "a3", "waitElement", `{"timeoutMs":20}`)

	_, err := h.Execute(context.Background(), node, hc)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeHandler, schema.CodeOf(err), "timeouts are retryable handler failures")
}

func TestActionHandlerNoCollaborator(t *testing.T) {
	env := vars.NewEnv(nil)
	hc, _ := testContext(env)
	h := &actionHandler{nodeType: "screenshot"}
	node := configuredNode(t, "a4", "screenshot", `{}`)

	_, err := h.Execute(context.Background(), node, hc)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeHandler, schema.CodeOf(err))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&logHandler{}))

	err := r.Register(&logHandler{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")

	h, err := r.Resolve(schema.NodeLog)
	require.NoError(t, err)
	assert.Equal(t, schema.NodeLog, h.Type())

	_, err = r.Resolve("teleport")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestDefaultRegistryCoversAllNodeTypes(t *testing.T) {
	r := NewDefaultRegistry(NoopCollaborator{})

	expected := []string{
		schema.NodeStart, schema.NodeEnd, schema.NodeCondition, schema.NodeLoop,
		schema.NodeForEach, schema.NodeTryCatch, schema.NodeSubflow,
		schema.NodeLog, schema.NodeDelay, schema.NodeSetVariable, schema.NodeJSONQuery,
	}
	expected = append(expected, schema.ActionNodeTypes...)

	for _, nodeType := range expected {
		_, err := r.Resolve(nodeType)
		assert.NoError(t, err, "missing handler for %s", nodeType)
	}
	assert.Len(t, r.Types(), len(expected))
}

func TestNoopCollaborator(t *testing.T) {
	res, err := NoopCollaborator{}.Execute(context.Background(), ActionRequest{NodeType: "click"})
	require.NoError(t, err)
	assert.Empty(t, res.Value)
}

func TestWaitForCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := waitFor(ctx, time.Minute)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))

	require.NoError(t, waitFor(context.Background(), 0))
}


package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/nvidal/stepwise/pkg/schema"
)

type logHandler struct{}

func (h *logHandler) Type() string { return schema.NodeLog }

func (h *logHandler) Execute(ctx context.Context, node *Node, hc *Context) (Result, error) {
	cfg := &schema.LogConfig{}
	if node.Config != nil {
		cfg = node.Config.(*schema.LogConfig)
	}

	level := cfg.Level
	switch level {
	case schema.LogWarn, schema.LogError:
	default:
		level = schema.LogInfo
	}

	msg := interpolateField(ctx, hc, node.ID, cfg.Message)
	hc.Record(ctx, level, node.ID, msg)
	return Result{Port: schema.PortDefault}, nil
}

type delayHandler struct{}

func (h *delayHandler) Type() string { return schema.NodeDelay }

func (h *delayHandler) Execute(ctx context.Context, node *Node, hc *Context) (Result, error) {
	cfg := node.Config.(*schema.DelayConfig)
	d := time.Duration(cfg.DurationMs) * time.Millisecond

	hc.Record(ctx, schema.LogInfo, node.ID, fmt.Sprintf("waiting %s", d))
	if err := waitFor(ctx, d); err != nil {
		return Result{}, schema.NewError(schema.ErrCodeCancelled, "run stopped during delay").
			WithNode(node.ID).WithCause(err)
	}
	return Result{Port: schema.PortDefault}, nil
}

type setVariableHandler struct{}

func (h *setVariableHandler) Type() string { return schema.NodeSetVariable }

func (h *setVariableHandler) Execute(ctx context.Context, node *Node, hc *Context) (Result, error) {
	cfg := node.Config.(*schema.SetVariableConfig)

	raw := interpolateField(ctx, hc, node.ID, cfg.Value)
	valueType := cfg.ValueType
	if valueType == "" {
		valueType = "string"
	}

	if ok := hc.Env.SetTyped(cfg.Name, raw, valueType); !ok {
		hc.Record(ctx, schema.LogWarn, node.ID,
			fmt.Sprintf("value %q is not a valid %s, stored as string", raw, valueType))
	}
	hc.Record(ctx, schema.LogInfo, node.ID, fmt.Sprintf("set variable %q", cfg.Name))
	return Result{Port: schema.PortDefault}, nil
}

package engine

import (
	"context"
	"sort"
	"sync"

	"github.com/nvidal/stepwise/pkg/schema"
)

// controlSignal is a message on a run's control channel.
type controlSignal int

const (
	sigStep controlSignal = iota
	sigResume
	sigStop
)

// controlBuffer bounds the control channel. Queued step signals act as
// pre-approved dispatches in step mode.
const controlBuffer = 16

// Controller gates node dispatch for one run. The run's worker is the only
// consumer of the signal channel; external callers only send.
type Controller struct {
	mu          sync.Mutex
	mode        schema.DebugMode
	breakpoints map[string]struct{}
	pauseReq    bool
	stepping    bool

	signals chan controlSignal
}

func newController(mode schema.DebugMode) *Controller {
	return &Controller{
		mode:        mode,
		breakpoints: make(map[string]struct{}),
		signals:     make(chan controlSignal, controlBuffer),
	}
}

// Mode returns the debug mode the run was started with.
func (c *Controller) Mode() schema.DebugMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// RequestPause asks the worker to pause before its next dispatch, in any
// mode. The request is consumed by the next shouldPause check.
func (c *Controller) RequestPause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pauseReq = true
}

// Toggle flips a breakpoint and reports whether it is now set. Safe at any
// time; only future dispatch checks observe the change.
func (c *Controller) Toggle(nodeID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.breakpoints[nodeID]; ok {
		delete(c.breakpoints, nodeID)
		return false
	}
	c.breakpoints[nodeID] = struct{}{}
	return true
}

// SetBreakpoints replaces the breakpoint set.
func (c *Controller) SetBreakpoints(nodeIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.breakpoints = make(map[string]struct{}, len(nodeIDs))
	for _, id := range nodeIDs {
		c.breakpoints[id] = struct{}{}
	}
}

// Clear removes every breakpoint.
func (c *Controller) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.breakpoints = make(map[string]struct{})
}

// Breakpoints returns the breakpoint set, sorted.
func (c *Controller) Breakpoints() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.breakpoints))
	for id := range c.breakpoints {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Signal sends a control signal without blocking. A full channel rejects
// the signal rather than stalling the caller.
func (c *Controller) Signal(s controlSignal) error {
	select {
	case c.signals <- s:
		return nil
	default:
		return schema.NewError(schema.ErrCodeInternal, "control channel full")
	}
}

// shouldPause decides whether the worker pauses before dispatching nodeID.
// A consumed pause request, step mode, a just-consumed step signal, and a
// matching breakpoint all pause.
func (c *Controller) shouldPause(nodeID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pauseReq {
		c.pauseReq = false
		return true
	}
	if c.mode == schema.DebugStep {
		return true
	}
	if c.stepping {
		c.stepping = false
		return true
	}
	if c.mode == schema.DebugBreakpoint {
		_, hit := c.breakpoints[nodeID]
		return hit
	}
	return false
}

// await blocks the worker until a signal releases it. Step releases one
// dispatch and re-arms the pause (in every mode); Resume releases the run;
// Stop and context cancellation abort with a Cancelled error.
func (c *Controller) await(ctx context.Context) error {
	for {
		select {
		case sig := <-c.signals:
			switch sig {
			case sigStop:
				return schema.NewError(schema.ErrCodeCancelled, "run stopped")
			case sigStep:
				c.mu.Lock()
				if c.mode != schema.DebugStep {
					c.stepping = true
				}
				c.mu.Unlock()
				return nil
			case sigResume:
				// In step mode a resume behaves as a single step.
				return nil
			}
		case <-ctx.Done():
			return schema.NewError(schema.ErrCodeCancelled, "run stopped").WithCause(ctx.Err())
		}
	}
}

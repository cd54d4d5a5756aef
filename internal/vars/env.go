package vars

import "sync"

// Env is the scoped variable store for a single run. The run's worker is the
// only writer; observers read through Snapshot. A read-write mutex keeps
// concurrent snapshot reads safe while the worker mutates frames.
//
// Frames form a scope stack: frame 0 is the global scope, loop/forEach entry
// pushes a frame, exit pops it. Inner names shadow outer ones; shadowing
// never touches the outer binding.
type Env struct {
	mu     sync.RWMutex
	frames []map[string]Value
}

// NewEnv creates an environment with the given global seed values.
func NewEnv(seed map[string]Value) *Env {
	global := make(map[string]Value, len(seed))
	for k, v := range seed {
		global[k] = v
	}
	return &Env{frames: []map[string]Value{global}}
}

// Push opens a new local scope.
func (e *Env) Push() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.frames = append(e.frames, make(map[string]Value))
}

// Pop closes the innermost local scope. The global frame is never popped.
func (e *Env) Pop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.frames) > 1 {
		e.frames = e.frames[:len(e.frames)-1]
	}
}

// PopTo closes scopes until depth remain, discarding abandoned locals after
// a branch fails mid-iteration. The global frame is never popped.
func (e *Env) PopTo(depth int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if depth < 1 {
		depth = 1
	}
	if len(e.frames) > depth {
		e.frames = e.frames[:depth]
	}
}

// Depth returns the number of open scopes, including the global one.
func (e *Env) Depth() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.frames)
}

// Get resolves a name innermost-first.
func (e *Env) Get(name string) (Value, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for i := len(e.frames) - 1; i >= 0; i-- {
		if v, ok := e.frames[i][name]; ok {
			return v, true
		}
	}
	return Value{}, false
}

// Set updates the innermost existing binding of name, or defines it in the
// global scope when no binding exists. Workflow-level assignments therefore
// persist beyond loop bodies while still respecting shadowed locals.
func (e *Env) Set(name string, v Value) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := len(e.frames) - 1; i >= 0; i-- {
		if _, ok := e.frames[i][name]; ok {
			e.frames[i][name] = v
			return
		}
	}
	e.frames[0][name] = v
}

// Define binds name in the innermost scope, shadowing any outer binding.
// Used for loop index, forEach item, and subflow input variables.
func (e *Env) Define(name string, v Value) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.frames[len(e.frames)-1][name] = v
}

// SetTyped coerces raw to declaredType and stores it via Set. The second
// return is false when coercion failed and the raw string was stored instead.
func (e *Env) SetTyped(name, raw, declaredType string) bool {
	v, ok := Coerce(raw, declaredType)
	e.Set(name, v)
	return ok
}

// Snapshot flattens the scope stack into a single map, inner scopes winning,
// and returns a copy safe to hand across goroutines.
func (e *Env) Snapshot() map[string]Value {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]Value)
	for _, frame := range e.frames {
		for k, v := range frame {
			out[k] = v
		}
	}
	return out
}

// SnapshotAny is Snapshot converted to plain Go types, for JSON encoding and
// expression environments.
func (e *Env) SnapshotAny() map[string]any {
	snap := e.Snapshot()
	out := make(map[string]any, len(snap))
	for k, v := range snap {
		out[k] = v.ToAny()
	}
	return out
}

// Globals returns a copy of the global frame only. Subflow results are built
// from this so parent workflows never observe nested locals.
func (e *Env) Globals() map[string]Value {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]Value, len(e.frames[0]))
	for k, v := range e.frames[0] {
		out[k] = v
	}
	return out
}

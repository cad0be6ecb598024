package schedule

import (
	"context"
	"sync"

	"github.com/agentethan/weaveflow/bus"
	"github.com/agentethan/weaveflow/policy"
)

// RunContext bundles everything one graph execution threads through every
// node invocation: the cancellation/deadline token, the accumulated node
// outputs table, the run-scoped cost tally and diff-mask memory, the event
// emitter, and the bound history backends a materialized component may
// call into. A component callable receives the executor's context.Context
// as its opaque `ctx any` third argument; the scheduler attaches the run's
// RunContext to that context, so a component that needs run-scoped
// services (a history backend, the run id) recovers it with
// RunContextFrom. The scheduler never requires components to look inside.
//
// Grounded on the reference codebase's RunContext/runtime context usage
// (cancellation token plus a node-outputs accumulator threaded through
// executeGraphSequential/executeGraphParallel), generalized here to also
// carry the run-scoped policy state (SPEC_FULL.md section 5's cost tally
// and diff-mask memory, both explicitly run-scoped and mutex-guarded).
type RunContext struct {
	ctx    context.Context
	cancel context.CancelFunc

	runID       string
	graphName   string
	bus         *bus.Bus
	tracer      Tracer
	runState    *policy.RunState
	graphInputs map[string]any
	histories   map[string]HistoryBackend

	// outputs is a pointer shared by every clone produced by withContext,
	// so a map or parallel branch's derived RunContext still writes into
	// (and reads from) the single node-outputs table for the whole run.
	outputs *outputTable

	timeoutOnce   *sync.Once
	cancelledOnce *sync.Once
}

// outputTable is the mutex-guarded node-outputs accumulator, held behind a
// pointer so every RunContext clone for a single run shares one instance.
type outputTable struct {
	mu   sync.Mutex
	data map[string]map[string]any
}

// Context returns the cancellation/deadline-bearing context for this run.
// Every suspension point in a materialized callable should select on
// Context().Done().
func (rc *RunContext) Context() context.Context { return rc.ctx }

// RunID returns the run's unique identifier, shared by every event it emits.
func (rc *RunContext) RunID() string { return rc.runID }

// Bus returns the run's event bus.
func (rc *RunContext) Bus() *bus.Bus { return rc.bus }

// History returns the bound history backend for id, if one was configured
// for this run.
func (rc *RunContext) History(id string) (HistoryBackend, bool) {
	h, ok := rc.histories[id]
	return h, ok
}

// CostSpent reports tokens charged against this run's budget so far.
func (rc *RunContext) CostSpent() int { return rc.runState.Cost.Spent() }

// recordOutput stores a node's extracted outputs under its id, visible to
// every subsequent expr.State lookup built from outputsSnapshot.
func (rc *RunContext) recordOutput(nodeID string, out map[string]any) {
	rc.outputs.mu.Lock()
	defer rc.outputs.mu.Unlock()
	rc.outputs.data[nodeID] = out
}

// outputsSnapshot returns a shallow copy of the node-outputs table safe for
// a concurrent reader to hold onto (writers always replace, never mutate,
// a node's entry, so a shallow copy of the top-level map is sufficient).
func (rc *RunContext) outputsSnapshot() map[string]map[string]any {
	rc.outputs.mu.Lock()
	defer rc.outputs.mu.Unlock()
	out := make(map[string]map[string]any, len(rc.outputs.data))
	for k, v := range rc.outputs.data {
		out[k] = v
	}
	return out
}

// allOutputs returns the full node-outputs table, used to assemble the run
// Result.
func (rc *RunContext) allOutputs() map[string]map[string]any {
	return rc.outputsSnapshot()
}

// withChildCancel derives a cancellable child of rc's context, for a
// parallel or map node's own branch set -- firing it cancels only that
// branch set, never the whole run or a sibling subtree (the resolved scope
// rule for fail_fast cancellation, SPEC_FULL.md section 5).
func (rc *RunContext) withChildCancel() (context.Context, context.CancelFunc) {
	return context.WithCancel(rc.ctx)
}

// withContext returns a shallow copy of rc bound to a different context --
// used to hand a parallel/map branch's derived cancellable context to
// runNodeOnce/executeNode while sharing every other run-scoped field (bus,
// run state, node-outputs table) with the parent.
func (rc *RunContext) withContext(ctx context.Context) *RunContext {
	clone := *rc
	clone.ctx = ctx
	return &clone
}

type rcContextKey struct{}

// withRunContext returns a child context carrying rc, so a materialized
// callable handed only the executor's context.Context can still reach the
// run's registries view (history backends, run id, event bus) through
// RunContextFrom.
func withRunContext(ctx context.Context, rc *RunContext) context.Context {
	return context.WithValue(ctx, rcContextKey{}, rc)
}

// RunContextFrom returns the RunContext the scheduler attached to the
// context a component callable was invoked with. Components written for
// this module's own scheduler use it to reach their bound history backend;
// an external factory that never needs run-scoped services can ignore it.
func RunContextFrom(ctx context.Context) (*RunContext, bool) {
	rc, ok := ctx.Value(rcContextKey{}).(*RunContext)
	return rc, ok
}

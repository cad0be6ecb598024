// Package schedule implements the run loop that walks a compiled build.Graph
// from its entry node, dispatching every node id through its policy-wrapped
// executor, following the node's edge descriptor to find its successors,
// and emitting the full lifecycle event catalogue along the way.
//
// Structurally a generalization of the reference codebase's
// runtime.BasicRuntime.executeGraphSequential/executeGraphParallel
// queue-based dispatch loop: adapted here to dispatch every node id through
// its fixed policy stack rather than calling node.Run directly, and to
// support the map/parallel/router edge-descriptor semantics instead of the
// reference's looser "all graph successors" default. The walk is a plain
// recursive descent rather than the reference's frontier-plus-visited-set
// bookkeeping: each successor is executed as soon as it is reached, with no
// join, so a node named as the successor of several nodes (for example of
// every branch of a parallel fan-out) runs once per path that reaches it.
package schedule

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentethan/weaveflow/build"
	"github.com/agentethan/weaveflow/bus"
	"github.com/agentethan/weaveflow/expr"
	"github.com/agentethan/weaveflow/ir"
	"github.com/agentethan/weaveflow/policy"
	"github.com/agentethan/weaveflow/policy/mask"
)

// Status is the terminal state of a run.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusError     Status = "error"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

// Result is the outcome of one graph run.
type Result struct {
	Status      Status
	Outputs     map[string]any
	NodeOutputs map[string]map[string]any
	ErrorKind   string
	Err         error
}

// Options configures one run.
type Options struct {
	Timeout   time.Duration // 0 disables the timeout cutoff
	Deadline  time.Time     // zero value disables the deadline cutoff
	Histories map[string]HistoryBackend
	Exporters []bus.Exporter
}

// Runner executes compiled graphs.
type Runner struct {
	log    *slog.Logger
	tracer Tracer
}

// NewRunner creates a Runner. A nil logger defaults to slog.Default().
func NewRunner(log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{log: log, tracer: noopTracer{}}
}

// WithTracer installs an ambient tracing hook (telemetry.Tracer satisfies
// this) on r, returning r for chaining. Passing nil restores the no-op
// tracer.
func (r *Runner) WithTracer(t Tracer) *Runner {
	if t == nil {
		t = noopTracer{}
	}
	r.tracer = t
	return r
}

// Run executes g from its entry node with the given graph inputs, to
// completion, timeout, cancellation, or fatal error.
func (r *Runner) Run(ctx context.Context, g *build.Graph, inputs map[string]any, opts Options) *Result {
	runStartedAt := time.Now()
	runID := uuid.NewString()
	b := bus.New(runID, r.log)
	for _, exp := range opts.Exporters {
		b.Subscribe(exp)
	}
	runCtx := bus.WithBus(ctx, b)

	rs := policy.NewRunState(g.Cost.PerRunTokens)
	runCtx = policy.WithRunState(runCtx, rs)

	tracedCtx := r.tracer.StartRun(runCtx, runID, g.Name)

	cutoffCtx, cancel := deadlineContext(tracedCtx, opts)
	defer cancel()

	if len(g.Masking.Fields) > 0 || len(g.Masking.DiffFields) > 0 {
		b.SetMasking(mask.New(g.Masking.Fields, g.Masking.DiffFields, g.Masking.MaskValue), rs.Mask)
	}

	rc := &RunContext{
		ctx:           cutoffCtx,
		cancel:        cancel,
		runID:         runID,
		graphName:     g.Name,
		bus:           b,
		tracer:        r.tracer,
		runState:      rs,
		graphInputs:   inputs,
		histories:     opts.Histories,
		outputs:       &outputTable{data: make(map[string]map[string]any)},
		timeoutOnce:   &sync.Once{},
		cancelledOnce: &sync.Once{},
	}

	stopWatch := make(chan struct{})
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		r.watchCutoff(rc, stopWatch)
	}()

	b.Publish(bus.Event{
		Kind: bus.KindGraphStart,
		Payload: map[string]any{
			"graph_name": g.Name,
			"entrypoint": g.Entry,
		},
	})

	runErr := r.executeNode(rc, g, g.Entry, nil)

	// Join the cutoff watcher before emitting graph.finish, so a timeout/
	// cancelled event can never land after the run's final event. finish
	// re-checks the context itself, so a cutoff the watcher missed in the
	// race with stopWatch is still emitted exactly once.
	close(stopWatch)
	<-watcherDone

	result := r.finish(rc, g, runErr, time.Since(runStartedAt))
	return result
}

// watchCutoff emits timeout/cancelled exactly once, as soon as rc's context
// is done, independent of whether the node walk has itself noticed yet --
// matching section 5's "fires the token when reached" wording, which
// describes an event tied to the cutoff firing, not to the walk's own
// termination.
func (r *Runner) watchCutoff(rc *RunContext, done <-chan struct{}) {
	select {
	case <-done:
		return
	case <-rc.ctx.Done():
	}
	switch {
	case errors.Is(rc.ctx.Err(), context.DeadlineExceeded):
		rc.timeoutOnce.Do(func() {
			rc.bus.Publish(bus.Event{
				Kind:    bus.KindTimeout,
				Payload: map[string]any{"graph_name": rc.graphName, "timeout": true},
			})
		})
	case errors.Is(rc.ctx.Err(), context.Canceled):
		rc.cancelledOnce.Do(func() {
			rc.bus.Publish(bus.Event{
				Kind:    bus.KindCancelled,
				Payload: map[string]any{"graph_name": rc.graphName},
			})
		})
	}
}

// finish determines the run's terminal status, collects declared graph
// outputs, and emits graph.finish.
func (r *Runner) finish(rc *RunContext, g *build.Graph, runErr error, elapsed time.Duration) *Result {
	status := StatusSuccess
	var kind string
	switch {
	case runErr == nil:
		status = StatusSuccess
	case errors.Is(rc.ctx.Err(), context.DeadlineExceeded):
		status = StatusTimeout
		rc.timeoutOnce.Do(func() {
			rc.bus.Publish(bus.Event{
				Kind:    bus.KindTimeout,
				Payload: map[string]any{"graph_name": rc.graphName, "timeout": true},
			})
		})
	case errors.Is(rc.ctx.Err(), context.Canceled):
		status = StatusCancelled
		rc.cancelledOnce.Do(func() {
			rc.bus.Publish(bus.Event{
				Kind:    bus.KindCancelled,
				Payload: map[string]any{"graph_name": rc.graphName},
			})
		})
	default:
		status = StatusError
		kind = fatalKind(runErr)
	}

	outputs := make(map[string]any, len(g.Outputs))
	nodeOutputs := rc.allOutputs()
	for _, decl := range g.Outputs {
		if out, ok := nodeOutputs[decl.NodeID]; ok {
			outputs[decl.Key] = out[decl.OutputName]
		}
	}

	rc.bus.Publish(bus.Event{
		Kind:    bus.KindGraphFinish,
		Elapsed: elapsed,
		Payload: map[string]any{
			"status":  string(status),
			"outputs": outputs,
		},
	})
	rc.tracer.FinishRun(rc.ctx, string(status))

	return &Result{
		Status:      status,
		Outputs:     outputs,
		NodeOutputs: nodeOutputs,
		ErrorKind:   kind,
		Err:         runErr,
	}
}

// deadlineContext derives the effective cutoff context: the earlier of
// time.Now().Add(opts.Timeout) and opts.Deadline, per SPEC_FULL.md section 5.
func deadlineContext(ctx context.Context, opts Options) (context.Context, context.CancelFunc) {
	var cutoff time.Time
	if opts.Timeout > 0 {
		cutoff = time.Now().Add(opts.Timeout)
	}
	if !opts.Deadline.IsZero() && (cutoff.IsZero() || opts.Deadline.Before(cutoff)) {
		cutoff = opts.Deadline
	}
	if cutoff.IsZero() {
		return context.WithCancel(ctx)
	}
	return context.WithDeadline(ctx, cutoff)
}

// exprState builds the expr.State an in-flight node's input expressions
// resolve against: the graph's own inputs plus every node output recorded
// so far, with extra (synthetic) outputs overlaid -- used by map iterations
// to bind the conventional "current_item" key without polluting the shared
// node-outputs table.
func exprStateFor(rc *RunContext, extra map[string]map[string]any) expr.State {
	snapshot := rc.outputsSnapshot()
	for k, v := range extra {
		snapshot[k] = v
	}
	return expr.State{GraphInputs: rc.graphInputs, NodeOutputs: snapshot}
}

// runNodeOnce resolves node's inputs, invokes its policy-wrapped executor,
// and emits node.start/node.finish, but does not record its output in the
// shared node-outputs table and does not follow its edge. Used both by the
// normal graph walk (immediately followed by recordOutput + successor
// dispatch) and by map iterations (whose per-element invocations must stay
// off the shared table).
func (r *Runner) runNodeOnce(rc *RunContext, g *build.Graph, nodeID string, extraOutputs map[string]map[string]any) (map[string]any, error) {
	node, ok := g.Nodes[nodeID]
	if !ok {
		return nil, &Error{Kind: ErrEdgeEndpointInvalid, NodeID: nodeID, Msg: "node not found in compiled graph"}
	}

	select {
	case <-rc.ctx.Done():
		return nil, rc.ctx.Err()
	default:
	}

	nodeCtx, traceID, spanID := rc.tracer.StartNode(rc.ctx, nodeID, node.IR.Kind.String())
	nodeCtx = withRunContext(nodeCtx, rc)

	startedAt := time.Now()
	rc.bus.Publish(bus.Event{
		Kind:     bus.KindNodeStart,
		NodeID:   nodeID,
		NodeKind: node.IR.Kind.String(),
		TraceID:  traceID,
		SpanID:   spanID,
		Payload: map[string]any{
			"node_id":    nodeID,
			"kind":       node.IR.Kind.String(),
			"graph_name": g.Name,
			"started_at": startedAt.Format(time.RFC3339Nano),
		},
	})

	st := exprStateFor(rc, extraOutputs)
	resolvedInputs, err := expr.ResolveInputs(node.IR.Inputs, st)
	if err != nil {
		rc.bus.Publish(nodeFinishEvent(nodeID, node.IR.Kind.String(), traceID, spanID, time.Since(startedAt), "error", nil))
		rc.tracer.FinishNode(nodeCtx, nodeID, err)
		return nil, &Error{Kind: ErrNodeRuntime, NodeID: nodeID, Msg: "resolving inputs", Cause: err}
	}

	stateBlob := map[string]any{"graph_inputs": rc.graphInputs}
	raw, err := node.Exec(nodeCtx, stateBlob, resolvedInputs)
	elapsed := time.Since(startedAt)
	if err != nil {
		rc.bus.Publish(nodeFinishEvent(nodeID, node.IR.Kind.String(), traceID, spanID, elapsed, "error", nil))
		rc.bus.Publish(bus.Event{
			Kind:    bus.KindErrorRaised,
			NodeID:  nodeID,
			TraceID: traceID,
			SpanID:  spanID,
			Payload: map[string]any{
				"node_id": nodeID,
				"kind":    fatalKind(err),
				"message": err.Error(),
			},
		})
		rc.tracer.FinishNode(nodeCtx, nodeID, err)
		return nil, &Error{Kind: ErrNodeRuntime, NodeID: nodeID, Msg: "executing node", Cause: err}
	}

	rc.publishCallEvent(node, nodeID, traceID, spanID, resolvedInputs, raw)

	result := raw
	if len(node.IR.Outputs) > 0 {
		result, err = expr.ExtractOutputs(node.IR.Outputs, raw)
		if err != nil {
			rc.bus.Publish(nodeFinishEvent(nodeID, node.IR.Kind.String(), traceID, spanID, elapsed, "error", nil))
			rc.tracer.FinishNode(nodeCtx, nodeID, err)
			return nil, &Error{Kind: ErrNodeRuntime, NodeID: nodeID, Msg: "extracting declared outputs", Cause: err}
		}
	}

	rc.bus.Publish(nodeFinishEvent(nodeID, node.IR.Kind.String(), traceID, spanID, elapsed, "success", result))
	rc.tracer.FinishNode(nodeCtx, nodeID, nil)
	return result, nil
}

// publishCallEvent emits the llm.call or tool.call event for a node whose
// component invokes a provider or tool, from the base executor's raw
// (pre-output-extraction) result -- the only place fields like tokens_in/
// tokens_out are guaranteed to still be present, whether or not the node
// declares them as one of its own named outputs (SPEC_FULL.md section 6).
// An llm node emits llm.call; any other node bound to a tool emits
// tool.call; a node with neither emits nothing.
func (rc *RunContext) publishCallEvent(node *build.Node, nodeID, traceID, spanID string, inputs, raw map[string]any) {
	switch {
	case node.IR.Kind == ir.NodeKindLLM:
		rc.bus.Publish(bus.Event{
			Kind:     bus.KindLLMCall,
			NodeID:   nodeID,
			NodeKind: node.IR.Kind.String(),
			TraceID:  traceID,
			SpanID:   spanID,
			Payload: map[string]any{
				"node_id":     nodeID,
				"provider_id": node.ProviderID,
				"model":       node.Model,
				"tokens_in":   numField(raw["tokens_in"]),
				"tokens_out":  numField(raw["tokens_out"]),
				"inputs":      inputs,
				"outputs":     raw,
			},
		})
	case node.ToolID != "":
		rc.bus.Publish(bus.Event{
			Kind:     bus.KindToolCall,
			NodeID:   nodeID,
			NodeKind: node.IR.Kind.String(),
			TraceID:  traceID,
			SpanID:   spanID,
			Payload: map[string]any{
				"node_id":              nodeID,
				"tool_id":              node.ToolID,
				"component_id":         node.ComponentID,
				"required_permissions": node.Permissions,
				"inputs":               inputs,
				"outputs":              raw,
			},
		})
	}
}

// numField reads a numeric field out of a raw component result, tolerating
// both the float64 a JSON-decoded or literal-map value typically carries
// and a plain int a Go component might return directly.
func numField(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}

func nodeFinishEvent(nodeID, kind, traceID, spanID string, elapsed time.Duration, status string, outputs map[string]any) bus.Event {
	return bus.Event{
		Kind:     bus.KindNodeFinish,
		NodeID:   nodeID,
		NodeKind: kind,
		Elapsed:  elapsed,
		TraceID:  traceID,
		SpanID:   spanID,
		Payload: map[string]any{
			"node_id":     nodeID,
			"status":      status,
			"duration_ms": elapsed.Milliseconds(),
			"outputs":     outputs,
		},
	}
}

// publishErrorRaised emits error.raised for a failure detected outside a
// node executor's own lifecycle (a dispatch-level decision like an empty
// parallel target list or an unmatched route), which therefore carries no
// node span.
func (rc *RunContext) publishErrorRaised(nodeID string, err error) {
	rc.bus.Publish(bus.Event{
		Kind:   bus.KindErrorRaised,
		NodeID: nodeID,
		Payload: map[string]any{
			"node_id": nodeID,
			"kind":    fatalKind(err),
			"message": err.Error(),
		},
	})
}

// routeDecisionEvent builds the route.decision event a router node emits
// after resolving which target it dispatches to.
func routeDecisionEvent(nodeID, route, target string) bus.Event {
	return bus.Event{
		Kind:   bus.KindRouteDecision,
		NodeID: nodeID,
		Payload: map[string]any{
			"node_id": nodeID,
			"route":   route,
			"target":  target,
		},
	}
}

// fatalKind maps a run-stopping error onto the stable error-kind taxonomy.
// A policy decision carries its own kind, except the retry decorator's
// internal exhaustion marker, which defers to whatever the walk wrapped it
// in (NODE_RUNTIME unless the underlying failure was itself taxonomied).
func fatalKind(err error) string {
	var perr *policy.Error
	if errors.As(err, &perr) && perr.Kind != policy.ErrRetryExhausted {
		return string(perr.Kind)
	}
	var serr *Error
	if errors.As(err, &serr) {
		return string(serr.Kind)
	}
	return string(ErrNodeRuntime)
}

// executeNode runs one node to completion and, on success, follows its edge
// descriptor to reach whatever comes next.
func (r *Runner) executeNode(rc *RunContext, g *build.Graph, nodeID string, extraOutputs map[string]map[string]any) error {
	node, ok := g.Nodes[nodeID]
	if !ok {
		return &Error{Kind: ErrEdgeEndpointInvalid, NodeID: nodeID, Msg: "node not found in compiled graph"}
	}

	if node.IR.Kind == ir.NodeKindMap {
		return r.runMap(rc, g, node)
	}

	result, err := r.runNodeOnce(rc, g, nodeID, extraOutputs)
	if err != nil {
		return err
	}
	rc.recordOutput(nodeID, result)

	return r.dispatchSuccessors(rc, g, node, result)
}

// dispatchSuccessors follows node's compiled edge descriptor using its just
// -produced result (needed for route-map lookups).
func (r *Runner) dispatchSuccessors(rc *RunContext, g *build.Graph, node *build.Node, result map[string]any) error {
	switch node.IR.Next.Kind {
	case ir.EdgeNone:
		return nil
	case ir.EdgeSingle:
		if node.IR.Next.Target == "" {
			return nil
		}
		return r.executeNode(rc, g, node.IR.Next.Target, nil)
	case ir.EdgeParallel:
		return r.runParallel(rc, g, node)
	case ir.EdgeRoute:
		return r.runRouter(rc, g, node, result)
	default:
		return nil
	}
}

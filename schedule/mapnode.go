package schedule

import (
	"sync"
	"time"

	"github.com/agentethan/weaveflow/build"
	"github.com/agentethan/weaveflow/bus"
	"github.com/agentethan/weaveflow/expr"
	"github.com/agentethan/weaveflow/ir"
)

// mapElementResult is one iteration's outcome, tagged with its input index
// so ordered collection can place it regardless of completion order.
type mapElementResult struct {
	index int
	value map[string]any
	err   error
}

// runMap reads the iterable from node.Map.Source, invokes the body node
// once per element under a bounded worker pool, and records the map node's
// own result -- a list under node.Map.ResultKey -- then follows its edge.
//
// The body node runs via runNodeOnce rather than executeNode: every
// iteration reuses the same compiled body executor (SPEC_FULL.md section
// 4.4's "reuses a single compiled executor" design note), so the body's id
// must never become a key in the shared node-outputs table -- each
// iteration instead binds its element under the conventional key
// current_item in a private expr.State overlay (runNodeOnce's extraOutputs
// parameter), exactly as a map implementation in the reference codebase's
// nodes/map_node.go mapConcurrent helper rebinds a loop variable per
// goroutine rather than mutating shared state.
func (r *Runner) runMap(rc *RunContext, g *build.Graph, node *build.Node) error {
	nodeID := node.IR.ID
	kind := node.IR.Kind.String()

	select {
	case <-rc.ctx.Done():
		return rc.ctx.Err()
	default:
	}

	nodeCtx, traceID, spanID := rc.tracer.StartNode(rc.ctx, nodeID, kind)
	startedAt := time.Now()
	rc.bus.Publish(bus.Event{
		Kind:     bus.KindNodeStart,
		NodeID:   nodeID,
		NodeKind: kind,
		TraceID:  traceID,
		SpanID:   spanID,
		Payload: map[string]any{
			"node_id":    nodeID,
			"kind":       kind,
			"graph_name": g.Name,
			"started_at": startedAt.Format(time.RFC3339Nano),
		},
	})

	result, err := r.runMapIterations(rc, g, node)
	elapsed := time.Since(startedAt)
	if err != nil {
		rc.bus.Publish(nodeFinishEvent(nodeID, kind, traceID, spanID, elapsed, "error", nil))
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
		return err
	}

	rc.bus.Publish(nodeFinishEvent(nodeID, kind, traceID, spanID, elapsed, "success", result))
	rc.tracer.FinishNode(nodeCtx, nodeID, nil)

	rc.recordOutput(nodeID, result)
	return r.dispatchSuccessors(rc, g, node, result)
}

// runMapIterations resolves the iteration source and drives the body node
// under the configured worker pool, returning the map node's own result
// mapping (the assembled list under cfg.ResultKey).
func (r *Runner) runMapIterations(rc *RunContext, g *build.Graph, node *build.Node) (map[string]any, error) {
	cfg := node.IR.Map

	st := exprStateFor(rc, nil)
	raw, err := expr.ResolveInput(cfg.Source, st)
	if err != nil {
		return nil, &Error{Kind: ErrNodeRuntime, NodeID: node.IR.ID, Msg: "resolving map source", Cause: err}
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, &Error{Kind: ErrMapOverNotArray, NodeID: node.IR.ID, Msg: "map source did not resolve to an array"}
	}

	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	childCtx, cancel := rc.withChildCancel()
	defer cancel()
	childRC := rc.withContext(childCtx)

	results := make([]mapElementResult, len(items))
	var wg sync.WaitGroup
	sem := make(chan struct{}, concurrency)
	var firstErr error
	var mu sync.Mutex
	completionOrder := make([]int, 0, len(items))

	for i, item := range items {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, item any) {
			defer wg.Done()
			defer func() { <-sem }()

			select {
			case <-childCtx.Done():
				results[i] = mapElementResult{index: i, err: childCtx.Err()}
				mu.Lock()
				completionOrder = append(completionOrder, i)
				mu.Unlock()
				return
			default:
			}

			out, err := r.runNodeOnce(childRC, g, cfg.Body, map[string]map[string]any{
				"current_item": {"value": item},
			})
			results[i] = mapElementResult{index: i, value: out, err: err}

			mu.Lock()
			completionOrder = append(completionOrder, i)
			mu.Unlock()

			if err != nil && cfg.FailureMode == ir.FailureModeFailFast {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				cancel()
			}
		}(i, item)
	}
	wg.Wait()

	if cfg.FailureMode == ir.FailureModeFailFast && firstErr != nil {
		return nil, &Error{Kind: ErrNodeRuntime, NodeID: node.IR.ID, Msg: "map element failed", Cause: firstErr}
	}

	list := assembleMapResults(results, completionOrder, cfg)
	return map[string]any{cfg.ResultKey: list}, nil
}

// assembleMapResults builds the final list: input order when cfg.Ordered,
// completion order (per completionOrder, the sequence in which each index's
// goroutine actually finished) otherwise. failure_mode's collect_errors/
// skip_failed handling applies in both cases; fail_fast is handled by the
// caller before this is reached.
func assembleMapResults(results []mapElementResult, completionOrder []int, cfg *ir.MapConfig) []any {
	order := completionOrder
	if cfg.Ordered {
		order = make([]int, len(results))
		for i := range results {
			order[i] = i
		}
	}

	out := make([]any, 0, len(results))
	for _, idx := range order {
		res := results[idx]
		switch {
		case res.err != nil && cfg.FailureMode == ir.FailureModeSkipFailed:
			continue
		case res.err != nil:
			out = append(out, map[string]any{"error": res.err.Error()})
		default:
			out = append(out, res.value)
		}
	}
	return out
}

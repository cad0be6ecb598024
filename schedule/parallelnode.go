package schedule

import (
	"sync"

	"github.com/agentethan/weaveflow/build"
)

// runParallel dispatches node's edge targets as concurrent branches, each
// the root of its own recursive executeNode walk, sharing one derived
// cancellable context: a first error cancels that context, which aborts
// every sibling branch still in flight, without touching the run's own
// context or any unrelated subtree (the resolved fail_fast scope rule).
//
// Grounded on the reference codebase's runtime.executeGraphParallel
// goroutine-per-branch fan-out with a sync.WaitGroup join, adapted here to
// walk each branch to completion recursively (including its own nested
// fan-outs) rather than one frontier level at a time, since this IR has no
// merge node that would need the frontier to re-synchronize.
func (r *Runner) runParallel(rc *RunContext, g *build.Graph, node *build.Node) error {
	targets := node.IR.Next.Targets
	if len(targets) == 0 {
		err := &Error{Kind: ErrParallelEmpty, NodeID: node.IR.ID, Msg: "parallel node declares no targets"}
		rc.publishErrorRaised(node.IR.ID, err)
		return err
	}

	childCtx, cancel := rc.withChildCancel()
	defer cancel()
	childRC := rc.withContext(childCtx)

	var wg sync.WaitGroup
	errs := make([]error, len(targets))
	var once sync.Once
	var firstErr error

	for i, target := range targets {
		wg.Add(1)
		go func(i int, target string) {
			defer wg.Done()
			if err := r.executeNode(childRC, g, target, nil); err != nil {
				errs[i] = err
				once.Do(func() {
					firstErr = err
					cancel()
				})
			}
		}(i, target)
	}
	wg.Wait()

	return firstErr
}

// runRouter resolves the route key from the node's just-produced result,
// looks it up against the compiled route table falling back to "default",
// and dispatches to the matched target. A route key that is missing or has
// no matching entry falls back to "default"; with no default entry it is
// ROUTER_NO_MATCH.
func (r *Runner) runRouter(rc *RunContext, g *build.Graph, node *build.Node, result map[string]any) error {
	route, _ := result["route"].(string)

	target, ok := node.IR.Next.Routes[route]
	if !ok {
		target, ok = node.IR.Next.Routes["default"]
	}
	if !ok {
		err := &Error{Kind: ErrRouterNoMatch, NodeID: node.IR.ID, Msg: "no route matched and no default route configured"}
		rc.publishErrorRaised(node.IR.ID, err)
		return err
	}

	rc.bus.Publish(routeDecisionEvent(node.IR.ID, route, target))

	return r.executeNode(rc, g, target, nil)
}

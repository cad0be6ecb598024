// Package build compiles a normalized IR document, together with a
// resolve.Registry of materialized providers/tools/components, into an
// executable Graph: one policy-wrapped executor per node plus the compiled
// edge table the scheduler walks.
//
// Grounded on the reference codebase's hydrate.buildNode per-kind dispatch
// table (NodeDef.Type -> builder function), generalized here to a single
// uniform construction path for every node kind since this IR's node shape
// (component_ref plus input/output expression maps) is already uniform
// across kinds -- the kind-specific behavior the reference splits out at
// build time (router/map/parallel) is deferred to the scheduler instead,
// which is the only layer that knows about edge fan-out and iteration.
package build

import (
	"context"
	"fmt"
	"time"

	"github.com/agentethan/weaveflow/bus"
	"github.com/agentethan/weaveflow/ir"
	"github.com/agentethan/weaveflow/policy"
	"github.com/agentethan/weaveflow/policy/ratelimit"
	"github.com/agentethan/weaveflow/resolve"
)

// Node is one compiled graph vertex: its IR definition plus its fully
// policy-wrapped executor. ProviderID/ToolID/ComponentID/Permissions are
// resolved once at build time so the scheduler can attach them to
// llm.call/tool.call events without re-walking the document on every run.
type Node struct {
	IR          *ir.Node
	Exec        policy.Executor
	ProviderID  string
	ToolID      string
	ComponentID string
	Model       string
	Permissions []string
}

// Graph is the compiled, executable form of an ir.Document.
type Graph struct {
	Name      string
	Entry     string
	Nodes     map[string]*Node
	Order     []string
	Outputs   []ir.GraphOutput
	Histories map[string]ir.HistoryConfig
	Masking   ir.MaskingPolicy
	Cost      ir.CostPolicy
}

// Build compiles doc into an executable Graph. reg supplies materialized
// provider/tool/component instances (components are materialized eagerly
// here, one per referencing node, since resolve.Registry memoizes by id);
// rl is the shared, build-time rate-limiter registry every node's rate-limit
// decorator draws its scoped limiter from.
func Build(doc *ir.Document, reg *resolve.Registry, rl *ratelimit.Registry) (*Graph, error) {
	g := &Graph{
		Name:      doc.Name,
		Entry:     doc.Graph.Entry,
		Nodes:     make(map[string]*Node, len(doc.Graph.Nodes)),
		Order:     doc.Graph.Order,
		Outputs:   doc.Graph.Outputs,
		Histories: doc.Graph.Histories,
		Masking:   doc.Policies.Masking,
		Cost:      doc.Policies.Cost,
	}

	for _, id := range doc.Graph.Order {
		node := doc.Graph.Nodes[id]

		if !validKind(node.Kind) {
			return nil, &Error{Kind: ErrNodeType, NodeID: id, Msg: fmt.Sprintf("unknown node kind %q", node.Kind)}
		}
		if requiresProvider(node.Kind) {
			comp, ok := doc.Components[node.ComponentRef]
			if !ok || comp.ProviderRef == "" {
				return nil, &Error{Kind: ErrProviderMissing, NodeID: id, Msg: "llm node requires a component with a provider_ref"}
			}
		}
		if node.Kind == ir.NodeKindRouter && len(node.Next.Routes) == 0 {
			return nil, &Error{Kind: ErrRouterNoMatch, NodeID: id, Msg: "router node declares no routes"}
		}
		if node.Kind == ir.NodeKindMap {
			if node.Map == nil || node.Map.Body == "" {
				return nil, &Error{Kind: ErrMapBodyMissing, NodeID: id, Msg: "map node declares no body"}
			}
			if _, ok := doc.Graph.Nodes[node.Map.Body]; !ok {
				return nil, &Error{Kind: ErrMapBodyMissing, NodeID: id, Msg: fmt.Sprintf("map body node %q not found", node.Map.Body)}
			}
		}

		base, err := baseExecutor(node, reg)
		if err != nil {
			return nil, err
		}

		providerID, toolID, permissions, err := nodeTargets(doc, reg, node)
		if err != nil {
			return nil, err
		}

		cfg := policy.Config{
			NodeID:          id,
			Target:          providerTarget(doc, node),
			Permissions:     permissions,
			Policies:        doc.Policies,
			RateLimiter:     rl,
			OnRetry:         emitRetryAttempt(id),
			OnRateLimitWait: emitRateLimitWait(),
		}
		g.Nodes[id] = &Node{
			IR:          node,
			Exec:        policy.Stack(cfg, base),
			ProviderID:  providerID,
			ToolID:      toolID,
			ComponentID: node.ComponentRef,
			Model:       nodeModel(doc, node),
			Permissions: permissions,
		}
	}

	return g, nil
}

// nodeModel resolves the model name an llm node's calls are attributed to
// in llm.call events: the node's own config wins over its component's, and
// either may omit it (the event then carries an empty model).
func nodeModel(doc *ir.Document, node *ir.Node) string {
	if m, ok := node.Config["model"].(string); ok && m != "" {
		return m
	}
	if comp, ok := doc.Components[node.ComponentRef]; ok {
		if m, ok := comp.Config["model"].(string); ok {
			return m
		}
	}
	return ""
}

// providerTarget returns the provider or tool id this node's materialized
// component invokes, used to scope its permission checks and rate limit.
// Components that reference neither return "", which makes the permissions
// and provider-scoped rate-limit decorators no-ops for this node (per-node
// rate-limit rules still apply regardless of target).
func providerTarget(doc *ir.Document, node *ir.Node) string {
	comp, ok := doc.Components[node.ComponentRef]
	if !ok {
		return ""
	}
	if comp.ProviderRef != "" {
		return comp.ProviderRef
	}
	return comp.ToolRef
}

// emitRetryAttempt publishes the retry.attempt event (SPEC_FULL.md section
// 6) for nodeID, looking up the calling run's bus from ctx since the
// decorator stack is built once and reused across every run.
func emitRetryAttempt(nodeID string) func(ctx context.Context, attempt int, delay time.Duration, err error) {
	return func(ctx context.Context, attempt int, delay time.Duration, err error) {
		b, ok := bus.FromContext(ctx)
		if !ok {
			return
		}
		msg := ""
		if err != nil {
			msg = err.Error()
		}
		b.Publish(bus.Event{
			Kind:    bus.KindRetryAttempt,
			NodeID:  nodeID,
			Attempt: attempt,
			Elapsed: delay,
			Payload: map[string]any{
				"node_id": nodeID,
				"attempt": attempt,
				"delay":   delay.Seconds(),
				"error":   msg,
			},
		})
	}
}

// emitRateLimitWait publishes the rate.limit.wait event.
func emitRateLimitWait() func(ctx context.Context, scope, target string, wait time.Duration) {
	return func(ctx context.Context, scope, target string, wait time.Duration) {
		b, ok := bus.FromContext(ctx)
		if !ok {
			return
		}
		b.Publish(bus.Event{
			Kind: bus.KindRateLimitWait,
			Payload: map[string]any{
				"scope":     scope,
				"target":    target,
				"wait_time": wait.Seconds(),
			},
		})
	}
}

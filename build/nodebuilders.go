package build

import (
	"context"

	"github.com/agentethan/weaveflow/ir"
	"github.com/agentethan/weaveflow/resolve"
)

// baseExecutor constructs the pre-policy executor for one node: invoke the
// node's materialized component (if it declares one), or pass its resolved
// inputs straight through when it doesn't. It deliberately returns the
// component's raw result, not its declared outputs -- the cost decorator
// and the scheduler's llm.call/tool.call events both need fields (e.g.
// tokens_in/tokens_out) a component reports that the node may never
// declare as one of its own named outputs; schedule.runNodeOnce is the
// layer that extracts declared outputs from this raw result, after the
// full policy stack (including cost accounting) has already seen it.
//
// Every node kind goes through this same construction, including router,
// map, and parallel nodes -- their distinguishing behavior (route-key
// lookup, per-element iteration, concurrent fan-out) is driven by the
// scheduler reading the node's Edge/MapConfig, not by a different shape of
// executor here. A router node with no component_ref simply returns its
// resolved inputs, which by convention include the "route" key the
// scheduler looks up in the node's route table.
func baseExecutor(node *ir.Node, reg *resolve.Registry) (func(ctx context.Context, state, inputs map[string]any) (map[string]any, error), error) {
	var componentFn resolve.ComponentFunc
	var hooks resolve.Hooks
	if node.ComponentRef != "" {
		instance, err := reg.Component(node.ComponentRef)
		if err != nil {
			return nil, &Error{Kind: ErrComponentImport, NodeID: node.ID, Msg: "materializing component", Cause: err}
		}
		switch inst := instance.(type) {
		case resolve.ComponentFunc:
			componentFn = inst
		case resolve.HookedComponent:
			componentFn = inst.Fn
			hooks = inst.Hooks
		default:
			return nil, &Error{Kind: ErrComponentImport, NodeID: node.ID, Msg: "resolved component is not a resolve.ComponentFunc"}
		}
	}

	return func(ctx context.Context, state, inputs map[string]any) (map[string]any, error) {
		if componentFn == nil {
			return inputs, nil
		}
		if hooks.BeforeExecute != nil {
			modified, err := hooks.BeforeExecute(state, inputs, ctx)
			if err != nil {
				return nil, hookError(hooks, err)
			}
			if modified != nil {
				inputs = modified
			}
		}
		result, err := componentFn(state, inputs, ctx)
		if err != nil {
			return nil, hookError(hooks, err)
		}
		if hooks.AfterExecute != nil {
			transformed, err := hooks.AfterExecute(state, inputs, result, ctx)
			if err != nil {
				return nil, hookError(hooks, err)
			}
			if transformed != nil {
				result = transformed
			}
		}
		return result, nil
	}, nil
}

// hookError offers err to the component's OnError hook, which may replace
// it (returning a different error) or observe it (returning err, or nil to
// keep the original). The hook receives a background context, never the
// possibly-cancelled run context, so error handling is not itself cut
// short by the cancellation it is reacting to.
func hookError(hooks resolve.Hooks, err error) error {
	if hooks.OnError == nil {
		return err
	}
	if replaced := hooks.OnError(err, context.Background()); replaced != nil {
		return replaced
	}
	return err
}

// nodeTargets resolves the provider id, tool id, and declared permission
// strings a node's component invokes, for the scheduler's llm.call/
// tool.call events and the permissions decorator. Permissions are read off
// the materialized *tool* instance (resolve.PermissionSource; SPEC_FULL.md
// section 3 lets a tool carry a permissions list) rather than the
// component: the registry only accepts a resolve.ComponentFunc or a
// resolve.HookedComponent as a component instance, and neither carries a
// per-instance Permissions() method -- only the richer tool instance a
// component wraps can vary its declared permissions.
func nodeTargets(doc *ir.Document, reg *resolve.Registry, node *ir.Node) (providerID, toolID string, permissions []string, err error) {
	comp, ok := doc.Components[node.ComponentRef]
	if !ok {
		return "", "", nil, nil
	}
	providerID = comp.ProviderRef
	toolID = comp.ToolRef
	if toolID == "" {
		return providerID, toolID, nil, nil
	}
	instance, err := reg.Tool(toolID)
	if err != nil {
		return "", "", nil, &Error{Kind: ErrComponentImport, NodeID: node.ID, Msg: "materializing tool", Cause: err}
	}
	if src, ok := instance.(resolve.PermissionSource); ok {
		permissions = src.Permissions()
	}
	return providerID, toolID, permissions, nil
}

// requiresProvider reports whether kind's nodes must resolve to a component
// with a non-empty provider reference (SPEC_FULL.md section 4.3's
// PROVIDER_MISSING check) -- true only for llm nodes, the only kind whose
// materialized callable is expected to call out to an LLM endpoint.
func requiresProvider(kind ir.NodeKind) bool {
	return kind == ir.NodeKindLLM
}

func validKind(kind ir.NodeKind) bool {
	switch kind {
	case ir.NodeKindLLM, ir.NodeKindTool, ir.NodeKindRouter, ir.NodeKindMap, ir.NodeKindParallel, ir.NodeKindComponent:
		return true
	default:
		return false
	}
}

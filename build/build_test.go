package build

import (
	"context"
	"errors"
	"testing"

	"github.com/agentethan/weaveflow/ir"
	"github.com/agentethan/weaveflow/policy/ratelimit"
	"github.com/agentethan/weaveflow/resolve"
)

func echoComponentFactory(c ir.Component, provider, tool any) (any, error) {
	return resolve.ComponentFunc(func(state, inputs map[string]any, ctx any) (map[string]any, error) {
		return inputs, nil
	}), nil
}

func minimalDoc() *ir.Document {
	return &ir.Document{
		Version: 2,
		Components: map[string]ir.Component{
			"echo": {ID: "echo", Type: "echo", Outputs: map[string]string{}},
		},
		Graph: ir.Graph{
			Entry: "start",
			Order: []string{"start"},
			Nodes: map[string]*ir.Node{
				"start": {
					ID:           "start",
					Kind:         ir.NodeKindComponent,
					ComponentRef: "echo",
					Inputs:       map[string]string{"msg": "const:hi"},
					Next:         ir.Edge{Kind: ir.EdgeNone},
				},
			},
		},
	}
}

func newTestRegistry(doc *ir.Document) *resolve.Registry {
	return resolve.New(doc, resolve.Factories{
		Providers: map[string]resolve.ProviderFactory{
			"stub": func(p ir.Provider) (any, error) { return struct{}{}, nil },
		},
		Components: map[string]resolve.ComponentFactory{"echo": echoComponentFactory},
	})
}

func TestBuildSimpleGraphSucceeds(t *testing.T) {
	doc := minimalDoc()
	g, err := Build(doc, newTestRegistry(doc), ratelimit.NewRegistry())
	if err != nil {
		t.Fatalf("unexpected build error: %v", err)
	}
	node, ok := g.Nodes["start"]
	if !ok {
		t.Fatalf("expected compiled node for start")
	}
	result, err := node.Exec(context.Background(), nil, map[string]any{"msg": "hi"})
	if err != nil {
		t.Fatalf("unexpected exec error: %v", err)
	}
	if result["msg"] != "hi" {
		t.Fatalf("expected echoed input, got %v", result)
	}
}

func TestBuildUnknownNodeKindFails(t *testing.T) {
	doc := minimalDoc()
	doc.Graph.Nodes["start"].Kind = ir.NodeKind("bogus")
	_, err := Build(doc, newTestRegistry(doc), ratelimit.NewRegistry())
	var berr *Error
	if !errors.As(err, &berr) || berr.Kind != ErrNodeType {
		t.Fatalf("expected ErrNodeType, got %v", err)
	}
}

func TestBuildLLMNodeWithoutProviderFails(t *testing.T) {
	doc := minimalDoc()
	doc.Graph.Nodes["start"].Kind = ir.NodeKindLLM
	_, err := Build(doc, newTestRegistry(doc), ratelimit.NewRegistry())
	var berr *Error
	if !errors.As(err, &berr) || berr.Kind != ErrProviderMissing {
		t.Fatalf("expected ErrProviderMissing, got %v", err)
	}
}

func TestBuildLLMNodeWithProviderSucceeds(t *testing.T) {
	doc := minimalDoc()
	doc.Graph.Nodes["start"].Kind = ir.NodeKindLLM
	doc.Components["echo"] = ir.Component{ID: "echo", Type: "echo", ProviderRef: "p1"}
	doc.Providers = map[string]ir.Provider{"p1": {ID: "p1", Type: "stub"}}
	_, err := Build(doc, newTestRegistry(doc), ratelimit.NewRegistry())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestBuildRouterWithNoRoutesFails(t *testing.T) {
	doc := minimalDoc()
	doc.Graph.Nodes["start"].Kind = ir.NodeKindRouter
	doc.Graph.Nodes["start"].Next = ir.Edge{Kind: ir.EdgeRoute, Routes: map[string]string{}}
	_, err := Build(doc, newTestRegistry(doc), ratelimit.NewRegistry())
	var berr *Error
	if !errors.As(err, &berr) || berr.Kind != ErrRouterNoMatch {
		t.Fatalf("expected ErrRouterNoMatch, got %v", err)
	}
}

func TestBuildMapWithMissingBodyFails(t *testing.T) {
	doc := minimalDoc()
	doc.Graph.Nodes["start"].Kind = ir.NodeKindMap
	doc.Graph.Nodes["start"].Map = &ir.MapConfig{Body: "nope", Source: "const:[]"}
	_, err := Build(doc, newTestRegistry(doc), ratelimit.NewRegistry())
	var berr *Error
	if !errors.As(err, &berr) || berr.Kind != ErrMapBodyMissing {
		t.Fatalf("expected ErrMapBodyMissing, got %v", err)
	}
}

type fsPermissionTool struct{ perms []string }

func (t fsPermissionTool) Permissions() []string { return t.perms }

func TestBuildResolvesToolPermissionsAndDeniesDisallowedCall(t *testing.T) {
	doc := minimalDoc()
	doc.Tools = map[string]ir.Tool{"fs": {ID: "fs", Type: "fs"}}
	doc.Components["echo"] = ir.Component{ID: "echo", Type: "echo", ToolRef: "fs", Outputs: map[string]string{}}
	doc.Policies.Permissions = ir.PermissionsPolicy{
		ByTarget: map[string][]string{"fs": {"fs.read"}},
	}

	reg := resolve.New(doc, resolve.Factories{
		Tools: map[string]resolve.ToolFactory{
			"fs": func(t ir.Tool, provider any) (any, error) {
				return fsPermissionTool{perms: []string{"fs.read", "fs.write"}}, nil
			},
		},
		Components: map[string]resolve.ComponentFactory{"echo": echoComponentFactory},
	})

	g, err := Build(doc, reg, ratelimit.NewRegistry())
	if err != nil {
		t.Fatalf("unexpected build error: %v", err)
	}
	node := g.Nodes["start"]
	if node.ToolID != "fs" {
		t.Fatalf("expected resolved ToolID %q, got %q", "fs", node.ToolID)
	}
	if len(node.Permissions) != 2 {
		t.Fatalf("expected 2 resolved permissions, got %v", node.Permissions)
	}

	_, err = node.Exec(context.Background(), nil, map[string]any{"msg": "hi"})
	if err == nil {
		t.Fatalf("expected denial: fs.write is declared but not in the allow union for target fs")
	}
}

func TestBuildWiresComponentLifecycleHooks(t *testing.T) {
	var calls []string
	doc := minimalDoc()
	reg := resolve.New(doc, resolve.Factories{
		Components: map[string]resolve.ComponentFactory{
			"echo": func(c ir.Component, provider, tool any) (any, error) {
				return resolve.HookedComponent{
					Fn: func(state, inputs map[string]any, ctx any) (map[string]any, error) {
						calls = append(calls, "execute")
						return inputs, nil
					},
					Hooks: resolve.Hooks{
						BeforeExecute: func(state, inputs map[string]any, ctx any) (map[string]any, error) {
							calls = append(calls, "before")
							inputs["extra"] = "added"
							return inputs, nil
						},
						AfterExecute: func(state, inputs, result map[string]any, ctx any) (map[string]any, error) {
							calls = append(calls, "after")
							return result, nil
						},
					},
				}, nil
			},
		},
	})

	g, err := Build(doc, reg, ratelimit.NewRegistry())
	if err != nil {
		t.Fatalf("unexpected build error: %v", err)
	}
	result, err := g.Nodes["start"].Exec(context.Background(), nil, map[string]any{"msg": "hi"})
	if err != nil {
		t.Fatalf("unexpected exec error: %v", err)
	}
	want := []string{"before", "execute", "after"}
	if len(calls) != len(want) {
		t.Fatalf("expected hook order %v, got %v", want, calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("expected hook order %v, got %v", want, calls)
		}
	}
	if result["extra"] != "added" {
		t.Fatalf("expected BeforeExecute's modified inputs to reach the callable, got %v", result)
	}
}

func TestBuildOnErrorHookMayReplaceTheError(t *testing.T) {
	doc := minimalDoc()
	reg := resolve.New(doc, resolve.Factories{
		Components: map[string]resolve.ComponentFactory{
			"echo": func(c ir.Component, provider, tool any) (any, error) {
				return resolve.HookedComponent{
					Fn: func(state, inputs map[string]any, ctx any) (map[string]any, error) {
						return nil, errors.New("raw failure")
					},
					Hooks: resolve.Hooks{
						OnError: func(err error, ctx any) error {
							return errors.New("wrapped: " + err.Error())
						},
					},
				}, nil
			},
		},
	})

	g, err := Build(doc, reg, ratelimit.NewRegistry())
	if err != nil {
		t.Fatalf("unexpected build error: %v", err)
	}
	_, err = g.Nodes["start"].Exec(context.Background(), nil, nil)
	if err == nil || err.Error() != "wrapped: raw failure" {
		t.Fatalf("expected OnError's replacement error, got %v", err)
	}
}

func TestBuildUnresolvableComponentFailsWithComponentImport(t *testing.T) {
	doc := minimalDoc()
	doc.Graph.Nodes["start"].ComponentRef = "missing"
	_, err := Build(doc, newTestRegistry(doc), ratelimit.NewRegistry())
	var berr *Error
	if !errors.As(err, &berr) || berr.Kind != ErrComponentImport {
		t.Fatalf("expected ErrComponentImport, got %v", err)
	}
}

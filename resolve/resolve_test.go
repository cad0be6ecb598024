package resolve_test

import (
	"sync/atomic"
	"testing"

	"github.com/agentethan/weaveflow/ir"
	"github.com/agentethan/weaveflow/resolve"
)

func testDoc() *ir.Document {
	return &ir.Document{
		Providers: map[string]ir.Provider{
			"http": {ID: "http", Type: "http"},
		},
		Tools: map[string]ir.Tool{
			"search": {ID: "search", Type: "search", ProviderRef: "http"},
		},
		Components: map[string]ir.Component{
			"answer": {ID: "answer", Type: "answer", ToolRef: "search"},
			"plain":  {ID: "plain", Type: "plain"},
		},
	}
}

func TestRegistry_ResolvesAndMemoizesProvider(t *testing.T) {
	var calls int32
	factories := resolve.Factories{
		Providers: map[string]resolve.ProviderFactory{
			"http": func(p ir.Provider) (any, error) {
				atomic.AddInt32(&calls, 1)
				return "provider-instance", nil
			},
		},
	}
	reg := resolve.New(testDoc(), factories)

	inst1, err := reg.Provider("http")
	if err != nil {
		t.Fatalf("Provider: %v", err)
	}
	inst2, err := reg.Provider("http")
	if err != nil {
		t.Fatalf("Provider: %v", err)
	}
	if inst1 != inst2 {
		t.Fatal("expected memoized instance to be identical across calls")
	}
	if calls != 1 {
		t.Fatalf("expected factory invoked once, got %d", calls)
	}
}

func TestRegistry_ToolResolvesProviderDependency(t *testing.T) {
	var gotProvider any
	factories := resolve.Factories{
		Providers: map[string]resolve.ProviderFactory{
			"http": func(p ir.Provider) (any, error) { return "http-handle", nil },
		},
		Tools: map[string]resolve.ToolFactory{
			"search": func(t ir.Tool, provider any) (any, error) {
				gotProvider = provider
				return resolve.ComponentFunc(func(state, inputs map[string]any, ctx any) (map[string]any, error) {
					return inputs, nil
				}), nil
			},
		},
	}
	reg := resolve.New(testDoc(), factories)

	if _, err := reg.Tool("search"); err != nil {
		t.Fatalf("Tool: %v", err)
	}
	if gotProvider != "http-handle" {
		t.Fatalf("expected tool factory to receive the resolved provider, got %v", gotProvider)
	}
}

func TestRegistry_ComponentRequiresComponentFunc(t *testing.T) {
	factories := resolve.Factories{
		Components: map[string]resolve.ComponentFactory{
			"plain": func(c ir.Component, provider, tool any) (any, error) {
				return "not-a-component-func", nil
			},
		},
	}
	reg := resolve.New(testDoc(), factories)

	_, err := reg.Component("plain")
	if err == nil {
		t.Fatal("expected a signature mismatch error")
	}
	rerr, ok := err.(*resolve.Error)
	if !ok {
		t.Fatalf("expected *resolve.Error, got %T", err)
	}
	if rerr.Kind != resolve.ErrSignatureMismatch {
		t.Fatalf("expected %s, got %s", resolve.ErrSignatureMismatch, rerr.Kind)
	}
}

func TestRegistry_AcceptsHookedComponent(t *testing.T) {
	factories := resolve.Factories{
		Components: map[string]resolve.ComponentFactory{
			"plain": func(c ir.Component, provider, tool any) (any, error) {
				return resolve.HookedComponent{
					Fn: func(state, inputs map[string]any, ctx any) (map[string]any, error) {
						return inputs, nil
					},
				}, nil
			},
		},
	}
	reg := resolve.New(testDoc(), factories)
	if _, err := reg.Component("plain"); err != nil {
		t.Fatalf("expected a HookedComponent to satisfy the signature check, got %v", err)
	}
}

func TestRegistry_HookedComponentRequiresFn(t *testing.T) {
	factories := resolve.Factories{
		Components: map[string]resolve.ComponentFactory{
			"plain": func(c ir.Component, provider, tool any) (any, error) {
				return resolve.HookedComponent{}, nil
			},
		},
	}
	reg := resolve.New(testDoc(), factories)
	_, err := reg.Component("plain")
	rerr, ok := err.(*resolve.Error)
	if !ok || rerr.Kind != resolve.ErrSignatureMismatch {
		t.Fatalf("expected SIGNATURE_MISMATCH for a HookedComponent with no Fn, got %v", err)
	}
}

func TestRegistry_CloseRunsComponentCloseHook(t *testing.T) {
	closed := false
	factories := resolve.Factories{
		Components: map[string]resolve.ComponentFactory{
			"plain": func(c ir.Component, provider, tool any) (any, error) {
				return resolve.HookedComponent{
					Fn: func(state, inputs map[string]any, ctx any) (map[string]any, error) {
						return inputs, nil
					},
					Hooks: resolve.Hooks{Close: func() error { closed = true; return nil }},
				}, nil
			},
		},
	}
	reg := resolve.New(testDoc(), factories)
	if _, err := reg.Component("plain"); err != nil {
		t.Fatalf("Component: %v", err)
	}
	if err := reg.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !closed {
		t.Fatal("expected Registry.Close to invoke the component's Close hook")
	}
}

func TestRegistry_UnknownIDFails(t *testing.T) {
	reg := resolve.New(testDoc(), resolve.Factories{})
	_, err := reg.Provider("missing")
	if err == nil {
		t.Fatal("expected an error resolving an undeclared provider")
	}
}

func TestRegistry_MissingFactoryFails(t *testing.T) {
	reg := resolve.New(testDoc(), resolve.Factories{})
	_, err := reg.Provider("http")
	if err == nil {
		t.Fatal("expected an error when no factory is registered for the provider type")
	}
}

type toolWithBadPerms struct{}

func (toolWithBadPerms) Permissions() []string { return []string{""} }

func TestRegistry_ToolPermissionCheck(t *testing.T) {
	factories := resolve.Factories{
		Providers: map[string]resolve.ProviderFactory{
			"http": func(p ir.Provider) (any, error) { return "http-handle", nil },
		},
		Tools: map[string]resolve.ToolFactory{
			"search": func(t ir.Tool, provider any) (any, error) {
				return toolWithBadPerms{}, nil
			},
		},
	}
	reg := resolve.New(testDoc(), factories)
	_, err := reg.Tool("search")
	if err == nil {
		t.Fatal("expected an error for an empty permission string")
	}
	rerr := err.(*resolve.Error)
	if rerr.Kind != resolve.ErrPermType {
		t.Fatalf("expected %s, got %s", resolve.ErrPermType, rerr.Kind)
	}
}

func TestRegistry_EmptyIDIsNilWithoutError(t *testing.T) {
	reg := resolve.New(testDoc(), resolve.Factories{})
	inst, err := reg.Provider("")
	if err != nil || inst != nil {
		t.Fatalf("expected (nil, nil) for an empty id, got (%v, %v)", inst, err)
	}
}

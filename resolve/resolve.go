// Package resolve materializes providers, tools, and components declared in
// the IR through externally supplied factories, memoizing each materialized
// instance per id. Factory registries that actually construct concrete
// instances are an external collaborator (SPEC_FULL.md section 1); this
// package only drives the lazy, memoized resolution protocol and the
// signature/permission checks section 4.2 requires.
//
// Grounded on the reference codebase's registry.Registry (sync.RWMutex
// guarded lookup map, adapted here from a static type-metadata cache to an
// instance-materialization cache) and hydrate.HydrateGraph's factory
// invocation pattern.
package resolve

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/agentethan/weaveflow/ir"
)

// ComponentFunc is the required shape of a materialized component or tool
// callable: exactly three positional arguments, state/inputs/ctx. The
// resolver's signature check (section 4.2) is a type assertion against this
// concrete func type, not a reflection-based arity check, since the
// factory contract is a typed Go function value.
type ComponentFunc func(state, inputs map[string]any, ctx any) (map[string]any, error)

// Hooks exposes a component's optional lifecycle methods. The builder
// wires whichever fields are non-nil around the component's callable;
// none are required. Close is invoked by Registry.Close at agent
// teardown, not per run.
type Hooks struct {
	BeforeExecute func(state, inputs map[string]any, ctx any) (map[string]any, error)
	AfterExecute  func(state, inputs, result map[string]any, ctx any) (map[string]any, error)
	OnError       func(err error, ctx any) error
	Close         func() error
}

// HookedComponent is the richer materialization a component factory may
// return instead of a bare ComponentFunc: the callable plus its optional
// lifecycle hooks. Fn is required.
type HookedComponent struct {
	Fn    ComponentFunc
	Hooks Hooks
}

// PermissionSource is implemented by materialized tools/components that
// gate their invocation behind a permission list.
type PermissionSource interface {
	Permissions() []string
}

// ProviderFactory constructs a materialized provider instance (an opaque
// handle) from its IR record.
type ProviderFactory func(ir.Provider) (any, error)

// ToolFactory constructs a materialized tool callable from its IR record
// and its already-resolved provider instance (nil if the tool has no
// provider_ref).
type ToolFactory func(t ir.Tool, provider any) (any, error)

// ComponentFactory constructs a materialized component callable from its IR
// record and its already-resolved provider/tool instances (either may be
// nil if unreferenced).
type ComponentFactory func(c ir.Component, provider, tool any) (any, error)

// Factories bundles the externally supplied, type-keyed factory functions.
type Factories struct {
	Providers  map[string]ProviderFactory
	Tools      map[string]ToolFactory
	Components map[string]ComponentFactory
}

// Error classes from SPEC_FULL.md section 7 ("build-time materialization").
type ErrorKind string

const (
	ErrComponentImport  ErrorKind = "COMPONENT_IMPORT"
	ErrToolImport       ErrorKind = "TOOL_IMPORT"
	ErrSignatureMismatch ErrorKind = "SIGNATURE_MISMATCH"
	ErrPermType         ErrorKind = "PERM_TYPE"
)

// Error is a build-time materialization failure.
type Error struct {
	Kind ErrorKind
	ID   string
	Msg  string
}

func (e *Error) Error() string { return fmt.Sprintf("%s %s: %s", e.Kind, e.ID, e.Msg) }

// Registry lazily materializes and memoizes provider/tool/component
// instances declared in doc, via factories.
type Registry struct {
	doc       *ir.Document
	factories Factories

	mu         sync.Mutex
	providers  map[string]*providerCell
	tools      map[string]*toolCell
	components map[string]*componentCell
}

type providerCell struct {
	once     sync.Once
	instance any
	err      error
}

type toolCell struct {
	once     sync.Once
	instance any
	err      error
}

type componentCell struct {
	once     sync.Once
	instance any
	err      error
}

// New creates a Registry bound to doc's declared providers/tools/components.
func New(doc *ir.Document, factories Factories) *Registry {
	return &Registry{
		doc:        doc,
		factories:  factories,
		providers:  make(map[string]*providerCell),
		tools:      make(map[string]*toolCell),
		components: make(map[string]*componentCell),
	}
}

// Provider materializes (or returns the cached materialization of) the
// provider with the given id.
func (r *Registry) Provider(id string) (any, error) {
	if id == "" {
		return nil, nil
	}
	r.mu.Lock()
	cell, ok := r.providers[id]
	if !ok {
		cell = &providerCell{}
		r.providers[id] = cell
	}
	r.mu.Unlock()

	cell.once.Do(func() {
		decl, ok := r.doc.Providers[id]
		if !ok {
			cell.err = &Error{Kind: ErrComponentImport, ID: id, Msg: "provider not declared"}
			return
		}
		factory, ok := r.factories.Providers[decl.Type]
		if !ok {
			cell.err = &Error{Kind: ErrComponentImport, ID: id, Msg: fmt.Sprintf("no factory registered for provider type %q", decl.Type)}
			return
		}
		instance, err := factory(decl)
		if err != nil {
			cell.err = &Error{Kind: ErrComponentImport, ID: id, Msg: err.Error()}
			return
		}
		cell.instance = instance
	})
	return cell.instance, cell.err
}

// Tool materializes (or returns the cached materialization of) the tool
// with the given id, resolving its provider dependency first.
func (r *Registry) Tool(id string) (any, error) {
	if id == "" {
		return nil, nil
	}
	r.mu.Lock()
	cell, ok := r.tools[id]
	if !ok {
		cell = &toolCell{}
		r.tools[id] = cell
	}
	r.mu.Unlock()

	cell.once.Do(func() {
		decl, ok := r.doc.Tools[id]
		if !ok {
			cell.err = &Error{Kind: ErrToolImport, ID: id, Msg: "tool not declared"}
			return
		}
		var providerInstance any
		if decl.ProviderRef != "" {
			inst, err := r.Provider(decl.ProviderRef)
			if err != nil {
				cell.err = err
				return
			}
			providerInstance = inst
		}
		factory, ok := r.factories.Tools[decl.Type]
		if !ok {
			cell.err = &Error{Kind: ErrToolImport, ID: id, Msg: fmt.Sprintf("no factory registered for tool type %q", decl.Type)}
			return
		}
		instance, err := factory(decl, providerInstance)
		if err != nil {
			cell.err = &Error{Kind: ErrToolImport, ID: id, Msg: err.Error()}
			return
		}
		if err := checkPermissions(instance); err != nil {
			cell.err = &Error{Kind: ErrPermType, ID: id, Msg: err.Error()}
			return
		}
		cell.instance = instance
	})
	return cell.instance, cell.err
}

// Component materializes (or returns the cached materialization of) the
// component with the given id, resolving its provider/tool dependencies
// first, and checks the returned callable's signature.
func (r *Registry) Component(id string) (any, error) {
	if id == "" {
		return nil, nil
	}
	r.mu.Lock()
	cell, ok := r.components[id]
	if !ok {
		cell = &componentCell{}
		r.components[id] = cell
	}
	r.mu.Unlock()

	cell.once.Do(func() {
		decl, ok := r.doc.Components[id]
		if !ok {
			cell.err = &Error{Kind: ErrComponentImport, ID: id, Msg: "component not declared"}
			return
		}
		var providerInstance, toolInstance any
		if decl.ProviderRef != "" {
			inst, err := r.Provider(decl.ProviderRef)
			if err != nil {
				cell.err = err
				return
			}
			providerInstance = inst
		}
		if decl.ToolRef != "" {
			inst, err := r.Tool(decl.ToolRef)
			if err != nil {
				cell.err = err
				return
			}
			toolInstance = inst
		}
		factory, ok := r.factories.Components[decl.Type]
		if !ok {
			cell.err = &Error{Kind: ErrComponentImport, ID: id, Msg: fmt.Sprintf("no factory registered for component type %q", decl.Type)}
			return
		}
		instance, err := factory(decl, providerInstance, toolInstance)
		if err != nil {
			cell.err = &Error{Kind: ErrComponentImport, ID: id, Msg: err.Error()}
			return
		}
		switch inst := instance.(type) {
		case ComponentFunc:
		case HookedComponent:
			if inst.Fn == nil {
				cell.err = &Error{Kind: ErrSignatureMismatch, ID: id,
					Msg: "HookedComponent must carry a non-nil Fn accepting exactly (state, inputs, ctx)"}
				return
			}
		default:
			cell.err = &Error{Kind: ErrSignatureMismatch, ID: id,
				Msg: "component factory must return a resolve.ComponentFunc (or HookedComponent) accepting exactly (state, inputs, ctx)"}
			return
		}
		if err := checkPermissions(instance); err != nil {
			cell.err = &Error{Kind: ErrPermType, ID: id, Msg: err.Error()}
			return
		}
		cell.instance = instance
	})
	return cell.instance, cell.err
}

// Close tears down every instance the registry has materialized, in the
// order components -> tools -> providers (dependents before dependencies):
// a component's Close hook runs if declared, and any instance implementing
// io.Closer is closed. Materialized instances live for the lifetime of the
// executing agent, so this is an agent-teardown call, not a per-run one.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for id, cell := range r.components {
		if hc, ok := cell.instance.(HookedComponent); ok && hc.Hooks.Close != nil {
			if err := hc.Hooks.Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing component %q: %w", id, err))
			}
			continue
		}
		errs = append(errs, closeInstance("component", id, cell.instance))
	}
	for id, cell := range r.tools {
		errs = append(errs, closeInstance("tool", id, cell.instance))
	}
	for id, cell := range r.providers {
		errs = append(errs, closeInstance("provider", id, cell.instance))
	}
	return errors.Join(errs...)
}

func closeInstance(kind, id string, instance any) error {
	closer, ok := instance.(io.Closer)
	if !ok {
		return nil
	}
	if err := closer.Close(); err != nil {
		return fmt.Errorf("closing %s %q: %w", kind, id, err)
	}
	return nil
}

// checkPermissions validates that, if instance exposes Permissions(), every
// returned entry is a non-empty string. Entries are strings by
// PermissionSource's signature, so the check that can fail here is the one
// rejecting an empty entry.
func checkPermissions(instance any) error {
	src, ok := instance.(PermissionSource)
	if !ok {
		return nil
	}
	for _, p := range src.Permissions() {
		if p == "" {
			return fmt.Errorf("permission entries must be non-empty strings")
		}
	}
	return nil
}

package main

import (
	"fmt"

	"github.com/agentethan/weaveflow/ir"
	"github.com/agentethan/weaveflow/resolve"
)

// sampleFactories returns a tiny, illustrative factory set -- enough to
// compile and run the example workflows this driver ships with. A real
// host supplies its own factory registry (SPEC_FULL.md section 1 names
// "factory registries that materialize provider/tool/component instances"
// and "the sample library of ready-made LLM factories" as external
// collaborators); this is not that library, only a stand-in so `weaverun
// run` has something to execute out of the box.
func sampleFactories(creds map[string]string) resolve.Factories {
	return resolve.Factories{
		Providers: map[string]resolve.ProviderFactory{
			"http": httpProviderFactory(creds),
		},
		Tools: map[string]resolve.ToolFactory{
			"echo": echoToolFactory,
		},
		Components: map[string]resolve.ComponentFactory{
			"passthrough": passthroughComponentFactory,
			"stub_llm":    stubLLMComponentFactory,
		},
	}
}

// httpHandle is the opaque provider instance an "http"-typed provider
// materializes into: just enough config to let a tool/component factory
// build a request without the core ever looking inside.
type httpHandle struct {
	baseURL string
	apiKey  string
}

func httpProviderFactory(creds map[string]string) resolve.ProviderFactory {
	return func(p ir.Provider) (any, error) {
		baseURL, _ := p.Config["base_url"].(string)
		return &httpHandle{baseURL: baseURL, apiKey: creds[p.ID]}, nil
	}
}

// echoTool is a resolve.ComponentFunc-shaped tool that returns its inputs
// back out under "echo", useful for exercising router/map/parallel wiring
// without a real side-effecting backend.
func echoToolFactory(t ir.Tool, provider any) (any, error) {
	return resolve.ComponentFunc(func(state, inputs map[string]any, ctx any) (map[string]any, error) {
		return map[string]any{"echo": inputs}, nil
	}), nil
}

// passthroughComponentFactory builds a component that copies its inputs
// straight through to its outputs, for graphs whose nodes only need to
// shuttle values between expressions (e.g. a router's decision node).
func passthroughComponentFactory(c ir.Component, provider, tool any) (any, error) {
	return resolve.ComponentFunc(func(state, inputs map[string]any, ctx any) (map[string]any, error) {
		out := make(map[string]any, len(inputs)+len(c.Defaults))
		for k, v := range c.Defaults {
			out[k] = v
		}
		for k, v := range inputs {
			out[k] = v
		}
		return out, nil
	}), nil
}

// stubLLMComponentFactory builds a component that stands in for a real LLM
// call: it requires a provider_ref (so PROVIDER_MISSING/build-time checks
// still exercise), and echoes back a deterministic completion plus a token
// count an llm.call event consumer can use to exercise the cost policy.
func stubLLMComponentFactory(c ir.Component, provider, tool any) (any, error) {
	if provider == nil {
		return nil, fmt.Errorf("stub_llm component %q requires provider_ref", c.ID)
	}
	return resolve.ComponentFunc(func(state, inputs map[string]any, ctx any) (map[string]any, error) {
		prompt, _ := inputs["prompt"].(string)
		return map[string]any{
			"text":       "stub completion for: " + prompt,
			"tokens_in":  len(prompt) / 4,
			"tokens_out": 16,
		}, nil
	}), nil
}

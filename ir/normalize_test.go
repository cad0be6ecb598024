package ir_test

import (
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/agentethan/weaveflow/ir"
)

func minimalDoc() map[string]any {
	return map[string]any{
		"meta": map[string]any{"version": 2, "name": "demo"},
		"components": []any{
			map[string]any{"id": "echo", "type": "component"},
		},
		"graph": map[string]any{
			"entry": "start",
			"nodes": []any{
				map[string]any{"id": "start", "kind": "component", "component_ref": "echo"},
			},
		},
	}
}

func TestNormalize_Minimal(t *testing.T) {
	doc, warnings, err := ir.Normalize(minimalDoc())
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", warnings)
	}
	if doc.Version != 2 {
		t.Fatalf("expected version 2, got %d", doc.Version)
	}
	if doc.Name != "demo" {
		t.Fatalf("expected name %q, got %q", "demo", doc.Name)
	}
	if doc.Graph.Entry != "start" {
		t.Fatalf("expected entry %q, got %q", "start", doc.Graph.Entry)
	}
	if _, ok := doc.Graph.Nodes["start"]; !ok {
		t.Fatal("expected node 'start' to be present")
	}
	if doc.Policies.RetryDefault != ir.DefaultRetryPolicy() {
		t.Fatalf("expected default retry policy, got %+v", doc.Policies.RetryDefault)
	}
}

func TestNormalize_UnsupportedMetaVersion(t *testing.T) {
	doc := minimalDoc()
	doc["meta"] = map[string]any{"version": 1}

	_, _, err := ir.Normalize(doc)
	if err == nil {
		t.Fatal("expected an error for unsupported meta.version")
	}
	ierr, ok := err.(*ir.Error)
	if !ok {
		t.Fatalf("expected *ir.Error, got %T", err)
	}
	if ierr.Kind != ir.ErrMetaVersionUnsupported {
		t.Fatalf("expected %s, got %s", ir.ErrMetaVersionUnsupported, ierr.Kind)
	}
}

func TestNormalize_DuplicateNodeID(t *testing.T) {
	doc := minimalDoc()
	graph := doc["graph"].(map[string]any)
	graph["nodes"] = []any{
		map[string]any{"id": "start", "kind": "component", "component_ref": "echo"},
		map[string]any{"id": "start", "kind": "component", "component_ref": "echo"},
	}

	_, _, err := ir.Normalize(doc)
	if err == nil {
		t.Fatal("expected an error for duplicate node id")
	}
	ierr := err.(*ir.Error)
	if ierr.Kind != ir.ErrNodeDup {
		t.Fatalf("expected %s, got %s", ir.ErrNodeDup, ierr.Kind)
	}
}

func TestNormalize_UnknownEntry(t *testing.T) {
	doc := minimalDoc()
	doc["graph"].(map[string]any)["entry"] = "missing"

	_, _, err := ir.Normalize(doc)
	if err == nil {
		t.Fatal("expected an error for unknown entry node")
	}
	ierr := err.(*ir.Error)
	if ierr.Kind != ir.ErrGraphEntryNotFound {
		t.Fatalf("expected %s, got %s", ir.ErrGraphEntryNotFound, ierr.Kind)
	}
}

func TestNormalize_UnknownEdgeEndpoint(t *testing.T) {
	doc := minimalDoc()
	graph := doc["graph"].(map[string]any)
	graph["nodes"] = []any{
		map[string]any{"id": "start", "kind": "component", "component_ref": "echo", "next": "missing"},
	}

	_, _, err := ir.Normalize(doc)
	if err == nil {
		t.Fatal("expected an error for unknown edge endpoint")
	}
	ierr := err.(*ir.Error)
	if ierr.Kind != ir.ErrEdgeEndpointInvalid {
		t.Fatalf("expected %s, got %s", ir.ErrEdgeEndpointInvalid, ierr.Kind)
	}
}

func TestNormalize_RouterEdge(t *testing.T) {
	doc := minimalDoc()
	graph := doc["graph"].(map[string]any)
	graph["nodes"] = []any{
		map[string]any{
			"id": "start", "kind": "router", "component_ref": "echo",
			"next": map[string]any{"yes": "start", "no": "start"},
		},
	}

	out, _, err := ir.Normalize(doc)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	edge := out.Graph.Nodes["start"].Next
	if edge.Kind != ir.EdgeRoute {
		t.Fatalf("expected route edge, got %s", edge.Kind)
	}
	if edge.Routes["yes"] != "start" || edge.Routes["no"] != "start" {
		t.Fatalf("unexpected routes: %+v", edge.Routes)
	}
}

func TestNormalize_ParallelEdgeRequiresList(t *testing.T) {
	doc := minimalDoc()
	graph := doc["graph"].(map[string]any)
	graph["nodes"] = []any{
		map[string]any{"id": "start", "kind": "parallel", "component_ref": "echo", "next": "not-a-list"},
	}

	_, _, err := ir.Normalize(doc)
	if err == nil {
		t.Fatal("expected an error for a non-list parallel edge")
	}
	ierr := err.(*ir.Error)
	if ierr.Kind != ir.ErrEdgeEndpointInvalid {
		t.Fatalf("expected %s, got %s", ir.ErrEdgeEndpointInvalid, ierr.Kind)
	}
}

func TestNormalize_MapNodeDefaults(t *testing.T) {
	doc := minimalDoc()
	graph := doc["graph"].(map[string]any)
	graph["nodes"] = []any{
		map[string]any{
			"id": "start", "kind": "map", "component_ref": "echo",
			"config": map[string]any{"body": "start", "source": "$.items"},
		},
	}

	out, _, err := ir.Normalize(doc)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	m := out.Graph.Nodes["start"].Map
	if m == nil {
		t.Fatal("expected a populated Map config")
	}
	if m.Concurrency != 1 {
		t.Fatalf("expected default concurrency 1, got %d", m.Concurrency)
	}
	if !m.Ordered {
		t.Fatal("expected default ordered=true")
	}
	if m.FailureMode != ir.FailureModeFailFast {
		t.Fatalf("expected default fail_fast, got %s", m.FailureMode)
	}
	if m.ResultKey != "result" {
		t.Fatalf("expected default result key 'result', got %q", m.ResultKey)
	}
}

func TestNormalize_LegacyHistoryOverriddenByExplicit(t *testing.T) {
	doc := minimalDoc()
	graph := doc["graph"].(map[string]any)
	graph["history"] = map[string]any{
		"conv": map[string]any{"type": "memory"},
	}
	doc["histories"] = []any{
		map[string]any{"id": "conv", "type": "sqlite", "config": map[string]any{"path": "x.db"}},
	}

	out, warnings, err := ir.Normalize(doc)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if out.Graph.Histories["conv"].Type != "sqlite" {
		t.Fatalf("expected explicit histories entry to win, got %+v", out.Graph.Histories["conv"])
	}
	if len(warnings) < 2 {
		t.Fatalf("expected at least 2 deprecation/override warnings, got %d: %v", len(warnings), warnings)
	}
}

func TestNormalize_ComponentUnknownProviderRef(t *testing.T) {
	doc := minimalDoc()
	doc["components"] = []any{
		map[string]any{"id": "echo", "type": "component", "provider_ref": "missing"},
	}

	_, _, err := ir.Normalize(doc)
	if err == nil {
		t.Fatal("expected an error for unknown provider_ref")
	}
	ierr := err.(*ir.Error)
	if ierr.Kind != ir.ErrComponentProviderNotFound {
		t.Fatalf("expected %s, got %s", ir.ErrComponentProviderNotFound, ierr.Kind)
	}
}

func TestNormalize_MapKeyedSections(t *testing.T) {
	doc := minimalDoc()
	doc["components"] = map[string]any{
		"echo": map[string]any{"type": "component"},
	}

	out, _, err := ir.Normalize(doc)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if _, ok := out.Components["echo"]; !ok {
		t.Fatal("expected map-keyed components section to synthesize id from its key")
	}
}

func TestNormalize_PolicyParsing(t *testing.T) {
	doc := minimalDoc()
	doc["policies"] = map[string]any{
		"retry": map[string]any{
			"default": map[string]any{"strategy": "exponential", "max_attempts": 3, "interval": 0.5},
		},
		"cost": map[string]any{"per_run_tokens": 1000},
		"masking": map[string]any{
			"fields":      []any{"secret"},
			"diff_fields": []any{"session_id"},
		},
		"permissions": map[string]any{
			"default_allow": []any{"read"},
		},
	}

	out, _, err := ir.Normalize(doc)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if out.Policies.RetryDefault.Strategy != ir.RetryStrategyExponential {
		t.Fatalf("expected exponential strategy, got %s", out.Policies.RetryDefault.Strategy)
	}
	if out.Policies.RetryDefault.MaxAttempts != 3 {
		t.Fatalf("expected max_attempts 3, got %d", out.Policies.RetryDefault.MaxAttempts)
	}
	if out.Policies.Cost.PerRunTokens != 1000 {
		t.Fatalf("expected per_run_tokens 1000, got %d", out.Policies.Cost.PerRunTokens)
	}
	if len(out.Policies.Masking.Fields) != 1 || out.Policies.Masking.Fields[0] != "secret" {
		t.Fatalf("unexpected masking fields: %v", out.Policies.Masking.Fields)
	}
	if len(out.Policies.Permissions.DefaultAllow) != 1 || out.Policies.Permissions.DefaultAllow[0] != "read" {
		t.Fatalf("unexpected default_allow: %v", out.Policies.Permissions.DefaultAllow)
	}
}

// TestNormalize_YAMLRoundTripPreservesIDsAndEdges feeds a YAML document
// through the same parse shape a host uses and checks that every declared
// id and edge survives normalization unchanged -- no id drift.
func TestNormalize_YAMLRoundTripPreservesIDsAndEdges(t *testing.T) {
	const text = `
meta:
  version: 2
  name: pipeline
providers:
  - {id: openai, type: http}
components:
  - {id: gen, type: stub_llm, provider_ref: openai}
  - {id: route, type: passthrough}
graph:
  entry: decide
  nodes:
    - id: decide
      kind: router
      component_ref: route
      next: {draft: gen_node, default: done}
    - {id: gen_node, kind: llm, component_ref: gen, next: done}
    - {id: done, kind: component, component_ref: route}
  outputs:
    - {key: text, node_id: done, output_name: text}
`
	var raw map[string]any
	if err := yaml.Unmarshal([]byte(text), &raw); err != nil {
		t.Fatalf("yaml: %v", err)
	}

	out, _, err := ir.Normalize(raw)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if out.Name != "pipeline" {
		t.Fatalf("expected name preserved, got %q", out.Name)
	}
	wantNodes := []string{"decide", "gen_node", "done"}
	if len(out.Graph.Order) != len(wantNodes) {
		t.Fatalf("expected %d nodes in declaration order, got %v", len(wantNodes), out.Graph.Order)
	}
	for i, id := range wantNodes {
		if out.Graph.Order[i] != id {
			t.Fatalf("expected declaration order %v, got %v", wantNodes, out.Graph.Order)
		}
	}
	decide := out.Graph.Nodes["decide"]
	if decide.Next.Kind != ir.EdgeRoute || decide.Next.Routes["draft"] != "gen_node" || decide.Next.Routes["default"] != "done" {
		t.Fatalf("expected router edge preserved, got %+v", decide.Next)
	}
	if gen := out.Graph.Nodes["gen_node"]; gen.Next.Kind != ir.EdgeSingle || gen.Next.Target != "done" {
		t.Fatalf("expected single edge preserved, got %+v", gen.Next)
	}
	if done := out.Graph.Nodes["done"]; done.Next.Kind != ir.EdgeNone {
		t.Fatalf("expected terminal node, got %+v", done.Next)
	}
	if len(out.Graph.Outputs) != 1 || out.Graph.Outputs[0].Key != "text" || out.Graph.Outputs[0].NodeID != "done" {
		t.Fatalf("expected declared output preserved, got %+v", out.Graph.Outputs)
	}
	if out.Components["gen"].ProviderRef != "openai" {
		t.Fatalf("expected provider ref preserved, got %+v", out.Components["gen"])
	}
}

func TestEdge_Successors(t *testing.T) {
	cases := []struct {
		name string
		edge ir.Edge
		want []string
	}{
		{"none", ir.Edge{Kind: ir.EdgeNone}, nil},
		{"single", ir.Edge{Kind: ir.EdgeSingle, Target: "a"}, []string{"a"}},
		{"parallel", ir.Edge{Kind: ir.EdgeParallel, Targets: []string{"a", "b"}}, []string{"a", "b"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := tc.edge.Successors()
			if len(got) != len(tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("expected %v, got %v", tc.want, got)
				}
			}
		})
	}
}

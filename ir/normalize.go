package ir

import "fmt"

// normalizer accumulates diagnostics while walking the raw document, so that
// a fatal error can still report everything collected before it gave up.
type normalizer struct {
	diags []Diagnostic
}

func (n *normalizer) warn(kind ErrorKind, path, format string, args ...any) {
	n.diags = append(n.diags, warn(kind, path, format, args...))
}

func (n *normalizer) fail(kind ErrorKind, path, format string, args ...any) *Error {
	return newError(fail(kind, path, format, args...), n.diags)
}

// Normalize consumes a raw, already-parsed document tree (the output of a
// caller-side YAML/JSON parse) and produces the typed IR plus an ordered
// list of advisory warnings, or a fatal *Error naming the first referential
// or structural problem found.
func Normalize(doc map[string]any) (*Document, []Warning, error) {
	n := &normalizer{}

	version, name, err := n.normalizeMeta(doc)
	if err != nil {
		return nil, nil, err
	}

	runtimeCfg := n.normalizeRuntime(doc)

	providers, err := n.normalizeProviders(doc)
	if err != nil {
		return nil, nil, err
	}

	tools, err := n.normalizeTools(doc, providers)
	if err != nil {
		return nil, nil, err
	}

	components, err := n.normalizeComponents(doc, providers, tools)
	if err != nil {
		return nil, nil, err
	}

	graph, err := n.normalizeGraph(doc, components)
	if err != nil {
		return nil, nil, err
	}

	policies := n.normalizePolicies(doc)

	out := &Document{
		Version:    version,
		Name:       name,
		Runtime:    runtimeCfg,
		Providers:  providers,
		Tools:      tools,
		Components: components,
		Graph:      graph,
		Policies:   policies,
	}
	return out, n.diags, nil
}

func (n *normalizer) normalizeMeta(doc map[string]any) (int, string, *Error) {
	meta, _ := asMap(doc["meta"])
	version := asInt(meta["version"], 0)
	if version != 2 {
		return 0, "", n.fail(ErrMetaVersionUnsupported, "$.meta.version",
			"meta.version must equal 2, got %d", version)
	}
	name, _ := asString(meta["name"])
	return version, name, nil
}

func (n *normalizer) normalizeRuntime(doc map[string]any) RuntimeConfig {
	raw, _ := asMap(doc["runtime"])
	cfg := RuntimeConfig{
		Factories: FactoryNames{
			Providers:  map[string]string{},
			Tools:      map[string]string{},
			Components: map[string]string{},
		},
	}
	if raw == nil {
		return cfg
	}
	if s, ok := asString(raw["engine"]); ok {
		cfg.Engine = s
	}
	if defaults, ok := asMap(raw["defaults"]); ok {
		if s, ok := asString(defaults["provider"]); ok {
			cfg.DefaultProvider = s
		}
	}
	if factories, ok := asMap(raw["factories"]); ok {
		if m := asStringMap(factories["providers"]); m != nil {
			cfg.Factories.Providers = m
		}
		if m := asStringMap(factories["tools"]); m != nil {
			cfg.Factories.Tools = m
		}
		if m := asStringMap(factories["components"]); m != nil {
			cfg.Factories.Components = m
		}
	}
	if exporters, ok := asList(raw["exporters"]); ok {
		for _, e := range exporters {
			if m, ok := asMap(e); ok {
				cfg.Exporters = append(cfg.Exporters, m)
			}
		}
	}
	return cfg
}

// entries normalizes a document section that may be declared either as a
// list of {id: ..., ...} maps or as a map keyed by id, returning entries in
// declaration order.
func entries(raw any) []map[string]any {
	if list, ok := asList(raw); ok {
		out := make([]map[string]any, 0, len(list))
		for _, e := range list {
			if m, ok := asMap(e); ok {
				out = append(out, m)
			}
		}
		return out
	}
	if m, ok := asMap(raw); ok {
		out := make([]map[string]any, 0, len(m))
		for _, key := range sortedKeys(m) {
			entry, ok := asMap(m[key])
			if !ok {
				continue
			}
			if _, has := entry["id"]; !has {
				entry = cloneWithID(entry, key)
			}
			out = append(out, entry)
		}
		return out
	}
	return nil
}

func cloneWithID(m map[string]any, id string) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	out["id"] = id
	return out
}

func (n *normalizer) normalizeProviders(doc map[string]any) (map[string]Provider, *Error) {
	out := make(map[string]Provider)
	for i, raw := range entries(doc["providers"]) {
		path := fmt.Sprintf("$.providers[%d]", i)
		id, _ := asString(raw["id"])
		if id == "" {
			return nil, n.fail(ErrProviderDup, path, "provider missing id")
		}
		if _, dup := out[id]; dup {
			return nil, n.fail(ErrProviderDup, path, "duplicate provider id %q", id)
		}
		typ, _ := asString(raw["type"])
		cfg, _ := asMap(raw["config"])
		out[id] = Provider{ID: id, Type: typ, Config: cfg}
	}
	return out, nil
}

func (n *normalizer) normalizeTools(doc map[string]any, providers map[string]Provider) (map[string]Tool, *Error) {
	out := make(map[string]Tool)
	for i, raw := range entries(doc["tools"]) {
		path := fmt.Sprintf("$.tools[%d]", i)
		id, _ := asString(raw["id"])
		if id == "" {
			return nil, n.fail(ErrToolDup, path, "tool missing id")
		}
		if _, dup := out[id]; dup {
			return nil, n.fail(ErrToolDup, path, "duplicate tool id %q", id)
		}
		typ, _ := asString(raw["type"])
		providerRef, _ := asString(raw["provider_ref"])
		if providerRef != "" {
			if _, ok := providers[providerRef]; !ok {
				return nil, n.fail(ErrComponentProviderNotFound, path+".provider_ref",
					"tool %q references unknown provider %q", id, providerRef)
			}
		}
		cfg, _ := asMap(raw["config"])
		out[id] = Tool{ID: id, Type: typ, ProviderRef: providerRef, Config: cfg}
	}
	return out, nil
}

func (n *normalizer) normalizeComponents(doc map[string]any, providers map[string]Provider, tools map[string]Tool) (map[string]Component, *Error) {
	out := make(map[string]Component)
	for i, raw := range entries(doc["components"]) {
		path := fmt.Sprintf("$.components[%d]", i)
		id, _ := asString(raw["id"])
		if id == "" {
			return nil, n.fail(ErrComponentDup, path, "component missing id")
		}
		if _, dup := out[id]; dup {
			return nil, n.fail(ErrComponentDup, path, "duplicate component id %q", id)
		}
		typ, _ := asString(raw["type"])
		providerRef, _ := asString(raw["provider_ref"])
		if providerRef != "" {
			if _, ok := providers[providerRef]; !ok {
				return nil, n.fail(ErrComponentProviderNotFound, path+".provider_ref",
					"component %q references unknown provider %q", id, providerRef)
			}
		}
		toolRef, _ := asString(raw["tool_ref"])
		if toolRef != "" {
			if _, ok := tools[toolRef]; !ok {
				return nil, n.fail(ErrComponentToolNotFound, path+".tool_ref",
					"component %q references unknown tool %q", id, toolRef)
			}
		}
		cfg, _ := asMap(raw["config"])
		defaults, _ := asMap(raw["defaults"])
		out[id] = Component{
			ID:          id,
			Type:        typ,
			ProviderRef: providerRef,
			ToolRef:     toolRef,
			Inputs:      asStringMap(raw["inputs"]),
			Outputs:     asStringMap(raw["outputs"]),
			Config:      cfg,
			Defaults:    defaults,
		}
	}
	return out, nil
}

func (n *normalizer) normalizeGraph(doc map[string]any, components map[string]Component) (Graph, *Error) {
	raw, _ := asMap(doc["graph"])
	g := Graph{
		Nodes:     make(map[string]*Node),
		Histories: make(map[string]HistoryConfig),
	}
	if raw == nil {
		return g, n.fail(ErrGraphEntryNotFound, "$.graph", "graph section is missing")
	}

	entry, _ := asString(raw["entry"])
	g.Entry = entry

	for i, rawNode := range entries(raw["nodes"]) {
		path := fmt.Sprintf("$.graph.nodes[%d]", i)
		node, ferr := n.normalizeNode(path, rawNode, components)
		if ferr != nil {
			return g, ferr
		}
		if _, dup := g.Nodes[node.ID]; dup {
			return g, n.fail(ErrNodeDup, path, "duplicate node id %q", node.ID)
		}
		g.Nodes[node.ID] = node
		g.Order = append(g.Order, node.ID)
	}

	if entry == "" {
		return g, n.fail(ErrGraphEntryNotFound, "$.graph.entry", "graph.entry is empty")
	}
	if _, ok := g.Nodes[entry]; !ok {
		return g, n.fail(ErrGraphEntryNotFound, "$.graph.entry", "graph.entry %q not found among nodes", entry)
	}

	// Edge endpoint validation: every successor named by every edge
	// descriptor must exist among the declared nodes.
	for _, id := range g.Order {
		node := g.Nodes[id]
		for _, succ := range node.Next.Successors() {
			if _, ok := g.Nodes[succ]; !ok {
				return g, n.fail(ErrEdgeEndpointInvalid, fmt.Sprintf("$.graph.nodes[%s].next", id),
					"node %q references unknown successor %q", id, succ)
			}
		}
		if node.Map != nil && node.Map.Body != "" {
			if _, ok := g.Nodes[node.Map.Body]; !ok {
				return g, n.fail(ErrEdgeEndpointInvalid, fmt.Sprintf("$.graph.nodes[%s].body", id),
					"map node %q references unknown body node %q", id, node.Map.Body)
			}
		}
	}

	outputs, ferr := n.normalizeOutputs(raw)
	if ferr != nil {
		return g, ferr
	}
	g.Outputs = outputs

	g.Histories = n.normalizeHistories(doc, raw)

	return g, nil
}

func (n *normalizer) normalizeNode(path string, raw map[string]any, components map[string]Component) (*Node, *Error) {
	id, _ := asString(raw["id"])
	if id == "" {
		return nil, n.fail(ErrNodeDup, path, "node missing id")
	}
	kindStr, _ := asString(raw["kind"])
	kind := NodeKind(kindStr)

	componentRef, _ := asString(raw["component_ref"])
	if kind == NodeKindComponent {
		if componentRef == "" {
			return nil, n.fail(ErrNodeComponentNotFound, path+".component_ref",
				"node %q of kind component must set component_ref", id)
		}
		if _, ok := components[componentRef]; !ok {
			return nil, n.fail(ErrNodeComponentNotFound, path+".component_ref",
				"node %q references unknown component %q", id, componentRef)
		}
	} else if componentRef != "" {
		if _, ok := components[componentRef]; !ok {
			return nil, n.fail(ErrNodeComponentNotFound, path+".component_ref",
				"node %q references unknown component %q", id, componentRef)
		}
	}

	edge, ferr := n.normalizeEdge(path, id, kind, raw["next"])
	if ferr != nil {
		return nil, ferr
	}

	node := &Node{
		ID:           id,
		Kind:         kind,
		ComponentRef: componentRef,
		Inputs:       asStringMap(raw["inputs"]),
		Outputs:      asStringMap(raw["outputs"]),
		Config:       mustMap(raw["config"]),
		Next:         edge,
	}

	if kind == NodeKindMap {
		node.Map = n.normalizeMapConfig(node.Config)
	}

	return node, nil
}

func mustMap(v any) map[string]any {
	if m, ok := asMap(v); ok {
		return m
	}
	return map[string]any{}
}

// normalizeEdge parses the polymorphic `next` field into the tagged
// ir.Edge variant, enforcing the per-kind shape invariant from section 3:
// router -> mapping, parallel -> list, everything else -> scalar or absent.
func (n *normalizer) normalizeEdge(path, nodeID string, kind NodeKind, raw any) (Edge, *Error) {
	if raw == nil {
		return Edge{Kind: EdgeNone}, nil
	}

	switch kind {
	case NodeKindRouter:
		m, ok := asMap(raw)
		if !ok {
			return Edge{}, n.fail(ErrEdgeEndpointInvalid, path+".next",
				"router node %q: next must be a route mapping", nodeID)
		}
		routes := asStringMap(m)
		return Edge{Kind: EdgeRoute, Routes: routes}, nil

	case NodeKindParallel:
		l, ok := asList(raw)
		if !ok {
			return Edge{}, n.fail(ErrEdgeEndpointInvalid, path+".next",
				"parallel node %q: next must be a list", nodeID)
		}
		targets := make([]string, 0, len(l))
		for _, e := range l {
			if s, ok := asString(e); ok {
				targets = append(targets, s)
			}
		}
		return Edge{Kind: EdgeParallel, Targets: targets}, nil

	default:
		if s, ok := asString(raw); ok {
			if s == "" {
				return Edge{Kind: EdgeNone}, nil
			}
			return Edge{Kind: EdgeSingle, Target: s}, nil
		}
		return Edge{}, n.fail(ErrEdgeEndpointInvalid, path+".next",
			"node %q: next must be a single successor id or absent for kind %q", nodeID, kind)
	}
}

func (n *normalizer) normalizeMapConfig(cfg map[string]any) *MapConfig {
	body, _ := asString(cfg["body"])
	source, _ := asString(cfg["source"])
	concurrency := asInt(cfg["concurrency"], 1)
	if concurrency < 1 {
		concurrency = 1
	}
	ordered := asBool(cfg["ordered"], true)
	failureMode := FailureMode(firstNonEmpty(stringOr(cfg["failure_mode"]), string(FailureModeFailFast)))
	resultKey, _ := asString(cfg["result_key"])
	if resultKey == "" {
		resultKey = "result"
	}
	return &MapConfig{
		Body:        body,
		Source:      source,
		Concurrency: concurrency,
		Ordered:     ordered,
		FailureMode: failureMode,
		ResultKey:   resultKey,
	}
}

func stringOr(v any) string {
	s, _ := asString(v)
	return s
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func (n *normalizer) normalizeOutputs(raw map[string]any) ([]GraphOutput, *Error) {
	seen := make(map[string]bool)
	var out []GraphOutput
	for i, e := range entries(raw["outputs"]) {
		path := fmt.Sprintf("$.graph.outputs[%d]", i)
		key, _ := asString(e["key"])
		if key == "" {
			key, _ = asString(e["id"]) // entries() synthesizes "id" from map keys
		}
		if seen[key] {
			return nil, n.fail(ErrOutputKeyCollision, path, "duplicate graph output key %q", key)
		}
		seen[key] = true
		nodeID, _ := asString(e["node_id"])
		outputName, _ := asString(e["output_name"])
		out = append(out, GraphOutput{Key: key, NodeID: nodeID, OutputName: outputName})
	}
	return out, nil
}

// normalizeHistories merges the top-level `histories` section with the
// legacy `graph.history` (singular) block. Per the decision recorded in
// DESIGN.md: legacy entries are folded in first, then explicit `histories`
// entries with the same id overwrite them, emitting a deprecation warning.
func (n *normalizer) normalizeHistories(doc map[string]any, graphRaw map[string]any) map[string]HistoryConfig {
	out := make(map[string]HistoryConfig)

	if legacy, ok := asMap(graphRaw["history"]); ok {
		for _, key := range sortedKeys(legacy) {
			entry, ok := asMap(legacy[key])
			if !ok {
				continue
			}
			typ, _ := asString(entry["type"])
			cfg, _ := asMap(entry["config"])
			out[key] = HistoryConfig{ID: key, Type: typ, Config: cfg}
			n.warn(ErrEdgeEndpointInvalid, "$.graph.history."+key,
				"graph.history is deprecated; use top-level histories instead")
		}
	}

	for i, e := range entries(doc["histories"]) {
		path := fmt.Sprintf("$.histories[%d]", i)
		id, _ := asString(e["id"])
		if id == "" {
			continue
		}
		typ, _ := asString(e["type"])
		cfg, _ := asMap(e["config"])
		if _, hadLegacy := out[id]; hadLegacy {
			n.warn(ErrEdgeEndpointInvalid, path, "histories[%q] overrides a legacy graph.history entry with the same id", id)
		}
		out[id] = HistoryConfig{ID: id, Type: typ, Config: cfg}
	}

	return out
}

func (n *normalizer) normalizePolicies(doc map[string]any) Policies {
	raw, _ := asMap(doc["policies"])
	p := Policies{
		RetryDefault:   DefaultRetryPolicy(),
		RetryOverrides: map[string]RetryPolicy{},
		RateLimit: RateLimitPolicy{
			Providers: map[string]RateLimitRule{},
			Nodes:     map[string]RateLimitRule{},
			SharedMap: map[string]string{},
		},
		Masking: MaskingPolicy{MaskValue: "***"},
		Permissions: PermissionsPolicy{
			ByTarget: map[string][]string{},
		},
	}
	if raw == nil {
		return p
	}

	if retry, ok := asMap(raw["retry"]); ok {
		if def, ok := asMap(retry["default"]); ok {
			p.RetryDefault = parseRetryPolicy(def, p.RetryDefault)
		}
		if overrides, ok := asMap(retry["overrides_by_node"]); ok {
			for nodeID, v := range overrides {
				if m, ok := asMap(v); ok {
					p.RetryOverrides[nodeID] = parseRetryPolicy(m, p.RetryDefault)
				}
			}
		}
	}

	if rl, ok := asMap(raw["rate_limit"]); ok {
		if providers, ok := asMap(rl["providers"]); ok {
			for id, v := range providers {
				if m, ok := asMap(v); ok {
					p.RateLimit.Providers[id] = parseRateLimitRule(m)
				}
			}
		}
		if nodes, ok := asMap(rl["nodes"]); ok {
			for id, v := range nodes {
				if m, ok := asMap(v); ok {
					p.RateLimit.Nodes[id] = parseRateLimitRule(m)
				}
			}
		}
		if shared := asStringMap(rl["shared_map"]); shared != nil {
			p.RateLimit.SharedMap = shared
		}
	}

	if masking, ok := asMap(raw["masking"]); ok {
		p.Masking.Fields = asStringList(masking["fields"])
		p.Masking.DiffFields = asStringList(masking["diff_fields"])
		if mv, ok := asString(masking["mask_value"]); ok && mv != "" {
			p.Masking.MaskValue = mv
		}
	}

	if perms, ok := asMap(raw["permissions"]); ok {
		p.Permissions.DefaultAllow = asStringList(perms["default_allow"])
		if byTarget, ok := asMap(perms["by_target"]); ok {
			for id, v := range byTarget {
				p.Permissions.ByTarget[id] = asStringList(v)
			}
		}
	}

	if cost, ok := asMap(raw["cost"]); ok {
		p.Cost.PerRunTokens = asInt(cost["per_run_tokens"], 0)
	}

	return p
}

func parseRetryPolicy(m map[string]any, def RetryPolicy) RetryPolicy {
	strategy := RetryStrategy(firstNonEmpty(stringOr(m["strategy"]), string(def.Strategy)))
	maxAttempts := asInt(m["max_attempts"], def.MaxAttempts)
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	interval, ok := asFloat(m["interval"])
	if !ok {
		interval = def.Interval
	}
	jitter, ok := asFloat(m["jitter"])
	if !ok {
		jitter = def.Jitter
	}
	return RetryPolicy{Strategy: strategy, MaxAttempts: maxAttempts, Interval: interval, Jitter: jitter}
}

func parseRateLimitRule(m map[string]any) RateLimitRule {
	algo := RateLimitAlgorithm(firstNonEmpty(stringOr(m["algorithm"]), string(RateLimitTokenBucket)))
	capacity := asInt(m["capacity"], 1)
	refill, _ := asFloat(m["refill_per_sec"])
	limit := asInt(m["limit"], 0)
	window, _ := asFloat(m["window_sec"])
	return RateLimitRule{Algorithm: algo, Capacity: capacity, RefillPS: refill, Limit: limit, WindowSec: window}
}

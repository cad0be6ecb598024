// Package ir defines the typed intermediate representation of a workflow
// document and the normalizer that produces it from a raw, already-parsed
// document tree.
package ir

// NodeKind identifies the kind of a graph vertex.
type NodeKind string

const (
	NodeKindLLM       NodeKind = "llm"
	NodeKindTool      NodeKind = "tool"
	NodeKindRouter    NodeKind = "router"
	NodeKindMap       NodeKind = "map"
	NodeKindParallel  NodeKind = "parallel"
	NodeKindComponent NodeKind = "component"
)

// String returns the string representation of the NodeKind.
func (k NodeKind) String() string {
	return string(k)
}

// Provider is a declaration of an external LLM endpoint, materialized lazily
// into an opaque handle by the resolver.
type Provider struct {
	ID     string
	Type   string
	Config map[string]any
}

// Tool is materialized into a callable (state, inputs, ctx) -> mapping. It
// may declare a set of permission strings checked by the permissions policy.
type Tool struct {
	ID          string
	Type        string
	ProviderRef string // optional; empty if unset
	Config      map[string]any
}

// Component is materialized into a callable with the same signature as a
// tool. It may reference a provider and/or a tool, and declares input/output
// expression maps evaluated by the builder.
type Component struct {
	ID          string
	Type        string
	ProviderRef string // optional
	ToolRef     string // optional
	Inputs      map[string]string // name -> input expression
	Outputs     map[string]string // name -> output expression
	Config      map[string]any
	Defaults    map[string]any
}

// HistoryConfig describes a conversation-history backend binding.
type HistoryConfig struct {
	ID     string
	Type   string
	Config map[string]any
}

// MapConfig holds the map-node-specific configuration.
type MapConfig struct {
	Body        string // node id of the iteration body
	Source      string // input expression yielding the iterable
	Concurrency int    // >= 1
	Ordered     bool
	FailureMode FailureMode
	ResultKey   string
}

// FailureMode controls how a map node handles per-element failures.
type FailureMode string

const (
	FailureModeFailFast      FailureMode = "fail_fast"
	FailureModeCollectErrors FailureMode = "collect_errors"
	FailureModeSkipFailed    FailureMode = "skip_failed"
)

// Node is a vertex in the execution graph.
type Node struct {
	ID           string
	Kind         NodeKind
	ComponentRef string // optional; required for NodeKindComponent
	Inputs       map[string]string
	Outputs      map[string]string
	Config       map[string]any
	Next         Edge
	Map          *MapConfig // populated only for NodeKindMap
}

// GraphOutput is one declared graph-level output.
type GraphOutput struct {
	Key        string
	NodeID     string
	OutputName string
}

// Graph is the compiled node/edge topology plus declared outputs and
// histories.
type Graph struct {
	Entry     string
	Nodes     map[string]*Node
	Order     []string // declaration order, for deterministic iteration
	Outputs   []GraphOutput
	Histories map[string]HistoryConfig
}

// RetryPolicy configures the retry decorator for a node (or the default).
type RetryPolicy struct {
	Strategy    RetryStrategy
	MaxAttempts int
	Interval    float64 // base seconds
	Jitter      float64 // uniform extra seconds, jitter strategy only
}

// RetryStrategy enumerates the supported backoff strategies.
type RetryStrategy string

const (
	RetryStrategyFixed       RetryStrategy = "fixed"
	RetryStrategyExponential RetryStrategy = "exponential"
	RetryStrategyJitter      RetryStrategy = "jitter"
)

// DefaultRetryPolicy is applied to nodes with no explicit override and no
// policies.retry.default set.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Strategy: RetryStrategyFixed, MaxAttempts: 1, Interval: 0}
}

// RateLimitAlgorithm enumerates the supported rate-limit algorithms.
type RateLimitAlgorithm string

const (
	RateLimitTokenBucket RateLimitAlgorithm = "token_bucket"
	RateLimitFixedWindow RateLimitAlgorithm = "fixed_window"
)

// RateLimitRule is one scope's rate-limit configuration.
type RateLimitRule struct {
	Algorithm RateLimitAlgorithm
	Capacity  int     // token bucket
	RefillPS  float64 // token bucket, tokens/sec
	Limit     int     // fixed window, calls per window
	WindowSec float64 // fixed window
}

// RateLimitPolicy configures scoped rate limiting.
type RateLimitPolicy struct {
	Providers map[string]RateLimitRule // keyed by provider id
	Nodes     map[string]RateLimitRule // keyed by node id
	SharedMap map[string]string        // provider id -> shared alias name
}

// MaskingPolicy configures event-payload masking.
type MaskingPolicy struct {
	Fields     []string // dotted paths, masked unconditionally
	DiffFields []string // dotted paths, masked after first occurrence changes
	MaskValue  string   // default "***"
}

// PermissionsPolicy configures the permissions decorator.
type PermissionsPolicy struct {
	DefaultAllow []string
	ByTarget     map[string][]string // target (component's provider id, else its tool id) -> allow list
}

// CostPolicy configures the per-run token budget.
type CostPolicy struct {
	PerRunTokens int // <= 0 means unlimited
}

// Policies bundles all policy sections.
type Policies struct {
	RetryDefault    RetryPolicy
	RetryOverrides  map[string]RetryPolicy // node id -> override
	RateLimit       RateLimitPolicy
	Masking         MaskingPolicy
	Permissions     PermissionsPolicy
	Cost            CostPolicy
}

// RuntimeConfig is the `runtime` section: opaque engine tag, default
// provider, factory identifiers, and exporter descriptors consumed by the
// host, not the core.
type RuntimeConfig struct {
	Engine          string
	DefaultProvider string
	Factories       FactoryNames
	Exporters       []map[string]any
}

// FactoryNames maps a record type name to the factory identifier an
// external resolver will load.
type FactoryNames struct {
	Providers  map[string]string
	Tools      map[string]string
	Components map[string]string
}

// Document is the fully normalized IR produced by Normalize.
type Document struct {
	Version    int
	Name       string // meta.name, advisory; used only to label emitted events
	Runtime    RuntimeConfig
	Providers  map[string]Provider
	Tools      map[string]Tool
	Components map[string]Component
	Graph      Graph
	Policies   Policies
}

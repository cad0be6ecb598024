// Package policy implements the fixed decorator stack wrapped around every
// node's base executor: permissions, cost, rate limit, retry, and
// masking-on-emit, applied in that order (permissions the outermost check,
// masking the innermost, closest to the base executor's raw result).
//
// Grounded on the reference codebase's llm_node.go manual retry loop (fixed
// attempt count, classified-retryable-error, sleep-then-retry shape) and
// bus/throttle.go's mutex-guarded background state (reused for rate
// limiting via the ratelimit subpackage).
package policy

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/agentethan/weaveflow/ir"
	"github.com/agentethan/weaveflow/policy/mask"
	"github.com/agentethan/weaveflow/policy/ratelimit"
)

// Executor runs a node's base behavior given the running state and its
// resolved inputs, returning the node's raw (unmasked) output mapping.
type Executor func(ctx context.Context, state, inputs map[string]any) (map[string]any, error)

// ErrorKind enumerates the policy layer's own failure classes
// (SPEC_FULL.md section 7, "policy" class).
type ErrorKind string

const (
	ErrPermissionDenied ErrorKind = "TOOL_PERMISSION_DENIED"
	ErrCostExceeded     ErrorKind = "COST_LIMIT_EXCEEDED"
	ErrRateLimitParam   ErrorKind = "RL_POLICY_PARAM"
	// ErrLLMJSONParse is never raised by the policy layer itself; it is the
	// taxonomy kind an LLM component factory tags a structured-completion
	// parse failure with, flowing through error.raised like any other
	// component error.
	ErrLLMJSONParse ErrorKind = "LLM_JSON_PARSE"
	// ErrRetryExhausted is internal to the retry decorator: by the time an
	// exhausted failure reaches an error.raised event or a run Result, the
	// scheduler reports the underlying error's own kind (or NODE_RUNTIME),
	// never this marker.
	ErrRetryExhausted ErrorKind = "RETRY_EXHAUSTED"
)

// Error is a policy-layer decision that stopped execution.
type Error struct {
	Kind   ErrorKind
	NodeID string
	Msg    string
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s %s: %s: %v", e.Kind, e.NodeID, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s %s: %s", e.Kind, e.NodeID, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// CostTally accumulates token spend across an entire run, shared by every
// node's cost decorator so a per-run budget is enforced globally rather
// than per-node. Updates are mutex-guarded: parallel branches and map
// iterations charge the same tally concurrently.
type CostTally struct {
	mu    sync.Mutex
	limit int
	spent int
}

// NewCostTally creates a tally enforcing limit tokens across the run. A
// non-positive limit disables enforcement.
func NewCostTally(limit int) *CostTally {
	return &CostTally{limit: limit}
}

// charge records amount against the tally unconditionally. The call that
// crosses the budget is never rejected; the crossing is detected by the
// next node's exceeded check, so the run aborts before the next node
// starts rather than mid-call.
func (t *CostTally) charge(amount int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.spent += amount
	t.mu.Unlock()
}

// exceeded reports whether the tally has crossed its budget.
func (t *CostTally) exceeded() bool {
	if t == nil || t.limit <= 0 {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.spent > t.limit
}

// Spent reports tokens charged so far.
func (t *CostTally) Spent() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.spent
}

// RunState bundles the policy layer's per-run mutable state: the cost
// tally and the diff-masking memory. Both are scoped to one graph
// execution (SPEC_FULL.md section 3), so a RunState is created fresh per
// run and threaded through the decorator stack via the run's context --
// unlike the decorator stack itself and the rate-limiter registry, which
// are built once and reused across every run of a compiled graph.
type RunState struct {
	Cost *CostTally
	Mask *mask.DiffMemory
}

// NewRunState creates a RunState enforcing the given per-run token limit
// (non-positive disables cost enforcement) with fresh diff-masking memory.
func NewRunState(costLimit int) *RunState {
	return &RunState{Cost: NewCostTally(costLimit), Mask: mask.NewDiffMemory()}
}

type runStateKey struct{}

// WithRunState returns a child context carrying rs, retrievable by the
// decorator stack built by Stack.
func WithRunState(ctx context.Context, rs *RunState) context.Context {
	return context.WithValue(ctx, runStateKey{}, rs)
}

func runStateFromContext(ctx context.Context) *RunState {
	rs, _ := ctx.Value(runStateKey{}).(*RunState)
	if rs == nil {
		return &RunState{}
	}
	return rs
}

// Config bundles everything a node's decorator stack needs beyond its base
// Executor: its id (for diagnostics and rate-limit/permission scoping), the
// declared policies it is subject to, the rate-limiter registry (shared,
// build-time), and hooks for the events the stack's decisions produce. The
// cost tally and diff-masking memory are NOT here -- they are run-scoped
// and travel via the context RunState instead, see WithRunState.
type Config struct {
	NodeID string
	Target string // provider or tool id this node invokes, for permission/rate-limit scoping
	// Permissions lists every permission string the node's materialized
	// tool instance declares (resolve.PermissionSource.Permissions()).
	// withPermissions checks each of these against the allow union, not
	// cfg.Target itself -- a node's target identifies WHAT it calls, not
	// the capabilities that call requires.
	Permissions []string
	Policies    ir.Policies
	RateLimiter *ratelimit.Registry
	OnEmit func(ctx context.Context, masked map[string]any)
	// OnRetry, if set, is invoked once per retry attempt (not the first
	// try) with the 1-based attempt index, the delay about to be slept,
	// and the error that triggered the retry -- the source of the
	// retry.attempt event. Built once per node at graph-build time, it
	// takes ctx so it can look up the calling run's event bus dynamically
	// (bus.FromContext) rather than close over one run's bus permanently.
	OnRetry func(ctx context.Context, attempt int, delay time.Duration, err error)
	// OnRateLimitWait, if set, is invoked whenever a call must wait for
	// the rate limiter to admit it -- the source of the rate.limit.wait
	// event.
	OnRateLimitWait func(ctx context.Context, scope, target string, wait time.Duration)
}

// Stack wraps base with the full fixed decorator chain.
func Stack(cfg Config, base Executor) Executor {
	exec := withMasking(cfg, base)
	exec = withRetry(cfg, exec)
	exec = withRateLimit(cfg, exec)
	exec = withCost(cfg, exec)
	exec = withPermissions(cfg, exec)
	return exec
}

// withPermissions denies invocation outright when any permission string
// declared on the node's materialized instance (cfg.Permissions) is not
// listed in the effective allow union for cfg.Target -- by_target[target]
// (the provider id this node's component invokes, or its tool id when it
// has no provider), unioned with default_allow. An empty effective
// allow-list, or a node that declares no permissions at all, permits
// everything -- permissions are opt-in.
func withPermissions(cfg Config, next Executor) Executor {
	if len(cfg.Permissions) == 0 {
		return next
	}
	allowed := cfg.Policies.Permissions.DefaultAllow
	if byTarget := cfg.Policies.Permissions.ByTarget[cfg.Target]; len(byTarget) > 0 {
		allowed = append(append([]string{}, allowed...), byTarget...)
	}
	if len(allowed) == 0 {
		return next
	}
	for _, perm := range cfg.Permissions {
		if !permissionAllowed(allowed, perm) {
			denied := perm
			return func(ctx context.Context, state, inputs map[string]any) (map[string]any, error) {
				return nil, &Error{Kind: ErrPermissionDenied, NodeID: cfg.NodeID, Msg: fmt.Sprintf("permission %q not permitted for target %q", denied, cfg.Target)}
			}
		}
	}
	return next
}

func permissionAllowed(allowed []string, perm string) bool {
	for _, a := range allowed {
		if a == "*" || a == perm {
			return true
		}
	}
	return false
}

// withCost aborts before invocation when the run's tally has already
// crossed its budget, and charges any token usage the result reports
// afterward. The charging call itself always completes -- the budget
// crossing takes effect before the NEXT node starts, so the llm.call
// event for the crossing call is still emitted with its real token
// counts. The tally lives in the run's RunState (see WithRunState), not
// in cfg, since it must reset between runs of the same compiled graph.
func withCost(cfg Config, next Executor) Executor {
	if cfg.Policies.Cost.PerRunTokens <= 0 {
		return next
	}
	return func(ctx context.Context, state, inputs map[string]any) (map[string]any, error) {
		tally := runStateFromContext(ctx).Cost
		if tally.exceeded() {
			return nil, &Error{Kind: ErrCostExceeded, NodeID: cfg.NodeID,
				Msg: fmt.Sprintf("per-run token budget of %d exhausted (spent %d)", cfg.Policies.Cost.PerRunTokens, tally.Spent())}
		}
		result, err := next(ctx, state, inputs)
		if err != nil {
			return result, err
		}
		if used := tokenUsage(result); used > 0 {
			tally.charge(used)
		}
		return result, nil
	}
}

// tokenUsage reads a component result's reported token spend. tokens_in
// and tokens_out (the shape this module's own sample LLM components and
// the llm.call event payload use) is the primary path; usage.total_tokens
// and a bare tokens field are also accepted, for components that report
// usage in one of those other common shapes.
func tokenUsage(result map[string]any) int {
	if result == nil {
		return 0
	}
	if in, out := numField(result["tokens_in"]), numField(result["tokens_out"]); in > 0 || out > 0 {
		return in + out
	}
	if usage, ok := result["usage"].(map[string]any); ok {
		if n := numField(usage["total_tokens"]); n > 0 {
			return n
		}
	}
	return numField(result["tokens"])
}

func numField(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}

// withRateLimit blocks the call until the node's scoped limiter admits it.
// A cancelled wait surfaces the context's own error, so the run is
// classified as cancelled/timeout rather than as a policy failure; a
// misconfigured rule fails every call with RL_POLICY_PARAM instead of
// silently admitting or blocking forever.
func withRateLimit(cfg Config, next Executor) Executor {
	rule, scopeKey, scopeName, target, ok := rateLimitRule(cfg)
	if !ok || cfg.RateLimiter == nil {
		return next
	}
	if err := validateRateLimitRule(rule); err != nil {
		return func(ctx context.Context, state, inputs map[string]any) (map[string]any, error) {
			return nil, &Error{Kind: ErrRateLimitParam, NodeID: cfg.NodeID, Msg: "invalid rate-limit rule", Cause: err}
		}
	}
	limiter := cfg.RateLimiter.GetOrCreate(scopeKey, func() ratelimit.Limiter {
		switch rule.Algorithm {
		case ir.RateLimitFixedWindow:
			return ratelimit.NewFixedWindow(rule.Limit, rule.WindowSec)
		default:
			return ratelimit.NewTokenBucket(rule.Capacity, rule.RefillPS)
		}
	})
	return func(ctx context.Context, state, inputs map[string]any) (map[string]any, error) {
		reported := false
		for {
			ok, wait := limiter.Reserve(time.Now())
			if ok {
				return next(ctx, state, inputs)
			}
			if !reported && cfg.OnRateLimitWait != nil {
				cfg.OnRateLimitWait(ctx, scopeName, target, wait)
				reported = true
			}
			poll := wait
			if poll <= 0 || poll > 10*time.Millisecond {
				poll = 10 * time.Millisecond
			}
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("rate limit wait for %s %s interrupted: %w", scopeName, target, ctx.Err())
			case <-time.After(poll):
			}
		}
	}
}

// validateRateLimitRule rejects parameter combinations a limiter cannot
// meaningfully enforce.
func validateRateLimitRule(rule ir.RateLimitRule) error {
	switch rule.Algorithm {
	case ir.RateLimitFixedWindow:
		if rule.Limit < 1 {
			return fmt.Errorf("fixed window limit must be >= 1, got %d", rule.Limit)
		}
		if rule.WindowSec <= 0 {
			return fmt.Errorf("fixed window seconds must be > 0, got %v", rule.WindowSec)
		}
	default:
		if rule.Capacity < 1 {
			return fmt.Errorf("token bucket capacity must be >= 1, got %d", rule.Capacity)
		}
		if rule.RefillPS < 0 {
			return fmt.Errorf("token bucket refill rate must be >= 0, got %v", rule.RefillPS)
		}
	}
	return nil
}

// rateLimitRule picks the effective rate-limit rule and scope for cfg's
// node, in priority order: a per-node rule, then a provider rule keyed by
// cfg.Target. When the target provider is mapped to a shared alias, the
// limiter is interned under the alias so every aliased provider contends
// on one bucket; the first aliased provider's rule creates it. scopeName
// is "node" or "provider" per the rate.limit.wait event schema.
func rateLimitRule(cfg Config) (rule ir.RateLimitRule, scopeKey, scopeName, target string, ok bool) {
	rl := cfg.Policies.RateLimit
	if rule, ok := rl.Nodes[cfg.NodeID]; ok {
		return rule, "node:" + cfg.NodeID, "node", cfg.NodeID, true
	}
	if cfg.Target != "" {
		if rule, ok := rl.Providers[cfg.Target]; ok {
			if alias, shared := rl.SharedMap[cfg.Target]; shared {
				return rule, "shared:" + alias, "provider", alias, true
			}
			return rule, "provider:" + cfg.Target, "provider", cfg.Target, true
		}
	}
	return ir.RateLimitRule{}, "", "", "", false
}

// withRetry retries next up to its configured attempt count, applying the
// configured backoff strategy between attempts and stopping early on a
// non-retryable error.
func withRetry(cfg Config, next Executor) Executor {
	rp, ok := cfg.Policies.RetryOverrides[cfg.NodeID]
	if !ok {
		rp = cfg.Policies.RetryDefault
	}
	if rp.MaxAttempts <= 1 {
		return next
	}
	return func(ctx context.Context, state, inputs map[string]any) (map[string]any, error) {
		var lastErr error
		for attempt := 1; attempt <= rp.MaxAttempts; attempt++ {
			result, err := next(ctx, state, inputs)
			if err == nil {
				return result, nil
			}
			lastErr = err
			if !isRetryable(err) || attempt == rp.MaxAttempts {
				break
			}
			wait := backoffDelay(rp, attempt)
			if cfg.OnRetry != nil {
				cfg.OnRetry(ctx, attempt, wait, err)
			}
			select {
			case <-ctx.Done():
				return nil, &Error{Kind: ErrRetryExhausted, NodeID: cfg.NodeID, Msg: "cancelled during retry backoff", Cause: ctx.Err()}
			case <-time.After(wait):
			}
		}
		return nil, &Error{Kind: ErrRetryExhausted, NodeID: cfg.NodeID, Msg: fmt.Sprintf("exhausted %d attempts", rp.MaxAttempts), Cause: lastErr}
	}
}

// statusCoder is implemented by errors that carry an HTTP-like status code.
type statusCoder interface {
	StatusCode() int
}

// isRetryable classifies an error as transient, following the reference
// codebase's llm_node.go heuristic: a 429 or 5xx status code, or a message
// containing "timeout", "temporarily", or "retry" (SPEC_FULL.md section
// 4.5's retryable-error classification).
func isRetryable(err error) bool {
	var sc statusCoder
	if errors.As(err, &sc) {
		code := sc.StatusCode()
		if code == 429 || code >= 500 {
			return true
		}
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{"timeout", "temporarily", "retry"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

// backoffDelay implements the three schedules from SPEC_FULL.md section 4.5:
// fixed -> interval; exponential -> interval * 2^(attempt-1);
// jitter -> interval + U(0, jitter). Jitter deliberately does not compound
// with exponential growth -- the spec defines it as a flat interval plus a
// uniform random addend, not an exponential-plus-jitter hybrid.
func backoffDelay(rp ir.RetryPolicy, attempt int) time.Duration {
	var seconds float64
	switch rp.Strategy {
	case ir.RetryStrategyExponential:
		seconds = rp.Interval * float64(int(1)<<uint(attempt-1))
	case ir.RetryStrategyJitter:
		seconds = rp.Interval
		if rp.Jitter > 0 {
			seconds += rp.Jitter * rand.Float64()
		}
	default:
		seconds = rp.Interval
	}
	if seconds < 0 {
		seconds = 0
	}
	return time.Duration(seconds * float64(time.Second))
}

// withMasking runs the base executor, then -- if OnEmit is set and a
// masking policy is configured -- forwards a masked copy of the result for
// event emission. The caller always receives the unmasked result; masking
// applies only to what downstream exporters observe.
func withMasking(cfg Config, next Executor) Executor {
	policy := cfg.Policies.Masking
	if cfg.OnEmit == nil || (len(policy.Fields) == 0 && len(policy.DiffFields) == 0) {
		return next
	}
	masker := mask.New(policy.Fields, policy.DiffFields, policy.MaskValue)
	return func(ctx context.Context, state, inputs map[string]any) (map[string]any, error) {
		result, err := next(ctx, state, inputs)
		if err == nil {
			cfg.OnEmit(ctx, masker.Apply(result, runStateFromContext(ctx).Mask))
		}
		return result, err
	}
}

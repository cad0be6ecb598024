package schedule

import "context"

// Tracer is the optional ambient tracing hook a Runner wraps around a run
// and each node execution. Nil-safe: a Runner with no Tracer behaves
// exactly as if every call below were absent. Grounded on the reference
// codebase's otel.TracingHandler (run span / child node span / span-events
// pattern), inverted here from an event-subscriber into a direct call the
// scheduler makes so it can stamp the resulting trace/span ids onto the
// node.start and node.finish events themselves (SPEC_FULL.md section 1.2
// documents Event.TraceID/SpanID as stamped by the scheduler and empty when
// OTel is inactive).
type Tracer interface {
	// StartRun opens the run's root span and returns a context carrying it.
	StartRun(ctx context.Context, runID, graphName string) context.Context
	// FinishRun ends the run's root span with the run's terminal status.
	FinishRun(ctx context.Context, status string)
	// StartNode opens a child span for one node execution and returns a
	// context carrying it plus the hex-encoded trace and span ids to stamp
	// onto that node's events.
	StartNode(ctx context.Context, nodeID, kind string) (nodeCtx context.Context, traceID, spanID string)
	// FinishNode ends the node span, recording err (nil on success).
	FinishNode(ctx context.Context, nodeID string, err error)
}

// noopTracer is installed when a Runner is given no Tracer, so call sites
// never need a nil check.
type noopTracer struct{}

func (noopTracer) StartRun(ctx context.Context, runID, graphName string) context.Context { return ctx }
func (noopTracer) FinishRun(ctx context.Context, status string)                          {}
func (noopTracer) StartNode(ctx context.Context, nodeID, kind string) (context.Context, string, string) {
	return ctx, "", ""
}
func (noopTracer) FinishNode(ctx context.Context, nodeID string, err error) {}

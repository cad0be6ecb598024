package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/agentethan/weaveflow/bus"
)

// Metrics is a bus.Exporter that records run/node lifecycle metrics.
// Grounded on the reference codebase's otel.MetricsHandler
// (counter-per-execution, histogram-per-duration shape), adapted from a
// runtime.Event subscriber to a bus.Event one and extended with the
// cost/retry/rate-limit instruments SPEC_FULL.md section 1's policy layer
// adds over the reference's plain node-execution metrics.
type Metrics struct {
	nodeExecutions metric.Int64Counter
	nodeFailures   metric.Int64Counter
	nodeDuration   metric.Float64Histogram
	runDuration    metric.Float64Histogram
	costTokens     metric.Int64Counter
	retryAttempts  metric.Int64Counter
	rateLimitWait  metric.Float64Histogram
}

// NewMetrics registers every instrument this package records against meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	nodeExec, err := meter.Int64Counter("weaveflow.node.executions",
		metric.WithDescription("Number of node executions"))
	if err != nil {
		return nil, err
	}
	nodeFail, err := meter.Int64Counter("weaveflow.node.failures",
		metric.WithDescription("Number of node failures"))
	if err != nil {
		return nil, err
	}
	nodeDur, err := meter.Float64Histogram("weaveflow.node.duration",
		metric.WithDescription("Duration of node execution"), metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	runDur, err := meter.Float64Histogram("weaveflow.run.duration",
		metric.WithDescription("Duration of a graph run"), metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	cost, err := meter.Int64Counter("weaveflow.cost.tokens",
		metric.WithDescription("Tokens charged against a run's cost budget"))
	if err != nil {
		return nil, err
	}
	retries, err := meter.Int64Counter("weaveflow.retry.attempts",
		metric.WithDescription("Retry attempts issued by the retry policy"))
	if err != nil {
		return nil, err
	}
	rlWait, err := meter.Float64Histogram("weaveflow.ratelimit.wait",
		metric.WithDescription("Time spent suspended on a rate-limit wait"), metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		nodeExecutions: nodeExec,
		nodeFailures:   nodeFail,
		nodeDuration:   nodeDur,
		runDuration:    runDur,
		costTokens:     cost,
		retryAttempts:  retries,
		rateLimitWait:  rlWait,
	}, nil
}

// Export implements bus.Exporter, recording whichever instrument e.Kind maps
// to. Unrecognized kinds are ignored.
func (m *Metrics) Export(e bus.Event) {
	ctx := context.Background()
	switch e.Kind {
	case bus.KindNodeFinish:
		attrs := metric.WithAttributes(
			attribute.String("node_kind", e.NodeKind),
			attribute.String("node_id", e.NodeID),
		)
		m.nodeExecutions.Add(ctx, 1, attrs)
		m.nodeDuration.Record(ctx, e.Elapsed.Seconds(), attrs)
		if status, _ := e.Payload["status"].(string); status == "error" {
			m.nodeFailures.Add(ctx, 1, attrs)
		}
	case bus.KindGraphFinish:
		m.runDuration.Record(ctx, e.Elapsed.Seconds(), metric.WithAttributes(
			attribute.String("run_id", e.RunID),
		))
	case bus.KindLLMCall:
		tokensIn, _ := e.Payload["tokens_in"].(int)
		tokensOut, _ := e.Payload["tokens_out"].(int)
		m.costTokens.Add(ctx, int64(tokensIn+tokensOut), metric.WithAttributes(
			attribute.String("node_id", e.NodeID),
		))
	case bus.KindRetryAttempt:
		m.retryAttempts.Add(ctx, 1, metric.WithAttributes(
			attribute.String("node_id", e.NodeID),
		))
	case bus.KindRateLimitWait:
		wait, _ := e.Payload["wait_time"].(float64)
		m.rateLimitWait.Record(ctx, wait, metric.WithAttributes(
			attribute.String("node_id", e.NodeID),
		))
	}
}

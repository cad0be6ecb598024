// Package bus implements the ordered, sequence-numbered event stream that
// carries a run's lifecycle and node events out to zero or more exporters.
//
// Grounded on the reference codebase's EventBus/Subscription interfaces
// (publish/subscribe shape, adapted here to a simpler push-only exporter
// fanout since the core has no subscriber-facing API of its own) and
// runtime/sequence.go's atomic.Uint64-backed seqGen.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentethan/weaveflow/policy/mask"
)

// Kind identifies an event's place in the catalogue (SPEC_FULL.md section
// 6, event catalogue table).
type Kind string

const (
	KindGraphStart    Kind = "graph.start"
	KindGraphFinish   Kind = "graph.finish"
	KindNodeStart     Kind = "node.start"
	KindNodeFinish    Kind = "node.finish"
	KindLLMCall       Kind = "llm.call"
	KindToolCall      Kind = "tool.call"
	KindRetryAttempt  Kind = "retry.attempt"
	KindRateLimitWait Kind = "rate.limit.wait"
	KindTimeout       Kind = "timeout"
	KindCancelled     Kind = "cancelled"
	KindErrorRaised   Kind = "error.raised"
	KindRouteDecision Kind = "route.decision"
)

// Event is one entry in a run's ordered event stream.
type Event struct {
	Seq      uint64
	Kind     Kind
	RunID    string
	NodeID   string
	NodeKind string
	Time     time.Time
	Attempt  int
	Elapsed  time.Duration
	Payload  map[string]any
	TraceID  string
	SpanID   string
}

// Exporter receives every event published on a bus, already masked. An
// exporter's failure never interrupts the run; Bus logs and continues.
type Exporter interface {
	Export(Event)
}

// ExporterFunc adapts a plain function to an Exporter.
type ExporterFunc func(Event)

func (f ExporterFunc) Export(e Event) { f(e) }

// seqGen is a monotonically increasing, concurrency-safe sequence counter
// shared across every event a Bus publishes.
type seqGen struct {
	counter atomic.Uint64
}

func (g *seqGen) next() uint64 {
	return g.counter.Add(1)
}

// Bus fans out published events to every registered exporter in
// publication order, stamping each with a run-wide monotonic sequence
// number. The whole publish path -- sequence stamp, masking, fanout --
// runs under one mutex, so every exporter observes the same single linear
// order even when parallel branches publish concurrently. The one
// restriction this buys: an Exporter must not publish back into the bus
// it is registered on.
type Bus struct {
	runID     string
	seq       seqGen
	log       *slog.Logger
	mu        sync.Mutex
	exporters []Exporter

	masker  *mask.Masker
	maskMem *mask.DiffMemory
}

// New creates a Bus for a single run.
func New(runID string, log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{runID: runID, log: log}
}

// Subscribe registers an exporter to receive every subsequently published
// event. Exporters already registered before Subscribe do not see events
// published before they joined.
func (b *Bus) Subscribe(e Exporter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exporters = append(b.exporters, e)
}

// SetMasking installs the run's masking policy, applied to every event's
// Payload from this point on. mem is the run-scoped diff-mask memory
// (policy.RunState.Mask) so a diff_fields entry's "first occurrence never
// masked, subsequent changes masked" rule is tracked across every event
// kind a run emits, not just node.finish.
func (b *Bus) SetMasking(masker *mask.Masker, mem *mask.DiffMemory) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.masker = masker
	b.maskMem = mem
}

// Publish stamps ev with the next sequence number, run id, and timestamp
// (if unset), applies the bus's masking policy to its Payload, then fans it
// out to every registered exporter. Masking happens here -- centrally, for
// every event kind -- rather than at each call site, so a masking policy
// configured to redact a field in e.g. an upstream error message can't be
// bypassed by an event kind nobody remembered to mask individually
// (SPEC_FULL.md section 4.6: "the bus applies masking, then fans out").
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ev.Seq = b.seq.next()
	ev.RunID = b.runID
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	if b.masker != nil && ev.Payload != nil {
		ev.Payload = b.masker.Apply(ev.Payload, b.maskMem)
	}

	for _, exp := range b.exporters {
		b.safeExport(exp, ev)
	}
}

// safeExport isolates one exporter's failure from the rest: a panicking
// exporter is recovered and logged rather than allowed to break the run.
func (b *Bus) safeExport(exp Exporter, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event exporter panicked", "kind", ev.Kind, "node_id", ev.NodeID, "recover", r)
		}
	}()
	exp.Export(ev)
}

// NewChannelExporter returns an Exporter that forwards every event onto ch.
// If ch is full, the event is dropped and logged rather than blocking the
// run -- favoring forward progress over completeness of a slow consumer's
// feed, the same tradeoff the reference codebase's channel-backed handler
// makes.
func NewChannelExporter(ch chan<- Event, log *slog.Logger) Exporter {
	if log == nil {
		log = slog.Default()
	}
	return ExporterFunc(func(e Event) {
		select {
		case ch <- e:
		default:
			log.Warn("event channel exporter dropped event", "kind", e.Kind, "node_id", e.NodeID, "seq", e.Seq)
		}
	})
}

// contextKey is unexported so only this package can mint Bus context keys.
type contextKey struct{}

// WithBus returns a child context carrying b, retrievable with FromContext.
func WithBus(ctx context.Context, b *Bus) context.Context {
	return context.WithValue(ctx, contextKey{}, b)
}

// FromContext returns the Bus stored in ctx, if any.
func FromContext(ctx context.Context) (*Bus, bool) {
	b, ok := ctx.Value(contextKey{}).(*Bus)
	return b, ok
}

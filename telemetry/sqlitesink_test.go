package telemetry_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/agentethan/weaveflow/bus"
	"github.com/agentethan/weaveflow/telemetry"
)

func testDSN(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
}

func newTestSink(t *testing.T) *telemetry.SQLiteSink {
	t.Helper()
	sink, err := telemetry.NewSQLiteSink(testDSN(t))
	if err != nil {
		t.Fatalf("NewSQLiteSink: %v", err)
	}
	t.Cleanup(func() { sink.Close() })
	return sink
}

func TestSQLiteSink_ExportThenRead(t *testing.T) {
	sink := newTestSink(t)

	sink.Export(bus.Event{
		RunID: "run-1", Seq: 1, Kind: bus.KindNodeStart, NodeID: "A", NodeKind: "llm",
		Time: time.Now(), Payload: map[string]any{"node_id": "A"},
	})
	sink.Export(bus.Event{
		RunID: "run-1", Seq: 2, Kind: bus.KindNodeFinish, NodeID: "A", NodeKind: "llm",
		Time: time.Now(), Payload: map[string]any{"status": "success"},
	})

	events, err := sink.Events(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Kind != bus.KindNodeStart || events[1].Kind != bus.KindNodeFinish {
		t.Fatalf("expected events in sequence order, got %v then %v", events[0].Kind, events[1].Kind)
	}
}

func TestSQLiteSink_ExportIsolatesByRunID(t *testing.T) {
	sink := newTestSink(t)

	sink.Export(bus.Event{RunID: "run-1", Seq: 1, Kind: bus.KindGraphStart, Time: time.Now()})
	sink.Export(bus.Event{RunID: "run-2", Seq: 1, Kind: bus.KindGraphStart, Time: time.Now()})

	events, err := sink.Events(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event for run-1, got %d", len(events))
	}
}

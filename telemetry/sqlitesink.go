package telemetry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/agentethan/weaveflow/bus"
)

// schema creates the events table on first open. Grounded on
// bus/sqlitestore.go's events table, trimmed to the columns this sink
// actually writes (seq, kind, node, timing, payload, trace linkage).
const schema = `
CREATE TABLE IF NOT EXISTS weaveflow_events (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id    TEXT NOT NULL,
	seq       INTEGER NOT NULL,
	kind      TEXT NOT NULL,
	node_id   TEXT NOT NULL,
	node_kind TEXT NOT NULL,
	ts        TEXT NOT NULL,
	attempt   INTEGER NOT NULL,
	elapsed_ns INTEGER NOT NULL,
	payload   TEXT NOT NULL,
	trace_id  TEXT NOT NULL,
	span_id   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS weaveflow_events_run_seq ON weaveflow_events(run_id, seq);
`

// SQLiteSink is an example bus.Exporter (SPEC_FULL.md's "concrete
// telemetry exporters" are an explicitly out-of-scope host concern; this
// is the one ready-made sink this module ships as a convenience, the same
// role history.SQLiteBackend plays for conversation history) that durably
// records the emitted event stream for later replay or inspection.
//
// Grounded on bus/sqlitestore.go's WAL-mode SQLiteEventStore, narrowed from
// a full EventStore (append + list + prune + latest-seq) to an
// append-only Exporter, since this module's bus already holds the
// in-memory order of truth for a live run -- SQLiteSink exists for
// after-the-fact inspection, not for driving the run itself.
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink opens (or creates) a SQLite database at dsn and ensures the
// event table exists.
func NewSQLiteSink(dsn string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("telemetry: open sqlite sink: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("telemetry: set WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("telemetry: create schema: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

// Export implements bus.Exporter. Exporter.Export has no error return, so a
// marshal or write failure panics; the bus recovers exporter panics and
// logs them (SPEC_FULL.md section 4.6's "exporter failures must not
// interrupt the run"), so a failed write does not stop the run.
func (s *SQLiteSink) Export(e bus.Event) {
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Errorf("telemetry: marshal event payload: %w", err))
	}

	_, err = s.db.ExecContext(context.Background(),
		`INSERT INTO weaveflow_events (run_id, seq, kind, node_id, node_kind, ts, attempt, elapsed_ns, payload, trace_id, span_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RunID, e.Seq, string(e.Kind), e.NodeID, e.NodeKind,
		e.Time.Format(time.RFC3339Nano), e.Attempt, int64(e.Elapsed),
		string(payloadJSON), e.TraceID, e.SpanID,
	)
	if err != nil {
		panic(fmt.Errorf("telemetry: insert event: %w", err))
	}
}

// Events returns every event recorded for runID, in sequence order.
func (s *SQLiteSink) Events(ctx context.Context, runID string) ([]bus.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, seq, kind, node_id, node_kind, ts, attempt, elapsed_ns, payload, trace_id, span_id
		 FROM weaveflow_events WHERE run_id = ? ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("telemetry: query events: %w", err)
	}
	defer rows.Close()

	var events []bus.Event
	for rows.Next() {
		var (
			e           bus.Event
			kind        string
			tsStr       string
			elapsedNS   int64
			payloadJSON string
		)
		if err := rows.Scan(&e.RunID, &e.Seq, &kind, &e.NodeID, &e.NodeKind,
			&tsStr, &e.Attempt, &elapsedNS, &payloadJSON, &e.TraceID, &e.SpanID); err != nil {
			return nil, fmt.Errorf("telemetry: scan event: %w", err)
		}
		e.Kind = bus.Kind(kind)
		e.Elapsed = time.Duration(elapsedNS)
		t, err := time.Parse(time.RFC3339Nano, tsStr)
		if err != nil {
			return nil, fmt.Errorf("telemetry: parse event time %q: %w", tsStr, err)
		}
		e.Time = t
		if payloadJSON != "" {
			if err := json.Unmarshal([]byte(payloadJSON), &e.Payload); err != nil {
				return nil, fmt.Errorf("telemetry: unmarshal event payload: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Close closes the underlying database handle.
func (s *SQLiteSink) Close() error { return s.db.Close() }

var _ bus.Exporter = (*SQLiteSink)(nil)

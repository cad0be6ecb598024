// Package history defines the conversation-history backend contract
// (SPEC_FULL.md section 6) and an in-memory implementation suitable for
// single-process runs and tests. A durable backend is an external
// collaborator; history.SQLiteBackend is the one concrete adjunct this
// module ships, for a host that wants conversation persistence without
// writing its own backend.
package history

import (
	"context"
	"sync"
)

// Message is one turn of conversation history.
type Message struct {
	Role    string
	Content string
}

// Backend is the opaque conversation-history contract a `histories` entry
// binds to: get the accumulated turns, append a new turn, clear them.
type Backend interface {
	GetHistory(ctx context.Context, historyID string) ([]Message, error)
	AppendMessage(ctx context.Context, historyID string, msg Message) error
	ClearHistory(ctx context.Context, historyID string) error
}

// MemoryBackend is a process-local Backend, keyed by history id. Restarting
// the process loses all history -- fine for tests and short-lived runs,
// inadequate for anything durable (use SQLiteBackend instead).
type MemoryBackend struct {
	mu   sync.Mutex
	data map[string][]Message
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string][]Message)}
}

func (b *MemoryBackend) GetHistory(_ context.Context, historyID string) ([]Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs := b.data[historyID]
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (b *MemoryBackend) AppendMessage(_ context.Context, historyID string, msg Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[historyID] = append(b.data[historyID], msg)
	return nil
}

func (b *MemoryBackend) ClearHistory(_ context.Context, historyID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.data, historyID)
	return nil
}

var _ Backend = (*MemoryBackend)(nil)

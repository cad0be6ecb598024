package history_test

import (
	"context"
	"testing"

	"github.com/agentethan/weaveflow/history"
)

func TestMemoryBackend_AppendAndGet(t *testing.T) {
	b := history.NewMemoryBackend()
	ctx := context.Background()

	if err := b.AppendMessage(ctx, "conv", history.Message{Role: "user", Content: "hi"}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if err := b.AppendMessage(ctx, "conv", history.Message{Role: "assistant", Content: "hello"}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	msgs, err := b.GetHistory(ctx, "conv")
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Fatalf("unexpected message order: %+v", msgs)
	}
}

func TestMemoryBackend_GetHistoryReturnsACopy(t *testing.T) {
	b := history.NewMemoryBackend()
	ctx := context.Background()
	_ = b.AppendMessage(ctx, "conv", history.Message{Role: "user", Content: "hi"})

	msgs, _ := b.GetHistory(ctx, "conv")
	msgs[0].Content = "tampered"

	fresh, _ := b.GetHistory(ctx, "conv")
	if fresh[0].Content != "hi" {
		t.Fatalf("expected internal state to be unaffected by mutating a returned slice, got %q", fresh[0].Content)
	}
}

func TestMemoryBackend_ClearHistory(t *testing.T) {
	b := history.NewMemoryBackend()
	ctx := context.Background()
	_ = b.AppendMessage(ctx, "conv", history.Message{Role: "user", Content: "hi"})

	if err := b.ClearHistory(ctx, "conv"); err != nil {
		t.Fatalf("ClearHistory: %v", err)
	}
	msgs, err := b.GetHistory(ctx, "conv")
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected history to be empty after clearing, got %d messages", len(msgs))
	}
}

func TestMemoryBackend_UnknownHistoryIDIsEmpty(t *testing.T) {
	b := history.NewMemoryBackend()
	msgs, err := b.GetHistory(context.Background(), "never-seen")
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected no messages for an unknown history id, got %d", len(msgs))
	}
}

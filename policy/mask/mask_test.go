package mask

import "testing"

func TestApplyUnconditionalFields(t *testing.T) {
	m := New([]string{"auth.token"}, nil, "")
	in := map[string]any{"auth": map[string]any{"token": "secret", "user": "bob"}}
	out := m.Apply(in, nil)

	auth := out["auth"].(map[string]any)
	if auth["token"] != defaultMaskValue {
		t.Fatalf("expected token masked, got %v", auth["token"])
	}
	if auth["user"] != "bob" {
		t.Fatalf("expected user untouched, got %v", auth["user"])
	}
	if in["auth"].(map[string]any)["token"] != "secret" {
		t.Fatalf("Apply must not mutate its input")
	}
}

func TestApplyIdempotent(t *testing.T) {
	m := New([]string{"auth.token"}, nil, "")
	in := map[string]any{"auth": map[string]any{"token": "secret"}}
	once := m.Apply(in, nil)
	twice := m.Apply(once, nil)
	if once["auth"].(map[string]any)["token"] != twice["auth"].(map[string]any)["token"] {
		t.Fatalf("masking must be idempotent")
	}
}

func TestDiffFieldFirstOccurrencePasses(t *testing.T) {
	m := New(nil, []string{"token"}, "")
	mem := NewDiffMemory()
	out := m.Apply(map[string]any{"token": "v1"}, mem)
	if out["token"] != "v1" {
		t.Fatalf("first occurrence should pass through unmasked, got %v", out["token"])
	}
}

func TestDiffFieldChangedValueMasked(t *testing.T) {
	m := New(nil, []string{"token"}, "")
	mem := NewDiffMemory()
	m.Apply(map[string]any{"token": "v1"}, mem)
	out := m.Apply(map[string]any{"token": "v2"}, mem)
	if out["token"] != defaultMaskValue {
		t.Fatalf("changed diff field should be masked, got %v", out["token"])
	}
}

func TestDiffFieldUnchangedValuePasses(t *testing.T) {
	m := New(nil, []string{"token"}, "")
	mem := NewDiffMemory()
	m.Apply(map[string]any{"token": "v1"}, mem)
	out := m.Apply(map[string]any{"token": "v1"}, mem)
	if out["token"] != "v1" {
		t.Fatalf("unchanged diff field should pass through, got %v", out["token"])
	}
}

func TestDiffFieldScopedPerMemory(t *testing.T) {
	m := New(nil, []string{"token"}, "")
	mem1 := NewDiffMemory()
	mem2 := NewDiffMemory()
	m.Apply(map[string]any{"token": "v1"}, mem1)
	out := m.Apply(map[string]any{"token": "v2"}, mem2)
	if out["token"] != "v2" {
		t.Fatalf("a fresh DiffMemory must not see another run's history, got %v", out["token"])
	}
}

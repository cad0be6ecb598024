package expr_test

import (
	"reflect"
	"testing"

	"github.com/agentethan/weaveflow/expr"
)

func TestExtractOutput(t *testing.T) {
	value := map[string]any{
		"foo": map[string]any{
			"bar": []any{"a", "b", map[string]any{"baz": 1.0}},
		},
	}

	cases := []struct {
		name string
		path string
		want any
	}{
		{"root", "$", value},
		{"member", "$.foo", value["foo"]},
		{"index", "$.foo.bar[0]", "a"},
		{"nested", "$.foo.bar[2].baz", 1.0},
		{"missing member", "$.missing", nil},
		{"missing through nil", "$.missing.deeper", nil},
		{"out of range index", "$.foo.bar[99]", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := expr.ExtractOutput(tc.path, value)
			if err != nil {
				t.Fatalf("ExtractOutput(%q): %v", tc.path, err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("ExtractOutput(%q) = %v, want %v", tc.path, got, tc.want)
			}
		})
	}
}

func TestExtractOutput_Errors(t *testing.T) {
	badPaths := []string{"foo", "$.foo[bad]", "$.foo[", "$.foo#"}
	for _, p := range badPaths {
		if _, err := expr.ExtractOutput(p, nil); err == nil {
			t.Fatalf("ExtractOutput(%q): expected an error", p)
		}
	}
}

func TestExtractOutputs(t *testing.T) {
	value := map[string]any{"a": 1.0, "b": 2.0}
	out, err := expr.ExtractOutputs(map[string]string{"x": "$.a", "y": "$.b"}, value)
	if err != nil {
		t.Fatalf("ExtractOutputs: %v", err)
	}
	want := map[string]any{"x": 1.0, "y": 2.0}
	if !reflect.DeepEqual(out, want) {
		t.Fatalf("ExtractOutputs = %v, want %v", out, want)
	}
}

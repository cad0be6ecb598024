package ir

import "sort"

// The helpers below extract typed values out of the untyped
// map[string]any / []any tree produced by a caller-side YAML/JSON parse.
// Grounded on the reference codebase's hydrate/llmfactory.go config*
// extraction helpers (configString, configFloat64, configInt, ...), adapted
// here to the normalizer's own needs (zero-value-on-absent, never panics).

func asMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

func asList(v any) ([]any, bool) {
	l, ok := v.([]any)
	return l, ok
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asBool(v any, def bool) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	return def
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func asInt(v any, def int) int {
	f, ok := asFloat(v)
	if !ok {
		return def
	}
	return int(f)
}

func asStringList(v any) []string {
	l, ok := asList(v)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(l))
	for _, e := range l {
		if s, ok := asString(e); ok {
			out = append(out, s)
		}
	}
	return out
}

func asStringMap(v any) map[string]string {
	m, ok := asMap(v)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, val := range m {
		if s, ok := asString(val); ok {
			out[k] = s
		}
	}
	return out
}

// sortedKeys returns the map's keys in sorted order, for deterministic
// iteration over maps built from document sections.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

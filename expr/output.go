package expr

import (
	"fmt"
	"strconv"
	"strings"
)

// ExtractOutput evaluates a single-level JSONPath output expression against
// a node's returned mapping. Supported forms: root "$", dotted object keys,
// and positive integer array indices in brackets ("$.foo[0].bar"). Missing
// paths yield nil, never an error. Wildcards, slices, filters, and
// recursion are out of scope.
//
// Adapted from the reference codebase's nodes/conditional/expr accessMember
// / accessIndex helpers: same nil-propagating, map[string]any / []any
// type-switch shape, stripped of that package's comparison operators since
// output extraction never branches.
func ExtractOutput(path string, value any) (any, error) {
	tokens, err := tokenize(path)
	if err != nil {
		return nil, err
	}

	cur := value
	for _, tok := range tokens {
		if cur == nil {
			return nil, nil
		}
		if tok.isIndex {
			cur = accessIndex(cur, tok.index)
		} else {
			cur = accessMember(cur, tok.key)
		}
	}
	return cur, nil
}

// ExtractOutputs evaluates an output-expression map (name -> path) against
// a node's returned mapping, producing the node's declared output set.
func ExtractOutputs(paths map[string]string, value any) (map[string]any, error) {
	out := make(map[string]any, len(paths))
	for name, path := range paths {
		v, err := ExtractOutput(path, value)
		if err != nil {
			return nil, err
		}
		out[name] = v
	}
	return out, nil
}

type token struct {
	key     string
	index   int
	isIndex bool
}

// tokenize parses "$.foo[0].bar" into [{key:"foo"} {index:0} {key:"bar"}].
// The leading "$" is the root and contributes no token.
func tokenize(path string) ([]token, error) {
	path = strings.TrimSpace(path)
	if path == "" || path == "$" {
		return nil, nil
	}
	if !strings.HasPrefix(path, "$") {
		return nil, fmt.Errorf("output expression must start with $: %q", path)
	}
	rest := strings.TrimPrefix(path, "$")

	var tokens []token
	for len(rest) > 0 {
		switch rest[0] {
		case '.':
			rest = rest[1:]
			end := strings.IndexFunc(rest, func(r rune) bool {
				return r < 0x80 && r != '_' && r != '-' &&
					!('a' <= r && r <= 'z') && !('A' <= r && r <= 'Z') && !('0' <= r && r <= '9')
			})
			if end < 0 {
				end = len(rest)
			}
			key := rest[:end]
			if key == "" {
				return nil, fmt.Errorf("empty path segment in %q", path)
			}
			tokens = append(tokens, token{key: key})
			rest = rest[end:]

		case '[':
			end := strings.IndexByte(rest, ']')
			if end < 0 {
				return nil, fmt.Errorf("unterminated index in %q", path)
			}
			idxStr := rest[1:end]
			idx, err := strconv.Atoi(idxStr)
			if err != nil || idx < 0 {
				return nil, fmt.Errorf("invalid non-negative array index %q in %q", idxStr, path)
			}
			tokens = append(tokens, token{index: idx, isIndex: true})
			rest = rest[end+1:]

		default:
			return nil, fmt.Errorf("unexpected character %q in output expression %q", rest[0], path)
		}
	}
	return tokens, nil
}

func accessMember(obj any, key string) any {
	m, ok := obj.(map[string]any)
	if !ok {
		return nil
	}
	return m[key]
}

func accessIndex(obj any, idx int) any {
	l, ok := obj.([]any)
	if !ok {
		return nil
	}
	if idx < 0 || idx >= len(l) {
		return nil
	}
	return l[idx]
}

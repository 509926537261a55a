// Package values implements dotted-path reads and writes over the
// schemaless JSON trees (map[string]any) that make up a run's context
// namespaces and task payloads. Writing a dotted path creates nested
// objects as needed; reading a missing path returns (nil, false)
// rather than an error, so a missing mapping source yields an absent
// key instead of failing the whole decision.
package values

import "strings"

// SplitPath splits a dotted path like "state.votes.yes" into its
// segments. Empty segments (leading/trailing/duplicate dots) are
// dropped, mirroring sub_workflow.go's splitDotPath.
func SplitPath(path string) []string {
	raw := strings.Split(path, ".")
	parts := make([]string, 0, len(raw))
	for _, p := range raw {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

// Get navigates a dotted path through nested map[string]any values.
// It returns (nil, false) if any segment is missing or not a map.
func Get(root map[string]any, path string) (any, bool) {
	parts := SplitPath(path)
	if len(parts) == 0 {
		return nil, false
	}

	var current any = root
	for i, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[part]
		if !ok {
			return nil, false
		}
		if i == len(parts)-1 {
			return v, true
		}
		current = v
	}
	return nil, false
}

// Set writes value at the dotted path in root, creating intermediate
// maps as needed. Last-writer-wins: an existing non-map value in an
// intermediate position is overwritten with a fresh map.
func Set(root map[string]any, path string, value any) {
	parts := SplitPath(path)
	if len(parts) == 0 {
		return
	}

	current := root
	for i, part := range parts {
		if i == len(parts)-1 {
			current[part] = value
			return
		}

		next, ok := current[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			current[part] = next
		}
		current = next
	}
}

// ToSlice converts an any into a []any. Only the marshaled-JSON shape
// ([]any) is recognized; any other value, including a typed Go slice
// such as []string, yields (nil, false), which the foreach planner
// step treats as "collection resolves to spawn count 1".
func ToSlice(v any) ([]any, bool) {
	switch t := v.(type) {
	case []any:
		return t, true
	case nil:
		return nil, false
	default:
		return nil, false
	}
}

// Clone performs a deep copy of a JSON-shaped value (map[string]any,
// []any, or a scalar), so planner snapshots never alias the live
// store's maps.
func Clone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = Clone(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = Clone(val)
		}
		return out
	default:
		return t
	}
}

// CloneMap is Clone specialized for the map[string]any root type used
// throughout the context/store layer.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	cloned := Clone(m)
	out, _ := cloned.(map[string]any)
	return out
}

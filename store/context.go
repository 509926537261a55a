package store

import (
	"encoding/json"
	"fmt"

	"github.com/flowcoord/engine/model"
	"github.com/flowcoord/engine/values"
)

// GetContext loads a single namespace's full tree for a run, used to
// build a planner.ContextSnapshot.
func (s *Store) GetContext(ex execer, runID string, ns model.ContextNamespace) (map[string]any, error) {
	ex = s.resolve(ex)
	var data string
	err := ex.QueryRow(`SELECT data FROM context_values WHERE run_id = ? AND namespace = ?`, runID, string(ns)).Scan(&data)
	if err != nil {
		return nil, fmt.Errorf("get context %s/%s: %w", runID, ns, err)
	}
	out := map[string]any{}
	if data != "" {
		if err := json.Unmarshal([]byte(data), &out); err != nil {
			return nil, fmt.Errorf("unmarshal context %s/%s: %w", runID, ns, err)
		}
	}
	return out, nil
}

// SetContext writes a single dotted path within a namespace
// (SET_CONTEXT / APPLY_OUTPUT decisions), read-modify-write under the
// caller's transaction so concurrent writers within the same decision
// batch never clobber each other.
func (s *Store) SetContext(ex execer, runID string, ns model.ContextNamespace, path string, value any) error {
	ex = s.resolve(ex)
	tree, err := s.GetContext(ex, runID, ns)
	if err != nil {
		return err
	}
	values.Set(tree, path, value)
	return s.putContext(ex, runID, ns, tree)
}

// MergeContext writes a whole object into a namespace at once
// (APPLY_OUTPUT_MAPPING), setting one path per mapping target.
func (s *Store) MergeContext(ex execer, runID string, ns model.ContextNamespace, data map[string]any) error {
	ex = s.resolve(ex)
	tree, err := s.GetContext(ex, runID, ns)
	if err != nil {
		return err
	}
	for path, v := range flatten(data) {
		values.Set(tree, path, v)
	}
	return s.putContext(ex, runID, ns, tree)
}

func (s *Store) putContext(ex execer, runID string, ns model.ContextNamespace, tree map[string]any) error {
	ex = s.resolve(ex)
	data, err := json.Marshal(tree)
	if err != nil {
		return fmt.Errorf("marshal context %s/%s: %w", runID, ns, err)
	}
	_, err = ex.Exec(`UPDATE context_values SET data = ? WHERE run_id = ? AND namespace = ?`, string(data), runID, string(ns))
	if err != nil {
		return fmt.Errorf("update context %s/%s: %w", runID, ns, err)
	}
	return nil
}

// flatten re-expresses a nested object as dotted-path -> leaf pairs,
// so MergeContext can reuse values.Set's intermediate-object creation
// instead of a plain map overwrite (which would clobber sibling keys
// already present in the namespace).
func flatten(data map[string]any) map[string]any {
	out := map[string]any{}
	flattenInto("", data, out)
	return out
}

func flattenInto(prefix string, v map[string]any, out map[string]any) {
	for k, val := range v {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			flattenInto(path, nested, out)
			continue
		}
		out[path] = val
	}
}

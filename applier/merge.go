package applier

import (
	"fmt"
	"sort"

	"github.com/flowcoord/engine/model"
	"github.com/flowcoord/engine/values"
)

// mergeBranches folds entries (already sorted by branchIndex by the
// caller's store query) into a single value according to one of five
// merge strategies. source is a dotted path within each branch's
// output object (stripped of the "_branch.output." prefix, which is
// purely namespace decoration: branch outputs are stored directly as
// that object).
func mergeBranches(entries []model.BranchTableEntry, source string, strategy model.MergeStrategyKind) (any, error) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].BranchIndex < entries[j].BranchIndex })

	switch strategy {
	case model.MergeAppend, model.MergeCollect:
		out := make([]any, 0, len(entries))
		for _, e := range entries {
			v, _ := values.Get(e.Output, source)
			out = append(out, v)
		}
		return out, nil

	case model.MergeObject:
		out := map[string]any{}
		for _, e := range entries {
			v, ok := values.Get(e.Output, source)
			if !ok {
				continue
			}
			obj, ok := v.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("merge_object: branch %d value at %q is not an object", e.BranchIndex, source)
			}
			for k, val := range obj {
				out[k] = val
			}
		}
		return out, nil

	case model.MergeKeyedBranch:
		out := map[string]any{}
		for _, e := range entries {
			v, _ := values.Get(e.Output, source)
			out[fmt.Sprintf("%d", e.BranchIndex)] = v
		}
		return out, nil

	case model.MergeLastWins:
		var last any
		for _, e := range entries {
			if v, ok := values.Get(e.Output, source); ok {
				last = v
			}
		}
		return last, nil

	default:
		return nil, fmt.Errorf("unknown merge strategy %q", strategy)
	}
}

// branchSource strips the "_branch.output." namespace prefix a merge
// source path carries, since branch outputs are stored as their own
// object per token already.
func branchSource(source string) string {
	const prefix = "_branch.output."
	if len(source) > len(prefix) && source[:len(prefix)] == prefix {
		return source[len(prefix):]
	}
	return source
}

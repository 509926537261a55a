package planner

import (
	"github.com/flowcoord/engine/condition"
	"github.com/flowcoord/engine/values"
)

// ApplyInputMapping resolves each target path in mapping from a
// "$.<ns>.<path>" source expression over snapshot. Missing sources
// yield absent keys, not errors. Target paths may be dotted
// ("result.y"), in which case the result is a nested object.
func ApplyInputMapping(mapping map[string]string, snapshot ContextSnapshot) map[string]any {
	out := make(map[string]any, len(mapping))
	env := snapshot.Env()
	for target, source := range mapping {
		if v, ok := condition.ResolvePath(source, env); ok {
			values.Set(out, target, v)
		}
	}
	return out
}

// ExtractFinalOutput produces the workflow's final output object from
// its declared output mapping.
func ExtractFinalOutput(workflowOutputMapping map[string]string, snapshot ContextSnapshot) map[string]any {
	return ApplyInputMapping(workflowOutputMapping, snapshot)
}

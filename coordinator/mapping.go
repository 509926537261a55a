package coordinator

import (
	"context"
	"strings"

	"github.com/flowcoord/engine/model"
	"github.com/flowcoord/engine/planner"
)

// splitMappingByNamespace partitions a node's outputMapping (targets
// like "state.x" / "output.x") into one flat mapping per namespace, so
// each can become its own APPLY_OUTPUT_MAPPING decision.
func splitMappingByNamespace(mapping map[string]string) map[model.ContextNamespace]map[string]string {
	out := map[model.ContextNamespace]map[string]string{}
	for target, source := range mapping {
		ns, rest, ok := strings.Cut(target, ".")
		if !ok {
			continue
		}
		namespace := model.ContextNamespace(ns)
		if out[namespace] == nil {
			out[namespace] = map[string]string{}
		}
		out[namespace][rest] = source
	}
	return out
}

func (c *Coordinator) loadSnapshot(ctx context.Context, runID string) (planner.ContextSnapshot, error) {
	input, err := c.Store.GetContext(nil, runID, model.NamespaceInput)
	if err != nil {
		return planner.ContextSnapshot{}, err
	}
	state, err := c.Store.GetContext(nil, runID, model.NamespaceState)
	if err != nil {
		return planner.ContextSnapshot{}, err
	}
	output, err := c.Store.GetContext(nil, runID, model.NamespaceOutput)
	if err != nil {
		return planner.ContextSnapshot{}, err
	}
	return planner.ContextSnapshot{Input: input, State: state, Output: output}, nil
}

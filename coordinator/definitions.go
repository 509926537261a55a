package coordinator

import (
	"context"

	"github.com/flowcoord/engine/model"
	"github.com/flowcoord/engine/store"
)

// StoreDefinitions is the default ports.Definitions adapter: run
// records come from the local store (the coordinator's own write),
// workflow definitions come from a registry supplied at construction.
// Loading workflow definitions from an external resource catalog is
// explicitly out of scope; hosts that have one can implement
// ports.Definitions directly instead of using this adapter.
type StoreDefinitions struct {
	Store *store.Store
	Defs  map[string]*model.WorkflowDef
}

// NewStoreDefinitions builds a StoreDefinitions over a fixed set of
// workflow definitions, keyed by their own ID.
func NewStoreDefinitions(s *store.Store, defs []*model.WorkflowDef) *StoreDefinitions {
	byID := make(map[string]*model.WorkflowDef, len(defs))
	for _, d := range defs {
		byID[d.ID] = d
	}
	return &StoreDefinitions{Store: s, Defs: byID}
}

func (d *StoreDefinitions) GetWorkflowRun(ctx context.Context, runID string) (*model.Run, error) {
	return d.Store.GetRun(nil, runID)
}

func (d *StoreDefinitions) GetWorkflowDef(ctx context.Context, workflowID string) (*model.WorkflowDef, error) {
	def, ok := d.Defs[workflowID]
	if !ok {
		return nil, model.ErrInvalidDefinition
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

func (d *StoreDefinitions) GetNode(def *model.WorkflowDef, nodeID string) (*model.Node, error) {
	if n := def.GetNode(nodeID); n != nil {
		return n, nil
	}
	return nil, model.ErrNodeNotFound
}

func (d *StoreDefinitions) GetTransitions(def *model.WorkflowDef) []*model.Transition {
	return def.Transitions
}

func (d *StoreDefinitions) GetTransitionsFrom(def *model.WorkflowDef, nodeID string) []*model.Transition {
	return def.TransitionsFrom(nodeID)
}

// Package fanengine implements fan-out/fan-in processing:
// staging branch outputs, running synchronization for newly created
// tokens, and the race-protected activation that produces a single
// continuation token past a sync point. Generalized from "all
// branches of a wave" to arbitrary sibling groups with any/all/mOfN
// strategies.
package fanengine

import (
	"context"
	"fmt"

	"github.com/flowcoord/engine/applier"
	"github.com/flowcoord/engine/logging"
	"github.com/flowcoord/engine/model"
	"github.com/flowcoord/engine/planner"
	"github.com/flowcoord/engine/store"
)

// Engine processes branch output staging and fan-in activation for
// one coordinator instance. Logger may be nil.
type Engine struct {
	Store   *store.Store
	Applier *applier.Engine
	Logger  *logging.Logger
}

// HandleBranchOutput stages a fan-out branch's task output: lazily
// initializes the branch table, records the output, and folds only
// the node's state.* output-mapping entries
// into shared context immediately (the output.* entries stay
// quarantined in the branch table until merge).
func (e *Engine) HandleBranchOutput(ctx context.Context, runID string, token *model.Token, node *model.Node, output map[string]any) error {
	if node.TaskID == "" {
		return nil
	}

	decisions := []model.Decision{
		{Kind: model.DecisionInitBranchTable, RunID: runID, NodeID: node.ID, OutputSchema: node.OutputSchema},
		{Kind: model.DecisionApplyBranchOutput, RunID: runID, NodeID: node.ID, TokenID: token.ID, BranchOutput: output},
	}

	stateMapping := stateOnlyMapping(node.OutputMapping)
	if len(stateMapping) > 0 {
		decisions = append(decisions, model.Decision{
			Kind:      model.DecisionApplyOutputMapping,
			Namespace: model.NamespaceState,
			Mapping:   stateMapping,
			Data:      output,
		})
	}

	result, err := e.Applier.Apply(ctx, runID, decisions)
	if err != nil {
		return err
	}
	if len(result.Errors) > 0 {
		return fmt.Errorf("apply branch output for token %s: %v", token.ID, result.Errors[0])
	}
	return nil
}

// stateOnlyMapping keeps only output-mapping entries targeting the
// state namespace (step 3: "output.* entries stay in the
// branch table").
func stateOnlyMapping(mapping map[string]string) map[string]string {
	out := make(map[string]string, len(mapping))
	for target, source := range mapping {
		if len(target) >= 6 && target[:6] == "state." {
			out[target[6:]] = source
		}
	}
	return out
}

// SyncResult is what ProcessSynchronization hands back to the
// coordinator shell: the continuation tokens fan-in activation
// produced (dispatched unconditionally) and the ordinary tokens
// MARK_FOR_DISPATCH left in status dispatched: the coordinator
// dispatches any tokens left in dispatched plus any fan-in
// continuation tokens returned.
type SyncResult struct {
	ContinuationTokenIDs []string
	DispatchTokenIDs     []string
}

// ProcessSynchronization runs the planner's Synchronize over every
// newly created token. Tokens whose incoming transition has no sync
// config still run through Synchronize (with a nil spec) so they get
// their ordinary MARK_FOR_DISPATCH decision; tokens entering a sync
// point route ACTIVATE_FAN_IN through ActivateFanIn and everything
// else through the generic applier.
func (e *Engine) ProcessSynchronization(
	ctx context.Context,
	runID string,
	createdTokenIDs []string,
	syncTransitions map[string]*model.Transition, // toNodeId -> transition, only for sync-bearing transitions
) (SyncResult, error) {
	var out SyncResult

	for _, tokenID := range createdTokenIDs {
		tok, err := e.Store.GetToken(nil, tokenID)
		if err != nil {
			return out, err
		}

		transition := syncTransitions[tok.NodeID]
		var sync *model.SyncSpec
		if transition != nil {
			sync = transition.Sync
		}

		counts, err := e.siblingCounts(tok)
		if err != nil {
			return out, err
		}

		result := planner.Synchronize(tok, sync, counts)
		for _, d := range result.Decisions {
			if d.Kind == model.DecisionActivateFanIn {
				newTokenID, err := e.ActivateFanIn(ctx, runID, d, transition, tok.ID)
				if err != nil {
					return out, err
				}
				if newTokenID != "" {
					out.ContinuationTokenIDs = append(out.ContinuationTokenIDs, newTokenID)
				}
				continue
			}
			applyResult, err := e.Applier.Apply(ctx, runID, []model.Decision{d})
			if err != nil {
				return out, err
			}
			out.DispatchTokenIDs = append(out.DispatchTokenIDs, applyResult.ForDispatch...)
		}
	}

	return out, nil
}

func (e *Engine) siblingCounts(tok *model.Token) (planner.SiblingCounts, error) {
	if tok.SiblingGroup == nil {
		return planner.SiblingCounts{}, nil
	}
	siblings, err := e.Store.TokensInSiblingGroup(nil, tok.RunID, *tok.SiblingGroup)
	if err != nil {
		return planner.SiblingCounts{}, err
	}

	var counts planner.SiblingCounts
	counts.Total = tok.BranchTotal
	for _, s := range siblings {
		switch {
		case s.Status == model.TokenCompleted:
			counts.Completed++
			counts.Terminal++
		case s.Status == model.TokenFailed:
			counts.Terminal++
		case s.Status == model.TokenWaitingForSiblings:
			counts.Waiting = append(counts.Waiting, s)
		case s.Status.IsActive():
			counts.InFlight = append(counts.InFlight, s)
		}
	}
	return counts, nil
}

package fanengine

import (
	"context"
	"errors"
	"fmt"

	"github.com/flowcoord/engine/model"
)

// ActivateFanIn implements the fan-in activation: race the fan-in
// claim, categorize siblings, merge branch outputs, batch the
// terminal transitions, and plan the single continuation token. It
// returns the continuation token's id, or "" if this call lost the
// race or no sibling had actually completed.
func (e *Engine) ActivateFanIn(
	ctx context.Context,
	runID string,
	decision model.Decision,
	transition *model.Transition,
	triggeringTokenID string,
) (string, error) {
	fi := &model.FanIn{
		RunID:               runID,
		FanInPath:           decision.FanInPath,
		SiblingGroup:         decision.SiblingGroup,
		TargetNodeID:         decision.NodeID,
		TransitionID:         transition.ID,
		ActivatedByTokenID:   triggeringTokenID,
	}

	if err := e.Store.TryActivateFanIn(nil, fi); err != nil {
		if errors.Is(err, model.ErrFanInAlreadyExists) {
			// Lost the race: this arrival completes quietly, the
			// winner's continuation already carries the workflow
			// forward.
			_, applyErr := e.Applier.Apply(ctx, runID, []model.Decision{
				{Kind: model.DecisionCompleteToken, TokenID: triggeringTokenID},
			})
			return "", applyErr
		}
		return "", fmt.Errorf("activate fan-in %s: %w", decision.FanInPath, err)
	}

	triggering, err := e.Store.GetToken(nil, triggeringTokenID)
	if err != nil {
		return "", err
	}
	if triggering.SiblingGroup == nil {
		return "", fmt.Errorf("fan-in triggering token %s has no sibling group", triggeringTokenID)
	}

	siblings, err := e.Store.TokensInSiblingGroup(nil, runID, *triggering.SiblingGroup)
	if err != nil {
		return "", err
	}

	var completed, waiting, inFlight []*model.Token
	for _, s := range siblings {
		switch {
		case s.Status == model.TokenCompleted:
			completed = append(completed, s)
		case s.Status == model.TokenWaitingForSiblings:
			waiting = append(waiting, s)
		case s.ID == triggeringTokenID:
			// A still-pending/dispatched triggering token (the
			// just-created arrival that met the sync condition)
			// completes via its own COMPLETE_TOKEN decision below
			//, not the "other" in-flight siblings
			// CANCEL_TOKENS targets.
			continue
		case s.Status.IsActive():
			inFlight = append(inFlight, s)
		}
	}
	if len(completed) == 0 {
		return "", nil
	}

	if transition.Sync != nil && transition.Sync.Merge != nil {
		if _, err := e.Applier.Apply(ctx, runID, []model.Decision{
			{Kind: model.DecisionMergeBranches, RunID: runID, NodeID: transition.FromNodeID, Merge: transition.Sync.Merge},
			{Kind: model.DecisionDropBranchTables, RunID: runID, NodeID: transition.FromNodeID},
		}); err != nil {
			return "", err
		}
	}

	var terminalDecisions []model.Decision
	if len(waiting) > 0 {
		terminalDecisions = append(terminalDecisions, model.Decision{Kind: model.DecisionCompleteTokens, TokenIDs: tokenIDsOf(waiting)})
	}
	if len(inFlight) > 0 {
		terminalDecisions = append(terminalDecisions, model.Decision{
			Kind:     model.DecisionCancelTokens,
			TokenIDs: tokenIDsOf(inFlight),
			Reason:   "fan-in activated before completion",
		})
	}
	terminalDecisions = append(terminalDecisions, model.Decision{Kind: model.DecisionCompleteToken, TokenID: triggeringTokenID})

	if _, err := e.Applier.Apply(ctx, runID, terminalDecisions); err != nil {
		return "", err
	}

	fanOutOrigin := completed[0].ParentTokenID
	origin, err := e.Store.GetToken(nil, fanOutOrigin)
	if err != nil {
		return "", err
	}

	newTokenID := model.NewTokenID()
	createResult, err := e.Applier.Apply(ctx, runID, []model.Decision{{
		Kind: model.DecisionCreateToken,
		CreateToken: &model.CreateTokenParams{
			TokenID:         newTokenID,
			RunID:           runID,
			NodeID:          decision.NodeID,
			ParentTokenID:   fanOutOrigin,
			PathID:          origin.PathID,
			IterationCounts: origin.IterationCounts,
			BranchTotal:     1,
		},
	}})
	if err != nil {
		return "", err
	}
	if len(createResult.Errors) > 0 {
		return "", createResult.Errors[0]
	}

	if e.Applier.Emitter != nil {
		e.Applier.Emitter.Emit(fanInCompletedEvent(runID, decision.NodeID, decision.FanInPath))
	}
	e.Logger.Info("fan-in activated", "runId", runID, "fanInPath", decision.FanInPath, "cancelled", len(inFlight))
	return newTokenID, nil
}

func tokenIDsOf(tokens []*model.Token) []string {
	out := make([]string, len(tokens))
	for i, t := range tokens {
		out[i] = t.ID
	}
	return out
}

func fanInCompletedEvent(runID, nodeID, fanInPath string) model.WorkflowEvent {
	return model.WorkflowEvent{
		Type:     model.EventFanInCompleted,
		RunID:    runID,
		NodeID:   nodeID,
		Metadata: map[string]any{"fanInPath": fanInPath},
	}
}

package planner

import (
	"time"

	"github.com/flowcoord/engine/model"
)

// Synchronize implements synchronization: given a newly
// created token, its incoming transition's sync spec (nil if none),
// and the live sibling tally for its group, decide whether to mark
// the token for ordinary dispatch, mark it waiting, or activate the
// fan-in.
func Synchronize(token *model.Token, sync *model.SyncSpec, counts SiblingCounts) model.PlanResult {
	var result model.PlanResult

	if sync == nil || !token.InSiblingGroup(sync.SiblingGroup) {
		result.Decisions = append(result.Decisions, model.Decision{
			Kind:    model.DecisionMarkForDispatch,
			TokenID: token.ID,
		})
		return result
	}

	fanInPath := model.FanInPathOf(sync.SiblingGroup, token.NodeID)
	met := strategyMet(sync, counts)

	result.Events = append(result.Events, model.TraceEvent{
		Type:      model.TraceSyncCheckCondition,
		RunID:     token.RunID,
		TokenID:   token.ID,
		NodeID:    token.NodeID,
		Timestamp: time.Now(),
		Detail: map[string]any{
			"strategy":  string(sync.Strategy),
			"fanInPath": fanInPath,
			"met":       met,
			"total":     counts.Total,
			"completed": counts.Completed,
			"terminal":  counts.Terminal,
		},
	})

	if met {
		result.Decisions = append(result.Decisions, model.Decision{
			Kind:              model.DecisionActivateFanIn,
			RunID:             token.RunID,
			NodeID:            token.NodeID,
			FanInPath:         fanInPath,
			SiblingGroup:      sync.SiblingGroup,
			TriggeringTokenID: token.ID,
		})
		return result
	}

	result.Decisions = append(result.Decisions, model.Decision{
		Kind:    model.DecisionMarkWaiting,
		TokenID: token.ID,
	})
	return result
}

// strategyMet evaluates three synchronization strategies.
func strategyMet(sync *model.SyncSpec, counts SiblingCounts) bool {
	switch sync.Strategy {
	case model.SyncAny:
		return true
	case model.SyncAll:
		return counts.Terminal >= counts.Total
	case model.SyncMOfN:
		return counts.Completed >= sync.N
	default:
		return false
	}
}

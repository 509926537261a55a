package planner

import (
	"time"

	"github.com/flowcoord/engine/model"
)

// HasTimedOut implements the timeout predicate: a timeoutMs of 0,
// missing, or nil means no timeout; otherwise the group has timed out
// once now-oldest reaches timeoutMs.
func HasTimedOut(sync *model.SyncSpec, oldestArrivedAt *time.Time) bool {
	if sync == nil || sync.TimeoutMs <= 0 || oldestArrivedAt == nil {
		return false
	}
	return now().Sub(*oldestArrivedAt) >= time.Duration(sync.TimeoutMs)*time.Millisecond
}

// DecideOnTimeout implements timeout planning: given the set of
// tokens still waiting on a sibling group whose sync spec has timed
// out, decide whether to fail the workflow or proceed with the
// siblings that did arrive.
func DecideOnTimeout(waiting []*model.Token, sync *model.SyncSpec, fanInPath string) model.PlanResult {
	var result model.PlanResult

	if len(waiting) == 0 {
		return result
	}

	onTimeout := sync.OnTimeout
	if onTimeout == "" {
		onTimeout = model.OnTimeoutFail
	}

	if onTimeout == model.OnTimeoutProceedAvailable {
		first := waiting[0]
		result.Decisions = append(result.Decisions, model.Decision{
			Kind:              model.DecisionActivateFanIn,
			RunID:             first.RunID,
			NodeID:            first.NodeID,
			FanInPath:         fanInPath,
			SiblingGroup:      sync.SiblingGroup,
			TriggeringTokenID: first.ID,
		})
		for _, t := range waiting[1:] {
			result.Decisions = append(result.Decisions, model.Decision{
				Kind:    model.DecisionUpdateTokenStatus,
				TokenID: t.ID,
				Status:  model.TokenTimedOut,
			})
		}
		return result
	}

	// Default: fail. Mark every waiting token timed_out and fail the run.
	for _, t := range waiting {
		result.Decisions = append(result.Decisions, model.Decision{
			Kind:    model.DecisionUpdateTokenStatus,
			TokenID: t.ID,
			Status:  model.TokenTimedOut,
		})
	}
	result.Decisions = append(result.Decisions, model.Decision{
		Kind:        model.DecisionFailWorkflow,
		RunID:       waiting[0].RunID,
		ErrorReason: "sibling group " + sync.SiblingGroup + " timed out waiting for fan-in",
	})
	return result
}

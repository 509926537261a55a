// Package applier is the sole mutator of a run's stores:
// it executes a planner-produced Decision list in order, batching
// compatible adjacent decisions and emitting events as it goes.
// Generalized from wave-batch task dispatch to per-decision token
// mutation.
package applier

import "github.com/flowcoord/engine/model"

// BatchDecisions coalesces compatible adjacent decisions: consecutive
// CREATE_TOKEN become BATCH_CREATE_TOKENS; consecutive
// UPDATE_TOKEN_STATUS sharing a target status become
// BATCH_UPDATE_STATUS. Any other decision flushes pending batches
// first, so relative order across non-batchable boundaries is
// preserved.
func BatchDecisions(decisions []model.Decision) []model.Decision {
	out := make([]model.Decision, 0, len(decisions))

	var pendingCreates []*model.CreateTokenParams
	var pendingUpdateIDs []string
	var pendingUpdateStatus model.TokenStatus

	flushCreates := func() {
		if len(pendingCreates) == 0 {
			return
		}
		if len(pendingCreates) == 1 {
			out = append(out, model.Decision{Kind: model.DecisionCreateToken, CreateToken: pendingCreates[0]})
		} else {
			out = append(out, model.Decision{Kind: model.DecisionBatchCreateTokens, CreateTokens: pendingCreates})
		}
		pendingCreates = nil
	}

	flushUpdates := func() {
		if len(pendingUpdateIDs) == 0 {
			return
		}
		if len(pendingUpdateIDs) == 1 {
			out = append(out, model.Decision{Kind: model.DecisionUpdateTokenStatus, TokenID: pendingUpdateIDs[0], Status: pendingUpdateStatus})
		} else {
			out = append(out, model.Decision{Kind: model.DecisionBatchUpdateStatus, TokenIDs: pendingUpdateIDs, Status: pendingUpdateStatus})
		}
		pendingUpdateIDs = nil
	}

	for _, d := range decisions {
		switch d.Kind {
		case model.DecisionCreateToken:
			flushUpdates()
			pendingCreates = append(pendingCreates, d.CreateToken)
		case model.DecisionUpdateTokenStatus:
			if len(pendingUpdateIDs) > 0 && d.Status != pendingUpdateStatus {
				flushUpdates()
			}
			flushCreates()
			pendingUpdateStatus = d.Status
			pendingUpdateIDs = append(pendingUpdateIDs, d.TokenID)
		default:
			flushCreates()
			flushUpdates()
			out = append(out, d)
		}
	}
	flushCreates()
	flushUpdates()

	return out
}

// AffectedTokenIDs returns every token id a decision list (batched or
// not) touches, in order of first appearance. Batching must never
// reorder this list.
func AffectedTokenIDs(decisions []model.Decision) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(id string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		out = append(out, id)
	}

	for _, d := range decisions {
		add(d.TokenID)
		for _, id := range d.TokenIDs {
			add(id)
		}
		if d.CreateToken != nil {
			add(d.CreateToken.TokenID)
		}
		for _, ct := range d.CreateTokens {
			add(ct.TokenID)
		}
		add(d.TriggeringTokenID)
		for _, id := range d.MergedTokenIDs {
			add(id)
		}
	}
	return out
}

package planner

import (
	"fmt"
	"sort"
	"time"

	"github.com/flowcoord/engine/condition"
	"github.com/flowcoord/engine/model"
	"github.com/flowcoord/engine/values"
)

// ForEachResolver resolves a foreach collection path against a
// context snapshot, returning the resolved items and whether the
// path resolved to an array; a non-array collection yields spawn
// count 1, not an error.
type ForEachResolver func(snapshot ContextSnapshot, path string) ([]any, bool)

// DefaultForEachResolver resolves a dotted path like "input.items"
// directly against the snapshot's three namespaces.
func DefaultForEachResolver(snapshot ContextSnapshot, path string) ([]any, bool) {
	v, ok := condition.ResolvePath("$."+path, snapshot.Env())
	if !ok {
		return nil, false
	}
	return values.ToSlice(v)
}

// Route implements routing: group candidate transitions by
// priority, evaluate the first tier with a match, and emit
// CREATE_TOKEN decisions (with fan-out bookkeeping) for every
// transition matched in that tier.
func Route(
	evaluator *condition.Evaluator,
	completed *model.Token,
	outgoing []*model.Transition,
	snapshot ContextSnapshot,
	resolveForEach ForEachResolver,
) (model.PlanResult, error) {
	var result model.PlanResult

	if resolveForEach == nil {
		resolveForEach = DefaultForEachResolver
	}

	tiers := groupByPriority(outgoing)

	for _, tier := range tiers {
		matched, events, err := evaluateTier(evaluator, tier, snapshot, completed)
		result.Events = append(result.Events, events...)
		if err != nil {
			return result, err
		}
		if len(matched) == 0 {
			continue
		}

		decisions, err := planMatchedTier(matched, completed, snapshot, resolveForEach)
		if err != nil {
			return result, err
		}
		result.Decisions = append(result.Decisions, decisions...)
		return result, nil
	}

	// No tier matched: empty decision list. The caller checks whether
	// the workflow should now complete.
	return result, nil
}

func groupByPriority(transitions []*model.Transition) [][]*model.Transition {
	byPriority := make(map[int][]*model.Transition)
	var priorities []int
	for _, t := range transitions {
		if _, seen := byPriority[t.Priority]; !seen {
			priorities = append(priorities, t.Priority)
		}
		byPriority[t.Priority] = append(byPriority[t.Priority], t)
	}
	sort.Ints(priorities)

	tiers := make([][]*model.Transition, 0, len(priorities))
	for _, p := range priorities {
		tiers = append(tiers, byPriority[p])
	}
	return tiers
}

func evaluateTier(
	evaluator *condition.Evaluator,
	tier []*model.Transition,
	snapshot ContextSnapshot,
	completed *model.Token,
) ([]*model.Transition, []model.TraceEvent, error) {
	var matched []*model.Transition
	var events []model.TraceEvent

	for _, t := range tier {
		ok, err := evaluator.Evaluate(t.Condition, snapshot.Env())
		withinBudget := withinLoopBudget(t, completed)
		events = append(events, model.TraceEvent{
			Type:      model.TraceRoutingEvaluateTransition,
			RunID:     completed.RunID,
			TokenID:   completed.ID,
			NodeID:    t.ToNodeID,
			Timestamp: now(),
			Detail: map[string]any{
				"transitionId": t.ID,
				"priority":     t.Priority,
				"matched":      ok && withinBudget,
				"error":        errString(err),
			},
		})
		if err != nil {
			// Planner errors never abort routing: a failed condition
			// evaluation just makes the transition non-matching
			//.
			continue
		}
		if ok && withinBudget {
			matched = append(matched, t)
		}
	}

	return matched, events, nil
}

// withinLoopBudget reports whether following this transition keeps
// its loop iteration count (if any) under loopConfig.maxIterations.
func withinLoopBudget(t *model.Transition, completed *model.Token) bool {
	if t.Loop == nil || t.Loop.MaxIterations <= 0 {
		return true
	}
	return completed.IterationCounts[t.ID] < t.Loop.MaxIterations
}

func planMatchedTier(
	matched []*model.Transition,
	completed *model.Token,
	snapshot ContextSnapshot,
	resolveForEach ForEachResolver,
) ([]model.Decision, error) {
	spawnCounts := make([]int, len(matched))
	groupTotals := make(map[string]int)

	for i, t := range matched {
		count, err := spawnCountFor(t, snapshot, resolveForEach)
		if err != nil {
			return nil, err
		}
		spawnCounts[i] = count
		if t.IsFanOutOrigin() {
			groupTotals[t.SiblingGroup] += count
		}
	}

	var decisions []model.Decision
	groupCounters := make(map[string]int)

	for i, t := range matched {
		count := spawnCounts[i]
		for b := 0; b < count; b++ {
			params, err := buildCreateTokenParams(t, completed, groupTotals, groupCounters, b)
			if err != nil {
				return nil, err
			}
			decisions = append(decisions, model.Decision{
				Kind:        model.DecisionCreateToken,
				CreateToken: params,
			})
		}
	}

	return decisions, nil
}

func spawnCountFor(t *model.Transition, snapshot ContextSnapshot, resolveForEach ForEachResolver) (int, error) {
	if t.ForEach != nil {
		items, ok := resolveForEach(snapshot, t.ForEach.Collection)
		if !ok {
			return 1, nil
		}
		return len(items), nil
	}
	if t.SpawnCount != nil {
		if *t.SpawnCount <= 0 {
			return 0, fmt.Errorf("%w: transition %s", model.ErrInvalidSpawnCount, t.ID)
		}
		return *t.SpawnCount, nil
	}
	return 1, nil
}

func buildCreateTokenParams(
	t *model.Transition,
	parent *model.Token,
	groupTotals map[string]int,
	groupCounters map[string]int,
	localIndex int,
) (*model.CreateTokenParams, error) {
	params := &model.CreateTokenParams{
		TokenID:       model.NewTokenID(),
		RunID:         parent.RunID,
		NodeID:        t.ToNodeID,
		ParentTokenID: parent.ID,
	}

	if t.IsFanOutOrigin() {
		branchIndex := groupCounters[t.SiblingGroup]
		groupCounters[t.SiblingGroup] = branchIndex + 1

		sg := t.SiblingGroup
		params.SiblingGroup = &sg
		params.BranchIndex = branchIndex
		params.BranchTotal = groupTotals[t.SiblingGroup]
	} else {
		// Continuation / ordinary transition: inherit the parent's
		// sibling-group bookkeeping so a token produced inside one
		// fan-out that routes onward (rather than syncing) keeps its
		// lineage consistent.
		params.SiblingGroup = parent.SiblingGroup
		params.BranchIndex = parent.BranchIndex
		params.BranchTotal = parent.BranchTotal
		_ = localIndex
	}

	params.PathID = pathIDFor(parent, t.ToNodeID, params.BranchTotal, params.BranchIndex)
	params.IterationCounts = iterationCountsFor(t, parent)

	return params, nil
}

func pathIDFor(parent *model.Token, nodeID string, branchTotal, branchIndex int) string {
	if branchTotal > 1 {
		return fmt.Sprintf("%s.%s.%d", parent.PathID, nodeID, branchIndex)
	}
	return parent.PathID
}

func iterationCountsFor(t *model.Transition, parent *model.Token) map[string]int {
	counts := make(map[string]int, len(parent.IterationCounts)+1)
	for k, v := range parent.IterationCounts {
		counts[k] = v
	}
	if t.Loop != nil {
		counts[t.ID] = counts[t.ID] + 1
	}
	return counts
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// now is a var so tests can freeze time if needed; production code
// always uses time.Now.
var now = time.Now

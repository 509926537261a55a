// Package lifecycle implements run startup, failure propagation, and
// the alarm-driven timeout sweeps. It sits above planner, store,
// applier, and fanengine: the coordinator shell calls into here for
// everything outside the task-result/routing hot path. Generalized
// from wave-based waiting to sibling-group waiting.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/flowcoord/engine/applier"
	"github.com/flowcoord/engine/fanengine"
	"github.com/flowcoord/engine/logging"
	"github.com/flowcoord/engine/model"
	"github.com/flowcoord/engine/planner"
	"github.com/flowcoord/engine/ports"
	"github.com/flowcoord/engine/retry"
	"github.com/flowcoord/engine/store"
)

// Engine owns the collaborators needed to start a run and sweep it
// for timeouts. It holds no per-run state of its own; every method
// takes the runId explicitly. Logger may be nil. RetryPolicy mirrors
// Coordinator's field; coordinator.New leaves it nil, and nothing in
// this package reads it.
type Engine struct {
	Store       *store.Store
	Applier     *applier.Engine
	FanEngine   *fanengine.Engine
	Definitions ports.Definitions
	RetryPolicy retry.Policy
	Logger      *logging.Logger
}

// Start implements the start(runId): load the run and its
// definition, initialize the workflow, create the initial token, and
// return it so the caller (the coordinator shell) can dispatch it.
func (e *Engine) Start(ctx context.Context, runID string) (*model.Token, error) {
	run, err := e.Definitions.GetWorkflowRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}
	def, err := e.Definitions.GetWorkflowDef(ctx, run.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("load workflow def %s: %w", run.WorkflowID, err)
	}

	if _, err := e.Applier.Apply(ctx, runID, []model.Decision{
		{Kind: model.DecisionInitializeWorkflow, RunID: runID, Input: run.Input},
	}); err != nil {
		return nil, err
	}

	tokenID := model.NewTokenID()
	result, err := e.Applier.Apply(ctx, runID, []model.Decision{{
		Kind: model.DecisionCreateToken,
		CreateToken: &model.CreateTokenParams{
			TokenID: tokenID,
			RunID:   runID,
			NodeID:  def.InitialNodeID,
			PathID:  "root",
		},
	}})
	if err != nil {
		return nil, err
	}
	if len(result.Errors) > 0 {
		return nil, result.Errors[0]
	}

	return e.Store.GetToken(nil, tokenID)
}

// FailWorkflow implements the failWorkflow(error): the
// terminal-guard, token-cancellation, and cascade-cancel logic
// already lives in applier.Engine.terminateWorkflow (it must run inside
// the same transaction as the status flip), so this just wraps the
// FAIL_WORKFLOW decision for callers outside a decision batch (the
// alarm sweep, handleTaskError's no-retry path).
func (e *Engine) FailWorkflow(ctx context.Context, runID, reason string) (applier.ApplyResult, error) {
	return e.Applier.Apply(ctx, runID, []model.Decision{
		{Kind: model.DecisionFailWorkflow, ErrorReason: reason},
	})
}

// CancelWorkflow implements the cancel(reason): same
// terminal-guard/cascade machinery as FailWorkflow but lands the run
// in the cancelled status instead of failed.
func (e *Engine) CancelWorkflow(ctx context.Context, runID, reason string) (applier.ApplyResult, error) {
	return e.Applier.Apply(ctx, runID, []model.Decision{
		{Kind: model.DecisionCancelWorkflow, ErrorReason: reason},
	})
}

// syncTransition finds the transition whose sync spec owns siblingGroup.
func (e *Engine) syncTransition(ctx context.Context, def *model.WorkflowDef, siblingGroup string) *model.Transition {
	for _, t := range def.Transitions {
		if t.Sync != nil && t.Sync.SiblingGroup == siblingGroup {
			return t
		}
	}
	return nil
}

// oldestArrival returns the earliest ArrivedAt among a sibling group's
// waiting tokens, or nil if none have arrived yet.
func oldestArrival(waiting []*model.Token) *time.Time {
	var oldest *time.Time
	for _, t := range waiting {
		if t.ArrivedAt == nil {
			continue
		}
		if oldest == nil || t.ArrivedAt.Before(*oldest) {
			oldest = t.ArrivedAt
		}
	}
	return oldest
}

// Alarm implements the alarm tick: sweep waiting tokens
// grouped by siblingGroup for timed-out sync points, and sweep
// subworkflow records for elapsed timeout budgets. It returns the
// continuation token ids fan-in timeout decisions produced (ready for
// the coordinator shell to dispatch) and whether the run failed
// during the sweep.
func (e *Engine) Alarm(ctx context.Context, runID string) (AlarmResult, error) {
	var result AlarmResult

	run, err := e.Definitions.GetWorkflowRun(ctx, runID)
	if err != nil {
		return result, fmt.Errorf("load run %s: %w", runID, err)
	}
	if run.Status.IsTerminal() {
		return result, nil
	}
	def, err := e.Definitions.GetWorkflowDef(ctx, run.WorkflowID)
	if err != nil {
		return result, fmt.Errorf("load workflow def %s: %w", run.WorkflowID, err)
	}

	if err := e.sweepSyncTimeouts(ctx, runID, def, &result); err != nil {
		return result, err
	}
	if result.WorkflowFailed {
		return result, nil
	}
	if err := e.sweepSubworkflowTimeouts(ctx, runID, &result); err != nil {
		return result, err
	}
	return result, nil
}

// AlarmResult reports what an Alarm sweep found.
type AlarmResult struct {
	ContinuationTokenIDs []string
	WorkflowFailed       bool
	FailureReason        string
}

func (e *Engine) sweepSyncTimeouts(ctx context.Context, runID string, def *model.WorkflowDef, result *AlarmResult) error {
	tokens, err := e.Store.TokensByRun(nil, runID)
	if err != nil {
		return err
	}

	groups := make(map[string][]*model.Token)
	for _, t := range tokens {
		if t.Status != model.TokenWaitingForSiblings || t.SiblingGroup == nil {
			continue
		}
		groups[*t.SiblingGroup] = append(groups[*t.SiblingGroup], t)
	}

	for siblingGroup, waiting := range groups {
		transition := e.syncTransition(ctx, def, siblingGroup)
		if transition == nil || transition.Sync == nil {
			continue
		}
		oldest := oldestArrival(waiting)
		if !planner.HasTimedOut(transition.Sync, oldest) {
			continue
		}
		e.Logger.Warn("sync timed out", "runId", runID, "siblingGroup", siblingGroup, "waiting", len(waiting))

		fanInPath := model.FanInPathOf(siblingGroup, transition.ToNodeID)
		plan := planner.DecideOnTimeout(waiting, transition.Sync, fanInPath)

		for _, d := range plan.Decisions {
			if d.Kind == model.DecisionActivateFanIn {
				newTokenID, err := e.FanEngine.ActivateFanIn(ctx, runID, d, transition, d.TriggeringTokenID)
				if err != nil {
					return err
				}
				if newTokenID != "" {
					result.ContinuationTokenIDs = append(result.ContinuationTokenIDs, newTokenID)
				}
				continue
			}
			applyResult, err := e.Applier.Apply(ctx, runID, []model.Decision{d})
			if err != nil {
				return err
			}
			if applyResult.WorkflowFailed {
				result.WorkflowFailed = true
				result.FailureReason = applyResult.FailureReason
			}
		}
	}
	return nil
}

func (e *Engine) sweepSubworkflowTimeouts(ctx context.Context, runID string, result *AlarmResult) error {
	subs, err := e.Store.SubworkflowsAwaitingTimeout(nil)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, sw := range subs {
		if sw.RunID != runID {
			continue
		}
		elapsed := now.Sub(sw.StartedAt)
		if elapsed < time.Duration(sw.TimeoutMs)*time.Millisecond {
			continue
		}
		e.Logger.Warn("subworkflow timed out", "runId", runID, "subworkflowRunId", sw.SubworkflowRunID, "elapsedMs", elapsed.Milliseconds())

		applyResult, err := e.Applier.Apply(ctx, runID, []model.Decision{{
			Kind:             model.DecisionTimeoutSubworkflow,
			RunID:            runID,
			TokenID:          sw.ParentTokenID,
			SubworkflowRunID: sw.SubworkflowRunID,
			ElapsedMs:        elapsed.Milliseconds(),
			BudgetMs:         sw.TimeoutMs,
		}})
		if err != nil {
			return err
		}
		if applyResult.WorkflowFailed {
			result.WorkflowFailed = true
			result.FailureReason = applyResult.FailureReason
		}
	}
	return nil
}

package applier

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/flowcoord/engine/logging"
	"github.com/flowcoord/engine/model"
	"github.com/flowcoord/engine/ports"
	"github.com/flowcoord/engine/store"
)

// Engine executes decision lists against one run's stores. It holds
// the store and the external collaborators a handful
// of terminal decisions (COMPLETE_WORKFLOW, FAIL_WORKFLOW, subworkflow
// resume/fail) must reach out to. Logger may be nil.
type Engine struct {
	Store     *store.Store
	Emitter   ports.Emitter
	Resources ports.ResourcesClient
	Registry  ports.CoordinatorRegistry
	Logger    *logging.Logger
}

// ApplyResult is what the coordinator shell inspects after a decision
// batch: which tokens are ready to dispatch, and whether the run
// concluded during this batch.
type ApplyResult struct {
	ForDispatch       []string
	Errors            []error
	WorkflowFailed    bool
	WorkflowCancelled bool
	WorkflowComplete  bool
	FailureReason     string
}

// Apply executes decisions in order inside one transaction, batching
// compatible adjacent ones first. ACTIVATE_FAN_IN and
// TRY_ACTIVATE_FAN_IN are not executed here: the fan engine intercepts
// those before handing the remainder of a decision list to Apply.
func (e *Engine) Apply(ctx context.Context, runID string, decisions []model.Decision) (ApplyResult, error) {
	batched := BatchDecisions(decisions)
	var result ApplyResult

	err := e.Store.Tx(func(tx *sql.Tx) error {
		for _, d := range batched {
			if err := e.applyOne(ctx, tx, runID, d, &result); err != nil {
				result.Errors = append(result.Errors, err)
				e.trace(model.TraceDispatchError, runID, "", "", map[string]any{
					"kind":  string(d.Kind),
					"error": err.Error(),
				})
			}
		}
		return nil
	})
	if err != nil {
		return result, fmt.Errorf("apply decision batch for run %s: %w", runID, err)
	}

	e.trace(model.TraceDispatchBatchComplete, runID, "", "", map[string]any{
		"decisionCount": len(batched),
		"errorCount":    len(result.Errors),
	})
	return result, nil
}

func (e *Engine) applyOne(ctx context.Context, tx *sql.Tx, runID string, d model.Decision, result *ApplyResult) error {
	switch d.Kind {
	case model.DecisionCreateToken:
		return e.createToken(tx, d.CreateToken)
	case model.DecisionBatchCreateTokens:
		for _, params := range d.CreateTokens {
			if err := e.createToken(tx, params); err != nil {
				return err
			}
		}
		return nil

	case model.DecisionUpdateTokenStatus:
		return e.updateTokenStatus(tx, runID, d.TokenID, d.Status)
	case model.DecisionBatchUpdateStatus:
		for _, id := range d.TokenIDs {
			if err := e.updateTokenStatus(tx, runID, id, d.Status); err != nil {
				return err
			}
		}
		return nil

	case model.DecisionMarkWaiting:
		now := time.Now()
		return e.Store.UpdateTokenStatus(tx, d.TokenID, model.TokenWaitingForSiblings, &now)

	case model.DecisionMarkForDispatch:
		if err := e.Store.UpdateTokenStatus(tx, d.TokenID, model.TokenDispatched, nil); err != nil {
			return err
		}
		result.ForDispatch = append(result.ForDispatch, d.TokenID)
		return nil

	case model.DecisionSetContext, model.DecisionApplyOutput:
		return e.Store.SetContext(tx, runID, d.Namespace, d.Path, d.Value)

	case model.DecisionApplyOutputMapping:
		ns := d.Namespace
		if ns == "" {
			ns = model.NamespaceState
		}
		resolved := resolveMapping(d.Mapping, d.Data)
		return e.Store.MergeContext(tx, runID, ns, resolved)

	case model.DecisionInitBranchTable:
		return e.Store.InitBranchTable(tx, runID, d.NodeID)
	case model.DecisionApplyBranchOutput:
		tok, err := e.Store.GetToken(tx, d.TokenID)
		if err != nil {
			return err
		}
		return e.Store.ApplyBranchOutput(tx, runID, d.NodeID, tok.BranchIndex, d.BranchOutput)

	case model.DecisionMergeBranches:
		return e.mergeBranches(tx, runID, d)
	case model.DecisionDropBranchTables:
		return e.Store.DropBranchTables(tx, runID, d.NodeID)

	case model.DecisionActivateFanIn, model.DecisionTryActivateFanIn:
		return fmt.Errorf("%s must be handled by the fan engine, not the generic applier", d.Kind)

	case model.DecisionCompleteToken:
		return e.completeTerminal(tx, runID, []string{d.TokenID}, model.TokenCompleted, "")
	case model.DecisionCompleteTokens:
		return e.completeTerminal(tx, runID, d.TokenIDs, model.TokenCompleted, "")
	case model.DecisionCancelTokens:
		return e.completeTerminal(tx, runID, d.TokenIDs, model.TokenCancelled, d.Reason)

	case model.DecisionInitializeWorkflow:
		return e.initializeWorkflow(tx, runID, d)
	case model.DecisionCompleteWorkflow:
		return e.completeWorkflow(ctx, tx, runID, d, result)
	case model.DecisionFailWorkflow:
		return e.terminateWorkflow(ctx, tx, runID, d, result, model.RunFailed)
	case model.DecisionCancelWorkflow:
		return e.terminateWorkflow(ctx, tx, runID, d, result, model.RunCancelled)

	case model.DecisionMarkWaitingForSubworkflow:
		return e.markWaitingForSubworkflow(tx, runID, d)
	case model.DecisionResumeFromSubworkflow:
		return e.Store.UpdateSubworkflowStatus(tx, runID, d.TokenID, model.SubworkflowCompleted)
	case model.DecisionFailFromSubworkflow:
		if err := e.Store.UpdateSubworkflowStatus(tx, runID, d.TokenID, model.SubworkflowFailed); err != nil {
			return err
		}
		return e.updateTokenStatus(tx, runID, d.TokenID, model.TokenFailed)
	case model.DecisionTimeoutSubworkflow:
		return e.timeoutSubworkflow(ctx, tx, runID, d, result)

	case model.DecisionRetryDispatch:
		return e.retryDispatch(tx, runID, d)

	default:
		return fmt.Errorf("unknown decision kind %q", d.Kind)
	}
}

func (e *Engine) createToken(tx *sql.Tx, params *model.CreateTokenParams) error {
	if params == nil {
		return fmt.Errorf("CREATE_TOKEN decision missing params")
	}
	now := time.Now()
	tok := &model.Token{
		ID:              params.TokenID,
		RunID:           params.RunID,
		NodeID:          params.NodeID,
		Status:          model.TokenPending,
		ParentTokenID:   params.ParentTokenID,
		PathID:          params.PathID,
		SiblingGroup:    params.SiblingGroup,
		BranchIndex:     params.BranchIndex,
		BranchTotal:     params.BranchTotal,
		IterationCounts: params.IterationCounts,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := e.Store.CreateToken(tx, tok); err != nil {
		return fmt.Errorf("create token %s: %w", params.TokenID, err)
	}
	e.emit(model.EventTokenCreated, params.RunID, params.TokenID, params.NodeID, nil)
	return nil
}

// updateTokenStatus applies the terminal-guard to an UPDATE_TOKEN_STATUS
// row: a token already in a terminal status is left alone, not
// mutated again.
func (e *Engine) updateTokenStatus(tx *sql.Tx, runID, tokenID string, status model.TokenStatus) error {
	current, err := e.Store.GetToken(tx, tokenID)
	if err != nil {
		return err
	}
	if current.Status.IsTerminal() {
		return nil
	}
	if err := e.Store.UpdateTokenStatus(tx, tokenID, status, nil); err != nil {
		return err
	}
	if evt, ok := milestoneFor(status); ok {
		e.emit(evt, runID, tokenID, current.NodeID, nil)
	}
	return nil
}

func (e *Engine) completeTerminal(tx *sql.Tx, runID string, tokenIDs []string, status model.TokenStatus, reason string) error {
	for _, id := range tokenIDs {
		if err := e.updateTokenStatus(tx, runID, id, status); err != nil {
			return err
		}
		if reason != "" {
			e.emit(milestoneForOrDefault(status), runID, id, "", map[string]any{"reason": reason})
		}
	}
	return nil
}

func (e *Engine) initializeWorkflow(tx *sql.Tx, runID string, d model.Decision) error {
	run, err := e.Store.GetRun(tx, runID)
	if err != nil {
		return err
	}
	if err := e.Store.UpdateRunStatus(tx, runID, model.RunRunning, nil, ""); err != nil {
		return err
	}
	evt := model.EventWorkflowStarted
	if run.RootRunID != "" && run.RootRunID != runID {
		evt = model.EventSubworkflowStarted
	}
	e.emit(evt, runID, "", "", map[string]any{"input": d.Input})
	return nil
}

func (e *Engine) completeWorkflow(ctx context.Context, tx *sql.Tx, runID string, d model.Decision, result *ApplyResult) error {
	run, err := e.Store.GetRun(tx, runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return nil
	}
	if err := e.Store.UpdateRunStatus(tx, runID, model.RunCompleted, d.Output, ""); err != nil {
		return err
	}
	e.emit(model.EventWorkflowCompleted, runID, "", "", map[string]any{"output": d.Output})
	e.Logger.Info("workflow completed", "runId", runID)
	result.WorkflowComplete = true

	if e.Resources != nil {
		if err := e.Resources.CompleteRun(ctx, runID, d.Output); err != nil {
			return fmt.Errorf("notify resources of completion: %w", err)
		}
	}
	if !run.IsRoot() && e.Registry != nil {
		if err := e.notifyParent(ctx, run, func(proxy ports.CoordinatorProxy) error {
			return proxy.HandleSubworkflowResult(ctx, run.ParentTokenID, d.Output)
		}); err != nil {
			return err
		}
	}
	return nil
}

// terminateWorkflow implements both FAIL_WORKFLOW and CANCEL_WORKFLOW:
// terminal-guard, cancel every
// non-terminal token, cascade-cancel running subworkflows, flip the
// run's own status, and notify a parent coordinator if this is a
// subworkflow. The only difference between fail and cancel is which
// terminal RunStatus lands and which milestone is emitted.
func (e *Engine) terminateWorkflow(ctx context.Context, tx *sql.Tx, runID string, d model.Decision, result *ApplyResult, status model.RunStatus) error {
	run, err := e.Store.GetRun(tx, runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return nil
	}

	reason := d.ErrorReason
	verb := "failed"
	if status == model.RunCancelled {
		verb = "cancelled"
	}

	active, err := e.Store.TokensByRun(tx, runID)
	if err != nil {
		return err
	}
	var activeIDs []string
	for _, t := range active {
		if t.Status.IsActive() || t.Status == model.TokenWaitingForSiblings || t.Status == model.TokenWaitingForSubworkflow {
			activeIDs = append(activeIDs, t.ID)
		}
	}
	if err := e.completeTerminal(tx, runID, activeIDs, model.TokenCancelled, "workflow "+verb+": "+reason); err != nil {
		return err
	}

	subs, err := e.Store.RunningSubworkflows(tx, runID)
	if err != nil {
		return err
	}
	for _, sw := range subs {
		if err := e.Store.UpdateSubworkflowStatus(tx, runID, sw.ParentTokenID, model.SubworkflowCancelled); err != nil {
			return err
		}
		if e.Registry != nil {
			e.cascadeCancelChild(ctx, sw.SubworkflowRunID, "parent workflow "+verb)
		}
	}

	if err := e.Store.UpdateRunStatus(tx, runID, status, nil, reason); err != nil {
		return err
	}

	evt := model.EventWorkflowFailed
	if status == model.RunCancelled {
		evt = model.EventWorkflowCancelled
	}
	e.emit(evt, runID, "", "", map[string]any{"reason": reason})
	e.Logger.Warn("workflow "+verb, "runId", runID, "reason", reason)

	if status == model.RunCancelled {
		result.WorkflowCancelled = true
	} else {
		result.WorkflowFailed = true
	}
	result.FailureReason = reason

	if e.Resources != nil {
		if err := e.Resources.UpdateRunStatus(ctx, runID, status); err != nil {
			return fmt.Errorf("notify resources of %s: %w", verb, err)
		}
	}
	if !run.IsRoot() && e.Registry != nil {
		return e.notifyParent(ctx, run, func(proxy ports.CoordinatorProxy) error {
			return proxy.HandleSubworkflowError(ctx, run.ParentTokenID, reason)
		})
	}
	return nil
}

func (e *Engine) markWaitingForSubworkflow(tx *sql.Tx, runID string, d model.Decision) error {
	if err := e.Store.UpdateTokenStatus(tx, d.TokenID, model.TokenWaitingForSubworkflow, nil); err != nil {
		return err
	}
	now := time.Now()
	return e.Store.CreateSubworkflow(tx, &model.Subworkflow{
		RunID:            runID,
		ParentTokenID:    d.TokenID,
		SubworkflowRunID: d.SubworkflowRunID,
		Status:           model.SubworkflowRunning,
		TimeoutMs:        d.SubworkflowTimeoutMs,
		StartedAt:        now,
		UpdatedAt:        now,
	})
}

func (e *Engine) mergeBranches(tx *sql.Tx, runID string, d model.Decision) error {
	if d.Merge == nil {
		return fmt.Errorf("MERGE_BRANCHES decision missing merge spec")
	}
	entries, err := e.Store.BranchTableEntries(tx, runID, d.NodeID)
	if err != nil {
		return err
	}
	merged, err := mergeBranches(entries, branchSource(d.Merge.Source), d.Merge.Strategy)
	if err != nil {
		return fmt.Errorf("merge branches for %s/%s: %w", runID, d.NodeID, err)
	}
	ns, path := splitTarget(d.Merge.Target)
	if err := e.Store.SetContext(tx, runID, ns, path, merged); err != nil {
		return err
	}
	e.emit(model.EventBranchesMerged, runID, "", d.NodeID, map[string]any{"strategy": string(d.Merge.Strategy)})
	return nil
}

func (e *Engine) notifyParent(ctx context.Context, run *model.Run, call func(ports.CoordinatorProxy) error) error {
	handle, err := e.Registry.IDFromName(run.ParentRunID)
	if err != nil {
		return fmt.Errorf("resolve parent coordinator handle: %w", err)
	}
	proxy, err := e.Registry.Get(handle)
	if err != nil {
		return fmt.Errorf("resolve parent coordinator proxy: %w", err)
	}
	return call(proxy)
}

func (e *Engine) cascadeCancelChild(ctx context.Context, subworkflowRunID, reason string) {
	handle, err := e.Registry.IDFromName(subworkflowRunID)
	if err != nil {
		return
	}
	proxy, err := e.Registry.Get(handle)
	if err != nil {
		return
	}
	if err := proxy.Cancel(ctx, reason); err != nil {
		e.Logger.Warn("cascade cancel of child run failed", "childRunId", subworkflowRunID, "error", err.Error())
	}
}

// timeoutSubworkflow implements the TIMEOUT_SUBWORKFLOW row: cancel
// the child coordinator, mark the subworkflow record cancelled, flip
// the parent token to timed_out, then fail the parent workflow the
// same way FAIL_FROM_SUBWORKFLOW does. The child cancel is
// best-effort (logged, not fatal) so a vanished or already-terminal
// child never blocks the parent's own termination.
func (e *Engine) timeoutSubworkflow(ctx context.Context, tx *sql.Tx, runID string, d model.Decision, result *ApplyResult) error {
	if err := e.Store.UpdateSubworkflowStatus(tx, runID, d.TokenID, model.SubworkflowCancelled); err != nil {
		return err
	}
	if err := e.updateTokenStatus(tx, runID, d.TokenID, model.TokenTimedOut); err != nil {
		return err
	}
	e.emit(model.EventSubworkflowTimeout, runID, d.TokenID, "", map[string]any{
		"subworkflowRunId": d.SubworkflowRunID,
		"elapsedMs":        d.ElapsedMs,
		"budgetMs":         d.BudgetMs,
	})

	if e.Registry != nil && d.SubworkflowRunID != "" {
		e.cascadeCancelChild(ctx, d.SubworkflowRunID, "parent subworkflow timed out")
	}

	if d.ErrorReason == "" {
		d.ErrorReason = fmt.Sprintf("subworkflow %s timed out after %dms (budget %dms)", d.SubworkflowRunID, d.ElapsedMs, d.BudgetMs)
	}
	return e.terminateWorkflow(ctx, tx, runID, d, result, model.RunFailed)
}

// retryDispatch implements the retry-policy-driven re-dispatch the
// coordinator schedules after a task error: bump the token's attempt
// counter and return it to pending so dispatchToken can run it again.
// A token already terminal (e.g. the run was cancelled out from under
// the retry) is left alone.
func (e *Engine) retryDispatch(tx *sql.Tx, runID string, d model.Decision) error {
	tok, err := e.Store.GetToken(tx, d.TokenID)
	if err != nil {
		return err
	}
	if tok.Status.IsTerminal() {
		return nil
	}
	attempt, err := e.Store.IncrementTokenAttempt(tx, d.TokenID)
	if err != nil {
		return err
	}
	if err := e.Store.UpdateTokenStatus(tx, d.TokenID, model.TokenPending, nil); err != nil {
		return err
	}
	e.emit(model.EventTokenRetried, runID, d.TokenID, tok.NodeID, map[string]any{
		"attempt": attempt,
		"reason":  d.Reason,
	})
	return nil
}

func (e *Engine) emit(eventType, runID, tokenID, nodeID string, metadata map[string]any) {
	if e.Emitter == nil {
		return
	}
	e.Emitter.Emit(model.WorkflowEvent{
		Type:      eventType,
		RunID:     runID,
		TokenID:   tokenID,
		NodeID:    nodeID,
		Timestamp: time.Now(),
		Metadata:  metadata,
	})
}

func (e *Engine) trace(traceType, runID, tokenID, nodeID string, detail map[string]any) {
	if e.Emitter == nil {
		return
	}
	e.Emitter.EmitTrace(model.TraceEvent{
		Type:      traceType,
		RunID:     runID,
		TokenID:   tokenID,
		NodeID:    nodeID,
		Timestamp: time.Now(),
		Detail:    detail,
	})
}

func milestoneFor(status model.TokenStatus) (string, bool) {
	switch status {
	case model.TokenCompleted:
		return model.EventTokenCompleted, true
	case model.TokenFailed:
		return model.EventTokenFailed, true
	case model.TokenCancelled:
		return model.EventTokenCancelled, true
	case model.TokenTimedOut:
		return model.EventTokenTimedOut, true
	default:
		return "", false
	}
}

func milestoneForOrDefault(status model.TokenStatus) string {
	evt, ok := milestoneFor(status)
	if !ok {
		return model.EventTokenCompleted
	}
	return evt
}

func resolveMapping(mapping map[string]string, data map[string]any) map[string]any {
	out := map[string]any{}
	for target, source := range mapping {
		if v, ok := lookupInData(source, data); ok {
			out[target] = v
		}
	}
	return out
}

// lookupInData resolves a "$.<path>" source expression against a flat
// task result object (APPLY_OUTPUT_MAPPING's `data`, not a namespaced
// context snapshot).
func lookupInData(source string, data map[string]any) (any, bool) {
	const prefix = "$."
	if len(source) <= len(prefix) || source[:len(prefix)] != prefix {
		return nil, false
	}
	return lookupDotted(source[len(prefix):], data)
}

func lookupDotted(path string, root map[string]any) (any, bool) {
	cur := any(root)
	for _, part := range splitPath(path) {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[part]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func splitPath(path string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			parts = append(parts, path[start:i])
			start = i + 1
		}
	}
	parts = append(parts, path[start:])
	return parts
}

func splitTarget(target string) (model.ContextNamespace, string) {
	for i := 0; i < len(target); i++ {
		if target[i] == '.' {
			return model.ContextNamespace(target[:i]), target[i+1:]
		}
	}
	return model.NamespaceState, target
}

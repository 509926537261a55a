// Package coordinator implements the single-actor shell that ties
// planner, applier, fanengine, lifecycle, and subworkflow together
// into the RPC-style entry points a host runtime calls. One
// Coordinator instance owns exactly one run; concurrent callers are
// serialized by c.mu, generalized from a single guarded struct field
// to every entry point.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/flowcoord/engine/applier"
	"github.com/flowcoord/engine/condition"
	"github.com/flowcoord/engine/fanengine"
	"github.com/flowcoord/engine/lifecycle"
	"github.com/flowcoord/engine/logging"
	"github.com/flowcoord/engine/model"
	"github.com/flowcoord/engine/planner"
	"github.com/flowcoord/engine/ports"
	"github.com/flowcoord/engine/retry"
	"github.com/flowcoord/engine/store"
	"github.com/flowcoord/engine/subworkflow"
)

// Coordinator is the entry-point surface for one run. enableTrace and
// runID are set by whichever of Start/StartSubworkflow first binds
// this instance to a live run.
type Coordinator struct {
	Store       *store.Store
	Applier     *applier.Engine
	FanEngine   *fanengine.Engine
	Lifecycle   *lifecycle.Engine
	Subworkflow *subworkflow.Dispatcher
	Definitions ports.Definitions
	Executor    ports.TaskExecutor
	Evaluator   *condition.Evaluator
	Logger      *logging.Logger

	// RetryPolicy is the handleTaskError hook: absent an override it
	// is retry.NeverPolicy{}, so every task error fails the workflow.
	RetryPolicy retry.Policy

	ProjectID string

	runID       string
	enableTrace bool

	mu sync.Mutex
	wg sync.WaitGroup
}

var _ ports.CoordinatorProxy = (*Coordinator)(nil)

// New wires a Coordinator's collaborators from a shared store and the
// external ports a host supplies. Store, Applier, FanEngine, and
// Lifecycle must all share the same *store.Store. log may be nil, in
// which case every collaborator falls back to a silent logger.
func New(s *store.Store, definitions ports.Definitions, executor ports.TaskExecutor, emitter ports.Emitter, resources ports.ResourcesClient, registry ports.CoordinatorRegistry, log *logging.Logger) *Coordinator {
	a := &applier.Engine{Store: s, Emitter: emitter, Resources: resources, Registry: registry, Logger: log}
	fe := &fanengine.Engine{Store: s, Applier: a, Logger: log}
	return &Coordinator{
		Store:       s,
		Applier:     a,
		FanEngine:   fe,
		Lifecycle:   &lifecycle.Engine{Store: s, Applier: a, FanEngine: fe, Definitions: definitions, Logger: log},
		Subworkflow: &subworkflow.Dispatcher{Applier: a, Registry: registry, Logger: log},
		Definitions: definitions,
		Executor:    executor,
		Evaluator:   condition.NewEvaluator(0),
		RetryPolicy: retry.NeverPolicy{},
		Logger:      log,
	}
}

// Wait blocks until every fire-and-forget task this coordinator
// launched (executor dispatch) has returned, for clean teardown.
func (c *Coordinator) Wait() { c.wg.Wait() }

// Start implements the start(runId, opts?) entry point.
func (c *Coordinator) Start(ctx context.Context, runID string, enableTraceEvents bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.runID = runID
	c.enableTrace = enableTraceEvents
	c.Logger.Info("starting run", "runId", runID)

	tok, err := c.Lifecycle.Start(ctx, runID)
	if err != nil {
		return err
	}
	return c.dispatchToken(ctx, tok.ID)
}

// StartSubworkflow implements the child side: it creates the
// child run's store record (subworkflow runs live in the same local
// store as their parent, addressed through the same registry) then
// runs exactly like Start.
func (c *Coordinator) StartSubworkflow(ctx context.Context, req ports.SubworkflowStart) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.runID = req.RunID
	c.ProjectID = req.ProjectID

	now := time.Now()
	if err := c.Store.CreateRun(nil, &model.Run{
		RunID:         req.RunID,
		RootRunID:     req.RootRunID,
		ParentRunID:   req.ParentRunID,
		ParentTokenID: req.ParentTokenID,
		WorkflowID:    req.WorkflowID,
		Status:        model.RunRunning,
		Input:         req.Input,
		CreatedAt:     now,
		UpdatedAt:     now,
	}); err != nil {
		return fmt.Errorf("create subworkflow run %s: %w", req.RunID, err)
	}

	tok, err := c.Lifecycle.Start(ctx, req.RunID)
	if err != nil {
		return err
	}
	return c.dispatchToken(ctx, tok.ID)
}

// HandleTaskResult implements the handleTaskResult(tokenId, ...).
func (c *Coordinator) HandleTaskResult(ctx context.Context, tokenID string, output map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.processTaskResult(ctx, tokenID, output)
}

// HandleTaskError implements handleTaskError: consult the retry
// policy hook and either schedule a re-dispatch after its delay or,
// absent a retry (the default retry.NeverPolicy{} behavior), fail the
// workflow.
func (c *Coordinator) HandleTaskError(ctx context.Context, tokenID, errKind, errMessage string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tok, err := c.Store.GetToken(nil, tokenID)
	if err != nil {
		return err
	}
	if tok.Status.IsTerminal() {
		return nil
	}

	run, err := c.Definitions.GetWorkflowRun(ctx, tok.RunID)
	if err != nil {
		return err
	}
	def, err := c.Definitions.GetWorkflowDef(ctx, run.WorkflowID)
	if err != nil {
		return err
	}
	node, err := c.Definitions.GetNode(def, tok.NodeID)
	if err != nil {
		return err
	}

	outcome := c.RetryPolicy.Decide(tok, node, errKind, tok.Attempt)
	if outcome.Retry {
		if _, err := c.Applier.Apply(ctx, tok.RunID, []model.Decision{
			{Kind: model.DecisionRetryDispatch, TokenID: tokenID, Reason: fmt.Sprintf("%s: %s", errKind, errMessage)},
		}); err != nil {
			return err
		}
		c.Logger.Info("retrying task", "tokenId", tokenID, "attempt", tok.Attempt+1, "delayMs", outcome.DelayMs)
		c.scheduleRetryDispatch(ctx, tokenID, outcome.DelayMs)
		return nil
	}

	_, err = c.Lifecycle.FailWorkflow(ctx, tok.RunID, fmt.Sprintf("task %s failed: %s", tokenID, errMessage))
	return err
}

// scheduleRetryDispatch redispatches a retried token after its
// policy-chosen delay, fire-and-forget like dispatchToken's own
// executor call, tracked by the same WaitGroup so Wait still drains
// it cleanly.
func (c *Coordinator) scheduleRetryDispatch(ctx context.Context, tokenID string, delayMs int64) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if delayMs > 0 {
			time.Sleep(time.Duration(delayMs) * time.Millisecond)
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if err := c.dispatchToken(ctx, tokenID); err != nil {
			c.Logger.Warn("retry dispatch failed", "tokenId", tokenID, "error", err.Error())
		}
	}()
}

// HandleSubworkflowResult implements the child-success
// callback on the parent side: mark the subworkflow record resolved,
// then resume the parent token exactly like a completed task result.
func (c *Coordinator) HandleSubworkflowResult(ctx context.Context, parentTokenID string, output map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tok, err := c.Store.GetToken(nil, parentTokenID)
	if err != nil {
		return err
	}
	if tok.Status.IsTerminal() {
		return nil
	}
	if _, err := c.Subworkflow.MarkResumed(ctx, tok.RunID, parentTokenID); err != nil {
		return err
	}
	return c.processTaskResult(ctx, parentTokenID, output)
}

// HandleSubworkflowError implements the child-failure
// callback: fails the parent workflow by default.
func (c *Coordinator) HandleSubworkflowError(ctx context.Context, parentTokenID, errMessage string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tok, err := c.Store.GetToken(nil, parentTokenID)
	if err != nil {
		return err
	}
	if tok.Status.IsTerminal() {
		return nil
	}
	_, err = c.Subworkflow.HandleError(ctx, tok.RunID, parentTokenID, errMessage)
	return err
}

// Cancel implements the idempotent cancel(reason).
func (c *Coordinator) Cancel(ctx context.Context, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	run, err := c.Definitions.GetWorkflowRun(ctx, c.runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return nil
	}
	c.Logger.Info("cancelling run", "runId", c.runID, "reason", reason)
	_, err = c.Lifecycle.CancelWorkflow(ctx, c.runID, reason)
	return err
}

// Alarm implements the host-invoked alarm() entry point: sweep
// for sync and subworkflow timeouts, then dispatch whatever the sweep
// produced.
func (c *Coordinator) Alarm(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	result, err := c.Lifecycle.Alarm(ctx, c.runID)
	if err != nil {
		return err
	}
	if result.WorkflowFailed {
		return nil
	}
	for _, tokenID := range result.ContinuationTokenIDs {
		if err := c.dispatchToken(ctx, tokenID); err != nil {
			return err
		}
	}
	return nil
}

// dispatchToken implements the dispatchToken(tokenId).
func (c *Coordinator) dispatchToken(ctx context.Context, tokenID string) error {
	if _, err := c.Applier.Apply(ctx, c.runID, []model.Decision{
		{Kind: model.DecisionUpdateTokenStatus, TokenID: tokenID, Status: model.TokenDispatched},
	}); err != nil {
		return err
	}

	tok, err := c.Store.GetToken(nil, tokenID)
	if err != nil {
		return err
	}
	run, err := c.Definitions.GetWorkflowRun(ctx, c.runID)
	if err != nil {
		return err
	}
	def, err := c.Definitions.GetWorkflowDef(ctx, run.WorkflowID)
	if err != nil {
		return err
	}
	node, err := c.Definitions.GetNode(def, tok.NodeID)
	if err != nil {
		return err
	}

	if node.SubworkflowID != "" {
		snapshot, err := c.loadSnapshot(ctx, c.runID)
		if err != nil {
			return err
		}
		return c.Subworkflow.Start(ctx, c.runID, run.RootRunID, tok.ID, c.ProjectID, node, snapshot, 0)
	}

	if node.TaskID == "" {
		return c.processTaskResult(ctx, tokenID, map[string]any{})
	}

	snapshot, err := c.loadSnapshot(ctx, c.runID)
	if err != nil {
		return err
	}
	taskInput := planner.ApplyInputMapping(node.InputMapping, snapshot)

	req := ports.TaskRequest{
		TokenID:     tok.ID,
		RunID:       c.runID,
		RootRunID:   run.RootRunID,
		ProjectID:   c.ProjectID,
		TaskID:      node.TaskID,
		TaskVersion: node.TaskVersion,
		Input:       taskInput,
		Resources:   node.ResourceBindings,
		TraceEvents: c.enableTrace,
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		_ = c.Executor.ExecuteTask(ctx, req)
	}()
	return nil
}

// processTaskResult implements the processTaskResult(tokenId, result).
func (c *Coordinator) processTaskResult(ctx context.Context, tokenID string, result map[string]any) error {
	tok, err := c.Store.GetToken(nil, tokenID)
	if err != nil {
		return err
	}
	if tok.Status.IsTerminal() {
		return nil
	}

	if _, err := c.Applier.Apply(ctx, c.runID, []model.Decision{
		{Kind: model.DecisionCompleteToken, TokenID: tokenID},
	}); err != nil {
		return err
	}

	run, err := c.Definitions.GetWorkflowRun(ctx, c.runID)
	if err != nil {
		return err
	}
	def, err := c.Definitions.GetWorkflowDef(ctx, run.WorkflowID)
	if err != nil {
		return err
	}
	node, err := c.Definitions.GetNode(def, tok.NodeID)
	if err != nil {
		return err
	}

	if tok.SiblingGroup != nil {
		if err := c.FanEngine.HandleBranchOutput(ctx, c.runID, tok, node, result); err != nil {
			return err
		}
	} else if len(node.OutputMapping) > 0 {
		byNamespace := splitMappingByNamespace(node.OutputMapping)
		var decisions []model.Decision
		for ns, mapping := range byNamespace {
			decisions = append(decisions, model.Decision{
				Kind:      model.DecisionApplyOutputMapping,
				Namespace: ns,
				Mapping:   mapping,
				Data:      result,
			})
		}
		if _, err := c.Applier.Apply(ctx, c.runID, decisions); err != nil {
			return err
		}
	}

	snapshot, err := c.loadSnapshot(ctx, c.runID)
	if err != nil {
		return err
	}
	transitions := c.Definitions.GetTransitionsFrom(def, tok.NodeID)

	routeResult, err := planner.Route(c.Evaluator, tok, transitions, snapshot, nil)
	if err != nil {
		return err
	}
	if c.enableTrace {
		for _, evt := range routeResult.Events {
			c.Applier.Emitter.EmitTrace(evt)
		}
	}

	if len(routeResult.Decisions) == 0 {
		return c.maybeFinalize(ctx, def, snapshot)
	}

	if _, err := c.Applier.Apply(ctx, c.runID, routeResult.Decisions); err != nil {
		return err
	}
	createdTokenIDs := applier.AffectedTokenIDs(routeResult.Decisions)

	syncTransitions := syncTransitionsByToNode(def)
	syncResult, err := c.FanEngine.ProcessSynchronization(ctx, c.runID, createdTokenIDs, syncTransitions)
	if err != nil {
		return err
	}

	for _, id := range syncResult.DispatchTokenIDs {
		if err := c.dispatchToken(ctx, id); err != nil {
			return err
		}
	}
	for _, id := range syncResult.ContinuationTokenIDs {
		if err := c.dispatchToken(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// maybeFinalize implements the "if no decisions: if no active
// tokens remain, finalize via COMPLETE_WORKFLOW".
func (c *Coordinator) maybeFinalize(ctx context.Context, def *model.WorkflowDef, snapshot planner.ContextSnapshot) error {
	tokens, err := c.Store.TokensByRun(nil, c.runID)
	if err != nil {
		return err
	}
	for _, t := range tokens {
		if t.Status.IsActive() || t.Status == model.TokenWaitingForSiblings || t.Status == model.TokenWaitingForSubworkflow {
			return nil
		}
	}

	output := planner.ExtractFinalOutput(def.WorkflowOutputMapping, snapshot)
	_, err = c.Applier.Apply(ctx, c.runID, []model.Decision{
		{Kind: model.DecisionCompleteWorkflow, Output: output},
	})
	return err
}

func syncTransitionsByToNode(def *model.WorkflowDef) map[string]*model.Transition {
	out := map[string]*model.Transition{}
	for _, t := range def.Transitions {
		if t.Sync != nil {
			out[t.ToNodeID] = t
		}
	}
	return out
}

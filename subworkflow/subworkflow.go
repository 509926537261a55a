// Package subworkflow implements the parent/child nested-run
// protocol: the parent-side dispatch that hands a token off to a
// freshly minted child run, and the completion/failure handling the
// coordinator package drives off of.
// A parent never holds a direct object reference to the child
// coordinator, always an id resolved through a registry, so parent
// and child can be addressed across process or run boundaries alike.
package subworkflow

import (
	"context"
	"fmt"

	"github.com/flowcoord/engine/applier"
	"github.com/flowcoord/engine/logging"
	"github.com/flowcoord/engine/model"
	"github.com/flowcoord/engine/planner"
	"github.com/flowcoord/engine/ports"
)

// Dispatcher starts child runs on behalf of a parent token and routes
// the two terminal callbacks (result / error) back into decisions the
// applier can execute. Logger may be nil.
type Dispatcher struct {
	Applier  *applier.Engine
	Registry ports.CoordinatorRegistry
	Logger   *logging.Logger
}

// Start implements the parent side: build subInput from the
// node's input mapping, mint a sortable subRunId, record the
// waiting-for-subworkflow state, resolve the child coordinator, then
// invoke startSubworkflow on the child. The child call happens after the
// MARK_WAITING_FOR_SUBWORKFLOW decision commits, so a crash between
// the two leaves a recoverable "waiting with no child yet" state
// rather than an orphaned child run.
func (d *Dispatcher) Start(
	ctx context.Context,
	parentRunID, rootRunID, parentTokenID, projectID string,
	node *model.Node,
	snapshot planner.ContextSnapshot,
	timeoutMs int64,
) error {
	subInput := planner.ApplyInputMapping(node.InputMapping, snapshot)
	subRunID := model.NewRunID()

	result, err := d.Applier.Apply(ctx, parentRunID, []model.Decision{{
		Kind:                 model.DecisionMarkWaitingForSubworkflow,
		TokenID:              parentTokenID,
		SubworkflowRunID:     subRunID,
		SubworkflowTimeoutMs: timeoutMs,
	}})
	if err != nil {
		return err
	}
	if len(result.Errors) > 0 {
		return result.Errors[0]
	}

	handle, err := d.Registry.IDFromName(subRunID)
	if err != nil {
		return fmt.Errorf("resolve child coordinator handle for %s: %w", subRunID, err)
	}
	proxy, err := d.Registry.Get(handle)
	if err != nil {
		return fmt.Errorf("resolve child coordinator proxy for %s: %w", subRunID, err)
	}

	d.Logger.Info("starting subworkflow", "parentRunId", parentRunID, "childRunId", subRunID, "workflowId", node.SubworkflowID)
	return proxy.StartSubworkflow(ctx, ports.SubworkflowStart{
		RunID:         subRunID,
		WorkflowID:    node.SubworkflowID,
		Input:         subInput,
		RootRunID:     rootRunID,
		ParentRunID:   parentRunID,
		ParentTokenID: parentTokenID,
		ProjectID:     projectID,
	})
}

// MarkResumed handles the bookkeeping half of a child run's success
// callback: flip the subworkflow record to completed. The parent
// token's own COMPLETE_TOKEN / output-mapping / routing sequence is
// the coordinator's processTaskResult path — a subworkflow result is
// handled exactly like a task result once this record update has
// landed.
func (d *Dispatcher) MarkResumed(ctx context.Context, parentRunID, parentTokenID string) (applier.ApplyResult, error) {
	return d.Applier.Apply(ctx, parentRunID, []model.Decision{{
		Kind:    model.DecisionResumeFromSubworkflow,
		RunID:   parentRunID,
		TokenID: parentTokenID,
	}})
}

// HandleError handles a child run's failure callback: by default this
// fails the parent workflow; a host wanting a different policy (e.g.
// swallow and continue) would intercept before this is called.
func (d *Dispatcher) HandleError(ctx context.Context, parentRunID, parentTokenID, errMessage string) (applier.ApplyResult, error) {
	if _, err := d.Applier.Apply(ctx, parentRunID, []model.Decision{{
		Kind:    model.DecisionFailFromSubworkflow,
		RunID:   parentRunID,
		TokenID: parentTokenID,
	}}); err != nil {
		return applier.ApplyResult{}, err
	}
	return d.Applier.Apply(ctx, parentRunID, []model.Decision{{
		Kind:        model.DecisionFailWorkflow,
		ErrorReason: errMessage,
	}})
}

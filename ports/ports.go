// Package ports declares the coordinator's external collaborator
// contracts: the definitions reader, task executor, event
// emitter, resource-status client, and cross-coordinator registry.
// These sit in their own package, independent of both applier and
// coordinator, so the applier can invoke them without importing the
// coordinator shell that implements CoordinatorProxy.
package ports

import (
	"context"

	"github.com/flowcoord/engine/model"
)

// Definitions reads the immutable workflow definition and run record
// backing one coordinator instance. Out of scope: CRUD, storage.
type Definitions interface {
	GetWorkflowRun(ctx context.Context, runID string) (*model.Run, error)
	GetWorkflowDef(ctx context.Context, workflowID string) (*model.WorkflowDef, error)
	GetNode(def *model.WorkflowDef, nodeID string) (*model.Node, error)
	GetTransitions(def *model.WorkflowDef) []*model.Transition
	GetTransitionsFrom(def *model.WorkflowDef, nodeID string) []*model.Transition
}

// TaskRequest is the payload handed to TaskExecutor.ExecuteTask.
type TaskRequest struct {
	TokenID      string
	RunID        string
	RootRunID    string
	ProjectID    string
	TaskID       string
	TaskVersion  string
	Input        map[string]any
	Resources    map[string]string
	TraceEvents  bool
}

// TaskExecutor dispatches a task and returns immediately: results
// arrive later via the coordinator's handleTaskResult/handleTaskError
// entry points, not as this call's return value.
type TaskExecutor interface {
	ExecuteTask(ctx context.Context, req TaskRequest) error
}

// Emitter is the sink for both user-visible milestones and
// fine-grained planning/dispatch traces.
type Emitter interface {
	Emit(event model.WorkflowEvent)
	EmitTrace(event model.TraceEvent)
}

// ResourcesClient updates the persistent run-status record the
// coordinator does not itself own.
type ResourcesClient interface {
	CompleteRun(ctx context.Context, runID string, output map[string]any) error
	UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error
}

// SubworkflowStart is the payload startSubworkflow receives from a
// parent coordinator.
type SubworkflowStart struct {
	RunID         string
	WorkflowID    string
	Version       int
	Input         map[string]any
	RootRunID     string
	ParentRunID   string
	ParentTokenID string
	ProjectID     string
}

// CoordinatorProxy is the cross-coordinator RPC surface a registry
// handle resolves to.
type CoordinatorProxy interface {
	Start(ctx context.Context, runID string, enableTraceEvents bool) error
	StartSubworkflow(ctx context.Context, req SubworkflowStart) error
	HandleTaskResult(ctx context.Context, tokenID string, output map[string]any) error
	HandleTaskError(ctx context.Context, tokenID string, errKind, errMessage string) error
	HandleSubworkflowResult(ctx context.Context, parentTokenID string, output map[string]any) error
	HandleSubworkflowError(ctx context.Context, parentTokenID string, errMessage string) error
	Cancel(ctx context.Context, reason string) error
	Alarm(ctx context.Context) error
}

// CoordinatorHandle addresses a coordinator instance without holding
// a direct object reference across runs.
type CoordinatorHandle string

// CoordinatorRegistry resolves run ids to live coordinator proxies.
type CoordinatorRegistry interface {
	IDFromName(runID string) (CoordinatorHandle, error)
	Get(handle CoordinatorHandle) (CoordinatorProxy, error)
}

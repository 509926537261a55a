package applier_test

import (
	"context"
	"testing"
	"time"

	"github.com/flowcoord/engine/applier"
	"github.com/flowcoord/engine/model"
	"github.com/flowcoord/engine/ports"
	"github.com/flowcoord/engine/store"
	"github.com/stretchr/testify/require"
)

type fakeEmitter struct {
	events []model.WorkflowEvent
	traces []model.TraceEvent
}

func (f *fakeEmitter) Emit(e model.WorkflowEvent)      { f.events = append(f.events, e) }
func (f *fakeEmitter) EmitTrace(e model.TraceEvent)    { f.traces = append(f.traces, e) }

func (f *fakeEmitter) hasEvent(eventType string) bool {
	for _, e := range f.events {
		if e.Type == eventType {
			return true
		}
	}
	return false
}

type fakeResources struct {
	completedRunID string
	failedRunID    string
}

func (f *fakeResources) CompleteRun(ctx context.Context, runID string, output map[string]any) error {
	f.completedRunID = runID
	return nil
}
func (f *fakeResources) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	if status == model.RunFailed {
		f.failedRunID = runID
	}
	return nil
}

func newEngine(t *testing.T) (*applier.Engine, *store.Store, *fakeEmitter) {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	emitter := &fakeEmitter{}
	return &applier.Engine{
		Store:     s,
		Emitter:   emitter,
		Resources: &fakeResources{},
	}, s, emitter
}

func seedRun(t *testing.T, s *store.Store, runID string) {
	t.Helper()
	now := time.Now()
	require.NoError(t, s.CreateRun(nil, &model.Run{
		RunID: runID, RootRunID: runID, WorkflowID: "wf-1", Status: model.RunRunning,
		Input: map[string]any{}, CreatedAt: now, UpdatedAt: now,
	}))
}

func TestApplyCreateTokenEmitsTokenCreated(t *testing.T) {
	engine, s, emitter := newEngine(t)
	seedRun(t, s, "run-1")

	result, err := engine.Apply(context.Background(), "run-1", []model.Decision{
		{Kind: model.DecisionCreateToken, CreateToken: &model.CreateTokenParams{TokenID: "tok-1", RunID: "run-1", NodeID: "A", PathID: "root"}},
	})
	require.NoError(t, err)
	require.Empty(t, result.Errors)
	require.True(t, emitter.hasEvent(model.EventTokenCreated))

	tok, err := s.GetToken(nil, "tok-1")
	require.NoError(t, err)
	require.Equal(t, model.TokenPending, tok.Status)
}

func TestApplyUpdateTokenStatusGuardsTerminal(t *testing.T) {
	engine, s, _ := newEngine(t)
	seedRun(t, s, "run-1")
	now := time.Now()
	require.NoError(t, s.CreateToken(nil, &model.Token{ID: "tok-1", RunID: "run-1", NodeID: "A", Status: model.TokenCancelled, PathID: "root", CreatedAt: now, UpdatedAt: now}))

	result, err := engine.Apply(context.Background(), "run-1", []model.Decision{
		{Kind: model.DecisionUpdateTokenStatus, TokenID: "tok-1", Status: model.TokenCompleted},
	})
	require.NoError(t, err)
	require.Empty(t, result.Errors)

	tok, err := s.GetToken(nil, "tok-1")
	require.NoError(t, err)
	require.Equal(t, model.TokenCancelled, tok.Status)
}

func TestApplyCompleteWorkflowNotifiesResourcesAndGuardsDoubleCompletion(t *testing.T) {
	engine, s, emitter := newEngine(t)
	seedRun(t, s, "run-1")

	result, err := engine.Apply(context.Background(), "run-1", []model.Decision{
		{Kind: model.DecisionCompleteWorkflow, Output: map[string]any{"result": 2}},
	})
	require.NoError(t, err)
	require.True(t, result.WorkflowComplete)
	require.True(t, emitter.hasEvent(model.EventWorkflowCompleted))
	require.Equal(t, "run-1", engine.Resources.(*fakeResources).completedRunID)

	run, err := s.GetRun(nil, "run-1")
	require.NoError(t, err)
	require.Equal(t, model.RunCompleted, run.Status)

	emitter.events = nil
	second, err := engine.Apply(context.Background(), "run-1", []model.Decision{
		{Kind: model.DecisionCompleteWorkflow, Output: map[string]any{"result": 99}},
	})
	require.NoError(t, err)
	require.False(t, second.WorkflowComplete)
	require.False(t, emitter.hasEvent(model.EventWorkflowCompleted))
}

func TestApplyFailWorkflowCancelsActiveTokens(t *testing.T) {
	engine, s, emitter := newEngine(t)
	seedRun(t, s, "run-1")
	now := time.Now()
	require.NoError(t, s.CreateToken(nil, &model.Token{ID: "tok-1", RunID: "run-1", NodeID: "A", Status: model.TokenExecuting, PathID: "root", CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, s.CreateToken(nil, &model.Token{ID: "tok-2", RunID: "run-1", NodeID: "B", Status: model.TokenWaitingForSiblings, PathID: "root", CreatedAt: now, UpdatedAt: now}))

	result, err := engine.Apply(context.Background(), "run-1", []model.Decision{
		{Kind: model.DecisionFailWorkflow, ErrorReason: "task failed"},
	})
	require.NoError(t, err)
	require.True(t, result.WorkflowFailed)
	require.True(t, emitter.hasEvent(model.EventWorkflowFailed))

	tok1, _ := s.GetToken(nil, "tok-1")
	tok2, _ := s.GetToken(nil, "tok-2")
	require.Equal(t, model.TokenCancelled, tok1.Status)
	require.Equal(t, model.TokenCancelled, tok2.Status)

	run, err := s.GetRun(nil, "run-1")
	require.NoError(t, err)
	require.Equal(t, model.RunFailed, run.Status)
}

func TestApplyCancelWorkflowLandsCancelledNotFailed(t *testing.T) {
	engine, s, emitter := newEngine(t)
	seedRun(t, s, "run-1")
	now := time.Now()
	require.NoError(t, s.CreateToken(nil, &model.Token{ID: "tok-1", RunID: "run-1", NodeID: "A", Status: model.TokenExecuting, PathID: "root", CreatedAt: now, UpdatedAt: now}))

	result, err := engine.Apply(context.Background(), "run-1", []model.Decision{
		{Kind: model.DecisionCancelWorkflow, ErrorReason: "user requested"},
	})
	require.NoError(t, err)
	require.True(t, result.WorkflowCancelled)
	require.False(t, result.WorkflowFailed)
	require.True(t, emitter.hasEvent(model.EventWorkflowCancelled))
	require.False(t, emitter.hasEvent(model.EventWorkflowFailed))

	tok1, _ := s.GetToken(nil, "tok-1")
	require.Equal(t, model.TokenCancelled, tok1.Status)

	run, err := s.GetRun(nil, "run-1")
	require.NoError(t, err)
	require.Equal(t, model.RunCancelled, run.Status)

	emitter.events = nil
	second, err := engine.Apply(context.Background(), "run-1", []model.Decision{
		{Kind: model.DecisionCancelWorkflow, ErrorReason: "user requested twice"},
	})
	require.NoError(t, err)
	require.False(t, second.WorkflowCancelled)
	require.False(t, emitter.hasEvent(model.EventWorkflowCancelled))
}

func TestApplyActivateFanInIsRejectedByGenericApplier(t *testing.T) {
	engine, s, _ := newEngine(t)
	seedRun(t, s, "run-1")

	result, err := engine.Apply(context.Background(), "run-1", []model.Decision{
		{Kind: model.DecisionActivateFanIn, RunID: "run-1", NodeID: "join", FanInPath: "g1:join"},
	})
	require.NoError(t, err)
	require.Len(t, result.Errors, 1)
}

func TestApplySetContextCreatesNestedState(t *testing.T) {
	engine, s, _ := newEngine(t)
	seedRun(t, s, "run-1")

	_, err := engine.Apply(context.Background(), "run-1", []model.Decision{
		{Kind: model.DecisionSetContext, Namespace: model.NamespaceState, Path: "y", Value: float64(2)},
	})
	require.NoError(t, err)

	state, err := s.GetContext(nil, "run-1", model.NamespaceState)
	require.NoError(t, err)
	require.Equal(t, float64(2), state["y"])
}

type fakeProxy struct {
	cancelled []string
}

func (p *fakeProxy) Start(context.Context, string, bool) error                       { return nil }
func (p *fakeProxy) StartSubworkflow(context.Context, ports.SubworkflowStart) error   { return nil }
func (p *fakeProxy) HandleTaskResult(context.Context, string, map[string]any) error   { return nil }
func (p *fakeProxy) HandleTaskError(context.Context, string, string, string) error    { return nil }
func (p *fakeProxy) HandleSubworkflowResult(context.Context, string, map[string]any) error {
	return nil
}
func (p *fakeProxy) HandleSubworkflowError(context.Context, string, string) error { return nil }
func (p *fakeProxy) Cancel(ctx context.Context, reason string) error {
	p.cancelled = append(p.cancelled, reason)
	return nil
}
func (p *fakeProxy) Alarm(context.Context) error { return nil }

type fakeRegistry struct {
	proxies map[string]*fakeProxy
}

func newFakeRegistry() *fakeRegistry { return &fakeRegistry{proxies: map[string]*fakeProxy{}} }

func (r *fakeRegistry) IDFromName(runID string) (ports.CoordinatorHandle, error) {
	return ports.CoordinatorHandle(runID), nil
}

func (r *fakeRegistry) Get(handle ports.CoordinatorHandle) (ports.CoordinatorProxy, error) {
	p, ok := r.proxies[string(handle)]
	if !ok {
		p = &fakeProxy{}
		r.proxies[string(handle)] = p
	}
	return p, nil
}

func TestApplyFailWorkflowCascadeCancelsSubworkflowWithoutTimeoutBudget(t *testing.T) {
	engine, s, _ := newEngine(t)
	registry := newFakeRegistry()
	engine.Registry = registry
	seedRun(t, s, "run-1")
	now := time.Now()
	require.NoError(t, s.CreateToken(nil, &model.Token{ID: "tok-1", RunID: "run-1", NodeID: "A", Status: model.TokenWaitingForSubworkflow, PathID: "root", CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, s.CreateSubworkflow(nil, &model.Subworkflow{
		RunID: "run-1", ParentTokenID: "tok-1", SubworkflowRunID: "child-run-1",
		Status: model.SubworkflowRunning, TimeoutMs: 0, StartedAt: now, UpdatedAt: now,
	}))

	result, err := engine.Apply(context.Background(), "run-1", []model.Decision{
		{Kind: model.DecisionFailWorkflow, ErrorReason: "task failed"},
	})
	require.NoError(t, err)
	require.True(t, result.WorkflowFailed)

	sw, err := s.GetSubworkflow(nil, "run-1", "tok-1")
	require.NoError(t, err)
	require.Equal(t, model.SubworkflowCancelled, sw.Status)

	proxy, err := registry.Get(ports.CoordinatorHandle("child-run-1"))
	require.NoError(t, err)
	require.Len(t, proxy.(*fakeProxy).cancelled, 1)
}

func TestApplyTimeoutSubworkflowCancelsChildAndFailsParent(t *testing.T) {
	engine, s, emitter := newEngine(t)
	registry := newFakeRegistry()
	engine.Registry = registry
	seedRun(t, s, "run-1")
	now := time.Now()
	require.NoError(t, s.CreateToken(nil, &model.Token{ID: "tok-1", RunID: "run-1", NodeID: "A", Status: model.TokenWaitingForSubworkflow, PathID: "root", CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, s.CreateSubworkflow(nil, &model.Subworkflow{
		RunID: "run-1", ParentTokenID: "tok-1", SubworkflowRunID: "child-run-1",
		Status: model.SubworkflowRunning, TimeoutMs: 1000, StartedAt: now, UpdatedAt: now,
	}))

	result, err := engine.Apply(context.Background(), "run-1", []model.Decision{
		{Kind: model.DecisionTimeoutSubworkflow, RunID: "run-1", TokenID: "tok-1", SubworkflowRunID: "child-run-1", ElapsedMs: 5000, BudgetMs: 1000},
	})
	require.NoError(t, err)
	require.True(t, result.WorkflowFailed)
	require.True(t, emitter.hasEvent(model.EventSubworkflowTimeout))
	require.True(t, emitter.hasEvent(model.EventWorkflowFailed))

	tok, err := s.GetToken(nil, "tok-1")
	require.NoError(t, err)
	require.Equal(t, model.TokenTimedOut, tok.Status)

	sw, err := s.GetSubworkflow(nil, "run-1", "tok-1")
	require.NoError(t, err)
	require.Equal(t, model.SubworkflowCancelled, sw.Status)

	run, err := s.GetRun(nil, "run-1")
	require.NoError(t, err)
	require.Equal(t, model.RunFailed, run.Status)

	proxy, err := registry.Get(ports.CoordinatorHandle("child-run-1"))
	require.NoError(t, err)
	require.Len(t, proxy.(*fakeProxy).cancelled, 1)
}

func TestApplyRetryDispatchIncrementsAttemptAndReturnsTokenToPending(t *testing.T) {
	engine, s, emitter := newEngine(t)
	seedRun(t, s, "run-1")
	now := time.Now()
	require.NoError(t, s.CreateToken(nil, &model.Token{ID: "tok-1", RunID: "run-1", NodeID: "A", Status: model.TokenExecuting, PathID: "root", CreatedAt: now, UpdatedAt: now}))

	result, err := engine.Apply(context.Background(), "run-1", []model.Decision{
		{Kind: model.DecisionRetryDispatch, TokenID: "tok-1", Reason: "task.failed: boom"},
	})
	require.NoError(t, err)
	require.Empty(t, result.Errors)
	require.True(t, emitter.hasEvent(model.EventTokenRetried))

	tok, err := s.GetToken(nil, "tok-1")
	require.NoError(t, err)
	require.Equal(t, model.TokenPending, tok.Status)
	require.Equal(t, 1, tok.Attempt)
}

func TestApplyRetryDispatchGuardsTerminalToken(t *testing.T) {
	engine, s, _ := newEngine(t)
	seedRun(t, s, "run-1")
	now := time.Now()
	require.NoError(t, s.CreateToken(nil, &model.Token{ID: "tok-1", RunID: "run-1", NodeID: "A", Status: model.TokenCancelled, PathID: "root", CreatedAt: now, UpdatedAt: now}))

	result, err := engine.Apply(context.Background(), "run-1", []model.Decision{
		{Kind: model.DecisionRetryDispatch, TokenID: "tok-1"},
	})
	require.NoError(t, err)
	require.Empty(t, result.Errors)

	tok, err := s.GetToken(nil, "tok-1")
	require.NoError(t, err)
	require.Equal(t, model.TokenCancelled, tok.Status)
	require.Equal(t, 0, tok.Attempt)
}

var _ ports.Emitter = (*fakeEmitter)(nil)
var _ ports.ResourcesClient = (*fakeResources)(nil)
var _ ports.CoordinatorRegistry = (*fakeRegistry)(nil)
var _ ports.CoordinatorProxy = (*fakeProxy)(nil)

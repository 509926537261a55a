package coordinator_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/flowcoord/engine/coordinator"
	"github.com/flowcoord/engine/model"
	"github.com/flowcoord/engine/ports"
	"github.com/flowcoord/engine/retry"
	"github.com/flowcoord/engine/store"
	"github.com/stretchr/testify/require"
)

type fakeEmitter struct {
	mu     sync.Mutex
	events []model.WorkflowEvent
}

func (f *fakeEmitter) Emit(e model.WorkflowEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
}
func (f *fakeEmitter) EmitTrace(model.TraceEvent) {}

func (f *fakeEmitter) count(eventType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

// fakeExecutor completes every task immediately, synchronously calling
// back into the owning coordinator from within ExecuteTask so tests
// stay deterministic without sleeping.
type fakeExecutor struct {
	proxy  ports.CoordinatorProxy
	output map[string]any
}

func (f *fakeExecutor) ExecuteTask(ctx context.Context, req ports.TaskRequest) error {
	return f.proxy.HandleTaskResult(ctx, req.TokenID, f.output)
}

// refusingExecutor never resolves a task, for tests exercising error
// paths or timeout sweeps instead of task completion.
type refusingExecutor struct{}

func (refusingExecutor) ExecuteTask(ctx context.Context, req ports.TaskRequest) error { return nil }

// flakyExecutor fails its task's first attempt, then succeeds on
// every subsequent one, for exercising the retry-policy-driven
// re-dispatch path deterministically.
type flakyExecutor struct {
	proxy ports.CoordinatorProxy

	mu    sync.Mutex
	calls int
}

func (f *flakyExecutor) ExecuteTask(ctx context.Context, req ports.TaskRequest) error {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	if n == 1 {
		return f.proxy.HandleTaskError(ctx, req.TokenID, "execution_error", "transient")
	}
	return f.proxy.HandleTaskResult(ctx, req.TokenID, map[string]any{})
}

// onceRetryPolicy retries exactly one attempt with no delay, then
// gives up.
type onceRetryPolicy struct{}

func (onceRetryPolicy) Decide(_ *model.Token, _ *model.Node, _ string, attempt int) retry.Outcome {
	if attempt == 0 {
		return retry.Outcome{Retry: true}
	}
	return retry.Fail
}

type nullRegistry struct{}

func (nullRegistry) IDFromName(runID string) (ports.CoordinatorHandle, error) {
	return ports.CoordinatorHandle(runID), nil
}
func (nullRegistry) Get(h ports.CoordinatorHandle) (ports.CoordinatorProxy, error) {
	return nil, model.ErrRunNotFound
}

func newCoordinator(t *testing.T, def *model.WorkflowDef, run *model.Run, executorOutput map[string]any) (*coordinator.Coordinator, *store.Store, *fakeEmitter) {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	now := time.Now()
	run.CreatedAt, run.UpdatedAt = now, now
	require.NoError(t, s.CreateRun(nil, run))

	emitter := &fakeEmitter{}
	defs := coordinator.NewStoreDefinitions(s, []*model.WorkflowDef{def})

	c := coordinator.New(s, defs, nil, emitter, nil, nullRegistry{}, nil)
	c.Executor = &fakeExecutor{proxy: c, output: executorOutput}
	return c, s, emitter
}

func TestLinearHappyPathCompletesWorkflow(t *testing.T) {
	def := &model.WorkflowDef{
		ID: "wf-linear", InitialNodeID: "A",
		Nodes: []*model.Node{
			{ID: "A", TaskID: "task-a", OutputMapping: map[string]string{"state.greeting": "$.greeting"}},
			{ID: "B"},
		},
		Transitions: []*model.Transition{
			{ID: "t-ab", FromNodeID: "A", ToNodeID: "B"},
		},
		WorkflowOutputMapping: map[string]string{"greeting": "$.state.greeting"},
	}
	run := &model.Run{RunID: "run-1", RootRunID: "run-1", WorkflowID: "wf-linear", Status: model.RunRunning, Input: map[string]any{}}

	c, s, emitter := newCoordinator(t, def, run, map[string]any{"greeting": "hello"})

	err := c.Start(context.Background(), "run-1", false)
	require.NoError(t, err)
	c.Wait()

	updated, err := s.GetRun(nil, "run-1")
	require.NoError(t, err)
	require.Equal(t, model.RunCompleted, updated.Status)
	require.Equal(t, "hello", updated.FinalOutput["greeting"])
	require.Equal(t, 1, emitter.count(model.EventWorkflowCompleted))
}

func TestFanOutFanInAllStrategyMergesBranchOutputs(t *testing.T) {
	spawnCount := 3
	def := &model.WorkflowDef{
		ID: "wf-fanout", InitialNodeID: "A",
		Nodes: []*model.Node{
			{ID: "A"},
			{ID: "branch", TaskID: "task-branch", OutputMapping: map[string]string{"output.v": "$.v"}},
			{ID: "join"},
		},
		Transitions: []*model.Transition{
			{ID: "t-fan", FromNodeID: "A", ToNodeID: "branch", SiblingGroup: "g1", SpawnCount: &spawnCount},
			{ID: "t-join", FromNodeID: "branch", ToNodeID: "join", Sync: &model.SyncSpec{
				Strategy: model.SyncAll, SiblingGroup: "g1",
				Merge: &model.MergeSpec{Source: "_branch.output.v", Target: "state.values", Strategy: model.MergeAppend},
			}},
		},
		WorkflowOutputMapping: map[string]string{"values": "$.state.values"},
	}
	run := &model.Run{RunID: "run-1", RootRunID: "run-1", WorkflowID: "wf-fanout", Status: model.RunRunning, Input: map[string]any{}}

	c, s, _ := newCoordinator(t, def, run, map[string]any{"v": float64(1)})

	err := c.Start(context.Background(), "run-1", false)
	require.NoError(t, err)
	c.Wait()

	updated, err := s.GetRun(nil, "run-1")
	require.NoError(t, err)
	require.Equal(t, model.RunCompleted, updated.Status)

	values, ok := updated.FinalOutput["values"].([]any)
	require.True(t, ok)
	require.Len(t, values, spawnCount)
}

func TestHandleTaskErrorFailsWorkflow(t *testing.T) {
	def := &model.WorkflowDef{
		ID: "wf-err", InitialNodeID: "A",
		Nodes: []*model.Node{{ID: "A", TaskID: "task-a"}},
	}
	run := &model.Run{RunID: "run-1", RootRunID: "run-1", WorkflowID: "wf-err", Status: model.RunRunning, Input: map[string]any{}}

	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	now := time.Now()
	run.CreatedAt, run.UpdatedAt = now, now
	require.NoError(t, s.CreateRun(nil, run))

	emitter := &fakeEmitter{}
	defs := coordinator.NewStoreDefinitions(s, []*model.WorkflowDef{def})
	c := coordinator.New(s, defs, refusingExecutor{}, emitter, nil, nullRegistry{}, nil)

	err = c.Start(context.Background(), "run-1", false)
	require.NoError(t, err)
	c.Wait()

	tokens, err := s.TokensByRun(nil, "run-1")
	require.NoError(t, err)
	require.Len(t, tokens, 1)

	err = c.HandleTaskError(context.Background(), tokens[0].ID, "execution_error", "boom")
	require.NoError(t, err)

	updated, err := s.GetRun(nil, "run-1")
	require.NoError(t, err)
	require.Equal(t, model.RunFailed, updated.Status)
	require.Equal(t, 1, emitter.count(model.EventWorkflowFailed))
}

func TestHandleTaskErrorRetriesThenCompletesWorkflow(t *testing.T) {
	def := &model.WorkflowDef{
		ID: "wf-retry", InitialNodeID: "A",
		Nodes: []*model.Node{{ID: "A", TaskID: "task-a"}},
	}
	run := &model.Run{RunID: "run-1", RootRunID: "run-1", WorkflowID: "wf-retry", Status: model.RunRunning, Input: map[string]any{}}

	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	now := time.Now()
	run.CreatedAt, run.UpdatedAt = now, now
	require.NoError(t, s.CreateRun(nil, run))

	emitter := &fakeEmitter{}
	defs := coordinator.NewStoreDefinitions(s, []*model.WorkflowDef{def})
	c := coordinator.New(s, defs, nil, emitter, nil, nullRegistry{}, nil)
	c.RetryPolicy = onceRetryPolicy{}
	executor := &flakyExecutor{proxy: c}
	c.Executor = executor

	err = c.Start(context.Background(), "run-1", false)
	require.NoError(t, err)
	c.Wait()

	updated, err := s.GetRun(nil, "run-1")
	require.NoError(t, err)
	require.Equal(t, model.RunCompleted, updated.Status)
	require.Equal(t, 2, executor.calls)
	require.Equal(t, 1, emitter.count(model.EventTokenRetried))
	require.Equal(t, 0, emitter.count(model.EventWorkflowFailed))
}

func TestHandleTaskErrorFailsWorkflowOnceRetriesExhausted(t *testing.T) {
	def := &model.WorkflowDef{
		ID: "wf-retry-exhaust", InitialNodeID: "A",
		Nodes: []*model.Node{{ID: "A", TaskID: "task-a"}},
	}
	run := &model.Run{RunID: "run-1", RootRunID: "run-1", WorkflowID: "wf-retry-exhaust", Status: model.RunRunning, Input: map[string]any{}}

	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	now := time.Now()
	run.CreatedAt, run.UpdatedAt = now, now
	require.NoError(t, s.CreateRun(nil, run))

	emitter := &fakeEmitter{}
	defs := coordinator.NewStoreDefinitions(s, []*model.WorkflowDef{def})
	c := coordinator.New(s, defs, refusingExecutor{}, emitter, nil, nullRegistry{}, nil)
	c.RetryPolicy = onceRetryPolicy{}

	err = c.Start(context.Background(), "run-1", false)
	require.NoError(t, err)
	c.Wait()

	tokens, err := s.TokensByRun(nil, "run-1")
	require.NoError(t, err)
	require.Len(t, tokens, 1)

	require.NoError(t, c.HandleTaskError(context.Background(), tokens[0].ID, "execution_error", "boom"))
	c.Wait()
	require.Equal(t, 1, emitter.count(model.EventTokenRetried))

	retried, err := s.GetToken(nil, tokens[0].ID)
	require.NoError(t, err)
	require.Equal(t, 1, retried.Attempt)

	require.NoError(t, c.HandleTaskError(context.Background(), tokens[0].ID, "execution_error", "boom again"))

	updated, err := s.GetRun(nil, "run-1")
	require.NoError(t, err)
	require.Equal(t, model.RunFailed, updated.Status)
	require.Equal(t, 1, emitter.count(model.EventWorkflowFailed))
}

func TestCancelIsIdempotent(t *testing.T) {
	def := &model.WorkflowDef{
		ID: "wf-cancel", InitialNodeID: "A",
		Nodes: []*model.Node{{ID: "A", TaskID: "task-a"}},
	}
	run := &model.Run{RunID: "run-1", RootRunID: "run-1", WorkflowID: "wf-cancel", Status: model.RunRunning, Input: map[string]any{}}

	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	now := time.Now()
	run.CreatedAt, run.UpdatedAt = now, now
	require.NoError(t, s.CreateRun(nil, run))

	emitter := &fakeEmitter{}
	defs := coordinator.NewStoreDefinitions(s, []*model.WorkflowDef{def})
	c := coordinator.New(s, defs, refusingExecutor{}, emitter, nil, nullRegistry{}, nil)

	err = c.Start(context.Background(), "run-1", false)
	require.NoError(t, err)
	c.Wait()

	require.NoError(t, c.Cancel(context.Background(), "user requested"))
	require.NoError(t, c.Cancel(context.Background(), "user requested again"))

	updated, err := s.GetRun(nil, "run-1")
	require.NoError(t, err)
	require.Equal(t, model.RunCancelled, updated.Status)
	require.Equal(t, 1, emitter.count(model.EventWorkflowCancelled))
}

package subworkflow_test

import (
	"context"
	"testing"
	"time"

	"github.com/flowcoord/engine/applier"
	"github.com/flowcoord/engine/model"
	"github.com/flowcoord/engine/planner"
	"github.com/flowcoord/engine/ports"
	"github.com/flowcoord/engine/store"
	"github.com/flowcoord/engine/subworkflow"
	"github.com/stretchr/testify/require"
)

type fakeProxy struct {
	started []ports.SubworkflowStart
	cancels []string
}

func (f *fakeProxy) Start(ctx context.Context, runID string, enableTraceEvents bool) error { return nil }
func (f *fakeProxy) StartSubworkflow(ctx context.Context, req ports.SubworkflowStart) error {
	f.started = append(f.started, req)
	return nil
}
func (f *fakeProxy) HandleTaskResult(ctx context.Context, tokenID string, output map[string]any) error {
	return nil
}
func (f *fakeProxy) HandleTaskError(ctx context.Context, tokenID string, errKind, errMessage string) error {
	return nil
}
func (f *fakeProxy) HandleSubworkflowResult(ctx context.Context, parentTokenID string, output map[string]any) error {
	return nil
}
func (f *fakeProxy) HandleSubworkflowError(ctx context.Context, parentTokenID string, errMessage string) error {
	return nil
}
func (f *fakeProxy) Cancel(ctx context.Context, reason string) error {
	f.cancels = append(f.cancels, reason)
	return nil
}
func (f *fakeProxy) Alarm(ctx context.Context) error { return nil }

type fakeRegistry struct {
	proxy *fakeProxy
}

func (r *fakeRegistry) IDFromName(runID string) (ports.CoordinatorHandle, error) {
	return ports.CoordinatorHandle(runID), nil
}
func (r *fakeRegistry) Get(handle ports.CoordinatorHandle) (ports.CoordinatorProxy, error) {
	return r.proxy, nil
}

func newDispatcher(t *testing.T) (*subworkflow.Dispatcher, *store.Store, *fakeProxy) {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	now := time.Now()
	require.NoError(t, s.CreateRun(nil, &model.Run{
		RunID: "run-1", RootRunID: "run-1", WorkflowID: "wf-1", Status: model.RunRunning,
		Input: map[string]any{}, CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, s.CreateToken(nil, &model.Token{
		ID: "tok-1", RunID: "run-1", NodeID: "N", Status: model.TokenDispatched,
		PathID: "root", CreatedAt: now, UpdatedAt: now,
	}))

	a := &applier.Engine{Store: s}
	proxy := &fakeProxy{}
	d := &subworkflow.Dispatcher{Applier: a, Registry: &fakeRegistry{proxy: proxy}}
	return d, s, proxy
}

func TestStartMarksWaitingAndInvokesChild(t *testing.T) {
	d, s, proxy := newDispatcher(t)
	node := &model.Node{ID: "N", SubworkflowID: "wf-child", InputMapping: map[string]string{"name": "$.input.name"}}
	snapshot := planner.ContextSnapshot{Input: map[string]any{"name": "alice"}}

	err := d.Start(context.Background(), "run-1", "run-1", "tok-1", "proj-1", node, snapshot, 5000)
	require.NoError(t, err)

	require.Len(t, proxy.started, 1)
	require.Equal(t, "wf-child", proxy.started[0].WorkflowID)
	require.Equal(t, "alice", proxy.started[0].Input["name"])
	require.Equal(t, "run-1", proxy.started[0].ParentRunID)
	require.Equal(t, "tok-1", proxy.started[0].ParentTokenID)

	tok, err := s.GetToken(nil, "tok-1")
	require.NoError(t, err)
	require.Equal(t, model.TokenWaitingForSubworkflow, tok.Status)

	sw, err := s.GetSubworkflow(nil, "run-1", "tok-1")
	require.NoError(t, err)
	require.Equal(t, model.SubworkflowRunning, sw.Status)
	require.Equal(t, int64(5000), sw.TimeoutMs)
}

func TestHandleErrorFailsParentWorkflow(t *testing.T) {
	d, s, _ := newDispatcher(t)
	node := &model.Node{ID: "N", SubworkflowID: "wf-child"}
	err := d.Start(context.Background(), "run-1", "run-1", "tok-1", "proj-1", node, planner.ContextSnapshot{}, 0)
	require.NoError(t, err)

	_, err = d.HandleError(context.Background(), "run-1", "tok-1", "child task failed")
	require.NoError(t, err)

	run, err := s.GetRun(nil, "run-1")
	require.NoError(t, err)
	require.Equal(t, model.RunFailed, run.Status)
	require.Equal(t, "child task failed", run.FailureError)
}

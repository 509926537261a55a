package fanengine_test

import (
	"context"
	"testing"
	"time"

	"github.com/flowcoord/engine/applier"
	"github.com/flowcoord/engine/fanengine"
	"github.com/flowcoord/engine/model"
	"github.com/flowcoord/engine/store"
	"github.com/stretchr/testify/require"
)

type fakeEmitter struct{ events []model.WorkflowEvent }

func (f *fakeEmitter) Emit(e model.WorkflowEvent)   { f.events = append(f.events, e) }
func (f *fakeEmitter) EmitTrace(e model.TraceEvent) {}

func (f *fakeEmitter) count(eventType string) int {
	n := 0
	for _, e := range f.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

func newTestEngine(t *testing.T) (*fanengine.Engine, *store.Store, *fakeEmitter) {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	emitter := &fakeEmitter{}
	a := &applier.Engine{Store: s, Emitter: emitter}
	return &fanengine.Engine{Store: s, Applier: a}, s, emitter
}

func seedRunAndOrigin(t *testing.T, s *store.Store, runID string) *model.Token {
	t.Helper()
	now := time.Now()
	require.NoError(t, s.CreateRun(nil, &model.Run{
		RunID: runID, RootRunID: runID, WorkflowID: "wf-1", Status: model.RunRunning,
		Input: map[string]any{}, CreatedAt: now, UpdatedAt: now,
	}))
	origin := &model.Token{ID: "origin", RunID: runID, NodeID: "A", Status: model.TokenCompleted, PathID: "root", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.CreateToken(nil, origin))
	return origin
}

func seedBranch(t *testing.T, s *store.Store, runID, id, group string, idx, total int, status model.TokenStatus) *model.Token {
	t.Helper()
	now := time.Now()
	sg := group
	tok := &model.Token{
		ID: id, RunID: runID, NodeID: "join", Status: status, ParentTokenID: "origin",
		PathID: "root.join." + id, SiblingGroup: &sg, BranchIndex: idx, BranchTotal: total,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.CreateToken(nil, tok))
	return tok
}

func TestActivateFanInAllStrategyWaitsThenActivates(t *testing.T) {
	e, s, emitter := newTestEngine(t)
	runID := "run-1"
	seedRunAndOrigin(t, s, runID)
	seedBranch(t, s, runID, "b0", "g1", 0, 3, model.TokenCompleted)
	seedBranch(t, s, runID, "b1", "g1", 1, 3, model.TokenWaitingForSiblings)
	seedBranch(t, s, runID, "b2", "g1", 2, 3, model.TokenExecuting)

	transition := &model.Transition{
		ID: "t-join", ToNodeID: "join",
		Sync: &model.SyncSpec{Strategy: model.SyncAll, SiblingGroup: "g1"},
	}

	newTokenID, err := e.ActivateFanIn(context.Background(), runID, model.Decision{
		RunID: runID, NodeID: "join", FanInPath: "g1:join", SiblingGroup: "g1",
	}, transition, "b0")
	require.NoError(t, err)
	require.NotEmpty(t, newTokenID)

	b1, _ := s.GetToken(nil, "b1")
	b2, _ := s.GetToken(nil, "b2")
	require.Equal(t, model.TokenCompleted, b1.Status)
	require.Equal(t, model.TokenCancelled, b2.Status)

	newTok, err := s.GetToken(nil, newTokenID)
	require.NoError(t, err)
	require.Nil(t, newTok.SiblingGroup)
	require.Equal(t, 0, newTok.BranchIndex)
	require.Equal(t, 1, newTok.BranchTotal)
	require.Equal(t, "origin", newTok.ParentTokenID)

	require.Equal(t, 1, emitter.count(model.EventFanInCompleted))
}

func TestActivateFanInSecondCallerLosesRace(t *testing.T) {
	e, s, _ := newTestEngine(t)
	runID := "run-1"
	seedRunAndOrigin(t, s, runID)
	seedBranch(t, s, runID, "b0", "g1", 0, 3, model.TokenCompleted)
	seedBranch(t, s, runID, "b1", "g1", 1, 3, model.TokenCompleted)

	transition := &model.Transition{ID: "t-join", ToNodeID: "join", Sync: &model.SyncSpec{Strategy: model.SyncAny, SiblingGroup: "g1"}}
	decision := model.Decision{RunID: runID, NodeID: "join", FanInPath: "g1:join", SiblingGroup: "g1"}

	first, err := e.ActivateFanIn(context.Background(), runID, decision, transition, "b0")
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := e.ActivateFanIn(context.Background(), runID, decision, transition, "b1")
	require.NoError(t, err)
	require.Empty(t, second)

	b1, _ := s.GetToken(nil, "b1")
	require.Equal(t, model.TokenCompleted, b1.Status)
}

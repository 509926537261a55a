// Command demo wires a Coordinator against an in-memory workflow and
// a synthetic task executor, standing in for the host runtime a real
// embedder would provide: task execution, result callbacks, and the
// periodic alarm tick all happen in this one process instead of
// across a network boundary.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/flowcoord/engine/config"
	"github.com/flowcoord/engine/coordinator"
	"github.com/flowcoord/engine/logging"
	"github.com/flowcoord/engine/model"
	"github.com/flowcoord/engine/ports"
	"github.com/flowcoord/engine/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}

	log := logging.NewStdout(cfg.Logging)

	s, err := store.Open(cfg.StorePath)
	if err != nil {
		log.Error("open store", "error", err.Error())
		os.Exit(1)
	}
	defer s.Close()

	def := fanOutWorkflow()
	defs := coordinator.NewStoreDefinitions(s, []*model.WorkflowDef{def})
	emitter := &consoleEmitter{log: log}

	runID := cfg.RunID
	if runID == "" {
		runID = model.NewRunID()
	}
	now := time.Now()
	if err := s.CreateRun(nil, &model.Run{
		RunID: runID, RootRunID: runID, WorkflowID: def.ID, Status: model.RunRunning,
		Input: map[string]any{"seed": 7}, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		log.Error("create run", "error", err.Error())
		os.Exit(1)
	}

	c := coordinator.New(s, defs, nil, emitter, nil, nil, log)
	c.Executor = &simulatedExecutor{proxy: c, log: log}

	sched := cron.New(cron.WithSeconds())
	if _, err := sched.AddFunc("*/1 * * * * *", func() {
		if err := c.Alarm(context.Background()); err != nil {
			log.Warn("alarm sweep failed", "error", err.Error())
		}
	}); err != nil {
		log.Error("schedule alarm", "error", err.Error())
		os.Exit(1)
	}
	sched.Start()
	defer sched.Stop()

	if err := c.Start(context.Background(), runID, cfg.EnableTraceEvents); err != nil {
		log.Error("start run", "runId", runID, "error", err.Error())
		os.Exit(1)
	}
	c.Wait()

	run, err := s.GetRun(nil, runID)
	if err != nil {
		log.Error("load final run state", "error", err.Error())
		os.Exit(1)
	}
	log.Info("run finished", "runId", runID, "status", string(run.Status), "output", run.FinalOutput)
}

// fanOutWorkflow spawns three parallel branches, waits for all of
// them, and appends their outputs into a single list before finishing.
func fanOutWorkflow() *model.WorkflowDef {
	spawnCount := 3
	return &model.WorkflowDef{
		ID:            "demo-fanout",
		InitialNodeID: "start",
		Nodes: []*model.Node{
			{ID: "start"},
			{ID: "work", TaskID: "simulate-work", OutputMapping: map[string]string{"output.value": "$.value"}},
			{ID: "join"},
		},
		Transitions: []*model.Transition{
			{ID: "fan-out", FromNodeID: "start", ToNodeID: "work", SiblingGroup: "branches", SpawnCount: &spawnCount},
			{ID: "fan-in", FromNodeID: "work", ToNodeID: "join", Sync: &model.SyncSpec{
				Strategy:     model.SyncAll,
				SiblingGroup: "branches",
				Merge:        &model.MergeSpec{Source: "_branch.output.value", Target: "state.values", Strategy: model.MergeAppend},
				TimeoutMs:    10_000,
				OnTimeout:    model.OnTimeoutFail,
			}},
		},
		WorkflowOutputMapping: map[string]string{"values": "$.state.values"},
	}
}

// simulatedExecutor stands in for a real task runtime: it "runs" the
// task in a goroutine and reports a result a few milliseconds later,
// exercising the asynchronous handleTaskResult path exactly like a
// networked executor would.
type simulatedExecutor struct {
	proxy ports.CoordinatorProxy
	log   *logging.Logger
}

func (e *simulatedExecutor) ExecuteTask(ctx context.Context, req ports.TaskRequest) error {
	e.log.Debug("executing task", "taskId", req.TaskID, "tokenId", req.TokenID)
	go func() {
		time.Sleep(time.Duration(10+rand.Intn(40)) * time.Millisecond)
		output := map[string]any{"value": rand.Intn(100)}
		if err := e.proxy.HandleTaskResult(ctx, req.TokenID, output); err != nil {
			e.log.Warn("report task result failed", "tokenId", req.TokenID, "error", err.Error())
		}
	}()
	return nil
}

// consoleEmitter prints milestone events through the structured
// logger; trace events are dropped unless debug logging is enabled.
type consoleEmitter struct {
	log *logging.Logger
}

func (e *consoleEmitter) Emit(evt model.WorkflowEvent) {
	e.log.Info("event", "type", evt.Type, "runId", evt.RunID, "nodeId", evt.NodeID, "tokenId", evt.TokenID)
}

func (e *consoleEmitter) EmitTrace(evt model.TraceEvent) {
	e.log.Debug("trace", "type", evt.Type, "runId", evt.RunID, "nodeId", evt.NodeID)
}

// Package planner implements the pure, side-effect-free planner:
// routing, synchronization, completion/output-mapping, and timeout
// decisions. Every function here takes a read-only snapshot and
// returns a model.PlanResult; none of them touch a store. Generalized
// from wave-based execution to token-based routing with fan-out/fan-in.
package planner

import (
	"github.com/flowcoord/engine/condition"
	"github.com/flowcoord/engine/model"
)

// ContextSnapshot is the read-only view of a run's three context
// namespaces the planner evaluates conditions and mappings against.
type ContextSnapshot struct {
	Input  map[string]any
	State  map[string]any
	Output map[string]any
}

// Env adapts the snapshot to condition.Env.
func (c ContextSnapshot) Env() condition.Env {
	return condition.Env{Input: c.Input, State: c.State, Output: c.Output}
}

// SiblingCounts is the live tally of a sibling group's member
// statuses, used by Synchronize to decide whether a strategy is met.
// It is computed by the caller from the store (not by the planner)
// and passed in as part of the snapshot.
type SiblingCounts struct {
	Total        int
	Completed    int // status == completed
	Terminal     int // status == completed || failed
	Waiting      []*model.Token
	InFlight     []*model.Token
}

package model

import "fmt"

// WorkflowDef is the immutable definition of a workflow's graph:
// nodes, transitions, and schemas. One WorkflowDef is shared,
// read-only, by every run of that workflow.
type WorkflowDef struct {
	ID                   string
	Name                 string
	Version              int
	InitialNodeID        string
	Nodes                []*Node
	Transitions          []*Transition
	InputMapping         map[string]string // target path -> "$.<ns>.<path>" source expression
	WorkflowOutputMapping map[string]string
}

// Node is a vertex in the workflow graph, optionally associated with
// a task or a subworkflow.
type Node struct {
	ID            string
	Name          string
	TaskID        string // empty => pass-through node
	TaskVersion   string
	SubworkflowID string // non-empty => this node dispatches a subworkflow instead of a task
	InputMapping  map[string]string
	OutputMapping map[string]string // "state.x" / "output.x" -> "$.<ns>.<path>" source in task result
	OutputSchema  map[string]any    // used to lazily initialize branch tables
	ResourceBindings map[string]string
}

// ForEachConfig resolves a spawn count from a collection in context.
type ForEachConfig struct {
	Collection string // dotted path, e.g. "input.items"
	ItemVar    string
}

// LoopConfig bounds re-entrant traversal of a transition.
type LoopConfig struct {
	MaxIterations int
}

// SyncStrategyKind discriminates the three synchronization strategies
// a transition's incoming fan-in can declare.
type SyncStrategyKind string

const (
	SyncAny  SyncStrategyKind = "any"
	SyncAll  SyncStrategyKind = "all"
	SyncMOfN SyncStrategyKind = "m_of_n"
)

// SyncSpec is the synchronization configuration attached to a
// transition whose target is a fan-in point.
type SyncSpec struct {
	Strategy     SyncStrategyKind
	N            int // only meaningful when Strategy == SyncMOfN
	SiblingGroup string
	Merge        *MergeSpec
	TimeoutMs    int64
	OnTimeout    OnTimeoutPolicy
}

// OnTimeoutPolicy controls what happens when a sync point's timeout
// elapses before enough siblings arrive.
type OnTimeoutPolicy string

const (
	OnTimeoutFail              OnTimeoutPolicy = "fail"
	OnTimeoutProceedAvailable  OnTimeoutPolicy = "proceed_with_available"
)

// MergeStrategyKind discriminates the branch-output merge strategies.
type MergeStrategyKind string

const (
	MergeAppend      MergeStrategyKind = "append"
	MergeCollect     MergeStrategyKind = "collect"
	MergeObject      MergeStrategyKind = "merge_object"
	MergeKeyedBranch MergeStrategyKind = "keyed_by_branch"
	MergeLastWins    MergeStrategyKind = "last_wins"
)

// MergeSpec describes how branch table outputs are folded into the
// shared workflow context at fan-in.
type MergeSpec struct {
	Source   string // e.g. "_branch.output.v"
	Target   string // e.g. "state.vs"
	Strategy MergeStrategyKind
}

// Transition is a directed edge between nodes.
type Transition struct {
	ID           string
	FromNodeID   string
	ToNodeID     string
	Priority     int
	Condition    string // expression over input|state|output; "" always matches
	SpawnCount   *int   // nil => 1, unless ForEach is set
	SiblingGroup string // non-empty => this transition is a fan-out origin
	ForEach      *ForEachConfig
	Sync         *SyncSpec
	Loop         *LoopConfig
}

// IsFanOutOrigin reports whether this transition spawns a sibling
// group.
func (t *Transition) IsFanOutOrigin() bool {
	return t.SiblingGroup != ""
}

// Validate checks structural invariants at definition-load time,
// including the open question this implementation resolves:
// a non-positive static spawnCount is rejected rather than silently
// coerced, because only the "foreach over a non-array" case has a
// specified fallback (spawn count 1).
func (t *Transition) Validate() error {
	if t.ID == "" {
		return &ValidationError{Field: "id", Message: "transition ID is required"}
	}
	if t.FromNodeID == "" {
		return &ValidationError{Field: "from", Message: "transition source node is required"}
	}
	if t.ToNodeID == "" {
		return &ValidationError{Field: "to", Message: "transition target node is required"}
	}
	if t.SpawnCount != nil && t.ForEach == nil && *t.SpawnCount <= 0 {
		return &ValidationError{
			Field:   "spawnCount",
			Message: fmt.Sprintf("must be a positive integer, got %d", *t.SpawnCount),
		}
	}
	if t.Sync != nil {
		if err := t.Sync.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks a synchronization spec's structural invariants.
func (s *SyncSpec) Validate() error {
	switch s.Strategy {
	case SyncAny, SyncAll:
	case SyncMOfN:
		if s.N <= 0 {
			return &ValidationError{Field: "synchronization.mOfN", Message: "N must be positive"}
		}
	default:
		return &ValidationError{Field: "synchronization.strategy", Message: "unknown strategy " + string(s.Strategy)}
	}
	if s.SiblingGroup == "" {
		return &ValidationError{Field: "synchronization.siblingGroup", Message: "siblingGroup is required"}
	}
	if s.OnTimeout == "" {
		s.OnTimeout = OnTimeoutFail
	}
	return nil
}

// Validate checks the whole definition: duplicate node/transition
// ids, dangling references, and each transition's own invariants.
// Mirrors models.Workflow.Validate() in structure (collect ids into a
// set, then cross-check edges against it) but is specific to the
// coordinator's node/transition shape rather than the visual-editor one.
func (w *WorkflowDef) Validate() error {
	if w.ID == "" {
		return &ValidationError{Field: "id", Message: "workflow ID is required"}
	}
	if len(w.Nodes) == 0 {
		return &ValidationError{Field: "nodes", Message: "at least one node is required"}
	}

	nodeIDs := make(map[string]bool, len(w.Nodes))
	for _, n := range w.Nodes {
		if n.ID == "" {
			return &ValidationError{Field: "nodes", Message: "node ID is required"}
		}
		if nodeIDs[n.ID] {
			return &ValidationError{Field: "nodes", Message: "duplicate node ID: " + n.ID}
		}
		nodeIDs[n.ID] = true
	}

	if w.InitialNodeID == "" || !nodeIDs[w.InitialNodeID] {
		return &ValidationError{Field: "initialNodeId", Message: "must reference an existing node"}
	}

	transitionIDs := make(map[string]bool, len(w.Transitions))
	for _, t := range w.Transitions {
		if err := t.Validate(); err != nil {
			return err
		}
		if transitionIDs[t.ID] {
			return &ValidationError{Field: "transitions", Message: "duplicate transition ID: " + t.ID}
		}
		transitionIDs[t.ID] = true
		if !nodeIDs[t.FromNodeID] {
			return &ValidationError{Field: "transitions", Message: "transition references non-existent source node: " + t.FromNodeID}
		}
		if !nodeIDs[t.ToNodeID] {
			return &ValidationError{Field: "transitions", Message: "transition references non-existent target node: " + t.ToNodeID}
		}
	}

	return nil
}

// GetNode finds a node by id, or nil.
func (w *WorkflowDef) GetNode(id string) *Node {
	for _, n := range w.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// TransitionsFrom returns all transitions whose source is nodeID.
func (w *WorkflowDef) TransitionsFrom(nodeID string) []*Transition {
	var out []*Transition
	for _, t := range w.Transitions {
		if t.FromNodeID == nodeID {
			out = append(out, t)
		}
	}
	return out
}

// TransitionsTo returns all transitions whose target is nodeID.
func (w *WorkflowDef) TransitionsTo(nodeID string) []*Transition {
	var out []*Transition
	for _, t := range w.Transitions {
		if t.ToNodeID == nodeID {
			out = append(out, t)
		}
	}
	return out
}

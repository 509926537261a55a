package model

import "time"

// Run is the per-coordinator-instance record of one workflow
// execution.
type Run struct {
	RunID        string
	RootRunID    string
	ParentRunID  string // empty for root runs
	ParentTokenID string // empty for root runs
	WorkflowID   string
	Status       RunStatus
	Input        map[string]any
	FinalOutput  map[string]any
	FailureError string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// IsRoot reports whether this run is its own root (not a subworkflow).
func (r *Run) IsRoot() bool {
	return r.ParentRunID == ""
}

// ContextNamespace names one of the three context namespaces a run
// maintains.
type ContextNamespace string

const (
	NamespaceInput  ContextNamespace = "input"
	NamespaceState  ContextNamespace = "state"
	NamespaceOutput ContextNamespace = "output"
)

// BranchTableEntry is one branch's staged task output, keyed by its
// branchIndex. Store.BranchTableEntries does not record or fill in
// TokenID; it is left empty.
type BranchTableEntry struct {
	TokenID     string
	BranchIndex int
	Output      map[string]any
}

// FanIn is the at-most-one-activation record for one synchronization
// point. FanInPath uniquely identifies it:
// siblingGroup + ":" + targetNodeID.
type FanIn struct {
	RunID              string
	FanInPath          string
	SiblingGroup       string
	TargetNodeID       string
	TransitionID       string
	ActivatedByTokenID string // empty until activated
	CreatedAt          time.Time
}

// Activated reports whether this fan-in has already been claimed.
func (f *FanIn) Activated() bool {
	return f.ActivatedByTokenID != ""
}

// FanInPathOf builds the canonical fan-in path for a sibling group and
// target node. This shape ensures the store's uniqueness constraint
// works for every matched transition sharing a group and target.
func FanInPathOf(siblingGroup, targetNodeID string) string {
	return siblingGroup + ":" + targetNodeID
}

// Subworkflow is the parent-side record of one child run dispatched
// from a parentTokenID.
type Subworkflow struct {
	RunID           string
	ParentTokenID   string
	SubworkflowRunID string
	Status          SubworkflowStatus
	TimeoutMs       int64
	StartedAt       time.Time
	UpdatedAt       time.Time
}

package model

import "time"

// Token is a state-carrying handle for one in-flight execution point
// in a workflow run's graph.
type Token struct {
	ID       string
	RunID    string
	NodeID   string
	Status   TokenStatus

	// ParentTokenID is a weak lineage reference, not an ownership
	// relationship: it is used for tracing and for inheriting
	// iterationCounts into fan-in continuation tokens.
	ParentTokenID string

	// PathID is a dotted lineage path for tracing, e.g.
	// "root.branchNode.1".
	PathID string

	// SiblingGroup identifies the set of tokens spawned by one
	// fan-out transition (and their sync continuation). Nil outside
	// a fan-out.
	SiblingGroup *string

	BranchIndex int
	BranchTotal int

	// Attempt counts retry-policy-driven re-dispatches of this token's
	// node, starting at 0. A retry policy's Decide sees this value as
	// the number of prior failures already absorbed.
	Attempt int

	// IterationCounts maps transition id -> loop iteration count, for
	// loopConfig.maxIterations enforcement.
	IterationCounts map[string]int

	// ArrivedAt is set when the token reaches a synchronization point
	// and is recorded into waiting_for_siblings.
	ArrivedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep-enough copy of the token for snapshot
// isolation in the pure planner (iterationCounts is copied so the
// planner never mutates the store's live map).
func (t *Token) Clone() *Token {
	if t == nil {
		return nil
	}
	clone := *t
	if t.SiblingGroup != nil {
		sg := *t.SiblingGroup
		clone.SiblingGroup = &sg
	}
	if t.ArrivedAt != nil {
		at := *t.ArrivedAt
		clone.ArrivedAt = &at
	}
	clone.IterationCounts = make(map[string]int, len(t.IterationCounts))
	for k, v := range t.IterationCounts {
		clone.IterationCounts[k] = v
	}
	return &clone
}

// SiblingGroupOf returns the sibling group string, or "" if the token
// is not part of a fan-out.
func (t *Token) SiblingGroupOf() string {
	if t.SiblingGroup == nil {
		return ""
	}
	return *t.SiblingGroup
}

// InSiblingGroup reports whether the token belongs to the given
// sibling group.
func (t *Token) InSiblingGroup(group string) bool {
	return t.SiblingGroup != nil && *t.SiblingGroup == group
}

// StrPtr is a small convenience for building *string literals for
// SiblingGroup assignment.
func StrPtr(s string) *string { return &s }

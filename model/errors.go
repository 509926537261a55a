// Package model defines the core data types of the workflow coordinator:
// runs, tokens, context namespaces, branch tables, fan-in records,
// subworkflow records, workflow definitions, and decisions.
package model

import "errors"

// Sentinel errors shared across the coordinator packages.
var (
	ErrRunNotFound         = errors.New("run not found")
	ErrTokenNotFound       = errors.New("token not found")
	ErrNodeNotFound        = errors.New("node not found")
	ErrTransitionNotFound  = errors.New("transition not found")
	ErrDuplicateToken      = errors.New("duplicate token id")
	ErrTerminalToken       = errors.New("token is in a terminal status")
	ErrTerminalRun         = errors.New("run is in a terminal status")
	ErrFanInAlreadyExists  = errors.New("fan-in record already exists")
	ErrFanInLost           = errors.New("fan-in activation race lost")
	ErrInvalidSpawnCount   = errors.New("spawnCount must be a positive integer")
	ErrInvalidDefinition   = errors.New("invalid workflow definition")
	ErrSubworkflowNotFound = errors.New("subworkflow record not found")
)

// ValidationError reports a single field-level problem in a workflow
// definition.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// TokenError carries the run/token identifiers alongside the
// underlying error so callers can log or branch on them.
type TokenError struct {
	RunID   string
	TokenID string
	Err     error
}

func (e *TokenError) Error() string {
	return "token " + e.TokenID + " (run " + e.RunID + "): " + e.Err.Error()
}

func (e *TokenError) Unwrap() error { return e.Err }

// FanInError carries the fan-in path alongside the underlying error.
type FanInError struct {
	FanInPath string
	Err       error
}

func (e *FanInError) Error() string {
	return "fan-in " + e.FanInPath + ": " + e.Err.Error()
}

func (e *FanInError) Unwrap() error { return e.Err }

// SubworkflowError carries the parent token and child run identifiers.
type SubworkflowError struct {
	ParentTokenID string
	SubRunID      string
	Err           error
}

func (e *SubworkflowError) Error() string {
	return "subworkflow " + e.SubRunID + " (parent token " + e.ParentTokenID + "): " + e.Err.Error()
}

func (e *SubworkflowError) Unwrap() error { return e.Err }

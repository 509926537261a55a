package model_test

import (
	"testing"

	"github.com/flowcoord/engine/model"
	"github.com/stretchr/testify/assert"
)

func TestTokenStatusIsTerminal(t *testing.T) {
	terminal := []model.TokenStatus{model.TokenCompleted, model.TokenFailed, model.TokenCancelled, model.TokenTimedOut}
	for _, s := range terminal {
		assert.Truef(t, s.IsTerminal(), "%s should be terminal", s)
	}
	nonTerminal := []model.TokenStatus{model.TokenPending, model.TokenDispatched, model.TokenExecuting, model.TokenWaitingForSiblings, model.TokenWaitingForSubworkflow}
	for _, s := range nonTerminal {
		assert.Falsef(t, s.IsTerminal(), "%s should not be terminal", s)
	}
}

func TestTokenStatusIsActive(t *testing.T) {
	active := []model.TokenStatus{model.TokenPending, model.TokenDispatched, model.TokenExecuting}
	for _, s := range active {
		assert.Truef(t, s.IsActive(), "%s should be active", s)
	}
	inactive := []model.TokenStatus{model.TokenCompleted, model.TokenWaitingForSiblings, model.TokenWaitingForSubworkflow}
	for _, s := range inactive {
		assert.Falsef(t, s.IsActive(), "%s should not be active", s)
	}
}

func TestRunStatusIsTerminal(t *testing.T) {
	assert.True(t, model.RunCompleted.IsTerminal())
	assert.True(t, model.RunFailed.IsTerminal())
	assert.True(t, model.RunCancelled.IsTerminal())
	assert.False(t, model.RunRunning.IsTerminal())
}

func TestSubworkflowStatusIsTerminal(t *testing.T) {
	assert.True(t, model.SubworkflowCompleted.IsTerminal())
	assert.True(t, model.SubworkflowFailed.IsTerminal())
	assert.True(t, model.SubworkflowCancelled.IsTerminal())
	assert.False(t, model.SubworkflowRunning.IsTerminal())
}

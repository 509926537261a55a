package model_test

import (
	"errors"
	"testing"

	"github.com/flowcoord/engine/model"
	"github.com/stretchr/testify/assert"
)

func TestTokenErrorUnwrapsToUnderlyingError(t *testing.T) {
	err := &model.TokenError{RunID: "r1", TokenID: "t1", Err: model.ErrTerminalToken}
	assert.True(t, errors.Is(err, model.ErrTerminalToken))
	assert.Contains(t, err.Error(), "t1")
	assert.Contains(t, err.Error(), "r1")
}

func TestFanInErrorUnwrapsToUnderlyingError(t *testing.T) {
	err := &model.FanInError{FanInPath: "branches:join", Err: model.ErrFanInLost}
	assert.True(t, errors.Is(err, model.ErrFanInLost))
	assert.Contains(t, err.Error(), "branches:join")
}

func TestSubworkflowErrorUnwrapsToUnderlyingError(t *testing.T) {
	err := &model.SubworkflowError{ParentTokenID: "p1", SubRunID: "sub-1", Err: model.ErrSubworkflowNotFound}
	assert.True(t, errors.Is(err, model.ErrSubworkflowNotFound))
	assert.Contains(t, err.Error(), "sub-1")
}

func TestValidationErrorMessage(t *testing.T) {
	err := &model.ValidationError{Field: "spawnCount", Message: "must be positive"}
	assert.Equal(t, "spawnCount: must be positive", err.Error())
}

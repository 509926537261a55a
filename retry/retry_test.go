package retry_test

import (
	"testing"
	"time"

	"github.com/flowcoord/engine/retry"
	"github.com/stretchr/testify/assert"
)

func TestNeverPolicyAlwaysFails(t *testing.T) {
	p := retry.NeverPolicy{}
	outcome := p.Decide(nil, nil, "timeout", 1)
	assert.False(t, outcome.Retry)
}

func TestBackoffPolicyExhaustsAttempts(t *testing.T) {
	p := retry.DefaultBackoffPolicy()
	p.MaxAttempts = 2

	outcome := p.Decide(nil, nil, "timeout", 1)
	assert.True(t, outcome.Retry)

	outcome = p.Decide(nil, nil, "timeout", 2)
	assert.False(t, outcome.Retry)
}

func TestBackoffPolicyExponentialGrowsDelay(t *testing.T) {
	p := &retry.BackoffPolicy{
		MaxAttempts:  10,
		InitialDelay: time.Second,
		MaxDelay:     100 * time.Second,
		Strategy:     retry.BackoffExponential,
	}
	first := p.Decide(nil, nil, "x", 1)
	second := p.Decide(nil, nil, "x", 2)
	assert.Greater(t, second.DelayMs, first.DelayMs)
}

func TestBackoffPolicyRetryableErrorFilter(t *testing.T) {
	p := &retry.BackoffPolicy{
		MaxAttempts:     5,
		InitialDelay:    1000,
		MaxDelay:        5000,
		Strategy:        retry.BackoffConstant,
		RetryableErrors: []string{"rate_limited"},
	}

	outcome := p.Decide(nil, nil, "rate_limited: too many requests", 1)
	assert.True(t, outcome.Retry)

	outcome = p.Decide(nil, nil, "permission_denied", 1)
	assert.False(t, outcome.Retry)
}

// Package retry implements the pluggable retry-policy hook a failed
// task dispatch consults: given (token, node, errorKind, attempt) it
// returns either retry(delayMs) or fail, defaulting to fail.
// Generalized from "how long to wait" to "what decision to make" so
// the coordinator can apply it uniformly regardless of which
// concrete policy a host installs.
package retry

import (
	"math"
	"strings"
	"time"

	"github.com/flowcoord/engine/model"
)

// Outcome is the decision a Policy returns for a single task error.
type Outcome struct {
	Retry   bool
	DelayMs int64
}

// Fail is the zero-value outcome: do not retry.
var Fail = Outcome{Retry: false}

// Policy decides, for one task error, whether the coordinator
// retries dispatch or fails the workflow.
type Policy interface {
	Decide(token *model.Token, node *model.Node, errorKind string, attempt int) Outcome
}

// NeverPolicy always fails, documented default.
type NeverPolicy struct{}

func (NeverPolicy) Decide(*model.Token, *model.Node, string, int) Outcome { return Fail }

// BackoffStrategy mirrors InternalBackoffStrategy's three shapes.
type BackoffStrategy string

const (
	BackoffConstant    BackoffStrategy = "constant"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffExponential BackoffStrategy = "exponential"
)

// BackoffPolicy is an opt-in policy for hosts that want bounded
// retries with a backoff curve, generalizing
// InternalRetryPolicy.GetDelay into a Decide call.
type BackoffPolicy struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	Strategy        BackoffStrategy
	RetryableErrors []string // substrings; empty means "all errors retryable"
}

// DefaultBackoffPolicy mirrors DefaultInternalRetryPolicy's defaults.
func DefaultBackoffPolicy() *BackoffPolicy {
	return &BackoffPolicy{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Strategy:     BackoffExponential,
	}
}

// Decide implements Policy.
func (p *BackoffPolicy) Decide(_ *model.Token, _ *model.Node, errorKind string, attempt int) Outcome {
	if attempt >= p.MaxAttempts {
		return Fail
	}
	if !p.matches(errorKind) {
		return Fail
	}
	return Outcome{Retry: true, DelayMs: p.delay(attempt).Milliseconds()}
}

func (p *BackoffPolicy) matches(errorKind string) bool {
	if len(p.RetryableErrors) == 0 {
		return true
	}
	for _, pattern := range p.RetryableErrors {
		if strings.Contains(errorKind, pattern) {
			return true
		}
	}
	return false
}

func (p *BackoffPolicy) delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	var d time.Duration
	switch p.Strategy {
	case BackoffConstant:
		d = p.InitialDelay
	case BackoffLinear:
		d = p.InitialDelay * time.Duration(attempt)
	case BackoffExponential:
		multiplier := math.Pow(2, float64(attempt-1))
		d = time.Duration(float64(p.InitialDelay) * multiplier)
	default:
		d = p.InitialDelay
	}

	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

package scheduler

import (
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy describes a task's retry budget and exponential backoff shape.
type RetryPolicy struct {
	MaxRetries int           // Retries after the first attempt
	BaseDelay  time.Duration // Delay before the first retry
	Multiplier float64       // Growth factor per retry (0 is treated as 1)
	Jitter     float64       // Optional randomization factor in [0, 1), live schedule only
}

// DefaultRetryPolicy returns the policy used when a task declares none.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		Multiplier: 2.0,
	}
}

// Validate checks the policy parameters.
func (p RetryPolicy) Validate() error {
	switch {
	case p.MaxRetries < 0:
		return errors.New("max retries must be non-negative")
	case p.BaseDelay < 0:
		return errors.New("retry base delay must be non-negative")
	case p.Multiplier < 0:
		return errors.New("retry multiplier must be non-negative")
	case p.Jitter < 0 || p.Jitter >= 1:
		return errors.New("retry jitter must be in [0, 1)")
	}
	return nil
}

// ShouldRetry reports whether another attempt is allowed after attempt
// prior failures.
func (p RetryPolicy) ShouldRetry(attempt int) bool {
	return attempt < p.MaxRetries
}

// NextDelay returns the wait before retrying after attempt prior failed
// attempts: BaseDelay * Multiplier^attempt.
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	mult := p.Multiplier
	if mult == 0 {
		mult = 1
	}
	d := float64(p.BaseDelay) * math.Pow(mult, float64(attempt))
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// BackOff adapts the policy to the backoff package. Each call returns a
// fresh schedule.
func (p RetryPolicy) BackOff() backoff.BackOff {
	return &policyBackOff{policy: p}
}

// policyBackOff walks NextDelay until ShouldRetry says stop.
type policyBackOff struct {
	policy  RetryPolicy
	retries int
}

func (b *policyBackOff) NextBackOff() time.Duration {
	if !b.policy.ShouldRetry(b.retries) {
		return backoff.Stop
	}
	d := b.policy.NextDelay(b.retries)
	b.retries++
	if j := b.policy.Jitter; j > 0 && d > 0 {
		delta := j * float64(d)
		d = time.Duration(float64(d) - delta + rand.Float64()*2*delta)
	}
	return d
}

func (b *policyBackOff) Reset() {
	b.retries = 0
}

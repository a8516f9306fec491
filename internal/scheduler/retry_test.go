package scheduler

import (
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
)

func TestRetryPolicy_NextDelay(t *testing.T) {
	tests := []struct {
		name    string
		policy  RetryPolicy
		attempt int
		want    time.Duration
	}{
		{"first retry", RetryPolicy{BaseDelay: time.Second, Multiplier: 2}, 0, time.Second},
		{"second retry", RetryPolicy{BaseDelay: time.Second, Multiplier: 2}, 1, 2 * time.Second},
		{"fourth retry", RetryPolicy{BaseDelay: time.Second, Multiplier: 2}, 3, 8 * time.Second},
		{"fractional multiplier", RetryPolicy{BaseDelay: 100 * time.Millisecond, Multiplier: 1.5}, 2, 225 * time.Millisecond},
		{"constant", RetryPolicy{BaseDelay: 50 * time.Millisecond, Multiplier: 1}, 5, 50 * time.Millisecond},
		{"zero multiplier is constant", RetryPolicy{BaseDelay: 50 * time.Millisecond}, 3, 50 * time.Millisecond},
		{"zero base", RetryPolicy{Multiplier: 3}, 4, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy.NextDelay(tt.attempt); got != tt.want {
				t.Errorf("NextDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}

func TestRetryPolicy_NextDelayMonotonic(t *testing.T) {
	p := RetryPolicy{BaseDelay: 10 * time.Millisecond, Multiplier: 1.7}
	prev := time.Duration(0)
	for k := 0; k < 20; k++ {
		d := p.NextDelay(k)
		if d < prev {
			t.Fatalf("NextDelay(%d) = %v < NextDelay(%d) = %v", k, d, k-1, prev)
		}
		prev = d
	}
}

func TestRetryPolicy_ShouldRetry(t *testing.T) {
	p := RetryPolicy{MaxRetries: 2}
	for attempt, want := range []bool{true, true, false, false} {
		if got := p.ShouldRetry(attempt); got != want {
			t.Errorf("ShouldRetry(%d) = %v, want %v", attempt, got, want)
		}
	}
	if (RetryPolicy{}).ShouldRetry(0) {
		t.Error("zero policy should not retry")
	}
}

func TestRetryPolicy_Validate(t *testing.T) {
	tests := []struct {
		name    string
		policy  RetryPolicy
		wantErr bool
	}{
		{"default", DefaultRetryPolicy(), false},
		{"zero", RetryPolicy{}, false},
		{"negative retries", RetryPolicy{MaxRetries: -1}, true},
		{"negative delay", RetryPolicy{BaseDelay: -time.Second}, true},
		{"negative multiplier", RetryPolicy{Multiplier: -2}, true},
		{"jitter too large", RetryPolicy{Jitter: 1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRetryPolicy_BackOff(t *testing.T) {
	p := RetryPolicy{MaxRetries: 3, BaseDelay: 100 * time.Millisecond, Multiplier: 2}
	b := p.BackOff()

	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, backoff.Stop}
	for i, w := range want {
		if got := b.NextBackOff(); got != w {
			t.Errorf("NextBackOff() #%d = %v, want %v", i, got, w)
		}
	}

	b.Reset()
	if got := b.NextBackOff(); got != 100*time.Millisecond {
		t.Errorf("after Reset NextBackOff() = %v, want 100ms", got)
	}
}

func TestRetryPolicy_BackOffJitter(t *testing.T) {
	p := RetryPolicy{MaxRetries: 50, BaseDelay: 100 * time.Millisecond, Multiplier: 1, Jitter: 0.5}
	b := p.BackOff()
	for i := 0; i < 50; i++ {
		d := b.NextBackOff()
		if d < 50*time.Millisecond || d > 150*time.Millisecond {
			t.Fatalf("jittered delay %v outside [50ms, 150ms]", d)
		}
	}
	if got := b.NextBackOff(); got != backoff.Stop {
		t.Errorf("expected Stop after budget, got %v", got)
	}
	// Jitter never changes the nominal schedule
	if got := p.NextDelay(0); got != 100*time.Millisecond {
		t.Errorf("NextDelay(0) = %v, want 100ms", got)
	}
}

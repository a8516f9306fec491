package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	"github.com/aristath/pipeline/internal/config"
	"github.com/aristath/pipeline/internal/scheduler"
)

var quiet = slog.New(slog.DiscardHandler)

func testBreakers(trip uint32) *BreakerRegistry {
	return NewBreakerRegistry(config.BreakerConfig{
		MaxRequests:         1,
		Timeout:             config.Duration(time.Minute),
		ConsecutiveFailures: trip,
	}, quiet)
}

// countingWork returns the configured outcome and counts calls.
type countingWork struct {
	calls  atomic.Int32
	result scheduler.Result
	err    error
}

func (w *countingWork) Invoke(ctx context.Context, task *scheduler.Task, inputs map[string]any) (scheduler.Result, error) {
	w.calls.Add(1)
	return w.result, w.err
}

func TestBreakerRegistry_PerKind(t *testing.T) {
	r := testBreakers(2)

	if r.Get("bureau") != r.Get("bureau") {
		t.Error("expected the same breaker for the same kind")
	}
	if r.Get("bureau") == r.Get("scoring") {
		t.Error("expected separate breakers per kind")
	}
}

// TestGuard_TripsAfterConsecutiveFailures verifies that an open breaker rejects calls with ErrCircuitOpen.
func TestGuard_TripsAfterConsecutiveFailures(t *testing.T) {
	r := testBreakers(2)
	w := &countingWork{err: errors.New("connection refused")}
	guarded := r.Guard(w.Invoke)
	task := &scheduler.Task{ID: "score", Kind: "scoring"}

	for i := 0; i < 2; i++ {
		if _, err := guarded(context.Background(), task, nil); err == nil || errors.Is(err, scheduler.ErrCircuitOpen) {
			t.Fatalf("call %d: expected plain work error, got %v", i+1, err)
		}
	}
	if r.State("scoring") != gobreaker.StateOpen {
		t.Fatalf("expected open breaker, got %s", r.State("scoring"))
	}

	_, err := guarded(context.Background(), task, nil)
	if !errors.Is(err, scheduler.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if got := w.calls.Load(); got != 2 {
		t.Errorf("work called %d times, want 2", got)
	}

	// Other kinds are unaffected
	if r.State("bureau") != gobreaker.StateClosed {
		t.Errorf("bureau breaker = %s, want closed", r.State("bureau"))
	}
}

// TestGuard_UnsuccessfulResultCountsAsFailure verifies envelope failures trip the breaker but pass through unchanged.
func TestGuard_UnsuccessfulResultCountsAsFailure(t *testing.T) {
	r := testBreakers(1)
	w := &countingWork{result: scheduler.Result{Success: false, Error: "bad request"}}
	guarded := r.Guard(w.Invoke)

	res, err := guarded(context.Background(), &scheduler.Task{ID: "a", Kind: "bureau"}, nil)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if res.Success || res.Error != "bad request" {
		t.Errorf("result not passed through: %+v", res)
	}
	if r.State("bureau") != gobreaker.StateOpen {
		t.Errorf("expected breaker to open, got %s", r.State("bureau"))
	}
}

// TestGuard_CancellationDoesNotTrip verifies run cancellation is not held against the kind.
func TestGuard_CancellationDoesNotTrip(t *testing.T) {
	r := testBreakers(1)
	w := &countingWork{err: context.Canceled}
	guarded := r.Guard(w.Invoke)

	for i := 0; i < 3; i++ {
		_, err := guarded(context.Background(), &scheduler.Task{ID: "a", Kind: "bureau"}, nil)
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	}
	if r.State("bureau") != gobreaker.StateClosed {
		t.Errorf("breaker = %s, want closed", r.State("bureau"))
	}
}

func TestGuard_Success(t *testing.T) {
	r := testBreakers(1)
	w := &countingWork{result: scheduler.Result{Success: true, Data: map[string]any{"score": 700}}}

	res, err := r.Guard(w.Invoke)(context.Background(), &scheduler.Task{ID: "a", Kind: "scoring"}, nil)
	if err != nil || !res.Success || res.Data["score"] != 700 {
		t.Errorf("unexpected outcome: %+v, %v", res, err)
	}
}

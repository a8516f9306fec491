package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sony/gobreaker"

	"github.com/aristath/pipeline/internal/config"
	"github.com/aristath/pipeline/internal/scheduler"
)

// errUnsuccessful marks a well-formed but unsuccessful result so the
// breaker counts it as a failure.
var errUnsuccessful = errors.New("work reported failure")

// BreakerRegistry manages per-kind circuit breakers.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	cfg      config.BreakerConfig
	logger   *slog.Logger
}

// NewBreakerRegistry creates a new circuit breaker registry.
func NewBreakerRegistry(cfg config.BreakerConfig, logger *slog.Logger) *BreakerRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	return &BreakerRegistry{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		cfg:      cfg,
		logger:   logger,
	}
}

// Get returns the circuit breaker for the given kind.
// Creates a new one if it doesn't exist.
func (r *BreakerRegistry) Get(kind string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[kind]; ok {
		return cb
	}

	trip := r.cfg.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        kind,
		MaxRequests: r.cfg.MaxRequests, // Probes allowed in half-open state
		Interval:    0,                 // Don't clear counts automatically
		Timeout:     r.cfg.Timeout.Std(),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= trip
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.logger.Warn("circuit breaker state change",
				slog.String("kind", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
		IsSuccessful: func(err error) bool {
			// Run cancellation says nothing about the kind's health
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	r.breakers[kind] = cb
	return cb
}

// State returns the current state of a kind's breaker.
func (r *BreakerRegistry) State(kind string) gobreaker.State {
	return r.Get(kind).State()
}

// Guard wraps work so every attempt passes through the breaker of the
// task's kind. While a breaker is open, attempts fail immediately with an
// error wrapping scheduler.ErrCircuitOpen. The scheduler counts that as a
// failed attempt and retries within the task's budget.
func (r *BreakerRegistry) Guard(work scheduler.WorkFunc) scheduler.WorkFunc {
	return func(ctx context.Context, task *scheduler.Task, inputs map[string]any) (scheduler.Result, error) {
		var res scheduler.Result
		_, err := r.Get(task.Kind).Execute(func() (interface{}, error) {
			out, err := work(ctx, task, inputs)
			res = out
			if err != nil {
				return nil, err
			}
			if !out.Success {
				return nil, errUnsuccessful
			}
			return nil, nil
		})

		switch {
		case err == nil:
			return res, nil
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return scheduler.Result{}, fmt.Errorf("%w: kind %q: %v", scheduler.ErrCircuitOpen, task.Kind, err)
		case errors.Is(err, errUnsuccessful):
			return res, nil
		default:
			return res, err
		}
	}
}

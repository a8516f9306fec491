package events

import (
	"errors"
	"time"

	"github.com/aristath/pipeline/internal/scheduler"
)

// Bridge converts ledger transitions and level boundaries of one run into
// bus events. Register OnTransition with Ledger.SetObserver and OnLevel with
// scheduler.WithLevelObserver.
type Bridge struct {
	bus    *EventBus
	ledger *scheduler.Ledger
	now    func() time.Time
}

// NewBridge creates a bridge publishing to bus.
func NewBridge(bus *EventBus, l *scheduler.Ledger) *Bridge {
	return &Bridge{bus: bus, ledger: l, now: time.Now}
}

// OnTransition publishes the task event matching a ledger transition,
// followed by a progress update.
func (b *Bridge) OnTransition(from scheduler.Status, rec scheduler.ExecutionRecord) {
	now := b.now()

	switch rec.Status {
	case scheduler.StatusRunning:
		if from != scheduler.StatusPending {
			return
		}
		b.bus.Emit(TaskStartedEvent{ID: rec.TaskID, Kind: rec.Kind, Level: rec.Level, Timestamp: now})
	case scheduler.StatusRetrying:
		ev := TaskRetryingEvent{ID: rec.TaskID, Attempt: rec.Attempt, Timestamp: now}
		if n := len(rec.History); n > 0 {
			last := rec.History[n-1]
			ev.Backoff = last.Backoff
			if last.Error != nil {
				ev.Reason = last.Error.Reason
				ev.Message = last.Error.Message
			}
		}
		b.bus.Emit(ev)
		return
	case scheduler.StatusCompleted:
		ev := TaskCompletedEvent{ID: rec.TaskID, Attempts: rec.Attempt + 1, Duration: rec.Duration(), Timestamp: now}
		if rec.Result != nil {
			ev.Data = rec.Result.Data
		}
		b.bus.Emit(ev)
	case scheduler.StatusFailed:
		ev := TaskFailedEvent{ID: rec.TaskID, Attempts: rec.Attempt + 1, Duration: rec.Duration(), Timestamp: now}
		if rec.Error != nil {
			ev.Err = rec.Error
		} else {
			ev.Err = errors.New("task failed")
		}
		b.bus.Emit(ev)
	case scheduler.StatusCancelled:
		ev := TaskCancelledEvent{ID: rec.TaskID, CancelledBy: rec.CancelledBy, Timestamp: now}
		if rec.Error != nil {
			ev.Reason = rec.Error.Reason
		}
		b.bus.Emit(ev)
	default:
		return
	}

	b.bus.Emit(b.progress(now))
}

// OnLevel publishes level boundaries.
func (b *Bridge) OnLevel(ev scheduler.LevelEvent) {
	now := b.now()
	if !ev.Settled {
		b.bus.Emit(LevelStartedEvent{Level: ev.Level, Tasks: ev.Tasks, Timestamp: now})
		return
	}

	settled := LevelSettledEvent{Level: ev.Level, Timestamp: now}
	for _, id := range ev.Tasks {
		st, err := b.ledger.Status(id)
		if err != nil {
			continue
		}
		switch st {
		case scheduler.StatusCompleted:
			settled.Completed++
		case scheduler.StatusFailed:
			settled.Failed++
		case scheduler.StatusCancelled:
			settled.Cancelled++
		}
	}
	b.bus.Emit(settled)
	b.bus.Emit(b.progress(now))
}

func (b *Bridge) progress(now time.Time) DAGProgressEvent {
	sum := b.ledger.Summary()
	return DAGProgressEvent{
		Total:     sum.Total,
		Completed: sum.Completed,
		Running:   sum.StatusCounts[scheduler.StatusRunning.String()] + sum.StatusCounts[scheduler.StatusRetrying.String()],
		Failed:    sum.Failed,
		Cancelled: sum.Cancelled,
		Pending:   sum.Pending,
		Timestamp: now,
	}
}

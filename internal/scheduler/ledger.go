package scheduler

import (
	"sort"
	"sync"
	"time"
)

// AttemptRecord describes one execution attempt of a task.
type AttemptRecord struct {
	Attempt   int           `json:"attempt"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   time.Time     `json:"ended_at"`
	Error     *TaskError    `json:"error,omitempty"`
	Backoff   time.Duration `json:"backoff,omitempty"` // delay scheduled after this attempt
}

// ExecutionRecord is the ledger entry for one task in one run.
type ExecutionRecord struct {
	TaskID      string          `json:"task_id"`
	Kind        string          `json:"kind"`
	Level       int             `json:"level"`
	Status      Status          `json:"status"`
	Attempt     int             `json:"attempt"` // 0-based index of the current or last attempt
	StartedAt   time.Time       `json:"started_at,omitzero"`
	EndedAt     time.Time       `json:"ended_at,omitzero"`
	Result      *Result         `json:"result,omitempty"`
	Error       *TaskError      `json:"error,omitempty"`
	CancelledBy string          `json:"cancelled_by,omitempty"`
	History     []AttemptRecord `json:"history,omitempty"`
}

// Duration returns the wall time between the first start and settlement.
func (r ExecutionRecord) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.EndedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

func (r *ExecutionRecord) clone() ExecutionRecord {
	cp := *r
	if r.Result != nil {
		res := *r.Result
		if r.Result.Data != nil {
			res.Data = cloneData(r.Result.Data)
		}
		cp.Result = &res
	}
	cp.Error = cloneTaskError(r.Error)
	if r.History != nil {
		cp.History = make([]AttemptRecord, len(r.History))
		for i, a := range r.History {
			a.Error = cloneTaskError(a.Error)
			cp.History[i] = a
		}
	}
	return cp
}

// transitions lists every legal state machine edge.
var transitions = map[Status][]Status{
	StatusPending:  {StatusRunning, StatusCancelled},
	StatusRunning:  {StatusCompleted, StatusRetrying, StatusFailed, StatusCancelled},
	StatusRetrying: {StatusRunning, StatusCancelled},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Observer is notified after every transition with a copy of the new record.
// It runs on the transitioning goroutine after the ledger lock is released.
type Observer func(from Status, rec ExecutionRecord)

// Ledger is the concurrency-safe store of execution records for one run.
type Ledger struct {
	mu       sync.RWMutex
	records  map[string]*ExecutionRecord
	order    []string
	observer Observer
}

// NewLedger creates a ledger with one Pending record per task in the graph.
func NewLedger(g *Graph) *Ledger {
	l := &Ledger{
		records: make(map[string]*ExecutionRecord, g.Len()),
		order:   append([]string(nil), g.order...),
	}
	for _, id := range g.order {
		task := g.tasks[id]
		l.records[id] = &ExecutionRecord{
			TaskID: id,
			Kind:   task.Kind,
			Level:  g.levelOf[id],
			Status: StatusPending,
		}
	}
	return l
}

// SetObserver installs a transition observer. Call it before execution.
func (l *Ledger) SetObserver(fn Observer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observer = fn
}

// Get returns a copy of the record for id.
func (l *Ledger) Get(id string) (ExecutionRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rec, ok := l.records[id]
	if !ok {
		return ExecutionRecord{}, &UnknownTaskError{ID: id}
	}
	return rec.clone(), nil
}

// Status returns the current status of id.
func (l *Ledger) Status(id string) (Status, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rec, ok := l.records[id]
	if !ok {
		return 0, &UnknownTaskError{ID: id}
	}
	return rec.Status, nil
}

// Output returns the result data of a Completed task.
func (l *Ledger) Output(id string) (map[string]any, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rec, ok := l.records[id]
	if !ok {
		return nil, &UnknownTaskError{ID: id}
	}
	if rec.Status != StatusCompleted || rec.Result == nil {
		return nil, &InvalidTaskError{Task: id, Reason: "output requested before completion (status " + rec.Status.String() + ")"}
	}
	return rec.Result.Data, nil
}

// Transition moves id to status to and then applies fn (which may be nil)
// to the record while the lock is held. An illegal edge or unknown id is a
// scheduler bug and panics with *InvalidTransitionError.
func (l *Ledger) Transition(id string, to Status, fn func(*ExecutionRecord)) {
	l.mu.Lock()
	rec, ok := l.records[id]
	if !ok {
		l.mu.Unlock()
		panic(&InvalidTransitionError{ID: id, To: to})
	}
	from := rec.Status
	if !CanTransition(from, to) {
		l.mu.Unlock()
		panic(&InvalidTransitionError{ID: id, From: from, To: to})
	}
	rec.Status = to
	if fn != nil {
		fn(rec)
	}
	observer := l.observer
	var snap ExecutionRecord
	if observer != nil {
		snap = rec.clone()
	}
	l.mu.Unlock()

	if observer != nil {
		observer(from, snap)
	}
}

// Update applies fn to a record without changing its status. It is used for
// bookkeeping such as attempt history.
func (l *Ledger) Update(id string, fn func(*ExecutionRecord)) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[id]
	if !ok {
		panic(&UnknownTaskError{ID: id})
	}
	fn(rec)
}

// Snapshot returns a point-in-time copy of every record.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(Snapshot, len(l.records))
	for id, rec := range l.records {
		out[id] = rec.clone()
	}
	return out
}

// IDs returns task IDs in submission order.
func (l *Ledger) IDs() []string {
	return append([]string(nil), l.order...)
}

// Snapshot maps task ID to execution record.
type Snapshot map[string]ExecutionRecord

// Summary is the overall run outcome.
type Summary struct {
	Total          int            `json:"total"`
	Completed      int            `json:"completed"`
	Failed         int            `json:"failed"`
	Cancelled      int            `json:"cancelled"`
	Pending        int            `json:"pending"`
	StatusCounts   map[string]int `json:"status_counts"`
	SuccessRate    float64        `json:"success_rate"`
	ExecutionOrder []string       `json:"execution_order"` // tasks in the order they first started
}

// Succeeded reports whether every task completed.
func (s Summary) Succeeded() bool {
	return s.Total > 0 && s.Completed == s.Total
}

// Summary computes counts and the execution order.
func (s Snapshot) Summary() Summary {
	sum := Summary{
		Total:        len(s),
		StatusCounts: make(map[string]int),
	}

	type started struct {
		id    string
		level int
		at    time.Time
	}
	var ran []started
	for id, rec := range s {
		sum.StatusCounts[rec.Status.String()]++
		switch rec.Status {
		case StatusCompleted:
			sum.Completed++
		case StatusFailed:
			sum.Failed++
		case StatusCancelled:
			sum.Cancelled++
		case StatusPending:
			sum.Pending++
		}
		if !rec.StartedAt.IsZero() {
			ran = append(ran, started{id: id, level: rec.Level, at: rec.StartedAt})
		}
	}
	if sum.Total > 0 {
		sum.SuccessRate = float64(sum.Completed) / float64(sum.Total)
	}

	sort.Slice(ran, func(i, j int) bool {
		if ran[i].level != ran[j].level {
			return ran[i].level < ran[j].level
		}
		if !ran[i].at.Equal(ran[j].at) {
			return ran[i].at.Before(ran[j].at)
		}
		return ran[i].id < ran[j].id
	})
	sum.ExecutionOrder = make([]string, 0, len(ran))
	for _, r := range ran {
		sum.ExecutionOrder = append(sum.ExecutionOrder, r.id)
	}
	return sum
}

// Summary is shorthand for l.Snapshot().Summary().
func (l *Ledger) Summary() Summary {
	return l.Snapshot().Summary()
}

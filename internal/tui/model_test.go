package tui

import (
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/aristath/pipeline/internal/events"
	"github.com/aristath/pipeline/internal/scheduler"
)

func feed(t *testing.T, m Model, msgs ...tea.Msg) Model {
	t.Helper()
	for _, msg := range msgs {
		next, _ := m.Update(msg)
		m = next.(Model)
	}
	return m
}

func TestModel_TracksTaskLifecycle(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Close()

	m := feed(t, New(bus, "credit-review"),
		tea.WindowSizeMsg{Width: 120, Height: 40},
		events.LevelStartedEvent{Level: 0, Tasks: []string{"collect", "prices"}},
		events.TaskStartedEvent{ID: "collect", Kind: "data_collection"},
		events.TaskStartedEvent{ID: "prices", Kind: "data_collection"},
		events.TaskRetryingEvent{ID: "collect", Attempt: 0, Backoff: time.Second, Reason: scheduler.ReasonTimeout, Message: "attempt timed out"},
		events.TaskCompletedEvent{ID: "collect", Attempts: 2, Data: map[string]any{"rows": 12}},
		events.TaskFailedEvent{ID: "prices", Attempts: 1, Err: errors.New("boom")},
		events.TaskCancelledEvent{ID: "score", Reason: scheduler.ReasonUpstreamFailed, CancelledBy: "prices"},
		events.LevelSettledEvent{Level: 0, Completed: 1, Failed: 1},
		events.DAGProgressEvent{Total: 3, Completed: 1, Failed: 1, Cancelled: 1},
	)

	collect, ok := m.taskPane.Task("collect")
	if !ok {
		t.Fatal("collect not tracked")
	}
	if collect.Status != stateCompleted || collect.Attempts != 2 {
		t.Errorf("collect = %s/%d attempts", collect.Status, collect.Attempts)
	}
	log := strings.Join(collect.Log, "\n")
	for _, want := range []string{"attempt 1 failed (timeout)", "retrying in 1s", "rows: 12"} {
		if !strings.Contains(log, want) {
			t.Errorf("collect log missing %q:\n%s", want, log)
		}
	}

	score, ok := m.taskPane.Task("score")
	if !ok || score.Status != stateCancelled {
		t.Errorf("score = %+v", score)
	}
	if !strings.Contains(strings.Join(score.Log, "\n"), "caused by prices") {
		t.Errorf("score log = %v", score.Log)
	}

	if len(m.dagPane.levels) != 1 || !m.dagPane.levels[0].settled {
		t.Errorf("levels = %+v", m.dagPane.levels)
	}
	if m.dagPane.cancelled != 1 || m.dagPane.total != 3 {
		t.Errorf("progress not applied: %+v", m.dagPane)
	}

	view := m.View()
	for _, want := range []string{"credit-review", "Tasks", "DAG Progress", "collect"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestModel_BusClosed(t *testing.T) {
	bus := events.NewEventBus()
	m := New(bus, "p")
	bus.Close()

	msg := m.Init()()
	if _, ok := msg.(busClosedMsg); !ok {
		t.Fatalf("expected busClosedMsg, got %T", msg)
	}

	m = feed(t, m, msg)
	if !m.Done() {
		t.Error("model not done after bus closed")
	}
}

func TestModel_FocusAndSelection(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Close()

	m := feed(t, New(bus, "p"),
		tea.WindowSizeMsg{Width: 100, Height: 30},
		events.TaskStartedEvent{ID: "a"},
		events.TaskStartedEvent{ID: "b"},
		tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("j")},
	)
	if got := m.taskPane.selectedTaskID(); got != "b" {
		t.Errorf("selected = %q, want b", got)
	}

	m = feed(t, m, tea.KeyMsg{Type: tea.KeyTab})
	if m.focusedPane != PaneDAG {
		t.Errorf("focused = %v, want PaneDAG", m.focusedPane)
	}

	// Keys do not move the task selection while the DAG pane is focused
	m = feed(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("k")})
	if got := m.taskPane.selectedTaskID(); got != "b" {
		t.Errorf("selected = %q, want b", got)
	}
}

package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/pipeline/internal/events"
)

// Task display states.
const (
	stateRunning   = "running"
	stateRetrying  = "retrying"
	stateCompleted = "completed"
	stateFailed    = "failed"
	stateCancelled = "cancelled"
)

// TaskState is what the pane knows about a single task.
type TaskState struct {
	TaskID    string
	Kind      string
	Level     int
	Status    string
	Attempts  int
	Log       []string
	StartTime time.Time
	Duration  time.Duration
}

// TaskPaneModel lists tasks in the order they first appeared and shows the
// selected task's log in a scrollable viewport.
type TaskPaneModel struct {
	tasks       map[string]*TaskState // taskID -> state
	taskOrder   []string              // first-seen order for display
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
}

// NewTaskPaneModel creates a new task pane model.
func NewTaskPaneModel() TaskPaneModel {
	return TaskPaneModel{
		tasks:    make(map[string]*TaskState),
		viewport: viewport.New(0, 0),
	}
}

// Update handles messages for the task pane.
func (m TaskPaneModel) Update(msg tea.Msg) (TaskPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.SetSize(msg.Width, msg.Height)

	case tea.KeyMsg:
		if !m.focused {
			break
		}

		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.taskOrder)-1 {
				m.selectedIdx++
				m.updateViewportContent()
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.updateViewportContent()
			}
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.TaskStartedEvent:
		t := m.task(msg.ID)
		t.Kind = msg.Kind
		t.Level = msg.Level
		t.Status = stateRunning
		t.StartTime = msg.Timestamp
		t.appendf("started (kind %s, level %d)", msg.Kind, msg.Level)
		m.refresh(msg.ID)

	case events.TaskRetryingEvent:
		t := m.task(msg.ID)
		t.Status = stateRetrying
		t.Attempts = msg.Attempt + 1
		t.appendf("attempt %d failed (%s): %s", msg.Attempt+1, msg.Reason, msg.Message)
		t.appendf("retrying in %v", msg.Backoff)
		m.refresh(msg.ID)

	case events.TaskCompletedEvent:
		t := m.task(msg.ID)
		t.Status = stateCompleted
		t.Attempts = msg.Attempts
		t.Duration = msg.Duration
		t.appendf("completed in %v after %d attempt(s)", msg.Duration.Round(time.Millisecond), msg.Attempts)
		for _, k := range sortedKeys(msg.Data) {
			t.appendf("  %s: %v", k, msg.Data[k])
		}
		m.refresh(msg.ID)

	case events.TaskFailedEvent:
		t := m.task(msg.ID)
		t.Status = stateFailed
		t.Attempts = msg.Attempts
		t.Duration = msg.Duration
		t.appendf("failed after %d attempt(s): %v", msg.Attempts, msg.Err)
		m.refresh(msg.ID)

	case events.TaskCancelledEvent:
		t := m.task(msg.ID)
		t.Status = stateCancelled
		if msg.CancelledBy != "" {
			t.appendf("cancelled (%s, caused by %s)", msg.Reason, msg.CancelledBy)
		} else {
			t.appendf("cancelled (%s)", msg.Reason)
		}
		m.refresh(msg.ID)
	}

	return m, cmd
}

// task returns the state for id, adding it on first sight.
func (m *TaskPaneModel) task(id string) *TaskState {
	if t, ok := m.tasks[id]; ok {
		return t
	}
	t := &TaskState{TaskID: id}
	m.tasks[id] = t
	m.taskOrder = append(m.taskOrder, id)
	return t
}

// refresh redraws the viewport if id is the selected task.
func (m *TaskPaneModel) refresh(id string) {
	if len(m.taskOrder) == 1 {
		m.selectedIdx = 0
	}
	if m.selectedTaskID() == id {
		m.updateViewportContent()
	}
}

func (t *TaskState) appendf(format string, args ...any) {
	t.Log = append(t.Log, fmt.Sprintf(format, args...))
}

// View renders the task pane.
func (m TaskPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	listWidth := 25
	viewportWidth := m.width - listWidth - 4

	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderTaskList(listWidth),
		lipgloss.NewStyle().
			Width(viewportWidth).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}

	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

// renderTaskList renders the task list column.
func (m TaskPaneModel) renderTaskList(width int) string {
	var b strings.Builder

	title := StyleTitle.Render("Tasks")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(width, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.taskOrder) == 0 {
		b.WriteString(StyleStatusPending.Render("Waiting..."))
	} else {
		for i, id := range m.taskOrder {
			name := id
			if len(name) > width-6 {
				name = name[:width-9] + "..."
			}

			line := fmt.Sprintf("%s %s", StatusIcon(m.tasks[id].Status), name)
			if i == m.selectedIdx {
				line = StyleSelected.Render(line)
			}
			b.WriteString(line)
			b.WriteString("\n")
		}
	}

	return lipgloss.NewStyle().
		Width(width).
		Height(m.height - 2).
		Render(b.String())
}

// StatusIcon returns a styled status indicator.
func StatusIcon(status string) string {
	switch status {
	case stateRunning:
		return StyleStatusRunning.Render("●")
	case stateRetrying:
		return StyleStatusRetrying.Render("↻")
	case stateCompleted:
		return StyleStatusComplete.Render("✓")
	case stateFailed:
		return StyleStatusFailed.Render("✗")
	case stateCancelled:
		return StyleStatusCancelled.Render("⊘")
	default:
		return StyleStatusPending.Render("○")
	}
}

// Task returns the state of a task, if it has been seen.
func (m TaskPaneModel) Task(id string) (TaskState, bool) {
	t, ok := m.tasks[id]
	if !ok {
		return TaskState{}, false
	}
	return *t, true
}

func (m TaskPaneModel) selectedTaskID() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.taskOrder) {
		return m.taskOrder[m.selectedIdx]
	}
	return ""
}

// updateViewportContent shows the selected task's log.
func (m *TaskPaneModel) updateViewportContent() {
	t, ok := m.tasks[m.selectedTaskID()]
	if !ok {
		m.viewport.SetContent("Waiting for tasks...")
		return
	}

	m.viewport.SetContent(strings.Join(t.Log, "\n"))
	m.viewport.GotoBottom()
}

// SetSize updates the pane dimensions.
func (m *TaskPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h

	m.viewport.Width = max(w-25-4, 10)
	m.viewport.Height = max(h-4, 5)
}

// SetFocused updates the focus state.
func (m *TaskPaneModel) SetFocused(focused bool) {
	m.focused = focused
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/pipeline/internal/events"
)

// levelState is the display state of one execution level.
type levelState struct {
	tasks     []string
	settled   bool
	completed int
	failed    int
	cancelled int
}

// DAGPaneModel shows overall progress and the state of each level.
type DAGPaneModel struct {
	total     int
	completed int
	running   int
	failed    int
	cancelled int
	pending   int
	levels    []levelState
	width     int
	height    int
	focused   bool
}

// NewDAGPaneModel creates a new DAG pane model.
func NewDAGPaneModel() DAGPaneModel {
	return DAGPaneModel{}
}

// Update handles messages for the DAG pane.
func (m DAGPaneModel) Update(msg tea.Msg) (DAGPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case events.DAGProgressEvent:
		m.total = msg.Total
		m.completed = msg.Completed
		m.running = msg.Running
		m.failed = msg.Failed
		m.cancelled = msg.Cancelled
		m.pending = msg.Pending

	case events.LevelStartedEvent:
		lv := m.level(msg.Level)
		lv.tasks = append([]string(nil), msg.Tasks...)

	case events.LevelSettledEvent:
		lv := m.level(msg.Level)
		lv.settled = true
		lv.completed = msg.Completed
		lv.failed = msg.Failed
		lv.cancelled = msg.Cancelled
	}

	return m, nil
}

// level returns level i, growing the slice as needed.
func (m *DAGPaneModel) level(i int) *levelState {
	for len(m.levels) <= i {
		m.levels = append(m.levels, levelState{})
	}
	return &m.levels[i]
}

// View renders the DAG pane.
func (m DAGPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder

	title := StyleTitle.Render("DAG Progress")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "Total:     %d\n", m.total)
	fmt.Fprintf(&b, "Completed: %s\n", StyleStatusComplete.Render(fmt.Sprint(m.completed)))
	fmt.Fprintf(&b, "Running:   %s\n", StyleStatusRunning.Render(fmt.Sprint(m.running)))
	fmt.Fprintf(&b, "Failed:    %s\n", StyleStatusFailed.Render(fmt.Sprint(m.failed)))
	fmt.Fprintf(&b, "Cancelled: %s\n", StyleStatusCancelled.Render(fmt.Sprint(m.cancelled)))
	fmt.Fprintf(&b, "Pending:   %s\n", StyleStatusPending.Render(fmt.Sprint(m.pending)))
	b.WriteString("\n")

	if m.total > 0 {
		barWidth := min(m.width-4, 40)
		completedWidth := (m.completed * barWidth) / m.total
		failedWidth := ((m.failed + m.cancelled) * barWidth) / m.total
		runningWidth := (m.running * barWidth) / m.total
		pendingWidth := barWidth - completedWidth - failedWidth - runningWidth

		bar := StyleStatusComplete.Render(strings.Repeat("=", max(0, completedWidth)))
		bar += StyleStatusFailed.Render(strings.Repeat("!", max(0, failedWidth)))
		bar += StyleStatusRunning.Render(strings.Repeat("-", max(0, runningWidth)))
		bar += StyleStatusPending.Render(strings.Repeat(".", max(0, pendingWidth)))

		fmt.Fprintf(&b, "[%s]  %d/%d\n\n", bar, m.completed, m.total)
	}

	for i, lv := range m.levels {
		icon := StatusIcon(stateRunning)
		if lv.settled {
			icon = StatusIcon(stateCompleted)
			if lv.failed+lv.cancelled > 0 {
				icon = StatusIcon(stateFailed)
			}
		}
		fmt.Fprintf(&b, "%s L%d  %s\n", icon, i, strings.Join(lv.tasks, ", "))
	}

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}

	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

// SetSize updates the pane dimensions.
func (m *DAGPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *DAGPaneModel) SetFocused(focused bool) {
	m.focused = focused
}

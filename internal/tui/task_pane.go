package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/wavesched/internal/events"
)

const taskListWidth = 28

// TaskState is what the task pane knows about one task.
type TaskState struct {
	ID        string
	Name      string
	WaveID    string
	Status    string // running, completed, failed, skipped, cancelled
	StartTime time.Time
	Duration  time.Duration
	Err       error
	History   []string
}

// TaskPaneModel shows the tasks seen so far and details of the selected one.
type TaskPaneModel struct {
	tasks       map[string]*TaskState // task ID -> state
	order       []string              // first-seen order for display
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
	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.order)-1 {
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

	case events.TaskEvent:
		m.apply(msg)
		if m.SelectedTaskID() == msg.ID {
			m.updateViewportContent()
		}
	}

	return m, cmd
}

func (m *TaskPaneModel) apply(ev events.TaskEvent) {
	task, exists := m.tasks[ev.ID]
	if !exists {
		task = &TaskState{ID: ev.ID, Name: ev.Name, WaveID: ev.WaveID}
		m.tasks[ev.ID] = task
		m.order = append(m.order, ev.ID)
	}

	stamp := ev.Timestamp.Format("15:04:05.000")
	switch ev.Kind {
	case events.EventTypeTaskStarted:
		task.Status = "running"
		task.StartTime = ev.Timestamp
		task.History = append(task.History, fmt.Sprintf("%s started", stamp))
	case events.EventTypeTaskCompleted:
		task.Status = "completed"
		task.Duration = ev.Duration
		task.History = append(task.History, fmt.Sprintf("%s completed in %v", stamp, ev.Duration))
	case events.EventTypeTaskFailed:
		task.Status = "failed"
		task.Duration = ev.Duration
		task.Err = ev.Err
		task.History = append(task.History, fmt.Sprintf("%s failed after %v: %v", stamp, ev.Duration, ev.Err))
	case events.EventTypeTaskSkipped:
		task.Status = "skipped"
		task.Err = ev.Err
		task.History = append(task.History, fmt.Sprintf("%s skipped: %v", stamp, ev.Err))
	case events.EventTypeTaskCancelled:
		task.Status = "cancelled"
		task.Duration = ev.Duration
		task.History = append(task.History, fmt.Sprintf("%s cancelled", stamp))
	}
}

// View renders the task pane.
func (m TaskPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	viewportWidth := m.width - taskListWidth - 4
	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderTaskList(taskListWidth),
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

func (m TaskPaneModel) renderTaskList(width int) string {
	var b strings.Builder

	title := StyleTitle.Render("Tasks")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(width, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.order) == 0 {
		b.WriteString(StyleStatusPending.Render("Waiting..."))
	}

	// Keep the selection visible when the list is taller than the pane
	visible := max(1, m.height-6)
	start := 0
	if m.selectedIdx >= visible {
		start = m.selectedIdx - visible + 1
	}
	end := min(len(m.order), start+visible)

	for i := start; i < end; i++ {
		task := m.tasks[m.order[i]]
		name := task.Name
		if len(name) > width-4 {
			name = name[:width-7] + "..."
		}
		line := fmt.Sprintf("%s %s", StatusIcon(task.Status), name)
		if i == m.selectedIdx {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return lipgloss.NewStyle().
		Width(width).
		Height(m.height - 2).
		Render(b.String())
}

// SelectedTaskID returns the ID of the selected task, or "".
func (m TaskPaneModel) SelectedTaskID() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.order) {
		return m.order[m.selectedIdx]
	}
	return ""
}

// Task returns the state of one task.
func (m TaskPaneModel) Task(id string) (TaskState, bool) {
	t, ok := m.tasks[id]
	if !ok {
		return TaskState{}, false
	}
	return *t, true
}

// Len returns the number of tasks seen.
func (m TaskPaneModel) Len() int {
	return len(m.order)
}

func (m *TaskPaneModel) updateViewportContent() {
	task, ok := m.tasks[m.SelectedTaskID()]
	if !ok {
		m.viewport.SetContent("Waiting for tasks...")
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", StyleTitle.Render(task.Name))
	fmt.Fprintf(&b, "ID:     %s\n", task.ID)
	fmt.Fprintf(&b, "Wave:   %s\n", task.WaveID)
	fmt.Fprintf(&b, "Status: %s %s\n", StatusIcon(task.Status), task.Status)
	if task.Duration > 0 {
		fmt.Fprintf(&b, "Time:   %v\n", task.Duration.Round(time.Millisecond))
	}
	if task.Err != nil {
		fmt.Fprintf(&b, "Error:  %s\n", StyleStatusFailed.Render(task.Err.Error()))
	}
	b.WriteString("\n")
	b.WriteString(strings.Join(task.History, "\n"))

	m.viewport.SetContent(b.String())
	m.viewport.GotoBottom()
}

func (m *TaskPaneModel) resizeViewport() {
	m.viewport.Width = max(10, m.width-taskListWidth-4)
	m.viewport.Height = max(5, m.height-4)
}

// SetSize updates the pane dimensions.
func (m *TaskPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused updates the focus state.
func (m *TaskPaneModel) SetFocused(focused bool) {
	m.focused = focused
}

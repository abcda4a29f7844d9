package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/wavesched/internal/events"
)

// ProgressPaneModel shows run-level counts, a progress bar, the ETA and the
// current throttle.
type ProgressPaneModel struct {
	bar progress.Model

	runID     string
	waves     int
	workers   int
	progress  events.ProgressEvent
	limit     int
	health    float64
	throttled bool // A health source is driving the limit

	finished bool
	status   string
	elapsed  time.Duration
	speedup  float64

	width   int
	height  int
	focused bool
}

// NewProgressPaneModel creates a new progress pane model.
func NewProgressPaneModel() ProgressPaneModel {
	return ProgressPaneModel{
		bar: progress.New(progress.WithDefaultGradient(), progress.WithoutPercentage()),
	}
}

// Update handles messages for the progress pane.
func (m ProgressPaneModel) Update(msg tea.Msg) (ProgressPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case events.RunStartedEvent:
		m.runID = msg.Run
		m.waves = msg.Waves
		m.workers = msg.Workers
		m.limit = msg.Workers
		m.progress = events.ProgressEvent{Run: msg.Run, Total: msg.Tasks, Pending: msg.Tasks}
		m.finished = false

	case events.ProgressEvent:
		m.progress = msg

	case events.ThrottleEvent:
		m.limit = msg.Limit
		m.workers = msg.Workers
		m.health = msg.Health
		m.throttled = msg.Limit != msg.Workers || msg.Health > 0

	case events.RunFinishedEvent:
		m.finished = true
		m.status = msg.Status
		m.elapsed = msg.Duration
		m.speedup = msg.Speedup
		m.progress.Total = msg.Total
		m.progress.Completed = msg.Completed
		m.progress.Failed = msg.Failed
		m.progress.Skipped = msg.Skipped
		m.progress.Cancelled = msg.Cancelled
		m.progress.Pending = 0
		m.progress.Running = 0
		m.progress.Percent = 100
	}

	return m, nil
}

// View renders the progress pane.
func (m ProgressPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder
	p := m.progress

	title := StyleTitle.Render("Run Progress")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	if m.runID != "" {
		fmt.Fprintf(&b, "Run:       %s (%d waves)\n", m.runID, m.waves)
	}
	fmt.Fprintf(&b, "Total:     %d\n", p.Total)
	fmt.Fprintf(&b, "Completed: %s\n", StyleStatusComplete.Render(fmt.Sprintf("%d", p.Completed)))
	fmt.Fprintf(&b, "Running:   %s\n", StyleStatusRunning.Render(fmt.Sprintf("%d", p.Running)))
	fmt.Fprintf(&b, "Failed:    %s\n", StyleStatusFailed.Render(fmt.Sprintf("%d", p.Failed)))
	fmt.Fprintf(&b, "Skipped:   %s\n", StyleStatusSkipped.Render(fmt.Sprintf("%d", p.Skipped)))
	if p.Cancelled > 0 {
		fmt.Fprintf(&b, "Cancelled: %s\n", StyleStatusCancelled.Render(fmt.Sprintf("%d", p.Cancelled)))
	}
	fmt.Fprintf(&b, "Pending:   %s\n", StyleStatusPending.Render(fmt.Sprintf("%d", p.Pending)))
	b.WriteString("\n")

	if p.Total > 0 {
		m.bar.Width = min(max(10, m.width-16), 50)
		fmt.Fprintf(&b, "%s %5.1f%%\n", m.bar.ViewAs(p.Percent/100), p.Percent)
	}

	switch {
	case m.finished:
		fmt.Fprintf(&b, "Finished:  %s in %v (speed-up %.2fx)\n", m.status, m.elapsed.Round(time.Millisecond), m.speedup)
	case p.ETAKnown:
		fmt.Fprintf(&b, "ETA:       %v\n", p.ETA.Round(100*time.Millisecond))
	default:
		b.WriteString("ETA:       unknown\n")
	}

	if m.workers > 0 {
		if m.throttled {
			fmt.Fprintf(&b, "Workers:   %d/%d (health %.2f)\n", m.limit, m.workers, m.health)
		} else {
			fmt.Fprintf(&b, "Workers:   %d\n", m.workers)
		}
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

// Finished reports whether the run-finished event has been seen.
func (m ProgressPaneModel) Finished() bool {
	return m.finished
}

// SetSize updates the pane dimensions.
func (m *ProgressPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *ProgressPaneModel) SetFocused(focused bool) {
	m.focused = focused
}

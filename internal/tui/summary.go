package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/wavesched/internal/scheduler"
)

var styleSummaryBox = lipgloss.NewStyle().
	Border(lipgloss.RoundedBorder()).
	BorderForeground(lipgloss.Color("62")).
	Padding(0, 1)

// RenderSummary renders a finished run for plain (non-interactive) output:
// one line per task in topological order followed by the totals.
func RenderSummary(res *scheduler.ExecutionResult) string {
	if res == nil {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", StyleTitle.Render("Run "+res.RunID))

	nameWidth := 4
	for _, t := range res.Tasks {
		nameWidth = max(nameWidth, lipgloss.Width(t.Name))
	}

	for _, t := range res.Tasks {
		status := t.Status.String()
		line := fmt.Sprintf("%s %-*s  %-9s", StatusIcon(status), nameWidth, t.Name, status)
		if d := t.Duration(); d > 0 {
			line += fmt.Sprintf("  %8v", d.Round(time.Millisecond))
		}
		if t.Error != nil {
			line += "  " + StyleStatusFailed.Render(t.Error.Error())
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	if len(res.Tasks) > 0 {
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "Status:  %s\n", res.Status)
	fmt.Fprintf(&b, "Tasks:   %d total, %s, %s, %s",
		res.Total,
		StyleStatusComplete.Render(fmt.Sprintf("%d completed", res.Completed)),
		StyleStatusFailed.Render(fmt.Sprintf("%d failed", res.Failed)),
		StyleStatusSkipped.Render(fmt.Sprintf("%d skipped", res.Skipped)),
	)
	if res.Cancelled > 0 {
		b.WriteString(", " + StyleStatusCancelled.Render(fmt.Sprintf("%d cancelled", res.Cancelled)))
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "Elapsed: %v (speed-up %.2fx)", res.Duration.Round(time.Millisecond), res.Speedup)
	if res.Stuck {
		b.WriteString("\n" + StyleStatusSkipped.Render("Remaining tasks were skipped: nothing could run"))
	}
	for _, u := range res.Unresolved {
		fmt.Fprintf(&b, "\nWarning: %s depends on unknown %q", u.TaskID, u.Ref)
	}

	return styleSummaryBox.Render(b.String())
}

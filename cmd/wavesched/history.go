package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
)

func newHistoryCmd(global *globalOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history [RUN_ID]",
		Short: "List recorded runs, or the tasks of one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := global.loadConfig()
			if err != nil {
				return err
			}

			store, err := openHistory(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			if len(args) == 1 {
				tasks, err := store.GetRunTasks(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				t := newTable("TASK", "WAVE", "STATUS", "DURATION", "ERROR")
				for _, task := range tasks {
					var d string
					if !task.StartedAt.IsZero() && !task.EndedAt.IsZero() {
						d = task.EndedAt.Sub(task.StartedAt).Round(time.Millisecond).String()
					}
					t.Row(task.TaskID, task.WaveID, task.Status, d, task.Error)
				}
				fmt.Fprintln(out, t.Render())
				return nil
			}

			runs, err := store.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Fprintln(out, "No runs recorded")
				return nil
			}
			t := newTable("RUN", "SOURCE", "STARTED", "STATUS", "DONE", "FAILED", "SKIPPED", "DURATION")
			for _, r := range runs {
				t.Row(
					r.ID,
					r.Source,
					r.StartedAt.Local().Format("2006-01-02 15:04:05"),
					string(r.Status),
					fmt.Sprintf("%d/%d", r.Completed, r.Total),
					strconv.Itoa(r.Failed),
					strconv.Itoa(r.Skipped),
					r.Duration.Round(time.Millisecond).String(),
				)
			}
			fmt.Fprintln(out, t.Render())
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to list (0 = all)")
	return cmd
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("240"))).
		Headers(headers...)
}

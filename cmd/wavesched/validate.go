package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aristath/wavesched/internal/scheduler"
	"github.com/aristath/wavesched/internal/wavefile"
)

func newValidateCmd(global *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE",
		Short: "Check a wave file and print its execution order",
		Long: `Parse a wave file, build its dependency graph and print the tasks in
topological order. Cycles are reported with every task involved; nothing runs.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := global.loadConfig()
			if err != nil {
				return err
			}
			log := newLogger(cfg, cmd.ErrOrStderr())

			file, err := wavefile.Load(args[0])
			if err != nil {
				return err
			}

			sched := scheduler.New(scheduler.Config{
				StrictDependencies: cfg.Scheduler.StrictDependencies,
				Logger:             log,
			})
			// Payloads are irrelevant to planning
			tasks, graph, err := sched.Plan(file.Build(wavefile.Options{}))
			out := cmd.OutOrStdout()
			if err != nil {
				var cycleErr *scheduler.CycleError
				if errors.As(err, &cycleErr) {
					for _, cycle := range cycleErr.Cycles {
						fmt.Fprintf(out, "cycle: %s\n", strings.Join(cycle, " -> "))
					}
				}
				return err
			}

			byID := make(map[string]*scheduler.Task, len(tasks))
			for _, t := range tasks {
				byID[t.ID] = t
			}
			for i, id := range graph.Order() {
				t := byID[id]
				line := fmt.Sprintf("%3d. %s", i+1, id)
				if deps := graph.Dependencies(id); len(deps) > 0 {
					line += " (after " + strings.Join(deps, ", ") + ")"
				}
				if len(t.Locks) > 0 {
					line += " [locks " + strings.Join(t.Locks, ", ") + "]"
				}
				fmt.Fprintln(out, line)
			}
			for _, u := range graph.Unresolved() {
				fmt.Fprintf(out, "warning: %s depends on unknown %q\n", u.TaskID, u.Ref)
			}
			fmt.Fprintf(out, "%d waves, %d tasks, %d edges\n", len(file.Waves), graph.Len(), graph.Edges())
			return nil
		},
	}
}

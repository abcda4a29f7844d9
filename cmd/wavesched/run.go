package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/aristath/wavesched/internal/command"
	"github.com/aristath/wavesched/internal/config"
	"github.com/aristath/wavesched/internal/events"
	"github.com/aristath/wavesched/internal/history"
	"github.com/aristath/wavesched/internal/resilience"
	"github.com/aristath/wavesched/internal/scheduler"
	"github.com/aristath/wavesched/internal/telemetry"
	"github.com/aristath/wavesched/internal/tui"
	"github.com/aristath/wavesched/internal/wavefile"
)

// errIncomplete is returned when a run finished with failed or skipped tasks.
var errIncomplete = errors.New("run did not complete every task")

type runOptions struct {
	*globalOptions
	workers   int
	health    float64
	factor    float64
	speedup   float64
	useTUI    bool
	jsonOut   bool
	noHistory bool
}

func newRunCmd(global *globalOptions) *cobra.Command {
	opts := &runOptions{globalOptions: global}

	cmd := &cobra.Command{
		Use:   "run FILE",
		Short: "Execute the waves defined in a wave file",
		Long: `Execute every task in a YAML or JSON wave file.

Tasks without a command are simulated: they sleep for the configured base
duration divided by their concurrency factor. The exit status is non-zero when
any task failed, was skipped or was cancelled.

Examples:
  wavesched run waves.yaml
  wavesched run waves.yaml --workers 8 --health 0.4
  wavesched run waves.yaml --tui`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWaves(cmd, opts, args[0])
		},
	}

	f := cmd.Flags()
	f.IntVar(&opts.workers, "workers", 0, "worker pool size (default from config, 0 = one per CPU)")
	f.Float64Var(&opts.health, "health", 1, "static health reading in [0,1] driving the adaptive throttle")
	f.Float64Var(&opts.factor, "factor", 1, "wave concurrency factor used when a wave sets none")
	f.Float64Var(&opts.speedup, "speedup", 1, "total speed-up reported by the estimator")
	f.BoolVar(&opts.useTUI, "tui", false, "show the live terminal UI")
	f.BoolVar(&opts.jsonOut, "json", false, "print the result as JSON")
	f.BoolVar(&opts.noHistory, "no-history", false, "do not record the run in the history database")
	cmd.MarkFlagsMutuallyExclusive("tui", "json")

	return cmd
}

func runWaves(cmd *cobra.Command, opts *runOptions, path string) error {
	ctx := cmd.Context()

	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}

	// The TUI owns the terminal; logs would tear through it.
	logOut := cmd.ErrOrStderr()
	if opts.useTUI {
		logOut = io.Discard
	}
	log := newLogger(cfg, logOut)

	file, err := wavefile.Load(path)
	if err != nil {
		return err
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	pm := command.NewProcessManager()
	waves := file.Build(buildOptions(cfg, filepath.Dir(absPath), pm, log))

	bus := events.NewEventBus()
	defer bus.Close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Signal received: kill every tracked subprocess tree, not just the
	// direct children the cancelled context reaches.
	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctx.Done():
			log.Warn().Msg("shutdown signal received, killing subprocesses")
			if err := pm.KillAll(); err != nil {
				log.Error().Err(err).Msg("error killing subprocesses")
			}
		case <-stopWatch:
		}
	}()

	var metricsDone chan struct{}
	var provider *telemetry.Provider
	if cfg.Telemetry.Enabled {
		provider, err = telemetry.NewProvider("wavesched")
		if err != nil {
			return fmt.Errorf("starting telemetry: %w", err)
		}
		defer provider.Shutdown(context.Background())

		sub := bus.SubscribeAll(1024)
		metricsDone = make(chan struct{})
		go func() {
			defer close(metricsDone)
			provider.Metrics.Consume(context.Background(), sub)
		}()
	}

	sched := scheduler.New(schedulerConfig(cmd, opts, cfg, bus, log))

	var res *scheduler.ExecutionResult
	var runErr error
	if opts.useTUI {
		res, runErr = runWithTUI(runCtx, cancel, sched, waves, bus, cfg, opts.projectPath())
	} else {
		res, runErr = sched.SubmitRun(runCtx, waves)
	}
	if res == nil {
		return runErr
	}

	if cfg.History.Enabled && !opts.noHistory {
		if err := recordHistory(cfg, path, res, log); err != nil {
			log.Error().Err(err).Msg("failed to record run history")
		}
	}

	if provider != nil {
		bus.Close()
		<-metricsDone
		logMetrics(provider, log)
	}

	if opts.jsonOut {
		if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(cmd.OutOrStdout(), tui.RenderSummary(res))
	}

	if runErr != nil {
		return runErr
	}
	if res.Status != scheduler.RunCompleted {
		return fmt.Errorf("%w: %d failed, %d skipped", errIncomplete, res.Failed, res.Skipped)
	}
	return nil
}

func buildOptions(cfg *config.Config, baseDir string, pm *command.ProcessManager, log *zerolog.Logger) wavefile.Options {
	opts := wavefile.Options{
		BaseDir: baseDir,
		Procs:   pm,
		Logger:  log,
	}
	if cfg.Retry.Enabled {
		opts.Retry = &resilience.RetryConfig{
			InitialInterval:     cfg.Retry.InitialInterval.Std(),
			MaxInterval:         cfg.Retry.MaxInterval.Std(),
			MaxElapsedTime:      cfg.Retry.MaxElapsedTime.Std(),
			Multiplier:          cfg.Retry.Multiplier,
			RandomizationFactor: cfg.Retry.RandomizationFactor,
			MaxRetries:          cfg.Retry.MaxRetries,
		}
	}
	if cfg.Breaker.Enabled {
		opts.Breakers = resilience.NewBreakerRegistry(resilience.BreakerConfig{
			MaxFailures: cfg.Breaker.MaxFailures,
			OpenTimeout: cfg.Breaker.OpenTimeout.Std(),
		}, log)
	}
	return opts
}

func schedulerConfig(cmd *cobra.Command, opts *runOptions, cfg *config.Config, bus *events.EventBus, log *zerolog.Logger) scheduler.Config {
	sc := scheduler.Config{
		Workers:            cfg.Scheduler.Workers,
		BaseDuration:       cfg.Scheduler.BaseDuration.Std(),
		PollInterval:       cfg.Scheduler.PollInterval.Std(),
		DisableThrottle:    !cfg.Scheduler.AdaptiveThrottle,
		StrictDependencies: cfg.Scheduler.StrictDependencies,
		Bus:                bus,
		Logger:             log,
		OnTaskFailure: func(task scheduler.Task, err error) {
			log.Error().Str("task", task.ID).Err(err).Msg("task failed")
		},
	}

	flags := cmd.Flags()
	if flags.Changed("workers") {
		sc.Workers = opts.workers
	}
	if flags.Changed("health") {
		sc.Health = scheduler.StaticHealth(opts.health)
	}
	if flags.Changed("factor") || flags.Changed("speedup") {
		sc.Estimator = scheduler.StaticEstimator{Factor: opts.factor, Speedup: opts.speedup}
	}
	return sc
}

// runWithTUI runs the scheduler in the background while the TUI renders its
// events. Quitting the TUI early cancels the run.
func runWithTUI(ctx context.Context, cancel context.CancelFunc, sched *scheduler.Scheduler, waves []scheduler.Wave, bus *events.EventBus, cfg *config.Config, projectPath string) (*scheduler.ExecutionResult, error) {
	globalPath, err := config.GlobalPath()
	if err != nil {
		return nil, err
	}

	model := tui.New(bus, cfg, globalPath, projectPath, cancel)
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))

	type outcome struct {
		res *scheduler.ExecutionResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := sched.SubmitRun(ctx, waves)
		done <- outcome{res, err}
	}()

	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		cancel()
		<-done
		return nil, fmt.Errorf("terminal UI: %w", err)
	}

	out := <-done
	return out.res, out.err
}

func recordHistory(cfg *config.Config, source string, res *scheduler.ExecutionResult, log *zerolog.Logger) error {
	// The run context may already be cancelled; the record must still land.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := openHistory(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.SaveRun(ctx, source, res); err != nil {
		return err
	}
	if cfg.History.Keep > 0 {
		pruned, err := store.PruneRuns(ctx, cfg.History.Keep)
		if err != nil {
			return err
		}
		if pruned > 0 {
			log.Debug().Int("pruned", pruned).Msg("pruned run history")
		}
	}
	log.Debug().Str("run", res.RunID).Msg("run recorded")
	return nil
}

func openHistory(ctx context.Context, cfg *config.Config) (*history.SQLiteStore, error) {
	path, err := config.ExpandHome(cfg.History.Path)
	if err != nil {
		return nil, err
	}
	return history.NewSQLiteStore(ctx, path)
}

func logMetrics(p *telemetry.Provider, log *zerolog.Logger) {
	points, err := p.Snapshot(context.Background())
	if err != nil {
		log.Error().Err(err).Msg("failed to collect metrics")
		return
	}
	for _, pt := range points {
		ev := log.Info().Str("metric", pt.Name).Float64("value", pt.Value)
		if pt.Attrs != "" {
			ev = ev.Str("attrs", pt.Attrs)
		}
		if pt.Count > 0 {
			ev = ev.Uint64("count", pt.Count)
		}
		ev.Msg("metric")
	}
}

// jsonResult is the --json rendering of an ExecutionResult.
type jsonResult struct {
	RunID      string     `json:"run_id"`
	Status     string     `json:"status"`
	Total      int        `json:"total"`
	Completed  int        `json:"completed"`
	Failed     int        `json:"failed"`
	Skipped    int        `json:"skipped"`
	Cancelled  int        `json:"cancelled"`
	Stuck      bool       `json:"stuck,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	DurationMS int64      `json:"duration_ms"`
	Speedup    float64    `json:"speedup"`
	Unresolved []string   `json:"unresolved,omitempty"`
	Tasks      []jsonTask `json:"tasks"`
}

type jsonTask struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	WaveID     string   `json:"wave_id"`
	DependsOn  []string `json:"depends_on,omitempty"`
	Status     string   `json:"status"`
	Result     string   `json:"result,omitempty"`
	Error      string   `json:"error,omitempty"`
	DurationMS int64    `json:"duration_ms"`
}

func writeJSON(w io.Writer, res *scheduler.ExecutionResult) error {
	out := jsonResult{
		RunID:      res.RunID,
		Status:     string(res.Status),
		Total:      res.Total,
		Completed:  res.Completed,
		Failed:     res.Failed,
		Skipped:    res.Skipped,
		Cancelled:  res.Cancelled,
		Stuck:      res.Stuck,
		StartedAt:  res.StartedAt,
		DurationMS: res.Duration.Milliseconds(),
		Speedup:    res.Speedup,
		Tasks:      make([]jsonTask, 0, len(res.Tasks)),
	}
	for _, u := range res.Unresolved {
		out.Unresolved = append(out.Unresolved, u.TaskID+" -> "+u.Ref)
	}
	for _, t := range res.Tasks {
		jt := jsonTask{
			ID:         t.ID,
			Name:       t.Name,
			WaveID:     t.WaveID,
			DependsOn:  t.DependsOn,
			Status:     t.Status.String(),
			DurationMS: t.Duration().Milliseconds(),
		}
		if t.Result != nil {
			jt.Result = fmt.Sprint(t.Result)
		}
		if t.Error != nil {
			jt.Error = t.Error.Error()
		}
		out.Tasks = append(out.Tasks, jt)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

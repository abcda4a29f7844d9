// Package wavefile loads wave definitions from YAML or JSON files.
package wavefile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/aristath/wavesched/internal/command"
	"github.com/aristath/wavesched/internal/resilience"
	"github.com/aristath/wavesched/internal/scheduler"
)

// File is the top-level document of a wave file.
type File struct {
	Waves []WaveSpec `yaml:"waves" json:"waves"`
}

// WaveSpec describes one wave.
type WaveSpec struct {
	ID     string     `yaml:"id" json:"id"`
	Name   string     `yaml:"name,omitempty" json:"name,omitempty"`
	Factor float64    `yaml:"factor,omitempty" json:"factor,omitempty"` // Overrides the estimator's factor when > 0
	Tasks  []TaskSpec `yaml:"tasks" json:"tasks"`
}

// TaskSpec describes one task. A task without a command is simulated.
type TaskSpec struct {
	Name      string            `yaml:"name" json:"name"`
	DependsOn []string          `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Command   []string          `yaml:"command,omitempty" json:"command,omitempty"`
	Dir       string            `yaml:"dir,omitempty" json:"dir,omitempty"`
	Env       map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Locks     []string          `yaml:"locks,omitempty" json:"locks,omitempty"`
	Retry     bool              `yaml:"retry,omitempty" json:"retry,omitempty"`
}

// Load reads and validates a wave file. JSON files are accepted as YAML.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read wave file: %w", err)
	}

	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("wave file %s: %w", path, err)
	}
	return f, nil
}

// Parse decodes and validates a wave document. Unknown keys are rejected.
func Parse(data []byte) (*File, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return &f, nil
		}
		return nil, fmt.Errorf("failed to parse: %w", err)
	}

	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks field-level constraints. Graph-level problems such as
// cycles and duplicate task IDs are reported by the scheduler.
func (f *File) Validate() error {
	var errs []error
	for i, w := range f.Waves {
		if math.IsNaN(w.Factor) || math.IsInf(w.Factor, 0) || w.Factor < 0 {
			errs = append(errs, fmt.Errorf("wave %d (%s): invalid factor %v", i, w.ID, w.Factor))
		}
		for j, t := range w.Tasks {
			if len(t.Command) > 0 && t.Command[0] == "" {
				errs = append(errs, fmt.Errorf("wave %d (%s) task %d (%s): empty program name", i, w.ID, j, t.Name))
			}
			if len(t.Command) == 0 && (t.Dir != "" || len(t.Env) > 0) {
				errs = append(errs, fmt.Errorf("wave %d (%s) task %d (%s): dir/env set without a command", i, w.ID, j, t.Name))
			}
		}
	}
	return errors.Join(errs...)
}

// TaskCount returns the number of task definitions across all waves.
func (f *File) TaskCount() int {
	n := 0
	for _, w := range f.Waves {
		n += len(w.Tasks)
	}
	return n
}

// Options controls how task specs become payloads.
type Options struct {
	BaseDir  string                      // Relative command dirs resolve against this
	Procs    *command.ProcessManager     // Tracks command subprocesses
	Retry    *resilience.RetryConfig     // nil: the retry flag is ignored
	Breakers *resilience.BreakerRegistry // nil: no circuit breaking
	Logger   *zerolog.Logger
}

// Build converts the file into scheduler waves. Tasks with a command get a
// command.Command payload, optionally wrapped in a circuit breaker keyed by
// program name and in retry; the rest stay simulated.
func (f *File) Build(opts Options) []scheduler.Wave {
	waves := make([]scheduler.Wave, 0, len(f.Waves))
	for _, ws := range f.Waves {
		w := scheduler.Wave{
			ID:     ws.ID,
			Name:   ws.Name,
			Factor: ws.Factor,
			Tasks:  make([]scheduler.TaskDef, 0, len(ws.Tasks)),
		}
		for _, ts := range ws.Tasks {
			w.Tasks = append(w.Tasks, scheduler.TaskDef{
				Name:      ts.Name,
				DependsOn: ts.DependsOn,
				Locks:     ts.Locks,
				Payload:   ts.payload(opts),
			})
		}
		waves = append(waves, w)
	}
	return waves
}

func (t TaskSpec) payload(opts Options) scheduler.Payload {
	if len(t.Command) == 0 {
		return nil
	}

	cmd := &command.Command{
		Args:  append([]string(nil), t.Command...),
		Dir:   t.Dir,
		Env:   envList(t.Env),
		Procs: opts.Procs,
	}
	if cmd.Dir != "" && !filepath.IsAbs(cmd.Dir) && opts.BaseDir != "" {
		cmd.Dir = filepath.Join(opts.BaseDir, cmd.Dir)
	}

	var p scheduler.Payload = cmd
	if opts.Breakers != nil {
		p = opts.Breakers.Wrap(filepath.Base(t.Command[0]), p)
	}
	if t.Retry && opts.Retry != nil {
		p = resilience.Retry(p, *opts.Retry, opts.Logger)
	}
	return p
}

// envList renders env in key order so the command line is reproducible.
func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

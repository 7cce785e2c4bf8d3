// Package experiment drives the solver over experiment directories: it
// discovers them, loads and validates their inputs, fits every voxel and
// writes one result volume per parameter next to the inputs.
package experiment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"prfsolve/pkg/config"
	"prfsolve/pkg/coordinator"
	"prfsolve/pkg/fit"
	"prfsolve/pkg/ledger"
	"prfsolve/pkg/logger"
	"prfsolve/pkg/nifti"
	"prfsolve/pkg/prf"
	"prfsolve/pkg/stimulus"
)

// OutputPrefix starts the name of every result file
const OutputPrefix = "out_"

// RunError reports an experiment whose solve step failed. Unlike a
// configuration problem it ends the whole batch.
type RunError struct {
	Dir   string
	Stage string
	Err   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("solving %s failed during %s: %v", e.Dir, e.Stage, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// Options configure a Runner
type Options struct {
	// Precision of the encoded stimulus
	Precision stimulus.Precision

	// ViewingDistance (cm) and Background describe the display
	ViewingDistance float64
	Background      float64

	// Workers, Method and MaxIterations tune the voxel fits. The grid size
	// comes from each experiment's parameters.
	Workers       int
	Method        fit.Method
	MaxIterations int

	// Extension of the written result files
	Extension string

	// Ledger, when set, records every solved experiment and its voxels
	Ledger ledger.Store

	Logger *slog.Logger

	// Progress is forwarded to the coordinator of every experiment
	Progress func(dir string, done, total int)
}

// OptionsFromConfig maps the run configuration onto runner options
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	precision, err := stimulus.ParsePrecision(cfg.Processing.Precision)
	if err != nil {
		return Options{}, err
	}
	method, err := fit.ParseMethod(cfg.Processing.Method)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Precision:       precision,
		ViewingDistance: cfg.Processing.ViewingDistance,
		Background:      cfg.Processing.Background,
		Workers:         cfg.Processing.Workers,
		Method:          method,
		MaxIterations:   cfg.Processing.MaxIterations,
		Extension:       cfg.Output.Extension,
	}, nil
}

// Report describes one solved experiment
type Report struct {
	RunID   string
	Dir     string
	Outputs []string
	Summary coordinator.Summary
}

// Summary describes a whole batch
type Summary struct {
	Discovered int
	Skipped    []string
	Reports    []Report
	Elapsed    time.Duration
}

// Fitted totals the fitted voxels of every solved experiment
func (s *Summary) Fitted() int {
	n := 0
	for _, r := range s.Reports {
		n += r.Summary.Fitted
	}
	return n
}

// Failed totals the failed voxels of every solved experiment
func (s *Summary) Failed() int {
	n := 0
	for _, r := range s.Reports {
		n += r.Summary.Failed
	}
	return n
}

// Runner processes experiment directories one after another
type Runner struct {
	opts Options
	log  *slog.Logger
}

// NewRunner creates a runner. Zero-valued options take their defaults.
func NewRunner(opts Options) *Runner {
	if opts.Extension == "" {
		opts.Extension = ".nii.gz"
	}
	if opts.MaxIterations < 1 {
		opts.MaxIterations = fit.DefaultOptions().MaxIterations
	}
	return &Runner{opts: opts, log: logger.OrDefault(opts.Logger)}
}

// Run discovers and solves every experiment under root, sequentially. An
// experiment with a configuration problem is logged and skipped; one whose
// solve step fails stops the batch with a *RunError.
func (r *Runner) Run(ctx context.Context, root string) (*Summary, error) {
	start := time.Now()
	summary := &Summary{}

	dirs, err := Discover(root)
	if err != nil {
		return summary, &RunError{Dir: root, Stage: "discovery", Err: err}
	}
	summary.Discovered = len(dirs)
	if len(dirs) == 0 {
		r.log.Warn("no experiment directories found", "root", root)
	}

	for _, dir := range dirs {
		r.log.Info("examining experiment", "dir", dir)

		exp, err := r.Load(dir)
		if err != nil {
			var cfgErr *config.ConfigurationError
			if !errors.As(err, &cfgErr) {
				cfgErr = &config.ConfigurationError{Dir: dir, Msg: "could not load experiment", Err: err}
			}
			r.log.Warn("skipping experiment", "dir", dir, "error", cfgErr)
			summary.Skipped = append(summary.Skipped, dir)
			continue
		}

		report, err := r.Solve(ctx, exp)
		if err != nil {
			r.log.Error("experiment failed", "dir", dir, "error", err)
			summary.Elapsed = time.Since(start)
			return summary, err
		}
		summary.Reports = append(summary.Reports, *report)
	}

	summary.Elapsed = time.Since(start)
	return summary, nil
}

// Solve fits every selected voxel of exp and writes the result volumes.
// Any failure is returned as a *RunError.
func (r *Runner) Solve(ctx context.Context, exp *Experiment) (*Report, error) {
	runID := uuid.NewString()
	log := r.log.With("run", runID, "dir", exp.Dir)
	run := ledger.Run{
		ID:         runID,
		Experiment: exp.Dir,
		StartedAt:  time.Now(),
		Status:     ledger.StatusRunning,
	}
	r.record(ctx, log, run, nil)

	log.Info("solving",
		"voxels", exp.Data.SpatialDims(),
		"frames", exp.Data.Frames(),
		"tr", exp.TR,
		"frames_per_tr", exp.FramesPerSample,
		"stimulus_degrees", exp.Stimulus.ExtentDegrees())

	fail := func(stage string, err error) (*Report, error) {
		run.Status = ledger.StatusFailed
		run.FinishedAt = time.Now()
		run.Error = err.Error()
		r.record(ctx, log, run, nil)
		return nil, &RunError{Dir: exp.Dir, Stage: stage, Err: err}
	}

	copts := coordinator.Options{
		Workers: r.opts.Workers,
		Fit: fit.Options{
			GridN:         exp.GridN,
			Method:        r.opts.Method,
			MaxIterations: r.opts.MaxIterations,
		},
		Logger: log,
	}
	if r.opts.Progress != nil {
		copts.Progress = func(done, total int) { r.opts.Progress(exp.Dir, done, total) }
	}

	factory := func() (prf.Model, error) {
		return prf.NewGaussianModel(exp.Stimulus, nil, exp.FramesPerSample)
	}
	out, err := coordinator.New(copts).FitAll(factory, exp.Data, exp.Grid, exp.Bounds, exp.Mask)
	if err != nil {
		return fail("fitting", err)
	}

	report := &Report{RunID: runID, Dir: exp.Dir, Summary: out.Summary}
	for _, name := range out.Names {
		path := filepath.Join(exp.Dir, OutputPrefix+name+r.opts.Extension)
		if err := nifti.Write(path, out.Volumes[name]); err != nil {
			return fail("writing outputs", err)
		}
		report.Outputs = append(report.Outputs, path)
	}

	run.Status = ledger.StatusCompleted
	run.FinishedAt = time.Now()
	run.Units, run.Fitted, run.Failed = out.Summary.Units, out.Summary.Fitted, out.Summary.Failed
	r.record(ctx, log, run, out.Outcomes)

	log.Info("experiment solved",
		"fitted", out.Summary.Fitted,
		"failed", out.Summary.Failed,
		"outputs", len(report.Outputs))
	return report, nil
}

// record writes a run and its voxel outcomes to the ledger. Ledger
// failures are logged and do not affect the solve.
func (r *Runner) record(ctx context.Context, log *slog.Logger, run ledger.Run, outcomes []coordinator.UnitOutcome) {
	if r.opts.Ledger == nil {
		return
	}
	if len(outcomes) > 0 {
		units := make([]ledger.Unit, len(outcomes))
		for i, o := range outcomes {
			units[i] = ledger.Unit{Index: o.Index}
			if o.Err != nil {
				units[i].Error = o.Err.Error()
				units[i].SSE, units[i].RSquared = math.NaN(), math.NaN()
				continue
			}
			units[i].Params = o.Result.Params
			units[i].SSE = o.Result.SSE
			units[i].RSquared = o.Result.RSquared
			units[i].Iterations = o.Result.Iterations
		}
		if err := r.opts.Ledger.SaveUnits(ctx, run.ID, units); err != nil {
			log.Warn("failed to record voxel outcomes", "error", err)
		}
	}
	if err := r.opts.Ledger.SaveRun(ctx, run); err != nil {
		log.Warn("failed to record run", "error", err)
	}
}

// Package coordinator fits every selected voxel of a data volume on a fixed
// pool of workers and assembles the per-parameter result volumes.
package coordinator

import (
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"time"

	"prfsolve/internal/models"
	"prfsolve/pkg/fit"
	"prfsolve/pkg/logger"
	"prfsolve/pkg/prf"
)

// RSquaredName keys the goodness-of-fit volume in Output.Volumes
const RSquaredName = "r2"

// ModelFactory builds one model instance. It is called once per worker
// before any voxel is dispatched.
type ModelFactory func() (prf.Model, error)

// Options configure a Coordinator
type Options struct {
	// Workers is the pool size. Values below 1 select runtime.NumCPU().
	Workers int

	// Fit is passed to every voxel's fitter
	Fit fit.Options

	// Logger receives per-voxel failures and the run summary
	Logger *slog.Logger

	// Progress, when set, is called from the coordinating goroutine after
	// each finished voxel
	Progress func(done, total int)
}

// DefaultOptions returns a pool of runtime.NumCPU() workers with default
// fitter options
func DefaultOptions() Options {
	return Options{
		Workers: runtime.NumCPU(),
		Fit:     fit.DefaultOptions(),
	}
}

// UnitOutcome is the result of one voxel: Result on success, Err otherwise
type UnitOutcome struct {
	Index  models.Index
	Result *fit.Result
	Err    error
}

// Summary counts the outcome of a FitAll call
type Summary struct {
	Units   int
	Fitted  int
	Failed  int
	Workers int
	Elapsed time.Duration
}

// Output holds the assembled result volumes, keyed by parameter name plus
// RSquaredName, and the per-voxel outcomes in dispatch order
type Output struct {
	Volumes  map[string]*models.Volume
	Names    []string
	Outcomes []UnitOutcome
	Summary  Summary
}

// Coordinator dispatches voxel fits to a worker pool
type Coordinator struct {
	opts Options
	log  *slog.Logger
}

// New creates a coordinator
func New(opts Options) *Coordinator {
	if opts.Workers < 1 {
		opts.Workers = runtime.NumCPU()
	}
	return &Coordinator{opts: opts, log: logger.OrDefault(opts.Logger)}
}

// FitAll fits every voxel selected by mask (all voxels when mask is nil).
// Voxels are enumerated i, j, k with i slowest and fitted concurrently; a
// voxel that fails leaves NaN in every output volume and does not stop the
// others. Errors are returned only for problems affecting the whole run.
func (c *Coordinator) FitAll(factory ModelFactory, data *models.Volume, grid fit.Grid, bounds fit.Bounds, mask *models.Volume) (*Output, error) {
	start := time.Now()

	if factory == nil {
		return nil, fmt.Errorf("model factory is required")
	}
	if data == nil || data.Len() == 0 {
		return nil, fmt.Errorf("data volume is empty")
	}
	if mask != nil && !models.SameSpatialShape(data, mask) {
		return nil, fmt.Errorf("mask shape %v does not match data shape %v", mask.SpatialDims(), data.SpatialDims())
	}

	indices := models.MaskIndices(data.SpatialDims(), mask)
	workers := min(c.opts.Workers, max(len(indices), 1))

	// Every worker gets its own model, built before anything is dispatched
	pool := make([]prf.Model, workers)
	for w := range pool {
		m, err := factory()
		if err != nil {
			return nil, fmt.Errorf("failed to build model for worker %d: %w", w, err)
		}
		if err := fit.Check(m, grid, bounds); err != nil {
			return nil, fmt.Errorf("invalid search space: %w", err)
		}
		pool[w] = m
	}
	names := append(pool[0].ParamNames(), RSquaredName)

	c.log.Info("fitting voxels",
		"units", len(indices),
		"workers", workers,
		"grid_n", c.opts.Fit.GridN,
		"method", c.opts.Fit.Method.String())

	outcomes := c.run(pool, data, grid, bounds, indices)

	out := &Output{
		Volumes:  newResultVolumes(data, names),
		Names:    names,
		Outcomes: outcomes,
		Summary:  Summary{Units: len(indices), Workers: workers},
	}
	for _, o := range outcomes {
		if o.Err != nil {
			out.Summary.Failed++
			c.log.Warn("voxel fit failed", "voxel", o.Index.String(), "error", o.Err)
			continue
		}
		out.Summary.Fitted++
		scatter(out.Volumes, names, o.Index, o.Result)
	}
	out.Summary.Elapsed = time.Since(start)

	c.log.Info("fitting finished",
		"fitted", out.Summary.Fitted,
		"failed", out.Summary.Failed,
		"elapsed", out.Summary.Elapsed.Round(time.Millisecond).String())

	return out, nil
}

// run fans the voxels out over the pool and collects outcomes by job number
func (c *Coordinator) run(pool []prf.Model, data *models.Volume, grid fit.Grid, bounds fit.Bounds, indices []models.Index) []UnitOutcome {
	outcomes := make([]UnitOutcome, len(indices))
	if len(indices) == 0 {
		return outcomes
	}

	wp := startWorkerPool(pool, len(indices), func(m prf.Model, j job) UnitOutcome {
		return fitUnit(m, data.Series(j.index), grid, bounds, j.index, c.opts.Fit)
	})
	wp.submit(indices)

	done := 0
	for r := range wp.results {
		outcomes[r.n] = r.outcome
		done++
		if c.opts.Progress != nil {
			c.opts.Progress(done, len(indices))
		}
	}
	return outcomes
}

// fitUnit runs one voxel's fit to completion
func fitUnit(model prf.Model, series []float64, grid fit.Grid, bounds fit.Bounds, index models.Index, opts fit.Options) UnitOutcome {
	f, err := fit.NewFitter(model, series, grid, bounds, index, opts)
	if err != nil {
		return UnitOutcome{Index: index, Err: &fit.FitFailedError{Index: index, Stage: "setup", Err: err}}
	}
	res, err := f.Fit()
	return UnitOutcome{Index: index, Result: res, Err: err}
}

// newResultVolumes allocates one NaN-filled 3D volume per name, sharing the
// spatial grid of ref
func newResultVolumes(ref *models.Volume, names []string) map[string]*models.Volume {
	shape := ref.SpatialDims()
	vols := make(map[string]*models.Volume, len(names))
	for _, name := range names {
		v := models.NewFilledVolume(math.NaN(), shape[0], shape[1], shape[2])
		copy(v.Pixdim, ref.Pixdim)
		vols[name] = v
	}
	return vols
}

func scatter(vols map[string]*models.Volume, names []string, idx models.Index, res *fit.Result) {
	for p, v := range res.Params {
		vols[names[p]].Set(idx.I, idx.J, idx.K, 0, v)
	}
	vols[RSquaredName].Set(idx.I, idx.J, idx.K, 0, res.RSquared)
}

// Package fit estimates the parameters of a response model for one voxel:
// a coarse grid search picks a starting point, a bounded local optimizer
// refines it.
package fit

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/stat"

	"prfsolve/internal/models"
	"prfsolve/pkg/prf"
)

// State is the lifecycle position of a Fitter
type State int

const (
	Initialized State = iota
	GridSearched
	Refined
	Converged
	Failed
)

func (s State) String() string {
	switch s {
	case Initialized:
		return "initialized"
	case GridSearched:
		return "grid-searched"
	case Refined:
		return "refined"
	case Converged:
		return "converged"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Method selects the local optimizer
type Method int

const (
	// NelderMead is the derivative-free downhill simplex
	NelderMead Method = iota
	// LBFGS is limited-memory BFGS on central finite-difference gradients
	LBFGS
)

func (m Method) String() string {
	if m == LBFGS {
		return "lbfgs"
	}
	return "nelder-mead"
}

// ParseMethod maps a configuration name to a Method
func ParseMethod(name string) (Method, error) {
	switch name {
	case "", "nelder-mead":
		return NelderMead, nil
	case "lbfgs":
		return LBFGS, nil
	}
	return NelderMead, fmt.Errorf("unknown optimizer method %q", name)
}

// Options tune a Fitter
type Options struct {
	// GridN is the number of grid points per searched parameter
	GridN int

	// Method is the local optimizer
	Method Method

	// MaxIterations is the optimizer's major iteration budget. Running out
	// of it fails the fit.
	MaxIterations int
}

// DefaultOptions returns the options used when none are given
func DefaultOptions() Options {
	return Options{
		GridN:         5,
		Method:        NelderMead,
		MaxIterations: 5000,
	}
}

// ErrNoFinitePoint means every grid point failed to produce a finite error
var ErrNoFinitePoint = errors.New("no grid point produced a finite error")

// FitFailedError reports a voxel whose fit could not be completed. Params
// holds the last parameters known at the time of failure, if any.
type FitFailedError struct {
	Index  models.Index
	Stage  string
	Params []float64
	Err    error
}

func (e *FitFailedError) Error() string {
	return fmt.Sprintf("fit failed for voxel %s during %s: %v", e.Index, e.Stage, e.Err)
}

func (e *FitFailedError) Unwrap() error { return e.Err }

// Result is the outcome of a successful fit. It is not modified after
// creation.
type Result struct {
	Index models.Index

	// Seed is the best grid point, with gain and baseline solved
	Seed    []float64
	SeedSSE float64

	// Params are the refined estimates, in model parameter order
	Params     []float64
	Prediction []float64
	SSE        float64
	RSquared   float64

	Iterations  int
	Evaluations int
	Status      optimize.Status
}

// Fitter runs the grid-search-then-refine procedure for one voxel. The
// trailing two model parameters are gain and baseline: they have bounds but
// no grid, and are solved by least squares at every grid point.
type Fitter struct {
	model   prf.Model
	data    []float64
	grid    Grid
	bounds  Bounds
	index   models.Index
	opts    Options
	nparams int

	state   State
	seed    []float64
	seedSSE float64
	result  *Result
	err     error
}

// Check validates a grid and bounds against the parameters of model: one
// bound per parameter, one grid range per parameter except the trailing gain
// and baseline.
func Check(model prf.Model, grid Grid, bounds Bounds) error {
	if model == nil {
		return fmt.Errorf("model is required")
	}
	n := len(model.ParamNames())
	if n < 2 {
		return fmt.Errorf("model must have gain and baseline parameters, has %d parameters", n)
	}
	if len(bounds) != n {
		return fmt.Errorf("got %d bounds for a %d-parameter model", len(bounds), n)
	}
	if len(grid) != n-2 {
		return fmt.Errorf("got %d grid ranges for a %d-parameter model, want %d", len(grid), n, n-2)
	}
	if err := grid.validate(); err != nil {
		return err
	}
	return bounds.validate()
}

// NewFitter validates its inputs and returns a Fitter in the Initialized
// state. data must not be modified while the fitter is in use.
func NewFitter(model prf.Model, data []float64, grid Grid, bounds Bounds, index models.Index, opts Options) (*Fitter, error) {
	if err := Check(model, grid, bounds); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("data series is empty")
	}
	if opts.GridN < 1 {
		return nil, fmt.Errorf("grid size must be at least 1, got %d", opts.GridN)
	}
	if opts.MaxIterations < 1 {
		return nil, fmt.Errorf("iteration budget must be at least 1, got %d", opts.MaxIterations)
	}

	return &Fitter{
		model:   model,
		data:    data,
		grid:    grid,
		bounds:  bounds,
		index:   index,
		opts:    opts,
		nparams: len(bounds),
		state:   Initialized,
	}, nil
}

// State returns the current lifecycle state
func (f *Fitter) State() State { return f.state }

// Index returns the voxel the fitter works on
func (f *Fitter) Index() models.Index { return f.index }

// Seed returns the grid-search winner, or nil before the grid search
func (f *Fitter) Seed() []float64 {
	if f.seed == nil {
		return nil
	}
	return append([]float64(nil), f.seed...)
}

// Result returns the converged result, or nil
func (f *Fitter) Result() *Result { return f.result }

// Err returns the failure of a Failed fitter
func (f *Fitter) Err() error { return f.err }

// Fit runs the grid search and the refinement
func (f *Fitter) Fit() (*Result, error) {
	if err := f.GridSearch(); err != nil {
		return nil, err
	}
	return f.Refine()
}

func (f *Fitter) fail(stage string, params []float64, err error) error {
	f.state = Failed
	f.err = &FitFailedError{
		Index:  f.index,
		Stage:  stage,
		Params: append([]float64(nil), params...),
		Err:    err,
	}
	return f.err
}

// GridSearch evaluates every grid point and keeps the one with the smallest
// sum of squared errors. Points are enumerated with the first parameter
// varying slowest; on equal error the earlier point is kept.
func (f *Fitter) GridSearch() error {
	if f.state != Initialized {
		return fmt.Errorf("grid search requires state %s, fitter is %s", Initialized, f.state)
	}

	axes := make([][]float64, len(f.grid))
	for i, r := range f.grid {
		axes[i] = r.Points(f.opts.GridN)
	}

	gainBound := f.bounds[f.nparams-2]
	baseBound := f.bounds[f.nparams-1]

	candidate := make([]float64, f.nparams)
	candidate[f.nparams-2] = 1
	pos := make([]int, len(axes))

	bestSSE := math.Inf(1)
	var best []float64
	var lastErr error

	for {
		for d, p := range pos {
			candidate[d] = axes[d][p]
		}

		if unit, err := f.predict(candidate); err != nil {
			lastErr = err
		} else {
			gain, baseline := solveAffine(unit, f.data, gainBound, baseBound)
			sse := affineSSE(unit, f.data, gain, baseline)
			if sse < bestSSE {
				bestSSE = sse
				best = append(best[:0], candidate...)
				best[f.nparams-2] = gain
				best[f.nparams-1] = baseline
			}
		}

		// advance the odometer, last parameter fastest
		d := len(pos) - 1
		for ; d >= 0; d-- {
			pos[d]++
			if pos[d] < len(axes[d]) {
				break
			}
			pos[d] = 0
		}
		if d < 0 {
			break
		}
	}

	if best == nil {
		err := ErrNoFinitePoint
		if lastErr != nil {
			err = fmt.Errorf("%w: %v", ErrNoFinitePoint, lastErr)
		}
		return f.fail("grid search", nil, err)
	}

	f.seed = best
	f.seedSSE = bestSSE
	f.state = GridSearched
	return nil
}

// Refine minimizes the sum of squared errors from the grid seed within the
// bounds. A fit that does not converge within the iteration budget fails.
func (f *Fitter) Refine() (*Result, error) {
	if f.state != GridSearched {
		return nil, fmt.Errorf("refinement requires state %s, fitter is %s", GridSearched, f.state)
	}

	transforms := make([]transform, f.nparams)
	u0 := make([]float64, f.nparams)
	for i, b := range f.bounds {
		transforms[i] = transform{b}
		u0[i] = transforms[i].toInternal(b.Clamp(f.seed[i]))
	}
	external := func(u []float64) []float64 {
		x := make([]float64, len(u))
		for i, t := range transforms {
			x[i] = t.toExternal(u[i])
		}
		return x
	}

	objective := func(u []float64) float64 {
		pred, err := f.predict(external(u))
		if err != nil {
			return math.Inf(1)
		}
		return sse(pred, f.data)
	}

	problem := optimize.Problem{Func: objective}
	var method optimize.Method
	switch f.opts.Method {
	case LBFGS:
		problem.Grad = func(grad, u []float64) {
			fd.Gradient(grad, objective, u, &fd.Settings{Formula: fd.Central})
		}
		method = &optimize.LBFGS{}
	default:
		method = &optimize.NelderMead{}
	}

	settings := &optimize.Settings{
		MajorIterations: f.opts.MaxIterations,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-10,
			Relative:   1e-10,
			Iterations: 200,
		},
	}

	res, err := optimize.Minimize(problem, u0, settings, method)
	f.state = Refined

	last := f.seed
	if res != nil && res.X != nil {
		last = external(res.X)
	}
	if err != nil {
		return nil, f.fail("refinement", last, err)
	}
	if !converged(res.Status) {
		return nil, f.fail("refinement", last, fmt.Errorf("optimizer stopped with status %v after %d iterations",
			res.Status, res.MajorIterations))
	}

	params := external(res.X)
	pred, err := f.predict(params)
	if err != nil {
		return nil, f.fail("refinement", params, err)
	}

	f.result = &Result{
		Index:       f.index,
		Seed:        append([]float64(nil), f.seed...),
		SeedSSE:     f.seedSSE,
		Params:      params,
		Prediction:  pred,
		SSE:         sse(pred, f.data),
		RSquared:    rSquared(pred, f.data),
		Iterations:  res.MajorIterations,
		Evaluations: res.FuncEvaluations,
		Status:      res.Status,
	}
	f.state = Converged
	return f.result, nil
}

// predict evaluates the model and checks the series against the data length
func (f *Fitter) predict(params []float64) ([]float64, error) {
	pred, err := f.model.Predict(params)
	if err != nil {
		return nil, err
	}
	if len(pred) != len(f.data) {
		return nil, fmt.Errorf("model predicts %d samples, data has %d", len(pred), len(f.data))
	}
	return pred, nil
}

// converged reports whether an optimizer status is a successful stop
func converged(s optimize.Status) bool {
	switch s {
	case optimize.Success,
		optimize.FunctionThreshold,
		optimize.FunctionConvergence,
		optimize.GradientThreshold,
		optimize.StepConvergence,
		optimize.MethodConverge:
		return true
	}
	return false
}

// solveAffine finds the least-squares gain and baseline mapping unit onto
// data, each kept within its bound
func solveAffine(unit, data []float64, gainBound, baseBound Bound) (gain, baseline float64) {
	if stat.Variance(unit, nil) > 0 {
		_, gain = stat.LinearRegression(unit, data, nil, false)
	}
	gain = gainBound.Clamp(gain)

	var resid float64
	for i, u := range unit {
		resid += data[i] - gain*u
	}
	baseline = baseBound.Clamp(resid / float64(len(unit)))
	return gain, baseline
}

func affineSSE(unit, data []float64, gain, baseline float64) float64 {
	var s float64
	for i, u := range unit {
		d := gain*u + baseline - data[i]
		s += d * d
	}
	return s
}

func sse(pred, data []float64) float64 {
	d := make([]float64, len(pred))
	floats.SubTo(d, pred, data)
	return floats.Dot(d, d)
}

// rSquared is the coefficient of determination, NaN for constant data
func rSquared(pred, data []float64) float64 {
	if stat.Variance(data, nil) == 0 {
		return math.NaN()
	}
	return stat.RSquaredFrom(pred, data, nil)
}

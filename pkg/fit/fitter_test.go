package fit

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"prfsolve/internal/models"
	"prfsolve/pkg/prf"
	"prfsolve/pkg/stimulus"
)

// peakModel is a bump centred at 3 + 2|a|. Its response only depends on
// |a|, so grid points of opposite sign tie exactly.
type peakModel struct {
	n int
}

func (m peakModel) ParamNames() []string { return []string{"a", "gain", "baseline"} }

func (m peakModel) Predict(p []float64) ([]float64, error) {
	if len(p) != 3 {
		return nil, errors.New("peak model takes 3 parameters")
	}
	c := 3 + 2*math.Abs(p[0])
	out := make([]float64, m.n)
	for i := range out {
		d := float64(i) - c
		out[i] = p[1]*math.Exp(-d*d/2) + p[2]
	}
	return out, nil
}

func peakData(a, gain, baseline float64) []float64 {
	d, _ := peakModel{n: 12}.Predict([]float64{a, gain, baseline})
	return d
}

var (
	peakGrid   = Grid{{-1, 1}}
	peakBounds = Bounds{{-1, 1}, AtLeast(1e-8), Free()}
)

func TestGridSearchTieKeepsFirstPoint(t *testing.T) {
	opts := DefaultOptions()
	opts.GridN = 3

	f, err := NewFitter(peakModel{n: 12}, peakData(1, 2, 0.5), peakGrid, peakBounds, models.Index{}, opts)
	if err != nil {
		t.Fatalf("NewFitter failed: %v", err)
	}
	if err := f.GridSearch(); err != nil {
		t.Fatalf("GridSearch failed: %v", err)
	}
	if f.State() != GridSearched {
		t.Fatalf("Expected state %s, got %s", GridSearched, f.State())
	}

	seed := f.Seed()
	if seed[0] != -1 {
		t.Errorf("Expected the first of two tied points (-1), got %v", seed[0])
	}
	if math.Abs(seed[1]-2) > 1e-9 || math.Abs(seed[2]-0.5) > 1e-9 {
		t.Errorf("Expected solved gain 2 and baseline 0.5, got %v and %v", seed[1], seed[2])
	}
}

func TestGridSearchClampsGain(t *testing.T) {
	opts := DefaultOptions()
	opts.GridN = 3

	// an inverted response wants a negative gain, which the bound forbids
	f, err := NewFitter(peakModel{n: 12}, peakData(0, -1, 0), peakGrid, peakBounds, models.Index{}, opts)
	if err != nil {
		t.Fatalf("NewFitter failed: %v", err)
	}
	if err := f.GridSearch(); err != nil {
		t.Fatalf("GridSearch failed: %v", err)
	}
	if g := f.Seed()[1]; g != 1e-8 {
		t.Errorf("Expected gain clamped to 1e-8, got %v", g)
	}
}

func TestFitRecoversPeak(t *testing.T) {
	f, err := NewFitter(peakModel{n: 12}, peakData(0.6, 1.5, -0.25), peakGrid, peakBounds, models.Index{I: 1, J: 2, K: 3}, DefaultOptions())
	if err != nil {
		t.Fatalf("NewFitter failed: %v", err)
	}
	res, err := f.Fit()
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	if f.State() != Converged || f.Result() != res {
		t.Fatalf("Expected a converged fitter holding the result, state %s", f.State())
	}

	want := []float64{0.6, 1.5, -0.25}
	for i, w := range want {
		got := res.Params[i]
		if i == 0 {
			got = math.Abs(got)
		}
		if math.Abs(got-w) > 1e-3 {
			t.Errorf("Param %d: expected %v, got %v", i, w, res.Params[i])
		}
	}
	if res.SSE > res.SeedSSE {
		t.Errorf("Refinement made the fit worse: %v > %v", res.SSE, res.SeedSSE)
	}
	if res.RSquared < 0.9999 {
		t.Errorf("Expected R² near 1, got %v", res.RSquared)
	}
	if res.Index != (models.Index{I: 1, J: 2, K: 3}) {
		t.Errorf("Result carries the wrong index %v", res.Index)
	}
}

func TestFitStateOrder(t *testing.T) {
	f, err := NewFitter(peakModel{n: 12}, peakData(0.5, 1, 0), peakGrid, peakBounds, models.Index{}, DefaultOptions())
	if err != nil {
		t.Fatalf("NewFitter failed: %v", err)
	}
	if _, err := f.Refine(); err == nil {
		t.Error("Expected Refine to fail before the grid search")
	}
	if f.State() != Initialized {
		t.Errorf("Out-of-order call changed the state to %s", f.State())
	}

	if err := f.GridSearch(); err != nil {
		t.Fatalf("GridSearch failed: %v", err)
	}
	if err := f.GridSearch(); err == nil {
		t.Error("Expected a second grid search to fail")
	}
	if _, err := f.Refine(); err != nil {
		t.Fatalf("Refine failed: %v", err)
	}
	if _, err := f.Refine(); err == nil {
		t.Error("Expected a second refinement to fail")
	}
}

func TestFitIterationLimitFails(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxIterations = 1
	idx := models.Index{I: 4, J: 0, K: 7}

	f, err := NewFitter(peakModel{n: 12}, peakData(0.6, 1.5, -0.25), peakGrid, peakBounds, idx, opts)
	if err != nil {
		t.Fatalf("NewFitter failed: %v", err)
	}
	_, err = f.Fit()

	var failed *FitFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("Expected a FitFailedError, got %v", err)
	}
	if failed.Index != idx || failed.Stage != "refinement" {
		t.Errorf("Unexpected failure details: %+v", failed)
	}
	if len(failed.Params) != 3 {
		t.Errorf("Expected the last known parameters, got %v", failed.Params)
	}
	if f.State() != Failed || f.Result() != nil {
		t.Errorf("Expected state %s without a result, got %s", Failed, f.State())
	}
}

func TestGridSearchWithoutFinitePoint(t *testing.T) {
	data := peakData(0.5, 1, 0)
	data[3] = math.NaN()

	f, err := NewFitter(peakModel{n: 12}, data, peakGrid, peakBounds, models.Index{}, DefaultOptions())
	if err != nil {
		t.Fatalf("NewFitter failed: %v", err)
	}
	err = f.GridSearch()
	if !errors.Is(err, ErrNoFinitePoint) {
		t.Fatalf("Expected ErrNoFinitePoint, got %v", err)
	}
	if f.State() != Failed {
		t.Errorf("Expected state %s, got %s", Failed, f.State())
	}
}

func TestFitLengthMismatchFails(t *testing.T) {
	f, err := NewFitter(peakModel{n: 12}, make([]float64, 10), peakGrid, peakBounds, models.Index{}, DefaultOptions())
	if err != nil {
		t.Fatalf("NewFitter failed: %v", err)
	}
	var failed *FitFailedError
	if _, err := f.Fit(); !errors.As(err, &failed) {
		t.Fatalf("Expected a FitFailedError, got %v", err)
	}
}

func TestNewFitterValidation(t *testing.T) {
	data := peakData(0.5, 1, 0)
	tests := []struct {
		name   string
		grid   Grid
		bounds Bounds
		data   []float64
		opts   Options
	}{
		{"grid too long", Grid{{-1, 1}, {0, 1}}, peakBounds, data, DefaultOptions()},
		{"bounds too short", peakGrid, peakBounds[:2], data, DefaultOptions()},
		{"inverted range", Grid{{1, -1}}, peakBounds, data, DefaultOptions()},
		{"empty data", peakGrid, peakBounds, nil, DefaultOptions()},
		{"zero budget", peakGrid, peakBounds, data, Options{GridN: 5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewFitter(peakModel{n: 12}, tt.data, tt.grid, tt.bounds, models.Index{}, tt.opts); err == nil {
				t.Error("Expected an error")
			}
		})
	}
}

func TestFitDeterministic(t *testing.T) {
	run := func() *Result {
		f, err := NewFitter(peakModel{n: 12}, peakData(0.3, 0.8, 0.1), peakGrid, peakBounds, models.Index{}, DefaultOptions())
		if err != nil {
			t.Fatalf("NewFitter failed: %v", err)
		}
		res, err := f.Fit()
		if err != nil {
			t.Fatalf("Fit failed: %v", err)
		}
		return res
	}
	a, b := run(), run()
	for i := range a.Params {
		if a.Params[i] != b.Params[i] {
			t.Fatalf("Repeated fits differ at param %d: %v vs %v", i, a.Params[i], b.Params[i])
		}
	}
}

func TestParseMethod(t *testing.T) {
	for name, want := range map[string]Method{"": NelderMead, "nelder-mead": NelderMead, "lbfgs": LBFGS} {
		got, err := ParseMethod(name)
		if err != nil || got != want {
			t.Errorf("ParseMethod(%q) = %v, %v", name, got, err)
		}
	}
	if _, err := ParseMethod("bfgs"); err == nil {
		t.Error("Expected an error for an unknown method")
	}
}

// barExperiment describes a sweeping-bar recording of one ground-truth voxel
type barExperiment struct {
	size, barWidth, framesPerSweep int
	ppd                            float64

	truth []float64
	// noise is the half-width of the uniform noise added to every sample
	noise float64

	gridN  int
	grid   Grid
	bounds Bounds
}

// simulate builds the model and the voxel's series
func (e barExperiment) simulate(t *testing.T) (prf.Model, []float64) {
	t.Helper()
	sweeps := []float64{stimulus.Blank, 0, 90, 180, 270, stimulus.Blank}
	raw := stimulus.SimulateBars(e.size, e.size, e.barWidth, e.framesPerSweep, sweeps)
	stim, err := stimulus.Encode(raw, stimulus.Binary, stimulus.Geometry{PixelsPerDegree: e.ppd, FrameDuration: 1})
	if err != nil {
		t.Fatalf("Failed to encode stimulus: %v", err)
	}
	model, err := prf.NewGaussianModel(stim, nil, 1)
	if err != nil {
		t.Fatalf("Failed to build model: %v", err)
	}
	data, err := model.Predict(e.truth)
	if err != nil {
		t.Fatalf("Failed to simulate data: %v", err)
	}
	if e.noise > 0 {
		rng := rand.New(rand.NewPCG(1, 2))
		for i := range data {
			data[i] += e.noise * (2*rng.Float64() - 1)
		}
	}
	return model, data
}

var (
	smallGrid   = Grid{{-10, 10}, {-10, 10}, {0.5, 7.5}, {-3, 3}}
	smallBounds = Bounds{{-10, 10}, {-10, 10}, {0.5, 7.5}, {-3, 3}, AtLeast(1e-8), Free()}

	// 100x100 pixels at 4 px/deg, searched the way the bar-sweep
	// experiments are configured by hand
	wideGrid   = Grid{{-10, 10}, {-10, 10}, {0.5, 5.25}, {-1, 1}}
	wideBounds = Bounds{{-12, 12}, {-12, 12}, {0.25, 12}, {-3, 3}, AtLeast(1e-8), Free()}

	exactTol = []float64{0.1, 0.1, 0.1, 0.25, 0.02, 0.02}
	noisyTol = []float64{1, 1, 1.5, 0.75, 0.15, 0.15}
)

func TestFitRecoversGaussian(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping model recovery in short mode")
	}
	tests := []struct {
		name  string
		exp   barExperiment
		tol   []float64
		minR2 float64
	}{
		{
			name: "small field",
			exp: barExperiment{size: 40, barWidth: 6, framesPerSweep: 20, ppd: 2,
				truth: []float64{3, -2, 2, 0.5, 0.55, -0.88}, gridN: 5, grid: smallGrid, bounds: smallBounds},
			tol:   exactTol,
			minR2: 0.999,
		},
		{
			name: "small field with noise",
			exp: barExperiment{size: 40, barWidth: 6, framesPerSweep: 20, ppd: 2,
				truth: []float64{-4, 3, 2.5, -0.25, 0.55, -0.88}, noise: 0.055, gridN: 5, grid: smallGrid, bounds: smallBounds},
			tol: noisyTol,
		},
		{
			name: "wide field",
			exp: barExperiment{size: 100, barWidth: 12, framesPerSweep: 30, ppd: 4,
				truth: []float64{6, 6, 5, -0.25, 0.55, -0.88}, gridN: 3, grid: wideGrid, bounds: wideBounds},
			tol:   exactTol,
			minR2: 0.999,
		},
		{
			// the series peaks at 0.55-0.88; noise spans a tenth of that
			name: "wide field with noise",
			exp: barExperiment{size: 100, barWidth: 12, framesPerSweep: 30, ppd: 4,
				truth: []float64{6, 6, 5, -0.25, 0.55, -0.88}, noise: 0.033, gridN: 3, grid: wideGrid, bounds: wideBounds},
			tol: noisyTol,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model, data := tt.exp.simulate(t)

			opts := DefaultOptions()
			opts.GridN = tt.exp.gridN
			f, err := NewFitter(model, data, tt.exp.grid, tt.exp.bounds, models.Index{}, opts)
			if err != nil {
				t.Fatalf("NewFitter failed: %v", err)
			}
			res, err := f.Fit()
			if err != nil {
				t.Fatalf("Fit failed: %v", err)
			}
			if f.State() != Converged {
				t.Errorf("Expected state %s, got %s", Converged, f.State())
			}

			for i, w := range tt.exp.truth {
				if math.Abs(res.Params[i]-w) > tt.tol[i] {
					t.Errorf("%s: expected %v within %v, got %v", prf.ParamNames[i], w, tt.tol[i], res.Params[i])
				}
			}
			if res.RSquared < tt.minR2 {
				t.Errorf("Expected R² of at least %v, got %v", tt.minR2, res.RSquared)
			}
		})
	}
}

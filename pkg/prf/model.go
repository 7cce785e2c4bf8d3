// Package prf implements the population receptive field response model: a
// circular Gaussian receptive field sampled against the stimulus, convolved
// with a hemodynamic response kernel and scaled into the units of the data.
package prf

import (
	"fmt"
	"math"

	"prfsolve/pkg/hrf"
	"prfsolve/pkg/signal"
	"prfsolve/pkg/stimulus"
)

// Model predicts a response time-series from a parameter vector. The vector
// length and meaning are model-defined; by convention the last two entries
// are a multiplicative gain and an additive baseline. Implementations must
// be deterministic and safe for concurrent use.
type Model interface {
	// ParamNames names each entry of the parameter vector
	ParamNames() []string

	// Predict returns the predicted series for params
	Predict(params []float64) ([]float64, error)
}

// Parameter positions of the Gaussian model
const (
	ParamX = iota
	ParamY
	ParamSigma
	ParamHRFDelay
	ParamGain
	ParamBaseline
	NumParams
)

// ParamNames of the Gaussian model, in vector order
var ParamNames = []string{"x", "y", "sigma", "hrf_delay", "gain", "baseline"}

// ParameterDomainError reports a parameter vector outside the model's domain
type ParameterDomainError struct {
	Param string
	Value float64
	Msg   string
}

func (e *ParameterDomainError) Error() string {
	return fmt.Sprintf("parameter %s=%v out of domain: %s", e.Param, e.Value, e.Msg)
}

// GaussianModel is the canonical pRF model with parameters
// (x, y, sigma, hrf_delay, gain, baseline). Positions and size are in
// degrees of visual angle, the delay in seconds.
type GaussianModel struct {
	stim   *stimulus.Stimulus
	kernel hrf.Kernel

	// framesPerSample is the number of stimulus frames averaged into one
	// data sample
	framesPerSample int
}

// NewGaussianModel builds a model over an encoded stimulus. kernel defaults to
// hrf.DoubleGamma. framesPerSample must be >= 1 and is the ratio between the
// data sampling interval and the stimulus frame duration.
func NewGaussianModel(stim *stimulus.Stimulus, kernel hrf.Kernel, framesPerSample int) (*GaussianModel, error) {
	if stim == nil {
		return nil, fmt.Errorf("stimulus is required")
	}
	if !(stim.FrameDuration() > 0) {
		return nil, fmt.Errorf("stimulus frame duration must be positive, got %v", stim.FrameDuration())
	}
	if framesPerSample < 1 {
		return nil, fmt.Errorf("frames per sample must be at least 1, got %d", framesPerSample)
	}
	if kernel == nil {
		kernel = hrf.DoubleGamma
	}
	return &GaussianModel{stim: stim, kernel: kernel, framesPerSample: framesPerSample}, nil
}

// ParamNames implements Model
func (m *GaussianModel) ParamNames() []string {
	return append([]string(nil), ParamNames...)
}

// Stimulus returns the stimulus the model samples
func (m *GaussianModel) Stimulus() *stimulus.Stimulus {
	return m.stim
}

// Samples is the length of every predicted series
func (m *GaussianModel) Samples() int {
	return (m.stim.Frames() + m.framesPerSample - 1) / m.framesPerSample
}

// Predict implements Model
func (m *GaussianModel) Predict(params []float64) ([]float64, error) {
	if len(params) != NumParams {
		return nil, fmt.Errorf("gaussian model takes %d parameters, got %d", NumParams, len(params))
	}
	for i, p := range params {
		if math.IsNaN(p) || math.IsInf(p, 0) {
			return nil, &ParameterDomainError{Param: ParamNames[i], Value: p, Msg: "not finite"}
		}
	}
	if params[ParamSigma] <= 0 {
		return nil, &ParameterDomainError{Param: "sigma", Value: params[ParamSigma], Msg: "must be positive"}
	}

	neural := m.receptiveFieldResponse(params[ParamX], params[ParamY], params[ParamSigma])
	kernel := m.kernel(params[ParamHRFDelay], m.stim.FrameDuration())
	bold := signal.ConvolveSame(neural, kernel)
	series := signal.BlockMean(bold, m.framesPerSample)

	normalizePeak(series)

	gain, baseline := params[ParamGain], params[ParamBaseline]
	for i := range series {
		series[i] = gain*series[i] + baseline
	}
	return series, nil
}

// receptiveFieldResponse sums, per frame, the stimulus contrast weighted by a
// unit-height Gaussian centred on (x, y). The Gaussian is separable, so the
// weights are built once per axis.
func (m *GaussianModel) receptiveFieldResponse(x, y, sigma float64) []float64 {
	s := m.stim
	w, h := s.Width(), s.Height()

	denom := 2 * sigma * sigma
	gx := make([]float64, w)
	for c := range gx {
		d := s.DegX(c) - x
		gx[c] = math.Exp(-d * d / denom)
	}
	gy := make([]float64, h)
	for r := range gy {
		d := s.DegY(r) - y
		gy[r] = math.Exp(-d * d / denom)
	}

	binary := s.Levels() == 1
	out := make([]float64, s.Frames())
	for f := range out {
		var sum float64
		for _, off := range s.Active(f) {
			c, r := int(off)%w, int(off)/w
			weight := gx[c] * gy[r]
			if !binary {
				weight *= s.Contrast(c, r, f)
			}
			sum += weight
		}
		out[f] = sum
	}
	return out
}

// normalizePeak scales x in place so that its largest magnitude is 1. An
// all-zero series is left untouched.
func normalizePeak(x []float64) {
	var peak float64
	for _, v := range x {
		peak = math.Max(peak, math.Abs(v))
	}
	if peak == 0 {
		return
	}
	for i := range x {
		x[i] /= peak
	}
}

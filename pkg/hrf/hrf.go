// Package hrf provides hemodynamic response kernels.
package hrf

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"
)

// Kernel samples a response kernel every dt seconds, shifted by delay
// seconds relative to its canonical onset. Implementations must be pure.
type Kernel func(delay, dt float64) []float64

const (
	peakShape        = 6.0
	undershootShape  = 16.0
	undershootRatio  = 1.0 / 6.0
	kernelDurationS  = 32.0
	minKernelSamples = 2
)

// DoubleGamma is the canonical two-gamma HRF: a gamma density peaking near
// 5 s minus a scaled, later gamma undershoot, sampled over 32 s and
// normalized to unit sum. A positive delay moves the whole response later.
// A response moved past the sampling window gives an all-zero kernel.
func DoubleGamma(delay, dt float64) []float64 {
	if !(dt > 0) {
		return nil
	}
	n := max(int(math.Floor(kernelDurationS/dt))+1, minKernelSamples)

	peak := distuv.Gamma{Alpha: peakShape, Beta: 1}
	undershoot := distuv.Gamma{Alpha: undershootShape, Beta: 1}

	out := make([]float64, n)
	for i := range out {
		t := float64(i)*dt - delay
		if t <= 0 {
			continue
		}
		out[i] = peak.Prob(t) - undershootRatio*undershoot.Prob(t)
	}

	if sum := floats.Sum(out); sum != 0 && !math.IsNaN(sum) {
		floats.Scale(1/sum, out)
	}
	return out
}

// Package signal provides the 1D signal operations the response model needs:
// linear convolution (direct or through the FFT) and block downsampling.
package signal

import (
	"gonum.org/v1/gonum/dsp/fourier"
)

// directThreshold is the kernel length below which direct convolution is
// used instead of the FFT
const directThreshold = 64

// Convolve returns the full linear convolution of a and b, of length
// len(a)+len(b)-1. Empty inputs give an empty result.
func Convolve(a, b []float64) []float64 {
	if len(a) == 0 || len(b) == 0 {
		return []float64{}
	}
	if min(len(a), len(b)) < directThreshold {
		return ConvolveDirect(a, b)
	}
	return ConvolveFFT(a, b)
}

// ConvolveDirect computes the linear convolution by the definition
func ConvolveDirect(a, b []float64) []float64 {
	if len(a) == 0 || len(b) == 0 {
		return []float64{}
	}
	out := make([]float64, len(a)+len(b)-1)
	for i, x := range a {
		if x == 0 {
			continue
		}
		for j, y := range b {
			out[i+j] += x * y
		}
	}
	return out
}

// ConvolveFFT computes the linear convolution by zero-padding both inputs to
// a power of two and multiplying their spectra
func ConvolveFFT(a, b []float64) []float64 {
	if len(a) == 0 || len(b) == 0 {
		return []float64{}
	}
	n := len(a) + len(b) - 1
	size := nextPowerOfTwo(n)

	// A new FFT per call keeps the function safe for concurrent use; the
	// gonum FFT holds internal work buffers.
	fft := fourier.NewFFT(size)

	padA := make([]float64, size)
	copy(padA, a)
	padB := make([]float64, size)
	copy(padB, b)

	specA := fft.Coefficients(nil, padA)
	specB := fft.Coefficients(nil, padB)
	for i := range specA {
		specA[i] *= specB[i]
	}

	seq := fft.Sequence(nil, specA)

	// gonum's inverse transform is unnormalized
	scale := 1 / float64(size)
	out := make([]float64, n)
	for i := range out {
		out[i] = seq[i] * scale
	}
	return out
}

// ConvolveSame returns the first len(a) samples of the convolution of a and b,
// the causal filtering of a by kernel b
func ConvolveSame(a, b []float64) []float64 {
	full := Convolve(a, b)
	if len(full) < len(a) {
		out := make([]float64, len(a))
		copy(out, full)
		return out
	}
	return full[:len(a)]
}

// BlockMean averages consecutive blocks of size samples. A trailing partial
// block is averaged over the samples it has. size <= 1 returns a copy.
func BlockMean(x []float64, size int) []float64 {
	if size <= 1 {
		return append([]float64(nil), x...)
	}
	out := make([]float64, (len(x)+size-1)/size)
	for i := range out {
		start := i * size
		end := min(start+size, len(x))
		var sum float64
		for _, v := range x[start:end] {
			sum += v
		}
		out[i] = sum / float64(end-start)
	}
	return out
}

// nextPowerOfTwo returns the smallest power of two >= n
func nextPowerOfTwo(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

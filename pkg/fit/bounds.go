package fit

import (
	"fmt"
	"math"
)

// Range is an inclusive search interval for one parameter
type Range struct {
	Min, Max float64
}

// Grid holds one Range per coarsely searched parameter, in parameter order
type Grid []Range

// Points returns n evenly spaced values from Min to Max inclusive. A single
// point sits at Min.
func (r Range) Points(n int) []float64 {
	if n <= 1 {
		return []float64{r.Min}
	}
	out := make([]float64, n)
	step := (r.Max - r.Min) / float64(n-1)
	for i := range out {
		out[i] = r.Min + step*float64(i)
	}
	out[n-1] = r.Max
	return out
}

// Bound constrains one parameter during refinement. Infinite ends are open.
type Bound struct {
	Lo, Hi float64
}

// Free leaves a parameter unconstrained
func Free() Bound {
	return Bound{Lo: math.Inf(-1), Hi: math.Inf(1)}
}

// AtLeast bounds a parameter from below only
func AtLeast(lo float64) Bound {
	return Bound{Lo: lo, Hi: math.Inf(1)}
}

// Clamp returns v limited to the bound
func (b Bound) Clamp(v float64) float64 {
	return math.Min(math.Max(v, b.Lo), b.Hi)
}

// Bounds holds one Bound per model parameter
type Bounds []Bound

func (g Grid) validate() error {
	for i, r := range g {
		if math.IsNaN(r.Min) || math.IsNaN(r.Max) || math.IsInf(r.Min, 0) || math.IsInf(r.Max, 0) {
			return fmt.Errorf("grid range %d must be finite, got %v", i, r)
		}
		if r.Min > r.Max {
			return fmt.Errorf("grid range %d has min %v above max %v", i, r.Min, r.Max)
		}
	}
	return nil
}

func (b Bounds) validate() error {
	for i, bd := range b {
		if math.IsNaN(bd.Lo) || math.IsNaN(bd.Hi) {
			return fmt.Errorf("bound %d is NaN", i)
		}
		if bd.Lo > bd.Hi {
			return fmt.Errorf("bound %d has lower %v above upper %v", i, bd.Lo, bd.Hi)
		}
	}
	return nil
}

// transform maps a bounded parameter to an unconstrained internal variable
// so that an unconstrained optimizer only ever visits feasible points.
// Two-sided bounds use x = lo + (hi-lo)(sin u + 1)/2, one-sided bounds
// x = lo - 1 + sqrt(u²+1) (mirrored for an upper bound), free parameters
// the identity.
type transform struct {
	Bound
}

func (t transform) lower() bool { return !math.IsInf(t.Lo, -1) }
func (t transform) upper() bool { return !math.IsInf(t.Hi, 1) }

func (t transform) toExternal(u float64) float64 {
	switch {
	case t.lower() && t.upper():
		return t.Lo + (t.Hi-t.Lo)*(math.Sin(u)+1)/2
	case t.lower():
		return t.Lo - 1 + math.Sqrt(u*u+1)
	case t.upper():
		return t.Hi + 1 - math.Sqrt(u*u+1)
	default:
		return u
	}
}

// toInternal inverts toExternal. x is first moved a hair inside the bounds,
// where the transforms have a non-zero derivative.
func (t transform) toInternal(x float64) float64 {
	switch {
	case t.lower() && t.upper():
		width := t.Hi - t.Lo
		if width == 0 {
			return 0
		}
		eps := 1e-6 * width
		x = math.Min(math.Max(x, t.Lo+eps), t.Hi-eps)
		return math.Asin(2*(x-t.Lo)/width - 1)
	case t.lower():
		x = math.Max(x, t.Lo+1e-6)
		d := x - t.Lo + 1
		return math.Sqrt(d*d - 1)
	case t.upper():
		x = math.Min(x, t.Hi-1e-6)
		d := t.Hi - x + 1
		return math.Sqrt(d*d - 1)
	default:
		return x
	}
}

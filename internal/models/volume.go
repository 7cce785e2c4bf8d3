package models

import (
	"fmt"
	"math"
)

// Index identifies one spatial unit (voxel) of a volume
type Index struct {
	I, J, K int
}

// String formats the index as (i,j,k)
func (x Index) String() string {
	return fmt.Sprintf("(%d,%d,%d)", x.I, x.J, x.K)
}

// Volume is an N-dimensional image volume, usually 3D (result maps, masks)
// or 4D (time-series data, stimulus movies)
type Volume struct {
	// Dims holds the size of each axis. Axes beyond the fourth are not used
	// by the solver.
	Dims []int

	// Pixdim is the grid spacing along each axis, parallel to Dims
	Pixdim []float64

	// TimeUnitSeconds converts the spacing of the fourth axis to seconds.
	// Zero means the file did not say.
	TimeUnitSeconds float64

	// Data stores the samples with the first axis varying fastest
	// (NIfTI order): idx = i + nx*(j + ny*(k + nz*t))
	Data []float64
}

// NewVolume allocates a zero-filled volume with the given dimensions
func NewVolume(dims ...int) *Volume {
	return NewFilledVolume(0, dims...)
}

// NewFilledVolume allocates a volume with every sample set to value
func NewFilledVolume(value float64, dims ...int) *Volume {
	n := 1
	for _, d := range dims {
		n *= d
	}
	data := make([]float64, n)
	if value != 0 {
		for i := range data {
			data[i] = value
		}
	}
	pixdim := make([]float64, len(dims))
	for i := range pixdim {
		pixdim[i] = 1
	}
	return &Volume{
		Dims:   append([]int(nil), dims...),
		Pixdim: pixdim,
		Data:   data,
	}
}

// dim returns the size of axis a, treating missing trailing axes as length 1
func (v *Volume) dim(a int) int {
	if a < len(v.Dims) {
		return v.Dims[a]
	}
	return 1
}

// SpatialDims returns the sizes of the first three axes
func (v *Volume) SpatialDims() [3]int {
	return [3]int{v.dim(0), v.dim(1), v.dim(2)}
}

// Frames returns the number of samples along the fourth axis and beyond
func (v *Volume) Frames() int {
	n := 1
	for a := 3; a < len(v.Dims); a++ {
		n *= v.Dims[a]
	}
	return n
}

// Len returns the total number of samples
func (v *Volume) Len() int {
	return len(v.Data)
}

// offset computes the flat index of (i, j, k, t)
func (v *Volume) offset(i, j, k, t int) int {
	nx, ny, nz := v.dim(0), v.dim(1), v.dim(2)
	return i + nx*(j+ny*(k+nz*t))
}

// Contains reports whether idx lies inside the spatial extent
func (v *Volume) Contains(idx Index) bool {
	d := v.SpatialDims()
	return idx.I >= 0 && idx.J >= 0 && idx.K >= 0 &&
		idx.I < d[0] && idx.J < d[1] && idx.K < d[2]
}

// At returns the sample at (i, j, k, t)
func (v *Volume) At(i, j, k, t int) float64 {
	return v.Data[v.offset(i, j, k, t)]
}

// Set stores a sample at (i, j, k, t)
func (v *Volume) Set(i, j, k, t int, value float64) {
	v.Data[v.offset(i, j, k, t)] = value
}

// Series copies the time-series of one voxel
func (v *Volume) Series(idx Index) []float64 {
	frames := v.Frames()
	out := make([]float64, frames)
	for t := 0; t < frames; t++ {
		out[t] = v.At(idx.I, idx.J, idx.K, t)
	}
	return out
}

// SpacingSeconds returns the spacing of the fourth axis in seconds, or 0
// when the volume carries no usable time information
func (v *Volume) SpacingSeconds() float64 {
	if len(v.Pixdim) < 4 || v.Pixdim[3] <= 0 {
		return 0
	}
	unit := v.TimeUnitSeconds
	if unit == 0 {
		unit = 1
	}
	return v.Pixdim[3] * unit
}

// SameSpatialShape reports whether two volumes share their first three axes
func SameSpatialShape(a, b *Volume) bool {
	return a.SpatialDims() == b.SpatialDims()
}

// MaskIndices enumerates the voxels selected by mask in i, j, k nesting order
// (i slowest). A nil mask selects every voxel of shape.
func MaskIndices(shape [3]int, mask *Volume) []Index {
	var out []Index
	for i := 0; i < shape[0]; i++ {
		for j := 0; j < shape[1]; j++ {
			for k := 0; k < shape[2]; k++ {
				if mask != nil {
					if m := mask.At(i, j, k, 0); m == 0 || math.IsNaN(m) {
						continue
					}
				}
				out = append(out, Index{I: i, J: j, K: k})
			}
		}
	}
	return out
}

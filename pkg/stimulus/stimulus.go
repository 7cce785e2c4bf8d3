// Package stimulus turns a raw stimulus movie into the compact, quantized
// representation the receptive-field model samples, together with the
// display geometry needed to express positions in degrees of visual angle.
package stimulus

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"prfsolve/internal/models"
)

// Precision selects the integer range the stimulus is quantized into
type Precision int

const (
	// Binary rounds each frame to {0, 1} after scaling by the maximum
	Binary Precision = iota
	// Uint8 scales into 0..255
	Uint8
	// Int16 scales into 0..32767
	Int16
)

// Levels returns the largest quantized value of the precision
func (p Precision) Levels() int {
	switch p {
	case Uint8:
		return math.MaxUint8
	case Int16:
		return math.MaxInt16
	default:
		return 1
	}
}

func (p Precision) String() string {
	switch p {
	case Uint8:
		return "uint8"
	case Int16:
		return "int16"
	default:
		return "binary"
	}
}

// ParsePrecision maps a configuration name to a Precision
func ParsePrecision(name string) (Precision, error) {
	switch name {
	case "", "binary":
		return Binary, nil
	case "uint8":
		return Uint8, nil
	case "int16":
		return Int16, nil
	}
	return Binary, fmt.Errorf("unknown stimulus precision %q", name)
}

// DefaultViewingDistance is the assumed eye-to-screen distance in cm
const DefaultViewingDistance = 50.0

// InvalidStimulusError reports a stimulus array that cannot be encoded
type InvalidStimulusError struct {
	Reason string
}

func (e *InvalidStimulusError) Error() string {
	return "invalid stimulus: " + e.Reason
}

// Geometry describes the display the stimulus was shown on
type Geometry struct {
	// PixelsPerDegree of visual angle. Required.
	PixelsPerDegree float64

	// ViewingDistance in cm; DefaultViewingDistance when zero
	ViewingDistance float64

	// Background intensity of the display
	Background float64

	// FrameDuration in seconds
	FrameDuration float64
}

// Stimulus is an encoded stimulus movie. It is immutable once built and safe
// to share between goroutines.
type Stimulus struct {
	width, height, frames int
	levels                int
	precision             Precision

	// frames of quantized intensities, x fastest, then y, then frame
	data []int16

	// active lists, per frame, the flat pixel offsets (x + width*y) whose
	// value is non-zero
	active [][]int32

	ppd             float64
	viewingDistance float64
	screenWidth     float64
	background      float64
	frameDuration   float64

	// pixel centre coordinates in degrees
	degX []float64
	degY []float64
}

// Encode normalizes a raw stimulus volume into the requested precision.
// The volume must have at least two spatial axes; every axis after the
// second is treated as time. Values are divided by the maximum, scaled to
// the precision's range and rounded.
func Encode(raw *models.Volume, precision Precision, geom Geometry) (*Stimulus, error) {
	if raw == nil || len(raw.Dims) < 2 {
		return nil, &InvalidStimulusError{Reason: "stimulus needs at least 2 spatial dimensions"}
	}
	width, height := raw.Dims[0], raw.Dims[1]
	frames := 1
	for _, d := range raw.Dims[2:] {
		frames *= d
	}
	if width < 1 || height < 1 || frames < 1 {
		return nil, &InvalidStimulusError{Reason: fmt.Sprintf("empty stimulus axis in %v", raw.Dims)}
	}
	if len(raw.Data) != width*height*frames {
		return nil, &InvalidStimulusError{Reason: fmt.Sprintf("stimulus holds %d samples, dims %v need %d",
			len(raw.Data), raw.Dims, width*height*frames)}
	}
	for _, v := range raw.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, &InvalidStimulusError{Reason: "stimulus contains non-finite values"}
		}
	}
	maxValue := floats.Max(raw.Data)
	if !(maxValue > 0) {
		return nil, &InvalidStimulusError{Reason: fmt.Sprintf("stimulus maximum must be positive, got %v", maxValue)}
	}
	if !(geom.PixelsPerDegree > 0) {
		return nil, &InvalidStimulusError{Reason: fmt.Sprintf("pixels per degree must be positive, got %v", geom.PixelsPerDegree)}
	}

	levels := precision.Levels()
	s := &Stimulus{
		width:     width,
		height:    height,
		frames:    frames,
		levels:    levels,
		precision: precision,
		data:      make([]int16, len(raw.Data)),
		active:    make([][]int32, frames),
		ppd:       geom.PixelsPerDegree,
	}

	frameSize := width * height
	for i, v := range raw.Data {
		q := math.Round(v / maxValue * float64(levels))
		if q < 0 {
			q = 0
		}
		s.data[i] = int16(q)
		if q != 0 {
			f := i / frameSize
			s.active[f] = append(s.active[f], int32(i%frameSize))
		}
	}

	s.viewingDistance = geom.ViewingDistance
	if s.viewingDistance <= 0 {
		s.viewingDistance = DefaultViewingDistance
	}
	s.screenWidth = 2 * s.viewingDistance * math.Tan(s.ExtentDegrees()/2*math.Pi/180)
	s.background = geom.Background
	s.frameDuration = geom.FrameDuration

	s.degX = make([]float64, width)
	for x := range s.degX {
		s.degX[x] = (float64(x) - float64(width-1)/2) / s.ppd
	}
	s.degY = make([]float64, height)
	for y := range s.degY {
		s.degY[y] = (float64(height-1)/2 - float64(y)) / s.ppd
	}

	return s, nil
}

// PixelsPerDegreeFromScreen derives pixels per degree from the physical
// screen width and viewing distance (same unit) and the pixels spanning
// that width
func PixelsPerDegreeFromScreen(pixelsAcross int, screenWidth, screenDistance float64) (float64, error) {
	if pixelsAcross < 1 || !(screenWidth > 0) || !(screenDistance > 0) {
		return 0, fmt.Errorf("cannot derive pixels per degree from %d px, width %v, distance %v",
			pixelsAcross, screenWidth, screenDistance)
	}
	deg := 2 * math.Atan2(screenWidth/2, screenDistance) * 180 / math.Pi
	return float64(pixelsAcross) / deg, nil
}

// Width in pixels
func (s *Stimulus) Width() int { return s.width }

// Height in pixels
func (s *Stimulus) Height() int { return s.height }

// Frames is the number of stimulus frames
func (s *Stimulus) Frames() int { return s.frames }

// Precision the stimulus was quantized with
func (s *Stimulus) Precision() Precision { return s.precision }

// Levels is the largest quantized value
func (s *Stimulus) Levels() int { return s.levels }

// PixelsPerDegree of the display
func (s *Stimulus) PixelsPerDegree() float64 { return s.ppd }

// DegreesPerPixel of the display
func (s *Stimulus) DegreesPerPixel() float64 { return 1 / s.ppd }

// ExtentDegrees is the width of the smaller stimulus axis in degrees
func (s *Stimulus) ExtentDegrees() float64 {
	return float64(min(s.width, s.height)) / s.ppd
}

// ViewingDistance in cm
func (s *Stimulus) ViewingDistance() float64 { return s.viewingDistance }

// ScreenWidth in cm, derived from the extent and viewing distance
func (s *Stimulus) ScreenWidth() float64 { return s.screenWidth }

// Background intensity
func (s *Stimulus) Background() float64 { return s.background }

// FrameDuration in seconds
func (s *Stimulus) FrameDuration() float64 { return s.frameDuration }

// Value returns the quantized value at pixel (x, y) of frame f
func (s *Stimulus) Value(x, y, f int) int16 {
	return s.data[x+s.width*(y+s.height*f)]
}

// Contrast returns the value at (x, y, f) scaled back to [0, 1]
func (s *Stimulus) Contrast(x, y, f int) float64 {
	return float64(s.Value(x, y, f)) / float64(s.levels)
}

// Active returns the flat offsets (x + width*y) of non-zero pixels in frame f.
// The returned slice must not be modified.
func (s *Stimulus) Active(f int) []int32 {
	return s.active[f]
}

// DegX returns the horizontal position in degrees of pixel column x
func (s *Stimulus) DegX(x int) float64 { return s.degX[x] }

// DegY returns the vertical position in degrees of pixel row y
func (s *Stimulus) DegY(y int) float64 { return s.degY[y] }

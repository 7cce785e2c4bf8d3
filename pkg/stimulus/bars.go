package stimulus

import (
	"math"

	"prfsolve/internal/models"
)

// Blank marks a sweep direction during which the screen stays empty
const Blank = -1.0

// SimulateBars renders a sweeping-bar movie of width x height pixels. Each
// entry of sweeps is a travel direction in degrees (0 = rightwards, 90 =
// upwards) or Blank. Every sweep lasts framesPerSweep frames, during which
// a bar barWidth pixels thick crosses the whole field.
func SimulateBars(width, height, barWidth, framesPerSweep int, sweeps []float64) *models.Volume {
	frames := framesPerSweep * len(sweeps)
	vol := models.NewVolume(width, height, frames)

	cx := float64(width-1) / 2
	cy := float64(height-1) / 2
	reach := math.Hypot(float64(width), float64(height)) / 2
	half := float64(barWidth) / 2

	for s, dir := range sweeps {
		if dir == Blank {
			continue
		}
		theta := dir * math.Pi / 180
		ux, uy := math.Cos(theta), math.Sin(theta)
		for f := 0; f < framesPerSweep; f++ {
			pos := -reach + 2*reach*float64(f)/float64(max(framesPerSweep-1, 1))
			frame := s*framesPerSweep + f
			for y := 0; y < height; y++ {
				py := cy - float64(y)
				for x := 0; x < width; x++ {
					px := float64(x) - cx
					if math.Abs(px*ux+py*uy-pos) <= half {
						vol.Set(x, y, frame, 0, 1)
					}
				}
			}
		}
	}
	return vol
}

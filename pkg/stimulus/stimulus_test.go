package stimulus

import (
	"errors"
	"math"
	"testing"

	"prfsolve/internal/models"
)

func TestEncodeBinary(t *testing.T) {
	raw := models.NewVolume(4, 2, 2)
	raw.Set(0, 0, 0, 0, 10)
	raw.Set(1, 0, 0, 0, 4)  // rounds to 0
	raw.Set(2, 1, 1, 0, 12) // rounds to 1
	raw.Set(3, 1, 1, 0, 20) // maximum

	s, err := Encode(raw, Binary, Geometry{PixelsPerDegree: 2})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	if s.Width() != 4 || s.Height() != 2 || s.Frames() != 2 {
		t.Fatalf("Unexpected shape %dx%dx%d", s.Width(), s.Height(), s.Frames())
	}
	want := map[[3]int]int16{
		{0, 0, 0}: 1,
		{1, 0, 0}: 0,
		{2, 1, 1}: 1,
		{3, 1, 1}: 1,
	}
	for p, v := range want {
		if got := s.Value(p[0], p[1], p[2]); got != v {
			t.Errorf("Value%v = %d, want %d", p, got, v)
		}
	}
	if len(s.Active(0)) != 1 || len(s.Active(1)) != 2 {
		t.Errorf("Expected 1 and 2 active pixels, got %d and %d", len(s.Active(0)), len(s.Active(1)))
	}
}

func TestEncodeInt16Scaling(t *testing.T) {
	raw := models.NewVolume(2, 2, 1)
	raw.Data = []float64{0, 0.5, 1, 2}

	s, err := Encode(raw, Int16, Geometry{PixelsPerDegree: 1})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if got := s.Value(1, 1, 0); got != math.MaxInt16 {
		t.Errorf("Expected maximum to map to %d, got %d", math.MaxInt16, got)
	}
	if got := s.Value(0, 1, 0); got != 16384 {
		t.Errorf("Expected half scale 16384, got %d", got)
	}
	if c := s.Contrast(1, 1, 0); c != 1 {
		t.Errorf("Expected unit contrast at maximum, got %v", c)
	}
}

func TestEncodeFlattensExtraAxes(t *testing.T) {
	raw := models.NewFilledVolume(1, 3, 3, 1, 5)
	s, err := Encode(raw, Binary, Geometry{PixelsPerDegree: 1})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if s.Frames() != 5 {
		t.Errorf("Expected 5 frames, got %d", s.Frames())
	}
}

func TestEncodeErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  *models.Volume
		ppd  float64
	}{
		{"one dimension", models.NewFilledVolume(1, 10), 1},
		{"zero maximum", models.NewVolume(4, 4, 3), 1},
		{"negative maximum", models.NewFilledVolume(-3, 4, 4, 2), 1},
		{"empty axis", models.NewVolume(4, 0, 3), 1},
		{"non-finite", &models.Volume{Dims: []int{1, 2}, Data: []float64{1, math.NaN()}}, 1},
		{"no ppd", models.NewFilledVolume(1, 4, 4, 2), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, p := range []Precision{Binary, Int16} {
				_, err := Encode(tt.raw, p, Geometry{PixelsPerDegree: tt.ppd})
				var invalid *InvalidStimulusError
				if !errors.As(err, &invalid) {
					t.Fatalf("%s: expected InvalidStimulusError, got %v", p, err)
				}
			}
		})
	}
}

func TestGeometry(t *testing.T) {
	raw := models.NewFilledVolume(1, 100, 80, 2)
	s, err := Encode(raw, Binary, Geometry{PixelsPerDegree: 4, FrameDuration: 1.5})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	if s.DegreesPerPixel() != 0.25 {
		t.Errorf("Expected 0.25 degrees per pixel, got %v", s.DegreesPerPixel())
	}
	if s.ExtentDegrees() != 20 {
		t.Errorf("Expected 20 degree extent from the shorter axis, got %v", s.ExtentDegrees())
	}
	if s.ViewingDistance() != DefaultViewingDistance {
		t.Errorf("Expected default viewing distance, got %v", s.ViewingDistance())
	}
	wantCM := 2 * 50 * math.Tan(10*math.Pi/180)
	if math.Abs(s.ScreenWidth()-wantCM) > 1e-9 {
		t.Errorf("Expected screen width %v cm, got %v", wantCM, s.ScreenWidth())
	}

	if s.DegX(0) != -s.DegX(99) || s.DegX(0) >= 0 {
		t.Errorf("Expected symmetric x coordinates, got %v and %v", s.DegX(0), s.DegX(99))
	}
	if s.DegY(0) <= 0 || s.DegY(0) != -s.DegY(79) {
		t.Errorf("Expected top row above centre, got %v", s.DegY(0))
	}
}

func TestPixelsPerDegreeFromScreen(t *testing.T) {
	ppd, err := PixelsPerDegreeFromScreen(100, 25, 50)
	if err != nil {
		t.Fatalf("PixelsPerDegreeFromScreen failed: %v", err)
	}
	deg := 2 * math.Atan(12.5/50) * 180 / math.Pi
	if math.Abs(ppd-100/deg) > 1e-12 {
		t.Errorf("Expected %v ppd, got %v", 100/deg, ppd)
	}

	if _, err := PixelsPerDegreeFromScreen(100, 0, 50); err == nil {
		t.Error("Expected an error for a zero screen width")
	}
}

func TestSimulateBars(t *testing.T) {
	vol := SimulateBars(20, 20, 4, 10, []float64{Blank, 0, 90})
	if vol.Frames() != 1 || vol.Dims[2] != 30 {
		t.Fatalf("Expected 30 frames on the third axis, got dims %v", vol.Dims)
	}

	count := func(frame int) int {
		n := 0
		for y := 0; y < 20; y++ {
			for x := 0; x < 20; x++ {
				if vol.At(x, y, frame, 0) != 0 {
					n++
				}
			}
		}
		return n
	}

	for f := 0; f < 10; f++ {
		if count(f) != 0 {
			t.Fatalf("Expected blank frame %d", f)
		}
	}
	if count(15) == 0 || count(25) == 0 {
		t.Error("Expected the bar to cross the centre mid-sweep")
	}

	// a rightward sweep covers the left edge before the right edge
	if vol.At(0, 10, 12, 0) == 0 || vol.At(19, 10, 12, 0) != 0 {
		t.Error("Expected the rightward bar to start on the left")
	}
}

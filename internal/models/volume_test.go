package models

import (
	"math"
	"testing"
)

// TestVolumeLayout verifies that samples are stored with the first axis varying fastest
func TestVolumeLayout(t *testing.T) {
	v := NewVolume(3, 2, 2, 4)

	if v.Len() != 48 {
		t.Fatalf("Expected 48 samples, got %d", v.Len())
	}
	if v.Frames() != 4 {
		t.Errorf("Expected 4 frames, got %d", v.Frames())
	}
	if d := v.SpatialDims(); d != [3]int{3, 2, 2} {
		t.Errorf("Expected spatial dims [3 2 2], got %v", d)
	}

	v.Set(1, 0, 0, 0, 1)
	v.Set(0, 1, 0, 0, 2)
	v.Set(0, 0, 1, 0, 3)
	v.Set(0, 0, 0, 1, 4)
	v.Set(2, 1, 1, 3, 5)

	for offset, want := range map[int]float64{1: 1, 3: 2, 6: 3, 12: 4, 47: 5} {
		if v.Data[offset] != want {
			t.Errorf("Expected %v at offset %d, got %v", want, offset, v.Data[offset])
		}
	}
	if v.At(2, 1, 1, 3) != 5 {
		t.Errorf("At did not read back the stored sample")
	}
}

// TestVolumeMissingAxes verifies that lower-dimensional volumes behave as if trailing axes had length 1
func TestVolumeMissingAxes(t *testing.T) {
	v := NewFilledVolume(7, 4, 5)

	if d := v.SpatialDims(); d != [3]int{4, 5, 1} {
		t.Errorf("Expected spatial dims [4 5 1], got %v", d)
	}
	if v.Frames() != 1 {
		t.Errorf("Expected 1 frame, got %d", v.Frames())
	}
	if v.At(3, 4, 0, 0) != 7 {
		t.Errorf("Expected the fill value, got %v", v.At(3, 4, 0, 0))
	}
	if !v.Contains(Index{I: 3, J: 4}) || v.Contains(Index{I: 0, J: 0, K: 1}) || v.Contains(Index{I: -1}) {
		t.Error("Contains disagrees with the spatial extent")
	}
	if v.SpacingSeconds() != 0 {
		t.Errorf("Expected no time spacing for a 2D volume, got %v", v.SpacingSeconds())
	}
}

func TestVolumeSeries(t *testing.T) {
	v := NewVolume(2, 1, 1, 3)
	for f := 0; f < 3; f++ {
		v.Set(1, 0, 0, f, float64(f+1))
	}

	series := v.Series(Index{I: 1})
	if len(series) != 3 || series[0] != 1 || series[1] != 2 || series[2] != 3 {
		t.Fatalf("Unexpected series %v", series)
	}

	series[0] = 100
	if v.At(1, 0, 0, 0) != 1 {
		t.Error("Series must return a copy")
	}
}

func TestSpacingSeconds(t *testing.T) {
	v := NewVolume(1, 1, 1, 10)
	v.Pixdim[3] = 1500

	if v.SpacingSeconds() != 1500 {
		t.Errorf("Expected an unknown unit to be read as seconds, got %v", v.SpacingSeconds())
	}

	v.TimeUnitSeconds = 1e-3
	if math.Abs(v.SpacingSeconds()-1.5) > 1e-12 {
		t.Errorf("Expected 1.5 s, got %v", v.SpacingSeconds())
	}

	v.Pixdim[3] = 0
	if v.SpacingSeconds() != 0 {
		t.Errorf("Expected 0 for a missing spacing, got %v", v.SpacingSeconds())
	}
}

func TestMaskIndices(t *testing.T) {
	shape := [3]int{2, 2, 1}

	all := MaskIndices(shape, nil)
	want := []Index{{0, 0, 0}, {0, 1, 0}, {1, 0, 0}, {1, 1, 0}}
	if len(all) != len(want) {
		t.Fatalf("Expected %d indices, got %v", len(want), all)
	}
	for n := range want {
		if all[n] != want[n] {
			t.Errorf("Index %d: expected %s, got %s", n, want[n], all[n])
		}
	}

	mask := NewVolume(2, 2, 1)
	mask.Set(0, 1, 0, 0, 1)
	mask.Set(1, 0, 0, 0, math.NaN())
	mask.Set(1, 1, 0, 0, -2)

	selected := MaskIndices(shape, mask)
	if len(selected) != 2 || selected[0] != (Index{0, 1, 0}) || selected[1] != (Index{1, 1, 0}) {
		t.Errorf("Expected (0,1,0) and (1,1,0), got %v", selected)
	}

	if got := MaskIndices(shape, NewVolume(2, 2, 1)); len(got) != 0 {
		t.Errorf("Expected an empty mask to select nothing, got %v", got)
	}
}

func TestSameSpatialShape(t *testing.T) {
	if !SameSpatialShape(NewVolume(3, 4, 5, 10), NewVolume(3, 4, 5)) {
		t.Error("A 4D volume and a 3D mask of the same extent should match")
	}
	if SameSpatialShape(NewVolume(3, 4, 5), NewVolume(3, 4, 6)) {
		t.Error("Different extents should not match")
	}
}

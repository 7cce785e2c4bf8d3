package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ParamsFileNames lists the accepted experiment parameter files, in lookup order.
// JSON files are parsed with the YAML decoder, JSON being a subset of YAML.
var ParamsFileNames = []string{"params.json", "params.yaml", "params.yml"}

const (
	DefaultStimulusFile = "stimulus.nii.gz"
	DefaultDataFile     = "data.nii.gz"
	DefaultGridN        = 5
)

// ConfigurationError reports missing or invalid experiment parameters, missing
// input files, or timing/scale metadata that cannot be deduced. The experiment
// it belongs to is skipped.
type ConfigurationError struct {
	Dir string
	Msg string
	Err error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error in %s: %s: %v", e.Dir, e.Msg, e.Err)
	}
	return fmt.Sprintf("configuration error in %s: %s", e.Dir, e.Msg)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// Errorf builds a ConfigurationError for dir
func Errorf(dir, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Dir: dir, Msg: fmt.Sprintf(format, args...)}
}

// Range is an inclusive (min, max) search interval
type Range [2]float64

// Params is the content of an experiment parameter file. Optional numbers
// are pointers so that an absent key can be told apart from zero.
type Params struct {
	// TRLength is the data sampling interval in seconds
	TRLength *float64 `yaml:"TR_length"`

	// FrameRate is the stimulus frame duration in seconds
	FrameRate *float64 `yaml:"frame_rate"`

	// PixelsPerDegree of the stimulus display
	PixelsPerDegree *float64 `yaml:"pixels_per_degree"`

	// ScreenWidth and ScreenDistance (same unit) derive PixelsPerDegree
	// when it is not given
	ScreenWidth    *float64 `yaml:"screen_width"`
	ScreenDistance *float64 `yaml:"screen_distance"`

	StimulusFile string `yaml:"stimulus_file"`
	DataFile     string `yaml:"data_file"`
	MaskFile     string `yaml:"mask_file"`

	// GridN is the number of grid points per searched parameter
	GridN *int `yaml:"grid_n"`

	RangeX     []float64 `yaml:"range_x"`
	RangeY     []float64 `yaml:"range_y"`
	RangeSigma []float64 `yaml:"range_sigma"`
	RangeHRF   []float64 `yaml:"range_hrf"`
}

// FindParamsFile returns the parameter file held directly in dir
func FindParamsFile(dir string) (string, bool) {
	for _, name := range ParamsFileNames {
		p := filepath.Join(dir, name)
		if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() {
			return p, true
		}
	}
	return "", false
}

// LoadParams reads and validates the parameter file of an experiment directory
func LoadParams(dir string) (*Params, error) {
	path, ok := FindParamsFile(dir)
	if !ok {
		return nil, Errorf(dir, "no params file found")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigurationError{Dir: dir, Msg: "could not load " + filepath.Base(path), Err: err}
	}

	p := &Params{}
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, &ConfigurationError{Dir: dir, Msg: "could not parse " + filepath.Base(path), Err: err}
	}

	if err := p.Validate(); err != nil {
		return nil, &ConfigurationError{Dir: dir, Msg: "invalid parameters", Err: err}
	}
	return p, nil
}

// Validate checks value domains. It does not check that files exist.
func (p *Params) Validate() error {
	positive := []struct {
		name string
		v    *float64
	}{
		{"TR_length", p.TRLength},
		{"frame_rate", p.FrameRate},
		{"pixels_per_degree", p.PixelsPerDegree},
		{"screen_width", p.ScreenWidth},
		{"screen_distance", p.ScreenDistance},
	}
	for _, f := range positive {
		if f.v != nil && !(*f.v > 0 && !math.IsInf(*f.v, 0)) {
			return fmt.Errorf("%s must be a positive number, got %v", f.name, *f.v)
		}
	}

	if p.GridN != nil && *p.GridN < 2 {
		return fmt.Errorf("grid_n must be at least 2, got %d", *p.GridN)
	}

	ranges := []struct {
		name string
		v    []float64
	}{
		{"range_x", p.RangeX},
		{"range_y", p.RangeY},
		{"range_sigma", p.RangeSigma},
		{"range_hrf", p.RangeHRF},
	}
	for _, r := range ranges {
		if r.v == nil {
			continue
		}
		if _, err := toRange(r.name, r.v); err != nil {
			return err
		}
	}
	if p.RangeSigma != nil && p.RangeSigma[0] <= 0 {
		return fmt.Errorf("range_sigma must start above zero, got %v", p.RangeSigma[0])
	}
	return nil
}

func toRange(name string, v []float64) (Range, error) {
	if len(v) != 2 {
		return Range{}, fmt.Errorf("%s must have exactly two values, got %d", name, len(v))
	}
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return Range{}, fmt.Errorf("%s must be finite, got %v", name, v)
		}
	}
	if v[0] > v[1] {
		return Range{}, fmt.Errorf("%s minimum %v exceeds maximum %v", name, v[0], v[1])
	}
	return Range{v[0], v[1]}, nil
}

// Grid returns the search grid size
func (p *Params) Grid() int {
	if p.GridN == nil {
		return DefaultGridN
	}
	return *p.GridN
}

// SearchRanges returns the x, y, sigma and hrf-delay search ranges, falling
// back to defaults scaled by the stimulus extent in degrees:
// x, y in (-stimdeg, stimdeg), sigma in (0.05, 0.75*stimdeg), hrf in (-6, 6).
func (p *Params) SearchRanges(stimDeg float64) [4]Range {
	out := [4]Range{
		{-stimDeg, stimDeg},
		{-stimDeg, stimDeg},
		{0.05, stimDeg * 0.75},
		{-6, 6},
	}
	for i, v := range [][]float64{p.RangeX, p.RangeY, p.RangeSigma, p.RangeHRF} {
		if v != nil {
			out[i] = Range{v[0], v[1]}
		}
	}
	return out
}

// resolve makes a possibly relative file name absolute against dir
func resolve(dir, name, fallback string) string {
	if name == "" {
		name = fallback
	}
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(dir, name)
}

// StimulusPath returns the stimulus volume location for an experiment in dir
func (p *Params) StimulusPath(dir string) string {
	return resolve(dir, p.StimulusFile, DefaultStimulusFile)
}

// DataPath returns the data volume location for an experiment in dir
func (p *Params) DataPath(dir string) string {
	return resolve(dir, p.DataFile, DefaultDataFile)
}

// MaskPath returns the mask location, or "" when no mask is configured
func (p *Params) MaskPath(dir string) string {
	if p.MaskFile == "" {
		return ""
	}
	return resolve(dir, p.MaskFile, "")
}

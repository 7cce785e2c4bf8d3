package experiment

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"prfsolve/internal/models"
	"prfsolve/pkg/config"
	"prfsolve/pkg/fit"
	"prfsolve/pkg/nifti"
	"prfsolve/pkg/stimulus"
)

// minGain keeps the response amplitude positive during refinement
const minGain = 1e-8

// Experiment is a loaded, validated experiment directory, ready to solve
type Experiment struct {
	Dir    string
	Params *config.Params

	Stimulus *stimulus.Stimulus
	Data     *models.Volume

	// Mask selects the voxels to fit; nil selects all of them
	Mask *models.Volume

	// TR is the data sampling interval and FrameDuration the stimulus
	// frame duration, both in seconds
	TR            float64
	FrameDuration float64

	// FramesPerSample stimulus frames are averaged into each data sample
	FramesPerSample int

	GridN  int
	Grid   fit.Grid
	Bounds fit.Bounds
}

// Discover lists the experiment directories under root. A params file in
// root makes root the only experiment; otherwise every immediate
// subdirectory holding a params file is one, in lexical order.
func Discover(root string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", root)
	}
	if _, ok := config.FindParamsFile(root); ok {
		return []string{root}, nil
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	var dirs []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(root, e.Name())
		if _, ok := config.FindParamsFile(dir); ok {
			dirs = append(dirs, dir)
		}
	}
	return dirs, nil
}

// Load reads the parameters, stimulus, data and mask of an experiment and
// derives its timing and search space. Every failure is a
// *config.ConfigurationError.
func (r *Runner) Load(dir string) (*Experiment, error) {
	params, err := config.LoadParams(dir)
	if err != nil {
		return nil, err
	}

	rawStim, err := readVolume(dir, "stimulus", params.StimulusPath(dir))
	if err != nil {
		return nil, err
	}
	data, err := readVolume(dir, "data", params.DataPath(dir))
	if err != nil {
		return nil, err
	}
	if len(data.Dims) < 4 || data.Frames() < 2 {
		return nil, config.Errorf(dir, "data volume must be 4D with at least 2 frames, has dims %v", data.Dims)
	}
	if len(rawStim.Dims) < 3 {
		return nil, config.Errorf(dir, "stimulus volume must have a time axis, has dims %v", rawStim.Dims)
	}

	ppd, err := pixelsPerDegree(params, rawStim.Dims[0])
	if err != nil {
		return nil, &config.ConfigurationError{Dir: dir, Msg: "could not deduce screen pixels per degree", Err: err}
	}

	tr := data.SpacingSeconds()
	if params.TRLength != nil {
		tr = *params.TRLength
	}
	if !(tr > 0) {
		return nil, config.Errorf(dir, "TR_length is not given and the data header has no time spacing")
	}

	frameDur := frameSpacing(rawStim)
	if params.FrameRate != nil {
		frameDur = *params.FrameRate
	}
	if !(frameDur > 0) {
		frameDur = tr
	}

	fps := int(math.Round(tr / frameDur))
	if fps < 1 || math.Abs(float64(fps)*frameDur-tr) > 1e-3*tr {
		return nil, config.Errorf(dir, "TR %v s is not a whole number of %v s stimulus frames", tr, frameDur)
	}

	stim, err := stimulus.Encode(rawStim, r.opts.Precision, stimulus.Geometry{
		PixelsPerDegree: ppd,
		ViewingDistance: r.opts.ViewingDistance,
		Background:      r.opts.Background,
		FrameDuration:   frameDur,
	})
	if err != nil {
		return nil, &config.ConfigurationError{Dir: dir, Msg: "invalid stimulus", Err: err}
	}

	if samples := (stim.Frames() + fps - 1) / fps; samples != data.Frames() {
		return nil, config.Errorf(dir, "stimulus covers %d samples at %d frames per TR, data has %d",
			samples, fps, data.Frames())
	}

	mask, err := r.loadMask(dir, params, data)
	if err != nil {
		return nil, err
	}

	ranges := params.SearchRanges(stim.ExtentDegrees())
	grid := make(fit.Grid, len(ranges))
	bounds := make(fit.Bounds, 0, len(ranges)+2)
	for i, rg := range ranges {
		grid[i] = fit.Range{Min: rg[0], Max: rg[1]}
		bounds = append(bounds, fit.Bound{Lo: rg[0], Hi: rg[1]})
	}
	bounds = append(bounds, fit.AtLeast(minGain), fit.Free())

	return &Experiment{
		Dir:             dir,
		Params:          params,
		Stimulus:        stim,
		Data:            data,
		Mask:            mask,
		TR:              tr,
		FrameDuration:   frameDur,
		FramesPerSample: fps,
		GridN:           params.Grid(),
		Grid:            grid,
		Bounds:          bounds,
	}, nil
}

// loadMask reads the optional mask. A configured mask file that does not
// exist is reported and ignored.
func (r *Runner) loadMask(dir string, params *config.Params, data *models.Volume) (*models.Volume, error) {
	path := params.MaskPath(dir)
	if path == "" {
		return nil, nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		r.log.Warn("mask file not found, fitting every voxel", "dir", dir, "mask", path)
		return nil, nil
	}
	mask, err := readVolume(dir, "mask", path)
	if err != nil {
		return nil, err
	}
	if !models.SameSpatialShape(mask, data) {
		return nil, config.Errorf(dir, "mask shape %v does not match data shape %v", mask.SpatialDims(), data.SpatialDims())
	}
	return mask, nil
}

func readVolume(dir, what, path string) (*models.Volume, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, &config.ConfigurationError{Dir: dir, Msg: fmt.Sprintf("could not find %s file %s", what, path), Err: err}
	}
	vol, err := nifti.Read(path)
	if err != nil {
		return nil, &config.ConfigurationError{Dir: dir, Msg: "could not load " + what + " file", Err: err}
	}
	return vol, nil
}

// pixelsPerDegree takes the explicit value or derives it from the physical
// screen width spanned by the stimulus
func pixelsPerDegree(p *config.Params, pixelsAcross int) (float64, error) {
	if p.PixelsPerDegree != nil {
		return *p.PixelsPerDegree, nil
	}
	if p.ScreenWidth != nil && p.ScreenDistance != nil {
		return stimulus.PixelsPerDegreeFromScreen(pixelsAcross, *p.ScreenWidth, *p.ScreenDistance)
	}
	return 0, errors.New("need pixels_per_degree or both screen_width and screen_distance")
}

// frameSpacing is the spacing of the stimulus's last axis in seconds, or 0
func frameSpacing(v *models.Volume) float64 {
	if len(v.Dims) >= 4 {
		return v.SpacingSeconds()
	}
	last := len(v.Dims) - 1
	if last < 2 || last >= len(v.Pixdim) || v.Pixdim[last] <= 0 {
		return 0
	}
	unit := v.TimeUnitSeconds
	if unit == 0 {
		unit = 1
	}
	return v.Pixdim[last] * unit
}

// Package nifti reads and writes single-file NIfTI-1 volumes (.nii and
// gzip-compressed .nii.gz).
//
// Header layout follows nifti1.h,
// https://nifti.nimh.nih.gov/pub/dist/src/niftilib/nifti1.h
package nifti

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"prfsolve/internal/models"
)

// Header is the 348-byte NIfTI-1 header
type Header struct {
	SizeofHdr     int32      // Must be 348
	DataType      [10]byte   // Unused
	DbName        [18]byte   // Unused
	Extents       int32      // Unused
	SessionError  int16      // Unused
	Regular       byte       // Unused
	DimInfo       byte       // MRI slice ordering
	Dim           [8]int16   // Data array dimensions
	IntentP1      float32    // 1st intent parameter
	IntentP2      float32    // 2nd intent parameter
	IntentP3      float32    // 3rd intent parameter
	IntentCode    int16      // NIFTI_INTENT_* code
	Datatype      int16      // Defines data type
	Bitpix        int16      // Number bits/voxel
	SliceStart    int16      // First slice index
	Pixdim        [8]float32 // Grid spacing
	VoxOffset     float32    // Offset into .nii file
	SclSlope      float32    // Data scaling: slope
	SclInter      float32    // Data scaling: offset
	SliceEnd      int16      // Last slice index
	SliceCode     byte       // Slice timing order
	XyztUnits     byte       // Units of pixdim[1..4]
	CalMax        float32    // Max display intensity
	CalMin        float32    // Min display intensity
	SliceDuration float32    // Time for 1 slice
	Toffset       float32    // Time axis shift
	Glmax         int32      // Unused
	Glmin         int32      // Unused
	Descrip       [80]byte   // Any text you like
	AuxFile       [24]byte   // Auxiliary filename
	QformCode     int16      // NIFTI_XFORM_* code
	SformCode     int16      // NIFTI_XFORM_* code
	QuaternB      float32    // Quaternion b params
	QuaternC      float32    // Quaternion c params
	QuaternD      float32    // Quaternion d params
	QoffsetX      float32    // Quaternion x shift
	QoffsetY      float32    // Quaternion y shift
	QoffsetZ      float32    // Quaternion z shift
	SrowX         [4]float32 // 1st row affine transform
	SrowY         [4]float32 // 2nd row affine transform
	SrowZ         [4]float32 // 3rd row affine transform
	IntentName    [16]byte   // 'name' or meaning of data
	Magic         [4]byte    // "n+1\0" for single-file datasets
}

const (
	headerSize = 348
	dataOffset = 352
)

// Datatype codes
const (
	DTUint8   = 2
	DTInt16   = 4
	DTInt32   = 8
	DTFloat32 = 16
	DTFloat64 = 64
	DTInt8    = 256
	DTUint16  = 512
	DTUint32  = 768
)

// Units codes of the xyzt_units field
const (
	unitsMM   = 2
	unitsSec  = 8
	unitsMsec = 16
	unitsUsec = 24
	timeMask  = 0x38
)

var singleFileMagic = [4]byte{'n', '+', '1', 0}

// ErrNotNIfTI is returned for input that is not a single-file NIfTI-1 volume
var ErrNotNIfTI = errors.New("not a single-file NIfTI-1 volume")

func isGzip(path string) bool {
	return strings.HasSuffix(strings.ToLower(path), ".gz")
}

// Read loads a volume from path. Files ending in .gz are decompressed.
// Samples are converted to float64 and scaled by scl_slope/scl_inter.
func Read(path string) (*models.Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = bufio.NewReader(f)
	if isGzip(path) {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}

	vol, err := Decode(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return vol, nil
}

// Decode reads an uncompressed single-file NIfTI-1 stream
func Decode(r io.Reader) (*models.Volume, error) {
	h, order, err := readHeader(r)
	if err != nil {
		return nil, err
	}

	ndim := int(h.Dim[0])
	dims := make([]int, ndim)
	pixdim := make([]float64, ndim)
	n := 1
	for a := 0; a < ndim; a++ {
		dims[a] = int(h.Dim[a+1])
		if dims[a] < 1 {
			return nil, fmt.Errorf("axis %d has size %d", a, dims[a])
		}
		pixdim[a] = float64(h.Pixdim[a+1])
		n *= dims[a]
	}

	offset := int64(h.VoxOffset)
	if offset < dataOffset {
		offset = dataOffset
	}
	if _, err := io.CopyN(io.Discard, r, offset-headerSize); err != nil {
		return nil, fmt.Errorf("file has fewer bytes than offset requires: %w", err)
	}

	data, err := readData(r, order, h.Datatype, n)
	if err != nil {
		return nil, err
	}

	if slope := float64(h.SclSlope); slope != 0 && !(slope == 1 && h.SclInter == 0) {
		inter := float64(h.SclInter)
		for i, v := range data {
			data[i] = slope*v + inter
		}
	}

	return &models.Volume{
		Dims:            dims,
		Pixdim:          pixdim,
		TimeUnitSeconds: timeUnit(h.XyztUnits),
		Data:            data,
	}, nil
}

// readHeader decodes the header little-endian first and falls back to
// big-endian when dim[0] is out of range
func readHeader(r io.Reader) (Header, binary.ByteOrder, error) {
	raw := make([]byte, headerSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return Header{}, nil, fmt.Errorf("%w: short header: %v", ErrNotNIfTI, err)
	}

	var h Header
	var order binary.ByteOrder = binary.LittleEndian
	if err := binary.Read(bytes.NewReader(raw), order, &h); err != nil {
		return Header{}, nil, err
	}
	if h.Dim[0] < 1 || h.Dim[0] > 7 {
		order = binary.BigEndian
		h = Header{}
		if err := binary.Read(bytes.NewReader(raw), order, &h); err != nil {
			return Header{}, nil, err
		}
	}

	switch {
	case h.Dim[0] < 1 || h.Dim[0] > 7:
		return Header{}, nil, fmt.Errorf("%w: dim[0] is not in range [1, 7]", ErrNotNIfTI)
	case h.SizeofHdr != headerSize:
		return Header{}, nil, fmt.Errorf("%w: invalid header size %d", ErrNotNIfTI, h.SizeofHdr)
	case h.Magic != singleFileMagic:
		return Header{}, nil, fmt.Errorf("%w: data must be stored in the same file as the header", ErrNotNIfTI)
	}
	return h, order, nil
}

func readData(r io.Reader, order binary.ByteOrder, datatype int16, n int) ([]float64, error) {
	out := make([]float64, n)
	var err error
	switch datatype {
	case DTUint8:
		buf := make([]uint8, n)
		if _, err = io.ReadFull(r, buf); err == nil {
			for i, v := range buf {
				out[i] = float64(v)
			}
		}
	case DTInt8:
		buf := make([]int8, n)
		if err = binary.Read(r, order, buf); err == nil {
			for i, v := range buf {
				out[i] = float64(v)
			}
		}
	case DTInt16:
		buf := make([]int16, n)
		if err = binary.Read(r, order, buf); err == nil {
			for i, v := range buf {
				out[i] = float64(v)
			}
		}
	case DTUint16:
		buf := make([]uint16, n)
		if err = binary.Read(r, order, buf); err == nil {
			for i, v := range buf {
				out[i] = float64(v)
			}
		}
	case DTInt32:
		buf := make([]int32, n)
		if err = binary.Read(r, order, buf); err == nil {
			for i, v := range buf {
				out[i] = float64(v)
			}
		}
	case DTUint32:
		buf := make([]uint32, n)
		if err = binary.Read(r, order, buf); err == nil {
			for i, v := range buf {
				out[i] = float64(v)
			}
		}
	case DTFloat32:
		buf := make([]float32, n)
		if err = binary.Read(r, order, buf); err == nil {
			for i, v := range buf {
				out[i] = float64(v)
			}
		}
	case DTFloat64:
		err = binary.Read(r, order, out)
	default:
		return nil, fmt.Errorf("unsupported datatype %d", datatype)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %d samples: %w", n, err)
	}
	return out, nil
}

func timeUnit(units byte) float64 {
	switch units & timeMask {
	case unitsSec:
		return 1
	case unitsMsec:
		return 1e-3
	case unitsUsec:
		return 1e-6
	}
	return 0
}

// Write stores vol at path as float32 samples, gzip-compressed when path
// ends in .gz. Spacing of a fourth axis is written in seconds.
func Write(path string, vol *models.Volume) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	bw := bufio.NewWriter(f)
	var w io.Writer = bw
	var gz *gzip.Writer
	if isGzip(path) {
		gz = gzip.NewWriter(bw)
		w = gz
	}

	err = Encode(w, vol)
	if gz != nil {
		if cerr := gz.Close(); err == nil {
			err = cerr
		}
	}
	if ferr := bw.Flush(); err == nil {
		err = ferr
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// Encode writes vol as an uncompressed little-endian NIfTI-1 stream
func Encode(w io.Writer, vol *models.Volume) error {
	if len(vol.Dims) < 1 || len(vol.Dims) > 7 {
		return fmt.Errorf("cannot store a volume with %d axes", len(vol.Dims))
	}
	n := 1
	for _, d := range vol.Dims {
		if d < 1 || d > math.MaxInt16 {
			return fmt.Errorf("axis size %d out of range", d)
		}
		n *= d
	}
	if n != len(vol.Data) {
		return fmt.Errorf("volume has %d samples, dims describe %d", len(vol.Data), n)
	}

	h := Header{
		SizeofHdr: headerSize,
		Regular:   'r',
		Datatype:  DTFloat32,
		Bitpix:    32,
		VoxOffset: dataOffset,
		SclSlope:  1,
		XyztUnits: unitsMM | unitsSec,
		Magic:     singleFileMagic,
	}
	h.Dim[0] = int16(len(vol.Dims))
	h.Pixdim[0] = 1
	for a, d := range vol.Dims {
		h.Dim[a+1] = int16(d)
		h.Pixdim[a+1] = 1
		if a < len(vol.Pixdim) && vol.Pixdim[a] > 0 {
			h.Pixdim[a+1] = float32(vol.Pixdim[a])
		}
	}
	for a := len(vol.Dims) + 1; a < len(h.Dim); a++ {
		h.Dim[a] = 1
	}
	if s := vol.SpacingSeconds(); s > 0 {
		h.Pixdim[4] = float32(s)
	}

	if err := binary.Write(w, binary.LittleEndian, &h); err != nil {
		return err
	}
	// empty extension block
	if _, err := w.Write(make([]byte, dataOffset-headerSize)); err != nil {
		return err
	}

	buf := make([]float32, len(vol.Data))
	for i, v := range vol.Data {
		buf[i] = float32(v)
	}
	return binary.Write(w, binary.LittleEndian, buf)
}

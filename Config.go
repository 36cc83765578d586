package shmcam

import (
	"fmt"

	"github.com/pkg/errors"
)

// ElementType is the type of the elements of a shared array.
type ElementType int32

const (
	TypeNone ElementType = iota
	TypeUint8
	TypeUint16
	TypeFloat32
	TypeFloat64
)

func (t ElementType) Size() int {
	switch t {
	case TypeUint8:
		return 1
	case TypeUint16:
		return 2
	case TypeFloat32:
		return 4
	case TypeFloat64:
		return 8
	}
	return 0
}

func (t ElementType) String() string {
	switch t {
	case TypeUint8:
		return "uint8"
	case TypeUint16:
		return "uint16"
	case TypeFloat32:
		return "float32"
	case TypeFloat64:
		return "float64"
	}
	return "none"
}

// ParseElementType is the inverse of ElementType.String.
func ParseElementType(s string) (ElementType, error) {
	for t := TypeUint8; t <= TypeFloat64; t++ {
		if t.String() == s {
			return t, nil
		}
	}
	return TypeNone, errors.Wrapf(ErrBadArgument, "unknown pixel type %q", s)
}

// Encoding describes the layout of the raw pixels delivered by a device.
type Encoding int32

const (
	EncodingNone Encoding = iota
	EncodingMono8
	EncodingMono16       // little endian 16-bit words, BitDepth significant bits
	EncodingMono12Packed // two 12-bit pixels in three bytes
	EncodingYUYV         // 4:2:2, luminance only is kept
)

func (e Encoding) String() string {
	switch e {
	case EncodingMono8:
		return "mono8"
	case EncodingMono16:
		return "mono16"
	case EncodingMono12Packed:
		return "mono12p"
	case EncodingYUYV:
		return "yuyv"
	}
	return "none"
}

func ParseEncoding(s string) (Encoding, error) {
	for e := EncodingMono8; e <= EncodingYUYV; e++ {
		if e.String() == s {
			return e, nil
		}
	}
	return EncodingNone, errors.Wrapf(ErrBadArgument, "unknown encoding %q", s)
}

// StrideMin returns the smallest legal number of bytes per row for width pixels.
func (e Encoding) StrideMin(width int) int {
	switch e {
	case EncodingMono8:
		return width
	case EncodingMono16, EncodingYUYV:
		return 2 * width
	case EncodingMono12Packed:
		return (3*width + 1) / 2
	}
	return 0
}

// MaxBitDepth is the largest number of significant bits the encoding can carry.
func (e Encoding) MaxBitDepth() int32 {
	switch e {
	case EncodingMono8, EncodingYUYV:
		return 8
	case EncodingMono12Packed:
		return 12
	case EncodingMono16:
		return 16
	}
	return 0
}

// Preprocessing selects the corrections applied by the pixel pipeline.
type Preprocessing int32

const (
	// PreprocessingNone converts raw values to the output type.
	PreprocessingNone Preprocessing = iota
	// PreprocessingAffine computes (raw - b)*a.
	PreprocessingAffine
	// PreprocessingFull is affine plus weights q/(max(dat,0) + r).
	PreprocessingFull
)

func (p Preprocessing) String() string {
	switch p {
	case PreprocessingNone:
		return "none"
	case PreprocessingAffine:
		return "affine"
	case PreprocessingFull:
		return "full"
	}
	return "unknown"
}

func ParsePreprocessing(s string) (Preprocessing, error) {
	for p := PreprocessingNone; p <= PreprocessingFull; p++ {
		if p.String() == s {
			return p, nil
		}
	}
	return PreprocessingNone, errors.Wrapf(ErrBadArgument, "unknown pre-processing %q", s)
}

// Arrays is the number of pre-processing arrays used by a method.
func (p Preprocessing) Arrays() int {
	switch p {
	case PreprocessingAffine:
		return 2
	case PreprocessingFull:
		return 4
	}
	return 0
}

// Indices of the pre-processing arrays.
const (
	PreprocA = iota // gain, e.g. inverse flat-field
	PreprocB        // bias + dark
	PreprocQ        // weight numerator, 0 for bad pixels
	PreprocR        // weight denominator offset (read-out variance)
	NumPreproc
)

// Config is a snapshot of the camera configuration. It has a fixed layout because
// it is stored as is in shared memory.
type Config struct {
	SensorWidth   int32 // read-only, reported by the device
	SensorHeight  int32
	Xoff          int32
	Yoff          int32
	Width         int32
	Height        int32
	Encoding      Encoding
	BitDepth      int32
	PixelType     ElementType
	Preprocessing Preprocessing
	Buffers       int32 // number of device acquisition buffers
	_             int32
	FrameRate     float64 // frames per second
	ExposureTime  float64 // seconds
}

// DefaultConfig is used when a device leaves fields unset.
func DefaultConfig() Config {
	return Config{
		Width:         640,
		Height:        480,
		Encoding:      EncodingMono8,
		BitDepth:      8,
		PixelType:     TypeFloat32,
		Preprocessing: PreprocessingNone,
		Buffers:       4,
		FrameRate:     25,
		ExposureTime:  0.01,
	}
}

// Validate checks the settable fields.
func (c Config) Validate() error {
	switch {
	case c.Width <= 0 || c.Height <= 0:
		return errors.Wrapf(ErrBadArgument, "bad image size %dx%d", c.Width, c.Height)
	case c.Xoff < 0 || c.Yoff < 0:
		return errors.Wrapf(ErrBadArgument, "bad offsets %d,%d", c.Xoff, c.Yoff)
	case c.SensorWidth > 0 && c.Xoff+c.Width > c.SensorWidth,
		c.SensorHeight > 0 && c.Yoff+c.Height > c.SensorHeight:
		return errors.Wrapf(ErrBadArgument, "region of interest out of the %dx%d sensor",
			c.SensorWidth, c.SensorHeight)
	case c.Encoding.StrideMin(1) == 0:
		return errors.Wrapf(ErrBadArgument, "bad encoding %d", c.Encoding)
	case c.BitDepth <= 0 || c.BitDepth > c.Encoding.MaxBitDepth():
		return errors.Wrapf(ErrBadArgument, "bad bit depth %d", c.BitDepth)
	case c.PixelType.Size() == 0:
		return errors.Wrapf(ErrBadArgument, "bad pixel type %d", c.PixelType)
	case c.Preprocessing < PreprocessingNone || c.Preprocessing > PreprocessingFull:
		return errors.Wrapf(ErrBadArgument, "bad pre-processing %d", c.Preprocessing)
	case c.Preprocessing == PreprocessingFull && c.PixelType.Size() < 4:
		return errors.Wrapf(ErrBadArgument, "weighted images need a floating-point pixel type")
	case c.FrameRate < 0 || c.ExposureTime < 0:
		return errors.Wrapf(ErrBadArgument, "bad timing %g fps, %g s", c.FrameRate, c.ExposureTime)
	}
	return nil
}

// Saturation is the largest raw value for the configured bit depth.
func (c Config) Saturation() float64 {
	return float64(uint32(1)<<uint(c.BitDepth) - 1)
}

// OutputDims returns the dimensions of an output image for this configuration:
// width × height, with a third dimension of 2 when weights are produced.
func (c Config) OutputDims() []int {
	if c.Preprocessing == PreprocessingFull {
		return []int{int(c.Width), int(c.Height), 2}
	}
	return []int{int(c.Width), int(c.Height)}
}

func (c Config) String() string {
	return fmt.Sprintf("%dx%d+%d+%d %s/%d -> %s (%s) %g fps", c.Width, c.Height, c.Xoff, c.Yoff,
		c.Encoding, c.BitDepth, c.PixelType, c.Preprocessing, c.FrameRate)
}

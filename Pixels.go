package shmcam

import (
	"encoding/binary"
	"math"
	"unsafe"

	"github.com/pkg/errors"
)

// PixelCallback converts the raw pixels of a frame into an output image.
type PixelCallback func(ctx *PixelContext) error

// PixelContext is what a pixel callback gets for one frame. The slices are only
// valid during the call: Raw is the device buffer, Data and Weights are parts of
// the locked output image and Arrays are the server's copies of the
// pre-processing arrays (width×height, nil when unused).
type PixelContext struct {
	Preprocessing Preprocessing
	Encoding      Encoding
	Width         int
	Height        int
	Stride        int
	StrideMin     int
	Saturation    float64
	PixelType     ElementType

	Raw     []byte
	Data    []byte
	Weights []byte
	Arrays  [NumPreproc][]float32
}

func (ctx *PixelContext) check() error {
	n := ctx.Width * ctx.Height
	switch {
	case ctx.Width <= 0 || ctx.Height <= 0:
		return errors.Wrapf(ErrBadArgument, "bad frame size %dx%d", ctx.Width, ctx.Height)
	case ctx.StrideMin == 0:
		return errors.Wrapf(ErrBadArgument, "unsupported encoding %s", ctx.Encoding)
	case ctx.Stride < ctx.StrideMin:
		return errors.Wrapf(ErrBadArgument, "stride %d below %d", ctx.Stride, ctx.StrideMin)
	case len(ctx.Raw) < (ctx.Height-1)*ctx.Stride+ctx.StrideMin:
		return errors.Wrapf(ErrBadArgument, "raw frame of %d bytes too small", len(ctx.Raw))
	case len(ctx.Data) < n*ctx.PixelType.Size():
		return errors.Wrapf(ErrBadArgument, "output image of %d bytes too small", len(ctx.Data))
	case ctx.Preprocessing == PreprocessingFull && len(ctx.Weights) < n*ctx.PixelType.Size():
		return errors.Wrap(ErrBadArgument, "missing weights")
	}
	for i := 0; i < ctx.Preprocessing.Arrays(); i++ {
		if len(ctx.Arrays[i]) < n {
			return errors.Wrapf(ErrBadArgument, "pre-processing array %d too small", i)
		}
	}
	return nil
}

// ConvertPixels is the default pixel callback. It decodes the raw rows and applies
// the configured corrections:
//
//	none:   dat = raw
//	affine: dat = (raw - b)*a
//	full:   dat = (raw - b)*a, wgt = q/(max(dat,0) + r), wgt = 0 for saturated raw values
func ConvertPixels(ctx *PixelContext) error {
	if err := ctx.check(); err != nil {
		return err
	}
	w := ctx.Width
	raw := make([]float64, w)
	dat := make([]float64, w)
	var wgt []float64
	if ctx.Preprocessing == PreprocessingFull {
		wgt = make([]float64, w)
	}
	a, b, q, r := ctx.Arrays[PreprocA], ctx.Arrays[PreprocB], ctx.Arrays[PreprocQ], ctx.Arrays[PreprocR]
	for y := 0; y < ctx.Height; y++ {
		decodeRow(ctx.Encoding, ctx.Raw[y*ctx.Stride:], raw)
		off := y * w
		switch ctx.Preprocessing {
		case PreprocessingNone:
			copy(dat, raw)
		case PreprocessingAffine:
			for x, v := range raw {
				dat[x] = (v - float64(b[off+x])) * float64(a[off+x])
			}
		case PreprocessingFull:
			for x, v := range raw {
				d := (v - float64(b[off+x])) * float64(a[off+x])
				dat[x] = d
				if v >= ctx.Saturation || q[off+x] == 0 {
					wgt[x] = 0
				} else {
					wgt[x] = float64(q[off+x]) / (math.Max(d, 0) + float64(r[off+x]))
				}
			}
		}
		storeRow(ctx.PixelType, ctx.Data, off, dat)
		if wgt != nil {
			storeRow(ctx.PixelType, ctx.Weights, off, wgt)
		}
	}
	return nil
}

// decodeRow reads len(dst) pixels of a row starting at src.
func decodeRow(enc Encoding, src []byte, dst []float64) {
	switch enc {
	case EncodingMono8:
		for x := range dst {
			dst[x] = float64(src[x])
		}
	case EncodingMono16:
		for x := range dst {
			dst[x] = float64(binary.LittleEndian.Uint16(src[2*x:]))
		}
	case EncodingYUYV:
		for x := range dst {
			dst[x] = float64(src[2*x])
		}
	case EncodingMono12Packed:
		for x := 0; x < len(dst); x += 2 {
			p := src[3*x/2:]
			dst[x] = float64(uint16(p[0])<<4 | uint16(p[1]&0x0f))
			if x+1 < len(dst) {
				dst[x+1] = float64(uint16(p[2])<<4 | uint16(p[1]>>4))
			}
		}
	}
}

type pixel interface {
	~uint8 | ~uint16 | ~float32 | ~float64
}

// storeRow writes row at element offset off of buf, which holds elements of type t.
func storeRow(t ElementType, buf []byte, off int, row []float64) {
	switch t {
	case TypeUint8:
		storeInts(buf[off:off+len(row)], row, math.MaxUint8)
	case TypeUint16:
		storeInts(elements[uint16](buf)[off:off+len(row)], row, math.MaxUint16)
	case TypeFloat32:
		storeFloats(elements[float32](buf)[off:off+len(row)], row)
	case TypeFloat64:
		storeFloats(elements[float64](buf)[off:off+len(row)], row)
	}
}

func elements[T pixel](buf []byte) []T {
	var zero T
	return unsafe.Slice((*T)(unsafe.Pointer(&buf[0])), len(buf)/int(unsafe.Sizeof(zero)))
}

// storeInts rounds and clamps to [0,max].
func storeInts[T ~uint8 | ~uint16](dst []T, src []float64, max float64) {
	for i, v := range src {
		switch {
		case !(v > 0):
			dst[i] = 0
		case v >= max:
			dst[i] = T(max)
		default:
			dst[i] = T(v + 0.5)
		}
	}
}

func storeFloats[T ~float32 | ~float64](dst []T, src []float64) {
	for i, v := range src {
		dst[i] = T(v)
	}
}

package shmcam

import (
	"encoding/binary"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPixelContext(enc Encoding, w, h, stride int, raw []byte, t ElementType, p Preprocessing) *PixelContext {
	ctx := &PixelContext{
		Preprocessing: p,
		Encoding:      enc,
		Width:         w,
		Height:        h,
		Stride:        stride,
		StrideMin:     enc.StrideMin(w),
		Saturation:    255,
		PixelType:     t,
		Raw:           raw,
		Data:          make([]byte, w*h*t.Size()),
	}
	if p == PreprocessingFull {
		ctx.Weights = make([]byte, w*h*t.Size())
	}
	return ctx
}

func TestConvertMono8WithPadding(t *testing.T) {
	raw := []byte{
		1, 2, 3, 0xee, 0xee,
		4, 5, 6, 0xee, 0xee,
	}
	ctx := newPixelContext(EncodingMono8, 3, 2, 5, raw, TypeUint8, PreprocessingNone)
	require.NoError(t, ConvertPixels(ctx))
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, ctx.Data)
}

func TestConvertMono16(t *testing.T) {
	raw := make([]byte, 4)
	binary.LittleEndian.PutUint16(raw, 258)
	binary.LittleEndian.PutUint16(raw[2:], 4095)
	ctx := newPixelContext(EncodingMono16, 2, 1, 4, raw, TypeFloat32, PreprocessingNone)
	require.NoError(t, ConvertPixels(ctx))
	assert.Equal(t, []float32{258, 4095}, elements[float32](ctx.Data))
}

func TestConvertMono12Packed(t *testing.T) {
	raw := []byte{0xab, 0x3c, 0x12, 0x45, 0x06}
	ctx := newPixelContext(EncodingMono12Packed, 3, 1, 5, raw, TypeUint16, PreprocessingNone)
	require.NoError(t, ConvertPixels(ctx))
	assert.Equal(t, []uint16{0xabc, 0x123, 0x456}, elements[uint16](ctx.Data))
}

func TestMono12PackedMatchesSimulator(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Width, cfg.Encoding, cfg.BitDepth = 7, EncodingMono12Packed, 12
	row := make([]byte, cfg.Encoding.StrideMin(int(cfg.Width)))
	encodeRow(cfg, row, 5, 2, 0)

	got := make([]float64, cfg.Width)
	decodeRow(cfg.Encoding, row, got)
	for x := range got {
		assert.Equal(t, float64(SimulatedPixel(5, x, 2, 12)), got[x], "pixel %d", x)
	}
}

func TestConvertYUYVKeepsLuma(t *testing.T) {
	raw := []byte{10, 128, 20, 64}
	ctx := newPixelContext(EncodingYUYV, 2, 1, 4, raw, TypeFloat64, PreprocessingNone)
	require.NoError(t, ConvertPixels(ctx))
	assert.Equal(t, []float64{10, 20}, elements[float64](ctx.Data))
}

func TestConvertAffineClampsIntegers(t *testing.T) {
	raw := []byte{200, 10, 5}
	ctx := newPixelContext(EncodingMono8, 3, 1, 3, raw, TypeUint8, PreprocessingAffine)
	ctx.Arrays[PreprocA] = []float32{2, 1, 0.5}
	ctx.Arrays[PreprocB] = []float32{0, 20, 0}
	require.NoError(t, ConvertPixels(ctx))
	// 400 saturates, -10 clips, 2.5 rounds up.
	assert.Equal(t, []byte{255, 0, 3}, ctx.Data)
}

func TestConvertFullComputesWeights(t *testing.T) {
	raw := []byte{10, 50, 255, 30, 100}
	ctx := newPixelContext(EncodingMono8, 5, 1, 5, raw, TypeFloat32, PreprocessingFull)
	ctx.Arrays[PreprocA] = []float32{1, 2, 1, 1, 1}
	ctx.Arrays[PreprocB] = []float32{0, 10, 0, 40, 0}
	ctx.Arrays[PreprocQ] = []float32{1, 1, 1, 2, 0}
	ctx.Arrays[PreprocR] = []float32{1, 1, 1, 4, 1}
	require.NoError(t, ConvertPixels(ctx))

	assert.Equal(t, []float32{10, 80, 255, -10, 100}, elements[float32](ctx.Data))
	want := []float32{1.0 / 11, 1.0 / 81, 0, 0.5, 0}
	got := elements[float32](ctx.Weights)
	for i := range want {
		assert.InDelta(t, want[i], got[i], 1e-7, "weight %d", i)
	}
}

func TestConvertRejectsBadContext(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*PixelContext)
	}{
		{"stride too small", func(ctx *PixelContext) { ctx.Stride = 2 }},
		{"raw too short", func(ctx *PixelContext) { ctx.Raw = ctx.Raw[:4] }},
		{"output too small", func(ctx *PixelContext) { ctx.Data = ctx.Data[:3] }},
		{"no encoding", func(ctx *PixelContext) { ctx.StrideMin = 0 }},
		{"missing arrays", func(ctx *PixelContext) { ctx.Preprocessing = PreprocessingAffine }},
		{"missing weights", func(ctx *PixelContext) {
			ctx.Preprocessing = PreprocessingFull
			for i := range ctx.Arrays {
				ctx.Arrays[i] = make([]float32, 6)
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := newPixelContext(EncodingMono8, 3, 2, 3, make([]byte, 6), TypeFloat32, PreprocessingNone)
			tt.modify(ctx)
			assert.Equal(t, ErrBadArgument, errors.Cause(ConvertPixels(ctx)))
		})
	}
}

package shmcam

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"zero width", func(c *Config) { c.Width = 0 }},
		{"negative offset", func(c *Config) { c.Xoff = -1 }},
		{"roi out of sensor", func(c *Config) { c.SensorWidth, c.Xoff = 640, 1 }},
		{"no encoding", func(c *Config) { c.Encoding = EncodingNone }},
		{"too deep for mono8", func(c *Config) { c.BitDepth = 12 }},
		{"no pixel type", func(c *Config) { c.PixelType = TypeNone }},
		{"unknown preprocessing", func(c *Config) { c.Preprocessing = 7 }},
		{"weights in integers", func(c *Config) {
			c.Preprocessing, c.PixelType = PreprocessingFull, TypeUint16
		}},
		{"negative rate", func(c *Config) { c.FrameRate = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Equal(t, ErrBadArgument, errors.Cause(err))
		})
	}
}

func TestConfigSaturationAndDims(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 255.0, cfg.Saturation())
	assert.Equal(t, []int{640, 480}, cfg.OutputDims())

	cfg.Encoding, cfg.BitDepth = EncodingMono12Packed, 12
	cfg.Preprocessing = PreprocessingFull
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 4095.0, cfg.Saturation())
	assert.Equal(t, []int{640, 480, 2}, cfg.OutputDims())
}

func TestEncodingStrideMin(t *testing.T) {
	assert.Equal(t, 5, EncodingMono8.StrideMin(5))
	assert.Equal(t, 10, EncodingMono16.StrideMin(5))
	assert.Equal(t, 10, EncodingYUYV.StrideMin(5))
	assert.Equal(t, 6, EncodingMono12Packed.StrideMin(4))
	assert.Equal(t, 8, EncodingMono12Packed.StrideMin(5))
	assert.Equal(t, 0, EncodingNone.StrideMin(5))
}

func TestParseNames(t *testing.T) {
	e, err := ParseEncoding("mono12p")
	require.NoError(t, err)
	assert.Equal(t, EncodingMono12Packed, e)

	p, err := ParsePreprocessing("affine")
	require.NoError(t, err)
	assert.Equal(t, PreprocessingAffine, p)

	ty, err := ParseElementType("float64")
	require.NoError(t, err)
	assert.Equal(t, TypeFloat64, ty)

	_, err = ParseElementType("complex")
	assert.Error(t, err)
}

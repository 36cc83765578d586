package shmcam

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func configureSimulator(t *testing.T, sim *Simulator, modify func(*Config)) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Width, cfg.Height = 4, 2
	cfg.FrameRate = 0
	if modify != nil {
		modify(&cfg)
	}
	eff, err := sim.Configure(cfg)
	require.NoError(t, err)
	return eff
}

func TestSimulatorConfigure(t *testing.T) {
	sim := NewSimulator(8, 4)
	eff := configureSimulator(t, sim, nil)
	assert.Equal(t, int32(8), eff.SensorWidth)
	assert.Equal(t, int32(4), eff.SensorHeight)

	cfg := eff
	cfg.Xoff = 5
	_, err := sim.Configure(cfg)
	assert.Equal(t, ErrBadArgument, errors.Cause(err))

	require.NoError(t, sim.Start())
	_, err = sim.Configure(eff)
	assert.Equal(t, ErrBadRunlevel, errors.Cause(err))
}

func TestSimulatorPattern(t *testing.T) {
	sim := NewSimulator(8, 4)
	configureSimulator(t, sim, func(c *Config) {
		c.Width, c.Height, c.Xoff, c.Yoff = 6, 3, 1, 1
		c.Encoding, c.BitDepth = EncodingMono16, 12
	})
	sim.SetPadding(4)
	require.NoError(t, sim.Start())

	frame, err := sim.AcquireFrame(time.Second)
	require.NoError(t, err)
	assert.Equal(t, 16, frame.Stride)
	assert.Equal(t, int64(1), sim.Frames())
	for y := 0; y < 3; y++ {
		for x := 0; x < 6; x++ {
			got := binary.LittleEndian.Uint16(frame.Data[y*frame.Stride+2*x:])
			assert.Equal(t, SimulatedPixel(1, x+1, y+1, 12), got, "pixel %d,%d", x, y)
		}
	}
	assert.NoError(t, frame.Release())
}

func TestSimulatorErrors(t *testing.T) {
	sim := NewSimulator(8, 4)
	configureSimulator(t, sim, nil)

	_, err := sim.AcquireFrame(time.Second)
	require.Error(t, err)
	assert.False(t, IsUnrecoverable(err))

	require.NoError(t, sim.Start())
	sim.FailNext(2)
	for i := 0; i < 2; i++ {
		_, err := sim.AcquireFrame(time.Second)
		require.Error(t, err)
		assert.False(t, IsUnrecoverable(err))
		assert.False(t, IsTimeout(err))
	}
	_, err = sim.AcquireFrame(time.Second)
	require.NoError(t, err)

	sim.Break()
	_, err = sim.AcquireFrame(time.Second)
	assert.True(t, IsUnrecoverable(err))
	require.NoError(t, sim.Stop())
	assert.True(t, IsUnrecoverable(sim.Start()))
}

func TestSimulatorPacing(t *testing.T) {
	sim := NewSimulator(8, 4)
	configureSimulator(t, sim, func(c *Config) { c.FrameRate = 1 })
	require.NoError(t, sim.Start())

	_, err := sim.AcquireFrame(time.Second)
	require.NoError(t, err)
	_, err = sim.AcquireFrame(20 * time.Millisecond)
	assert.True(t, IsTimeout(err))
}

func TestSimulatorHang(t *testing.T) {
	sim := NewSimulator(8, 4)
	configureSimulator(t, sim, nil)
	require.NoError(t, sim.Start())

	release := sim.Hang()
	done := make(chan error, 1)
	go func() {
		_, err := sim.AcquireFrame(time.Second)
		done <- err
	}()
	require.Eventually(t, sim.Blocked, time.Second, time.Millisecond)
	select {
	case <-done:
		t.Fatal("acquisition returned while hanging")
	case <-time.After(50 * time.Millisecond):
	}
	release()
	release()
	assert.NoError(t, <-done)
	assert.False(t, sim.Blocked())
}

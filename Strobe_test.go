package shmcam

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/gpio/gpiotest"
)

// tracePin records the levels driven on a pin.
type tracePin struct {
	*gpiotest.Pin
	levels []gpio.Level
}

func (p *tracePin) Out(l gpio.Level) error {
	p.levels = append(p.levels, l)
	return p.Pin.Out(l)
}

func TestStrobeTriggersEveryFrame(t *testing.T) {
	sim := NewSimulator(8, 4)
	configureSimulator(t, sim, nil)
	trigger := &tracePin{Pin: &gpiotest.Pin{N: "GPIO17", Num: 17}}
	ready := &gpiotest.Pin{N: "GPIO27", Num: 27}

	strobe, err := NewStrobeDevice(sim, trigger, ready, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, gpio.PullUp, ready.Pull())
	require.NoError(t, strobe.Start())

	// Pulled up: the camera is busy.
	_, err = strobe.AcquireFrame(time.Second)
	require.Error(t, err)
	assert.False(t, IsUnrecoverable(err))
	assert.Zero(t, strobe.Pulses())

	require.NoError(t, ready.In(gpio.PullDown, gpio.NoEdge))
	for i := 0; i < 3; i++ {
		_, err := strobe.AcquireFrame(time.Second)
		require.NoError(t, err)
	}
	assert.Equal(t, int64(3), strobe.Pulses())
	assert.Equal(t, int64(3), sim.Frames())

	require.NoError(t, strobe.Stop())
	assert.Equal(t, []gpio.Level{gpio.Low, gpio.High, gpio.Low, gpio.High, gpio.Low, gpio.High, gpio.Low, gpio.Low},
		trigger.levels)
	assert.Equal(t, gpio.Low, trigger.Read())
}

func TestStrobeWithoutReadyLine(t *testing.T) {
	sim := NewSimulator(8, 4)
	configureSimulator(t, sim, nil)
	strobe, err := NewStrobeDevice(sim, &gpiotest.Pin{N: "GPIO17", Num: 17}, nil, 0)
	require.NoError(t, err)
	assert.True(t, strobe.IsReady())

	_, err = NewStrobeDevice(sim, nil, nil, 0)
	assert.Equal(t, ErrBadArgument, errors.Cause(err))
}

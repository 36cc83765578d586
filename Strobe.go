package shmcam

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"periph.io/x/periph/conn/gpio"
)

// StrobeDevice decorates a Device whose exposures are triggered by a GPIO line:
// every acquisition is preceded by a pulse on TriggerPin. When ReadyPin is set,
// the camera signals it can take a new exposure by pulling it low.
type StrobeDevice struct {
	Device
	TriggerPin gpio.PinIO
	ReadyPin   gpio.PinIO
	Pulse      time.Duration

	mu     sync.Mutex
	pulses int64
}

// NewStrobeDevice drives trigger low and returns the decorated device.
func NewStrobeDevice(dev Device, trigger, ready gpio.PinIO, pulse time.Duration) (*StrobeDevice, error) {
	if dev == nil || trigger == nil {
		return nil, errors.Wrap(ErrBadArgument, "strobe needs a device and a trigger pin")
	}
	if err := trigger.Out(gpio.Low); err != nil {
		return nil, errors.Wrapf(err, "cannot drive %s", trigger)
	}
	if ready != nil {
		if err := ready.In(gpio.PullUp, gpio.NoEdge); err != nil {
			return nil, errors.Wrapf(err, "cannot read %s", ready)
		}
	}
	return &StrobeDevice{Device: dev, TriggerPin: trigger, ReadyPin: ready, Pulse: pulse}, nil
}

// IsReady tells whether the camera accepts a trigger.
func (s *StrobeDevice) IsReady() bool {
	return s.ReadyPin == nil || s.ReadyPin.Read() == gpio.Low
}

// Pulses is the number of triggers sent.
func (s *StrobeDevice) Pulses() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pulses
}

func (s *StrobeDevice) fire() error {
	if err := s.TriggerPin.Out(gpio.High); err != nil {
		return Unrecoverable(errors.Wrapf(err, "cannot drive %s", s.TriggerPin))
	}
	time.Sleep(s.Pulse)
	if err := s.TriggerPin.Out(gpio.Low); err != nil {
		return Unrecoverable(errors.Wrapf(err, "cannot drive %s", s.TriggerPin))
	}
	s.mu.Lock()
	s.pulses++
	s.mu.Unlock()
	return nil
}

func (s *StrobeDevice) AcquireFrame(timeout time.Duration) (*RawFrame, error) {
	if !s.IsReady() {
		return nil, errors.Errorf("camera not ready on %s", s.ReadyPin)
	}
	if err := s.fire(); err != nil {
		return nil, err
	}
	return s.Device.AcquireFrame(timeout)
}

// Stop leaves the trigger line low.
func (s *StrobeDevice) Stop() error {
	err := s.Device.Stop()
	if e := s.TriggerPin.Out(gpio.Low); e != nil && err == nil {
		err = e
	}
	return err
}

package shmcam

import (
	"time"

	"github.com/pkg/errors"
)

// RawFrame is a frame as delivered by a device. Data is only valid until Release.
type RawFrame struct {
	Data      []byte
	Encoding  Encoding
	Width     int
	Height    int
	Stride    int
	Timestamp time.Time

	release func() error
}

// Release gives the frame buffer back to the device.
func (f *RawFrame) Release() error {
	if f == nil || f.release == nil {
		return nil
	}
	release := f.release
	f.release = nil
	f.Data = nil
	return release()
}

// Device is the camera driver operated by the worker of a camera server.
// The server borrows it: opening and closing it is the caller's business.
//
// AcquireFrame returns an error wrapping ErrTimeout when no frame arrived in time
// and an error wrapping ErrUnrecoverable when the device cannot be used any longer;
// any other error is considered transient.
type Device interface {
	// Configure applies cfg (acquisition stopped) and returns the effective configuration.
	Configure(cfg Config) (Config, error)
	Start() error
	Stop() error
	AcquireFrame(timeout time.Duration) (*RawFrame, error)
}

// Unrecoverable marks err as an unrecoverable device error.
func Unrecoverable(err error) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(ErrUnrecoverable, err.Error())
}

// IsUnrecoverable tells whether err is an unrecoverable device error.
func IsUnrecoverable(err error) bool {
	return errors.Cause(err) == ErrUnrecoverable
}

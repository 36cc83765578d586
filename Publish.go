//go:build linux

package shmcam

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Publish converts frame into the next output image of the ring and makes it
// visible to clients. The worker calls it for every acquired frame; a program
// driving its own device may call it while the worker is not acquiring.
//
// When the next slot is still locked by readers, the frame is dropped (StatusOK,
// counted in Stats.Dropped) in drop mode, otherwise Publish waits up to the
// server timeout and returns StatusTimeout, leaving serial and runlevel alone.
func (s *CameraServer) Publish(frame *RawFrame) (Status, error) {
	if frame == nil {
		return failStatus(errors.Wrap(ErrBadArgument, "nil frame"))
	}
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	status, err := s.publish(frame)
	s.last.Store(int32(status))
	return status, err
}

func (s *CameraServer) publish(frame *RawFrame) (Status, error) {
	if len(s.images) == 0 || s.images[0] == nil {
		return failStatus(errors.Wrap(ErrDetached, "camera server is closed"))
	}
	cfg := s.config
	if frame.Width != int(cfg.Width) || frame.Height != int(cfg.Height) {
		return failStatus(errors.Wrapf(ErrBadArgument, "frame of %dx%d pixels, expecting %dx%d",
			frame.Width, frame.Height, cfg.Width, cfg.Height))
	}
	next := s.serial.Load() + 1
	index := int((next - 1) % int64(len(s.images)))
	img := s.images[index]
	if s.drop.Load() {
		if !img.TryWLock() {
			s.stats.dropped()
			s.logger.Debug("frame dropped", zap.Int64("serial", next), zap.Int("index", index))
			return StatusOK, nil
		}
	} else {
		status, err := img.WLock(s.timeout)
		switch status {
		case StatusTimeout:
			s.stats.timedOut()
			s.logger.Warn("output image still in use",
				zap.Int64("serial", next), zap.Int("index", index), zap.Duration("timeout", s.timeout))
			s.emit("timeout", s.Runlevel(), nil)
			return StatusTimeout, nil
		case StatusError:
			return status, err
		}
	}

	if err := s.convert(frame, img, cfg); err != nil {
		img.WUnlock()
		return failStatus(errors.Wrap(err, "cannot convert pixels"))
	}
	ts := frame.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	img.setFrame(next, ts)

	if err := s.remote.Lock(); err != nil {
		img.WUnlock()
		return failStatus(err)
	}
	s.remote.setSerial(next)
	s.serial.Store(next)
	img.WUnlock()
	s.remote.Broadcast()
	s.remote.Unlock()

	s.stats.published(next, ts)
	return StatusOK, nil
}

// convert runs the pixel callback with a context only valid for this call.
func (s *CameraServer) convert(frame *RawFrame, img *SharedArray, cfg Config) error {
	ctx := &s.pixels
	*ctx = PixelContext{
		Preprocessing: cfg.Preprocessing,
		Encoding:      frame.Encoding,
		Width:         frame.Width,
		Height:        frame.Height,
		Stride:        frame.Stride,
		StrideMin:     frame.Encoding.StrideMin(frame.Width),
		Saturation:    cfg.Saturation(),
		PixelType:     cfg.PixelType,
		Raw:           frame.Data,
		Data:          img.Data(),
	}
	if cfg.Preprocessing == PreprocessingFull {
		half := len(ctx.Data) / 2
		ctx.Data, ctx.Weights = ctx.Data[:half], ctx.Data[half:]
	}
	for i := 0; i < cfg.Preprocessing.Arrays(); i++ {
		ctx.Arrays[i] = s.arrays[i]
	}
	err := s.callback(ctx)
	*ctx = PixelContext{}
	return err
}

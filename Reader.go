//go:build linux

package shmcam

import (
	"time"

	"github.com/pkg/errors"
)

// ErrOverwritten is returned when a frame was replaced before it could be read.
var ErrOverwritten = errors.New("frame has been overwritten")

// Reader is the client side of a camera server: it follows the serial number of a
// RemoteCamera and reads the output images in place, under their read lock.
// A Reader is not safe for concurrent use.
type Reader struct {
	camera *RemoteCamera
	arrays map[ShmID]*SharedArray
	last   int64
}

// NewReader returns a reader of cam positioned at the last published frame.
func NewReader(cam *RemoteCamera) *Reader {
	return &Reader{
		camera: cam,
		arrays: make(map[ShmID]*SharedArray),
		last:   cam.Serial(),
	}
}

// Last is the serial of the last frame read.
func (r *Reader) Last() int64 { return r.last }

// Next waits at most d for a frame newer than the last one read and calls fn with
// it. When the reader has fallen more than a ring behind, it skips to the newest.
func (r *Reader) Next(d time.Duration, fn func(img *SharedArray, serial int64) error) (Status, error) {
	deadline := time.Now().Add(d)
	latest, status, err := r.camera.WaitOutput(r.last+1, d)
	if status != StatusOK {
		return status, err
	}
	serial := r.last + 1
	if latest-serial >= int64(r.camera.NBufs()) {
		serial = latest
	}
	return r.Read(serial, remaining(deadline, d), fn)
}

// Read calls fn with output image serial while holding its read lock. The
// server cannot overwrite the image before fn returns.
func (r *Reader) Read(serial int64, d time.Duration, fn func(img *SharedArray, serial int64) error) (Status, error) {
	img, err := r.attach(r.camera.OutputShmid(serial))
	if err != nil {
		return failStatus(err)
	}
	status, err := img.RLock(d)
	if status != StatusOK {
		return status, err
	}
	defer img.RUnlock()
	if got := img.Serial(); got != serial {
		return failStatus(errors.Wrapf(ErrOverwritten, "slot of frame %d holds frame %d", serial, got))
	}
	r.last = serial
	if err := fn(img, serial); err != nil {
		return failStatus(err)
	}
	return StatusOK, nil
}

func (r *Reader) attach(id ShmID) (*SharedArray, error) {
	if id == BadShmID {
		return nil, errors.Wrap(ErrDestroyed, "no output image")
	}
	if img, ok := r.arrays[id]; ok {
		return img, nil
	}
	r.prune()
	img, err := AttachSharedArray(id)
	if err != nil {
		return nil, err
	}
	r.arrays[id] = img
	return img, nil
}

// prune detaches the images the server no longer publishes into.
func (r *Reader) prune() {
	current := make(map[ShmID]bool)
	for i, n := 1, r.camera.NBufs(); i <= n; i++ {
		current[r.camera.OutputShmid(int64(i))] = true
	}
	for id, img := range r.arrays {
		if !current[id] {
			img.Detach()
			delete(r.arrays, id)
		}
	}
}

// Close detaches the images; the camera is left attached.
func (r *Reader) Close() error {
	var err error
	for id, img := range r.arrays {
		if e := img.Detach(); e != nil && err == nil {
			err = e
		}
		delete(r.arrays, id)
	}
	return err
}

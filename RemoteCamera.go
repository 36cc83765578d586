//go:build linux

package shmcam

import (
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/pkg/errors"
)

// MaxBuffers bounds the depth of the output ring.
const MaxBuffers = 1024

type cameraHeader struct {
	remoteHeader
	config  Config
	serial  int64
	nbufs   int64
	preproc [NumPreproc]int32
	// followed by nbufs output buffer identifiers
}

var cameraHeaderSize = (int(unsafe.Sizeof(cameraHeader{})) + 7) &^ 7

// RemoteCamera is the shared face of a camera server: configuration, state,
// identifiers of the output images and of the pre-processing arrays, and the
// serial number of the last published image.
type RemoteCamera struct {
	RemoteObject
}

func newRemoteCamera(owner string, nbufs int, flags Flags) (*RemoteCamera, error) {
	if nbufs < 1 || nbufs > MaxBuffers {
		return nil, errors.Wrapf(ErrBadArgument, "bad number of output buffers %d", nbufs)
	}
	obj, err := createRemote(KindRemoteCamera, owner, cameraHeaderSize+4*nbufs, flags)
	if err != nil {
		return nil, err
	}
	cam := &RemoteCamera{RemoteObject: *obj}
	h := cam.header()
	h.nbufs = int64(nbufs)
	for i := range h.preproc {
		h.preproc[i] = int32(BadShmID)
	}
	ids := cam.shmids()
	for i := range ids {
		ids[i] = int32(BadShmID)
	}
	return cam, nil
}

// AttachRemoteCamera attaches the remote camera identified by id.
func AttachRemoteCamera(id ShmID) (*RemoteCamera, error) {
	seg, err := attachSegment(id, KindRemoteCamera)
	if err != nil {
		return nil, fail(err)
	}
	return &RemoteCamera{RemoteObject: RemoteObject{SharedSegment: *seg}}, nil
}

func (c *RemoteCamera) header() *cameraHeader {
	return (*cameraHeader)(c.at(0))
}

func (c *RemoteCamera) shmids() []int32 {
	return unsafe.Slice((*int32)(c.at(cameraHeaderSize)), c.header().nbufs)
}

func (c *RemoteCamera) attached() bool {
	return c != nil && c.hdr != nil
}

// NBufs is the number of output images, fixed at creation.
func (c *RemoteCamera) NBufs() int {
	if !c.attached() {
		return 0
	}
	return int(c.header().nbufs)
}

// Serial is the number of images published so far.
func (c *RemoteCamera) Serial() int64 {
	if !c.attached() {
		return 0
	}
	return atomic.LoadInt64(&c.header().serial)
}

// OutputIndex is the ring slot of image serial (serial ≥ 1).
func (c *RemoteCamera) OutputIndex(serial int64) int {
	n := c.NBufs()
	if n == 0 || serial < 1 {
		return -1
	}
	return int((serial - 1) % int64(n))
}

// OutputShmid returns the identifier of the output image that holds (or held, or
// will hold) frame serial.
func (c *RemoteCamera) OutputShmid(serial int64) ShmID {
	i := c.OutputIndex(serial)
	if i < 0 {
		return BadShmID
	}
	return ShmID(atomic.LoadInt32(&c.shmids()[i]))
}

// PreprocessingShmid returns the identifier of pre-processing array i.
func (c *RemoteCamera) PreprocessingShmid(i int) ShmID {
	if !c.attached() || i < 0 || i >= NumPreproc {
		return BadShmID
	}
	return ShmID(atomic.LoadInt32(&c.header().preproc[i]))
}

// Config returns the current configuration, read under the lock.
func (c *RemoteCamera) Config() (Config, error) {
	if !c.attached() {
		return Config{}, fail(ErrDetached)
	}
	if err := c.Lock(); err != nil {
		return Config{}, err
	}
	cfg := c.header().config
	c.Unlock()
	return cfg, nil
}

// WaitOutput waits at most d until image serial has been published. A serial ≤ 0
// means the next one. It returns the serial of the last published image.
func (c *RemoteCamera) WaitOutput(serial int64, d time.Duration) (int64, Status, error) {
	if !c.attached() {
		status, err := failStatus(ErrDetached)
		return 0, status, err
	}
	deadline := time.Now().Add(d)
	status, err := c.TimedLock(d)
	if status != StatusOK {
		return 0, status, err
	}
	defer c.Unlock()
	h := c.header()
	if serial <= 0 {
		serial = atomic.LoadInt64(&h.serial) + 1
	}
	status, err = c.WaitUntil(func() bool {
		return atomic.LoadInt64(&h.serial) >= serial || c.State() == StateUnreachable
	}, remaining(deadline, d))
	last := atomic.LoadInt64(&h.serial)
	if status == StatusOK && last < serial {
		status, err = failStatus(errors.Wrapf(ErrDestroyed, "owner of %d has gone", c.id))
	}
	return last, status, err
}

// Exclusive runs fn while holding the camera lock, e.g. to edit the contents of a
// pre-processing array.
func (c *RemoteCamera) Exclusive(fn func() error, d time.Duration) (Status, error) {
	status, err := c.TimedLock(d)
	if status != StatusOK {
		return status, err
	}
	defer c.Unlock()
	if err := fn(); err != nil {
		return failStatus(err)
	}
	return StatusOK, nil
}

func (c *RemoteCamera) Start(d time.Duration) (Status, error) { return c.Execute(StartRequest{}, d) }
func (c *RemoteCamera) Stop(d time.Duration) (Status, error)  { return c.Execute(StopRequest{}, d) }
func (c *RemoteCamera) Abort(d time.Duration) (Status, error) { return c.Execute(AbortRequest{}, d) }
func (c *RemoteCamera) Reset(d time.Duration) (Status, error) { return c.Execute(ResetRequest{}, d) }
func (c *RemoteCamera) Kill(d time.Duration) (Status, error)  { return c.Execute(KillRequest{}, d) }

// Configure asks the server to apply cfg.
func (c *RemoteCamera) Configure(cfg Config, d time.Duration) (Status, error) {
	if err := cfg.Validate(); err != nil {
		return failStatus(err)
	}
	return c.Execute(ConfigureRequest{Config: cfg}, d)
}

// SetPreprocessing asks the server to use shared array id as pre-processing array i.
func (c *RemoteCamera) SetPreprocessing(i int, id ShmID, d time.Duration) (Status, error) {
	return c.Execute(PreprocessingRequest{Index: i, Shmid: id}, d)
}

// The methods below are used by the camera server, which owns the object.

func (c *RemoteCamera) setConfig(cfg Config) error {
	if err := c.Lock(); err != nil {
		return err
	}
	c.header().config = cfg
	c.Broadcast()
	return c.Unlock()
}

func (c *RemoteCamera) setOutput(index int, id ShmID) {
	atomic.StoreInt32(&c.shmids()[index], int32(id))
}

func (c *RemoteCamera) setPreprocessing(i int, id ShmID) {
	atomic.StoreInt32(&c.header().preproc[i], int32(id))
}

// setSerial must be called with the lock held, followed by a broadcast.
func (c *RemoteCamera) setSerial(serial int64) {
	atomic.StoreInt64(&c.header().serial, serial)
}

//go:build linux

package shmcam

import (
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/pkg/errors"
)

// MaxDims is the maximum rank of a shared array.
const MaxDims = 5

// MaxReaders bounds the read locks held at once on a shared array.
const MaxReaders = 64

type arrayHeader struct {
	segmentHeader
	eltype    int32
	ndims     int32
	dims      [MaxDims]int64
	nelem     int64
	serial    int64
	timestamp int64
	nreaders  int32
	writer    uint32 // pid of the writer, 0 if none
	offset    int64
	readers   [MaxReaders]uint32
}

const arrayAlign = 64

var arrayDataOffset = (int(unsafe.Sizeof(arrayHeader{})) + arrayAlign - 1) / arrayAlign * arrayAlign

// SharedArray is a multi-dimensional array in shared memory with a readers/writer
// lock. It stores the output images of a camera server (with the serial number of
// the frame they hold) and the pre-processing arrays.
type SharedArray struct {
	SharedSegment
}

// CreateSharedArray allocates an array of the given element type and dimensions.
func CreateSharedArray(eltype ElementType, dims []int, flags Flags) (*SharedArray, error) {
	if eltype.Size() == 0 {
		return nil, fail(errors.Wrapf(ErrBadArgument, "bad element type %d", eltype))
	}
	if len(dims) < 1 || len(dims) > MaxDims {
		return nil, fail(errors.Wrapf(ErrBadArgument, "bad number of dimensions %d", len(dims)))
	}
	nelem := 1
	for _, d := range dims {
		if d < 1 {
			return nil, fail(errors.Wrapf(ErrBadArgument, "bad dimensions %v", dims))
		}
		nelem *= d
	}
	seg, err := createSegment(KindArray, arrayDataOffset+nelem*eltype.Size(), flags)
	if err != nil {
		return nil, fail(err)
	}
	arr := &SharedArray{SharedSegment: *seg}
	h := arr.header()
	h.eltype = int32(eltype)
	h.ndims = int32(len(dims))
	for i, d := range dims {
		h.dims[i] = int64(d)
	}
	h.nelem = int64(nelem)
	h.offset = int64(arrayDataOffset)
	return arr, nil
}

// AttachSharedArray attaches the array identified by id.
func AttachSharedArray(id ShmID) (*SharedArray, error) {
	seg, err := attachSegment(id, KindArray)
	if err != nil {
		return nil, fail(err)
	}
	return &SharedArray{SharedSegment: *seg}, nil
}

func (a *SharedArray) header() *arrayHeader {
	return (*arrayHeader)(a.at(0))
}

func (a *SharedArray) attached() bool {
	return a != nil && a.hdr != nil
}

// ElementType, Dims and Len are immutable and read without locking.
func (a *SharedArray) ElementType() ElementType {
	if !a.attached() {
		return TypeNone
	}
	return ElementType(a.header().eltype)
}

func (a *SharedArray) Dims() []int {
	if !a.attached() {
		return nil
	}
	h := a.header()
	dims := make([]int, h.ndims)
	for i := range dims {
		dims[i] = int(h.dims[i])
	}
	return dims
}

func (a *SharedArray) Len() int {
	if !a.attached() {
		return 0
	}
	return int(a.header().nelem)
}

// Data returns the raw bytes of the elements.
func (a *SharedArray) Data() []byte {
	if !a.attached() {
		return nil
	}
	h := a.header()
	return a.data[h.offset : h.offset+h.nelem*int64(ElementType(h.eltype).Size())]
}

func (a *SharedArray) Uint8s() []uint8 {
	if a.ElementType() != TypeUint8 {
		return nil
	}
	return a.Data()
}

func (a *SharedArray) Uint16s() []uint16 {
	if a.ElementType() != TypeUint16 {
		return nil
	}
	return unsafe.Slice((*uint16)(unsafe.Pointer(&a.Data()[0])), a.Len())
}

func (a *SharedArray) Float32s() []float32 {
	if a.ElementType() != TypeFloat32 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&a.Data()[0])), a.Len())
}

func (a *SharedArray) Float64s() []float64 {
	if a.ElementType() != TypeFloat64 {
		return nil
	}
	return unsafe.Slice((*float64)(unsafe.Pointer(&a.Data()[0])), a.Len())
}

// Serial is the number of the frame stored in an output image, 0 if none yet.
func (a *SharedArray) Serial() int64 {
	if !a.attached() {
		return 0
	}
	return atomic.LoadInt64(&a.header().serial)
}

// Timestamp is the acquisition time of the stored frame.
func (a *SharedArray) Timestamp() time.Time {
	if !a.attached() {
		return time.Time{}
	}
	return time.Unix(0, atomic.LoadInt64(&a.header().timestamp))
}

func (a *SharedArray) setFrame(serial int64, ts time.Time) {
	h := a.header()
	atomic.StoreInt64(&h.serial, serial)
	atomic.StoreInt64(&h.timestamp, ts.UnixNano())
}

// Readers is the number of read locks currently held, a snapshot only.
func (a *SharedArray) Readers() int {
	if !a.attached() {
		return 0
	}
	return int(atomic.LoadInt32(&a.header().nreaders))
}

// RLock acquires a read lock, waiting at most d for the writer to finish.
// The lock belongs to the calling process: it is dropped if the process dies.
func (a *SharedArray) RLock(d time.Duration) (Status, error) {
	return a.acquire(false, d)
}

func (a *SharedArray) RUnlock() error {
	return a.release(false)
}

// WLock acquires the write lock, waiting at most d for readers and writer to leave.
func (a *SharedArray) WLock(d time.Duration) (Status, error) {
	return a.acquire(true, d)
}

// TryWLock acquires the write lock only if it is immediately available.
func (a *SharedArray) TryWLock() bool {
	status, _ := a.acquire(true, 0)
	return status == StatusOK
}

func (a *SharedArray) WUnlock() error {
	return a.release(true)
}

func (a *SharedArray) acquire(write bool, d time.Duration) (Status, error) {
	if !a.attached() {
		return failStatus(ErrDetached)
	}
	deadline := time.Now().Add(d)
	status, err := a.TimedLock(d)
	if status != StatusOK {
		return status, err
	}
	defer a.Unlock()
	h := a.header()
	for {
		a.reap()
		if h.writer == 0 && (write && h.nreaders == 0 || !write && h.nreaders < MaxReaders) {
			break
		}
		// Holders that die never signal: poll them.
		left := remaining(deadline, d)
		if left == 0 {
			return StatusTimeout, nil
		}
		if left < 0 || left > livenessPoll {
			left = livenessPoll
		}
		if status, err := a.Wait(left); status == StatusError {
			return status, err
		}
	}
	if write {
		h.writer = selfPid
		return StatusOK, nil
	}
	for i, pid := range h.readers {
		if pid == 0 {
			h.readers[i] = selfPid
			break
		}
	}
	atomic.AddInt32(&h.nreaders, 1)
	return StatusOK, nil
}

// reap drops the locks of processes that died holding them. Lock held.
func (a *SharedArray) reap() {
	h := a.header()
	if h.writer != 0 && h.writer != selfPid && !processAlive(h.writer) {
		h.writer = 0
	}
	for i, pid := range h.readers {
		if pid != 0 && pid != selfPid && !processAlive(pid) {
			h.readers[i] = 0
			atomic.AddInt32(&h.nreaders, -1)
		}
	}
}

func (a *SharedArray) release(write bool) error {
	if !a.attached() {
		return fail(ErrDetached)
	}
	if err := a.Lock(); err != nil {
		return err
	}
	defer a.Unlock()
	h := a.header()
	if write {
		if h.writer == 0 {
			return fail(errors.New("shared array is not locked for writing"))
		}
		h.writer = 0
		return a.Broadcast()
	}
	for i, pid := range h.readers {
		if pid == selfPid {
			h.readers[i] = 0
			atomic.AddInt32(&h.nreaders, -1)
			return a.Broadcast()
		}
	}
	return fail(errors.New("shared array is not locked for reading"))
}

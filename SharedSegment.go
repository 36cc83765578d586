//go:build linux

package shmcam

import (
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// segmentHeader is the fixed layout at the start of every segment.
type segmentHeader struct {
	mutex uint32
	cond  uint32
	nrefs int32
	ident int32
	size  uint64
	flags uint32
	kind  uint32
}

const segmentHeaderSize = int(unsafe.Sizeof(segmentHeader{}))

// SharedSegment is a reference counted block of shared memory carrying its own
// mutex and condition variable. The header is only reached through the methods
// below; Payload gives the bytes following it.
type SharedSegment struct {
	data []byte
	hdr  *segmentHeader
	id   ShmID
}

// CreateSegment allocates a segment able to store size bytes of payload.
func CreateSegment(size int, flags Flags) (*SharedSegment, error) {
	if size < 0 {
		return nil, fail(errors.Wrapf(ErrBadArgument, "bad segment size %d", size))
	}
	seg, err := createSegment(KindSegment, segmentHeaderSize+size, flags)
	return seg, fail(err)
}

// AttachSegment maps an existing segment of any kind.
func AttachSegment(id ShmID) (*SharedSegment, error) {
	seg, err := attachSegment(id, KindAny)
	return seg, fail(err)
}

// DestroySegment removes a (persistent) segment. Processes still attached keep
// their mapping, new attachments fail.
func DestroySegment(id ShmID) error {
	if _, err := unix.SysvShmCtl(int(id), unix.IPC_RMID, nil); err != nil {
		return fail(errors.Wrapf(err, "cannot destroy shared segment %d", id))
	}
	return nil
}

func createSegment(kind Kind, size int, flags Flags) (*SharedSegment, error) {
	perm := int(flags&PermMask) | 0o600
	id, err := unix.SysvShmGet(unix.IPC_PRIVATE, size, unix.IPC_CREAT|unix.IPC_EXCL|perm)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot allocate %d bytes of shared memory", size)
	}
	data, err := unix.SysvShmAttach(id, 0, 0)
	if err != nil {
		unix.SysvShmCtl(id, unix.IPC_RMID, nil)
		return nil, errors.Wrapf(err, "cannot attach new shared segment %d", id)
	}
	for i := range data {
		data[i] = 0
	}
	seg := &SharedSegment{
		data: data,
		hdr:  (*segmentHeader)(unsafe.Pointer(&data[0])),
		id:   ShmID(id),
	}
	seg.hdr.ident = int32(id)
	seg.hdr.size = uint64(size)
	seg.hdr.flags = uint32(flags)
	seg.hdr.kind = uint32(kind)
	atomic.StoreInt32(&seg.hdr.nrefs, 1)
	return seg, nil
}

func attachSegment(id ShmID, kind Kind) (*SharedSegment, error) {
	data, err := unix.SysvShmAttach(int(id), 0, 0)
	if err != nil {
		if err == unix.EINVAL || err == unix.EIDRM {
			return nil, errors.Wrapf(ErrDestroyed, "no shared segment %d", id)
		}
		return nil, errors.Wrapf(err, "cannot attach shared segment %d", id)
	}
	if len(data) < segmentHeaderSize {
		unix.SysvShmDetach(data)
		return nil, errors.Wrapf(ErrBadKind, "shared segment %d is too small", id)
	}
	hdr := (*segmentHeader)(unsafe.Pointer(&data[0]))
	if ShmID(hdr.ident) != id || uint64(len(data)) < hdr.size ||
		(kind != KindAny && Kind(hdr.kind) != kind) {
		unix.SysvShmDetach(data)
		return nil, errors.Wrapf(ErrBadKind, "shared segment %d is not a %s", id, kind)
	}
	persistent := Flags(hdr.flags)&Persistent != 0
	for {
		n := atomic.LoadInt32(&hdr.nrefs)
		if n <= 0 && !persistent {
			unix.SysvShmDetach(data)
			return nil, errors.Wrapf(ErrDestroyed, "shared segment %d is being destroyed", id)
		}
		if atomic.CompareAndSwapInt32(&hdr.nrefs, n, n+1) {
			break
		}
	}
	return &SharedSegment{data: data, hdr: hdr, id: id}, nil
}

// Detach drops the caller's reference. The detach that brings the reference count
// to zero destroys a non-persistent segment. Detaching twice is a no-op.
func (s *SharedSegment) Detach() error {
	if s == nil || s.hdr == nil {
		return nil
	}
	hdr, data := s.hdr, s.data
	s.hdr, s.data = nil, nil
	var err error
	if atomic.AddInt32(&hdr.nrefs, -1) == 0 && Flags(hdr.flags)&Persistent == 0 {
		if _, e := unix.SysvShmCtl(int(s.id), unix.IPC_RMID, nil); e != nil {
			err = errors.Wrapf(e, "cannot destroy shared segment %d", s.id)
		}
	}
	if e := unix.SysvShmDetach(data); e != nil && err == nil {
		err = errors.Wrapf(e, "cannot detach shared segment %d", s.id)
	}
	return fail(err)
}

// Shmid returns the identifier of the segment, BadShmID if s is nil or detached.
func (s *SharedSegment) Shmid() ShmID {
	if s == nil || s.hdr == nil {
		return BadShmID
	}
	return s.id
}

// Size is the total size of the segment, header included.
func (s *SharedSegment) Size() int {
	if s == nil || s.hdr == nil {
		return 0
	}
	return int(s.hdr.size)
}

func (s *SharedSegment) Flags() Flags {
	if s == nil || s.hdr == nil {
		return 0
	}
	return Flags(s.hdr.flags)
}

func (s *SharedSegment) Kind() Kind {
	if s == nil || s.hdr == nil {
		return KindAny
	}
	return Kind(s.hdr.kind)
}

// Refcount is the number of attachments, a snapshot only.
func (s *SharedSegment) Refcount() int {
	if s == nil || s.hdr == nil {
		return 0
	}
	return int(atomic.LoadInt32(&s.hdr.nrefs))
}

// Payload returns the bytes following the segment header.
func (s *SharedSegment) Payload() []byte {
	if s == nil || s.hdr == nil {
		return nil
	}
	return s.data[segmentHeaderSize:s.hdr.size]
}

// at returns a pointer to offset off of the segment.
func (s *SharedSegment) at(off int) unsafe.Pointer {
	return unsafe.Pointer(&s.data[off])
}

func (s *SharedSegment) mutex() robustMutex { return robustMutex{&s.hdr.mutex} }

func (s *SharedSegment) cond() sharedCond { return sharedCond{&s.hdr.cond} }

// Lock waits as long as needed for exclusive access to the segment.
func (s *SharedSegment) Lock() error {
	if s == nil || s.hdr == nil {
		return fail(ErrDetached)
	}
	if _, err := s.mutex().lock(Forever); err != nil {
		return fail(errors.Wrap(err, "cannot lock shared segment"))
	}
	return nil
}

// TimedLock is Lock giving up after d.
func (s *SharedSegment) TimedLock(d time.Duration) (Status, error) {
	if s == nil || s.hdr == nil {
		return failStatus(ErrDetached)
	}
	ok, err := s.mutex().lock(d)
	if err != nil {
		return failStatus(errors.Wrap(err, "cannot lock shared segment"))
	}
	if !ok {
		return StatusTimeout, nil
	}
	return StatusOK, nil
}

func (s *SharedSegment) TryLock() bool {
	if s == nil || s.hdr == nil {
		return false
	}
	return s.mutex().tryLock()
}

func (s *SharedSegment) Unlock() error {
	if s == nil || s.hdr == nil {
		return fail(ErrDetached)
	}
	s.mutex().unlock()
	return nil
}

// Wait must be called with the lock held. It releases the lock, sleeps until
// signaled or d elapses, and locks again. Wake ups may be spurious.
func (s *SharedSegment) Wait(d time.Duration) (Status, error) {
	if s == nil || s.hdr == nil {
		return failStatus(ErrDetached)
	}
	timedOut, err := s.cond().wait(s.mutex(), d)
	if err != nil {
		return failStatus(errors.Wrap(err, "cannot wait on shared segment"))
	}
	if timedOut {
		return StatusTimeout, nil
	}
	return StatusOK, nil
}

// WaitUntil must be called with the lock held. It waits until pred, evaluated with
// the lock held, is true or until d elapses.
func (s *SharedSegment) WaitUntil(pred func() bool, d time.Duration) (Status, error) {
	var deadline time.Time
	if d >= 0 {
		deadline = time.Now().Add(d)
	}
	for !pred() {
		left := Forever
		if d >= 0 {
			if left = time.Until(deadline); left <= 0 {
				return StatusTimeout, nil
			}
		}
		if status, err := s.Wait(left); status == StatusError {
			return status, err
		}
	}
	return StatusOK, nil
}

// Signal wakes one waiter. Call it with the lock held.
func (s *SharedSegment) Signal() error {
	if s == nil || s.hdr == nil {
		return fail(ErrDetached)
	}
	s.cond().signal()
	return nil
}

// Broadcast wakes all waiters. Call it with the lock held.
func (s *SharedSegment) Broadcast() error {
	if s == nil || s.hdr == nil {
		return fail(ErrDetached)
	}
	s.cond().broadcast()
	return nil
}

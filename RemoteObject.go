//go:build linux

package shmcam

import (
	"bytes"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/pkg/errors"
)

// OwnerSize bounds the length of the owner name, terminating zero included.
const OwnerSize = 64

// State is the operational state reported by the owner of a remote object.
type State int32

const (
	StateInitializing State = iota
	StateWaiting            // idle, ready to acquire
	StateWorking            // acquiring and publishing frames
	StateUnreachable        // the owner has gone
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateWaiting:
		return "waiting"
	case StateWorking:
		return "working"
	case StateUnreachable:
		return "unreachable"
	}
	return "unknown"
}

type remoteHeader struct {
	segmentHeader
	owner   [OwnerSize]byte
	pid     int32
	state   int32
	command int32
	_       int32
	ncmds   int64
	nacks   int64
	arg     argument
}

var remoteHeaderSize = int(unsafe.Sizeof(remoteHeader{}))

// RemoteObject is a shared segment through which one producer process (the owner)
// and many client processes coordinate. Clients post one request at a time in the
// command slot, the owner takes it, performs it and acknowledges it.
type RemoteObject struct {
	SharedSegment
	owned bool
}

// CreateRemoteObject creates a remote object owned by the caller.
func CreateRemoteObject(owner string, flags Flags) (*RemoteObject, error) {
	obj, err := createRemote(KindRemoteObject, owner, remoteHeaderSize, flags)
	return obj, fail(err)
}

// AttachRemoteObject attaches any remote object, remote cameras included.
func AttachRemoteObject(id ShmID) (*RemoteObject, error) {
	seg, err := attachSegment(id, KindAny)
	if err != nil {
		return nil, fail(err)
	}
	if k := seg.Kind(); k != KindRemoteObject && k != KindRemoteCamera {
		seg.Detach()
		return nil, fail(errors.Wrapf(ErrBadKind, "shared segment %d is a %s", id, k))
	}
	return &RemoteObject{SharedSegment: *seg}, nil
}

func createRemote(kind Kind, owner string, size int, flags Flags) (*RemoteObject, error) {
	if owner == "" || len(owner) >= OwnerSize {
		return nil, errors.Wrapf(ErrBadArgument, "owner name must have 1 to %d bytes", OwnerSize-1)
	}
	seg, err := createSegment(kind, size, flags)
	if err != nil {
		return nil, err
	}
	obj := &RemoteObject{SharedSegment: *seg, owned: true}
	h := obj.header()
	copy(h.owner[:], owner)
	h.pid = int32(selfPid)
	atomic.StoreInt32(&h.state, int32(StateInitializing))
	return obj, nil
}

func (r *RemoteObject) header() *remoteHeader {
	return (*remoteHeader)(r.at(0))
}

func (r *RemoteObject) attached() bool {
	return r != nil && r.hdr != nil
}

// Owner returns the name of the owner. The field never changes so no lock is taken.
func (r *RemoteObject) Owner() string {
	if !r.attached() {
		return ""
	}
	name := r.header().owner[:]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	return string(name)
}

// Pid is the process id of the owner.
func (r *RemoteObject) Pid() int {
	if !r.attached() {
		return 0
	}
	return int(r.header().pid)
}

// IsOwner tells whether this handle is the one of the owner.
func (r *RemoteObject) IsOwner() bool {
	return r.attached() && r.owned
}

// State is read atomically and without locking; it may be stale as soon as returned.
func (r *RemoteObject) State() State {
	if !r.attached() {
		return StateUnreachable
	}
	s := State(atomic.LoadInt32(&r.header().state))
	if s != StateUnreachable && !processAlive(uint32(r.header().pid)) {
		return StateUnreachable
	}
	return s
}

// Pending returns the number of commands issued and acknowledged so far.
func (r *RemoteObject) Pending() (issued, acknowledged int64) {
	if !r.attached() {
		return 0, 0
	}
	h := r.header()
	return atomic.LoadInt64(&h.ncmds), atomic.LoadInt64(&h.nacks)
}

// SetState publishes a new state and wakes up waiting clients. Owner only.
func (r *RemoteObject) SetState(state State) error {
	if !r.IsOwner() {
		return fail(ErrNotOwner)
	}
	if err := r.Lock(); err != nil {
		return err
	}
	atomic.StoreInt32(&r.header().state, int32(state))
	r.Broadcast()
	return r.Unlock()
}

// Send posts req in the command slot. If another command is pending it waits at
// most d for the slot to be cleared and returns StatusTimeout rather than
// overwriting it. The returned number identifies the command for WaitCommand.
func (r *RemoteObject) Send(req Request, d time.Duration) (int64, Status, error) {
	if !r.attached() {
		status, err := failStatus(ErrDetached)
		return 0, status, err
	}
	var arg argument
	cmd, err := arg.encode(req)
	if err != nil {
		status, err := failStatus(err)
		return 0, status, err
	}
	deadline := time.Now().Add(d)
	status, err := r.TimedLock(d)
	if status != StatusOK {
		return 0, status, err
	}
	defer r.Unlock()
	h := r.header()
	status, err = r.WaitUntil(func() bool {
		return Command(h.command) == CommandNone || r.State() == StateUnreachable
	}, remaining(deadline, d))
	if status != StatusOK {
		return 0, status, err
	}
	if r.State() == StateUnreachable {
		status, err := failStatus(errors.Wrapf(ErrDestroyed, "owner of %d has gone", r.id))
		return 0, status, err
	}
	h.arg = arg
	atomic.StoreInt32(&h.command, int32(cmd))
	num := atomic.AddInt64(&h.ncmds, 1)
	r.Broadcast()
	return num, StatusOK, nil
}

// WaitCommand waits at most d until command num has been acknowledged by the owner.
func (r *RemoteObject) WaitCommand(num int64, d time.Duration) (Status, error) {
	if !r.attached() {
		return failStatus(ErrDetached)
	}
	deadline := time.Now().Add(d)
	status, err := r.TimedLock(d)
	if status != StatusOK {
		return status, err
	}
	defer r.Unlock()
	h := r.header()
	status, err = r.WaitUntil(func() bool {
		return atomic.LoadInt64(&h.nacks) >= num || r.State() == StateUnreachable
	}, remaining(deadline, d))
	if status == StatusOK && atomic.LoadInt64(&h.nacks) < num {
		return failStatus(errors.Wrapf(ErrDestroyed, "owner of %d has gone", r.id))
	}
	return status, err
}

// Execute sends req and waits for its acknowledgement, at most d overall.
func (r *RemoteObject) Execute(req Request, d time.Duration) (Status, error) {
	deadline := time.Now().Add(d)
	num, status, err := r.Send(req, d)
	if status != StatusOK {
		return status, err
	}
	return r.WaitCommand(num, remaining(deadline, d))
}

// NextCommand waits at most d for a pending request, takes it out of the command
// slot and returns it with its number. Owner only. On timeout the request is nil.
func (r *RemoteObject) NextCommand(d time.Duration) (Request, int64, Status, error) {
	if !r.IsOwner() {
		status, err := failStatus(ErrNotOwner)
		return nil, 0, status, err
	}
	deadline := time.Now().Add(d)
	status, err := r.TimedLock(d)
	if status != StatusOK {
		return nil, 0, status, err
	}
	defer r.Unlock()
	h := r.header()
	status, err = r.WaitUntil(func() bool {
		return Command(h.command) != CommandNone
	}, remaining(deadline, d))
	if status != StatusOK {
		return nil, 0, status, err
	}
	cmd := Command(h.command)
	num := atomic.LoadInt64(&h.ncmds)
	req, err := h.arg.decode(cmd)
	atomic.StoreInt32(&h.command, int32(CommandNone))
	r.Broadcast()
	if err != nil {
		// Nobody would acknowledge a garbled command.
		atomic.StoreInt64(&h.nacks, num)
		status, err := failStatus(err)
		return nil, num, status, err
	}
	return req, num, StatusOK, nil
}

// Acknowledge marks command num as done and publishes state. Owner only.
func (r *RemoteObject) Acknowledge(num int64, state State) error {
	if !r.IsOwner() {
		return fail(ErrNotOwner)
	}
	if err := r.Lock(); err != nil {
		return err
	}
	h := r.header()
	atomic.StoreInt32(&h.state, int32(state))
	if num > atomic.LoadInt64(&h.nacks) {
		atomic.StoreInt64(&h.nacks, num)
	}
	r.Broadcast()
	return r.Unlock()
}

// remaining converts an absolute deadline back to a timeout, keeping Forever.
func remaining(deadline time.Time, d time.Duration) time.Duration {
	if d < 0 {
		return Forever
	}
	if left := time.Until(deadline); left > 0 {
		return left
	}
	return 0
}

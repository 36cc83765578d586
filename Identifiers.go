package shmcam

import "time"

// ShmID identifies a shared segment across processes. It is the System V identifier
// and may be exchanged out of band (printed, written to a file, ...).
type ShmID int32

// BadShmID is returned by getters when there is no segment.
const BadShmID ShmID = -1

// Flags are the creation flags of a shared segment: the usual permission bits
// (0o777 mask) plus Persistent.
type Flags uint32

const (
	PermMask Flags = 0o777
	// Persistent segments survive the last detach; use DestroySegment to remove them.
	Persistent Flags = 1 << 16
)

// Forever may be given as timeout where an unbounded wait is really wanted.
const Forever time.Duration = -1

// Kind tags the type of object stored in a segment.
type Kind uint32

const (
	KindAny     Kind = 0
	KindSegment Kind = 0x53484d00 + iota
	KindArray
	KindRemoteObject
	KindRemoteCamera
)

func (k Kind) String() string {
	switch k {
	case KindAny:
		return "any"
	case KindSegment:
		return "segment"
	case KindArray:
		return "array"
	case KindRemoteObject:
		return "remote-object"
	case KindRemoteCamera:
		return "remote-camera"
	}
	return "unknown"
}

package shmcam

import (
	"sync"

	"github.com/pkg/errors"
)

// Status is the outcome of an operation that may wait.
// A timeout is not an error: the state is left consistent and the call may be retried.
type Status int

const (
	StatusOK Status = iota
	StatusError
	StatusTimeout
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusError:
		return "error"
	case StatusTimeout:
		return "timeout"
	}
	return "unknown"
}

var (
	ErrTimeout       = errors.New("operation timed out")
	ErrBusy          = errors.New("a command is already pending")
	ErrDestroyed     = errors.New("shared object has been destroyed")
	ErrBadKind       = errors.New("shared object is not of the expected kind")
	ErrNotOwner      = errors.New("operation reserved to the owner of the shared object")
	ErrDetached      = errors.New("shared object is not attached")
	ErrBadRunlevel   = errors.New("operation not allowed at current runlevel")
	ErrJoinFailed    = errors.New("worker did not terminate, resources may leak")
	ErrUnrecoverable = errors.New("unrecoverable device error")
	ErrBadArgument   = errors.New("invalid argument")
)

// The process-wide last error slot. Failing operations record their diagnostic here in
// addition to returning it; getters that cannot fail never touch it.
var lastError struct {
	sync.Mutex
	err error
}

// LastError returns the diagnostic recorded by the most recent failing operation.
func LastError() error {
	lastError.Lock()
	defer lastError.Unlock()
	return lastError.err
}

// ClearLastError resets the last error slot.
func ClearLastError() {
	lastError.Lock()
	lastError.err = nil
	lastError.Unlock()
}

// fail records err as the last error and returns it.
func fail(err error) error {
	if err != nil {
		lastError.Lock()
		lastError.err = err
		lastError.Unlock()
	}
	return err
}

// failStatus is fail for operations returning a Status.
func failStatus(err error) (Status, error) {
	return StatusError, fail(err)
}

// IsTimeout reports whether err is (or wraps) ErrTimeout.
func IsTimeout(err error) bool {
	return errors.Cause(err) == ErrTimeout
}

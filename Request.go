package shmcam

import (
	"unsafe"

	"github.com/pkg/errors"
)

// Command is the code of a request stored in a remote object.
type Command int32

const (
	CommandNone Command = iota
	CommandReset
	CommandStart
	CommandStop
	CommandAbort
	CommandConfigure
	CommandPreprocessing
	CommandKill
)

func (c Command) String() string {
	switch c {
	case CommandNone:
		return "none"
	case CommandReset:
		return "reset"
	case CommandStart:
		return "start"
	case CommandStop:
		return "stop"
	case CommandAbort:
		return "abort"
	case CommandConfigure:
		return "configure"
	case CommandPreprocessing:
		return "preprocessing"
	case CommandKill:
		return "kill"
	}
	return "unknown"
}

// Request is what a client asks the owner of a remote object to do.
// The concrete types below are the only implementations.
type Request interface {
	Command() Command
}

type (
	// ResetRequest stops acquisition if needed and applies the current configuration again.
	ResetRequest struct{}
	// StartRequest starts acquisition.
	StartRequest struct{}
	// StopRequest stops acquisition after the frame being processed.
	StopRequest struct{}
	// AbortRequest stops acquisition immediately.
	AbortRequest struct{}
	// KillRequest terminates the worker and the server loop.
	KillRequest struct{}
	// ConfigureRequest applies a new configuration.
	ConfigureRequest struct {
		Config Config
	}
	// PreprocessingRequest replaces pre-processing array Index by the shared
	// array Shmid (BadShmID to re-read the current one after editing it).
	PreprocessingRequest struct {
		Index int
		Shmid ShmID
	}
)

func (ResetRequest) Command() Command         { return CommandReset }
func (StartRequest) Command() Command         { return CommandStart }
func (StopRequest) Command() Command          { return CommandStop }
func (AbortRequest) Command() Command         { return CommandAbort }
func (KillRequest) Command() Command          { return CommandKill }
func (ConfigureRequest) Command() Command     { return CommandConfigure }
func (PreprocessingRequest) Command() Command { return CommandPreprocessing }

type preprocArgument struct {
	index int32
	shmid int32
}

// argumentSize is the size of the argument union stored after the command code.
const argumentSize = unsafe.Sizeof(Config{})

type argument [argumentSize]byte

func (a *argument) config() *Config { return (*Config)(unsafe.Pointer(&a[0])) }

func (a *argument) preproc() *preprocArgument { return (*preprocArgument)(unsafe.Pointer(&a[0])) }

// encode stores req in the argument union and returns its command code.
func (a *argument) encode(req Request) (Command, error) {
	*a = argument{}
	switch r := req.(type) {
	case ResetRequest, StartRequest, StopRequest, AbortRequest, KillRequest:
		return r.Command(), nil
	case ConfigureRequest:
		*a.config() = r.Config
		return CommandConfigure, nil
	case PreprocessingRequest:
		if r.Index < 0 || r.Index >= NumPreproc {
			return CommandNone, errors.Wrapf(ErrBadArgument, "bad pre-processing index %d", r.Index)
		}
		*a.preproc() = preprocArgument{index: int32(r.Index), shmid: int32(r.Shmid)}
		return CommandPreprocessing, nil
	case nil:
		return CommandNone, errors.Wrap(ErrBadArgument, "nil request")
	}
	return CommandNone, errors.Wrapf(ErrBadArgument, "unsupported request %T", req)
}

// decode rebuilds the request stored with command code cmd.
func (a *argument) decode(cmd Command) (Request, error) {
	switch cmd {
	case CommandReset:
		return ResetRequest{}, nil
	case CommandStart:
		return StartRequest{}, nil
	case CommandStop:
		return StopRequest{}, nil
	case CommandAbort:
		return AbortRequest{}, nil
	case CommandKill:
		return KillRequest{}, nil
	case CommandConfigure:
		return ConfigureRequest{Config: *a.config()}, nil
	case CommandPreprocessing:
		p := a.preproc()
		return PreprocessingRequest{Index: int(p.index), Shmid: ShmID(p.shmid)}, nil
	case CommandNone:
		return nil, nil
	}
	return nil, errors.Wrapf(ErrBadArgument, "unknown command code %d", cmd)
}

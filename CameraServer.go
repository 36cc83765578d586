//go:build linux

package shmcam

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Runlevels of a camera server.
const (
	RunlevelInitial  = 0 // created, worker not started
	RunlevelIdle     = 1 // worker waiting for commands
	RunlevelAcquire  = 2 // worker acquiring and publishing
	RunlevelFinished = 3 // worker exited, normally or not
	RunlevelFailed   = 4 // worker did not terminate in time
)

const (
	defaultTimeout     = 2 * time.Second
	defaultJoinTimeout = 5 * time.Second
	commandPoll        = 100 * time.Millisecond
)

// CameraServer owns a RemoteCamera and its ring of output images and runs the
// worker that acquires frames from a Device and publishes them.
//
// The server has its own lock for the runlevel and the worker tasks; the remote
// camera lock protects what clients see. The worker takes them one at a time.
type CameraServer struct {
	mu   sync.Mutex
	cond *sync.Cond

	runlevel int
	state    State
	task     Request
	ntasks   int64
	ndone    int64
	results  map[int64]error
	done     chan struct{}
	exitErr  error
	closed   bool

	device    Device
	remote    *RemoteCamera
	logger    *zap.Logger
	events    *Emitter
	stats     *frameStats
	flags     Flags
	maxErrors int

	timeout     time.Duration
	joinTimeout time.Duration

	// Publication state, guarded by pubMu.
	pubMu    sync.Mutex
	config   Config
	images   []*SharedArray
	preproc  [NumPreproc]*SharedArray
	arrays   [NumPreproc][]float32
	callback PixelCallback
	pixels   PixelContext

	// Written under pubMu, read without it: a publication may wait for a slot
	// as long as the server timeout.
	current atomic.Pointer[Config]
	drop    atomic.Bool
	serial  atomic.Int64
	last    atomic.Int32
}

type Option func(*CameraServer)

func WithLogger(l *zap.Logger) Option {
	return func(s *CameraServer) { s.logger = l }
}

// WithEmitter makes the server report runlevel changes, timeouts and errors.
func WithEmitter(e *Emitter) Option {
	return func(s *CameraServer) { s.events = e }
}

// WithDrop selects the policy when the next output slot is busy: drop the frame
// (true) or wait for the slot up to the timeout (false, the default).
func WithDrop(drop bool) Option {
	return func(s *CameraServer) { s.drop.Store(drop) }
}

// WithTimeout bounds the waits of the server: next output slot, worker tasks,
// device frames.
func WithTimeout(d time.Duration) Option {
	return func(s *CameraServer) { s.timeout = d }
}

func WithJoinTimeout(d time.Duration) Option {
	return func(s *CameraServer) { s.joinTimeout = d }
}

func WithPixelCallback(cb PixelCallback) Option {
	return func(s *CameraServer) { s.callback = cb }
}

// WithConfig sets the configuration requested from the device when the worker starts.
func WithConfig(cfg Config) Option {
	return func(s *CameraServer) { s.config = cfg }
}

// WithMaxErrors turns more than n consecutive transient device errors into a
// fatal one. Zero means retry forever.
func WithMaxErrors(n int) Option {
	return func(s *CameraServer) { s.maxErrors = n }
}

// NewCameraServer creates the remote camera and its nbufs output images. The
// device is borrowed: the server never closes it.
func NewCameraServer(owner string, device Device, nbufs int, flags Flags, opts ...Option) (*CameraServer, error) {
	if device == nil {
		return nil, fail(errors.Wrap(ErrBadArgument, "no device"))
	}
	s := &CameraServer{
		device:      device,
		flags:       flags,
		config:      DefaultConfig(),
		timeout:     defaultTimeout,
		joinTimeout: defaultJoinTimeout,
		callback:    ConvertPixels,
		results:     make(map[int64]error),
		stats:       newFrameStats(),
	}
	s.cond = sync.NewCond(&s.mu)
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if err := s.config.Validate(); err != nil {
		return nil, fail(err)
	}
	remote, err := newRemoteCamera(owner, nbufs, flags)
	if err != nil {
		return nil, fail(err)
	}
	s.remote = remote
	s.images = make([]*SharedArray, nbufs)
	if err := s.allocate(s.config); err != nil {
		s.release()
		return nil, fail(err)
	}
	if err := remote.setConfig(s.config); err != nil {
		s.release()
		return nil, err
	}
	cfg := s.config
	s.current.Store(&cfg)
	s.state = StateWaiting
	if err := remote.SetState(StateWaiting); err != nil {
		s.release()
		return nil, err
	}
	s.logger.Info("camera server created",
		zap.String("owner", owner),
		zap.Int32("shmid", int32(remote.Shmid())),
		zap.Int("buffers", nbufs))
	return s, nil
}

// Shmid identifies the remote camera clients attach to.
func (s *CameraServer) Shmid() ShmID { return s.remote.Shmid() }

// Remote is the server's own handle on the remote camera.
func (s *CameraServer) Remote() *RemoteCamera { return s.remote }

func (s *CameraServer) Runlevel() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runlevel
}

func (s *CameraServer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Config is the effective configuration.
func (s *CameraServer) Config() Config { return *s.current.Load() }

// Serial is the number of the last published frame.
func (s *CameraServer) Serial() int64 { return s.serial.Load() }

func (s *CameraServer) Drop() bool { return s.drop.Load() }

// SetDrop changes the policy for busy output slots, effective from the next frame.
func (s *CameraServer) SetDrop(drop bool) { s.drop.Store(drop) }

// LastPublishStatus is the status of the last publication attempt.
func (s *CameraServer) LastPublishStatus() Status { return Status(s.last.Load()) }

func (s *CameraServer) Stats() Stats { return s.stats.snapshot() }

// Done is closed when the worker has exited.
func (s *CameraServer) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		return nil
	}
	return s.done
}

// Start launches the worker and waits until it is ready (runlevel 1) or has failed.
// On timeout the worker goes on configuring the device; Close waits for it.
func (s *CameraServer) Start() error {
	s.mu.Lock()
	if s.closed || s.done != nil {
		rl := s.runlevel
		s.mu.Unlock()
		return fail(errors.Wrapf(ErrBadRunlevel, "cannot start worker at runlevel %d", rl))
	}
	s.done = make(chan struct{})
	go s.work()
	ok := s.waitLocked(func() bool { return s.runlevel != RunlevelInitial }, s.timeout)
	rl, err := s.runlevel, s.exitErr
	s.mu.Unlock()
	switch {
	case !ok:
		return fail(errors.Wrap(ErrTimeout, "worker did not start"))
	case rl >= RunlevelFinished:
		if err == nil {
			err = ErrBadRunlevel
		}
		if joinErr := s.Join(); joinErr != nil && err == nil {
			err = joinErr
		}
		return fail(errors.Wrap(err, "worker failed to start"))
	}
	return nil
}

// StartAcquisition asks the worker to start acquiring.
func (s *CameraServer) StartAcquisition() error {
	return s.request(StartRequest{})
}

// StopAcquisition asks the worker to stop after the frame in progress.
func (s *CameraServer) StopAcquisition() error {
	return s.request(StopRequest{})
}

// Abort asks the worker to stop acquiring and discard the frame in progress.
func (s *CameraServer) Abort() error {
	return s.request(AbortRequest{})
}

func (s *CameraServer) Configure(cfg Config) error {
	return s.request(ConfigureRequest{Config: cfg})
}

func (s *CameraServer) SetPreprocessing(i int, id ShmID) error {
	return s.request(PreprocessingRequest{Index: i, Shmid: id})
}

// Kill terminates the worker and waits for it.
func (s *CameraServer) Kill() error {
	if err := s.request(KillRequest{}); err != nil {
		return err
	}
	return s.Join()
}

// request is Do with the server timeout, a timeout being an error.
func (s *CameraServer) request(req Request) error {
	status, err := s.Do(req, s.timeout)
	if status == StatusTimeout {
		return fail(errors.Wrapf(ErrTimeout, "worker did not %s in time", req.Command()))
	}
	return err
}

// Do hands req to the worker and waits at most d for it to be performed. It is
// only possible at runlevels 1 and 2. A timeout leaves the task queued.
func (s *CameraServer) Do(req Request, d time.Duration) (Status, error) {
	_, status, err := s.do(req, d)
	return status, err
}

// do is Do also returning the number of the task, 0 if it could not be queued.
func (s *CameraServer) do(req Request, d time.Duration) (int64, Status, error) {
	if req == nil {
		status, err := failStatus(errors.Wrap(ErrBadArgument, "nil request"))
		return 0, status, err
	}
	deadline := time.Now().Add(d)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runlevel != RunlevelIdle && s.runlevel != RunlevelAcquire {
		status, err := failStatus(errors.Wrapf(ErrBadRunlevel, "cannot %s at runlevel %d", req.Command(), s.runlevel))
		return 0, status, err
	}
	if !s.waitLocked(func() bool { return s.task == nil || s.runlevel >= RunlevelFinished }, d) {
		return 0, StatusTimeout, nil
	}
	if s.runlevel >= RunlevelFinished {
		status, err := failStatus(errors.Wrapf(ErrBadRunlevel, "worker exited before %s", req.Command()))
		return 0, status, err
	}
	s.task = req
	s.ntasks++
	num := s.ntasks
	s.cond.Broadcast()
	if !s.waitLocked(func() bool { return s.ndone >= num || s.runlevel >= RunlevelFinished }, remaining(deadline, d)) {
		return num, StatusTimeout, nil
	}
	if s.ndone < num {
		status, err := failStatus(errors.Wrapf(ErrBadRunlevel, "worker exited before %s", req.Command()))
		return num, status, err
	}
	err := s.results[num]
	delete(s.results, num)
	if err != nil {
		status, err := failStatus(err)
		return num, status, err
	}
	return num, StatusOK, nil
}

// performed waits at most d until task num has been performed or the worker has
// exited, and returns the result of the task if it has.
func (s *CameraServer) performed(num int64, d time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.waitLocked(func() bool { return s.ndone >= num || s.runlevel >= RunlevelFinished }, d) {
		return false, nil
	}
	err := s.results[num]
	delete(s.results, num)
	if s.ndone < num {
		err = errors.Wrap(ErrBadRunlevel, "worker exited before performing the command")
	}
	return true, err
}

// waitLocked waits on the server condition until pred holds or d elapses. The
// server lock must be held.
func (s *CameraServer) waitLocked(pred func() bool, d time.Duration) bool {
	if pred() {
		return true
	}
	if d == 0 {
		return false
	}
	expired := false
	if d > 0 {
		t := time.AfterFunc(d, func() {
			s.mu.Lock()
			expired = true
			s.cond.Broadcast()
			s.mu.Unlock()
		})
		defer t.Stop()
	}
	for !pred() {
		if expired {
			return false
		}
		s.cond.Wait()
	}
	return true
}

// Run starts the worker if needed and serves the commands clients post in the
// remote camera until a kill command, the worker exit or the cancellation of ctx.
//
// A command is acknowledged once the worker has performed it. When that takes
// longer than the server timeout, no other command is taken meanwhile.
func (s *CameraServer) Run(ctx context.Context) error {
	if s.Runlevel() == RunlevelInitial {
		if err := s.Start(); err != nil {
			return err
		}
	}
	done := s.Done()
	var pending, task int64
	for {
		if pending != 0 {
			if ok, err := s.performed(task, commandPoll); ok {
				if err != nil {
					s.logger.Warn("command failed", zap.Int64("number", pending), zap.Error(err))
				}
				if err := s.remote.Acknowledge(pending, s.State()); err != nil {
					return err
				}
				pending = 0
			}
		}
		select {
		case <-ctx.Done():
			s.logger.Info("camera server interrupted", zap.Error(ctx.Err()))
			return s.Kill()
		case <-done:
			return s.Join()
		default:
		}
		if pending != 0 {
			continue
		}
		req, num, status, err := s.remote.NextCommand(commandPoll)
		if status == StatusError {
			if num == 0 {
				return err
			}
			s.logger.Warn("discarding bad command", zap.Int64("number", num), zap.Error(err))
			continue
		}
		if req == nil {
			continue
		}
		s.logger.Debug("command", zap.Stringer("command", req.Command()), zap.Int64("number", num))
		n, status, err := s.do(req, s.timeout)
		if status == StatusTimeout && n != 0 {
			s.logger.Warn("command still in progress", zap.Stringer("command", req.Command()),
				zap.Int64("number", num), zap.Duration("timeout", s.timeout))
			pending, task = num, n
			continue
		}
		if status != StatusOK {
			s.logger.Warn("command failed", zap.Stringer("command", req.Command()),
				zap.Stringer("status", status), zap.Error(err))
		}
		if err := s.remote.Acknowledge(num, s.State()); err != nil {
			return err
		}
		if _, kill := req.(KillRequest); kill && status == StatusOK {
			return s.Join()
		}
	}
}

// Join waits for the worker to exit, at most the join timeout. On failure the
// server moves to runlevel 4, the camera state is forced to waiting and the
// shared resources will leak.
func (s *CameraServer) Join() error {
	s.mu.Lock()
	done, rl := s.done, s.runlevel
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	if rl == RunlevelFailed {
		return fail(ErrJoinFailed)
	}
	select {
	case <-done:
	case <-time.After(s.joinTimeout):
		s.mu.Lock()
		s.runlevel, s.state = RunlevelFailed, StateWaiting
		s.cond.Broadcast()
		s.mu.Unlock()
		if err := s.remote.SetState(StateWaiting); err != nil {
			s.logger.Error("cannot publish state", zap.Error(err))
		}
		s.logger.Error("worker did not terminate", zap.Duration("timeout", s.joinTimeout))
		s.emit("runlevel", RunlevelFailed, nil)
		return fail(ErrJoinFailed)
	}
	s.mu.Lock()
	err := s.exitErr
	s.mu.Unlock()
	return fail(err)
}

// Close stops the worker if one was started, even one still configuring the
// device after Start timed out, marks the remote camera unreachable and releases
// the shared resources. After a failed join they are left attached because the
// worker may still use them; ErrJoinFailed is returned.
func (s *CameraServer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.done != nil
	s.cond.Broadcast()
	s.mu.Unlock()

	var err error
	if started {
		err = s.Join()
	}
	s.remote.SetState(StateUnreachable)
	if s.Runlevel() == RunlevelFailed {
		return fail(ErrJoinFailed)
	}
	s.release()
	s.logger.Info("camera server closed")
	return err
}

// release detaches all the shared resources.
func (s *CameraServer) release() {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	for i, img := range s.images {
		if img != nil {
			img.Detach()
			s.images[i] = nil
		}
	}
	for i, arr := range s.preproc {
		if arr != nil {
			arr.Detach()
			s.preproc[i] = nil
		}
	}
	s.remote.Detach()
}

func (s *CameraServer) emit(event string, runlevel int, err error) {
	if s.events == nil {
		return
	}
	msg := struct {
		Runlevel int
		State    string
		Serial   int64
		Error    string `json:",omitempty"`
	}{Runlevel: runlevel, State: s.remote.State().String(), Serial: s.remote.Serial()}
	if err != nil {
		msg.Error = err.Error()
	}
	s.events.Emit(event, msg)
}

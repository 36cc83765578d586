//go:build linux

package shmcam

import (
	"runtime"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// work is the body of the worker goroutine. It owns the device: configuration,
// start, stop and frame acquisition all happen here.
func (s *CameraServer) work() {
	defer close(s.done)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := s.configure(s.Config()); err != nil {
		s.exit(errors.Wrap(err, "cannot configure device"))
		return
	}
	s.setRunlevel(RunlevelIdle, StateWaiting)
	errs := 0
	for {
		s.mu.Lock()
		for s.task == nil && s.runlevel == RunlevelIdle && !s.closed {
			s.cond.Wait()
		}
		task, num, rl, closed := s.task, s.ntasks, s.runlevel, s.closed
		s.task = nil
		s.cond.Broadcast()
		s.mu.Unlock()

		if task != nil {
			quit, err := s.perform(task)
			s.finish(num, err)
			switch {
			case quit:
				s.exit(nil)
				return
			case IsUnrecoverable(err):
				s.exit(err)
				return
			}
			continue
		}
		if closed || rl != RunlevelAcquire {
			// Closed, or given up on by Join.
			s.exit(nil)
			return
		}
		if err := s.acquire(&errs); err != nil {
			s.exit(err)
			return
		}
	}
}

// perform executes a task and tells whether the worker must quit.
func (s *CameraServer) perform(task Request) (bool, error) {
	s.logger.Debug("performing", zap.Stringer("command", task.Command()))
	switch req := task.(type) {
	case StartRequest:
		return false, s.startAcquisition()
	case StopRequest, AbortRequest:
		return false, s.stopAcquisition()
	case ResetRequest:
		if err := s.stopAcquisition(); err != nil {
			return false, err
		}
		return false, s.configure(s.Config())
	case ConfigureRequest:
		acquiring := s.Runlevel() == RunlevelAcquire
		if err := s.stopAcquisition(); err != nil {
			return false, err
		}
		err := s.configure(req.Config)
		if acquiring {
			if e := s.startAcquisition(); err == nil {
				err = e
			}
		}
		return false, err
	case PreprocessingRequest:
		return false, s.loadPreprocessing(req.Index, req.Shmid)
	case KillRequest:
		return true, s.stopAcquisition()
	}
	return false, errors.Wrapf(ErrBadArgument, "unsupported request %T", task)
}

func (s *CameraServer) finish(num int64, err error) {
	s.mu.Lock()
	if err != nil {
		s.results[num] = err
	}
	s.ndone = num
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *CameraServer) startAcquisition() error {
	if s.Runlevel() == RunlevelAcquire {
		return nil
	}
	if err := s.device.Start(); err != nil {
		return errors.Wrap(err, "cannot start acquisition")
	}
	s.stats.restart()
	s.setRunlevel(RunlevelAcquire, StateWorking)
	return nil
}

func (s *CameraServer) stopAcquisition() error {
	if s.Runlevel() != RunlevelAcquire {
		return nil
	}
	err := s.device.Stop()
	s.setRunlevel(RunlevelIdle, StateWaiting)
	return errors.Wrap(err, "cannot stop acquisition")
}

func (s *CameraServer) setRunlevel(runlevel int, state State) {
	s.mu.Lock()
	if s.runlevel == RunlevelFailed {
		s.mu.Unlock()
		return
	}
	s.runlevel, s.state = runlevel, state
	s.cond.Broadcast()
	s.mu.Unlock()
	if err := s.remote.SetState(state); err != nil {
		s.logger.Error("cannot publish state", zap.Error(err))
	}
	s.logger.Info("runlevel changed", zap.Int("runlevel", runlevel), zap.Stringer("state", state))
	s.emit("runlevel", runlevel, nil)
}

// exit moves the server to runlevel 3, unless Join already gave up on the worker.
func (s *CameraServer) exit(err error) {
	if s.Runlevel() == RunlevelAcquire {
		if e := s.device.Stop(); e != nil {
			s.logger.Warn("cannot stop acquisition", zap.Error(e))
		}
	}
	s.mu.Lock()
	failed := s.runlevel == RunlevelFailed
	if !failed {
		s.runlevel = RunlevelFinished
	}
	s.state = StateWaiting
	s.exitErr = err
	s.cond.Broadcast()
	s.mu.Unlock()
	if failed {
		s.logger.Warn("worker exited after being given up", zap.Error(err))
		return
	}
	s.remote.SetState(StateWaiting)
	if err != nil {
		s.logger.Error("worker exited", zap.Error(err))
	} else {
		s.logger.Info("worker exited")
	}
	s.emit("runlevel", RunlevelFinished, err)
}

// acquire waits for one frame and publishes it. Only unrecoverable errors are returned.
func (s *CameraServer) acquire(errs *int) error {
	frame, err := s.device.AcquireFrame(s.timeout)
	switch {
	case err == nil:
		*errs = 0
	case IsUnrecoverable(err):
		return err
	case IsTimeout(err):
		s.logger.Debug("no frame", zap.Duration("timeout", s.timeout))
		return nil
	default:
		*errs++
		s.stats.acquisitionError()
		s.logger.Warn("acquisition error", zap.Error(err), zap.Int("consecutive", *errs))
		if s.maxErrors > 0 && *errs > s.maxErrors {
			return Unrecoverable(errors.Wrapf(err, "%d consecutive acquisition errors", *errs))
		}
		return nil
	}
	defer func() {
		if err := frame.Release(); err != nil {
			s.logger.Warn("cannot release frame", zap.Error(err))
		}
	}()

	s.mu.Lock()
	_, abort := s.task.(AbortRequest)
	s.mu.Unlock()
	if abort {
		s.logger.Debug("frame discarded by abort")
		return nil
	}
	status, err := s.Publish(frame)
	if status == StatusError {
		s.logger.Error("cannot publish frame", zap.Error(err))
	}
	return nil
}

// configure applies cfg to the device and resizes the shared arrays to match the
// effective configuration.
func (s *CameraServer) configure(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	eff, err := s.device.Configure(cfg)
	if err != nil {
		return errors.Wrap(err, "device rejected configuration")
	}
	if err := eff.Validate(); err != nil {
		return errors.Wrap(err, "device returned a bad configuration")
	}
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	if err := s.allocate(eff); err != nil {
		return err
	}
	s.config = eff
	s.current.Store(&eff)
	if err := s.remote.setConfig(eff); err != nil {
		return err
	}
	s.logger.Info("configured", zap.Stringer("config", eff))
	return nil
}

// allocate (re)creates the output images and pre-processing arrays that do not
// fit cfg. Clients still attached to replaced arrays keep them alive.
func (s *CameraServer) allocate(cfg Config) error {
	dims := cfg.OutputDims()
	for i, img := range s.images {
		if img != nil && img.ElementType() == cfg.PixelType && sameDims(img.Dims(), dims) {
			continue
		}
		arr, err := CreateSharedArray(cfg.PixelType, dims, s.flags)
		if err != nil {
			return err
		}
		s.images[i] = arr
		s.remote.setOutput(i, arr.Shmid())
		if img != nil {
			img.Detach()
		}
	}
	pdims := []int{int(cfg.Width), int(cfg.Height)}
	for i, old := range s.preproc {
		if old != nil && sameDims(old.Dims(), pdims) {
			continue
		}
		arr, err := CreateSharedArray(TypeFloat32, pdims, s.flags)
		if err != nil {
			return err
		}
		values := arr.Float32s()
		if i != PreprocB {
			for j := range values {
				values[j] = 1
			}
		}
		s.preproc[i] = arr
		s.arrays[i] = append([]float32(nil), values...)
		s.remote.setPreprocessing(i, arr.Shmid())
		if old != nil {
			old.Detach()
		}
	}
	return nil
}

// loadPreprocessing takes shared array id as pre-processing array i, or reloads
// the current one when id is BadShmID. Contents are copied under the camera lock.
func (s *CameraServer) loadPreprocessing(i int, id ShmID) error {
	if i < 0 || i >= NumPreproc {
		return errors.Wrapf(ErrBadArgument, "bad pre-processing index %d", i)
	}
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	arr := s.preproc[i]
	if id != BadShmID && id != arr.Shmid() {
		a, err := AttachSharedArray(id)
		if err != nil {
			return err
		}
		want := []int{int(s.config.Width), int(s.config.Height)}
		if a.ElementType() != TypeFloat32 || !sameDims(a.Dims(), want) {
			a.Detach()
			return errors.Wrapf(ErrBadArgument, "pre-processing array must be float32 %v", want)
		}
		arr = a
	}
	if err := s.remote.Lock(); err != nil {
		if arr != s.preproc[i] {
			arr.Detach()
		}
		return err
	}
	copy(s.arrays[i], arr.Float32s())
	s.remote.Unlock()
	if arr != s.preproc[i] {
		s.preproc[i].Detach()
		s.preproc[i] = arr
		s.remote.setPreprocessing(i, arr.Shmid())
	}
	s.logger.Info("pre-processing array loaded", zap.Int("index", i), zap.Int32("shmid", int32(arr.Shmid())))
	return nil
}

func sameDims(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

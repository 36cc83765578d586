//go:build linux

package shmcam

import (
	"math"
	"os"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Futex operations, shared (no FUTEX_PRIVATE_FLAG) so that they work across processes
// mapping the same page at different addresses.
const (
	futexWaitOp = 0
	futexWakeOp = 1
)

// Bit set in a mutex word when at least one waiter may be sleeping on it.
const mutexWaiters = uint32(1) << 31

// How often a blocked locker re-checks that the holder of a mutex is still alive.
const livenessPoll = 100 * time.Millisecond

var selfPid = uint32(os.Getpid())

// futexWait sleeps while *addr == val, at most d (d < 0 means forever).
// It returns true if the wait timed out.
func futexWait(addr *uint32, val uint32, d time.Duration) (bool, error) {
	var tsp *unix.Timespec
	if d >= 0 {
		ts := unix.NsecToTimespec(int64(d))
		tsp = &ts
	}
	_, _, e := unix.Syscall6(unix.SYS_FUTEX, uintptr(unsafe.Pointer(addr)), futexWaitOp,
		uintptr(val), uintptr(unsafe.Pointer(tsp)), 0, 0)
	switch e {
	case 0, unix.EAGAIN, unix.EINTR:
		return false, nil
	case unix.ETIMEDOUT:
		return true, nil
	}
	return false, e
}

func futexWake(addr *uint32, n int) {
	unix.Syscall6(unix.SYS_FUTEX, uintptr(unsafe.Pointer(addr)), futexWakeOp, uintptr(n), 0, 0, 0)
}

// processAlive tells whether pid names a live process. EPERM means it exists
// but belongs to somebody else.
func processAlive(pid uint32) bool {
	err := unix.Kill(int(pid), 0)
	return err == nil || err == unix.EPERM
}

// robustMutex is a process-shared mutex living in shared memory. The word holds the
// pid of the holder (plus mutexWaiters). A locker that finds the holder dead takes
// the lock over, so a crashed client never deadlocks the survivors.
type robustMutex struct {
	word *uint32
}

// lock acquires the mutex, giving up after d (d < 0 means no limit).
// It returns false on timeout.
func (m robustMutex) lock(d time.Duration) (bool, error) {
	if atomic.CompareAndSwapUint32(m.word, 0, selfPid) {
		return true, nil
	}
	var deadline time.Time
	if d >= 0 {
		deadline = time.Now().Add(d)
	}
	for {
		v := atomic.LoadUint32(m.word)
		if v == 0 {
			// Be conservative after contention: others may still be sleeping.
			if atomic.CompareAndSwapUint32(m.word, 0, selfPid|mutexWaiters) {
				return true, nil
			}
			continue
		}
		holder := v &^ mutexWaiters
		if holder != selfPid && !processAlive(holder) {
			if atomic.CompareAndSwapUint32(m.word, v, selfPid|mutexWaiters) {
				return true, nil
			}
			continue
		}
		if v&mutexWaiters == 0 && !atomic.CompareAndSwapUint32(m.word, v, v|mutexWaiters) {
			continue
		}
		sleep := livenessPoll
		if d >= 0 {
			left := time.Until(deadline)
			if left <= 0 {
				return false, nil
			}
			if left < sleep {
				sleep = left
			}
		}
		if _, err := futexWait(m.word, v|mutexWaiters, sleep); err != nil {
			return false, err
		}
	}
}

func (m robustMutex) tryLock() bool {
	return atomic.CompareAndSwapUint32(m.word, 0, selfPid)
}

func (m robustMutex) unlock() {
	if atomic.SwapUint32(m.word, 0)&mutexWaiters != 0 {
		futexWake(m.word, 1)
	}
}

// sharedCond is a condition variable made of a sequence word: waiters sleep on the
// value they sampled while holding the mutex, signalers bump it.
type sharedCond struct {
	seq *uint32
}

// wait must be called with mu held; mu is held again on return.
// It returns true if d elapsed before a wake up.
func (c sharedCond) wait(mu robustMutex, d time.Duration) (bool, error) {
	seq := atomic.LoadUint32(c.seq)
	mu.unlock()
	timedOut, err := futexWait(c.seq, seq, d)
	if _, lerr := mu.lock(-1); lerr != nil && err == nil {
		err = lerr
	}
	return timedOut, err
}

func (c sharedCond) signal() {
	atomic.AddUint32(c.seq, 1)
	futexWake(c.seq, 1)
}

func (c sharedCond) broadcast() {
	atomic.AddUint32(c.seq, 1)
	futexWake(c.seq, math.MaxInt32)
}

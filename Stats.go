package shmcam

import (
	"sync"
	"time"

	"github.com/zfjagann/golang-ring"
)

// Stats are the counters of a camera server.
type Stats struct {
	Serial            int64   // last published frame
	Published         uint64  // frames published
	Dropped           uint64  // frames discarded because the next slot was busy
	Timeouts          uint64  // publications abandoned waiting for the next slot
	AcquisitionErrors uint64  // transient device errors
	FrameRate         float64 // over the last published frames
}

// frameStats keeps the counters and a rolling window of publication intervals.
type frameStats struct {
	sync.Mutex
	intervals ring.Ring
	last      time.Time
	stats     Stats
}

const rateWindow = 32

func newFrameStats() *frameStats {
	f := new(frameStats)
	f.intervals.SetCapacity(rateWindow)
	return f
}

func (f *frameStats) published(serial int64, ts time.Time) {
	f.Lock()
	defer f.Unlock()
	if !f.last.IsZero() && ts.After(f.last) {
		f.intervals.Enqueue(ts.Sub(f.last))
	}
	f.last = ts
	f.stats.Serial = serial
	f.stats.Published++
}

func (f *frameStats) dropped() {
	f.Lock()
	f.stats.Dropped++
	f.Unlock()
}

func (f *frameStats) timedOut() {
	f.Lock()
	f.stats.Timeouts++
	f.Unlock()
}

func (f *frameStats) acquisitionError() {
	f.Lock()
	f.stats.AcquisitionErrors++
	f.Unlock()
}

// restart forgets the intervals, e.g. when acquisition starts again.
func (f *frameStats) restart() {
	f.Lock()
	f.intervals = ring.Ring{}
	f.intervals.SetCapacity(rateWindow)
	f.last = time.Time{}
	f.Unlock()
}

func (f *frameStats) snapshot() Stats {
	f.Lock()
	defer f.Unlock()
	s := f.stats
	var sum time.Duration
	values := f.intervals.Values()
	for _, v := range values {
		sum += v.(time.Duration)
	}
	if sum > 0 {
		s.FrameRate = float64(len(values)) / sum.Seconds()
	}
	return s
}

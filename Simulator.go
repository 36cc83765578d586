package shmcam

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Simulator is a software device producing a moving test pattern. Errors can be
// injected to exercise the recovery paths of a camera server.
type Simulator struct {
	mu sync.Mutex

	sensorWidth  int
	sensorHeight int
	padding      int // extra bytes per row
	cfg          Config
	running      bool
	next         time.Time
	frames       int64 // frames delivered so far
	buf          []byte

	transient int  // number of upcoming acquisitions failing
	fatal     bool // all further acquisitions fail
	hang      chan struct{}
	blocked   bool
}

// NewSimulator returns a simulated sensor of the given size.
func NewSimulator(width, height int) *Simulator {
	cfg := DefaultConfig()
	cfg.SensorWidth, cfg.SensorHeight = int32(width), int32(height)
	if int(cfg.Width) > width {
		cfg.Width = int32(width)
	}
	if int(cfg.Height) > height {
		cfg.Height = int32(height)
	}
	return &Simulator{sensorWidth: width, sensorHeight: height, cfg: cfg}
}

// SetPadding adds n bytes at the end of every row.
func (s *Simulator) SetPadding(n int) {
	s.mu.Lock()
	s.padding = n
	s.mu.Unlock()
}

// FailNext makes the next n acquisitions fail with a transient error.
func (s *Simulator) FailNext(n int) {
	s.mu.Lock()
	s.transient = n
	s.mu.Unlock()
}

// Break makes every further acquisition fail with an unrecoverable error.
func (s *Simulator) Break() {
	s.mu.Lock()
	s.fatal = true
	s.mu.Unlock()
}

// Hang makes the next acquisition block until the returned function is called.
func (s *Simulator) Hang() (release func()) {
	ch := make(chan struct{})
	s.mu.Lock()
	s.hang = ch
	s.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

// Blocked tells whether an acquisition is held by Hang.
func (s *Simulator) Blocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blocked
}

// Frames is the number of frames delivered so far.
func (s *Simulator) Frames() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

func (s *Simulator) Configure(cfg Config) (Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return s.cfg, errors.Wrap(ErrBadRunlevel, "cannot configure while acquiring")
	}
	cfg.SensorWidth, cfg.SensorHeight = int32(s.sensorWidth), int32(s.sensorHeight)
	if err := cfg.Validate(); err != nil {
		return s.cfg, err
	}
	if cfg.Buffers < 1 {
		cfg.Buffers = 1
	}
	s.cfg = cfg
	return cfg, nil
}

func (s *Simulator) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fatal {
		return Unrecoverable(errors.New("simulated sensor is broken"))
	}
	s.running = true
	s.next = time.Now()
	return nil
}

func (s *Simulator) Stop() error {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return nil
}

func (s *Simulator) period() time.Duration {
	if s.cfg.FrameRate <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / s.cfg.FrameRate)
}

func (s *Simulator) AcquireFrame(timeout time.Duration) (*RawFrame, error) {
	s.mu.Lock()
	if hang := s.hang; hang != nil {
		s.hang, s.blocked = nil, true
		s.mu.Unlock()
		<-hang
		s.mu.Lock()
		s.blocked = false
	}
	defer s.mu.Unlock()
	switch {
	case s.fatal:
		return nil, Unrecoverable(errors.New("simulated sensor is broken"))
	case !s.running:
		return nil, errors.New("simulated sensor is not acquiring")
	case s.transient > 0:
		s.transient--
		return nil, errors.New("simulated transfer error")
	}
	if wait := time.Until(s.next); wait > 0 {
		if timeout >= 0 && wait > timeout {
			s.mu.Unlock()
			time.Sleep(timeout)
			s.mu.Lock()
			return nil, errors.Wrap(ErrTimeout, "no simulated frame")
		}
		s.mu.Unlock()
		time.Sleep(wait)
		s.mu.Lock()
	}
	s.next = s.next.Add(s.period())
	if now := time.Now(); s.next.Before(now) {
		s.next = now
	}
	s.frames++

	w, h := int(s.cfg.Width), int(s.cfg.Height)
	stride := s.cfg.Encoding.StrideMin(w) + s.padding
	if n := stride * h; cap(s.buf) < n {
		s.buf = make([]byte, n)
	} else {
		s.buf = s.buf[:n]
	}
	for y := 0; y < h; y++ {
		encodeRow(s.cfg, s.buf[y*stride:], s.frames, int(s.cfg.Yoff)+y, int(s.cfg.Xoff))
	}
	return &RawFrame{
		Data:      s.buf,
		Encoding:  s.cfg.Encoding,
		Width:     w,
		Height:    h,
		Stride:    stride,
		Timestamp: time.Now(),
	}, nil
}

// SimulatedPixel is the raw value of sensor pixel (x,y) in frame number frame
// (counted from 1) for the given bit depth.
func SimulatedPixel(frame int64, x, y int, bitDepth int32) uint16 {
	mask := int64(1)<<uint(bitDepth) - 1
	if bitDepth > 8 {
		// Spread the pattern so the high bits change too.
		return uint16((int64(x+3*y)*16 + frame) & mask)
	}
	return uint16((int64(x+3*y) + frame) & mask)
}

func encodeRow(cfg Config, row []byte, frame int64, y, xoff int) {
	w := int(cfg.Width)
	switch cfg.Encoding {
	case EncodingMono8:
		for x := 0; x < w; x++ {
			row[x] = byte(SimulatedPixel(frame, xoff+x, y, cfg.BitDepth))
		}
	case EncodingMono16:
		for x := 0; x < w; x++ {
			binary.LittleEndian.PutUint16(row[2*x:], SimulatedPixel(frame, xoff+x, y, cfg.BitDepth))
		}
	case EncodingYUYV:
		for x := 0; x < w; x++ {
			row[2*x] = byte(SimulatedPixel(frame, xoff+x, y, cfg.BitDepth))
			row[2*x+1] = 0x80
		}
	case EncodingMono12Packed:
		for x := 0; x < w; x += 2 {
			p := row[3*x/2:]
			v0 := SimulatedPixel(frame, xoff+x, y, cfg.BitDepth) & 0x0fff
			p[0] = byte(v0 >> 4)
			p[1] = byte(v0 & 0x0f)
			if x+1 < w {
				v1 := SimulatedPixel(frame, xoff+x+1, y, cfg.BitDepth) & 0x0fff
				p[1] |= byte(v1&0x0f) << 4
				p[2] = byte(v1 >> 4)
			}
		}
	}
}

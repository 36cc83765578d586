//go:build linux

package shmcam

import (
	"math"
	"sync"
	"time"

	"github.com/blackjack/webcam"
	"github.com/pkg/errors"
)

func fourcc(s string) webcam.PixelFormat {
	return webcam.PixelFormat(uint32(s[0]) | uint32(s[1])<<8 | uint32(s[2])<<16 | uint32(s[3])<<24)
}

// V4L2 pixel formats the pixel pipeline can decode.
var (
	FormatGrey = fourcc("GREY")
	FormatY16  = fourcc("Y16 ")
	FormatYUYV = fourcc("YUYV")
)

var webcamEncodings = map[webcam.PixelFormat]Encoding{
	FormatGrey: EncodingMono8,
	FormatY16:  EncodingMono16,
	FormatYUYV: EncodingYUYV,
}

// WebcamDevice drives a V4L2 capture device. Frames are handed out zero-copy
// from the driver's mmap'ed buffers and given back on RawFrame.Release.
type WebcamDevice struct {
	sync.Mutex
	Path string

	device    *webcam.Webcam
	formats   map[webcam.PixelFormat]string
	cfg       Config
	streaming bool
}

// OpenWebcam opens the V4L2 device at path. Closing it is up to the caller.
func OpenWebcam(path string) (*WebcamDevice, error) {
	dev, err := webcam.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open %s", path)
	}
	w := &WebcamDevice{Path: path, device: dev, formats: dev.GetSupportedFormats()}
	w.cfg = DefaultConfig()
	for f := range w.formats {
		if enc, ok := webcamEncodings[f]; ok {
			w.cfg.Encoding = enc
			w.cfg.BitDepth = enc.MaxBitDepth()
			w.cfg.SensorWidth, w.cfg.SensorHeight = w.sensorSize(f)
			break
		}
	}
	return w, nil
}

func (w *WebcamDevice) sensorSize(f webcam.PixelFormat) (int32, int32) {
	var width, height uint32
	for _, size := range w.device.GetSupportedFrameSizes(f) {
		if size.MaxWidth*size.MaxHeight > width*height {
			width, height = size.MaxWidth, size.MaxHeight
		}
	}
	return int32(width), int32(height)
}

// Formats lists the pixel formats of the device by description.
func (w *WebcamDevice) Formats() map[string]bool {
	m := make(map[string]bool)
	for f, desc := range w.formats {
		_, ok := webcamEncodings[f]
		m[desc] = ok
	}
	return m
}

func (w *WebcamDevice) Configure(cfg Config) (Config, error) {
	w.Lock()
	defer w.Unlock()
	if w.streaming {
		return w.cfg, errors.Wrap(ErrBadRunlevel, "cannot configure while streaming")
	}
	var format webcam.PixelFormat
	for f, enc := range webcamEncodings {
		if _, ok := w.formats[f]; ok && enc == cfg.Encoding {
			format = f
		}
	}
	if format == 0 {
		return w.cfg, errors.Wrapf(ErrBadArgument, "%s does not deliver %s pixels", w.Path, cfg.Encoding)
	}
	// V4L2 has no region of interest at this level, only the frame size.
	_, width, height, err := w.device.SetImageFormat(format, uint32(cfg.Width), uint32(cfg.Height))
	if err != nil {
		return w.cfg, errors.Wrapf(err, "cannot set %s format", cfg.Encoding)
	}
	if cfg.Buffers < 1 {
		cfg.Buffers = 1
	}
	if err := w.device.SetBufferCount(uint32(cfg.Buffers)); err != nil {
		return w.cfg, errors.Wrap(err, "cannot set buffer count")
	}
	cfg.SensorWidth, cfg.SensorHeight = w.sensorSize(format)
	cfg.Width, cfg.Height = int32(width), int32(height)
	cfg.Xoff, cfg.Yoff = 0, 0
	if cfg.BitDepth > cfg.Encoding.MaxBitDepth() {
		cfg.BitDepth = cfg.Encoding.MaxBitDepth()
	}
	w.cfg = cfg
	return cfg, nil
}

func (w *WebcamDevice) Start() error {
	w.Lock()
	defer w.Unlock()
	if w.streaming {
		return nil
	}
	if err := w.device.StartStreaming(); err != nil {
		return Unrecoverable(errors.Wrapf(err, "cannot stream from %s", w.Path))
	}
	w.streaming = true
	return nil
}

func (w *WebcamDevice) Stop() error {
	w.Lock()
	defer w.Unlock()
	if !w.streaming {
		return nil
	}
	w.streaming = false
	return errors.Wrapf(w.device.StopStreaming(), "cannot stop %s", w.Path)
}

func (w *WebcamDevice) AcquireFrame(timeout time.Duration) (*RawFrame, error) {
	w.Lock()
	defer w.Unlock()
	if !w.streaming {
		return nil, errors.Errorf("%s is not streaming", w.Path)
	}
	// WaitForFrame counts whole seconds.
	secs := uint32(math.Ceil(timeout.Seconds()))
	if timeout < 0 {
		secs = math.MaxUint32
	}
	switch err := w.device.WaitForFrame(secs).(type) {
	case nil:
	case *webcam.Timeout:
		return nil, errors.Wrapf(ErrTimeout, "no frame from %s", w.Path)
	default:
		return nil, Unrecoverable(errors.Wrapf(err, "cannot wait for %s", w.Path))
	}
	buf, index, err := w.device.GetFrame()
	if err != nil {
		return nil, errors.Wrapf(err, "cannot dequeue frame from %s", w.Path)
	}
	if len(buf) == 0 {
		w.device.ReleaseFrame(index)
		return nil, errors.Errorf("empty frame from %s", w.Path)
	}
	height := int(w.cfg.Height)
	return &RawFrame{
		Data:      buf,
		Encoding:  w.cfg.Encoding,
		Width:     int(w.cfg.Width),
		Height:    height,
		Stride:    len(buf) / height,
		Timestamp: time.Now(),
		release: func() error {
			return w.device.ReleaseFrame(index)
		},
	}, nil
}

func (w *WebcamDevice) Close() error {
	w.Lock()
	defer w.Unlock()
	if w.streaming {
		w.device.StopStreaming()
		w.streaming = false
	}
	return w.device.Close()
}

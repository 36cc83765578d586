package main

import (
	"os"
	"time"

	"github.com/bvarner/shmcam"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ServerConfig is the YAML configuration of shmcam-server.
type ServerConfig struct {
	Owner       string        `yaml:"owner"`
	Device      string        `yaml:"device"` // V4L2 path or "sim"
	Buffers     int           `yaml:"buffers"`
	Permissions uint32        `yaml:"permissions"`
	Persistent  bool          `yaml:"persistent"`
	Drop        bool          `yaml:"drop"`
	Timeout     time.Duration `yaml:"timeout"`
	JoinTimeout time.Duration `yaml:"join_timeout"`
	MaxErrors   int           `yaml:"max_errors"`
	ShmidFile   string        `yaml:"shmid_file"`
	AutoStart   bool          `yaml:"autostart"`
	Debug       bool          `yaml:"debug"`
	Camera      CameraConfig  `yaml:"camera"`
	Strobe      StrobeConfig  `yaml:"strobe"`
	HTTP        HTTPConfig    `yaml:"http"`
}

type CameraConfig struct {
	Width         int     `yaml:"width"`
	Height        int     `yaml:"height"`
	Xoff          int     `yaml:"xoff"`
	Yoff          int     `yaml:"yoff"`
	Encoding      string  `yaml:"encoding"`
	BitDepth      int     `yaml:"bit_depth"`
	PixelType     string  `yaml:"pixel_type"`
	Preprocessing string  `yaml:"preprocessing"`
	Buffers       int     `yaml:"buffers"`
	FrameRate     float64 `yaml:"frame_rate"`
	ExposureTime  float64 `yaml:"exposure_time"`
	SensorWidth   int     `yaml:"sensor_width"` // simulator only
	SensorHeight  int     `yaml:"sensor_height"`
}

// StrobeConfig wires an external trigger; disabled when TriggerPin is empty.
type StrobeConfig struct {
	TriggerPin string        `yaml:"trigger_pin"`
	ReadyPin   string        `yaml:"ready_pin"`
	Pulse      time.Duration `yaml:"pulse"`
}

type HTTPConfig struct {
	Address string `yaml:"address"` // empty disables the HTTP interface
	Cert    string `yaml:"cert"`
	Key     string `yaml:"key"`
}

func defaultServerConfig() ServerConfig {
	cam := shmcam.DefaultConfig()
	return ServerConfig{
		Owner:       "shmcam",
		Device:      "sim",
		Buffers:     4,
		Permissions: 0o600,
		Timeout:     2 * time.Second,
		JoinTimeout: 5 * time.Second,
		AutoStart:   true,
		Camera: CameraConfig{
			Width:         int(cam.Width),
			Height:        int(cam.Height),
			Encoding:      cam.Encoding.String(),
			BitDepth:      int(cam.BitDepth),
			PixelType:     cam.PixelType.String(),
			Preprocessing: cam.Preprocessing.String(),
			Buffers:       int(cam.Buffers),
			FrameRate:     cam.FrameRate,
			ExposureTime:  cam.ExposureTime,
			SensorWidth:   1024,
			SensorHeight:  768,
		},
		Strobe: StrobeConfig{Pulse: time.Millisecond},
	}
}

// loadServerConfig reads path over the defaults. An empty path gives the defaults.
func loadServerConfig(path string) (ServerConfig, error) {
	cfg := defaultServerConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "cannot read configuration")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "cannot parse %s", path)
	}
	return cfg, nil
}

// Flags returns the creation flags of the shared objects.
func (c ServerConfig) Flags() shmcam.Flags {
	flags := shmcam.Flags(c.Permissions) & shmcam.PermMask
	if c.Persistent {
		flags |= shmcam.Persistent
	}
	return flags
}

// CameraConfig converts the camera section.
func (c ServerConfig) CameraConfig() (shmcam.Config, error) {
	var err error
	cfg := shmcam.DefaultConfig()
	cfg.Width, cfg.Height = int32(c.Camera.Width), int32(c.Camera.Height)
	cfg.Xoff, cfg.Yoff = int32(c.Camera.Xoff), int32(c.Camera.Yoff)
	cfg.BitDepth = int32(c.Camera.BitDepth)
	cfg.Buffers = int32(c.Camera.Buffers)
	cfg.FrameRate, cfg.ExposureTime = c.Camera.FrameRate, c.Camera.ExposureTime
	if cfg.Encoding, err = shmcam.ParseEncoding(c.Camera.Encoding); err != nil {
		return cfg, err
	}
	if cfg.PixelType, err = shmcam.ParseElementType(c.Camera.PixelType); err != nil {
		return cfg, err
	}
	if cfg.Preprocessing, err = shmcam.ParsePreprocessing(c.Camera.Preprocessing); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/bvarner/shmcam"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/gpio/gpioreg"
	"periph.io/x/periph/host"
)

func main() {
	configPath := flag.String("config", "", "YAML configuration file.")
	owner := flag.String("owner", "", "Owner name of the remote camera.")
	device := flag.String("device", "", "V4L2 device path, or \"sim\" for the simulator.")
	buffers := flag.Int("buffers", 0, "Number of output images in the ring.")
	drop := flag.Bool("drop", false, "Drop frames rather than wait for a busy output image.")
	shmidFile := flag.String("shmid-file", "", "Write the remote camera identifier to this file.")
	addr := flag.String("http", "", "Address of the HTTP interface, e.g. :8080.")
	debug := flag.Bool("debug", false, "Log at debug level.")
	flag.Parse()

	cfg, err := loadServerConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "owner":
			cfg.Owner = *owner
		case "device":
			cfg.Device = *device
		case "buffers":
			cfg.Buffers = *buffers
		case "drop":
			cfg.Drop = *drop
		case "shmid-file":
			cfg.ShmidFile = *shmidFile
		case "http":
			cfg.HTTP.Address = *addr
		case "debug":
			cfg.Debug = *debug
		}
	})

	logger, err := newLogger(cfg.Debug)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	code := run(cfg, logger)
	logger.Sync()
	os.Exit(code)
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// openDevice returns the device and the function closing it.
func openDevice(cfg ServerConfig, logger *zap.Logger) (shmcam.Device, func() error, error) {
	var dev shmcam.Device
	closer := func() error { return nil }
	if cfg.Device == "sim" {
		dev = shmcam.NewSimulator(cfg.Camera.SensorWidth, cfg.Camera.SensorHeight)
		logger.Info("using simulated sensor",
			zap.Int("width", cfg.Camera.SensorWidth), zap.Int("height", cfg.Camera.SensorHeight))
	} else {
		cam, err := shmcam.OpenWebcam(cfg.Device)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using V4L2 device", zap.String("path", cfg.Device), zap.Any("formats", cam.Formats()))
		dev, closer = cam, cam.Close
	}
	if cfg.Strobe.TriggerPin == "" {
		return dev, closer, nil
	}
	if _, err := host.Init(); err != nil {
		closer()
		return nil, nil, errors.Wrap(err, "cannot initialize GPIO")
	}
	trigger := gpioreg.ByName(cfg.Strobe.TriggerPin)
	if trigger == nil {
		closer()
		return nil, nil, errors.Errorf("no GPIO named %s", cfg.Strobe.TriggerPin)
	}
	var ready gpio.PinIO
	if cfg.Strobe.ReadyPin != "" {
		if ready = gpioreg.ByName(cfg.Strobe.ReadyPin); ready == nil {
			closer()
			return nil, nil, errors.Errorf("no GPIO named %s", cfg.Strobe.ReadyPin)
		}
	}
	strobe, err := shmcam.NewStrobeDevice(dev, trigger, ready, cfg.Strobe.Pulse)
	if err != nil {
		closer()
		return nil, nil, err
	}
	logger.Info("external trigger enabled", zap.String("trigger", trigger.Name()), zap.Duration("pulse", cfg.Strobe.Pulse))
	return strobe, closer, nil
}

func run(cfg ServerConfig, logger *zap.Logger) int {
	camCfg, err := cfg.CameraConfig()
	if err != nil {
		logger.Error("bad camera configuration", zap.Error(err))
		return 1
	}
	dev, closeDevice, err := openDevice(cfg, logger)
	if err != nil {
		logger.Error("cannot open device", zap.Error(err))
		return 1
	}
	defer closeDevice()

	events := new(shmcam.Emitter)
	server, err := shmcam.NewCameraServer(cfg.Owner, dev, cfg.Buffers, cfg.Flags(),
		shmcam.WithLogger(logger),
		shmcam.WithEmitter(events),
		shmcam.WithConfig(camCfg),
		shmcam.WithDrop(cfg.Drop),
		shmcam.WithTimeout(cfg.Timeout),
		shmcam.WithJoinTimeout(cfg.JoinTimeout),
		shmcam.WithMaxErrors(cfg.MaxErrors))
	if err != nil {
		logger.Error("cannot create camera server", zap.Error(err))
		return 1
	}
	shmid := server.Shmid()
	fmt.Println(shmid)
	if cfg.ShmidFile != "" {
		if err := os.WriteFile(cfg.ShmidFile, []byte(strconv.Itoa(int(shmid))+"\n"), 0o644); err != nil {
			logger.Error("cannot write identifier", zap.String("file", cfg.ShmidFile), zap.Error(err))
		}
		defer os.Remove(cfg.ShmidFile)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.Start(); err != nil {
		logger.Error("cannot start worker", zap.Error(err))
		server.Close()
		return 1
	}
	if cfg.AutoStart {
		if err := server.StartAcquisition(); err != nil {
			logger.Error("cannot start acquisition", zap.Error(err))
		}
	}

	if cfg.HTTP.Address != "" {
		a := &api{server: server, events: events, logger: logger}
		srv := &http.Server{Addr: cfg.HTTP.Address, Handler: a.router()}
		go func() {
			var err error
			if cfg.HTTP.Cert != "" && cfg.HTTP.Key != "" {
				err = srv.ListenAndServeTLS(cfg.HTTP.Cert, cfg.HTTP.Key)
			} else {
				err = srv.ListenAndServe()
			}
			if err != nil && err != http.ErrServerClosed {
				logger.Error("HTTP server failed", zap.Error(err))
			}
		}()
		defer srv.Close()
		logger.Info("HTTP interface listening", zap.String("address", cfg.HTTP.Address))
	}

	runErr := server.Run(ctx)
	closeErr := server.Close()
	switch {
	case server.Runlevel() == shmcam.RunlevelFailed:
		logger.Error("worker did not terminate, shared memory may leak",
			zap.Int32("shmid", int32(shmid)), zap.Error(shmcam.ErrJoinFailed))
		return 2
	case runErr != nil:
		logger.Error("camera server failed", zap.Error(runErr))
		return 1
	case closeErr != nil:
		logger.Error("cannot release camera server", zap.Error(closeErr))
		return 1
	}
	return 0
}

package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/bvarner/shmcam"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const usage = `usage: shmcam-ctl [-timeout d] shmid command [arguments]

commands:
  info                 print owner, state, configuration and output images
  start | stop | abort | reset | kill
  config [flags]       change the configuration (see config -h)
  preproc index [id]   use shared array id as pre-processing array index, or reload it
  wait [-n count]      wait for count new frames and print their serials
`

func main() {
	timeout := flag.Duration("timeout", 5*time.Second, "Maximum wait for the server.")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()
	if flag.NArg() < 2 {
		flag.Usage()
		os.Exit(2)
	}

	logger, _ := zap.NewDevelopment()
	code := run(logger.Sugar(), *timeout)
	logger.Sync()
	os.Exit(code)
}

// run returns the exit code. The camera must be detached before exiting or its
// reference count would never drop back.
func run(log *zap.SugaredLogger, timeout time.Duration) int {
	id, err := strconv.Atoi(flag.Arg(0))
	if err != nil {
		log.Errorf("bad identifier %q", flag.Arg(0))
		return 2
	}
	cam, err := shmcam.AttachRemoteCamera(shmcam.ShmID(id))
	if err != nil {
		log.Errorw("cannot attach remote camera", "shmid", id, "error", err)
		return 1
	}
	defer cam.Detach()

	args := flag.Args()[2:]
	var status shmcam.Status
	switch cmd := flag.Arg(1); cmd {
	case "info":
		err = info(cam)
	case "start":
		status, err = cam.Start(timeout)
	case "stop":
		status, err = cam.Stop(timeout)
	case "abort":
		status, err = cam.Abort(timeout)
	case "reset":
		status, err = cam.Reset(timeout)
	case "kill":
		status, err = cam.Kill(timeout)
	case "config":
		status, err = configure(cam, args, timeout)
	case "preproc":
		status, err = preprocessing(cam, args, timeout)
	case "wait":
		status, err = wait(cam, args, timeout)
	default:
		flag.Usage()
		return 2
	}
	switch {
	case status == shmcam.StatusTimeout:
		log.Errorw("timed out", "command", flag.Arg(1), "timeout", timeout)
		return 1
	case err != nil:
		log.Errorw("failed", "command", flag.Arg(1), "error", err)
		return 1
	}
	return 0
}

func info(cam *shmcam.RemoteCamera) error {
	cfg, err := cam.Config()
	if err != nil {
		return err
	}
	issued, acked := cam.Pending()
	fmt.Printf("owner:    %s (pid %d)\n", cam.Owner(), cam.Pid())
	fmt.Printf("state:    %s\n", cam.State())
	fmt.Printf("commands: %d issued, %d acknowledged\n", issued, acked)
	fmt.Printf("config:   %s\n", cfg)
	fmt.Printf("sensor:   %dx%d\n", cfg.SensorWidth, cfg.SensorHeight)
	fmt.Printf("serial:   %d\n", cam.Serial())
	for i := 1; i <= cam.NBufs(); i++ {
		fmt.Printf("output %d: shmid %d\n", i-1, cam.OutputShmid(int64(i)))
	}
	for i := 0; i < shmcam.NumPreproc; i++ {
		fmt.Printf("preproc %d: shmid %d\n", i, cam.PreprocessingShmid(i))
	}
	return nil
}

func configure(cam *shmcam.RemoteCamera, args []string, timeout time.Duration) (shmcam.Status, error) {
	cfg, err := cam.Config()
	if err != nil {
		return shmcam.StatusError, err
	}
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	width := fs.Int("width", int(cfg.Width), "Image width.")
	height := fs.Int("height", int(cfg.Height), "Image height.")
	xoff := fs.Int("xoff", int(cfg.Xoff), "Horizontal offset of the region of interest.")
	yoff := fs.Int("yoff", int(cfg.Yoff), "Vertical offset of the region of interest.")
	encoding := fs.String("encoding", cfg.Encoding.String(), "Raw encoding: mono8, mono16, mono12p, yuyv.")
	depth := fs.Int("depth", int(cfg.BitDepth), "Significant bits per raw pixel.")
	pixel := fs.String("pixel", cfg.PixelType.String(), "Output pixel type: uint8, uint16, float32, float64.")
	preproc := fs.String("preprocessing", cfg.Preprocessing.String(), "Pre-processing: none, affine, full.")
	rate := fs.Float64("rate", cfg.FrameRate, "Frames per second.")
	exposure := fs.Float64("exposure", cfg.ExposureTime, "Exposure time in seconds.")
	fs.Parse(args)

	cfg.Width, cfg.Height = int32(*width), int32(*height)
	cfg.Xoff, cfg.Yoff = int32(*xoff), int32(*yoff)
	cfg.BitDepth = int32(*depth)
	cfg.FrameRate, cfg.ExposureTime = *rate, *exposure
	if cfg.Encoding, err = shmcam.ParseEncoding(*encoding); err != nil {
		return shmcam.StatusError, err
	}
	if cfg.PixelType, err = shmcam.ParseElementType(*pixel); err != nil {
		return shmcam.StatusError, err
	}
	if cfg.Preprocessing, err = shmcam.ParsePreprocessing(*preproc); err != nil {
		return shmcam.StatusError, err
	}
	status, err := cam.Configure(cfg, timeout)
	if status == shmcam.StatusOK {
		if cfg, err = cam.Config(); err == nil {
			fmt.Println(cfg)
		}
	}
	return status, err
}

func preprocessing(cam *shmcam.RemoteCamera, args []string, timeout time.Duration) (shmcam.Status, error) {
	if len(args) < 1 {
		return shmcam.StatusError, errors.New("missing pre-processing index")
	}
	index, err := strconv.Atoi(args[0])
	if err != nil {
		return shmcam.StatusError, errors.Wrap(err, "bad pre-processing index")
	}
	id := shmcam.BadShmID
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return shmcam.StatusError, errors.Wrap(err, "bad shared array identifier")
		}
		id = shmcam.ShmID(n)
	}
	return cam.SetPreprocessing(index, id, timeout)
}

func wait(cam *shmcam.RemoteCamera, args []string, timeout time.Duration) (shmcam.Status, error) {
	fs := flag.NewFlagSet("wait", flag.ExitOnError)
	count := fs.Int("n", 1, "Number of frames.")
	fs.Parse(args)

	reader := shmcam.NewReader(cam)
	defer reader.Close()
	for i := 0; i < *count; i++ {
		status, err := reader.Next(timeout, func(img *shmcam.SharedArray, serial int64) error {
			fmt.Printf("%d %s %v %s\n", serial, img.Timestamp().Format(time.RFC3339Nano), img.Dims(), img.ElementType())
			return nil
		})
		if status != shmcam.StatusOK {
			return status, err
		}
	}
	return shmcam.StatusOK, nil
}

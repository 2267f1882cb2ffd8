package main

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/mat"

	"calibguide/calibration"
	"calibguide/calibration/cvcalib"
	"calibguide/detection"
	"calibguide/guide"
	"calibguide/overlay"
	"calibguide/pkg/logging"
	"calibguide/rotation"
)

const windowName = "calibguide"

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "calibguide:", err)
		os.Exit(1)
	}
}

// session holds the logger shared by all commands.
type session struct {
	logger *zap.Logger
	closer io.Closer
}

func newApp() *cli.App {
	s := &session{logger: zap.NewNop()}
	return &cli.App{
		Name:  "calibguide",
		Usage: "guide a camera calibration session with on-screen targets",
		Flags: append([]cli.Flag{
			&cli.BoolFlag{
				Name:    "debug",
				Usage:   "enable debug logging",
				EnvVars: []string{"CALIBGUIDE_DEBUG"},
			},
			&cli.StringFlag{
				Name:    "log-file",
				Usage:   "also write JSON logs to `FILE`",
				EnvVars: []string{"CALIBGUIDE_LOG_FILE"},
			},
			&cli.IntFlag{
				Name:  "log-max-size",
				Usage: "rotate the log file after this many megabytes",
				Value: logging.DefaultMaxSizeMB,
			},
		}, guideFlags()...),
		Before: s.before,
		After:  s.after,
		Action: s.guideAction,
		Commands: []*cli.Command{
			{
				Name:   "guide",
				Usage:  "run the guided calibration (default)",
				Flags:  guideFlags(),
				Action: s.guideAction,
			},
			{
				Name:  "euler",
				Usage: "convert a rotation matrix, Euler vector or Rodrigues vector",
				Flags: []cli.Flag{
					&cli.Float64SliceFlag{Name: "matrix", Usage: "row-major 3x3 rotation matrix (9 values)"},
					&cli.Float64SliceFlag{Name: "vector", Usage: "pitch, yaw, roll"},
					&cli.Float64SliceFlag{Name: "rodrigues", Usage: "rotation vector (3 values)"},
					&cli.BoolFlag{Name: "degrees", Usage: "read and print angles in degrees"},
				},
				Action: eulerAction,
			},
		},
	}
}

func guideFlags() []cli.Flag {
	defaults := guide.DefaultConfig()
	opts := calibration.DefaultOptions()
	return []cli.Flag{
		&cli.IntFlag{Name: "device", Usage: "camera device id", EnvVars: []string{"CALIBGUIDE_DEVICE"}},
		&cli.IntFlag{Name: "pattern-cols", Usage: "inner corners per pattern row (the guide needs 8)", Value: guide.PatternCols, EnvVars: []string{"CALIBGUIDE_PATTERN_COLS"}},
		&cli.IntFlag{Name: "pattern-rows", Usage: "inner corners per pattern column (the guide needs 6)", Value: guide.PatternRows, EnvVars: []string{"CALIBGUIDE_PATTERN_ROWS"}},
		&cli.Float64Flag{Name: "square-size", Usage: "pattern square size in world units", Value: 1, EnvVars: []string{"CALIBGUIDE_SQUARE_SIZE"}},
		&cli.StringFlag{Name: "detector", Usage: "auto, classic or sector", Value: string(detection.ModeAuto), EnvVars: []string{"CALIBGUIDE_DETECTOR"}},
		&cli.Float64Flag{Name: "min-shift", Usage: "mean corner shift in pixels a new sample needs", Value: opts.MinShift, EnvVars: []string{"CALIBGUIDE_MIN_SHIFT"}},
		&cli.IntFlag{Name: "screen-width", Usage: "display width in pixels, 0 to show frames 1:1", EnvVars: []string{"CALIBGUIDE_SCREEN_WIDTH"}},
		&cli.IntFlag{Name: "screen-dpi", Usage: "display density", EnvVars: []string{"CALIBGUIDE_SCREEN_DPI"}},
		&cli.DurationFlag{Name: "hold", Usage: "how long the pattern must be held at a target", Value: defaults.HoldDuration, EnvVars: []string{"CALIBGUIDE_HOLD"}},
		&cli.DurationFlag{Name: "settle", Usage: "pause after a sample before the next target", Value: defaults.SettleDelay, EnvVars: []string{"CALIBGUIDE_SETTLE"}},
		&cli.IntFlag{Name: "min-distance-dp", Value: defaults.ValidDistanceMinDp, EnvVars: []string{"CALIBGUIDE_MIN_DISTANCE_DP"}},
		&cli.IntFlag{Name: "max-distance-dp", Value: defaults.ValidDistanceMaxDp, EnvVars: []string{"CALIBGUIDE_MAX_DISTANCE_DP"}},
		&cli.IntFlag{Name: "circle-radius-dp", Value: defaults.CircleRadiusDp, EnvVars: []string{"CALIBGUIDE_CIRCLE_RADIUS_DP"}},
		&cli.IntFlag{Name: "max-steps", Usage: "targets per session, 1 to 8", Value: defaults.MaxSteps, EnvVars: []string{"CALIBGUIDE_MAX_STEPS"}},
		&cli.BoolFlag{Name: "loop", Usage: "start a new session after each completed one", EnvVars: []string{"CALIBGUIDE_LOOP"}},
	}
}

func (s *session) before(c *cli.Context) error {
	logger, closer, err := logging.New(logging.Config{
		Debug:     c.Bool("debug"),
		File:      c.String("log-file"),
		MaxSizeMB: c.Int("log-max-size"),
	})
	if err != nil {
		return err
	}
	s.logger = logger
	s.closer = closer
	return nil
}

func (s *session) after(c *cli.Context) error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

func guideConfig(c *cli.Context) guide.Config {
	cfg := guide.DefaultConfig()
	cfg.CircleRadiusDp = c.Int("circle-radius-dp")
	cfg.ValidDistanceMinDp = c.Int("min-distance-dp")
	cfg.ValidDistanceMaxDp = c.Int("max-distance-dp")
	cfg.HoldDuration = c.Duration("hold")
	cfg.SettleDelay = c.Duration("settle")
	cfg.MaxSteps = c.Int("max-steps")
	cfg.ScreenWidthPixels = c.Int("screen-width")
	cfg.ScreenDensityDPI = c.Int("screen-dpi")
	return cfg
}

func (s *session) guideAction(c *cli.Context) (err error) {
	cfg := guideConfig(c)
	if err := cfg.Validate(); err != nil {
		return err
	}
	mode, err := detection.ParseMode(c.String("detector"))
	if err != nil {
		return err
	}
	pattern := calibration.Pattern{
		Cols:       c.Int("pattern-cols"),
		Rows:       c.Int("pattern-rows"),
		SquareSize: c.Float64("square-size"),
	}
	if err := pattern.Validate(); err != nil {
		return err
	}
	if err := guide.CheckPattern(pattern.Cols, pattern.Rows); err != nil {
		return err
	}
	opts := calibration.DefaultOptions()
	opts.MinShift = c.Float64("min-shift")

	logger := s.logger.With(zap.String("session", uuid.New().String()))

	webcam, err := gocv.VideoCaptureDevice(c.Int("device"))
	if err != nil {
		return fmt.Errorf("open camera %d: %w", c.Int("device"), err)
	}
	defer func() { err = multierr.Append(err, webcam.Close()) }()
	webcam.Set(gocv.VideoCaptureBufferSize, 1)

	first := gocv.NewMat()
	if ok := webcam.Read(&first); !ok || first.Empty() {
		first.Close()
		return errors.New("failed to read first frame from camera")
	}
	width, height := first.Cols(), first.Rows()
	logger.Info("camera opened",
		zap.Int("device", c.Int("device")),
		zap.Int("width", width),
		zap.Int("height", height))

	detector := detection.NewProviderManager(logger)
	if err := detector.Initialize(image.Pt(pattern.Cols, pattern.Rows), mode); err != nil {
		first.Close()
		return fmt.Errorf("initialize detector: %w", err)
	}
	defer func() { err = multierr.Append(err, detector.Close()) }()
	info := detector.GetProviderInfo()
	logger.Info("detector selected",
		zap.String("mode", string(mode)),
		zap.String("type", info.Type),
		zap.Duration("init_time", info.InitTime))

	calibrator, err := calibration.NewCalibrator(pattern, image.Pt(width, height), cvcalib.Solver{}, opts, logger)
	if err != nil {
		first.Close()
		return err
	}

	dispatcher := guide.NewDispatcher(0, logger)
	seq, err := guide.NewSequencer(width, height, cfg, dispatcher, logger)
	if err != nil {
		first.Close()
		return err
	}
	renderer := overlay.NewRenderer(cfg.MaxSteps, clock.New(), logger)

	finished := make(chan struct{}, 1)
	seq.RegisterListener(guide.ListenerFunc(func() {
		select {
		case finished <- struct{}{}:
		default:
		}
	}))

	ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	frames := make(chan gocv.Mat, 1)
	frameErr := make(chan error, 1)
	p := &pipeline{
		webcam:     webcam,
		detector:   detector,
		calibrator: calibrator,
		seq:        seq,
		renderer:   renderer,
		frames:     frames,
		logger:     logger,
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		frameErr <- p.run(ctx, first)
	}()
	defer func() {
		cancel()
		<-done
		for {
			select {
			case img := <-frames:
				img.Close()
			default:
				return
			}
		}
	}()

	window := gocv.NewWindow(windowName)
	defer func() { err = multierr.Append(err, window.Close()) }()

	for {
		select {
		case <-ctx.Done():
			logger.Info("interrupted")
			return nil
		case err := <-frameErr:
			return err
		case <-finished:
			logResult(logger, calibrator)
			if !c.Bool("loop") {
				return nil
			}
			calibrator.Reset()
			renderer.PictureAdded(0)
			logger.Info("starting a new session")
		case img := <-frames:
			dispatcher.Drain(renderer)
			renderer.DrawHUD(&img)
			window.IMShow(img)
			img.Close()
			if key := window.WaitKey(1); key == 27 || key == 'q' {
				logger.Info("quit requested")
				return nil
			}
		}
	}
}

// pipeline reads, detects and guides on a single goroutine, handing finished
// frames to the display loop.
type pipeline struct {
	webcam     *gocv.VideoCapture
	detector   *detection.ProviderManager
	calibrator *calibration.Calibrator
	seq        *guide.Sequencer
	renderer   *overlay.Renderer
	frames     chan<- gocv.Mat
	logger     *zap.Logger
}

func (p *pipeline) run(ctx context.Context, img gocv.Mat) error {
	for {
		if ctx.Err() != nil {
			img.Close()
			return nil
		}
		if !img.Empty() {
			if err := p.process(&img); err != nil {
				img.Close()
				return err
			}
			select {
			case p.frames <- img:
			default:
				// Display busy, drop the frame
				img.Close()
			}
		} else {
			img.Close()
		}

		img = gocv.NewMat()
		if ok := p.webcam.Read(&img); !ok {
			img.Close()
			return errors.New("failed to read frame from camera")
		}
	}
}

func (p *pipeline) process(img *gocv.Mat) error {
	res, err := p.detector.Detect(*img)
	if err != nil {
		return fmt.Errorf("detect pattern: %w", err)
	}
	if res.Found {
		p.calibrator.SetCorners(res.Corners)
	} else {
		p.calibrator.SetCorners(nil)
		p.logger.Debug("pattern not found")
	}
	return p.seq.ProcessFrame(p.renderer.Canvas(img), res.Found, res.Corners, p.calibrator)
}

func logResult(logger *zap.Logger, calibrator *calibration.Calibrator) {
	res, ok := calibrator.Result()
	if !ok {
		logger.Warn("session finished without a calibration result",
			zap.Int("samples", calibrator.CornersBufferSize()))
		return
	}
	k := res.CameraMatrix
	logger.Info("session finished",
		zap.Int("samples", res.Samples),
		zap.Float64("rms", res.RMS),
		zap.Float64("fx", k.At(0, 0)),
		zap.Float64("fy", k.At(1, 1)),
		zap.Float64("cx", k.At(0, 2)),
		zap.Float64("cy", k.At(1, 2)),
		zap.Float64s("distortion", res.Distortion))
}

func eulerAction(c *cli.Context) error {
	unit := rotation.Radians
	if c.Bool("degrees") {
		unit = rotation.Degrees
	}

	var (
		out *mat.Dense
		err error
		set int
	)
	if v := c.Float64Slice("matrix"); len(v) > 0 {
		set++
		if len(v) != 9 {
			return fmt.Errorf("--matrix needs 9 values, got %d", len(v))
		}
		out, err = rotation.Euler(mat.NewDense(3, 3, v), unit)
	}
	if v := c.Float64Slice("vector"); len(v) > 0 {
		set++
		if len(v) != 3 {
			return fmt.Errorf("--vector needs 3 values, got %d", len(v))
		}
		out, err = rotation.Euler(mat.NewDense(3, 1, v), unit)
	}
	if v := c.Float64Slice("rodrigues"); len(v) > 0 {
		set++
		if len(v) != 3 {
			return fmt.Errorf("--rodrigues needs 3 values, got %d", len(v))
		}
		out, err = rotation.RodriguesToEuler(mat.NewDense(3, 1, v), unit, cvcalib.Rodrigues)
	}
	if set != 1 {
		return errors.New("exactly one of --matrix, --vector or --rodrigues is required")
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(c.App.Writer, "%v\n", mat.Formatted(out, mat.Squeeze()))
	return nil
}

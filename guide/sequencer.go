// Package guide walks a user through capturing calibration samples from a ring
// of viewpoints. Each frame it draws a target circle and an arrow from a feature
// of the detected pattern to that target, and accepts a sample once the user has
// held the pattern close enough to the target for long enough.
package guide

import (
	"errors"
	"fmt"
	"image/color"
	"math"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r2"
	"go.uber.org/zap"
)

// ErrElapsedOverflow is returned when the hold time no longer fits the
// millisecond range shown to the user.
var ErrElapsedOverflow = errors.New("elapsed hold time overflows display range")

// Canvas draws onto the current video frame.
type Canvas interface {
	Circle(center r2.Point, radius int, c color.RGBA)
	Arrow(from, to r2.Point, c color.RGBA)
}

// Calibrator collects the accepted corner sets and solves for the camera.
type Calibrator interface {
	// AddCorners stores the corners of the current frame as a sample.
	AddCorners()
	// Calibrate re-runs the solver over all stored samples.
	Calibrate() error
	// CheckLastFrame reports whether the current frame is too similar to the
	// last stored sample to be worth adding.
	CheckLastFrame() bool
	// CornersBufferSize returns the number of stored samples.
	CornersBufferSize() int
}

// Listener is notified when a full ring of samples has been collected.
type Listener interface {
	GuideFinished()
}

// ListenerFunc adapts a function to a Listener.
type ListenerFunc func()

// GuideFinished calls f.
func (f ListenerFunc) GuideFinished() { f() }

// Option configures a Sequencer.
type Option func(*Sequencer)

// WithClock sets the clock used for hold and settle timing.
func WithClock(clk clock.Clock) Option {
	return func(s *Sequencer) {
		s.clock = clk
	}
}

// Sequencer tracks the current guide step. It is driven from a single frame
// goroutine and is not safe for concurrent use.
type Sequencer struct {
	cfg           Config
	width, height int
	density       Density
	circleRadius  int
	minDistance   float64
	maxDistance   float64

	clock    clock.Clock
	ui       *Dispatcher
	logger   *zap.Logger
	listener Listener

	step        int
	guidePoint  r2.Point
	arrowStart  r2.Point
	arrowEnd    r2.Point
	arrowColor  color.RGBA
	holdStart   time.Time
	settling    bool
	settleUntil time.Time

	// Display state the guide wants shown, and the values the UI queue last
	// accepted. Dropped posts are retried on the next frame.
	progress       int
	captureVisible bool
	sentProgress   int
	sentCapture    bool
	pendingSamples int
}

// NewSequencer creates a sequencer for frames of the given size. Display
// updates are posted to ui.
func NewSequencer(width, height int, cfg Config, ui *Dispatcher, logger *zap.Logger, opts ...Option) (*Sequencer, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: frame size %dx%d", ErrInvalidConfig, width, height)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if ui == nil {
		ui = NewDispatcher(DefaultQueueSize, logger)
	}

	s := &Sequencer{
		cfg:        cfg,
		width:      width,
		height:     height,
		density:    NewDensity(width, cfg.ScreenWidthPixels, cfg.ScreenDensityDPI),
		clock:      clock.New(),
		ui:         ui,
		logger:     logger.Named("guide"),
		arrowColor: cfg.PendingColor,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.circleRadius = s.density.DpToPixel(cfg.CircleRadiusDp)
	s.minDistance = float64(s.density.DpToPixel(cfg.ValidDistanceMinDp))
	s.maxDistance = float64(s.density.DpToPixel(cfg.ValidDistanceMaxDp))
	s.guidePoint = GuidePointFor(0, width, height)
	s.holdStart = s.clock.Now()

	s.logger.Debug("sequencer created",
		zap.Int("width", width),
		zap.Int("height", height),
		zap.Int("density", s.density.Factor()),
		zap.Float64("min_distance_px", s.minDistance),
		zap.Float64("max_distance_px", s.maxDistance))
	return s, nil
}

// RegisterListener sets the listener told about completed sessions.
func (s *Sequencer) RegisterListener(l Listener) {
	s.listener = l
}

// Step returns the current step.
func (s *Sequencer) Step() int { return s.step }

// GuidePoint returns the current on-screen target.
func (s *Sequencer) GuidePoint() r2.Point { return s.guidePoint }

// ArrowColor returns the colour the next arrow is drawn with.
func (s *Sequencer) ArrowColor() color.RGBA { return s.arrowColor }

// Settling reports whether an accepted sample is waiting out the settle delay.
func (s *Sequencer) Settling() bool { return s.settling }

// ProcessFrame runs one frame through the guide. corners may be nil when no
// pattern was found.
func (s *Sequencer) ProcessFrame(canvas Canvas, patternFound bool, corners []r2.Point, calibrator Calibrator) error {
	now := s.clock.Now()
	s.syncUI()
	if s.settling && !now.Before(s.settleUntil) {
		s.advance(now)
	}

	canvas.Circle(s.guidePoint, s.circleRadius, s.cfg.CircleColor)

	if patternFound {
		anchor, err := AnchorFor(s.step, corners)
		if err != nil {
			s.logger.Debug("ignoring pattern", zap.Error(err))
			patternFound = false
		} else {
			s.arrowStart = anchor
			s.arrowEnd = s.guidePoint
			canvas.Arrow(s.arrowStart, s.arrowEnd, s.arrowColor)
		}
	}

	if s.settling {
		return nil
	}
	return s.holdDistanceToGuidePoint(now, patternFound, calibrator)
}

func (s *Sequencer) holdDistanceToGuidePoint(now time.Time, patternFound bool, calibrator Calibrator) error {
	if !patternFound {
		s.resetHold(now)
		return nil
	}

	distance := s.arrowEnd.Sub(s.arrowStart).Norm()
	s.logger.Debug("distance to guide point", zap.Float64("distance", distance))
	if !s.inBand(distance) {
		s.resetHold(now)
		return nil
	}

	s.arrowColor = s.cfg.HeldColor
	elapsed := now.Sub(s.holdStart)
	ms, err := displayMillis(elapsed)
	if err != nil {
		return err
	}
	hold := float64(s.cfg.HoldDuration) / float64(time.Millisecond)
	s.postProgress(int(math.Round(float64(ms) / hold * 100)))

	if elapsed < s.cfg.HoldDuration {
		return nil
	}
	s.setCaptureVisible(true)

	if calibrator.CheckLastFrame() {
		s.logger.Info("frame rejected, too close to the last sample", zap.Int("step", s.step))
		// The host hides the capture indicator itself on a rejection. A dropped
		// rejection leaves it visible and the next frame rejects again.
		if s.ui.Post(Command{Kind: FrameRejected}) {
			s.captureVisible = false
			s.sentCapture = false
		}
		return nil
	}

	calibrator.AddCorners()
	samples := calibrator.CornersBufferSize()
	s.pendingSamples = samples
	s.postSamples()
	if err := calibrator.Calibrate(); err != nil {
		s.logger.Warn("calibration failed", zap.Int("samples", samples), zap.Error(err))
	}
	s.logger.Info("sample accepted", zap.Int("step", s.step), zap.Int("samples", samples))

	if s.cfg.SettleDelay <= 0 {
		s.advance(now)
		return nil
	}
	s.settling = true
	s.settleUntil = now.Add(s.cfg.SettleDelay)
	return nil
}

// inBand reports whether the arrow length is strictly inside the valid band.
func (s *Sequencer) inBand(distance float64) bool {
	return distance > s.minDistance && distance < s.maxDistance
}

func (s *Sequencer) resetHold(now time.Time) {
	s.arrowColor = s.cfg.PendingColor
	s.holdStart = now
	s.postProgress(0)
}

// advance moves to the next guide point, wrapping and notifying the listener
// after the last one.
func (s *Sequencer) advance(now time.Time) {
	s.settling = false
	s.step++
	s.holdStart = now
	s.arrowColor = s.cfg.PendingColor
	s.setCaptureVisible(false)
	s.postProgress(0)

	if s.step >= s.cfg.MaxSteps {
		s.step = 0
		s.logger.Info("guide finished")
		if s.listener != nil {
			s.listener.GuideFinished()
		}
	}
	s.guidePoint = GuidePointFor(s.step, s.width, s.height)
	s.logger.Debug("next guide point", zap.Int("step", s.step),
		zap.Float64("x", s.guidePoint.X), zap.Float64("y", s.guidePoint.Y))
}

func (s *Sequencer) postProgress(progress int) {
	s.progress = progress
	if progress != s.sentProgress && s.ui.Post(Command{Kind: SetProgress, Progress: progress}) {
		s.sentProgress = progress
	}
}

func (s *Sequencer) setCaptureVisible(visible bool) {
	s.captureVisible = visible
	if visible != s.sentCapture && s.ui.Post(Command{Kind: SetCaptureVisible, Visible: visible}) {
		s.sentCapture = visible
	}
}

func (s *Sequencer) postSamples() {
	if s.pendingSamples > 0 && s.ui.Post(Command{Kind: PictureAdded, Count: s.pendingSamples}) {
		s.pendingSamples = 0
	}
}

// syncUI re-posts display state the UI queue dropped on earlier frames.
func (s *Sequencer) syncUI() {
	s.postSamples()
	s.setCaptureVisible(s.captureVisible)
	s.postProgress(s.progress)
}

// displayMillis converts d to whole milliseconds, failing rather than
// truncating when the value does not fit an int32.
func displayMillis(d time.Duration) (int32, error) {
	ms := d.Milliseconds()
	if ms < math.MinInt32 || ms > math.MaxInt32 {
		return 0, fmt.Errorf("%w: %d ms", ErrElapsedOverflow, ms)
	}
	return int32(ms), nil
}
